package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemamigrator/internal/domain"
)

func TestPlanApply(t *testing.T) {
	r := registryOf(t, 1, 2, 3)

	tests := []struct {
		name    string
		applied []domain.MigrationID
		target  domain.Target
		want    []domain.MigrationID
	}{
		{"latest from prefix", []domain.MigrationID{1}, domain.Latest(), []domain.MigrationID{2, 3}},
		{"latest from empty", nil, domain.Latest(), []domain.MigrationID{1, 2, 3}},
		{"bounded target", nil, domain.TargetID(2), []domain.MigrationID{1, 2}},
		{"everything applied", []domain.MigrationID{1, 2, 3}, domain.Latest(), []domain.MigrationID{}},
		{"target behind applied", []domain.MigrationID{1, 2}, domain.TargetID(1), []domain.MigrationID{}},
		{"applied ids unordered", []domain.MigrationID{2, 1}, domain.Latest(), []domain.MigrationID{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := PlanApply(r, tt.applied, tt.target)
			require.NoError(t, err)
			assert.Equal(t, domain.Apply, plan.Direction)
			assert.Equal(t, tt.want, plan.IDs())
		})
	}
}

func TestPlanRevert(t *testing.T) {
	r := registryOf(t, 1, 2, 3)

	tests := []struct {
		name    string
		applied []domain.MigrationID
		target  domain.Target
		want    []domain.MigrationID
	}{
		{"to first", []domain.MigrationID{1, 2, 3}, domain.TargetID(1), []domain.MigrationID{3, 2}},
		{"everything", []domain.MigrationID{1, 2, 3}, domain.None(), []domain.MigrationID{3, 2, 1}},
		{"partial ledger", []domain.MigrationID{1, 2}, domain.None(), []domain.MigrationID{2, 1}},
		{"nothing applied", nil, domain.None(), []domain.MigrationID{}},
		{"target ahead of ledger", []domain.MigrationID{1}, domain.TargetID(3), []domain.MigrationID{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := PlanRevert(r, tt.applied, tt.target)
			require.NoError(t, err)
			assert.Equal(t, domain.Revert, plan.Direction)
			assert.Equal(t, tt.want, plan.IDs())
		})
	}
}

func TestPlan_GapDetection(t *testing.T) {
	r := registryOf(t, 1, 2, 3)

	_, err := PlanApply(r, []domain.MigrationID{1, 3}, domain.Latest())
	assert.ErrorIs(t, err, domain.ErrAppliedSetNotAPrefix)

	_, err = PlanRevert(r, []domain.MigrationID{1, 3}, domain.None())
	assert.ErrorIs(t, err, domain.ErrAppliedSetNotAPrefix)
}

func TestPlan_UnknownTarget(t *testing.T) {
	r := registryOf(t, 1, 2, 3)

	_, err := PlanApply(r, nil, domain.TargetID(4))
	assert.ErrorIs(t, err, domain.ErrUnknownTarget)

	_, err = PlanRevert(r, []domain.MigrationID{1}, domain.TargetID(4))
	assert.ErrorIs(t, err, domain.ErrUnknownTarget)
}

func TestPlan_UnregisteredAppliedID(t *testing.T) {
	r := registryOf(t, 1, 2)

	_, err := PlanApply(r, []domain.MigrationID{1, 9}, domain.Latest())
	assert.ErrorIs(t, err, domain.ErrLedgerInconsistent)
}

func TestPlanApply_IsDeterministic(t *testing.T) {
	r := registryOf(t, 5, 1, 3, 2, 4)
	applied := []domain.MigrationID{1, 2}

	first, err := PlanApply(r, applied, domain.TargetID(4))
	require.NoError(t, err)
	second, err := PlanApply(r, applied, domain.TargetID(4))
	require.NoError(t, err)

	assert.Equal(t, first.IDs(), second.IDs())
	assert.Equal(t, []domain.MigrationID{3, 4}, first.IDs())
}

func TestCheckDrift(t *testing.T) {
	r := registryOf(t, 1, 2)
	now := time.Now()

	assert.NoError(t, CheckDrift(r, []domain.LedgerEntry{{ID: 1, AppliedAt: now}}))

	err := CheckDrift(r, []domain.LedgerEntry{{ID: 1, AppliedAt: now}, {ID: 7, AppliedAt: now}})
	assert.ErrorIs(t, err, domain.ErrLedgerInconsistent)
	assert.Contains(t, err.Error(), "[7]")
}
