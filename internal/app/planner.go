package app

import (
	"sort"

	"github.com/pkg/errors"

	"schemamigrator/internal/domain"
)

// CheckDrift fails when the ledger records ids the registry does not know.
func CheckDrift(registry *Registry, entries []domain.LedgerEntry) error {
	unknown := UnknownEntries(registry, entries)
	if len(unknown) == 0 {
		return nil
	}
	ids := make([]domain.MigrationID, 0, len(unknown))
	for _, e := range unknown {
		ids = append(ids, e.ID)
	}
	return errors.Wrapf(domain.ErrLedgerInconsistent, "ledger contains unknown migrations %v", ids)
}

func UnknownEntries(registry *Registry, entries []domain.LedgerEntry) []domain.LedgerEntry {
	var unknown []domain.LedgerEntry
	for _, e := range entries {
		if !registry.Contains(e.ID) {
			unknown = append(unknown, e)
		}
	}
	return unknown
}

// AppliedIDs extracts the ids of ledger entries.
func AppliedIDs(entries []domain.LedgerEntry) []domain.MigrationID {
	ids := make([]domain.MigrationID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

// PlanApply returns the pending migrations up to and including target, in
// ascending order. It performs no I/O.
func PlanApply(registry *Registry, applied []domain.MigrationID, target domain.Target) (*domain.Plan, error) {
	if target.Set && !registry.Contains(target.ID) {
		return nil, errors.Wrapf(domain.ErrUnknownTarget, "target %s", target)
	}
	n, err := appliedPrefix(registry, applied)
	if err != nil {
		return nil, err
	}

	ordered := registry.Ordered()
	var pending []domain.Descriptor
	for _, d := range ordered[n:] {
		if target.Set && d.ID > target.ID {
			break
		}
		pending = append(pending, d)
	}
	return domain.NewPlan(domain.Apply, pending), nil
}

// PlanRevert returns the applied migrations newer than target, newest
// first. An unset target reverts everything.
func PlanRevert(registry *Registry, applied []domain.MigrationID, target domain.Target) (*domain.Plan, error) {
	if target.Set && !registry.Contains(target.ID) {
		return nil, errors.Wrapf(domain.ErrUnknownTarget, "target %s", target)
	}
	n, err := appliedPrefix(registry, applied)
	if err != nil {
		return nil, err
	}

	ordered := registry.Ordered()
	var reverting []domain.Descriptor
	for i := n - 1; i >= 0; i-- {
		d := ordered[i]
		if target.Set && d.ID <= target.ID {
			break
		}
		reverting = append(reverting, d)
	}
	return domain.NewPlan(domain.Revert, reverting), nil
}

// appliedPrefix checks that applied is exactly the first n registry ids and
// returns n.
func appliedPrefix(registry *Registry, applied []domain.MigrationID) (int, error) {
	set := make(map[domain.MigrationID]struct{}, len(applied))
	for _, id := range applied {
		if !registry.Contains(id) {
			return 0, errors.Wrapf(domain.ErrLedgerInconsistent, "applied migration %s is not registered", id)
		}
		set[id] = struct{}{}
	}

	ordered := registry.Ordered()
	for i, d := range ordered[:len(set)] {
		if _, ok := set[d.ID]; !ok {
			ids := make([]domain.MigrationID, 0, len(set))
			for id := range set {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
			return 0, errors.Wrapf(domain.ErrAppliedSetNotAPrefix,
				"migration %s (position %d) is pending while %v are applied", d.ID, i+1, ids)
		}
	}
	return len(set), nil
}
