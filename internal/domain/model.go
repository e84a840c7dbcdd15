package domain

import (
	"strconv"
	"sync"
	"time"
)

// MigrationID orders migrations. Timestamp-derived ids (20240101120000) and
// small sequential integers are both fine; only uniqueness and order matter.
type MigrationID int64

func (id MigrationID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseMigrationID parses the decimal form produced by MigrationID.String.
func ParseMigrationID(s string) (MigrationID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return MigrationID(v), nil
}

// Descriptor is one versioned schema change. Down must undo Up; the engine
// only checks that both sides are present.
type Descriptor struct {
	ID   MigrationID
	Name string
	Up   []Operation
	Down []Operation
}

// Operations returns the sequence to run for the given direction.
func (d Descriptor) Operations(direction Direction) []Operation {
	if direction == Revert {
		return d.Down
	}
	return d.Up
}

type Direction int

const (
	Apply Direction = iota
	Revert
)

func (d Direction) String() string {
	if d == Revert {
		return "down"
	}
	return "up"
}

// LedgerEntry is one row of the applied-migration ledger.
type LedgerEntry struct {
	ID        MigrationID
	Name      string
	AppliedAt time.Time
}

// Target bounds a plan. The zero value means "latest" when applying and
// "nothing left" when reverting.
type Target struct {
	ID  MigrationID
	Set bool
}

func Latest() Target { return Target{} }

func None() Target { return Target{} }

func TargetID(id MigrationID) Target { return Target{ID: id, Set: true} }

func (t Target) String() string {
	if !t.Set {
		return "none"
	}
	return t.ID.String()
}

// Plan is an ordered, directional work list. It is built for one run and
// may be executed once.
type Plan struct {
	Direction  Direction
	Migrations []Descriptor

	mu       sync.Mutex
	consumed bool
}

func NewPlan(direction Direction, migrations []Descriptor) *Plan {
	return &Plan{Direction: direction, Migrations: migrations}
}

func (p *Plan) IsEmpty() bool {
	return len(p.Migrations) == 0
}

func (p *Plan) IDs() []MigrationID {
	ids := make([]MigrationID, 0, len(p.Migrations))
	for _, m := range p.Migrations {
		ids = append(ids, m.ID)
	}
	return ids
}

// Consume marks the plan as taken by an executor.
func (p *Plan) Consume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.consumed {
		return ErrPlanConsumed
	}
	p.consumed = true
	return nil
}

type RunState int

const (
	StateIdle RunState = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result summarizes one plan execution.
type Result struct {
	State            RunState
	AppliedCount     int
	LastSuccessfulID MigrationID
	HasSuccess       bool
}

// MigrationStatus is one row of a status report.
type MigrationStatus struct {
	ID        MigrationID
	Name      string
	Applied   bool
	AppliedAt *time.Time
}

// StatusReport lists registry migrations with their ledger state. Unknown
// holds ledger ids the registry does not contain.
type StatusReport struct {
	Migrations []MigrationStatus
	Unknown    []LedgerEntry
}

func (r StatusReport) Pending() int {
	n := 0
	for _, m := range r.Migrations {
		if !m.Applied {
			n++
		}
	}
	return n
}
