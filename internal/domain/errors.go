package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrDuplicateID         = errors.New("duplicate migration id")
	ErrMalformedDescriptor = errors.New("malformed migration descriptor")
	ErrNotFound            = errors.New("migration not found")

	ErrUnknownTarget        = errors.New("unknown target migration")
	ErrAppliedSetNotAPrefix = errors.New("applied migrations are not a prefix of the registry")

	ErrOperationFailed      = errors.New("migration operation failed")
	ErrAlreadyApplied       = errors.New("migration already applied")
	ErrLedgerInconsistent   = errors.New("ledger inconsistent with registry")
	ErrPlanConsumed         = errors.New("plan already executed")
	ErrUnsupportedOperation = errors.New("operation not supported by dialect")

	ErrLockUnavailable = errors.New("migration lock unavailable")
)

// StepBookkeeping is the OperationFailedError index used when the failure
// happened outside the descriptor's operations: begin, ledger or commit.
const StepBookkeeping = -1

// OperationFailedError reports the migration and step that stopped a run.
// The migration's transaction has been rolled back when this is returned.
type OperationFailedError struct {
	ID        MigrationID
	Name      string
	Direction Direction
	Index     int
	Statement string
	Cause     error
}

func (e *OperationFailedError) Error() string {
	step := fmt.Sprintf("operation %d", e.Index)
	if e.Index == StepBookkeeping {
		step = "ledger transaction"
	}
	return fmt.Sprintf("migration %s (%s) %s failed at %s: %v", e.ID, e.Name, e.Direction, step, e.Cause)
}

func (e *OperationFailedError) Unwrap() error { return e.Cause }

func (e *OperationFailedError) Is(target error) bool { return target == ErrOperationFailed }
