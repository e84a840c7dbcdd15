package domain

import (
	"context"
	"database/sql"
	"time"
)

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// TxBeginner opens the per-migration transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// LedgerRepository persists the applied-migration ledger in the target
// database. Writes take the caller's transaction so they commit together
// with the schema change they record.
type LedgerRepository interface {
	EnsureInitialized(ctx context.Context, q Queryer) error
	CurrentState(ctx context.Context, q Queryer) ([]LedgerEntry, error)
	Contains(ctx context.Context, q Queryer, id MigrationID) (bool, error)
	RecordApplied(ctx context.Context, q Queryer, id MigrationID, name string, at time.Time) error
	RecordReverted(ctx context.Context, q Queryer, id MigrationID) error
}

// Locker takes the named advisory lock scoped to the target database.
// TryAcquire does not block; ok is false when another holder has it.
type Locker interface {
	TryAcquire(ctx context.Context, name string) (release func() error, ok bool, err error)
}

// Dialect renders operations into statements for one database engine.
type Dialect interface {
	Name() string
	Render(op Operation) ([]string, error)
}

// ExecutionObserver receives per-migration outcomes, e.g. for metrics.
type ExecutionObserver interface {
	MigrationFinished(d Descriptor, direction Direction, duration time.Duration, err error)
}
