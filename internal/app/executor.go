package app

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"schemamigrator/internal/domain"
)

// Executor runs a plan against a live database, one transaction per
// migration, stopping at the first failure.
type Executor struct {
	db       domain.TxBeginner
	ledger   domain.LedgerRepository
	dialect  domain.Dialect
	logger   *log.Entry
	observer domain.ExecutionObserver
	now      func() time.Time
}

func NewExecutor(db domain.TxBeginner, ledger domain.LedgerRepository, dialect domain.Dialect, logger *log.Entry) *Executor {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Executor{
		db:       db,
		ledger:   ledger,
		dialect:  dialect,
		logger:   logger.WithField("dialect", dialect.Name()),
		observer: nopObserver{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (e *Executor) WithObserver(observer domain.ExecutionObserver) *Executor {
	if observer != nil {
		e.observer = observer
	}
	return e
}

// WithClock overrides the timestamp written to the ledger.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Execute consumes plan. Cancellation of ctx is honoured between
// migrations; a migration that has started runs to commit or rollback.
func (e *Executor) Execute(ctx context.Context, plan *domain.Plan) (domain.Result, error) {
	result := domain.Result{State: domain.StateIdle}
	if err := plan.Consume(); err != nil {
		return result, err
	}

	result.State = domain.StateRunning
	runLogger := e.logger.WithFields(log.Fields{
		"direction":  plan.Direction.String(),
		"migrations": len(plan.Migrations),
	})
	runLogger.Info("executing migration plan")

	for _, d := range plan.Migrations {
		if err := ctx.Err(); err != nil {
			result.State = domain.StateCancelled
			runLogger.WithField("applied", result.AppliedCount).Warn("migration run cancelled")
			return result, errors.Wrap(err, "migration run cancelled")
		}

		started := time.Now()
		err := e.runMigration(context.WithoutCancel(ctx), d, plan.Direction)
		e.observer.MigrationFinished(d, plan.Direction, time.Since(started), err)
		if err != nil {
			result.State = domain.StateFailed
			runLogger.WithError(err).WithField("migration_id", d.ID).Error("migration run halted")
			return result, err
		}

		result.AppliedCount++
		result.LastSuccessfulID = d.ID
		result.HasSuccess = true
	}

	result.State = domain.StateCompleted
	runLogger.WithField("applied", result.AppliedCount).Info("migration plan completed")
	return result, nil
}

func (e *Executor) runMigration(ctx context.Context, d domain.Descriptor, direction domain.Direction) (err error) {
	logger := e.logger.WithFields(log.Fields{
		"migration_id": d.ID,
		"name":         d.Name,
		"direction":    direction.String(),
	})
	fail := func(index int, statement string, cause error) error {
		return &domain.OperationFailedError{
			ID:        d.ID,
			Name:      d.Name,
			Direction: direction,
			Index:     index,
			Statement: statement,
			Cause:     cause,
		}
	}

	logger.Info("running migration")
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		logger.WithError(err).Error("failed to start transaction")
		return fail(domain.StepBookkeeping, "", errors.Wrap(err, "begin transaction"))
	}

	defer func() {
		failed := err != nil
		err = commit(logger, tx, err)
		if err != nil && !failed {
			err = fail(domain.StepBookkeeping, "", errors.Wrap(err, "commit"))
		}
	}()

	applied, err := e.ledger.Contains(ctx, tx, d.ID)
	if err != nil {
		return fail(domain.StepBookkeeping, "", errors.Wrap(err, "read ledger"))
	}
	switch {
	case direction == domain.Apply && applied:
		return errors.Wrapf(domain.ErrAlreadyApplied, "migration %s", d.ID)
	case direction == domain.Revert && !applied:
		return errors.Wrapf(domain.ErrLedgerInconsistent, "migration %s is not in the ledger", d.ID)
	}

	for i, op := range d.Operations(direction) {
		statements, renderErr := e.dialect.Render(op)
		if renderErr != nil {
			return fail(i, "", renderErr)
		}
		for _, stmt := range statements {
			logger.WithFields(log.Fields{"operation": i, "kind": string(op.Kind())}).Debug(stmt)
			if _, execErr := tx.ExecContext(ctx, stmt); execErr != nil {
				return fail(i, stmt, execErr)
			}
		}
	}

	if direction == domain.Apply {
		err = e.ledger.RecordApplied(ctx, tx, d.ID, d.Name, e.now())
	} else {
		err = e.ledger.RecordReverted(ctx, tx, d.ID)
	}
	if err != nil {
		if errors.Is(err, domain.ErrLedgerInconsistent) {
			return err
		}
		return fail(domain.StepBookkeeping, "", errors.Wrap(err, "write ledger"))
	}
	return nil
}

// commit rolls back when err is set and commits otherwise. The returned
// error is err, or the commit failure.
func commit(logger *log.Entry, tx *sql.Tx, err error) error {
	if err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			logger.WithError(rollbackErr).Error("failed to roll back")
		}
		logger.WithError(err).Error("migration rolled back")
		return err
	}

	if err = tx.Commit(); err != nil {
		logger.WithError(err).Error("failed to commit")
		return err
	}
	logger.Info("migration committed")
	return nil
}

type nopObserver struct{}

func (nopObserver) MigrationFinished(domain.Descriptor, domain.Direction, time.Duration, error) {}
