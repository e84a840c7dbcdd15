package app

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"schemamigrator/internal/domain"
)

// Database is the connection pool a run operates on; *sql.DB satisfies it.
type Database interface {
	domain.Queryer
	domain.TxBeginner
}

type LockOptions struct {
	Name string
	// FailFast returns ErrLockUnavailable at once instead of waiting.
	FailFast bool
	// Timeout bounds the wait; zero waits until the context ends.
	Timeout      time.Duration
	PollInterval time.Duration
}

type ServiceOptions struct {
	Lock     LockOptions
	Observer domain.ExecutionObserver
	Clock    func() time.Time
}

// MigrationService runs the locked sequence ensureInitialized -> read
// ledger -> plan -> execute for one target database.
type MigrationService struct {
	db       Database
	registry *Registry
	ledger   domain.LedgerRepository
	locker   domain.Locker
	dialect  domain.Dialect
	options  ServiceOptions
	logger   *log.Entry
}

var _ domain.MigrationService = (*MigrationService)(nil)

func NewMigrationService(db Database, registry *Registry, ledger domain.LedgerRepository, locker domain.Locker,
	dialect domain.Dialect, options ServiceOptions, logger *log.Entry) *MigrationService {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	if options.Lock.PollInterval <= 0 {
		options.Lock.PollInterval = 500 * time.Millisecond
	}
	return &MigrationService{
		db:       db,
		registry: registry,
		ledger:   ledger,
		locker:   locker,
		dialect:  dialect,
		options:  options,
		logger:   logger,
	}
}

func (s *MigrationService) Init(ctx context.Context) error {
	return s.withLock(ctx, func() error {
		return s.ensureInitialized(ctx)
	})
}

func (s *MigrationService) Up(ctx context.Context, target domain.Target) (domain.Result, error) {
	return s.run(ctx, domain.Apply, target)
}

func (s *MigrationService) Down(ctx context.Context, target domain.Target) (domain.Result, error) {
	return s.run(ctx, domain.Revert, target)
}

func (s *MigrationService) Status(ctx context.Context) (domain.StatusReport, error) {
	var report domain.StatusReport
	err := s.withLock(ctx, func() error {
		if err := s.ensureInitialized(ctx); err != nil {
			return err
		}
		entries, err := s.ledger.CurrentState(ctx, s.db)
		if err != nil {
			return errors.Wrap(err, "read ledger")
		}

		applied := make(map[domain.MigrationID]domain.LedgerEntry, len(entries))
		for _, e := range entries {
			applied[e.ID] = e
		}
		for _, d := range s.registry.Ordered() {
			status := domain.MigrationStatus{ID: d.ID, Name: d.Name}
			if e, ok := applied[d.ID]; ok {
				at := e.AppliedAt
				status.Applied = true
				status.AppliedAt = &at
			}
			report.Migrations = append(report.Migrations, status)
		}
		report.Unknown = UnknownEntries(s.registry, entries)
		return nil
	})
	return report, err
}

func (s *MigrationService) run(ctx context.Context, direction domain.Direction, target domain.Target) (domain.Result, error) {
	var result domain.Result
	err := s.withLock(ctx, func() error {
		if err := s.ensureInitialized(ctx); err != nil {
			return err
		}
		entries, err := s.ledger.CurrentState(ctx, s.db)
		if err != nil {
			return errors.Wrap(err, "read ledger")
		}
		if err = CheckDrift(s.registry, entries); err != nil {
			return err
		}

		var plan *domain.Plan
		if direction == domain.Apply {
			plan, err = PlanApply(s.registry, AppliedIDs(entries), target)
		} else {
			plan, err = PlanRevert(s.registry, AppliedIDs(entries), target)
		}
		if err != nil {
			return err
		}

		logger := s.logger.WithFields(log.Fields{"direction": direction.String(), "target": target.String()})
		if plan.IsEmpty() {
			logger.Info("schema is up to date")
			result.State = domain.StateCompleted
			return nil
		}
		logger.WithField("plan", plan.IDs()).Info("planned migrations")

		executor := NewExecutor(s.db, s.ledger, s.dialect, s.logger).WithObserver(s.options.Observer)
		if s.options.Clock != nil {
			executor.WithClock(s.options.Clock)
		}
		result, err = executor.Execute(ctx, plan)
		return err
	})
	return result, err
}

func (s *MigrationService) ensureInitialized(ctx context.Context) error {
	if err := s.ledger.EnsureInitialized(ctx, s.db); err != nil {
		s.logger.WithError(err).Error("failed to create ledger table")
		return errors.Wrap(err, "initialize ledger")
	}
	return nil
}

// withLock holds the advisory lock for the duration of fn and releases it
// on every exit path.
func (s *MigrationService) withLock(ctx context.Context, fn func() error) error {
	release, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := release(); releaseErr != nil {
			s.logger.WithError(releaseErr).Error("failed to release migration lock")
		}
	}()
	return fn()
}

func (s *MigrationService) acquireLock(ctx context.Context) (func() error, error) {
	opts := s.options.Lock
	logger := s.logger.WithField("lock", opts.Name)

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		release, ok, err := s.locker.TryAcquire(ctx, opts.Name)
		if err != nil {
			return nil, errors.Wrap(err, "acquire migration lock")
		}
		if ok {
			logger.Debug("migration lock acquired")
			return release, nil
		}
		if opts.FailFast {
			return nil, errors.Wrapf(domain.ErrLockUnavailable, "lock %q is held", opts.Name)
		}

		logger.Debug("waiting for migration lock")
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "wait for migration lock")
		case <-deadline:
			return nil, errors.Wrapf(domain.ErrLockUnavailable, "lock %q not acquired within %s", opts.Name, opts.Timeout)
		case <-time.After(opts.PollInterval):
		}
	}
}
