package app_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"schemamigrator/internal/app"
	"schemamigrator/internal/domain"
	"schemamigrator/internal/infrastructure/database"
)

const testLockName = "schemamigrator"

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return log.NewEntry(logger)
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "migrations.db")
	db, err := sql.Open(database.DriverSQLite, "file:"+path+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func widgetMigrations() []domain.Descriptor {
	return []domain.Descriptor{
		{
			ID:   1,
			Name: "create_widgets",
			Up: []domain.Operation{domain.CreateTable{
				Table: "widgets",
				Columns: []domain.Column{
					{Name: "id", Type: "INTEGER", PrimaryKey: true},
					{Name: "name", Type: "TEXT"},
				},
			}},
			Down: []domain.Operation{domain.DropTable{Table: "widgets"}},
		},
		{
			ID:   2,
			Name: "add_widget_price",
			Up: []domain.Operation{domain.AddColumn{
				Table:  "widgets",
				Column: domain.Column{Name: "price", Type: "INTEGER", Nullable: true},
			}},
			Down: []domain.Operation{domain.DropColumn{Table: "widgets", Column: "price"}},
		},
		{
			ID:   3,
			Name: "index_widget_name",
			Up:   []domain.Operation{domain.CreateIndex{Table: "widgets", Name: "widgets_name", Columns: []string{"name"}}},
			Down: []domain.Operation{domain.DropIndex{Table: "widgets", Name: "widgets_name"}},
		},
	}
}

type fixture struct {
	db     *sql.DB
	ledger *database.Ledger
	locker domain.Locker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := openSQLite(t)
	ledger, err := database.NewLedger(database.DefaultLedgerTable, database.SQLite{})
	require.NoError(t, err)
	locker, err := database.LockerFor(database.DriverSQLite, db, database.DefaultLockTable)
	require.NoError(t, err)
	return &fixture{db: db, ledger: ledger, locker: locker}
}

func (f *fixture) service(t *testing.T, descriptors []domain.Descriptor, lock app.LockOptions) *app.MigrationService {
	t.Helper()
	registry, err := app.LoadRegistry(descriptors)
	require.NoError(t, err)
	if lock.Name == "" {
		lock.Name = testLockName
	}
	if lock.PollInterval == 0 {
		lock.PollInterval = 10 * time.Millisecond
	}
	return app.NewMigrationService(f.db, registry, f.ledger, f.locker, database.SQLite{},
		app.ServiceOptions{Lock: lock}, quietLogger())
}

func (f *fixture) appliedIDs(t *testing.T) []domain.MigrationID {
	t.Helper()
	entries, err := f.ledger.CurrentState(context.Background(), f.db)
	require.NoError(t, err)
	ids := []domain.MigrationID{}
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

// schema lists every user object with its columns, ignoring the SQL text
// sqlite keeps for tables altered in place.
func (f *fixture) schema(t *testing.T) []string {
	t.Helper()
	rows, err := f.db.Query(`SELECT type, name, tbl_name FROM sqlite_master WHERE name NOT LIKE 'sqlite_%' ORDER BY type, name`)
	require.NoError(t, err)

	type object struct{ kind, name, table string }
	var objects []object
	for rows.Next() {
		var o object
		require.NoError(t, rows.Scan(&o.kind, &o.name, &o.table))
		objects = append(objects, o)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())

	var out []string
	for _, o := range objects {
		out = append(out, fmt.Sprintf("%s %s on %s", o.kind, o.name, o.table))
		if o.kind != "table" {
			continue
		}
		cols, err := f.db.Query(`SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`, o.name)
		require.NoError(t, err)
		for cols.Next() {
			var (
				name, typ   string
				notNull, pk int
			)
			require.NoError(t, cols.Scan(&name, &typ, &notNull, &pk))
			out = append(out, fmt.Sprintf("  %s.%s %s notnull=%d pk=%d", o.name, name, typ, notNull, pk))
		}
		require.NoError(t, cols.Err())
		require.NoError(t, cols.Close())
	}
	return out
}

func (f *fixture) tableExists(t *testing.T, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n))
	return n > 0
}

func (f *fixture) insertLedgerRow(t *testing.T, id int64, name string) {
	t.Helper()
	_, err := f.db.Exec(`INSERT INTO schema_migrations (id, name, applied_at) VALUES (?, ?, ?)`, id, name, time.Now().UTC())
	require.NoError(t, err)
}

func TestMigrationService_InitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	service := f.service(t, widgetMigrations(), app.LockOptions{})

	for i := 0; i < 3; i++ {
		require.NoError(t, service.Init(context.Background()))
	}
	assert.True(t, f.tableExists(t, database.DefaultLedgerTable))
	assert.Empty(t, f.appliedIDs(t))
}

func TestMigrationService_ApplyThenRevertRestoresSchema(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	service := f.service(t, widgetMigrations(), app.LockOptions{})

	require.NoError(t, service.Init(ctx))
	before := f.schema(t)

	result, err := service.Up(ctx, domain.Latest())
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, result.State)
	assert.Equal(t, 3, result.AppliedCount)
	assert.Equal(t, domain.MigrationID(3), result.LastSuccessfulID)
	assert.Equal(t, []domain.MigrationID{1, 2, 3}, f.appliedIDs(t))
	assert.True(t, f.tableExists(t, "widgets"))

	result, err = service.Down(ctx, domain.None())
	require.NoError(t, err)
	assert.Equal(t, 3, result.AppliedCount)
	assert.Equal(t, domain.MigrationID(1), result.LastSuccessfulID)
	assert.Empty(t, f.appliedIDs(t))
	assert.Equal(t, before, f.schema(t))
}

func TestMigrationService_PartialRevertRestoresIntermediateSchema(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	service := f.service(t, widgetMigrations(), app.LockOptions{})

	_, err := service.Up(ctx, domain.TargetID(1))
	require.NoError(t, err)
	assert.Equal(t, []domain.MigrationID{1}, f.appliedIDs(t))
	atFirst := f.schema(t)

	_, err = service.Up(ctx, domain.Latest())
	require.NoError(t, err)
	assert.NotEqual(t, atFirst, f.schema(t))

	result, err := service.Down(ctx, domain.TargetID(1))
	require.NoError(t, err)
	assert.Equal(t, 2, result.AppliedCount)
	assert.Equal(t, []domain.MigrationID{1}, f.appliedIDs(t))
	assert.Equal(t, atFirst, f.schema(t))
}

func TestMigrationService_RepeatedUpIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	service := f.service(t, widgetMigrations(), app.LockOptions{})

	_, err := service.Up(ctx, domain.Latest())
	require.NoError(t, err)
	schema := f.schema(t)

	result, err := service.Up(ctx, domain.Latest())
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, result.State)
	assert.Zero(t, result.AppliedCount)
	assert.False(t, result.HasSuccess)
	assert.Equal(t, schema, f.schema(t))
}

func TestMigrationService_FailedMigrationIsAtomic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	broken := domain.Descriptor{
		ID:   4,
		Name: "create_gadgets",
		Up: []domain.Operation{
			domain.CreateTable{Table: "gadgets", Columns: []domain.Column{{Name: "id", Type: "INTEGER"}}},
			domain.ExecSQL{Statement: "INSERT INTO missing_table VALUES (1)"},
		},
		Down: []domain.Operation{domain.DropTable{Table: "gadgets"}},
	}
	service := f.service(t, append(widgetMigrations(), broken), app.LockOptions{})

	result, err := service.Up(ctx, domain.Latest())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOperationFailed)

	var opErr *domain.OperationFailedError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, domain.MigrationID(4), opErr.ID)
	assert.Equal(t, 1, opErr.Index)

	assert.Equal(t, domain.StateFailed, result.State)
	assert.Equal(t, 3, result.AppliedCount)
	assert.Equal(t, domain.MigrationID(3), result.LastSuccessfulID)
	assert.Equal(t, []domain.MigrationID{1, 2, 3}, f.appliedIDs(t))
	assert.False(t, f.tableExists(t, "gadgets"))

	fixed := broken
	fixed.Up = []domain.Operation{
		domain.CreateTable{Table: "gadgets", Columns: []domain.Column{{Name: "id", Type: "INTEGER"}}},
		domain.ExecSQL{Statement: "INSERT INTO gadgets VALUES (1)"},
	}
	service = f.service(t, append(widgetMigrations(), fixed), app.LockOptions{})

	result, err = service.Up(ctx, domain.Latest())
	require.NoError(t, err)
	assert.Equal(t, 1, result.AppliedCount)
	assert.Equal(t, []domain.MigrationID{1, 2, 3, 4}, f.appliedIDs(t))
	assert.True(t, f.tableExists(t, "gadgets"))
}

func TestMigrationService_UnknownTarget(t *testing.T) {
	f := newFixture(t)
	service := f.service(t, widgetMigrations(), app.LockOptions{})

	_, err := service.Up(context.Background(), domain.TargetID(42))
	assert.ErrorIs(t, err, domain.ErrUnknownTarget)
	assert.Empty(t, f.appliedIDs(t))
}

func TestMigrationService_RejectsLedgerWithGap(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	service := f.service(t, widgetMigrations(), app.LockOptions{})
	require.NoError(t, service.Init(ctx))

	f.insertLedgerRow(t, 1, "create_widgets")
	f.insertLedgerRow(t, 3, "index_widget_name")

	_, err := service.Up(ctx, domain.Latest())
	assert.ErrorIs(t, err, domain.ErrAppliedSetNotAPrefix)
	assert.False(t, f.tableExists(t, "widgets"))
}

func TestMigrationService_DetectsDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	service := f.service(t, widgetMigrations(), app.LockOptions{})
	require.NoError(t, service.Init(ctx))
	f.insertLedgerRow(t, 99, "ghost")

	_, err := service.Up(ctx, domain.Latest())
	assert.ErrorIs(t, err, domain.ErrLedgerInconsistent)

	report, err := service.Status(ctx)
	require.NoError(t, err)
	require.Len(t, report.Unknown, 1)
	assert.Equal(t, domain.MigrationID(99), report.Unknown[0].ID)
	assert.Equal(t, "ghost", report.Unknown[0].Name)
}

func TestMigrationService_Status(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	at := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	registry, err := app.LoadRegistry(widgetMigrations())
	require.NoError(t, err)
	service := app.NewMigrationService(f.db, registry, f.ledger, f.locker, database.SQLite{}, app.ServiceOptions{
		Lock:  app.LockOptions{Name: testLockName},
		Clock: func() time.Time { return at },
	}, quietLogger())

	_, err = service.Up(ctx, domain.TargetID(2))
	require.NoError(t, err)

	report, err := service.Status(ctx)
	require.NoError(t, err)
	require.Len(t, report.Migrations, 3)
	assert.Empty(t, report.Unknown)
	assert.Equal(t, 1, report.Pending())

	for _, m := range report.Migrations[:2] {
		assert.True(t, m.Applied)
		require.NotNil(t, m.AppliedAt)
		assert.True(t, at.Equal(*m.AppliedAt), "applied at %s", m.AppliedAt)
	}
	assert.False(t, report.Migrations[2].Applied)
	assert.Nil(t, report.Migrations[2].AppliedAt)
	assert.Equal(t, "index_widget_name", report.Migrations[2].Name)
}

func TestMigrationService_FailFastWhenLocked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	release, ok, err := f.locker.TryAcquire(ctx, testLockName)
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = release() }()

	service := f.service(t, widgetMigrations(), app.LockOptions{FailFast: true})
	result, err := service.Up(ctx, domain.Latest())
	assert.ErrorIs(t, err, domain.ErrLockUnavailable)
	assert.Zero(t, result.AppliedCount)
	assert.False(t, f.tableExists(t, database.DefaultLedgerTable))
}

func TestMigrationService_LockTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	release, ok, err := f.locker.TryAcquire(ctx, testLockName)
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = release() }()

	service := f.service(t, widgetMigrations(), app.LockOptions{Timeout: 100 * time.Millisecond})
	_, err = service.Up(ctx, domain.Latest())
	assert.ErrorIs(t, err, domain.ErrLockUnavailable)
}

func TestMigrationService_WaitEndsWithContext(t *testing.T) {
	f := newFixture(t)

	release, ok, err := f.locker.TryAcquire(context.Background(), testLockName)
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = release() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	service := f.service(t, widgetMigrations(), app.LockOptions{})
	_, err = service.Up(ctx, domain.Latest())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMigrationService_BlocksUntilLockReleased(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	release, ok, err := f.locker.TryAcquire(ctx, testLockName)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = release()
	}()

	service := f.service(t, widgetMigrations(), app.LockOptions{Timeout: 5 * time.Second})
	result, err := service.Up(ctx, domain.Latest())
	require.NoError(t, err)
	assert.Equal(t, 3, result.AppliedCount)
}

func TestMigrationService_ConcurrentRunsApplyOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const runners = 4
	var (
		wg      sync.WaitGroup
		results = make([]domain.Result, runners)
		errs    = make([]error, runners)
	)
	for i := 0; i < runners; i++ {
		service := f.service(t, widgetMigrations(), app.LockOptions{Timeout: 10 * time.Second})
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = service.Up(ctx, domain.Latest())
		}(i)
	}
	wg.Wait()

	total := 0
	for i := 0; i < runners; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, domain.StateCompleted, results[i].State)
		total += results[i].AppliedCount
	}
	assert.Equal(t, 3, total)
	assert.Equal(t, []domain.MigrationID{1, 2, 3}, f.appliedIDs(t))
}

// newProcessService opens its own handle on path the way the CLI does, so
// each runner behaves like a separate process sharing the database file.
func newProcessService(t *testing.T, path string, lock app.LockOptions) *app.MigrationService {
	t.Helper()
	db, err := database.Open(context.Background(), database.OpenOptions{Driver: database.DriverSQLite, DSN: path}, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ledger, err := database.NewLedger(database.DefaultLedgerTable, database.SQLite{})
	require.NoError(t, err)
	locker, err := database.LockerFor(database.DriverSQLite, db, database.DefaultLockTable)
	require.NoError(t, err)
	registry, err := app.LoadRegistry(widgetMigrations())
	require.NoError(t, err)

	lock.Name = testLockName
	lock.PollInterval = 10 * time.Millisecond
	return app.NewMigrationService(db, registry, ledger, locker, database.SQLite{},
		app.ServiceOptions{Lock: lock}, quietLogger())
}

func TestMigrationService_SeparateHandlesApplyOnce(t *testing.T) {
	const (
		rounds  = 5
		runners = 4
	)
	for round := 0; round < rounds; round++ {
		t.Run(fmt.Sprintf("round %d", round), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "shared.db")

			services := make([]*app.MigrationService, runners)
			failFast := make([]bool, runners)
			for i := range services {
				failFast[i] = i%2 == 1
				services[i] = newProcessService(t, path, app.LockOptions{FailFast: failFast[i], Timeout: 10 * time.Second})
			}

			var (
				wg      sync.WaitGroup
				start   = make(chan struct{})
				results = make([]domain.Result, runners)
				errs    = make([]error, runners)
			)
			for i := range services {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					results[i], errs[i] = services[i].Up(context.Background(), domain.Latest())
				}(i)
			}
			close(start)
			wg.Wait()

			appliedAll := 0
			for i := 0; i < runners; i++ {
				if errs[i] != nil {
					assert.True(t, failFast[i], "runner %d: %v", i, errs[i])
					assert.ErrorIs(t, errs[i], domain.ErrLockUnavailable, "runner %d", i)
					assert.Zero(t, results[i].AppliedCount)
					continue
				}
				assert.Equal(t, domain.StateCompleted, results[i].State, "runner %d", i)
				switch results[i].AppliedCount {
				case 3:
					appliedAll++
				case 0:
				default:
					t.Errorf("runner %d applied %d migrations", i, results[i].AppliedCount)
				}
			}
			assert.Equal(t, 1, appliedAll, "exactly one runner applies the plan")

			check := newProcessService(t, path, app.LockOptions{})
			report, err := check.Status(context.Background())
			require.NoError(t, err)
			assert.Zero(t, report.Pending())
			assert.Empty(t, report.Unknown)
		})
	}
}
