package database

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"schemamigrator/internal/domain"
)

const DefaultLockTable = "schema_migrations_lock"

// LockerFor returns the advisory lock implementation native to driver.
// Engines without named locks (sqlite) use a lock table.
func LockerFor(driver string, db *sql.DB, lockTable string) (domain.Locker, error) {
	switch driver {
	case DriverPostgres, DriverPgx:
		return NewPostgresLocker(db), nil
	case DriverMySQL:
		return NewMySQLLocker(db), nil
	case DriverSQLite:
		return NewTableLocker(db, lockTable, squirrel.Question)
	default:
		return nil, errors.Errorf("unsupported driver %q", driver)
	}
}

// PostgresLocker uses session-level advisory locks. The lock lives on one
// pinned connection, which is returned to the pool on release.
type PostgresLocker struct {
	db *sql.DB
}

func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{db: db}
}

func (l *PostgresLocker) TryAcquire(ctx context.Context, name string) (func() error, bool, error) {
	key := hashLockKey(name)
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "reserve lock connection")
	}

	var ok bool
	if err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, false, errors.Wrapf(err, "pg_try_advisory_lock(%d)", key)
	}
	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}

	release := func() error {
		defer conn.Close()
		_, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		return errors.Wrapf(err, "pg_advisory_unlock(%d)", key)
	}
	return release, true, nil
}

// hashLockKey maps a lock name onto the int64 key space of
// pg_advisory_lock.
func hashLockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}

// MySQLLocker uses GET_LOCK, which is also held by one connection.
type MySQLLocker struct {
	db *sql.DB
}

func NewMySQLLocker(db *sql.DB) *MySQLLocker {
	return &MySQLLocker{db: db}
}

func (l *MySQLLocker) TryAcquire(ctx context.Context, name string) (func() error, bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "reserve lock connection")
	}

	var got sql.NullInt64
	if err = conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 0)`, name).Scan(&got); err != nil {
		_ = conn.Close()
		return nil, false, errors.Wrapf(err, "GET_LOCK(%s)", name)
	}
	if !got.Valid || got.Int64 != 1 {
		_ = conn.Close()
		return nil, false, nil
	}

	release := func() error {
		defer conn.Close()
		_, err := conn.ExecContext(context.Background(), `SELECT RELEASE_LOCK(?)`, name)
		return errors.Wrapf(err, "RELEASE_LOCK(%s)", name)
	}
	return release, true, nil
}

// TableLocker keeps one row per held lock in a dedicated table. The row's
// primary key makes the insert the mutual-exclusion point. A holder that
// dies without releasing leaves the row behind; it has to be deleted by hand.
type TableLocker struct {
	db    *sql.DB
	table string
	sb    squirrel.StatementBuilderType
}

func NewTableLocker(db *sql.DB, table string, placeholder squirrel.PlaceholderFormat) (*TableLocker, error) {
	if !ValidTableName(table) {
		return nil, errors.Errorf("invalid lock table name %q", table)
	}
	return &TableLocker{
		db:    db,
		table: table,
		sb:    squirrel.StatementBuilder.PlaceholderFormat(placeholder),
	}, nil
}

func (l *TableLocker) TryAcquire(ctx context.Context, name string) (func() error, bool, error) {
	_, err := l.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+l.table+
		" (name VARCHAR(255) NOT NULL PRIMARY KEY, holder VARCHAR(64) NOT NULL, acquired_at TIMESTAMP NOT NULL)")
	if isBusy(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "create table %s", l.table)
	}

	holder := uuid.NewString()
	res, err := l.sb.Insert(l.table).
		Columns("name", "holder", "acquired_at").
		Values(name, holder, time.Now().UTC()).
		Suffix("ON CONFLICT (name) DO NOTHING").
		RunWith(l.db).
		ExecContext(ctx)
	if isBusy(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "insert into %s", l.table)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, errors.Wrapf(err, "insert into %s", l.table)
	}
	if n == 0 {
		return nil, false, nil
	}

	release := func() error {
		var err error
		for attempt := 0; attempt < releaseAttempts; attempt++ {
			_, err = l.sb.Delete(l.table).
				Where(squirrel.Eq{"name": name, "holder": holder}).
				RunWith(l.db).
				ExecContext(context.Background())
			if !isBusy(err) {
				break
			}
			time.Sleep(releaseRetryDelay)
		}
		return errors.Wrapf(err, "delete from %s", l.table)
	}
	return release, true, nil
}

const (
	releaseAttempts   = 5
	releaseRetryDelay = 100 * time.Millisecond
)

// isBusy reports a sqlite lock conflict that outlasted the busy timeout.
// The lock is then treated as held and the caller's wait policy applies.
func isBusy(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_BUSY
}
