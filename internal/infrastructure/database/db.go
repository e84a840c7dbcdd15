package database

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// database/sql driver names. Drivers register themselves when imported by
// the binary.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

type OpenOptions struct {
	Driver     string
	DSN        string
	Retries    int
	RetryDelay time.Duration
}

// Open connects and pings, retrying up to Retries times before giving up.
func Open(ctx context.Context, opts OpenOptions, logger *log.Entry) (*sql.DB, error) {
	dsn, err := normalizeDSN(opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Wrap(ctx.Err(), "connect")
			case <-time.After(opts.RetryDelay):
			}
		}

		db, err := sql.Open(opts.Driver, dsn)
		if err != nil {
			lastErr = errors.Wrapf(err, "can't open %s connection", opts.Driver)
			logger.WithField("attempt", attempt+1).Info(lastErr)
			continue
		}
		if err = db.PingContext(ctx); err != nil {
			_ = db.Close()
			lastErr = errors.Wrapf(err, "can't ping %s", opts.Driver)
			logger.WithField("attempt", attempt+1).Info(lastErr)
			continue
		}
		return db, nil
	}
	return nil, lastErr
}

// SQLiteBusyTimeout is how long a sqlite connection waits on another
// writer before reporting SQLITE_BUSY.
const SQLiteBusyTimeout = 5 * time.Second

// normalizeDSN makes mysql return DATETIME columns as time.Time, which the
// ledger scans into. sqlite connections get a busy timeout and begin their
// transactions IMMEDIATE, so a migration holds the write lock from its
// first statement instead of upgrading a read lock after the ledger check.
func normalizeDSN(driver, dsn string) (string, error) {
	switch driver {
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", errors.Wrap(err, "parse mysql dsn")
		}
		cfg.ParseTime = true
		return cfg.FormatDSN(), nil
	case DriverSQLite:
		return sqliteDSN(dsn), nil
	default:
		return dsn, nil
	}
}

func sqliteDSN(dsn string) string {
	var params []string
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, fmt.Sprintf("_pragma=busy_timeout(%d)", SQLiteBusyTimeout.Milliseconds()))
	}
	if !strings.Contains(dsn, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// TargetName identifies the database a DSN points at, as driver:database@host,
// without credentials. Unparseable DSNs yield the driver alone.
func TargetName(driver, dsn string) string {
	var dbName, host string
	switch driver {
	case DriverPostgres, DriverPgx:
		cfg, err := pgx.ParseConnectionString(dsn)
		if err != nil {
			return driver
		}
		dbName, host = cfg.Database, cfg.Host
		if cfg.Port != 0 {
			host = fmt.Sprintf("%s:%d", host, cfg.Port)
		}
	case DriverMySQL:
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return driver
		}
		dbName, host = cfg.DBName, cfg.Addr
	case DriverSQLite:
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.Index(path, "?"); i >= 0 {
			path = path[:i]
		}
		dbName = filepath.Base(path)
	}
	if dbName == "" {
		return driver
	}
	if host == "" {
		return driver + ":" + dbName
	}
	return driver + ":" + dbName + "@" + host
}
