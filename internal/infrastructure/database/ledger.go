package database

import (
	"context"
	"regexp"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/pkg/errors"

	"schemamigrator/internal/domain"
)

const DefaultLedgerTable = "schema_migrations"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidTableName reports whether name can be used unquoted as the ledger
// or lock table.
func ValidTableName(name string) bool {
	return tableName.MatchString(name)
}

// Ledger stores applied migrations in a table of the target database.
type Ledger struct {
	table   string
	dialect Dialect
	sb      squirrel.StatementBuilderType
}

func NewLedger(table string, dialect Dialect) (*Ledger, error) {
	if !ValidTableName(table) {
		return nil, errors.Errorf("invalid ledger table name %q", table)
	}
	return &Ledger{
		table:   table,
		dialect: dialect,
		sb:      squirrel.StatementBuilder.PlaceholderFormat(dialect.Placeholder()),
	}, nil
}

func (l *Ledger) Table() string {
	return l.table
}

func (l *Ledger) EnsureInitialized(ctx context.Context, q domain.Queryer) error {
	_, err := q.ExecContext(ctx, l.dialect.LedgerTableDDL(l.table))
	return errors.Wrapf(err, "create table %s", l.table)
}

func (l *Ledger) CurrentState(ctx context.Context, q domain.Queryer) ([]domain.LedgerEntry, error) {
	rows, err := l.sb.Select("id", "name", "applied_at").
		From(l.table).
		OrderBy("id").
		RunWith(q).
		QueryContext(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", l.table)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			id        int64
			name      string
			appliedAt time.Time
		)
		if err = rows.Scan(&id, &name, &appliedAt); err != nil {
			return nil, errors.Wrapf(err, "scan %s", l.table)
		}
		entries = append(entries, domain.LedgerEntry{
			ID:        domain.MigrationID(id),
			Name:      name,
			AppliedAt: appliedAt,
		})
	}
	if err = rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "iterate %s", l.table)
	}
	return entries, nil
}

func (l *Ledger) Contains(ctx context.Context, q domain.Queryer, id domain.MigrationID) (bool, error) {
	var count int
	err := l.sb.Select("COUNT(*)").
		From(l.table).
		Where(squirrel.Eq{"id": int64(id)}).
		RunWith(q).
		QueryRowContext(ctx).
		Scan(&count)
	if err != nil {
		return false, errors.Wrapf(err, "query %s", l.table)
	}
	return count > 0, nil
}

func (l *Ledger) RecordApplied(ctx context.Context, q domain.Queryer, id domain.MigrationID, name string, at time.Time) error {
	_, err := l.sb.Insert(l.table).
		Columns("id", "name", "applied_at").
		Values(int64(id), name, at).
		RunWith(q).
		ExecContext(ctx)
	return errors.Wrapf(err, "insert into %s", l.table)
}

func (l *Ledger) RecordReverted(ctx context.Context, q domain.Queryer, id domain.MigrationID) error {
	res, err := l.sb.Delete(l.table).
		Where(squirrel.Eq{"id": int64(id)}).
		RunWith(q).
		ExecContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "delete from %s", l.table)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "delete from %s", l.table)
	}
	if n != 1 {
		return errors.Wrapf(domain.ErrLedgerInconsistent, "migration %s: %d ledger rows deleted", id, n)
	}
	return nil
}
