package database

import (
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"schemamigrator/internal/domain"
)

// Dialect is a domain.Dialect that also knows how to store the ledger.
type Dialect interface {
	domain.Dialect
	Placeholder() squirrel.PlaceholderFormat
	LedgerTableDDL(table string) string
}

// DialectFor maps a database/sql driver name onto its dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverPostgres, DriverPgx:
		return Postgres{}, nil
	case DriverMySQL:
		return MySQL{}, nil
	case DriverSQLite:
		return SQLite{}, nil
	default:
		return nil, errors.Errorf("unsupported driver %q", driver)
	}
}

// ansi renders the statement forms postgres, mysql and sqlite share.
type ansi struct {
	quote func(string) string
}

func (a ansi) list(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = a.quote(n)
	}
	return strings.Join(quoted, ", ")
}

func (a ansi) column(c domain.Column) string {
	var b strings.Builder
	b.WriteString(a.quote(c.Name))
	b.WriteString(" ")
	b.WriteString(c.Type)
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Default != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(*c.Default)
	}
	if c.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	}
	return b.String()
}

func (a ansi) render(dialect string, op domain.Operation) ([]string, error) {
	switch o := op.(type) {
	case domain.AddColumn:
		return one("ALTER TABLE %s ADD COLUMN %s", a.quote(o.Table), a.column(o.Column))
	case domain.DropColumn:
		return one("ALTER TABLE %s DROP COLUMN %s", a.quote(o.Table), a.quote(o.Column))
	case domain.RenameColumn:
		return one("ALTER TABLE %s RENAME COLUMN %s TO %s", a.quote(o.Table), a.quote(o.From), a.quote(o.To))
	case domain.CreateTable:
		defs := make([]string, 0, len(o.Columns)+1)
		for _, c := range o.Columns {
			defs = append(defs, a.column(c))
		}
		if len(o.PrimaryKey) > 0 {
			defs = append(defs, "PRIMARY KEY ("+a.list(o.PrimaryKey)+")")
		}
		return one("CREATE TABLE %s (%s)", a.quote(o.Table), strings.Join(defs, ", "))
	case domain.DropTable:
		return one("DROP TABLE %s", a.quote(o.Table))
	case domain.CreateIndex:
		unique := ""
		if o.Unique {
			unique = "UNIQUE "
		}
		return one("CREATE %sINDEX %s ON %s (%s)", unique, a.quote(o.Name), a.quote(o.Table), a.list(o.Columns))
	case domain.DropIndex:
		return one("DROP INDEX %s", a.quote(o.Name))
	case domain.AddForeignKey:
		stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
			a.quote(o.Table), a.quote(o.Name), a.list(o.Columns), a.quote(o.RefTable), a.list(o.RefColumns))
		if o.OnDelete != "" {
			stmt += " ON DELETE " + strings.ToUpper(o.OnDelete)
		}
		return []string{stmt}, nil
	case domain.ExecSQL:
		return []string{o.Statement}, nil
	default:
		return nil, unsupported(dialect, op)
	}
}

func one(format string, args ...interface{}) ([]string, error) {
	return []string{fmt.Sprintf(format, args...)}, nil
}

func unsupported(dialect string, op domain.Operation) error {
	return errors.Wrapf(domain.ErrUnsupportedOperation, "%s: %s", dialect, op.Kind())
}

type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Placeholder() squirrel.PlaceholderFormat { return squirrel.Dollar }

func (Postgres) LedgerTableDDL(table string) string {
	return "CREATE TABLE IF NOT EXISTS " + table +
		" (id BIGINT NOT NULL PRIMARY KEY, name TEXT NOT NULL, applied_at TIMESTAMPTZ NOT NULL)"
}

func (p Postgres) Render(op domain.Operation) ([]string, error) {
	a := ansi{quote: pq.QuoteIdentifier}
	switch o := op.(type) {
	case domain.AlterColumnType:
		stmt := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s", a.quote(o.Table), a.quote(o.Column), o.Type)
		if o.Using != "" {
			stmt += " USING " + o.Using
		}
		nullability := "SET NOT NULL"
		if o.Nullable {
			nullability = "DROP NOT NULL"
		}
		return []string{
			stmt,
			fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s", a.quote(o.Table), a.quote(o.Column), nullability),
		}, nil
	case domain.RenameIndex:
		return one("ALTER INDEX %s RENAME TO %s", a.quote(o.From), a.quote(o.To))
	case domain.DropForeignKey:
		return one("ALTER TABLE %s DROP CONSTRAINT %s", a.quote(o.Table), a.quote(o.Name))
	default:
		return a.render(p.Name(), op)
	}
}

type MySQL struct{}

func (MySQL) Name() string { return "mysql" }

func (MySQL) Placeholder() squirrel.PlaceholderFormat { return squirrel.Question }

func (MySQL) LedgerTableDDL(table string) string {
	return "CREATE TABLE IF NOT EXISTS " + table +
		" (id BIGINT NOT NULL PRIMARY KEY, name VARCHAR(255) NOT NULL, applied_at DATETIME(6) NOT NULL)"
}

func quoteBacktick(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (m MySQL) Render(op domain.Operation) ([]string, error) {
	a := ansi{quote: quoteBacktick}
	switch o := op.(type) {
	case domain.AlterColumnType:
		if o.Using != "" {
			return nil, errors.Wrap(unsupported(m.Name(), op), "USING clause")
		}
		col := domain.Column{Name: o.Column, Type: o.Type, Nullable: o.Nullable}
		return one("ALTER TABLE %s MODIFY COLUMN %s", a.quote(o.Table), a.column(col))
	case domain.DropIndex:
		return one("DROP INDEX %s ON %s", a.quote(o.Name), a.quote(o.Table))
	case domain.RenameIndex:
		return one("ALTER TABLE %s RENAME INDEX %s TO %s", a.quote(o.Table), a.quote(o.From), a.quote(o.To))
	case domain.DropForeignKey:
		return one("ALTER TABLE %s DROP FOREIGN KEY %s", a.quote(o.Table), a.quote(o.Name))
	default:
		return a.render(m.Name(), op)
	}
}

type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) Placeholder() squirrel.PlaceholderFormat { return squirrel.Question }

func (SQLite) LedgerTableDDL(table string) string {
	return "CREATE TABLE IF NOT EXISTS " + table +
		" (id INTEGER NOT NULL PRIMARY KEY, name TEXT NOT NULL, applied_at TIMESTAMP NOT NULL)"
}

func quoteDouble(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Render covers what sqlite's ALTER TABLE can express; column retyping,
// index renames and constraint changes need a table rebuild and are
// reported as unsupported.
func (s SQLite) Render(op domain.Operation) ([]string, error) {
	switch op.(type) {
	case domain.AlterColumnType, domain.RenameIndex, domain.AddForeignKey, domain.DropForeignKey:
		return nil, unsupported(s.Name(), op)
	default:
		return ansi{quote: quoteDouble}.render(s.Name(), op)
	}
}
