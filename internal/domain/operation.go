package domain

import (
	"strings"

	"github.com/pkg/errors"
)

type OpKind string

const (
	OpAddColumn       OpKind = "add_column"
	OpDropColumn      OpKind = "drop_column"
	OpRenameColumn    OpKind = "rename_column"
	OpAlterColumnType OpKind = "alter_column_type"
	OpCreateTable     OpKind = "create_table"
	OpDropTable       OpKind = "drop_table"
	OpCreateIndex     OpKind = "create_index"
	OpDropIndex       OpKind = "drop_index"
	OpRenameIndex     OpKind = "rename_index"
	OpAddForeignKey   OpKind = "add_foreign_key"
	OpDropForeignKey  OpKind = "drop_foreign_key"
	OpExecSQL         OpKind = "exec_sql"
)

// Operation is a closed set of schema changes. Only types in this package
// implement it, so dialect renderers can switch over them exhaustively.
type Operation interface {
	Kind() OpKind
	Validate() error
	isOperation()
}

// Column describes a column for CreateTable and AddColumn.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	// Default is a literal SQL expression, rendered as-is.
	Default    *string
	PrimaryKey bool
}

func (c Column) validate() error {
	if c.Name == "" {
		return errors.New("column name is empty")
	}
	if c.Type == "" {
		return errors.Errorf("column %s has no type", c.Name)
	}
	return nil
}

type AddColumn struct {
	Table  string
	Column Column
}

type DropColumn struct {
	Table  string
	Column string
}

type RenameColumn struct {
	Table string
	From  string
	To    string
}

type AlterColumnType struct {
	Table    string
	Column   string
	Type     string
	Nullable bool
	// Using is an optional conversion expression (postgres USING clause).
	Using string
}

type CreateTable struct {
	Table   string
	Columns []Column
	// PrimaryKey lists a composite key; single-column keys can use Column.PrimaryKey.
	PrimaryKey []string
}

type DropTable struct {
	Table string
}

type CreateIndex struct {
	Table   string
	Name    string
	Columns []string
	Unique  bool
}

type DropIndex struct {
	Table string
	Name  string
}

type RenameIndex struct {
	Table string
	From  string
	To    string
}

type AddForeignKey struct {
	Table      string
	Name       string
	Columns    []string
	RefTable   string
	RefColumns []string
	OnDelete   string
}

type DropForeignKey struct {
	Table string
	Name  string
}

// ExecSQL runs one statement verbatim, for changes outside the catalog
// such as data backfills.
type ExecSQL struct {
	Statement string
}

func (AddColumn) Kind() OpKind       { return OpAddColumn }
func (DropColumn) Kind() OpKind      { return OpDropColumn }
func (RenameColumn) Kind() OpKind    { return OpRenameColumn }
func (AlterColumnType) Kind() OpKind { return OpAlterColumnType }
func (CreateTable) Kind() OpKind     { return OpCreateTable }
func (DropTable) Kind() OpKind       { return OpDropTable }
func (CreateIndex) Kind() OpKind     { return OpCreateIndex }
func (DropIndex) Kind() OpKind       { return OpDropIndex }
func (RenameIndex) Kind() OpKind     { return OpRenameIndex }
func (AddForeignKey) Kind() OpKind   { return OpAddForeignKey }
func (DropForeignKey) Kind() OpKind  { return OpDropForeignKey }
func (ExecSQL) Kind() OpKind         { return OpExecSQL }

func (AddColumn) isOperation()       {}
func (DropColumn) isOperation()      {}
func (RenameColumn) isOperation()    {}
func (AlterColumnType) isOperation() {}
func (CreateTable) isOperation()     {}
func (DropTable) isOperation()       {}
func (CreateIndex) isOperation()     {}
func (DropIndex) isOperation()       {}
func (RenameIndex) isOperation()     {}
func (AddForeignKey) isOperation()   {}
func (DropForeignKey) isOperation()  {}
func (ExecSQL) isOperation()         {}

func requireNames(kind OpKind, names ...string) error {
	for _, n := range names {
		if n == "" {
			return errors.Errorf("%s: missing identifier", kind)
		}
	}
	return nil
}

func requireList(kind OpKind, what string, list []string) error {
	if len(list) == 0 {
		return errors.Errorf("%s: no %s", kind, what)
	}
	return requireNames(kind, list...)
}

func (o AddColumn) Validate() error {
	if err := requireNames(o.Kind(), o.Table); err != nil {
		return err
	}
	return errors.Wrap(o.Column.validate(), string(o.Kind()))
}

func (o DropColumn) Validate() error {
	return requireNames(o.Kind(), o.Table, o.Column)
}

func (o RenameColumn) Validate() error {
	return requireNames(o.Kind(), o.Table, o.From, o.To)
}

func (o AlterColumnType) Validate() error {
	return requireNames(o.Kind(), o.Table, o.Column, o.Type)
}

func (o CreateTable) Validate() error {
	if err := requireNames(o.Kind(), o.Table); err != nil {
		return err
	}
	if len(o.Columns) == 0 {
		return errors.Errorf("%s %s: no columns", o.Kind(), o.Table)
	}
	seen := make(map[string]bool, len(o.Columns))
	for _, c := range o.Columns {
		if err := c.validate(); err != nil {
			return errors.Wrapf(err, "%s %s", o.Kind(), o.Table)
		}
		if seen[c.Name] {
			return errors.Errorf("%s %s: duplicate column %s", o.Kind(), o.Table, c.Name)
		}
		seen[c.Name] = true
	}
	for _, k := range o.PrimaryKey {
		if !seen[k] {
			return errors.Errorf("%s %s: primary key column %s not defined", o.Kind(), o.Table, k)
		}
	}
	return nil
}

func (o DropTable) Validate() error {
	return requireNames(o.Kind(), o.Table)
}

func (o CreateIndex) Validate() error {
	if err := requireNames(o.Kind(), o.Table, o.Name); err != nil {
		return err
	}
	return requireList(o.Kind(), "columns", o.Columns)
}

func (o DropIndex) Validate() error {
	return requireNames(o.Kind(), o.Table, o.Name)
}

func (o RenameIndex) Validate() error {
	return requireNames(o.Kind(), o.Table, o.From, o.To)
}

func (o AddForeignKey) Validate() error {
	if err := requireNames(o.Kind(), o.Table, o.Name, o.RefTable); err != nil {
		return err
	}
	if err := requireList(o.Kind(), "columns", o.Columns); err != nil {
		return err
	}
	if err := requireList(o.Kind(), "referenced columns", o.RefColumns); err != nil {
		return err
	}
	if len(o.Columns) != len(o.RefColumns) {
		return errors.Errorf("%s %s: %d columns reference %d columns",
			o.Kind(), o.Name, len(o.Columns), len(o.RefColumns))
	}
	switch strings.ToLower(o.OnDelete) {
	case "", "cascade", "restrict", "set null", "set default", "no action":
	default:
		return errors.Errorf("%s %s: unknown on_delete action %q", o.Kind(), o.Name, o.OnDelete)
	}
	return nil
}

func (o DropForeignKey) Validate() error {
	return requireNames(o.Kind(), o.Table, o.Name)
}

func (o ExecSQL) Validate() error {
	return requireNames(o.Kind(), o.Statement)
}
