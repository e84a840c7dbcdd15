package filesource

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"schemamigrator/internal/domain"
)

type descriptorDoc struct {
	ID   *int64         `yaml:"id"`
	Name string         `yaml:"name"`
	Up   []operationDoc `yaml:"up"`
	Down []operationDoc `yaml:"down"`
}

// operationDoc decodes one list item, choosing the shape by its op key.
type operationDoc struct {
	op domain.Operation
}

type columnDoc struct {
	Name       string  `yaml:"name"`
	Type       string  `yaml:"type"`
	Nullable   bool    `yaml:"nullable"`
	Default    *string `yaml:"default"`
	PrimaryKey bool    `yaml:"primary_key"`
}

func (c columnDoc) column() domain.Column {
	return domain.Column{
		Name:       c.Name,
		Type:       c.Type,
		Nullable:   c.Nullable,
		Default:    c.Default,
		PrimaryKey: c.PrimaryKey,
	}
}

type tableDoc struct {
	Table string `yaml:"table"`
}

type renameDoc struct {
	Table string `yaml:"table"`
	From  string `yaml:"from"`
	To    string `yaml:"to"`
}

type namedDoc struct {
	Table string `yaml:"table"`
	Name  string `yaml:"name"`
}

func (o *operationDoc) UnmarshalYAML(value *yaml.Node) error {
	var head struct {
		Op string `yaml:"op"`
	}
	if err := value.Decode(&head); err != nil {
		return err
	}

	switch domain.OpKind(head.Op) {
	case domain.OpAddColumn:
		var doc struct {
			Table  string    `yaml:"table"`
			Column columnDoc `yaml:"column"`
		}
		if err := value.Decode(&doc); err != nil {
			return err
		}
		o.op = domain.AddColumn{Table: doc.Table, Column: doc.Column.column()}
	case domain.OpDropColumn:
		var doc struct {
			Table  string `yaml:"table"`
			Column string `yaml:"column"`
		}
		if err := value.Decode(&doc); err != nil {
			return err
		}
		o.op = domain.DropColumn{Table: doc.Table, Column: doc.Column}
	case domain.OpRenameColumn:
		var doc renameDoc
		if err := value.Decode(&doc); err != nil {
			return err
		}
		o.op = domain.RenameColumn{Table: doc.Table, From: doc.From, To: doc.To}
	case domain.OpAlterColumnType:
		var doc struct {
			Table    string `yaml:"table"`
			Column   string `yaml:"column"`
			Type     string `yaml:"type"`
			Nullable bool   `yaml:"nullable"`
			Using    string `yaml:"using"`
		}
		if err := value.Decode(&doc); err != nil {
			return err
		}
		o.op = domain.AlterColumnType{
			Table: doc.Table, Column: doc.Column, Type: doc.Type, Nullable: doc.Nullable, Using: doc.Using,
		}
	case domain.OpCreateTable:
		var doc struct {
			Table      string      `yaml:"table"`
			Columns    []columnDoc `yaml:"columns"`
			PrimaryKey []string    `yaml:"primary_key"`
		}
		if err := value.Decode(&doc); err != nil {
			return err
		}
		op := domain.CreateTable{Table: doc.Table, PrimaryKey: doc.PrimaryKey}
		for _, c := range doc.Columns {
			op.Columns = append(op.Columns, c.column())
		}
		o.op = op
	case domain.OpDropTable:
		var doc tableDoc
		if err := value.Decode(&doc); err != nil {
			return err
		}
		o.op = domain.DropTable{Table: doc.Table}
	case domain.OpCreateIndex:
		var doc struct {
			Table   string   `yaml:"table"`
			Name    string   `yaml:"name"`
			Columns []string `yaml:"columns"`
			Unique  bool     `yaml:"unique"`
		}
		if err := value.Decode(&doc); err != nil {
			return err
		}
		o.op = domain.CreateIndex{Table: doc.Table, Name: doc.Name, Columns: doc.Columns, Unique: doc.Unique}
	case domain.OpDropIndex:
		var doc namedDoc
		if err := value.Decode(&doc); err != nil {
			return err
		}
		o.op = domain.DropIndex{Table: doc.Table, Name: doc.Name}
	case domain.OpRenameIndex:
		var doc renameDoc
		if err := value.Decode(&doc); err != nil {
			return err
		}
		o.op = domain.RenameIndex{Table: doc.Table, From: doc.From, To: doc.To}
	case domain.OpAddForeignKey:
		var doc struct {
			Table      string   `yaml:"table"`
			Name       string   `yaml:"name"`
			Columns    []string `yaml:"columns"`
			RefTable   string   `yaml:"ref_table"`
			RefColumns []string `yaml:"ref_columns"`
			OnDelete   string   `yaml:"on_delete"`
		}
		if err := value.Decode(&doc); err != nil {
			return err
		}
		o.op = domain.AddForeignKey{
			Table:      doc.Table,
			Name:       doc.Name,
			Columns:    doc.Columns,
			RefTable:   doc.RefTable,
			RefColumns: doc.RefColumns,
			OnDelete:   doc.OnDelete,
		}
	case domain.OpDropForeignKey:
		var doc namedDoc
		if err := value.Decode(&doc); err != nil {
			return err
		}
		o.op = domain.DropForeignKey{Table: doc.Table, Name: doc.Name}
	case domain.OpExecSQL:
		var doc struct {
			SQL string `yaml:"sql"`
		}
		if err := value.Decode(&doc); err != nil {
			return err
		}
		o.op = domain.ExecSQL{Statement: doc.SQL}
	default:
		return errors.Errorf("line %d: unknown operation %q", value.Line, head.Op)
	}
	return nil
}
