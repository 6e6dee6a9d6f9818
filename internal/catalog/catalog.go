// Package catalog describes data sources and the objects they expose, and
// resolves a data source to the namespace of record files backing it.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrConfig        = errors.New("invalid data source configuration")
	ErrNotFound      = errors.New("not found")
	ErrInvalidName   = errors.New("invalid object name")
	ErrTableNotFound = errors.New("table not found")
	ErrQuery         = errors.New("query error")
)

// IsKnown reports whether err belongs to one of the recognized error kinds.
// Unknown errors are internal faults.
func IsKnown(err error) bool {
	return errors.Is(err, ErrConfig) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrTableNotFound) ||
		errors.Is(err, ErrQuery)
}

const ObjectTypeTable = "table"

type DataSource struct {
	ID     int64          `json:"id,omitempty"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// Async reports whether exports for this data source run in the background.
func (d DataSource) Async() bool {
	_, ok := d.Extra["async"]
	return ok
}

type Object struct {
	SchemaName string `json:"schema"`
	Name       string `json:"name"`
	Type       string `json:"type"`
}

func (o Object) QualifiedName() string {
	return o.SchemaName + "." + o.Name
}

type SimpleType string

const (
	SimpleString SimpleType = "string"
	SimpleNumber SimpleType = "number"
	SimpleFloat  SimpleType = "float"
	SimpleDate   SimpleType = "date"
	SimpleBool   SimpleType = "bool"
)

type ColumnMeta struct {
	Name       string     `json:"name"`
	SourceType string     `json:"type"`
	SimpleType SimpleType `json:"simple_type"`
	Comment    *string    `json:"comment"`
}

type ForeignKeyMeta struct {
	ColumnName         string `json:"column_name"`
	ForeignTableSchema string `json:"foreign_table_schema"`
	ForeignTableName   string `json:"foreign_table_name"`
	ForeignColumnName  string `json:"foreign_column_name"`
}

type ObjectMeta struct {
	Columns     []ColumnMeta     `json:"columns"`
	ForeignKeys []ForeignKeyMeta `json:"foreign_keys"`
}

// SplitQualifiedName splits "schema.table". The name must contain exactly one
// dot with non-empty parts on both sides.
func SplitQualifiedName(name string) (string, string, error) {
	if strings.Count(name, ".") != 1 {
		return "", "", errInvalidName(name)
	}
	schema, table, _ := strings.Cut(name, ".")
	if schema == "" || table == "" {
		return "", "", errInvalidName(name)
	}
	return schema, table, nil
}

func errInvalidName(name string) error {
	return fmt.Errorf("%w: %q must be written as schema.table", ErrInvalidName, name)
}
