// Package query holds the contracts shared by the table loader, the SQL
// executor and the filter engine, plus the pager.
package query

import (
	"context"

	"github.com/duckmesh/tablesource/internal/catalog"
	"github.com/duckmesh/tablesource/internal/record"
)

// FilterCondition is one conjunct of a row filter. With an empty FieldName,
// Value holds a complete boolean expression.
type FilterCondition struct {
	FieldName string `json:"field_name,omitempty"`
	Operator  string `json:"operator,omitempty"`
	Value     any    `json:"value"`
}

func (c FilterCondition) Raw() bool {
	return c.FieldName == ""
}

type Loader interface {
	Load(ctx context.Context, ds catalog.DataSource, qualifiedName string) (record.Relation, error)
}

type Executor interface {
	Execute(ctx context.Context, ds catalog.DataSource, sqlText string) (record.Relation, error)
}

type Filterer interface {
	Apply(ctx context.Context, rel record.Relation, conditions []FilterCondition) (record.Relation, error)
}
