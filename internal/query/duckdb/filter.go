package duckdb

import (
	"context"
	"fmt"
	"slices"

	"github.com/duckmesh/tablesource/internal/catalog"
	"github.com/duckmesh/tablesource/internal/query"
	"github.com/duckmesh/tablesource/internal/query/filter"
	"github.com/duckmesh/tablesource/internal/record"
)

const (
	filterTable = "filter_input"
	rowIDColumn = "__row_id"
)

// FilterEngine applies filter conditions to a materialized relation. The
// surviving rows are returned exactly as they were in the input.
type FilterEngine struct {
	Options SessionOptions
}

func NewFilterEngine(opts SessionOptions) *FilterEngine {
	return &FilterEngine{Options: opts}
}

func (f *FilterEngine) Apply(ctx context.Context, rel record.Relation, conditions []query.FilterCondition) (record.Relation, error) {
	if len(conditions) == 0 || rel.Len() == 0 {
		return rel, nil
	}
	predicate, args, err := filter.Predicate(conditions)
	if err != nil {
		return record.Relation{}, err
	}

	idColumn := rowIDColumn
	for slices.Contains(rel.Columns, idColumn) {
		idColumn = "_" + idColumn
	}
	tagged := record.Relation{
		Columns: append(append([]string{}, rel.Columns...), idColumn),
		Rows:    make([][]any, len(rel.Rows)),
	}
	for i, row := range rel.Rows {
		tagged.Rows[i] = append(append(make([]any, 0, len(row)+1), row...), int64(i))
	}

	session, err := OpenSession(ctx, SessionOptions{TempDir: f.Options.TempDir})
	if err != nil {
		return record.Relation{}, err
	}
	defer func() { _ = session.Close() }()

	if err := session.Register(ctx, "", filterTable, tagged); err != nil {
		return record.Relation{}, err
	}
	if err := session.DisableExternalAccess(ctx); err != nil {
		return record.Relation{}, err
	}

	selectSQL := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s", quoteIdent(idColumn), quoteIdent(filterTable), predicate, quoteIdent(idColumn))
	ids, err := session.Query(ctx, selectSQL, args...)
	if err != nil {
		if catalog.IsKnown(err) {
			return record.Relation{}, err
		}
		return record.Relation{}, fmt.Errorf("%w: apply filters: %v", catalog.ErrQuery, err)
	}

	out := record.Relation{Columns: rel.Columns, Rows: make([][]any, 0, ids.Len())}
	for _, idRow := range ids.Rows {
		id, ok := idRow[0].(int64)
		if !ok || id < 0 || int(id) >= len(rel.Rows) {
			return record.Relation{}, fmt.Errorf("unexpected row id %v", idRow[0])
		}
		out.Rows = append(out.Rows, rel.Rows[id])
	}
	return out, nil
}
