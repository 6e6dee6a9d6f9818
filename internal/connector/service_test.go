package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/duckmesh/tablesource/internal/catalog"
	"github.com/duckmesh/tablesource/internal/query"
	"github.com/duckmesh/tablesource/internal/record"
)

func TestGetObjectRowsFiltersBeforePaging(t *testing.T) {
	filters := &fakeFilterer{}
	svc := newTestService(&fakeLoader{rel: numbers(10)}, nil, filters)

	conds := []query.FilterCondition{{FieldName: "n", Operator: ">=", Value: int64(4)}}
	rows, err := svc.GetObjectRows(context.Background(), testDataSource(), "main.numbers", &query.Page{Limit: 3, Offset: 3}, conds)
	if err != nil {
		t.Fatalf("GetObjectRows() error = %v", err)
	}
	if !reflect.DeepEqual(filters.got, conds) {
		t.Fatalf("filter conditions = %#v", filters.got)
	}
	// Filter keeps even numbers: 0 2 4 6 8, page 2 of size 3 is [6 8].
	if got := column(rows); !reflect.DeepEqual(got, []int64{6, 8}) {
		t.Fatalf("GetObjectRows() = %v", got)
	}
}

func TestGetObjectRowsWithoutPageOrFilters(t *testing.T) {
	filters := &fakeFilterer{}
	svc := newTestService(&fakeLoader{rel: numbers(5)}, nil, filters)

	rows, err := svc.GetObjectRows(context.Background(), testDataSource(), "main.numbers", nil, nil)
	if err != nil {
		t.Fatalf("GetObjectRows() error = %v", err)
	}
	if rows.Len() != 5 {
		t.Fatalf("GetObjectRows() len = %d, want 5", rows.Len())
	}
	if filters.calls != 0 {
		t.Fatalf("filter engine called %d times without conditions", filters.calls)
	}
}

func TestGetObjectRowsNonPositivePageIsEmpty(t *testing.T) {
	svc := newTestService(&fakeLoader{rel: numbers(5)}, nil, &fakeFilterer{})

	rows, err := svc.GetObjectRows(context.Background(), testDataSource(), "main.numbers", &query.Page{Limit: 0, Offset: 0}, nil)
	if err != nil {
		t.Fatalf("GetObjectRows() error = %v", err)
	}
	if rows.Len() != 0 {
		t.Fatalf("GetObjectRows() len = %d, want 0", rows.Len())
	}
}

func TestGetObjectRowsPropagatesLoadError(t *testing.T) {
	svc := newTestService(&fakeLoader{err: fmt.Errorf("%w: main.missing", catalog.ErrNotFound)}, nil, &fakeFilterer{})

	_, err := svc.GetObjectRows(context.Background(), testDataSource(), "main.missing", nil, nil)
	if !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("GetObjectRows() error = %v, want ErrNotFound", err)
	}
}

func TestGetObjectMetaInfersFromLoadedRows(t *testing.T) {
	loader := &fakeLoader{rel: record.Relation{
		Columns: []string{"id", "name"},
		Rows:    [][]any{{int64(1), "ada"}},
	}}
	svc := newTestService(loader, nil, nil)

	meta, err := svc.GetObjectMeta(context.Background(), testDataSource(), "main.people")
	if err != nil {
		t.Fatalf("GetObjectMeta() error = %v", err)
	}
	if loader.gotName != "main.people" {
		t.Fatalf("loaded %q", loader.gotName)
	}
	if len(meta.Columns) != 2 || meta.Columns[0].SimpleType != catalog.SimpleNumber || meta.Columns[1].SimpleType != catalog.SimpleString {
		t.Fatalf("GetObjectMeta() = %#v", meta)
	}
}

func TestGetSQLRowsAndMeta(t *testing.T) {
	executor := &fakeExecutor{rel: numbers(4)}
	svc := newTestService(nil, executor, &fakeFilterer{})

	rows, err := svc.GetSQLRows(context.Background(), testDataSource(), "select n from main.numbers", &query.Page{Limit: 1, Offset: 1}, []query.FilterCondition{{Value: "n > 0"}})
	if err != nil {
		t.Fatalf("GetSQLRows() error = %v", err)
	}
	if got := column(rows); !reflect.DeepEqual(got, []int64{2}) {
		t.Fatalf("GetSQLRows() = %v", got)
	}
	if executor.gotSQL != "select n from main.numbers" {
		t.Fatalf("executed %q", executor.gotSQL)
	}

	meta, err := svc.GetSQLMeta(context.Background(), testDataSource(), "select n from main.numbers")
	if err != nil {
		t.Fatalf("GetSQLMeta() error = %v", err)
	}
	if len(meta.Columns) != 1 || meta.Columns[0].Name != "n" {
		t.Fatalf("GetSQLMeta() = %#v", meta)
	}
}

func TestGetSQLMetaPropagatesQueryError(t *testing.T) {
	svc := newTestService(nil, &fakeExecutor{err: fmt.Errorf("%w: syntax", catalog.ErrQuery)}, nil)

	if _, err := svc.GetSQLMeta(context.Background(), testDataSource(), "selec"); !errors.Is(err, catalog.ErrQuery) {
		t.Fatalf("GetSQLMeta() error = %v, want ErrQuery", err)
	}
}

func TestListHierarchy(t *testing.T) {
	cat := &fakeCatalog{objects: []catalog.Object{
		{SchemaName: "sales", Name: "orders", Type: catalog.ObjectTypeTable},
		{SchemaName: "sales", Name: "customers", Type: catalog.ObjectTypeTable},
		{SchemaName: "hr", Name: "staff", Type: catalog.ObjectTypeTable},
	}}
	svc := NewService(cat, nil, nil, nil, discardLogger())

	tree, err := svc.ListHierarchy(context.Background(), testDataSource(), "s")
	if err != nil {
		t.Fatalf("ListHierarchy() error = %v", err)
	}
	if cat.gotFilter != "s" {
		t.Fatalf("filter = %q", cat.gotFilter)
	}
	want := map[string][]string{"sales": {"orders", "customers"}, "hr": {"staff"}}
	if !reflect.DeepEqual(tree, want) {
		t.Fatalf("ListHierarchy() = %#v", tree)
	}
}

func TestPingPropagatesConfigError(t *testing.T) {
	svc := NewService(&fakeCatalog{pingErr: fmt.Errorf("%w: db is required", catalog.ErrConfig)}, nil, nil, nil, discardLogger())

	if err := svc.Ping(context.Background(), testDataSource()); !errors.Is(err, catalog.ErrConfig) {
		t.Fatalf("Ping() error = %v, want ErrConfig", err)
	}
}

func newTestService(loader *fakeLoader, executor *fakeExecutor, filters *fakeFilterer) *Service {
	svc := NewService(&fakeCatalog{}, nil, nil, nil, discardLogger())
	if loader != nil {
		svc.Loader = loader
	}
	if executor != nil {
		svc.Executor = executor
	}
	if filters != nil {
		svc.Filters = filters
	}
	return svc
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDataSource() catalog.DataSource {
	return catalog.DataSource{ID: 7, Type: "files", Params: map[string]any{"db": "warehouse"}}
}

func numbers(n int) record.Relation {
	rel := record.Relation{Columns: []string{"n"}}
	for i := 0; i < n; i++ {
		rel.Rows = append(rel.Rows, []any{int64(i)})
	}
	return rel
}

func column(rel record.Relation) []int64 {
	out := []int64{}
	for _, row := range rel.Rows {
		out = append(out, row[0].(int64))
	}
	return out
}

type fakeCatalog struct {
	objects   []catalog.Object
	pingErr   error
	gotFilter string
}

func (f *fakeCatalog) Ping(context.Context, catalog.DataSource) error {
	return f.pingErr
}

func (f *fakeCatalog) ListObjects(_ context.Context, _ catalog.DataSource, filter string) ([]catalog.Object, error) {
	f.gotFilter = filter
	return f.objects, nil
}

type fakeLoader struct {
	rel     record.Relation
	err     error
	gotName string
}

func (f *fakeLoader) Load(_ context.Context, _ catalog.DataSource, name string) (record.Relation, error) {
	f.gotName = name
	return f.rel, f.err
}

type fakeExecutor struct {
	rel    record.Relation
	err    error
	gotSQL string
}

func (f *fakeExecutor) Execute(_ context.Context, _ catalog.DataSource, sqlText string) (record.Relation, error) {
	f.gotSQL = sqlText
	return f.rel, f.err
}

// fakeFilterer keeps rows whose first column is even.
type fakeFilterer struct {
	calls int
	got   []query.FilterCondition
}

func (f *fakeFilterer) Apply(_ context.Context, rel record.Relation, conds []query.FilterCondition) (record.Relation, error) {
	f.calls++
	f.got = conds
	out := record.Relation{Columns: rel.Columns}
	for _, row := range rel.Rows {
		if row[0].(int64)%2 == 0 {
			out.Rows = append(out.Rows, row)
		}
	}
	return out, nil
}
