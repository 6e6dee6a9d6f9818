// Package connector exposes the read-only data source operations: listing
// tables, describing them, reading pages of rows and running ad-hoc SQL.
package connector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/duckmesh/tablesource/internal/catalog"
	"github.com/duckmesh/tablesource/internal/observability"
	"github.com/duckmesh/tablesource/internal/query"
	"github.com/duckmesh/tablesource/internal/record"
)

const (
	OpPing        = "ping"
	OpListObjects = "list_objects"
	OpObjectMeta  = "object_meta"
	OpObjectRows  = "object_rows"
	OpSQLMeta     = "sql_meta"
	OpSQLRows     = "sql_rows"
)

type Catalog interface {
	Ping(ctx context.Context, ds catalog.DataSource) error
	ListObjects(ctx context.Context, ds catalog.DataSource, filter string) ([]catalog.Object, error)
}

type Service struct {
	Catalog  Catalog
	Loader   query.Loader
	Executor query.Executor
	Filters  query.Filterer
	Logger   *slog.Logger
}

func NewService(cat Catalog, loader query.Loader, executor query.Executor, filters query.Filterer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Catalog: cat, Loader: loader, Executor: executor, Filters: filters, Logger: logger}
}

func (s *Service) Ping(ctx context.Context, ds catalog.DataSource) (err error) {
	done := s.begin(ctx, OpPing, ds)
	defer func() { done(err, -1) }()
	return s.Catalog.Ping(ctx, ds)
}

func (s *Service) ListObjects(ctx context.Context, ds catalog.DataSource, filter string) (objects []catalog.Object, err error) {
	done := s.begin(ctx, OpListObjects, ds, slog.String("query_string", filter))
	defer func() { done(err, len(objects)) }()
	return s.Catalog.ListObjects(ctx, ds, filter)
}

// ListHierarchy groups the table names of ListObjects by schema.
func (s *Service) ListHierarchy(ctx context.Context, ds catalog.DataSource, filter string) (map[string][]string, error) {
	objects, err := s.ListObjects(ctx, ds, filter)
	if err != nil {
		return nil, err
	}
	return catalog.Hierarchy(objects), nil
}

func (s *Service) GetObjectMeta(ctx context.Context, ds catalog.DataSource, objectName string) (meta catalog.ObjectMeta, err error) {
	done := s.begin(ctx, OpObjectMeta, ds, slog.String("object_name", objectName))
	defer func() { done(err, -1) }()

	rel, err := s.Loader.Load(ctx, ds, objectName)
	if err != nil {
		return catalog.ObjectMeta{}, err
	}
	return catalog.InferObjectMeta(rel), nil
}

// GetObjectRows loads a table, filters it and cuts the requested page. A nil
// page returns every surviving row.
func (s *Service) GetObjectRows(ctx context.Context, ds catalog.DataSource, objectName string, page *query.Page, filters []query.FilterCondition) (rows record.Relation, err error) {
	done := s.begin(ctx, OpObjectRows, ds, slog.String("object_name", objectName), slog.Int("filters", len(filters)))
	defer func() { done(err, rows.Len()) }()

	rel, err := s.Loader.Load(ctx, ds, objectName)
	if err != nil {
		return record.Relation{}, err
	}
	return s.filterAndPage(ctx, rel, page, filters)
}

func (s *Service) GetSQLMeta(ctx context.Context, ds catalog.DataSource, sqlText string) (meta catalog.ObjectMeta, err error) {
	done := s.begin(ctx, OpSQLMeta, ds)
	defer func() { done(err, -1) }()

	rel, err := s.Executor.Execute(ctx, ds, sqlText)
	if err != nil {
		return catalog.ObjectMeta{}, err
	}
	return catalog.InferObjectMeta(rel), nil
}

func (s *Service) GetSQLRows(ctx context.Context, ds catalog.DataSource, sqlText string, page *query.Page, filters []query.FilterCondition) (rows record.Relation, err error) {
	done := s.begin(ctx, OpSQLRows, ds, slog.Int("filters", len(filters)))
	defer func() { done(err, rows.Len()) }()

	rel, err := s.Executor.Execute(ctx, ds, sqlText)
	if err != nil {
		return record.Relation{}, err
	}
	return s.filterAndPage(ctx, rel, page, filters)
}

func (s *Service) filterAndPage(ctx context.Context, rel record.Relation, page *query.Page, filters []query.FilterCondition) (record.Relation, error) {
	if len(filters) > 0 {
		if s.Filters == nil {
			return record.Relation{}, fmt.Errorf("filter engine is not configured")
		}
		filtered, err := s.Filters.Apply(ctx, rel, filters)
		if err != nil {
			return record.Relation{}, err
		}
		rel = filtered
	}
	return query.Paginate(rel, page), nil
}

func (s *Service) begin(ctx context.Context, operation string, ds catalog.DataSource, attrs ...any) func(error, int) {
	start := time.Now()
	logger := s.Logger.With(
		slog.String("operation", operation),
		observability.DataSourceAttr(ds.ID),
		observability.TraceAttr(ctx),
	)
	logger.DebugContext(ctx, "data_source_operation", attrs...)

	return func(err error, rows int) {
		elapsed := time.Since(start)
		switch {
		case err == nil:
			observability.ObserveOperation(operation, observability.OutcomeOK, elapsed, rows)
		case catalog.IsKnown(err):
			observability.ObserveOperation(operation, observability.OutcomeClientError, elapsed, rows)
			logger.WarnContext(ctx, "data_source_operation_rejected", slog.String("error", err.Error()))
		default:
			observability.ObserveOperation(operation, observability.OutcomeServerError, elapsed, rows)
			logger.ErrorContext(ctx, "data_source_operation_failed", slog.String("error", err.Error()))
		}
	}
}
