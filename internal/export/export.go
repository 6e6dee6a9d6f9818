// Package export writes the rows of a table or SQL query to parquet files in
// a local folder or an S3 bucket, synchronously or as a queued task.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/duckmesh/tablesource/internal/catalog"
	"github.com/duckmesh/tablesource/internal/observability"
	"github.com/duckmesh/tablesource/internal/query"
	"github.com/duckmesh/tablesource/internal/query/duckdb"
	"github.com/duckmesh/tablesource/internal/record"
	"github.com/duckmesh/tablesource/internal/storage"
)

// ErrBusy is returned when every export worker is occupied.
var ErrBusy = errors.New("export queue is full")

const (
	ObjectTypeSQL = "sql"

	exportTable        = "export_rows"
	parquetContentType = "application/vnd.apache.parquet"

	defaultWorkers = 4
	defaultTimeout = 30 * time.Minute
)

type Field struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Object names what to export: a stored table or, for type "sql", the result
// of QueryText.
type Object struct {
	Name       string             `json:"name"`
	Type       string             `json:"type"`
	QueryText  string             `json:"query_text,omitempty"`
	DataSource catalog.DataSource `json:"data_source"`
	Fields     []Field            `json:"fields,omitempty"`
}

type Request struct {
	Object  Object                  `json:"object"`
	Folder  string                  `json:"folder"`
	Filters []query.FilterCondition `json:"filters,omitempty"`
	Limit   *int                    `json:"limit,omitempty"`
}

type Result struct {
	Location string `json:"location"`
	Rows     int    `json:"rows"`
}

// Source is the part of the connector service exports read from.
type Source interface {
	GetObjectRows(ctx context.Context, ds catalog.DataSource, objectName string, page *query.Page, filters []query.FilterCondition) (record.Relation, error)
	GetSQLRows(ctx context.Context, ds catalog.DataSource, sqlText string, page *query.Page, filters []query.FilterCondition) (record.Relation, error)
}

type Destination interface {
	Resolve(ctx context.Context, folder string) (storage.ObjectStore, string, error)
}

type Options struct {
	Workers int
	Timeout time.Duration
	Session duckdb.SessionOptions
}

type Service struct {
	source  Source
	dest    Destination
	tasks   TaskStore
	opts    Options
	logger  *slog.Logger
	pool    *ants.Pool
	newPart func() string
}

func NewService(source Source, dest Destination, tasks TaskStore, opts Options, logger *slog.Logger) (*Service, error) {
	if source == nil {
		return nil, fmt.Errorf("export source is required")
	}
	if dest == nil {
		return nil, fmt.Errorf("export destination is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	svc := &Service{
		source:  source,
		dest:    dest,
		tasks:   tasks,
		opts:    opts,
		logger:  logger,
		newPart: uuid.NewString,
	}
	pool, err := ants.NewPool(opts.Workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v any) {
			logger.Error("export_worker_panic", slog.Any("panic", v))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create export pool: %w", err)
	}
	svc.pool = pool
	return svc, nil
}

// Export fetches the rows and writes them as one parquet part file.
func (s *Service) Export(ctx context.Context, req Request) (Result, error) {
	result, err := s.run(ctx, req)
	if err != nil {
		observability.ObserveExportTask("sync", string(TaskFailed))
		return Result{}, err
	}
	observability.ObserveExportTask("sync", string(TaskFinished))
	return result, nil
}

func (s *Service) run(ctx context.Context, req Request) (Result, error) {
	if err := validate(req); err != nil {
		return Result{}, err
	}
	store, folder, err := s.dest.Resolve(ctx, req.Folder)
	if err != nil {
		return Result{}, err
	}
	key, err := storage.ExportKey(folder, s.newPart())
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", catalog.ErrConfig, err)
	}

	rel, err := s.fetch(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if len(req.Object.Fields) > 0 {
		names := make([]string, len(req.Object.Fields))
		for i, field := range req.Object.Fields {
			names[i] = field.Name
		}
		rel, err = rel.Project(names)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", catalog.ErrQuery, err)
		}
	}

	if err := s.write(ctx, rel, store, key); err != nil {
		return Result{}, err
	}
	location := key
	if rest, ok := strings.CutPrefix(strings.TrimSpace(req.Folder), s3Scheme); ok {
		bucket, _, _ := strings.Cut(rest, "/")
		location = s3Scheme + bucket + "/" + key
	}
	s.logger.InfoContext(ctx, "export_written",
		slog.String("location", location),
		slog.Int("rows", rel.Len()),
		observability.DataSourceAttr(req.Object.DataSource.ID),
		observability.TraceAttr(ctx),
	)
	return Result{Location: location, Rows: rel.Len()}, nil
}

// Submit queues the export and returns the task id used to poll it.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	if s.tasks == nil {
		return "", fmt.Errorf("export task store is not configured")
	}
	if err := validate(req); err != nil {
		return "", err
	}
	taskID := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := s.tasks.Start(ctx, taskID); err != nil {
		return "", fmt.Errorf("start export task: %w", err)
	}

	logger := s.logger.With(slog.String("task_id", taskID))
	err := s.pool.Submit(func() { s.runTask(taskID, req, logger) })
	if err != nil {
		_ = s.tasks.Fail(ctx, taskID, err.Error())
		if errors.Is(err, ants.ErrPoolOverload) {
			return "", ErrBusy
		}
		return "", fmt.Errorf("submit export task: %w", err)
	}
	logger.InfoContext(ctx, "export_task_submitted")
	return taskID, nil
}

// runTask runs one queued export and records its terminal state. The state is
// written even after the job deadline passes or the export panics.
func (s *Service) runTask(taskID string, req Request, logger *slog.Logger) {
	observability.ExportStarted()
	defer observability.ExportDone()

	jobCtx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()
	statusCtx := context.WithoutCancel(jobCtx)

	fail := func(err error) {
		observability.ObserveExportTask("async", string(TaskFailed))
		logger.Error("export_task_failed", slog.String("error", err.Error()))
		if failErr := s.tasks.Fail(statusCtx, taskID, err.Error()); failErr != nil {
			logger.Error("export_task_status_failed", slog.String("error", failErr.Error()))
		}
	}
	defer func() {
		if v := recover(); v != nil {
			fail(fmt.Errorf("export panicked: %v", v))
		}
	}()

	if _, err := s.run(jobCtx, req); err != nil {
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("export timed out after %s: %w", s.opts.Timeout, err)
		}
		fail(err)
		return
	}
	observability.ObserveExportTask("async", string(TaskFinished))
	if err := s.tasks.Finish(statusCtx, taskID); err != nil {
		logger.Error("export_task_status_failed", slog.String("error", err.Error()))
	}
}

func (s *Service) Status(ctx context.Context, taskID string) (TaskStatus, error) {
	if s.tasks == nil {
		return TaskStatus{}, ErrTaskNotFound
	}
	return s.tasks.Status(ctx, taskID)
}

func (s *Service) Clear(ctx context.Context, taskID string) error {
	if s.tasks == nil {
		return ErrTaskNotFound
	}
	return s.tasks.Clear(ctx, taskID)
}

// Close waits briefly for running exports and stops the pool.
func (s *Service) Close() error {
	return s.pool.ReleaseTimeout(3 * time.Second)
}

func (s *Service) fetch(ctx context.Context, req Request) (record.Relation, error) {
	var page *query.Page
	if req.Limit != nil {
		page = &query.Page{Limit: *req.Limit, Offset: 0}
	}
	ds := req.Object.DataSource
	if req.Object.Type == ObjectTypeSQL {
		return s.source.GetSQLRows(ctx, ds, req.Object.QueryText, page, req.Filters)
	}
	return s.source.GetObjectRows(ctx, ds, req.Object.Name, page, req.Filters)
}

func (s *Service) write(ctx context.Context, rel record.Relation, store storage.ObjectStore, key string) error {
	session, err := duckdb.OpenSession(ctx, duckdb.SessionOptions{TempDir: s.opts.Session.TempDir, MixedAsText: true})
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	if err := session.Register(ctx, "", exportTable, rel); err != nil {
		return err
	}
	local := filepath.Join(session.WorkDir(), "part.parquet")
	if err := session.CopyToParquet(ctx, exportTable, local); err != nil {
		return err
	}

	file, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("open parquet part: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat parquet part: %w", err)
	}
	if _, err := store.Put(ctx, key, file, info.Size(), storage.PutOptions{ContentType: parquetContentType}); err != nil {
		return fmt.Errorf("upload parquet part %q: %w", key, err)
	}
	return nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.Folder) == "" {
		return fmt.Errorf("%w: export folder is required", catalog.ErrConfig)
	}
	if req.Object.Type == ObjectTypeSQL {
		if strings.TrimSpace(req.Object.QueryText) == "" {
			return fmt.Errorf("%w: query_text is required for sql objects", catalog.ErrQuery)
		}
		return nil
	}
	if strings.TrimSpace(req.Object.Name) == "" {
		return fmt.Errorf("%w: object name is required", catalog.ErrInvalidName)
	}
	return nil
}
