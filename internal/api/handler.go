package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duckmesh/tablesource/internal/catalog"
	"github.com/duckmesh/tablesource/internal/config"
	"github.com/duckmesh/tablesource/internal/export"
	"github.com/duckmesh/tablesource/internal/observability"
	"github.com/duckmesh/tablesource/internal/query"
	"github.com/duckmesh/tablesource/internal/record"
)

const maxRequestBytes = 8 << 20

type ReadinessCheck func(ctx context.Context) error

// DataService is the read side of a data source.
type DataService interface {
	Ping(ctx context.Context, ds catalog.DataSource) error
	ListObjects(ctx context.Context, ds catalog.DataSource, filter string) ([]catalog.Object, error)
	ListHierarchy(ctx context.Context, ds catalog.DataSource, filter string) (map[string][]string, error)
	GetObjectMeta(ctx context.Context, ds catalog.DataSource, objectName string) (catalog.ObjectMeta, error)
	GetObjectRows(ctx context.Context, ds catalog.DataSource, objectName string, page *query.Page, filters []query.FilterCondition) (record.Relation, error)
	GetSQLMeta(ctx context.Context, ds catalog.DataSource, sqlText string) (catalog.ObjectMeta, error)
	GetSQLRows(ctx context.Context, ds catalog.DataSource, sqlText string, page *query.Page, filters []query.FilterCondition) (record.Relation, error)
}

type ExportService interface {
	Export(ctx context.Context, req export.Request) (export.Result, error)
	Submit(ctx context.Context, req export.Request) (string, error)
	Status(ctx context.Context, taskID string) (export.TaskStatus, error)
	Clear(ctx context.Context, taskID string) error
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Data              DataService
	Exports           ExportService
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, r *http.Request) {
		handleReady(deps, w, r)
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	h := &dataHandlers{deps: deps, retryAfter: cfg.Export.RetryAfter}
	routes := map[string]http.HandlerFunc{
		"POST /data-source/ping":                   h.ping,
		"POST /data-source/objects":                h.objects,
		"POST /data-source/object-meta":            h.objectMeta,
		"POST /data-source/object-data":            h.objectData,
		"POST /data-source/sql-meta":               h.sqlMeta,
		"POST /data-source/sql-object-data":        h.sqlObjectData,
		"POST /data-source/parquet":                h.parquet,
		"GET /data-source/parquet/queue/{task_id}": h.parquetStatus,
	}
	for pattern, handler := range routes {
		mux.Handle(pattern, protect(cfg, deps, handler))
	}

	// Metrics sit closest to the mux so the matched route pattern is visible.
	middlewares := []func(http.Handler) http.Handler{observability.TraceMiddleware}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	middlewares = append(middlewares, observability.MetricsMiddleware)
	return chain(mux, middlewares...)
}

func protect(cfg config.Config, deps Dependencies, next http.Handler) http.Handler {
	if !cfg.Auth.Required {
		return next
	}
	if deps.AuthMiddleware == nil {
		if deps.Logger != nil {
			deps.Logger.Error("auth required but auth middleware missing")
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
		})
	}
	return deps.AuthMiddleware(next)
}

func handleReady(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Readiness == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
		return
	}
	timeout := deps.DependencyTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := deps.Readiness(ctx); err != nil {
		writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckHealth adapts a dependency with a HealthCheck method.
func CheckHealth(name string, dep HealthChecker) ReadinessCheck {
	return func(ctx context.Context) error {
		if dep == nil {
			return fmt.Errorf("%s is not configured", name)
		}
		if err := dep.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.UseNumber()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}

// writeServiceError maps recognized failures to 400 and everything else to
// 500.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrConfig):
		writeError(ctx, w, http.StatusBadRequest, "CONFIG_ERROR", err.Error(), false, nil)
	case errors.Is(err, catalog.ErrInvalidName):
		writeError(ctx, w, http.StatusBadRequest, "INVALID_NAME", err.Error(), false, nil)
	case errors.Is(err, catalog.ErrTableNotFound):
		writeError(ctx, w, http.StatusBadRequest, "TABLE_NOT_FOUND", err.Error(), false, nil)
	case errors.Is(err, catalog.ErrNotFound):
		writeError(ctx, w, http.StatusBadRequest, "NOT_FOUND", err.Error(), false, nil)
	case errors.Is(err, catalog.ErrQuery):
		writeError(ctx, w, http.StatusBadRequest, "QUERY_ERROR", err.Error(), false, nil)
	case errors.Is(err, export.ErrBusy):
		writeError(ctx, w, http.StatusServiceUnavailable, "EXPORT_BUSY", err.Error(), true, nil)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, http.StatusGatewayTimeout, "TIMEOUT", err.Error(), true, nil)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error(), false, nil)
	}
}
