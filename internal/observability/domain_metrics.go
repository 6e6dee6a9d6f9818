package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeOK          = "ok"
	OutcomeClientError = "client_error"
	OutcomeServerError = "server_error"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablesource_http_requests_total",
			Help: "Total number of HTTP requests by route.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tablesource_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablesource_operations_total",
			Help: "Total number of data source operations by outcome.",
		},
		[]string{"operation", "outcome"},
	)
	operationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tablesource_operation_duration_seconds",
			Help:    "Data source operation latency.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation"},
	)
	rowsReturned = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tablesource_rows_returned",
			Help:    "Rows returned per data operation after filtering and pagination.",
			Buckets: []float64{0, 1, 10, 20, 50, 100, 500, 1000, 10000, 100000},
		},
		[]string{"operation"},
	)
	exportTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tablesource_export_tasks_total",
			Help: "Total number of parquet export tasks by final status.",
		},
		[]string{"mode", "status"},
	)
	exportTasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tablesource_export_tasks_in_flight",
			Help: "Background parquet exports currently running.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		operationsTotal,
		operationDurationSeconds,
		rowsReturned,
		exportTasksTotal,
		exportTasksInFlight,
	)
}

func observeHTTPRequest(method, route string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, code).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
}

// ObserveOperation records one data source operation. rows < 0 means the
// operation does not return rows.
func ObserveOperation(operation, outcome string, elapsed time.Duration, rows int) {
	operationsTotal.WithLabelValues(operation, outcome).Inc()
	operationDurationSeconds.WithLabelValues(operation).Observe(elapsed.Seconds())
	if rows >= 0 && outcome == OutcomeOK {
		rowsReturned.WithLabelValues(operation).Observe(float64(rows))
	}
}

func ObserveExportTask(mode, status string) {
	exportTasksTotal.WithLabelValues(mode, status).Inc()
}

func ExportStarted() {
	exportTasksInFlight.Inc()
}

func ExportDone() {
	exportTasksInFlight.Dec()
}
