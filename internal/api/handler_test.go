package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/duckmesh/tablesource/internal/auth"
	"github.com/duckmesh/tablesource/internal/catalog"
	"github.com/duckmesh/tablesource/internal/config"
	"github.com/duckmesh/tablesource/internal/export"
	"github.com/duckmesh/tablesource/internal/query"
	"github.com/duckmesh/tablesource/internal/record"
)

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{
		Readiness: func(context.Context) error { return errors.New("dependency down") },
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error_code"] != "NOT_READY" || body["retryable"] != true {
		t.Fatalf("body = %v", body)
	}
}

func TestProtectedRoutesRequireAuthAndRole(t *testing.T) {
	cfg := loadConfig(t, map[string]string{"TABLESOURCE_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("reader:bi:data_reader")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Data:           &fakeData{},
		Exports:        &fakeExports{},
	})

	rr := post(h, "/data-source/objects", `{"data_source":{"type":"files","params":{"db":"lake"}}}`, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", rr.Code)
	}
	rr = post(h, "/data-source/objects", `{"data_source":{"type":"files","params":{"db":"lake"}}}`, "reader")
	if rr.Code != http.StatusOK {
		t.Fatalf("reader status = %d: %s", rr.Code, rr.Body.String())
	}
	rr = post(h, "/data-source/parquet", `{"object":{"name":"s.t"},"folder":"out"}`, "reader")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("reader export status = %d", rr.Code)
	}

	health := httptest.NewRecorder()
	h.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("health status = %d", health.Code)
	}
}

func TestObjectDataDefaultsAndPagination(t *testing.T) {
	data := &fakeData{rows: record.Relation{Columns: []string{"z", "a"}, Rows: [][]any{{int64(1), "x"}}}}
	h := NewHandler(loadConfig(t, nil), Dependencies{Data: data})

	rr := post(h, "/data-source/object-data", `{"data_source":{"type":"files","params":{"db":"lake"}},"object_name":"sales.orders"}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if data.gotPage == nil || data.gotPage.Limit != 20 || data.gotPage.Offset != 0 {
		t.Fatalf("default page = %#v", data.gotPage)
	}
	if data.gotName != "sales.orders" {
		t.Fatalf("object name = %q", data.gotName)
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"data":[{"z":1,"a":"x"}]}` {
		t.Fatalf("body = %s", got)
	}

	rr = post(h, "/data-source/object-data", `{"data_source":{},"object_name":"sales.orders","page":3,"page_size":5}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if data.gotPage.Limit != 5 || data.gotPage.Offset != 10 {
		t.Fatalf("page = %#v", data.gotPage)
	}

	for _, body := range []string{
		`{"object_name":"sales.orders","page":0}`,
		`{"object_name":"sales.orders","page_size":-1}`,
	} {
		rr = post(h, "/data-source/object-data", body, "")
		if rr.Code != http.StatusBadRequest || decodeBody(t, rr)["error_code"] != "INVALID_PAGINATION" {
			t.Fatalf("body %s: status = %d %s", body, rr.Code, rr.Body.String())
		}
	}
}

func TestObjectDataExplicitNullPageReturnsEveryRow(t *testing.T) {
	data := &fakeData{rows: record.Relation{Columns: []string{"n"}}}
	h := NewHandler(loadConfig(t, nil), Dependencies{Data: data})

	for _, body := range []string{
		`{"data_source":{},"object_name":"sales.orders","page":null}`,
		`{"data_source":{},"object_name":"sales.orders","page":2,"page_size":null}`,
	} {
		data.gotPage = &query.Page{Offset: -1}
		rr := post(h, "/data-source/object-data", body, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("body %s: status = %d %s", body, rr.Code, rr.Body.String())
		}
		if data.gotPage != nil {
			t.Fatalf("body %s: page = %#v, want nil", body, data.gotPage)
		}
	}

	rr := post(h, "/data-source/object-data", `{"data_source":{},"object_name":"sales.orders","page":"two"}`, "")
	if rr.Code != http.StatusBadRequest || decodeBody(t, rr)["error_code"] != "INVALID_JSON" {
		t.Fatalf("status = %d %s", rr.Code, rr.Body.String())
	}
}

func TestSQLObjectDataPassesFilters(t *testing.T) {
	data := &fakeData{rows: record.Relation{Columns: []string{"n"}}}
	h := NewHandler(loadConfig(t, nil), Dependencies{Data: data})

	rr := post(h, "/data-source/sql-object-data", `{"data_source":{},"sql_text":"select n from s.t","filters":[{"field_name":"n","operator":">","value":2.5},{"value":"n < 10"}]}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if data.gotSQL != "select n from s.t" {
		t.Fatalf("sql = %q", data.gotSQL)
	}
	if len(data.gotFilters) != 2 {
		t.Fatalf("filters = %#v", data.gotFilters)
	}
	if num, ok := data.gotFilters[0].Value.(json.Number); !ok || num.String() != "2.5" {
		t.Fatalf("filter value = %#v", data.gotFilters[0].Value)
	}
	if !data.gotFilters[1].Raw() {
		t.Fatalf("second filter should be raw: %#v", data.gotFilters[1])
	}
	if got := strings.TrimSpace(rr.Body.String()); got != `{"data":[]}` {
		t.Fatalf("body = %s", got)
	}
}

func TestObjectsFlatAndHierarchy(t *testing.T) {
	data := &fakeData{objects: []catalog.Object{{SchemaName: "sales", Name: "orders", Type: catalog.ObjectTypeTable}}}
	h := NewHandler(loadConfig(t, nil), Dependencies{Data: data})

	rr := post(h, "/data-source/objects", `{"data_source":{},"query_string":"ord"}`, "")
	if got := strings.TrimSpace(rr.Body.String()); got != `[{"schema":"sales","name":"orders","type":"table"}]` {
		t.Fatalf("flat body = %s", got)
	}
	if data.gotFilter != "ord" {
		t.Fatalf("filter = %q", data.gotFilter)
	}

	rr = post(h, "/data-source/objects", `{"data_source":{},"flat":false}`, "")
	if got := strings.TrimSpace(rr.Body.String()); got != `{"sales":["orders"]}` {
		t.Fatalf("hierarchy body = %s", got)
	}
}

func TestServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: db", catalog.ErrConfig), http.StatusBadRequest, "CONFIG_ERROR"},
		{fmt.Errorf("%w: table", catalog.ErrNotFound), http.StatusBadRequest, "NOT_FOUND"},
		{fmt.Errorf("%w: x", catalog.ErrInvalidName), http.StatusBadRequest, "INVALID_NAME"},
		{fmt.Errorf("%w: t", catalog.ErrTableNotFound), http.StatusBadRequest, "TABLE_NOT_FOUND"},
		{fmt.Errorf("%w: syntax", catalog.ErrQuery), http.StatusBadRequest, "QUERY_ERROR"},
		{errors.New("disk failure"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		h := NewHandler(loadConfig(t, nil), Dependencies{Data: &fakeData{err: tc.err}})
		rr := post(h, "/data-source/sql-meta", `{"data_source":{},"sql_text":"select 1"}`, "")
		if rr.Code != tc.status {
			t.Fatalf("%v: status = %d, want %d", tc.err, rr.Code, tc.status)
		}
		body := decodeBody(t, rr)
		if body["error_code"] != tc.code || body["message"] != tc.err.Error() {
			t.Fatalf("%v: body = %v", tc.err, body)
		}
	}
}

func TestPingTakesDataSourceBody(t *testing.T) {
	data := &fakeData{}
	h := NewHandler(loadConfig(t, nil), Dependencies{Data: data})

	rr := post(h, "/data-source/ping", `{"id":4,"type":"files","params":{"db":"lake"}}`, "")
	if rr.Code != http.StatusOK || strings.TrimSpace(rr.Body.String()) != `{}` {
		t.Fatalf("status = %d body = %s", rr.Code, rr.Body.String())
	}
	if data.gotDataSource.ID != 4 || data.gotDataSource.Params["db"] != "lake" {
		t.Fatalf("data source = %#v", data.gotDataSource)
	}

	rr = post(h, "/data-source/ping", `{not json`, "")
	if rr.Code != http.StatusBadRequest || decodeBody(t, rr)["error_code"] != "INVALID_JSON" {
		t.Fatalf("invalid json status = %d", rr.Code)
	}
}

func TestParquetSyncAndAsync(t *testing.T) {
	exports := &fakeExports{result: export.Result{Location: "out/part-1.parquet", Rows: 2}, taskID: "abc123"}
	h := NewHandler(loadConfig(t, nil), Dependencies{Data: &fakeData{}, Exports: exports})

	rr := post(h, "/data-source/parquet", `{"object":{"name":"s.t","type":"table","data_source":{}},"folder":"out","limit":5}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("sync status = %d: %s", rr.Code, rr.Body.String())
	}
	if exports.got.Limit == nil || *exports.got.Limit != 5 || exports.got.Folder != "out" {
		t.Fatalf("export request = %#v", exports.got)
	}

	rr = post(h, "/data-source/parquet", `{"object":{"name":"s.t","data_source":{"extra":{"async":true}}},"folder":"s3://lake/out"}`, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("async status = %d: %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Location"); got != "data-source/parquet/queue/abc123" {
		t.Fatalf("Location = %q", got)
	}
	if got := rr.Header().Get("Retry-After"); got != "0.5" {
		t.Fatalf("Retry-After = %q", got)
	}
	if exports.submitted != 1 {
		t.Fatalf("submitted = %d", exports.submitted)
	}
}

func TestParquetQueueStatus(t *testing.T) {
	exports := &fakeExports{statuses: map[string]export.TaskStatus{
		"running": {ID: "running", State: export.TaskStarted},
		"done":    {ID: "done", State: export.TaskFinished},
		"broken":  {ID: "broken", State: export.TaskFailed, Message: "bucket missing"},
	}}
	h := NewHandler(loadConfig(t, nil), Dependencies{Exports: exports})

	rr := get(h, "/data-source/parquet/queue/running")
	if rr.Code != http.StatusAccepted || rr.Header().Get("Location") != "data-source/parquet/queue/running" {
		t.Fatalf("running: status = %d headers = %v", rr.Code, rr.Header())
	}

	rr = get(h, "/data-source/parquet/queue/done")
	if rr.Code != http.StatusOK {
		t.Fatalf("done: status = %d", rr.Code)
	}
	if len(exports.cleared) != 1 || exports.cleared[0] != "done" {
		t.Fatalf("cleared = %v", exports.cleared)
	}

	rr = get(h, "/data-source/parquet/queue/broken")
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("broken: status = %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error_code"] != "EXPORT_FAILED" || body["message"] != "bucket missing" {
		t.Fatalf("broken: body = %v", body)
	}

	rr = get(h, "/data-source/parquet/queue/unknown")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown: status = %d", rr.Code)
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(context.Context) error {
			order = append(order, 1)
			return nil
		},
		nil,
		func(context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	if err := combined(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestCheckHealth(t *testing.T) {
	if err := CheckHealth("store", nil)(context.Background()); err == nil {
		t.Fatal("expected error for missing dependency")
	}
	err := CheckHealth("store", healthFunc(func(context.Context) error { return errors.New("down") }))(context.Background())
	if err == nil || err.Error() != "store: down" {
		t.Fatalf("CheckHealth() error = %v", err)
	}
}

type healthFunc func(context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func loadConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	cfg, err := config.Load("tablesource-api", mapLookup(env))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func post(h http.Handler, path, body, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v (%s)", err, rr.Body.String())
	}
	return body
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

type fakeData struct {
	objects []catalog.Object
	rows    record.Relation
	err     error

	gotDataSource catalog.DataSource
	gotFilter     string
	gotName       string
	gotSQL        string
	gotPage       *query.Page
	gotFilters    []query.FilterCondition
}

func (f *fakeData) Ping(_ context.Context, ds catalog.DataSource) error {
	f.gotDataSource = ds
	return f.err
}

func (f *fakeData) ListObjects(_ context.Context, _ catalog.DataSource, filter string) ([]catalog.Object, error) {
	f.gotFilter = filter
	return f.objects, f.err
}

func (f *fakeData) ListHierarchy(ctx context.Context, ds catalog.DataSource, filter string) (map[string][]string, error) {
	objects, err := f.ListObjects(ctx, ds, filter)
	if err != nil {
		return nil, err
	}
	return catalog.Hierarchy(objects), nil
}

func (f *fakeData) GetObjectMeta(_ context.Context, _ catalog.DataSource, name string) (catalog.ObjectMeta, error) {
	f.gotName = name
	return catalog.ObjectMeta{}, f.err
}

func (f *fakeData) GetObjectRows(_ context.Context, _ catalog.DataSource, name string, page *query.Page, filters []query.FilterCondition) (record.Relation, error) {
	f.gotName, f.gotPage, f.gotFilters = name, page, filters
	return f.rows, f.err
}

func (f *fakeData) GetSQLMeta(_ context.Context, _ catalog.DataSource, sqlText string) (catalog.ObjectMeta, error) {
	f.gotSQL = sqlText
	return catalog.ObjectMeta{}, f.err
}

func (f *fakeData) GetSQLRows(_ context.Context, _ catalog.DataSource, sqlText string, page *query.Page, filters []query.FilterCondition) (record.Relation, error) {
	f.gotSQL, f.gotPage, f.gotFilters = sqlText, page, filters
	return f.rows, f.err
}

type fakeExports struct {
	result    export.Result
	taskID    string
	statuses  map[string]export.TaskStatus
	got       export.Request
	submitted int
	cleared   []string
}

func (f *fakeExports) Export(_ context.Context, req export.Request) (export.Result, error) {
	f.got = req
	return f.result, nil
}

func (f *fakeExports) Submit(_ context.Context, req export.Request) (string, error) {
	f.got = req
	f.submitted++
	return f.taskID, nil
}

func (f *fakeExports) Status(_ context.Context, taskID string) (export.TaskStatus, error) {
	status, ok := f.statuses[taskID]
	if !ok {
		return export.TaskStatus{}, export.ErrTaskNotFound
	}
	return status, nil
}

func (f *fakeExports) Clear(_ context.Context, taskID string) error {
	f.cleared = append(f.cleared, taskID)
	return nil
}
