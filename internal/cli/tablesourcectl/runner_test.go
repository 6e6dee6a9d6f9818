package tablesourcectl

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type capturedRequest struct {
	Method string
	Path   string
	APIKey string
	Body   map[string]any
}

func newCaptureServer(t *testing.T, status int, response string) (*httptest.Server, *capturedRequest) {
	t.Helper()
	got := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Method = r.Method
		got.Path = r.URL.Path
		got.APIKey = r.Header.Get("X-API-Key")
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&got.Body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestRunHealthCommand(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusOK, `{"status":"ok"}`)

	var stdout, stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "-api-key", "k1", "health"}, Options{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if got.Method != http.MethodGet || got.Path != "/health" {
		t.Fatalf("request = %s %s", got.Method, got.Path)
	}
	if got.APIKey != "k1" {
		t.Fatalf("api key = %q", got.APIKey)
	}
	if !strings.Contains(stdout.String(), `"status": "ok"`) {
		t.Fatalf("stdout = %q, want pretty JSON", stdout.String())
	}
}

func TestRunObjectDataCommand(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusOK, `{"data":[]}`)

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-base-url", srv.URL,
		"-db", "warehouse",
		"object-data",
		"-page", "2",
		"-page-size", "5",
		"-where", "age > 30",
		"-where", "name LIKE 'A%'",
		"public.users",
	}, Options{Stderr: &stderr})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if got.Method != http.MethodPost || got.Path != "/data-source/object-data" {
		t.Fatalf("request = %s %s", got.Method, got.Path)
	}
	if got.Body["object_name"] != "public.users" {
		t.Fatalf("object_name = %v", got.Body["object_name"])
	}
	if got.Body["page"] != float64(2) || got.Body["page_size"] != float64(5) {
		t.Fatalf("paging = %v/%v", got.Body["page"], got.Body["page_size"])
	}
	ds, _ := got.Body["data_source"].(map[string]any)
	params, _ := ds["params"].(map[string]any)
	if ds["type"] != "files" || params["db"] != "warehouse" {
		t.Fatalf("data_source = %v", ds)
	}
	filters, _ := got.Body["filters"].([]any)
	if len(filters) != 2 {
		t.Fatalf("filters = %v", got.Body["filters"])
	}
	first, _ := filters[0].(map[string]any)
	if first["value"] != "age > 30" {
		t.Fatalf("first filter = %v", first)
	}
}

func TestRunObjectsCommandTree(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusOK, `[]`)

	code := Run(context.Background(), []string{"-base-url", srv.URL, "-db", "warehouse", "objects", "-q", "user", "-tree"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got.Path != "/data-source/objects" {
		t.Fatalf("path = %s", got.Path)
	}
	if got.Body["flat"] != false || got.Body["query_string"] != "user" {
		t.Fatalf("body = %v", got.Body)
	}
}

func TestRunSQLDataJoinsArguments(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusOK, `{"data":[]}`)

	code := Run(context.Background(), []string{"-base-url", srv.URL, "sql-data", "SELECT", "*", "FROM", "users"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got.Path != "/data-source/sql-object-data" {
		t.Fatalf("path = %s", got.Path)
	}
	if got.Body["sql_text"] != "SELECT * FROM users" {
		t.Fatalf("sql_text = %v", got.Body["sql_text"])
	}
}

func TestRunExportStatusCommand(t *testing.T) {
	srv, got := newCaptureServer(t, http.StatusAccepted, ``)

	code := Run(context.Background(), []string{"-base-url", srv.URL, "export-status", "abc123"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got.Method != http.MethodGet || got.Path != "/data-source/parquet/queue/abc123" {
		t.Fatalf("request = %s %s", got.Method, got.Path)
	}
}

func TestRunReturnsErrorForHTTPFailure(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusBadRequest, `{"error":{"code":"TABLE_NOT_FOUND"}}`)

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "object-meta", "public.missing"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "http 400") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	cases := [][]string{
		{},
		{"unknown"},
		{"object-meta"},
		{"export-status"},
	}
	for _, args := range cases {
		var stderr bytes.Buffer
		if code := Run(context.Background(), args, Options{Stderr: &stderr}); code != 2 {
			t.Fatalf("Run(%v) exit code = %d, want 2", args, code)
		}
		if !strings.Contains(stderr.String(), "usage: tablesourcectl") {
			t.Fatalf("Run(%v) stderr = %q, want usage", args, stderr.String())
		}
	}
}
