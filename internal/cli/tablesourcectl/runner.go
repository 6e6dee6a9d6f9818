package tablesourcectl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	DB         string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type request struct {
	method string
	path   string
	body   any
}

type dataSource struct {
	ID     int64          `json:"id,omitempty"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
}

type condition struct {
	Value string `json:"value"`
}

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, " AND ") }

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("tablesourcectl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "tablesource API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	db := fs.String("db", defaults.DB, "database folder of the data source")
	sourceType := fs.String("type", "files", "data source type")
	sourceID := fs.Int64("id", 0, "data source id reported in server logs")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 10s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	ds := dataSource{ID: *sourceID, Type: *sourceType, Params: map[string]any{"db": strings.TrimSpace(*db)}}
	req, err := buildRequest(fs.Arg(0), fs.Args()[1:], ds, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}
	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req, endpoint, *apiKey)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}
	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func buildRequest(command string, args []string, ds dataSource, stderr io.Writer) (request, error) {
	sub := flag.NewFlagSet(command, flag.ContinueOnError)
	sub.SetOutput(stderr)
	page := sub.Int("page", 1, "page number, starting at 1")
	pageSize := sub.Int("page-size", 20, "rows per page")
	filter := sub.String("q", "", "substring filter on table names")
	tree := sub.Bool("tree", false, "group table names by schema")
	var where stringList
	sub.Var(&where, "where", "boolean filter expression (repeatable)")

	if err := sub.Parse(args); err != nil {
		return request{}, err
	}
	arg := func(name string) (string, error) {
		value := strings.TrimSpace(strings.Join(sub.Args(), " "))
		if value == "" {
			return "", fmt.Errorf("%s requires %s", command, name)
		}
		return value, nil
	}
	conditions := make([]condition, 0, len(where))
	for _, expr := range where {
		conditions = append(conditions, condition{Value: expr})
	}

	switch strings.TrimSpace(command) {
	case "health":
		return request{method: http.MethodGet, path: "/health"}, nil
	case "ready":
		return request{method: http.MethodGet, path: "/ready"}, nil
	case "ping":
		return request{method: http.MethodPost, path: "/data-source/ping", body: ds}, nil
	case "objects":
		return request{method: http.MethodPost, path: "/data-source/objects", body: map[string]any{
			"data_source": ds, "query_string": *filter, "flat": !*tree,
		}}, nil
	case "object-meta":
		name, err := arg("<schema.table>")
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodPost, path: "/data-source/object-meta", body: map[string]any{
			"data_source": ds, "object_name": name,
		}}, nil
	case "object-data":
		name, err := arg("<schema.table>")
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodPost, path: "/data-source/object-data", body: map[string]any{
			"data_source": ds, "object_name": name, "page": *page, "page_size": *pageSize, "filters": conditions,
		}}, nil
	case "sql-meta":
		sqlText, err := arg("<sql>")
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodPost, path: "/data-source/sql-meta", body: map[string]any{
			"data_source": ds, "sql_text": sqlText,
		}}, nil
	case "sql-data":
		sqlText, err := arg("<sql>")
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodPost, path: "/data-source/sql-object-data", body: map[string]any{
			"data_source": ds, "sql_text": sqlText, "page": *page, "page_size": *pageSize, "filters": conditions,
		}}, nil
	case "export-status":
		taskID, err := arg("<task_id>")
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodGet, path: "/data-source/parquet/queue/" + taskID}, nil
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

func doRequest(ctx context.Context, client *http.Client, r request, url, apiKey string) (int, []byte, error) {
	var body io.Reader
	if r.body != nil {
		encoded, err := json.Marshal(r.body)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, url, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, payload, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(raw), "", "  "); err != nil {
		return "", false
	}
	return buf.String(), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: tablesourcectl [flags] <command> [command flags] [argument]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                      GET /health")
	_, _ = fmt.Fprintln(w, "  ready                       GET /ready")
	_, _ = fmt.Fprintln(w, "  ping                        check that -db is reachable")
	_, _ = fmt.Fprintln(w, "  objects [-q s] [-tree]      list tables")
	_, _ = fmt.Fprintln(w, "  object-meta <schema.table>  describe a table")
	_, _ = fmt.Fprintln(w, "  object-data <schema.table>  read rows (-page, -page-size, -where)")
	_, _ = fmt.Fprintln(w, "  sql-meta <sql>              describe a query result")
	_, _ = fmt.Fprintln(w, "  sql-data <sql>              run a query (-page, -page-size, -where)")
	_, _ = fmt.Fprintln(w, "  export-status <task_id>     poll a queued parquet export")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
