package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/duckmesh/tablesource/internal/auth"
	"github.com/duckmesh/tablesource/internal/catalog"
	"github.com/duckmesh/tablesource/internal/export"
	"github.com/duckmesh/tablesource/internal/query"
)

const (
	defaultPage     = 1
	defaultPageSize = 20
)

type dataHandlers struct {
	deps       Dependencies
	retryAfter time.Duration
}

type objectsRequest struct {
	DataSource  catalog.DataSource `json:"data_source"`
	QueryString string             `json:"query_string"`
	Flat        *bool              `json:"flat"`
}

type objectRequest struct {
	DataSource catalog.DataSource      `json:"data_source"`
	ObjectName string                  `json:"object_name"`
	SQLText    string                  `json:"sql_text"`
	Page       pageParam               `json:"page"`
	PageSize   pageParam               `json:"page_size"`
	Filters    []query.FilterCondition `json:"filters"`
}

func (h *dataHandlers) ping(w http.ResponseWriter, r *http.Request) {
	// The body is the data source itself.
	var ds catalog.DataSource
	if !h.read(w, r, &ds) {
		return
	}
	if err := h.deps.Data.Ping(r.Context(), ds); err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (h *dataHandlers) objects(w http.ResponseWriter, r *http.Request) {
	var req objectsRequest
	if !h.read(w, r, &req) {
		return
	}
	if req.Flat != nil && !*req.Flat {
		tree, err := h.deps.Data.ListHierarchy(r.Context(), req.DataSource, req.QueryString)
		if err != nil {
			writeServiceError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, tree)
		return
	}
	objects, err := h.deps.Data.ListObjects(r.Context(), req.DataSource, req.QueryString)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, objects)
}

func (h *dataHandlers) objectMeta(w http.ResponseWriter, r *http.Request) {
	var req objectRequest
	if !h.read(w, r, &req) {
		return
	}
	meta, err := h.deps.Data.GetObjectMeta(r.Context(), req.DataSource, req.ObjectName)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (h *dataHandlers) objectData(w http.ResponseWriter, r *http.Request) {
	var req objectRequest
	if !h.read(w, r, &req) {
		return
	}
	page, ok := pageFromRequest(w, r, req)
	if !ok {
		return
	}
	rows, err := h.deps.Data.GetObjectRows(r.Context(), req.DataSource, req.ObjectName, page, req.Filters)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

func (h *dataHandlers) sqlMeta(w http.ResponseWriter, r *http.Request) {
	var req objectRequest
	if !h.read(w, r, &req) {
		return
	}
	meta, err := h.deps.Data.GetSQLMeta(r.Context(), req.DataSource, req.SQLText)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (h *dataHandlers) sqlObjectData(w http.ResponseWriter, r *http.Request) {
	var req objectRequest
	if !h.read(w, r, &req) {
		return
	}
	page, ok := pageFromRequest(w, r, req)
	if !ok {
		return
	}
	rows, err := h.deps.Data.GetSQLRows(r.Context(), req.DataSource, req.SQLText, page, req.Filters)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": rows})
}

func (h *dataHandlers) parquet(w http.ResponseWriter, r *http.Request) {
	if h.deps.Exports == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "parquet export is not configured", false, nil)
		return
	}
	var req export.Request
	if !h.begin(w, r, auth.RoleDataExporter, &req) {
		return
	}

	if req.Object.DataSource.Async() {
		taskID, err := h.deps.Exports.Submit(r.Context(), req)
		if err != nil {
			writeServiceError(r.Context(), w, err)
			return
		}
		h.setPollHeaders(w, taskID)
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "status": string(export.TaskStarted)})
		return
	}

	result, err := h.deps.Exports.Export(r.Context(), req)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *dataHandlers) parquetStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Exports == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "EXPORT_NOT_CONFIGURED", "parquet export is not configured", false, nil)
		return
	}
	if err := auth.RequireRole(r.Context(), auth.RoleDataExporter); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return
	}

	taskID := strings.TrimSpace(r.PathValue("task_id"))
	status, err := h.deps.Exports.Status(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, export.ErrTaskNotFound) {
			writeError(r.Context(), w, http.StatusNotFound, "TASK_NOT_FOUND", "export task not found", false, map[string]any{"task_id": taskID})
			return
		}
		writeServiceError(r.Context(), w, err)
		return
	}

	switch status.State {
	case export.TaskStarted:
		h.setPollHeaders(w, taskID)
		writeJSON(w, http.StatusAccepted, map[string]any{"task_id": taskID, "status": string(status.State)})
	case export.TaskFinished:
		if err := h.deps.Exports.Clear(r.Context(), taskID); err != nil {
			writeServiceError(r.Context(), w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "status": string(status.State)})
	case export.TaskFailed:
		writeError(r.Context(), w, http.StatusInternalServerError, "EXPORT_FAILED", status.Message, false, map[string]any{"task_id": taskID})
	default:
		writeError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "unknown export task state "+strconv.Quote(string(status.State)), false, map[string]any{"task_id": taskID})
	}
}

func (h *dataHandlers) read(w http.ResponseWriter, r *http.Request, dst any) bool {
	if h.deps.Data == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DATA_NOT_CONFIGURED", "data source service is not configured", false, nil)
		return false
	}
	return h.begin(w, r, auth.RoleDataReader, dst)
}

// begin checks the role and decodes the body. It writes the error response
// and returns false when the request cannot proceed.
func (h *dataHandlers) begin(w http.ResponseWriter, r *http.Request, role string, dst any) bool {
	if err := auth.RequireRole(r.Context(), role); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return false
	}
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid request body", false, map[string]any{"details": err.Error()})
		return false
	}
	return true
}

func (h *dataHandlers) setPollHeaders(w http.ResponseWriter, taskID string) {
	w.Header().Set("Location", "data-source/parquet/queue/"+taskID)
	retryAfter := h.retryAfter
	if retryAfter <= 0 {
		retryAfter = 500 * time.Millisecond
	}
	w.Header().Set("Retry-After", strconv.FormatFloat(retryAfter.Seconds(), 'f', -1, 64))
}

// pageParam tells an omitted paging field (use the default) from an explicit
// null (return every row).
type pageParam struct {
	present bool
	value   *int
}

func (p *pageParam) UnmarshalJSON(data []byte) error {
	p.present = true
	p.value = nil
	if string(data) == "null" {
		return nil
	}
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	p.value = &v
	return nil
}

func (p pageParam) resolve(fallback int) (int, bool) {
	if !p.present {
		return fallback, true
	}
	if p.value == nil {
		return 0, false
	}
	return *p.value, true
}

func pageFromRequest(w http.ResponseWriter, r *http.Request, req objectRequest) (*query.Page, bool) {
	page, hasPage := req.Page.resolve(defaultPage)
	pageSize, hasSize := req.PageSize.resolve(defaultPageSize)
	if !hasPage || !hasSize {
		return nil, true
	}
	if page < 1 || pageSize < 1 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_PAGINATION", "page and page_size must be at least 1", false,
			map[string]any{"page": page, "page_size": pageSize})
		return nil, false
	}
	return query.PageFromNumber(&page, &pageSize), true
}
