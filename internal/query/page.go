package query

import "github.com/duckmesh/tablesource/internal/record"

// Page is a row window over a materialized relation.
type Page struct {
	Limit  int
	Offset int
}

// PageFromNumber converts a 1-based page number and page size to a window.
// It returns nil when either is absent, which disables pagination.
func PageFromNumber(page, pageSize *int) *Page {
	if page == nil || pageSize == nil {
		return nil
	}
	return &Page{Limit: *pageSize, Offset: (*page - 1) * *pageSize}
}

// Paginate returns rel unchanged for a nil page. A window with a non-positive
// limit or a negative offset selects no rows.
func Paginate(rel record.Relation, page *Page) record.Relation {
	if page == nil {
		return rel
	}
	return rel.Slice(page.Offset, page.Limit)
}
