// Package record holds the in-memory row set shared by the loader, the query
// executor, the filter engine and the pager.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Relation is a materialized, ordered row set. Every value in Rows is one of
// the normalized kinds produced by Normalize.
type Relation struct {
	Columns []string
	Rows    [][]any
}

func (r Relation) Len() int {
	return len(r.Rows)
}

// Slice returns rows [offset, offset+limit) clamped to the relation bounds.
// Columns are shared with the receiver.
func (r Relation) Slice(offset, limit int) Relation {
	out := Relation{Columns: r.Columns, Rows: [][]any{}}
	if offset < 0 || limit <= 0 || offset >= len(r.Rows) {
		return out
	}
	end := offset + limit
	if end > len(r.Rows) || end < offset {
		end = len(r.Rows)
	}
	out.Rows = r.Rows[offset:end]
	return out
}

// Project keeps only the named columns, in the given order. Unknown names are
// reported as an error.
func (r Relation) Project(columns []string) (Relation, error) {
	if len(columns) == 0 {
		return r, nil
	}
	index := make(map[string]int, len(r.Columns))
	for i, name := range r.Columns {
		index[name] = i
	}
	positions := make([]int, 0, len(columns))
	for _, name := range columns {
		pos, ok := index[name]
		if !ok {
			return Relation{}, fmt.Errorf("unknown column %q", name)
		}
		positions = append(positions, pos)
	}
	rows := make([][]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		projected := make([]any, len(positions))
		for i, pos := range positions {
			if pos < len(row) {
				projected[i] = row[pos]
			}
		}
		rows = append(rows, projected)
	}
	return Relation{Columns: append([]string(nil), columns...), Rows: rows}, nil
}

// MarshalJSON renders the relation as an array of objects whose keys keep the
// column order.
func (r Relation) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	keys := make([][]byte, len(r.Columns))
	for i, name := range r.Columns {
		encoded, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		keys[i] = encoded
	}
	for rowIndex, row := range r.Rows {
		if rowIndex > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for i := range r.Columns {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(keys[i])
			buf.WriteByte(':')
			var value any
			if i < len(row) {
				value = row[i]
			}
			encoded, err := json.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("encode column %q: %w", r.Columns[i], err)
			}
			buf.Write(encoded)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}
