package duckdb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/duckmesh/tablesource/internal/catalog"
	"github.com/duckmesh/tablesource/internal/record"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func writeFile(path string, reader io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

// decodeRecords reads JSON records exactly as stored. Columns appear in the
// order keys are first seen; a row missing a key holds nil there. Numbers stay
// int64 when integral, strings are never reinterpreted.
func decodeRecords(reader io.Reader, format catalog.Format, maxRows int) (record.Relation, error) {
	buffered := bufio.NewReader(reader)
	if prefix, err := buffered.Peek(len(utf8BOM)); err == nil && bytes.Equal(prefix, utf8BOM) {
		_, _ = buffered.Discard(len(utf8BOM))
	}
	dec := json.NewDecoder(buffered)
	dec.UseNumber()

	b := &relationBuilder{index: map[string]int{}, maxRows: maxRows}
	var err error
	switch format {
	case catalog.FormatJSON:
		err = b.readArray(dec)
	case catalog.FormatNDJSON:
		err = b.readStream(dec)
	default:
		err = fmt.Errorf("unsupported record format %q", format)
	}
	if err != nil {
		return record.Relation{}, err
	}
	return b.relation(), nil
}

type relationBuilder struct {
	columns []string
	index   map[string]int
	rows    [][]any
	maxRows int
}

func (b *relationBuilder) readArray(dec *json.Decoder) error {
	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return malformed(err)
	}
	if tok != json.Delim('[') {
		return fmt.Errorf("%w: stored table is not a JSON array", catalog.ErrQuery)
	}
	for dec.More() {
		if err := b.readObject(dec); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return malformed(err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected data after the JSON array", catalog.ErrQuery)
	}
	return nil
}

func (b *relationBuilder) readStream(dec *json.Decoder) error {
	for dec.More() {
		if err := b.readObject(dec); err != nil {
			return err
		}
	}
	return nil
}

func (b *relationBuilder) readObject(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return malformed(err)
	}
	if tok != json.Delim('{') {
		return fmt.Errorf("%w: record %d is not a JSON object", catalog.ErrQuery, len(b.rows)+1)
	}
	if b.maxRows > 0 && len(b.rows) >= b.maxRows {
		return fmt.Errorf("%w: result exceeds the limit of %d rows", catalog.ErrQuery, b.maxRows)
	}

	row := make([]any, len(b.columns))
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return malformed(err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("%w: record %d has a non-string key", catalog.ErrQuery, len(b.rows)+1)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return malformed(err)
		}
		pos, seen := b.index[key]
		if !seen {
			pos = len(b.columns)
			b.index[key] = pos
			b.columns = append(b.columns, key)
		}
		for len(row) <= pos {
			row = append(row, nil)
		}
		row[pos] = record.Normalize(value)
	}
	if _, err := dec.Token(); err != nil {
		return malformed(err)
	}
	b.rows = append(b.rows, row)
	return nil
}

func (b *relationBuilder) relation() record.Relation {
	columns := b.columns
	if columns == nil {
		columns = []string{}
	}
	rows := b.rows
	if rows == nil {
		rows = [][]any{}
	}
	for i, row := range rows {
		for len(row) < len(columns) {
			row = append(row, nil)
		}
		rows[i] = row
	}
	return record.Relation{Columns: columns, Rows: rows}
}

func malformed(err error) error {
	return fmt.Errorf("%w: malformed JSON records: %v", catalog.ErrQuery, err)
}
