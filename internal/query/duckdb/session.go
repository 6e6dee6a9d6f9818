package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	goduckdb "github.com/marcboeker/go-duckdb/v2"

	"github.com/duckmesh/tablesource/internal/catalog"
	"github.com/duckmesh/tablesource/internal/record"
)

// SessionOptions bounds one ephemeral query context.
type SessionOptions struct {
	// TempDir is where staged table files live. Empty means the OS default.
	TempDir string
	// MaxRows caps the rows a single query may materialize. Zero disables the cap.
	MaxRows int
	// MixedAsText registers columns mixing value kinds as VARCHAR instead of
	// UNION. Parquet output needs it.
	MixedAsText bool
}

// Session is an isolated in-memory DuckDB database with one connection and a
// private scratch directory. Nothing registered in one session is visible to
// another. Close releases everything.
type Session struct {
	db      *sql.DB
	conn    *sql.Conn
	workDir     string
	maxRows     int
	mixedAsText bool
}

func OpenSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	workDir, err := os.MkdirTemp(opts.TempDir, "tablesource-query-")
	if err != nil {
		return nil, fmt.Errorf("create query temp dir: %w", err)
	}

	connector, err := goduckdb.NewConnector("", nil)
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db := sql.OpenDB(connector)
	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		_ = os.RemoveAll(workDir)
		return nil, fmt.Errorf("open duckdb connection: %w", err)
	}
	return &Session{db: db, conn: conn, workDir: workDir, maxRows: opts.MaxRows, mixedAsText: opts.MixedAsText}, nil
}

func (s *Session) WorkDir() string {
	return s.workDir
}

func (s *Session) Close() error {
	var errs []error
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	errs = append(errs, os.RemoveAll(s.workDir))
	return errors.Join(errs...)
}

// DisableExternalAccess stops the session from touching files or the network
// for the rest of its life.
func (s *Session) DisableExternalAccess(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, "SET enable_external_access = false"); err != nil {
		return fmt.Errorf("disable external access: %w", err)
	}
	return nil
}

// Register materializes rel as a table named schema.name (or name when schema
// is empty). Each column gets the narrowest type that holds every value; a
// column mixing kinds becomes a UNION so values keep their kind, or VARCHAR
// when the session was opened with MixedAsText. A relation without columns is
// registered as an empty single-column table.
func (s *Session) Register(ctx context.Context, schema, name string, rel record.Relation) error {
	if schema != "" {
		if _, err := s.conn.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(schema)); err != nil {
			return fmt.Errorf("create schema %q: %w", schema, err)
		}
	}
	target := quoteIdent(name)
	if schema != "" {
		target = quoteIdent(schema) + "." + target
	}

	if len(rel.Columns) == 0 {
		createSQL := fmt.Sprintf("CREATE TABLE %s (%s %s)", target, quoteIdent(emptyColumn), typeVarchar)
		if _, err := s.conn.ExecContext(ctx, createSQL); err != nil {
			return fmt.Errorf("%w: register table %q: %v", catalog.ErrQuery, qualify(schema, name), err)
		}
		return nil
	}

	columns := columnSpecs(rel, s.mixedAsText)
	defs := make([]string, len(rel.Columns))
	for i, column := range rel.Columns {
		defs[i] = quoteIdent(column) + " " + columns[i].sqlType
	}
	if _, err := s.conn.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", target, strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("%w: register table %q: %v", catalog.ErrQuery, qualify(schema, name), err)
	}
	if rel.Len() == 0 {
		return nil
	}

	err := s.conn.Raw(func(driverConn any) error {
		conn, ok := driverConn.(driver.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection %T", driverConn)
		}
		appender, err := goduckdb.NewAppenderFromConn(conn, schema, name)
		if err != nil {
			return fmt.Errorf("create appender: %w", err)
		}
		values := make([]driver.Value, len(rel.Columns))
		for _, row := range rel.Rows {
			for i := range values {
				var value any
				if i < len(row) {
					value = row[i]
				}
				values[i] = columns[i].coerce(value)
			}
			if err := appender.AppendRow(values...); err != nil {
				_ = appender.Close()
				return fmt.Errorf("append row: %w", err)
			}
		}
		return appender.Close()
	})
	if err != nil {
		return fmt.Errorf("register table %q: %w", qualify(schema, name), err)
	}
	return nil
}

// Query runs sqlText and materializes the result. It fails once the result
// grows past the session row budget.
func (s *Session) Query(ctx context.Context, sqlText string, args ...any) (record.Relation, error) {
	rows, err := s.conn.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return record.Relation{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return record.Relation{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		if s.maxRows > 0 && len(resultRows) >= s.maxRows {
			return record.Relation{}, fmt.Errorf("%w: result exceeds the limit of %d rows", catalog.ErrQuery, s.maxRows)
		}
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return record.Relation{}, fmt.Errorf("scan row: %w", err)
		}
		for i, value := range values {
			if union, ok := value.(goduckdb.Union); ok {
				values[i] = union.Value
			}
		}
		resultRows = append(resultRows, record.NormalizeRow(values))
	}
	if err := rows.Err(); err != nil {
		return record.Relation{}, fmt.Errorf("iterate rows: %w", err)
	}
	return record.Relation{Columns: columns, Rows: resultRows}, nil
}

// CopyToParquet writes the result of selecting from table into a local
// ZSTD-compressed parquet file.
func (s *Session) CopyToParquet(ctx context.Context, table, path string) error {
	copySQL := fmt.Sprintf("COPY (SELECT * FROM %s) TO %s (FORMAT PARQUET, COMPRESSION ZSTD)", quoteIdent(table), quoteString(path))
	if _, err := s.conn.ExecContext(ctx, copySQL); err != nil {
		return fmt.Errorf("write parquet %q: %w", path, err)
	}
	return nil
}

const emptyColumn = "__empty"

const (
	typeBigint    = "BIGINT"
	typeDouble    = "DOUBLE"
	typeBoolean   = "BOOLEAN"
	typeTimestamp = "TIMESTAMP"
	typeVarchar   = "VARCHAR"
)

// unionMembers lists the UNION member for each kind, in declaration order.
var unionMembers = []struct {
	kind    record.Kind
	tag     string
	sqlType string
}{
	{record.KindInt, "i", typeBigint},
	{record.KindFloat, "f", typeDouble},
	{record.KindBool, "b", typeBoolean},
	{record.KindTime, "t", typeTimestamp},
	{record.KindString, "s", typeVarchar},
}

type columnSpec struct {
	sqlType string
	union   bool
}

func columnSpecs(rel record.Relation, mixedAsText bool) []columnSpec {
	specs := make([]columnSpec, len(rel.Columns))
	for i := range rel.Columns {
		seen := map[record.Kind]bool{}
		for _, row := range rel.Rows {
			if i < len(row) {
				if kind := record.Classify(row[i]); kind != record.KindNull {
					seen[kind] = true
				}
			}
		}
		specs[i] = widen(seen, mixedAsText)
	}
	return specs
}

func widen(seen map[record.Kind]bool, mixedAsText bool) columnSpec {
	switch {
	case len(seen) == 0:
		return columnSpec{sqlType: typeVarchar}
	case len(seen) == 1 && seen[record.KindInt]:
		return columnSpec{sqlType: typeBigint}
	case len(seen) == 1 && seen[record.KindFloat]:
		return columnSpec{sqlType: typeDouble}
	case len(seen) == 2 && seen[record.KindInt] && seen[record.KindFloat]:
		return columnSpec{sqlType: typeDouble}
	case len(seen) == 1 && seen[record.KindBool]:
		return columnSpec{sqlType: typeBoolean}
	case len(seen) == 1 && seen[record.KindTime]:
		return columnSpec{sqlType: typeTimestamp}
	case len(seen) == 1 && seen[record.KindString]:
		return columnSpec{sqlType: typeVarchar}
	case mixedAsText:
		return columnSpec{sqlType: typeVarchar}
	}
	members := make([]string, 0, len(seen))
	for _, member := range unionMembers {
		if seen[member.kind] {
			members = append(members, member.tag+" "+member.sqlType)
		}
	}
	return columnSpec{sqlType: "UNION(" + strings.Join(members, ", ") + ")", union: true}
}

func (c columnSpec) coerce(value any) driver.Value {
	if value == nil {
		return nil
	}
	kind := record.Classify(value)
	if c.union {
		for _, member := range unionMembers {
			if member.kind == kind {
				if kind == record.KindString {
					value = toText(value)
				}
				return goduckdb.Union{Tag: member.tag, Value: value}
			}
		}
	}
	switch c.sqlType {
	case typeDouble:
		if v, ok := value.(int64); ok {
			return float64(v)
		}
	case typeVarchar:
		return toText(value)
	}
	return value
}

func toText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}

func qualify(schema, name string) string {
	if schema == "" {
		return name
	}
	return schema + "." + name
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
