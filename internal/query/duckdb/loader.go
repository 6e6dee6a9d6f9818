package duckdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/duckmesh/tablesource/internal/catalog"
	"github.com/duckmesh/tablesource/internal/record"
	"github.com/duckmesh/tablesource/internal/storage"
)

// Catalog is the part of the catalog resolver the query layer depends on.
type Catalog interface {
	ListObjects(ctx context.Context, ds catalog.DataSource, filter string) ([]catalog.Object, error)
	LocateTable(ctx context.Context, ds catalog.DataSource, schema, table string) (catalog.TableLocation, error)
}

// Loader materializes stored tables. JSON records are decoded as stored;
// parquet and CSV objects are staged locally and read through a throwaway
// DuckDB session.
type Loader struct {
	Catalog Catalog
	Store   storage.ObjectStore
	Options SessionOptions
}

func NewLoader(cat Catalog, store storage.ObjectStore, opts SessionOptions) *Loader {
	return &Loader{Catalog: cat, Store: store, Options: opts}
}

// Load reads every record of the table named "schema.table".
func (l *Loader) Load(ctx context.Context, ds catalog.DataSource, qualifiedName string) (record.Relation, error) {
	schema, table, err := catalog.SplitQualifiedName(qualifiedName)
	if err != nil {
		return record.Relation{}, err
	}
	if l.Catalog == nil || l.Store == nil {
		return record.Relation{}, fmt.Errorf("loader is not configured")
	}
	location, err := l.Catalog.LocateTable(ctx, ds, schema, table)
	if err != nil {
		return record.Relation{}, err
	}
	return l.LoadLocation(ctx, location)
}

func (l *Loader) LoadLocation(ctx context.Context, location catalog.TableLocation) (record.Relation, error) {
	reader, err := l.Store.Get(ctx, location.Key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return record.Relation{}, fmt.Errorf("%w: table %q", catalog.ErrNotFound, location.Object.QualifiedName())
		}
		return record.Relation{}, fmt.Errorf("get object %q: %w", location.Key, err)
	}
	defer func() { _ = reader.Close() }()

	switch location.Format {
	case catalog.FormatJSON, catalog.FormatNDJSON:
		rel, err := decodeRecords(reader, location.Format, l.Options.MaxRows)
		if err != nil {
			return record.Relation{}, fmt.Errorf("read table %q: %w", location.Object.QualifiedName(), err)
		}
		return rel, nil
	case catalog.FormatParquet, catalog.FormatCSV:
	default:
		return record.Relation{}, fmt.Errorf("unsupported table format %q", location.Format)
	}

	session, err := OpenSession(ctx, l.Options)
	if err != nil {
		return record.Relation{}, err
	}
	defer func() { _ = session.Close() }()

	localPath := filepath.Join(session.WorkDir(), "table."+string(location.Format))
	if err := writeFile(localPath, reader); err != nil {
		return record.Relation{}, fmt.Errorf("write local file %q: %w", localPath, err)
	}

	source := fmt.Sprintf("read_parquet(%s)", quoteString(localPath))
	if location.Format == catalog.FormatCSV {
		source = fmt.Sprintf("read_csv_auto(%s, header = true)", quoteString(localPath))
	}
	rel, err := session.Query(ctx, "SELECT * FROM "+source)
	if err != nil {
		if catalog.IsKnown(err) {
			return record.Relation{}, err
		}
		return record.Relation{}, fmt.Errorf("%w: read table %q: %v", catalog.ErrQuery, location.Object.QualifiedName(), err)
	}
	return rel, nil
}
