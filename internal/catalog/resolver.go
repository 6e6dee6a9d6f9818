package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/duckmesh/tablesource/internal/storage"
)

// Format identifies how a stored table is encoded.
type Format string

const (
	FormatJSON    Format = "json"
	FormatNDJSON  Format = "ndjson"
	FormatParquet Format = "parquet"
	FormatCSV     Format = "csv"
)

// extensions lists supported table extensions in lookup preference order.
var extensions = []struct {
	ext    string
	format Format
}{
	{".json", FormatJSON},
	{".ndjson", FormatNDJSON},
	{".jsonl", FormatNDJSON},
	{".parquet", FormatParquet},
	{".csv", FormatCSV},
}

func FormatForExt(ext string) (Format, bool) {
	ext = strings.ToLower(ext)
	for _, candidate := range extensions {
		if candidate.ext == ext {
			return candidate.format, true
		}
	}
	return "", false
}

func extRank(ext string) int {
	for i, candidate := range extensions {
		if candidate.ext == ext {
			return i
		}
	}
	return len(extensions)
}

// Namespace is the storage prefix that holds one data source's schemas.
type Namespace struct {
	DB string
}

// TableLocation points at the stored object backing one table.
type TableLocation struct {
	Object Object
	Key    string
	Format Format
}

type Resolver struct {
	Store storage.ObjectStore
}

func NewResolver(store storage.ObjectStore) *Resolver {
	return &Resolver{Store: store}
}

// ResolveNamespace validates params.db and checks that it exists in storage.
func (r *Resolver) ResolveNamespace(ctx context.Context, ds DataSource) (Namespace, error) {
	ns, err := namespaceFromParams(ds)
	if err != nil {
		return Namespace{}, err
	}
	if _, err := r.list(ctx, ns.DB); err != nil {
		return Namespace{}, err
	}
	return ns, nil
}

// Ping checks that the data source points at an existing namespace.
func (r *Resolver) Ping(ctx context.Context, ds DataSource) error {
	_, err := r.ResolveNamespace(ctx, ds)
	return err
}

// ListObjects enumerates the tables of every schema in the namespace. When
// filter is non-empty only tables whose name contains it are returned.
func (r *Resolver) ListObjects(ctx context.Context, ds DataSource, filter string) ([]Object, error) {
	ns, err := namespaceFromParams(ds)
	if err != nil {
		return nil, err
	}
	schemas, err := r.list(ctx, ns.DB)
	if err != nil {
		return nil, err
	}

	objects := make([]Object, 0)
	for _, schema := range schemas {
		if !schema.Dir {
			continue
		}
		entries, err := r.Store.List(ctx, ns.DB+"/"+schema.Name)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				continue
			}
			return nil, fmt.Errorf("list schema %q: %w", schema.Name, err)
		}
		seen := map[string]struct{}{}
		for _, entry := range entries {
			if entry.Dir {
				continue
			}
			name, ext := storage.SplitExt(entry.Name)
			if _, ok := FormatForExt(ext); !ok || name == "" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			if filter != "" && !strings.Contains(name, filter) {
				continue
			}
			objects = append(objects, Object{SchemaName: schema.Name, Name: name, Type: ObjectTypeTable})
		}
	}
	return objects, nil
}

// LocateTable finds the stored object for schema.table.
func (r *Resolver) LocateTable(ctx context.Context, ds DataSource, schema, table string) (TableLocation, error) {
	ns, err := r.ResolveNamespace(ctx, ds)
	if err != nil {
		return TableLocation{}, err
	}
	if storage.ValidateComponent(schema, "schema") != nil || storage.ValidateComponent(table, "table") != nil {
		return TableLocation{}, fmt.Errorf("%w: %q", ErrInvalidName, schema+"."+table)
	}
	entries, err := r.Store.List(ctx, ns.DB+"/"+schema)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return TableLocation{}, fmt.Errorf("%w: table %q in database %q", ErrNotFound, schema+"."+table, ns.DB)
		}
		return TableLocation{}, fmt.Errorf("list schema %q: %w", schema, err)
	}

	best, bestRank := "", len(extensions)
	for _, entry := range entries {
		if entry.Dir {
			continue
		}
		name, ext := storage.SplitExt(entry.Name)
		if name != table {
			continue
		}
		if _, ok := FormatForExt(ext); !ok {
			continue
		}
		if rank := extRank(ext); rank < bestRank {
			best, bestRank = entry.Name, rank
		}
	}
	if best == "" {
		return TableLocation{}, fmt.Errorf("%w: table %q in database %q", ErrNotFound, schema+"."+table, ns.DB)
	}
	_, ext := storage.SplitExt(best)
	format, _ := FormatForExt(ext)
	key, err := storage.TableKey(ns.DB, schema, table, ext)
	if err != nil {
		return TableLocation{}, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}
	return TableLocation{
		Object: Object{SchemaName: schema, Name: table, Type: ObjectTypeTable},
		Key:    key,
		Format: format,
	}, nil
}

// Hierarchy groups objects by schema, preserving listing order within each schema.
func Hierarchy(objects []Object) map[string][]string {
	out := make(map[string][]string)
	for _, object := range objects {
		out[object.SchemaName] = append(out[object.SchemaName], object.Name)
	}
	return out
}

func (r *Resolver) list(ctx context.Context, db string) ([]storage.Entry, error) {
	if r.Store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	entries, err := r.Store.List(ctx, db)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: database %q", ErrNotFound, db)
		}
		return nil, fmt.Errorf("list database %q: %w", db, err)
	}
	return entries, nil
}

func namespaceFromParams(ds DataSource) (Namespace, error) {
	raw, ok := ds.Params["db"]
	if !ok || raw == nil {
		return Namespace{}, fmt.Errorf("%w: params.db is required", ErrConfig)
	}
	db := strings.TrimSpace(fmt.Sprint(raw))
	if db == "" {
		return Namespace{}, fmt.Errorf("%w: params.db is required", ErrConfig)
	}
	if err := storage.ValidateComponent(db, "database"); err != nil {
		return Namespace{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return Namespace{DB: db}, nil
}
