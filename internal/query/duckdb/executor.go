package duckdb

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/duckmesh/tablesource/internal/catalog"
	"github.com/duckmesh/tablesource/internal/query/sqlref"
	"github.com/duckmesh/tablesource/internal/record"
)

const defaultLoadConcurrency = 4

// Executor runs ad-hoc SQL over the tables of a data source. Each call loads
// the referenced tables into a fresh session that is torn down on return.
type Executor struct {
	Catalog         Catalog
	Loader          *Loader
	Options         SessionOptions
	LoadConcurrency int
}

func NewExecutor(cat Catalog, loader *Loader, opts SessionOptions) *Executor {
	return &Executor{Catalog: cat, Loader: loader, Options: opts, LoadConcurrency: defaultLoadConcurrency}
}

func (e *Executor) Execute(ctx context.Context, ds catalog.DataSource, sqlText string) (record.Relation, error) {
	refs, err := sqlref.Tables(sqlText)
	if err != nil {
		return record.Relation{}, err
	}

	// Listing also resolves the namespace, so a statement without table
	// references still fails for a data source that does not exist.
	objects, err := e.Catalog.ListObjects(ctx, ds, "")
	if err != nil {
		return record.Relation{}, err
	}

	// Several references may resolve to the same stored table.
	resolved := make([]int, len(refs))
	var unique []catalog.Object
	index := map[string]int{}
	for i, ref := range refs {
		object, err := resolveRef(objects, ref)
		if err != nil {
			return record.Relation{}, err
		}
		key := object.QualifiedName()
		pos, ok := index[key]
		if !ok {
			pos = len(unique)
			index[key] = pos
			unique = append(unique, object)
		}
		resolved[i] = pos
	}

	relations := make([]record.Relation, len(unique))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.loadConcurrency())
	for i, object := range unique {
		group.Go(func() error {
			rel, err := e.Loader.Load(groupCtx, ds, object.QualifiedName())
			if err != nil {
				return err
			}
			relations[i] = rel
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return record.Relation{}, err
	}

	session, err := OpenSession(ctx, e.Options)
	if err != nil {
		return record.Relation{}, err
	}
	defer func() { _ = session.Close() }()

	for i, ref := range refs {
		if err := session.Register(ctx, ref.Schema, ref.Name, relations[resolved[i]]); err != nil {
			return record.Relation{}, err
		}
	}
	if err := session.DisableExternalAccess(ctx); err != nil {
		return record.Relation{}, err
	}

	rel, err := session.Query(ctx, stripTrailingSemicolons(sqlText))
	if err != nil {
		if catalog.IsKnown(err) {
			return record.Relation{}, err
		}
		return record.Relation{}, fmt.Errorf("%w: %v", catalog.ErrQuery, err)
	}
	return rel, nil
}

func (e *Executor) loadConcurrency() int {
	if e.LoadConcurrency <= 0 {
		return defaultLoadConcurrency
	}
	return e.LoadConcurrency
}

// resolveRef matches a reference by bare table name. A schema-qualified
// reference prefers the object in that schema; otherwise the first object in
// listing order wins.
func resolveRef(objects []catalog.Object, ref sqlref.Ref) (catalog.Object, error) {
	var first *catalog.Object
	for i := range objects {
		if objects[i].Name != ref.Name {
			continue
		}
		if ref.Schema == "" || objects[i].SchemaName == ref.Schema {
			return objects[i], nil
		}
		if first == nil {
			first = &objects[i]
		}
	}
	if first != nil {
		return *first, nil
	}
	return catalog.Object{}, fmt.Errorf("%w: %q is not in the data source", catalog.ErrTableNotFound, ref.Name)
}
