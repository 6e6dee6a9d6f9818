package catalog

import "github.com/duckmesh/tablesource/internal/record"

// InferObjectMeta derives column metadata from the first row of rel. An empty
// relation yields no columns. Foreign keys are never inferred.
func InferObjectMeta(rel record.Relation) ObjectMeta {
	meta := ObjectMeta{Columns: []ColumnMeta{}, ForeignKeys: []ForeignKeyMeta{}}
	if rel.Len() == 0 {
		return meta
	}
	first := rel.Rows[0]
	for i, name := range rel.Columns {
		var value any
		if i < len(first) {
			value = first[i]
		}
		kind := record.Classify(value)
		meta.Columns = append(meta.Columns, ColumnMeta{
			Name:       name,
			SourceType: kind.String(),
			SimpleType: SimpleTypeOf(kind),
		})
	}
	return meta
}

func SimpleTypeOf(kind record.Kind) SimpleType {
	switch kind {
	case record.KindInt:
		return SimpleNumber
	case record.KindFloat:
		return SimpleFloat
	case record.KindBool:
		return SimpleBool
	case record.KindTime:
		return SimpleDate
	default:
		return SimpleString
	}
}
