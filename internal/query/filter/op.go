package filter

import (
	"fmt"
	"strings"

	"github.com/duckmesh/tablesource/internal/catalog"
)

// Op is a comparison operator. The zero value is invalid.
type Op string

const (
	OpEq       Op = "="
	OpNe       Op = "<>"
	OpLt       Op = "<"
	OpLe       Op = "<="
	OpGt       Op = ">"
	OpGe       Op = ">="
	OpLike     Op = "LIKE"
	OpNotLike  Op = "NOT LIKE"
	OpILike    Op = "ILIKE"
	OpNotILike Op = "NOT ILIKE"
	OpIn       Op = "IN"
	OpNotIn    Op = "NOT IN"
)

func (o Op) valid() bool {
	switch o {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpLike, OpNotLike, OpILike, OpNotILike, OpIn, OpNotIn:
		return true
	default:
		return false
	}
}

// condition operators that do not map onto a Compare node
const (
	opBetween    = "between"
	opNotBetween = "not between"
	opIs         = "is"
	opIsNot      = "is not"
	opIsNull     = "is null"
	opIsNotNull  = "is not null"
)

var opAliases = map[string]Op{
	"=":         OpEq,
	"==":        OpEq,
	"eq":        OpEq,
	"!=":        OpNe,
	"<>":        OpNe,
	"ne":        OpNe,
	"<":         OpLt,
	"lt":        OpLt,
	"<=":        OpLe,
	"lte":       OpLe,
	">":         OpGt,
	"gt":        OpGt,
	">=":        OpGe,
	"gte":       OpGe,
	"like":      OpLike,
	"not like":  OpNotLike,
	"ilike":     OpILike,
	"not ilike": OpNotILike,
	"in":        OpIn,
	"not in":    OpNotIn,
}

// ParseOp maps a caller supplied operator onto the closed operator set.
// Matching ignores case and repeated whitespace.
func ParseOp(raw string) (Op, error) {
	op, ok := opAliases[normalizeOp(raw)]
	if !ok {
		return "", fmt.Errorf("%w: unsupported operator %q", catalog.ErrQuery, raw)
	}
	return op, nil
}

func normalizeOp(raw string) string {
	return strings.ToLower(strings.Join(strings.Fields(raw), " "))
}
