package filter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/duckmesh/tablesource/internal/catalog"
	"github.com/duckmesh/tablesource/internal/query"
	"github.com/duckmesh/tablesource/internal/record"
)

// Compile joins conditions, in order, into a single conjunction.
func Compile(conditions []query.FilterCondition) (Expr, error) {
	terms := make([]Expr, 0, len(conditions))
	for i, condition := range conditions {
		term, err := compileCondition(condition)
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i+1, err)
		}
		terms = append(terms, term)
	}
	return And{Terms: terms}, nil
}

// Predicate compiles and renders conditions in one step.
func Predicate(conditions []query.FilterCondition) (string, []any, error) {
	expr, err := Compile(conditions)
	if err != nil {
		return "", nil, err
	}
	return Render(expr)
}

func compileCondition(condition query.FilterCondition) (Expr, error) {
	if condition.Raw() {
		text, ok := condition.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: a filter without field_name needs an expression string", catalog.ErrQuery)
		}
		return ParseFragment(text)
	}

	field := Field{Name: condition.FieldName}
	opText := normalizeOp(condition.Operator)
	if opText == "" {
		opText = "="
	}

	switch opText {
	case opIsNull:
		return Is{Value: field, Target: IsNull}, nil
	case opIsNotNull:
		return Is{Not: true, Value: field, Target: IsNull}, nil
	case opIs, opIsNot:
		target, err := isTarget(condition.Value)
		if err != nil {
			return nil, err
		}
		return Is{Not: opText == opIsNot, Value: field, Target: target}, nil
	case opBetween, opNotBetween:
		low, high, err := bounds(condition.Value)
		if err != nil {
			return nil, err
		}
		return Between{Not: opText == opNotBetween, Value: field, Low: low, High: high}, nil
	}

	op, err := ParseOp(opText)
	if err != nil {
		return nil, err
	}
	if op == OpIn || op == OpNotIn {
		list, err := listValue(condition.Value)
		if err != nil {
			return nil, err
		}
		return Compare{Op: op, Left: field, Right: list}, nil
	}

	right, err := scalarValue(condition.Value)
	if err != nil {
		return nil, err
	}
	if lit, ok := right.(Literal); ok && lit.Value == nil {
		switch op {
		case OpEq:
			return Is{Value: field, Target: IsNull}, nil
		case OpNe:
			return Is{Not: true, Value: field, Target: IsNull}, nil
		}
	}
	return Compare{Op: op, Left: field, Right: right}, nil
}

// scalarValue turns a condition value into a literal. Strings that spell a
// SQL literal ('abc', 42, 1.5, true, null) are decoded; any other string is
// compared as-is.
func scalarValue(value any) (Expr, error) {
	switch typed := value.(type) {
	case nil:
		return Literal{}, nil
	case string:
		if decoded, ok := decodeValue(typed); ok {
			if lit, ok := decoded.(Literal); ok {
				return lit, nil
			}
		}
		return Literal{Value: typed}, nil
	case json.Number:
		return Literal{Value: record.Normalize(typed)}, nil
	case []any, map[string]any:
		return nil, fmt.Errorf("%w: value %v is not a scalar", catalog.ErrQuery, typed)
	default:
		return Literal{Value: record.Normalize(typed)}, nil
	}
}

func listValue(value any) (List, error) {
	switch typed := value.(type) {
	case []any:
		items := make([]Expr, 0, len(typed))
		for _, item := range typed {
			lit, err := scalarValue(item)
			if err != nil {
				return List{}, err
			}
			items = append(items, lit)
		}
		return List{Items: items}, nil
	case string:
		if decoded, ok := decodeValue(typed); ok {
			if list, ok := decoded.(List); ok {
				return list, nil
			}
		}
	}
	single, err := scalarValue(value)
	if err != nil {
		return List{}, err
	}
	return List{Items: []Expr{single}}, nil
}

var betweenSep = regexp.MustCompile(`(?i)\s+and\s+`)

// bounds reads BETWEEN bounds from a two element list or from "low AND high".
func bounds(value any) (Expr, Expr, error) {
	var items []Expr
	switch typed := value.(type) {
	case []any:
		for _, item := range typed {
			lit, err := scalarValue(item)
			if err != nil {
				return nil, nil, err
			}
			items = append(items, lit)
		}
	case string:
		if parts := betweenSep.Split(typed, 2); len(parts) == 2 {
			for _, part := range parts {
				lit, err := scalarValue(strings.TrimSpace(part))
				if err != nil {
					return nil, nil, err
				}
				items = append(items, lit)
			}
		}
	}
	if len(items) != 2 {
		return nil, nil, fmt.Errorf("%w: BETWEEN needs exactly two bounds", catalog.ErrQuery)
	}
	return items[0], items[1], nil
}

func isTarget(value any) (IsTarget, error) {
	switch typed := value.(type) {
	case nil:
		return IsNull, nil
	case bool:
		if typed {
			return IsTrue, nil
		}
		return IsFalse, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "null":
			return IsNull, nil
		case "true":
			return IsTrue, nil
		case "false":
			return IsFalse, nil
		}
	}
	return "", fmt.Errorf("%w: IS expects null, true or false, got %v", catalog.ErrQuery, value)
}
