package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/duckmesh/tablesource/internal/catalog"
	"github.com/duckmesh/tablesource/internal/query/sqlref"
)

// ParseFragment parses a raw boolean expression into an expression tree.
// Double-quoted text names a column.
// Only column references, literals, comparisons, boolean connectives,
// arithmetic and allow-listed scalar functions are accepted.
func ParseFragment(text string) (Expr, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty filter expression", catalog.ErrQuery)
	}
	quoted, err := sqlref.QuoteIdentifiers(text)
	if err != nil {
		return nil, err
	}
	stmt, err := sqlparser.Parse("select * from filter_input where " + quoted)
	if err != nil {
		return nil, fmt.Errorf("%w: parse filter %q: %v", catalog.ErrQuery, text, err)
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok || sel.Where == nil {
		return nil, fmt.Errorf("%w: filter %q is not a boolean expression", catalog.ErrQuery, text)
	}
	if len(sel.GroupBy) > 0 || sel.Having != nil || len(sel.OrderBy) > 0 || sel.Limit != nil || sel.Lock != "" {
		return nil, fmt.Errorf("%w: filter %q is not a boolean expression", catalog.ErrQuery, text)
	}
	return convert(sel.Where.Expr)
}

// decodeValue reads s as a SQL literal or a parenthesized literal list.
func decodeValue(s string) (Expr, bool) {
	if strings.TrimSpace(s) == "" {
		return nil, false
	}
	stmt, err := sqlparser.Parse("select " + s)
	if err != nil {
		return nil, false
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok || len(sel.SelectExprs) != 1 || !fromDual(sel) || sel.Where != nil {
		return nil, false
	}
	aliased, ok := sel.SelectExprs[0].(*sqlparser.AliasedExpr)
	if !ok || !aliased.As.IsEmpty() {
		return nil, false
	}
	expr, err := convert(aliased.Expr)
	if err != nil {
		return nil, false
	}
	switch typed := expr.(type) {
	case Literal:
		return typed, true
	case List:
		for _, item := range typed.Items {
			if _, ok := item.(Literal); !ok {
				return nil, false
			}
		}
		return typed, true
	default:
		return nil, false
	}
}

func fromDual(sel *sqlparser.Select) bool {
	if len(sel.From) != 1 {
		return false
	}
	aliased, ok := sel.From[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return false
	}
	name, ok := aliased.Expr.(sqlparser.TableName)
	return ok && name.Qualifier.IsEmpty() && strings.EqualFold(name.Name.String(), "dual")
}

func convert(node sqlparser.Expr) (Expr, error) {
	switch typed := node.(type) {
	case *sqlparser.AndExpr:
		left, right, err := convertPair(typed.Left, typed.Right)
		if err != nil {
			return nil, err
		}
		return And{Terms: []Expr{left, right}}, nil
	case *sqlparser.OrExpr:
		left, right, err := convertPair(typed.Left, typed.Right)
		if err != nil {
			return nil, err
		}
		return Or{Left: left, Right: right}, nil
	case *sqlparser.NotExpr:
		inner, err := convert(typed.Expr)
		if err != nil {
			return nil, err
		}
		return Not{Expr: inner}, nil
	case *sqlparser.ParenExpr:
		return convert(typed.Expr)
	case *sqlparser.ComparisonExpr:
		return convertComparison(typed)
	case *sqlparser.RangeCond:
		value, err := convert(typed.Left)
		if err != nil {
			return nil, err
		}
		low, high, err := convertPair(typed.From, typed.To)
		if err != nil {
			return nil, err
		}
		switch typed.Operator {
		case sqlparser.BetweenStr:
			return Between{Value: value, Low: low, High: high}, nil
		case sqlparser.NotBetweenStr:
			return Between{Not: true, Value: value, Low: low, High: high}, nil
		}
		return nil, fmt.Errorf("%w: unsupported range operator %q", catalog.ErrQuery, typed.Operator)
	case *sqlparser.IsExpr:
		value, err := convert(typed.Expr)
		if err != nil {
			return nil, err
		}
		switch typed.Operator {
		case sqlparser.IsNullStr:
			return Is{Value: value, Target: IsNull}, nil
		case sqlparser.IsNotNullStr:
			return Is{Not: true, Value: value, Target: IsNull}, nil
		case sqlparser.IsTrueStr:
			return Is{Value: value, Target: IsTrue}, nil
		case sqlparser.IsNotTrueStr:
			return Is{Not: true, Value: value, Target: IsTrue}, nil
		case sqlparser.IsFalseStr:
			return Is{Value: value, Target: IsFalse}, nil
		case sqlparser.IsNotFalseStr:
			return Is{Not: true, Value: value, Target: IsFalse}, nil
		}
		return nil, fmt.Errorf("%w: unsupported IS operator %q", catalog.ErrQuery, typed.Operator)
	case *sqlparser.ColName:
		if !typed.Qualifier.IsEmpty() {
			return nil, fmt.Errorf("%w: qualified column %q is not supported in filters", catalog.ErrQuery, sqlparser.String(typed))
		}
		return Field{Name: typed.Name.String()}, nil
	case *sqlparser.SQLVal:
		return convertSQLVal(typed)
	case *sqlparser.NullVal:
		return Literal{}, nil
	case sqlparser.BoolVal:
		return Literal{Value: bool(typed)}, nil
	case sqlparser.ValTuple:
		items := make([]Expr, 0, len(typed))
		for _, item := range typed {
			converted, err := convert(item)
			if err != nil {
				return nil, err
			}
			items = append(items, converted)
		}
		return List{Items: items}, nil
	case *sqlparser.BinaryExpr:
		op, ok := arithOps[typed.Operator]
		if !ok {
			return nil, fmt.Errorf("%w: unsupported operator %q", catalog.ErrQuery, typed.Operator)
		}
		left, right, err := convertPair(typed.Left, typed.Right)
		if err != nil {
			return nil, err
		}
		return Arith{Op: op, Left: left, Right: right}, nil
	case *sqlparser.UnaryExpr:
		inner, err := convert(typed.Expr)
		if err != nil {
			return nil, err
		}
		switch typed.Operator {
		case sqlparser.UPlusStr:
			return inner, nil
		case sqlparser.UMinusStr:
			if lit, ok := inner.(Literal); ok {
				switch v := lit.Value.(type) {
				case int64:
					return Literal{Value: -v}, nil
				case float64:
					return Literal{Value: -v}, nil
				}
			}
			return Neg{Expr: inner}, nil
		}
		return nil, fmt.Errorf("%w: unsupported unary operator %q", catalog.ErrQuery, typed.Operator)
	case *sqlparser.FuncExpr:
		return convertFunc(typed)
	default:
		return nil, fmt.Errorf("%w: unsupported filter expression %q", catalog.ErrQuery, sqlparser.String(node))
	}
}

var arithOps = map[string]ArithOp{
	sqlparser.PlusStr:  ArithAdd,
	sqlparser.MinusStr: ArithSub,
	sqlparser.MultStr:  ArithMul,
	sqlparser.DivStr:   ArithDiv,
	sqlparser.ModStr:   ArithMod,
}

var comparisonOps = map[string]Op{
	sqlparser.EqualStr:        OpEq,
	sqlparser.NotEqualStr:     OpNe,
	sqlparser.LessThanStr:     OpLt,
	sqlparser.LessEqualStr:    OpLe,
	sqlparser.GreaterThanStr:  OpGt,
	sqlparser.GreaterEqualStr: OpGe,
	sqlparser.LikeStr:         OpLike,
	sqlparser.NotLikeStr:      OpNotLike,
	sqlparser.InStr:           OpIn,
	sqlparser.NotInStr:        OpNotIn,
}

func convertComparison(node *sqlparser.ComparisonExpr) (Expr, error) {
	op, ok := comparisonOps[node.Operator]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported operator %q", catalog.ErrQuery, node.Operator)
	}
	if node.Escape != nil {
		return nil, fmt.Errorf("%w: LIKE ... ESCAPE is not supported in filters", catalog.ErrQuery)
	}
	left, right, err := convertPair(node.Left, node.Right)
	if err != nil {
		return nil, err
	}
	if op == OpIn || op == OpNotIn {
		if _, ok := right.(List); !ok {
			return nil, fmt.Errorf("%w: %s requires a value list", catalog.ErrQuery, op)
		}
	}
	return Compare{Op: op, Left: left, Right: right}, nil
}

func convertFunc(node *sqlparser.FuncExpr) (Expr, error) {
	name := strings.ToLower(node.Name.String())
	if _, ok := allowedFuncs[name]; !ok || !node.Qualifier.IsEmpty() || node.Distinct {
		return nil, fmt.Errorf("%w: function %q is not allowed in filters", catalog.ErrQuery, sqlparser.String(node))
	}
	args := make([]Expr, 0, len(node.Exprs))
	for _, selectExpr := range node.Exprs {
		aliased, ok := selectExpr.(*sqlparser.AliasedExpr)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported argument in %q", catalog.ErrQuery, sqlparser.String(node))
		}
		arg, err := convert(aliased.Expr)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return Func{Name: name, Args: args}, nil
}

func convertSQLVal(node *sqlparser.SQLVal) (Expr, error) {
	raw := string(node.Val)
	switch node.Type {
	case sqlparser.StrVal:
		return Literal{Value: raw}, nil
	case sqlparser.IntVal:
		if value, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return Literal{Value: value}, nil
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %q", catalog.ErrQuery, raw)
		}
		return Literal{Value: value}, nil
	case sqlparser.FloatVal:
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %q", catalog.ErrQuery, raw)
		}
		return Literal{Value: value}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported literal %q", catalog.ErrQuery, sqlparser.String(node))
	}
}

func convertPair(left, right sqlparser.Expr) (Expr, Expr, error) {
	l, err := convert(left)
	if err != nil {
		return nil, nil, err
	}
	r, err := convert(right)
	if err != nil {
		return nil, nil, err
	}
	return l, r, nil
}
