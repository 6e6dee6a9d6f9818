// Package filter compiles row filter conditions into a typed boolean
// expression tree and renders it as a parameterized SQL predicate.
package filter

import (
	"fmt"
	"strings"

	"github.com/duckmesh/tablesource/internal/catalog"
)

// Expr is a node of a filter expression tree.
type Expr interface {
	expr()
}

// Field references a column of the filtered relation.
type Field struct {
	Name string
}

// Literal is a scalar bound as a query parameter. A nil Value renders as NULL.
type Literal struct {
	Value any
}

// List is the right-hand side of IN and NOT IN.
type List struct {
	Items []Expr
}

type Compare struct {
	Op    Op
	Left  Expr
	Right Expr
}

type Between struct {
	Not   bool
	Value Expr
	Low   Expr
	High  Expr
}

type IsTarget string

const (
	IsNull  IsTarget = "NULL"
	IsTrue  IsTarget = "TRUE"
	IsFalse IsTarget = "FALSE"
)

type Is struct {
	Not    bool
	Value  Expr
	Target IsTarget
}

type And struct {
	Terms []Expr
}

type Or struct {
	Left  Expr
	Right Expr
}

type Not struct {
	Expr Expr
}

type ArithOp string

const (
	ArithAdd ArithOp = "+"
	ArithSub ArithOp = "-"
	ArithMul ArithOp = "*"
	ArithDiv ArithOp = "/"
	ArithMod ArithOp = "%"
)

type Arith struct {
	Op    ArithOp
	Left  Expr
	Right Expr
}

type Neg struct {
	Expr Expr
}

// Func is a call to one of the scalar functions in allowedFuncs.
type Func struct {
	Name string
	Args []Expr
}

func (Field) expr()   {}
func (Literal) expr() {}
func (List) expr()    {}
func (Compare) expr() {}
func (Between) expr() {}
func (Is) expr()      {}
func (And) expr()     {}
func (Or) expr()      {}
func (Not) expr()     {}
func (Arith) expr()   {}
func (Neg) expr()     {}
func (Func) expr()    {}

var allowedFuncs = map[string]struct{}{
	"lower":    {},
	"upper":    {},
	"length":   {},
	"trim":     {},
	"abs":      {},
	"round":    {},
	"coalesce": {},
}

// Render writes expr as a SQL predicate. Identifiers are quoted and every
// literal is returned as a positional argument.
func Render(e Expr) (string, []any, error) {
	r := &renderer{}
	if err := r.render(e); err != nil {
		return "", nil, err
	}
	return r.sb.String(), r.args, nil
}

type renderer struct {
	sb   strings.Builder
	args []any
}

func (r *renderer) render(e Expr) error {
	switch node := e.(type) {
	case Field:
		if node.Name == "" {
			return fmt.Errorf("%w: empty field name", catalog.ErrQuery)
		}
		r.sb.WriteString(QuoteIdent(node.Name))
	case Literal:
		if node.Value == nil {
			r.sb.WriteString("NULL")
			return nil
		}
		r.sb.WriteByte('?')
		r.args = append(r.args, node.Value)
	case List:
		r.sb.WriteByte('(')
		for i, item := range node.Items {
			if i > 0 {
				r.sb.WriteString(", ")
			}
			if err := r.render(item); err != nil {
				return err
			}
		}
		r.sb.WriteByte(')')
	case Compare:
		return r.renderCompare(node)
	case Between:
		r.sb.WriteByte('(')
		if err := r.render(node.Value); err != nil {
			return err
		}
		if node.Not {
			r.sb.WriteString(" NOT")
		}
		r.sb.WriteString(" BETWEEN ")
		if err := r.render(node.Low); err != nil {
			return err
		}
		r.sb.WriteString(" AND ")
		if err := r.render(node.High); err != nil {
			return err
		}
		r.sb.WriteByte(')')
	case Is:
		switch node.Target {
		case IsNull, IsTrue, IsFalse:
		default:
			return fmt.Errorf("%w: unsupported IS target %q", catalog.ErrQuery, node.Target)
		}
		r.sb.WriteByte('(')
		if err := r.render(node.Value); err != nil {
			return err
		}
		r.sb.WriteString(" IS ")
		if node.Not {
			r.sb.WriteString("NOT ")
		}
		r.sb.WriteString(string(node.Target))
		r.sb.WriteByte(')')
	case And:
		if len(node.Terms) == 0 {
			r.sb.WriteString("TRUE")
			return nil
		}
		r.sb.WriteByte('(')
		for i, term := range node.Terms {
			if i > 0 {
				r.sb.WriteString(" AND ")
			}
			if err := r.render(term); err != nil {
				return err
			}
		}
		r.sb.WriteByte(')')
	case Or:
		return r.binary(node.Left, " OR ", node.Right)
	case Not:
		r.sb.WriteString("(NOT ")
		if err := r.render(node.Expr); err != nil {
			return err
		}
		r.sb.WriteByte(')')
	case Arith:
		switch node.Op {
		case ArithAdd, ArithSub, ArithMul, ArithDiv, ArithMod:
		default:
			return fmt.Errorf("%w: unsupported arithmetic operator %q", catalog.ErrQuery, node.Op)
		}
		return r.binary(node.Left, " "+string(node.Op)+" ", node.Right)
	case Neg:
		r.sb.WriteString("(-")
		if err := r.render(node.Expr); err != nil {
			return err
		}
		r.sb.WriteByte(')')
	case Func:
		name := strings.ToLower(node.Name)
		if _, ok := allowedFuncs[name]; !ok {
			return fmt.Errorf("%w: function %q is not allowed in filters", catalog.ErrQuery, node.Name)
		}
		r.sb.WriteString(name)
		r.sb.WriteByte('(')
		for i, arg := range node.Args {
			if i > 0 {
				r.sb.WriteString(", ")
			}
			if err := r.render(arg); err != nil {
				return err
			}
		}
		r.sb.WriteByte(')')
	case nil:
		return fmt.Errorf("%w: empty expression", catalog.ErrQuery)
	default:
		return fmt.Errorf("%w: unsupported expression %T", catalog.ErrQuery, e)
	}
	return nil
}

func (r *renderer) renderCompare(node Compare) error {
	if !node.Op.valid() {
		return fmt.Errorf("%w: unsupported operator %q", catalog.ErrQuery, node.Op)
	}
	if node.Op == OpIn || node.Op == OpNotIn {
		list, ok := node.Right.(List)
		if !ok {
			return fmt.Errorf("%w: %s requires a list", catalog.ErrQuery, node.Op)
		}
		if len(list.Items) == 0 {
			// IN () is not valid SQL.
			if node.Op == OpIn {
				r.sb.WriteString("FALSE")
			} else {
				r.sb.WriteString("TRUE")
			}
			return nil
		}
	}
	return r.binary(node.Left, " "+string(node.Op)+" ", node.Right)
}

func (r *renderer) binary(left Expr, op string, right Expr) error {
	r.sb.WriteByte('(')
	if err := r.render(left); err != nil {
		return err
	}
	r.sb.WriteString(op)
	if err := r.render(right); err != nil {
		return err
	}
	r.sb.WriteByte(')')
	return nil
}

// QuoteIdent quotes value as a SQL identifier.
func QuoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
