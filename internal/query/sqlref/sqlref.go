// Package sqlref extracts the table references of a read-only SQL statement.
//
// Statements are parsed with a MySQL-dialect grammar. Double-quoted text is
// read as an identifier, as DuckDB does, by rewriting it to backtick quotes
// before parsing. WITH clauses and :: casts are not understood.
package sqlref

import (
	"fmt"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/duckmesh/tablesource/internal/catalog"
)

// Ref is one table referenced by a statement. Schema is empty for bare names.
type Ref struct {
	Schema string
	Name   string
}

// SQLName is the name under which the statement addresses the table.
func (r Ref) SQLName() string {
	if r.Schema == "" {
		return r.Name
	}
	return r.Schema + "." + r.Name
}

// Tables parses sqlText and returns its distinct table references in order of
// first appearance. Only SELECT and UNION statements are accepted.
func Tables(sqlText string) ([]Ref, error) {
	if strings.TrimSpace(sqlText) == "" {
		return nil, fmt.Errorf("%w: sql text is required", catalog.ErrQuery)
	}
	quoted, err := QuoteIdentifiers(sqlText)
	if err != nil {
		return nil, err
	}
	stmt, err := sqlparser.Parse(quoted)
	if err != nil {
		return nil, fmt.Errorf("%w: parse sql: %v", catalog.ErrQuery, err)
	}
	switch stmt.(type) {
	case *sqlparser.Select, *sqlparser.Union, *sqlparser.ParenSelect:
	default:
		return nil, fmt.Errorf("%w: only SELECT statements are supported", catalog.ErrQuery)
	}

	refs := make([]Ref, 0)
	seen := map[Ref]struct{}{}
	err = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		aliased, ok := node.(*sqlparser.AliasedTableExpr)
		if !ok {
			return true, nil
		}
		name, ok := aliased.Expr.(sqlparser.TableName)
		if !ok || name.Name.IsEmpty() {
			return true, nil
		}
		// A SELECT without FROM parses as FROM dual.
		if name.Qualifier.IsEmpty() && strings.EqualFold(name.Name.String(), "dual") {
			return true, nil
		}
		ref := Ref{Schema: name.Qualifier.String(), Name: name.Name.String()}
		if _, dup := seen[ref]; !dup {
			seen[ref] = struct{}{}
			refs = append(refs, ref)
		}
		return true, nil
	}, stmt)
	if err != nil {
		return nil, fmt.Errorf("%w: walk sql: %v", catalog.ErrQuery, err)
	}
	return refs, nil
}

// QuoteIdentifiers rewrites double-quoted identifiers into backtick quotes so
// the parser reads them as names rather than string literals. Single-quoted
// strings and backtick identifiers pass through unchanged.
func QuoteIdentifiers(text string) (string, error) {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		c := text[i]
		if c != '\'' && c != '`' && c != '"' {
			b.WriteByte(c)
			i++
			continue
		}
		end, err := closingQuote(text, i)
		if err != nil {
			return "", err
		}
		if c == '"' {
			name := strings.ReplaceAll(text[i+1:end], `""`, `"`)
			b.WriteByte('`')
			b.WriteString(strings.ReplaceAll(name, "`", "``"))
			b.WriteByte('`')
		} else {
			b.WriteString(text[i : end+1])
		}
		i = end + 1
	}
	return b.String(), nil
}

// closingQuote returns the index of the quote that closes the one at start.
// A doubled quote is an escaped quote.
func closingQuote(text string, start int) (int, error) {
	quote := text[start]
	for j := start + 1; j < len(text); j++ {
		switch {
		case quote == '\'' && text[j] == '\\':
			j++
		case text[j] == quote && j+1 < len(text) && text[j+1] == quote:
			j++
		case text[j] == quote:
			return j, nil
		}
	}
	return 0, fmt.Errorf("%w: unterminated %c quote at position %d", catalog.ErrQuery, quote, start+1)
}
