// Package filter compiles and evaluates boolean predicate trees over the
// contextualized event stream. Field accessors are resolved against the
// field catalog once at compile time; evaluation is a short-circuiting tree
// walk with no side effects.
package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle"
	"github.com/alecthomas/participle/lexer"
)

var filterLexer = lexer.Must(lexer.Regexp(
	`(?P<Whitespace>\s+)` +
		`|(?P<Field>[a-z_]+\.[a-z_][a-z_.0-9]*)` +
		`|(?P<Number>-?\d+)` +
		`|(?P<String>"(?:\\.|[^"])*")` +
		`|(?P<Operator><=|>=|!=|=|<|>|\(|\)|,)` +
		`|(?P<Word>[^\s(),"]+)`,
))

var filterParser = participle.MustBuild(&Expression{},
	participle.Lexer(filterLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
	participle.CaseInsensitive("Word"),
)

// Expression is the root of the predicate tree: or-combined terms.
type Expression struct {
	Left  *AndExpression   `parser:"@@"`
	Right []*AndExpression `parser:"( \"or\":Word @@ )*"`
}

// AndExpression is a chain of and-combined unary terms.
type AndExpression struct {
	Left  *UnaryExpression   `parser:"@@"`
	Right []*UnaryExpression `parser:"( \"and\":Word @@ )*"`
}

// UnaryExpression is an optionally negated primary.
type UnaryExpression struct {
	Not  *UnaryExpression `parser:"\"not\":Word @@"`
	Term *Primary         `parser:"| @@"`
}

// Primary is a parenthesized subexpression or a leaf comparison.
type Primary struct {
	Sub  *Expression `parser:"\"(\" @@ \")\""`
	Comp *Comparison `parser:"| @@"`
}

// Comparison is one leaf: a field, an operator and a literal or literal set.
type Comparison struct {
	Field  string     `parser:"@Field"`
	Exists bool       `parser:"( @\"exists\":Word"`
	In     []*Literal `parser:"| \"in\":Word \"(\" @@ ( \",\" @@ )* \")\""`
	Op     string     `parser:"| @( \"<=\" | \">=\" | \"!=\" | \"=\" | \"<\" | \">\" | \"contains\":Word | \"icontains\":Word | \"startswith\":Word )"`
	Value  *Literal   `parser:"  @@ )"`
}

// Literal is a quoted string, an integer or a bare word.
type Literal struct {
	Str  *string `parser:"@String"`
	Num  *int64  `parser:"| @Number"`
	Word *string `parser:"| @( Word | Field )"`
}

// ParseExpression parses a filter expression into its predicate tree.
func ParseExpression(expr string) (*Expression, error) {
	ast := &Expression{}
	if err := filterParser.ParseString(expr, ast); err != nil {
		return nil, fmt.Errorf("parsing filter %q: %w", expr, err)
	}
	return ast, nil
}

// The String methods re-serialize the tree into an expression that parses
// and evaluates identically.

func (e *Expression) String() string {
	parts := make([]string, 0, 1+len(e.Right))
	parts = append(parts, e.Left.String())
	for _, r := range e.Right {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, " or ")
}

func (e *AndExpression) String() string {
	parts := make([]string, 0, 1+len(e.Right))
	parts = append(parts, e.Left.String())
	for _, r := range e.Right {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, " and ")
}

func (e *UnaryExpression) String() string {
	if e.Not != nil {
		return "not " + e.Not.String()
	}
	return e.Term.String()
}

func (p *Primary) String() string {
	if p.Sub != nil {
		return "(" + p.Sub.String() + ")"
	}
	return p.Comp.String()
}

func (c *Comparison) String() string {
	switch {
	case c.Exists:
		return c.Field + " exists"
	case len(c.In) > 0:
		vals := make([]string, len(c.In))
		for i, l := range c.In {
			vals[i] = l.String()
		}
		return c.Field + " in (" + strings.Join(vals, ", ") + ")"
	default:
		return c.Field + " " + c.Op + " " + c.Value.String()
	}
}

func (l *Literal) String() string {
	switch {
	case l.Str != nil:
		return strconv.Quote(*l.Str)
	case l.Num != nil:
		return strconv.FormatInt(*l.Num, 10)
	case l.Word != nil:
		return *l.Word
	}
	return ""
}

// text returns the literal as its raw string form, for string comparisons.
func (l *Literal) text() (string, bool) {
	switch {
	case l.Str != nil:
		return *l.Str, true
	case l.Word != nil:
		return *l.Word, true
	case l.Num != nil:
		return strconv.FormatInt(*l.Num, 10), true
	}
	return "", false
}

// integer returns the literal as an int64, when it is one.
func (l *Literal) integer() (int64, bool) {
	switch {
	case l.Num != nil:
		return *l.Num, true
	case l.Word != nil:
		v, err := strconv.ParseInt(*l.Word, 10, 64)
		return v, err == nil
	case l.Str != nil:
		v, err := strconv.ParseInt(*l.Str, 10, 64)
		return v, err == nil
	}
	return 0, false
}
