package filter

import (
	"fmt"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

type predicate func(*Context) bool

// CompiledFilter is a predicate tree with every field accessor resolved at
// compile time; evaluating it never touches field names again.
type CompiledFilter struct {
	expr       string
	root       predicate
	threadOnly bool
	serialized string
}

// Compile turns a filter expression into its compiled form.
func Compile(expr string) (*CompiledFilter, error) {
	ast, err := ParseExpression(expr)
	if err != nil {
		return nil, err
	}
	c := &compiler{threadOnly: true}
	root, err := c.expression(ast)
	if err != nil {
		return nil, err
	}
	return &CompiledFilter{
		expr:       expr,
		root:       root,
		threadOnly: c.threadOnly,
		serialized: ast.String(),
	}, nil
}

// Matches evaluates the filter against one contextualized event.
func (f *CompiledFilter) Matches(ctx *Context) bool {
	if ctx == nil || ctx.Env == nil {
		return false
	}
	return f.root(ctx)
}

// Expression returns the original expression string the filter was compiled
// from.
func (f *CompiledFilter) Expression() string {
	return f.expr
}

// String returns the re-serialized predicate tree; compiling it again yields
// a filter with identical match results.
func (f *CompiledFilter) String() string {
	return f.serialized
}

// ThreadTableOnly reports whether every leaf works on thread-table data
// alone, making the filter evaluable against synthetic events with no live
// argument payload.
func (f *CompiledFilter) ThreadTableOnly() bool {
	return f.threadOnly
}

type compiler struct {
	threadOnly bool
}

func (c *compiler) expression(e *Expression) (predicate, error) {
	left, err := c.andExpression(e.Left)
	if err != nil {
		return nil, err
	}
	if len(e.Right) == 0 {
		return left, nil
	}
	terms := make([]predicate, 0, 1+len(e.Right))
	terms = append(terms, left)
	for _, r := range e.Right {
		p, err := c.andExpression(r)
		if err != nil {
			return nil, err
		}
		terms = append(terms, p)
	}
	return func(ctx *Context) bool {
		for _, term := range terms {
			if term(ctx) {
				return true
			}
		}
		return false
	}, nil
}

func (c *compiler) andExpression(e *AndExpression) (predicate, error) {
	left, err := c.unary(e.Left)
	if err != nil {
		return nil, err
	}
	if len(e.Right) == 0 {
		return left, nil
	}
	terms := make([]predicate, 0, 1+len(e.Right))
	terms = append(terms, left)
	for _, r := range e.Right {
		p, err := c.unary(r)
		if err != nil {
			return nil, err
		}
		terms = append(terms, p)
	}
	return func(ctx *Context) bool {
		for _, term := range terms {
			if !term(ctx) {
				return false
			}
		}
		return true
	}, nil
}

func (c *compiler) unary(e *UnaryExpression) (predicate, error) {
	if e.Not != nil {
		inner, err := c.unary(e.Not)
		if err != nil {
			return nil, err
		}
		return func(ctx *Context) bool { return !inner(ctx) }, nil
	}
	if e.Term.Sub != nil {
		return c.expression(e.Term.Sub)
	}
	return c.comparison(e.Term.Comp)
}

func (c *compiler) comparison(cmp *Comparison) (predicate, error) {
	def, ok := lookupField(cmp.Field)
	if !ok {
		return nil, fmt.Errorf("unknown filter field %q", cmp.Field)
	}
	if !def.ThreadTableOnly {
		c.threadOnly = false
	}

	isSet := def.IsSet
	switch {
	case cmp.Exists:
		return func(ctx *Context) bool { return isSet(ctx) }, nil

	case len(cmp.In) > 0:
		switch def.Type {
		case FieldTypeInt:
			set := mapset.NewThreadUnsafeSet[int64]()
			for _, lit := range cmp.In {
				v, ok := lit.integer()
				if !ok {
					return nil, fmt.Errorf("field %q wants integer values, got %s", cmp.Field, lit)
				}
				set.Add(v)
			}
			get := def.GetInt
			return func(ctx *Context) bool { return isSet(ctx) && set.Contains(get(ctx)) }, nil
		default:
			set := mapset.NewThreadUnsafeSet[string]()
			for _, lit := range cmp.In {
				v, ok := lit.text()
				if !ok {
					return nil, fmt.Errorf("field %q wants string values, got %s", cmp.Field, lit)
				}
				set.Add(v)
			}
			get := def.GetStr
			return func(ctx *Context) bool { return isSet(ctx) && set.Contains(get(ctx)) }, nil
		}

	default:
		switch def.Type {
		case FieldTypeInt:
			return c.intComparison(def, cmp)
		default:
			return c.strComparison(def, cmp)
		}
	}
}

func (c *compiler) intComparison(def *FieldDef, cmp *Comparison) (predicate, error) {
	val, ok := cmp.Value.integer()
	if !ok {
		return nil, fmt.Errorf("field %q wants an integer value, got %s", cmp.Field, cmp.Value)
	}
	isSet, get := def.IsSet, def.GetInt
	switch cmp.Op {
	case "=":
		return func(ctx *Context) bool { return isSet(ctx) && get(ctx) == val }, nil
	case "!=":
		return func(ctx *Context) bool { return isSet(ctx) && get(ctx) != val }, nil
	case "<":
		return func(ctx *Context) bool { return isSet(ctx) && get(ctx) < val }, nil
	case "<=":
		return func(ctx *Context) bool { return isSet(ctx) && get(ctx) <= val }, nil
	case ">":
		return func(ctx *Context) bool { return isSet(ctx) && get(ctx) > val }, nil
	case ">=":
		return func(ctx *Context) bool { return isSet(ctx) && get(ctx) >= val }, nil
	}
	return nil, fmt.Errorf("operator %q not applicable to integer field %q", cmp.Op, cmp.Field)
}

func (c *compiler) strComparison(def *FieldDef, cmp *Comparison) (predicate, error) {
	val, ok := cmp.Value.text()
	if !ok {
		return nil, fmt.Errorf("field %q wants a string value, got %s", cmp.Field, cmp.Value)
	}
	isSet, get := def.IsSet, def.GetStr
	switch cmp.Op {
	case "=":
		return func(ctx *Context) bool { return isSet(ctx) && get(ctx) == val }, nil
	case "!=":
		return func(ctx *Context) bool { return isSet(ctx) && get(ctx) != val }, nil
	case "contains":
		return func(ctx *Context) bool { return isSet(ctx) && strings.Contains(get(ctx), val) }, nil
	case "icontains":
		lower := strings.ToLower(val)
		return func(ctx *Context) bool {
			return isSet(ctx) && strings.Contains(strings.ToLower(get(ctx)), lower)
		}, nil
	case "startswith":
		return func(ctx *Context) bool { return isSet(ctx) && strings.HasPrefix(get(ctx), val) }, nil
	}
	return nil, fmt.Errorf("operator %q not applicable to string field %q", cmp.Op, cmp.Field)
}
