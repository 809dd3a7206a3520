// Package filter compiles and evaluates action filters: boolean expressions
// over action attributes such as
//
//	arch == "i386" and variant.opensolaris.zone != "nonglobal"
//	locale in ["de", "fr"]
//
// Expressions are parsed with the Starlark expression parser and checked
// against a small grammar: attribute references (optionally dotted), string
// and integer literals, list and tuple literals, ==, !=, in, not in, and, or,
// not and parentheses. Nothing is executed by an interpreter.
package filter

import (
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sort"
	"strconv"
	"strings"

	"go.starlark.net/syntax"

	"github.com/openfroyo/froyopkg/pkg/manifest"
)

// errMissing is returned when evaluation needs an attribute the action does
// not carry.
var errMissing = errors.New("attribute not present")

// Filter is a compiled filter expression. It implements manifest.Predicate.
type Filter struct {
	src   string
	expr  syntax.Expr
	attrs []string
}

// Compile parses src and checks it against the filter grammar.
func Compile(src string) (*Filter, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("empty filter expression")
	}
	expr, err := syntax.ParseExpr("filter", src, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", src, err)
	}
	f := &Filter{src: src, expr: expr}
	refs := make(map[string]struct{})
	if err := checkBool(expr, refs); err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", src, err)
	}
	for name := range refs {
		f.attrs = append(f.attrs, name)
	}
	sort.Strings(f.attrs)
	return f, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Filter {
	f, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return f
}

// CompileAll compiles each expression, skipping blank lines.
func CompileAll(srcs []string) ([]*Filter, error) {
	var out []*Filter
	for _, s := range srcs {
		if strings.TrimSpace(s) == "" {
			continue
		}
		f, err := Compile(s)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// Sources returns the source text of each filter.
func Sources(filters []*Filter) []string {
	out := make([]string, 0, len(filters))
	for _, f := range filters {
		out = append(out, f.src)
	}
	return out
}

// Predicates converts filters for use with manifest.Manifest.Filter.
func Predicates(filters []*Filter) []manifest.Predicate {
	out := make([]manifest.Predicate, 0, len(filters))
	for _, f := range filters {
		out = append(out, f)
	}
	return out
}

// Source returns the expression text.
func (f *Filter) Source() string { return f.src }

func (f *Filter) String() string { return f.src }

// Attributes returns the attribute names the expression references.
func (f *Filter) Attributes() []string { return slices.Clone(f.attrs) }

// Match reports whether the action survives the filter. A filter that names
// any attribute the action lacks does not apply and the action is kept. An
// expression that cannot be evaluated against the action rejects it.
func (f *Filter) Match(a manifest.Action) bool {
	attrs := a.Attributes()
	if !f.appliesTo(attrs) {
		return true
	}
	ok, err := f.Eval(attrs)
	if errors.Is(err, errMissing) {
		return true
	}
	return err == nil && ok
}

// appliesTo reports whether attrs carries every attribute the expression
// references.
func (f *Filter) appliesTo(attrs manifest.Attributes) bool {
	for _, name := range f.attrs {
		v, ok := attrs[name]
		if !ok || v.IsCallback() {
			return false
		}
	}
	return true
}

// Eval evaluates the expression against attrs.
func (f *Filter) Eval(attrs manifest.Attributes) (bool, error) {
	return evalBool(f.expr, attrs)
}

func checkBool(e syntax.Expr, refs map[string]struct{}) error {
	switch e := e.(type) {
	case *syntax.ParenExpr:
		return checkBool(e.X, refs)
	case *syntax.UnaryExpr:
		if e.Op != syntax.NOT || e.X == nil {
			return fmt.Errorf("unsupported operator %s", e.Op)
		}
		return checkBool(e.X, refs)
	case *syntax.BinaryExpr:
		switch e.Op {
		case syntax.AND, syntax.OR:
			if err := checkBool(e.X, refs); err != nil {
				return err
			}
			return checkBool(e.Y, refs)
		case syntax.EQL, syntax.NEQ, syntax.IN, syntax.NOT_IN:
			if err := checkValue(e.X, refs); err != nil {
				return err
			}
			return checkValue(e.Y, refs)
		}
		return fmt.Errorf("unsupported operator %s", e.Op)
	}
	return fmt.Errorf("expected a comparison, got %T", e)
}

func checkValue(e syntax.Expr, refs map[string]struct{}) error {
	switch e := e.(type) {
	case *syntax.ParenExpr:
		return checkValue(e.X, refs)
	case *syntax.Ident, *syntax.DotExpr:
		name, err := attrName(e)
		if err != nil {
			return err
		}
		refs[name] = struct{}{}
		return nil
	case *syntax.Literal:
		if e.Token != syntax.STRING && e.Token != syntax.INT {
			return fmt.Errorf("unsupported literal %s", e.Raw)
		}
		return nil
	case *syntax.ListExpr:
		return checkElems(e.List)
	case *syntax.TupleExpr:
		return checkElems(e.List)
	}
	return fmt.Errorf("unsupported expression %T", e)
}

func checkElems(list []syntax.Expr) error {
	for _, el := range list {
		lit, ok := el.(*syntax.Literal)
		if !ok || (lit.Token != syntax.STRING && lit.Token != syntax.INT) {
			return fmt.Errorf("list elements must be literals")
		}
	}
	return nil
}

// attrName joins a dotted reference into "a.b.c".
func attrName(e syntax.Expr) (string, error) {
	switch e := e.(type) {
	case *syntax.Ident:
		return e.Name, nil
	case *syntax.DotExpr:
		prefix, err := attrName(e.X)
		if err != nil {
			return "", err
		}
		return prefix + "." + e.Name.Name, nil
	}
	return "", fmt.Errorf("invalid attribute reference %T", e)
}

func evalBool(e syntax.Expr, attrs manifest.Attributes) (bool, error) {
	switch e := e.(type) {
	case *syntax.ParenExpr:
		return evalBool(e.X, attrs)
	case *syntax.UnaryExpr:
		v, err := evalBool(e.X, attrs)
		return !v, err
	case *syntax.BinaryExpr:
		switch e.Op {
		case syntax.AND:
			x, err := evalBool(e.X, attrs)
			if err != nil || !x {
				return false, err
			}
			return evalBool(e.Y, attrs)
		case syntax.OR:
			x, err := evalBool(e.X, attrs)
			if err != nil || x {
				return x, err
			}
			return evalBool(e.Y, attrs)
		}

		x, err := evalValues(e.X, attrs)
		if err != nil {
			return false, err
		}
		y, err := evalValues(e.Y, attrs)
		if err != nil {
			return false, err
		}
		switch e.Op {
		case syntax.EQL, syntax.IN:
			return intersects(x, y), nil
		case syntax.NEQ, syntax.NOT_IN:
			return !intersects(x, y), nil
		}
		return false, fmt.Errorf("unsupported operator %s", e.Op)
	}
	return false, fmt.Errorf("expected a comparison, got %T", e)
}

func evalValues(e syntax.Expr, attrs manifest.Attributes) ([]string, error) {
	switch e := e.(type) {
	case *syntax.ParenExpr:
		return evalValues(e.X, attrs)
	case *syntax.Ident, *syntax.DotExpr:
		name, err := attrName(e)
		if err != nil {
			return nil, err
		}
		v, ok := attrs[name]
		if !ok || v.IsCallback() {
			return nil, fmt.Errorf("%s: %w", name, errMissing)
		}
		return v.Values(), nil
	case *syntax.Literal:
		return []string{literal(e)}, nil
	case *syntax.ListExpr:
		return literals(e.List), nil
	case *syntax.TupleExpr:
		return literals(e.List), nil
	}
	return nil, fmt.Errorf("unsupported expression %T", e)
}

func literals(list []syntax.Expr) []string {
	out := make([]string, 0, len(list))
	for _, el := range list {
		if lit, ok := el.(*syntax.Literal); ok {
			out = append(out, literal(lit))
		}
	}
	return out
}

func literal(lit *syntax.Literal) string {
	switch v := lit.Value.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case *big.Int:
		return v.String()
	}
	return lit.Raw
}

func intersects(x, y []string) bool {
	for _, a := range x {
		if slices.Contains(y, a) {
			return true
		}
	}
	return false
}
