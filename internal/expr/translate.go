package expr

import (
	"fmt"
	"strings"

	"github.com/zmcp/odata-client/internal/models"
)

// Translator renders expression trees against a Registry
type Translator struct {
	registry *Registry
}

var defaultTranslator = NewTranslator(DefaultRegistry())

// NewTranslator creates a translator; a nil registry means DefaultRegistry
func NewTranslator(registry *Registry) *Translator {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Translator{registry: registry}
}

// Translate renders e with the default registry. A nil expression renders as
// the empty string.
func Translate(e Expr) (string, error) {
	return defaultTranslator.Translate(e)
}

// Translate renders e in $filter grammar. Unknown operators and functions,
// and calls outside their registered arity, fail with
// *models.UnsupportedExpressionError.
func (t *Translator) Translate(e Expr) (string, error) {
	if e == nil {
		return "", nil
	}
	return t.render(e)
}

func (t *Translator) render(e Expr) (string, error) {
	switch n := e.(type) {
	case Property:
		if n.Path == "" {
			return "", &models.UnsupportedExpressionError{Name: "property", Reason: "empty path"}
		}
		return strings.ReplaceAll(n.Path, ".", "/"), nil

	case Literal:
		s, err := renderLiteral(n)
		if err != nil {
			return "", &models.UnsupportedExpressionError{Name: "literal", Reason: err.Error()}
		}
		return s, nil

	case Comparison:
		left, err := t.wrapUnless(n.Left, isValue)
		if err != nil {
			return "", err
		}
		right, err := t.wrapUnless(n.Right, isValue)
		if err != nil {
			return "", err
		}
		return t.apply(n.Op, left, right)

	case Logical:
		if n.Op != OpAnd && n.Op != OpOr {
			return "", &models.UnsupportedExpressionError{Name: n.Op, Reason: "not a logical operator"}
		}
		left, err := t.wrapUnless(n.Left, isAtomic)
		if err != nil {
			return "", err
		}
		right, err := t.wrapUnless(n.Right, isAtomic)
		if err != nil {
			return "", err
		}
		return left + " " + n.Op + " " + right, nil

	case Not:
		if n.Operand == nil {
			return "", &models.UnsupportedExpressionError{Name: OpNot, Reason: "missing operand"}
		}
		inner, err := t.render(n.Operand)
		if err != nil {
			return "", err
		}
		if _, ok := n.Operand.(Call); ok {
			return "not " + inner, nil
		}
		return "not (" + inner + ")", nil

	case Call:
		args := make([]string, len(n.Args))
		for i, a := range n.Args {
			s, err := t.wrapUnless(a, isValue)
			if err != nil {
				return "", err
			}
			args[i] = s
		}
		return t.apply(n.Name, args...)

	case Arith:
		left, err := t.wrapUnless(n.Left, isPrimary)
		if err != nil {
			return "", err
		}
		right, err := t.wrapUnless(n.Right, isPrimary)
		if err != nil {
			return "", err
		}
		return t.apply(n.Op, left, right)

	case Neg:
		if n.Operand == nil {
			return "", &models.UnsupportedExpressionError{Name: OpNeg, Reason: "missing operand"}
		}
		// literals are parenthesized so -(5) stays distinct from -5
		inner, err := t.wrapUnless(n.Operand, func(e Expr) bool {
			switch e.(type) {
			case Property, Call:
				return true
			}
			return false
		})
		if err != nil {
			return "", err
		}
		return t.apply(OpNeg, inner)

	case List:
		items := make([]string, len(n.Items))
		for i, item := range n.Items {
			s, err := t.render(item)
			if err != nil {
				return "", err
			}
			items[i] = s
		}
		return "(" + strings.Join(items, ",") + ")", nil

	case nil:
		return "", &models.UnsupportedExpressionError{Name: "nil", Reason: "missing operand"}
	}
	return "", &models.UnsupportedExpressionError{Name: fmt.Sprintf("%T", e), Reason: "unknown node type"}
}

// apply looks name up in the registry and renders the operands with it
func (t *Translator) apply(name string, args ...string) (string, error) {
	entry, ok := t.registry.Lookup(name)
	if !ok {
		return "", &models.UnsupportedExpressionError{Name: name}
	}
	if !entry.accepts(len(args)) {
		return "", &models.UnsupportedExpressionError{
			Name:   name,
			Reason: fmt.Sprintf("called with %d arguments", len(args)),
		}
	}
	return entry.Render(args), nil
}

func (t *Translator) wrapUnless(e Expr, keep func(Expr) bool) (string, error) {
	s, err := t.render(e)
	if err != nil {
		return "", err
	}
	if keep(e) {
		return s, nil
	}
	return "(" + s + ")", nil
}

// isAtomic operands of and/or render without parentheses
func isAtomic(e Expr) bool {
	switch e.(type) {
	case Comparison, Call, Property, Literal:
		return true
	}
	return false
}

// isValue operands of comparisons and calls render without parentheses
func isValue(e Expr) bool {
	switch e.(type) {
	case Property, Literal, Call, Arith, Neg, List:
		return true
	}
	return false
}

// isPrimary operands of arithmetic render without parentheses
func isPrimary(e Expr) bool {
	switch e.(type) {
	case Property, Literal, Call, Neg:
		return true
	}
	return false
}
