// Package expr models OData $filter predicates as immutable trees and
// translates them into URI grammar.
package expr

import (
	"strings"
)

// Comparison operators
const (
	OpEq  = "eq"
	OpNe  = "ne"
	OpGt  = "gt"
	OpGe  = "ge"
	OpLt  = "lt"
	OpLe  = "le"
	OpHas = "has"
	OpIn  = "in"
)

// Arithmetic operators
const (
	OpAdd   = "add"
	OpSub   = "sub"
	OpMul   = "mul"
	OpDiv   = "div"
	OpDivBy = "divby"
	OpMod   = "mod"
	OpNeg   = "-"
)

// Logical operators
const (
	OpAnd = "and"
	OpOr  = "or"
	OpNot = "not"
)

// Expr is a node of a filter expression tree. The set of node types is closed.
type Expr interface {
	node()
}

// Property references a property path. Segments are separated by "/".
type Property struct {
	Path string
}

// Comparison is a binary comparison, including has and in
type Comparison struct {
	Op    string
	Left  Expr
	Right Expr
}

// Logical is a binary and/or
type Logical struct {
	Op    string
	Left  Expr
	Right Expr
}

// Not negates its operand
type Not struct {
	Operand Expr
}

// Call is a function call such as contains(Title,'x')
type Call struct {
	Name string
	Args []Expr
}

// Arith is a binary arithmetic expression
type Arith struct {
	Op    string
	Left  Expr
	Right Expr
}

// Neg is unary arithmetic negation, -Price
type Neg struct {
	Operand Expr
}

// List is the parenthesized right operand of in
type List struct {
	Items []Expr
}

func (Property) node()   {}
func (Literal) node()    {}
func (Comparison) node() {}
func (Logical) node()    {}
func (Not) node()        {}
func (Call) node()       {}
func (Arith) node()      {}
func (Neg) node()        {}
func (List) node()       {}

// Prop returns a property reference. Dotted segments are rewritten to "/" so
// "Director.Name" and "Director/Name" are the same path.
func Prop(path string) Property {
	return Property{Path: strings.ReplaceAll(path, ".", "/")}
}

// Eq compares two operands; the remaining comparison helpers follow suit
func Eq(left, right Expr) Comparison { return Comparison{Op: OpEq, Left: left, Right: right} }
func Ne(left, right Expr) Comparison { return Comparison{Op: OpNe, Left: left, Right: right} }
func Gt(left, right Expr) Comparison { return Comparison{Op: OpGt, Left: left, Right: right} }
func Ge(left, right Expr) Comparison { return Comparison{Op: OpGe, Left: left, Right: right} }
func Lt(left, right Expr) Comparison { return Comparison{Op: OpLt, Left: left, Right: right} }
func Le(left, right Expr) Comparison { return Comparison{Op: OpLe, Left: left, Right: right} }
func Has(left, right Expr) Comparison {
	return Comparison{Op: OpHas, Left: left, Right: right}
}

// In tests membership of left in a literal list
func In(left Expr, items ...Expr) Comparison {
	return Comparison{Op: OpIn, Left: left, Right: List{Items: items}}
}

// Eq compares the property with a value; non-Expr values become literals
func (p Property) Eq(v interface{}) Comparison { return Eq(p, toExpr(v)) }
func (p Property) Ne(v interface{}) Comparison { return Ne(p, toExpr(v)) }
func (p Property) Gt(v interface{}) Comparison { return Gt(p, toExpr(v)) }
func (p Property) Ge(v interface{}) Comparison { return Ge(p, toExpr(v)) }
func (p Property) Lt(v interface{}) Comparison { return Lt(p, toExpr(v)) }
func (p Property) Le(v interface{}) Comparison { return Le(p, toExpr(v)) }
func (p Property) Has(v interface{}) Comparison { return Has(p, toExpr(v)) }

// In tests the property against a list of values
func (p Property) In(values ...interface{}) Comparison {
	items := make([]Expr, len(values))
	for i, v := range values {
		items[i] = toExpr(v)
	}
	return In(p, items...)
}

// And combines operands left to right, skipping nil ones. It returns nil when
// every operand is nil and the operand itself when only one remains.
func And(operands ...Expr) Expr {
	return fold(OpAnd, operands)
}

// Or is the disjunction counterpart of And
func Or(operands ...Expr) Expr {
	return fold(OpOr, operands)
}

func fold(op string, operands []Expr) Expr {
	var out Expr
	for _, e := range operands {
		if e == nil {
			continue
		}
		if out == nil {
			out = e
			continue
		}
		out = Logical{Op: op, Left: out, Right: e}
	}
	return out
}

// Minus negates a numeric operand
func Minus(e Expr) Neg {
	return Neg{Operand: e}
}

// Negate wraps e in a Not node
func Negate(e Expr) Not {
	return Not{Operand: e}
}

// Func builds a call to a registered function
func Func(name string, args ...Expr) Call {
	return Call{Name: name, Args: args}
}

// Contains is contains(p, s)
func Contains(p Expr, s string) Call { return Func("contains", p, String(s)) }

// StartsWith is startswith(p, s)
func StartsWith(p Expr, s string) Call { return Func("startswith", p, String(s)) }

// EndsWith is endswith(p, s)
func EndsWith(p Expr, s string) Call { return Func("endswith", p, String(s)) }

func Add(left, right Expr) Arith { return Arith{Op: OpAdd, Left: left, Right: right} }
func Sub(left, right Expr) Arith { return Arith{Op: OpSub, Left: left, Right: right} }
func Mul(left, right Expr) Arith { return Arith{Op: OpMul, Left: left, Right: right} }
func Div(left, right Expr) Arith { return Arith{Op: OpDiv, Left: left, Right: right} }
func Mod(left, right Expr) Arith { return Arith{Op: OpMod, Left: left, Right: right} }

func toExpr(v interface{}) Expr {
	if e, ok := v.(Expr); ok {
		return e
	}
	return Lit(v)
}
