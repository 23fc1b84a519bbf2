package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zmcp/odata-client/internal/models"
)

var comparisonOps = map[string]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGe: true, OpLt: true, OpLe: true, OpHas: true,
}

// Parse reads $filter text back into an expression tree. Empty input yields
// a nil expression. Function names are not checked here; the translator
// validates them against its registry.
func Parse(input string) (Expr, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	tokens, err := tokenize(input)
	if err != nil {
		return nil, &models.ValidationError{Field: "$filter", Reason: err.Error()}
	}
	p := &parser{tokens: tokens}
	e, err := p.parseOr()
	if err == nil && p.current().typ != tokenEOF {
		err = fmt.Errorf("unexpected %q at position %d", p.current().value, p.current().pos)
	}
	if err != nil {
		return nil, &models.ValidationError{Field: "$filter", Reason: err.Error(), Err: err}
	}
	return e, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) current() token {
	if p.pos >= len(p.tokens) {
		return token{typ: tokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *parser) advance() token {
	tok := p.current()
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	return tok
}

func (p *parser) expect(typ tokenType, what string) error {
	tok := p.current()
	if tok.typ != typ {
		return fmt.Errorf("expected %s at position %d", what, tok.pos)
	}
	p.advance()
	return nil
}

// keyword reports whether the current token is the bare identifier kw
func (p *parser) keyword(kw string) bool {
	tok := p.current()
	return tok.typ == tokenIdentifier && tok.value == kw
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword(OpOr) {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Logical{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.keyword(OpAnd) {
		p.advance()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = Logical{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	tok := p.current()
	if tok.typ != tokenIdentifier {
		return left, nil
	}
	switch {
	case comparisonOps[tok.value]:
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return Comparison{Op: tok.value, Left: left, Right: right}, nil
	case tok.value == OpIn:
		p.advance()
		list, err := p.parseList()
		if err != nil {
			return nil, err
		}
		return Comparison{Op: OpIn, Left: left, Right: list}, nil
	}
	return left, nil
}

func (p *parser) parseList() (Expr, error) {
	if err := p.expect(tokenLParen, "("); err != nil {
		return nil, err
	}
	items, err := p.parseArgs()
	if err != nil {
		return nil, err
	}
	return List{Items: items}, nil
}

// parseArgs reads a comma separated list up to and including ")"
func (p *parser) parseArgs() ([]Expr, error) {
	var items []Expr
	if p.current().typ == tokenRParen {
		p.advance()
		return items, nil
	}
	for {
		item, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if p.current().typ == tokenComma {
			p.advance()
			continue
		}
		if err := p.expect(tokenRParen, ")"); err != nil {
			return nil, err
		}
		return items, nil
	}
}

func (p *parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.keyword(OpAdd) || p.keyword(OpSub) {
		op := p.advance().value
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = Arith{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (Expr, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.keyword(OpMul) || p.keyword(OpDiv) || p.keyword(OpDivBy) || p.keyword(OpMod) {
		op := p.advance().value
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = Arith{Op: op, Left: left, Right: right}
	}
	return left, nil
}

// parsePrimary also reads the unary operators; not and - bind tighter than
// any binary operator
func (p *parser) parsePrimary() (Expr, error) {
	tok := p.advance()
	switch tok.typ {
	case tokenMinus:
		operand, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return Neg{Operand: operand}, nil

	case tokenLParen:
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokenRParen, ")"); err != nil {
			return nil, err
		}
		return e, nil

	case tokenString:
		return String(tok.value), nil

	case tokenNumber:
		return parseNumber(tok.value)

	case tokenGuid:
		u, err := uuid.Parse(tok.value)
		if err != nil {
			return nil, err
		}
		return Guid(u), nil

	case tokenDate:
		t, err := time.Parse("2006-01-02", tok.value)
		if err != nil {
			return nil, err
		}
		return Date(t), nil

	case tokenDateTime:
		t, err := time.Parse(time.RFC3339Nano, tok.value)
		if err != nil {
			return nil, err
		}
		return Time(t), nil

	case tokenTyped:
		if tok.value == "duration" {
			d, err := ParseDuration(tok.text)
			if err != nil {
				return nil, err
			}
			return Duration(d), nil
		}
		if tok.value == "binary" {
			b, err := ParseBinary(tok.text)
			if err != nil {
				return nil, err
			}
			return Binary(b), nil
		}
		return Enum(tok.value, tok.text), nil

	case tokenIdentifier:
		if tok.value == OpNot {
			operand, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return Not{Operand: operand}, nil
		}
		if p.current().typ == tokenLParen {
			p.advance()
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			return Call{Name: tok.value, Args: args}, nil
		}
		switch tok.value {
		case "true":
			return Bool(true), nil
		case "false":
			return Bool(false), nil
		case "null":
			return Null(), nil
		case "NaN":
			return Float(math.NaN()), nil
		}
		if strings.Contains(tok.value, ".") {
			return Type(tok.value), nil
		}
		return Property{Path: tok.value}, nil
	}
	if tok.typ == tokenEOF {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	return nil, fmt.Errorf("unexpected %q at position %d", tok.value, tok.pos)
}

func parseNumber(s string) (Expr, error) {
	switch s {
	case "INF":
		return Float(math.Inf(1)), nil
	case "-INF":
		return Float(math.Inf(-1)), nil
	}
	if strings.ContainsAny(s, ".eE") {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		return Float(f), nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return Decimal(d), nil
}
