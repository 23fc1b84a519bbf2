package expr

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// tokenType is the type of a filter token
type tokenType int

const (
	tokenEOF tokenType = iota
	tokenIdentifier
	tokenString
	tokenTyped // NS.Enum'Member' or duration'PT1H'
	tokenNumber
	tokenGuid
	tokenDate
	tokenDateTime
	tokenLParen
	tokenRParen
	tokenComma
	tokenMinus
)

type token struct {
	typ   tokenType
	value string
	text  string // quoted payload of a typed literal
	pos   int
}

var (
	guidPattern     = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	dateTimePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:\d{2})`)
	datePattern     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	numberPattern   = regexp.MustCompile(`^-?(INF\b|\d+(\.\d+)?([eE][+-]?\d+)?)`)
)

// tokenizer splits $filter text into tokens
type tokenizer struct {
	input string
	pos   int
}

func tokenize(input string) ([]token, error) {
	t := &tokenizer{input: input}
	var tokens []token
	for {
		tok, err := t.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.typ == tokenEOF {
			return tokens, nil
		}
	}
}

func (t *tokenizer) skipWhitespace() {
	for t.pos < len(t.input) && strings.ContainsRune(" \t\r\n", rune(t.input[t.pos])) {
		t.pos++
	}
}

func (t *tokenizer) next() (token, error) {
	t.skipWhitespace()
	start := t.pos
	if t.pos >= len(t.input) {
		return token{typ: tokenEOF, pos: start}, nil
	}
	rest := t.input[t.pos:]

	switch rest[0] {
	case '(':
		t.pos++
		return token{typ: tokenLParen, value: "(", pos: start}, nil
	case ')':
		t.pos++
		return token{typ: tokenRParen, value: ")", pos: start}, nil
	case ',':
		t.pos++
		return token{typ: tokenComma, value: ",", pos: start}, nil
	case '\'':
		s, err := t.readString()
		if err != nil {
			return token{}, err
		}
		return token{typ: tokenString, value: s, pos: start}, nil
	}

	for _, m := range []struct {
		re  *regexp.Regexp
		typ tokenType
	}{
		{guidPattern, tokenGuid},
		{dateTimePattern, tokenDateTime},
		{datePattern, tokenDate},
		{numberPattern, tokenNumber},
	} {
		if lit := m.re.FindString(rest); lit != "" {
			t.pos += len(lit)
			return token{typ: m.typ, value: lit, pos: start}, nil
		}
	}

	if rest[0] == '-' {
		t.pos++
		return token{typ: tokenMinus, value: "-", pos: start}, nil
	}

	r := rune(rest[0])
	if !unicode.IsLetter(r) && r != '_' && r != '$' {
		return token{}, fmt.Errorf("unexpected character '%c' at position %d", r, start)
	}
	ident := t.readIdentifier()
	if t.pos < len(t.input) && t.input[t.pos] == '\'' {
		s, err := t.readString()
		if err != nil {
			return token{}, err
		}
		return token{typ: tokenTyped, value: ident, text: s, pos: start}, nil
	}
	return token{typ: tokenIdentifier, value: ident, pos: start}, nil
}

// readString reads a single-quoted string where '' stands for one quote
func (t *tokenizer) readString() (string, error) {
	start := t.pos
	t.pos++
	var b strings.Builder
	for t.pos < len(t.input) {
		c := t.input[t.pos]
		if c == '\'' {
			if t.pos+1 < len(t.input) && t.input[t.pos+1] == '\'' {
				b.WriteByte('\'')
				t.pos += 2
				continue
			}
			t.pos++
			return b.String(), nil
		}
		b.WriteByte(c)
		t.pos++
	}
	return "", fmt.Errorf("unterminated string at position %d", start)
}

func (t *tokenizer) readIdentifier() string {
	start := t.pos
	for t.pos < len(t.input) {
		r := rune(t.input[t.pos])
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !strings.ContainsRune("_./$", r) {
			break
		}
		t.pos++
	}
	return t.input[start:t.pos]
}
