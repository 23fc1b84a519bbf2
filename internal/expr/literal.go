package expr

import (
	"encoding/base64"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zmcp/odata-client/internal/edm"
)

// TypeNameLiteral marks a Literal holding a qualified type name, as used by
// cast and isof
const TypeNameLiteral = "TypeName"

// Literal is a constant. Type is the Edm type the value renders as; any other
// qualified name denotes an enum member. A zero Literal is null.
type Literal struct {
	Type  string
	Value interface{}
}

func String(s string) Literal   { return Literal{Type: edm.String, Value: s} }
func Int(i int64) Literal       { return Literal{Type: edm.Int64, Value: i} }
func Float(f float64) Literal   { return Literal{Type: edm.Double, Value: f} }
func Bool(b bool) Literal       { return Literal{Type: edm.Boolean, Value: b} }
func Null() Literal             { return Literal{} }
func Guid(u uuid.UUID) Literal  { return Literal{Type: edm.Guid, Value: u} }
func Decimal(d decimal.Decimal) Literal {
	return Literal{Type: edm.Decimal, Value: d}
}

// Time is an Edm.DateTimeOffset literal, normalized to UTC
func Time(t time.Time) Literal {
	return Literal{Type: edm.DateTimeOffset, Value: t.UTC()}
}

// Date is an Edm.Date literal; the clock part is dropped
func Date(t time.Time) Literal {
	y, m, d := t.Date()
	return Literal{Type: edm.Date, Value: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// Duration is an Edm.Duration literal
func Duration(d time.Duration) Literal {
	return Literal{Type: edm.Duration, Value: d}
}

// Binary is an Edm.Binary literal, rendered as binary'<base64url>'
func Binary(b []byte) Literal {
	return Literal{Type: edm.Binary, Value: b}
}

// ParseBinary decodes the base64url payload of a binary literal. Padding is
// optional.
func ParseBinary(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid binary literal %q: %w", s, err)
	}
	return b, nil
}

// Enum is a member of a schema enum type, e.g. Enum("NS.Genre", "Drama")
func Enum(typeName, member string) Literal {
	return Literal{Type: typeName, Value: member}
}

// Type is a qualified type name argument for cast and isof
func Type(name string) Literal {
	return Literal{Type: TypeNameLiteral, Value: name}
}

// Lit infers the literal kind from a Go value
func Lit(v interface{}) Literal {
	switch x := v.(type) {
	case nil:
		return Null()
	case Literal:
		return x
	case string:
		return String(x)
	case bool:
		return Bool(x)
	case int:
		return Int(int64(x))
	case int8:
		return Int(int64(x))
	case int16:
		return Int(int64(x))
	case int32:
		return Int(int64(x))
	case int64:
		return Int(x)
	case uint8:
		return Int(int64(x))
	case uint16:
		return Int(int64(x))
	case uint32:
		return Int(int64(x))
	case uint:
		return unsigned(uint64(x))
	case uint64:
		return unsigned(x)
	case float32:
		return Float(float64(x))
	case float64:
		return Float(x)
	case decimal.Decimal:
		return Decimal(x)
	case time.Time:
		return Time(x)
	case time.Duration:
		return Duration(x)
	case uuid.UUID:
		return Guid(x)
	case []byte:
		return Binary(x)
	}
	return Literal{Type: fmt.Sprintf("%T", v), Value: v}
}

func unsigned(u uint64) Literal {
	if u > math.MaxInt64 {
		return Decimal(decimal.RequireFromString(strconv.FormatUint(u, 10)))
	}
	return Int(int64(u))
}

// renderLiteral formats a literal in OData URI grammar
func renderLiteral(l Literal) (string, error) {
	if l.Value == nil {
		return "null", nil
	}
	switch l.Type {
	case edm.String:
		if s, ok := l.Value.(string); ok {
			return QuoteString(s), nil
		}
	case edm.Int64:
		if i, ok := l.Value.(int64); ok {
			return strconv.FormatInt(i, 10), nil
		}
	case edm.Double:
		if f, ok := l.Value.(float64); ok {
			return FormatFloat(f), nil
		}
	case edm.Decimal:
		if d, ok := l.Value.(decimal.Decimal); ok {
			return d.String(), nil
		}
	case edm.Boolean:
		if b, ok := l.Value.(bool); ok {
			return strconv.FormatBool(b), nil
		}
	case edm.DateTimeOffset:
		if t, ok := l.Value.(time.Time); ok {
			return t.UTC().Format(time.RFC3339Nano), nil
		}
	case edm.Date:
		if t, ok := l.Value.(time.Time); ok {
			return t.Format("2006-01-02"), nil
		}
	case edm.Guid:
		if u, ok := l.Value.(uuid.UUID); ok {
			return u.String(), nil
		}
	case edm.Duration:
		if d, ok := l.Value.(time.Duration); ok {
			return "duration" + QuoteString(FormatDuration(d)), nil
		}
	case edm.Binary:
		if b, ok := l.Value.([]byte); ok {
			return "binary'" + base64.RawURLEncoding.EncodeToString(b) + "'", nil
		}
	case TypeNameLiteral:
		if s, ok := l.Value.(string); ok {
			return s, nil
		}
	default:
		if s, ok := l.Value.(string); ok && strings.Contains(l.Type, ".") {
			return l.Type + QuoteString(s), nil
		}
	}
	return "", fmt.Errorf("cannot render %T as %s literal", l.Value, l.Type)
}

// QuoteString single-quotes s, doubling embedded quotes
func QuoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// FormatFloat renders the shortest round-trip form, always with a fraction
// or exponent so the value reads back as a floating point literal
func FormatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "INF"
	case math.IsInf(f, -1):
		return "-INF"
	case math.IsNaN(f):
		return "NaN"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// FormatDuration renders d as an ISO 8601 day-time duration
func FormatDuration(d time.Duration) string {
	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}
	b.WriteByte('P')
	if days := d / (24 * time.Hour); days > 0 {
		fmt.Fprintf(&b, "%dD", days)
		d -= days * 24 * time.Hour
	}
	if d == 0 {
		if b.Len() <= 2 {
			b.WriteString("T0S")
		}
		return b.String()
	}
	b.WriteByte('T')
	if h := d / time.Hour; h > 0 {
		fmt.Fprintf(&b, "%dH", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		fmt.Fprintf(&b, "%dM", m)
		d -= m * time.Minute
	}
	if d > 0 {
		secs := d / time.Second
		nanos := d - secs*time.Second
		if nanos == 0 {
			fmt.Fprintf(&b, "%dS", secs)
		} else {
			frac := strings.TrimRight(fmt.Sprintf("%09d", nanos), "0")
			fmt.Fprintf(&b, "%d.%sS", secs, frac)
		}
	}
	return b.String()
}

var durationPattern = regexp.MustCompile(`^(-)?P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)(?:\.(\d{1,9}))?S)?)?$`)

// ParseDuration reads an ISO 8601 day-time duration
func ParseDuration(s string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "-P" || strings.HasSuffix(s, "T") {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	var d time.Duration
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	for i, unit := range units {
		if m[i+2] == "" {
			continue
		}
		n, err := strconv.ParseInt(m[i+2], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d += time.Duration(n) * unit
	}
	if frac := m[6]; frac != "" {
		n, _ := strconv.ParseInt(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
		d += time.Duration(n)
	}
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}

// Render formats a literal in URI grammar, e.g. for key predicates
func Render(l Literal) (string, error) {
	return renderLiteral(l)
}
