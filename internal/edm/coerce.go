package edm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// legacyDateRegex matches the /Date(ms[+-offset])/ form some services still emit
var legacyDateRegex = regexp.MustCompile(`^/Date\((-?\d+)([\+\-]\d{4})?\)/$`)

// Coerce converts a JSON-decoded value (decoded with UseNumber) into the Go
// representation of edmType. nil stays nil. Types that are not primitives
// (complex, enum, collections of those) are returned unchanged.
func Coerce(value interface{}, edmType string) (interface{}, error) {
	if value == nil {
		return nil, nil
	}

	if IsCollection(edmType) {
		items, ok := value.([]interface{})
		if !ok {
			return nil, fmt.Errorf("expected array for %s, got %T", edmType, value)
		}
		elem := ElementType(edmType)
		out := make([]interface{}, len(items))
		for i, item := range items {
			v, err := Coerce(item, elem)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	}

	switch edmType {
	case String:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		return s, nil
	case Boolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("cannot parse %q as Edm.Boolean", v)
			}
			return b, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", value)
	case Byte, SByte, Int16, Int32, Int64:
		return coerceInt(value, edmType)
	case Single, Double:
		return coerceFloat(value, edmType)
	case Decimal:
		return coerceDecimal(value)
	case DateTimeOffset:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string for %s, got %T", edmType, value)
		}
		return ParseDateTimeOffset(s)
	case Date:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string for %s, got %T", edmType, value)
		}
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as Edm.Date: %w", s, err)
		}
		return t, nil
	case Guid:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string for %s, got %T", edmType, value)
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as Edm.Guid: %w", s, err)
		}
		return id, nil
	case Binary:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string for %s, got %T", edmType, value)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			b, err = base64.URLEncoding.DecodeString(s)
		}
		if err != nil {
			return nil, fmt.Errorf("cannot decode Edm.Binary: %w", err)
		}
		return b, nil
	case TimeOfDay, Duration, Stream:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string for %s, got %T", edmType, value)
		}
		return s, nil
	}

	return Untyped(value), nil
}

// Untyped normalizes a value decoded without schema information: json.Number
// becomes int64 when integral and float64 otherwise.
func Untyped(value interface{}) interface{} {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = Untyped(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = Untyped(item)
		}
		return out
	}
	return value
}

// ParseDateTimeOffset accepts RFC 3339 timestamps and the legacy /Date(ms)/ form
func ParseDateTimeOffset(s string) (time.Time, error) {
	if m := legacyDateRegex.FindStringSubmatch(s); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("cannot parse %q as Edm.DateTimeOffset: %w", s, err)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as Edm.DateTimeOffset", s)
}

func numberText(value interface{}) (string, bool) {
	switch v := value.(type) {
	case json.Number:
		return v.String(), true
	case string:
		// IEEE754Compatible=true responses carry Int64/Decimal as strings
		return strings.TrimSpace(v), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case int:
		return strconv.Itoa(v), true
	}
	return "", false
}

func coerceInt(value interface{}, edmType string) (interface{}, error) {
	text, ok := numberText(value)
	if !ok {
		return nil, fmt.Errorf("expected number for %s, got %T", edmType, value)
	}

	var bits int
	switch edmType {
	case Byte:
		u, err := strconv.ParseUint(text, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as %s", text, edmType)
		}
		return uint8(u), nil
	case SByte:
		bits = 8
	case Int16:
		bits = 16
	case Int32:
		bits = 32
	default:
		bits = 64
	}

	i, err := strconv.ParseInt(text, 10, bits)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %q as %s", text, edmType)
	}
	switch bits {
	case 8:
		return int8(i), nil
	case 16:
		return int16(i), nil
	case 32:
		return int32(i), nil
	}
	return i, nil
}

func coerceFloat(value interface{}, edmType string) (interface{}, error) {
	text, ok := numberText(value)
	if !ok {
		return nil, fmt.Errorf("expected number for %s, got %T", edmType, value)
	}

	var f float64
	switch text {
	case "INF":
		f = math.Inf(1)
	case "-INF":
		f = math.Inf(-1)
	case "NaN":
		f = math.NaN()
	default:
		bits := 64
		if edmType == Single {
			bits = 32
		}
		parsed, err := strconv.ParseFloat(text, bits)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as %s", text, edmType)
		}
		f = parsed
	}

	if edmType == Single {
		return float32(f), nil
	}
	return f, nil
}

func coerceDecimal(value interface{}) (interface{}, error) {
	text, ok := numberText(value)
	if !ok {
		return nil, fmt.Errorf("expected number for %s, got %T", Decimal, value)
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %q as Edm.Decimal: %w", text, err)
	}
	return d, nil
}
