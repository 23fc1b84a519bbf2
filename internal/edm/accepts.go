package edm

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Accepts reports whether a Go value can be used as a literal of edmType,
// e.g. when validating key values against the schema key type.
func Accepts(edmType string, value interface{}) bool {
	switch edmType {
	case String:
		_, ok := value.(string)
		return ok
	case Boolean:
		_, ok := value.(bool)
		return ok
	case Byte, SByte, Int16, Int32, Int64:
		i, ok := asInt64(value)
		if !ok {
			return false
		}
		lo, hi := intRange(edmType)
		return i >= lo && i <= hi
	case Single, Double:
		switch value.(type) {
		case float32, float64:
			return true
		}
		_, ok := asInt64(value)
		return ok
	case Decimal:
		switch value.(type) {
		case decimal.Decimal, float32, float64:
			return true
		}
		_, ok := asInt64(value)
		return ok
	case Guid:
		switch v := value.(type) {
		case uuid.UUID:
			return true
		case string:
			_, err := uuid.Parse(v)
			return err == nil
		}
		return false
	case Date, DateTimeOffset:
		_, ok := value.(time.Time)
		return ok
	case Binary:
		_, ok := value.([]byte)
		return ok
	}
	// Enum and type-definition keys are not checked
	return true
}

func asInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	}
	return 0, false
}

func intRange(edmType string) (int64, int64) {
	switch edmType {
	case Byte:
		return 0, math.MaxUint8
	case SByte:
		return math.MinInt8, math.MaxInt8
	case Int16:
		return math.MinInt16, math.MaxInt16
	case Int32:
		return math.MinInt32, math.MaxInt32
	}
	return math.MinInt64, math.MaxInt64
}
