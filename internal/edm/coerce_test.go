package edm

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoerce(t *testing.T) {
	tests := []struct {
		name     string
		value    interface{}
		edmType  string
		expected interface{}
	}{
		{"Int32 from number", json.Number("2012"), Int32, int32(2012)},
		{"Int64 from numeric string", "9007199254740993", Int64, int64(9007199254740993)},
		{"Int16 from number", json.Number("-12"), Int16, int16(-12)},
		{"Byte from number", json.Number("255"), Byte, uint8(255)},
		{"SByte from number", json.Number("-128"), SByte, int8(-128)},
		{"Double from number", json.Number("1.5"), Double, 1.5},
		{"Single from number", json.Number("0.25"), Single, float32(0.25)},
		{"Boolean", true, Boolean, true},
		{"String", "Brazil", String, "Brazil"},
		{"TimeOfDay stays text", "13:20:00", TimeOfDay, "13:20:00"},
		{"nil stays nil", nil, Int32, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.value, tt.edmType)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestCoerceDecimalKeepsPrecision(t *testing.T) {
	got, err := Coerce(json.Number("12345678901234567890.125"), Decimal)
	require.NoError(t, err)
	d, ok := got.(decimal.Decimal)
	require.True(t, ok)
	assert.Equal(t, "12345678901234567890.125", d.String())
}

func TestCoerceSpecialFloats(t *testing.T) {
	got, err := Coerce("INF", Double)
	require.NoError(t, err)
	assert.True(t, math.IsInf(got.(float64), 1))

	got, err = Coerce("NaN", Double)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(got.(float64)))
}

func TestCoerceTemporalAndGuid(t *testing.T) {
	got, err := Coerce("2012-05-04T10:30:00Z", DateTimeOffset)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2012, 5, 4, 10, 30, 0, 0, time.UTC), got)

	got, err = Coerce("/Date(1336127400000)/", DateTimeOffset)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2012, 5, 4, 10, 30, 0, 0, time.UTC), got)

	got, err = Coerce("2012-05-04", Date)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2012, 5, 4, 0, 0, 0, 0, time.UTC), got)

	id := uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e")
	got, err = Coerce(id.String(), Guid)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	got, err = Coerce("aGVsbG8=", Binary)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestCoerceCollection(t *testing.T) {
	got, err := Coerce([]interface{}{json.Number("1"), json.Number("2")}, "Collection(Edm.Int32)")
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int32(1), int32(2)}, got)
}

func TestCoerceFailures(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		edmType string
	}{
		{"fraction into Int32", json.Number("1.5"), Int32},
		{"overflow Int16", json.Number("70000"), Int16},
		{"text into Int64", "abc", Int64},
		{"number into String", json.Number("1"), String},
		{"bad guid", "not-a-guid", Guid},
		{"bad date", "05/04/2012", Date},
		{"bad decimal", "12,5", Decimal},
		{"object into Boolean", map[string]interface{}{}, Boolean},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Coerce(tt.value, tt.edmType)
			assert.Error(t, err)
		})
	}
}

func TestUntyped(t *testing.T) {
	got := Untyped(map[string]interface{}{
		"a": json.Number("3"),
		"b": []interface{}{json.Number("2.5")},
	})
	assert.Equal(t, map[string]interface{}{"a": int64(3), "b": []interface{}{2.5}}, got)
}

func TestAccepts(t *testing.T) {
	assert.True(t, Accepts(Int32, 42))
	assert.False(t, Accepts(Int32, int64(math.MaxInt32)+1))
	assert.False(t, Accepts(Int32, "42"))
	assert.True(t, Accepts(String, "ALFKI"))
	assert.False(t, Accepts(String, 1))
	assert.True(t, Accepts(Guid, uuid.New()))
	assert.True(t, Accepts(Guid, "0f8fad5b-d9cb-469f-a165-70867728950e"))
	assert.False(t, Accepts(Guid, "nope"))
	assert.True(t, Accepts(Decimal, decimal.NewFromInt(3)))
	assert.True(t, Accepts(DateTimeOffset, time.Now()))
	assert.True(t, Accepts("NS.Color", "Red"))
}
