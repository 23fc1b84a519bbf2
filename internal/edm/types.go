// Package edm maps OData primitive types to Go values.
package edm

import "strings"

// Primitive type names
const (
	String         = "Edm.String"
	Boolean        = "Edm.Boolean"
	Byte           = "Edm.Byte"
	SByte          = "Edm.SByte"
	Int16          = "Edm.Int16"
	Int32          = "Edm.Int32"
	Int64          = "Edm.Int64"
	Single         = "Edm.Single"
	Double         = "Edm.Double"
	Decimal        = "Edm.Decimal"
	Date           = "Edm.Date"
	DateTimeOffset = "Edm.DateTimeOffset"
	TimeOfDay      = "Edm.TimeOfDay"
	Duration       = "Edm.Duration"
	Guid           = "Edm.Guid"
	Binary         = "Edm.Binary"
	Stream         = "Edm.Stream"
)

var primitives = map[string]bool{
	String: true, Boolean: true, Byte: true, SByte: true, Int16: true, Int32: true, Int64: true,
	Single: true, Double: true, Decimal: true, Date: true, DateTimeOffset: true, TimeOfDay: true,
	Duration: true, Guid: true, Binary: true, Stream: true,
}

// IsPrimitive reports whether edmType is a known Edm primitive
func IsPrimitive(edmType string) bool {
	return primitives[edmType]
}

// IsCollection reports whether a type name is Collection(...)
func IsCollection(typeName string) bool {
	return strings.HasPrefix(typeName, "Collection(")
}

// ElementType strips a Collection(...) wrapper
func ElementType(typeName string) string {
	if IsCollection(typeName) {
		return strings.TrimSuffix(strings.TrimPrefix(typeName, "Collection("), ")")
	}
	return typeName
}
