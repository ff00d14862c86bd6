package openapi

import (
	"strings"

	"github.com/faucetdb/tilefaucet/internal/model"
)

// TypeMapping maps database column types to OpenAPI type/format pairs.
type TypeMapping struct {
	Type   string // OpenAPI type: string, integer, number, boolean, object
	Format string // OpenAPI format: int32, int64, float, double
}

// dbTypeToOpenAPI covers the PostgreSQL udt names a tile function parameter
// can be declared with.
var dbTypeToOpenAPI = map[string]TypeMapping{
	"int2":    {"integer", "int32"},
	"int4":    {"integer", "int32"},
	"int8":    {"integer", "int64"},
	"float4":  {"number", "float"},
	"float8":  {"number", "double"},
	"numeric": {"number", "double"},
	"bool":    {"boolean", ""},
	"text":    {"string", ""},
	"varchar": {"string", ""},
	"json":    {"object", ""},
	"jsonb":   {"object", ""},
}

// MapDBType converts a database type to an OpenAPI type mapping.
// Falls back to {"string", ""} for unknown types.
func MapDBType(dbType string) TypeMapping {
	normalized := strings.ToLower(strings.TrimSpace(dbType))
	if m, ok := dbTypeToOpenAPI[normalized]; ok {
		return m
	}
	return TypeMapping{"string", ""}
}

// MapPropertyType converts a published feature property type.
func MapPropertyType(t model.PropertyType) TypeMapping {
	switch t {
	case model.PropertyInteger:
		return TypeMapping{"integer", "int64"}
	case model.PropertyReal:
		return TypeMapping{"number", "double"}
	case model.PropertyBoolean:
		return TypeMapping{"boolean", ""}
	}
	return TypeMapping{"string", ""}
}
