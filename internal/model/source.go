package model

import (
	"github.com/paulmach/orb"
)

// SourceKind distinguishes the ways a source can produce tiles.
type SourceKind string

const (
	SourceKindTable    SourceKind = "table"
	SourceKindFunction SourceKind = "function"
	// SourceKindPMTiles is a pre-rendered PMTiles archive on local disk.
	SourceKindPMTiles SourceKind = "pmtiles"
)

// TileFormat is the encoding of the tiles a source produces.
type TileFormat string

const (
	FormatMVT  TileFormat = "mvt"
	FormatPNG  TileFormat = "png"
	FormatJPEG TileFormat = "jpeg"
	FormatWebP TileFormat = "webp"
)

// ContentType returns the HTTP media type of a tile in format f.
func (f TileFormat) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	default:
		return "application/x-protobuf"
	}
}

// TileJSONFormat returns the TileJSON "format" value for f.
func (f TileFormat) TileJSONFormat() string {
	if f == FormatMVT || f == "" {
		return "pbf"
	}
	return string(f)
}

// GeometryType is the coarse geometry class of a table source.
type GeometryType string

const (
	GeometryPoint       GeometryType = "point"
	GeometryLine        GeometryType = "line"
	GeometryPolygon     GeometryType = "polygon"
	GeometryUnspecified GeometryType = "unspecified"
)

// PropertyType is the closed set of scalar types published for feature
// properties.
type PropertyType string

const (
	PropertyText    PropertyType = "text"
	PropertyInteger PropertyType = "integer"
	PropertyReal    PropertyType = "real"
	PropertyBoolean PropertyType = "boolean"
)

// VectorLayerFieldType returns the TileJSON vector_layers field type for p.
func (p PropertyType) VectorLayerFieldType() string {
	switch p {
	case PropertyInteger, PropertyReal:
		return "Number"
	case PropertyBoolean:
		return "Boolean"
	default:
		return "String"
	}
}

// ReturnKind describes what a tile function hands back.
type ReturnKind string

const (
	// ReturnBytea is a complete MVT fragment.
	ReturnBytea ReturnKind = "bytea"
	// ReturnRecord is a record whose first OUT column is the MVT fragment.
	ReturnRecord ReturnKind = "record"
	// ReturnGeometry is one or more geometries that must be encoded by the server.
	ReturnGeometry ReturnKind = "geometry"
)

// Source is a servable unit of tile data. Exactly one of Table, Function or
// Archive is set, matching Kind.
type Source struct {
	ID       string          `json:"id"`
	Kind     SourceKind      `json:"kind"`
	Table    *TableSource    `json:"table,omitempty"`
	Function *FunctionSource `json:"function,omitempty"`
	Archive  *ArchiveSource  `json:"archive,omitempty"`
	Options  TileOptions     `json:"options"`
}

// QualifiedName returns the schema-qualified database object behind the source.
func (s Source) QualifiedName() string {
	switch s.Kind {
	case SourceKindTable:
		return s.Table.Schema + "." + s.Table.Table + "." + s.Table.GeometryColumn
	case SourceKindFunction:
		return s.Function.Schema + "." + s.Function.Name
	case SourceKindPMTiles:
		return s.Archive.Path
	}
	return s.ID
}

// Format returns the tile encoding of the source. Database sources always
// produce MVT.
func (s Source) Format() TileFormat {
	if s.Kind == SourceKindPMTiles && s.Archive != nil && s.Archive.Format != "" {
		return s.Archive.Format
	}
	return FormatMVT
}

// Properties returns the published feature properties. Function sources are
// opaque and report none.
func (s Source) Properties() []Property {
	if s.Kind == SourceKindTable && s.Table != nil {
		return s.Table.Properties
	}
	return nil
}

// GeometryType returns the geometry class of the source; function sources are
// always unspecified.
func (s Source) GeometryType() GeometryType {
	if s.Kind == SourceKindTable && s.Table != nil {
		return s.Table.GeometryType
	}
	return GeometryUnspecified
}

// TableSource describes a geometry column in a table or view.
type TableSource struct {
	Schema         string       `json:"schema"`
	Table          string       `json:"table"`
	GeometryColumn string       `json:"geometry_column"`
	SRID           int          `json:"srid"`
	GeometryType   GeometryType `json:"geometry_type"`
	Geography      bool         `json:"geography,omitempty"`
	Properties     []Property   `json:"properties"`
	IDColumn       string       `json:"id_column,omitempty"`
}

// ArchiveSource is a PMTiles file. Its tiles are served as stored; Layers
// come from the archive's own metadata.
type ArchiveSource struct {
	Path   string        `json:"path"`
	Format TileFormat    `json:"format"`
	Layers []VectorLayer `json:"vector_layers,omitempty"`
}

// Property is a non-geometry column published as a feature attribute.
type Property struct {
	Name string       `json:"name"`
	Type PropertyType `json:"type"`
}

// FunctionSource describes a user function with the signature
// (z, x, y [, extra params]) returning a tile fragment.
type FunctionSource struct {
	Schema     string          `json:"schema"`
	Name       string          `json:"name"`
	CoordTypes [3]string       `json:"coord_types"`
	Params     []FunctionParam `json:"params,omitempty"`
	ReturnKind ReturnKind      `json:"return_kind"`
	// ReturnColumn is the OUT column holding the tile when ReturnKind is record.
	ReturnColumn string `json:"return_column,omitempty"`
}

// FunctionParam is an extra IN parameter after the three coordinates.
type FunctionParam struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	HasDefault bool   `json:"has_default"`
}

// TileOptions are the per-source rendering settings. Zero values are filled
// in from configuration defaults during discovery.
type TileOptions struct {
	MinZoom     int        `json:"minzoom"`
	MaxZoom     int        `json:"maxzoom"`
	Bounds      orb.Bound  `json:"-"`
	Attribution string     `json:"attribution,omitempty"`
	Extent      int        `json:"extent"`
	Clip        bool       `json:"clip_geom"`
	Policy      ZoomPolicy `json:"policy"`
}

// WorldBounds is the full EPSG:4326 extent of the web-mercator grid.
var WorldBounds = orb.Bound{
	Min: orb.Point{-180, -85.0511287798066},
	Max: orb.Point{180, 85.0511287798066},
}
