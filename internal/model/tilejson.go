package model

// TileJSONVersion is the TileJSON spec version produced by the server.
const TileJSONVersion = "3.0.0"

// TileJSON is the published tile-service descriptor for one source or a
// composite of sources.
type TileJSON struct {
	TileJSON     string        `json:"tilejson"`
	Name         string        `json:"name,omitempty"`
	Description  string        `json:"description,omitempty"`
	Tiles        []string      `json:"tiles"`
	Format       string        `json:"format"`
	Encoding     string        `json:"encoding,omitempty"`
	Scheme       string        `json:"scheme"`
	Bounds       [4]float64    `json:"bounds"`
	Center       *[3]float64   `json:"center,omitempty"`
	MinZoom      int           `json:"minzoom"`
	MaxZoom      int           `json:"maxzoom"`
	Attribution  string        `json:"attribution,omitempty"`
	VectorLayers []VectorLayer `json:"vector_layers"`
}

// VectorLayer describes one layer inside a vector tile.
type VectorLayer struct {
	ID           string            `json:"id"`
	Fields       map[string]string `json:"fields"`
	Description  string            `json:"description,omitempty"`
	MinZoom      int               `json:"minzoom"`
	MaxZoom      int               `json:"maxzoom"`
	GeometryType GeometryType      `json:"geometry_type,omitempty"`
}

// SourceSummary is the catalog listing entry for one source.
type SourceSummary struct {
	ID           string       `json:"id"`
	Kind         SourceKind   `json:"kind"`
	Object       string       `json:"object"`
	GeometryType GeometryType `json:"geometry_type,omitempty"`
	SRID         int          `json:"srid,omitempty"`
	Properties   []Property   `json:"properties,omitempty"`
	MinZoom      int          `json:"minzoom"`
	MaxZoom      int          `json:"maxzoom"`
	Attribution  string       `json:"attribution,omitempty"`
	Format       TileFormat   `json:"format"`
}

// Summarize builds the catalog listing entry for s.
func Summarize(s Source) SourceSummary {
	sum := SourceSummary{
		ID:           s.ID,
		Kind:         s.Kind,
		Object:       s.QualifiedName(),
		GeometryType: s.GeometryType(),
		Properties:   s.Properties(),
		MinZoom:      s.Options.MinZoom,
		MaxZoom:      s.Options.MaxZoom,
		Attribution:  s.Options.Attribution,
		Format:       s.Format(),
	}
	if s.Kind == SourceKindTable {
		sum.SRID = s.Table.SRID
	}
	return sum
}
