package model

import "github.com/paulmach/orb"

// SourceOverride is operator configuration for one discovered source, keyed
// in the configuration file by schema.name or schema.table.column. Unset
// fields keep the discovered or default value.
type SourceOverride struct {
	ID          string   `yaml:"id,omitempty" json:"id,omitempty"`
	Hide        bool     `yaml:"hide,omitempty" json:"hide,omitempty"`
	MinZoom     *int     `yaml:"minzoom,omitempty" json:"minzoom,omitempty"`
	MaxZoom     *int     `yaml:"maxzoom,omitempty" json:"maxzoom,omitempty"`
	Extent      *int     `yaml:"extent,omitempty" json:"extent,omitempty"`
	Clip        *bool    `yaml:"clip_geom,omitempty" json:"clip_geom,omitempty"`
	SRID        int      `yaml:"srid,omitempty" json:"srid,omitempty"`
	IDColumn    string   `yaml:"id_column,omitempty" json:"id_column,omitempty"`
	Properties  []string `yaml:"properties,omitempty" json:"properties,omitempty"`
	Attribution string   `yaml:"attribution,omitempty" json:"attribution,omitempty"`
	// Bounds is west, south, east, north in EPSG:4326.
	Bounds *[4]float64 `yaml:"bounds,omitempty" json:"bounds,omitempty"`

	Buffer          *int            `yaml:"buffer,omitempty" json:"buffer,omitempty"`
	BufferByZoom    map[int]int     `yaml:"buffer_by_zoom,omitempty" json:"buffer_by_zoom,omitempty"`
	Tolerance       *float64        `yaml:"tolerance,omitempty" json:"tolerance,omitempty"`
	ToleranceByZoom map[int]float64 `yaml:"tolerance_by_zoom,omitempty" json:"tolerance_by_zoom,omitempty"`
}

// Apply returns opts with the override's settings layered on top.
func (o SourceOverride) Apply(opts TileOptions) TileOptions {
	if o.MinZoom != nil {
		opts.MinZoom = *o.MinZoom
	}
	if o.MaxZoom != nil {
		opts.MaxZoom = *o.MaxZoom
	}
	if o.Extent != nil {
		opts.Extent = *o.Extent
	}
	if o.Clip != nil {
		opts.Clip = *o.Clip
	}
	if o.Attribution != "" {
		opts.Attribution = o.Attribution
	}
	if o.Bounds != nil {
		b := *o.Bounds
		opts.Bounds = orb.Bound{Min: orb.Point{b[0], b[1]}, Max: orb.Point{b[2], b[3]}}
	}
	if o.Buffer != nil {
		opts.Policy.Buffer = *o.Buffer
	}
	if o.BufferByZoom != nil {
		opts.Policy.BufferByZoom = o.BufferByZoom
	}
	if o.Tolerance != nil {
		opts.Policy.Tolerance = *o.Tolerance
	}
	if o.ToleranceByZoom != nil {
		opts.Policy.ToleranceByZoom = o.ToleranceByZoom
	}
	return opts
}
