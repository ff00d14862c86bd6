package model

// ZoomPolicy decides the buffer and simplification tolerance used when a
// table source is rendered at a given zoom. Both are step functions: the
// override with the greatest zoom not above the requested zoom wins, and the
// base value applies below the first override.
type ZoomPolicy struct {
	// Buffer is the margin around the tile, in tile units.
	Buffer       int         `json:"buffer" yaml:"buffer"`
	BufferByZoom map[int]int `json:"buffer_by_zoom,omitempty" yaml:"buffer_by_zoom,omitempty"`

	// Tolerance is the simplification tolerance in tile units. Zero disables
	// simplification.
	Tolerance       float64         `json:"tolerance" yaml:"tolerance"`
	ToleranceByZoom map[int]float64 `json:"tolerance_by_zoom,omitempty" yaml:"tolerance_by_zoom,omitempty"`
}

// DefaultBuffer matches the PostGIS ST_AsMVTGeom default.
const DefaultBuffer = 64

// DefaultExtent is the MVT default tile resolution.
const DefaultExtent = 4096

// DefaultZoomPolicy returns a fixed 64-unit buffer with no simplification.
func DefaultZoomPolicy() ZoomPolicy {
	return ZoomPolicy{Buffer: DefaultBuffer}
}

// BufferAt returns the buffer, in tile units, for zoom z.
func (p ZoomPolicy) BufferAt(z int) int {
	return stepAt(p.Buffer, p.BufferByZoom, z)
}

// ToleranceAt returns the simplification tolerance, in tile units, for zoom z.
func (p ZoomPolicy) ToleranceAt(z int) float64 {
	return stepAt(p.Tolerance, p.ToleranceByZoom, z)
}

func stepAt[V any](base V, steps map[int]V, z int) V {
	best := -1
	v := base
	for k, s := range steps {
		if k <= z && k > best {
			best = k
			v = s
		}
	}
	return v
}
