package tiles

import (
	"fmt"
	"slices"
	"strings"

	"github.com/paulmach/orb"

	"github.com/faucetdb/tilefaucet/internal/model"
)

// Metadata builds the TileJSON document for one source or a composite.
// baseURL is the externally visible URL prefix tiles are served under.
func (d *Dispatcher) Metadata(ids []string, baseURL string) (model.TileJSON, error) {
	srcs, err := d.resolve(ids)
	if err != nil {
		return model.TileJSON{}, err
	}
	return BuildTileJSON(srcs, baseURL)
}

// BuildTileJSON describes srcs, in order, as one tile set.
func BuildTileJSON(srcs []model.Source, baseURL string) (model.TileJSON, error) {
	if len(srcs) == 0 {
		return model.TileJSON{}, fmt.Errorf("%w: no source requested", ErrInvalidRequest)
	}

	ids := make([]string, len(srcs))
	for i, s := range srcs {
		ids[i] = s.ID
	}
	joined := strings.Join(ids, ",")

	format, err := composeFormat(srcs)
	if err != nil {
		return model.TileJSON{}, err
	}

	tj := model.TileJSON{
		TileJSON:     model.TileJSONVersion,
		Name:         joined,
		Tiles:        []string{strings.TrimRight(baseURL, "/") + "/" + joined + "/{z}/{x}/{y}"},
		Format:       format.TileJSONFormat(),
		Scheme:       "xyz",
		MinZoom:      srcs[0].Options.MinZoom,
		MaxZoom:      srcs[0].Options.MaxZoom,
		VectorLayers: make([]model.VectorLayer, 0, len(srcs)),
	}

	var (
		bound        orb.Bound
		attributions []string
		descriptions []string
	)
	for i, s := range srcs {
		b := s.Options.Bounds
		if b == (orb.Bound{}) {
			b = model.WorldBounds
		}
		if i == 0 {
			bound = b
		} else {
			bound = bound.Union(b)
		}

		tj.MinZoom = max(tj.MinZoom, s.Options.MinZoom)
		tj.MaxZoom = min(tj.MaxZoom, s.Options.MaxZoom)

		if a := s.Options.Attribution; a != "" && !slices.Contains(attributions, a) {
			attributions = append(attributions, a)
		}
		descriptions = append(descriptions, s.QualifiedName())

		if s.Kind == model.SourceKindPMTiles {
			tj.VectorLayers = append(tj.VectorLayers, s.Archive.Layers...)
			continue
		}
		fields := make(map[string]string)
		for _, p := range s.Properties() {
			fields[p.Name] = p.Type.VectorLayerFieldType()
		}
		tj.VectorLayers = append(tj.VectorLayers, model.VectorLayer{
			ID:           s.ID,
			Fields:       fields,
			Description:  s.QualifiedName(),
			MinZoom:      s.Options.MinZoom,
			MaxZoom:      s.Options.MaxZoom,
			GeometryType: s.GeometryType(),
		})
	}

	if tj.MinZoom > tj.MaxZoom {
		return model.TileJSON{}, fmt.Errorf("%w: zoom ranges of %s do not overlap", ErrInvalidRequest, joined)
	}

	if format == model.FormatMVT {
		tj.Encoding = "mvt"
	}
	tj.Bounds = [4]float64{bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]}
	c := bound.Center()
	tj.Center = &[3]float64{c[0], c[1], float64(tj.MinZoom)}
	tj.Attribution = strings.Join(attributions, "; ")
	tj.Description = strings.Join(descriptions, ", ")
	return tj, nil
}
