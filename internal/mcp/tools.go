package mcp

import (
	"context"
	"errors"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/paulmach/orb/encoding/mvt"

	"github.com/faucetdb/tilefaucet/internal/model"
	"github.com/faucetdb/tilefaucet/internal/query"
	"github.com/faucetdb/tilefaucet/internal/tiles"
)

// registerTools registers all tilefaucet MCP tools on the given server.
func (s *MCPServer) registerTools(srv *server.MCPServer) {

	// ----- Discovery tools -----

	srv.AddTool(
		mcp.NewTool("tilefaucet_list_sources",
			mcp.WithDescription(
				"List every vector tile source discovered in the PostGIS database. "+
					"Returns each source's id, kind (table or function), database object, "+
					"geometry type, zoom range and feature properties. Use this first to "+
					"find source ids for the other tools.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
		),
		s.handleListSources,
	)

	srv.AddTool(
		mcp.NewTool("tilefaucet_describe_source",
			mcp.WithDescription(
				"Get the full descriptor of one source: SRID, properties, id column, "+
					"function parameters, tile options and zoom policy.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("source",
				mcp.Required(),
				mcp.Description("Source id as listed by tilefaucet_list_sources"),
			),
		),
		s.handleDescribeSource,
	)

	srv.AddTool(
		mcp.NewTool("tilefaucet_get_tilejson",
			mcp.WithDescription(
				"Get the TileJSON 3.0 document for one source or a comma-separated "+
					"composite of sources. Composite zoom ranges are intersected and bounds unioned.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("sources",
				mcp.Required(),
				mcp.Description("Source id, or several joined with commas (e.g. \"roads,rivers\")"),
			),
		),
		s.handleGetTileJSON,
	)

	// ----- Tile inspection -----

	srv.AddTool(
		mcp.NewTool("tilefaucet_inspect_tile",
			mcp.WithDescription(
				"Render one tile and summarise its content: layers in order, feature "+
					"counts, geometry types and property names. Use this to check what a "+
					"map would show at a location without decoding protobuf yourself.",
			),
			mcp.WithToolAnnotation(readOnlyAnnotation()),
			mcp.WithString("sources",
				mcp.Required(),
				mcp.Description("Source id, or several joined with commas"),
			),
			mcp.WithNumber("z", mcp.Required(), mcp.Description("Zoom level")),
			mcp.WithNumber("x", mcp.Required(), mcp.Description("Tile column")),
			mcp.WithNumber("y", mcp.Required(), mcp.Description("Tile row")),
			mcp.WithObject("params",
				mcp.Description("Extra arguments for function sources, by parameter name"),
			),
		),
		s.handleInspectTile,
	)

	// ----- Catalog maintenance -----

	srv.AddTool(
		mcp.NewTool("tilefaucet_refresh_catalog",
			mcp.WithDescription(
				"Re-run source discovery against the database and report what was "+
					"added, removed or changed. The previous catalog keeps serving if discovery fails.",
			),
			mcp.WithToolAnnotation(mutatingAnnotation()),
		),
		s.handleRefreshCatalog,
	)
}

// =========================================================================
// Tool handlers
// =========================================================================

// handleListSources returns a summary of every published source.
func (s *MCPServer) handleListSources(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	cat := s.catalog.Current()
	if cat == nil {
		return toolError("The catalog has not been loaded yet")
	}

	type listing struct {
		Sources   []model.SourceSummary `json:"sources"`
		Conflicts map[string][]string   `json:"conflicts,omitempty"`
	}
	out := listing{Sources: make([]model.SourceSummary, 0, cat.Len())}
	for _, src := range cat.Sources() {
		out.Sources = append(out.Sources, model.Summarize(src))
	}
	if c := cat.Conflicts(); len(c) > 0 {
		out.Conflicts = c
	}
	return successJSON(out)
}

// handleDescribeSource returns the full descriptor of one source.
func (s *MCPServer) handleDescribeSource(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	id, err := requireString(request, "source")
	if err != nil {
		return toolError("%v", err)
	}
	cat := s.catalog.Current()
	if cat == nil {
		return toolError("The catalog has not been loaded yet")
	}
	if cat.Conflicted(id) {
		return toolError("Source id %q is ambiguous between %v; use a schema-qualified id", id, cat.Conflicts()[id])
	}
	src, ok := cat.Lookup(id)
	if !ok {
		return toolError("Source %q not found. Available sources: %v", id, sourceNames(cat.Sources()))
	}
	return successJSON(src)
}

// handleGetTileJSON returns TileJSON for one or more sources.
func (s *MCPServer) handleGetTileJSON(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	raw, err := requireString(request, "sources")
	if err != nil {
		return toolError("%v", err)
	}
	tj, err := s.tiles.Metadata(sourceIDs(raw), s.baseURL)
	if err != nil {
		return toolError("%v", err)
	}
	return successJSON(tj)
}

// layerSummary describes one decoded layer of a tile.
type layerSummary struct {
	Name          string         `json:"name"`
	Extent        uint32         `json:"extent"`
	Features      int            `json:"features"`
	GeometryTypes map[string]int `json:"geometry_types"`
	Properties    []string       `json:"properties"`
}

// handleInspectTile renders a tile and decodes its layers.
func (s *MCPServer) handleInspectTile(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	raw, err := requireString(request, "sources")
	if err != nil {
		return toolError("%v", err)
	}
	var coord model.TileCoord
	for _, c := range []struct {
		key string
		dst *int
	}{{"z", &coord.Z}, {"x", &coord.X}, {"y", &coord.Y}} {
		v, err := requireInt(request, c.key)
		if err != nil {
			return toolError("%v", err)
		}
		*c.dst = v
	}

	tile, err := s.tiles.GetTile(ctx, tiles.Request{
		SourceIDs: sourceIDs(raw),
		Coord:     coord,
		Params:    getParamsArg(request, "params"),
	})
	if err != nil {
		var pe *query.ParamError
		if errors.As(err, &pe) {
			return toolError("Invalid parameter: %v", pe)
		}
		return toolError("Rendering %s %s failed: %v", raw, coord, err)
	}

	type result struct {
		Tile   string           `json:"tile"`
		Format model.TileFormat `json:"format"`
		Bytes  int              `json:"bytes"`
		Empty  bool             `json:"empty"`
		Layers []layerSummary   `json:"layers"`
	}
	format := tile.Format
	if format == "" {
		format = model.FormatMVT
	}
	out := result{Tile: coord.String(), Format: format, Bytes: len(tile.Data), Empty: tile.Empty(), Layers: []layerSummary{}}
	if tile.Empty() || format != model.FormatMVT {
		return successJSON(out)
	}

	layers, err := mvt.Unmarshal(tile.Data)
	if err != nil {
		return toolError("Tile %s could not be decoded: %v", coord, err)
	}
	out.Layers = summarizeLayers(layers)
	return successJSON(out)
}

// handleRefreshCatalog re-runs discovery.
func (s *MCPServer) handleRefreshCatalog(
	ctx context.Context,
	request mcp.CallToolRequest,
) (*mcp.CallToolResult, error) {

	report, err := s.catalog.Refresh(ctx)
	if err != nil {
		return toolError("Catalog refresh failed, previous catalog still served: %v", err)
	}
	return successJSON(report)
}

func summarizeLayers(layers mvt.Layers) []layerSummary {
	out := make([]layerSummary, 0, len(layers))
	for _, l := range layers {
		sum := layerSummary{
			Name:          l.Name,
			Extent:        l.Extent,
			Features:      len(l.Features),
			GeometryTypes: make(map[string]int),
			Properties:    []string{},
		}
		seen := make(map[string]bool)
		for _, f := range l.Features {
			if f.Geometry != nil {
				sum.GeometryTypes[f.Geometry.GeoJSONType()]++
			}
			for k := range f.Properties {
				if !seen[k] {
					seen[k] = true
					sum.Properties = append(sum.Properties, k)
				}
			}
		}
		sort.Strings(sum.Properties)
		out = append(out, sum)
	}
	return out
}

func sourceNames(srcs []model.Source) []string {
	names := make([]string, len(srcs))
	for i, s := range srcs {
		names[i] = s.ID
	}
	return names
}
