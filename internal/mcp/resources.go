package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/faucetdb/tilefaucet/internal/model"
)

const (
	sourcesURI        = "tilefaucet://sources"
	sourceURIPrefix   = "tilefaucet://source/"
	tileJSONURIPrefix = "tilefaucet://tilejson/"
)

// registerResources adds MCP resource definitions to the server. Resources
// provide read-only data that LLM clients can load into their context.
func (s *MCPServer) registerResources(srv *server.MCPServer) {

	// -------------------------------------------------------------------
	// tilefaucet://sources: summary of all published sources
	// -------------------------------------------------------------------
	srv.AddResource(
		mcp.NewResource(
			sourcesURI,
			"Tile Sources",
			mcp.WithResourceDescription(
				"Every vector tile source discovered in the database, "+
					"with geometry type, zoom range and properties.",
			),
			mcp.WithMIMEType("application/json"),
		),
		s.handleSourcesResource,
	)

	// -------------------------------------------------------------------
	// tilefaucet://source/{id}: full descriptor of one source (template)
	// -------------------------------------------------------------------
	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			sourceURIPrefix+"{id}",
			"Tile Source",
			mcp.WithTemplateDescription("Full descriptor of one tile source."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleSourceResource,
	)

	// -------------------------------------------------------------------
	// tilefaucet://tilejson/{ids}: TileJSON for a source or composite
	// -------------------------------------------------------------------
	srv.AddResourceTemplate(
		mcp.NewResourceTemplate(
			tileJSONURIPrefix+"{ids}",
			"TileJSON",
			mcp.WithTemplateDescription("TileJSON 3.0 for one source or a comma-separated composite."),
			mcp.WithTemplateMIMEType("application/json"),
		),
		s.handleTileJSONResource,
	)
}

func (s *MCPServer) handleSourcesResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	cat := s.catalog.Current()
	if cat == nil {
		return nil, fmt.Errorf("catalog not loaded")
	}
	items := make([]model.SourceSummary, 0, cat.Len())
	for _, src := range cat.Sources() {
		items = append(items, model.Summarize(src))
	}
	return jsonContents(sourcesURI, items)
}

func (s *MCPServer) handleSourceResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	uri := request.Params.URI
	id := strings.TrimPrefix(uri, sourceURIPrefix)
	if id == "" || id == uri {
		return nil, fmt.Errorf("invalid source URI %q: expected %s{id}", uri, sourceURIPrefix)
	}
	cat := s.catalog.Current()
	if cat == nil {
		return nil, fmt.Errorf("catalog not loaded")
	}
	src, ok := cat.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("source %q not found (available: %v)", id, sourceNames(cat.Sources()))
	}
	return jsonContents(uri, src)
}

func (s *MCPServer) handleTileJSONResource(
	ctx context.Context,
	request mcp.ReadResourceRequest,
) ([]mcp.ResourceContents, error) {

	uri := request.Params.URI
	ids := strings.TrimPrefix(uri, tileJSONURIPrefix)
	if ids == "" || ids == uri {
		return nil, fmt.Errorf("invalid TileJSON URI %q: expected %s{ids}", uri, tileJSONURIPrefix)
	}
	tj, err := s.tiles.Metadata(sourceIDs(ids), s.baseURL)
	if err != nil {
		return nil, err
	}
	return jsonContents(uri, tj)
}

func jsonContents(uri string, v interface{}) ([]mcp.ResourceContents, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
}
