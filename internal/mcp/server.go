package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/faucetdb/tilefaucet/internal/catalog"
	"github.com/faucetdb/tilefaucet/internal/contract"
	"github.com/faucetdb/tilefaucet/internal/model"
	"github.com/faucetdb/tilefaucet/internal/tiles"
)

// Catalog publishes and refreshes the source catalog. *catalog.Registry
// implements it.
type Catalog interface {
	Current() *catalog.Catalog
	Refresh(ctx context.Context) (contract.DriftReport, error)
}

// Tiles renders tiles and TileJSON. *tiles.Dispatcher implements it.
type Tiles interface {
	GetTile(ctx context.Context, req tiles.Request) (tiles.Tile, error)
	Metadata(ids []string, baseURL string) (model.TileJSON, error)
}

// MCPServer wraps the mcp-go server with tilefaucet tool and resource
// registrations. It lets AI agents discover tile sources, read their
// TileJSON and inspect the content of individual tiles.
type MCPServer struct {
	catalog Catalog
	tiles   Tiles
	baseURL string
	logger  *slog.Logger
	server  *server.MCPServer
}

// NewMCPServer creates an MCPServer pre-loaded with all tools and resources.
// baseURL is written into TileJSON tile templates.
func NewMCPServer(cat Catalog, t Tiles, baseURL, version string, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &MCPServer{
		catalog: cat,
		tiles:   t,
		baseURL: baseURL,
		logger:  logger,
	}

	mcpServer := server.NewMCPServer(
		"tilefaucet",
		version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// ServeStdio starts the MCP server in stdio mode, for clients that launch
// the server as a subprocess.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeHTTP starts the MCP server in Streamable HTTP mode, listening on
// the given address (e.g. ":3001").
func (s *MCPServer) ServeHTTP(addr string) error {
	httpServer := server.NewStreamableHTTPServer(s.server)
	s.logger.Info("MCP HTTP server starting", "addr", addr)
	return httpServer.Start(addr)
}

func readOnlyAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint: boolPtr(true),
	}
}

func mutatingAnnotation() mcp.ToolAnnotation {
	return mcp.ToolAnnotation{
		ReadOnlyHint:    boolPtr(false),
		DestructiveHint: boolPtr(false),
	}
}

func boolPtr(b bool) *bool {
	return &b
}
