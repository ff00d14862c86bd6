package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	fmcp "github.com/faucetdb/tilefaucet/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	var (
		transport string
		port      int
		baseURL   string
	)

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server for AI agents",
		Long: `Start a Model Context Protocol (MCP) server that exposes the tile catalog
as tools for AI agents. Supports stdio (default) and HTTP transports.

In stdio mode, the MCP server communicates over stdin/stdout using JSON-RPC,
suitable for direct integration with desktop MCP clients.

In HTTP mode, the server listens on the specified port using the streamable
HTTP transport.`,
		Example: `  tilefaucet mcp                             # stdio mode
  tilefaucet mcp --transport http --port 3001  # streamable HTTP mode`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMCP(cmd, transport, port, baseURL)
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "", "Transport mode: stdio or http (default from mcp.transport)")
	cmd.Flags().IntVar(&port, "port", 3001, "HTTP port (only used with --transport http)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Public tile server URL used in TileJSON (default from server.base_url)")

	return cmd
}

func runMCP(cmd *cobra.Command, transport string, port int, baseURL string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.MCP.Enabled {
		return fmt.Errorf("the MCP server is disabled (mcp.enabled: false)")
	}
	if transport == "" {
		transport = cfg.MCP.Transport
	}
	if baseURL == "" {
		baseURL = cfg.Server.BaseURL
	}
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	// stdout carries the protocol in stdio mode; logs always go to stderr.
	logger := newLogger(cfg.Logging, false, os.Stderr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	go b.registry.Run(ctx, cfg.RefreshInterval())

	mcpSrv := fmcp.NewMCPServer(b.registry, b.dispatcher(cfg, logger), baseURL, versionString(), logger)

	switch transport {
	case "", "stdio":
		return mcpSrv.ServeStdio()
	case "http":
		addr := fmt.Sprintf(":%d", port)
		logger.Info("starting MCP HTTP server", "addr", addr)
		return mcpSrv.ServeHTTP(addr)
	default:
		return fmt.Errorf("unsupported transport %q; use 'stdio' or 'http'", transport)
	}
}
