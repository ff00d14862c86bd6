package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/faucetdb/tilefaucet/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var (
		outputFile string
		baseURL    string
	)

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI specification",
		Long: `Discover the catalog and generate the OpenAPI 3.1 document the server
publishes at /openapi.json, with one tile and one TileJSON path per source.`,
		Example: `  tilefaucet openapi
  tilefaucet openapi -o openapi.json --base-url https://tiles.example.org`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if baseURL == "" {
				baseURL = cfg.Server.BaseURL
			}
			logger := newLogger(cfg.Logging, false, os.Stderr)
			b, err := openBackend(context.Background(), cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()

			doc := openapi.GenerateTileSpec(b.registry.Current().Sources(), openapi.Options{
				BaseURL: baseURL,
				Auth:    cfg.Auth.JWTSecret != "",
				Version: versionString(),
			})
			jsonBytes, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return fmt.Errorf("encode spec: %w", err)
			}
			if outputFile != "" {
				if err := os.WriteFile(outputFile, jsonBytes, 0644); err != nil {
					return fmt.Errorf("write spec: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", outputFile)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(jsonBytes))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write spec to file instead of stdout")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Server URL listed in the document (default from server.base_url)")

	return cmd
}
