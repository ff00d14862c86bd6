package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/faucetdb/tilefaucet/internal/catalog"
	"github.com/faucetdb/tilefaucet/internal/model"
)

func newCatalogCmd() *cobra.Command {
	var (
		jsonOutput bool
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Discover and print the servable sources",
		Long: `Run discovery against the configured database and print every source that
would be served, the ids that are ambiguous, and any discovery diagnostics.`,
		Example: `  tilefaucet catalog
  tilefaucet catalog --json
  tilefaucet catalog --verbose   # include debug diagnostics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging, false, os.Stderr)
			b, err := openBackend(context.Background(), cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()
			return printCatalog(cmd.OutOrStdout(), b.registry.Current(), jsonOutput, verbose)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the catalog as JSON")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Include debug diagnostics")

	return cmd
}

func printCatalog(w io.Writer, cat *catalog.Catalog, jsonOutput, verbose bool) error {
	var diags []catalog.Diagnostic
	for _, d := range cat.Diagnostics() {
		if d.Level != catalog.LevelDebug || verbose {
			diags = append(diags, d)
		}
	}

	if jsonOutput {
		sources := make([]model.SourceSummary, 0, cat.Len())
		for _, src := range cat.Sources() {
			sources = append(sources, model.Summarize(src))
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{
			"postgis":     cat.PostGISVersion(),
			"sources":     sources,
			"conflicts":   cat.Conflicts(),
			"diagnostics": diags,
		})
	}

	fmt.Fprintf(w, "PostGIS %s, %d sources\n\n", cat.PostGISVersion(), cat.Len())

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tOBJECT\tGEOMETRY\tSRID\tZOOM\tPROPERTIES")
	for _, src := range cat.Sources() {
		s := model.Summarize(src)
		srid := "-"
		if s.SRID != 0 {
			srid = fmt.Sprint(s.SRID)
		}
		props := make([]string, 0, len(s.Properties))
		for _, p := range s.Properties {
			props = append(props, p.Name+":"+string(p.Type))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d-%d\t%s\n",
			s.ID, s.Kind, s.Object, s.GeometryType, srid, s.MinZoom, s.MaxZoom, strings.Join(props, ","))
	}
	tw.Flush()

	if conflicts := cat.Conflicts(); len(conflicts) > 0 {
		ids := make([]string, 0, len(conflicts))
		for id := range conflicts {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintln(w, "\nAmbiguous ids (use a qualified id):")
		for _, id := range ids {
			fmt.Fprintf(w, "  %s: %s\n", id, strings.Join(conflicts[id], ", "))
		}
	}

	if len(diags) > 0 {
		fmt.Fprintln(w, "\nDiagnostics:")
		for _, d := range diags {
			if d.Source != "" {
				fmt.Fprintf(w, "  [%s] %s: %s\n", d.Level, d.Source, d.Message)
			} else {
				fmt.Fprintf(w, "  [%s] %s\n", d.Level, d.Message)
			}
		}
	}
	return nil
}
