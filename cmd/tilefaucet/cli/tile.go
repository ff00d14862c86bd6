package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb/encoding/mvt"
	"github.com/spf13/cobra"

	"github.com/faucetdb/tilefaucet/internal/tiles"
)

func newTileCmd() *cobra.Command {
	var (
		params     []string
		outputFile string
		serverURL  string
	)

	cmd := &cobra.Command{
		Use:   "tile <sources> <z/x/y>",
		Short: "Render one tile and summarise its layers",
		Long: `Render one tile of one or more comma-separated sources and print each
decoded layer with its feature count, geometry types and property keys.

By default the tile is rendered directly against the configured database.
With --server the tile is fetched from a running tilefaucet instead.`,
		Example: `  tilefaucet tile roads 12/2048/1361
  tilefaucet tile roads,buildings 14/8192/5448.pbf -o tile.pbf
  tilefaucet tile hexes 8/128/85 --param resolution=7
  tilefaucet tile roads 12/2048/1361 --server http://localhost:3000`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := parseCoord(args[1])
			if err != nil {
				return err
			}
			req.SourceIDs = strings.Split(args[0], ",")
			req.Params, err = parseParams(params)
			if err != nil {
				return err
			}

			start := time.Now()
			var data []byte
			if serverURL != "" {
				data, err = fetchTile(cmd.Context(), serverURL, args[0], req)
			} else {
				data, err = renderTile(req)
			}
			if err != nil {
				return err
			}
			elapsed := time.Since(start)

			if outputFile != "" {
				if err := os.WriteFile(outputFile, data, 0644); err != nil {
					return fmt.Errorf("write tile: %w", err)
				}
			}
			return printTileSummary(cmd.OutOrStdout(), req, data, elapsed)
		},
	}

	cmd.Flags().StringArrayVar(&params, "param", nil, "Function parameter as key=value (repeatable)")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Also write the raw tile to this file")
	cmd.Flags().StringVar(&serverURL, "server", "", "Fetch from a running server instead of the database")

	return cmd
}

func parseParams(kvs []string) (url.Values, error) {
	if len(kvs) == 0 {
		return nil, nil
	}
	params := url.Values{}
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q: expected key=value", kv)
		}
		params.Add(k, v)
	}
	return params, nil
}

func renderTile(req tiles.Request) ([]byte, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging, false, os.Stderr)
	ctx := context.Background()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	tile, err := b.dispatcher(cfg, logger).GetTile(ctx, req)
	if err != nil {
		return nil, err
	}
	return tile.Data, nil
}

func fetchTile(ctx context.Context, base, sources string, req tiles.Request) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	u := strings.TrimRight(base, "/") + "/" + sources + "/" + req.Coord.String()
	if len(req.Params) > 0 {
		u += "?" + req.Params.Encode()
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if token := os.Getenv("TILEFAUCET_TOKEN"); token != "" {
		hreq.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return body, nil
	case http.StatusNoContent:
		return nil, nil
	}
	return nil, fmt.Errorf("fetch %s: %s: %s", u, resp.Status, strings.TrimSpace(string(body)))
}

func printTileSummary(w io.Writer, req tiles.Request, data []byte, elapsed time.Duration) error {
	fmt.Fprintf(w, "%s %s: %d bytes in %s\n", strings.Join(req.SourceIDs, ","), req.Coord, len(data), elapsed.Round(time.Microsecond))
	if len(data) == 0 {
		fmt.Fprintln(w, "  (empty tile)")
		return nil
	}
	if ct := http.DetectContentType(data); strings.HasPrefix(ct, "image/") {
		fmt.Fprintf(w, "  raster tile (%s)\n", ct)
		return nil
	}

	layers, err := mvt.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("decode tile: %w", err)
	}
	for _, l := range layers {
		types := map[string]int{}
		keys := map[string]bool{}
		for _, f := range l.Features {
			if f.Geometry != nil {
				types[f.Geometry.GeoJSONType()]++
			}
			for k := range f.Properties {
				keys[k] = true
			}
		}
		fmt.Fprintf(w, "  layer %q: %d features, extent %d\n", l.Name, len(l.Features), l.Extent)
		if len(types) > 0 {
			fmt.Fprintf(w, "    geometry:   %s\n", joinCounts(types))
		}
		if len(keys) > 0 {
			names := make([]string, 0, len(keys))
			for k := range keys {
				names = append(names, k)
			}
			sort.Strings(names)
			fmt.Fprintf(w, "    properties: %s\n", strings.Join(names, ", "))
		}
	}
	return nil
}

func joinCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, " ")
}
