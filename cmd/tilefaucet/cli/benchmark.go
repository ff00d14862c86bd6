package cli

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/spf13/cobra"

	"github.com/faucetdb/tilefaucet/internal/connector"
	"github.com/faucetdb/tilefaucet/internal/model"
	"github.com/faucetdb/tilefaucet/internal/tiles"
)

func newBenchmarkCmd() *cobra.Command {
	var (
		sources     string
		duration    time.Duration
		concurrency int
		minZoom     int
		maxZoom     int
	)

	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Benchmark tile rendering throughput",
		Long: `Run a load test that renders random tiles inside the bounds of the given
sources for the given duration and reports throughput and latency.`,
		Example: `  tilefaucet benchmark --sources roads --duration 30s --concurrency 50
  tilefaucet benchmark --sources roads,buildings --minzoom 12 --maxzoom 16`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBenchmark(strings.Split(sources, ","), duration, concurrency, minZoom, maxZoom)
		},
	}

	cmd.Flags().StringVar(&sources, "sources", "", "Comma-separated source ids to render (required)")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	cmd.Flags().IntVar(&concurrency, "concurrency", 10, "Number of concurrent workers")
	cmd.Flags().IntVar(&minZoom, "minzoom", -1, "Lowest zoom to request (default: the sources' minzoom)")
	cmd.Flags().IntVar(&maxZoom, "maxzoom", -1, "Highest zoom to request (default: the sources' maxzoom, capped at 16)")
	cmd.MarkFlagRequired("sources")

	return cmd
}

// printBanner prints the ASCII art banner and benchmark configuration.
func printBanner(dsn string, sources []string, duration time.Duration, concurrency int) {
	fmt.Print(banner)
	fmt.Println("tilefaucet benchmark")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Target: %s\n", connector.RedactDSN(dsn))
	fmt.Printf("Sources: %s\n", strings.Join(sources, ","))
	fmt.Printf("Duration: %s | Concurrency: %d\n", duration, concurrency)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}

// memStats captures a snapshot of memory statistics for reporting.
type memStats struct {
	HeapAlloc uint64
	Sys       uint64
}

func captureMemStats() memStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return memStats{HeapAlloc: m.HeapAlloc, Sys: m.Sys}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// tilePicker draws random tiles inside a bound over a zoom range.
type tilePicker struct {
	bound            orb.Bound
	minZoom, maxZoom int
}

// newTilePicker intersects the zoom ranges and unions the bounds of srcs,
// then narrows the zoom range to the requested one. Negative requests keep
// the source range, with the top capped at 16.
func newTilePicker(srcs []model.Source, minZoom, maxZoom int) (tilePicker, error) {
	if len(srcs) == 0 {
		return tilePicker{}, errors.New("no sources")
	}
	p := tilePicker{bound: srcs[0].Options.Bounds, minZoom: srcs[0].Options.MinZoom, maxZoom: srcs[0].Options.MaxZoom}
	for _, s := range srcs[1:] {
		p.bound = p.bound.Union(s.Options.Bounds)
		p.minZoom = max(p.minZoom, s.Options.MinZoom)
		p.maxZoom = min(p.maxZoom, s.Options.MaxZoom)
	}
	if minZoom >= 0 {
		p.minZoom = max(p.minZoom, minZoom)
	}
	if maxZoom >= 0 {
		p.maxZoom = min(p.maxZoom, maxZoom)
	} else {
		p.maxZoom = min(p.maxZoom, 16)
	}
	if p.minZoom > p.maxZoom {
		return tilePicker{}, fmt.Errorf("empty zoom range %d-%d", p.minZoom, p.maxZoom)
	}
	if p.bound.IsEmpty() {
		p.bound = model.WorldBounds
	}
	return p, nil
}

func (p tilePicker) pick(r *rand.Rand) model.TileCoord {
	z := p.minZoom + r.IntN(p.maxZoom-p.minZoom+1)
	pt := orb.Point{
		p.bound.Min[0] + r.Float64()*(p.bound.Max[0]-p.bound.Min[0]),
		p.bound.Min[1] + r.Float64()*(p.bound.Max[1]-p.bound.Min[1]),
	}
	t := maptile.At(pt, maptile.Zoom(z))
	return model.TileCoord{Z: int(t.Z), X: int(t.X), Y: int(t.Y)}
}

func runBenchmark(sources []string, duration time.Duration, concurrency, minZoom, maxZoom int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	printBanner(cfg.Database.DSN, sources, duration, concurrency)

	memBefore := captureMemStats()
	logger := newLogger(cfg.Logging, false, os.Stderr)

	fmt.Print("Connecting and discovering... ")
	ctx := context.Background()
	introStart := time.Now()
	if int(cfg.Database.Pool.MaxConns) < concurrency {
		cfg.Database.Pool.MaxConns = concurrency
	}
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()
	introDuration := time.Since(introStart)
	cat := b.registry.Current()
	fmt.Printf("done (%s, %d sources)\n", introDuration, cat.Len())

	srcs := make([]model.Source, 0, len(sources))
	for _, id := range sources {
		src, ok := cat.Lookup(id)
		if !ok {
			return fmt.Errorf("source %q not found", id)
		}
		srcs = append(srcs, src)
	}
	picker, err := newTilePicker(srcs, minZoom, maxZoom)
	if err != nil {
		return err
	}
	fmt.Printf("  zoom %d-%d inside %v\n\n", picker.minZoom, picker.maxZoom, picker.bound)
	fmt.Println("Running benchmark...")
	fmt.Println()

	d := b.dispatcher(cfg, logger)
	var (
		totalTiles  atomic.Int64
		emptyTiles  atomic.Int64
		totalErrors atomic.Int64
		totalBytes  atomic.Int64
		latencies   = make([]time.Duration, 0, 100000)
		latencyMu   sync.Mutex
		firstErr    atomic.Value
	)

	deadline := time.Now().Add(duration)
	var wg sync.WaitGroup

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(seed, uint64(time.Now().UnixNano())))
			for time.Now().Before(deadline) {
				req := tiles.Request{SourceIDs: sources, Coord: picker.pick(r)}
				start := time.Now()
				tile, err := d.GetTile(ctx, req)
				elapsed := time.Since(start)

				if err != nil {
					totalErrors.Add(1)
					firstErr.CompareAndSwap(nil, err.Error())
					continue
				}
				totalTiles.Add(1)
				totalBytes.Add(int64(len(tile.Data)))
				if tile.Empty() {
					emptyTiles.Add(1)
				}
				latencyMu.Lock()
				latencies = append(latencies, elapsed)
				latencyMu.Unlock()
			}
		}(uint64(i))
	}

	wg.Wait()

	memAfter := captureMemStats()

	total := totalTiles.Load()
	errCount := totalErrors.Load()
	tps := float64(total) / duration.Seconds()

	fmt.Println("Results")
	fmt.Println("-------")
	fmt.Printf("  Total tiles:    %d\n", total)
	fmt.Printf("  Empty tiles:    %d\n", emptyTiles.Load())
	fmt.Printf("  Errors:         %d\n", errCount)
	if msg, ok := firstErr.Load().(string); ok {
		fmt.Printf("  First error:    %s\n", msg)
	}
	fmt.Printf("  Tiles/s:        %.1f\n", tps)
	if total > 0 {
		fmt.Printf("  Avg size:       %s\n", formatBytes(uint64(totalBytes.Load()/total)))
	}

	if len(latencies) > 0 {
		slices.Sort(latencies)
		fmt.Printf("  Latency p50:    %s\n", latencies[len(latencies)*50/100])
		fmt.Printf("  Latency p95:    %s\n", latencies[len(latencies)*95/100])
		fmt.Printf("  Latency p99:    %s\n", latencies[len(latencies)*99/100])
		fmt.Printf("  Latency max:    %s\n", latencies[len(latencies)-1])
	}

	stat := b.pool.Stat()
	fmt.Println()
	fmt.Println("Pool")
	fmt.Println("----")
	fmt.Printf("  Connections:    %d/%d\n", stat.TotalConns, stat.MaxConns)
	fmt.Printf("  Acquires:       %d (waited %d, timed out %d)\n", stat.AcquireCount, stat.EmptyAcquireCount, stat.AcquireTimeouts)
	fmt.Printf("  Discards:       %d\n", stat.Discards)

	fmt.Println()
	fmt.Println("Catalog Discovery")
	fmt.Println("-----------------")
	fmt.Printf("  Duration:       %s\n", introDuration)
	fmt.Printf("  Sources found:  %d\n", cat.Len())

	fmt.Println()
	fmt.Println("Memory")
	fmt.Println("------")
	fmt.Printf("  Heap before:    %s\n", formatBytes(memBefore.HeapAlloc))
	fmt.Printf("  Heap after:     %s\n", formatBytes(memAfter.HeapAlloc))
	fmt.Printf("  RSS (sys) before: %s\n", formatBytes(memBefore.Sys))
	fmt.Printf("  RSS (sys) after:  %s\n", formatBytes(memAfter.Sys))

	return nil
}
