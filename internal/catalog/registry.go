package catalog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/faucetdb/tilefaucet/internal/contract"
)

// Registry publishes the current catalog snapshot. Readers capture a
// snapshot with Current and keep using it for the rest of their request.
type Registry struct {
	in      Introspector
	opts    Options
	logger  *slog.Logger
	current atomic.Pointer[Catalog]
	mu      sync.Mutex
}

// NewRegistry creates an empty registry. Call Load before serving.
func NewRegistry(in Introspector, opts Options, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{in: in, opts: opts, logger: logger}
}

// Current returns the published snapshot, or nil before Load.
func (r *Registry) Current() *Catalog {
	return r.current.Load()
}

// Set publishes c directly.
func (r *Registry) Set(c *Catalog) {
	r.current.Store(c)
}

// Load runs the first discovery. Its error is fatal to startup.
func (r *Registry) Load(ctx context.Context) (*Catalog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := Discover(ctx, r.in, r.opts)
	if err != nil {
		return nil, err
	}
	r.logDiagnostics(c)
	r.current.Store(c)
	r.logger.Info("catalog loaded",
		"sources", c.Len(),
		"conflicts", len(c.conflicts),
		"postgis", c.PostGISVersion(),
	)
	return c, nil
}

// Refresh re-runs discovery and swaps the snapshot. On failure the previous
// snapshot stays published.
func (r *Registry) Refresh(ctx context.Context) (contract.DriftReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	c, err := Discover(ctx, r.in, r.opts)
	if err != nil {
		r.logger.Error("catalog refresh failed, keeping previous catalog", "error", err)
		return contract.DriftReport{}, err
	}

	var report contract.DriftReport
	if old := r.current.Load(); old != nil {
		report = contract.DiffCatalog(old.Sources(), c.Sources())
	} else {
		report = contract.DiffCatalog(nil, c.Sources())
	}
	r.logDiagnostics(c)
	r.current.Store(c)

	r.logger.Info("catalog refreshed",
		"sources", c.Len(),
		"added", len(report.Added),
		"removed", len(report.Removed),
		"changed", len(report.Changed),
		"breaking", report.BreakingCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	for _, item := range report.Items {
		r.logger.Info("catalog drift", "type", item.Type, "category", item.Category, "source", item.SourceID, "description", item.Description)
	}
	return report, nil
}

// Run refreshes the catalog every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

func (r *Registry) logDiagnostics(c *Catalog) {
	for _, d := range c.diagnostics {
		switch d.Level {
		case LevelWarn:
			r.logger.Warn(d.Message, "object", d.Source)
		case LevelInfo:
			r.logger.Info(d.Message, "object", d.Source)
		default:
			r.logger.Debug(d.Message, "object", d.Source)
		}
	}
}
