// Package tiles resolves tile requests against the current catalog,
// renders each requested source on its own pooled connection and assembles
// the layers into one tile.
package tiles

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/faucetdb/tilefaucet/internal/catalog"
	"github.com/faucetdb/tilefaucet/internal/model"
	"github.com/faucetdb/tilefaucet/internal/pool"
	"github.com/faucetdb/tilefaucet/internal/query"
)

// Snapshots publishes the current catalog. *catalog.Registry implements it.
type Snapshots interface {
	Current() *catalog.Catalog
}

// Conn is a checked-out database connection.
type Conn interface {
	QueryTile(ctx context.Context, sql string, args ...any) ([]byte, error)
	Release()
}

// Pool hands out connections.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
}

type poolAdapter struct {
	p *pool.Pool
}

func (a poolAdapter) Acquire(ctx context.Context) (Conn, error) {
	c, err := a.p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FromPool adapts a session pool for the dispatcher.
func FromPool(p *pool.Pool) Pool {
	return poolAdapter{p: p}
}

// Archives reads tiles from file-backed sources. *archive.Set implements it.
type Archives interface {
	Tile(ctx context.Context, path string, c model.TileCoord) ([]byte, error)
}

// Config controls dispatch.
type Config struct {
	// MaxFanout bounds the concurrent queries of one composite request.
	MaxFanout int
	// QueryTimeout bounds one request, including waiting for connections.
	QueryTimeout time.Duration
	// Archives serves pmtiles sources. Nil means none are configured.
	Archives Archives
	Logger   *slog.Logger
}

// Request asks for one tile of one or more sources.
type Request struct {
	SourceIDs []string
	Coord     model.TileCoord
	Params    url.Values
}

// Tile is a rendered tile. Layers appear in the requested source order.
type Tile struct {
	Data    []byte
	Sources []string
	Format  model.TileFormat
}

// Empty reports whether no source produced any feature.
func (t Tile) Empty() bool { return len(t.Data) == 0 }

// Dispatcher renders tiles.
type Dispatcher struct {
	snapshots Snapshots
	pool      Pool
	cfg       Config
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(snapshots Snapshots, p Pool, cfg Config) *Dispatcher {
	if cfg.MaxFanout <= 0 {
		cfg.MaxFanout = 8
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{snapshots: snapshots, pool: p, cfg: cfg, logger: logger}
}

// resolve looks every id up in one snapshot.
func (d *Dispatcher) resolve(ids []string) ([]model.Source, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no source requested", ErrInvalidRequest)
	}
	cat := d.snapshots.Current()
	if cat == nil {
		return nil, ErrNotReady
	}

	seen := make(map[string]bool, len(ids))
	srcs := make([]model.Source, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, fmt.Errorf("%w: source %q requested more than once", ErrInvalidRequest, id)
		}
		seen[id] = true

		if cat.Conflicted(id) {
			return nil, fmt.Errorf("%w: %q", ErrSourceConflict, id)
		}
		src, ok := cat.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrSourceNotFound, id)
		}
		srcs = append(srcs, src)
	}
	return srcs, nil
}

// GetTile renders req. A request whose sources hold no features in the tile
// returns an empty Tile and no error.
func (d *Dispatcher) GetTile(ctx context.Context, req Request) (Tile, error) {
	if !req.Coord.Valid() {
		return Tile{}, fmt.Errorf("%w: %s is not on the tile grid", ErrCoordinateOutOfRange, req.Coord)
	}
	srcs, err := d.resolve(req.SourceIDs)
	if err != nil {
		return Tile{}, err
	}
	format, err := composeFormat(srcs)
	if err != nil {
		return Tile{}, err
	}
	for _, src := range srcs {
		if req.Coord.Z < src.Options.MinZoom || req.Coord.Z > src.Options.MaxZoom {
			return Tile{}, fmt.Errorf("%w: zoom %d is outside %d-%d for source %q",
				ErrCoordinateOutOfRange, req.Coord.Z, src.Options.MinZoom, src.Options.MaxZoom, src.ID)
		}
	}

	stmts := make([]query.Statement, len(srcs))
	for i, src := range srcs {
		if src.Kind == model.SourceKindPMTiles {
			continue
		}
		stmt, err := query.Build(src, req.Coord, req.Params)
		if err != nil {
			var pe *query.ParamError
			if errors.As(err, &pe) {
				return Tile{}, err
			}
			return Tile{}, fmt.Errorf("%w: %w", ErrBackend, err)
		}
		stmts[i] = stmt
	}

	if d.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.QueryTimeout)
		defer cancel()
	}

	start := time.Now()
	results := make([][]byte, len(srcs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.MaxFanout)
	for i := range srcs {
		g.Go(func() error {
			var (
				b   []byte
				err error
			)
			if srcs[i].Kind == model.SourceKindPMTiles {
				b, err = d.readArchive(gctx, srcs[i], req.Coord)
			} else {
				b, err = d.render(gctx, srcs[i].ID, stmts[i])
			}
			if err != nil {
				return err
			}
			results[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Tile{}, err
	}

	tile := Tile{Sources: req.SourceIDs, Format: format}
	if len(results) == 1 {
		tile.Data = results[0]
	} else {
		tile.Data = bytes.Join(results, nil)
	}

	d.logger.Debug("tile rendered",
		"sources", req.SourceIDs,
		"tile", req.Coord.String(),
		"bytes", len(tile.Data),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return tile, nil
}

// render runs one statement on its own connection.
func (d *Dispatcher) render(ctx context.Context, id string, stmt query.Statement) ([]byte, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		// Only exhaustion and shutdown are pool errors. A failed connect is
		// a backend error.
		if errors.Is(err, pool.ErrAcquireTimeout) || errors.Is(err, pool.ErrClosed) {
			return nil, fmt.Errorf("%w: source %q: %w", ErrPool, id, err)
		}
		return nil, fmt.Errorf("%w: source %q: %w", ErrBackend, id, err)
	}
	defer conn.Release()

	b, err := conn.QueryTile(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("%w: source %q: %w", ErrBackend, id, err)
	}
	return b, nil
}

// readArchive reads one tile of a pmtiles source. No pool connection is
// involved.
func (d *Dispatcher) readArchive(ctx context.Context, src model.Source, c model.TileCoord) ([]byte, error) {
	if d.cfg.Archives == nil || src.Archive == nil {
		return nil, fmt.Errorf("%w: source %q: no archive reader configured", ErrBackend, src.ID)
	}
	b, err := d.cfg.Archives.Tile(ctx, src.Archive.Path, c)
	if err != nil {
		return nil, fmt.Errorf("%w: source %q: %w", ErrBackend, src.ID, err)
	}
	return b, nil
}

// composeFormat returns the format of a tile made of srcs. Only MVT layers
// can be concatenated, so a raster source must be requested alone.
func composeFormat(srcs []model.Source) (model.TileFormat, error) {
	if len(srcs) == 1 {
		return srcs[0].Format(), nil
	}
	for _, s := range srcs {
		if f := s.Format(); f != model.FormatMVT {
			return "", fmt.Errorf("%w: %s source %q cannot be combined with other sources", ErrInvalidRequest, f, s.ID)
		}
	}
	return model.FormatMVT, nil
}
