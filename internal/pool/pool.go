// Package pool manages a bounded set of PostgreSQL sessions used to render
// tiles. A checked-out Conn belongs to exactly one caller until it is
// released or discarded.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/puddle/v2"
)

var (
	// ErrAcquireTimeout is returned when no connection became available
	// within the acquire timeout.
	ErrAcquireTimeout = errors.New("timed out waiting for a database connection")
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("connection pool is closed")
)

// Error is returned by Acquire. Err is one of the sentinels above, a context
// error, or the error that prevented a new connection from being opened.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pool %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Session is one open database connection.
type Session interface {
	// QueryTile runs a statement returning a single bytea value. A statement
	// that returns no row yields nil bytes and no error.
	QueryTile(ctx context.Context, sql string, args ...any) ([]byte, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Connector opens a new Session.
type Connector func(ctx context.Context) (Session, error)

// Config holds pool sizing and lifecycle settings.
type Config struct {
	MaxConns          int32
	MinConns          int32
	AcquireTimeout    time.Duration
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	Logger            *slog.Logger
}

const (
	defaultMaxConns = 20
	closeTimeout    = 5 * time.Second
	pingTimeout     = 5 * time.Second
)

// Pool is a bounded pool of Sessions.
type Pool struct {
	res    *puddle.Pool[Session]
	cfg    Config
	logger *slog.Logger

	acquireTimeouts atomic.Int64
	discards        atomic.Int64

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a pool, opens MinConns connections (at least one, to verify the
// database is reachable) and starts the health loop.
func New(ctx context.Context, cfg Config, connect Connector) (*Pool, error) {
	if connect == nil {
		return nil, errors.New("pool: connector is required")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = defaultMaxConns
	}
	if cfg.MinConns < 0 || cfg.MinConns > cfg.MaxConns {
		return nil, fmt.Errorf("pool: min_conns %d must be between 0 and max_conns %d", cfg.MinConns, cfg.MaxConns)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}

	res, err := puddle.NewPool(&puddle.Config[Session]{
		Constructor: func(ctx context.Context) (Session, error) {
			return connect(ctx)
		},
		Destructor: func(s Session) {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			defer cancel()
			if err := s.Close(ctx); err != nil {
				p.logger.Debug("closing database connection", "error", err)
			}
		},
		MaxSize: cfg.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("pool: %w", err)
	}
	p.res = res

	if err := p.warmUp(ctx); err != nil {
		res.Close()
		return nil, err
	}

	if cfg.HealthCheckPeriod > 0 {
		p.wg.Add(1)
		go p.healthLoop()
	}
	return p, nil
}

func (p *Pool) warmUp(ctx context.Context) error {
	want := max(p.cfg.MinConns, 1)
	for i := int32(0); i < want; i++ {
		if err := p.res.CreateResource(ctx); err != nil {
			return &Error{Op: "connect", Err: err}
		}
	}
	return nil
}

// Acquire checks out a connection, waiting up to AcquireTimeout for one to
// become available.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	actx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	for {
		res, err := p.res.Acquire(actx)
		if err != nil {
			return nil, p.acquireError(ctx, err)
		}
		if p.expired(res) {
			res.Destroy()
			continue
		}
		return &Conn{res: res, pool: p}, nil
	}
}

func (p *Pool) acquireError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, puddle.ErrClosedPool):
		return &Error{Op: "acquire", Err: ErrClosed}
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return &Error{Op: "acquire", Err: ctx.Err()}
	case errors.Is(err, context.DeadlineExceeded):
		p.acquireTimeouts.Add(1)
		return &Error{Op: "acquire", Err: ErrAcquireTimeout}
	default:
		return &Error{Op: "connect", Err: err}
	}
}

func (p *Pool) expired(res *puddle.Resource[Session]) bool {
	return p.cfg.MaxConnLifetime > 0 && time.Since(res.CreationTime()) > p.cfg.MaxConnLifetime
}

// Stat is a point-in-time view of the pool.
type Stat struct {
	MaxConns             int32         `json:"max_conns"`
	TotalConns           int32         `json:"total_conns"`
	IdleConns            int32         `json:"idle_conns"`
	AcquiredConns        int32         `json:"acquired_conns"`
	ConstructingConns    int32         `json:"constructing_conns"`
	AcquireCount         int64         `json:"acquire_count"`
	EmptyAcquireCount    int64         `json:"empty_acquire_count"`
	CanceledAcquireCount int64         `json:"canceled_acquire_count"`
	AcquireTimeouts      int64         `json:"acquire_timeouts"`
	Discards             int64         `json:"discards"`
	AcquireDuration      time.Duration `json:"acquire_duration_ns"`
}

// Stat returns current pool statistics.
func (p *Pool) Stat() Stat {
	s := p.res.Stat()
	return Stat{
		MaxConns:             s.MaxResources(),
		TotalConns:           s.TotalResources(),
		IdleConns:            s.IdleResources(),
		AcquiredConns:        s.AcquiredResources(),
		ConstructingConns:    s.ConstructingResources(),
		AcquireCount:         s.AcquireCount(),
		EmptyAcquireCount:    s.EmptyAcquireCount(),
		CanceledAcquireCount: s.CanceledAcquireCount(),
		AcquireTimeouts:      p.acquireTimeouts.Load(),
		Discards:             p.discards.Load(),
		AcquireDuration:      s.AcquireDuration(),
	}
}

// Ping checks out a connection and pings the server with it.
func (p *Pool) Ping(ctx context.Context) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.Release()
	if err := c.res.Value().Ping(ctx); err != nil {
		c.markBroken()
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close stops the health loop and closes every connection. It blocks until
// all checked-out connections are returned.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		p.res.Close()
	})
}

func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-p.done:
					cancel()
				case <-ctx.Done():
				}
			}()
			p.checkHealth(ctx)
			cancel()
		}
	}
}

// checkHealth destroys idle connections that are past their lifetime, idle
// too long, or fail a ping, then tops the pool back up to MinConns.
func (p *Pool) checkHealth(ctx context.Context) {
	idle := p.res.AcquireAllIdle()
	total := p.res.Stat().TotalResources()
	for _, res := range idle {
		switch {
		case p.expired(res):
			res.Destroy()
			total--
		case p.cfg.MaxConnIdleTime > 0 && res.IdleDuration() > p.cfg.MaxConnIdleTime && total > p.cfg.MinConns:
			res.Destroy()
			total--
		default:
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := res.Value().Ping(pctx)
			cancel()
			if err != nil {
				p.logger.Warn("dropping unhealthy database connection", "error", err)
				res.Destroy()
				total--
				continue
			}
			res.ReleaseUnused()
		}
	}

	// Destroy is asynchronous, so count from total rather than Stat.
	for ; total < p.cfg.MinConns; total++ {
		if err := p.res.CreateResource(ctx); err != nil {
			if !errors.Is(err, puddle.ErrNotAvailable) {
				p.logger.Warn("opening database connection", "error", err)
			}
			return
		}
	}
}

// Conn is a checked-out connection.
type Conn struct {
	res    *puddle.Resource[Session]
	pool   *Pool
	done   atomic.Bool
	broken atomic.Bool
}

// QueryTile runs sql on the connection. When the failure is not a server
// error the connection is marked broken and will be discarded on Release.
func (c *Conn) QueryTile(ctx context.Context, sql string, args ...any) ([]byte, error) {
	b, err := c.res.Value().QueryTile(ctx, sql, args...)
	if err != nil && !IsServerError(err) {
		c.markBroken()
	}
	return b, err
}

func (c *Conn) markBroken() { c.broken.Store(true) }

// Release returns the connection to the pool, or destroys it if it is
// broken or past its lifetime. Calling Release more than once is a no-op.
func (c *Conn) Release() {
	if !c.done.CompareAndSwap(false, true) {
		return
	}
	if c.broken.Load() || c.pool.expired(c.res) {
		c.pool.discards.Add(1)
		c.res.Destroy()
		return
	}
	c.res.Release()
}

// Discard closes the connection instead of returning it. The pool opens a
// replacement on demand.
func (c *Conn) Discard() {
	c.markBroken()
	c.Release()
}

// IsServerError reports whether err was raised by the server while the
// connection itself stayed usable.
func IsServerError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
