package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/faucetdb/tilefaucet/internal/handler"
	"github.com/faucetdb/tilefaucet/internal/pool"
	"github.com/faucetdb/tilefaucet/internal/server/middleware"
	"github.com/faucetdb/tilefaucet/internal/service"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	CORSMethods     []string
	// BaseURL is the public URL advertised in TileJSON. Empty derives it from
	// each request.
	BaseURL     string
	TLSCertFile string
	TLSKeyFile  string
	// RateLimit is requests per minute per client IP. Zero disables it.
	RateLimit        int
	RefreshInterval  time.Duration
	AdminOnlyRefresh bool
	Version          string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            3000,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		CORSMethods:     []string{"GET", "HEAD", "OPTIONS"},
		Version:         "dev",
	}
}

// ReservedIDs are first path segments owned by the server. Discovery never
// hands them to a source.
var ReservedIDs = []string{"catalog", "_refresh", "healthz", "readyz", "openapi.json"}

// Registry is the catalog holder the server serves from and refreshes.
type Registry interface {
	handler.CatalogSource
	Run(ctx context.Context, interval time.Duration)
}

// Prober reports pool health for the readiness probe.
type Prober interface {
	Ping(ctx context.Context) error
	Stat() pool.Stat
	Close()
}

// Server is the top-level HTTP server. It owns the chi router and ties the
// catalog registry, the tile dispatcher and the connection pool together.
type Server struct {
	cfg        Config
	router     chi.Router
	registry   Registry
	tiles      handler.TileService
	pool       Prober
	authSvc    *service.AuthService
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes and middleware wired. Call
// ListenAndServe to start accepting connections.
func New(cfg Config, registry Registry, tiles handler.TileService, p Prober, authSvc *service.AuthService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		registry: registry,
		tiles:    tiles,
		pool:     p,
		authSvc:  authSvc,
		logger:   logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: s.cfg.CORSMethods,
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders: []string{"X-Request-ID", "Content-Length"},
		MaxAge:         300,
	}))
	if s.cfg.RateLimit > 0 {
		r.Use(middleware.RateLimit(s.cfg.RateLimit))
	}
	r.Use(middleware.Compress(5))

	// --- Probes and documents (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/openapi.json", handler.NewOpenAPIHandler(s.registry, s.cfg.BaseURL, s.authSvc.Enabled(), s.cfg.Version).ServeSpec)

	catalogHandler := handler.NewCatalogHandler(s.registry, s.logger)
	tileHandler := handler.NewTileHandler(s.tiles, s.registry, s.cfg.BaseURL, s.logger)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(s.authSvc))

		r.Get("/catalog", catalogHandler.ListCatalog)
		r.Group(func(r chi.Router) {
			if s.cfg.AdminOnlyRefresh {
				r.Use(middleware.RequireAdmin())
			}
			r.Post("/_refresh", catalogHandler.Refresh)
		})

		// Tiles and TileJSON. Reserved names above win over source ids.
		r.Get("/{sourceIDs}", tileHandler.ServeTileJSON)
		r.Get("/{sourceIDs}/{z}/{x}/{y}", tileHandler.ServeTile)
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 once a catalog is published
// and the database answers, 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := make(map[string]string)

	if cat := s.registry.Current(); cat == nil {
		checks["catalog"] = "not loaded"
		status = "unavailable"
	} else {
		checks["catalog"] = fmt.Sprintf("ok (%d sources)", cat.Len())
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		checks["database"] = "error: " + err.Error()
		status = "unavailable"
	} else {
		checks["database"] = "ok"
	}

	httpStatus := http.StatusOK
	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
		"pool":   s.pool.Stat(),
	})
}

// ListenAndServe starts the HTTP server and blocks until SIGINT or SIGTERM.
// SIGHUP refreshes the catalog. On shutdown in-flight requests are drained
// before the pool is closed.
func (s *Server) ListenAndServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve runs the server until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	bgCtx, cancelBg := context.WithCancel(ctx)
	defer cancelBg()
	go s.registry.Run(bgCtx, s.cfg.RefreshInterval)
	go s.watchHangup(bgCtx)

	errCh := make(chan error, 1)
	go func() {
		tls := s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != ""
		s.logger.Info("server starting", "addr", addr, "tls", tls)
		var err error
		if tls {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.pool.Close()
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}
	cancelBg()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)

	s.pool.Close()
	if err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// watchHangup refreshes the catalog on every SIGHUP until ctx is done.
func (s *Server) watchHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			s.logger.Info("SIGHUP received, refreshing catalog")
			s.registry.Refresh(ctx)
		}
	}
}

// Router returns the underlying chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
