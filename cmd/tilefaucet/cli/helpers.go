package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/faucetdb/tilefaucet/internal/archive"
	"github.com/faucetdb/tilefaucet/internal/catalog"
	"github.com/faucetdb/tilefaucet/internal/config"
	"github.com/faucetdb/tilefaucet/internal/connector"
	"github.com/faucetdb/tilefaucet/internal/connector/postgres"
	"github.com/faucetdb/tilefaucet/internal/pool"
	"github.com/faucetdb/tilefaucet/internal/server"
	"github.com/faucetdb/tilefaucet/internal/tiles"
)

// errNoDatabase is returned by commands that need a database when none is
// configured.
var errNoDatabase = errors.New("no database configured: set database.dsn, DATABASE_URL or --database-url")

// loadConfig reads the YAML file viper located, or the defaults when there is
// none, then applies flag and TILEFAUCET_* environment overrides.
func loadConfig() (*config.YAMLConfig, error) {
	var (
		cfg *config.YAMLConfig
		err error
	)
	if path := viper.ConfigFileUsed(); path != "" {
		cfg, err = config.LoadYAMLConfig(path)
	} else {
		cfg, err = config.ParseYAMLConfig(nil)
	}
	if err != nil {
		return nil, err
	}

	for key, dst := range map[string]*string{
		"database.dsn":    &cfg.Database.DSN,
		"auth.jwt_secret": &cfg.Auth.JWTSecret,
		"logging.level":   &cfg.Logging.Level,
		"logging.format":  &cfg.Logging.Format,
	} {
		if v, ok := override(key); ok {
			*dst = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overrideFlags maps config keys to the root flags that set them.
var overrideFlags = map[string]string{
	"database.dsn":   "database-url",
	"logging.level":  "log-level",
	"logging.format": "log-format",
}

// override returns the value for key from a changed flag or a TILEFAUCET_*
// environment variable. Values from the config file are already applied by
// loadConfig with ${VAR} expansion, so viper's copy of them is ignored.
func override(key string) (string, bool) {
	if name, ok := overrideFlags[key]; ok && rootCmd != nil && rootCmd.PersistentFlags().Changed(name) {
		return viper.GetString(key), true
	}
	envKey := "TILEFAUCET_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if v := os.Getenv(envKey); v != "" {
		return v, true
	}
	return "", false
}

// newLogger builds the process logger. An empty format picks text on a
// terminal and JSON otherwise.
func newLogger(cfg config.LoggingConfig, dev bool, w *os.File) *slog.Logger {
	level := parseLevel(cfg.Level)
	if dev {
		level = slog.LevelDebug
	}
	format := cfg.Format
	if format == "" {
		format = "json"
		if term.IsTerminal(int(w.Fd())) {
			format = "text"
		}
	}
	return slog.New(newHandler(w, format, level))
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// backend is the data side of the server: the introspection connection,
// the catalog registry, the tile session pool and any PMTiles archives.
type backend struct {
	meta     *postgres.PostgresConnector
	pool     *pool.Pool
	archives *archive.Set
	registry *catalog.Registry
}

// openBackend connects to the database, starts the session pool and loads
// the first catalog. Discovery failure is fatal.
func openBackend(ctx context.Context, cfg *config.YAMLConfig, logger *slog.Logger) (*backend, error) {
	if cfg.Database.DSN == "" {
		return nil, errNoDatabase
	}

	meta := postgres.New()
	if err := meta.Connect(cfg.ConnectionConfig()); err != nil {
		return nil, err
	}

	connect, err := pool.PgxConnector(connector.SanitizeDSN(cfg.Database.DSN), cfg.Database.ApplicationName)
	if err != nil {
		meta.Disconnect()
		return nil, err
	}
	pcfg := cfg.PoolConfig()
	pcfg.Logger = logger
	p, err := pool.New(ctx, pcfg, connect)
	if err != nil {
		meta.Disconnect()
		return nil, err
	}

	archives, err := archive.OpenSet(cfg.PMTiles)
	if err != nil {
		p.Close()
		meta.Disconnect()
		return nil, err
	}
	for _, w := range archives.Warnings() {
		logger.Warn("pmtiles archive", "error", w)
	}

	opts := cfg.CatalogOptions()
	opts.Reserved = server.ReservedIDs
	opts.Archives = archives.Sources()
	reg := catalog.NewRegistry(meta, opts, logger)
	if _, err := reg.Load(ctx); err != nil {
		archives.Close()
		p.Close()
		meta.Disconnect()
		return nil, err
	}
	return &backend{meta: meta, pool: p, archives: archives, registry: reg}, nil
}

// dispatcher builds a tile dispatcher over the backend.
func (b *backend) dispatcher(cfg *config.YAMLConfig, logger *slog.Logger) *tiles.Dispatcher {
	dcfg := cfg.DispatchConfig()
	dcfg.Logger = logger
	dcfg.Archives = b.archives
	return tiles.NewDispatcher(b.registry, tiles.FromPool(b.pool), dcfg)
}

// Close releases every connection. Safe to call after the server has
// already closed the pool.
func (b *backend) Close() {
	b.pool.Close()
	b.archives.Close()
	b.meta.Disconnect()
}

// parseCoord parses "z/x/y" with an optional extension such as .pbf.
func parseCoord(s string) (tiles.Request, error) {
	s = strings.TrimSuffix(s, path.Ext(s))
	var req tiles.Request
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return req, fmt.Errorf("tile %q: expected z/x/y", s)
	}
	if _, err := fmt.Sscanf(s, "%d/%d/%d", &req.Coord.Z, &req.Coord.X, &req.Coord.Y); err != nil {
		return req, fmt.Errorf("tile %q: %w", s, err)
	}
	if !req.Coord.Valid() {
		return req, fmt.Errorf("tile %q is not on the grid", s)
	}
	return req, nil
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
