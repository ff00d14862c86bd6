package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/faucetdb/tilefaucet/internal/archive"
	"github.com/faucetdb/tilefaucet/internal/catalog"
	"github.com/faucetdb/tilefaucet/internal/connector"
	"github.com/faucetdb/tilefaucet/internal/model"
	"github.com/faucetdb/tilefaucet/internal/pool"
	"github.com/faucetdb/tilefaucet/internal/tiles"
)

// YAMLConfig represents the top-level tilefaucet configuration file.
type YAMLConfig struct {
	Server    ServerConfig                    `yaml:"server"`
	Database  DatabaseConfig                  `yaml:"database"`
	Catalog   CatalogConfig                   `yaml:"catalog"`
	Tiles     TilesConfig                     `yaml:"tiles"`
	Sources   map[string]model.SourceOverride `yaml:"sources,omitempty"`
	PMTiles   archive.FileConfig              `yaml:"pmtiles,omitempty"`
	Auth      AuthConfig                      `yaml:"auth"`
	RateLimit RateLimitConfig                 `yaml:"rate_limit"`
	MCP       MCPConfig                       `yaml:"mcp"`
	Logging   LoggingConfig                   `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	// BaseURL is the externally visible prefix written into TileJSON. Empty
	// means it is derived from each request.
	BaseURL string     `yaml:"base_url"`
	CORS    CORSConfig `yaml:"cors"`
	TLS     TLSConfig  `yaml:"tls"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
}

// TLSConfig controls TLS termination at the server level.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DatabaseConfig names the PostGIS database and sizes the tile pool.
type DatabaseConfig struct {
	DSN             string   `yaml:"dsn"`
	ApplicationName string   `yaml:"application_name"`
	Pool            PoolYAML `yaml:"pool"`
}

// PoolYAML controls the tile session pool.
type PoolYAML struct {
	MaxConns          int    `yaml:"max_conns"`
	MinConns          int    `yaml:"min_conns"`
	AcquireTimeout    string `yaml:"acquire_timeout"`
	MaxConnLifetime   string `yaml:"max_conn_lifetime"`
	MaxConnIdleTime   string `yaml:"max_conn_idle_time"`
	HealthCheckPeriod string `yaml:"health_check_period"`
}

// CatalogConfig controls source discovery.
type CatalogConfig struct {
	Schemas         []string `yaml:"schemas"`
	DefaultSRID     int      `yaml:"default_srid"`
	EstimateBounds  bool     `yaml:"estimate_bounds"`
	FailOnEmpty     bool     `yaml:"fail_on_empty"`
	RefreshInterval string   `yaml:"refresh_interval"`
	PublishTables   bool     `yaml:"publish_tables"`
	PublishFuncs    bool     `yaml:"publish_functions"`
}

// TilesConfig holds the tile defaults every source starts from and the
// dispatch limits.
type TilesConfig struct {
	MaxFanout    int     `yaml:"max_fanout"`
	QueryTimeout string  `yaml:"query_timeout"`
	MinZoom      int     `yaml:"minzoom"`
	MaxZoom      int     `yaml:"maxzoom"`
	Extent       int     `yaml:"extent"`
	Buffer       int     `yaml:"buffer"`
	Tolerance    float64 `yaml:"tolerance"`
	Clip         bool    `yaml:"clip_geom"`
}

// AuthConfig controls bearer token authentication. An empty secret leaves
// the tile endpoints open.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	// AdminOnlyRefresh requires the "admin" claim for POST /_refresh.
	AdminOnlyRefresh bool `yaml:"admin_only_refresh"`
}

// RateLimitConfig limits requests per client address.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// MCPConfig controls the MCP (Model Context Protocol) server.
type MCPConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Transport string `yaml:"transport"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before parsing.
// Settings absent from the file keep their defaults.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return ParseYAMLConfig(data)
}

// ParseYAMLConfig parses configuration from memory.
func ParseYAMLConfig(data []byte) (*YAMLConfig, error) {
	// Expand environment variables: ${VAR_NAME}
	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = os.Getenv("DATABASE_URL")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ShutdownTimeout: "30s",
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"GET", "HEAD", "OPTIONS"},
			},
		},
		Database: DatabaseConfig{
			ApplicationName: "tilefaucet",
			Pool: PoolYAML{
				MaxConns:          20,
				MinConns:          1,
				AcquireTimeout:    "5s",
				MaxConnLifetime:   "1h",
				MaxConnIdleTime:   "30m",
				HealthCheckPeriod: "1m",
			},
		},
		Catalog: CatalogConfig{
			EstimateBounds: true,
			PublishTables:  true,
			PublishFuncs:   true,
		},
		Tiles: TilesConfig{
			MaxFanout:    8,
			QueryTimeout: "30s",
			MinZoom:      0,
			MaxZoom:      22,
			Extent:       model.DefaultExtent,
			Buffer:       model.DefaultBuffer,
			Clip:         true,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
		},
		MCP: MCPConfig{
			Enabled:   true,
			Transport: "stdio",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	cfg.Database.DSN = "${DATABASE_URL}"
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks value ranges and duration syntax.
func (c *YAMLConfig) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return invalid("server.port", "must be between 0 and 65535")
	}
	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return invalid("server.tls", "cert_file and key_file are required when enabled")
	}

	durations := map[string]string{
		"server.shutdown_timeout":           c.Server.ShutdownTimeout,
		"database.pool.acquire_timeout":     c.Database.Pool.AcquireTimeout,
		"database.pool.max_conn_lifetime":   c.Database.Pool.MaxConnLifetime,
		"database.pool.max_conn_idle_time":  c.Database.Pool.MaxConnIdleTime,
		"database.pool.health_check_period": c.Database.Pool.HealthCheckPeriod,
		"catalog.refresh_interval":          c.Catalog.RefreshInterval,
		"tiles.query_timeout":               c.Tiles.QueryTimeout,
	}
	for field, v := range durations {
		if _, err := parseDuration(v); err != nil {
			return invalid(field, err.Error())
		}
	}

	p := c.Database.Pool
	if p.MaxConns < 1 {
		return invalid("database.pool.max_conns", "must be at least 1")
	}
	if p.MinConns < 0 || p.MinConns > p.MaxConns {
		return invalid("database.pool.min_conns", "must be between 0 and max_conns")
	}

	if c.Catalog.DefaultSRID < 0 {
		return invalid("catalog.default_srid", "must not be negative")
	}

	t := c.Tiles
	if t.MinZoom < 0 || t.MaxZoom > model.MaxZoom || t.MinZoom > t.MaxZoom {
		return invalid("tiles.minzoom/maxzoom", fmt.Sprintf("must satisfy 0 <= minzoom <= maxzoom <= %d", model.MaxZoom))
	}
	if t.Extent <= 0 {
		return invalid("tiles.extent", "must be positive")
	}
	if t.Buffer < 0 {
		return invalid("tiles.buffer", "must not be negative")
	}
	if t.Tolerance < 0 {
		return invalid("tiles.tolerance", "must not be negative")
	}
	if t.MaxFanout < 0 {
		return invalid("tiles.max_fanout", "must not be negative")
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return invalid("rate_limit.requests_per_minute", "must be positive when enabled")
	}
	switch c.MCP.Transport {
	case "", "stdio", "http":
	default:
		return invalid("mcp.transport", fmt.Sprintf("unknown transport %q", c.MCP.Transport))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return invalid("logging.format", fmt.Sprintf("unknown format %q", c.Logging.Format))
	}
	return nil
}

// ShutdownTimeout returns the graceful shutdown window.
func (c *YAMLConfig) ShutdownTimeout() time.Duration {
	d, _ := parseDuration(c.Server.ShutdownTimeout)
	return d
}

// RefreshInterval returns the periodic catalog refresh interval, zero when
// periodic refresh is off.
func (c *YAMLConfig) RefreshInterval() time.Duration {
	d, _ := parseDuration(c.Catalog.RefreshInterval)
	return d
}

// PoolConfig maps the database section onto the session pool.
func (c *YAMLConfig) PoolConfig() pool.Config {
	p := c.Database.Pool
	acquire, _ := parseDuration(p.AcquireTimeout)
	lifetime, _ := parseDuration(p.MaxConnLifetime)
	idle, _ := parseDuration(p.MaxConnIdleTime)
	health, _ := parseDuration(p.HealthCheckPeriod)
	return pool.Config{
		MaxConns:          int32(p.MaxConns),
		MinConns:          int32(p.MinConns),
		AcquireTimeout:    acquire,
		MaxConnLifetime:   lifetime,
		MaxConnIdleTime:   idle,
		HealthCheckPeriod: health,
	}
}

// ConnectionConfig maps the database section onto the introspection
// connection, which needs far fewer connections than tile rendering.
func (c *YAMLConfig) ConnectionConfig() connector.ConnectionConfig {
	lifetime, _ := parseDuration(c.Database.Pool.MaxConnLifetime)
	return connector.ConnectionConfig{
		DSN:             c.Database.DSN,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: lifetime,
		ConnMaxIdleTime: time.Minute,
	}
}

// CatalogOptions maps the catalog, tiles and sources sections onto
// discovery options.
func (c *YAMLConfig) CatalogOptions() catalog.Options {
	opts := catalog.DefaultOptions()
	opts.Schemas = c.Catalog.Schemas
	opts.DefaultSRID = c.Catalog.DefaultSRID
	opts.EstimateBounds = c.Catalog.EstimateBounds
	opts.FailOnEmpty = c.Catalog.FailOnEmpty
	opts.SkipTables = !c.Catalog.PublishTables
	opts.SkipFunctions = !c.Catalog.PublishFuncs
	opts.Defaults.MinZoom = c.Tiles.MinZoom
	opts.Defaults.MaxZoom = c.Tiles.MaxZoom
	opts.Defaults.Extent = c.Tiles.Extent
	opts.Defaults.Clip = c.Tiles.Clip
	opts.Defaults.Policy = model.ZoomPolicy{Buffer: c.Tiles.Buffer, Tolerance: c.Tiles.Tolerance}
	opts.Overrides = c.Sources
	return opts
}

// DispatchConfig maps the tiles section onto the dispatcher.
func (c *YAMLConfig) DispatchConfig() tiles.Config {
	timeout, _ := parseDuration(c.Tiles.QueryTimeout)
	return tiles.Config{
		MaxFanout:    c.Tiles.MaxFanout,
		QueryTimeout: timeout,
	}
}

// parseDuration accepts an empty string as zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}
