package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/faucetdb/tilefaucet/internal/server"
	"github.com/faucetdb/tilefaucet/internal/service"
)

const banner = `
 _   _ _      __                      _
| |_(_) | ___/ _| __ _ _   _  ___ ___| |_
| __| | |/ _ \ |_ / _' | | | |/ __/ _ \ __|
| |_| | |  __/  _| (_| | |_| | (_|  __/ |_
 \__|_|_|\___|_|  \__,_|\__,_|\___\___|\__|
`

func newServeCmd() *cobra.Command {
	var dev bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the tile server",
		Long:  "Discover the database catalog and serve vector tiles, TileJSON and the OpenAPI document over HTTP.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, dev)
		},
	}

	cmd.Flags().IntP("port", "p", 3000, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging, CORS *)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(cmd *cobra.Command, dev bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = viper.GetInt("server.port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host = viper.GetString("server.host")
	}
	if dev {
		cfg.Server.CORS.Origins = []string{"*"}
	}
	logger := newLogger(cfg.Logging, dev, os.Stderr)

	fmt.Fprint(os.Stderr, banner)
	fmt.Fprintln(os.Stderr)

	ctx := context.Background()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer b.Close()

	authSvc := service.NewAuthService(cfg.Auth.JWTSecret)
	if !authSvc.Enabled() {
		logger.Warn("auth.jwt_secret is not set, tiles and catalog are served without authentication")
	}

	srvCfg := server.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		ShutdownTimeout:  cfg.ShutdownTimeout(),
		CORSOrigins:      cfg.Server.CORS.Origins,
		CORSMethods:      cfg.Server.CORS.Methods,
		BaseURL:          cfg.Server.BaseURL,
		RefreshInterval:  cfg.RefreshInterval(),
		AdminOnlyRefresh: cfg.Auth.AdminOnlyRefresh,
		Version:          versionString(),
	}
	if len(srvCfg.CORSOrigins) == 0 {
		srvCfg.CORSOrigins = []string{"*"}
	}
	if cfg.Server.TLS.Enabled {
		srvCfg.TLSCertFile = cfg.Server.TLS.CertFile
		srvCfg.TLSKeyFile = cfg.Server.TLS.KeyFile
	}
	if cfg.RateLimit.Enabled {
		srvCfg.RateLimit = cfg.RateLimit.RequestsPerMinute
	}

	srv := server.New(srvCfg, b.registry, b.dispatcher(cfg, logger), b.pool, authSvc, logger)

	scheme := "http"
	if srvCfg.TLSCertFile != "" {
		scheme = "https"
	}
	cat := b.registry.Current()
	fmt.Fprintf(os.Stderr, "→ tilefaucet %s\n", versionString())
	fmt.Fprintf(os.Stderr, "→ Listening on %s://%s:%d\n", scheme, srvCfg.Host, srvCfg.Port)
	fmt.Fprintf(os.Stderr, "→ Catalog:    %s://%s:%d/catalog\n", scheme, srvCfg.Host, srvCfg.Port)
	fmt.Fprintf(os.Stderr, "→ OpenAPI:    %s://%s:%d/openapi.json\n", scheme, srvCfg.Host, srvCfg.Port)
	fmt.Fprintf(os.Stderr, "→ PostGIS %s, %d sources\n", cat.PostGISVersion(), cat.Len())
	fmt.Fprintln(os.Stderr)

	return srv.ListenAndServe()
}
