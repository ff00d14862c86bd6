package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	appVersion string
	rootCmd    *cobra.Command
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd = newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tilefaucet",
		Short: "Serve PostGIS tables and functions as vector tiles",
		Long: `tilefaucet: serve PostGIS tables and functions as Mapbox Vector Tiles.

tilefaucet connects to a PostGIS database, discovers every spatial table and
tile function, and serves them at /{source}/{z}/{x}/{y} with TileJSON,
an OpenAPI document and a built-in MCP server for AI agents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./tilefaucet.yaml)")
	cmd.PersistentFlags().String("database-url", "", "PostgreSQL connection string (overrides database.dsn)")
	cmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().String("log-format", "", "log format: text or json (default: text on a terminal)")
	viper.BindPFlag("database.dsn", cmd.PersistentFlags().Lookup("database-url"))
	viper.BindPFlag("logging.level", cmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logging.format", cmd.PersistentFlags().Lookup("log-format"))

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCatalogCmd())
	cmd.AddCommand(newTileCmd())
	cmd.AddCommand(newOpenAPICmd())
	cmd.AddCommand(newMCPCmd())
	cmd.AddCommand(newBenchmarkCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("tilefaucet")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.tilefaucet")
		viper.AddConfigPath("/etc/tilefaucet")
	}

	viper.SetEnvPrefix("TILEFAUCET")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.ReadInConfig() // Ignore error - config file is optional
}
