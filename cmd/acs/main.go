package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/acs/pkg/log"
	"github.com/cuemby/acs/pkg/manager"
	"github.com/cuemby/acs/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "acs",
	Short: "ACS - TR-069 auto configuration server",
	Long: `ACS manages CPE devices over CWMP (TR-069).

It keeps a data model of every device, applies presets and provision
scripts during inform sessions and runs queued tasks against devices.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"ACS version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	pf := rootCmd.PersistentFlags()
	pf.StringP("config", "c", "", "YAML configuration file")
	pf.String("data-dir", "", "Data directory for the embedded store")
	pf.String("redis-addr", "", "Redis address for the shared cache and locks")
	pf.String("postgres-dsn", "", "PostgreSQL DSN for durable state")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.Bool("log-json", false, "Emit JSON logs")

	serveCmd.Flags().String("listen", "", "Address for CWMP connections")
	serveCmd.Flags().String("metrics-listen", "", "Address for metrics and health endpoints")
	serveCmd.Flags().String("extensions-dir", "", "Directory of extension executables")
	serveCmd.Flags().Float64("max-sessions-per-second", 0, "New sessions admitted per second (0 disables)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the CWMP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		initLogging(cfg)
		metrics.SetVersion(Version)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mgr, err := manager.NewManager(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}

		runErr := mgr.Run(ctx)
		if err := mgr.Shutdown(); err != nil {
			log.Logger.Error().Err(err).Msg("Shutdown failed")
		}
		if runErr != nil {
			return runErr
		}
		log.Logger.Info().Msg("Shutdown complete")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ACS version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// loadConfig reads the config file, if any, and applies flags set on the
// command line over it
func loadConfig(cmd *cobra.Command) (*manager.Config, error) {
	flags := cmd.Flags()

	cfg := manager.DefaultConfig()
	if path, _ := flags.GetString("config"); path != "" {
		var err error
		if cfg, err = manager.LoadConfig(path); err != nil {
			return nil, err
		}
	}

	str := func(name string, dst *string) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	str("data-dir", &cfg.DataDir)
	str("redis-addr", &cfg.RedisAddr)
	str("postgres-dsn", &cfg.PostgresDSN)
	str("log-level", &cfg.LogLevel)
	str("listen", &cfg.ListenAddr)
	str("metrics-listen", &cfg.MetricsAddr)
	str("extensions-dir", &cfg.ExtensionsDir)

	if flags.Changed("log-json") {
		cfg.LogJSON, _ = flags.GetBool("log-json")
	}
	if flags.Changed("max-sessions-per-second") {
		cfg.MaxSessionsPerSecond, _ = flags.GetFloat64("max-sessions-per-second")
	}
	return cfg, nil
}

func initLogging(cfg *manager.Config) {
	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
}
