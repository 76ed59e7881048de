package cmd

import (
	"os"
	"path/filepath"

	"github.com/maorbril/notestream/internal/config"
	"github.com/maorbril/notestream/internal/logging"
	"github.com/maorbril/notestream/internal/reconcile"
	"github.com/maorbril/notestream/internal/telemetry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	configPath  string
	dataDirFlag string
	logLevel    string

	cfg    *config.Config
	logger = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "notestream",
	Short: "Nostr note streams with a local cache, served over MCP",
	Long: `Notestream keeps a local SQLite cache of nostr events fed by relay
subscriptions and serves incremental note streams from it:
- Watch any set of filters, or open thread, profile and hashtag columns
- Pause and resume streams without missing notes
- Identical filter sets share one subscription`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(resolveConfigPath())
		if err != nil {
			return err
		}
		if dataDirFlag != "" {
			loaded.DataDir = dataDirFlag
		}
		if logLevel != "" {
			loaded.LogLevel = logLevel
		}
		cfg = loaded

		logger, err = logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}

		telemetry.SetVersion(Version)
		telemetry.Init(cfg.Telemetry)
		// Track command usage (skip root command itself)
		if cmd.Name() != "notestream" {
			telemetry.TrackCommand(cmd.Name())
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		telemetry.Close()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.notestream/config.toml)")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Directory holding the event database")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: trace, debug, info, warn, error, quiet")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(setupCmd)
}

func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	dir, err := config.DefaultDataDir()
	if err != nil {
		return config.FileName
	}
	return filepath.Join(dir, config.FileName)
}

func reconcileOptions(c *config.Config) reconcile.Options {
	return reconcile.Options{
		QueryLimit:     c.QueryLimit,
		PollLimit:      c.PollLimit,
		BackoffInitial: c.BackoffInitial.Std(),
		BackoffMax:     c.BackoffMax.Std(),
	}
}
