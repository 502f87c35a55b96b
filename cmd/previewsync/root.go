package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/previewsync/internal/config"
	"github.com/fruitsalade/previewsync/internal/logging"
)

var (
	configFile string
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:   "previewsync",
	Short: "Live-sync a project to preview devices",
	Long: `previewsync - keeps preview runtimes in sync with a project directory.

Edits are debounced and published as diffs over one or two relay servers;
large files are offloaded to the relay's blob store.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return err
		}
		cfg = loaded
		return logging.Init(cfg.Log)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logging.Sync()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("PREVIEWSYNC_CONFIG"), "config file (yaml, toml or json)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: json or console")
}

// addSessionFlags registers the flags shared by commands that join a
// session channel.
func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().String("channel", "", "session channel")
	cmd.Flags().String("relay", "", "primary relay URL")
	cmd.Flags().String("fallback", "", "fallback relay URL; enables mirroring")
	cmd.Flags().String("token", "", "relay access token")
}
