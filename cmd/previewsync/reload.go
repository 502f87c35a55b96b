package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fruitsalade/previewsync/internal/filesync"
	"github.com/fruitsalade/previewsync/internal/session"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask every preview on a channel to reload",
	RunE: func(cmd *cobra.Command, args []string) error {
		sc := cfg.Session
		if err := sc.Validate(); err != nil {
			return err
		}
		if sc.Channel == "" {
			return fmt.Errorf("--channel is required")
		}

		store := blobStore(sc)
		primary, fallback := relayTransports(sc, nil)
		coord, err := session.New(filesync.NewEngine(store, filesync.Options{}), store,
			session.Transports{Primary: primary, Fallback: fallback},
			session.Config{Channel: sc.Channel, RuntimeVersion: sc.RuntimeVersion})
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := coord.Start(ctx); err != nil {
			return err
		}
		defer coord.Stop(ctx)
		return coord.Reload(ctx)
	},
}

func init() {
	addSessionFlags(reloadCmd)
	reloadCmd.Flags().String("runtime", "", "runtime version of the previews")
	rootCmd.AddCommand(reloadCmd)
}
