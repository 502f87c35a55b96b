package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/previewsync/internal/blobstore"
	"github.com/fruitsalade/previewsync/internal/filesync"
	"github.com/fruitsalade/previewsync/internal/logging"
	"github.com/fruitsalade/previewsync/internal/protocol"
	"github.com/fruitsalade/previewsync/internal/session"
)

var followCmd = &cobra.Command{
	Use:   "follow <dir>",
	Short: "Mirror a session's files into a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFollow(cmd.Context(), args[0])
	},
}

func init() {
	addSessionFlags(followCmd)
	followCmd.Flags().String("device-id", "", "device ID announced to the session")
	followCmd.Flags().String("device-name", "", "device display name")
	followCmd.Flags().String("platform", "", "device platform: ios, android or web")
	rootCmd.AddCommand(followCmd)
}

func runFollow(ctx context.Context, dir string) error {
	sc := cfg.Session
	if err := sc.Validate(); err != nil {
		return err
	}
	if sc.Channel == "" {
		return fmt.Errorf("--channel is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	device := protocol.Device{ID: sc.DeviceID, DisplayName: sc.DeviceName, Platform: sc.Platform}
	if device.ID == "" {
		device.ID = uuid.NewString()
	}
	if device.DisplayName == "" {
		device.DisplayName, _ = os.Hostname()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := blobStore(sc)
	follower := session.NewFollower(followChannel(sc, &device), store, session.FollowerConfig{
		Device:           device,
		FetchConcurrency: sc.FetchConcurrency,
		OnChange: func(changed []string, files map[string]string) {
			writeChanged(ctx, store, dir, changed, files)
		},
		OnMessage: func(m protocol.Message) {
			if m.Type == protocol.TypeReload {
				fmt.Println("reload requested")
			}
		},
	})
	if err := follower.Start(ctx, sc.Channel); err != nil {
		return err
	}
	fmt.Printf("Following channel %s into %s as %s\n", sc.Channel, dir, device.ID)

	<-ctx.Done()
	return follower.Stop(context.Background())
}

// writeChanged mirrors changed paths into dir. Assets arrive as blob
// references and are downloaded.
func writeChanged(ctx context.Context, store blobstore.Store, dir string, changed []string, files map[string]string) {
	for _, p := range changed {
		if !filepath.IsLocal(filepath.FromSlash(p)) {
			logging.Warn("refusing path outside the target directory", zap.String("path", p))
			continue
		}
		full := filepath.Join(dir, filepath.FromSlash(p))

		contents, ok := files[p]
		if !ok {
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				logging.Warn("remove failed", zap.String("path", p), zap.Error(err))
			}
			continue
		}

		data := []byte(contents)
		if filesync.IsAsset(p) {
			body, err := store.Fetch(ctx, contents)
			if err != nil {
				logging.Warn("asset download failed", zap.String("path", p), zap.Error(err))
				continue
			}
			data = body
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			logging.Warn("mkdir failed", zap.String("path", p), zap.Error(err))
			continue
		}
		if err := os.WriteFile(full, data, 0o644); err != nil {
			logging.Warn("write failed", zap.String("path", p), zap.Error(err))
		}
	}
}
