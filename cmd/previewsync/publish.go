package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/previewsync/internal/filesync"
	"github.com/fruitsalade/previewsync/internal/logging"
	"github.com/fruitsalade/previewsync/internal/protocol"
	"github.com/fruitsalade/previewsync/internal/session"
	"github.com/fruitsalade/previewsync/internal/transport/httprelay"
	"github.com/fruitsalade/previewsync/internal/watcher"
)

// maxFileSize skips files too large to be project sources or assets.
const maxFileSize = 10 << 20

var publishCmd = &cobra.Command{
	Use:   "publish <dir>",
	Short: "Watch a directory and publish its files to a session channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPublish(cmd.Context(), args[0])
	},
}

func init() {
	addSessionFlags(publishCmd)
	publishCmd.Flags().String("direct", "", "relay URL for the direct channel to web previews")
	publishCmd.Flags().Duration("debounce", 0, "publish debounce window")
	publishCmd.Flags().Duration("grace-window", 0, "fallback grace window")
	publishCmd.Flags().String("runtime", "", "runtime version advertised to previews")
	publishCmd.Flags().String("name", "", "session name")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(ctx context.Context, dir string) error {
	sc := cfg.Session
	if err := sc.Validate(); err != nil {
		return err
	}
	if sc.Channel == "" {
		sc.Channel = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := watcher.New(dir, sc.PollInterval, nil)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	defer w.Stop()
	events := w.Subscribe()

	store := blobStore(sc)
	engine := filesync.NewEngine(store, filesync.Options{PayloadCap: sc.PayloadCap})
	for _, p := range w.Files() {
		if contents, ok := readProjectFile(dir, p); ok {
			engine.Write(p, contents)
		}
	}

	primary, fallback := relayTransports(sc, nil)
	transports := session.Transports{Primary: primary, Fallback: fallback}
	if sc.DirectURL != "" {
		transports.Direct = httprelay.New(httprelay.Config{
			BaseURL:   sc.DirectURL,
			Name:      "direct",
			AuthToken: sc.Token,
		})
	}

	coord, err := session.New(engine, store, transports, session.Config{
		Channel:           sc.Channel,
		Name:              sc.Name,
		Description:       sc.Description,
		RuntimeVersion:    sc.RuntimeVersion,
		Debounce:          sc.Debounce,
		GraceWindow:       sc.GraceWindow,
		FailoverThreshold: sc.FailoverThreshold,
	})
	if err != nil {
		return err
	}
	coord.SetStatusHook(func(context.Context) (session.Status, error) {
		snapshot, err := json.Marshal(statusSnapshot(coord.State()))
		if err != nil {
			return session.Status{}, err
		}
		return session.Status{State: "running", Snapshot: snapshot}, nil
	})
	coord.OnMessage(logPreviewMessage)
	coord.OnPresence(func(action string, d protocol.Device) {
		logging.Info("presence", zap.String("action", action), zap.String("device", d.ID), zap.String("platform", d.Platform))
	})

	if err := coord.Start(ctx); err != nil {
		logging.Warn("not every transport subscribed; retrying in the background", zap.Error(err))
	}
	coord.SyncNow()
	fmt.Printf("Publishing %s on channel %s\n", dir, sc.Channel)

	for {
		select {
		case <-ctx.Done():
			w.Unsubscribe(events)
			return coord.Stop(context.Background())
		case ev := <-events:
			switch ev.Type {
			case watcher.EventDelete:
				coord.Delete(ev.Path)
			default:
				if contents, ok := readProjectFile(dir, ev.Path); ok {
					coord.Write(ev.Path, contents)
				}
			}
		}
	}
}

func readProjectFile(dir, rel string) (string, bool) {
	full := filepath.Join(dir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil || info.Size() > maxFileSize {
		logging.Debug("skipping file", zap.String("path", rel))
		return "", false
	}
	data, err := os.ReadFile(full)
	if err != nil {
		logging.Warn("read failed", zap.String("path", rel), zap.Error(err))
		return "", false
	}
	return string(data), true
}

type snapshot struct {
	Phase   session.Phase     `json:"phase"`
	Files   []string          `json:"files"`
	Devices []protocol.Device `json:"devices"`
}

func statusSnapshot(st session.State) snapshot {
	out := snapshot{Phase: st.Phase, Devices: st.Devices}
	for _, f := range st.Files {
		out.Files = append(out.Files, f.Path)
	}
	return out
}

func logPreviewMessage(m protocol.Message) {
	device := ""
	if m.Device != nil {
		device = m.Device.ID
	}
	switch m.Type {
	case protocol.TypeConsole:
		logging.Info("console", zap.String("device", device), zap.String("method", m.Method), zap.Any("payload", m.Payload))
	case protocol.TypeError:
		logging.Error("preview error", zap.String("device", device), zap.Any("error", m.Error))
	case protocol.TypeStatusReport:
		logging.Info("status report", zap.String("status", m.Status), zap.String("location", m.PreviewLocation))
	}
}
