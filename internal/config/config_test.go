package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Relay.ListenAddr)
	assert.Equal(t, 15*time.Second, cfg.Relay.Heartbeat)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.True(t, cfg.Storage.Local.CreateDirs)
	assert.Equal(t, time.Second, cfg.Session.Debounce)
	assert.Equal(t, 3*time.Second, cfg.Session.GraceWindow)
	assert.Equal(t, 5, cfg.Session.FailoverThreshold)
	assert.Equal(t, 31500, cfg.Session.PayloadCap)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Relay.Validate(cfg.Storage))
	assert.NoError(t, cfg.Session.Validate())
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("PREVIEWSYNC_RELAY_LISTEN_ADDR", ":7000")
	t.Setenv("PREVIEWSYNC_SESSION_DEBOUNCE", "250ms")
	t.Setenv("PREVIEWSYNC_STORAGE_S3_BUCKET", "previews")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Relay.ListenAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.Session.Debounce)
	assert.Equal(t, "previews", cfg.Storage.S3.Bucket)
}

func TestLoad_FileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "previewsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
session:
  channel: from-file
  runtime_version: "49.0.0"
storage:
  backend: s3
`), 0o644))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("channel", "", "")
	flags.Duration("debounce", 0, "")
	require.NoError(t, flags.Parse([]string{"--channel", "from-flag"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Session.Channel)
	assert.Equal(t, "49.0.0", cfg.Session.RuntimeVersion)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	// An unchanged flag does not shadow the default.
	assert.Equal(t, time.Second, cfg.Session.Debounce)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	storage := cfg.Storage
	storage.Backend = "ftp"
	assert.ErrorContains(t, cfg.Relay.Validate(storage), "unknown storage backend")

	session := cfg.Session
	session.PrimaryURL = ""
	assert.Error(t, session.Validate())
}
