// Package config loads relay and session configuration from defaults, an
// optional config file, PREVIEWSYNC_ environment variables and CLI flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fruitsalade/previewsync/internal/logging"
	"github.com/fruitsalade/previewsync/internal/storage/local"
	"github.com/fruitsalade/previewsync/internal/storage/s3"
)

// EnvPrefix prefixes every environment variable, with dots in keys
// replaced by underscores: PREVIEWSYNC_RELAY_LISTEN_ADDR.
const EnvPrefix = "PREVIEWSYNC"

// Config is the full configuration. Each binary reads the sections it
// needs.
type Config struct {
	Log     logging.Config `mapstructure:"log"`
	Relay   RelayConfig    `mapstructure:"relay"`
	Storage StorageConfig  `mapstructure:"storage"`
	Session SessionConfig  `mapstructure:"session"`
}

// RelayConfig configures the relay server.
type RelayConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
	PublicURL      string        `mapstructure:"public_url"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	MaxBlobSize    int64         `mapstructure:"max_blob_size"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
}

// StorageConfig selects and configures the blob storage backend.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"` // local or s3
	Local   local.Config `mapstructure:"local"`
	S3      s3.Config    `mapstructure:"s3"`
}

// SessionConfig configures the publish and follow commands.
type SessionConfig struct {
	Channel           string        `mapstructure:"channel"`
	PrimaryURL        string        `mapstructure:"primary_url"`
	FallbackURL       string        `mapstructure:"fallback_url"`
	DirectURL         string        `mapstructure:"direct_url"`
	Token             string        `mapstructure:"token"`
	Debounce          time.Duration `mapstructure:"debounce"`
	GraceWindow       time.Duration `mapstructure:"grace_window"`
	FailoverThreshold int           `mapstructure:"failover_threshold"`
	PayloadCap        int           `mapstructure:"payload_cap"`
	FetchConcurrency  int           `mapstructure:"fetch_concurrency"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Name              string        `mapstructure:"name"`
	Description       string        `mapstructure:"description"`
	RuntimeVersion    string        `mapstructure:"runtime_version"`
	DeviceID          string        `mapstructure:"device_id"`
	DeviceName        string        `mapstructure:"device_name"`
	Platform          string        `mapstructure:"platform"`
}

var defaults = map[string]any{
	"log.level":  "info",
	"log.format": "json",
	"log.output": "",

	"relay.listen_addr":      ":8080",
	"relay.metrics_addr":     ":9090",
	"relay.public_url":       "",
	"relay.jwt_secret":       "",
	"relay.max_blob_size":    int64(50 * 1024 * 1024),
	"relay.max_message_size": int64(1 << 20),
	"relay.heartbeat":        15 * time.Second,

	"storage.backend":           "local",
	"storage.local.root_path":   "/data/blobs",
	"storage.local.create_dirs": true,
	"storage.s3.endpoint":       "http://localhost:9000",
	"storage.s3.bucket":         "previewsync",
	"storage.s3.access_key":     "minioadmin",
	"storage.s3.secret_key":     "minioadmin",
	"storage.s3.region":         "us-east-1",

	"session.channel":            "",
	"session.primary_url":        "http://localhost:8080",
	"session.fallback_url":       "",
	"session.direct_url":         "",
	"session.token":              "",
	"session.debounce":           time.Second,
	"session.grace_window":       3 * time.Second,
	"session.failover_threshold": 5,
	"session.payload_cap":        31500,
	"session.fetch_concurrency":  4,
	"session.poll_interval":      500 * time.Millisecond,
	"session.name":               "",
	"session.description":        "",
	"session.runtime_version":    "",
	"session.device_id":          "",
	"session.device_name":        "",
	"session.platform":           "ios",
}

// FlagKeys maps CLI flag names to config keys. Flags present in the set
// passed to Load override every other source once changed.
var FlagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"listen":       "relay.listen_addr",
	"metrics":      "relay.metrics_addr",
	"public-url":   "relay.public_url",
	"jwt-secret":   "relay.jwt_secret",
	"storage":      "storage.backend",
	"storage-path": "storage.local.root_path",
	"channel":      "session.channel",
	"relay":        "session.primary_url",
	"fallback":     "session.fallback_url",
	"direct":       "session.direct_url",
	"token":        "session.token",
	"debounce":     "session.debounce",
	"grace-window": "session.grace_window",
	"runtime":      "session.runtime_version",
	"name":         "session.name",
	"device-id":    "session.device_id",
	"device-name":  "session.device_name",
	"platform":     "session.platform",
}

// Load builds a Config. file may be empty; a missing explicit file is an
// error. flags may be nil.
func Load(file string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks the relay and storage sections.
func (c RelayConfig) Validate(storage StorageConfig) error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("relay.listen_addr is required"))
	}
	if c.MaxBlobSize <= 0 {
		errs = append(errs, errors.New("relay.max_blob_size must be positive"))
	}
	switch storage.Backend {
	case "local":
		if storage.Local.RootPath == "" {
			errs = append(errs, errors.New("storage.local.root_path is required"))
		}
	case "s3":
		if storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", storage.Backend))
	}
	return errors.Join(errs...)
}

// Validate checks the session section.
func (c SessionConfig) Validate() error {
	var errs []error
	if c.PrimaryURL == "" {
		errs = append(errs, errors.New("session.primary_url is required"))
	}
	if c.Debounce < 0 || c.GraceWindow < 0 {
		errs = append(errs, errors.New("session durations must not be negative"))
	}
	if c.PayloadCap < 0 {
		errs = append(errs, errors.New("session.payload_cap must not be negative"))
	}
	return errors.Join(errs...)
}
