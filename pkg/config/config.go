// Package config loads the atelier runtime configuration from ATELIER_*
// environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Journal backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the runtime configuration of the kernel and its collaborators.
type Config struct {
	DataDir         string `env:"ATELIER_DATA_DIR"          envDefault:"./data"`
	Backend         string `env:"ATELIER_BACKEND"           envDefault:"file"`
	SQLiteDSN       string `env:"ATELIER_SQLITE_DSN"`
	SegmentMaxBytes int64  `env:"ATELIER_SEGMENT_MAX_BYTES" envDefault:"67108864"`

	// SnapshotURL is a gocloud.dev blob URL such as file:///var/lib/atelier
	// or mem://. Empty means the backend default: a snapshots directory
	// under DataDir for the file backend, the snapshots table for SQLite.
	SnapshotURL      string        `env:"ATELIER_SNAPSHOT_URL"`
	SnapshotInterval uint64        `env:"ATELIER_SNAPSHOT_INTERVAL" envDefault:"1000"`
	SnapshotPeriod   time.Duration `env:"ATELIER_SNAPSHOT_PERIOD"   envDefault:"0s"`
	SnapshotRetain   int           `env:"ATELIER_SNAPSHOT_RETAIN"   envDefault:"3"`

	NotifyQueueSize int `env:"ATELIER_NOTIFY_QUEUE_SIZE" envDefault:"1024"`

	// HealthInterval is how often serve health-checks its services. Zero disables it.
	HealthInterval time.Duration `env:"ATELIER_HEALTH_INTERVAL" envDefault:"10s"`

	NATSURL           string `env:"ATELIER_NATS_URL"`
	NATSEmbedded      bool   `env:"ATELIER_NATS_EMBEDDED"       envDefault:"false"`
	NATSPort          int    `env:"ATELIER_NATS_PORT"           envDefault:"4222"`
	NATSSubjectPrefix string `env:"ATELIER_NATS_SUBJECT_PREFIX" envDefault:"atelier.changes"`
	NATSStream        string `env:"ATELIER_NATS_STREAM"`

	LogLevel  string `env:"ATELIER_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"ATELIER_LOG_FORMAT" envDefault:"text"`

	ServiceName string `env:"ATELIER_SERVICE_NAME" envDefault:"atelier"`
	Environment string `env:"ATELIER_ENVIRONMENT"  envDefault:"dev"`

	// Telemetry stores spans and metrics in a SQLite database next to the
	// data. Empty TelemetryDSN means telemetry.db under DataDir.
	Telemetry          bool          `env:"ATELIER_TELEMETRY"           envDefault:"false"`
	TelemetryDSN       string        `env:"ATELIER_TELEMETRY_DSN"`
	TelemetryRetention time.Duration `env:"ATELIER_TELEMETRY_RETENTION" envDefault:"168h"`
	TraceSampleRate    float64       `env:"ATELIER_TRACE_SAMPLE_RATE"   envDefault:"1.0"`
	MetricsInterval    time.Duration `env:"ATELIER_METRICS_INTERVAL"    envDefault:"1m"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the environment parser cannot.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("invalid ATELIER_BACKEND %q: want %s or %s", c.Backend, BackendFile, BackendSQLite)
	}
	if c.DataDir == "" {
		return fmt.Errorf("ATELIER_DATA_DIR is required")
	}
	if c.SegmentMaxBytes <= 0 {
		return fmt.Errorf("ATELIER_SEGMENT_MAX_BYTES must be positive")
	}
	if c.SnapshotRetain < 1 {
		return fmt.Errorf("ATELIER_SNAPSHOT_RETAIN must be at least 1")
	}
	if c.SnapshotPeriod < 0 {
		return fmt.Errorf("ATELIER_SNAPSHOT_PERIOD cannot be negative")
	}
	if c.NotifyQueueSize < 1 {
		return fmt.Errorf("ATELIER_NOTIFY_QUEUE_SIZE must be at least 1")
	}
	if c.HealthInterval < 0 {
		return fmt.Errorf("ATELIER_HEALTH_INTERVAL cannot be negative")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("ATELIER_TRACE_SAMPLE_RATE must be within [0, 1]")
	}
	if c.Telemetry && c.MetricsInterval <= 0 {
		return fmt.Errorf("ATELIER_METRICS_INTERVAL must be positive")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid ATELIER_LOG_FORMAT %q: want text or json", c.LogFormat)
	}
	return nil
}

// JournalDir is where the file backend keeps its segments.
func (c Config) JournalDir() string {
	return filepath.Join(c.DataDir, "journal")
}

// SnapshotDir is where snapshots go when no SnapshotURL is set.
func (c Config) SnapshotDir() string {
	return filepath.Join(c.DataDir, "snapshots")
}

// DSN returns the SQLite DSN, defaulting to a database file in DataDir.
func (c Config) DSN() string {
	if c.SQLiteDSN != "" {
		return c.SQLiteDSN
	}
	return filepath.Join(c.DataDir, "atelier.db")
}

// TelemetryPath returns the telemetry database DSN.
func (c Config) TelemetryPath() string {
	if c.TelemetryDSN != "" {
		return c.TelemetryDSN
	}
	return filepath.Join(c.DataDir, "telemetry.db")
}

// NATSEnabled reports whether changes are published to NATS.
func (c Config) NATSEnabled() bool {
	return c.NATSEmbedded || c.NATSURL != ""
}

// Logger builds the process logger writing to w.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid ATELIER_LOG_LEVEL %q: %w", s, err)
	}
	return level, nil
}
