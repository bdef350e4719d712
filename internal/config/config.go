// Package config loads the daemon configuration from a YAML file and
// supplies defaults for everything left unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ApprovalConfig controls the parent-approval workflow.
type ApprovalConfig struct {
	// TTL is how long a pending request lives before auto-expiry.
	TTL Duration `yaml:"ttl"`
	// SweepInterval is how often the expiry sweep runs.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// HeartbeatConfig controls monitor liveness detection.
type HeartbeatConfig struct {
	// DefaultInterval is assumed for monitors that register without one.
	DefaultInterval Duration `yaml:"default_interval"`
	// MissedThreshold is how many intervals of silence mark a monitor
	// Suspect; the grace deadline runs from that point.
	MissedThreshold int `yaml:"missed_threshold"`
	// SuspectGrace is how long a Suspect monitor has to resume
	// heartbeating before it is declared Tampered.
	SuspectGrace Duration `yaml:"suspect_grace"`
	// SweepInterval is how often the liveness sweep runs.
	SweepInterval Duration `yaml:"sweep_interval"`
}

// IngestConfig controls the activity-report path.
type IngestConfig struct {
	// DedupWindow is how long event ids are remembered for retransmission
	// suppression.
	DedupWindow Duration `yaml:"dedup_window"`
	// QueueSize bounds the ingestion channel between the gateway and the
	// ingest worker.
	QueueSize int `yaml:"queue_size"`
	// WarnThresholds are remaining-seconds marks that fire a
	// time_limit_warning once each when crossed downward.
	WarnThresholds []int64 `yaml:"warn_thresholds"`
}

// AuthConfig controls parent session elevation.
type AuthConfig struct {
	// SessionTTL is how long an elevated parent session stays valid.
	SessionTTL Duration `yaml:"session_ttl"`
}

// StorageConfig controls persistence retry behaviour.
type StorageConfig struct {
	RetryAttempts int      `yaml:"retry_attempts"`
	RetryBackoff  Duration `yaml:"retry_backoff"`
}

// SignalConfig controls subscriber fan-out.
type SignalConfig struct {
	// QueueSize bounds each subscriber's send queue; overflow drops the
	// oldest queued signal.
	QueueSize int `yaml:"queue_size"`
}

// Config is the full daemon configuration.
type Config struct {
	// DataDir holds the encrypted database and key file.
	DataDir string `yaml:"data_dir"`
	// SocketPath is the unix socket the gateway listens on.
	SocketPath string `yaml:"socket_path"`

	Approval  ApprovalConfig  `yaml:"approval"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Signals   SignalConfig    `yaml:"signals"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		DataDir:    "/var/lib/familyd",
		SocketPath: "/run/familyd/familyd.sock",
		Approval: ApprovalConfig{
			TTL:           Duration(15 * time.Minute),
			SweepInterval: Duration(30 * time.Second),
		},
		Heartbeat: HeartbeatConfig{
			DefaultInterval: Duration(5 * time.Second),
			MissedThreshold: 3,
			SuspectGrace:    Duration(10 * time.Second),
			SweepInterval:   Duration(5 * time.Second),
		},
		Ingest: IngestConfig{
			DedupWindow:    Duration(10 * time.Minute),
			QueueSize:      1024,
			WarnThresholds: []int64{300, 60},
		},
		Auth: AuthConfig{
			SessionTTL: Duration(10 * time.Minute),
		},
		Storage: StorageConfig{
			RetryAttempts: 3,
			RetryBackoff:  Duration(100 * time.Millisecond),
		},
		Signals: SignalConfig{
			QueueSize: 64,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not
// an error; the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values that would break the sweeps or the fan-out.
func (c Config) Validate() error {
	if c.Heartbeat.MissedThreshold < 1 {
		return fmt.Errorf("heartbeat.missed_threshold must be >= 1, got %d", c.Heartbeat.MissedThreshold)
	}
	if c.Heartbeat.DefaultInterval <= 0 {
		return fmt.Errorf("heartbeat.default_interval must be positive, got %s", c.Heartbeat.DefaultInterval.Std())
	}
	if c.Heartbeat.SuspectGrace <= 0 {
		return fmt.Errorf("heartbeat.suspect_grace must be positive, got %s", c.Heartbeat.SuspectGrace.Std())
	}
	if c.Heartbeat.SweepInterval <= 0 {
		return fmt.Errorf("heartbeat.sweep_interval must be positive, got %s", c.Heartbeat.SweepInterval.Std())
	}
	if c.Approval.TTL <= 0 {
		return fmt.Errorf("approval.ttl must be positive, got %s", c.Approval.TTL.Std())
	}
	if c.Approval.SweepInterval <= 0 {
		return fmt.Errorf("approval.sweep_interval must be positive, got %s", c.Approval.SweepInterval.Std())
	}
	if c.Ingest.DedupWindow <= 0 {
		return fmt.Errorf("ingest.dedup_window must be positive, got %s", c.Ingest.DedupWindow.Std())
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("auth.session_ttl must be positive, got %s", c.Auth.SessionTTL.Std())
	}
	if c.Ingest.QueueSize < 1 {
		return fmt.Errorf("ingest.queue_size must be >= 1, got %d", c.Ingest.QueueSize)
	}
	if c.Signals.QueueSize < 1 {
		return fmt.Errorf("signals.queue_size must be >= 1, got %d", c.Signals.QueueSize)
	}
	if c.Storage.RetryAttempts < 1 {
		return fmt.Errorf("storage.retry_attempts must be >= 1, got %d", c.Storage.RetryAttempts)
	}
	return nil
}

// DatabasePath returns the encrypted database location.
func (c Config) DatabasePath() string { return filepath.Join(c.DataDir, "familyd.db") }

// KeyPath returns the database key file location.
func (c Config) KeyPath() string { return filepath.Join(c.DataDir, ".key") }
