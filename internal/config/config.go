package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration, loaded from YAML.
type Config struct {
	// Listen is the HTTP listen address for the webhook ingress.
	Listen string `yaml:"listen" json:"listen"`

	// DatabaseDSN is the Postgres connection string for the event store.
	DatabaseDSN string `yaml:"database_dsn" json:"database_dsn"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// SyncCron schedules the periodic ICS feed sync (cron syntax).
	SyncCron string `yaml:"sync_cron" json:"sync_cron"`

	// RenewalCron schedules webhook subscription renewal.
	RenewalCron string `yaml:"renewal_cron" json:"renewal_cron"`

	// CleanupCron schedules expired-subscription cleanup.
	CleanupCron string `yaml:"cleanup_cron" json:"cleanup_cron"`

	// SyncTimeoutSeconds bounds the wall-clock duration of one sync run.
	SyncTimeoutSeconds int `yaml:"sync_timeout_seconds" json:"sync_timeout_seconds"`

	// FullResyncWindowDays bounds the forward window fetched when a
	// continuation token is invalidated and a full resync runs.
	FullResyncWindowDays int `yaml:"full_resync_window_days" json:"full_resync_window_days"`

	// WebhookBaseURL is the externally reachable base URL providers will
	// deliver notifications to, e.g. "https://cal.example.com".
	WebhookBaseURL string `yaml:"webhook_base_url" json:"webhook_base_url"`

	// GoogleClientID/Secret and MicrosoftClientID/Secret feed the OAuth
	// refresh flow. Authorization-code exchange happens outside this core.
	GoogleClientID        string `yaml:"google_client_id" json:"google_client_id"`
	GoogleClientSecret    string `yaml:"google_client_secret" json:"google_client_secret"`
	MicrosoftClientID     string `yaml:"microsoft_client_id" json:"microsoft_client_id"`
	MicrosoftClientSecret string `yaml:"microsoft_client_secret" json:"microsoft_client_secret"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:               "127.0.0.1:8080",
		LogLevel:             "INFO",
		SyncCron:             "*/15 * * * *",
		RenewalCron:          "0 */12 * * *",
		CleanupCron:          "0 * * * *",
		SyncTimeoutSeconds:   120,
		FullResyncWindowDays: 90,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.SyncCron == "" {
		c.SyncCron = "*/15 * * * *"
	}
	if c.RenewalCron == "" {
		c.RenewalCron = "0 */12 * * *"
	}
	if c.CleanupCron == "" {
		c.CleanupCron = "0 * * * *"
	}
	if c.SyncTimeoutSeconds <= 0 {
		c.SyncTimeoutSeconds = 120
	}
	if c.FullResyncWindowDays <= 0 {
		c.FullResyncWindowDays = 90
	}
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written there with
//     0600 perms and returned.
//   - If the file exists, it is unmarshaled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calsync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
