// Package config loads and validates the YAML configuration file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/sqlpull/sqlpull/internal/secrets"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Source SourceConfig `yaml:"source"`
	Target TargetConfig `yaml:"target"`
	Sync   SyncConfig   `yaml:"sync"`
	Log    LogConfig    `yaml:"log"`

	// StatePath is the local run-state database file.
	StatePath string `yaml:"state_path"`
}

// SourceConfig holds source (SQL Server) connection settings.
type SourceConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Schema          string `yaml:"schema"`
	TrustServerCert bool   `yaml:"trust_server_cert"`
}

// DSN builds a go-mssqldb connection string. Credentials are URL
// encoded so passwords with reserved characters survive parsing.
func (c *SourceConfig) DSN() string {
	u := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
	}
	q := u.Query()
	q.Set("database", c.Database)
	if c.TrustServerCert {
		q.Set("TrustServerCertificate", "true")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// TargetConfig holds destination (PostgreSQL) connection settings.
type TargetConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Schema   string `yaml:"schema"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN builds a pgx connection string.
func (c *TargetConfig) DSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// SyncConfig holds extraction tuning. Zero values mean "adaptive":
// the engine derives them from table size and live resource pressure.
type SyncConfig struct {
	// Workers overrides the adaptive worker count (still capped at 4).
	Workers int `yaml:"workers"`

	// QueueSize overrides the adaptive record queue capacity.
	QueueSize int `yaml:"queue_size"`

	// MaxRetries overrides the per-table retry limit (default 5).
	MaxRetries int `yaml:"max_retries"`

	// RetryBaseDelaySeconds overrides the retry backoff base
	// (default 5).
	RetryBaseDelaySeconds int `yaml:"retry_base_delay_seconds"`

	// Tables limits the sync to the named tables (empty = all).
	Tables []string `yaml:"tables"`

	// Incremental maps table name to its cursor column. Tables listed
	// here sync from the saved high-water mark; all others full-load.
	Incremental map[string]string `yaml:"incremental"`

	// ResampleEvery is how many tables to process between full
	// resource resamples (default 5; each table always gets at least
	// the sample taken when its parameters are computed).
	ResampleEvery int `yaml:"resample_every"`
}

// RetryBaseDelay returns the configured backoff base as a duration.
func (c *SyncConfig) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySeconds) * time.Second
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigurationError reports an invalid configuration. It is fatal and
// raised before any extraction begins.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// Load reads, parses, defaults, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	// Passwords left out of the config file come from the environment
	// or the secrets file.
	creds, err := secrets.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Source.Password == "" {
		cfg.Source.Password = creds.SourcePassword
	}
	if cfg.Target.Password == "" {
		cfg.Target.Password = creds.TargetPassword
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Source.Port == 0 {
		c.Source.Port = 1433
	}
	if c.Source.Schema == "" {
		c.Source.Schema = "dbo"
	}
	if c.Target.Port == 0 {
		c.Target.Port = 5432
	}
	if c.Target.Schema == "" {
		c.Target.Schema = "public"
	}
	if c.Target.SSLMode == "" {
		c.Target.SSLMode = "require"
	}
	if c.Sync.ResampleEvery <= 0 {
		c.Sync.ResampleEvery = 5
	}
	if c.StatePath == "" {
		c.StatePath = "sqlpull-state.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks required fields and override sanity.
func (c *Config) Validate() error {
	if c.Source.Host == "" {
		return &ConfigurationError{Field: "source.host", Reason: "required"}
	}
	if c.Source.Database == "" {
		return &ConfigurationError{Field: "source.database", Reason: "required"}
	}
	if c.Target.Host == "" {
		return &ConfigurationError{Field: "target.host", Reason: "required"}
	}
	if c.Target.Database == "" {
		return &ConfigurationError{Field: "target.database", Reason: "required"}
	}
	if c.Sync.Workers < 0 {
		return &ConfigurationError{Field: "sync.workers", Reason: "must be >= 0"}
	}
	if c.Sync.QueueSize < 0 {
		return &ConfigurationError{Field: "sync.queue_size", Reason: "must be >= 0"}
	}
	if c.Sync.MaxRetries < 0 {
		return &ConfigurationError{Field: "sync.max_retries", Reason: "must be >= 0"}
	}
	if c.Sync.RetryBaseDelaySeconds < 0 {
		return &ConfigurationError{Field: "sync.retry_base_delay_seconds", Reason: "must be >= 0"}
	}
	for table, col := range c.Sync.Incremental {
		if col == "" {
			return &ConfigurationError{
				Field:  "sync.incremental." + table,
				Reason: "cursor column must not be empty",
			}
		}
	}
	return nil
}
