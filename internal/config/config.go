// Package config loads process-level configuration. This is distinct from the
// email ingest settings row, which lives in the database and is re-read every
// poll cycle; everything here is fixed for the life of the process unless the
// config file changes on disk.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config represents the worker configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Database DatabaseConfig `mapstructure:"database"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type IngestConfig struct {
	// SecretKey feeds the credential protector. The worker counts as "not
	// configured" until both this and the database coordinates are present.
	SecretKey string `mapstructure:"secret_key"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Configured reports whether the installation is complete enough to touch
// the database and mailbox. The ingest loop waits without polling while this
// is false.
func (c *Config) Configured() bool {
	if c == nil || strings.TrimSpace(c.Ingest.SecretKey) == "" {
		return false
	}
	if strings.EqualFold(c.Database.Driver, "sqlite3") {
		return c.Database.Path != "" || c.Database.Name != ""
	}
	return c.Database.Host != "" && c.Database.Name != ""
}

// Load reads configuration from the given file (or ./config.yaml when empty),
// with TICKETDESK_-prefixed environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ticketdesk")
	}
	v.SetEnvPrefix("TICKETDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
		// Missing file is fine; env and defaults still apply.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	watchForChanges(v)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ticketdesk")
	v.SetDefault("app.env", "production")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9105")
}

// watchForChanges re-reads the file on write so the next restart-free reload
// picks up edits. The ingest settings row is the live-tunable surface; this
// only covers process config.
func watchForChanges(v *viper.Viper) {
	v.OnConfigChange(func(fsnotify.Event) {
		// Values are re-resolved lazily by viper; nothing to do here beyond
		// keeping the watcher alive.
	})
	if v.ConfigFileUsed() != "" {
		v.WatchConfig()
	}
}
