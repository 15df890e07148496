// Package config loads server configuration from a YAML file with
// environment-variable overrides (prefix TL_, dots become underscores:
// TL_DATABASE_PASSWORD overrides database.password).
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds everything the server needs at startup.
type Config struct {
	Listen   string `mapstructure:"listen"`
	LogLevel string `mapstructure:"log_level"`

	Database     Database     `mapstructure:"database"`
	Notification Notification `mapstructure:"notification"`
}

// Database selects and parameterizes the backing store.
type Database struct {
	// Driver is "mysql" or "memory". Memory is for dev and tests only:
	// nothing survives a restart.
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	TLS      bool   `mapstructure:"tls"`
}

// Notification configures review-alert delivery.
type Notification struct {
	// Channels: "log", "email:<recipient>", "webhook:<url>".
	Channels []string `mapstructure:"channels"`

	SMTPHost     string `mapstructure:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port"`
	SMTPFrom     string `mapstructure:"smtp_from"`
	SMTPUser     string `mapstructure:"smtp_user"`
	SMTPPassword string `mapstructure:"smtp_password"`
}

// Loader wraps a viper instance so callers can watch for file changes
// after the initial load.
type Loader struct {
	v *viper.Viper
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.user", "tasklane")
	v.SetDefault("database.name", "tasklane")
	v.SetDefault("notification.channels", []string{"log"})
	v.SetDefault("notification.smtp_port", 25)
	return v
}

// Load reads the config file at path. An empty path skips the file and
// uses defaults plus environment overrides.
func Load(path string) (*Config, *Loader, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, &Loader{v: v}, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "memory":
	default:
		return fmt.Errorf("unknown database driver %q (want mysql or memory)", c.Database.Driver)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a config string onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Watch re-reads the config file whenever it changes on disk and hands
// the fresh Config to fn. Parse or validation errors keep the previous
// configuration and are reported to the logger.
//
// Only a subset of settings can take effect without a restart; the
// callback decides what to apply.
func (l *Loader) Watch(log *slog.Logger, fn func(*Config)) {
	if log == nil {
		log = slog.Default()
	}
	l.v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
			return
		}
		cfg, err := unmarshal(l.v)
		if err != nil {
			log.Error("config reload failed, keeping previous settings",
				"file", ev.Name, "error", err)
			return
		}
		log.Info("config reloaded", "file", ev.Name)
		fn(cfg)
	})
	l.v.WatchConfig()
}
