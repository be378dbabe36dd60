package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/wricardo/mcp-training/toolgate/core/lifecycle"
	"github.com/wricardo/mcp-training/toolgate/core/manager"
	"github.com/wricardo/mcp-training/toolgate/core/session"
)

// EnvPrefix is prepended to every environment override, e.g.
// TOOLGATE_SESSIONS_MAX_CONCURRENT=50
const EnvPrefix = "TOOLGATE"

// Config is the complete server configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Ngrok     NgrokConfig     `mapstructure:"ngrok"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// SessionsConfig controls admission and execution
type SessionsConfig struct {
	// MaxConcurrent is the number of resident sessions before new calls are
	// rejected with a capacity error.
	MaxConcurrent int `mapstructure:"max_concurrent"`
	// MaxMetadataBytes bounds the JSON-encoded size of a call's metadata
	MaxMetadataBytes int           `mapstructure:"max_metadata_bytes"`
	DefaultTimeout   time.Duration `mapstructure:"default_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	// Model is "thread" or "task"
	Model string `mapstructure:"model"`
}

// LifecycleConfig controls lifecycle event retention and delivery
type LifecycleConfig struct {
	MaxEvents     int           `mapstructure:"max_events"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SinkBuffer    int           `mapstructure:"sink_buffer"`
}

// LoggingConfig controls the process logger
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format is "console" for human-readable output or "json"
	Format string `mapstructure:"format"`
}

// NgrokConfig controls the optional public tunnel
type NgrokConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	AuthToken string `mapstructure:"auth_token"`
	Domain    string `mapstructure:"domain"`
}

// Default returns a Config with the built-in defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "",
			Port: 8080,
		},
		Sessions: SessionsConfig{
			MaxConcurrent:    session.DefaultMaxConcurrentSessions,
			MaxMetadataBytes: session.DefaultMaxMetadataBytes,
			DefaultTimeout:   manager.DefaultTimeout,
			ShutdownTimeout:  manager.DefaultShutdownTimeout,
			Model:            string(manager.ModelThread),
		},
		Lifecycle: LifecycleConfig{
			MaxEvents:     lifecycle.DefaultMaxEvents,
			Retention:     lifecycle.DefaultRetention,
			SweepInterval: lifecycle.DefaultSweepInterval,
			SinkBuffer:    lifecycle.DefaultSinkBuffer,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// SetDefaults registers default values with v
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("server.host", defaults.Server.Host)
	v.SetDefault("server.port", defaults.Server.Port)

	v.SetDefault("sessions.max_concurrent", defaults.Sessions.MaxConcurrent)
	v.SetDefault("sessions.max_metadata_bytes", defaults.Sessions.MaxMetadataBytes)
	v.SetDefault("sessions.default_timeout", defaults.Sessions.DefaultTimeout)
	v.SetDefault("sessions.shutdown_timeout", defaults.Sessions.ShutdownTimeout)
	v.SetDefault("sessions.model", defaults.Sessions.Model)

	v.SetDefault("lifecycle.max_events", defaults.Lifecycle.MaxEvents)
	v.SetDefault("lifecycle.retention", defaults.Lifecycle.Retention)
	v.SetDefault("lifecycle.sweep_interval", defaults.Lifecycle.SweepInterval)
	v.SetDefault("lifecycle.sink_buffer", defaults.Lifecycle.SinkBuffer)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)

	v.SetDefault("ngrok.enabled", defaults.Ngrok.Enabled)
	v.SetDefault("ngrok.auth_token", defaults.Ngrok.AuthToken)
	v.SetDefault("ngrok.domain", defaults.Ngrok.Domain)
}

// New returns a viper instance with defaults and TOOLGATE_* environment
// overrides wired in.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load builds the configuration from defaults, the optional config file and
// the environment, in increasing order of precedence, and validates it.
func Load(file string) (*Config, error) {
	v := New()
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Addr returns the listen address
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ManagerConfig converts the sessions section for the session manager
func (c *Config) ManagerConfig() manager.Config {
	return manager.Config{
		Session: session.Config{
			MaxConcurrentSessions: c.Sessions.MaxConcurrent,
			MaxMetadataBytes:      c.Sessions.MaxMetadataBytes,
		},
		DefaultTimeout: c.Sessions.DefaultTimeout,
	}
}

// LifecycleConfig converts the lifecycle section for the lifecycle logger
func (c *Config) LifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		MaxEvents:     c.Lifecycle.MaxEvents,
		Retention:     c.Lifecycle.Retention,
		SweepInterval: c.Lifecycle.SweepInterval,
		SinkBuffer:    c.Lifecycle.SinkBuffer,
	}
}
