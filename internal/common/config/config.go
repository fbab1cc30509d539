// Package config provides configuration management for Loom.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Loom.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	NATS       NATSConfig        `mapstructure:"nats"`
	Logging    LoggingConfig     `mapstructure:"logging"`
	Data       DataConfig        `mapstructure:"data"`
	Workspaces WorkspacesConfig  `mapstructure:"workspaces"`
	PM         PMConfig          `mapstructure:"pm"`
	AgentRoles map[string]string `mapstructure:"agentRoles"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DataConfig holds the location of the persisted state document.
type DataConfig struct {
	Dir string `mapstructure:"dir"` // directory holding loom.json and auxiliary logs
}

// WorkspacesConfig holds git workspace configuration.
// Git features are enabled only when Dir is set.
type WorkspacesConfig struct {
	Dir          string `mapstructure:"dir"`
	CloneTimeout int    `mapstructure:"cloneTimeout"` // in seconds
	GitTimeout   int    `mapstructure:"gitTimeout"`   // in seconds
}

// PMConfig holds Project-Manager session configuration.
type PMConfig struct {
	SessionKey      string `mapstructure:"sessionKey"`      // default PM session key
	DefaultModel    string `mapstructure:"defaultModel"`    // model override passed to spawned sessions
	DefaultAutonomy string `mapstructure:"defaultAutonomy"` // plan or full
	MaxHistory      int    `mapstructure:"maxHistory"`      // pmChatHistory trim limit
	ResponseTimeout int    `mapstructure:"responseTimeout"` // seconds to wait for a PM reply
	PollInterval    int    `mapstructure:"pollInterval"`    // seconds between history polls
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CloneTimeoutDuration returns the git clone deadline as a time.Duration.
func (w *WorkspacesConfig) CloneTimeoutDuration() time.Duration {
	return time.Duration(w.CloneTimeout) * time.Second
}

// GitTimeoutDuration returns the general git command deadline as a time.Duration.
func (w *WorkspacesConfig) GitTimeoutDuration() time.Duration {
	return time.Duration(w.GitTimeout) * time.Second
}

// Enabled reports whether git workspace features are available.
func (w *WorkspacesConfig) Enabled() bool {
	return w.Dir != ""
}

// ResponseTimeoutDuration returns the PM response wait cap as a time.Duration.
func (p *PMConfig) ResponseTimeoutDuration() time.Duration {
	return time.Duration(p.ResponseTimeout) * time.Second
}

// PollIntervalDuration returns the PM history poll interval as a time.Duration.
func (p *PMConfig) PollIntervalDuration() time.Duration {
	return time.Duration(p.PollInterval) * time.Second
}

// StorePath returns the path of the state document inside the data directory.
func (d *DataConfig) StorePath() string {
	return filepath.Join(d.Dir, "loom.json")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("LOOM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "loom-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Data defaults
	v.SetDefault("data.dir", "~/.loom")

	// Workspace defaults - empty dir disables git features
	v.SetDefault("workspaces.dir", "")
	v.SetDefault("workspaces.cloneTimeout", 120)
	v.SetDefault("workspaces.gitTimeout", 60)

	// PM defaults
	v.SetDefault("pm.sessionKey", "")
	v.SetDefault("pm.defaultModel", "")
	v.SetDefault("pm.defaultAutonomy", "plan")
	v.SetDefault("pm.maxHistory", 100)
	v.SetDefault("pm.responseTimeout", 180)
	v.SetDefault("pm.pollInterval", 3)

	// Agent role defaults - merged with store-level overrides at resolve time
	v.SetDefault("agentRoles", map[string]string{})
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix LOOM_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/loom/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	_ = v.BindEnv("data.dir", "LOOM_DATA_DIR")
	_ = v.BindEnv("workspaces.dir", "LOOM_WORKSPACES_DIR")
	_ = v.BindEnv("pm.sessionKey", "LOOM_PM_SESSION_KEY")
	_ = v.BindEnv("pm.defaultModel", "LOOM_PM_DEFAULT_MODEL")
	_ = v.BindEnv("pm.defaultAutonomy", "LOOM_PM_DEFAULT_AUTONOMY")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/loom/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	expandPaths(&cfg)

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Data.Dir == "" {
		errs = append(errs, "data.dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	validAutonomy := map[string]bool{"plan": true, "full": true}
	if !validAutonomy[cfg.PM.DefaultAutonomy] {
		errs = append(errs, "pm.defaultAutonomy must be one of: plan, full")
	}
	if cfg.PM.MaxHistory <= 0 {
		errs = append(errs, "pm.maxHistory must be positive")
	}
	if cfg.PM.ResponseTimeout <= 0 {
		errs = append(errs, "pm.responseTimeout must be positive")
	}
	if cfg.PM.PollInterval <= 0 {
		errs = append(errs, "pm.pollInterval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// expandPaths expands ~ prefixes in directory options.
func expandPaths(cfg *Config) {
	cfg.Data.Dir = expandHome(cfg.Data.Dir)
	cfg.Workspaces.Dir = expandHome(cfg.Workspaces.Dir)
}

func expandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
