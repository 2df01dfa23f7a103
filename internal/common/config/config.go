// Package config provides configuration management for the Shannon daemon.
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

// Config holds all configuration sections for the daemon.
type Config struct {
	DataRoot   string           `mapstructure:"dataRoot"`
	Server     ServerConfig     `mapstructure:"server"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Binary     BinaryConfig     `mapstructure:"binary"`
	Session    SessionConfig    `mapstructure:"session"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds the MCP and HTTP listener configuration.
type ServerConfig struct {
	// Transport selects the MCP transport: "stdio" (default) or "http".
	// The http transport serves both SSE and streamable HTTP on McpPort.
	Transport string `mapstructure:"transport"`
	McpPort   int    `mapstructure:"mcpPort"`

	// HTTPEnabled enables the read-only status API and WebSocket gateway.
	HTTPEnabled bool `mapstructure:"httpEnabled"`
	HTTPHost    string `mapstructure:"httpHost"`
	HTTPPort    int    `mapstructure:"httpPort"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// BinaryConfig holds CLI binary resolution configuration.
type BinaryConfig struct {
	// Names are candidate binary names tried by the which-lookup strategy.
	Names []string `mapstructure:"names"`
	// SearchRoots are extra install roots scanned in addition to the
	// per-platform defaults and PATH entries.
	SearchRoots []string `mapstructure:"searchRoots"`
	// VersionConstraint is a semver constraint set (e.g. ">=1.0.0 <2.0.0").
	// Empty means any parseable version is accepted.
	VersionConstraint string `mapstructure:"versionConstraint"`
	CacheTTL          time.Duration `mapstructure:"cacheTtl"`
	// VersionTimeout bounds the `--version` probe of a candidate.
	VersionTimeout time.Duration `mapstructure:"versionTimeout"`
}

// SessionConfig holds session supervisor configuration.
type SessionConfig struct {
	DefaultModel   string        `mapstructure:"defaultModel"`
	MaxConcurrent  int           `mapstructure:"maxConcurrent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	SendTimeout    time.Duration `mapstructure:"sendTimeout"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	CancelGrace    time.Duration `mapstructure:"cancelGrace"`
	MonitorTick    time.Duration `mapstructure:"monitorTick"`
	EvictAfter     time.Duration `mapstructure:"evictAfter"`
	ShutdownWindow time.Duration `mapstructure:"shutdownWindow"`

	// Decoder buffering and backpressure.
	BufferMaxMessages int           `mapstructure:"bufferMaxMessages"`
	PartialLineMaxAge time.Duration `mapstructure:"partialLineMaxAge"`

	// Terminal-session LRU cache.
	CacheMaxEntries  int           `mapstructure:"cacheMaxEntries"`
	CacheMaxBytes    int64         `mapstructure:"cacheMaxBytes"`
	CacheTerminalTTL time.Duration `mapstructure:"cacheTerminalTtl"`
}

// RegistryConfig holds process registry configuration.
type RegistryConfig struct {
	MonitorInterval     time.Duration `mapstructure:"monitorInterval"`
	MaintenanceInterval time.Duration `mapstructure:"maintenanceInterval"`
	HeartbeatTimeout    time.Duration `mapstructure:"heartbeatTimeout"`
	Retention           time.Duration `mapstructure:"retention"`
	ValidationRetention time.Duration `mapstructure:"validationRetention"`
	AuditRetention      time.Duration `mapstructure:"auditRetention"`
	// AlertFraction of a hard resource limit at which alerts fire.
	AlertFraction float64 `mapstructure:"alertFraction"`
	// AutoTerminate allows the monitor to kill processes on critical violations.
	AutoTerminate bool `mapstructure:"autoTerminate"`

	Limits   ResourceLimits `mapstructure:"limits"`
	Security SecurityPolicy `mapstructure:"security"`
}

// SecurityPolicy constrains what registered children may look like.
// Empty allow-lists disable the corresponding check.
type SecurityPolicy struct {
	AllowedUsers       []string `mapstructure:"allowedUsers"`
	PermittedRoots     []string `mapstructure:"permittedRoots"`
	BlockedExecutables []string `mapstructure:"blockedExecutables"`
	FlaggedEnvVars     []string `mapstructure:"flaggedEnvVars"`
}

// ResourceLimits bounds per-child resource usage. Zero disables a check.
type ResourceLimits struct {
	MaxRSSBytes    uint64        `mapstructure:"maxRssBytes"`
	MaxCPUPercent  float64       `mapstructure:"maxCpuPercent"`
	MaxOpenFiles   int32         `mapstructure:"maxOpenFiles"`
	MaxConnections int           `mapstructure:"maxConnections"`
	MaxChildren    int           `mapstructure:"maxChildren"`
	MaxUptime      time.Duration `mapstructure:"maxUptime"`
}

// CheckpointConfig holds checkpoint store configuration.
type CheckpointConfig struct {
	Retention        time.Duration `mapstructure:"retention"`
	CleanupInterval  time.Duration `mapstructure:"cleanupInterval"`
	PerSessionCap    int           `mapstructure:"perSessionCap"`
	CompressionLevel int           `mapstructure:"compressionLevel"`
	// AutoInterval enables per-session auto-checkpoint timers when > 0.
	AutoInterval time.Duration `mapstructure:"autoInterval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// defaultDataRoot resolves ~/.shannon-mcp, falling back to a relative dir
// when the home directory cannot be determined.
func defaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".shannon-mcp"
	}
	return filepath.Join(home, ".shannon-mcp")
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("SHANNON_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dataRoot", defaultDataRoot())

	// Server defaults
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.mcpPort", 9090)
	v.SetDefault("server.httpEnabled", true)
	v.SetDefault("server.httpHost", "127.0.0.1")
	v.SetDefault("server.httpPort", 8585)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "shannon-mcp")
	v.SetDefault("nats.maxReconnects", 10)

	// Binary resolution defaults
	v.SetDefault("binary.names", []string{"claude", "claude-code"})
	v.SetDefault("binary.searchRoots", []string{})
	v.SetDefault("binary.versionConstraint", "")
	v.SetDefault("binary.cacheTtl", time.Hour)
	v.SetDefault("binary.versionTimeout", 5*time.Second)

	// Session defaults
	v.SetDefault("session.defaultModel", "claude-3-5-sonnet")
	v.SetDefault("session.maxConcurrent", 10)
	v.SetDefault("session.timeout", 30*time.Minute)
	v.SetDefault("session.sendTimeout", 30*time.Second)
	v.SetDefault("session.readTimeout", 30*time.Second)
	v.SetDefault("session.cancelGrace", 5*time.Second)
	v.SetDefault("session.monitorTick", 10*time.Second)
	v.SetDefault("session.evictAfter", 5*time.Minute)
	v.SetDefault("session.shutdownWindow", 60*time.Second)
	v.SetDefault("session.bufferMaxMessages", 1000)
	v.SetDefault("session.partialLineMaxAge", 10*time.Second)
	v.SetDefault("session.cacheMaxEntries", 256)
	v.SetDefault("session.cacheMaxBytes", int64(64*1024*1024))
	v.SetDefault("session.cacheTerminalTtl", 5*time.Minute)

	// Registry defaults
	v.SetDefault("registry.monitorInterval", 30*time.Second)
	v.SetDefault("registry.maintenanceInterval", time.Hour)
	v.SetDefault("registry.heartbeatTimeout", 2*time.Minute)
	v.SetDefault("registry.retention", 24*time.Hour)
	v.SetDefault("registry.validationRetention", 7*24*time.Hour)
	v.SetDefault("registry.auditRetention", 30*24*time.Hour)
	v.SetDefault("registry.alertFraction", 0.8)
	v.SetDefault("registry.autoTerminate", false)
	v.SetDefault("registry.limits.maxRssBytes", uint64(2*1024*1024*1024))
	v.SetDefault("registry.limits.maxCpuPercent", 95.0)
	v.SetDefault("registry.limits.maxOpenFiles", 1024)
	v.SetDefault("registry.limits.maxConnections", 64)
	v.SetDefault("registry.limits.maxChildren", 32)
	v.SetDefault("registry.limits.maxUptime", 12*time.Hour)
	v.SetDefault("registry.security.allowedUsers", []string{})
	v.SetDefault("registry.security.permittedRoots", []string{})
	v.SetDefault("registry.security.blockedExecutables", []string{})
	v.SetDefault("registry.security.flaggedEnvVars", []string{"LD_PRELOAD", "DYLD_INSERT_LIBRARIES"})

	// Checkpoint defaults
	v.SetDefault("checkpoint.retention", 30*24*time.Hour)
	v.SetDefault("checkpoint.cleanupInterval", 24*time.Hour)
	v.SetDefault("checkpoint.perSessionCap", 50)
	v.SetDefault("checkpoint.compressionLevel", 3)
	v.SetDefault("checkpoint.autoInterval", time.Duration(0))

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SHANNON_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// the data root, or /etc/shannon-mcp/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SHANNON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the camelCase keys.
	_ = v.BindEnv("dataRoot", "SHANNON_DATA_ROOT")
	_ = v.BindEnv("nats.url", "SHANNON_NATS_URL")
	_ = v.BindEnv("server.mcpPort", "SHANNON_MCP_PORT")
	_ = v.BindEnv("server.httpPort", "SHANNON_HTTP_PORT")
	_ = v.BindEnv("session.maxConcurrent", "SHANNON_SESSION_MAX_CONCURRENT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultDataRoot())
	v.AddConfigPath("/etc/shannon-mcp/")

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

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.DataRoot == "" {
		errs = append(errs, "dataRoot must be set")
	}
	if cfg.Server.Transport != "stdio" && cfg.Server.Transport != "http" {
		errs = append(errs, "server.transport must be one of: stdio, http")
	}
	if cfg.Server.Transport == "http" && (cfg.Server.McpPort <= 0 || cfg.Server.McpPort > 65535) {
		errs = append(errs, "server.mcpPort must be between 1 and 65535")
	}
	if cfg.Server.HTTPEnabled && (cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535) {
		errs = append(errs, "server.httpPort must be between 1 and 65535")
	}

	if len(cfg.Binary.Names) == 0 {
		errs = append(errs, "binary.names must not be empty")
	}
	if cfg.Session.MaxConcurrent <= 0 {
		errs = append(errs, "session.maxConcurrent must be positive")
	}
	if cfg.Session.Timeout <= 0 {
		errs = append(errs, "session.timeout must be positive")
	}
	if cfg.Registry.AlertFraction <= 0 || cfg.Registry.AlertFraction > 1 {
		errs = append(errs, "registry.alertFraction must be in (0, 1]")
	}
	if cfg.Checkpoint.PerSessionCap <= 0 {
		errs = append(errs, "checkpoint.perSessionCap must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// SessionsDBPath returns the path of the sessions database.
func (c *Config) SessionsDBPath() string {
	return filepath.Join(c.DataRoot, "sessions.db")
}

// RegistryDBPath returns the path of the process registry database.
func (c *Config) RegistryDBPath() string {
	return filepath.Join(c.DataRoot, "process_registry.db")
}

// CheckpointsDBPath returns the path of the checkpoint metadata database.
func (c *Config) CheckpointsDBPath() string {
	return filepath.Join(c.DataRoot, "checkpoints.db")
}

// CheckpointBlobDir returns the directory holding content-addressed blobs.
func (c *Config) CheckpointBlobDir() string {
	return filepath.Join(c.DataRoot, "checkpoints")
}

// PIDDir returns the directory holding per-child PID sidecar files.
func (c *Config) PIDDir() string {
	return filepath.Join(c.DataRoot, "pids")
}

// SessionCacheDir returns the directory holding the persisted session cache.
func (c *Config) SessionCacheDir() string {
	return filepath.Join(c.DataRoot, "session_cache")
}

// LogPath returns the rotated daemon log path, or the configured override.
func (c *Config) LogPath() string {
	if c.Logging.OutputPath != "" {
		return c.Logging.OutputPath
	}
	return filepath.Join(c.DataRoot, "logs", "shannond.log")
}
