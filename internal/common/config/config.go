// Package config provides configuration management for AgentDock.
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

// Config holds all configuration sections for AgentDock.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AgentConfig holds agent subprocess configuration.
type AgentConfig struct {
	// Command is the agent CLI executable (default: claude).
	Command string `mapstructure:"command"`

	// Args are extra arguments appended to every agent invocation.
	Args []string `mapstructure:"args"`

	// Mock replaces the agent CLI with the bundled mock-agent binary.
	Mock bool `mapstructure:"mock"`

	// MockCommand is the mock-agent executable used when Mock is true.
	MockCommand string `mapstructure:"mockCommand"`

	// PermissionPromptTool is the MCP tool name passed via
	// --permission-prompt-tool. Empty disables permission routing.
	PermissionPromptTool string `mapstructure:"permissionPromptTool"`

	// PermissionToolCommand is the executable for the out-of-process
	// permission tool referenced by the generated MCP config.
	// Overridable via AGENTDOCK_AGENT_PERMISSION_TOOL_COMMAND.
	PermissionToolCommand string `mapstructure:"permissionToolCommand"`

	// UsePTY spawns the agent under a pseudo-terminal instead of plain
	// pipes. The event contract is identical either way.
	UsePTY bool `mapstructure:"usePty"`
}

// WorkspaceConfig holds workspace provisioning configuration.
type WorkspaceConfig struct {
	// SessionsBaseDir is the tmpfs-style root for local-copy workspaces.
	SessionsBaseDir string `mapstructure:"sessionsBaseDir"`

	// CacheDir is the root for remote-git repository caches.
	CacheDir string `mapstructure:"cacheDir"`

	// ContainerMode returns source paths unchanged instead of copying or
	// creating worktrees (the container image already isolates the tree).
	ContainerMode bool `mapstructure:"containerMode"`
}

// UsageConfig holds usage reporting configuration.
type UsageConfig struct {
	ReportInterval int `mapstructure:"reportInterval"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ReportIntervalDuration returns the usage report interval as a time.Duration.
func (u *UsageConfig) ReportIntervalDuration() time.Duration {
	return time.Duration(u.ReportInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTDOCK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "./agentdock.db")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentdock")
	v.SetDefault("nats.maxReconnects", 10)

	// Agent defaults
	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.mock", false)
	v.SetDefault("agent.mockCommand", "mock-agent")
	v.SetDefault("agent.permissionPromptTool", "")
	v.SetDefault("agent.permissionToolCommand", "permission-mcp")
	v.SetDefault("agent.usePty", false)

	// Workspace defaults
	v.SetDefault("workspace.sessionsBaseDir", filepath.Join(os.TempDir(), "agentdock-sessions"))
	v.SetDefault("workspace.cacheDir", "~/.agentdock/cache")
	v.SetDefault("workspace.containerMode", false)

	// Usage defaults
	v.SetDefault("usage.reportInterval", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTDOCK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentdock/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTDOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the camelCase
	// config keys (AutomaticEnv does not convert camelCase to SNAKE_CASE).
	_ = v.BindEnv("agent.permissionToolCommand", "AGENTDOCK_AGENT_PERMISSION_TOOL_COMMAND")
	_ = v.BindEnv("agent.permissionPromptTool", "AGENTDOCK_AGENT_PERMISSION_PROMPT_TOOL")
	_ = v.BindEnv("agent.mockCommand", "AGENTDOCK_AGENT_MOCK_COMMAND")
	_ = v.BindEnv("workspace.sessionsBaseDir", "AGENTDOCK_WORKSPACE_SESSIONS_BASE_DIR")
	_ = v.BindEnv("workspace.cacheDir", "AGENTDOCK_WORKSPACE_CACHE_DIR")
	_ = v.BindEnv("database.path", "AGENTDOCK_DB_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentdock/")

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

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if cfg.Agent.Command == "" && !cfg.Agent.Mock {
		errs = append(errs, "agent.command is required unless agent.mock is set")
	}

	if cfg.Workspace.SessionsBaseDir == "" {
		errs = append(errs, "workspace.sessionsBaseDir is required")
	}

	if cfg.Usage.ReportInterval <= 0 {
		errs = append(errs, "usage.reportInterval must be positive")
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

// ExpandedCacheDir returns the workspace cache dir with ~ expanded.
func (w *WorkspaceConfig) ExpandedCacheDir() (string, error) {
	path := w.CacheDir
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Abs(path)
}
