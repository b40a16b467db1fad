// Package config provides configuration management for the apex daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Git      GitConfig      `mapstructure:"git"`
	Models   ModelsConfig   `mapstructure:"models"`
	Daemon   DaemonConfig   `mapstructure:"daemon"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Autonomy AutonomyConfig `mapstructure:"autonomy"`
}

// ServerConfig holds the health/debug HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

// DatabaseConfig holds Store backend configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite, postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// EventsConfig holds event bus configuration.
type EventsConfig struct {
	// NatsURL, if set, makes the bus that Orchestrator events are relayed
	// onto a NATS connection instead of the default in-process bus.
	NatsURL   string `mapstructure:"natsUrl"`
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// LimitsConfig holds resource limits for task execution.
type LimitsConfig struct {
	MaxConcurrentTasks int     `mapstructure:"maxConcurrentTasks"`
	MaxTokensPerTask   int     `mapstructure:"maxTokensPerTask"`
	MaxCostPerTask     float64 `mapstructure:"maxCostPerTask"`
	DailyBudget        float64 `mapstructure:"dailyBudget"`
	MaxTurns           int     `mapstructure:"maxTurns"`
	MaxRetries         int     `mapstructure:"maxRetries"`
	RetryDelayMs       int     `mapstructure:"retryDelayMs"`
	RetryBackoffFactor float64 `mapstructure:"retryBackoffFactor"`
}

// GitConfig holds VCS integration configuration.
type GitConfig struct {
	AutoWorktree  bool `mapstructure:"autoWorktree"`
	PushAfterTask bool `mapstructure:"pushAfterTask"`
}

// ModelsConfig is opaque routing information handed to the agent transport.
type ModelsConfig struct {
	Default string            `mapstructure:"default"`
	Routes  map[string]string `mapstructure:"routes"`
}

// DaemonConfig groups the operational sub-sections of the daemon.
type DaemonConfig struct {
	SessionRecovery SessionRecoveryConfig `mapstructure:"sessionRecovery"`
	TimeBasedUsage  TimeBasedUsageConfig  `mapstructure:"timeBasedUsage"`
	Watchdog        WatchdogConfig        `mapstructure:"watchdog"`
	HealthCheck     HealthCheckConfig     `mapstructure:"healthCheck"`
	PollInterval    int                   `mapstructure:"pollInterval"` // ms
}

// SessionRecoveryConfig controls session-pressure checkpointing and resume.
type SessionRecoveryConfig struct {
	Enabled                bool    `mapstructure:"enabled"`
	MaxResumeAttempts      int     `mapstructure:"maxResumeAttempts"`
	ContextWindowThreshold float64 `mapstructure:"contextWindowThreshold"`
	AutoResume             bool    `mapstructure:"autoResume"`
}

// TimeBasedUsageConfig controls the Capacity Monitor's time-window logic.
type TimeBasedUsageConfig struct {
	Enabled                  bool    `mapstructure:"enabled"`
	DayModeHours             []int   `mapstructure:"dayModeHours"`
	NightModeHours           []int   `mapstructure:"nightModeHours"`
	DayModeCapacityThreshold float64 `mapstructure:"dayModeCapacityThreshold"`
	NightModeCapacityThreshold float64 `mapstructure:"nightModeCapacityThreshold"`
	DayModeConcurrencyCap    int     `mapstructure:"dayModeConcurrencyCap"`
	NightModeConcurrencyCap  int     `mapstructure:"nightModeConcurrencyCap"`
}

// WatchdogConfig controls the health monitor's self-check loop.
type WatchdogConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalSeconds int  `mapstructure:"intervalSeconds"`
}

// HealthCheckConfig controls the health HTTP endpoint.
type HealthCheckConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// WorkspaceConfig controls per-task workspace lifecycle.
type WorkspaceConfig struct {
	// CleanupOnComplete defaults to true; set false to retain workspaces
	// after a task completes.
	CleanupOnComplete bool `mapstructure:"cleanupOnComplete"`
}

// AutonomyConfig controls the default and allowed autonomy levels.
type AutonomyConfig struct {
	Default string   `mapstructure:"default"`
	Allowed []string `mapstructure:"allowed"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RetryDelay returns the base retry delay as a time.Duration.
func (l *LimitsConfig) RetryDelay() time.Duration {
	return time.Duration(l.RetryDelayMs) * time.Millisecond
}

// PollIntervalDuration returns the scheduler poll interval as a time.Duration.
func (d *DaemonConfig) PollIntervalDuration() time.Duration {
	return time.Duration(d.PollInterval) * time.Millisecond
}

// detectDefaultLogFormat returns "json" for container/production
// environments and "text" for interactive terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("APEX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./.apex/apex.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "apex")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "apex")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)

	v.SetDefault("events.natsUrl", "")
	v.SetDefault("events.namespace", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("limits.maxConcurrentTasks", 3)
	v.SetDefault("limits.maxTokensPerTask", 500_000)
	v.SetDefault("limits.maxCostPerTask", 10.0)
	v.SetDefault("limits.dailyBudget", 50.0)
	v.SetDefault("limits.maxTurns", 200)
	v.SetDefault("limits.maxRetries", 3)
	v.SetDefault("limits.retryDelayMs", 1000)
	v.SetDefault("limits.retryBackoffFactor", 2.0)

	v.SetDefault("git.autoWorktree", true)
	v.SetDefault("git.pushAfterTask", false)

	v.SetDefault("models.default", "")

	v.SetDefault("daemon.sessionRecovery.enabled", true)
	v.SetDefault("daemon.sessionRecovery.maxResumeAttempts", 3)
	v.SetDefault("daemon.sessionRecovery.contextWindowThreshold", 0.8)
	v.SetDefault("daemon.sessionRecovery.autoResume", true)

	v.SetDefault("daemon.timeBasedUsage.enabled", false)
	v.SetDefault("daemon.timeBasedUsage.dayModeHours", []int{8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19})
	v.SetDefault("daemon.timeBasedUsage.nightModeHours", []int{20, 21, 22, 23, 0, 1, 2, 3, 4, 5, 6, 7})
	v.SetDefault("daemon.timeBasedUsage.dayModeCapacityThreshold", 0.8)
	v.SetDefault("daemon.timeBasedUsage.nightModeCapacityThreshold", 0.95)
	v.SetDefault("daemon.timeBasedUsage.dayModeConcurrencyCap", 3)
	v.SetDefault("daemon.timeBasedUsage.nightModeConcurrencyCap", 6)

	v.SetDefault("daemon.watchdog.enabled", true)
	v.SetDefault("daemon.watchdog.intervalSeconds", 30)

	v.SetDefault("daemon.healthCheck.enabled", true)

	v.SetDefault("daemon.pollInterval", 5000)

	v.SetDefault("workspace.cleanupOnComplete", true)

	v.SetDefault("autonomy.default", "review-before-merge")
	v.SetDefault("autonomy.allowed", []string{"full", "review-before-merge", "manual"})
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
// Environment variables use the prefix APEX_.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("APEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "APEX_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "APEX_EVENTS_NAMESPACE")
	_ = v.BindEnv("events.natsUrl", "APEX_NATS_URL")
	_ = v.BindEnv("limits.maxConcurrentTasks", "APEX_MAX_CONCURRENT_TASKS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".apex")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/apex/")

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

// validate checks that configuration values are internally consistent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	} else if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if cfg.Limits.MaxConcurrentTasks <= 0 {
		errs = append(errs, "limits.maxConcurrentTasks must be positive")
	}
	if cfg.Limits.MaxRetries < 0 {
		errs = append(errs, "limits.maxRetries must not be negative")
	}

	if cfg.Daemon.SessionRecovery.ContextWindowThreshold <= 0 || cfg.Daemon.SessionRecovery.ContextWindowThreshold >= 1 {
		errs = append(errs, "daemon.sessionRecovery.contextWindowThreshold must be in (0, 1)")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
