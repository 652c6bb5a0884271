// Package config provides configuration management for ticketd.
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

// Config holds all configuration sections for ticketd.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Context       ContextConfig       `mapstructure:"context"`
	Backup        BackupConfig        `mapstructure:"backup"`
	Watchdog      WatchdogConfig      `mapstructure:"watchdog"`
	Telegram      TelegramConfig      `mapstructure:"telegram"`
	SMTP          SMTPConfig          `mapstructure:"smtp"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

// DatabaseConfig holds the SQLite store configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig holds the top-level daemon loop configuration.
type SchedulerConfig struct {
	PollInterval        int    `mapstructure:"pollInterval"`        // seconds
	MaxParallelProjects int    `mapstructure:"maxParallelProjects"` // concurrent project workers
	ReviewGraceDays     int    `mapstructure:"reviewGraceDays"`     // awaiting_input auto-close window
	PIDFile             string `mapstructure:"pidFile"`
	StopTimeout         int    `mapstructure:"stopTimeout"` // seconds per worker at shutdown
}

// AgentConfig holds the agent subprocess configuration.
type AgentConfig struct {
	Binary         string `mapstructure:"binary"`
	DefaultModel   string `mapstructure:"defaultModel"`
	AuxModel       string `mapstructure:"auxModel"`
	EnvFile        string `mapstructure:"envFile"`
	DefaultWorkDir string `mapstructure:"defaultWorkDir"`
	StuckTimeout   int    `mapstructure:"stuckTimeout"` // minutes of no activity
	AuxTimeout     int    `mapstructure:"auxTimeout"`   // seconds per auxiliary model call
}

// ContextConfig holds the smart-context token budgets.
type ContextConfig struct {
	MaxTotalTokens       int    `mapstructure:"maxTotalTokens"` // hard cap on replayed history
	RecentTokensBudget   int    `mapstructure:"recentTokensBudget"`
	ExtractionThreshold  int    `mapstructure:"extractionThreshold"`
	MaxSingleMessage     int    `mapstructure:"maxSingleMessage"`
	ProjectMapExpiryDays int    `mapstructure:"projectMapExpiryDays"`
	GlobalContextFile    string `mapstructure:"globalContextFile"`
}

// BackupConfig holds the backup archive configuration.
type BackupConfig struct {
	Root          string `mapstructure:"root"`
	MaxPerProject int    `mapstructure:"maxPerProject"`
}

// WatchdogConfig holds the productivity analyzer configuration.
type WatchdogConfig struct {
	Interval    int `mapstructure:"interval"`    // minutes
	MinMessages int `mapstructure:"minMessages"` // minimum transcript size to analyze
	LastN       int `mapstructure:"lastN"`       // messages fed to the analyzer
}

// TelegramConfig holds the Telegram bot configuration.
type TelegramConfig struct {
	BotToken     string `mapstructure:"botToken"`
	ChatID       string `mapstructure:"chatId"`
	PollInterval int    `mapstructure:"pollInterval"` // seconds
}

// SMTPConfig holds the alert email configuration.
type SMTPConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	TLS        bool   `mapstructure:"tls"`
	AlertEmail string `mapstructure:"alertEmail"`
}

// NotificationsConfig gates outbound notifications per event kind.
type NotificationsConfig struct {
	TicketCompleted bool `mapstructure:"ticketCompleted"`
	AwaitingInput   bool `mapstructure:"awaitingInput"`
	TicketFailed    bool `mapstructure:"ticketFailed"`
	WatchdogAlert   bool `mapstructure:"watchdogAlert"`
}

// NATSConfig holds event bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ServerConfig holds the observer endpoint configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// PollIntervalDuration returns the scheduler poll interval as a time.Duration.
func (s *SchedulerConfig) PollIntervalDuration() time.Duration {
	return time.Duration(s.PollInterval) * time.Second
}

// StopTimeoutDuration returns the per-worker shutdown timeout as a time.Duration.
func (s *SchedulerConfig) StopTimeoutDuration() time.Duration {
	return time.Duration(s.StopTimeout) * time.Second
}

// ReviewGrace returns the awaiting_input auto-close window as a time.Duration.
func (s *SchedulerConfig) ReviewGrace() time.Duration {
	return time.Duration(s.ReviewGraceDays) * 24 * time.Hour
}

// StuckTimeoutDuration returns the no-activity timeout as a time.Duration.
func (a *AgentConfig) StuckTimeoutDuration() time.Duration {
	return time.Duration(a.StuckTimeout) * time.Minute
}

// AuxTimeoutDuration returns the auxiliary model call timeout as a time.Duration.
func (a *AgentConfig) AuxTimeoutDuration() time.Duration {
	return time.Duration(a.AuxTimeout) * time.Second
}

// IntervalDuration returns the watchdog cadence as a time.Duration.
func (w *WatchdogConfig) IntervalDuration() time.Duration {
	return time.Duration(w.Interval) * time.Minute
}

// PollIntervalDuration returns the inbound poll cadence as a time.Duration.
func (t *TelegramConfig) PollIntervalDuration() time.Duration {
	return time.Duration(t.PollInterval) * time.Second
}

// detectDefaultLogFormat returns json for production environments and text
// for terminal use.
func detectDefaultLogFormat() string {
	if env := os.Getenv("TICKETD_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func homePath(parts ...string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(append([]string{home}, parts...)...)
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", homePath(".ticketd", "ticketd.db"))

	v.SetDefault("scheduler.pollInterval", 3)
	v.SetDefault("scheduler.maxParallelProjects", 3)
	v.SetDefault("scheduler.reviewGraceDays", 7)
	v.SetDefault("scheduler.pidFile", homePath(".ticketd", "ticketd.pid"))
	v.SetDefault("scheduler.stopTimeout", 5)

	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.defaultModel", "sonnet")
	v.SetDefault("agent.auxModel", "haiku")
	v.SetDefault("agent.envFile", homePath(".claude", ".env"))
	v.SetDefault("agent.defaultWorkDir", "/var/www/projects")
	v.SetDefault("agent.stuckTimeout", 30)
	v.SetDefault("agent.auxTimeout", 30)

	v.SetDefault("context.maxTotalTokens", 100000)
	v.SetDefault("context.recentTokensBudget", 50000)
	v.SetDefault("context.extractionThreshold", 50000)
	v.SetDefault("context.maxSingleMessage", 10000)
	v.SetDefault("context.projectMapExpiryDays", 7)
	v.SetDefault("context.globalContextFile", homePath(".ticketd", "global_context.txt"))

	v.SetDefault("backup.root", homePath(".ticketd", "backups"))
	v.SetDefault("backup.maxPerProject", 30)

	v.SetDefault("watchdog.interval", 30)
	v.SetDefault("watchdog.minMessages", 10)
	v.SetDefault("watchdog.lastN", 30)

	v.SetDefault("telegram.botToken", "")
	v.SetDefault("telegram.chatId", "")
	v.SetDefault("telegram.pollInterval", 10)

	v.SetDefault("smtp.enabled", false)
	v.SetDefault("smtp.host", "localhost")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.user", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.tls", true)
	v.SetDefault("smtp.alertEmail", "")

	v.SetDefault("notifications.ticketCompleted", true)
	v.SetDefault("notifications.awaitingInput", true)
	v.SetDefault("notifications.ticketFailed", true)
	v.SetDefault("notifications.watchdogAlert", true)

	// Empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8480)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TICKETD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/ticketd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TICKETD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from the config key.
	_ = v.BindEnv("telegram.botToken", "TELEGRAM_BOT_TOKEN", "TICKETD_TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("telegram.chatId", "TELEGRAM_CHAT_ID", "TICKETD_TELEGRAM_CHAT_ID")
	_ = v.BindEnv("scheduler.maxParallelProjects", "MAX_PARALLEL_PROJECTS", "TICKETD_SCHEDULER_MAX_PARALLEL_PROJECTS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ticketd/")

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

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if cfg.Scheduler.PollInterval <= 0 {
		errs = append(errs, "scheduler.pollInterval must be positive")
	}
	if cfg.Scheduler.MaxParallelProjects <= 0 {
		errs = append(errs, "scheduler.maxParallelProjects must be positive")
	}
	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}
	if cfg.Context.RecentTokensBudget > cfg.Context.MaxTotalTokens {
		errs = append(errs, "context.recentTokensBudget must not exceed context.maxTotalTokens")
	}
	if cfg.Backup.MaxPerProject <= 0 {
		errs = append(errs, "backup.maxPerProject must be positive")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
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
