// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Poller   PollerConfig   `mapstructure:"poller"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

// TelegramConfig holds Telegram bot configuration.
type TelegramConfig struct {
	Token string `mapstructure:"token"`
	Debug bool   `mapstructure:"debug"`
}

// GitHubConfig holds GitHub API configuration.
type GitHubConfig struct {
	Token         string `mapstructure:"token"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	Webhook       bool   `mapstructure:"webhook"` // expose /webhook for push-triggered polls
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// TrackerConfig controls change detection.
type TrackerConfig struct {
	ProcessPreReleases bool          `mapstructure:"process_pre_releases"`
	PreReleaseDebounce time.Duration `mapstructure:"pre_release_debounce"`
	MaxReposPerChat    int           `mapstructure:"max_repos_per_chat"` // 0 = unlimited
	PrimeNewRepos      bool          `mapstructure:"prime_new_repos"`    // skip the first sighting of new repos
}

// PollerConfig controls the poll cycle.
type PollerConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	RepoTimeout time.Duration `mapstructure:"repo_timeout"`
}

// NotifierConfig controls message fan-out.
type NotifierConfig struct {
	Workers    int `mapstructure:"workers"`
	RatePerSec int `mapstructure:"rate_per_sec"`
}

// ScheduleConfig holds cron specs for the periodic jobs.
type ScheduleConfig struct {
	Poll     string `mapstructure:"poll"`
	Followed string `mapstructure:"followed"`
	Cleanup  string `mapstructure:"cleanup"`
	Timezone string `mapstructure:"timezone"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults. Secrets get empty defaults so AutomaticEnv can fill them on Unmarshal.
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.debug", false)
	v.SetDefault("github.token", "")
	v.SetDefault("github.webhook_secret", "")
	v.SetDefault("github.webhook", false)
	v.SetDefault("log.file", "")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.path", "./data/releasebot.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("tracker.process_pre_releases", true)
	v.SetDefault("tracker.pre_release_debounce", "15m")
	v.SetDefault("tracker.max_repos_per_chat", 0)
	v.SetDefault("tracker.prime_new_repos", false)
	v.SetDefault("poller.concurrency", 1)
	v.SetDefault("poller.repo_timeout", "30s")
	v.SetDefault("notifier.workers", 4)
	v.SetDefault("notifier.rate_per_sec", 25)
	v.SetDefault("schedule.poll", "@hourly")
	v.SetDefault("schedule.followed", "0 */8 * * *")
	v.SetDefault("schedule.cleanup", "@weekly")
	v.SetDefault("schedule.timezone", "UTC")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Read environment variables
	v.SetEnvPrefix("RELEASEBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks if all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}
	if c.Tracker.PreReleaseDebounce < 0 {
		return fmt.Errorf("tracker.pre_release_debounce must not be negative")
	}
	if c.Tracker.MaxReposPerChat < 0 {
		return fmt.Errorf("tracker.max_repos_per_chat must not be negative")
	}
	if c.Poller.Concurrency < 1 {
		return fmt.Errorf("poller.concurrency must be at least 1")
	}
	if c.Poller.RepoTimeout <= 0 {
		return fmt.Errorf("poller.repo_timeout must be positive")
	}
	if c.Notifier.Workers < 1 {
		return fmt.Errorf("notifier.workers must be at least 1")
	}
	if c.Notifier.RatePerSec < 1 {
		return fmt.Errorf("notifier.rate_per_sec must be at least 1")
	}
	if c.GitHub.Webhook && c.GitHub.WebhookSecret == "" {
		return fmt.Errorf("github.webhook_secret is required when github.webhook is enabled")
	}
	return nil
}

// ServerAddress returns the full server address.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
