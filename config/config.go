package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the gateway configuration
type Config struct {
	// HTTP surface
	Port          int    `mapstructure:"port"`
	Token         string `mapstructure:"token"`
	ProtectRoutes bool   `mapstructure:"protect_routes"`

	LogLevel    string `mapstructure:"log_level"`
	DatabaseURL string `mapstructure:"database_url"`

	// Session lifecycle
	RestoreSessionsOnStartUp     bool          `mapstructure:"restore_sessions_on_start_up"`
	RestoreInterval              time.Duration `mapstructure:"restore_interval"`
	ResetAllSessionsOnStart      bool          `mapstructure:"reset_all_sessions_on_start"`
	DailyResetSessionsAtMidnight bool          `mapstructure:"daily_reset_sessions_at_midnight"`
	InstanceMaxRetryQR           int           `mapstructure:"instance_max_retry_qr"`
	MarkMessagesRead             bool          `mapstructure:"mark_messages_read"`
	SendRatePerSecond            float64       `mapstructure:"send_rate_per_second"`

	// Webhooks
	WebhookEnabled       bool          `mapstructure:"webhook_enabled"`
	WebhookURL           string        `mapstructure:"webhook_url"`
	WebhookBase64        bool          `mapstructure:"webhook_base64"`
	WebhookAllowedEvents []string      `mapstructure:"webhook_allowed_events"`
	WebhookTimeout       time.Duration `mapstructure:"webhook_timeout"`
	WebhookWorkers       int           `mapstructure:"webhook_workers"`

	// Linked device presentation
	ClientPlatform string `mapstructure:"client_platform"`
	ClientBrowser  string `mapstructure:"client_browser"`
	ClientVersion  string `mapstructure:"client_version"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Port:                 3333,
		LogLevel:             "info",
		DatabaseURL:          "file:gateway.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		RestoreInterval:      2 * time.Second,
		InstanceMaxRetryQR:   5,
		SendRatePerSecond:    5,
		WebhookAllowedEvents: []string{"all"},
		WebhookTimeout:       10 * time.Second,
		WebhookWorkers:       64,
		ClientPlatform:       "Whatsapp MD",
		ClientBrowser:        "Chrome",
		ClientVersion:        "4.0.0",
	}
}

// Load reads envFile if it exists, then the process environment. Unset keys
// keep their defaults.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	v.SetDefault("port", cfg.Port)
	v.SetDefault("token", cfg.Token)
	v.SetDefault("protect_routes", cfg.ProtectRoutes)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("database_url", cfg.DatabaseURL)
	v.SetDefault("restore_sessions_on_start_up", cfg.RestoreSessionsOnStartUp)
	v.SetDefault("restore_interval", cfg.RestoreInterval)
	v.SetDefault("reset_all_sessions_on_start", cfg.ResetAllSessionsOnStart)
	v.SetDefault("daily_reset_sessions_at_midnight", cfg.DailyResetSessionsAtMidnight)
	v.SetDefault("instance_max_retry_qr", cfg.InstanceMaxRetryQR)
	v.SetDefault("mark_messages_read", cfg.MarkMessagesRead)
	v.SetDefault("send_rate_per_second", cfg.SendRatePerSecond)
	v.SetDefault("webhook_enabled", cfg.WebhookEnabled)
	v.SetDefault("webhook_url", cfg.WebhookURL)
	v.SetDefault("webhook_base64", cfg.WebhookBase64)
	v.SetDefault("webhook_allowed_events", cfg.WebhookAllowedEvents)
	v.SetDefault("webhook_timeout", cfg.WebhookTimeout)
	v.SetDefault("webhook_workers", cfg.WebhookWorkers)
	v.SetDefault("client_platform", cfg.ClientPlatform)
	v.SetDefault("client_browser", cfg.ClientBrowser)
	v.SetDefault("client_version", cfg.ClientVersion)

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	cfg.WebhookAllowedEvents = splitList(cfg.WebhookAllowedEvents)
	return cfg, nil
}

// splitList flattens comma separated entries and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
