package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultRemindTimes are the daily sweep slots used when REMIND_TIMES is unset.
const DefaultRemindTimes = "09:00,11:30,14:00,16:30,19:00"

// AppConfig holds all configuration for the application
type AppConfig struct {
	DatabaseURL string
	LogLevel    string
	Environment string
	Timezone    *time.Location

	RemindTimes       []string // HH:MM wall-clock slots
	SweepOnStartup    bool
	ThresholdCacheTTL time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	EmailFrom    string

	TelegramToken         string
	AdminTelegramID       int64
	NotifyTelegramChatIDs []int64

	MetricsAddr string
}

// EmailEnabled reports whether SMTP delivery is configured.
func (c *AppConfig) EmailEnabled() bool {
	return c.SMTPHost != "" && c.EmailFrom != ""
}

// TelegramEnabled reports whether a bot token is configured.
func (c *AppConfig) TelegramEnabled() bool {
	return c.TelegramToken != ""
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()

	cfg := &AppConfig{}
	var err error

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	cfg.LogLevel = strings.ToLower(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.Environment = strings.ToLower(os.Getenv("ENVIRONMENT"))
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	tz := os.Getenv("TIMEZONE")
	if tz == "" {
		cfg.Timezone = time.Local
	} else if cfg.Timezone, err = time.LoadLocation(tz); err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	remindTimes := os.Getenv("REMIND_TIMES")
	if remindTimes == "" {
		remindTimes = DefaultRemindTimes
	}
	cfg.RemindTimes = splitList(remindTimes)
	if len(cfg.RemindTimes) == 0 {
		return nil, fmt.Errorf("REMIND_TIMES has no entries")
	}

	cfg.SweepOnStartup = true
	if v := os.Getenv("SWEEP_ON_STARTUP"); v != "" {
		if cfg.SweepOnStartup, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("invalid SWEEP_ON_STARTUP: %w", err)
		}
	}

	cfg.ThresholdCacheTTL = 5 * time.Minute
	if v := os.Getenv("THRESHOLD_CACHE_TTL"); v != "" {
		if cfg.ThresholdCacheTTL, err = time.ParseDuration(v); err != nil {
			return nil, fmt.Errorf("invalid THRESHOLD_CACHE_TTL: %w", err)
		}
	}

	cfg.SMTPHost = os.Getenv("SMTP_HOST")
	cfg.SMTPPort = 465
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if cfg.SMTPPort, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("invalid SMTP_PORT: %w", err)
		}
	}
	cfg.SMTPUser = os.Getenv("SMTP_USER")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.EmailFrom = os.Getenv("EMAIL_FROM")

	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	if v := os.Getenv("ADMIN_TELEGRAM_ID"); v != "" {
		if cfg.AdminTelegramID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid ADMIN_TELEGRAM_ID: %w", err)
		}
	}
	for _, v := range splitList(os.Getenv("NOTIFY_TELEGRAM_CHAT_IDS")) {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid NOTIFY_TELEGRAM_CHAT_IDS entry %q: %w", v, err)
		}
		cfg.NotifyTelegramChatIDs = append(cfg.NotifyTelegramChatIDs, id)
	}

	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
