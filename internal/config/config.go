// Package config loads settings from an optional YAML file with
// environment overrides on top. Environment always wins, so a bare
// env-only deployment (the common container case) needs no file at all.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

const (
	DefaultPollInterval = 5 * time.Minute
	DefaultDBPath       = "./hnwatch.db"
	DefaultDigestCron   = "0 9 * * *"
)

type Config struct {
	// Username is the HN account whose submissions are monitored.
	Username string `yaml:"username"`

	Telegram TelegramConfig `yaml:"telegram"`
	Poll     PollConfig     `yaml:"poll"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Digest   DigestConfig   `yaml:"digest"`
	HN       HNConfig       `yaml:"hn"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

type PollConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
}

type StorageConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
}

type DigestConfig struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
}

type HNConfig struct {
	BaseURL    string  `yaml:"base_url"`
	RatePerSec float64 `yaml:"rate_per_sec"`
}

// Interval returns the effective poll interval (floor one minute).
func (c *Config) Interval() time.Duration {
	m := c.Poll.IntervalMinutes
	if m <= 0 {
		return DefaultPollInterval
	}
	return time.Duration(m) * time.Minute
}

// Load reads path (when it exists), applies environment overrides, fills
// defaults, and validates. A missing file is not an error; a malformed or
// invalid one is.
func Load(path string) (*Config, error) {
	var cfg Config

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// env-only mode
		case err != nil:
			return nil, err
		default:
			dec := yaml.NewDecoder(bytes.NewReader(b))
			dec.KnownFields(true)
			if err := dec.Decode(&cfg); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("HN_USERNAME")); v != "" {
		cfg.Username = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID must be an integer, got %q", v)
		}
		cfg.Telegram.ChatID = id
	}
	if v := strings.TrimSpace(os.Getenv("POLL_INTERVAL_MINUTES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("POLL_INTERVAL_MINUTES must be an integer, got %q", v)
		}
		cfg.Poll.IntervalMinutes = n
	}
	if v := strings.TrimSpace(os.Getenv("HNWATCH_DB_PATH")); v != "" {
		cfg.Storage.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("HNWATCH_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultDBPath
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Digest.Cron == "" {
		cfg.Digest.Cron = DefaultDigestCron
	}
	if cfg.Poll.IntervalMinutes < 0 {
		cfg.Poll.IntervalMinutes = 0
	}
}

func (c *Config) validate() error {
	var missing []string
	if strings.TrimSpace(c.Username) == "" {
		missing = append(missing, "username (HN_USERNAME)")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		missing = append(missing, "telegram.token (TELEGRAM_BOT_TOKEN)")
	}
	if c.Telegram.ChatID == 0 {
		missing = append(missing, "telegram.chat_id (TELEGRAM_CHAT_ID)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}
