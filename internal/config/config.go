package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath = "config.toml"
	DefaultHTTPAddr   = ":8080"
	DefaultPGHost     = "127.0.0.1"
	DefaultPGPort     = 5432
	DefaultPGUser     = "postgres"
	DefaultPGDatabase = "commshub"
	DefaultPGSSLMode  = "disable"
	DefaultDataRoot   = "data"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Storage  StorageConfig  `toml:"storage"`
	Inbound  InboundConfig  `toml:"inbound"`
	Outbox   OutboxConfig   `toml:"outbox"`
	Mailbox  MailboxConfig  `toml:"mailbox"`
	Email    EmailConfig    `toml:"email"`
	Meta     MetaConfig     `toml:"meta"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type PostgresConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSLMode  string `toml:"sslmode"`
}

// DSN renders a pgx-compatible connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type StorageConfig struct {
	DataRoot string `toml:"data_root"`
}

// InboundConfig holds policy values for the normalizer and pipeline.
// The fingerprint window and retry budget are deployment policy, not invariants.
type InboundConfig struct {
	FingerprintWindowMinutes int `toml:"fingerprint_window_minutes"`
	MaxRetries               int `toml:"max_retries"`
}

func (c InboundConfig) FingerprintWindow() time.Duration {
	minutes := c.FingerprintWindowMinutes
	if minutes <= 0 {
		minutes = 5
	}
	return time.Duration(minutes) * time.Minute
}

type OutboxConfig struct {
	BaseDelaySeconds   int     `toml:"base_delay_seconds"`
	MaxDelaySeconds    int     `toml:"max_delay_seconds"`
	MaxAttempts        int     `toml:"max_attempts"`
	JitterFraction     float64 `toml:"jitter_fraction"`
	WorkerCount        int     `toml:"worker_count"`
	PollIntervalSecs   int     `toml:"poll_interval_seconds"`
	SendTimeoutSeconds int     `toml:"send_timeout_seconds"`
	StaleAfterSeconds  int     `toml:"stale_after_seconds"`
}

type MailboxConfig struct {
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	BatchLimit          int `toml:"batch_limit"`
}

// EmailConfig carries the default (fallback) outbound transport used when a
// mailbox target's own SMTP transport fails.
type EmailConfig struct {
	FallbackProvider string        `toml:"fallback_provider"`
	Mailgun          MailgunConfig `toml:"mailgun"`
}

type MailgunConfig struct {
	Domain string `toml:"domain"`
	APIKey string `toml:"api_key"`
	Region string `toml:"region"`
}

// MetaConfig holds app-level Meta platform settings shared by the
// Messenger and Instagram webhook surfaces.
type MetaConfig struct {
	AppSecret   string `toml:"app_secret"`
	VerifyToken string `toml:"verify_token"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Storage: StorageConfig{
			DataRoot: DefaultDataRoot,
		},
		Inbound: InboundConfig{
			FingerprintWindowMinutes: 5,
			MaxRetries:               3,
		},
		Outbox: OutboxConfig{
			BaseDelaySeconds:   30,
			MaxDelaySeconds:    3600,
			MaxAttempts:        8,
			JitterFraction:     0.25,
			WorkerCount:        4,
			PollIntervalSecs:   5,
			SendTimeoutSeconds: 30,
			StaleAfterSeconds:  300,
		},
		Mailbox: MailboxConfig{
			PollIntervalSeconds: 60,
			BatchLimit:          50,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
