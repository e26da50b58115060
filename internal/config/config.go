// Package config loads BrowserCron settings from the environment.
//
// Values come from process environment variables, optionally seeded from a
// .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// BrowserUseConfig configures the browser automation provider.
type BrowserUseConfig struct {
	APIKey  string        `env:"BROWSER_USE_API_KEY"`
	BaseURL string        `env:"BROWSER_USE_BASE_URL" envDefault:"https://api.browser-use.com"`
	Timeout time.Duration `env:"BROWSER_USE_TIMEOUT" envDefault:"30s"`
}

// SMTPConfig configures the SMTP mailer. It is used when Resend is not.
type SMTPConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"587"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
}

// EmailConfig configures outgoing email.
type EmailConfig struct {
	ResendAPIKey string     `env:"RESEND_API_KEY"`
	From         string     `env:"RESEND_FROM_EMAIL"`
	SMTP         SMTPConfig `envPrefix:"BROWSERCRON_SMTP_"`
}

// Mailer reports which mailer the settings select: resend, smtp or none.
func (e EmailConfig) Mailer() string {
	switch {
	case e.ResendAPIKey != "":
		return "resend"
	case e.SMTP.Host != "":
		return "smtp"
	default:
		return "none"
	}
}

// RedisConfig configures the run event relay.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	Channel  string `env:"CHANNEL" envDefault:"browsercron:runs"`
}

// OIDCConfig configures bearer token verification.
type OIDCConfig struct {
	Issuer   string `env:"ISSUER"`
	ClientID string `env:"CLIENT_ID"`
}

// Config is the BrowserCron configuration.
type Config struct {
	BrowserUse BrowserUseConfig
	Email      EmailConfig

	// AppURL is the base of links placed in emails.
	AppURL string `env:"BROWSERCRON_APP_URL" envDefault:"http://localhost:8080"`

	// DataDir holds the sqlite database when DatabaseURL is empty.
	DataDir     string `env:"BROWSERCRON_DATA"`
	DatabaseURL string `env:"BROWSERCRON_DATABASE_URL"`

	Redis RedisConfig `envPrefix:"BROWSERCRON_REDIS_"`
	OIDC  OIDCConfig  `envPrefix:"BROWSERCRON_OIDC_"`

	DigestSchedule string `env:"BROWSERCRON_DIGEST_SCHEDULE" envDefault:"0 0 9 * * MON"`
	DisableDigest  bool   `env:"BROWSERCRON_DISABLE_DIGEST" envDefault:"false"`

	HTTPAddr string `env:"BROWSERCRON_HTTP_ADDR" envDefault:":8080"`
	Dev      bool   `env:"BROWSERCRON_DEV" envDefault:"false"`
}

// Load reads the optional .env files then parses the environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Sanitize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Sanitize applies defaults that depend on the host and trims values.
func (c *Config) Sanitize() error {
	c.AppURL = strings.TrimRight(strings.TrimSpace(c.AppURL), "/")
	c.BrowserUse.APIKey = strings.TrimSpace(c.BrowserUse.APIKey)
	c.Email.ResendAPIKey = strings.TrimSpace(c.Email.ResendAPIKey)
	if c.BrowserUse.Timeout <= 0 {
		c.BrowserUse.Timeout = 30 * time.Second
	}
	if c.Email.SMTP.Port <= 0 {
		c.Email.SMTP.Port = 587
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".browsercron")
	}
	return nil
}

// DBPath is the sqlite database file.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "browsercron.db")
}

// PIDPath is the daemon pid file.
func (c Config) PIDPath() string {
	return filepath.Join(c.DataDir, "daemon.pid")
}

// Validate checks the settings needed to execute tasks.
func (c Config) Validate() error {
	if c.BrowserUse.APIKey == "" {
		return errors.New("BROWSER_USE_API_KEY is required")
	}
	if (c.OIDC.Issuer == "") != (c.OIDC.ClientID == "") {
		return errors.New("BROWSERCRON_OIDC_ISSUER and BROWSERCRON_OIDC_CLIENT_ID must be set together")
	}
	return nil
}
