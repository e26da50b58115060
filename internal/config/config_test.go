package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/browsercron/internal/config"
)

func TestLoad(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	dir := t.TempDir()
	t.Setenv("BROWSER_USE_API_KEY", " bu-key ")
	t.Setenv("BROWSERCRON_APP_URL", "https://cron.example.com/")
	t.Setenv("BROWSERCRON_DATA", dir)
	t.Setenv("BROWSERCRON_SMTP_HOST", "smtp.example.com")
	t.Setenv("BROWSERCRON_REDIS_ADDR", "localhost:6379")
	t.Setenv("BROWSERCRON_DEV", "true")

	cfg, err := config.Load(filepath.Join(dir, "missing.env"))
	require.NoError(err)

	assert.Equal("bu-key", cfg.BrowserUse.APIKey)
	assert.Equal("https://api.browser-use.com", cfg.BrowserUse.BaseURL)
	assert.Equal(30*time.Second, cfg.BrowserUse.Timeout)
	assert.Equal("https://cron.example.com", cfg.AppURL)
	assert.Equal(filepath.Join(dir, "browsercron.db"), cfg.DBPath())
	assert.Equal("smtp", cfg.Email.Mailer())
	assert.Equal(587, cfg.Email.SMTP.Port)
	assert.Equal("localhost:6379", cfg.Redis.Addr)
	assert.Equal("browsercron:runs", cfg.Redis.Channel)
	assert.Equal("0 0 9 * * MON", cfg.DigestSchedule)
	assert.Equal(":8080", cfg.HTTPAddr)
	assert.True(cfg.Dev)
	assert.NoError(cfg.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(os.WriteFile(path, []byte("RESEND_API_KEY=re_123\nRESEND_FROM_EMAIL=Cron <cron@example.com>\n"), 0o600))
	t.Setenv("BROWSERCRON_DATA", dir)
	t.Setenv("RESEND_API_KEY", "")
	os.Unsetenv("RESEND_API_KEY")
	t.Setenv("RESEND_FROM_EMAIL", "")
	os.Unsetenv("RESEND_FROM_EMAIL")

	cfg, err := config.Load(path)
	require.NoError(err)
	assert.Equal(t, "resend", cfg.Email.Mailer())
	assert.Equal(t, "Cron <cron@example.com>", cfg.Email.From)
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		cfg    config.Config
		expErr bool
	}{
		"A missing provider key should fail.": {
			cfg:    config.Config{},
			expErr: true,
		},

		"A provider key is enough.": {
			cfg: config.Config{BrowserUse: config.BrowserUseConfig{APIKey: "k"}},
		},

		"An issuer without client id should fail.": {
			cfg: config.Config{
				BrowserUse: config.BrowserUseConfig{APIKey: "k"},
				OIDC:       config.OIDCConfig{Issuer: "https://issuer.example.com"},
			},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			err := test.cfg.Validate()
			if test.expErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
