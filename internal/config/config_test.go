package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hal9000y/gmail-pgp/internal/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.NoError(t, err)

	assert.Equal(t, config.TransportGmail, cfg.Transport)
	assert.Equal(t, 60*time.Second, cfg.PGP.PassphraseTimeout)
	assert.EqualValues(t, 25*1024*1024, cfg.Limits.MaxAttachmentBytes)
	assert.EqualValues(t, 5*1024*1024, cfg.Limits.MaxMessageBytes)
	assert.True(t, cfg.Keyserver.WKD)
	assert.True(t, cfg.Relay.Threaded)
	assert.False(t, cfg.Relay.Subscription)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, "config.yaml", `
account: Me@Example.com
name: Me
transport: smtps://me@mail.example.com:465
relay:
  url: https://relay.example.com/api
  link_base: https://relay.example.com
  subscription: true
footer:
  plain: Sent securely
pgp:
  passphrase_timeout: 30s
limits:
  max_attachment_bytes: 1024
`)
	envFile := writeFile(t, ".env", "OAUTH_GOOGLE_CLIENT_ID=id-from-env\nSMTP_PASSWORD=s3cret\n")
	t.Setenv("OAUTH_GOOGLE_CLIENT_SECRET", "secret-from-env")
	t.Cleanup(func() {
		os.Unsetenv("OAUTH_GOOGLE_CLIENT_ID")
		os.Unsetenv("SMTP_PASSWORD")
	})

	cfg, err := config.Load(path, envFile)
	require.NoError(t, err)

	assert.Equal(t, "me@example.com", cfg.Account)
	assert.Equal(t, "example.com", cfg.Domain())
	assert.Equal(t, "smtps://me@mail.example.com:465", cfg.Transport)
	assert.Equal(t, "s3cret", cfg.SMTPPassword)
	assert.Equal(t, "id-from-env", cfg.OAuth.ClientID)
	assert.Equal(t, "secret-from-env", cfg.OAuth.ClientSecret)
	assert.Equal(t, "https://relay.example.com/api", cfg.Relay.URL)
	assert.True(t, cfg.Relay.Subscription)
	assert.Equal(t, "Sent securely", cfg.Footer.Plain)
	assert.Equal(t, 30*time.Second, cfg.PGP.PassphraseTimeout)
	assert.EqualValues(t, 1024, cfg.Limits.MaxAttachmentBytes)

	require.NoError(t, cfg.Validate())
}

func TestLoadErrors(t *testing.T) {
	_, err := config.Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)

	_, err = config.Load(writeFile(t, "bad.yaml", "account: [unterminated"), "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() config.Config {
		return config.Config{
			Account:   "me@example.com",
			Transport: config.TransportGmail,
			OAuth:     config.OAuthConfig{ClientID: "id", ClientSecret: "secret"},
			Relay:     config.RelayConfig{URL: "https://r.example.com", LinkBase: "https://r.example.com"},
			PGP:       config.PGPConfig{PassphraseTimeout: time.Minute},
		}
	}

	cases := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*config.Config) {},
		},
		{
			name:    "bad account",
			mutate:  func(c *config.Config) { c.Account = "me" },
			wantErr: "account",
		},
		{
			name:    "no oauth client",
			mutate:  func(c *config.Config) { c.OAuth.ClientSecret = "" },
			wantErr: "OAUTH_GOOGLE_CLIENT_SECRET",
		},
		{
			name:    "unknown transport",
			mutate:  func(c *config.Config) { c.Transport = "sendmail" },
			wantErr: "transport",
		},
		{
			name:   "smtp transport",
			mutate: func(c *config.Config) { c.Transport = "smtp://me@localhost:587" },
		},
		{
			name:    "no relay",
			mutate:  func(c *config.Config) { c.Relay.LinkBase = "" },
			wantErr: "relay",
		},
		{
			name:    "negative limit",
			mutate:  func(c *config.Config) { c.Limits.MaxAttachmentBytes = -1 },
			wantErr: "max_attachment_bytes",
		},
		{
			name:    "no passphrase timeout",
			mutate:  func(c *config.Config) { c.PGP.PassphraseTimeout = 0 },
			wantErr: "passphrase_timeout",
		},
		{
			name:    "missing key file",
			mutate:  func(c *config.Config) { c.PGP.PrivateKeyFile = "/nonexistent/key.asc" },
			wantErr: "private_key_file",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)

			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}
