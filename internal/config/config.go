// Package config loads the settings of gmail-pgp from a YAML file, an
// optional env file and the process environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/hal9000y/gmail-pgp/internal/model"
)

// TransportGmail sends through the Gmail API. Any other transport value is
// an smtp:// or smtps:// URL.
const TransportGmail = "gmail"

// OAuthConfig holds the Google OAuth client.
type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	// TokenFile caches the OAuth token between runs. Empty disables caching.
	TokenFile string `mapstructure:"token_file" yaml:"token_file"`
	// AuthTimeout bounds how long a send waits for the user to sign in again.
	AuthTimeout time.Duration `mapstructure:"auth_timeout" yaml:"auth_timeout"`
}

// KeyserverConfig controls remote public key lookups.
type KeyserverConfig struct {
	AttesterURL string        `mapstructure:"attester_url" yaml:"attester_url"`
	WKD         bool          `mapstructure:"wkd" yaml:"wkd"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RelayConfig points to the service storing password-protected messages.
type RelayConfig struct {
	URL string `mapstructure:"url" yaml:"url"`

	// LinkBase prefixes the decrypt links sent to recipients.
	LinkBase string `mapstructure:"link_base" yaml:"link_base"`

	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// Threaded enables the reply token block in password messages.
	Threaded bool `mapstructure:"threaded" yaml:"threaded"`

	// Subscription allows attachments in password messages.
	Subscription bool `mapstructure:"subscription" yaml:"subscription"`
}

// FooterConfig is appended to every outgoing message.
type FooterConfig struct {
	Plain string `mapstructure:"plain" yaml:"plain"`
	HTML  string `mapstructure:"html" yaml:"html"`
}

// PGPConfig locates the sender's own key.
type PGPConfig struct {
	PrivateKeyFile     string        `mapstructure:"private_key_file" yaml:"private_key_file"`
	PassphraseTimeout  time.Duration `mapstructure:"passphrase_timeout" yaml:"passphrase_timeout"`
	RememberPassphrase bool          `mapstructure:"remember_passphrase" yaml:"remember_passphrase"`
}

// StorageConfig holds local file locations.
type StorageConfig struct {
	ContactsDB string `mapstructure:"contacts_db" yaml:"contacts_db"`
	// StateDir holds the per account leveldb. Empty keeps state in memory.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
	// KeyringDir is used by the file keyring backend when no OS keyring exists.
	KeyringDir      string `mapstructure:"keyring_dir" yaml:"keyring_dir"`
	KeyringPassword string `mapstructure:"keyring_password" yaml:"keyring_password"`
}

// LimitsConfig caps message sizes.
type LimitsConfig struct {
	MaxAttachmentBytes int64 `mapstructure:"max_attachment_bytes" yaml:"max_attachment_bytes"`
	MaxMessageBytes    int64 `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
}

// Config is the top-level configuration.
type Config struct {
	// Account is the sender's email address.
	Account string `mapstructure:"account" yaml:"account"`
	Name    string `mapstructure:"name" yaml:"name"`

	// Transport is "gmail" or an SMTP URL such as smtps://user@host:465.
	Transport    string `mapstructure:"transport" yaml:"transport"`
	SMTPPassword string `mapstructure:"smtp_password" yaml:"smtp_password"`

	OAuth     OAuthConfig     `mapstructure:"oauth" yaml:"oauth"`
	Keyserver KeyserverConfig `mapstructure:"keyserver" yaml:"keyserver"`
	Relay     RelayConfig     `mapstructure:"relay" yaml:"relay"`
	Footer    FooterConfig    `mapstructure:"footer" yaml:"footer"`
	PGP       PGPConfig       `mapstructure:"pgp" yaml:"pgp"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Limits    LimitsConfig    `mapstructure:"limits" yaml:"limits"`
}

// DefaultPath returns ~/.config/gmail-pgp/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "gmail-pgp", "config.yaml")
}

// env maps config keys to the environment variables overriding them.
var env = map[string]string{
	"oauth.client_id":          "OAUTH_GOOGLE_CLIENT_ID",
	"oauth.client_secret":      "OAUTH_GOOGLE_CLIENT_SECRET",
	"smtp_password":            "SMTP_PASSWORD",
	"storage.keyring_password": "KEYRING_PASSWORD",
	"account":                  "GMAIL_PGP_ACCOUNT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", TransportGmail)
	v.SetDefault("oauth.token_file", "./data/gmail-pgp-token.json")
	v.SetDefault("oauth.auth_timeout", 5*time.Minute)
	v.SetDefault("keyserver.attester_url", "https://flowcrypt.com/attester")
	v.SetDefault("keyserver.wkd", true)
	v.SetDefault("keyserver.timeout", 10*time.Second)
	v.SetDefault("relay.url", "https://flowcrypt.com/api")
	v.SetDefault("relay.link_base", "https://flowcrypt.com")
	v.SetDefault("relay.timeout", 60*time.Second)
	v.SetDefault("relay.threaded", true)
	v.SetDefault("pgp.passphrase_timeout", 60*time.Second)
	v.SetDefault("storage.contacts_db", "./data/contacts.db")
	v.SetDefault("storage.state_dir", "./data/state")
	v.SetDefault("storage.keyring_dir", "./data/keyring")
	v.SetDefault("limits.max_attachment_bytes", 25*1024*1024)
	v.SetDefault("limits.max_message_bytes", 5*1024*1024)
}

// Load reads envFile into the environment when it is set, then the YAML
// file at path. A missing config file yields the defaults.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("godotenv.Load failed: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	for key, name := range env {
		if err := v.BindEnv(key, name); err != nil {
			return nil, fmt.Errorf("v.BindEnv %s failed: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !notFound(err) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.Account = model.NormalizeEmail(cfg.Account)
	return cfg, nil
}

func notFound(err error) bool {
	var pathErr *os.PathError
	var nf viper.ConfigFileNotFoundError
	return errors.As(err, &pathErr) || errors.As(err, &nf)
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if !model.ValidEmail(c.Account) {
		return fmt.Errorf("account %q is not a valid email address", c.Account)
	}

	if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" {
		return errors.New("OAUTH_GOOGLE_CLIENT_ID and OAUTH_GOOGLE_CLIENT_SECRET must be set")
	}

	if c.Transport != TransportGmail {
		u, err := url.Parse(c.Transport)
		if err != nil {
			return fmt.Errorf("transport: %w", err)
		}
		if !strings.HasPrefix(u.Scheme, "smtp") {
			return fmt.Errorf("transport must be %q or an smtp URL, got %q", TransportGmail, c.Transport)
		}
	}

	if c.Relay.URL == "" || c.Relay.LinkBase == "" {
		return errors.New("relay.url and relay.link_base must be set")
	}

	switch {
	case c.Limits.MaxAttachmentBytes < 0:
		return errors.New("limits.max_attachment_bytes must not be negative")
	case c.Limits.MaxMessageBytes < 0:
		return errors.New("limits.max_message_bytes must not be negative")
	case c.PGP.PassphraseTimeout <= 0:
		return errors.New("pgp.passphrase_timeout must be positive")
	}

	if c.PGP.PrivateKeyFile != "" {
		if _, err := os.Stat(c.PGP.PrivateKeyFile); err != nil {
			return fmt.Errorf("pgp.private_key_file: %w", err)
		}
	}

	return nil
}

// Domain returns the domain part of the account address.
func (c *Config) Domain() string {
	_, domain, _ := strings.Cut(c.Account, "@")
	return domain
}
