package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// AccountConfig holds the configuration for a single mail account.
type AccountConfig struct {
	// ID is the unique identifier for this account.
	ID string `mapstructure:"id" yaml:"id"`

	// Email is the account's primary address.
	Email string `mapstructure:"email" yaml:"email"`

	// DisplayName is the user-visible label for the account.
	DisplayName string `mapstructure:"display_name" yaml:"display_name"`

	// Protocol selects the incoming protocol ("imap" or "pop3").
	Protocol string `mapstructure:"protocol" yaml:"protocol"`

	// Incoming is the IMAP/POP3 server endpoint.
	Incoming Endpoint `mapstructure:"incoming" yaml:"incoming"`

	// Outgoing is the SMTP server endpoint.
	Outgoing Endpoint `mapstructure:"outgoing" yaml:"outgoing"`

	// AuthKind selects "password" or "oauth2".
	AuthKind string `mapstructure:"auth" yaml:"auth"`

	// OAuth holds provider endpoints when AuthKind is "oauth2".
	OAuth OAuthProvider `mapstructure:"oauth" yaml:"oauth"`

	// Enabled controls whether this account is synced.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// SyncConfig holds reconciler tuning.
type SyncConfig struct {
	// PollIntervalSec is the polling cadence for accounts without IDLE.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`

	// IdleTimeoutSec bounds one IDLE wait before the session cycles.
	IdleTimeoutSec int `mapstructure:"idle_timeout_sec" yaml:"idle_timeout_sec"`

	// AttachmentMaxAutoBytes is the size above which attachments are
	// fetched only on explicit request.
	AttachmentMaxAutoBytes int64 `mapstructure:"attachment_max_auto_bytes" yaml:"attachment_max_auto_bytes"`
}

// OutboxConfig holds flusher tuning.
type OutboxConfig struct {
	MaxAttempts    int `mapstructure:"max_attempts" yaml:"max_attempts"`
	BackoffBaseSec int `mapstructure:"backoff_base_sec" yaml:"backoff_base_sec"`
	BackoffCapSec  int `mapstructure:"backoff_cap_sec" yaml:"backoff_cap_sec"`
}

// EngineConfig is the top-level engine configuration.
type EngineConfig struct {
	DBPath   string          `mapstructure:"db_path" yaml:"db_path"`
	Accounts []AccountConfig `mapstructure:"accounts" yaml:"accounts"`
	Sync     SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Outbox   OutboxConfig    `mapstructure:"outbox" yaml:"outbox"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/wixenmail/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "wixenmail", "config.yaml")
}

// defaultEngineConfig returns a sensible default configuration.
func defaultEngineConfig() *EngineConfig {
	home, _ := os.UserHomeDir()
	return &EngineConfig{
		DBPath:   filepath.Join(home, ".local", "share", "wixenmail", "mail.db"),
		Accounts: []AccountConfig{},
		Sync: SyncConfig{
			PollIntervalSec:        300,
			IdleTimeoutSec:         1740, // under the RFC 2177 29-minute bound
			AttachmentMaxAutoBytes: 2 << 20,
		},
		Outbox: OutboxConfig{
			MaxAttempts:    5,
			BackoffBaseSec: 30,
			BackoffCapSec:  900,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*EngineConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	def := defaultEngineConfig()
	v.SetDefault("db_path", def.DBPath)
	v.SetDefault("sync.poll_interval_sec", def.Sync.PollIntervalSec)
	v.SetDefault("sync.idle_timeout_sec", def.Sync.IdleTimeoutSec)
	v.SetDefault("sync.attachment_max_auto_bytes", def.Sync.AttachmentMaxAutoBytes)
	v.SetDefault("outbox.max_attempts", def.Outbox.MaxAttempts)
	v.SetDefault("outbox.backoff_base_sec", def.Outbox.BackoffBaseSec)
	v.SetDefault("outbox.backoff_cap_sec", def.Outbox.BackoffCapSec)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultEngineConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Accounts {
		ac := &cfg.Accounts[i]
		if ac.Protocol == "" {
			ac.Protocol = string(ProtocolIMAP)
		}
		if ac.AuthKind == "" {
			ac.AuthKind = string(AuthPassword)
		}
		if ac.Incoming.Security == "" {
			ac.Incoming.Security = SecurityTLS
		}
		if ac.Outgoing.Security == "" {
			ac.Outgoing.Security = SecurityStartTLS
		}
		if !ac.Enabled {
			// Viper unmarshals missing bools as false; treat unset as true.
			key := fmt.Sprintf("accounts.%d.enabled", i)
			if !v.IsSet(key) {
				ac.Enabled = true
			}
		}
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *EngineConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("db_path", cfg.DBPath)
	v.Set("accounts", cfg.Accounts)
	v.Set("sync", cfg.Sync)
	v.Set("outbox", cfg.Outbox)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// Account converts an AccountConfig into the runtime Account record.
func (c AccountConfig) Account() Account {
	return Account{
		ID:          c.ID,
		Email:       c.Email,
		DisplayName: c.DisplayName,
		Protocol:    Protocol(c.Protocol),
		Incoming:    c.Incoming,
		Outgoing:    c.Outgoing,
		AuthKind:    AuthKind(c.AuthKind),
		Enabled:     c.Enabled,
	}
}
