// Package config loads and hot-reloads the gateway's configuration: the
// account pool, model list, cooldown durations, pool-maintenance knobs,
// the inbox used by the Verification Code Hub, and the optional upstream
// proxy. It mirrors original_source/app/config.py's AppConfig shape,
// translated from Pydantic models to viper-backed Go structs.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// AccountConfig is one seed credential entry read from config.json.
type AccountConfig struct {
	TeamID     string `mapstructure:"team_id"`
	SecureCSes string `mapstructure:"secure_c_ses"`
	HostCOses  string `mapstructure:"host_c_oses"`
	CSesIdx    string `mapstructure:"csesidx"`
	UserAgent  string `mapstructure:"user_agent"`
	Available  bool   `mapstructure:"available"`
	Note       string `mapstructure:"note"`
	RefreshAt  string `mapstructure:"refresh_time"` // RFC3339
}

// ModelConfig describes one model the OpenAI-compatible surface exposes.
type ModelConfig struct {
	ID             string `mapstructure:"id"`
	Name           string `mapstructure:"name"`
	Description    string `mapstructure:"description"`
	ContextLength  int    `mapstructure:"context_length"`
	MaxTokens      int    `mapstructure:"max_tokens"`
	Enabled        bool   `mapstructure:"enabled"`
}

// CooldownConfig holds the three cooldown durations spec §3/§4.C name.
type CooldownConfig struct {
	AuthErrorSeconds    int `mapstructure:"auth_error"`
	RateLimitSeconds    int `mapstructure:"rate_limit"`
	GenericErrorSeconds int `mapstructure:"generic_error"`
}

// PoolConfig tunes the Pool Maintainer (spec §4.K).
type PoolConfig struct {
	TargetSize            int           `mapstructure:"target_pool_size"`
	HealthCheckInterval    time.Duration `mapstructure:"health_check_interval"`
	MaxRefreshFailures     int           `mapstructure:"max_refresh_failures"`
	MaxConsecutiveErrors   int           `mapstructure:"max_consecutive_errors"`
	CredentialExpireHours  int           `mapstructure:"credential_expire_hours"`
	MaxConcurrentRegisters int           `mapstructure:"max_concurrent_registers"`
}

// LifecycleConfig tunes the Credential Lifecycle Manager (spec §4.H).
type LifecycleConfig struct {
	MaxConcurrent        int           `mapstructure:"max_concurrent"`
	PerAccountCooldown    time.Duration `mapstructure:"per_account_cooldown"`
	IdleTeardownCycles    int           `mapstructure:"idle_teardown_cycles"`
}

// EmailConfig is the shared inbox the Verification Code Hub polls.
type EmailConfig struct {
	Address    string `mapstructure:"address"`
	AuthCode   string `mapstructure:"auth_code"`
	IMAPServer string `mapstructure:"imap_server"`
	IMAPPort   int    `mapstructure:"imap_port"`
	DomainForRegistration string `mapstructure:"registration_domain"`
}

// AutoLoginConfig tunes the Browser-Automation Worker (spec §4.G).
type AutoLoginConfig struct {
	Enabled             bool          `mapstructure:"enabled"`
	Headless            bool          `mapstructure:"headless"`
	VerificationTimeout time.Duration `mapstructure:"verification_timeout"`
	RetryCount          int           `mapstructure:"retry_count"`
	YesCaptchaAPIKey    string        `mapstructure:"yescaptcha_api_key"`
}

// ServerConfig is the ambient HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// HistoryConfig bounds the Supplemented Feature of conversation history
// folding (SPEC_FULL.md §3).
type HistoryConfig struct {
	MaxTurns int `mapstructure:"max_history_turns"`
	MaxChars int `mapstructure:"max_history_chars"`
}

// Config is the whole typed configuration tree.
type Config struct {
	Server       ServerConfig      `mapstructure:"server"`
	ProxyURL     string            `mapstructure:"proxy"`
	APITokens    []string          `mapstructure:"api_tokens"`
	DataDir      string            `mapstructure:"data_dir"`
	ImageStore   string            `mapstructure:"image_store"` // "local" | "s3"
	DatabaseURL  string            `mapstructure:"database_url"`
	RedisURL     string            `mapstructure:"redis_url"`
	EmailListFile string           `mapstructure:"email_list_file"` // credient.txt

	Accounts  []AccountConfig `mapstructure:"accounts"`
	Models    []ModelConfig   `mapstructure:"models"`
	Cooldown  CooldownConfig  `mapstructure:"cooldown"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Email     EmailConfig     `mapstructure:"email"`
	AutoLogin AutoLoginConfig `mapstructure:"auto_login"`
	History   HistoryConfig   `mapstructure:"history"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig drives internal/pkg/logger's zap + lumberjack wiring.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("image_store", "local")
	v.SetDefault("email_list_file", "./credient.txt")

	v.SetDefault("cooldown.auth_error", 900)
	v.SetDefault("cooldown.rate_limit", 300)
	v.SetDefault("cooldown.generic_error", 120)

	v.SetDefault("pool.target_pool_size", 25)
	v.SetDefault("pool.health_check_interval", "300s")
	v.SetDefault("pool.max_refresh_failures", 2)
	v.SetDefault("pool.max_consecutive_errors", 3)
	v.SetDefault("pool.credential_expire_hours", 12)
	v.SetDefault("pool.max_concurrent_registers", 2)

	v.SetDefault("lifecycle.max_concurrent", 5)
	v.SetDefault("lifecycle.per_account_cooldown", "300s")
	v.SetDefault("lifecycle.idle_teardown_cycles", 60)

	v.SetDefault("email.imap_port", 993)

	v.SetDefault("auto_login.headless", true)
	v.SetDefault("auto_login.verification_timeout", "120s")
	v.SetDefault("auto_login.retry_count", 3)

	v.SetDefault("history.max_history_turns", 20)
	v.SetDefault("history.max_history_chars", 16000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file_path", "./data/gateway.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.compress", true)
}

// Store wraps a *Config behind a mutex so a hot-reload can swap it out from
// under running requests without them observing a torn read.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// Load reads path (or GENBRIDGE_CONFIG if path is empty), merges
// GENBRIDGE_-prefixed environment variables over it, and watches the file for
// changes so account-list and pool-tuning edits apply without a restart.
func Load(path string) (*Store, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("GENBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = "./config.json"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	store := &Store{cfg: cfg}

	v.OnConfigChange(func(fsnotify.Event) {
		updated, err := decode(v)
		if err != nil {
			return
		}
		store.mu.Lock()
		store.cfg = updated
		store.mu.Unlock()
	})
	v.WatchConfig()

	return store, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Get returns the current configuration snapshot.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}
