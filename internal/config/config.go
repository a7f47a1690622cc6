// Package config holds the typed runtime configuration and its file loading.
// Configuration comes from mira-config.json, searched in the working directory
// and the home directory; a missing file means defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RedactionConfig controls the content redaction gate.
type RedactionConfig struct {
	// Strict blocks messages whose sanitized form still contains sensitive
	// residue instead of storing them best-effort.
	Strict bool `mapstructure:"strict"`
}

// BreakerConfig tunes the provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// MonitorConfig tunes the per-session memory thresholds.
type MonitorConfig struct {
	SessionLimitBytes int64   `mapstructure:"session_limit_bytes"`
	WarnFraction      float64 `mapstructure:"warn_fraction"`
	CritFraction      float64 `mapstructure:"crit_fraction"`
}

// QueueConfig bounds the offline queue.
type QueueConfig struct {
	MaxSize    int `mapstructure:"max_size"`
	MaxRetries int `mapstructure:"max_retries"`
}

// TokenConfig sizes the history window handed to the provider.
type TokenConfig struct {
	Budget             int `mapstructure:"budget"`
	SystemPromptTokens int `mapstructure:"system_prompt_tokens"`
	CacheSize          int `mapstructure:"cache_size"`
}

// ProviderConfig locates the external text-generation provider.
type ProviderConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// StorageConfig locates the durable state.
type StorageConfig struct {
	// DataDir holds the session database, queue database, and key file.
	DataDir string `mapstructure:"data_dir"`
	// RetentionDays bounds session age for the cleanup command.
	RetentionDays int `mapstructure:"retention_days"`
}

// Config is the full runtime configuration.
type Config struct {
	Redaction RedactionConfig `mapstructure:"redaction"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Token     TokenConfig     `mapstructure:"token"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Redaction: RedactionConfig{Strict: false},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			ResetTimeout:     30 * time.Second,
		},
		Monitor: MonitorConfig{
			SessionLimitBytes: 1 << 20,
			WarnFraction:      0.8,
			CritFraction:      0.95,
		},
		Queue: QueueConfig{MaxSize: 100, MaxRetries: 3},
		Token: TokenConfig{
			Budget:             4096,
			SystemPromptTokens: 256,
			CacheSize:          1024,
		},
		Provider: ProviderConfig{
			Endpoint: "http://localhost:8600/v1/generate",
			Model:    "default",
			Timeout:  30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:       filepath.Join(home, ".mira"),
			RetentionDays: 30,
		},
	}
}

// Load reads mira-config.json from the working directory or the home
// directory, layered over Default. A missing file is not an error.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("mira-config")
	v.SetConfigType("json")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	return load(v)
}

// LoadFile reads the configuration from an explicit path, layered over
// Default.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (Config, error) {
	cfg := Default()
	setDefaults(v, cfg)

	v.SetEnvPrefix("MIRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("redaction.strict", cfg.Redaction.Strict)
	v.SetDefault("breaker.failure_threshold", cfg.Breaker.FailureThreshold)
	v.SetDefault("breaker.success_threshold", cfg.Breaker.SuccessThreshold)
	v.SetDefault("breaker.reset_timeout", cfg.Breaker.ResetTimeout)
	v.SetDefault("monitor.session_limit_bytes", cfg.Monitor.SessionLimitBytes)
	v.SetDefault("monitor.warn_fraction", cfg.Monitor.WarnFraction)
	v.SetDefault("monitor.crit_fraction", cfg.Monitor.CritFraction)
	v.SetDefault("queue.max_size", cfg.Queue.MaxSize)
	v.SetDefault("queue.max_retries", cfg.Queue.MaxRetries)
	v.SetDefault("token.budget", cfg.Token.Budget)
	v.SetDefault("token.system_prompt_tokens", cfg.Token.SystemPromptTokens)
	v.SetDefault("token.cache_size", cfg.Token.CacheSize)
	v.SetDefault("provider.endpoint", cfg.Provider.Endpoint)
	v.SetDefault("provider.model", cfg.Provider.Model)
	v.SetDefault("provider.timeout", cfg.Provider.Timeout)
	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.retention_days", cfg.Storage.RetentionDays)
}

// SessionDBPath returns the path of the session database under DataDir.
func (c Config) SessionDBPath() string {
	return filepath.Join(c.Storage.DataDir, "sessions.db")
}

// QueueDBPath returns the path of the offline queue database under DataDir.
func (c Config) QueueDBPath() string {
	return filepath.Join(c.Storage.DataDir, "queue.db")
}

// KeyPath returns the path of the at-rest encryption key file under DataDir.
func (c Config) KeyPath() string {
	return filepath.Join(c.Storage.DataDir, "storage.key")
}
