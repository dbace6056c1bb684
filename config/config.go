// Package config loads coachctl settings from an optional YAML file and
// COACH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/songzhibin97/coach-workflow/chatcontext"
	"github.com/songzhibin97/coach-workflow/rules"
)

const envPrefix = "COACH"

// Config holds every tunable of the engine and its command line.
type Config struct {
	LLM struct {
		BaseURL     string        `mapstructure:"base_url"`
		APIKey      string        `mapstructure:"api_key"`
		Model       string        `mapstructure:"model"`
		Timeout     time.Duration `mapstructure:"timeout"`
		Temperature float64       `mapstructure:"temperature"`
		MaxTokens   int           `mapstructure:"max_tokens"`
	} `mapstructure:"llm"`
	Context struct {
		RecentTurns      int `mapstructure:"recent_turns"`
		SnapshotMaxChars int `mapstructure:"snapshot_max_chars"`
	} `mapstructure:"context"`
	Identity struct {
		AcceptanceRule string `mapstructure:"acceptance_rule"`
	} `mapstructure:"identity"`
	Lease struct {
		Backend string        `mapstructure:"backend"` // memory or redis
		TTL     time.Duration `mapstructure:"ttl"`
	} `mapstructure:"lease"`
	Redis struct {
		Addr         string        `mapstructure:"addr"`
		Password     string        `mapstructure:"password"`
		DB           int           `mapstructure:"db"`
		PoolSize     int           `mapstructure:"pool_size"`
		MinIdleConns int           `mapstructure:"min_idle_conns"`
		IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	} `mapstructure:"redis"`
	Definitions struct {
		File             string   `mapstructure:"file"`
		SelfManagedModes []string `mapstructure:"self_managed_modes"`
	} `mapstructure:"definitions"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.base_url", "https://api.openai.com")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("context.recent_turns", chatcontext.DefaultRecentTurnsMax)
	v.SetDefault("context.snapshot_max_chars", chatcontext.DefaultSnapshotMaxChars)
	v.SetDefault("identity.acceptance_rule", rules.DefaultAcceptance)
	v.SetDefault("lease.backend", "memory")
	v.SetDefault("lease.ttl", 30*time.Minute)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.idle_timeout", 5*time.Minute)
	v.SetDefault("definitions.file", "")
	v.SetDefault("definitions.self_managed_modes", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	// registered so AutomaticEnv can see it
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}

// Load reads path when it is not empty, otherwise coach.yaml from the
// working directory or $HOME/.coach if present. Environment variables such
// as COACH_LLM_API_KEY override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coach")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.coach")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Lease.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown lease backend %q", c.Lease.Backend)
	}
	if c.Context.RecentTurns <= 0 {
		return fmt.Errorf("context.recent_turns must be positive, got %d", c.Context.RecentTurns)
	}
	if c.Context.SnapshotMaxChars <= 0 {
		return fmt.Errorf("context.snapshot_max_chars must be positive, got %d", c.Context.SnapshotMaxChars)
	}
	if _, err := rules.NewAcceptancePolicy(c.Identity.AcceptanceRule); err != nil {
		return fmt.Errorf("identity.acceptance_rule: %w", err)
	}
	return nil
}
