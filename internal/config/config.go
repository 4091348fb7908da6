// Package config loads memtrigger settings from a YAML file, MEMTRIGGER_*
// environment variables and built-in defaults, in that order of precedence
// after the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	"github.com/felixgeelhaar/memtrigger/internal/embed"
	"github.com/felixgeelhaar/memtrigger/internal/hook"
	"github.com/felixgeelhaar/memtrigger/internal/recall"
	"github.com/felixgeelhaar/memtrigger/internal/resilience"
	"github.com/felixgeelhaar/memtrigger/internal/secret"
	"github.com/felixgeelhaar/memtrigger/internal/trigger"
)

// Store backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendChromem  = "chromem"
)

type Config struct {
	Store        StoreConfig               `yaml:"store" mapstructure:"store"`
	Embedder     embed.Config              `yaml:"embedder" mapstructure:"embedder"`
	Breaker      resilience.BreakerConfig  `yaml:"breaker" mapstructure:"breaker"`
	Recovery     resilience.RecoveryConfig `yaml:"recovery" mapstructure:"recovery"`
	Recall       recall.Config             `yaml:"recall" mapstructure:"recall"`
	Orchestrator trigger.Config            `yaml:"orchestrator" mapstructure:"orchestrator"`
	Hook         hook.Config               `yaml:"hook" mapstructure:"hook"`
	Policy       PolicyConfig              `yaml:"policy" mapstructure:"policy"`
	Diag         DiagConfig                `yaml:"diag" mapstructure:"diag"`
	Log          LogConfig                 `yaml:"log" mapstructure:"log"`
}

type StoreConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"`

	// Path is the sqlite file or the chromem directory. Empty keeps
	// chromem in memory.
	Path string `yaml:"path" mapstructure:"path"`

	// DSN is the postgres connection string.
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

type PolicyConfig struct {
	// Path to a rule document. Empty uses the built-in rules.
	Path  string `yaml:"path" mapstructure:"path"`
	Watch bool   `yaml:"watch" mapstructure:"watch"`
}

type DiagConfig struct {
	// Addr is the diagnostics listen address. Empty disables it.
	Addr string `yaml:"addr" mapstructure:"addr"`
}

type LogConfig struct {
	Verbose bool `yaml:"verbose" mapstructure:"verbose"`
	JSON    bool `yaml:"json" mapstructure:"json"`
}

// DataDir is where local stores live by default.
func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".memtrigger")
}

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: BackendSQLite,
			Path:    filepath.Join(DataDir(), "memories.db"),
		},
		Embedder:     embed.Config{Provider: "hash", Dimensions: embed.DefaultHashDimensions, CacheSize: 1 << 24},
		Breaker:      resilience.DefaultBreakerConfig,
		Recovery:     resilience.DefaultRecoveryConfig,
		Recall:       recall.DefaultConfig,
		Orchestrator: trigger.DefaultConfig,
		Hook:         hook.DefaultConfig,
		Policy:       PolicyConfig{Watch: true},
		Diag:         DiagConfig{Addr: "127.0.0.1:7377"},
	}
}

var envVarRe = regexp.MustCompile(`\$([A-Z_][A-Z0-9_]*)`)

func expandEnv(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		if val, ok := os.LookupEnv(strings.TrimPrefix(match, "$")); ok {
			return val
		}
		return match
	})
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// Load reads configuration. An explicit path must exist; otherwise
// config.yaml is looked up in ".", $XDG_CONFIG_HOME/memtrigger and
// ~/.config/memtrigger, and a missing file means defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			v.AddConfigPath(filepath.Join(xdg, "memtrigger"))
		}
		home, _ := os.UserHomeDir()
		v.AddConfigPath(filepath.Join(home, ".config", "memtrigger"))
	}

	v.SetEnvPrefix("MEMTRIGGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Embedder.APIKey = expandEnv(cfg.Embedder.APIKey)
	cfg.Embedder.BaseURL = expandEnv(cfg.Embedder.BaseURL)
	cfg.Store.DSN = expandEnv(cfg.Store.DSN)
	cfg.Store.Path = expandHome(expandEnv(cfg.Store.Path))
	cfg.Policy.Path = expandHome(expandEnv(cfg.Policy.Path))

	if err := cfg.openSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) openSecrets() error {
	if !secret.IsSealed(c.Embedder.APIKey) && !secret.IsSealed(c.Store.DSN) {
		return nil
	}
	box, err := secret.FromEnv()
	if err != nil {
		return err
	}
	return box.OpenAll(map[string]*string{
		"embedder.api_key": &c.Embedder.APIKey,
		"store.dsn":        &c.Store.DSN,
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("config: store.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for the postgres backend")
		}
	case BackendChromem:
	default:
		return fmt.Errorf("config: unknown store.backend %q (must be sqlite, postgres or chromem)", c.Store.Backend)
	}

	switch c.Embedder.Provider {
	case "", "hash", "ollama":
	case "openai", "gemini":
		if c.Embedder.APIKey == "" {
			return fmt.Errorf("config: embedder %q requires api_key", c.Embedder.Provider)
		}
	default:
		return fmt.Errorf("config: unknown embedder.provider %q", c.Embedder.Provider)
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("config: breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("config: breaker.success_threshold must be at least 1")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("config: breaker.recovery_timeout must be positive")
	}
	if c.Recall.MinScore < 0 || c.Recall.MinScore > 1 {
		return fmt.Errorf("config: recall.min_score must be within [0,1]")
	}
	if c.Orchestrator.MaxInFlight < 1 {
		return fmt.Errorf("config: orchestrator.max_in_flight must be at least 1")
	}
	if c.Orchestrator.Timeout <= 0 {
		return fmt.Errorf("config: orchestrator.timeout must be positive")
	}
	return nil
}

// setDefaults registers every key so that MEMTRIGGER_* variables apply
// even when the config file omits the key.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.dsn", d.Store.DSN)

	v.SetDefault("embedder.provider", d.Embedder.Provider)
	v.SetDefault("embedder.model", d.Embedder.Model)
	v.SetDefault("embedder.api_key", d.Embedder.APIKey)
	v.SetDefault("embedder.base_url", d.Embedder.BaseURL)
	v.SetDefault("embedder.dimensions", d.Embedder.Dimensions)
	v.SetDefault("embedder.cache_size", d.Embedder.CacheSize)

	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.success_threshold", d.Breaker.SuccessThreshold)
	v.SetDefault("breaker.recovery_timeout", d.Breaker.RecoveryTimeout)
	v.SetDefault("breaker.call_timeout", d.Breaker.CallTimeout)

	v.SetDefault("recovery.interval", d.Recovery.Interval)
	v.SetDefault("recovery.check_timeout", d.Recovery.CheckTimeout)
	v.SetDefault("recovery.history", d.Recovery.History)

	v.SetDefault("recall.limit", d.Recall.Limit)
	v.SetDefault("recall.min_score", d.Recall.MinScore)
	v.SetDefault("recall.candidate_factor", d.Recall.CandidateFactor)
	v.SetDefault("recall.parallelism", d.Recall.Parallelism)
	v.SetDefault("recall.weights.text", d.Recall.Weights.Text)
	v.SetDefault("recall.weights.pattern", d.Recall.Weights.Pattern)

	v.SetDefault("orchestrator.timeout", d.Orchestrator.Timeout)
	v.SetDefault("orchestrator.enrich_timeout", d.Orchestrator.EnrichTimeout)
	v.SetDefault("orchestrator.recall_limit", d.Orchestrator.RecallLimit)
	v.SetDefault("orchestrator.supersede_score", d.Orchestrator.SupersedeScore)
	v.SetDefault("orchestrator.max_in_flight", d.Orchestrator.MaxInFlight)
	v.SetDefault("orchestrator.queue_size", d.Orchestrator.QueueSize)
	v.SetDefault("orchestrator.retry.max_attempts", d.Orchestrator.Retry.MaxAttempts)
	v.SetDefault("orchestrator.retry.initial_backoff", d.Orchestrator.Retry.InitialBackoff)
	v.SetDefault("orchestrator.retry.max_backoff", d.Orchestrator.Retry.MaxBackoff)
	v.SetDefault("orchestrator.retry.multiplier", d.Orchestrator.Retry.Multiplier)
	v.SetDefault("orchestrator.retry.max_pending", d.Orchestrator.Retry.MaxPending)

	v.SetDefault("hook.timeout", d.Hook.Timeout)
	v.SetDefault("hook.source", d.Hook.Source)

	v.SetDefault("policy.path", d.Policy.Path)
	v.SetDefault("policy.watch", d.Policy.Watch)

	v.SetDefault("diag.addr", d.Diag.Addr)

	v.SetDefault("log.verbose", d.Log.Verbose)
	v.SetDefault("log.json", d.Log.JSON)
}
