package config

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/elimaine/clawfactory-sub000/pkg/logging"
)

// Config holds all the configuration for the capture relay.
// The mapstructure tags tell Viper which YAML field maps to which Go struct field.
type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	LogLevel  string            `mapstructure:"log_level"`
	Providers map[string]string `mapstructure:"providers"`
	Upstream  UpstreamConfig    `mapstructure:"upstream"`
	Capture   CaptureConfig     `mapstructure:"capture"`
	Redaction RedactionConfig   `mapstructure:"redaction"`
	RateLimit RateLimitConfig   `mapstructure:"ratelimit"`
	Redis     RedisConfig       `mapstructure:"redis"`
	Auth      AuthConfig        `mapstructure:"auth"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type UpstreamConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

type CaptureConfig struct {
	LogPath        string `mapstructure:"log_path"`
	TogglePath     string `mapstructure:"toggle_path"`
	Encrypt        bool   `mapstructure:"encrypt"`
	KeyPath        string `mapstructure:"key_path"`
	MaxBodyChars   int    `mapstructure:"max_body_chars"`
	EstimateTokens bool   `mapstructure:"estimate_tokens"`
}

type RedactionConfig struct {
	RulesPath   string        `mapstructure:"rules_path"`
	RuleTimeout time.Duration `mapstructure:"rule_timeout"`
	TestTimeout time.Duration `mapstructure:"test_timeout"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"requests_per_second"`
	Burst   int     `mapstructure:"burst"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

type AuthConfig struct {
	AdminKey string `mapstructure:"admin_key"`
}

// DefaultProviders is the provider table used when the config file names none.
var DefaultProviders = map[string]string{
	"anthropic":  "https://api.anthropic.com",
	"openai":     "https://api.openai.com",
	"google":     "https://generativelanguage.googleapis.com",
	"openrouter": "https://openrouter.ai/api",
	"groq":       "https://api.groq.com/openai",
	"mistral":    "https://api.mistral.ai",
}

// Store wraps configuration with thread-safe access and hot-reload updates.
type Store struct {
	mu        sync.RWMutex
	cfg       *Config
	listeners []func(*Config)
}

func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cfg == nil {
		return nil
	}
	cpy := *s.cfg
	return &cpy
}

// OnChange registers fn to run after every successful reload.
func (s *Store) OnChange(fn func(*Config)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) set(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	listeners := append([]func(*Config){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
}

// NewStore returns a Store holding cfg without any file watch.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

// LoadAndWatch loads the config and watches for on-disk changes.
// An empty path searches ./configs/config.yaml and falls back to defaults
// when no file exists.
func LoadAndWatch(path string) (*Store, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./configs")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
		logging.L.Warn("no config file found, using defaults")
		watch = false
	}

	store := &Store{}
	if err := refresh(v, store); err != nil {
		return nil, err
	}

	if watch {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			if err := refresh(v, store); err != nil {
				logging.L.Error("config reload failed", zap.Error(err))
			} else {
				logging.L.Info("config reloaded", zap.String("file", e.Name))
			}
		})
	}

	return store, nil
}

// Load loads once and does not watch.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./configs")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return decode(v)
}

// Default returns the configuration used when no file overrides anything.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))

	v.SetDefault("server::port", ":8080")
	v.SetDefault("log_level", "info")

	v.SetDefault("upstream::timeout", 300*time.Second)
	v.SetDefault("upstream::breaker_failures", 5)
	v.SetDefault("upstream::breaker_cooldown", 30*time.Second)

	v.SetDefault("capture::log_path", "data/captures.jsonl")
	v.SetDefault("capture::toggle_path", "data/capture_enabled")
	v.SetDefault("capture::encrypt", false)
	v.SetDefault("capture::key_path", "data/capture.key")
	v.SetDefault("capture::max_body_chars", 10000)
	v.SetDefault("capture::estimate_tokens", false)

	v.SetDefault("redaction::rules_path", "data/redaction_rules.json")
	v.SetDefault("redaction::rule_timeout", 250*time.Millisecond)
	v.SetDefault("redaction::test_timeout", 2*time.Second)

	v.SetDefault("ratelimit::enabled", false)
	v.SetDefault("ratelimit::requests_per_second", 20.0)
	v.SetDefault("ratelimit::burst", 40)

	v.SetDefault("redis::address", "localhost:6379")
	v.SetDefault("redis::enabled", false)

	v.SetDefault("auth::admin_key", "")

	v.SetEnvPrefix("CAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = make(map[string]string, len(DefaultProviders))
		for k, u := range DefaultProviders {
			cfg.Providers[k] = u
		}
	}
	if cfg.Auth.AdminKey == "" {
		cfg.Auth.AdminKey = os.Getenv("ADMIN_KEY")
	}
	return &cfg, nil
}

func refresh(v *viper.Viper, store *Store) error {
	cfg, err := decode(v)
	if err != nil {
		return err
	}
	store.set(cfg)
	return nil
}
