package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverRemote   = "remote"
)

// Config is the complete smoothfeed configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	Smoothing SmoothingConfig `yaml:"smoothing"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	Feeds     []FeedConfig    `yaml:"feeds"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePrefix string `yaml:"file_prefix"`
}

// StoreConfig selects where round histories are read from.
type StoreConfig struct {
	Driver string `yaml:"driver"`

	DSN             string        `yaml:"dsn"`
	Table           string        `yaml:"table"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	RemoteURL     string        `yaml:"remote_url"`
	RemoteToken   string        `yaml:"remote_token"`
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
	RemoteRetries int           `yaml:"remote_retries"`
}

type SmoothingConfig struct {
	DefaultPeriod time.Duration `yaml:"default_period"`
	MaxRounds     int           `yaml:"max_rounds"`
	MaxBits       int           `yaml:"max_bits"`
}

type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	Size    int  `yaml:"size"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type AuthConfig struct {
	Tokens []string `yaml:"tokens"`
}

// FeedConfig registers a feed and its default smoothing period. Seed rounds
// are only used by the memory driver.
type FeedConfig struct {
	ID          string        `yaml:"id"`
	Description string        `yaml:"description"`
	Decimals    int           `yaml:"decimals"`
	Period      time.Duration `yaml:"period"`
	Seed        []SeedRound   `yaml:"seed"`
}

// SeedRound is one round written to a memory feed at startup.
type SeedRound struct {
	Answer    string `yaml:"answer"`
	UpdatedAt int64  `yaml:"updated_at"`
}

// envOverrides lists the settings that may come from the environment. Only
// non-zero values replace file or default settings.
type envOverrides struct {
	Host          string        `env:"SMOOTHFEED_HOST"`
	Port          int           `env:"SMOOTHFEED_PORT"`
	LogLevel      string        `env:"SMOOTHFEED_LOG_LEVEL"`
	LogFormat     string        `env:"SMOOTHFEED_LOG_FORMAT"`
	LogOutput     string        `env:"SMOOTHFEED_LOG_OUTPUT"`
	StoreDriver   string        `env:"SMOOTHFEED_STORE_DRIVER"`
	DatabaseDSN   string        `env:"SMOOTHFEED_DATABASE_DSN"`
	RedisAddr     string        `env:"SMOOTHFEED_REDIS_ADDR"`
	RedisPassword string        `env:"SMOOTHFEED_REDIS_PASSWORD"`
	RemoteURL     string        `env:"SMOOTHFEED_REMOTE_URL"`
	RemoteToken   string        `env:"SMOOTHFEED_REMOTE_TOKEN"`
	DefaultPeriod time.Duration `env:"SMOOTHFEED_DEFAULT_PERIOD"`
	MaxRounds     int           `env:"SMOOTHFEED_MAX_ROUNDS"`
	AuthTokens    string        `env:"SMOOTHFEED_AUTH_TOKENS"`
}

// Default returns a configuration that serves in-memory feeds on :8080.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Store: StoreConfig{
			Driver:        DriverMemory,
			RemoteTimeout: 10 * time.Second,
			RemoteRetries: 2,
		},
		Smoothing: SmoothingConfig{
			DefaultPeriod: time.Minute,
		},
		Cache: CacheConfig{
			Enabled: true,
			Size:    4096,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty), a .env file in the working directory (if present) and
// SMOOTHFEED_* environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envdecode.Decode(&env); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return nil
		}
		return fmt.Errorf("failed to decode environment: %w", err)
	}

	setString(&c.Server.Host, env.Host)
	if env.Port != 0 {
		c.Server.Port = env.Port
	}
	setString(&c.Logging.Level, env.LogLevel)
	setString(&c.Logging.Format, env.LogFormat)
	setString(&c.Logging.Output, env.LogOutput)
	setString(&c.Store.Driver, env.StoreDriver)
	setString(&c.Store.DSN, env.DatabaseDSN)
	setString(&c.Store.RedisAddr, env.RedisAddr)
	setString(&c.Store.RedisPassword, env.RedisPassword)
	setString(&c.Store.RemoteURL, env.RemoteURL)
	setString(&c.Store.RemoteToken, env.RemoteToken)
	if env.DefaultPeriod != 0 {
		c.Smoothing.DefaultPeriod = env.DefaultPeriod
	}
	if env.MaxRounds != 0 {
		c.Smoothing.MaxRounds = env.MaxRounds
	}
	if env.AuthTokens != "" {
		c.Auth.Tokens = nil
		for _, tok := range strings.Split(env.AuthTokens, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				c.Auth.Tokens = append(c.Auth.Tokens, tok)
			}
		}
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	// Port 0 asks the kernel for a free port.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for the redis driver")
		}
	case DriverRemote:
		if c.Store.RemoteURL == "" {
			return fmt.Errorf("store.remote_url is required for the remote driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	if c.Smoothing.DefaultPeriod < 0 {
		return fmt.Errorf("smoothing.default_period must not be negative")
	}
	if c.Smoothing.MaxRounds < 0 || c.Smoothing.MaxBits < 0 {
		return fmt.Errorf("smoothing limits must not be negative")
	}
	if c.Cache.Enabled && c.Cache.Size <= 0 {
		return fmt.Errorf("cache.size must be positive when the cache is enabled")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}

	seen := make(map[string]bool, len(c.Feeds))
	for i, feed := range c.Feeds {
		id := strings.TrimSpace(feed.ID)
		if id == "" {
			return fmt.Errorf("feeds[%d]: id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("feed %s: duplicate id", id)
		}
		seen[id] = true
		if feed.Period < 0 {
			return fmt.Errorf("feed %s: period must not be negative", id)
		}
		var last int64
		for j, seed := range feed.Seed {
			if _, ok := new(big.Int).SetString(seed.Answer, 10); !ok {
				return fmt.Errorf("feed %s: seed[%d] answer %q is not an integer", id, j, seed.Answer)
			}
			if j > 0 && seed.UpdatedAt < last {
				return fmt.Errorf("feed %s: seed[%d] goes back in time", id, j)
			}
			last = seed.UpdatedAt
		}
	}
	return nil
}

// PeriodFor returns the configured period for a feed, falling back to the
// default period for unknown feeds or feeds without one.
func (c *Config) PeriodFor(feedID string) time.Duration {
	for _, feed := range c.Feeds {
		if feed.ID == feedID && feed.Period > 0 {
			return feed.Period
		}
	}
	return c.Smoothing.DefaultPeriod
}

// Addr is the listen address of the HTTP server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
