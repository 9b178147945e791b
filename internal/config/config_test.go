package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 9090
logging:
  level: debug
  format: json
store:
  driver: memory
smoothing:
  default_period: 90s
  max_rounds: 500
feeds:
  - id: eth-usd
    decimals: 8
    period: 60s
    seed:
      - answer: "10000000"
        updated_at: 1700000000
      - answer: "8000000"
        updated_at: 1700000011
  - id: btc-usd
    decimals: 8
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "smoothfeed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 90*time.Second, cfg.Smoothing.DefaultPeriod)
	assert.Equal(t, 500, cfg.Smoothing.MaxRounds)
	require.Len(t, cfg.Feeds, 2)
	assert.Len(t, cfg.Feeds[0].Seed, 2)

	assert.Equal(t, time.Minute, cfg.PeriodFor("eth-usd"))
	assert.Equal(t, 90*time.Second, cfg.PeriodFor("btc-usd"))
	assert.Equal(t, 90*time.Second, cfg.PeriodFor("unknown"))
}

func TestLoad_EnvironmentWins(t *testing.T) {
	t.Setenv("SMOOTHFEED_PORT", "7070")
	t.Setenv("SMOOTHFEED_DEFAULT_PERIOD", "5m")
	t.Setenv("SMOOTHFEED_AUTH_TOKENS", "alpha, beta,,")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 5*time.Minute, cfg.Smoothing.DefaultPeriod)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.Auth.Tokens)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_NoPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"bad port":             func(c *Config) { c.Server.Port = 70000 },
		"unknown driver":       func(c *Config) { c.Store.Driver = "etcd" },
		"postgres without dsn": func(c *Config) { c.Store.Driver = DriverPostgres },
		"redis without addr":   func(c *Config) { c.Store.Driver = DriverRedis },
		"remote without url":   func(c *Config) { c.Store.Driver = DriverRemote },
		"negative period":      func(c *Config) { c.Smoothing.DefaultPeriod = -time.Second },
		"negative max rounds":  func(c *Config) { c.Smoothing.MaxRounds = -1 },
		"empty cache":          func(c *Config) { c.Cache.Size = 0 },
		"feed without id":      func(c *Config) { c.Feeds = []FeedConfig{{}} },
		"duplicate feed": func(c *Config) {
			c.Feeds = []FeedConfig{{ID: "eth-usd"}, {ID: "eth-usd"}}
		},
		"negative feed period": func(c *Config) {
			c.Feeds = []FeedConfig{{ID: "eth-usd", Period: -time.Second}}
		},
		"non-integer seed": func(c *Config) {
			c.Feeds = []FeedConfig{{ID: "eth-usd", Seed: []SeedRound{{Answer: "1.5"}}}}
		},
		"seed back in time": func(c *Config) {
			c.Feeds = []FeedConfig{{ID: "eth-usd", Seed: []SeedRound{
				{Answer: "1", UpdatedAt: 20},
				{Answer: "2", UpdatedAt: 10},
			}}}
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "smoothfeed.example.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 1024, cfg.Smoothing.MaxRounds)
	require.Len(t, cfg.Feeds, 1)
	assert.Len(t, cfg.Feeds[0].Seed, 3)
}
