// Package config loads service configuration from a YAML file with
// environment-variable overrides for deployment-specific values.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Redis        RedisConfig        `yaml:"redis"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Verification VerificationConfig `yaml:"verification"`
	SpotCheck    SpotCheckConfig    `yaml:"spot_check"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Tick         TickConfig         `yaml:"tick"`
	StateFile    StateFileConfig    `yaml:"state_file"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"` // "production" enables fail-closed secrets
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type VerificationConfig struct {
	BurstSize            int `yaml:"burst_size"`
	BurstTimeoutMs       int `yaml:"burst_timeout_ms"`
	ResponseTimeoutMs    int `yaml:"response_timeout_ms"`
	PauseBetweenBurstsMs int `yaml:"pause_between_bursts_ms"`
	ChallengesPerDayMin  int `yaml:"challenges_per_day_min"`
	ChallengesPerDayMax  int `yaml:"challenges_per_day_max"`
	MinNightChallenges   int `yaml:"min_night_challenges"`
	SessionDays          int `yaml:"session_days"`
	SkipsAllowedPerDay   int `yaml:"skips_allowed_per_day"`
}

type SpotCheckConfig struct {
	// Expected checks per day by tier; sampled as a Poisson rate per tick.
	RatePerDayByTier map[string]float64 `yaml:"rate_per_day_by_tier"`
	WindowDays       int                `yaml:"window_days"`
	RevokeFailures   int                `yaml:"revoke_failures"`
	RevokeRatio      float64            `yaml:"revoke_ratio"`
	StaleAfterMs     int                `yaml:"stale_after_ms"`
}

type RateLimitConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
	Limit         int `yaml:"limit"`
}

type TickConfig struct {
	EverySeconds int `yaml:"every_seconds"`
}

type StateFileConfig struct {
	Path    string `yaml:"path"`
	Enabled bool   `yaml:"enabled"`
}

// Default returns the built-in configuration matching the protocol
// constants. Load and FromEnv layer on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Verification: VerificationConfig{
			BurstSize:            3,
			BurstTimeoutMs:       20000,
			ResponseTimeoutMs:    15000,
			PauseBetweenBurstsMs: 3000,
			ChallengesPerDayMin:  3,
			ChallengesPerDayMax:  5,
			MinNightChallenges:   2,
			SessionDays:          3,
			SkipsAllowedPerDay:   1,
		},
		SpotCheck: SpotCheckConfig{
			RatePerDayByTier: map[string]float64{
				"spawn":          4,
				"autonomous-I":   3,
				"autonomous-II":  2,
				"autonomous-III": 1,
			},
			WindowDays:     30,
			RevokeFailures: 10,
			RevokeRatio:    0.25,
			StaleAfterMs:   600000,
		},
		RateLimit: RateLimitConfig{WindowSeconds: 60, Limit: 10},
		Tick:      TickConfig{EverySeconds: 30},
		StateFile: StateFileConfig{Path: "verify-state.json"},
	}
}

// Load reads a YAML config file over the defaults. A missing file is
// not an error; env overrides still apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("APP_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("STATE_FILE"); v != "" {
		c.StateFile.Path = v
		c.StateFile.Enabled = true
	}
	if v := os.Getenv("TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Tick.EverySeconds = n
		}
	}
}

// Production reports whether fail-closed behavior should apply.
func (c *Config) Production() bool {
	return c.Server.Env == "production"
}

func (c *Config) BurstTimeout() time.Duration {
	return time.Duration(c.Verification.BurstTimeoutMs) * time.Millisecond
}

func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.Verification.ResponseTimeoutMs) * time.Millisecond
}

func (c *Config) PauseBetweenBursts() time.Duration {
	return time.Duration(c.Verification.PauseBetweenBurstsMs) * time.Millisecond
}

func (c *Config) SessionWindow() time.Duration {
	return time.Duration(c.Verification.SessionDays) * 24 * time.Hour
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Tick.EverySeconds) * time.Second
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

func (c *Config) SpotCheckStaleAfter() time.Duration {
	return time.Duration(c.SpotCheck.StaleAfterMs) * time.Millisecond
}
