package config

import (
	"fmt"
	"math"
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database     DatabaseConfig     `toml:"database"`
	Cache        CacheConfig        `toml:"cache"`
	Sandbox      SandboxConfig      `toml:"sandbox"`
	Challenge    ChallengeConfig    `toml:"challenge"`
	Verification VerificationConfig `toml:"verification"`
	Tasks        TasksConfig        `toml:"tasks"`
}

type DatabaseConfig struct {
	Path     string `toml:"path"`
	PoolSize int    `toml:"pool_size"`
}

type CacheConfig struct {
	TTLSeconds int `toml:"ttl_seconds"`
	MaxEntries int `toml:"max_entries"`
}

type SandboxConfig struct {
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Interpreter    string `toml:"interpreter"`
}

type ChallengeConfig struct {
	MinDifficulty int `toml:"min_difficulty"`
	MaxDifficulty int `toml:"max_difficulty"`
}

type VerificationConfig struct {
	Threshold float64 `toml:"threshold"`
	Weights   Weights `toml:"weights"`
}

// Weights controls how the aggregator combines component scores. They must
// sum to 1.0.
type Weights struct {
	Fingerprint float64 `toml:"fingerprint"`
	Challenge   float64 `toml:"challenge"`
	Sandbox     float64 `toml:"sandbox"`
	Behaviour   float64 `toml:"behaviour"`
}

type TasksConfig struct {
	DormantAfterHours int `toml:"dormant_after_hours"`
}

func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:     "data/nexus.db",
			PoolSize: 5,
		},
		Cache: CacheConfig{
			TTLSeconds: 60,
			MaxEntries: 4096,
		},
		Sandbox: SandboxConfig{
			TimeoutSeconds: 5,
			Interpreter:    "python3",
		},
		Challenge: ChallengeConfig{
			MinDifficulty: 1,
			MaxDifficulty: 5,
		},
		Verification: VerificationConfig{
			Threshold: 0.6,
			Weights: Weights{
				Fingerprint: 0.45,
				Challenge:   0.25,
				Sandbox:     0.20,
				Behaviour:   0.10,
			},
		},
		Tasks: TasksConfig{
			DormantAfterHours: 24,
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects out-of-range tunables before any component sees them.
func (c *Config) Validate() error {
	if c.Database.PoolSize < 1 {
		return fmt.Errorf("database.pool_size must be >= 1, got %d", c.Database.PoolSize)
	}
	if c.Cache.TTLSeconds < 1 {
		return fmt.Errorf("cache.ttl_seconds must be >= 1, got %d", c.Cache.TTLSeconds)
	}
	if c.Sandbox.TimeoutSeconds < 1 {
		return fmt.Errorf("sandbox.timeout_seconds must be >= 1, got %d", c.Sandbox.TimeoutSeconds)
	}
	if c.Challenge.MinDifficulty < 1 || c.Challenge.MaxDifficulty < c.Challenge.MinDifficulty {
		return fmt.Errorf("challenge difficulty bounds [%d,%d] invalid",
			c.Challenge.MinDifficulty, c.Challenge.MaxDifficulty)
	}
	if c.Verification.Threshold < 0 || c.Verification.Threshold > 1 {
		return fmt.Errorf("verification.threshold must be within [0,1], got %g", c.Verification.Threshold)
	}
	w := c.Verification.Weights
	sum := w.Fingerprint + w.Challenge + w.Sandbox + w.Behaviour
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("verification weights must sum to 1.0, got %g", sum)
	}
	return nil
}
