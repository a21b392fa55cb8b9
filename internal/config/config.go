// Package config loads service configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        string  `yaml:"port"`
	DatabaseURL string  `yaml:"databaseUrl"`
	RedisURL    string  `yaml:"redisUrl"`
	AuthMode    string  `yaml:"authMode"`
	RateRPS     float64 `yaml:"rateRps"`
	RateBurst   int     `yaml:"rateBurst"`

	Webhooks struct {
		MaxAttempts int `yaml:"maxAttempts"`
	} `yaml:"webhooks"`
}

// Default returns the built-in configuration.
func Default() Config {
	var c Config
	c.Port = "8080"
	c.AuthMode = "dev"
	c.RateRPS = 50
	c.RateBurst = 100
	c.Webhooks.MaxAttempts = 10
	return c
}

// Load reads path (when non-empty and present) over the defaults, then
// applies environment overrides. A missing file is not an error; a malformed
// one is.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, fmt.Errorf("parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return c, err
		}
	}
	c.applyEnv()
	return c, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("AUTH_MODE"); v != "" {
		c.AuthMode = v
	}
	if v := os.Getenv("RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.RateRPS = f
		}
	}
	if v := os.Getenv("RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RateBurst = n
		}
	}
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Webhooks.MaxAttempts = n
		}
	}
}
