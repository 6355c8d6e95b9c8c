// Copyright 2025 The Apifuse Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads daemon configuration from an optional YAML file
// with environment variable overrides. Load order: defaults, then file,
// then environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Datastore backends.
const (
	DatastoreMemory = "memory"
	DatastoreSQLite = "sqlite"
)

// Auth modes for the RPC surface.
const (
	AuthNone  = "none"
	AuthToken = "token"
	AuthJWT   = "jwt"
)

// Config is the full daemon configuration.
type Config struct {
	// Listen is the RPC bind address, e.g. ":7400".
	Listen string `yaml:"listen"`

	Datastore DatastoreConfig `yaml:"datastore"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	HTTP      HTTPConfig      `yaml:"http"`
	Engine    EngineConfig    `yaml:"engine"`
	Cache     CacheConfig     `yaml:"cache"`
}

// DatastoreConfig selects and configures the persistence backend.
type DatastoreConfig struct {
	// Type is "memory" or "sqlite".
	Type string `yaml:"type"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// WAL enables Write-Ahead Logging for the SQLite backend.
	WAL bool `yaml:"wal"`
}

// AuthConfig secures the RPC surface.
type AuthConfig struct {
	// Mode is "none", "token", or "jwt".
	Mode string `yaml:"mode"`

	// Token is the shared bearer secret for token mode.
	Token string `yaml:"token"`

	// JWTSecret is the HMAC signing secret for jwt mode. The org_id
	// claim of a verified token becomes the request tenant.
	JWTSecret string `yaml:"jwtSecret"`
}

// RateLimitConfig bounds per-tenant request rates.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// HTTPConfig tunes the upstream API client defaults.
type HTTPConfig struct {
	TimeoutSeconds int `yaml:"timeoutSeconds"`
	RetryAttempts  int `yaml:"retryAttempts"`
}

// EngineConfig tunes run execution.
type EngineConfig struct {
	RunTimeoutSeconds int `yaml:"runTimeoutSeconds"`
	LoopConcurrency   int `yaml:"loopConcurrency"`
}

// CacheConfig tunes the upstream response cache.
type CacheConfig struct {
	TTLSeconds int `yaml:"ttlSeconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen: ":7400",
		Datastore: DatastoreConfig{
			Type: DatastoreMemory,
			Path: "apifuse.db",
			WAL:  true,
		},
		Auth: AuthConfig{Mode: AuthNone},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 25,
			Burst:             50,
		},
		HTTP: HTTPConfig{
			TimeoutSeconds: 30,
			RetryAttempts:  3,
		},
		Engine: EngineConfig{
			RunTimeoutSeconds: 300,
			LoopConcurrency:   4,
		},
		Cache: CacheConfig{TTLSeconds: 300},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("APIFUSE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("APIFUSE_DATASTORE"); v != "" {
		c.Datastore.Type = v
	}
	if v := os.Getenv("APIFUSE_SQLITE_PATH"); v != "" {
		c.Datastore.Path = v
	}
	if v := os.Getenv("APIFUSE_AUTH_MODE"); v != "" {
		c.Auth.Mode = v
	}
	if v := os.Getenv("APIFUSE_AUTH_TOKEN"); v != "" {
		c.Auth.Token = v
	}
	if v := os.Getenv("APIFUSE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("APIFUSE_RATELIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.Enabled = true
			c.RateLimit.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("APIFUSE_RATELIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.Burst = n
		}
	}
}

// Validate rejects configurations that would fail at runtime, with
// diagnostics naming the offending field.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen: bind address is required")
	}

	switch c.Datastore.Type {
	case DatastoreMemory:
	case DatastoreSQLite:
		if c.Datastore.Path == "" {
			return fmt.Errorf("datastore.path: required for the sqlite datastore")
		}
	default:
		return fmt.Errorf("datastore.type: unknown type %q (use %q or %q)",
			c.Datastore.Type, DatastoreMemory, DatastoreSQLite)
	}

	switch c.Auth.Mode {
	case AuthNone:
	case AuthToken:
		if c.Auth.Token == "" {
			return fmt.Errorf("auth.token: required for token auth (or set APIFUSE_AUTH_TOKEN)")
		}
	case AuthJWT:
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwtSecret: required for jwt auth (or set APIFUSE_JWT_SECRET)")
		}
	default:
		return fmt.Errorf("auth.mode: unknown mode %q (use %q, %q, or %q)",
			c.Auth.Mode, AuthNone, AuthToken, AuthJWT)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rateLimit.requestsPerSecond: must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rateLimit.burst: must be positive")
		}
	}

	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeoutSeconds: must be positive")
	}
	if c.HTTP.RetryAttempts < 0 {
		return fmt.Errorf("http.retryAttempts: must not be negative")
	}
	if c.Engine.RunTimeoutSeconds <= 0 {
		return fmt.Errorf("engine.runTimeoutSeconds: must be positive")
	}
	if c.Engine.LoopConcurrency <= 0 {
		return fmt.Errorf("engine.loopConcurrency: must be positive")
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("cache.ttlSeconds: must not be negative")
	}
	return nil
}

// HTTPTimeout returns the upstream client timeout.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RunTimeout returns the per-run deadline.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Engine.RunTimeoutSeconds) * time.Second
}

// CacheTTL returns the response cache entry lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
