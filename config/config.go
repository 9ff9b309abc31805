// Copyright 2025 Agentgate
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

// Package config loads the gateway configuration from an optional YAML file
// overlaid with environment variables. Environment wins over file, file wins
// over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// CounterBackendMemory keeps quota counters in process memory. Counts are
// per-instance only.
const CounterBackendMemory = "memory"

// CounterBackendRedis shares quota counters across instances through Redis.
const CounterBackendRedis = "redis"

// Config is the full gateway configuration.
type Config struct {
	ListenAddr  string
	DatabaseURL string
	RedisURL    string

	// PolicyCacheTTL is how long a fetched policy is reused before the
	// store is consulted again.
	PolicyCacheTTL time.Duration

	// ProjectCacheTTL is how long an API-key lookup is reused.
	ProjectCacheTTL time.Duration

	// FailClosed makes infrastructure faults on the decision path yield a
	// blocked decision instead of an error.
	FailClosed       bool
	FailClosedReason string

	// CounterBackend selects "memory" or "redis".
	CounterBackend string

	AuditBufferSize   int
	AuditWorkers      int
	AuditFallbackPath string

	WebhookTimeout time.Duration

	// AdminTokenSecret signs and verifies admin JWTs. Empty disables the
	// administrative surface.
	AdminTokenSecret string
}

// Defaults returns the configuration used when nothing is specified.
func Defaults() Config {
	return Config{
		ListenAddr:       ":8080",
		PolicyCacheTTL:   300 * time.Second,
		ProjectCacheTTL:  60 * time.Second,
		FailClosedReason: "service unavailable (fail-closed)",
		CounterBackend:   CounterBackendMemory,
		AuditBufferSize:  1024,
		AuditWorkers:     2,
		WebhookTimeout:   5 * time.Second,
	}
}

// fileConfig is the YAML shape. TTLs are plain seconds there, matching how
// the options are documented; webhook_timeout takes a Go duration string.
type fileConfig struct {
	ListenAddr        *string `yaml:"listen_addr"`
	DatabaseURL       *string `yaml:"database_url"`
	RedisURL          *string `yaml:"redis_url"`
	PolicyCacheTTL    *int    `yaml:"policy_cache_ttl"`
	ProjectCacheTTL   *int    `yaml:"project_cache_ttl"`
	FailClosed        *bool   `yaml:"fail_closed"`
	FailClosedReason  *string `yaml:"fail_closed_reason"`
	CounterBackend    *string `yaml:"counter_backend"`
	AuditBufferSize   *int    `yaml:"audit_buffer_size"`
	AuditWorkers      *int    `yaml:"audit_workers"`
	AuditFallbackPath *string `yaml:"audit_fallback_path"`
	WebhookTimeout    *string `yaml:"webhook_timeout"`
	AdminTokenSecret  *string `yaml:"admin_token_secret"`
}

// Load builds the configuration. When path is non-empty the YAML file there
// is read first; environment variables then override per field.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
		if err := cfg.applyFile(fc); err != nil {
			return cfg, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c *Config) applyFile(fc fileConfig) error {
	if fc.ListenAddr != nil {
		c.ListenAddr = *fc.ListenAddr
	}
	if fc.DatabaseURL != nil {
		c.DatabaseURL = *fc.DatabaseURL
	}
	if fc.RedisURL != nil {
		c.RedisURL = *fc.RedisURL
	}
	if fc.PolicyCacheTTL != nil {
		c.PolicyCacheTTL = time.Duration(*fc.PolicyCacheTTL) * time.Second
	}
	if fc.ProjectCacheTTL != nil {
		c.ProjectCacheTTL = time.Duration(*fc.ProjectCacheTTL) * time.Second
	}
	if fc.FailClosed != nil {
		c.FailClosed = *fc.FailClosed
	}
	if fc.FailClosedReason != nil {
		c.FailClosedReason = *fc.FailClosedReason
	}
	if fc.CounterBackend != nil {
		c.CounterBackend = *fc.CounterBackend
	}
	if fc.AuditBufferSize != nil {
		c.AuditBufferSize = *fc.AuditBufferSize
	}
	if fc.AuditWorkers != nil {
		c.AuditWorkers = *fc.AuditWorkers
	}
	if fc.AuditFallbackPath != nil {
		c.AuditFallbackPath = *fc.AuditFallbackPath
	}
	if fc.WebhookTimeout != nil {
		d, err := time.ParseDuration(*fc.WebhookTimeout)
		if err != nil {
			return fmt.Errorf("invalid webhook_timeout: %q", *fc.WebhookTimeout)
		}
		c.WebhookTimeout = d
	}
	if fc.AdminTokenSecret != nil {
		c.AdminTokenSecret = *fc.AdminTokenSecret
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.ListenAddr, "LISTEN_ADDR")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.FailClosedReason, "FAIL_CLOSED_REASON")
	setString(&c.CounterBackend, "COUNTER_BACKEND")
	setString(&c.AuditFallbackPath, "AUDIT_FALLBACK_PATH")
	setString(&c.AdminTokenSecret, "ADMIN_TOKEN_SECRET")

	if err := setSeconds(&c.PolicyCacheTTL, "POLICY_CACHE_TTL"); err != nil {
		return err
	}
	if err := setSeconds(&c.ProjectCacheTTL, "PROJECT_CACHE_TTL"); err != nil {
		return err
	}
	if err := setBool(&c.FailClosed, "FAIL_CLOSED"); err != nil {
		return err
	}
	if err := setInt(&c.AuditBufferSize, "AUDIT_BUFFER_SIZE"); err != nil {
		return err
	}
	if err := setInt(&c.AuditWorkers, "AUDIT_WORKERS"); err != nil {
		return err
	}
	if err := setDuration(&c.WebhookTimeout, "WEBHOOK_TIMEOUT"); err != nil {
		return err
	}
	return nil
}

func (c *Config) validate() error {
	switch c.CounterBackend {
	case CounterBackendMemory:
	case CounterBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("counter_backend %q requires REDIS_URL", c.CounterBackend)
		}
	default:
		return fmt.Errorf("unknown counter_backend %q", c.CounterBackend)
	}
	if c.AuditBufferSize <= 0 {
		return fmt.Errorf("audit_buffer_size must be positive, got %d", c.AuditBufferSize)
	}
	if c.AuditWorkers <= 0 {
		return fmt.Errorf("audit_workers must be positive, got %d", c.AuditWorkers)
	}
	if c.PolicyCacheTTL < 0 || c.ProjectCacheTTL < 0 {
		return fmt.Errorf("cache TTLs must not be negative")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = parsed
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = parsed
	return nil
}

// setSeconds reads a bare number of seconds, matching how the cache TTL
// options are documented.
func setSeconds(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = time.Duration(parsed) * time.Second
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, v)
	}
	*dst = parsed
	return nil
}
