// Copyright 2025 Tom Barlow
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

// Package config loads engine Settings from defaults, an optional YAML
// profile, and the real process environment, in that order of
// increasing precedence.
package config

import (
	"os"
	"strconv"
	"time"

	pkgerrors "github.com/tracklane/engine/pkg/errors"
	"gopkg.in/yaml.v3"
)

// BackendSettings selects and configures the ledger persistence backend.
type BackendSettings struct {
	URL string `yaml:"url"`
}

// ExecutorSettings selects and sizes the executor.
type ExecutorSettings struct {
	Kind           string `yaml:"kind"`
	MaxWorkers     int    `yaml:"max_workers"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// SchedulerSettings holds a scheduler tick cadence. It is loaded and
// overridable like every other section, but no component in this
// module reads it.
type SchedulerSettings struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

// ReconcilerSettings controls the orphan-detection background loop.
type ReconcilerSettings struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	OrphanPolicy string        `yaml:"orphan_policy"`
}

// RetentionSettings bounds how long historical records are kept.
type RetentionSettings struct {
	EventsDays int `yaml:"events_days"`
	DLQDays    int `yaml:"dlq_days"`
}

// RetrySettings configures the default backoff strategy.
type RetrySettings struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// LockSettings configures the ConcurrencyGuard's default TTL.
type LockSettings struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// RateLimitSettings is one named entry under rate_limits.
type RateLimitSettings struct {
	Rate     float64 `yaml:"rate"`
	Capacity int     `yaml:"capacity"`
}

// LogSettings configures the structured logger.
type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetrySettings configures the OpenTelemetry tracer provider.
type TelemetrySettings struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Settings is the engine's complete configuration surface (§6 of the
// spec plus the ambient additions).
type Settings struct {
	Backend     BackendSettings              `yaml:"backend"`
	Executor    ExecutorSettings             `yaml:"executor"`
	Scheduler   SchedulerSettings            `yaml:"scheduler"`
	Reconciler  ReconcilerSettings           `yaml:"reconciler"`
	Retention   RetentionSettings            `yaml:"retention"`
	Retry       RetrySettings                `yaml:"retry"`
	Lock        LockSettings                 `yaml:"lock"`
	RateLimits  map[string]RateLimitSettings `yaml:"rate_limits"`
	Log         LogSettings                  `yaml:"log"`
	Telemetry   TelemetrySettings            `yaml:"telemetry"`
}

// Default returns the settings shape documented in the spec's
// configuration section, before any file or environment override.
func Default() *Settings {
	return &Settings{
		Backend:  BackendSettings{URL: "sqlite:///var/lib/engine/engine.db"},
		Executor: ExecutorSettings{Kind: "thread-pool", MaxWorkers: 16, MaxConcurrency: 64},
		Scheduler: SchedulerSettings{TickInterval: time.Second},
		Reconciler: ReconcilerSettings{
			PollInterval: 5 * time.Second,
			OrphanPolicy: "report-only",
		},
		Retention: RetentionSettings{EventsDays: 30, DLQDays: 90},
		Retry: RetrySettings{
			MaxRetries: 3,
			BaseDelay:  200 * time.Millisecond,
			MaxDelay:   30 * time.Second,
		},
		Lock: LockSettings{DefaultTTL: 30 * time.Second},
		RateLimits: map[string]RateLimitSettings{
			"default": {Rate: 50, Capacity: 100},
		},
		Log:       LogSettings{Level: "info", Format: "json"},
		Telemetry: TelemetrySettings{Enabled: true, Exporter: "stdout"},
	}
}

// Load reads Default(), overlays configPath (if non-empty and the file
// exists), then overlays the real process environment, which always
// wins. Unknown YAML keys are ignored rather than rejected.
func Load(configPath string) (*Settings, error) {
	s := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := s.loadFromFile(configPath); err != nil {
				return nil, &pkgerrors.ConfigError{Key: "config_file", Reason: "failed to load " + configPath, Cause: err}
			}
		}
	}

	s.loadFromEnv()

	if err := s.Validate(); err != nil {
		return nil, &pkgerrors.ConfigError{Key: "validation", Reason: "settings validation failed", Cause: err}
	}

	return s, nil
}

func (s *Settings) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, s)
}

// loadFromEnv applies ENGINE_<SECTION>_<KEY> overrides, taking
// precedence over both defaults and the file profile.
func (s *Settings) loadFromEnv() {
	if v := os.Getenv("ENGINE_BACKEND_URL"); v != "" {
		s.Backend.URL = v
	}
	if v := os.Getenv("ENGINE_EXECUTOR_KIND"); v != "" {
		s.Executor.Kind = v
	}
	if v := envInt("ENGINE_EXECUTOR_MAX_WORKERS"); v != nil {
		s.Executor.MaxWorkers = *v
	}
	if v := envInt("ENGINE_EXECUTOR_MAX_CONCURRENCY"); v != nil {
		s.Executor.MaxConcurrency = *v
	}
	if v := envDuration("ENGINE_SCHEDULER_TICK_INTERVAL"); v != nil {
		s.Scheduler.TickInterval = *v
	}
	if v := envDuration("ENGINE_RECONCILER_POLL_INTERVAL"); v != nil {
		s.Reconciler.PollInterval = *v
	}
	if v := os.Getenv("ENGINE_RECONCILER_ORPHAN_POLICY"); v != "" {
		s.Reconciler.OrphanPolicy = v
	}
	if v := envInt("ENGINE_RETENTION_EVENTS_DAYS"); v != nil {
		s.Retention.EventsDays = *v
	}
	if v := envInt("ENGINE_RETENTION_DLQ_DAYS"); v != nil {
		s.Retention.DLQDays = *v
	}
	if v := envInt("ENGINE_RETRY_MAX_RETRIES"); v != nil {
		s.Retry.MaxRetries = *v
	}
	if v := envDuration("ENGINE_RETRY_BASE_DELAY"); v != nil {
		s.Retry.BaseDelay = *v
	}
	if v := envDuration("ENGINE_RETRY_MAX_DELAY"); v != nil {
		s.Retry.MaxDelay = *v
	}
	if v := envDuration("ENGINE_LOCK_DEFAULT_TTL"); v != nil {
		s.Lock.DefaultTTL = *v
	}
	if v := os.Getenv("ENGINE_LOG_LEVEL"); v != "" {
		s.Log.Level = v
	}
	if v := os.Getenv("ENGINE_LOG_FORMAT"); v != "" {
		s.Log.Format = v
	}
	if v := os.Getenv("ENGINE_TELEMETRY_EXPORTER"); v != "" {
		s.Telemetry.Exporter = v
	}
	if v := os.Getenv("ENGINE_TELEMETRY_ENABLED"); v != "" {
		s.Telemetry.Enabled = v == "true" || v == "1"
	}
}

func envInt(key string) *int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

func envDuration(key string) *time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil
	}
	return &d
}

// Validate rejects settings combinations that would make the engine
// unable to start.
func (s *Settings) Validate() error {
	if s.Backend.URL == "" {
		return &pkgerrors.ValidationError{Field: "backend.url", Message: "must not be empty"}
	}
	switch s.Executor.Kind {
	case "memory", "thread-pool", "async-pool", "process-pool", "external-broker", "stub":
	default:
		return &pkgerrors.ValidationError{Field: "executor.kind", Message: "unrecognized executor kind: " + s.Executor.Kind}
	}
	switch s.Reconciler.OrphanPolicy {
	case "report-only", "cancel-orphan", "ignore":
	default:
		return &pkgerrors.ValidationError{Field: "reconciler.orphan_policy", Message: "unrecognized orphan policy: " + s.Reconciler.OrphanPolicy}
	}
	if s.Retry.MaxRetries < 0 {
		return &pkgerrors.ValidationError{Field: "retry.max_retries", Message: "must not be negative"}
	}
	return nil
}
