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

// Package daemon wires the engine's persistence, execution, dispatch,
// and reconciliation layers into one process lifecycle: New resolves a
// Settings object into live components, Start begins accepting work and
// launches the reconciler's background sweep, and Shutdown drains it
// down in reverse order. This is the ambient CLI wiring described by
// SPEC_FULL's "cmd/enginectl" expansion, not a parallel public API.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracklane/engine/internal/config"
	"github.com/tracklane/engine/internal/dispatch"
	"github.com/tracklane/engine/internal/executor"
	"github.com/tracklane/engine/internal/ledger"
	"github.com/tracklane/engine/internal/ledger/memory"
	"github.com/tracklane/engine/internal/ledger/postgres"
	"github.com/tracklane/engine/internal/ledger/sqlite"
	internallog "github.com/tracklane/engine/internal/log"
	"github.com/tracklane/engine/internal/reconciler"
	"github.com/tracklane/engine/internal/registry"
	"github.com/tracklane/engine/internal/resilience"
	"github.com/tracklane/engine/internal/retry"
	"github.com/tracklane/engine/internal/telemetry"
	"github.com/tracklane/engine/pkg/observability"
)

// Options carries identity set at build time (via ldflags) plus the
// per-process instance ID the reconciler's lease uses to tell engine
// instances apart in a multi-process deployment.
type Options struct {
	Version    string
	Commit     string
	BuildDate  string
	InstanceID string
}

// Daemon owns every long-lived component the engine needs to accept and
// execute work: the ledger backend, the executor, the dispatcher, and
// the reconciler's orphan-sweep loop.
type Daemon struct {
	cfg    *config.Settings
	opts   Options
	logger *slog.Logger

	store      ledger.Store
	exec       executor.Executor
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	reconciler *reconciler.Reconciler
	tracer     observability.TracerProvider

	mu      sync.Mutex
	started bool
}

// New resolves cfg into a Daemon: it opens the configured ledger
// backend, constructs the executor named by cfg.Executor.Kind, and
// builds the dispatcher and reconciler over them. It does not yet
// accept work; call Start for that.
func New(cfg *config.Settings, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	store, err := newBackend(cfg.Backend.URL)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening backend: %w", err)
	}

	exec, err := newExecutor(cfg.Executor)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("daemon: creating executor: %w", err)
	}

	reg := registry.New()
	registerBuiltins(reg)

	tracerProvider, err := newTracerProvider(cfg.Telemetry)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("daemon: creating tracer provider: %w", err)
	}

	guard := resilience.NewConcurrencyGuard(store, time.Second, logger)
	limiter := newRateLimiter(cfg.RateLimits)
	breakers := resilience.NewBreakerRegistry(resilience.DefaultBreakerSettings(), logger)
	strategy := retry.ExponentialBackoff{
		InitialDelay: cfg.Retry.BaseDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Multiplier:   2.0,
		Jitter:       0.1,
	}

	disp := dispatch.New(store, reg, exec, dispatch.Options{
		Strategy:       strategy,
		Guard:          guard,
		Limiter:        limiter,
		Breakers:       breakers,
		LockTTL:        cfg.Lock.DefaultTTL,
		Logger:         logger,
		TracerProvider: tracerProvider,
	})

	instanceID := opts.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	policy, err := orphanPolicyFrom(cfg.Reconciler.OrphanPolicy)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("daemon: %w", err)
	}

	recon := reconciler.New(store, exec, guard, instanceID, reconciler.Options{
		PollInterval:   cfg.Reconciler.PollInterval,
		LeaseTTL:       cfg.Lock.DefaultTTL,
		OrphanPolicy:   policy,
		Logger:         logger,
		TracerProvider: tracerProvider,
	})

	return &Daemon{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		store:      store,
		exec:       exec,
		registry:   reg,
		dispatcher: disp,
		reconciler: recon,
		tracer:     tracerProvider,
	}, nil
}

// newTracerProvider builds the OpenTelemetry-backed tracer per
// cfg.Telemetry, or a no-op provider when telemetry is disabled.
func newTracerProvider(cfg config.TelemetrySettings) (observability.TracerProvider, error) {
	if !cfg.Enabled {
		return observability.NewNoopProvider(), nil
	}
	return telemetry.NewProvider(telemetry.Settings{
		ServiceName: "tracklane-engine",
		Exporter:    cfg.Exporter,
		Enabled:     true,
	})
}

// Dispatcher returns the daemon's Dispatcher, the engine's entry point
// for submitting work once Start has been called.
func (d *Daemon) Dispatcher() *dispatch.Dispatcher { return d.dispatcher }

// Registry returns the daemon's handler registry, so callers can
// Register additional handlers before Start.
func (d *Daemon) Registry() *registry.Registry { return d.registry }

// Start launches the reconciler's background orphan sweep. It returns
// once the sweep goroutine has been started; it does not block.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("daemon: already started")
	}
	d.started = true

	d.logger.Info("engine starting",
		slog.String("version", d.opts.Version),
		slog.String("backend", d.cfg.Backend.URL),
		slog.String("executor", d.cfg.Executor.Kind))

	d.reconciler.Start(ctx)
	return nil
}

// Shutdown stops the reconciler, lets the executor finish or abandon
// in-flight work, and closes the ledger backend, in that order.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	d.logger.Info("engine shutting down")

	d.reconciler.Stop()

	if err := d.exec.Shutdown(ctx); err != nil {
		d.logger.Warn("executor shutdown error", slog.Any("error", err))
	}

	if err := d.tracer.Shutdown(ctx); err != nil {
		d.logger.Warn("tracer shutdown error", slog.Any("error", err))
	}

	if err := d.store.Close(); err != nil {
		return fmt.Errorf("daemon: closing backend: %w", err)
	}

	d.started = false
	return nil
}

// newBackend opens the ledger backend named by backendURL's scheme
// (§4.1's "auto-detection": sqlite/file, postgres/postgresql, or
// memory/mem).
func newBackend(backendURL string) (ledger.Store, error) {
	scheme, dsn, err := ledger.DetectScheme(backendURL)
	if err != nil {
		return nil, err
	}

	switch scheme {
	case ledger.SchemeMemory:
		return memory.New(), nil
	case ledger.SchemeEmbeddedFile:
		return sqlite.New(sqlite.Config{Path: dsn, WAL: true})
	case ledger.SchemeClientServer:
		return postgres.New(postgres.Config{ConnectionString: dsn})
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %q", scheme)
	}
}

// newExecutor constructs the Executor named by settings.Kind (§6's
// executor.kind: memory, thread-pool, async-pool, process-pool,
// external-broker, stub). external-broker requires an SQS client and
// queue URLs this settings shape does not yet carry, so it is rejected
// here rather than constructed half-configured.
func newExecutor(settings config.ExecutorSettings) (executor.Executor, error) {
	concurrency := settings.MaxConcurrency
	if concurrency <= 0 {
		concurrency = settings.MaxWorkers
	}
	if concurrency <= 0 {
		concurrency = 16
	}

	switch settings.Kind {
	case "memory":
		return executor.NewMemoryExecutor(), nil
	case "thread-pool":
		return executor.NewLocalExecutor(concurrency), nil
	case "async-pool":
		return executor.NewAsyncLocalExecutor(concurrency, nil), nil
	case "process-pool":
		return executor.NewProcessExecutor(), nil
	case "stub":
		return executor.NewStubExecutor(), nil
	case "external-broker":
		return nil, fmt.Errorf("executor kind %q requires an SQS client configured outside Settings; construct a BrokerExecutor directly", settings.Kind)
	default:
		return nil, fmt.Errorf("unrecognized executor kind: %q", settings.Kind)
	}
}

func newRateLimiter(limits map[string]config.RateLimitSettings) *resilience.KeyedRateLimiter {
	dflt := resilience.LimitConfig{Rate: 50, Capacity: 100}
	if d, ok := limits["default"]; ok {
		dflt = resilience.LimitConfig{Rate: d.Rate, Capacity: d.Capacity}
	}
	limiter := resilience.NewKeyedRateLimiter(dflt)
	for name, cfg := range limits {
		if name == "default" {
			continue
		}
		limiter.Configure(name, resilience.LimitConfig{Rate: cfg.Rate, Capacity: cfg.Capacity})
	}
	return limiter
}

func orphanPolicyFrom(s string) (reconciler.OrphanPolicy, error) {
	switch reconciler.OrphanPolicy(s) {
	case reconciler.OrphanReportOnly, reconciler.OrphanCancelOrphan, reconciler.OrphanIgnore:
		return reconciler.OrphanPolicy(s), nil
	default:
		return "", fmt.Errorf("unrecognized orphan policy: %q", s)
	}
}
