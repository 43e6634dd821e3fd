// Package engine wires the orchestrator together: storage tables, the event
// bus, the state machine engine, the scheduler, the liveness monitor, the
// webhook dispatcher, and the notification adapter, plus the background
// update sweep that drives needs-work states forward.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fuzzfleet/fuzzfleet/internal/events"
	"github.com/fuzzfleet/fuzzfleet/internal/liveness"
	"github.com/fuzzfleet/fuzzfleet/internal/notifications"
	"github.com/fuzzfleet/fuzzfleet/internal/queues"
	"github.com/fuzzfleet/fuzzfleet/internal/scheduler"
	"github.com/fuzzfleet/fuzzfleet/internal/statemachine"
	"github.com/fuzzfleet/fuzzfleet/internal/storage"
	"github.com/fuzzfleet/fuzzfleet/internal/webhooks"
	"github.com/fuzzfleet/fuzzfleet/pkg/config"
	"github.com/fuzzfleet/fuzzfleet/pkg/health"
	"github.com/fuzzfleet/fuzzfleet/pkg/logger"
)

// Loop cadences. Overridable through the engine.* config keys.
const (
	defaultScheduleInterval  = 5 * time.Second
	defaultUpdateInterval    = 5 * time.Second
	defaultHeartbeatPoll     = time.Second
	defaultDeliveryPoll      = time.Second
	defaultLivenessInterval  = time.Minute
	defaultWebhookGCInterval = time.Hour
)

type Engine struct {
	config  *config.Config
	logger  *logger.Logger
	tables  *storage.Tables
	factory queues.Factory
	bus     *events.Publisher

	machines   *statemachine.Engine
	scheduler  *scheduler.Scheduler
	monitor    *liveness.Monitor
	dispatcher *webhooks.Dispatcher
	notifier   *notifications.Adapter
	registry   *notifications.Registry
	checker    *health.Checker

	group  *errgroup.Group
	cancel context.CancelFunc

	state struct {
		sync.Mutex
		isRunning         bool
		ongoingOperations int32
	}
	metrics struct {
		jobsCreated  int64
		tasksCreated int64
		updateSweeps int64
		errors       int64
	}
}

func NewEngine(cfg *config.Config, store storage.Store, factory queues.Factory, log *logger.Logger) *Engine {
	instanceID := uuid.New()
	if raw := cfg.Get("instance.id"); raw != "" {
		if parsed, err := uuid.Parse(raw); err == nil {
			instanceID = parsed
		}
	}
	instanceName := cfg.GetOrDefault("instance.name", "fuzzfleet")

	tables := storage.NewTables(store)
	bus := events.NewPublisher(instanceID, instanceName, log)
	machines := statemachine.NewEngine(tables, bus, log)
	registry := notifications.DefaultRegistry()

	return &Engine{
		config:     cfg,
		logger:     log,
		tables:     tables,
		factory:    factory,
		bus:        bus,
		machines:   machines,
		scheduler:  scheduler.New(tables, machines, factory, log),
		monitor:    liveness.New(tables, machines, factory, bus, log, e2duration(cfg, "engine.node_stale_after", liveness.DefaultStaleAfter)),
		dispatcher: webhooks.NewDispatcher(tables, factory, log),
		notifier:   notifications.NewAdapter(tables, registry, log),
		registry:   registry,
		checker:    health.NewChecker(),
	}
}

func e2duration(cfg *config.Config, key string, def time.Duration) time.Duration {
	raw := cfg.Get(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func (e *Engine) interval(key string, def time.Duration) time.Duration {
	return e2duration(e.config, key, def)
}

// Tables exposes the typed table set for handlers and tests.
func (e *Engine) Tables() *storage.Tables { return e.tables }

// Bus exposes the in-process event bus.
func (e *Engine) Bus() *events.Publisher { return e.bus }

// Start launches the background loops. The scheduler, liveness monitor,
// webhook dispatcher, notification adapter, and update sweep each run until
// Stop cancels them.
func (e *Engine) Start(ctx context.Context) error {
	e.state.Lock()
	defer e.state.Unlock()

	if e.state.isRunning {
		return fmt.Errorf("engine is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)
	e.group = group
	e.cancel = cancel

	group.Go(func() error {
		e.scheduler.Run(gctx, e.interval("engine.schedule_interval", defaultScheduleInterval))
		return nil
	})
	group.Go(func() error {
		e.monitor.RunIngest(gctx, e.interval("engine.heartbeat_poll", defaultHeartbeatPoll))
		return nil
	})
	group.Go(func() error {
		e.monitor.RunSweep(gctx, e.interval("engine.liveness_interval", defaultLivenessInterval))
		return nil
	})
	group.Go(func() error {
		e.dispatcher.RunIngest(gctx, e.bus.Subscribe("webhook-dispatcher", 256))
		return nil
	})
	group.Go(func() error {
		e.dispatcher.RunDelivery(gctx, e.interval("engine.delivery_poll", defaultDeliveryPoll))
		return nil
	})
	group.Go(func() error {
		e.notifier.Run(gctx, e.bus.Subscribe("notification-adapter", 256))
		return nil
	})
	group.Go(func() error {
		e.runUpdates(gctx)
		return nil
	})
	group.Go(func() error {
		e.runWebhookGC(gctx)
		return nil
	})

	e.state.isRunning = true
	e.logger.Infof("engine started (instance %s)", e.bus.InstanceID())
	return nil
}

// Stop cancels the background loops and waits for them to drain.
func (e *Engine) Stop(ctx context.Context) error {
	e.state.Lock()
	defer e.state.Unlock()

	if !e.state.isRunning {
		return nil
	}

	e.cancel()
	done := make(chan error, 1)
	go func() { done <- e.group.Wait() }()
	select {
	case err := <-done:
		e.state.isRunning = false
		return err
	case <-ctx.Done():
		e.state.isRunning = false
		return ctx.Err()
	}
}

func (e *Engine) runUpdates(ctx context.Context) {
	ticker := time.NewTicker(e.interval("engine.update_interval", defaultUpdateInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ProcessUpdatesOnce(ctx); err != nil {
				atomic.AddInt64(&e.metrics.errors, 1)
				e.logger.Errorf("update sweep: %v", err)
			}
		}
	}
}

func (e *Engine) runWebhookGC(ctx context.Context) {
	ticker := time.NewTicker(e.interval("engine.webhook_gc_interval", defaultWebhookGCInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.dispatcher.CollectExpired(ctx); err != nil {
				e.logger.Errorf("webhook log gc: %v", err)
			}
		}
	}
}

func (e *Engine) GetMetrics() map[string]int64 {
	return map[string]int64{
		"jobs_created":  atomic.LoadInt64(&e.metrics.jobsCreated),
		"tasks_created": atomic.LoadInt64(&e.metrics.tasksCreated),
		"update_sweeps": atomic.LoadInt64(&e.metrics.updateSweeps),
		"errors":        atomic.LoadInt64(&e.metrics.errors),
	}
}

func (e *Engine) CheckHealth() error {
	e.state.Lock()
	defer e.state.Unlock()

	if !e.state.isRunning {
		return fmt.Errorf("service not initialized")
	}
	return nil
}

func (e *Engine) TrackOperation() {
	atomic.AddInt32(&e.state.ongoingOperations, 1)
}

func (e *Engine) UntrackOperation() {
	atomic.AddInt32(&e.state.ongoingOperations, -1)
}
