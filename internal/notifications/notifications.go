// Package notifications reacts to files appearing in watched containers by
// invoking the integration configured for that container. The integration
// surface is an interface boundary: new kinds register a constructor and
// receive the container, filename, and any parsed report.
package notifications

import (
	"context"
	"fmt"
	"sync"

	"github.com/fuzzfleet/fuzzfleet/internal/storage"
	"github.com/fuzzfleet/fuzzfleet/pkg/logger"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// Integration delivers one notification about a file in a container. report
// is nil for plain file_added events.
type Integration interface {
	Notify(ctx context.Context, container, filename string, report *models.Report) error
}

// Constructor builds an Integration from a notification config, or errors
// if the config does not carry that kind.
type Constructor func(cfg models.NotificationConfig) (Integration, error)

// Registry maps config kinds to integration constructors.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Constructor)}
}

func (r *Registry) Register(kind string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[kind] = c
}

func (r *Registry) Build(cfg models.NotificationConfig) (Integration, error) {
	r.mu.RLock()
	c, ok := r.kinds[cfg.Kind()]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown notification kind %q", cfg.Kind())
	}
	return c(cfg)
}

// DefaultRegistry returns a registry with the built-in integrations.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("chat_webhook", NewChatWebhook)
	return r
}

// Adapter consumes container-file events and dispatches them to the
// integrations configured for the affected container.
type Adapter struct {
	tables   *storage.Tables
	registry *Registry
	logger   *logger.Logger
}

func NewAdapter(tables *storage.Tables, registry *Registry, log *logger.Logger) *Adapter {
	return &Adapter{tables: tables, registry: registry, logger: log}
}

// HandleEvent dispatches file_added, crash_reported, and regression_reported
// events; other event types are ignored.
func (a *Adapter) HandleEvent(ctx context.Context, msg *models.EventMessage) error {
	switch event := msg.Event.(type) {
	case models.EventFileAdded:
		return a.dispatch(ctx, event.Container, event.Filename, nil)
	case *models.EventFileAdded:
		return a.dispatch(ctx, event.Container, event.Filename, nil)
	case models.EventCrashReported:
		return a.dispatch(ctx, event.Container, event.Filename, &event.Report)
	case *models.EventCrashReported:
		return a.dispatch(ctx, event.Container, event.Filename, &event.Report)
	case models.EventRegressionReported:
		return a.dispatch(ctx, event.Container, event.Filename, &event.RegressionReport.CrashTestResult)
	case *models.EventRegressionReported:
		return a.dispatch(ctx, event.Container, event.Filename, &event.RegressionReport.CrashTestResult)
	default:
		return nil
	}
}

// Run consumes the event bus subscription until ctx is canceled.
func (a *Adapter) Run(ctx context.Context, ch <-chan *models.EventMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if err := a.HandleEvent(ctx, msg); err != nil {
				a.logger.Errorf("notification dispatch: %v", err)
			}
		}
	}
}

func (a *Adapter) dispatch(ctx context.Context, container, filename string, report *models.Report) error {
	configs, err := a.tables.Notifications.QueryPartition(ctx, container)
	if err != nil {
		return err
	}
	for _, v := range configs {
		integration, err := a.registry.Build(v.Entity.Config)
		if err != nil {
			a.logger.Errorf("notification %s: %v", v.Entity.NotificationID, err)
			continue
		}
		if err := integration.Notify(ctx, container, filename, report); err != nil {
			a.logger.Errorf("notification %s for %s/%s: %v (%s)",
				v.Entity.NotificationID, container, filename, err,
				models.NewError(models.CodeNotificationFailure, "notification delivery failed"))
		}
	}
	return nil
}
