package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/fuzzfleet/fuzzfleet/internal/statemachine"
	"github.com/fuzzfleet/fuzzfleet/internal/storage"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// Webhook subscription, notification, and instance config operations.

// CreateWebhook registers a webhook subscription. Every requested event type
// must be a member of the closed enum.
func (e *Engine) CreateWebhook(ctx context.Context, sub models.WebhookSubscription) (*models.WebhookSubscription, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	if err := validateSubscription(&sub); err != nil {
		return nil, err
	}
	sub.WebhookID = uuid.New()
	if _, err := e.tables.Webhooks.Insert(ctx, &sub); err != nil {
		return nil, err
	}
	e.dispatcher.InvalidateCache()
	return &sub, nil
}

func validateSubscription(sub *models.WebhookSubscription) error {
	if sub.Name == "" || sub.URL == "" {
		return models.NewError(models.CodeInvalidRequest, "webhook requires a name and url")
	}
	if len(sub.EventTypes) == 0 {
		return models.NewError(models.CodeInvalidRequest, "webhook requires at least one event type")
	}
	for _, t := range sub.EventTypes {
		if !models.ValidEventType(t) {
			return models.NewError(models.CodeInvalidRequest, "unknown event type: "+string(t))
		}
	}
	if sub.MessageFormat == "" {
		sub.MessageFormat = models.WebhookFormatOnefuzz
	}
	if sub.MessageFormat != models.WebhookFormatOnefuzz && sub.MessageFormat != models.WebhookFormatEventGrid {
		return models.NewError(models.CodeInvalidRequest, "unknown message format: "+string(sub.MessageFormat))
	}
	return nil
}

func (e *Engine) GetWebhook(ctx context.Context, webhookID uuid.UUID) (*models.WebhookSubscription, error) {
	v, err := e.tables.Webhooks.Get(ctx, webhookID.String(), webhookID.String())
	if err != nil {
		return nil, err
	}
	return v.Entity, nil
}

func (e *Engine) ListWebhooks(ctx context.Context) ([]*models.WebhookSubscription, error) {
	rows, err := e.tables.Webhooks.Scan(ctx)
	if err != nil {
		return nil, err
	}
	subs := make([]*models.WebhookSubscription, 0, len(rows))
	for _, v := range rows {
		subs = append(subs, v.Entity)
	}
	return subs, nil
}

// UpdateWebhook replaces the mutable fields of a subscription. An empty
// secret keeps the stored one so reads never round-trip the token.
func (e *Engine) UpdateWebhook(ctx context.Context, webhookID uuid.UUID, update models.WebhookSubscription) (*models.WebhookSubscription, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	if err := validateSubscription(&update); err != nil {
		return nil, err
	}
	var sub *models.WebhookSubscription
	err := statemachine.WithRetry(ctx, func() error {
		v, err := e.tables.Webhooks.Get(ctx, webhookID.String(), webhookID.String())
		if err != nil {
			return err
		}
		sub = v.Entity
		sub.Name = update.Name
		sub.URL = update.URL
		sub.EventTypes = update.EventTypes
		sub.MessageFormat = update.MessageFormat
		if update.SecretToken != "" {
			sub.SecretToken = update.SecretToken
		}
		_, err = e.tables.Webhooks.Replace(ctx, sub, v.Version)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.dispatcher.InvalidateCache()
	return sub, nil
}

func (e *Engine) DeleteWebhook(ctx context.Context, webhookID uuid.UUID) error {
	e.TrackOperation()
	defer e.UntrackOperation()

	v, err := e.tables.Webhooks.Get(ctx, webhookID.String(), webhookID.String())
	if err != nil {
		return err
	}
	if err := e.tables.Webhooks.Delete(ctx, v.Entity); err != nil {
		return err
	}
	e.dispatcher.InvalidateCache()
	return nil
}

// PingWebhook sends a synthetic ping event through the delivery pipeline,
// bypassing the subscription's event filter.
func (e *Engine) PingWebhook(ctx context.Context, webhookID uuid.UUID) (*models.EventPing, error) {
	return e.dispatcher.Ping(ctx, webhookID)
}

// WebhookLogs lists the delivery records for one subscription.
func (e *Engine) WebhookLogs(ctx context.Context, webhookID uuid.UUID) ([]*models.WebhookMessageLog, error) {
	rows, err := e.tables.WebhookLogs.QueryPartition(ctx, webhookID.String())
	if err != nil {
		return nil, err
	}
	logs := make([]*models.WebhookMessageLog, 0, len(rows))
	for _, v := range rows {
		logs = append(logs, v.Entity)
	}
	return logs, nil
}

// CreateNotification attaches a notification config to a container. The
// config must build against a registered integration.
func (e *Engine) CreateNotification(ctx context.Context, container string, cfg models.NotificationConfig) (*models.Notification, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	if container == "" {
		return nil, models.NewError(models.CodeInvalidContainer, "notification requires a container")
	}
	if _, err := e.registry.Build(cfg); err != nil {
		return nil, models.NewError(models.CodeInvalidRequest, err.Error())
	}
	notification := &models.Notification{
		NotificationID: uuid.New(),
		Container:      container,
		Config:         cfg,
	}
	if _, err := e.tables.Notifications.Insert(ctx, notification); err != nil {
		return nil, err
	}
	return notification, nil
}

func (e *Engine) ListNotifications(ctx context.Context, container string) ([]*models.Notification, error) {
	var rows []*storage.Versioned[*models.Notification]
	var err error
	if container != "" {
		rows, err = e.tables.Notifications.QueryPartition(ctx, container)
	} else {
		rows, err = e.tables.Notifications.Scan(ctx)
	}
	if err != nil {
		return nil, err
	}
	items := make([]*models.Notification, 0, len(rows))
	for _, v := range rows {
		items = append(items, v.Entity)
	}
	return items, nil
}

func (e *Engine) DeleteNotification(ctx context.Context, container string, notificationID uuid.UUID) error {
	e.TrackOperation()
	defer e.UntrackOperation()

	v, err := e.tables.Notifications.Get(ctx, container, notificationID.String())
	if err != nil {
		return err
	}
	return e.tables.Notifications.Delete(ctx, v.Entity)
}

// GetInstanceConfig returns the instance-wide config record, creating the
// default on first read.
func (e *Engine) GetInstanceConfig(ctx context.Context) (*models.InstanceConfig, error) {
	v, err := e.tables.InstanceConfig.Get(ctx, storage.InstanceConfigKey, storage.InstanceConfigKey)
	if errors.Is(err, storage.ErrNotFound) {
		cfg := &models.InstanceConfig{AllowPoolCreation: true}
		if _, err := e.tables.InstanceConfig.Insert(ctx, cfg); err != nil && !errors.Is(err, storage.ErrRowExists) {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	return v.Entity, nil
}

// UpdateInstanceConfig replaces the instance config record and broadcasts
// the change so workers pick up a fresh snapshot on their next batch.
func (e *Engine) UpdateInstanceConfig(ctx context.Context, cfg models.InstanceConfig) (*models.InstanceConfig, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	err := statemachine.WithRetry(ctx, func() error {
		v, err := e.tables.InstanceConfig.Get(ctx, storage.InstanceConfigKey, storage.InstanceConfigKey)
		if errors.Is(err, storage.ErrNotFound) {
			_, err = e.tables.InstanceConfig.Insert(ctx, &cfg)
			return err
		}
		if err != nil {
			return err
		}
		_, err = e.tables.InstanceConfig.Replace(ctx, &cfg, v.Version)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.bus.Publish(ctx, models.EventInstanceConfigUpdated{Config: cfg})
	return &cfg, nil
}
