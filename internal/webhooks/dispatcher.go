// Package webhooks stores webhook subscriptions and delivers matching events
// to their URLs. Delivery is at-least-once with bounded exponential backoff;
// exhausted deliveries are surfaced to the operator, never silently dropped.
package webhooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fuzzfleet/fuzzfleet/internal/queues"
	"github.com/fuzzfleet/fuzzfleet/internal/storage"
	"github.com/fuzzfleet/fuzzfleet/pkg/logger"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

const (
	// MaxTries caps delivery attempts per (webhook, event).
	MaxTries = 5
	// ExpireDays is how long settled message logs are kept before GC.
	ExpireDays = 7

	subscriptionCacheTTL = 30 * time.Second
	requestTimeout       = 30 * time.Second
	retryBackoffBase     = 10 * time.Second
)

// errNotDue signals a popped delivery that is still backing off.
var errNotDue = errors.New("webhooks: delivery not due yet")

// deliveryRef is the queue message pointing at a message log row.
type deliveryRef struct {
	WebhookID uuid.UUID `json:"webhook_id"`
	EventID   uuid.UUID `json:"event_id"`
}

// Dispatcher fans events out to subscriptions and runs the delivery loop.
type Dispatcher struct {
	tables *storage.Tables
	queue  queues.Queue
	logger *logger.Logger
	client *http.Client

	cacheMu  sync.Mutex
	cached   []*models.WebhookSubscription
	cachedAt time.Time
}

func NewDispatcher(tables *storage.Tables, factory queues.Factory, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		tables: tables,
		queue:  factory.Queue(queues.WebhookQueue),
		logger: log,
		client: &http.Client{Timeout: requestTimeout},
	}
}

// subscriptions returns the subscription list, cached briefly so event
// bursts do not hammer the store.
func (d *Dispatcher) subscriptions(ctx context.Context) ([]*models.WebhookSubscription, error) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()

	if d.cached != nil && time.Since(d.cachedAt) < subscriptionCacheTTL {
		return d.cached, nil
	}
	all, err := d.tables.Webhooks.Scan(ctx)
	if err != nil {
		return nil, err
	}
	subs := make([]*models.WebhookSubscription, 0, len(all))
	for _, v := range all {
		subs = append(subs, v.Entity)
	}
	d.cached = subs
	d.cachedAt = time.Now()
	return subs, nil
}

// InvalidateCache drops the cached subscription list; called after
// subscription writes so new filters take effect immediately.
func (d *Dispatcher) InvalidateCache() {
	d.cacheMu.Lock()
	d.cached = nil
	d.cacheMu.Unlock()
}

// HandleEvent records a message log row and queues delivery for every
// subscription whose filter includes the event's type.
func (d *Dispatcher) HandleEvent(ctx context.Context, msg *models.EventMessage) error {
	subs, err := d.subscriptions(ctx)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if !sub.Subscribed(msg.EventType) {
			continue
		}
		if err := d.enqueue(ctx, sub.WebhookID, msg); err != nil {
			d.logger.Errorf("failed to enqueue %s for webhook %s: %v", msg.EventType, sub.WebhookID, err)
		}
	}
	return nil
}

// RunIngest consumes the event bus subscription until ctx is canceled.
func (d *Dispatcher) RunIngest(ctx context.Context, ch <-chan *models.EventMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ch:
			if err := d.HandleEvent(ctx, msg); err != nil {
				d.logger.Errorf("webhook ingest: %v", err)
			}
		}
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, webhookID uuid.UUID, msg *models.EventMessage) error {
	log := &models.WebhookMessageLog{
		WebhookID:    webhookID,
		EventID:      msg.EventID,
		EventType:    msg.EventType,
		Event:        msg.Event,
		InstanceID:   msg.InstanceID,
		InstanceName: msg.InstanceName,
		State:        models.WebhookMessageQueued,
		CreatedAt:    msg.CreatedAt,
	}
	if _, err := d.tables.WebhookLogs.Insert(ctx, log); err != nil {
		if errors.Is(err, storage.ErrRowExists) {
			// Already recorded; delivery will proceed off the existing row.
			return nil
		}
		return err
	}
	return queues.PushJSON(ctx, d.queue, deliveryRef{WebhookID: webhookID, EventID: msg.EventID})
}

// Ping sends a verification event through the given webhook, bypassing its
// event-type filter.
func (d *Dispatcher) Ping(ctx context.Context, webhookID uuid.UUID) (*models.EventPing, error) {
	if _, err := d.tables.Webhooks.Get(ctx, webhookID.String(), webhookID.String()); err != nil {
		return nil, err
	}
	ping := models.EventPing{PingID: uuid.New()}
	msg := &models.EventMessage{
		EventID:   uuid.New(),
		EventType: models.EventTypePing,
		Event:     ping,
		CreatedAt: time.Now().UTC(),
	}
	if err := d.enqueue(ctx, webhookID, msg); err != nil {
		return nil, err
	}
	return &ping, nil
}

// DeliverOnce pops one queued delivery and processes it. Returns
// queues.ErrEmpty when there is nothing to deliver and errNotDue when the
// popped delivery is still backing off (it has been requeued).
func (d *Dispatcher) DeliverOnce(ctx context.Context) error {
	var ref deliveryRef
	if err := queues.PopJSON(ctx, d.queue, &ref); err != nil {
		return err
	}
	return d.deliver(ctx, ref)
}

// RunDelivery is the long-lived delivery consumer loop.
func (d *Dispatcher) RunDelivery(ctx context.Context, pollInterval time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := d.DeliverOnce(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, queues.ErrEmpty), errors.Is(err, errNotDue):
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
		default:
			d.logger.Errorf("webhook delivery: %v", err)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ref deliveryRef) error {
	stored, err := d.tables.WebhookLogs.Get(ctx, ref.WebhookID.String(), ref.EventID.String())
	if err != nil {
		return fmt.Errorf("load message log %s/%s: %w", ref.WebhookID, ref.EventID, err)
	}
	log := stored.Entity
	if log.State == models.WebhookMessageSucceeded || log.State == models.WebhookMessageFailed {
		return nil
	}
	if log.NextTryAfter != nil && time.Now().Before(*log.NextTryAfter) {
		if err := queues.PushJSON(ctx, d.queue, ref); err != nil {
			return err
		}
		return errNotDue
	}

	subStored, err := d.tables.Webhooks.Get(ctx, ref.WebhookID.String(), ref.WebhookID.String())
	if errors.Is(err, storage.ErrNotFound) {
		log.State = models.WebhookMessageFailed
		_, err = d.tables.WebhookLogs.Replace(ctx, log, stored.Version)
		return err
	}
	if err != nil {
		return err
	}
	sub := subStored.Entity

	if err := d.send(ctx, sub, log); err != nil {
		return d.recordFailure(ctx, ref, log, stored.Version, err)
	}

	log.State = models.WebhookMessageSucceeded
	log.TryCount++
	if _, err := d.tables.WebhookLogs.Replace(ctx, log, stored.Version); err != nil {
		return err
	}
	d.logger.Infof("webhook %s delivered %s %s", sub.WebhookID, log.EventType, log.EventID)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *models.WebhookSubscription, log *models.WebhookMessageLog) error {
	body, err := BuildBody(sub, log)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fuzzfleet-webhook/"+EnvelopeVersion)
	if sub.SecretToken != "" {
		req.Header.Set(DigestHeader, Sign(sub.SecretToken, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: status %d", sub.URL, resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, ref deliveryRef, log *models.WebhookMessageLog, version int64, cause error) error {
	log.TryCount++
	if log.TryCount >= MaxTries {
		log.State = models.WebhookMessageFailed
		log.NextTryAfter = nil
		if _, err := d.tables.WebhookLogs.Replace(ctx, log, version); err != nil {
			return err
		}
		d.logger.Errorf("webhook %s exhausted %d tries for %s %s: %v (%s)",
			log.WebhookID, MaxTries, log.EventType, log.EventID, cause,
			models.NewError(models.CodeWebhookDeliveryExhausted, "delivery attempts exhausted"))
		return nil
	}

	log.State = models.WebhookMessageRetrying
	next := time.Now().Add(backoff(log.TryCount))
	log.NextTryAfter = &next
	if _, err := d.tables.WebhookLogs.Replace(ctx, log, version); err != nil {
		return err
	}
	d.logger.Warnf("webhook %s delivery attempt %d failed for %s %s, retrying: %v",
		log.WebhookID, log.TryCount, log.EventType, log.EventID, cause)
	return queues.PushJSON(ctx, d.queue, ref)
}

// backoff doubles per attempt: 10s, 20s, 40s, 80s.
func backoff(tryCount int) time.Duration {
	d := retryBackoffBase
	for i := 1; i < tryCount; i++ {
		d *= 2
	}
	return d
}

// CollectExpired removes settled message logs older than ExpireDays.
func (d *Dispatcher) CollectExpired(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -ExpireDays)
	logs, err := d.tables.WebhookLogs.Scan(ctx)
	if err != nil {
		return err
	}
	for _, v := range logs {
		log := v.Entity
		if log.CreatedAt.After(cutoff) {
			continue
		}
		if log.State != models.WebhookMessageSucceeded && log.State != models.WebhookMessageFailed {
			continue
		}
		if err := d.tables.WebhookLogs.Delete(ctx, log); err != nil {
			d.logger.Errorf("failed to expire message log %s/%s: %v", log.WebhookID, log.EventID, err)
		}
	}
	return nil
}
