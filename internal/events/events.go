// Package events carries domain events from the commit path to interested
// consumers (webhook dispatcher, notification adapter, log sinks). Events are
// derived from already-committed facts; publishing is best-effort and never
// blocks or rolls back the state change that produced the event.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fuzzfleet/fuzzfleet/pkg/logger"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

type subscription struct {
	name string
	ch   chan *models.EventMessage
}

// Publisher assigns identity to event payloads and fans them out to
// subscriber channels. Sends never block: a subscriber that falls behind
// drops events and a warning is logged.
type Publisher struct {
	instanceID   uuid.UUID
	instanceName string
	logger       *logger.Logger

	mu   sync.RWMutex
	subs []subscription
}

func NewPublisher(instanceID uuid.UUID, instanceName string, log *logger.Logger) *Publisher {
	return &Publisher{
		instanceID:   instanceID,
		instanceName: instanceName,
		logger:       log,
	}
}

func (p *Publisher) InstanceID() uuid.UUID { return p.instanceID }
func (p *Publisher) InstanceName() string  { return p.instanceName }

// Subscribe registers a named consumer and returns its channel. The buffer
// bounds how far the consumer may lag before events are dropped for it.
func (p *Publisher) Subscribe(name string, buffer int) <-chan *models.EventMessage {
	ch := make(chan *models.EventMessage, buffer)

	p.mu.Lock()
	p.subs = append(p.subs, subscription{name: name, ch: ch})
	p.mu.Unlock()

	return ch
}

// Publish wraps the payload in an envelope and fans it out. The returned
// message is the enveloped form given to subscribers.
func (p *Publisher) Publish(ctx context.Context, payload models.EventPayload) *models.EventMessage {
	msg := &models.EventMessage{
		EventID:      uuid.New(),
		EventType:    payload.EventType(),
		Event:        payload,
		InstanceID:   p.instanceID,
		InstanceName: p.instanceName,
		CreatedAt:    time.Now().UTC(),
	}

	p.logger.Debugf("event %s %s", msg.EventType, msg.EventID)

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sub := range p.subs {
		select {
		case sub.ch <- msg:
		default:
			p.logger.Warnf("event subscriber %s full, dropping %s %s", sub.name, msg.EventType, msg.EventID)
		}
	}
	return msg
}

// PublishAll publishes each payload in order.
func (p *Publisher) PublishAll(ctx context.Context, payloads []models.EventPayload) {
	for _, payload := range payloads {
		p.Publish(ctx, payload)
	}
}
