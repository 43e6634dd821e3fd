package events

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzfleet/fuzzfleet/pkg/logger"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	log := logger.New("events-test", "dev")
	log.DisableConsoleOutput()
	return NewPublisher(uuid.New(), "test-instance", log)
}

func TestPublishEnvelopesPayload(t *testing.T) {
	p := newTestPublisher(t)
	ch := p.Subscribe("consumer", 8)

	jobID := uuid.New()
	msg := p.Publish(context.Background(), models.EventJobCreated{JobID: jobID})

	assert.NotEqual(t, uuid.Nil, msg.EventID)
	assert.Equal(t, models.EventTypeJobCreated, msg.EventType)
	assert.Equal(t, p.InstanceID(), msg.InstanceID)
	assert.Equal(t, "test-instance", msg.InstanceName)
	assert.False(t, msg.CreatedAt.IsZero())

	select {
	case got := <-ch:
		assert.Equal(t, msg, got)
	default:
		t.Fatal("subscriber did not receive the event")
	}
}

func TestPublishNeverBlocksOnFullSubscriber(t *testing.T) {
	p := newTestPublisher(t)
	slow := p.Subscribe("slow", 1)
	fast := p.Subscribe("fast", 8)

	ctx := context.Background()
	p.Publish(ctx, models.EventPing{PingID: uuid.New()})
	// slow's buffer is now full; this publish must not block and must
	// still reach the other subscriber.
	second := p.Publish(ctx, models.EventPing{PingID: uuid.New()})

	assert.Len(t, slow, 1)
	require.Len(t, fast, 2)
	<-fast
	assert.Equal(t, second, <-fast)
}

func TestPublishAllPreservesOrder(t *testing.T) {
	p := newTestPublisher(t)
	ch := p.Subscribe("consumer", 8)

	first := uuid.New()
	second := uuid.New()
	p.PublishAll(context.Background(), []models.EventPayload{
		models.EventPing{PingID: first},
		models.EventPing{PingID: second},
	})

	got := (<-ch).Event.(models.EventPing)
	assert.Equal(t, first, got.PingID)
	got = (<-ch).Event.(models.EventPing)
	assert.Equal(t, second, got.PingID)
}
