package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzfleet/fuzzfleet/internal/queues"
	"github.com/fuzzfleet/fuzzfleet/internal/storage"
	"github.com/fuzzfleet/fuzzfleet/pkg/logger"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *storage.Tables) {
	t.Helper()
	log := logger.New("webhooks-test", "dev")
	log.DisableConsoleOutput()
	tables := storage.NewTables(storage.NewMemStore())
	return NewDispatcher(tables, queues.NewMemFactory(), log), tables
}

func storeSubscription(t *testing.T, tables *storage.Tables, sub *models.WebhookSubscription) {
	t.Helper()
	_, err := tables.Webhooks.Insert(context.Background(), sub)
	require.NoError(t, err)
}

func taskCreatedMessage() *models.EventMessage {
	jobID := uuid.New()
	return &models.EventMessage{
		EventID:   uuid.New(),
		EventType: models.EventTypeTaskCreated,
		Event: models.EventTaskCreated{
			JobID:  jobID,
			TaskID: uuid.New(),
			Config: models.TaskConfig{
				JobID: jobID,
				Task:  models.TaskDetails{Type: models.TaskTypeLibfuzzerFuzz, Duration: 1},
			},
		},
		InstanceID:   uuid.New(),
		InstanceName: "inst",
		CreatedAt:    time.Now().UTC(),
	}
}

func TestHandleEventFiltersByType(t *testing.T) {
	d, tables := newTestDispatcher(t)
	ctx := context.Background()

	storeSubscription(t, tables, &models.WebhookSubscription{
		WebhookID:  uuid.New(),
		Name:       "task-created-only",
		URL:        "http://localhost/hook",
		EventTypes: []models.EventType{models.EventTypeTaskCreated},
	})

	failed := &models.EventMessage{
		EventID:   uuid.New(),
		EventType: models.EventTypeTaskFailed,
		Event: models.EventTaskFailed{
			JobID:  uuid.New(),
			TaskID: uuid.New(),
			Error:  models.Error{Code: models.CodeTaskFailed, Errors: []string{"boom"}},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, d.HandleEvent(ctx, failed))

	logs, err := tables.WebhookLogs.Scan(ctx)
	require.NoError(t, err)
	assert.Empty(t, logs, "unsubscribed event type must not be recorded")

	require.NoError(t, d.HandleEvent(ctx, taskCreatedMessage()))
	logs, err = tables.WebhookLogs.Scan(ctx)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestDeliverySignsAndSucceeds(t *testing.T) {
	d, tables := newTestDispatcher(t)
	ctx := context.Background()

	var gotBody []byte
	var gotDigest string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotDigest = r.Header.Get(DigestHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sub := &models.WebhookSubscription{
		WebhookID:   uuid.New(),
		Name:        "signed",
		URL:         server.URL,
		EventTypes:  []models.EventType{models.EventTypeTaskCreated},
		SecretToken: "hunter2",
	}
	storeSubscription(t, tables, sub)

	msg := taskCreatedMessage()
	require.NoError(t, d.HandleEvent(ctx, msg))
	require.NoError(t, d.DeliverOnce(ctx))

	require.NotEmpty(t, gotBody)
	assert.Equal(t, Sign("hunter2", gotBody), gotDigest)

	// The v2 envelope round-trips to the closed payload schema.
	var envelope models.WebhookMessage
	require.NoError(t, json.Unmarshal(gotBody, &envelope))
	assert.Equal(t, EnvelopeVersion, envelope.Version)
	assert.Equal(t, msg.EventID, envelope.EventID)
	assert.Equal(t, sub.WebhookID, envelope.WebhookID)
	created, ok := envelope.Event.(*models.EventTaskCreated)
	require.True(t, ok)
	assert.Equal(t, msg.Event.(models.EventTaskCreated).TaskID, created.TaskID)

	stored, err := tables.WebhookLogs.Get(ctx, sub.WebhookID.String(), msg.EventID.String())
	require.NoError(t, err)
	assert.Equal(t, models.WebhookMessageSucceeded, stored.Entity.State)
	assert.Equal(t, 1, stored.Entity.TryCount)
}

func TestDeliveryOmitsDigestWithoutSecret(t *testing.T) {
	d, tables := newTestDispatcher(t)
	ctx := context.Background()

	var sawDigest bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawDigest = r.Header[DigestHeader]
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	storeSubscription(t, tables, &models.WebhookSubscription{
		WebhookID:  uuid.New(),
		Name:       "unsigned",
		URL:        server.URL,
		EventTypes: []models.EventType{models.EventTypeTaskCreated},
	})

	require.NoError(t, d.HandleEvent(ctx, taskCreatedMessage()))
	require.NoError(t, d.DeliverOnce(ctx))
	assert.False(t, sawDigest)
}

func TestEventGridFormat(t *testing.T) {
	d, tables := newTestDispatcher(t)
	ctx := context.Background()

	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	storeSubscription(t, tables, &models.WebhookSubscription{
		WebhookID:     uuid.New(),
		Name:          "grid",
		URL:           server.URL,
		EventTypes:    []models.EventType{models.EventTypeTaskCreated},
		MessageFormat: models.WebhookFormatEventGrid,
	})

	msg := taskCreatedMessage()
	require.NoError(t, d.HandleEvent(ctx, msg))
	require.NoError(t, d.DeliverOnce(ctx))

	var records []map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(gotBody, &records))
	require.Len(t, records, 1)
	assert.Contains(t, records[0], "dataVersion")
	assert.Contains(t, records[0], "eventType")
	assert.Contains(t, records[0], "data")
}

func TestDeliveryExhaustionMarksFailed(t *testing.T) {
	d, tables := newTestDispatcher(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sub := &models.WebhookSubscription{
		WebhookID:  uuid.New(),
		Name:       "flaky",
		URL:        server.URL,
		EventTypes: []models.EventType{models.EventTypeTaskCreated},
	}
	storeSubscription(t, tables, sub)

	msg := taskCreatedMessage()
	require.NoError(t, d.HandleEvent(ctx, msg))

	for i := 0; i < MaxTries; i++ {
		require.NoError(t, d.DeliverOnce(ctx))
		// Collapse the backoff window so the next attempt is due.
		stored, err := tables.WebhookLogs.Get(ctx, sub.WebhookID.String(), msg.EventID.String())
		require.NoError(t, err)
		if stored.Entity.State == models.WebhookMessageRetrying {
			past := time.Now().Add(-time.Minute)
			stored.Entity.NextTryAfter = &past
			_, err = tables.WebhookLogs.Replace(ctx, stored.Entity, stored.Version)
			require.NoError(t, err)
		}
	}

	stored, err := tables.WebhookLogs.Get(ctx, sub.WebhookID.String(), msg.EventID.String())
	require.NoError(t, err)
	assert.Equal(t, models.WebhookMessageFailed, stored.Entity.State)
	assert.Equal(t, MaxTries, stored.Entity.TryCount)
}

func TestPingBypassesFilter(t *testing.T) {
	d, tables := newTestDispatcher(t)
	ctx := context.Background()

	sub := &models.WebhookSubscription{
		WebhookID:  uuid.New(),
		Name:       "no-ping-filter",
		URL:        "http://localhost/hook",
		EventTypes: []models.EventType{models.EventTypeTaskCreated},
	}
	storeSubscription(t, tables, sub)

	ping, err := d.Ping(ctx, sub.WebhookID)
	require.NoError(t, err)
	require.NotNil(t, ping)

	logs, err := tables.WebhookLogs.QueryPartition(ctx, sub.WebhookID.String())
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.EventTypePing, logs[0].Entity.EventType)
}

func TestPingUnknownWebhook(t *testing.T) {
	d, _ := newTestDispatcher(t)
	_, err := d.Ping(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCollectExpired(t *testing.T) {
	d, tables := newTestDispatcher(t)
	ctx := context.Background()

	old := &models.WebhookMessageLog{
		WebhookID: uuid.New(),
		EventID:   uuid.New(),
		EventType: models.EventTypePing,
		Event:     models.EventPing{PingID: uuid.New()},
		State:     models.WebhookMessageSucceeded,
		CreatedAt: time.Now().AddDate(0, 0, -(ExpireDays + 1)),
	}
	_, err := tables.WebhookLogs.Insert(ctx, old)
	require.NoError(t, err)

	// Still pending: must survive GC even when old.
	pending := &models.WebhookMessageLog{
		WebhookID: uuid.New(),
		EventID:   uuid.New(),
		EventType: models.EventTypePing,
		Event:     models.EventPing{PingID: uuid.New()},
		State:     models.WebhookMessageRetrying,
		CreatedAt: time.Now().AddDate(0, 0, -(ExpireDays + 1)),
	}
	_, err = tables.WebhookLogs.Insert(ctx, pending)
	require.NoError(t, err)

	fresh := &models.WebhookMessageLog{
		WebhookID: uuid.New(),
		EventID:   uuid.New(),
		EventType: models.EventTypePing,
		Event:     models.EventPing{PingID: uuid.New()},
		State:     models.WebhookMessageSucceeded,
		CreatedAt: time.Now(),
	}
	_, err = tables.WebhookLogs.Insert(ctx, fresh)
	require.NoError(t, err)

	require.NoError(t, d.CollectExpired(ctx))

	remaining, err := tables.WebhookLogs.Scan(ctx)
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
	_, err = tables.WebhookLogs.Get(ctx, old.WebhookID.String(), old.EventID.String())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
