package storage

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

func TestMemStoreInsertAndGet(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	row := &Row{PartitionKey: "p1", RowKey: "r1", Data: []byte(`{"a":1}`)}
	require.NoError(t, store.Insert(ctx, "things", row))
	assert.Equal(t, int64(1), row.Version)

	got, err := store.Get(ctx, "things", "p1", "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.JSONEq(t, `{"a":1}`, string(got.Data))

	_, err = store.Get(ctx, "things", "p1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreInsertConflict(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "things", &Row{PartitionKey: "p", RowKey: "r", Data: []byte(`{}`)}))
	err := store.Insert(ctx, "things", &Row{PartitionKey: "p", RowKey: "r", Data: []byte(`{}`)})
	assert.ErrorIs(t, err, ErrRowExists)
}

func TestMemStoreReplaceCAS(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	row := &Row{PartitionKey: "p", RowKey: "r", Data: []byte(`{"n":0}`)}
	require.NoError(t, store.Insert(ctx, "things", row))

	update := &Row{PartitionKey: "p", RowKey: "r", Data: []byte(`{"n":1}`)}
	require.NoError(t, store.Replace(ctx, "things", update, 1))
	assert.Equal(t, int64(2), update.Version)

	// Stale version loses.
	stale := &Row{PartitionKey: "p", RowKey: "r", Data: []byte(`{"n":9}`)}
	err := store.Replace(ctx, "things", stale, 1)
	assert.ErrorIs(t, err, ErrVersionMismatch)

	got, err := store.Get(ctx, "things", "p", "r")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(got.Data))
	assert.Equal(t, int64(2), got.Version)

	// Missing row is distinguished from a lost race.
	missing := &Row{PartitionKey: "p", RowKey: "gone", Data: []byte(`{}`)}
	err = store.Replace(ctx, "things", missing, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreUpsertLastWriterWins(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	first := &Row{PartitionKey: "p", RowKey: "r", Data: []byte(`{"hb":1}`)}
	require.NoError(t, store.Upsert(ctx, "heartbeats", first))
	assert.Equal(t, int64(1), first.Version)

	second := &Row{PartitionKey: "p", RowKey: "r", Data: []byte(`{"hb":2}`)}
	require.NoError(t, store.Upsert(ctx, "heartbeats", second))
	assert.Equal(t, int64(2), second.Version)

	got, err := store.Get(ctx, "heartbeats", "p", "r")
	require.NoError(t, err)
	assert.JSONEq(t, `{"hb":2}`, string(got.Data))
}

func TestMemStoreDeleteIdempotent(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, "things", &Row{PartitionKey: "p", RowKey: "r", Data: []byte(`{}`)}))
	require.NoError(t, store.Delete(ctx, "things", "p", "r"))
	require.NoError(t, store.Delete(ctx, "things", "p", "r"))

	_, err := store.Get(ctx, "things", "p", "r")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreQueryPartitionOrdering(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	for _, rk := range []string{"c", "a", "b"} {
		require.NoError(t, store.Insert(ctx, "things", &Row{PartitionKey: "p1", RowKey: rk, Data: []byte(`{}`)}))
	}
	require.NoError(t, store.Insert(ctx, "things", &Row{PartitionKey: "p2", RowKey: "z", Data: []byte(`{}`)}))

	rows, err := store.QueryPartition(ctx, "things", "p1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "a", rows[0].RowKey)
	assert.Equal(t, "b", rows[1].RowKey)
	assert.Equal(t, "c", rows[2].RowKey)
}

func TestTableRoundTrip(t *testing.T) {
	tables := NewTables(NewMemStore())
	ctx := context.Background()

	pool := &models.Pool{
		Name:    "pool-1",
		PoolID:  uuid.New(),
		State:   models.PoolInit,
		OS:      models.OSLinux,
		Arch:    models.ArchX86_64,
		Managed: true,
	}
	inserted, err := tables.Pools.Insert(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted.Version)

	got, err := tables.Pools.Get(ctx, "pool-1", "pool-1")
	require.NoError(t, err)
	assert.Equal(t, pool.PoolID, got.Entity.PoolID)
	assert.Equal(t, models.PoolInit, got.Entity.State)

	got.Entity.State = models.PoolRunning
	updated, err := tables.Pools.Replace(ctx, got.Entity, got.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = tables.Pools.Replace(ctx, got.Entity, got.Version)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestTasksPartitionByJob(t *testing.T) {
	tables := NewTables(NewMemStore())
	ctx := context.Background()

	jobID := uuid.New()
	for i := 0; i < 3; i++ {
		task := &models.Task{JobID: jobID, TaskID: uuid.New(), State: models.TaskWaiting}
		_, err := tables.Tasks.Insert(ctx, task)
		require.NoError(t, err)
	}
	other := &models.Task{JobID: uuid.New(), TaskID: uuid.New(), State: models.TaskWaiting}
	_, err := tables.Tasks.Insert(ctx, other)
	require.NoError(t, err)

	tasks, err := tables.Tasks.QueryPartition(ctx, jobID.String())
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestWebhookLogRoundTripsPayload(t *testing.T) {
	tables := NewTables(NewMemStore())
	ctx := context.Background()

	log := &models.WebhookMessageLog{
		WebhookID: uuid.New(),
		EventID:   uuid.New(),
		EventType: models.EventTypePing,
		Event:     models.EventPing{PingID: uuid.New()},
		State:     models.WebhookMessageQueued,
	}
	_, err := tables.WebhookLogs.Insert(ctx, log)
	require.NoError(t, err)

	got, err := tables.WebhookLogs.Get(ctx, log.WebhookID.String(), log.EventID.String())
	require.NoError(t, err)
	ping, ok := got.Entity.Event.(*models.EventPing)
	require.True(t, ok, "payload should decode to its concrete type")
	assert.Equal(t, log.Event.(models.EventPing).PingID, ping.PingID)
	assert.Equal(t, models.WebhookMessageQueued, got.Entity.State)
}
