package liveness

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzfleet/fuzzfleet/internal/events"
	"github.com/fuzzfleet/fuzzfleet/internal/queues"
	"github.com/fuzzfleet/fuzzfleet/internal/statemachine"
	"github.com/fuzzfleet/fuzzfleet/internal/storage"
	"github.com/fuzzfleet/fuzzfleet/pkg/logger"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

type fixture struct {
	tables  *storage.Tables
	engine  *statemachine.Engine
	monitor *Monitor
	bus     *events.Publisher
}

func newFixture(t *testing.T, staleAfter time.Duration) *fixture {
	t.Helper()
	log := logger.New("liveness-test", "dev")
	log.DisableConsoleOutput()
	tables := storage.NewTables(storage.NewMemStore())
	bus := events.NewPublisher(uuid.New(), "test-instance", log)
	engine := statemachine.NewEngine(tables, bus, log)
	return &fixture{
		tables:  tables,
		engine:  engine,
		monitor: New(tables, engine, queues.NewMemFactory(), bus, log, staleAfter),
		bus:     bus,
	}
}

func (f *fixture) addNode(t *testing.T, state models.NodeState, heartbeat time.Time) *models.Node {
	t.Helper()
	node := &models.Node{
		PoolName:  "pool-1",
		MachineID: uuid.New(),
		State:     state,
		Version:   "1.0.0",
	}
	if !heartbeat.IsZero() {
		hb := heartbeat
		node.Heartbeat = &hb
	}
	_, err := f.tables.Nodes.Insert(context.Background(), node)
	require.NoError(t, err)
	return node
}

func (f *fixture) addAssignedTask(t *testing.T, node *models.Node, state models.TaskState, debug []models.TaskDebugFlag) *models.Task {
	t.Helper()
	task := &models.Task{
		JobID:  uuid.New(),
		TaskID: uuid.New(),
		State:  state,
		OS:     models.OSLinux,
		Config: models.TaskConfig{
			Task:  models.TaskDetails{Type: models.TaskTypeLibfuzzerFuzz, Duration: 1},
			Pool:  &models.TaskPool{PoolName: node.PoolName, Count: 1},
			Debug: debug,
		},
	}
	task.Config.JobID = task.JobID
	_, err := f.tables.Tasks.Insert(context.Background(), task)
	require.NoError(t, err)
	_, err = f.tables.NodeTasks.Insert(context.Background(), &models.NodeTask{
		MachineID: node.MachineID,
		TaskID:    task.TaskID,
		State:     models.NodeTaskRunning,
	})
	require.NoError(t, err)
	return task
}

func (f *fixture) nodeState(t *testing.T, node *models.Node) models.NodeState {
	t.Helper()
	stored, err := f.tables.Nodes.Get(context.Background(), node.PoolName, node.MachineID.String())
	require.NoError(t, err)
	return stored.Entity.State
}

func TestIngestUpdatesHeartbeatWithoutStateChange(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	node := f.addNode(t, models.NodeBusy, time.Time{})
	sub := f.bus.Subscribe("test", 4)

	ts := time.Now().UTC()
	require.NoError(t, f.monitor.Ingest(ctx, models.HeartbeatEntry{
		MachineID: node.MachineID,
		PoolName:  node.PoolName,
		Timestamp: ts,
	}))

	stored, err := f.tables.Nodes.Get(ctx, node.PoolName, node.MachineID.String())
	require.NoError(t, err)
	require.NotNil(t, stored.Entity.Heartbeat)
	assert.Equal(t, ts, *stored.Entity.Heartbeat)
	assert.Equal(t, models.NodeBusy, stored.Entity.State)

	msg := <-sub
	assert.Equal(t, models.EventTypeNodeHeartbeat, msg.EventType)
}

func TestIngestIsLastWriterWinsOnTimestamp(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	newer := time.Now().UTC()
	node := f.addNode(t, models.NodeBusy, newer)

	// An out-of-order older heartbeat must not rewind the timestamp.
	require.NoError(t, f.monitor.Ingest(ctx, models.HeartbeatEntry{
		MachineID: node.MachineID,
		PoolName:  node.PoolName,
		Timestamp: newer.Add(-time.Minute),
	}))

	stored, err := f.tables.Nodes.Get(ctx, node.PoolName, node.MachineID.String())
	require.NoError(t, err)
	assert.Equal(t, newer, *stored.Entity.Heartbeat)
}

func TestIngestUnknownNodeIsDropped(t *testing.T) {
	f := newFixture(t, time.Hour)
	assert.NoError(t, f.monitor.Ingest(context.Background(), models.HeartbeatEntry{
		MachineID: uuid.New(),
		PoolName:  "pool-1",
		Timestamp: time.Now(),
	}))
}

func TestSweepReclaimsStaleBusyNode(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	node := f.addNode(t, models.NodeBusy, time.Now().Add(-2*time.Hour))
	task := f.addAssignedTask(t, node, models.TaskRunning, nil)

	require.NoError(t, f.monitor.SweepOnce(ctx))

	assert.Equal(t, models.NodeDone, f.nodeState(t, node))

	stored, err := f.tables.Tasks.Get(ctx, task.JobID.String(), task.TaskID.String())
	require.NoError(t, err)
	assert.Equal(t, models.TaskWaiting, stored.Entity.State)

	assignments, err := f.tables.NodeTasks.QueryPartition(ctx, node.MachineID.String())
	require.NoError(t, err)
	assert.Empty(t, assignments)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	node := f.addNode(t, models.NodeBusy, time.Now().Add(-2*time.Hour))
	f.addAssignedTask(t, node, models.TaskRunning, nil)

	require.NoError(t, f.monitor.SweepOnce(ctx))
	first := f.nodeState(t, node)

	require.NoError(t, f.monitor.SweepOnce(ctx))
	assert.Equal(t, first, f.nodeState(t, node))
	assert.Equal(t, models.NodeDone, first)
}

func TestSweepLeavesFreshNodesAlone(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	node := f.addNode(t, models.NodeBusy, time.Now())
	require.NoError(t, f.monitor.SweepOnce(ctx))
	assert.Equal(t, models.NodeBusy, f.nodeState(t, node))
}

func TestKeepNodeOnFailureSuppressesReclaim(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	node := f.addNode(t, models.NodeBusy, time.Now().Add(-2*time.Hour))
	task := f.addAssignedTask(t, node, models.TaskRunning, []models.TaskDebugFlag{models.KeepNodeOnFailure})

	require.NoError(t, f.monitor.SweepOnce(ctx))

	assert.Equal(t, models.NodeBusy, f.nodeState(t, node))

	stored, err := f.tables.Tasks.Get(ctx, task.JobID.String(), task.TaskID.String())
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, stored.Entity.State)

	assignments, err := f.tables.NodeTasks.QueryPartition(ctx, node.MachineID.String())
	require.NoError(t, err)
	assert.Len(t, assignments, 1, "assignments stay for post-mortem inspection")
}

func TestDebugKeepNodeSuppressesReclaim(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	node := f.addNode(t, models.NodeBusy, time.Now().Add(-2*time.Hour))
	stored, err := f.tables.Nodes.Get(ctx, node.PoolName, node.MachineID.String())
	require.NoError(t, err)
	stored.Entity.DebugKeepNode = true
	_, err = f.tables.Nodes.Replace(ctx, stored.Entity, stored.Version)
	require.NoError(t, err)

	require.NoError(t, f.monitor.SweepOnce(ctx))
	assert.Equal(t, models.NodeBusy, f.nodeState(t, node))
}

func TestLateHeartbeatDoesNotUndoReclaim(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	node := f.addNode(t, models.NodeBusy, time.Now().Add(-2*time.Hour))
	require.NoError(t, f.monitor.SweepOnce(ctx))
	require.Equal(t, models.NodeDone, f.nodeState(t, node))

	require.NoError(t, f.monitor.Ingest(ctx, models.HeartbeatEntry{
		MachineID: node.MachineID,
		PoolName:  node.PoolName,
		Timestamp: time.Now().UTC(),
	}))

	// The timestamp updates but the reclaim stands.
	assert.Equal(t, models.NodeDone, f.nodeState(t, node))
}

func TestStoppingTaskIsNotReleasedToWaiting(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	node := f.addNode(t, models.NodeBusy, time.Now().Add(-2*time.Hour))
	task := f.addAssignedTask(t, node, models.TaskStopping, nil)

	require.NoError(t, f.monitor.SweepOnce(ctx))

	stored, err := f.tables.Tasks.Get(ctx, task.JobID.String(), task.TaskID.String())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStopping, stored.Entity.State)
}
