package statemachine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzfleet/fuzzfleet/internal/events"
	"github.com/fuzzfleet/fuzzfleet/internal/storage"
	"github.com/fuzzfleet/fuzzfleet/pkg/logger"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

func newTestEngine(t *testing.T) (*Engine, *storage.Tables, *events.Publisher) {
	t.Helper()
	log := logger.New("statemachine-test", "dev")
	log.DisableConsoleOutput()
	tables := storage.NewTables(storage.NewMemStore())
	bus := events.NewPublisher(uuid.New(), "test-instance", log)
	return NewEngine(tables, bus, log), tables, bus
}

func newStoredTask(t *testing.T, tables *storage.Tables, state models.TaskState) *models.Task {
	t.Helper()
	task := &models.Task{
		JobID:  uuid.New(),
		TaskID: uuid.New(),
		State:  state,
		OS:     models.OSLinux,
		Config: models.TaskConfig{
			Task: models.TaskDetails{Type: models.TaskTypeLibfuzzerFuzz, Duration: 1},
			Pool: &models.TaskPool{PoolName: "pool-1", Count: 1},
		},
	}
	task.Config.JobID = task.JobID
	_, err := tables.Tasks.Insert(context.Background(), task)
	require.NoError(t, err)
	return task
}

func TestTransitionTaskRejectsIllegalEdgeWithoutWrite(t *testing.T) {
	engine, tables, _ := newTestEngine(t)
	ctx := context.Background()
	task := newStoredTask(t, tables, models.TaskInit)

	_, err := engine.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskRunning, nil)
	require.Error(t, err)

	var domainErr *models.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, models.CodeInvalidTransition, domainErr.Code)

	stored, err := tables.Tasks.Get(ctx, task.JobID.String(), task.TaskID.String())
	require.NoError(t, err)
	assert.Equal(t, models.TaskInit, stored.Entity.State)
	assert.Equal(t, int64(1), stored.Version, "rejected transition must not bump the version")
}

func TestTransitionTaskStampsEndTimeOnce(t *testing.T) {
	engine, tables, _ := newTestEngine(t)
	ctx := context.Background()
	task := newStoredTask(t, tables, models.TaskStopping)

	stopped, err := engine.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskStopped, nil)
	require.NoError(t, err)
	require.NotNil(t, stopped.EndTime)
	first := *stopped.EndTime

	// Same-state transition is a no-op and must not restamp.
	again, err := engine.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskStopped, nil)
	require.NoError(t, err)
	require.NotNil(t, again.EndTime)
	assert.Equal(t, first, *again.EndTime)

	stored, err := tables.Tasks.Get(ctx, task.JobID.String(), task.TaskID.String())
	require.NoError(t, err)
	assert.Equal(t, first, *stored.Entity.EndTime)
}

func TestTransitionTaskEmitsStateUpdatedAndTerminalEvents(t *testing.T) {
	engine, tables, bus := newTestEngine(t)
	ctx := context.Background()
	sub := bus.Subscribe("test", 16)
	task := newStoredTask(t, tables, models.TaskStopping)

	taskErr := models.NewError(models.CodeTaskFailed, "target crashed on startup")
	_, err := engine.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskStopped, func(tk *models.Task) {
		tk.Error = taskErr
	})
	require.NoError(t, err)

	first := <-sub
	assert.Equal(t, models.EventTypeTaskStateUpdated, first.EventType)

	second := <-sub
	require.Equal(t, models.EventTypeTaskFailed, second.EventType)
	failed, ok := second.Event.(models.EventTaskFailed)
	require.True(t, ok)
	assert.Equal(t, models.CodeTaskFailed, failed.Error.Code)
}

func TestTransitionTaskStoppedWithoutErrorEmitsTaskStopped(t *testing.T) {
	engine, tables, bus := newTestEngine(t)
	ctx := context.Background()
	sub := bus.Subscribe("test", 16)
	task := newStoredTask(t, tables, models.TaskStopping)

	_, err := engine.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskStopped, nil)
	require.NoError(t, err)

	<-sub // task_state_updated
	terminal := <-sub
	assert.Equal(t, models.EventTypeTaskStopped, terminal.EventType)
}

func TestTransitionJobStoppedCarriesTaskInfo(t *testing.T) {
	engine, tables, bus := newTestEngine(t)
	ctx := context.Background()
	sub := bus.Subscribe("test", 16)

	job := &models.Job{
		JobID: uuid.New(),
		State: models.JobStopping,
		Config: models.JobConfig{
			Project: "demo", Name: "fuzz", Build: "1", Duration: 24,
		},
	}
	_, err := tables.Jobs.Insert(ctx, job)
	require.NoError(t, err)

	taskID := uuid.New()
	stopped, err := engine.TransitionJob(ctx, job.JobID, models.JobStopped, func(j *models.Job) {
		j.TaskInfo = []models.JobTaskStopped{{TaskID: taskID, TaskType: models.TaskTypeLibfuzzerFuzz}}
	})
	require.NoError(t, err)
	require.NotNil(t, stopped.EndTime)

	msg := <-sub
	require.Equal(t, models.EventTypeJobStopped, msg.EventType)
	payload, ok := msg.Event.(models.EventJobStopped)
	require.True(t, ok)
	require.Len(t, payload.TaskInfo, 1)
	assert.Equal(t, taskID, payload.TaskInfo[0].TaskID)
}

func TestTransitionNodeLostRaceSurfacesVersionMismatch(t *testing.T) {
	engine, tables, _ := newTestEngine(t)
	ctx := context.Background()

	node := &models.Node{
		PoolName:  "pool-1",
		MachineID: uuid.New(),
		State:     models.NodeFree,
		Version:   "1.0.0",
	}
	_, err := tables.Nodes.Insert(ctx, node)
	require.NoError(t, err)

	// A competing writer bumps the version between read and commit by
	// committing its own transition first.
	_, err = engine.TransitionNode(ctx, node.PoolName, node.MachineID, models.NodeSettingUp, nil)
	require.NoError(t, err)

	stale := *node
	_, err = tables.Nodes.Replace(ctx, &stale, 1)
	assert.ErrorIs(t, err, storage.ErrVersionMismatch)
}

func TestWithRetryRetriesVersionMismatch(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return storage.ErrVersionMismatch
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithRetryGivesUpAfterCap(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return storage.ErrVersionMismatch
	})
	assert.ErrorIs(t, err, storage.ErrVersionMismatch)
	assert.Equal(t, MaxTransitionRetries, calls)
}

func TestWithRetryStopsOnOtherErrors(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return storage.ErrNotFound
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 1, calls)
}
