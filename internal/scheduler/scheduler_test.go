package scheduler

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
	tables    *storage.Tables
	engine    *statemachine.Engine
	queues    *queues.MemFactory
	scheduler *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.New("scheduler-test", "dev")
	log.DisableConsoleOutput()
	tables := storage.NewTables(storage.NewMemStore())
	bus := events.NewPublisher(uuid.New(), "test-instance", log)
	engine := statemachine.NewEngine(tables, bus, log)
	factory := queues.NewMemFactory()
	return &fixture{
		tables:    tables,
		engine:    engine,
		queues:    factory,
		scheduler: New(tables, engine, factory, log),
	}
}

func (f *fixture) addPool(t *testing.T, name string) *models.Pool {
	t.Helper()
	pool := &models.Pool{
		Name:    name,
		PoolID:  uuid.New(),
		State:   models.PoolRunning,
		OS:      models.OSLinux,
		Arch:    models.ArchX86_64,
		Managed: true,
	}
	_, err := f.tables.Pools.Insert(context.Background(), pool)
	require.NoError(t, err)
	return pool
}

func (f *fixture) addFreeNode(t *testing.T, poolName string) *models.Node {
	t.Helper()
	node := &models.Node{
		PoolName:  poolName,
		MachineID: uuid.New(),
		State:     models.NodeFree,
		Version:   "1.0.0",
	}
	_, err := f.tables.Nodes.Insert(context.Background(), node)
	require.NoError(t, err)
	return node
}

func (f *fixture) addJob(t *testing.T, createdAt time.Time) *models.Job {
	t.Helper()
	job := &models.Job{
		JobID:     uuid.New(),
		State:     models.JobEnabled,
		Config:    models.JobConfig{Project: "p", Name: "n", Build: "1", Duration: 24},
		CreatedAt: createdAt,
	}
	_, err := f.tables.Jobs.Insert(context.Background(), job)
	require.NoError(t, err)
	return job
}

type taskOpts struct {
	state    models.TaskState
	poolName string
	count    int
	colocate bool
	reboot   bool
	prereqs  []uuid.UUID
}

func (f *fixture) addTask(t *testing.T, jobID uuid.UUID, opts taskOpts) *models.Task {
	t.Helper()
	if opts.state == "" {
		opts.state = models.TaskWaiting
	}
	if opts.count == 0 {
		opts.count = 1
	}
	task := &models.Task{
		JobID:  jobID,
		TaskID: uuid.New(),
		State:  opts.state,
		OS:     models.OSLinux,
		Config: models.TaskConfig{
			JobID:       jobID,
			PrereqTasks: opts.prereqs,
			Task:        models.TaskDetails{Type: models.TaskTypeLibfuzzerFuzz, Duration: 1, RebootAfterSetup: opts.reboot},
			Colocate:    opts.colocate,
		},
		CreatedAt: time.Now().UTC(),
	}
	if opts.poolName != "" {
		task.Config.Pool = &models.TaskPool{PoolName: opts.poolName, Count: opts.count}
	}
	_, err := f.tables.Tasks.Insert(context.Background(), task)
	require.NoError(t, err)
	return task
}

func (f *fixture) taskState(t *testing.T, task *models.Task) models.TaskState {
	t.Helper()
	stored, err := f.tables.Tasks.Get(context.Background(), task.JobID.String(), task.TaskID.String())
	require.NoError(t, err)
	return stored.Entity.State
}

func (f *fixture) nodeState(t *testing.T, node *models.Node) models.NodeState {
	t.Helper()
	stored, err := f.tables.Nodes.Get(context.Background(), node.PoolName, node.MachineID.String())
	require.NoError(t, err)
	return stored.Entity.State
}

func TestSinglePassAssignsTaskToFreeNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addPool(t, "pool-1")
	node := f.addFreeNode(t, "pool-1")
	job := f.addJob(t, time.Now())
	task := f.addTask(t, job.JobID, taskOpts{poolName: "pool-1"})

	require.NoError(t, f.scheduler.ScheduleOnce(ctx))

	assert.Equal(t, models.TaskScheduled, f.taskState(t, task))
	assert.Equal(t, models.NodeSettingUp, f.nodeState(t, node))

	assignments, err := f.tables.NodeTasks.QueryPartition(ctx, node.MachineID.String())
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, task.TaskID, assignments[0].Entity.TaskID)
	assert.Equal(t, models.NodeTaskScheduled, assignments[0].Entity.State)

	var workset models.WorkSet
	require.NoError(t, queues.PopJSON(ctx, f.queues.Queue(queues.PoolQueue("pool-1")), &workset))
	require.Len(t, workset.WorkUnits, 1)
	assert.Equal(t, task.TaskID, workset.WorkUnits[0].TaskID)
}

func TestPrerequisiteGating(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addPool(t, "pool-1")
	job := f.addJob(t, time.Now())
	prereq := f.addTask(t, job.JobID, taskOpts{state: models.TaskRunning, poolName: "pool-1"})
	dependent := f.addTask(t, job.JobID, taskOpts{poolName: "pool-1", prereqs: []uuid.UUID{prereq.TaskID}})

	// Prerequisite still running: the dependent task is held in wait_job.
	require.NoError(t, f.scheduler.ScheduleOnce(ctx))
	assert.Equal(t, models.TaskWaitJob, f.taskState(t, dependent))

	// Prerequisite stops cleanly: the dependent task returns to waiting.
	_, err := f.engine.TransitionTask(ctx, prereq.JobID, prereq.TaskID, models.TaskStopping, nil)
	require.NoError(t, err)
	_, err = f.engine.TransitionTask(ctx, prereq.JobID, prereq.TaskID, models.TaskStopped, nil)
	require.NoError(t, err)

	require.NoError(t, f.scheduler.ScheduleOnce(ctx))
	state := f.taskState(t, dependent)
	assert.NotEqual(t, models.TaskWaitJob, state)
}

func TestFailedPrerequisiteFailsDependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addPool(t, "pool-1")
	job := f.addJob(t, time.Now())
	prereq := f.addTask(t, job.JobID, taskOpts{state: models.TaskRunning, poolName: "pool-1"})
	dependent := f.addTask(t, job.JobID, taskOpts{poolName: "pool-1", prereqs: []uuid.UUID{prereq.TaskID}})

	_, err := f.engine.TransitionTask(ctx, prereq.JobID, prereq.TaskID, models.TaskStopping, nil)
	require.NoError(t, err)
	_, err = f.engine.TransitionTask(ctx, prereq.JobID, prereq.TaskID, models.TaskStopped, func(tk *models.Task) {
		tk.Error = models.NewError(models.CodeTaskFailed, "crashed")
	})
	require.NoError(t, err)

	require.NoError(t, f.scheduler.ScheduleOnce(ctx))

	stored, err := f.tables.Tasks.Get(ctx, dependent.JobID.String(), dependent.TaskID.String())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStopping, stored.Entity.State)
	require.NotNil(t, stored.Entity.Error)
	assert.Equal(t, models.CodeTaskFailed, stored.Entity.Error.Code)
}

func TestMultiNodeReservationIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addPool(t, "pool-1")
	node := f.addFreeNode(t, "pool-1")
	job := f.addJob(t, time.Now())
	task := f.addTask(t, job.JobID, taskOpts{poolName: "pool-1", count: 2})

	require.NoError(t, f.scheduler.ScheduleOnce(ctx))

	// Not enough nodes: nothing commits and the partial hold is released.
	assert.Equal(t, models.TaskWaiting, f.taskState(t, task))
	assert.Equal(t, models.NodeFree, f.nodeState(t, node))

	second := f.addFreeNode(t, "pool-1")
	require.NoError(t, f.scheduler.ScheduleOnce(ctx))

	assert.Equal(t, models.TaskScheduled, f.taskState(t, task))
	assert.Equal(t, models.NodeSettingUp, f.nodeState(t, node))
	assert.Equal(t, models.NodeSettingUp, f.nodeState(t, second))

	// One workset per reserved node.
	queue := f.queues.Queue(queues.PoolQueue("pool-1"))
	n, err := queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestJobCreationOrderBreaksTies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addPool(t, "pool-1")
	f.addFreeNode(t, "pool-1")

	older := f.addJob(t, time.Now().Add(-time.Hour))
	newer := f.addJob(t, time.Now())
	newerTask := f.addTask(t, newer.JobID, taskOpts{poolName: "pool-1"})
	olderTask := f.addTask(t, older.JobID, taskOpts{poolName: "pool-1"})

	require.NoError(t, f.scheduler.ScheduleOnce(ctx))

	assert.Equal(t, models.TaskScheduled, f.taskState(t, olderTask))
	assert.Equal(t, models.TaskWaiting, f.taskState(t, newerTask))
}

func TestColocatedTasksShareOneNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addPool(t, "pool-1")
	node := f.addFreeNode(t, "pool-1")
	job := f.addJob(t, time.Now())
	first := f.addTask(t, job.JobID, taskOpts{poolName: "pool-1", colocate: true})
	second := f.addTask(t, job.JobID, taskOpts{poolName: "pool-1", colocate: true})

	require.NoError(t, f.scheduler.ScheduleOnce(ctx))

	assert.Equal(t, models.TaskScheduled, f.taskState(t, first))
	assert.Equal(t, models.TaskScheduled, f.taskState(t, second))

	assignments, err := f.tables.NodeTasks.QueryPartition(ctx, node.MachineID.String())
	require.NoError(t, err)
	assert.Len(t, assignments, 2)

	var workset models.WorkSet
	require.NoError(t, queues.PopJSON(ctx, f.queues.Queue(queues.PoolQueue("pool-1")), &workset))
	assert.Len(t, workset.WorkUnits, 2)
}

func TestLostNodeRaceDefers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addPool(t, "pool-1")
	node := f.addFreeNode(t, "pool-1")
	job := f.addJob(t, time.Now())
	task := f.addTask(t, job.JobID, taskOpts{poolName: "pool-1"})

	// A competing pass claims the node between this pass's snapshot and its
	// commit attempt.
	snapshot, err := f.tables.Nodes.Get(ctx, node.PoolName, node.MachineID.String())
	require.NoError(t, err)
	_, err = f.engine.TransitionNodeAt(ctx, snapshot, models.NodeSettingUp)
	require.NoError(t, err)

	// The stale snapshot loses its claim.
	_, err = f.engine.TransitionNodeAt(ctx, snapshot, models.NodeSettingUp)
	assert.ErrorIs(t, err, storage.ErrVersionMismatch)

	// The next pass sees no free node and defers without error.
	require.NoError(t, f.scheduler.ScheduleOnce(ctx))
	assert.Equal(t, models.TaskWaiting, f.taskState(t, task))
}

func TestStoppedPoolReceivesNoWork(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pool := f.addPool(t, "pool-1")
	f.addFreeNode(t, "pool-1")
	job := f.addJob(t, time.Now())
	task := f.addTask(t, job.JobID, taskOpts{poolName: "pool-1"})

	_, err := f.engine.TransitionPool(ctx, pool.Name, models.PoolShutdown, nil)
	require.NoError(t, err)

	require.NoError(t, f.scheduler.ScheduleOnce(ctx))
	assert.Equal(t, models.TaskWaiting, f.taskState(t, task))
}

func TestRebootAfterSetupMarksReservedNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addPool(t, "pool-1")
	node := f.addFreeNode(t, "pool-1")
	job := f.addJob(t, time.Now())
	task := f.addTask(t, job.JobID, taskOpts{poolName: "pool-1", reboot: true})

	require.NoError(t, f.scheduler.ScheduleOnce(ctx))
	assert.Equal(t, models.TaskScheduled, f.taskState(t, task))

	stored, err := f.tables.Nodes.Get(ctx, node.PoolName, node.MachineID.String())
	require.NoError(t, err)
	assert.Equal(t, models.NodeSettingUp, stored.Entity.State)
	assert.True(t, stored.Entity.RebootRequested)

	var workset models.WorkSet
	require.NoError(t, queues.PopJSON(ctx, f.queues.Queue(queues.PoolQueue("pool-1")), &workset))
	assert.True(t, workset.Reboot)
}

func TestFailedReservationClearsRebootMark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addPool(t, "pool-1")
	node := f.addFreeNode(t, "pool-1")
	job := f.addJob(t, time.Now())
	task := f.addTask(t, job.JobID, taskOpts{poolName: "pool-1", count: 2, reboot: true})

	// Only one of the two required nodes exists; the hold is released and
	// the released node carries no reboot mark.
	require.NoError(t, f.scheduler.ScheduleOnce(ctx))
	assert.Equal(t, models.TaskWaiting, f.taskState(t, task))

	stored, err := f.tables.Nodes.Get(ctx, node.PoolName, node.MachineID.String())
	require.NoError(t, err)
	assert.Equal(t, models.NodeFree, stored.Entity.State)
	assert.False(t, stored.Entity.RebootRequested)
}

func TestNodesMarkedForReclaimAreNotEligible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addPool(t, "pool-1")
	node := f.addFreeNode(t, "pool-1")
	stored, err := f.tables.Nodes.Get(ctx, node.PoolName, node.MachineID.String())
	require.NoError(t, err)
	stored.Entity.DeleteRequested = true
	_, err = f.tables.Nodes.Replace(ctx, stored.Entity, stored.Version)
	require.NoError(t, err)

	job := f.addJob(t, time.Now())
	task := f.addTask(t, job.JobID, taskOpts{poolName: "pool-1"})

	require.NoError(t, f.scheduler.ScheduleOnce(ctx))
	assert.Equal(t, models.TaskWaiting, f.taskState(t, task))
}
