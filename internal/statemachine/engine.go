package statemachine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fuzzfleet/fuzzfleet/internal/events"
	"github.com/fuzzfleet/fuzzfleet/internal/storage"
	"github.com/fuzzfleet/fuzzfleet/pkg/logger"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// MaxTransitionRetries bounds how many times a caller-driven transition is
// retried after losing a version race.
const MaxTransitionRetries = 3

// Engine commits state transitions. Each call performs exactly one durable
// write: read the entity, validate the proposed edge against the entity's
// graph, stamp terminal bookkeeping, compare-and-swap, then publish the
// derived events. Publishing happens after the commit and never rolls it
// back.
type Engine struct {
	tables *storage.Tables
	bus    *events.Publisher
	logger *logger.Logger
}

func NewEngine(tables *storage.Tables, bus *events.Publisher, log *logger.Logger) *Engine {
	return &Engine{tables: tables, bus: bus, logger: log}
}

// WithRetry runs fn, retrying while it loses version races, up to
// MaxTransitionRetries attempts. Any other error stops the loop.
func WithRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < MaxTransitionRetries; attempt++ {
		if err = fn(); !errors.Is(err, storage.ErrVersionMismatch) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

// TransitionJob moves a job to the proposed state. mutate, if non-nil, is
// applied to the fresh entity before commit so evidence (error text, task
// outcomes) lands in the same write.
func (e *Engine) TransitionJob(ctx context.Context, jobID uuid.UUID, to models.JobState, mutate func(*models.Job)) (*models.Job, error) {
	v, err := e.tables.Jobs.Get(ctx, jobID.String(), jobID.String())
	if err != nil {
		return nil, err
	}
	job := v.Entity
	if job.State == to {
		return job, nil
	}
	if err := JobGraph.Validate(job.State, to); err != nil {
		return nil, err
	}
	job.State = to
	if mutate != nil {
		mutate(job)
	}
	if JobGraph.IsTerminal(to) && job.EndTime == nil {
		now := time.Now().UTC()
		job.EndTime = &now
	}
	if _, err := e.tables.Jobs.Replace(ctx, job, v.Version); err != nil {
		return nil, err
	}
	e.logger.Infof("job %s -> %s", job.JobID, to)
	if to == models.JobStopped {
		e.bus.Publish(ctx, models.EventJobStopped{
			JobID:    job.JobID,
			Config:   job.Config,
			UserInfo: job.UserInfo,
			TaskInfo: job.TaskInfo,
		})
	}
	return job, nil
}

// TransitionTask moves a task to the proposed state. end_time is stamped
// exactly once, on the transition into stopped.
func (e *Engine) TransitionTask(ctx context.Context, jobID, taskID uuid.UUID, to models.TaskState, mutate func(*models.Task)) (*models.Task, error) {
	v, err := e.tables.Tasks.Get(ctx, jobID.String(), taskID.String())
	if err != nil {
		return nil, err
	}
	task := v.Entity
	if task.State == to {
		return task, nil
	}
	if err := TaskGraph.Validate(task.State, to); err != nil {
		return nil, err
	}
	task.State = to
	if mutate != nil {
		mutate(task)
	}
	if TaskGraph.IsTerminal(to) && task.EndTime == nil {
		now := time.Now().UTC()
		task.EndTime = &now
	}
	if _, err := e.tables.Tasks.Replace(ctx, task, v.Version); err != nil {
		return nil, err
	}
	e.logger.Infof("task %s -> %s", task.TaskID, to)
	e.bus.Publish(ctx, models.EventTaskStateUpdated{
		JobID:   task.JobID,
		TaskID:  task.TaskID,
		State:   task.State,
		EndTime: task.EndTime,
		Config:  task.Config,
	})
	if to == models.TaskStopped {
		if task.Error != nil {
			e.bus.Publish(ctx, models.EventTaskFailed{
				JobID:    task.JobID,
				TaskID:   task.TaskID,
				Error:    *task.Error,
				UserInfo: task.UserInfo,
				Config:   task.Config,
			})
		} else {
			e.bus.Publish(ctx, models.EventTaskStopped{
				JobID:    task.JobID,
				TaskID:   task.TaskID,
				UserInfo: task.UserInfo,
				Config:   task.Config,
			})
		}
	}
	return task, nil
}

// TransitionNode moves a node to the proposed state.
func (e *Engine) TransitionNode(ctx context.Context, poolName string, machineID uuid.UUID, to models.NodeState, mutate func(*models.Node)) (*models.Node, error) {
	v, err := e.tables.Nodes.Get(ctx, poolName, machineID.String())
	if err != nil {
		return nil, err
	}
	node := v.Entity
	if node.State == to {
		return node, nil
	}
	if err := NodeGraph.Validate(node.State, to); err != nil {
		return nil, err
	}
	node.State = to
	if mutate != nil {
		mutate(node)
	}
	if _, err := e.tables.Nodes.Replace(ctx, node, v.Version); err != nil {
		return nil, err
	}
	e.logger.Infof("node %s -> %s", node.MachineID, to)
	e.bus.Publish(ctx, models.EventNodeStateUpdated{
		MachineID:  node.MachineID,
		ScalesetID: node.ScalesetID,
		PoolName:   node.PoolName,
		State:      node.State,
	})
	return node, nil
}

// TransitionNodeAt commits a node transition against a previously read
// snapshot instead of re-reading. The version check then doubles as a claim:
// when two scheduling passes race for the same node, exactly one commit
// succeeds and the loser sees ErrVersionMismatch.
func (e *Engine) TransitionNodeAt(ctx context.Context, snapshot *storage.Versioned[*models.Node], to models.NodeState) (*storage.Versioned[*models.Node], error) {
	if err := NodeGraph.Validate(snapshot.Entity.State, to); err != nil {
		return nil, err
	}
	node := *snapshot.Entity
	node.State = to
	committed, err := e.tables.Nodes.Replace(ctx, &node, snapshot.Version)
	if err != nil {
		return nil, err
	}
	e.logger.Infof("node %s -> %s", node.MachineID, to)
	e.bus.Publish(ctx, models.EventNodeStateUpdated{
		MachineID:  node.MachineID,
		ScalesetID: node.ScalesetID,
		PoolName:   node.PoolName,
		State:      node.State,
	})
	return committed, nil
}

// TransitionScaleset moves a scaleset to the proposed state. Entering
// creation_failed additionally emits scaleset_failed with the stored error.
func (e *Engine) TransitionScaleset(ctx context.Context, poolName string, scalesetID uuid.UUID, to models.ScalesetState, mutate func(*models.Scaleset)) (*models.Scaleset, error) {
	v, err := e.tables.Scalesets.Get(ctx, poolName, scalesetID.String())
	if err != nil {
		return nil, err
	}
	scaleset := v.Entity
	if scaleset.State == to {
		return scaleset, nil
	}
	if err := ScalesetGraph.Validate(scaleset.State, to); err != nil {
		return nil, err
	}
	scaleset.State = to
	if mutate != nil {
		mutate(scaleset)
	}
	if _, err := e.tables.Scalesets.Replace(ctx, scaleset, v.Version); err != nil {
		return nil, err
	}
	e.logger.Infof("scaleset %s -> %s", scaleset.ScalesetID, to)
	e.bus.Publish(ctx, models.EventScalesetStateUpdated{
		ScalesetID: scaleset.ScalesetID,
		PoolName:   scaleset.PoolName,
		State:      scaleset.State,
	})
	if to == models.ScalesetCreationFailed {
		failure := models.Error{Code: models.CodeVMCreateFailed, Errors: []string{"scaleset creation failed"}}
		if scaleset.Error != nil {
			failure = *scaleset.Error
		}
		e.bus.Publish(ctx, models.EventScalesetFailed{
			ScalesetID: scaleset.ScalesetID,
			PoolName:   scaleset.PoolName,
			Error:      failure,
		})
	}
	return scaleset, nil
}

// TransitionPool moves a pool to the proposed state. The event enum carries
// no pool state-update type; pool_created and pool_deleted are emitted by
// the create and delete paths.
func (e *Engine) TransitionPool(ctx context.Context, name string, to models.PoolState, mutate func(*models.Pool)) (*models.Pool, error) {
	v, err := e.tables.Pools.Get(ctx, name, name)
	if err != nil {
		return nil, err
	}
	pool := v.Entity
	if pool.State == to {
		return pool, nil
	}
	if err := PoolGraph.Validate(pool.State, to); err != nil {
		return nil, err
	}
	pool.State = to
	if mutate != nil {
		mutate(pool)
	}
	if _, err := e.tables.Pools.Replace(ctx, pool, v.Version); err != nil {
		return nil, err
	}
	e.logger.Infof("pool %s -> %s", pool.Name, to)
	return pool, nil
}

// TransitionProxy moves a proxy to the proposed state. Setup-failure
// terminals additionally emit proxy_failed.
func (e *Engine) TransitionProxy(ctx context.Context, region string, proxyID uuid.UUID, to models.ProxyState, mutate func(*models.Proxy)) (*models.Proxy, error) {
	v, err := e.tables.Proxies.Get(ctx, region, proxyID.String())
	if err != nil {
		return nil, err
	}
	proxy := v.Entity
	if proxy.State == to {
		return proxy, nil
	}
	if err := ProxyGraph.Validate(proxy.State, to); err != nil {
		return nil, err
	}
	proxy.State = to
	if mutate != nil {
		mutate(proxy)
	}
	if _, err := e.tables.Proxies.Replace(ctx, proxy, v.Version); err != nil {
		return nil, err
	}
	e.logger.Infof("proxy %s -> %s", proxy.ProxyID, to)
	e.bus.Publish(ctx, models.EventProxyStateUpdated{
		Region:  proxy.Region,
		ProxyID: proxy.ProxyID,
		State:   proxy.State,
	})
	if to == models.ProxyExtensionsFailed || to == models.ProxyVMAllocationFailed {
		failure := models.Error{Code: models.CodeVMCreateFailed, Errors: []string{"proxy setup failed"}}
		if proxy.Error != nil {
			failure = *proxy.Error
		}
		e.bus.Publish(ctx, models.EventProxyFailed{
			Region:  proxy.Region,
			ProxyID: &proxy.ProxyID,
			Error:   failure,
		})
	}
	return proxy, nil
}
