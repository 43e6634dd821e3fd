package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fuzzfleet/fuzzfleet/internal/statemachine"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// CreateTask validates and persists a new task in init state under an
// available job. Prerequisite tasks must belong to the same job.
func (e *Engine) CreateTask(ctx context.Context, cfg models.TaskConfig, os models.OS, userInfo *models.UserInfo) (*models.Task, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	job, err := e.GetJob(ctx, cfg.JobID)
	if err != nil {
		return nil, models.NewError(models.CodeInvalidJob, "job not found: "+cfg.JobID.String())
	}
	if !jobAvailable(job.State) {
		return nil, models.NewError(models.CodeUnableToAddTaskToJob,
			"job is not accepting tasks in state "+string(job.State))
	}
	if err := e.validateTaskConfig(ctx, cfg); err != nil {
		return nil, err
	}

	task := &models.Task{
		JobID:     cfg.JobID,
		TaskID:    uuid.New(),
		State:     models.TaskInit,
		OS:        os,
		Config:    cfg,
		UserInfo:  userInfo,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := e.tables.Tasks.Insert(ctx, task); err != nil {
		return nil, err
	}
	atomic.AddInt64(&e.metrics.tasksCreated, 1)
	e.bus.Publish(ctx, models.EventTaskCreated{
		JobID:    task.JobID,
		TaskID:   task.TaskID,
		Config:   task.Config,
		UserInfo: task.UserInfo,
	})
	return task, nil
}

func jobAvailable(state models.JobState) bool {
	for _, s := range models.JobStatesAvailable() {
		if state == s {
			return true
		}
	}
	return false
}

func (e *Engine) validateTaskConfig(ctx context.Context, cfg models.TaskConfig) error {
	if cfg.Pool == nil && cfg.VM == nil {
		return models.NewError(models.CodeInvalidRequest, "task requires a pool or vm target")
	}
	if cfg.Task.Duration <= 0 {
		return models.NewError(models.CodeInvalidRequest, "task duration must be positive")
	}
	if cfg.Pool != nil {
		if cfg.Pool.Count <= 0 {
			return models.NewError(models.CodeInvalidRequest, "pool count must be positive")
		}
		if _, err := e.tables.Pools.Get(ctx, cfg.Pool.PoolName, cfg.Pool.PoolName); err != nil {
			return models.NewError(models.CodeUnableToFind, "pool not found: "+cfg.Pool.PoolName)
		}
	}
	for _, prereq := range cfg.PrereqTasks {
		v, err := e.tables.Tasks.Get(ctx, cfg.JobID.String(), prereq.String())
		if err != nil {
			return models.NewError(models.CodeInvalidRequest,
				"prerequisite task not found in job: "+prereq.String())
		}
		if v.Entity.Failed() {
			return models.NewError(models.CodeTaskFailed,
				"prerequisite task already failed: "+prereq.String())
		}
	}
	return nil
}

func (e *Engine) GetTask(ctx context.Context, taskID uuid.UUID) (*models.Task, error) {
	v, err := e.taskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return v.Entity, nil
}

func (e *Engine) ListTasks(ctx context.Context, jobID uuid.UUID) ([]*models.Task, error) {
	rows, err := e.tables.Tasks.QueryPartition(ctx, jobID.String())
	if err != nil {
		return nil, err
	}
	tasks := make([]*models.Task, 0, len(rows))
	for _, v := range rows {
		tasks = append(tasks, v.Entity)
	}
	return tasks, nil
}

// StopTask requests a task stop. Terminal and already-stopping tasks are
// left untouched.
func (e *Engine) StopTask(ctx context.Context, taskID uuid.UUID) (*models.Task, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	var task *models.Task
	err := statemachine.WithRetry(ctx, func() error {
		v, err := e.taskByID(ctx, taskID)
		if err != nil {
			return err
		}
		current := v.Entity
		if current.State.IsTerminal() || current.State == models.TaskStopping {
			task = current
			return nil
		}
		task, err = e.machines.TransitionTask(ctx, current.JobID, current.TaskID, models.TaskStopping, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}
