package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fuzzfleet/fuzzfleet/internal/statemachine"
	"github.com/fuzzfleet/fuzzfleet/internal/storage"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// CreateJob validates and persists a new job in init state. The update sweep
// promotes it to enabled.
func (e *Engine) CreateJob(ctx context.Context, cfg models.JobConfig, userInfo *models.UserInfo) (*models.Job, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	if cfg.Project == "" || cfg.Name == "" || cfg.Build == "" {
		return nil, models.NewError(models.CodeInvalidRequest, "job config requires project, name and build")
	}
	if cfg.Duration <= 0 {
		return nil, models.NewError(models.CodeInvalidRequest, "job duration must be positive")
	}

	job := &models.Job{
		JobID:     uuid.New(),
		State:     models.JobInit,
		Config:    cfg,
		UserInfo:  userInfo,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := e.tables.Jobs.Insert(ctx, job); err != nil {
		return nil, err
	}
	atomic.AddInt64(&e.metrics.jobsCreated, 1)
	e.bus.Publish(ctx, models.EventJobCreated{
		JobID:    job.JobID,
		Config:   job.Config,
		UserInfo: job.UserInfo,
	})
	return job, nil
}

func (e *Engine) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	v, err := e.tables.Jobs.Get(ctx, jobID.String(), jobID.String())
	if err != nil {
		return nil, err
	}
	return v.Entity, nil
}

func (e *Engine) ListJobs(ctx context.Context) ([]*models.Job, error) {
	rows, err := e.tables.Jobs.Scan(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]*models.Job, 0, len(rows))
	for _, v := range rows {
		jobs = append(jobs, v.Entity)
	}
	return jobs, nil
}

// StopJob requests a job stop. The job moves to stopping immediately; the
// update sweep stops its tasks and completes the join once they are all
// terminal.
func (e *Engine) StopJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	var job *models.Job
	err := statemachine.WithRetry(ctx, func() error {
		current, err := e.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if current.State == models.JobStopped || current.State == models.JobStopping {
			job = current
			return nil
		}
		job, err = e.machines.TransitionJob(ctx, jobID, models.JobStopping, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// taskByID resolves a task without knowing its owning job.
func (e *Engine) taskByID(ctx context.Context, taskID uuid.UUID) (*storage.Versioned[*models.Task], error) {
	return e.tables.Tasks.FindOne(ctx, func(t *models.Task) bool {
		return t.TaskID == taskID
	})
}
