// Package scheduler matches waiting tasks to free nodes. Each pass buckets
// schedulable tasks, chunks buckets into worksets, reserves the required
// node count all-or-nothing, and commits the assignments. Losing a node race
// to a concurrent pass releases every hold the pass took and defers the
// workset to the next tick.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fuzzfleet/fuzzfleet/internal/queues"
	"github.com/fuzzfleet/fuzzfleet/internal/statemachine"
	"github.com/fuzzfleet/fuzzfleet/internal/storage"
	"github.com/fuzzfleet/fuzzfleet/pkg/logger"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// MaxTasksPerNode caps how many colocated tasks share one workset.
const MaxTasksPerNode = 10

type Scheduler struct {
	tables *storage.Tables
	engine *statemachine.Engine
	queues queues.Factory
	logger *logger.Logger
}

func New(tables *storage.Tables, engine *statemachine.Engine, factory queues.Factory, log *logger.Logger) *Scheduler {
	return &Scheduler{tables: tables, engine: engine, queues: factory, logger: log}
}

// bucketKey groups tasks that can share a workset. Non-colocated tasks get a
// unique component so they never share.
type bucketKey struct {
	OS             models.OS
	JobID          uuid.UUID
	PoolName       string
	SetupContainer string
	Reboot         bool
	Count          int
	Unique         uuid.UUID
}

type bucket struct {
	key   bucketKey
	tasks []*storage.Versioned[*models.Task]
}

// ScheduleOnce runs one full scheduling pass: prerequisite gating, then
// bucketed assignment of waiting tasks.
func (s *Scheduler) ScheduleOnce(ctx context.Context) error {
	if err := s.gatePrereqs(ctx); err != nil {
		return err
	}
	return s.assign(ctx)
}

// Run ticks ScheduleOnce until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ScheduleOnce(ctx); err != nil {
				s.logger.Errorf("scheduling pass: %v", err)
			}
		}
	}
}

type prereqStatus int

const (
	prereqMet prereqStatus = iota
	prereqUnmet
	prereqFailed
)

// checkPrereqs reports whether every prerequisite of the task has stopped
// cleanly. A prerequisite that stopped with an error, or no longer exists,
// fails the dependent task.
func (s *Scheduler) checkPrereqs(ctx context.Context, task *models.Task) (prereqStatus, error) {
	for _, prereqID := range task.Config.PrereqTasks {
		stored, err := s.tables.Tasks.Get(ctx, task.JobID.String(), prereqID.String())
		if errors.Is(err, storage.ErrNotFound) {
			return prereqFailed, nil
		}
		if err != nil {
			return prereqUnmet, err
		}
		prereq := stored.Entity
		if prereq.Failed() {
			return prereqFailed, nil
		}
		if prereq.State != models.TaskStopped {
			return prereqUnmet, nil
		}
	}
	return prereqMet, nil
}

// gatePrereqs moves tasks between waiting and wait_job as their
// prerequisites progress, and fails tasks whose prerequisites failed.
func (s *Scheduler) gatePrereqs(ctx context.Context) error {
	all, err := s.tables.Tasks.Scan(ctx)
	if err != nil {
		return err
	}
	for _, v := range all {
		task := v.Entity
		if len(task.Config.PrereqTasks) == 0 {
			continue
		}
		if task.State != models.TaskWaiting && task.State != models.TaskWaitJob {
			continue
		}

		status, err := s.checkPrereqs(ctx, task)
		if err != nil {
			return err
		}
		switch {
		case status == prereqFailed:
			err = statemachine.WithRetry(ctx, func() error {
				_, err := s.engine.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskStopping, func(t *models.Task) {
					t.Error = models.NewError(models.CodeTaskFailed, "prerequisite task failed")
				})
				return err
			})
		case status == prereqUnmet && task.State == models.TaskWaiting:
			err = statemachine.WithRetry(ctx, func() error {
				_, err := s.engine.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskWaitJob, nil)
				return err
			})
		case status == prereqMet && task.State == models.TaskWaitJob:
			err = statemachine.WithRetry(ctx, func() error {
				_, err := s.engine.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskWaiting, nil)
				return err
			})
		}
		if err != nil {
			s.logger.Errorf("prerequisite gate for task %s: %v", task.TaskID, err)
		}
	}
	return nil
}

// assign buckets the schedulable tasks and commits worksets.
func (s *Scheduler) assign(ctx context.Context) error {
	tasks, err := s.schedulableTasks(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	for _, b := range bucketTasks(tasks) {
		if err := s.scheduleBucket(ctx, b); err != nil {
			s.logger.Errorf("bucket for pool %s job %s: %v", b.key.PoolName, b.key.JobID, err)
		}
	}
	return nil
}

// schedulableTasks returns the pool-targeted waiting tasks whose
// prerequisites are met, in deterministic order: job creation order first,
// then task id.
func (s *Scheduler) schedulableTasks(ctx context.Context) ([]*storage.Versioned[*models.Task], error) {
	all, err := s.tables.Tasks.Scan(ctx)
	if err != nil {
		return nil, err
	}

	jobCreated := make(map[uuid.UUID]time.Time)
	jobs, err := s.tables.Jobs.Scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		jobCreated[j.Entity.JobID] = j.Entity.CreatedAt
	}

	var result []*storage.Versioned[*models.Task]
	for _, v := range all {
		task := v.Entity
		if task.State != models.TaskWaiting || task.Config.Pool == nil {
			continue
		}
		if len(task.Config.PrereqTasks) > 0 {
			status, err := s.checkPrereqs(ctx, task)
			if err != nil {
				return nil, err
			}
			if status != prereqMet {
				continue
			}
		}
		result = append(result, v)
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Entity, result[j].Entity
		ca, cb := jobCreated[a.JobID], jobCreated[b.JobID]
		if !ca.Equal(cb) {
			return ca.Before(cb)
		}
		if a.JobID != b.JobID {
			return a.JobID.String() < b.JobID.String()
		}
		return a.TaskID.String() < b.TaskID.String()
	})
	return result, nil
}

// bucketTasks groups tasks by their workset compatibility key, preserving
// the deterministic input order both across and within buckets.
func bucketTasks(tasks []*storage.Versioned[*models.Task]) []*bucket {
	index := make(map[bucketKey]*bucket)
	var ordered []*bucket
	for _, v := range tasks {
		task := v.Entity
		key := bucketKey{
			OS:             task.OS,
			JobID:          task.JobID,
			PoolName:       task.Config.Pool.PoolName,
			SetupContainer: setupContainer(task.Config),
			Reboot:         task.Config.Task.RebootAfterSetup,
			Count:          task.Config.Pool.Count,
		}
		if !task.Config.Colocate {
			key.Unique = task.TaskID
		}
		b, ok := index[key]
		if !ok {
			b = &bucket{key: key}
			index[key] = b
			ordered = append(ordered, b)
		}
		b.tasks = append(b.tasks, v)
	}
	return ordered
}

func setupContainer(cfg models.TaskConfig) string {
	for _, c := range cfg.Containers {
		if c.Type == models.ContainerSetup {
			return c.Name
		}
	}
	return ""
}

func (s *Scheduler) scheduleBucket(ctx context.Context, b *bucket) error {
	pool, err := s.pool(ctx, b.key.PoolName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warnf("tasks target missing pool %s", b.key.PoolName)
			return nil
		}
		return err
	}
	if !pool.Available() || pool.OS != b.key.OS {
		return nil
	}

	count := b.key.Count
	if count < 1 {
		count = 1
	}

	for start := 0; start < len(b.tasks); start += MaxTasksPerNode {
		end := start + MaxTasksPerNode
		if end > len(b.tasks) {
			end = len(b.tasks)
		}
		if err := s.scheduleWorkset(ctx, pool, b.key, b.tasks[start:end], count); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) pool(ctx context.Context, name string) (*models.Pool, error) {
	stored, err := s.tables.Pools.Get(ctx, name, name)
	if err != nil {
		return nil, err
	}
	return stored.Entity, nil
}

// scheduleWorkset reserves count nodes, commits the task assignments, and
// delivers the workset once per reserved node. Reservation is all-or-
// nothing: if fewer than count nodes can be claimed, every hold is released
// and the workset waits for the next pass.
func (s *Scheduler) scheduleWorkset(ctx context.Context, pool *models.Pool, key bucketKey, tasks []*storage.Versioned[*models.Task], count int) error {
	reserved, err := s.reserveNodes(ctx, pool.Name, count, key.Reboot)
	if err != nil {
		return err
	}
	if len(reserved) < count {
		s.releaseNodes(ctx, reserved)
		s.logger.Debugf("pool %s: %d of %d nodes available for job %s, deferring (%s)",
			pool.Name, len(reserved), count, key.JobID,
			models.NewError(models.CodeSchedulingUnsatisfiable, "not enough free nodes"))
		return nil
	}

	var scheduled []*models.Task
	for _, v := range tasks {
		task := v.Entity
		err := statemachine.WithRetry(ctx, func() error {
			_, err := s.engine.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskScheduled, nil)
			return err
		})
		if err != nil {
			s.logger.Warnf("task %s could not be scheduled: %v", task.TaskID, err)
			continue
		}
		scheduled = append(scheduled, task)
	}
	if len(scheduled) == 0 {
		s.releaseNodes(ctx, reserved)
		return nil
	}

	workset, err := buildWorkset(key, scheduled)
	if err != nil {
		return err
	}
	queue := s.queues.Queue(queues.PoolQueue(pool.Name))
	for _, node := range reserved {
		for _, task := range scheduled {
			nodeTask := &models.NodeTask{
				MachineID: node.Entity.MachineID,
				TaskID:    task.TaskID,
				State:     models.NodeTaskScheduled,
			}
			if _, err := s.tables.NodeTasks.Upsert(ctx, nodeTask); err != nil {
				return fmt.Errorf("record assignment %s/%s: %w", node.Entity.MachineID, task.TaskID, err)
			}
		}
		if err := queues.PushJSON(ctx, queue, workset); err != nil {
			return fmt.Errorf("deliver workset to pool %s: %w", pool.Name, err)
		}
	}
	s.logger.Infof("scheduled %d task(s) on %d node(s) in pool %s", len(scheduled), len(reserved), pool.Name)
	return nil
}

// reserveNodes claims up to count free nodes via version compare-and-swap.
// Nodes marked for reimage or deletion are not eligible. A reboot workset
// marks each claimed node so the agent reboots it after setup.
func (s *Scheduler) reserveNodes(ctx context.Context, poolName string, count int, reboot bool) ([]*storage.Versioned[*models.Node], error) {
	nodes, err := s.tables.Nodes.QueryPartition(ctx, poolName)
	if err != nil {
		return nil, err
	}

	var reserved []*storage.Versioned[*models.Node]
	for _, v := range nodes {
		if len(reserved) == count {
			break
		}
		node := v.Entity
		if node.State != models.NodeFree || node.ReimageRequested || node.DeleteRequested {
			continue
		}
		claimed, err := s.engine.TransitionNodeAt(ctx, v, models.NodeSettingUp)
		if errors.Is(err, storage.ErrVersionMismatch) {
			// A concurrent pass got there first.
			continue
		}
		if err != nil {
			return reserved, err
		}
		if reboot {
			marked := *claimed.Entity
			marked.RebootRequested = true
			claimed, err = s.tables.Nodes.Replace(ctx, &marked, claimed.Version)
			if err != nil {
				return reserved, err
			}
		}
		reserved = append(reserved, claimed)
	}
	return reserved, nil
}

// releaseNodes returns claimed nodes to free after a failed reservation,
// dropping any reboot mark the claim set.
func (s *Scheduler) releaseNodes(ctx context.Context, reserved []*storage.Versioned[*models.Node]) {
	for _, v := range reserved {
		v.Entity.RebootRequested = false
		if _, err := s.engine.TransitionNodeAt(ctx, v, models.NodeFree); err != nil {
			s.logger.Errorf("release node %s: %v", v.Entity.MachineID, err)
		}
	}
}

func buildWorkset(key bucketKey, tasks []*models.Task) (*models.WorkSet, error) {
	units := make([]models.WorkUnit, 0, len(tasks))
	for _, task := range tasks {
		config, err := json.Marshal(task.Config)
		if err != nil {
			return nil, fmt.Errorf("encode config for task %s: %w", task.TaskID, err)
		}
		units = append(units, models.WorkUnit{
			JobID:    task.JobID,
			TaskID:   task.TaskID,
			TaskType: task.Config.Task.Type,
			Config:   string(config),
		})
	}
	return &models.WorkSet{
		Reboot:    key.Reboot,
		SetupURL:  key.SetupContainer,
		Script:    key.OS == models.OSWindows,
		WorkUnits: units,
	}, nil
}
