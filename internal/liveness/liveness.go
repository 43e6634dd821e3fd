// Package liveness ingests heartbeat signals and reclaims compute that has
// silently vanished. Heartbeats only prove liveness; they never drive a
// state transition. The staleness sweep is the sole mechanism for detecting
// dead ephemeral nodes and is safe to re-run: a node already set aside for
// reclaim is left alone, and a late heartbeat never undoes a committed
// reclaim.
package liveness

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fuzzfleet/fuzzfleet/internal/events"
	"github.com/fuzzfleet/fuzzfleet/internal/queues"
	"github.com/fuzzfleet/fuzzfleet/internal/statemachine"
	"github.com/fuzzfleet/fuzzfleet/internal/storage"
	"github.com/fuzzfleet/fuzzfleet/pkg/logger"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// DefaultStaleAfter is the heartbeat staleness threshold before a node is
// considered vanished.
const DefaultStaleAfter = time.Hour

type Monitor struct {
	tables     *storage.Tables
	engine     *statemachine.Engine
	queue      queues.Queue
	bus        *events.Publisher
	logger     *logger.Logger
	staleAfter time.Duration
}

func New(tables *storage.Tables, engine *statemachine.Engine, factory queues.Factory, bus *events.Publisher, log *logger.Logger, staleAfter time.Duration) *Monitor {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Monitor{
		tables:     tables,
		engine:     engine,
		queue:      factory.Queue(queues.HeartbeatQueue),
		bus:        bus,
		logger:     log,
		staleAfter: staleAfter,
	}
}

// IngestOnce consumes one heartbeat from the queue. Returns queues.ErrEmpty
// when the queue is drained.
func (m *Monitor) IngestOnce(ctx context.Context) error {
	var entry models.HeartbeatEntry
	if err := queues.PopJSON(ctx, m.queue, &entry); err != nil {
		return err
	}
	return m.Ingest(ctx, entry)
}

// Ingest records the heartbeat. Only the heartbeat timestamp is written,
// last-writer-wins; entity state is untouched.
func (m *Monitor) Ingest(ctx context.Context, entry models.HeartbeatEntry) error {
	if entry.TaskID != nil {
		return m.ingestTask(ctx, entry)
	}
	return m.ingestNode(ctx, entry)
}

func (m *Monitor) ingestNode(ctx context.Context, entry models.HeartbeatEntry) error {
	err := statemachine.WithRetry(ctx, func() error {
		stored, err := m.tables.Nodes.Get(ctx, entry.PoolName, entry.MachineID.String())
		if err != nil {
			return err
		}
		node := stored.Entity
		if node.Heartbeat != nil && node.Heartbeat.After(entry.Timestamp) {
			return nil
		}
		ts := entry.Timestamp
		node.Heartbeat = &ts
		_, err = m.tables.Nodes.Replace(ctx, node, stored.Version)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		m.logger.Warnf("heartbeat from unknown node %s in pool %s", entry.MachineID, entry.PoolName)
		return nil
	}
	if err != nil {
		return err
	}
	m.bus.Publish(ctx, models.EventNodeHeartbeat{
		MachineID:  entry.MachineID,
		ScalesetID: entry.ScalesetID,
		PoolName:   entry.PoolName,
	})
	return nil
}

func (m *Monitor) ingestTask(ctx context.Context, entry models.HeartbeatEntry) error {
	stored, err := m.tables.Tasks.FindOne(ctx, func(t *models.Task) bool {
		return t.TaskID == *entry.TaskID
	})
	if errors.Is(err, storage.ErrNotFound) {
		m.logger.Warnf("heartbeat for unknown task %s from node %s", entry.TaskID, entry.MachineID)
		return nil
	}
	if err != nil {
		return err
	}
	task := stored.Entity
	if task.Heartbeat == nil || !task.Heartbeat.After(entry.Timestamp) {
		ts := entry.Timestamp
		task.Heartbeat = &ts
		if _, err := m.tables.Tasks.Replace(ctx, task, stored.Version); err != nil && !errors.Is(err, storage.ErrVersionMismatch) {
			return err
		}
	}
	m.bus.Publish(ctx, models.EventTaskHeartbeat{
		JobID:  task.JobID,
		TaskID: task.TaskID,
		Config: task.Config,
	})
	return nil
}

// RunIngest drains the heartbeat queue until ctx is canceled.
func (m *Monitor) RunIngest(ctx context.Context, pollInterval time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := m.IngestOnce(ctx)
		switch {
		case err == nil:
			continue
		case errors.Is(err, queues.ErrEmpty):
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
		default:
			m.logger.Errorf("heartbeat ingest: %v", err)
		}
	}
}

// SweepOnce scans for nodes whose heartbeat is stale and reclaims them.
// Re-running the sweep on an already-reclaimed node is a no-op.
func (m *Monitor) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-m.staleAfter)
	nodes, err := m.tables.Nodes.Scan(ctx)
	if err != nil {
		return err
	}
	for _, v := range nodes {
		node := v.Entity
		if node.State.ReadyForReset() {
			continue
		}
		if node.Heartbeat != nil && node.Heartbeat.After(cutoff) {
			continue
		}
		if node.Heartbeat == nil {
			// Never heartbeated; leave grace until it registers liveness.
			continue
		}
		if err := m.ReclaimNode(ctx, node); err != nil {
			m.logger.Errorf("reclaim node %s: %v", node.MachineID, err)
		}
	}
	return nil
}

// RunSweep ticks SweepOnce until ctx is canceled.
func (m *Monitor) RunSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.SweepOnce(ctx); err != nil {
				m.logger.Errorf("liveness sweep: %v", err)
			}
		}
	}
}

// ReclaimNode forces an unresponsive node to done and releases its task
// assignments back to waiting. Reclaim is suppressed entirely when the node
// or one of its tasks asks to be kept for post-mortem inspection.
func (m *Monitor) ReclaimNode(ctx context.Context, node *models.Node) error {
	if node.DebugKeepNode {
		return nil
	}
	assignments, err := m.tables.NodeTasks.QueryPartition(ctx, node.MachineID.String())
	if err != nil {
		return err
	}
	for _, v := range assignments {
		task, err := m.taskByID(ctx, v.Entity.TaskID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if task.Config.HasDebugFlag(models.KeepNodeOnFailure) || task.Config.HasDebugFlag(models.KeepNodeOnCompletion) {
			m.logger.Infof("node %s kept for inspection of task %s", node.MachineID, task.TaskID)
			return nil
		}
	}

	m.logger.Warnf("node %s unresponsive, reclaiming (%s)", node.MachineID,
		models.NewError(models.CodeNodeUnresponsive, "heartbeat stale"))

	err = statemachine.WithRetry(ctx, func() error {
		_, err := m.engine.TransitionNode(ctx, node.PoolName, node.MachineID, models.NodeDone, nil)
		return err
	})
	if err != nil {
		return err
	}

	for _, v := range assignments {
		task, err := m.taskByID(ctx, v.Entity.TaskID)
		if err == nil && !task.State.IsTerminal() && task.State != models.TaskStopping {
			err = statemachine.WithRetry(ctx, func() error {
				_, err := m.engine.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskWaiting, nil)
				return err
			})
			if err != nil {
				m.logger.Errorf("release task %s from node %s: %v", task.TaskID, node.MachineID, err)
			}
		}
		if err := m.tables.NodeTasks.Delete(ctx, v.Entity); err != nil {
			m.logger.Errorf("delete assignment %s/%s: %v", v.Entity.MachineID, v.Entity.TaskID, err)
		}
	}
	return nil
}

func (m *Monitor) taskByID(ctx context.Context, taskID uuid.UUID) (*models.Task, error) {
	stored, err := m.tables.Tasks.FindOne(ctx, func(t *models.Task) bool {
		return t.TaskID == taskID
	})
	if err != nil {
		return nil, err
	}
	return stored.Entity, nil
}
