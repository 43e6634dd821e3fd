package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/fuzzfleet/fuzzfleet/internal/queues"
	"github.com/fuzzfleet/fuzzfleet/internal/statemachine"
	"github.com/fuzzfleet/fuzzfleet/internal/storage"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// Agent-facing operations. Agents register their node, poll the command
// mailbox, enqueue heartbeats, and report node and worker lifecycle events.
// Reports against a node already set aside for reclaim are ignored; the
// agent learns its fate from the can_schedule check and the mailbox.

// RegisterNode creates (or recreates) the node row for an agent that just
// came up. A node re-registering after reimage starts over as a fresh row.
func (e *Engine) RegisterNode(ctx context.Context, poolName string, machineID uuid.UUID, scalesetID *uuid.UUID, version string) (*models.Node, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	if _, err := e.tables.Pools.Get(ctx, poolName, poolName); err != nil {
		return nil, models.NewError(models.CodeUnableToFind, "pool not found: "+poolName)
	}

	if existing, err := e.tables.Nodes.Get(ctx, poolName, machineID.String()); err == nil {
		if err := e.tables.Nodes.Delete(ctx, existing.Entity); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	node := &models.Node{
		PoolName:   poolName,
		MachineID:  machineID,
		ScalesetID: scalesetID,
		State:      models.NodeInit,
		Version:    version,
	}
	if _, err := e.tables.Nodes.Insert(ctx, node); err != nil {
		return nil, err
	}
	e.bus.Publish(ctx, models.EventNodeCreated{
		MachineID:  node.MachineID,
		ScalesetID: node.ScalesetID,
		PoolName:   node.PoolName,
	})

	err := statemachine.WithRetry(ctx, func() error {
		var terr error
		node, terr = e.machines.TransitionNode(ctx, poolName, machineID, models.NodeFree, nil)
		return terr
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// EnqueueHeartbeat accepts a liveness signal from an agent. The signal is
// queued; the liveness monitor ingests it asynchronously.
func (e *Engine) EnqueueHeartbeat(ctx context.Context, entry models.HeartbeatEntry) error {
	return queues.PushJSON(ctx, e.factory.Queue(queues.HeartbeatQueue), entry)
}

// AgentNodeEvent applies a node state reported by its agent. Reports against
// a node already marked for reset are dropped.
func (e *Engine) AgentNodeEvent(ctx context.Context, machineID uuid.UUID, state models.NodeState) (*models.Node, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	v, err := e.nodeByMachineID(ctx, machineID)
	if err != nil {
		return nil, err
	}
	node := v.Entity
	if node.State.ReadyForReset() {
		e.logger.Debugf("ignoring state report %s from node %s awaiting reset", state, machineID)
		return node, nil
	}

	var mutate func(*models.Node)
	if state == models.NodeRebooting {
		// The agent is honoring the reboot mark; clear it so the node is not
		// rebooted again after it comes back.
		mutate = func(n *models.Node) { n.RebootRequested = false }
	}
	err = statemachine.WithRetry(ctx, func() error {
		var terr error
		node, terr = e.machines.TransitionNode(ctx, node.PoolName, machineID, state, mutate)
		return terr
	})
	if err != nil {
		return nil, err
	}

	if state == models.NodeSettingUp {
		if err := e.markAssignmentsSettingUp(ctx, machineID); err != nil {
			e.logger.Errorf("mark tasks setting up for node %s: %v", machineID, err)
		}
	}
	return node, nil
}

func (e *Engine) markAssignmentsSettingUp(ctx context.Context, machineID uuid.UUID) error {
	assignments, err := e.tables.NodeTasks.QueryPartition(ctx, machineID.String())
	if err != nil {
		return err
	}
	for _, v := range assignments {
		task, err := e.taskByID(ctx, v.Entity.TaskID)
		if err != nil {
			continue
		}
		if task.Entity.State == models.TaskScheduled {
			err = statemachine.WithRetry(ctx, func() error {
				_, terr := e.machines.TransitionTask(ctx, task.Entity.JobID, task.Entity.TaskID, models.TaskSettingUp, nil)
				return terr
			})
			if err != nil {
				e.logger.Errorf("task %s setting up: %v", task.Entity.TaskID, err)
			}
		}
		v.Entity.State = models.NodeTaskSettingUp
		if _, err := e.tables.NodeTasks.Replace(ctx, v.Entity, v.Version); err != nil && !errors.Is(err, storage.ErrVersionMismatch) {
			e.logger.Errorf("assignment %s/%s: %v", machineID, v.Entity.TaskID, err)
		}
	}
	return nil
}

// WorkerRunning records that a worker started executing a task on a node.
func (e *Engine) WorkerRunning(ctx context.Context, machineID, taskID uuid.UUID) error {
	e.TrackOperation()
	defer e.UntrackOperation()

	nv, err := e.nodeByMachineID(ctx, machineID)
	if err != nil {
		return err
	}
	if nv.Entity.State.ReadyForReset() {
		return nil
	}

	tv, err := e.taskByID(ctx, taskID)
	if err != nil {
		return err
	}
	task := tv.Entity
	if task.State == models.TaskScheduled {
		// Agent skipped the setup report; catch the task up.
		if _, err := e.machines.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskSettingUp, nil); err != nil {
			return err
		}
	}
	err = statemachine.WithRetry(ctx, func() error {
		_, terr := e.machines.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskRunning, nil)
		return terr
	})
	if err != nil {
		return err
	}

	if _, err := e.tables.NodeTasks.Upsert(ctx, &models.NodeTask{
		MachineID: machineID,
		TaskID:    taskID,
		State:     models.NodeTaskRunning,
	}); err != nil {
		return err
	}

	if nv.Entity.State != models.NodeBusy {
		return statemachine.WithRetry(ctx, func() error {
			_, terr := e.machines.TransitionNode(ctx, nv.Entity.PoolName, machineID, models.NodeBusy, nil)
			return terr
		})
	}
	return nil
}

// WorkerDone records a worker exit. A failed exit stops the task with the
// worker's error output; a clean exit begins a clean stop. Once the node's
// last assignment drains, the node is released for its next workset or set
// aside for reclaim if it was marked.
func (e *Engine) WorkerDone(ctx context.Context, machineID, taskID uuid.UUID, success bool, output string) error {
	e.TrackOperation()
	defer e.UntrackOperation()

	tv, err := e.taskByID(ctx, taskID)
	if err != nil {
		return err
	}
	task := tv.Entity
	if !task.State.IsTerminal() && task.State != models.TaskStopping {
		err = statemachine.WithRetry(ctx, func() error {
			_, terr := e.machines.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskStopping, func(t *models.Task) {
				if !success && t.Error == nil {
					t.Error = models.NewError(models.CodeTaskFailed, "worker exited with failure", output)
				}
			})
			return terr
		})
		if err != nil {
			return err
		}
	}

	if err := e.tables.NodeTasks.Delete(ctx, &models.NodeTask{MachineID: machineID, TaskID: taskID}); err != nil {
		return err
	}

	remaining, err := e.tables.NodeTasks.QueryPartition(ctx, machineID.String())
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}

	nv, err := e.nodeByMachineID(ctx, machineID)
	if err != nil {
		return err
	}
	node := nv.Entity
	if node.State.ReadyForReset() {
		return nil
	}
	next := models.NodeReady
	if node.ReimageRequested || node.DeleteRequested {
		next = models.NodeDone
	}
	return statemachine.WithRetry(ctx, func() error {
		_, terr := e.machines.TransitionNode(ctx, node.PoolName, machineID, next, nil)
		return terr
	})
}

// CanSchedule reports whether a node may still start work on a task. Agents
// check this before launching each workset to avoid racing a stop.
func (e *Engine) CanSchedule(ctx context.Context, machineID, taskID uuid.UUID) (bool, error) {
	nv, err := e.nodeByMachineID(ctx, machineID)
	if err != nil {
		return false, err
	}
	node := nv.Entity
	if node.State.ReadyForReset() || node.ReimageRequested || node.DeleteRequested {
		return false, nil
	}
	if node.ScalesetID != nil {
		claimed, err := e.claimShrinkEntry(ctx, *node.ScalesetID)
		if err != nil {
			return false, err
		}
		if claimed {
			// The scaleset is shrinking; this node retires instead of
			// starting the workset.
			node.DeleteRequested = true
			if _, err := e.tables.Nodes.Replace(ctx, node, nv.Version); err != nil && !errors.Is(err, storage.ErrVersionMismatch) {
				return false, err
			}
			return false, nil
		}
	}
	tv, err := e.taskByID(ctx, taskID)
	if err != nil {
		return false, err
	}
	task := tv.Entity
	return !task.State.IsTerminal() && task.State != models.TaskStopping, nil
}

// claimShrinkEntry pops one entry from the scaleset's shrink queue, if any.
func (e *Engine) claimShrinkEntry(ctx context.Context, scalesetID uuid.UUID) (bool, error) {
	_, err := e.factory.Queue(queues.ShrinkQueue(scalesetID.String())).Pop(ctx)
	if errors.Is(err, queues.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// NodeCommands returns the pending mailbox for a node.
func (e *Engine) NodeCommands(ctx context.Context, machineID uuid.UUID) ([]*models.NodeMessage, error) {
	rows, err := e.tables.NodeMessages.QueryPartition(ctx, machineID.String())
	if err != nil {
		return nil, err
	}
	msgs := make([]*models.NodeMessage, 0, len(rows))
	for _, v := range rows {
		msgs = append(msgs, v.Entity)
	}
	return msgs, nil
}

// ClaimNodeCommand acknowledges a processed command, removing it from the
// mailbox.
func (e *Engine) ClaimNodeCommand(ctx context.Context, machineID uuid.UUID, messageID string) error {
	return e.tables.NodeMessages.Delete(ctx, &models.NodeMessage{
		MachineID: machineID,
		MessageID: messageID,
	})
}
