package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fuzzfleet/fuzzfleet/internal/queues"
	"github.com/fuzzfleet/fuzzfleet/internal/statemachine"
	"github.com/fuzzfleet/fuzzfleet/internal/storage"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// Proxy setup that has not reported in gets abandoned; running proxies with
// a silent heartbeat get torn down.
const (
	proxySetupTimeout   = 20 * time.Minute
	proxyHeartbeatStale = 10 * time.Minute
)

// ProcessUpdatesOnce drives every entity in a needs-work state one step
// forward. Each pass is idempotent; a crash between steps is repaired by the
// next pass.
func (e *Engine) ProcessUpdatesOnce(ctx context.Context) error {
	atomic.AddInt64(&e.metrics.updateSweeps, 1)
	now := time.Now().UTC()
	steps := []func(context.Context, time.Time) error{
		e.processJobs,
		e.processTasks,
		e.processScalesets,
		e.processNodes,
		e.processPools,
		e.processProxies,
	}
	for _, step := range steps {
		if err := step(ctx, now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) processJobs(ctx context.Context, now time.Time) error {
	rows, err := e.tables.Jobs.Scan(ctx)
	if err != nil {
		return err
	}
	for _, v := range rows {
		job := v.Entity
		var perr error
		switch job.State {
		case models.JobInit:
			perr = statemachine.WithRetry(ctx, func() error {
				_, terr := e.machines.TransitionJob(ctx, job.JobID, models.JobEnabled, nil)
				return terr
			})
		case models.JobEnabled:
			if expired(job.CreatedAt, job.Config.Duration, now) {
				e.logger.Infof("job %s exceeded its duration, stopping", job.JobID)
				perr = statemachine.WithRetry(ctx, func() error {
					_, terr := e.machines.TransitionJob(ctx, job.JobID, models.JobStopping, nil)
					return terr
				})
			}
		case models.JobStopping:
			perr = e.finishJobStop(ctx, job)
		default:
			continue
		}
		if perr != nil {
			e.logger.Errorf("process job %s: %v", job.JobID, perr)
		}
	}
	return nil
}

// finishJobStop pushes every task of a stopping job toward stopped, then
// completes the join: the job reaches stopped only once all of its tasks are
// terminal, with their outcomes folded into the job record.
func (e *Engine) finishJobStop(ctx context.Context, job *models.Job) error {
	rows, err := e.tables.Tasks.QueryPartition(ctx, job.JobID.String())
	if err != nil {
		return err
	}

	pending := false
	for _, v := range rows {
		task := v.Entity
		if task.State.IsTerminal() {
			continue
		}
		pending = true
		if task.State == models.TaskStopping {
			continue
		}
		neverStarted := !taskHasStarted(task.State)
		err := statemachine.WithRetry(ctx, func() error {
			_, terr := e.machines.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskStopping, func(t *models.Task) {
				if neverStarted && t.Error == nil {
					t.Error = models.NewError(models.CodeTaskFailed, "task never started: job stopped")
				}
			})
			return terr
		})
		if err != nil {
			e.logger.Errorf("stop task %s for job %s: %v", task.TaskID, job.JobID, err)
		}
	}
	if pending {
		return nil
	}

	info := make([]models.JobTaskStopped, 0, len(rows))
	for _, v := range rows {
		info = append(info, models.JobTaskStopped{
			TaskID:   v.Entity.TaskID,
			TaskType: v.Entity.Config.Task.Type,
			Error:    v.Entity.Error,
		})
	}
	return statemachine.WithRetry(ctx, func() error {
		_, terr := e.machines.TransitionJob(ctx, job.JobID, models.JobStopped, func(j *models.Job) {
			j.TaskInfo = info
		})
		return terr
	})
}

func taskHasStarted(state models.TaskState) bool {
	for _, s := range models.TaskStatesHasStarted() {
		if state == s {
			return true
		}
	}
	return false
}

func (e *Engine) processTasks(ctx context.Context, now time.Time) error {
	rows, err := e.tables.Tasks.Scan(ctx)
	if err != nil {
		return err
	}
	for _, v := range rows {
		task := v.Entity
		var perr error
		switch task.State {
		case models.TaskInit:
			perr = statemachine.WithRetry(ctx, func() error {
				_, terr := e.machines.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskWaiting, nil)
				return terr
			})
		case models.TaskStopping:
			perr = e.finishTaskStop(ctx, task)
		default:
			if task.State.IsTerminal() {
				continue
			}
			if expired(task.CreatedAt, task.Config.Task.Duration, now) {
				e.logger.Infof("task %s exceeded its duration, stopping", task.TaskID)
				perr = statemachine.WithRetry(ctx, func() error {
					_, terr := e.machines.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskStopping, nil)
					return terr
				})
			}
		}
		if perr != nil {
			e.logger.Errorf("process task %s: %v", task.TaskID, perr)
		}
	}
	return nil
}

// finishTaskStop tells every node still assigned to the task to drop it,
// removes the assignments, and commits the stop.
func (e *Engine) finishTaskStop(ctx context.Context, task *models.Task) error {
	assignments, err := e.tables.NodeTasks.Find(ctx, func(nt *models.NodeTask) bool {
		return nt.TaskID == task.TaskID
	})
	if err != nil {
		return err
	}
	for _, v := range assignments {
		taskID := task.TaskID
		e.sendNodeCommand(ctx, v.Entity.MachineID, "stop-task-"+taskID.String(), models.NodeCommand{
			StopTask: &taskID,
		})
		if err := e.tables.NodeTasks.Delete(ctx, v.Entity); err != nil {
			return err
		}
	}
	return statemachine.WithRetry(ctx, func() error {
		_, terr := e.machines.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskStopped, nil)
		return terr
	})
}

// expired reports whether an entity created at start has outlived its
// duration, given in hours.
func expired(start time.Time, durationHours int, now time.Time) bool {
	if durationHours <= 0 || start.IsZero() {
		return false
	}
	return now.After(start.Add(time.Duration(durationHours) * time.Hour))
}

func (e *Engine) processScalesets(ctx context.Context, now time.Time) error {
	rows, err := e.tables.Scalesets.Scan(ctx)
	if err != nil {
		return err
	}
	for _, v := range rows {
		scaleset := v.Entity
		var perr error
		switch scaleset.State {
		case models.ScalesetInit:
			perr = statemachine.WithRetry(ctx, func() error {
				_, terr := e.machines.TransitionScaleset(ctx, scaleset.PoolName, scaleset.ScalesetID, models.ScalesetSetup, nil)
				return terr
			})
		case models.ScalesetSetup:
			// Provisioning is agent-driven: nodes register themselves as the
			// VMs come up. The scaleset is considered live immediately.
			perr = statemachine.WithRetry(ctx, func() error {
				_, terr := e.machines.TransitionScaleset(ctx, scaleset.PoolName, scaleset.ScalesetID, models.ScalesetRunning, nil)
				return terr
			})
		case models.ScalesetResize:
			perr = e.reconcileResize(ctx, scaleset)
		case models.ScalesetShutdown, models.ScalesetHalt:
			perr = e.finishScalesetShutdown(ctx, scaleset)
		default:
			continue
		}
		if perr != nil {
			e.logger.Errorf("process scaleset %s: %v", scaleset.ScalesetID, perr)
		}
	}
	return nil
}

// reconcileResize shrinks an oversized scaleset: idle nodes are drained
// immediately, and busy nodes are covered by shrink-queue entries they claim
// before taking new work. The scaleset stays in resize until the node count
// fits. Growth happens as freshly provisioned nodes register.
func (e *Engine) reconcileResize(ctx context.Context, scaleset *models.Scaleset) error {
	nodes, err := e.scalesetNodes(ctx, scaleset)
	if err != nil {
		return err
	}
	marked := 0
	excess := len(nodes) - scaleset.Size
	for _, v := range nodes {
		node := v.Entity
		if node.State.ReadyForReset() || node.DeleteRequested {
			marked++
			continue
		}
		if excess <= marked || node.State != models.NodeFree {
			continue
		}
		err := statemachine.WithRetry(ctx, func() error {
			_, terr := e.machines.TransitionNode(ctx, node.PoolName, node.MachineID, models.NodeShutdown, func(n *models.Node) {
				n.DeleteRequested = true
			})
			return terr
		})
		if err != nil {
			e.logger.Errorf("drain node %s for resize: %v", node.MachineID, err)
			continue
		}
		marked++
	}

	shrink := e.factory.Queue(queues.ShrinkQueue(scaleset.ScalesetID.String()))
	if excess > marked {
		// Busy nodes make up the rest; they claim a shrink entry at their
		// next can_schedule check. Top up only to the outstanding count.
		pending, err := shrink.Len(ctx)
		if err != nil {
			return err
		}
		for i := pending; i < int64(excess-marked); i++ {
			if err := shrink.Push(ctx, []byte(scaleset.ScalesetID.String())); err != nil {
				return err
			}
		}
		return nil
	}

	// Target met. Clear leftover shrink entries so they cannot retire nodes
	// after the resize completes.
	for {
		if _, err := shrink.Pop(ctx); err != nil {
			if errors.Is(err, queues.ErrEmpty) {
				break
			}
			return err
		}
	}
	return statemachine.WithRetry(ctx, func() error {
		_, terr := e.machines.TransitionScaleset(ctx, scaleset.PoolName, scaleset.ScalesetID, models.ScalesetRunning, nil)
		return terr
	})
}

// finishScalesetShutdown drains (or on halt, forces out) the scaleset's
// nodes, then deletes the scaleset once none remain.
func (e *Engine) finishScalesetShutdown(ctx context.Context, scaleset *models.Scaleset) error {
	nodes, err := e.scalesetNodes(ctx, scaleset)
	if err != nil {
		return err
	}
	force := scaleset.State == models.ScalesetHalt
	remaining := 0
	for _, v := range nodes {
		node := v.Entity
		remaining++
		if node.State.ReadyForReset() {
			continue
		}
		if !force && node.State == models.NodeBusy {
			// Drain: busy nodes finish their current workset first.
			e.markNodeForDelete(ctx, node)
			continue
		}
		err := statemachine.WithRetry(ctx, func() error {
			_, terr := e.machines.TransitionNode(ctx, node.PoolName, node.MachineID, models.NodeShutdown, func(n *models.Node) {
				n.DeleteRequested = true
			})
			return terr
		})
		if err != nil {
			e.logger.Errorf("shut down node %s: %v", node.MachineID, err)
		}
	}
	if remaining > 0 {
		return nil
	}

	if err := e.tables.Scalesets.Delete(ctx, scaleset); err != nil {
		return err
	}
	e.bus.Publish(ctx, models.EventScalesetDeleted{
		ScalesetID: scaleset.ScalesetID,
		PoolName:   scaleset.PoolName,
	})
	return nil
}

func (e *Engine) scalesetNodes(ctx context.Context, scaleset *models.Scaleset) ([]*storage.Versioned[*models.Node], error) {
	return e.tables.Nodes.Find(ctx, func(n *models.Node) bool {
		return n.ScalesetID != nil && *n.ScalesetID == scaleset.ScalesetID
	})
}

func (e *Engine) markNodeForDelete(ctx context.Context, node *models.Node) {
	if node.DeleteRequested {
		return
	}
	err := statemachine.WithRetry(ctx, func() error {
		v, err := e.tables.Nodes.Get(ctx, node.PoolName, node.MachineID.String())
		if err != nil {
			return err
		}
		if v.Entity.DeleteRequested {
			return nil
		}
		v.Entity.DeleteRequested = true
		_, err = e.tables.Nodes.Replace(ctx, v.Entity, v.Version)
		return err
	})
	if err != nil {
		e.logger.Errorf("mark node %s for delete: %v", node.MachineID, err)
	}
}

// processNodes reclaims nodes in needs-work states: assignments are released
// back to waiting, the mailbox is cleared, and the row is removed. It also
// sets aside idle nodes that were marked for reimage or deletion.
func (e *Engine) processNodes(ctx context.Context, now time.Time) error {
	rows, err := e.tables.Nodes.Scan(ctx)
	if err != nil {
		return err
	}
	for _, v := range rows {
		node := v.Entity
		if node.State == models.NodeFree && (node.ReimageRequested || node.DeleteRequested) {
			err := statemachine.WithRetry(ctx, func() error {
				_, terr := e.machines.TransitionNode(ctx, node.PoolName, node.MachineID, models.NodeDone, nil)
				return terr
			})
			if err != nil {
				e.logger.Errorf("retire node %s: %v", node.MachineID, err)
			}
			continue
		}
		if !node.State.ReadyForReset() {
			continue
		}
		if err := e.deleteNode(ctx, node); err != nil {
			e.logger.Errorf("delete node %s: %v", node.MachineID, err)
		}
	}
	return nil
}

func (e *Engine) deleteNode(ctx context.Context, node *models.Node) error {
	if err := e.releaseNodeAssignments(ctx, node.MachineID); err != nil {
		return err
	}
	messages, err := e.tables.NodeMessages.QueryPartition(ctx, node.MachineID.String())
	if err != nil {
		return err
	}
	for _, m := range messages {
		if err := e.tables.NodeMessages.Delete(ctx, m.Entity); err != nil {
			return err
		}
	}
	if err := e.tables.Nodes.Delete(ctx, node); err != nil {
		return err
	}
	e.bus.Publish(ctx, models.EventNodeDeleted{
		MachineID:  node.MachineID,
		ScalesetID: node.ScalesetID,
		PoolName:   node.PoolName,
	})
	return nil
}

func (e *Engine) releaseNodeAssignments(ctx context.Context, machineID uuid.UUID) error {
	assignments, err := e.tables.NodeTasks.QueryPartition(ctx, machineID.String())
	if err != nil {
		return err
	}
	for _, v := range assignments {
		tv, err := e.taskByID(ctx, v.Entity.TaskID)
		if err == nil {
			task := tv.Entity
			if !task.State.IsTerminal() && task.State != models.TaskStopping {
				err = statemachine.WithRetry(ctx, func() error {
					_, terr := e.machines.TransitionTask(ctx, task.JobID, task.TaskID, models.TaskWaiting, nil)
					return terr
				})
				if err != nil {
					e.logger.Errorf("release task %s from node %s: %v", task.TaskID, machineID, err)
				}
			}
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := e.tables.NodeTasks.Delete(ctx, v.Entity); err != nil {
			return err
		}
	}
	return nil
}

// processPools propagates pool teardown to scalesets and nodes, deleting the
// pool once it is empty. Pool init is a single step to running.
func (e *Engine) processPools(ctx context.Context, now time.Time) error {
	rows, err := e.tables.Pools.Scan(ctx)
	if err != nil {
		return err
	}
	for _, v := range rows {
		pool := v.Entity
		var perr error
		switch pool.State {
		case models.PoolInit:
			perr = statemachine.WithRetry(ctx, func() error {
				_, terr := e.machines.TransitionPool(ctx, pool.Name, models.PoolRunning, nil)
				return terr
			})
		case models.PoolShutdown, models.PoolHalt:
			perr = e.finishPoolShutdown(ctx, pool)
		default:
			continue
		}
		if perr != nil {
			e.logger.Errorf("process pool %s: %v", pool.Name, perr)
		}
	}
	return nil
}

func (e *Engine) finishPoolShutdown(ctx context.Context, pool *models.Pool) error {
	target := models.ScalesetShutdown
	if pool.State == models.PoolHalt {
		target = models.ScalesetHalt
	}
	scalesets, err := e.tables.Scalesets.QueryPartition(ctx, pool.Name)
	if err != nil {
		return err
	}
	for _, v := range scalesets {
		if v.Entity.State == target || v.Entity.State.IsTerminal() {
			continue
		}
		err := statemachine.WithRetry(ctx, func() error {
			_, terr := e.machines.TransitionScaleset(ctx, pool.Name, v.Entity.ScalesetID, target, nil)
			return terr
		})
		if err != nil {
			e.logger.Errorf("shut down scaleset %s: %v", v.Entity.ScalesetID, err)
		}
	}

	nodes, err := e.tables.Nodes.QueryPartition(ctx, pool.Name)
	if err != nil {
		return err
	}
	for _, v := range nodes {
		node := v.Entity
		if node.Managed() || node.State.ReadyForReset() {
			continue
		}
		err := statemachine.WithRetry(ctx, func() error {
			_, terr := e.machines.TransitionNode(ctx, node.PoolName, node.MachineID, models.NodeShutdown, func(n *models.Node) {
				n.DeleteRequested = true
			})
			return terr
		})
		if err != nil {
			e.logger.Errorf("shut down node %s: %v", node.MachineID, err)
		}
	}

	if len(scalesets) > 0 || len(nodes) > 0 {
		return nil
	}
	if err := e.tables.Pools.Delete(ctx, pool); err != nil {
		return err
	}
	e.bus.Publish(ctx, models.EventPoolDeleted{PoolName: pool.Name})
	return nil
}

// processProxies drives proxy setup forward, abandons setups that never
// report in, tears down proxies whose heartbeat went silent or whose
// configured lifetime expired, and removes stopped rows.
func (e *Engine) processProxies(ctx context.Context, now time.Time) error {
	rows, err := e.tables.Proxies.Scan(ctx)
	if err != nil {
		return err
	}
	cfg, err := e.GetInstanceConfig(ctx)
	if err != nil {
		return err
	}
	for _, v := range rows {
		proxy := v.Entity
		var perr error
		switch proxy.State {
		case models.ProxyInit:
			perr = statemachine.WithRetry(ctx, func() error {
				_, terr := e.machines.TransitionProxy(ctx, proxy.Region, proxy.ProxyID, models.ProxyExtensionsLaunch, nil)
				return terr
			})
		case models.ProxyExtensionsLaunch:
			if now.After(proxy.CreatedAt.Add(proxySetupTimeout)) {
				perr = statemachine.WithRetry(ctx, func() error {
					_, terr := e.machines.TransitionProxy(ctx, proxy.Region, proxy.ProxyID, models.ProxyExtensionsFailed, func(p *models.Proxy) {
						p.Error = models.NewError(models.CodeVMCreateFailed, "proxy setup timed out")
					})
					return terr
				})
			}
		case models.ProxyRunning:
			stale := proxy.Heartbeat != nil && now.After(proxy.Heartbeat.Add(proxyHeartbeatStale))
			aged := cfg.ProxyExpiration > 0 && now.After(proxy.CreatedAt.Add(time.Duration(cfg.ProxyExpiration)*24*time.Hour))
			if stale || aged {
				perr = statemachine.WithRetry(ctx, func() error {
					_, terr := e.machines.TransitionProxy(ctx, proxy.Region, proxy.ProxyID, models.ProxyStopping, nil)
					return terr
				})
			}
		case models.ProxyStopping:
			perr = statemachine.WithRetry(ctx, func() error {
				_, terr := e.machines.TransitionProxy(ctx, proxy.Region, proxy.ProxyID, models.ProxyStopped, nil)
				return terr
			})
		case models.ProxyStopped:
			if perr = e.tables.Proxies.Delete(ctx, proxy); perr == nil {
				e.bus.Publish(ctx, models.EventProxyDeleted{
					Region:  proxy.Region,
					ProxyID: &proxy.ProxyID,
				})
			}
		default:
			continue
		}
		if perr != nil {
			e.logger.Errorf("process proxy %s: %v", proxy.ProxyID, perr)
		}
	}
	return nil
}
