package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/fuzzfleet/fuzzfleet/internal/statemachine"
	"github.com/fuzzfleet/fuzzfleet/internal/storage"
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// nodeByMachineID resolves a node without knowing its pool.
func (e *Engine) nodeByMachineID(ctx context.Context, machineID uuid.UUID) (*storage.Versioned[*models.Node], error) {
	return e.tables.Nodes.FindOne(ctx, func(n *models.Node) bool {
		return n.MachineID == machineID
	})
}

func (e *Engine) GetNode(ctx context.Context, machineID uuid.UUID) (*models.Node, error) {
	v, err := e.nodeByMachineID(ctx, machineID)
	if err != nil {
		return nil, err
	}
	return v.Entity, nil
}

func (e *Engine) ListNodes(ctx context.Context, poolName string) ([]*models.Node, error) {
	rows, err := e.tables.Nodes.QueryPartition(ctx, poolName)
	if err != nil {
		return nil, err
	}
	nodes := make([]*models.Node, 0, len(rows))
	for _, v := range rows {
		nodes = append(nodes, v.Entity)
	}
	return nodes, nil
}

// ReimageNode marks a node for reimage. The node stops receiving work; once
// idle it is reclaimed and must re-register as a fresh row.
func (e *Engine) ReimageNode(ctx context.Context, machineID uuid.UUID) (*models.Node, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	var node *models.Node
	err := statemachine.WithRetry(ctx, func() error {
		v, err := e.nodeByMachineID(ctx, machineID)
		if err != nil {
			return err
		}
		node = v.Entity
		if node.ReimageRequested || node.State.ReadyForReset() {
			return nil
		}
		node.ReimageRequested = true
		_, err = e.tables.Nodes.Replace(ctx, node, v.Version)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// ShutdownNode marks a node for deletion. With now set the node is forced to
// shutdown immediately instead of draining its current work first.
func (e *Engine) ShutdownNode(ctx context.Context, machineID uuid.UUID, now bool) (*models.Node, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	var node *models.Node
	err := statemachine.WithRetry(ctx, func() error {
		v, err := e.nodeByMachineID(ctx, machineID)
		if err != nil {
			return err
		}
		node = v.Entity
		if node.State.ReadyForReset() {
			return nil
		}
		node.DeleteRequested = true
		if _, err := e.tables.Nodes.Replace(ctx, node, v.Version); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if now {
		err = statemachine.WithRetry(ctx, func() error {
			var terr error
			node, terr = e.machines.TransitionNode(ctx, node.PoolName, node.MachineID, models.NodeShutdown, nil)
			return terr
		})
		if err != nil {
			return nil, err
		}
		e.sendNodeCommand(ctx, node.MachineID, "stop", models.NodeCommand{Stop: true})
	}
	return node, nil
}

// KeepNode flags a node so the liveness sweep never reclaims it.
func (e *Engine) KeepNode(ctx context.Context, machineID uuid.UUID, keep bool) (*models.Node, error) {
	e.TrackOperation()
	defer e.UntrackOperation()

	var node *models.Node
	err := statemachine.WithRetry(ctx, func() error {
		v, err := e.nodeByMachineID(ctx, machineID)
		if err != nil {
			return err
		}
		node = v.Entity
		if node.DebugKeepNode == keep {
			return nil
		}
		node.DebugKeepNode = keep
		_, err = e.tables.Nodes.Replace(ctx, node, v.Version)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// sendNodeCommand drops a command into the node's mailbox. Message IDs are
// deterministic so repeated sweeps do not pile up duplicates.
func (e *Engine) sendNodeCommand(ctx context.Context, machineID uuid.UUID, messageID string, cmd models.NodeCommand) {
	_, err := e.tables.NodeMessages.Upsert(ctx, &models.NodeMessage{
		MachineID: machineID,
		MessageID: messageID,
		Command:   cmd,
	})
	if err != nil {
		e.logger.Errorf("queue command %s for node %s: %v", messageID, machineID, err)
	}
}
