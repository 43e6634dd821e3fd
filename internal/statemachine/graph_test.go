package statemachine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

func TestTaskGraphForwardPath(t *testing.T) {
	path := []models.TaskState{
		models.TaskInit,
		models.TaskWaiting,
		models.TaskScheduled,
		models.TaskSettingUp,
		models.TaskRunning,
		models.TaskStopping,
		models.TaskStopped,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, TaskGraph.CanTransition(path[i], path[i+1]),
			"%s -> %s should be legal", path[i], path[i+1])
	}
}

func TestTaskGraphPrerequisiteHold(t *testing.T) {
	assert.True(t, TaskGraph.CanTransition(models.TaskWaiting, models.TaskWaitJob))
	assert.True(t, TaskGraph.CanTransition(models.TaskWaitJob, models.TaskWaiting))
}

func TestTaskGraphStoppingReachableFromNonTerminal(t *testing.T) {
	for _, from := range []models.TaskState{
		models.TaskInit, models.TaskWaiting, models.TaskWaitJob,
		models.TaskScheduled, models.TaskSettingUp, models.TaskRunning,
	} {
		assert.True(t, TaskGraph.CanTransition(from, models.TaskStopping),
			"%s -> stopping should be legal", from)
	}
}

func TestTaskGraphRejectsSkips(t *testing.T) {
	assert.False(t, TaskGraph.CanTransition(models.TaskInit, models.TaskRunning))
	assert.False(t, TaskGraph.CanTransition(models.TaskStopped, models.TaskWaiting))
	assert.False(t, TaskGraph.CanTransition(models.TaskStopping, models.TaskRunning))
}

func TestValidateReturnsStructuredError(t *testing.T) {
	err := TaskGraph.Validate(models.TaskInit, models.TaskRunning)
	require.Error(t, err)

	var domainErr *models.Error
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, models.CodeInvalidTransition, domainErr.Code)
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	assert.True(t, TaskGraph.IsTerminal(models.TaskStopped))
	assert.True(t, JobGraph.IsTerminal(models.JobStopped))
	assert.True(t, NodeGraph.IsTerminal(models.NodeHalt))
	assert.True(t, PoolGraph.IsTerminal(models.PoolHalt))
	assert.True(t, ScalesetGraph.IsTerminal(models.ScalesetHalt))
	assert.True(t, ScalesetGraph.IsTerminal(models.ScalesetCreationFailed))
	assert.True(t, ProxyGraph.IsTerminal(models.ProxyStopped))

	assert.False(t, TaskGraph.CanTransition(models.TaskStopped, models.TaskStopping))
	assert.False(t, NodeGraph.CanTransition(models.NodeHalt, models.NodeFree))
}

func TestNodeGraphReclaimEdges(t *testing.T) {
	for _, from := range []models.NodeState{
		models.NodeInit, models.NodeFree, models.NodeSettingUp,
		models.NodeRebooting, models.NodeReady, models.NodeBusy,
	} {
		assert.True(t, NodeGraph.CanTransition(from, models.NodeDone), "%s -> done", from)
		assert.True(t, NodeGraph.CanTransition(from, models.NodeShutdown), "%s -> shutdown", from)
	}
	assert.True(t, NodeGraph.CanTransition(models.NodeDone, models.NodeHalt))
	assert.True(t, NodeGraph.CanTransition(models.NodeShutdown, models.NodeHalt))
	assert.False(t, NodeGraph.CanTransition(models.NodeDone, models.NodeInit))
}

func TestScalesetGraphSetupFailure(t *testing.T) {
	assert.True(t, ScalesetGraph.CanTransition(models.ScalesetInit, models.ScalesetCreationFailed))
	assert.True(t, ScalesetGraph.CanTransition(models.ScalesetSetup, models.ScalesetCreationFailed))
	assert.False(t, ScalesetGraph.CanTransition(models.ScalesetRunning, models.ScalesetCreationFailed))
	assert.True(t, ScalesetGraph.CanTransition(models.ScalesetRunning, models.ScalesetResize))
	assert.True(t, ScalesetGraph.CanTransition(models.ScalesetResize, models.ScalesetRunning))
}
