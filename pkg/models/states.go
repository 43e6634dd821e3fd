package models

// Entity lifecycle states. Every state machine in the system is a fixed
// directed graph over one of these enums; the legal edges live in
// internal/statemachine. No entity ever re-enters its init state.

type JobState string

const (
	JobInit     JobState = "init"
	JobEnabled  JobState = "enabled"
	JobStopping JobState = "stopping"
	JobStopped  JobState = "stopped"
)

// JobStatesAvailable are the states in which tasks may still be added to a job.
func JobStatesAvailable() []JobState {
	return []JobState{JobInit, JobEnabled}
}

// JobStatesNeedsWork are the states the background sweep must drive forward.
func JobStatesNeedsWork() []JobState {
	return []JobState{JobInit, JobStopping}
}

func (s JobState) IsTerminal() bool {
	return s == JobStopped
}

type TaskState string

const (
	TaskInit      TaskState = "init"
	TaskWaiting   TaskState = "waiting"
	TaskScheduled TaskState = "scheduled"
	TaskSettingUp TaskState = "setting_up"
	TaskRunning   TaskState = "running"
	TaskStopping  TaskState = "stopping"
	TaskStopped   TaskState = "stopped"
	TaskWaitJob   TaskState = "wait_job"
)

// TaskStatesAvailable are the states in which the task is not shutting down.
func TaskStatesAvailable() []TaskState {
	return []TaskState{TaskInit, TaskWaiting, TaskScheduled, TaskSettingUp, TaskRunning, TaskWaitJob}
}

func TaskStatesNeedsWork() []TaskState {
	return []TaskState{TaskInit, TaskStopping}
}

// TaskStatesHasStarted reports states at or past execution.
func TaskStatesHasStarted() []TaskState {
	return []TaskState{TaskRunning, TaskStopping, TaskStopped}
}

func (s TaskState) IsTerminal() bool {
	return s == TaskStopped
}

type PoolState string

const (
	PoolInit     PoolState = "init"
	PoolRunning  PoolState = "running"
	PoolShutdown PoolState = "shutdown"
	PoolHalt     PoolState = "halt"
)

func PoolStatesAvailable() []PoolState {
	return []PoolState{PoolInit, PoolRunning}
}

func PoolStatesNeedsWork() []PoolState {
	return []PoolState{PoolInit, PoolShutdown, PoolHalt}
}

func (s PoolState) IsTerminal() bool {
	return s == PoolHalt
}

type ScalesetState string

const (
	ScalesetInit           ScalesetState = "init"
	ScalesetSetup          ScalesetState = "setup"
	ScalesetResize         ScalesetState = "resize"
	ScalesetRunning        ScalesetState = "running"
	ScalesetShutdown       ScalesetState = "shutdown"
	ScalesetHalt           ScalesetState = "halt"
	ScalesetCreationFailed ScalesetState = "creation_failed"
)

func ScalesetStatesAvailable() []ScalesetState {
	return []ScalesetState{ScalesetInit, ScalesetSetup, ScalesetResize, ScalesetRunning}
}

func ScalesetStatesNeedsWork() []ScalesetState {
	return []ScalesetState{ScalesetInit, ScalesetSetup, ScalesetResize, ScalesetShutdown, ScalesetHalt}
}

func (s ScalesetState) IsTerminal() bool {
	return s == ScalesetHalt || s == ScalesetCreationFailed
}

type NodeState string

const (
	NodeInit      NodeState = "init"
	NodeFree      NodeState = "free"
	NodeSettingUp NodeState = "setting_up"
	NodeRebooting NodeState = "rebooting"
	NodeReady     NodeState = "ready"
	NodeBusy      NodeState = "busy"
	NodeDone      NodeState = "done"
	NodeShutdown  NodeState = "shutdown"
	NodeHalt      NodeState = "halt"
)

// NodeStatesReadyForReset marks nodes already set aside for reclaim; agent
// state reports against these nodes are ignored.
func NodeStatesReadyForReset() []NodeState {
	return []NodeState{NodeDone, NodeShutdown, NodeHalt}
}

func NodeStatesNeedsWork() []NodeState {
	return []NodeState{NodeDone, NodeShutdown, NodeHalt}
}

func (s NodeState) IsTerminal() bool {
	return s == NodeHalt
}

func (s NodeState) ReadyForReset() bool {
	for _, state := range NodeStatesReadyForReset() {
		if s == state {
			return true
		}
	}
	return false
}

type ProxyState string

const (
	ProxyInit               ProxyState = "init"
	ProxyExtensionsLaunch   ProxyState = "extensions_launch"
	ProxyExtensionsFailed   ProxyState = "extensions_failed"
	ProxyVMAllocationFailed ProxyState = "vm_allocation_failed"
	ProxyRunning            ProxyState = "running"
	ProxyStopping           ProxyState = "stopping"
	ProxyStopped            ProxyState = "stopped"
)

func ProxyStatesAvailable() []ProxyState {
	return []ProxyState{ProxyInit, ProxyExtensionsLaunch, ProxyRunning}
}

func ProxyStatesNeedsWork() []ProxyState {
	return []ProxyState{ProxyInit, ProxyExtensionsLaunch, ProxyStopping}
}

func (s ProxyState) IsTerminal() bool {
	return s == ProxyStopped || s == ProxyExtensionsFailed || s == ProxyVMAllocationFailed
}

// NodeTaskState tracks the per-assignment progress recorded in the
// NodeTask join rows.
type NodeTaskState string

const (
	NodeTaskInit      NodeTaskState = "init"
	NodeTaskScheduled NodeTaskState = "scheduled"
	NodeTaskSettingUp NodeTaskState = "setting_up"
	NodeTaskRunning   NodeTaskState = "running"
)

type OS string

const (
	OSLinux   OS = "linux"
	OSWindows OS = "windows"
)

type Architecture string

const (
	ArchX86_64 Architecture = "x86_64"
)
