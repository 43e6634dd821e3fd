package statemachine

import (
	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// The per-entity transition tables. One shared engine consults these; no
// handler validates transitions on its own.

// JobGraph: init -> enabled -> stopping -> stopped. A job may be stopped
// before it is ever enabled.
var JobGraph = NewGraph("job", map[models.JobState][]models.JobState{
	models.JobInit:     {models.JobEnabled, models.JobStopping},
	models.JobEnabled:  {models.JobStopping},
	models.JobStopping: {models.JobStopped},
}, []models.JobState{models.JobStopped})

// TaskGraph: the forward path init -> waiting -> scheduled -> setting_up ->
// running -> stopping -> stopped, the prerequisite hold waiting <-> wait_job,
// stopping reachable from every non-terminal state (operator stop or
// failure), and release edges back to waiting when a node is reclaimed out
// from under an assigned task.
var TaskGraph = NewGraph("task", map[models.TaskState][]models.TaskState{
	models.TaskInit:      {models.TaskWaiting, models.TaskStopping},
	models.TaskWaiting:   {models.TaskScheduled, models.TaskWaitJob, models.TaskStopping},
	models.TaskWaitJob:   {models.TaskWaiting, models.TaskStopping},
	models.TaskScheduled: {models.TaskSettingUp, models.TaskWaiting, models.TaskStopping},
	models.TaskSettingUp: {models.TaskRunning, models.TaskWaiting, models.TaskStopping},
	models.TaskRunning:   {models.TaskWaiting, models.TaskStopping},
	models.TaskStopping:  {models.TaskStopped},
}, []models.TaskState{models.TaskStopped})

// PoolGraph: init -> running -> shutdown -> halt, with halt reachable
// directly for forced teardown.
var PoolGraph = NewGraph("pool", map[models.PoolState][]models.PoolState{
	models.PoolInit:     {models.PoolRunning, models.PoolShutdown, models.PoolHalt},
	models.PoolRunning:  {models.PoolShutdown, models.PoolHalt},
	models.PoolShutdown: {models.PoolHalt},
}, []models.PoolState{models.PoolHalt})

// ScalesetGraph: init -> setup -> running <-> resize, teardown through
// shutdown -> halt, and creation_failed when setup cannot complete.
var ScalesetGraph = NewGraph("scaleset", map[models.ScalesetState][]models.ScalesetState{
	models.ScalesetInit:     {models.ScalesetSetup, models.ScalesetCreationFailed, models.ScalesetShutdown, models.ScalesetHalt},
	models.ScalesetSetup:    {models.ScalesetRunning, models.ScalesetCreationFailed, models.ScalesetShutdown, models.ScalesetHalt},
	models.ScalesetRunning:  {models.ScalesetResize, models.ScalesetShutdown, models.ScalesetHalt},
	models.ScalesetResize:   {models.ScalesetRunning, models.ScalesetShutdown, models.ScalesetHalt},
	models.ScalesetShutdown: {models.ScalesetHalt},
}, []models.ScalesetState{models.ScalesetHalt, models.ScalesetCreationFailed})

// NodeGraph: init -> free -> setting_up -> ready <-> busy, reboot loops back
// through setting_up, and done/shutdown -> halt reachable from every working
// state. setting_up -> free releases a reservation whose workset could not
// be committed. A reclaimed node never re-enters init; it must re-register
// as a fresh row.
var NodeGraph = NewGraph("node", map[models.NodeState][]models.NodeState{
	models.NodeInit:      {models.NodeFree, models.NodeDone, models.NodeShutdown},
	models.NodeFree:      {models.NodeSettingUp, models.NodeBusy, models.NodeDone, models.NodeShutdown},
	models.NodeSettingUp: {models.NodeReady, models.NodeBusy, models.NodeRebooting, models.NodeFree, models.NodeDone, models.NodeShutdown},
	models.NodeRebooting: {models.NodeSettingUp, models.NodeDone, models.NodeShutdown},
	models.NodeReady:     {models.NodeBusy, models.NodeRebooting, models.NodeDone, models.NodeShutdown},
	models.NodeBusy:      {models.NodeReady, models.NodeRebooting, models.NodeDone, models.NodeShutdown},
	models.NodeDone:      {models.NodeHalt},
	models.NodeShutdown:  {models.NodeHalt},
}, []models.NodeState{models.NodeHalt})

// ProxyGraph: init -> extensions_launch -> running -> stopping -> stopped,
// with the two setup-failure terminals.
var ProxyGraph = NewGraph("proxy", map[models.ProxyState][]models.ProxyState{
	models.ProxyInit:             {models.ProxyExtensionsLaunch, models.ProxyVMAllocationFailed, models.ProxyStopping},
	models.ProxyExtensionsLaunch: {models.ProxyRunning, models.ProxyExtensionsFailed, models.ProxyStopping},
	models.ProxyRunning:          {models.ProxyStopping},
	models.ProxyStopping:         {models.ProxyStopped},
}, []models.ProxyState{models.ProxyStopped, models.ProxyExtensionsFailed, models.ProxyVMAllocationFailed})
