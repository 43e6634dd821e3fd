package models

import (
	"time"

	"github.com/google/uuid"
)

// UserInfo identifies the principal that created a job or task.
type UserInfo struct {
	ApplicationID *uuid.UUID `json:"application_id,omitempty"`
	ObjectID      *uuid.UUID `json:"object_id,omitempty"`
	UPN           *string    `json:"upn,omitempty"`
}

// JobConfig is the user-supplied description of a job.
type JobConfig struct {
	Project  string `json:"project"`
	Name     string `json:"name"`
	Build    string `json:"build"`
	Duration int    `json:"duration"` // hours
}

// Job represents the jobs table.
type Job struct {
	JobID     uuid.UUID  `json:"job_id"`
	State     JobState   `json:"state"`
	Config    JobConfig  `json:"config"`
	Error     *string    `json:"error,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	UserInfo  *UserInfo  `json:"user_info,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	// TaskInfo summarizes terminal task outcomes; populated when the job
	// stops and carried on the job_stopped event.
	TaskInfo []JobTaskStopped `json:"task_info,omitempty"`
}

// JobTaskStopped records one task's outcome for the owning job.
type JobTaskStopped struct {
	TaskID   uuid.UUID `json:"task_id"`
	TaskType TaskType  `json:"task_type"`
	Error    *Error    `json:"error,omitempty"`
}

type TaskType string

const (
	TaskTypeLibfuzzerFuzz        TaskType = "libfuzzer_fuzz"
	TaskTypeLibfuzzerCoverage    TaskType = "libfuzzer_coverage"
	TaskTypeLibfuzzerCrashReport TaskType = "libfuzzer_crash_report"
	TaskTypeLibfuzzerMerge       TaskType = "libfuzzer_merge"
	TaskTypeGenericAnalysis      TaskType = "generic_analysis"
	TaskTypeGenericSupervisor    TaskType = "generic_supervisor"
	TaskTypeGenericMerge         TaskType = "generic_merge"
	TaskTypeGenericGenerator     TaskType = "generic_generator"
	TaskTypeGenericCrashReport   TaskType = "generic_crash_report"
)

type ContainerType string

const (
	ContainerSetup         ContainerType = "setup"
	ContainerCrashes       ContainerType = "crashes"
	ContainerInputs        ContainerType = "inputs"
	ContainerReadonly      ContainerType = "readonly_inputs"
	ContainerUniqueInputs  ContainerType = "unique_inputs"
	ContainerCoverage      ContainerType = "coverage"
	ContainerReports       ContainerType = "reports"
	ContainerUniqueReports ContainerType = "unique_reports"
	ContainerNoRepro       ContainerType = "no_repro"
	ContainerTools         ContainerType = "tools"
	ContainerAnalysis      ContainerType = "analysis"
)

// TaskContainer binds a named storage container into a task.
type TaskContainer struct {
	Type ContainerType `json:"type"`
	Name string        `json:"name"`
}

// TaskDetails is the execution description handed to the agent.
type TaskDetails struct {
	Type             TaskType          `json:"type"`
	Duration         int               `json:"duration"` // hours
	TargetExe        string            `json:"target_exe,omitempty"`
	TargetEnv        map[string]string `json:"target_env,omitempty"`
	TargetOptions    []string          `json:"target_options,omitempty"`
	TargetWorkers    int               `json:"target_workers,omitempty"`
	TargetTimeout    int               `json:"target_timeout,omitempty"`
	SupervisorExe    string            `json:"supervisor_exe,omitempty"`
	SupervisorEnv    map[string]string `json:"supervisor_env,omitempty"`
	SupervisorInput  string            `json:"supervisor_input_marker,omitempty"`
	RebootAfterSetup bool              `json:"reboot_after_setup,omitempty"`
	WaitForFiles     bool              `json:"wait_for_files,omitempty"`
	CheckRetryCount  int               `json:"check_retry_count,omitempty"`
}

// TaskPool targets a task at a named pool, optionally spanning multiple
// nodes. Count > 1 requires the scheduler to reserve that many nodes
// atomically before committing any assignment.
type TaskPool struct {
	PoolName string `json:"pool_name"`
	Count    int    `json:"count"`
}

// TaskVM targets a task at machines of a specific SKU/image instead of a
// named pool.
type TaskVM struct {
	Region           string `json:"region"`
	SKU              string `json:"sku"`
	Image            string `json:"image"`
	Count            int    `json:"count"`
	RebootAfterSetup bool   `json:"reboot_after_setup,omitempty"`
}

// TaskDebugFlag suppresses automatic node reclaim for post-mortem
// inspection of failed or completed work.
type TaskDebugFlag string

const (
	KeepNodeOnFailure    TaskDebugFlag = "keep_node_on_failure"
	KeepNodeOnCompletion TaskDebugFlag = "keep_node_on_completion"
)

// TaskConfig is the full user-supplied description of a task.
type TaskConfig struct {
	JobID       uuid.UUID         `json:"job_id"`
	PrereqTasks []uuid.UUID       `json:"prereq_tasks,omitempty"`
	Task        TaskDetails       `json:"task"`
	Pool        *TaskPool         `json:"pool,omitempty"`
	VM          *TaskVM           `json:"vm,omitempty"`
	Containers  []TaskContainer   `json:"containers,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Debug       []TaskDebugFlag   `json:"debug,omitempty"`
	Colocate    bool              `json:"colocate,omitempty"`
}

// HasDebugFlag reports whether the given reclaim-suppression flag is set.
func (c TaskConfig) HasDebugFlag(flag TaskDebugFlag) bool {
	for _, f := range c.Debug {
		if f == flag {
			return true
		}
	}
	return false
}

// Task represents the tasks table.
type Task struct {
	JobID     uuid.UUID  `json:"job_id"`
	TaskID    uuid.UUID  `json:"task_id"`
	State     TaskState  `json:"state"`
	OS        OS         `json:"os"`
	Config    TaskConfig `json:"config"`
	Error     *Error     `json:"error,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	UserInfo  *UserInfo  `json:"user_info,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Heartbeat *time.Time `json:"heartbeat,omitempty"`
}

// Failed reports whether the task terminated with an error.
func (t Task) Failed() bool {
	return t.State == TaskStopped && t.Error != nil
}

// InstanceConfig is the single versioned instance-wide configuration record.
// Workers read one snapshot of it at the start of each processing batch
// rather than consulting ambient global state.
type InstanceConfig struct {
	Admins []uuid.UUID `json:"admins,omitempty"`
	// AllowedTelemetryFields is the opt-in allowlist of entity fields
	// exported to external telemetry. Fields not listed are never exported.
	AllowedTelemetryFields []string `json:"allowed_telemetry_fields,omitempty"`
	AllowPoolCreation      bool     `json:"allow_pool_creation"`
	ProxyExpiration        int      `json:"proxy_expiration_days,omitempty"`
}
