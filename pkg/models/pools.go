package models

import (
	"time"

	"github.com/google/uuid"
)

// AutoscaleConfig is the optional scaling policy attached to a managed pool.
type AutoscaleConfig struct {
	Image    string `json:"image"`
	VMSku    string `json:"vm_sku"`
	MinSize  int    `json:"min_size"`
	MaxSize  int    `json:"max_size"`
	Region   string `json:"region,omitempty"`
	SpotInst bool   `json:"spot_instances,omitempty"`
}

// Pool represents the pools table.
type Pool struct {
	Name      string           `json:"name"`
	PoolID    uuid.UUID        `json:"pool_id"`
	State     PoolState        `json:"state"`
	OS        OS               `json:"os"`
	Arch      Architecture     `json:"arch"`
	Managed   bool             `json:"managed"`
	Autoscale *AutoscaleConfig `json:"autoscale,omitempty"`
	ClientID  *uuid.UUID       `json:"client_id,omitempty"`
}

// Available reports whether the pool can accept new work.
func (p Pool) Available() bool {
	return p.State == PoolInit || p.State == PoolRunning
}

// Scaleset represents the scalesets table.
type Scaleset struct {
	PoolName      string            `json:"pool_name"`
	ScalesetID    uuid.UUID         `json:"scaleset_id"`
	State         ScalesetState     `json:"state"`
	VMSku         string            `json:"vm_sku"`
	Image         string            `json:"image"`
	Region        string            `json:"region"`
	Size          int               `json:"size"`
	SpotInstances bool              `json:"spot_instances"`
	Error         *Error            `json:"error,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Node represents the nodes table. A node with no scaleset id is unmanaged
// compute supplied externally; it participates in the same state machine.
type Node struct {
	PoolName        string     `json:"pool_name"`
	MachineID       uuid.UUID  `json:"machine_id"`
	ScalesetID      *uuid.UUID `json:"scaleset_id,omitempty"`
	State           NodeState  `json:"state"`
	Version         string     `json:"version"`
	Heartbeat       *time.Time `json:"heartbeat,omitempty"`
	RebootRequested bool       `json:"reboot_requested,omitempty"`
	// ReimageRequested / DeleteRequested are set by operators or the
	// liveness sweep; the node stops receiving work and is reclaimed once
	// its current work drains.
	ReimageRequested bool `json:"reimage_requested,omitempty"`
	DeleteRequested  bool `json:"delete_requested,omitempty"`
	// DebugKeepNode suppresses reclaim of this node for inspection.
	DebugKeepNode bool `json:"debug_keep_node,omitempty"`
}

// Managed reports whether the node is backed by a scaleset.
func (n Node) Managed() bool {
	return n.ScalesetID != nil
}

// NodeTask represents the node assignment join table: which task(s) a node
// is currently executing.
type NodeTask struct {
	MachineID uuid.UUID     `json:"machine_id"`
	TaskID    uuid.UUID     `json:"task_id"`
	State     NodeTaskState `json:"state"`
}

// NodeCommand is a single instruction queued for an agent to pick up on its
// next poll.
type NodeCommand struct {
	Stop        bool       `json:"stop,omitempty"`
	StopTask    *uuid.UUID `json:"stop_task,omitempty"`
	RequestExit bool       `json:"request_exit,omitempty"`
}

// NodeMessage represents the node command mailbox table.
type NodeMessage struct {
	MachineID uuid.UUID   `json:"machine_id"`
	MessageID string      `json:"message_id"`
	Command   NodeCommand `json:"command"`
}

// Proxy represents the proxies table. Proxies broker inbound debug/repro
// connections; their lifecycle parallels nodes but has no pool membership.
type Proxy struct {
	ProxyID   uuid.UUID  `json:"proxy_id"`
	Region    string     `json:"region"`
	State     ProxyState `json:"state"`
	Error     *Error     `json:"error,omitempty"`
	Heartbeat *time.Time `json:"heartbeat,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// WorkUnit is one task's worth of work inside a workset.
type WorkUnit struct {
	JobID    uuid.UUID `json:"job_id"`
	TaskID   uuid.UUID `json:"task_id"`
	TaskType TaskType  `json:"task_type"`
	Config   string    `json:"config"`
}

// WorkSet is the unit of delivery on a pool work queue: a batch of work
// units that run together on one node.
type WorkSet struct {
	Reboot    bool       `json:"reboot"`
	SetupURL  string     `json:"setup_url"`
	Script    bool       `json:"script"`
	WorkUnits []WorkUnit `json:"work_units"`
}

// HeartbeatEntry is the liveness signal consumed from the heartbeat queue.
// It proves the sender is alive; it never drives a state transition.
type HeartbeatEntry struct {
	MachineID  uuid.UUID  `json:"machine_id"`
	PoolName   string     `json:"pool_name"`
	ScalesetID *uuid.UUID `json:"scaleset_id,omitempty"`
	TaskID     *uuid.UUID `json:"task_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}
