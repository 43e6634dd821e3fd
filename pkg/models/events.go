package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed enum of domain event types. The set is part of the
// wire contract: subscribers filter on these values and each type has a
// fixed payload schema.
type EventType string

const (
	EventTypeJobCreated            EventType = "job_created"
	EventTypeJobStopped            EventType = "job_stopped"
	EventTypeNodeCreated           EventType = "node_created"
	EventTypeNodeDeleted           EventType = "node_deleted"
	EventTypeNodeHeartbeat         EventType = "node_heartbeat"
	EventTypeNodeStateUpdated      EventType = "node_state_updated"
	EventTypePing                  EventType = "ping"
	EventTypePoolCreated           EventType = "pool_created"
	EventTypePoolDeleted           EventType = "pool_deleted"
	EventTypeProxyCreated          EventType = "proxy_created"
	EventTypeProxyDeleted          EventType = "proxy_deleted"
	EventTypeProxyFailed           EventType = "proxy_failed"
	EventTypeProxyStateUpdated     EventType = "proxy_state_updated"
	EventTypeScalesetCreated       EventType = "scaleset_created"
	EventTypeScalesetDeleted       EventType = "scaleset_deleted"
	EventTypeScalesetFailed        EventType = "scaleset_failed"
	EventTypeScalesetStateUpdated  EventType = "scaleset_state_updated"
	EventTypeTaskCreated           EventType = "task_created"
	EventTypeTaskFailed            EventType = "task_failed"
	EventTypeTaskHeartbeat         EventType = "task_heartbeat"
	EventTypeTaskStateUpdated      EventType = "task_state_updated"
	EventTypeTaskStopped           EventType = "task_stopped"
	EventTypeCrashReported         EventType = "crash_reported"
	EventTypeRegressionReported    EventType = "regression_reported"
	EventTypeFileAdded             EventType = "file_added"
	EventTypeInstanceConfigUpdated EventType = "instance_config_updated"
)

// EventPayload is implemented by every event body type.
type EventPayload interface {
	EventType() EventType
}

type EventJobCreated struct {
	JobID    uuid.UUID `json:"job_id"`
	Config   JobConfig `json:"config"`
	UserInfo *UserInfo `json:"user_info,omitempty"`
}

func (EventJobCreated) EventType() EventType { return EventTypeJobCreated }

type EventJobStopped struct {
	JobID    uuid.UUID        `json:"job_id"`
	Config   JobConfig        `json:"config"`
	UserInfo *UserInfo        `json:"user_info,omitempty"`
	TaskInfo []JobTaskStopped `json:"task_info,omitempty"`
}

func (EventJobStopped) EventType() EventType { return EventTypeJobStopped }

type EventTaskCreated struct {
	JobID    uuid.UUID  `json:"job_id"`
	TaskID   uuid.UUID  `json:"task_id"`
	Config   TaskConfig `json:"config"`
	UserInfo *UserInfo  `json:"user_info,omitempty"`
}

func (EventTaskCreated) EventType() EventType { return EventTypeTaskCreated }

type EventTaskStopped struct {
	JobID    uuid.UUID  `json:"job_id"`
	TaskID   uuid.UUID  `json:"task_id"`
	UserInfo *UserInfo  `json:"user_info,omitempty"`
	Config   TaskConfig `json:"config"`
}

func (EventTaskStopped) EventType() EventType { return EventTypeTaskStopped }

type EventTaskFailed struct {
	JobID    uuid.UUID  `json:"job_id"`
	TaskID   uuid.UUID  `json:"task_id"`
	Error    Error      `json:"error"`
	UserInfo *UserInfo  `json:"user_info,omitempty"`
	Config   TaskConfig `json:"config"`
}

func (EventTaskFailed) EventType() EventType { return EventTypeTaskFailed }

type EventTaskStateUpdated struct {
	JobID   uuid.UUID  `json:"job_id"`
	TaskID  uuid.UUID  `json:"task_id"`
	State   TaskState  `json:"state"`
	EndTime *time.Time `json:"end_time,omitempty"`
	Config  TaskConfig `json:"config"`
}

func (EventTaskStateUpdated) EventType() EventType { return EventTypeTaskStateUpdated }

type EventTaskHeartbeat struct {
	JobID  uuid.UUID  `json:"job_id"`
	TaskID uuid.UUID  `json:"task_id"`
	Config TaskConfig `json:"config"`
}

func (EventTaskHeartbeat) EventType() EventType { return EventTypeTaskHeartbeat }

type EventPing struct {
	PingID uuid.UUID `json:"ping_id"`
}

func (EventPing) EventType() EventType { return EventTypePing }

type EventPoolCreated struct {
	PoolName  string           `json:"pool_name"`
	OS        OS               `json:"os"`
	Arch      Architecture     `json:"arch"`
	Managed   bool             `json:"managed"`
	Autoscale *AutoscaleConfig `json:"autoscale,omitempty"`
}

func (EventPoolCreated) EventType() EventType { return EventTypePoolCreated }

type EventPoolDeleted struct {
	PoolName string `json:"pool_name"`
}

func (EventPoolDeleted) EventType() EventType { return EventTypePoolDeleted }

type EventScalesetCreated struct {
	ScalesetID uuid.UUID `json:"scaleset_id"`
	PoolName   string    `json:"pool_name"`
	VMSku      string    `json:"vm_sku"`
	Image      string    `json:"image"`
	Region     string    `json:"region"`
	Size       int       `json:"size"`
}

func (EventScalesetCreated) EventType() EventType { return EventTypeScalesetCreated }

type EventScalesetFailed struct {
	ScalesetID uuid.UUID `json:"scaleset_id"`
	PoolName   string    `json:"pool_name"`
	Error      Error     `json:"error"`
}

func (EventScalesetFailed) EventType() EventType { return EventTypeScalesetFailed }

type EventScalesetDeleted struct {
	ScalesetID uuid.UUID `json:"scaleset_id"`
	PoolName   string    `json:"pool_name"`
}

func (EventScalesetDeleted) EventType() EventType { return EventTypeScalesetDeleted }

type EventScalesetStateUpdated struct {
	ScalesetID uuid.UUID     `json:"scaleset_id"`
	PoolName   string        `json:"pool_name"`
	State      ScalesetState `json:"state"`
}

func (EventScalesetStateUpdated) EventType() EventType { return EventTypeScalesetStateUpdated }

type EventNodeCreated struct {
	MachineID  uuid.UUID  `json:"machine_id"`
	ScalesetID *uuid.UUID `json:"scaleset_id,omitempty"`
	PoolName   string     `json:"pool_name"`
}

func (EventNodeCreated) EventType() EventType { return EventTypeNodeCreated }

type EventNodeDeleted struct {
	MachineID  uuid.UUID  `json:"machine_id"`
	ScalesetID *uuid.UUID `json:"scaleset_id,omitempty"`
	PoolName   string     `json:"pool_name"`
}

func (EventNodeDeleted) EventType() EventType { return EventTypeNodeDeleted }

type EventNodeHeartbeat struct {
	MachineID  uuid.UUID  `json:"machine_id"`
	ScalesetID *uuid.UUID `json:"scaleset_id,omitempty"`
	PoolName   string     `json:"pool_name"`
}

func (EventNodeHeartbeat) EventType() EventType { return EventTypeNodeHeartbeat }

type EventNodeStateUpdated struct {
	MachineID  uuid.UUID  `json:"machine_id"`
	ScalesetID *uuid.UUID `json:"scaleset_id,omitempty"`
	PoolName   string     `json:"pool_name"`
	State      NodeState  `json:"state"`
}

func (EventNodeStateUpdated) EventType() EventType { return EventTypeNodeStateUpdated }

type EventProxyCreated struct {
	Region  string     `json:"region"`
	ProxyID *uuid.UUID `json:"proxy_id,omitempty"`
}

func (EventProxyCreated) EventType() EventType { return EventTypeProxyCreated }

type EventProxyDeleted struct {
	Region  string     `json:"region"`
	ProxyID *uuid.UUID `json:"proxy_id,omitempty"`
}

func (EventProxyDeleted) EventType() EventType { return EventTypeProxyDeleted }

type EventProxyFailed struct {
	Region  string     `json:"region"`
	ProxyID *uuid.UUID `json:"proxy_id,omitempty"`
	Error   Error      `json:"error"`
}

func (EventProxyFailed) EventType() EventType { return EventTypeProxyFailed }

type EventProxyStateUpdated struct {
	Region  string     `json:"region"`
	ProxyID uuid.UUID  `json:"proxy_id"`
	State   ProxyState `json:"state"`
}

func (EventProxyStateUpdated) EventType() EventType { return EventTypeProxyStateUpdated }

// Report is a minimal crash report reference; full report content lives in
// the reporting container and is out of scope here.
type Report struct {
	InputURL       string     `json:"input_url,omitempty"`
	Executable     string     `json:"executable"`
	CrashType      string     `json:"crash_type"`
	CrashSite      string     `json:"crash_site"`
	CallStack      []string   `json:"call_stack,omitempty"`
	InputSHA256    string     `json:"input_sha256,omitempty"`
	TaskID         *uuid.UUID `json:"task_id,omitempty"`
	JobID          *uuid.UUID `json:"job_id,omitempty"`
	ScarinessScore *int       `json:"scariness_score,omitempty"`
}

type EventCrashReported struct {
	Report     Report      `json:"report"`
	Container  string      `json:"container"`
	Filename   string      `json:"filename"`
	TaskConfig *TaskConfig `json:"task_config,omitempty"`
}

func (EventCrashReported) EventType() EventType { return EventTypeCrashReported }

// RegressionReport pairs a crash report with the original report it
// regresses against.
type RegressionReport struct {
	CrashTestResult         Report  `json:"crash_test_result"`
	OriginalCrashTestResult *Report `json:"original_crash_test_result,omitempty"`
}

type EventRegressionReported struct {
	RegressionReport RegressionReport `json:"regression_report"`
	Container        string           `json:"container"`
	Filename         string           `json:"filename"`
	TaskConfig       *TaskConfig      `json:"task_config,omitempty"`
}

func (EventRegressionReported) EventType() EventType { return EventTypeRegressionReported }

type EventFileAdded struct {
	Container string `json:"container"`
	Filename  string `json:"filename"`
}

func (EventFileAdded) EventType() EventType { return EventTypeFileAdded }

type EventInstanceConfigUpdated struct {
	Config InstanceConfig `json:"config"`
}

func (EventInstanceConfigUpdated) EventType() EventType { return EventTypeInstanceConfigUpdated }

// EventMessage is the enveloped form of an event: identity, typing, and
// instance provenance around the raw payload.
type EventMessage struct {
	EventID      uuid.UUID    `json:"event_id"`
	EventType    EventType    `json:"event_type"`
	Event        EventPayload `json:"event"`
	InstanceID   uuid.UUID    `json:"instance_id"`
	InstanceName string       `json:"instance_name"`
	CreatedAt    time.Time    `json:"created_at"`
}

// UnmarshalJSON decodes the envelope, dispatching the payload by the
// declared event type. Needed because Event is an interface field.
func (m *EventMessage) UnmarshalJSON(data []byte) error {
	parsed, err := ParseEventMessage(data)
	if err != nil {
		return err
	}
	*m = *parsed
	return nil
}

// payloadTypes maps each event type to a constructor for its payload
// struct, used when decoding the closed per-type schemas.
var payloadTypes = map[EventType]func() EventPayload{
	EventTypeJobCreated:            func() EventPayload { return &EventJobCreated{} },
	EventTypeJobStopped:            func() EventPayload { return &EventJobStopped{} },
	EventTypeNodeCreated:           func() EventPayload { return &EventNodeCreated{} },
	EventTypeNodeDeleted:           func() EventPayload { return &EventNodeDeleted{} },
	EventTypeNodeHeartbeat:         func() EventPayload { return &EventNodeHeartbeat{} },
	EventTypeNodeStateUpdated:      func() EventPayload { return &EventNodeStateUpdated{} },
	EventTypePing:                  func() EventPayload { return &EventPing{} },
	EventTypePoolCreated:           func() EventPayload { return &EventPoolCreated{} },
	EventTypePoolDeleted:           func() EventPayload { return &EventPoolDeleted{} },
	EventTypeProxyCreated:          func() EventPayload { return &EventProxyCreated{} },
	EventTypeProxyDeleted:          func() EventPayload { return &EventProxyDeleted{} },
	EventTypeProxyFailed:           func() EventPayload { return &EventProxyFailed{} },
	EventTypeProxyStateUpdated:     func() EventPayload { return &EventProxyStateUpdated{} },
	EventTypeScalesetCreated:       func() EventPayload { return &EventScalesetCreated{} },
	EventTypeScalesetDeleted:       func() EventPayload { return &EventScalesetDeleted{} },
	EventTypeScalesetFailed:        func() EventPayload { return &EventScalesetFailed{} },
	EventTypeScalesetStateUpdated:  func() EventPayload { return &EventScalesetStateUpdated{} },
	EventTypeTaskCreated:           func() EventPayload { return &EventTaskCreated{} },
	EventTypeTaskFailed:            func() EventPayload { return &EventTaskFailed{} },
	EventTypeTaskHeartbeat:         func() EventPayload { return &EventTaskHeartbeat{} },
	EventTypeTaskStateUpdated:      func() EventPayload { return &EventTaskStateUpdated{} },
	EventTypeTaskStopped:           func() EventPayload { return &EventTaskStopped{} },
	EventTypeCrashReported:         func() EventPayload { return &EventCrashReported{} },
	EventTypeRegressionReported:    func() EventPayload { return &EventRegressionReported{} },
	EventTypeFileAdded:             func() EventPayload { return &EventFileAdded{} },
	EventTypeInstanceConfigUpdated: func() EventPayload { return &EventInstanceConfigUpdated{} },
}

// KnownEventTypes returns every member of the closed event-type enum.
func KnownEventTypes() []EventType {
	types := make([]EventType, 0, len(payloadTypes))
	for t := range payloadTypes {
		types = append(types, t)
	}
	return types
}

// ValidEventType reports whether t is a member of the closed enum.
func ValidEventType(t EventType) bool {
	_, ok := payloadTypes[t]
	return ok
}

// ParseEventPayload decodes a raw payload against the closed schema for the
// given event type. Unknown fields are rejected to keep the wire contract
// stable across versions.
func ParseEventPayload(eventType EventType, raw json.RawMessage) (EventPayload, error) {
	mk, ok := payloadTypes[eventType]
	if !ok {
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	payload := mk()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return payload, nil
}

// ParseEventMessage decodes a full event envelope, dispatching the payload
// by its declared type.
func ParseEventMessage(data []byte) (*EventMessage, error) {
	var head struct {
		EventID      uuid.UUID       `json:"event_id"`
		EventType    EventType       `json:"event_type"`
		Event        json.RawMessage `json:"event"`
		InstanceID   uuid.UUID       `json:"instance_id"`
		InstanceName string          `json:"instance_name"`
		CreatedAt    time.Time       `json:"created_at"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event message: %w", err)
	}
	payload, err := ParseEventPayload(head.EventType, head.Event)
	if err != nil {
		return nil, err
	}
	return &EventMessage{
		EventID:      head.EventID,
		EventType:    head.EventType,
		Event:        payload,
		InstanceID:   head.InstanceID,
		InstanceName: head.InstanceName,
		CreatedAt:    head.CreatedAt,
	}, nil
}
