package types

import "time"

// Priority orders tasks for scheduling purposes.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityNormal Priority = "Normal"
	PriorityHigh   Priority = "High"
	PriorityUrgent Priority = "Urgent"
)

// TaskStatus is the registration state of a Task.
type TaskStatus string

const (
	TaskStatusRegistered  TaskStatus = "Registered"
	TaskStatusUnregistered TaskStatus = "Unregistered"
)

// ExecutableType names the kind of artifact a Task's executable points to.
// It doubles as the RuntimeType selector for the runtime registry: binary,
// script, and process route to the native-process runtime (process resolves
// its path from runtime_config.command rather than an artifact URI), wasm
// to the sandboxed bytecode runtime, and container to the
// container-orchestrator runtime.
type ExecutableType string

const (
	ExecutableBinary    ExecutableType = "binary"
	ExecutableScript    ExecutableType = "script"
	ExecutableContainer ExecutableType = "container"
	ExecutableWasm      ExecutableType = "wasm"
	ExecutableProcess   ExecutableType = "process"
)

// Executable describes the artifact backing a Task and how to run it.
type Executable struct {
	Type           ExecutableType    `json:"type"`
	URI            string            `json:"uri"`
	Name           string            `json:"name"`
	Args           []string          `json:"args,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	ChecksumSHA256 string            `json:"checksum_sha256,omitempty"`
}

// Task is a persistent, registered description of a function workload.
type Task struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	Priority        Priority          `json:"priority"`
	Status          TaskStatus        `json:"status"`
	Endpoint        string            `json:"endpoint,omitempty"`
	Version         string            `json:"version,omitempty"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	Config          map[string]string `json:"config,omitempty"`
	Executable      Executable        `json:"executable"`
	TargetNodeUUID  string            `json:"target_node_uuid,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// TaskPatch carries the optional, partial fields update_task accepts.
type TaskPatch struct {
	Name           *string           `json:"name,omitempty"`
	Description    *string           `json:"description,omitempty"`
	Priority       *Priority         `json:"priority,omitempty"`
	Status         *TaskStatus       `json:"status,omitempty"`
	Endpoint       *string           `json:"endpoint,omitempty"`
	Version        *string           `json:"version,omitempty"`
	Capabilities   []string          `json:"capabilities,omitempty"`
	Config         map[string]string `json:"config,omitempty"`
	Executable     *Executable       `json:"executable,omitempty"`
	TargetNodeUUID *string           `json:"target_node_uuid,omitempty"`
}

// TaskFilters restricts list_tasks results.
type TaskFilters struct {
	Status         *TaskStatus
	TargetNodeUUID *string
	Priority       *Priority
	Limit          int
	Offset         int
}

// EventKind names a task lifecycle event.
type EventKind string

const (
	EventCreate EventKind = "Create"
	EventUpdate EventKind = "Update"
	EventDelete EventKind = "Delete"
)

// TaskEvent is one append-only entry in the task event log.
type TaskEvent struct {
	Seq            uint64    `json:"seq"`
	Kind           EventKind `json:"kind"`
	TaskID         string    `json:"task_id"`
	TargetNodeUUID string    `json:"target_node_uuid,omitempty"`
	Payload        *Task     `json:"payload,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// SubscriberCursor tracks how far a single subscriber has durably
// processed the task event log.
type SubscriberCursor struct {
	SubscriberID  string    `json:"subscriber_id"`
	LastEventID   uint64    `json:"last_event_id"`
	NodeUUIDFilter string   `json:"node_uuid_filter,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}
