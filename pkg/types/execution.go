package types

import "time"

// ExecutionMode selects how submit_execution dispatches a request.
type ExecutionMode string

const (
	ExecutionSync   ExecutionMode = "Sync"
	ExecutionAsync  ExecutionMode = "Async"
	ExecutionStream ExecutionMode = "Stream"
)

// InvocationType selects whether an invocation targets a brand new task
// definition or one already registered.
type InvocationType string

const (
	InvocationNewTask      InvocationType = "NewTask"
	InvocationExistingTask InvocationType = "ExistingTask"
)

// ExecutionStatus is the lifecycle state of a tracked execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "Pending"
	ExecutionRunning   ExecutionStatus = "Running"
	ExecutionCompleted ExecutionStatus = "Completed"
	ExecutionFailed    ExecutionStatus = "Failed"
	ExecutionCancelled ExecutionStatus = "Cancelled"
	ExecutionTimedOut  ExecutionStatus = "Timeout"
)

// ExecutionRecord is the durable bookkeeping row for one invocation,
// tracked across sync, async, and streaming dispatch.
type ExecutionRecord struct {
	ExecutionID string          `json:"execution_id"`
	TaskID      string          `json:"task_id"`
	InstanceID  string          `json:"instance_id,omitempty"`
	Mode        ExecutionMode   `json:"mode"`
	Status      ExecutionStatus `json:"status"`
	Result      map[string]any  `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	RetryCount  int             `json:"retry_count"`
}

// InvokeFunctionRequest is submit_execution's request shape.
type InvokeFunctionRequest struct {
	InvocationType InvocationType    `json:"invocation_type"`
	TaskID         string            `json:"task_id,omitempty"`
	TaskName       string            `json:"task_name,omitempty"`
	ArtifactSpec   *ArtifactSpec     `json:"artifact_spec,omitempty"`
	FunctionName   string            `json:"function_name"`
	Args           map[string]any    `json:"args,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	ExecutionMode  ExecutionMode     `json:"execution_mode"`
	TimeoutMs      int64             `json:"timeout_ms,omitempty"`
	MaxRetries     int               `json:"max_retries,omitempty"`
}

// ExecutionResponse is submit_execution's immediate reply: the full
// RuntimeExecutionResponse fields for Sync, or tracking info for Async.
type ExecutionResponse struct {
	ExecutionID           string         `json:"execution_id"`
	Status                ExecutionStatus `json:"status"`
	StatusEndpoint        string         `json:"status_endpoint,omitempty"`
	EstimatedCompletionMs int64          `json:"estimated_completion_ms,omitempty"`
	Result                map[string]any `json:"result,omitempty"`
	Error                 string         `json:"error,omitempty"`
}

// ExecutionStatusResponse answers get_execution_status.
type ExecutionStatusResponse struct {
	Found       bool           `json:"found"`
	Status      ExecutionStatus `json:"status,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// StreamExecutionResult is one element of the streaming entry point's
// lazy, finite, cancellable sequence of partial results.
type StreamExecutionResult struct {
	ExecutionID string         `json:"execution_id"`
	Sequence    int            `json:"sequence"`
	Chunk       map[string]any `json:"chunk,omitempty"`
	Done        bool           `json:"done"`
	Error       string         `json:"error,omitempty"`
}
