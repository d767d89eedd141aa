package types

import "time"

// RuntimeType names a concrete runtime implementation.
type RuntimeType string

const (
	RuntimeNativeProcess RuntimeType = "native_process"
	RuntimeWasm          RuntimeType = "wasm"
	RuntimeContainer     RuntimeType = "container"
)

// InstanceStatus is the lifecycle state of a runtime instance.
type InstanceStatus string

const (
	InstanceCreating    InstanceStatus = "Creating"
	InstanceWarmingUp   InstanceStatus = "WarmingUp"
	InstanceReady       InstanceStatus = "Ready"
	InstanceExecuting   InstanceStatus = "Executing"
	InstanceCoolingDown InstanceStatus = "CoolingDown"
	InstancePaused      InstanceStatus = "Paused"
	InstanceFailed      InstanceStatus = "Failed"
	InstanceTerminating InstanceStatus = "Terminating"
	InstanceTerminated  InstanceStatus = "Terminated"
)

// ResourceLimits bounds an instance's resource consumption.
type ResourceLimits struct {
	CPUCores  float64 `json:"cpu_cores,omitempty"`
	MemBytes  int64   `json:"mem_bytes,omitempty"`
	DiskBytes int64   `json:"disk_bytes,omitempty"`
	NetBps    int64   `json:"net_bps,omitempty"`
	PidsLimit int64   `json:"pids_limit,omitempty"`
}

// NetworkConfig carries instance-level network configuration.
type NetworkConfig struct {
	Isolated bool              `json:"isolated,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// InstanceConfig is the uniform configuration surface every runtime
// validates its own subset of.
type InstanceConfig struct {
	RuntimeType           RuntimeType       `json:"runtime_type"`
	RuntimeConfig         map[string]any    `json:"runtime_config,omitempty"`
	Environment           map[string]string `json:"environment,omitempty"`
	ResourceLimits        ResourceLimits    `json:"resource_limits,omitempty"`
	NetworkConfig         NetworkConfig     `json:"network_config,omitempty"`
	MaxConcurrentRequests int               `json:"max_concurrent_requests,omitempty"`
	RequestTimeoutMs      int64             `json:"request_timeout_ms,omitempty"`
	TaskID                string            `json:"task_id"`
	InstanceID            string            `json:"instance_id"`
	Secret                string            `json:"-"`
	Executable            Executable        `json:"executable"`
}

// InstanceMetrics is the lightweight counters an instance accumulates.
type InstanceMetrics struct {
	ExecutionsTotal  int64 `json:"executions_total"`
	ExecutionsFailed int64 `json:"executions_failed"`
	InFlight         int64 `json:"in_flight"`
}

// Instance is a live runtime embodiment of a Task on a worker.
type Instance struct {
	ID               string          `json:"id"`
	TaskID           string          `json:"task_id"`
	RuntimeType      RuntimeType     `json:"runtime_type"`
	Config           InstanceConfig  `json:"config"`
	Status           InstanceStatus  `json:"status"`
	ResourceLimits   ResourceLimits  `json:"resource_limits"`
	Secret           string          `json:"-"`
	ListenerEndpoint string          `json:"listener_endpoint,omitempty"`
	RuntimeHandle    any             `json:"-"`
	CreatedAt        time.Time       `json:"created_at"`
	LastActive       time.Time       `json:"last_active"`
	Metrics          InstanceMetrics `json:"metrics"`
}

// RuntimeCapabilities is what a concrete runtime advertises to the pool.
type RuntimeCapabilities struct {
	HealthChecks          bool     `json:"health_checks"`
	Metrics               bool     `json:"metrics"`
	HotReload             bool     `json:"hot_reload"`
	PersistentStorage     bool     `json:"persistent_storage"`
	NetworkIsolation      bool     `json:"network_isolation"`
	Scaling               bool     `json:"scaling"`
	MaxConcurrentInstances int     `json:"max_concurrent_instances"`
	SupportedProtocols    []string `json:"supported_protocols"`
}

// HealthStatus is the result of a runtime health probe.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// ExecutionContext carries everything a runtime needs to service one
// invocation.
type ExecutionContext struct {
	ExecutionID string            `json:"execution_id"`
	SessionID   string            `json:"session_id,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	FunctionName string           `json:"function_name"`
	Args        map[string]any    `json:"args,omitempty"`
	TimeoutMs   int64             `json:"timeout_ms"`
	MaxRetries  int               `json:"max_retries"`
}

// RuntimeExecutionResponse is what a runtime's execute() returns.
type RuntimeExecutionResponse struct {
	TaskID   string         `json:"task_id"`
	Status   ExecuteStatus  `json:"status"`
	Output   map[string]any `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	ExitCode *int           `json:"exit_code,omitempty"`
}

// ExecuteStatus is the outcome of a single control-channel execution.
type ExecuteStatus string

const (
	ExecuteStarted   ExecuteStatus = "Started"
	ExecuteRunning   ExecuteStatus = "Running"
	ExecuteCompleted ExecuteStatus = "Completed"
	ExecuteFailed    ExecuteStatus = "Failed"
)

// CleanupPolicy governs residual object removal on the container runtime.
type CleanupPolicy string

const (
	CleanupAlways    CleanupPolicy = "Always"
	CleanupOnSuccess CleanupPolicy = "OnSuccess"
	CleanupOnFailure CleanupPolicy = "OnFailure"
)
