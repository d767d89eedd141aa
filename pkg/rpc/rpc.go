// Package rpc defines the request/response schemas and service interfaces
// for every operation in the management and worker RPC surfaces. It holds
// no transport: the teacher generates its API from protobuf
// (pkg/api/server.go implements a *proto.WarrenAPIServer*), but that layer
// is codegen the teacher's build produces rather than hand-written Go this
// module can adapt, and a real transport is explicitly out of scope here.
// ManagerService and WorkerService are the seam a gRPC or HTTP transport
// would implement; the InProcess* adapters in this package implement them
// by calling the managers directly, and tests in this tree call them
// directly.
package rpc

import (
	"context"

	"github.com/cuemby/spear/pkg/types"
)

// RegisterNodeRequest is RegisterNode's argument; uuid is server-assigned
// so it is deliberately absent here (see types.NodeInfo).
type RegisterNodeRequest struct {
	IP       string            `json:"ip_address"`
	Port     int               `json:"port"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RegisterNodeResponse is RegisterNode's reply.
type RegisterNodeResponse struct {
	NodeUUID string `json:"node_uuid"`
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
}

// UpdateNodeRequest is UpdateNode's argument.
type UpdateNodeRequest struct {
	UUID  string              `json:"uuid"`
	Patch types.NodeInfoPatch `json:"patch"`
}

// HeartbeatRequest is Heartbeat's argument. HealthInfo is accepted for
// forward compatibility with a richer health payload; the node registry
// itself only consults the timestamp of the call.
type HeartbeatRequest struct {
	UUID       string            `json:"uuid"`
	HealthInfo map[string]string `json:"health_info,omitempty"`
}

// UpdateNodeResourceRequest is UpdateNodeResource's argument.
type UpdateNodeResourceRequest struct {
	UUID     string             `json:"uuid"`
	Resource types.NodeResource `json:"resource"`
}

// ListNodesRequest is ListNodes's argument.
type ListNodesRequest struct {
	Status *types.NodeStatus `json:"status,omitempty"`
}

// ListNodesResponse is ListNodes's reply.
type ListNodesResponse struct {
	Nodes []*types.NodeInfo `json:"nodes"`
}

// RegisterTaskRequest is RegisterTask's argument. Task.ID is honored as a
// caller-supplied stable id when non-empty, per register_task's contract.
type RegisterTaskRequest struct {
	Task types.Task `json:"task"`
}

// RegisterTaskResponse is RegisterTask's reply.
type RegisterTaskResponse struct {
	TaskID string `json:"task_id"`
}

// UpdateTaskRequest is UpdateTask's argument.
type UpdateTaskRequest struct {
	ID    string         `json:"id"`
	Patch types.TaskPatch `json:"patch"`
}

// ListTasksRequest is ListTasks's argument.
type ListTasksRequest struct {
	Filters types.TaskFilters `json:"filters"`
}

// ListTasksResponse is ListTasks's reply.
type ListTasksResponse struct {
	Tasks []*types.Task `json:"tasks"`
}

// SubscribeTaskEventsRequest is SubscribeTaskEvents's argument.
type SubscribeTaskEventsRequest struct {
	NodeUUID    string  `json:"node_uuid"`
	LastEventID *uint64 `json:"last_event_id,omitempty"`
}

// CancelExecutionResponse is CancelExecution's reply.
type CancelExecutionResponse struct {
	Success bool `json:"success"`
}

// PutObjectRequest is PutObject's argument.
type PutObjectRequest struct {
	Key  string `json:"key"`
	Data []byte `json:"data"`
}

// PutObjectResponse is PutObject's reply.
type PutObjectResponse struct {
	Object *types.StoredObject `json:"object"`
}

// GetObjectRequest is GetObject's argument.
type GetObjectRequest struct {
	Key string `json:"key"`
}

// ListObjectsRequest is ListObjects's argument.
type ListObjectsRequest struct {
	Prefix     string `json:"prefix,omitempty"`
	StartAfter string `json:"start_after,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ListObjectsResponse is ListObjects's reply.
type ListObjectsResponse struct {
	Keys []string `json:"keys"`
}

// ObjectKeyRequest is the shared argument shape for the object reference
// and lifecycle operations that take only a key.
type ObjectKeyRequest struct {
	Key string `json:"key"`
}

// ManagerService is the fleet-coordination-plane RPC surface: node
// management, task management, and the task event subscription, grounded
// in naming on the teacher's node/cluster RPC methods and on the
// RegisterNode/.../SubscribeTaskEvents operation list.
type ManagerService interface {
	RegisterNode(ctx context.Context, req RegisterNodeRequest) (*RegisterNodeResponse, error)
	UpdateNode(ctx context.Context, req UpdateNodeRequest) error
	DeleteNode(ctx context.Context, nodeUUID string) error
	GetNode(ctx context.Context, nodeUUID string) (*types.NodeInfo, error)
	ListNodes(ctx context.Context, req ListNodesRequest) (*ListNodesResponse, error)
	Heartbeat(ctx context.Context, req HeartbeatRequest) error
	UpdateNodeResource(ctx context.Context, req UpdateNodeResourceRequest) error
	ClusterStats(ctx context.Context) (*types.ClusterStats, error)

	RegisterTask(ctx context.Context, req RegisterTaskRequest) (*RegisterTaskResponse, error)
	UpdateTask(ctx context.Context, req UpdateTaskRequest) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasks(ctx context.Context, req ListTasksRequest) (*ListTasksResponse, error)
	UnregisterTask(ctx context.Context, id string) error
	DeleteTask(ctx context.Context, id string) error

	SubscribeTaskEvents(ctx context.Context, req SubscribeTaskEventsRequest) (<-chan types.TaskEvent, error)
}

// WorkerService is the task-execution-plane RPC surface: function
// invocation and the optional object-store passthrough, grounded in
// naming on the InvokeFunction/.../DeleteObject operation list.
type WorkerService interface {
	InvokeFunction(ctx context.Context, req types.InvokeFunctionRequest) (*types.ExecutionResponse, error)
	GetExecutionStatus(ctx context.Context, executionID string) (*types.ExecutionStatusResponse, error)
	CancelExecution(ctx context.Context, executionID string) (*CancelExecutionResponse, error)
	StreamFunction(ctx context.Context, req types.InvokeFunctionRequest) (<-chan types.StreamExecutionResult, error)

	PutObject(ctx context.Context, req PutObjectRequest) (*PutObjectResponse, error)
	GetObject(ctx context.Context, req GetObjectRequest) (*types.StoredObject, error)
	ListObjects(ctx context.Context, req ListObjectsRequest) (*ListObjectsResponse, error)
	AddObjectRef(ctx context.Context, req ObjectKeyRequest) error
	RemoveObjectRef(ctx context.Context, req ObjectKeyRequest) error
	PinObject(ctx context.Context, req ObjectKeyRequest) error
	UnpinObject(ctx context.Context, req ObjectKeyRequest) error
	DeleteObject(ctx context.Context, req ObjectKeyRequest) error
}
