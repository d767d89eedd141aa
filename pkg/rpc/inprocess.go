package rpc

import (
	"context"

	"github.com/cuemby/spear/pkg/execution"
	"github.com/cuemby/spear/pkg/manager"
	"github.com/cuemby/spear/pkg/objectstore"
	"github.com/cuemby/spear/pkg/types"
	"github.com/google/uuid"
)

// InProcessManagerService implements ManagerService by calling straight
// into the manager package, the single-host dev default a real transport
// (gRPC, HTTP) would otherwise front.
type InProcessManagerService struct {
	Nodes *manager.NodeRegistry
	Tasks *manager.TaskRegistry
}

var _ ManagerService = (*InProcessManagerService)(nil)

func (s *InProcessManagerService) RegisterNode(ctx context.Context, req RegisterNodeRequest) (*RegisterNodeResponse, error) {
	id, err := s.Nodes.RegisterNode(types.NodeInfo{IP: req.IP, Port: req.Port, Metadata: req.Metadata})
	if err != nil {
		return nil, err
	}
	return &RegisterNodeResponse{NodeUUID: id, Success: true}, nil
}

func (s *InProcessManagerService) UpdateNode(ctx context.Context, req UpdateNodeRequest) error {
	return s.Nodes.UpdateNode(req.UUID, req.Patch)
}

func (s *InProcessManagerService) DeleteNode(ctx context.Context, nodeUUID string) error {
	return s.Nodes.DeleteNode(nodeUUID)
}

func (s *InProcessManagerService) GetNode(ctx context.Context, nodeUUID string) (*types.NodeInfo, error) {
	return s.Nodes.GetNode(nodeUUID)
}

func (s *InProcessManagerService) ListNodes(ctx context.Context, req ListNodesRequest) (*ListNodesResponse, error) {
	nodes, err := s.Nodes.ListNodes(req.Status)
	if err != nil {
		return nil, err
	}
	return &ListNodesResponse{Nodes: nodes}, nil
}

func (s *InProcessManagerService) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	return s.Nodes.Heartbeat(req.UUID)
}

func (s *InProcessManagerService) UpdateNodeResource(ctx context.Context, req UpdateNodeResourceRequest) error {
	return s.Nodes.UpdateNodeResource(req.UUID, req.Resource)
}

func (s *InProcessManagerService) ClusterStats(ctx context.Context) (*types.ClusterStats, error) {
	return s.Nodes.ClusterStats()
}

func (s *InProcessManagerService) RegisterTask(ctx context.Context, req RegisterTaskRequest) (*RegisterTaskResponse, error) {
	id, err := s.Tasks.RegisterTask(req.Task)
	if err != nil {
		return nil, err
	}
	return &RegisterTaskResponse{TaskID: id}, nil
}

func (s *InProcessManagerService) UpdateTask(ctx context.Context, req UpdateTaskRequest) error {
	return s.Tasks.UpdateTask(req.ID, req.Patch)
}

func (s *InProcessManagerService) GetTask(ctx context.Context, id string) (*types.Task, error) {
	return s.Tasks.GetTask(id)
}

func (s *InProcessManagerService) ListTasks(ctx context.Context, req ListTasksRequest) (*ListTasksResponse, error) {
	tasks, err := s.Tasks.ListTasks(req.Filters)
	if err != nil {
		return nil, err
	}
	return &ListTasksResponse{Tasks: tasks}, nil
}

func (s *InProcessManagerService) UnregisterTask(ctx context.Context, id string) error {
	return s.Tasks.UnregisterTask(id)
}

func (s *InProcessManagerService) DeleteTask(ctx context.Context, id string) error {
	return s.Tasks.DeleteTask(id)
}

// SubscribeTaskEvents adapts manager.EventStream's pull-a-Subscription
// shape to a plain receive channel; the subscription is closed (and its
// cursor persisted) when ctx is cancelled.
func (s *InProcessManagerService) SubscribeTaskEvents(ctx context.Context, req SubscribeTaskEventsRequest) (<-chan types.TaskEvent, error) {
	subscriberID := uuid.NewString()
	sub, err := s.Tasks.Stream().Subscribe(subscriberID, req.NodeUUID, req.LastEventID)
	if err != nil {
		return nil, err
	}

	out := make(chan types.TaskEvent, 256)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				select {
				case out <- ev:
					_ = sub.Ack(ev)
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// InProcessWorkerService implements WorkerService by calling straight
// into the execution and objectstore packages, the single-host dev
// default a real transport would otherwise front.
type InProcessWorkerService struct {
	Executions *execution.Manager
	Objects    *objectstore.Store
}

var _ WorkerService = (*InProcessWorkerService)(nil)

func (s *InProcessWorkerService) InvokeFunction(ctx context.Context, req types.InvokeFunctionRequest) (*types.ExecutionResponse, error) {
	return s.Executions.SubmitExecution(ctx, req)
}

func (s *InProcessWorkerService) GetExecutionStatus(ctx context.Context, executionID string) (*types.ExecutionStatusResponse, error) {
	return s.Executions.GetExecutionStatus(executionID)
}

func (s *InProcessWorkerService) CancelExecution(ctx context.Context, executionID string) (*CancelExecutionResponse, error) {
	ok, err := s.Executions.CancelExecution(executionID)
	if err != nil {
		return nil, err
	}
	return &CancelExecutionResponse{Success: ok}, nil
}

func (s *InProcessWorkerService) StreamFunction(ctx context.Context, req types.InvokeFunctionRequest) (<-chan types.StreamExecutionResult, error) {
	return s.Executions.StreamFunction(ctx, req)
}

func (s *InProcessWorkerService) PutObject(ctx context.Context, req PutObjectRequest) (*PutObjectResponse, error) {
	obj, err := s.Objects.Put(req.Key, req.Data)
	if err != nil {
		return nil, err
	}
	return &PutObjectResponse{Object: obj}, nil
}

func (s *InProcessWorkerService) GetObject(ctx context.Context, req GetObjectRequest) (*types.StoredObject, error) {
	return s.Objects.Get(req.Key)
}

func (s *InProcessWorkerService) ListObjects(ctx context.Context, req ListObjectsRequest) (*ListObjectsResponse, error) {
	keys, err := s.Objects.List(req.Prefix, req.StartAfter, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ListObjectsResponse{Keys: keys}, nil
}

func (s *InProcessWorkerService) AddObjectRef(ctx context.Context, req ObjectKeyRequest) error {
	return s.Objects.AddRef(req.Key)
}

func (s *InProcessWorkerService) RemoveObjectRef(ctx context.Context, req ObjectKeyRequest) error {
	return s.Objects.RemoveRef(req.Key)
}

func (s *InProcessWorkerService) PinObject(ctx context.Context, req ObjectKeyRequest) error {
	return s.Objects.Pin(req.Key)
}

func (s *InProcessWorkerService) UnpinObject(ctx context.Context, req ObjectKeyRequest) error {
	return s.Objects.Unpin(req.Key)
}

func (s *InProcessWorkerService) DeleteObject(ctx context.Context, req ObjectKeyRequest) error {
	return s.Objects.Delete(req.Key)
}
