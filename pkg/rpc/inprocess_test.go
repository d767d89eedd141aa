package rpc

import (
	"context"
	"testing"

	"github.com/cuemby/spear/pkg/manager"
	"github.com/cuemby/spear/pkg/storage"
	"github.com/cuemby/spear/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestManagerService() *InProcessManagerService {
	store := storage.NewMemoryStore()
	return &InProcessManagerService{
		Nodes: manager.NewNodeRegistry(store, manager.DefaultNodeRegistryConfig()),
		Tasks: manager.NewTaskRegistry(store, manager.DefaultTaskRegistryConfig()),
	}
}

func TestInProcessManagerServiceRegisterAndGetNode(t *testing.T) {
	svc := newTestManagerService()
	ctx := context.Background()

	resp, err := svc.RegisterNode(ctx, RegisterNodeRequest{IP: "127.0.0.1", Port: 8081, Metadata: map[string]string{"region": "us-west-1"}})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.NodeUUID)

	node, err := svc.GetNode(ctx, resp.NodeUUID)
	require.NoError(t, err)
	require.Equal(t, types.NodeStatusActive, node.Status)
	require.Equal(t, "us-west-1", node.Metadata["region"])

	list, err := svc.ListNodes(ctx, ListNodesRequest{})
	require.NoError(t, err)
	require.Len(t, list.Nodes, 1)

	require.NoError(t, svc.DeleteNode(ctx, resp.NodeUUID))
	_, err = svc.GetNode(ctx, resp.NodeUUID)
	require.Error(t, err)
}

func TestInProcessManagerServiceRegisterTaskEmitsEvent(t *testing.T) {
	svc := newTestManagerService()
	ctx := context.Background()

	nodeResp, err := svc.RegisterNode(ctx, RegisterNodeRequest{IP: "127.0.0.1", Port: 9000})
	require.NoError(t, err)

	sub, err := svc.SubscribeTaskEvents(ctx, SubscribeTaskEventsRequest{NodeUUID: nodeResp.NodeUUID})
	require.NoError(t, err)

	taskResp, err := svc.RegisterTask(ctx, RegisterTaskRequest{Task: types.Task{
		Name:           "t1",
		Priority:       types.PriorityNormal,
		TargetNodeUUID: nodeResp.NodeUUID,
		Executable:     types.Executable{Type: types.ExecutableBinary, URI: "file:///bin/true"},
	}})
	require.NoError(t, err)
	require.NotEmpty(t, taskResp.TaskID)

	ev := <-sub
	require.Equal(t, types.EventCreate, ev.Kind)
	require.Equal(t, taskResp.TaskID, ev.TaskID)

	task, err := svc.GetTask(ctx, taskResp.TaskID)
	require.NoError(t, err)
	require.Equal(t, "t1", task.Name)
}

func TestInProcessManagerServiceClusterStats(t *testing.T) {
	svc := newTestManagerService()
	ctx := context.Background()

	_, err := svc.RegisterNode(ctx, RegisterNodeRequest{IP: "127.0.0.1", Port: 9001})
	require.NoError(t, err)

	stats, err := svc.ClusterStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.Active)
}
