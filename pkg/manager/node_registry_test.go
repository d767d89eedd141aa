package manager

import (
	"testing"
	"time"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/storage"
	"github.com/cuemby/spear/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterNodeThenListNode(t *testing.T) {
	r := NewNodeRegistry(storage.NewMemoryStore(), DefaultNodeRegistryConfig())

	id, err := r.RegisterNode(types.NodeInfo{IP: "127.0.0.1", Port: 8081, Metadata: map[string]string{"region": "us-west-1"}})
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	nodes, err := r.ListNodes(nil)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	n := nodes[0]
	assert.Equal(t, id, n.UUID)
	assert.Equal(t, types.NodeStatusActive, n.Status)
	assert.Equal(t, "127.0.0.1", n.IP)
	assert.Equal(t, 8081, n.Port)
	assert.Equal(t, "us-west-1", n.Metadata["region"])
	assert.WithinDuration(t, n.RegisteredAt, n.LastHeartbeat, time.Millisecond)
}

func TestDeleteNodeRemovesNodeAndResource(t *testing.T) {
	r := NewNodeRegistry(storage.NewMemoryStore(), DefaultNodeRegistryConfig())

	id, err := r.RegisterNode(types.NodeInfo{IP: "127.0.0.1", Port: 9000})
	require.NoError(t, err)
	require.NoError(t, r.UpdateNodeResource(id, types.NodeResource{CPUUsagePercent: 10}))

	require.NoError(t, r.DeleteNode(id))

	_, err = r.GetNode(id)
	assert.True(t, apperr.Is(err, apperr.NotFound))
	_, err = r.GetNodeResource(id)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestHeartbeatKeepsNodeActiveThenSweepMarksUnhealthy(t *testing.T) {
	r := NewNodeRegistry(storage.NewMemoryStore(), NodeRegistryConfig{HeartbeatTimeout: 2 * time.Second, CleanupInterval: time.Second})

	id, err := r.RegisterNode(types.NodeInfo{IP: "127.0.0.1", Port: 9001})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Heartbeat(id))
		time.Sleep(time.Millisecond)
	}
	node, err := r.GetNode(id)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusActive, node.Status)

	stale := node.LastHeartbeat.Add(-3 * time.Second)
	require.NoError(t, r.UpdateNode(id, types.NodeInfoPatch{}))
	n, err := r.GetNode(id)
	require.NoError(t, err)
	n.LastHeartbeat = stale
	raw, err := jsonMarshal(n)
	require.NoError(t, err)
	require.NoError(t, r.store.Put(storage.NodeKey(id), raw))

	require.NoError(t, r.SweepTimeouts())
	node, err = r.GetNode(id)
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusUnhealthy, node.Status)
}

func TestClusterStatsAggregatesNodes(t *testing.T) {
	r := NewNodeRegistry(storage.NewMemoryStore(), DefaultNodeRegistryConfig())
	_, err := r.RegisterNode(types.NodeInfo{IP: "127.0.0.1", Port: 9002})
	require.NoError(t, err)

	stats, err := r.ClusterStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Active)
}
