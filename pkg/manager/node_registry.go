// Package manager implements the fleet coordination plane: the node
// registry, the task registry and its event log, and the resumable event
// stream, all layered over pkg/storage. It is grounded on the teacher's
// single-struct-owns-the-store orchestration shape (pkg/manager/manager.go
// in the source repo), stripped of Raft/mTLS/DNS/ingress concerns that have
// no counterpart here.
package manager

import (
	"sync"
	"time"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/log"
	"github.com/cuemby/spear/pkg/storage"
	"github.com/cuemby/spear/pkg/types"
	"github.com/google/uuid"
)

// NodeRegistryConfig controls heartbeat sweeping.
type NodeRegistryConfig struct {
	HeartbeatTimeout time.Duration
	CleanupInterval  time.Duration
}

// DefaultNodeRegistryConfig matches the single-host dev defaults spec §6.6
// requires both binaries to start with.
func DefaultNodeRegistryConfig() NodeRegistryConfig {
	return NodeRegistryConfig{
		HeartbeatTimeout: 30 * time.Second,
		CleanupInterval:  10 * time.Second,
	}
}

// NodeRegistry owns NodeInfo and NodeResource entities.
type NodeRegistry struct {
	store storage.Store
	cfg   NodeRegistryConfig
	mu    sync.Mutex
}

// NewNodeRegistry creates a NodeRegistry over the given store.
func NewNodeRegistry(store storage.Store, cfg NodeRegistryConfig) *NodeRegistry {
	return &NodeRegistry{store: store, cfg: cfg}
}

func (r *NodeRegistry) getNodeLocked(uuidStr string) (*types.NodeInfo, error) {
	raw, found, err := r.store.Get(storage.NodeKey(uuidStr))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "read node")
	}
	if !found {
		return nil, apperr.Newf(apperr.NotFound, "node %s not found", uuidStr)
	}
	var n types.NodeInfo
	if err := jsonUnmarshal(raw, &n); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decode node")
	}
	return &n, nil
}

// RegisterNode assigns a v4 uuid and persists a new NodeInfo.
func (r *NodeRegistry) RegisterNode(info types.NodeInfo) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	info.UUID = uuid.NewString()
	info.RegisteredAt = now
	info.LastHeartbeat = now
	info.Status = types.NodeStatusActive

	raw, err := jsonMarshal(info)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "encode node")
	}
	if err := r.store.Put(storage.NodeKey(info.UUID), raw); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "persist node")
	}
	log.WithNodeID(info.UUID).Info("node registered")
	return info.UUID, nil
}

// UpdateNode applies a partial update to an existing node.
func (r *NodeRegistry) UpdateNode(uuidStr string, patch types.NodeInfoPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.getNodeLocked(uuidStr)
	if err != nil {
		return err
	}
	if patch.IP != nil {
		n.IP = *patch.IP
	}
	if patch.Port != nil {
		n.Port = *patch.Port
	}
	if patch.Status != nil {
		n.Status = *patch.Status
	}
	if patch.Metadata != nil {
		n.Metadata = patch.Metadata
	}

	raw, err := jsonMarshal(n)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode node")
	}
	if err := r.store.Put(storage.NodeKey(uuidStr), raw); err != nil {
		return apperr.Wrap(apperr.Internal, err, "persist node")
	}
	return nil
}

// DeleteNode removes a node and its resource row atomically.
func (r *NodeRegistry) DeleteNode(uuidStr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.getNodeLocked(uuidStr); err != nil {
		return err
	}
	if _, err := r.store.BatchDelete([]string{storage.NodeKey(uuidStr), storage.ResourceKey(uuidStr)}); err != nil {
		return apperr.Wrap(apperr.Internal, err, "delete node")
	}
	return nil
}

// GetNode returns the current NodeInfo for uuid.
func (r *NodeRegistry) GetNode(uuidStr string) (*types.NodeInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getNodeLocked(uuidStr)
}

// ListNodes returns all nodes, optionally filtered by status.
func (r *NodeRegistry) ListNodes(status *types.NodeStatus) ([]*types.NodeInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kvs, err := r.store.KeysWithPrefix(storage.NodePrefix)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list nodes")
	}
	var out []*types.NodeInfo
	for _, k := range kvs {
		raw, found, err := r.store.Get(k)
		if err != nil || !found {
			continue
		}
		var n types.NodeInfo
		if err := jsonUnmarshal(raw, &n); err != nil {
			continue
		}
		if status != nil && n.Status != *status {
			continue
		}
		nc := n
		out = append(out, &nc)
	}
	return out, nil
}

// Heartbeat bumps last_heartbeat for an existing node.
func (r *NodeRegistry) Heartbeat(uuidStr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, err := r.getNodeLocked(uuidStr)
	if err != nil {
		return err
	}
	n.LastHeartbeat = time.Now()
	if n.Status == types.NodeStatusUnhealthy || n.Status == types.NodeStatusInactive {
		n.Status = types.NodeStatusActive
	}
	raw, err := jsonMarshal(n)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode node")
	}
	return apperr.Wrap(apperr.Internal, r.store.Put(storage.NodeKey(uuidStr), raw), "persist heartbeat")
}

// UpdateNodeResource upserts a node's resource telemetry row.
func (r *NodeRegistry) UpdateNodeResource(uuidStr string, res types.NodeResource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.getNodeLocked(uuidStr); err != nil {
		return err
	}
	res.NodeUUID = uuidStr
	res.UpdatedAt = time.Now()
	raw, err := jsonMarshal(res)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode resource")
	}
	return apperr.Wrap(apperr.Internal, r.store.Put(storage.ResourceKey(uuidStr), raw), "persist resource")
}

// GetNodeResource returns the most recent resource telemetry for a node.
func (r *NodeRegistry) GetNodeResource(uuidStr string) (*types.NodeResource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, found, err := r.store.Get(storage.ResourceKey(uuidStr))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "read resource")
	}
	if !found {
		return nil, apperr.Newf(apperr.NotFound, "resource for node %s not found", uuidStr)
	}
	var res types.NodeResource
	if err := jsonUnmarshal(raw, &res); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decode resource")
	}
	return &res, nil
}

// ClusterStats aggregates node and resource rows into a summary.
func (r *NodeRegistry) ClusterStats() (*types.ClusterStats, error) {
	nodes, err := r.ListNodes(nil)
	if err != nil {
		return nil, err
	}

	stats := &types.ClusterStats{}
	var cpuSum, memSum float64
	for _, n := range nodes {
		stats.Total++
		switch n.Status {
		case types.NodeStatusActive:
			stats.Active++
		case types.NodeStatusInactive:
			stats.Inactive++
		case types.NodeStatusUnhealthy:
			stats.Unhealthy++
		}

		res, err := r.GetNodeResource(n.UUID)
		if err != nil {
			continue
		}
		stats.WithResources++
		cpuSum += res.CPUUsagePercent
		memSum += res.MemoryUsagePercent
		stats.TotalMemBytes += res.MemoryTotalBytes
		stats.TotalUsedMemB += res.MemoryUsedBytes
		if res.CPUCores > 0 && res.Load1 > float64(res.CPUCores) {
			stats.HighLoadNodes++
		}
	}
	if stats.WithResources > 0 {
		stats.AvgCPUPercent = cpuSum / float64(stats.WithResources)
		stats.AvgMemPercent = memSum / float64(stats.WithResources)
	}
	return stats, nil
}

// StartSweeper runs sweep_timeouts every CleanupInterval until stop is closed,
// mirroring the teacher's ticker-driven background-loop idiom.
func (r *NodeRegistry) StartSweeper(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(r.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := r.SweepTimeouts(); err != nil {
					log.WithComponent("node_registry").Warn("sweep_timeouts failed: " + err.Error())
				}
			}
		}
	}()
}

// SweepTimeouts transitions Active nodes whose last heartbeat is stale to
// Unhealthy, and Unhealthy nodes stale for 2x the timeout to Inactive. No
// lifecycle events are emitted: node state is pulled, not pushed.
func (r *NodeRegistry) SweepTimeouts() error {
	nodes, err := r.ListNodes(nil)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, n := range nodes {
		age := now.Sub(n.LastHeartbeat)
		var next *types.NodeStatus
		switch n.Status {
		case types.NodeStatusActive:
			if age > r.cfg.HeartbeatTimeout {
				s := types.NodeStatusUnhealthy
				next = &s
			}
		case types.NodeStatusUnhealthy:
			if age > 2*r.cfg.HeartbeatTimeout {
				s := types.NodeStatusInactive
				next = &s
			}
		}
		if next != nil {
			if err := r.UpdateNode(n.UUID, types.NodeInfoPatch{Status: next}); err != nil {
				log.WithNodeID(n.UUID).Warn("failed to transition stale node: " + err.Error())
			}
		}
	}
	return nil
}
