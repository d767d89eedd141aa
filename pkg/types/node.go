package types

import "time"

// NodeStatus is the health state of a registered worker node.
type NodeStatus string

const (
	NodeStatusActive    NodeStatus = "Active"
	NodeStatusInactive  NodeStatus = "Inactive"
	NodeStatusUnhealthy NodeStatus = "Unhealthy"
)

// NodeInfo is a registered worker node. A NodeInfo key exists in the store
// iff the node is registered.
type NodeInfo struct {
	UUID          string            `json:"uuid"`
	IP            string            `json:"ip"`
	Port          int               `json:"port"`
	Status        NodeStatus        `json:"status"`
	RegisteredAt  time.Time         `json:"registered_at"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Metadata      map[string]string `json:"metadata"`
}

// NodeInfoPatch carries the optional, partial fields update_node accepts.
type NodeInfoPatch struct {
	IP       *string           `json:"ip,omitempty"`
	Port     *int              `json:"port,omitempty"`
	Status   *NodeStatus       `json:"status,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NodeResource is the most recently reported telemetry for a node. It
// exists only while the matching NodeInfo exists; deleting a node deletes
// its resource row in the same batch.
type NodeResource struct {
	NodeUUID           string            `json:"node_uuid"`
	CPUUsagePercent    float64           `json:"cpu_usage_percent"`
	CPUCores           int               `json:"cpu_cores"`
	MemoryUsagePercent float64           `json:"memory_usage_percent"`
	MemoryTotalBytes   uint64            `json:"memory_total_bytes"`
	MemoryUsedBytes    uint64            `json:"memory_used_bytes"`
	DiskTotalBytes     uint64            `json:"disk_total_bytes"`
	DiskUsedBytes      uint64            `json:"disk_used_bytes"`
	NetRxBps           uint64            `json:"net_rx_bps"`
	NetTxBps           uint64            `json:"net_tx_bps"`
	Load1              float64           `json:"load1"`
	Load5              float64           `json:"load5"`
	Load15             float64           `json:"load15"`
	ResourceMetadata   map[string]string `json:"resource_metadata"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// ClusterStats is the aggregate snapshot returned by cluster_stats.
type ClusterStats struct {
	Total           int     `json:"total"`
	Active          int     `json:"active"`
	Inactive        int     `json:"inactive"`
	Unhealthy       int     `json:"unhealthy"`
	WithResources   int     `json:"with_resources"`
	AvgCPUPercent   float64 `json:"avg_cpu"`
	AvgMemPercent   float64 `json:"avg_mem"`
	TotalMemBytes   uint64  `json:"total_mem_bytes"`
	TotalUsedMemB   uint64  `json:"total_used_mem_bytes"`
	HighLoadNodes   int     `json:"high_load_nodes"`
}
