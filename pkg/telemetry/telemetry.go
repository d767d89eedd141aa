// Package telemetry implements the worker-side resource sampler that
// periodically pushes NodeResource snapshots to the management service,
// grounded on gopsutil usage in the example corpus paired with the
// teacher's ticker-loop heartbeat idiom.
package telemetry

import (
	"context"
	"time"

	"github.com/cuemby/spear/pkg/log"
	"github.com/cuemby/spear/pkg/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

// NodeResourcePusher is the subset of the management service's node API
// the sampler needs. *manager.NodeRegistry satisfies it; cmd/spear-worker
// wires a no-op pusher, since it has no transport to the management
// service.
type NodeResourcePusher interface {
	UpdateNodeResource(nodeUUID string, res types.NodeResource) error
}

// Config tunes the sampling interval and the filesystem path sampled for
// disk usage.
type Config struct {
	NodeUUID     string
	Interval     time.Duration
	DiskPath     string
}

// DefaultConfig matches spec's single-host dev defaults.
func DefaultConfig(nodeUUID string) Config {
	return Config{NodeUUID: nodeUUID, Interval: 15 * time.Second, DiskPath: "/"}
}

// Sampler periodically collects host resource usage via gopsutil and
// pushes it to the management service.
type Sampler struct {
	cfg    Config
	pusher NodeResourcePusher

	prevNetRx uint64
	prevNetTx uint64
	prevAt    time.Time
}

// New creates a Sampler.
func New(cfg Config, pusher NodeResourcePusher) *Sampler {
	return &Sampler{cfg: cfg, pusher: pusher}
}

// Run samples and pushes on Config.Interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleAndPush(ctx)
		}
	}
}

func (s *Sampler) sampleAndPush(ctx context.Context) {
	res, err := s.collect(ctx)
	if err != nil {
		log.WithComponent("telemetry").Warn("resource sample failed: " + err.Error())
		return
	}
	if err := s.pusher.UpdateNodeResource(s.cfg.NodeUUID, *res); err != nil {
		log.WithComponent("telemetry").Warn("push node resource failed: " + err.Error())
	}
}

func (s *Sampler) collect(ctx context.Context) (*types.NodeResource, error) {
	res := types.NodeResource{NodeUUID: s.cfg.NodeUUID, UpdatedAt: time.Now()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		res.CPUUsagePercent = percents[0]
	}
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		res.CPUCores = counts
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		res.MemoryUsagePercent = vm.UsedPercent
		res.MemoryTotalBytes = vm.Total
		res.MemoryUsedBytes = vm.Used
	}

	if du, err := disk.UsageWithContext(ctx, s.cfg.DiskPath); err == nil {
		res.DiskTotalBytes = du.Total
		res.DiskUsedBytes = du.Used
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		now := time.Now()
		if !s.prevAt.IsZero() {
			elapsed := now.Sub(s.prevAt).Seconds()
			if elapsed > 0 {
				res.NetRxBps = bpsDelta(s.prevNetRx, counters[0].BytesRecv, elapsed)
				res.NetTxBps = bpsDelta(s.prevNetTx, counters[0].BytesSent, elapsed)
			}
		}
		s.prevNetRx = counters[0].BytesRecv
		s.prevNetTx = counters[0].BytesSent
		s.prevAt = now
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		res.Load1 = avg.Load1
		res.Load5 = avg.Load5
		res.Load15 = avg.Load15
	}

	return &res, nil
}

func bpsDelta(prev, cur uint64, elapsedSeconds float64) uint64 {
	if cur < prev {
		return 0
	}
	return uint64(float64(cur-prev) / elapsedSeconds)
}
