package control

import (
	"fmt"
	"net"
	"sync"

	"github.com/cuemby/spear/pkg/apperr"
)

// PortRange bounds the loopback ports handed out for instance control
// channels.
type PortRange struct {
	Min int
	Max int
}

// DefaultPortRange matches spec's default allocation window.
func DefaultPortRange() PortRange {
	return PortRange{Min: 9100, Max: 65535}
}

// PortAllocator hands out exclusive TCP ports from a bounded range,
// grounded in shape on the teacher's mutex-guarded scarce-resource
// allocator for host ports, generalized from iptables-published ports to
// a plain net.Listen probe over a numeric range.
type PortAllocator struct {
	mu       sync.Mutex
	rng      PortRange
	inUse    map[int]bool
	nextScan int
}

// NewPortAllocator creates a PortAllocator over rng.
func NewPortAllocator(rng PortRange) *PortAllocator {
	return &PortAllocator{
		rng:      rng,
		inUse:    make(map[int]bool),
		nextScan: rng.Min,
	}
}

// Allocate reserves and returns a free port, verifying it is actually
// bindable before handing it out.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.rng.Max - a.rng.Min + 1
	for i := 0; i < span; i++ {
		port := a.rng.Min + (a.nextScan-a.rng.Min+i)%span
		if a.inUse[port] {
			continue
		}
		if !probeBindable(port) {
			continue
		}
		a.inUse[port] = true
		a.nextScan = port + 1
		return port, nil
	}
	return 0, apperr.Newf(apperr.ResourceExhausted, "no free port in range %d-%d", a.rng.Min, a.rng.Max)
}

// Release returns port to the pool.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
}

func probeBindable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
