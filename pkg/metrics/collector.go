package metrics

import "time"

// Collector periodically snapshots fleet state into the NodesTotal/
// TasksTotal gauges, so a status transition (e.g. a node swept to
// Unhealthy, or a task deleted) is reflected even though nothing calls
// Inc()/Dec() on the gauge at the point of change.
type Collector struct {
	nodeCounts func() map[string]int
	taskCounts func() map[string]int
	interval   time.Duration
	stopCh     chan struct{}
}

// NewCollector creates a Collector. nodeCounts/taskCounts each return a
// status -> count snapshot; callers typically close over a
// *manager.NodeRegistry/*manager.TaskRegistry ListNodes/ListTasks call.
func NewCollector(interval time.Duration, nodeCounts, taskCounts func() map[string]int) *Collector {
	return &Collector{nodeCounts: nodeCounts, taskCounts: taskCounts, interval: interval, stopCh: make(chan struct{})}
}

// Start begins collecting on a ticker, sampling immediately first.
func (c *Collector) Start() {
	c.collect()
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the collector's ticker goroutine.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	NodesTotal.Reset()
	for status, n := range c.nodeCounts() {
		NodesTotal.WithLabelValues(status).Set(float64(n))
	}

	TasksTotal.Reset()
	for status, n := range c.taskCounts() {
		TasksTotal.WithLabelValues(status).Set(float64(n))
	}
}
