// Package scheduler maintains a per-task pool of runtime instances and
// selects one to service each invocation, generalized from the teacher's
// round-robin ticker-loop scheduler into per-task pooling with four
// selection strategies and warm-instance idle eviction.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/log"
	"github.com/cuemby/spear/pkg/metrics"
	"github.com/cuemby/spear/pkg/runtime"
	"github.com/cuemby/spear/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Strategy selects which instance services the next invocation once the
// hot/warm preference has been exhausted.
type Strategy string

const (
	StrategyFCFS           Strategy = "fcfs"
	StrategyShortestExpFirst Strategy = "shortest_expected_duration_first"
	StrategyPriority       Strategy = "priority"
	StrategyLoadAware      Strategy = "load_aware"
)

// Config bounds one task's pool.
type Config struct {
	MaxInstancesPerTask int
	MinWarmInstances    int
	IdleTimeout         time.Duration
	CleanupInterval     time.Duration
	MaxConcurrentExec   int
	BurstRatePerSecond  float64
	BurstSize           int
	Strategy            Strategy
}

// DefaultConfig matches spec's single-host dev defaults.
func DefaultConfig() Config {
	return Config{
		MaxInstancesPerTask: 8,
		MinWarmInstances:    1,
		IdleTimeout:         5 * time.Minute,
		CleanupInterval:     30 * time.Second,
		MaxConcurrentExec:   64,
		BurstRatePerSecond:  50,
		BurstSize:           100,
		Strategy:            StrategyLoadAware,
	}
}

// pool is the per-task collection of instances and their runtime state.
type pool struct {
	mu        sync.Mutex
	task      *types.Task
	cfg       Config
	instances map[string]*types.Instance
	sem       chan struct{}
	limiter   *rate.Limiter
}

func newPool(task *types.Task, cfg Config) *pool {
	return &pool{
		task:      task,
		cfg:       cfg,
		instances: make(map[string]*types.Instance),
		sem:       make(chan struct{}, cfg.MaxConcurrentExec),
		limiter:   rate.NewLimiter(rate.Limit(cfg.BurstRatePerSecond), cfg.BurstSize),
	}
}

// Scheduler owns one pool per task and the runtime registry used to create
// instances.
type Scheduler struct {
	registry *runtime.Registry
	cfg      Config

	mu    sync.Mutex
	pools map[string]*pool
	stop  chan struct{}
}

// New creates a Scheduler.
func New(registry *runtime.Registry, cfg Config) *Scheduler {
	return &Scheduler{
		registry: registry,
		cfg:      cfg,
		pools:    make(map[string]*pool),
		stop:     make(chan struct{}),
	}
}

// Start begins the idle-eviction background loop, grounded on the
// teacher's ticker-driven Scheduler.run / worker.heartbeatLoop idiom.
func (s *Scheduler) Start() {
	go func() {
		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.evictIdle()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the eviction loop.
func (s *Scheduler) Stop() {
	close(s.stop)
}

func (s *Scheduler) poolFor(task *types.Task) *pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[task.ID]
	if !ok {
		p = newPool(task, s.cfg)
		s.pools[task.ID] = p
	}
	return p
}

// Acquire selects or creates an instance to service an invocation of
// task, per spec's hot -> warm -> create-if-under-cap -> ResourceExhausted
// selection policy.
func (s *Scheduler) Acquire(ctx context.Context, task *types.Task, cfg types.InstanceConfig) (*types.Instance, error) {
	p := s.poolFor(task)

	if !p.limiter.Allow() {
		return nil, apperr.Newf(apperr.ResourceExhausted, "task %s exceeded burst rate limit", task.ID)
	}

	select {
	case p.sem <- struct{}{}:
	default:
		return nil, apperr.Newf(apperr.ResourceExhausted, "task %s at max concurrent executions", task.ID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if inst := selectInstance(p, s.cfg.Strategy); inst != nil {
		inst.Status = types.InstanceExecuting
		inst.LastActive = time.Now()
		return inst, nil
	}

	if len(p.instances) >= p.cfg.MaxInstancesPerTask {
		<-p.sem
		return nil, apperr.Newf(apperr.ResourceExhausted, "task %s at max_instances_per_task=%d", task.ID, p.cfg.MaxInstancesPerTask)
	}

	inst, err := s.createLocked(ctx, task, cfg)
	if err != nil {
		<-p.sem
		return nil, err
	}
	inst.Status = types.InstanceExecuting
	p.instances[inst.ID] = inst
	return inst, nil
}

// Lookup finds an instance by ID across all task pools, used by the
// control channel to authenticate an incoming connection against the
// instance's secret and to report lifecycle transitions back.
func (s *Scheduler) Lookup(instanceID string) (*types.Instance, bool) {
	s.mu.Lock()
	pools := make([]*pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	for _, p := range pools {
		p.mu.Lock()
		inst, ok := p.instances[instanceID]
		p.mu.Unlock()
		if ok {
			return inst, true
		}
	}
	return nil, false
}

// MarkStatus updates an instance's status in place, used by the control
// channel to reflect Degraded/Failed transitions observed on the wire.
func (s *Scheduler) MarkStatus(instanceID string, status types.InstanceStatus) {
	if inst, ok := s.Lookup(instanceID); ok {
		inst.Status = status
	}
}

// Release returns an instance to the warm pool after an invocation
// completes.
func (s *Scheduler) Release(task *types.Task, instanceID string) {
	p := s.poolFor(task)
	p.mu.Lock()
	defer p.mu.Unlock()
	if inst, ok := p.instances[instanceID]; ok {
		inst.Status = types.InstanceReady
		inst.LastActive = time.Now()
	}
	select {
	case <-p.sem:
	default:
	}
}

func (s *Scheduler) createLocked(ctx context.Context, task *types.Task, cfg types.InstanceConfig) (*types.Instance, error) {
	rt, err := s.registry.Get(cfg.RuntimeType)
	if err != nil {
		return nil, err
	}

	cfg.InstanceID = uuid.NewString()
	secretBytes := make([]byte, 16)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "generate instance secret")
	}
	cfg.Secret = hex.EncodeToString(secretBytes)

	timer := metrics.NewTimer()
	handle, err := rt.CreateInstance(ctx, cfg)
	timer.ObserveDurationVec(metrics.InstanceCreateDuration, string(cfg.RuntimeType))
	if err != nil {
		metrics.InstancesFailed.Inc()
		return nil, err
	}

	inst := &types.Instance{
		ID:            cfg.InstanceID,
		TaskID:        task.ID,
		RuntimeType:   cfg.RuntimeType,
		Config:        cfg,
		Status:        types.InstanceWarmingUp,
		ResourceLimits: cfg.ResourceLimits,
		Secret:        cfg.Secret,
		RuntimeHandle: handle,
		CreatedAt:     time.Now(),
		LastActive:    time.Now(),
	}

	startTimer := metrics.NewTimer()
	if err := rt.StartInstance(ctx, handle); err != nil {
		startTimer.ObserveDurationVec(metrics.InstanceStartDuration, string(cfg.RuntimeType))
		metrics.InstancesFailed.Inc()
		inst.Status = types.InstanceFailed
		return nil, err
	}
	startTimer.ObserveDurationVec(metrics.InstanceStartDuration, string(cfg.RuntimeType))

	// Native-process instances dial back over the control channel and only
	// become Ready once authenticated (§4.7 step 3); wasm and container have
	// no such handshake and are Ready as soon as StartInstance returns.
	if cfg.RuntimeType != types.RuntimeNativeProcess {
		inst.Status = types.InstanceReady
	}
	metrics.InstancesTotal.WithLabelValues(task.ID, string(inst.Status)).Inc()
	metrics.InstancesScheduled.Inc()
	log.WithInstanceID(inst.ID).Info("instance created and started")
	return inst, nil
}

// selectInstance applies the hot -> warm preference, breaking ties with
// strategy, and returns nil if no Ready instance is available.
func selectInstance(p *pool, strategy Strategy) *types.Instance {
	var candidates []*types.Instance
	for _, inst := range p.instances {
		if inst.Status == types.InstanceReady {
			candidates = append(candidates, inst)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	switch strategy {
	case StrategyPriority:
		// All instances in a per-task pool share the task's priority, so
		// priority only affects cross-task admission ordering, which is
		// the scheduler's caller's concern; within a pool it falls back
		// to the same recency preference as the default strategy.
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].LastActive.After(candidates[j].LastActive)
		})
	case StrategyLoadAware:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Metrics.InFlight < candidates[j].Metrics.InFlight
		})
	case StrategyShortestExpFirst:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Metrics.ExecutionsTotal < candidates[j].Metrics.ExecutionsTotal
		})
	case StrategyFCFS:
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		})
	default:
		// Default selection prefers the most recently active instance
		// to maximize cache locality, per spec's default hot-pool policy.
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].LastActive.After(candidates[j].LastActive)
		})
	}
	return candidates[0]
}

// evictIdle stops and removes instances idle past IdleTimeout, never
// dropping a task's Ready count below MinWarmInstances.
func (s *Scheduler) evictIdle() {
	s.mu.Lock()
	pools := make([]*pool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	for _, p := range pools {
		s.evictIdleInPool(p)
	}
}

func (s *Scheduler) evictIdleInPool(p *pool) {
	p.mu.Lock()
	var ready []*types.Instance
	for _, inst := range p.instances {
		if inst.Status == types.InstanceReady {
			ready = append(ready, inst)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].LastActive.Before(ready[j].LastActive) })

	now := time.Now()
	var evict []*types.Instance
	for _, inst := range ready {
		if len(ready)-len(evict) <= p.cfg.MinWarmInstances {
			break
		}
		if now.Sub(inst.LastActive) > p.cfg.IdleTimeout {
			evict = append(evict, inst)
		}
	}
	for _, inst := range evict {
		inst.Status = types.InstanceTerminating
		delete(p.instances, inst.ID)
	}
	p.mu.Unlock()

	for _, inst := range evict {
		s.stopAndCleanup(inst)
	}
}

func (s *Scheduler) stopAndCleanup(inst *types.Instance) {
	rt, err := s.registry.Get(inst.RuntimeType)
	if err != nil {
		return
	}
	ctx := context.Background()
	stopTimer := metrics.NewTimer()
	if err := rt.StopInstance(ctx, inst.RuntimeHandle); err != nil {
		log.WithInstanceID(inst.ID).Warn("stop instance failed during idle eviction: " + err.Error())
	}
	stopTimer.ObserveDurationVec(metrics.InstanceStopDuration, string(inst.RuntimeType))
	if err := rt.Cleanup(ctx, inst.RuntimeHandle); err != nil {
		log.WithInstanceID(inst.ID).Warn("cleanup instance failed during idle eviction: " + err.Error())
	}
	inst.Status = types.InstanceTerminated
}
