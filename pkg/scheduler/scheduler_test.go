package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/runtime"
	"github.com/cuemby/spear/pkg/types"
	"github.com/stretchr/testify/require"
)

type stubRuntime struct {
	createErr error
	handles   int
}

func (s *stubRuntime) CreateInstance(ctx context.Context, cfg types.InstanceConfig) (any, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.handles++
	return s.handles, nil
}
func (s *stubRuntime) StartInstance(ctx context.Context, h any) error { return nil }
func (s *stubRuntime) Execute(ctx context.Context, h any, e types.ExecutionContext) (*types.RuntimeExecutionResponse, error) {
	return &types.RuntimeExecutionResponse{Status: types.ExecuteCompleted}, nil
}
func (s *stubRuntime) StopInstance(ctx context.Context, h any) error { return nil }
func (s *stubRuntime) Cleanup(ctx context.Context, h any) error     { return nil }
func (s *stubRuntime) Health(ctx context.Context, h any) (types.HealthStatus, error) {
	return types.HealthStatus{Healthy: true}, nil
}
func (s *stubRuntime) Capabilities() types.RuntimeCapabilities { return types.RuntimeCapabilities{} }
func (s *stubRuntime) ValidateConfig(cfg types.InstanceConfig) error { return nil }

func newTestScheduler(maxInstances int) (*Scheduler, *types.Task) {
	reg := runtime.NewRegistry()
	reg.Register(types.RuntimeNativeProcess, &stubRuntime{})
	cfg := DefaultConfig()
	cfg.MaxInstancesPerTask = maxInstances
	cfg.MaxConcurrentExec = maxInstances
	cfg.BurstRatePerSecond = 1000
	cfg.BurstSize = 1000
	s := New(reg, cfg)
	task := &types.Task{ID: "task-1", Priority: types.PriorityNormal}
	return s, task
}

func TestAcquireCreatesUpToMaxInstances(t *testing.T) {
	s, task := newTestScheduler(2)
	instCfg := types.InstanceConfig{RuntimeType: types.RuntimeNativeProcess, TaskID: task.ID}

	inst1, err := s.Acquire(context.Background(), task, instCfg)
	require.NoError(t, err)
	inst2, err := s.Acquire(context.Background(), task, instCfg)
	require.NoError(t, err)
	require.NotEqual(t, inst1.ID, inst2.ID)

	_, err = s.Acquire(context.Background(), task, instCfg)
	require.Error(t, err)
	require.Equal(t, apperr.ResourceExhausted, apperr.KindOf(err))
}

func TestReleaseAllowsReuse(t *testing.T) {
	s, task := newTestScheduler(1)
	instCfg := types.InstanceConfig{RuntimeType: types.RuntimeNativeProcess, TaskID: task.ID}

	inst, err := s.Acquire(context.Background(), task, instCfg)
	require.NoError(t, err)
	s.Release(task, inst.ID)

	inst2, err := s.Acquire(context.Background(), task, instCfg)
	require.NoError(t, err)
	require.Equal(t, inst.ID, inst2.ID)
}

func TestEvictIdleRespectsMinWarmInstances(t *testing.T) {
	reg := runtime.NewRegistry()
	reg.Register(types.RuntimeNativeProcess, &stubRuntime{})
	cfg := DefaultConfig()
	cfg.MaxInstancesPerTask = 3
	cfg.MinWarmInstances = 1
	cfg.IdleTimeout = 1 * time.Millisecond
	s := New(reg, cfg)
	task := &types.Task{ID: "task-2"}
	instCfg := types.InstanceConfig{RuntimeType: types.RuntimeNativeProcess, TaskID: task.ID}

	inst1, err := s.Acquire(context.Background(), task, instCfg)
	require.NoError(t, err)
	s.Release(task, inst1.ID)
	inst2, err := s.Acquire(context.Background(), task, instCfg)
	require.NoError(t, err)
	s.Release(task, inst2.ID)

	time.Sleep(5 * time.Millisecond)
	s.evictIdle()

	p := s.poolFor(task)
	p.mu.Lock()
	remaining := len(p.instances)
	p.mu.Unlock()
	require.Equal(t, 1, remaining)
}
