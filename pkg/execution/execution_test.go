package execution

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/runtime"
	"github.com/cuemby/spear/pkg/storage"
	"github.com/cuemby/spear/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubArtifacts struct {
	artifact *types.Artifact
	err      error
}

func (s *stubArtifacts) Resolve(ctx context.Context, spec types.ArtifactSpec) (*types.Artifact, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.artifact, nil
}

type stubPool struct {
	acquireErr   error
	instance     *types.Instance
	released     []string
	acquireCalls int
}

func (s *stubPool) Acquire(ctx context.Context, task *types.Task, cfg types.InstanceConfig) (*types.Instance, error) {
	s.acquireCalls++
	if s.acquireErr != nil {
		return nil, s.acquireErr
	}
	return s.instance, nil
}

func (s *stubPool) Release(task *types.Task, instanceID string) {
	s.released = append(s.released, instanceID)
}

type stubChannel struct {
	attempts int
	failN    int
	failKind apperr.Kind
	resp     types.ExecuteResponse
}

func (s *stubChannel) Execute(ctx context.Context, instanceID string, requestID uint64, req types.ExecuteRequest) (*types.ExecuteResponse, error) {
	s.attempts++
	if s.attempts <= s.failN {
		return nil, apperr.New(s.failKind, "simulated failure")
	}
	return &s.resp, nil
}

func (s *stubChannel) Cancel(instanceID string, requestID uint64) error { return nil }

func newTestManager(t *testing.T, artifacts ArtifactResolver, pool InstancePool, channel ControlChannel) *Manager {
	t.Helper()
	return newTestManagerWithRuntimes(t, artifacts, pool, channel, runtime.NewRegistry())
}

func newTestManagerWithRuntimes(t *testing.T, artifacts ArtifactResolver, pool InstancePool, channel ControlChannel, runtimes *runtime.Registry) *Manager {
	t.Helper()
	store := storage.NewMemoryStore()
	tasks := NewMemoryTaskIndex()
	cfg := DefaultConfig()
	cfg.RetryBackoffInitial = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond
	return New(cfg, artifacts, pool, channel, runtimes, tasks, store)
}

// stubRuntime is a minimal runtime.Runtime double used to drive dispatch
// through a real *runtime.Registry without wazero or containerd.
type stubRuntime struct {
	resp *types.RuntimeExecutionResponse
	err  error
}

func (s *stubRuntime) CreateInstance(ctx context.Context, cfg types.InstanceConfig) (any, error) {
	return "handle", nil
}
func (s *stubRuntime) StartInstance(ctx context.Context, h any) error { return nil }
func (s *stubRuntime) Execute(ctx context.Context, h any, execCtx types.ExecutionContext) (*types.RuntimeExecutionResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}
func (s *stubRuntime) StopInstance(ctx context.Context, h any) error { return nil }
func (s *stubRuntime) Cleanup(ctx context.Context, h any) error     { return nil }
func (s *stubRuntime) Health(ctx context.Context, h any) (types.HealthStatus, error) {
	return types.HealthStatus{Healthy: true}, nil
}
func (s *stubRuntime) Capabilities() types.RuntimeCapabilities { return types.RuntimeCapabilities{} }
func (s *stubRuntime) ValidateConfig(cfg types.InstanceConfig) error { return nil }

func TestSubmitExecutionSyncSuccess(t *testing.T) {
	pool := &stubPool{instance: &types.Instance{ID: "inst-1"}}
	channel := &stubChannel{resp: types.ExecuteResponse{Status: types.ExecuteCompleted, Output: map[string]any{"ok": true}}}
	m := newTestManager(t, &stubArtifacts{artifact: &types.Artifact{Type: types.ExecutableBinary, URI: "sms+file://abc", Validated: types.ValidationValid}}, pool, channel)

	resp, err := m.SubmitExecution(context.Background(), types.InvokeFunctionRequest{
		InvocationType: types.InvocationNewTask,
		TaskName:       "demo",
		ArtifactSpec:   &types.ArtifactSpec{Type: types.ExecutableBinary, URI: "sms+file://abc"},
		FunctionName:   "handler",
		ExecutionMode:  types.ExecutionSync,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, resp.Status)
	assert.Equal(t, []string{"inst-1"}, pool.released)
}

func TestSubmitExecutionRetriesOnTransportThenSucceeds(t *testing.T) {
	pool := &stubPool{instance: &types.Instance{ID: "inst-1"}}
	channel := &stubChannel{failN: 2, failKind: apperr.Transport, resp: types.ExecuteResponse{Status: types.ExecuteCompleted}}
	m := newTestManager(t, &stubArtifacts{artifact: &types.Artifact{Type: types.ExecutableBinary, URI: "sms+file://abc", Validated: types.ValidationValid}}, pool, channel)

	resp, err := m.SubmitExecution(context.Background(), types.InvokeFunctionRequest{
		InvocationType: types.InvocationNewTask,
		TaskName:       "demo",
		ArtifactSpec:   &types.ArtifactSpec{Type: types.ExecutableBinary, URI: "sms+file://abc"},
		FunctionName:   "handler",
		ExecutionMode:  types.ExecutionSync,
		MaxRetries:     3,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, resp.Status)
	assert.Equal(t, 3, channel.attempts)
}

func TestSubmitExecutionDoesNotRetryInvalidArgument(t *testing.T) {
	pool := &stubPool{instance: &types.Instance{ID: "inst-1"}}
	channel := &stubChannel{failN: 99, failKind: apperr.InvalidArgument}
	m := newTestManager(t, &stubArtifacts{artifact: &types.Artifact{Type: types.ExecutableBinary, URI: "sms+file://abc", Validated: types.ValidationValid}}, pool, channel)

	_, err := m.SubmitExecution(context.Background(), types.InvokeFunctionRequest{
		InvocationType: types.InvocationNewTask,
		TaskName:       "demo",
		ArtifactSpec:   &types.ArtifactSpec{Type: types.ExecutableBinary, URI: "sms+file://abc"},
		FunctionName:   "handler",
		ExecutionMode:  types.ExecutionSync,
		MaxRetries:     5,
	})
	require.Error(t, err)
	assert.Equal(t, 1, channel.attempts)
}

func TestSubmitExecutionAsyncTracksStatus(t *testing.T) {
	pool := &stubPool{instance: &types.Instance{ID: "inst-1"}}
	channel := &stubChannel{resp: types.ExecuteResponse{Status: types.ExecuteCompleted, Output: map[string]any{"done": true}}}
	m := newTestManager(t, &stubArtifacts{artifact: &types.Artifact{Type: types.ExecutableBinary, URI: "sms+file://abc", Validated: types.ValidationValid}}, pool, channel)

	resp, err := m.SubmitExecution(context.Background(), types.InvokeFunctionRequest{
		InvocationType: types.InvocationNewTask,
		TaskName:       "demo",
		ArtifactSpec:   &types.ArtifactSpec{Type: types.ExecutableBinary, URI: "sms+file://abc"},
		FunctionName:   "handler",
		ExecutionMode:  types.ExecutionAsync,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionPending, resp.Status)

	require.Eventually(t, func() bool {
		status, err := m.GetExecutionStatus(resp.ExecutionID)
		return err == nil && status.Found && status.Status == types.ExecutionCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestGetExecutionStatusNotFound(t *testing.T) {
	m := newTestManager(t, &stubArtifacts{artifact: &types.Artifact{Type: types.ExecutableBinary, URI: "sms+file://abc", Validated: types.ValidationValid}}, &stubPool{}, &stubChannel{})
	status, err := m.GetExecutionStatus("nonexistent")
	require.NoError(t, err)
	assert.False(t, status.Found)
}

func TestSubmitExecutionInvalidWasmArtifactNeverAcquiresInstance(t *testing.T) {
	pool := &stubPool{instance: &types.Instance{ID: "inst-1"}}
	artifacts := &stubArtifacts{err: apperr.New(apperr.InvalidArgument, "artifact is not a valid wasm module")}
	m := newTestManager(t, artifacts, pool, &stubChannel{})

	_, err := m.SubmitExecution(context.Background(), types.InvokeFunctionRequest{
		InvocationType: types.InvocationNewTask,
		TaskName:       "demo",
		ArtifactSpec:   &types.ArtifactSpec{Type: types.ExecutableWasm, URI: "sms+file://bad"},
		FunctionName:   "handler",
		ExecutionMode:  types.ExecutionSync,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
	assert.Empty(t, pool.released)
	assert.Equal(t, 0, pool.acquireCalls)
}

func TestSubmitExecutionWasmDispatchesThroughRuntimeRegistry(t *testing.T) {
	pool := &stubPool{instance: &types.Instance{ID: "inst-1", RuntimeHandle: "wasm-handle"}}
	channel := &stubChannel{}
	registry := runtime.NewRegistry()
	registry.Register(types.RuntimeWasm, &stubRuntime{
		resp: &types.RuntimeExecutionResponse{Status: types.ExecuteCompleted, Output: map[string]any{"result": "ok"}},
	})
	artifacts := &stubArtifacts{artifact: &types.Artifact{Type: types.ExecutableWasm, URI: "sms+file://mod.wasm", Validated: types.ValidationValid}}
	m := newTestManagerWithRuntimes(t, artifacts, pool, channel, registry)

	resp, err := m.SubmitExecution(context.Background(), types.InvokeFunctionRequest{
		InvocationType: types.InvocationNewTask,
		TaskName:       "wasm-demo",
		ArtifactSpec:   &types.ArtifactSpec{Type: types.ExecutableWasm, URI: "sms+file://mod.wasm"},
		FunctionName:   "handler",
		ExecutionMode:  types.ExecutionSync,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, resp.Status)
	assert.Equal(t, "ok", resp.Result["result"])
	assert.Equal(t, 0, channel.attempts)
}

func TestSubmitExecutionContainerDispatchesThroughRuntimeRegistry(t *testing.T) {
	pool := &stubPool{instance: &types.Instance{ID: "inst-1", RuntimeHandle: "container-handle"}}
	channel := &stubChannel{}
	registry := runtime.NewRegistry()
	registry.Register(types.RuntimeContainer, &stubRuntime{
		resp: &types.RuntimeExecutionResponse{Status: types.ExecuteCompleted, Output: map[string]any{"result": "ok"}},
	})
	artifacts := &stubArtifacts{artifact: &types.Artifact{Type: types.ExecutableContainer, URI: "registry.example/img:latest", Validated: types.ValidationValid}}
	m := newTestManagerWithRuntimes(t, artifacts, pool, channel, registry)

	resp, err := m.SubmitExecution(context.Background(), types.InvokeFunctionRequest{
		InvocationType: types.InvocationNewTask,
		TaskName:       "container-demo",
		ArtifactSpec:   &types.ArtifactSpec{Type: types.ExecutableContainer, URI: "registry.example/img:latest"},
		FunctionName:   "handler",
		ExecutionMode:  types.ExecutionSync,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, resp.Status)
	assert.Equal(t, "ok", resp.Result["result"])
	assert.Equal(t, 0, channel.attempts)
}

// TestSubmitExecutionProcessExecutableSyncOverControlChannel mirrors spec's
// scenario 4: a "process" executable is a native-process instance invoked
// over the control channel, not the runtime registry (which here holds no
// wasm/container entries at all, so a misroute would fail loudly).
func TestSubmitExecutionProcessExecutableSyncOverControlChannel(t *testing.T) {
	pool := &stubPool{instance: &types.Instance{ID: "inst-1"}}
	channel := &stubChannel{resp: types.ExecuteResponse{Status: types.ExecuteCompleted, Output: map[string]any{"s": "olleh"}}}
	registry := runtime.NewRegistry()

	store := storage.NewMemoryStore()
	tasks := NewMemoryTaskIndex()
	tasks.Put(&types.Task{
		ID:         "echo-task",
		Name:       "echo-agent",
		Status:     types.TaskStatusRegistered,
		Executable: types.Executable{Type: types.ExecutableProcess, Name: "/bin/echo-agent"},
	})
	cfg := DefaultConfig()
	cfg.RetryBackoffInitial = time.Millisecond
	cfg.RetryBackoffMax = 5 * time.Millisecond
	m := New(cfg, &stubArtifacts{}, pool, channel, registry, tasks, store)

	resp, err := m.SubmitExecution(context.Background(), types.InvokeFunctionRequest{
		InvocationType: types.InvocationExistingTask,
		TaskID:         "echo-task",
		FunctionName:   "reverse",
		Args:           map[string]any{"s": "hello"},
		ExecutionMode:  types.ExecutionSync,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ExecutionCompleted, resp.Status)
	assert.Equal(t, "olleh", resp.Result["s"])
	assert.Equal(t, 1, channel.attempts)
}

func TestSubmitExecutionRejectsStreamMode(t *testing.T) {
	m := newTestManager(t, &stubArtifacts{artifact: &types.Artifact{Type: types.ExecutableBinary, URI: "sms+file://abc", Validated: types.ValidationValid}}, &stubPool{}, &stubChannel{})
	_, err := m.SubmitExecution(context.Background(), types.InvokeFunctionRequest{
		InvocationType: types.InvocationExistingTask,
		TaskID:         "t1",
		FunctionName:   "handler",
		ExecutionMode:  types.ExecutionStream,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.InvalidArgument, apperr.KindOf(err))
}
