// Package execution implements the worker-side Task Execution Manager:
// submit/status/cancel plus sync, async, and streaming dispatch over the
// instance pool and control channel, generalized from the teacher's
// per-task monitor goroutine in pkg/worker/worker.go.
package execution

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/log"
	"github.com/cuemby/spear/pkg/metrics"
	"github.com/cuemby/spear/pkg/runtime"
	"github.com/cuemby/spear/pkg/storage"
	"github.com/cuemby/spear/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ArtifactResolver resolves an ArtifactSpec into a validated, local
// Artifact. Satisfied by *artifact.Manager.
type ArtifactResolver interface {
	Resolve(ctx context.Context, spec types.ArtifactSpec) (*types.Artifact, error)
}

// InstancePool acquires and releases runtime instances per task.
// Satisfied by *scheduler.Scheduler.
type InstancePool interface {
	Acquire(ctx context.Context, task *types.Task, cfg types.InstanceConfig) (*types.Instance, error)
	Release(task *types.Task, instanceID string)
}

// ControlChannel dispatches a single request to an instance's control
// connection. Satisfied by *control.Manager.
type ControlChannel interface {
	Execute(ctx context.Context, instanceID string, requestID uint64, req types.ExecuteRequest) (*types.ExecuteResponse, error)
	Cancel(instanceID string, requestID uint64) error
}

// TaskIndex is the worker's local view of registered tasks, kept current
// by the event subscriber and consulted here to resolve ExistingTask and
// register NewTask invocations.
type TaskIndex interface {
	Get(taskID string) (*types.Task, bool)
	Put(task *types.Task)
}

// MemoryTaskIndex is a trivial in-memory TaskIndex, used standalone or as
// the backing store the subscriber keeps current.
type MemoryTaskIndex struct {
	mu    sync.RWMutex
	tasks map[string]*types.Task
}

// NewMemoryTaskIndex creates an empty MemoryTaskIndex.
func NewMemoryTaskIndex() *MemoryTaskIndex {
	return &MemoryTaskIndex{tasks: make(map[string]*types.Task)}
}

func (m *MemoryTaskIndex) Get(taskID string) (*types.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	return t, ok
}

func (m *MemoryTaskIndex) Put(task *types.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
}

// Config tunes the execution manager's retry and concurrency behavior.
type Config struct {
	MaxConcurrentExecutions int
	RetryBackoffInitial     time.Duration
	RetryBackoffMax         time.Duration
	RetryRatePerSecond      float64
}

// DefaultConfig matches spec's single-host dev defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentExecutions: 256,
		RetryBackoffInitial:     100 * time.Millisecond,
		RetryBackoffMax:         5 * time.Second,
		RetryRatePerSecond:      20,
	}
}

// Manager is the Task Execution Manager: it owns no state about
// instances or artifacts itself, only the dispatch and bookkeeping logic
// that ties ArtifactResolver, InstancePool, ControlChannel, and TaskIndex
// together into submit/status/cancel/stream.
type Manager struct {
	cfg       Config
	artifacts ArtifactResolver
	pool      InstancePool
	channel   ControlChannel
	runtimes  *runtime.Registry
	tasks     TaskIndex
	store     storage.Store

	sem          chan struct{}
	retryLimiter *rate.Limiter

	mu      sync.Mutex
	running map[string]*runningExecution
}

type runningExecution struct {
	instanceID string
	requestID  uint64
	cancel     context.CancelFunc
}

// New creates a Manager. runtimes resolves a RuntimeType to the concrete
// Runtime dispatchOnce calls Execute on directly for wasm and container
// tasks; native-process tasks are invoked over channel instead.
func New(cfg Config, artifacts ArtifactResolver, pool InstancePool, channel ControlChannel, runtimes *runtime.Registry, tasks TaskIndex, store storage.Store) *Manager {
	return &Manager{
		cfg:       cfg,
		artifacts: artifacts,
		pool:      pool,
		channel:   channel,
		runtimes:  runtimes,
		tasks:     tasks,
		store:     store,
		sem:       make(chan struct{}, cfg.MaxConcurrentExecutions),
		retryLimiter: rate.NewLimiter(rate.Limit(cfg.RetryRatePerSecond), int(cfg.RetryRatePerSecond)+1),
		running:   make(map[string]*runningExecution),
	}
}

// SubmitExecution validates and dispatches req per its execution_mode.
func (m *Manager) SubmitExecution(ctx context.Context, req types.InvokeFunctionRequest) (*types.ExecutionResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.ExecutionMode == types.ExecutionStream {
		return nil, apperr.New(apperr.InvalidArgument, "stream mode must use the streaming entry point, not submit_execution")
	}

	task, err := m.ensureTask(ctx, req)
	if err != nil {
		return nil, err
	}

	executionID := uuid.NewString()
	record := &types.ExecutionRecord{
		ExecutionID: executionID,
		TaskID:      task.ID,
		Mode:        req.ExecutionMode,
		Status:      types.ExecutionPending,
		StartedAt:   time.Now(),
	}

	switch req.ExecutionMode {
	case types.ExecutionSync:
		m.persist(record)
		record.Status = types.ExecutionRunning
		m.persist(record)
		resp, err := m.runOnce(ctx, task, req, record)
		m.persist(record)
		if err != nil {
			return nil, err
		}
		return resp, nil

	case types.ExecutionAsync:
		m.persist(record)
		go m.runAsync(task, req, record)
		return &types.ExecutionResponse{
			ExecutionID:           executionID,
			Status:                types.ExecutionPending,
			StatusEndpoint:        "/api/v1/executions/" + executionID + "/status",
			EstimatedCompletionMs: req.TimeoutMs,
		}, nil

	default:
		return nil, apperr.Newf(apperr.InvalidArgument, "unknown execution_mode %q", req.ExecutionMode)
	}
}

// StreamFunction returns a finite, cancellable channel of partial
// results; it is the only valid entry point for ExecutionStream mode.
func (m *Manager) StreamFunction(ctx context.Context, req types.InvokeFunctionRequest) (<-chan types.StreamExecutionResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	task, err := m.ensureTask(ctx, req)
	if err != nil {
		return nil, err
	}

	executionID := uuid.NewString()
	out := make(chan types.StreamExecutionResult, 1)

	go func() {
		defer close(out)
		record := &types.ExecutionRecord{
			ExecutionID: executionID,
			TaskID:      task.ID,
			Mode:        types.ExecutionStream,
			Status:      types.ExecutionRunning,
			StartedAt:   time.Now(),
		}
		m.persist(record)

		resp, err := m.runOnce(ctx, task, req, record)
		if err != nil {
			out <- types.StreamExecutionResult{ExecutionID: executionID, Done: true, Error: err.Error()}
			return
		}
		out <- types.StreamExecutionResult{ExecutionID: executionID, Sequence: 0, Chunk: resp.Result, Done: true}
	}()

	return out, nil
}

// GetExecutionStatus answers get_execution_status.
func (m *Manager) GetExecutionStatus(executionID string) (*types.ExecutionStatusResponse, error) {
	raw, ok, err := m.store.Get(storage.ExecutionKey(executionID))
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, err, "get execution record")
	}
	if !ok {
		return &types.ExecutionStatusResponse{Found: false}, nil
	}
	var record types.ExecutionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decode execution record")
	}
	resp := &types.ExecutionStatusResponse{
		Found:  true,
		Status: record.Status,
		Result: record.Result,
		Error:  record.Error,
	}
	if !record.StartedAt.IsZero() {
		resp.StartedAt = &record.StartedAt
	}
	if !record.CompletedAt.IsZero() {
		resp.CompletedAt = &record.CompletedAt
	}
	return resp, nil
}

// CancelExecution sends a best-effort cancel signal over the control
// channel and marks the record Cancelled; idempotent.
func (m *Manager) CancelExecution(executionID string) (bool, error) {
	m.mu.Lock()
	running, ok := m.running[executionID]
	m.mu.Unlock()

	status, err := m.GetExecutionStatus(executionID)
	if err != nil {
		return false, err
	}
	if !status.Found {
		return false, nil
	}
	if status.Status != types.ExecutionRunning && status.Status != types.ExecutionPending {
		return true, nil
	}

	if ok {
		_ = m.channel.Cancel(running.instanceID, running.requestID)
		running.cancel()
	}

	record := &types.ExecutionRecord{ExecutionID: executionID, Status: types.ExecutionCancelled, CompletedAt: time.Now()}
	m.mergePersist(record)
	return true, nil
}

func (m *Manager) ensureTask(ctx context.Context, req types.InvokeFunctionRequest) (*types.Task, error) {
	switch req.InvocationType {
	case types.InvocationExistingTask:
		task, ok := m.tasks.Get(req.TaskID)
		if !ok {
			return nil, apperr.Newf(apperr.NotFound, "task %s not found in local index", req.TaskID)
		}
		return task, nil
	case types.InvocationNewTask:
		if req.TaskName == "" || req.ArtifactSpec == nil {
			return nil, apperr.New(apperr.InvalidArgument, "new task invocation requires task_name and artifact_spec")
		}
		// Ensure artifact before registering the task locally, per
		// submit_execution's step ordering.
		art, err := m.artifacts.Resolve(ctx, *req.ArtifactSpec)
		if err != nil {
			return nil, err
		}
		task := &types.Task{
			ID:       uuid.NewString(),
			Name:     req.TaskName,
			Status:   types.TaskStatusRegistered,
			Priority: types.PriorityNormal,
			Executable: types.Executable{
				Type:           art.Type,
				URI:            art.URI,
				ChecksumSHA256: art.ChecksumSHA256,
			},
			CreatedAt: time.Now(),
			UpdatedAt: time.Now(),
		}
		m.tasks.Put(task)
		return task, nil
	default:
		return nil, apperr.Newf(apperr.InvalidArgument, "unknown invocation_type %q", req.InvocationType)
	}
}

func validateRequest(req types.InvokeFunctionRequest) error {
	if req.FunctionName == "" {
		return apperr.New(apperr.InvalidArgument, "function_name is required")
	}
	switch req.InvocationType {
	case types.InvocationNewTask:
		if req.TaskName == "" || req.ArtifactSpec == nil {
			return apperr.New(apperr.InvalidArgument, "new_task invocation requires task_name and artifact_spec")
		}
	case types.InvocationExistingTask:
		if req.TaskID == "" {
			return apperr.New(apperr.InvalidArgument, "existing_task invocation requires task_id")
		}
	default:
		return apperr.Newf(apperr.InvalidArgument, "invocation_type must be NewTask or ExistingTask, got %q", req.InvocationType)
	}
	return nil
}

// runOnce performs steps 4-7 of submit_execution once, retrying per
// max_retries on Timeout/Transport only.
func (m *Manager) runOnce(ctx context.Context, task *types.Task, req types.InvokeFunctionRequest, record *types.ExecutionRecord) (*types.ExecutionResponse, error) {
	select {
	case m.sem <- struct{}{}:
		defer func() { <-m.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	backoff := m.cfg.RetryBackoffInitial
	attempts := req.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := m.dispatchOnce(ctx, task, req, record)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == attempts-1 {
			break
		}
		record.RetryCount++

		// Token-bucket gate on top of the exponential backoff floor: a
		// burst of failing executions cannot retry faster than
		// RetryRatePerSecond even while their individual backoffs are
		// still small.
		if err := m.retryLimiter.Wait(ctx); err != nil {
			return nil, ctx.Err()
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if backoff *= 2; backoff > m.cfg.RetryBackoffMax {
			backoff = m.cfg.RetryBackoffMax
		}
	}

	record.Status = statusForError(lastErr)
	record.Error = lastErr.Error()
	record.CompletedAt = time.Now()
	metrics.ExecutionsTotal.WithLabelValues(string(req.ExecutionMode), "failed").Inc()
	return nil, lastErr
}

func (m *Manager) dispatchOnce(ctx context.Context, task *types.Task, req types.InvokeFunctionRequest, record *types.ExecutionRecord) (*types.ExecutionResponse, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ExecutionDuration, string(req.ExecutionMode))

	rtType := runtimeTypeFor(task)
	instCfg := types.InstanceConfig{
		TaskID:      task.ID,
		RuntimeType: rtType,
		Environment: req.Environment,
		Executable:  task.Executable,
	}
	if task.Executable.Type == types.ExecutableProcess && task.Executable.Name != "" {
		instCfg.RuntimeConfig = map[string]any{"command": task.Executable.Name}
	}

	inst, err := m.pool.Acquire(ctx, task, instCfg)
	if err != nil {
		return nil, err
	}
	defer m.pool.Release(task, inst.ID)

	execCtx, cancel := context.WithTimeout(ctx, timeoutOrDefault(req.TimeoutMs))
	defer cancel()

	reqID := uint64(time.Now().UnixNano())
	m.mu.Lock()
	m.running[record.ExecutionID] = &runningExecution{instanceID: inst.ID, requestID: reqID, cancel: cancel}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.running, record.ExecutionID)
		m.mu.Unlock()
	}()

	record.InstanceID = inst.ID

	// Dispatch branches on runtime type per §4.6: native-process invokes
	// over the control channel the instance dialed back on, while wasm and
	// container have no such connection and are called directly through
	// the runtime registry instead (in-process call, HTTP to pod).
	var (
		output map[string]any
		status types.ExecuteStatus
		errMsg string
	)
	if rtType == types.RuntimeNativeProcess {
		resp, err := m.channel.Execute(execCtx, inst.ID, reqID, types.ExecuteRequest{
			TaskID:       task.ID,
			FunctionName: req.FunctionName,
			Args:         req.Args,
			Env:          req.Environment,
			TimeoutMs:    req.TimeoutMs,
		})
		if err != nil {
			return nil, err
		}
		output, status, errMsg = resp.Output, resp.Status, resp.Error
	} else {
		rt, err := m.runtimes.Get(rtType)
		if err != nil {
			return nil, err
		}
		resp, err := rt.Execute(execCtx, inst.RuntimeHandle, types.ExecutionContext{
			ExecutionID:  record.ExecutionID,
			Environment:  req.Environment,
			FunctionName: req.FunctionName,
			Args:         req.Args,
			TimeoutMs:    req.TimeoutMs,
			MaxRetries:   req.MaxRetries,
		})
		if err != nil {
			return nil, err
		}
		output, status, errMsg = resp.Output, resp.Status, resp.Error
	}

	record.Result = output
	record.CompletedAt = time.Now()
	if status == types.ExecuteFailed {
		record.Status = types.ExecutionFailed
		record.Error = errMsg
		metrics.ExecutionsTotal.WithLabelValues(string(req.ExecutionMode), "failed").Inc()
		return nil, apperr.New(apperr.Internal, errMsg)
	}

	record.Status = types.ExecutionCompleted
	metrics.ExecutionsTotal.WithLabelValues(string(req.ExecutionMode), "completed").Inc()
	return &types.ExecutionResponse{
		ExecutionID: record.ExecutionID,
		Status:      types.ExecutionCompleted,
		Result:      output,
	}, nil
}

func (m *Manager) runAsync(task *types.Task, req types.InvokeFunctionRequest, record *types.ExecutionRecord) {
	record.Status = types.ExecutionRunning
	m.persist(record)

	resp, err := m.runOnce(context.Background(), task, req, record)
	if err != nil {
		log.WithComponent("execution").Warn("async execution failed: " + err.Error())
		m.persist(record)
		return
	}
	record.Result = resp.Result
	m.persist(record)
}

func (m *Manager) persist(record *types.ExecutionRecord) {
	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	_ = m.store.Put(storage.ExecutionKey(record.ExecutionID), raw)
}

func (m *Manager) mergePersist(update *types.ExecutionRecord) {
	raw, ok, err := m.store.Get(storage.ExecutionKey(update.ExecutionID))
	if err != nil || !ok {
		m.persist(update)
		return
	}
	var record types.ExecutionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		m.persist(update)
		return
	}
	record.Status = update.Status
	record.CompletedAt = update.CompletedAt
	m.persist(&record)
}

func isRetryable(err error) bool {
	kind := apperr.KindOf(err)
	return kind == apperr.Timeout || kind == apperr.Transport
}

func statusForError(err error) types.ExecutionStatus {
	if apperr.KindOf(err) == apperr.Timeout {
		return types.ExecutionTimedOut
	}
	return types.ExecutionFailed
}

func timeoutOrDefault(ms int64) time.Duration {
	if ms <= 0 {
		return 30 * time.Second
	}
	return time.Duration(ms) * time.Millisecond
}

func runtimeTypeFor(task *types.Task) types.RuntimeType {
	switch task.Executable.Type {
	case types.ExecutableWasm:
		return types.RuntimeWasm
	case types.ExecutableContainer:
		return types.RuntimeContainer
	default:
		return types.RuntimeNativeProcess
	}
}
