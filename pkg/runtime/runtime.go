// Package runtime abstracts the three execution backends a worker agent
// can instantiate a Task onto: a native OS process, a sandboxed WASM
// module, and a container-orchestrator job. The execution manager and
// scheduler depend only on the Runtime interface and a registry keyed by
// RuntimeType, exactly as the teacher's worker keys its lifecycle calls by
// container runtime.
package runtime

import (
	"context"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/types"
)

// Runtime is implemented by every concrete execution backend.
type Runtime interface {
	// CreateInstance prepares (but does not necessarily start) a runtime
	// embodiment of cfg, returning an opaque handle stored on the Instance.
	CreateInstance(ctx context.Context, cfg types.InstanceConfig) (handle any, err error)
	// StartInstance brings a created instance to Ready.
	StartInstance(ctx context.Context, handle any) error
	// Execute services one invocation against a Ready instance.
	Execute(ctx context.Context, handle any, execCtx types.ExecutionContext) (*types.RuntimeExecutionResponse, error)
	// StopInstance gracefully stops a running instance.
	StopInstance(ctx context.Context, handle any) error
	// Cleanup releases any resources StopInstance did not.
	Cleanup(ctx context.Context, handle any) error
	// Health probes a live instance.
	Health(ctx context.Context, handle any) (types.HealthStatus, error)
	// Capabilities advertises what this runtime supports to the scheduler.
	Capabilities() types.RuntimeCapabilities
	// ValidateConfig rejects a config this runtime cannot service.
	ValidateConfig(cfg types.InstanceConfig) error
}

// Registry dispatches by RuntimeType to a concrete Runtime.
type Registry struct {
	runtimes map[types.RuntimeType]Runtime
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[types.RuntimeType]Runtime)}
}

// Register associates a RuntimeType with its Runtime implementation.
func (r *Registry) Register(rt types.RuntimeType, impl Runtime) {
	r.runtimes[rt] = impl
}

// Get returns the Runtime for rt, or InvalidArgument if none is registered.
func (r *Registry) Get(rt types.RuntimeType) (Runtime, error) {
	impl, ok := r.runtimes[rt]
	if !ok {
		return nil, apperr.Newf(apperr.InvalidArgument, "no runtime registered for type %s", rt)
	}
	return impl, nil
}
