package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/types"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WasmConfig bounds the sandboxed bytecode runtime.
type WasmConfig struct {
	MaxMemoryBytes int64
	FetchModule    func(ctx context.Context, exe types.Executable) ([]byte, error)
}

// DefaultWasmConfig matches spec's runtime-wide memory cap default.
func DefaultWasmConfig() WasmConfig {
	return WasmConfig{MaxMemoryBytes: 128 * 1024 * 1024}
}

type wasmHandle struct {
	mu       sync.Mutex
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	mod      api.Module
	entry    string
	config   types.InstanceConfig
}

// WasmRuntime executes a Task as a sandboxed wazero module, extended from
// the teacher's singleton-engine-with-mutex pattern into one compiled
// module instance per Instance, since distinct tasks must not share wazero
// module state.
type WasmRuntime struct {
	cfg WasmConfig
}

// NewWasmRuntime creates a WasmRuntime.
func NewWasmRuntime(cfg WasmConfig) *WasmRuntime {
	return &WasmRuntime{cfg: cfg}
}

func (w *WasmRuntime) Capabilities() types.RuntimeCapabilities {
	return types.RuntimeCapabilities{
		HealthChecks:           true,
		Metrics:                true,
		HotReload:              false,
		PersistentStorage:      false,
		NetworkIsolation:       true,
		Scaling:                true,
		MaxConcurrentInstances: 0,
		SupportedProtocols:     []string{"in_process"},
	}
}

func (w *WasmRuntime) ValidateConfig(cfg types.InstanceConfig) error {
	if cfg.Executable.Type != types.ExecutableWasm {
		return apperr.Newf(apperr.InvalidArgument, "wasm runtime cannot run executable type %s", cfg.Executable.Type)
	}
	if cfg.ResourceLimits.MemBytes > 0 && cfg.ResourceLimits.MemBytes > w.cfg.MaxMemoryBytes {
		return apperr.Newf(apperr.InvalidArgument, "requested memory %d exceeds wasm runtime cap %d", cfg.ResourceLimits.MemBytes, w.cfg.MaxMemoryBytes)
	}
	return nil
}

func (w *WasmRuntime) CreateInstance(ctx context.Context, cfg types.InstanceConfig) (any, error) {
	if err := w.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if w.cfg.FetchModule == nil {
		return nil, apperr.New(apperr.FailedPrecondition, "wasm runtime has no module fetcher configured")
	}
	bin, err := w.cfg.FetchModule(ctx, cfg.Executable)
	if err != nil {
		return nil, err
	}

	r := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, apperr.Wrap(apperr.Internal, err, "instantiate wasi")
	}
	compiled, err := r.CompileModule(ctx, bin)
	if err != nil {
		r.Close(ctx)
		return nil, apperr.Wrap(apperr.InvalidArgument, err, "compile wasm module")
	}

	entry := entryPoint(compiled)
	if entry == "" {
		r.Close(ctx)
		return nil, apperr.New(apperr.InvalidArgument, "wasm module exports no callable entry point")
	}

	return &wasmHandle{runtime: r, compiled: compiled, entry: entry, config: cfg}, nil
}

// entryPoint picks _start, else main, else the first exported function.
func entryPoint(compiled wazero.CompiledModule) string {
	exports := compiled.ExportedFunctions()
	if _, ok := exports["_start"]; ok {
		return "_start"
	}
	if _, ok := exports["main"]; ok {
		return "main"
	}
	for name := range exports {
		return name
	}
	return ""
}

func (w *WasmRuntime) StartInstance(ctx context.Context, h any) error {
	handle := h.(*wasmHandle)
	handle.mu.Lock()
	defer handle.mu.Unlock()

	mod, err := handle.runtime.InstantiateModule(ctx, handle.compiled, wazero.NewModuleConfig().WithStdout(&bytes.Buffer{}))
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "instantiate wasm module")
	}
	handle.mod = mod
	return nil
}

func (w *WasmRuntime) Execute(ctx context.Context, h any, execCtx types.ExecutionContext) (*types.RuntimeExecutionResponse, error) {
	handle := h.(*wasmHandle)
	handle.mu.Lock()
	defer handle.mu.Unlock()

	fn := handle.mod.ExportedFunction(execCtx.FunctionName)
	if fn == nil {
		fn = handle.mod.ExportedFunction(handle.entry)
	}
	if fn == nil {
		return &types.RuntimeExecutionResponse{Status: types.ExecuteFailed, Error: "no matching wasm export"}, nil
	}

	argBytes, err := json.Marshal(execCtx.Args)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "encode wasm call args")
	}
	ptr, free, err := writeToMemory(ctx, handle.mod, argBytes)
	if err != nil {
		return &types.RuntimeExecutionResponse{Status: types.ExecuteFailed, Error: err.Error()}, nil
	}
	defer free()

	results, err := fn.Call(ctx, ptr, uint64(len(argBytes)))
	if err != nil {
		return &types.RuntimeExecutionResponse{Status: types.ExecuteFailed, Error: err.Error()}, nil
	}

	out := map[string]any{}
	if len(results) > 0 {
		out["result"] = results[0]
	}
	return &types.RuntimeExecutionResponse{TaskID: handle.config.TaskID, Status: types.ExecuteCompleted, Output: out}, nil
}

// writeToMemory allocates space in the module's linear memory via its
// exported wasm_alloc and writes data into it, matching the (ptr,len)
// calling convention.
func writeToMemory(ctx context.Context, mod api.Module, data []byte) (ptr uint64, free func(), err error) {
	alloc := mod.ExportedFunction("wasm_alloc")
	if alloc == nil {
		return 0, func() {}, apperr.New(apperr.InvalidArgument, "wasm module does not export wasm_alloc")
	}
	res, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, func() {}, apperr.Wrap(apperr.Internal, err, "wasm_alloc call")
	}
	p := res[0]
	if !mod.Memory().Write(uint32(p), data) {
		return 0, func() {}, apperr.New(apperr.Internal, "wasm memory write out of range")
	}
	freeFn := mod.ExportedFunction("wasm_free")
	return p, func() {
		if freeFn != nil {
			_, _ = freeFn.Call(ctx, p, uint64(len(data)))
		}
	}, nil
}

func (w *WasmRuntime) StopInstance(ctx context.Context, h any) error {
	handle := h.(*wasmHandle)
	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.mod != nil {
		return handle.mod.Close(ctx)
	}
	return nil
}

func (w *WasmRuntime) Cleanup(ctx context.Context, h any) error {
	handle := h.(*wasmHandle)
	return handle.runtime.Close(ctx)
}

func (w *WasmRuntime) Health(ctx context.Context, h any) (types.HealthStatus, error) {
	handle := h.(*wasmHandle)
	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.mod == nil {
		return types.HealthStatus{Healthy: false, Message: "module not instantiated"}, nil
	}
	return types.HealthStatus{Healthy: true}, nil
}
