package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/log"
	"github.com/cuemby/spear/pkg/types"
	shellwords "github.com/kballard/go-shellquote"
)

// PortAllocator reserves and releases a single TCP port from a bounded
// range, satisfied by pkg/control's allocator. Declared here rather than
// imported to avoid a control<->runtime import cycle.
type PortAllocator interface {
	Allocate() (int, error)
	Release(port int)
}

// ProcessConfig configures the native-process runtime.
type ProcessConfig struct {
	WorkDir      string
	StopGrace    time.Duration
	ArtifactPath func(ctx context.Context, exe types.Executable) (string, error)
}

// processHandle is the opaque handle stored on an Instance.
type processHandle struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	port    int
	secret  string
	config  types.InstanceConfig
	started bool
}

// ProcessRuntime executes a Task as a native OS process, grounded on the
// teacher's pull->create->start->monitor->stop container lifecycle shape,
// minus containerd: os/exec stands in for the container client.
type ProcessRuntime struct {
	cfg   ProcessConfig
	ports PortAllocator
}

// NewProcessRuntime creates a ProcessRuntime.
func NewProcessRuntime(cfg ProcessConfig, ports PortAllocator) *ProcessRuntime {
	return &ProcessRuntime{cfg: cfg, ports: ports}
}

func (p *ProcessRuntime) Capabilities() types.RuntimeCapabilities {
	return types.RuntimeCapabilities{
		HealthChecks:           true,
		Metrics:                true,
		HotReload:              false,
		PersistentStorage:      false,
		NetworkIsolation:       false,
		Scaling:                true,
		MaxConcurrentInstances: 0,
		SupportedProtocols:     []string{"http", "unix"},
	}
}

func (p *ProcessRuntime) ValidateConfig(cfg types.InstanceConfig) error {
	switch cfg.Executable.Type {
	case types.ExecutableBinary, types.ExecutableScript:
		if cfg.Executable.Name == "" && cfg.Executable.URI == "" {
			return apperr.New(apperr.InvalidArgument, "executable requires a name or uri")
		}
	case types.ExecutableProcess:
		if runtimeConfigCommand(cfg) == "" && cfg.Executable.Name == "" {
			return apperr.New(apperr.InvalidArgument, "process executable requires runtime_config.command or a name")
		}
	default:
		return apperr.Newf(apperr.InvalidArgument, "process runtime cannot run executable type %s", cfg.Executable.Type)
	}
	return nil
}

// runtimeConfigCommand reads the instance's runtime_config.command, the
// path a "process" executable connects back with, per spec's
// create_instance: "resolves executable path from runtime_config.command
// or runtime default".
func runtimeConfigCommand(cfg types.InstanceConfig) string {
	cmd, _ := cfg.RuntimeConfig["command"].(string)
	return cmd
}

func (p *ProcessRuntime) CreateInstance(ctx context.Context, cfg types.InstanceConfig) (any, error) {
	if err := p.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	port, err := p.ports.Allocate()
	if err != nil {
		return nil, apperr.Wrap(apperr.ResourceExhausted, err, "allocate control port")
	}
	return &processHandle{
		port:   port,
		secret: cfg.Secret,
		config: cfg,
	}, nil
}

func (p *ProcessRuntime) StartInstance(ctx context.Context, h any) error {
	handle := h.(*processHandle)
	handle.mu.Lock()
	defer handle.mu.Unlock()

	path := handle.config.Executable.Name
	if cmd := runtimeConfigCommand(handle.config); cmd != "" {
		path = cmd
	} else if p.cfg.ArtifactPath != nil && handle.config.Executable.Type != types.ExecutableProcess {
		resolved, err := p.cfg.ArtifactPath(ctx, handle.config.Executable)
		if err != nil {
			return err
		}
		path = resolved
	}

	args := append([]string{}, handle.config.Executable.Args...)
	if len(args) == 0 && (handle.config.Executable.Type == types.ExecutableScript || handle.config.Executable.Type == types.ExecutableProcess) {
		split, err := shellwords.Split(path)
		if err != nil {
			return apperr.Wrap(apperr.InvalidArgument, err, "split script command")
		}
		if len(split) > 1 {
			path, args = split[0], split[1:]
		}
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = p.cfg.WorkDir
	cmd.Env = processEnv(handle)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return apperr.Wrap(apperr.Internal, err, "start process: "+stderr.String())
	}
	handle.cmd = cmd
	handle.started = true
	log.WithComponent("runtime.process").Info(fmt.Sprintf("started instance pid=%d port=%d", cmd.Process.Pid, handle.port))
	return nil
}

func processEnv(h *processHandle) []string {
	env := os.Environ()
	env = append(env,
		"SPEAR_COMMUNICATION_TYPE=tcp",
		fmt.Sprintf("SPEAR_COMMUNICATION_PORT=%d", h.port),
		fmt.Sprintf("SPEAR_INSTANCE_ID=%s", h.config.InstanceID),
		fmt.Sprintf("SPEAR_SECRET=%s", h.secret),
	)
	for k, v := range h.config.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// Execute is not used directly by the process runtime: invocation happens
// over the control channel once the process is Ready. Execute exists to
// satisfy Runtime for runtimes without an external control channel; the
// process runtime returns FailedPrecondition since its execute path is the
// control channel, not an in-process call.
func (p *ProcessRuntime) Execute(ctx context.Context, h any, execCtx types.ExecutionContext) (*types.RuntimeExecutionResponse, error) {
	return nil, apperr.New(apperr.FailedPrecondition, "process runtime instances are invoked over the control channel, not Execute")
}

func (p *ProcessRuntime) StopInstance(ctx context.Context, h any) error {
	handle := h.(*processHandle)
	handle.mu.Lock()
	defer handle.mu.Unlock()

	if handle.cmd == nil || handle.cmd.Process == nil {
		return nil
	}
	grace := p.cfg.StopGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	_ = handle.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- handle.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(grace):
		_ = handle.cmd.Process.Kill()
		<-done
	}
	return nil
}

func (p *ProcessRuntime) Cleanup(ctx context.Context, h any) error {
	handle := h.(*processHandle)
	p.ports.Release(handle.port)
	return nil
}

func (p *ProcessRuntime) Health(ctx context.Context, h any) (types.HealthStatus, error) {
	handle := h.(*processHandle)
	handle.mu.Lock()
	defer handle.mu.Unlock()
	if !handle.started || handle.cmd == nil || handle.cmd.Process == nil {
		return types.HealthStatus{Healthy: false, Message: "process not started"}, nil
	}
	if err := handle.cmd.Process.Signal(syscall.Signal(0)); err != nil {
		return types.HealthStatus{Healthy: false, Message: err.Error()}, nil
	}
	return types.HealthStatus{Healthy: true}, nil
}
