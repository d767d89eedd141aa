package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/types"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	containerdNamespace = "spear"
	defaultSocketPath   = "/run/containerd/containerd.sock"
)

type containerHandle struct {
	mu         sync.Mutex
	id         string
	image      string
	ctrdCtr    containerd.Container
	endpoint   string
	cleanup    types.CleanupPolicy
	submitted  bool
	config     types.InstanceConfig
}

// ContainerRuntime runs a Task as a containerd-managed job, adapted
// directly from the teacher's ContainerdRuntime lifecycle
// (CreateContainer/StartContainer/StopContainer/GetContainerStatus),
// generalized so CreateInstance only constructs the job manifest and
// StartInstance is what actually submits it to containerd.
type ContainerRuntime struct {
	client    *containerd.Client
	namespace string
	cleanup   types.CleanupPolicy
	httpc     *http.Client
}

// NewContainerRuntime dials containerd at socketPath (defaulting to the
// standard socket) and returns a ContainerRuntime.
func NewContainerRuntime(socketPath string, cleanup types.CleanupPolicy) (*ContainerRuntime, error) {
	if socketPath == "" {
		socketPath = defaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, apperr.Wrap(apperr.Unavailable, err, "connect to containerd")
	}
	return &ContainerRuntime{
		client:    client,
		namespace: containerdNamespace,
		cleanup:   cleanup,
		httpc:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (r *ContainerRuntime) Capabilities() types.RuntimeCapabilities {
	return types.RuntimeCapabilities{
		HealthChecks:           true,
		Metrics:                true,
		HotReload:              false,
		PersistentStorage:      true,
		NetworkIsolation:       true,
		Scaling:                true,
		MaxConcurrentInstances: 0,
		SupportedProtocols:     []string{"http"},
	}
}

func (r *ContainerRuntime) ValidateConfig(cfg types.InstanceConfig) error {
	if cfg.Executable.Type != types.ExecutableContainer && cfg.Executable.Type != types.ExecutableProcess {
		return apperr.Newf(apperr.InvalidArgument, "container runtime cannot run executable type %s", cfg.Executable.Type)
	}
	if cfg.Executable.URI == "" {
		return apperr.New(apperr.InvalidArgument, "container executable requires an image uri")
	}
	return nil
}

// CreateInstance constructs the job manifest (image ref, resource spec)
// without submitting it to containerd: spec.md §4.6.3 says CreateInstance
// "does not yet submit" the container-orchestrator job.
func (r *ContainerRuntime) CreateInstance(ctx context.Context, cfg types.InstanceConfig) (any, error) {
	if err := r.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return &containerHandle{
		id:      "spear-" + cfg.TaskID,
		image:   cfg.Executable.URI,
		cleanup: r.cleanup,
		config:  cfg,
	}, nil
}

// StartInstance submits the manifest built by CreateInstance to containerd
// and starts the resulting task.
func (r *ContainerRuntime) StartInstance(ctx context.Context, h any) error {
	handle := h.(*containerHandle)
	handle.mu.Lock()
	defer handle.mu.Unlock()

	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, handle.image)
	if err != nil {
		image, err = r.client.Pull(ctx, handle.image, containerd.WithPullUnpack)
		if err != nil {
			return apperr.Wrap(apperr.Transport, err, "pull image "+handle.image)
		}
	}

	opts := []oci.SpecOpts{oci.WithImageConfig(image)}
	if handle.config.ResourceLimits.CPUCores > 0 {
		shares := uint64(handle.config.ResourceLimits.CPUCores * 1024)
		quota := int64(handle.config.ResourceLimits.CPUCores * 100000)
		opts = append(opts, oci.WithCPUShares(shares), oci.WithCPUCFS(quota, 100000))
	}
	if handle.config.ResourceLimits.MemBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(handle.config.ResourceLimits.MemBytes)))
	}
	if handle.config.ResourceLimits.PidsLimit > 0 {
		opts = append(opts, oci.WithResources(&specs.LinuxResources{
			Pids: &specs.LinuxPids{Limit: handle.config.ResourceLimits.PidsLimit},
		}))
	}

	var env []string
	for k, v := range handle.config.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	opts = append(opts, oci.WithEnv(env))

	ctr, err := r.client.NewContainer(ctx, handle.id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(handle.id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "create container")
	}

	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "create task")
	}
	if err := task.Start(ctx); err != nil {
		return apperr.Wrap(apperr.Internal, err, "start task")
	}

	handle.ctrdCtr = ctr
	handle.submitted = true
	return nil
}

// Execute issues an HTTP request to the pod's in-container endpoint,
// generalized from the teacher's docker-exec-style interaction.
func (r *ContainerRuntime) Execute(ctx context.Context, h any, execCtx types.ExecutionContext) (*types.RuntimeExecutionResponse, error) {
	handle := h.(*containerHandle)
	if handle.endpoint == "" {
		return nil, apperr.New(apperr.FailedPrecondition, "container instance has no reachable endpoint")
	}
	body, err := json.Marshal(execCtx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "encode execution context")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, handle.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "build execute request")
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, err, "call container endpoint")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, err, "read container response")
	}
	var out types.RuntimeExecutionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return &types.RuntimeExecutionResponse{Status: types.ExecuteFailed, Error: "malformed response from container endpoint"}, nil
	}
	return &out, nil
}

func (r *ContainerRuntime) StopInstance(ctx context.Context, h any) error {
	handle := h.(*containerHandle)
	handle.mu.Lock()
	defer handle.mu.Unlock()

	if handle.ctrdCtr == nil {
		return nil
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	task, err := handle.ctrdCtr.Task(ctx, nil)
	if err != nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return apperr.Wrap(apperr.Internal, err, "signal task")
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "wait for task")
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		_ = task.Kill(ctx, syscall.SIGKILL)
	}
	_, err = task.Delete(ctx)
	return apperr.Wrap(apperr.Internal, err, "delete task")
}

func (r *ContainerRuntime) shouldCleanup(failed bool) bool {
	switch r.cleanup {
	case types.CleanupAlways:
		return true
	case types.CleanupOnSuccess:
		return !failed
	case types.CleanupOnFailure:
		return failed
	default:
		return true
	}
}

func (r *ContainerRuntime) Cleanup(ctx context.Context, h any) error {
	handle := h.(*containerHandle)
	if handle.ctrdCtr == nil {
		return nil
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	return apperr.Wrap(apperr.Internal, handle.ctrdCtr.Delete(ctx, containerd.WithSnapshotCleanup), "delete container")
}

func (r *ContainerRuntime) Health(ctx context.Context, h any) (types.HealthStatus, error) {
	handle := h.(*containerHandle)
	if handle.ctrdCtr == nil {
		return types.HealthStatus{Healthy: false, Message: "not submitted"}, nil
	}
	ctx = namespaces.WithNamespace(ctx, r.namespace)
	task, err := handle.ctrdCtr.Task(ctx, nil)
	if err != nil {
		return types.HealthStatus{Healthy: false, Message: "no running task"}, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return types.HealthStatus{Healthy: false, Message: err.Error()}, nil
	}
	return types.HealthStatus{Healthy: status.Status == containerd.Running}, nil
}
