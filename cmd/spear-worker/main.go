package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/spear/pkg/artifact"
	"github.com/cuemby/spear/pkg/control"
	"github.com/cuemby/spear/pkg/execution"
	"github.com/cuemby/spear/pkg/log"
	"github.com/cuemby/spear/pkg/metrics"
	"github.com/cuemby/spear/pkg/objectstore"
	"github.com/cuemby/spear/pkg/rpc"
	"github.com/cuemby/spear/pkg/runtime"
	"github.com/cuemby/spear/pkg/scheduler"
	"github.com/cuemby/spear/pkg/storage"
	"github.com/cuemby/spear/pkg/subscriber"
	"github.com/cuemby/spear/pkg/telemetry"
	"github.com/cuemby/spear/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "spear-worker",
	Short:   "spear worker agent: artifact loading, runtime instances, function invocation",
	Version: Version,
	RunE:    runWorker,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("spear-worker version %s (%s)\n", Version, Commit))

	rootCmd.Flags().String("node-name", "worker-1", "Local node name, used only to derive a stable node_uuid")
	rootCmd.Flags().String("node-uuid", "", "Node UUID; derived deterministically from node-name/ports if empty")
	rootCmd.Flags().String("ms-addr", "127.0.0.1:7940", "Management service address (reserved; no RPC transport wired in this tree)")
	rootCmd.Flags().String("http-addr", "127.0.0.1:9091", "Metrics HTTP listen address")
	rootCmd.Flags().String("data-dir", "./spear-worker-data", "Data directory (bbolt store + subscriber cursor)")
	rootCmd.Flags().String("containerd-socket", "", "containerd socket path (container runtime disabled if unreachable)")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

// app holds the worker's execution engine. Its WorkerService field is the
// seam a real RPC listener would dispatch into, and its subscriber field
// is the seam that would consume the management service's task event
// stream over a real connection; neither transport is wired here since
// RPC framing/codegen is out of scope (see pkg/rpc, pkg/subscriber).
type app struct {
	executions *execution.Manager
	objects    *objectstore.Store
	service    rpc.WorkerService
	subscriber *subscriber.Subscriber
}

func runWorker(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	nodeName, _ := cmd.Flags().GetString("node-name")
	configuredUUID, _ := cmd.Flags().GetString("node-uuid")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	containerdSocket, _ := cmd.Flags().GetString("containerd-socket")

	nodeUUID := subscriber.DeriveNodeUUID(configuredUUID, "127.0.0.1", 0, nodeName)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	artifacts := artifact.New(artifact.DefaultConfig(), func(id string) bool { return false })

	portAlloc := control.NewPortAllocator(control.DefaultPortRange())
	registry := runtime.NewRegistry()
	registry.Register(types.RuntimeNativeProcess, runtime.NewProcessRuntime(runtime.ProcessConfig{
		WorkDir:      filepath.Join(dataDir, "instances"),
		StopGrace:    5 * time.Second,
		ArtifactPath: artifactPathFunc(artifacts, dataDir),
	}, portAlloc))
	registry.Register(types.RuntimeWasm, runtime.NewWasmRuntime(runtime.WasmConfig{
		MaxMemoryBytes: runtime.DefaultWasmConfig().MaxMemoryBytes,
		FetchModule:    fetchModuleFunc(artifacts),
	}))
	if cr, err := runtime.NewContainerRuntime(containerdSocket, types.CleanupAlways); err != nil {
		log.WithComponent("spear-worker").Warn("container runtime unavailable, container tasks will fail: " + err.Error())
	} else {
		registry.Register(types.RuntimeContainer, cr)
	}

	sched := scheduler.New(registry, scheduler.DefaultConfig())
	sched.Start()
	defer sched.Stop()

	controlMgr := control.NewManager(control.DefaultConfig(), sched)

	taskIndex := execution.NewMemoryTaskIndex()
	a := &app{
		objects: objectstore.New(store, objectstore.DefaultConfig()),
	}
	a.executions = execution.New(execution.DefaultConfig(), artifacts, sched, controlMgr, registry, taskIndex, store)
	a.service = &rpc.InProcessWorkerService{Executions: a.executions, Objects: a.objects}
	a.subscriber = subscriber.New(subscriber.DefaultConfig(dataDir, nodeUUID), nil, taskIndex)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler := telemetry.New(telemetry.DefaultConfig(nodeUUID), noopResourcePusher{})
	go sampler.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	httpServer := &http.Server{Addr: httpAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	log.WithComponent("spear-worker").Info(fmt.Sprintf("worker %s ready, metrics on http://%s/metrics", nodeUUID, httpAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.WithComponent("spear-worker").Info("shutting down")
	case err := <-errCh:
		log.WithComponent("spear-worker").Error(err.Error())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// artifactPathFunc resolves an Executable to a worker-local file path for
// the native-process runtime, writing the resolved artifact's bytes to a
// per-task file under dataDir/artifacts the first time it's needed.
func artifactPathFunc(artifacts *artifact.Manager, dataDir string) func(ctx context.Context, exe types.Executable) (string, error) {
	return func(ctx context.Context, exe types.Executable) (string, error) {
		art, err := artifacts.Resolve(ctx, types.ArtifactSpec{Type: exe.Type, URI: exe.URI, ChecksumSHA256: exe.ChecksumSHA256})
		if err != nil {
			return "", err
		}
		dir := filepath.Join(dataDir, "artifacts")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
		path := filepath.Join(dir, art.ID)
		if _, statErr := os.Stat(path); statErr != nil {
			if err := os.WriteFile(path, art.Bytes, 0o755); err != nil {
				return "", err
			}
		}
		return path, nil
	}
}

// fetchModuleFunc resolves an Executable's wasm bytes for the sandboxed
// bytecode runtime.
func fetchModuleFunc(artifacts *artifact.Manager) func(ctx context.Context, exe types.Executable) ([]byte, error) {
	return func(ctx context.Context, exe types.Executable) ([]byte, error) {
		art, err := artifacts.Resolve(ctx, types.ArtifactSpec{Type: exe.Type, URI: exe.URI, ChecksumSHA256: exe.ChecksumSHA256})
		if err != nil {
			return nil, err
		}
		return bytes.Clone(art.Bytes), nil
	}
}

// noopResourcePusher is the single-host dev default when no transport to
// the management service exists: the sampler still runs (exercising
// gopsutil collection) but its snapshots have nowhere to go.
type noopResourcePusher struct{}

func (noopResourcePusher) UpdateNodeResource(nodeUUID string, res types.NodeResource) error {
	return nil
}
