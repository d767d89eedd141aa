package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/spear/pkg/log"
	"github.com/cuemby/spear/pkg/manager"
	"github.com/cuemby/spear/pkg/metrics"
	"github.com/cuemby/spear/pkg/rpc"
	"github.com/cuemby/spear/pkg/storage"
	"github.com/cuemby/spear/pkg/types"
	"github.com/spf13/cobra"
)

// app holds the manager's durable state engine. Its ManagerService field is
// the seam a real RPC listener would dispatch into; none is wired here
// since RPC framing/codegen is out of scope (see pkg/rpc).
type app struct {
	nodes   *manager.NodeRegistry
	tasks   *manager.TaskRegistry
	service rpc.ManagerService
}

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
	Use:     "spear-manager",
	Short:   "spear management service: node registry, task registry, task event stream",
	Version: Version,
	RunE:    runManager,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("spear-manager version %s (%s)\n", Version, Commit))

	rootCmd.Flags().String("grpc-addr", "127.0.0.1:7940", "RPC listen address (reserved; this binary serves RPC in-process until a transport is wired)")
	rootCmd.Flags().String("http-addr", "127.0.0.1:9090", "Metrics/health HTTP listen address")
	rootCmd.Flags().String("data-dir", "./spear-manager-data", "Data directory (bbolt store lives here; empty means in-memory)")
	rootCmd.Flags().Duration("heartbeat-timeout", 30*time.Second, "Node heartbeat timeout before Active->Unhealthy")
	rootCmd.Flags().Duration("cleanup-interval", 10*time.Second, "sweep_timeouts tick interval")
	rootCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "Output logs in JSON format")
}

func runManager(cmd *cobra.Command, args []string) error {
	logLevel, _ := cmd.Flags().GetString("log-level")
	logJSON, _ := cmd.Flags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	dataDir, _ := cmd.Flags().GetString("data-dir")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	heartbeatTimeout, _ := cmd.Flags().GetDuration("heartbeat-timeout")
	cleanupInterval, _ := cmd.Flags().GetDuration("cleanup-interval")

	store, closeStore, err := openStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	a := &app{
		nodes: manager.NewNodeRegistry(store, manager.NodeRegistryConfig{
			HeartbeatTimeout: heartbeatTimeout,
			CleanupInterval:  cleanupInterval,
		}),
		tasks: manager.NewTaskRegistry(store, manager.DefaultTaskRegistryConfig()),
	}
	a.service = &rpc.InProcessManagerService{Nodes: a.nodes, Tasks: a.tasks}

	stop := make(chan struct{})
	a.nodes.StartSweeper(stop)
	a.tasks.StartRetentionSweeper(stop, cleanupInterval)
	defer close(stop)

	collector := metrics.NewCollector(cleanupInterval, a.nodeStatusCounts, a.taskStatusCounts)
	collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	httpServer := &http.Server{Addr: httpAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	log.WithComponent("spear-manager").Info(fmt.Sprintf("manager ready, metrics on http://%s/metrics", httpAddr))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.WithComponent("spear-manager").Info("shutting down")
	case err := <-errCh:
		log.WithComponent("spear-manager").Error(err.Error())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// nodeStatusCounts snapshots the node registry grouped by status, feeding
// the periodic metrics.Collector.
func (a *app) nodeStatusCounts() map[string]int {
	nodes, err := a.nodes.ListNodes(nil)
	if err != nil {
		return nil
	}
	counts := make(map[string]int)
	for _, n := range nodes {
		counts[string(n.Status)]++
	}
	return counts
}

// taskStatusCounts snapshots the task registry grouped by status, feeding
// the periodic metrics.Collector.
func (a *app) taskStatusCounts() map[string]int {
	tasks, err := a.tasks.ListTasks(types.TaskFilters{})
	if err != nil {
		return nil
	}
	counts := make(map[string]int)
	for _, t := range tasks {
		counts[string(t.Status)]++
	}
	return counts
}

// openStore opens a durable bbolt store under dataDir, or falls back to an
// in-memory store when dataDir is empty (single-host dev / test default).
func openStore(dataDir string) (storage.Store, func(), error) {
	if dataDir == "" {
		return storage.NewMemoryStore(), func() {}, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, err
	}
	bs, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, nil, err
	}
	return bs, func() { _ = bs.Close() }, nil
}
