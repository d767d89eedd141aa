// Package subscriber is the worker-side durable client of the management
// service's task event stream, generalized from the teacher's
// events.Broker consumer idiom with a gobreaker-wrapped reconnect loop
// and a locally persisted resume cursor.
package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/execution"
	"github.com/cuemby/spear/pkg/log"
	"github.com/cuemby/spear/pkg/metrics"
	"github.com/cuemby/spear/pkg/types"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// namespaceNode is the fixed UUID namespace used to derive a deterministic
// node_uuid from {grpc_addr, grpc_port, node_name} when one isn't supplied.
var namespaceNode = uuid.MustParse("6f7c6e9e-6e2a-4f2a-9b0a-9f6f2f6a6e9e")

// DeriveNodeUUID normalizes configured if it is already a UUID, otherwise
// deterministically derives one from the node's network identity.
func DeriveNodeUUID(configured, grpcAddr string, grpcPort int, nodeName string) string {
	if configured != "" {
		if parsed, err := uuid.Parse(configured); err == nil {
			return parsed.String()
		}
	}
	data := fmt.Sprintf("%s:%d:%s", grpcAddr, grpcPort, nodeName)
	return uuid.NewSHA1(namespaceNode, []byte(data)).String()
}

// ManagerClient is the subset of the management service's task-event API
// the subscriber needs. Until a real RPC transport exists (pkg/rpc is
// schema-only per scope), this is satisfied either by an in-process
// adapter over manager.EventStream (single-host dev default) or a future
// network client sharing the same shape.
type ManagerClient interface {
	Subscribe(ctx context.Context, nodeUUID string, lastEventID uint64) (<-chan types.TaskEvent, error)
	GetTask(ctx context.Context, taskID string) (*types.Task, error)
}

// Config tunes reconnect behavior, per spec's exact field names.
type Config struct {
	DataDir                string
	NodeUUID               string
	SMSConnectRetryMs      int64
	ReconnectTotalTimeoutMs int64
	FallbackRetryInterval  time.Duration
}

// DefaultConfig matches spec's single-host dev defaults.
func DefaultConfig(dataDir, nodeUUID string) Config {
	return Config{
		DataDir:                 dataDir,
		NodeUUID:                nodeUUID,
		SMSConnectRetryMs:       2000,
		ReconnectTotalTimeoutMs: 60_000,
		FallbackRetryInterval:   30 * time.Second,
	}
}

// Subscriber runs the main loop: connect, replay-then-tail, update the
// local task index on Create events, persist the cursor.
type Subscriber struct {
	cfg    Config
	client ManagerClient
	tasks  execution.TaskIndex
	cb     *gobreaker.CircuitBreaker

	mu     sync.Mutex
	cursor uint64
}

// New creates a Subscriber. tasks is the worker's local task bookkeeping,
// updated for every Create event (and subsequent Update via get_task as
// spec's "fetch the full task ... and hand it to local task bookkeeping").
func New(cfg Config, client ManagerClient, tasks execution.TaskIndex) *Subscriber {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "subscriber-reconnect",
		Timeout: 30 * time.Second,
	})
	return &Subscriber{cfg: cfg, client: client, tasks: tasks, cb: cb}
}

func (s *Subscriber) cursorPath() string {
	return filepath.Join(s.cfg.DataDir, fmt.Sprintf("task_events_cursor_%s.json", s.cfg.NodeUUID))
}

type cursorFile struct {
	LastEventID uint64 `json:"last_event_id"`
}

// loadCursor reads the persisted cursor, treating missing or corrupt
// files as 0 per spec.
func (s *Subscriber) loadCursor() uint64 {
	raw, err := os.ReadFile(s.cursorPath())
	if err != nil {
		return 0
	}
	var cf cursorFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return 0
	}
	return cf.LastEventID
}

func (s *Subscriber) persistCursor(seq uint64) {
	s.mu.Lock()
	s.cursor = seq
	s.mu.Unlock()

	raw, err := json.Marshal(cursorFile{LastEventID: seq})
	if err != nil {
		return
	}
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		log.WithComponent("subscriber").Warn("cannot create data dir for cursor: " + err.Error())
		return
	}
	tmp := s.cursorPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		log.WithComponent("subscriber").Warn("cannot write cursor file: " + err.Error())
		return
	}
	if err := os.Rename(tmp, s.cursorPath()); err != nil {
		log.WithComponent("subscriber").Warn("cannot rename cursor file: " + err.Error())
	}
}

// Run drives the main loop until ctx is cancelled. It never returns on
// its own except via ctx cancellation: connection failures degrade to an
// ever-repeating, longer-interval retry rather than stopping.
func (s *Subscriber) Run(ctx context.Context) {
	s.mu.Lock()
	s.cursor = s.loadCursor()
	s.mu.Unlock()

	failureStart := time.Time{}
	retryInterval := time.Duration(s.cfg.SMSConnectRetryMs) * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := s.connectAndConsume(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			// Stream ended cleanly (e.g. manager restart); treat like a
			// connection error and reconnect at the normal interval.
			failureStart = time.Time{}
			s.sleep(ctx, retryInterval)
			continue
		}

		if failureStart.IsZero() {
			failureStart = time.Now()
		}
		elapsed := time.Since(failureStart)
		totalTimeout := time.Duration(s.cfg.ReconnectTotalTimeoutMs) * time.Millisecond

		if elapsed < totalTimeout {
			log.WithComponent("subscriber").Warn("reconnect failed, retrying: " + err.Error())
			s.sleep(ctx, retryInterval)
			continue
		}

		log.WithComponent("subscriber").Warn(fmt.Sprintf(
			"giving up active reconnect after %s of continuous failure, falling back to %s interval: %s",
			totalTimeout, s.cfg.FallbackRetryInterval, err.Error()))
		s.sleep(ctx, s.cfg.FallbackRetryInterval)
	}
}

func (s *Subscriber) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func (s *Subscriber) connectAndConsume(ctx context.Context) error {
	s.mu.Lock()
	resume := s.cursor
	s.mu.Unlock()

	result, err := s.cb.Execute(func() (any, error) {
		return s.client.Subscribe(ctx, s.cfg.NodeUUID, resume)
	})
	if err != nil {
		return apperr.Wrap(apperr.Unavailable, err, "subscribe to task events")
	}
	events := result.(<-chan types.TaskEvent)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.handleEvent(ctx, ev); err != nil {
				log.WithComponent("subscriber").Warn("handle event failed: " + err.Error())
			}
			s.persistCursor(ev.Seq)
			metrics.SubscriberLag.WithLabelValues(s.cfg.NodeUUID).Set(0)
		}
	}
}

func (s *Subscriber) handleEvent(ctx context.Context, ev types.TaskEvent) error {
	switch ev.Kind {
	case types.EventCreate, types.EventUpdate:
		task, err := s.client.GetTask(ctx, ev.TaskID)
		if err != nil {
			return err
		}
		s.tasks.Put(task)
	case types.EventDelete:
		// Local bookkeeping has no delete; a Failed/absent lookup at
		// invocation time surfaces as NotFound, which is an acceptable
		// terminal state for a deleted task.
	}
	return nil
}
