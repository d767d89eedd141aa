package manager

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/log"
	"github.com/cuemby/spear/pkg/metrics"
	"github.com/cuemby/spear/pkg/storage"
	"github.com/cuemby/spear/pkg/types"
	"github.com/google/uuid"
)

// pruneSafetyMargin is subtracted from the minimum subscriber cursor so a
// subscriber reconnecting just after its last ack still finds its events
// retained.
const pruneSafetyMargin = 1000

// TaskRegistryConfig controls event log retention.
type TaskRegistryConfig struct {
	RetentionWindow time.Duration
	RetentionEvents uint64
}

// DefaultTaskRegistryConfig matches spec's "7 days or 10^6 events".
func DefaultTaskRegistryConfig() TaskRegistryConfig {
	return TaskRegistryConfig{
		RetentionWindow: 7 * 24 * time.Hour,
		RetentionEvents: 1_000_000,
	}
}

// TaskRegistry owns Task entities and the append-only task event log.
type TaskRegistry struct {
	store storage.Store
	cfg   TaskRegistryConfig
	mu    sync.Mutex

	stream *EventStream
}

// NewTaskRegistry creates a TaskRegistry over the given store.
func NewTaskRegistry(store storage.Store, cfg TaskRegistryConfig) *TaskRegistry {
	r := &TaskRegistry{store: store, cfg: cfg}
	r.stream = newEventStream(r)
	return r
}

// Stream returns the resumable event stream fed by this registry.
func (r *TaskRegistry) Stream() *EventStream { return r.stream }

func (r *TaskRegistry) nextSeqLocked() (uint64, error) {
	raw, found, err := r.store.Get(storage.EventNextSeqKey)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "read next_seq")
	}
	if !found {
		return 1, nil
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "parse next_seq")
	}
	return n, nil
}

// appendEventLocked writes a task's lifecycle event and the next_seq
// counter as a single atomic batch; callers persist the Task row first
// (spec: "the event is stored ... with a separate
// counter key updated atomically with the event write").
func (r *TaskRegistry) appendEventLocked(kind types.EventKind, task *types.Task) (uint64, error) {
	seq, err := r.nextSeqLocked()
	if err != nil {
		return 0, err
	}

	ev := types.TaskEvent{
		Seq:       seq,
		Kind:      kind,
		TaskID:    task.ID,
		Timestamp: time.Now(),
	}
	if task.TargetNodeUUID != "" {
		ev.TargetNodeUUID = task.TargetNodeUUID
	}
	if kind != types.EventDelete {
		snap := *task
		ev.Payload = &snap
	}

	evRaw, err := jsonMarshal(ev)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "encode event")
	}

	pairs := []storage.KV{
		{Key: storage.EventKey(seq), Value: evRaw},
		{Key: storage.EventNextSeqKey, Value: []byte(strconv.FormatUint(seq+1, 10))},
	}
	if err := r.store.BatchPut(pairs); err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "persist event")
	}
	metrics.EventLogLength.Inc()
	r.stream.publish(ev)
	return seq, nil
}

// RegisterTask assigns an id (unless the caller supplied one that does
// not collide), persists the task, and appends a Create event.
func (r *TaskRegistry) RegisterTask(task types.Task) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	} else if _, found, _ := r.store.Get(storage.TaskKey(task.ID)); found {
		return "", apperr.Newf(apperr.InvalidArgument, "task %s already registered", task.ID)
	}
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.Status = types.TaskStatusRegistered

	raw, err := jsonMarshal(task)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "encode task")
	}
	if err := r.store.Put(storage.TaskKey(task.ID), raw); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "persist task")
	}
	if _, err := r.appendEventLocked(types.EventCreate, &task); err != nil {
		return "", err
	}
	log.WithTaskID(task.ID).Info("task registered")
	return task.ID, nil
}

func (r *TaskRegistry) getTaskLocked(id string) (*types.Task, error) {
	raw, found, err := r.store.Get(storage.TaskKey(id))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "read task")
	}
	if !found {
		return nil, apperr.Newf(apperr.NotFound, "task %s not found", id)
	}
	var t types.Task
	if err := jsonUnmarshal(raw, &t); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decode task")
	}
	return &t, nil
}

// GetTask returns the current Task row.
func (r *TaskRegistry) GetTask(id string) (*types.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getTaskLocked(id)
}

// UpdateTask applies a patch and appends an Update event.
func (r *TaskRegistry) UpdateTask(id string, patch types.TaskPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.getTaskLocked(id)
	if err != nil {
		return err
	}
	if patch.Name != nil {
		t.Name = *patch.Name
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Endpoint != nil {
		t.Endpoint = *patch.Endpoint
	}
	if patch.Version != nil {
		t.Version = *patch.Version
	}
	if patch.Capabilities != nil {
		t.Capabilities = patch.Capabilities
	}
	if patch.Config != nil {
		t.Config = patch.Config
	}
	if patch.Executable != nil {
		t.Executable = *patch.Executable
	}
	if patch.TargetNodeUUID != nil {
		t.TargetNodeUUID = *patch.TargetNodeUUID
	}
	t.UpdatedAt = time.Now()

	raw, err := jsonMarshal(t)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode task")
	}
	if err := r.store.Put(storage.TaskKey(id), raw); err != nil {
		return apperr.Wrap(apperr.Internal, err, "persist task")
	}
	_, err = r.appendEventLocked(types.EventUpdate, t)
	return err
}

// UnregisterTask marks a task Unregistered and appends an Update event.
func (r *TaskRegistry) UnregisterTask(id string) error {
	status := types.TaskStatusUnregistered
	return r.UpdateTask(id, types.TaskPatch{Status: &status})
}

// DeleteTask removes the row and appends a Delete event.
func (r *TaskRegistry) DeleteTask(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.getTaskLocked(id)
	if err != nil {
		return err
	}
	if _, err := r.store.Delete(storage.TaskKey(id)); err != nil {
		return apperr.Wrap(apperr.Internal, err, "delete task")
	}
	_, err = r.appendEventLocked(types.EventDelete, t)
	return err
}

// StartRetentionSweeper runs PruneEvents on a ticker until stop is closed,
// mirroring NodeRegistry's heartbeat sweeper idiom.
func (r *TaskRegistry) StartRetentionSweeper(stop <-chan struct{}, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := r.PruneEvents(); err != nil {
					log.WithComponent("task_registry").Warn("prune_events failed: " + err.Error())
				}
			}
		}
	}()
}

// PruneEvents removes retained events that are both past the configured
// retention bound (age or count, whichever is reached first) and older
// than every subscriber's persisted cursor minus a safety margin, so a
// subscriber that reconnects after a long disconnect never finds events
// it hasn't acked yet already gone.
func (r *TaskRegistry) PruneEvents() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cursorKeys, err := r.store.KeysWithPrefix(storage.CursorPrefix)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "list cursors")
	}
	var minCursor uint64
	haveCursor := false
	for _, k := range cursorKeys {
		raw, found, err := r.store.Get(k)
		if err != nil || !found {
			continue
		}
		var c types.SubscriberCursor
		if err := jsonUnmarshal(raw, &c); err != nil {
			continue
		}
		if !haveCursor || c.LastEventID < minCursor {
			minCursor = c.LastEventID
			haveCursor = true
		}
	}

	eventKVs, err := r.store.Range(storage.RangeOptions{Start: storage.EventPrefix, End: storage.EventNextSeqKey})
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "scan event log")
	}
	if len(eventKVs) == 0 {
		return nil
	}

	excessByCount := 0
	if uint64(len(eventKVs)) > r.cfg.RetentionEvents {
		excessByCount = len(eventKVs) - int(r.cfg.RetentionEvents)
	}
	now := time.Now()

	var toDelete []string
	for i, kv := range eventKVs {
		var ev types.TaskEvent
		if err := jsonUnmarshal(kv.Value, &ev); err != nil {
			continue
		}
		pastCount := i < excessByCount
		pastWindow := now.Sub(ev.Timestamp) > r.cfg.RetentionWindow
		if !pastCount && !pastWindow {
			continue
		}
		if haveCursor {
			if minCursor < pruneSafetyMargin || ev.Seq > minCursor-pruneSafetyMargin {
				continue
			}
		}
		toDelete = append(toDelete, kv.Key)
	}
	if len(toDelete) == 0 {
		return nil
	}

	n, err := r.store.BatchDelete(toDelete)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "prune events")
	}
	metrics.EventLogLength.Sub(float64(n))
	log.WithComponent("task_registry").Info(fmt.Sprintf("pruned %d retained events", n))
	return nil
}

// ListTasks applies filters and returns tasks ordered by (created_at, id).
func (r *TaskRegistry) ListTasks(filters types.TaskFilters) ([]*types.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, err := r.store.KeysWithPrefix(storage.TaskPrefix)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list tasks")
	}

	var out []*types.Task
	for _, k := range keys {
		raw, found, err := r.store.Get(k)
		if err != nil || !found {
			continue
		}
		var t types.Task
		if err := jsonUnmarshal(raw, &t); err != nil {
			continue
		}
		if filters.Status != nil && t.Status != *filters.Status {
			continue
		}
		if filters.TargetNodeUUID != nil && t.TargetNodeUUID != *filters.TargetNodeUUID {
			continue
		}
		if filters.Priority != nil && t.Priority != *filters.Priority {
			continue
		}
		tc := t
		out = append(out, &tc)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if filters.Offset > 0 {
		if filters.Offset >= len(out) {
			return nil, nil
		}
		out = out[filters.Offset:]
	}
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}
