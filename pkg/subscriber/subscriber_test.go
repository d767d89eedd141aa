package subscriber

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/spear/pkg/execution"
	"github.com/cuemby/spear/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	events chan types.TaskEvent
	tasks  map[string]*types.Task
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan types.TaskEvent, 16), tasks: make(map[string]*types.Task)}
}

func (f *fakeClient) Subscribe(ctx context.Context, nodeUUID string, lastEventID uint64) (<-chan types.TaskEvent, error) {
	return f.events, nil
}

func (f *fakeClient) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	return f.tasks[taskID], nil
}

func TestDeriveNodeUUIDNormalizesExisting(t *testing.T) {
	id := "550e8400-e29b-41d4-a716-446655440000"
	assert.Equal(t, id, DeriveNodeUUID(id, "127.0.0.1", 9000, "n1"))
}

func TestDeriveNodeUUIDDeterministicFromIdentity(t *testing.T) {
	a := DeriveNodeUUID("", "127.0.0.1", 9000, "n1")
	b := DeriveNodeUUID("", "127.0.0.1", 9000, "n1")
	c := DeriveNodeUUID("", "127.0.0.1", 9001, "n1")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestSubscriberPersistsCursorAndUpdatesTaskIndex(t *testing.T) {
	dir := t.TempDir()
	client := newFakeClient()
	client.tasks["t1"] = &types.Task{ID: "t1", Name: "demo"}
	tasks := execution.NewMemoryTaskIndex()

	cfg := DefaultConfig(dir, "node-1")
	cfg.SMSConnectRetryMs = 10
	sub := New(cfg, client, tasks)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sub.Run(ctx)

	client.events <- types.TaskEvent{Seq: 1, Kind: types.EventCreate, TaskID: "t1"}

	require.Eventually(t, func() bool {
		_, ok := tasks.Get("t1")
		return ok
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		raw, err := os.ReadFile(filepath.Join(dir, "task_events_cursor_node-1.json"))
		if err != nil {
			return false
		}
		var cf cursorFile
		if err := json.Unmarshal(raw, &cf); err != nil {
			return false
		}
		return cf.LastEventID == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSubscriberLoadCursorTreatsMissingAsZero(t *testing.T) {
	dir := t.TempDir()
	client := newFakeClient()
	tasks := execution.NewMemoryTaskIndex()
	sub := New(DefaultConfig(dir, "node-2"), client, tasks)
	assert.Equal(t, uint64(0), sub.loadCursor())
}

func TestSubscriberLoadCursorTreatsCorruptAsZero(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "task_events_cursor_node-3.json"), []byte("not json"), 0o644))
	client := newFakeClient()
	tasks := execution.NewMemoryTaskIndex()
	sub := New(DefaultConfig(dir, "node-3"), client, tasks)
	assert.Equal(t, uint64(0), sub.loadCursor())
}
