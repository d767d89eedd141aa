package manager

import (
	"testing"
	"time"

	"github.com/cuemby/spear/pkg/storage"
	"github.com/cuemby/spear/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func putCursor(t *testing.T, store storage.Store, subscriberID string, lastEventID uint64) {
	t.Helper()
	raw, err := jsonMarshal(types.SubscriberCursor{SubscriberID: subscriberID, LastEventID: lastEventID})
	require.NoError(t, err)
	require.NoError(t, store.Put(storage.CursorKey(subscriberID), raw))
}

func TestPruneEventsRetainsEventsNeededByLaggingSubscriber(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewTaskRegistry(store, TaskRegistryConfig{RetentionWindow: time.Hour, RetentionEvents: 1_000_000})

	const n = 1200
	for i := 0; i < n; i++ {
		_, err := r.RegisterTask(newTask("t", "N"))
		require.NoError(t, err)
	}

	// Subscriber has acked up through seq 1100; only events <= 1100-1000=100
	// are eligible for pruning by the cursor bound.
	putCursor(t, store, "watcher", 1100)

	// Force the count bound to trigger too: with RetentionEvents=500 the
	// first 700 events (n-500) are "past count", but the cursor floor
	// still protects everything above seq 100.
	r.cfg.RetentionEvents = 500

	require.NoError(t, r.PruneEvents())

	// The event:next_seq counter shares the event: prefix, so scan only
	// the event keys, the same range the registry itself scans.
	eventKVs, err := store.Range(storage.RangeOptions{Start: storage.EventPrefix, End: storage.EventNextSeqKey})
	require.NoError(t, err)
	remaining := make([]string, 0, len(eventKVs))
	for _, kv := range eventKVs {
		remaining = append(remaining, kv.Key)
	}

	// Events with seq in (100, n] must all still be present (protected by
	// the cursor floor), regardless of the count bound.
	var maxRemainingUnderFloor uint64
	aboveFloor := 0
	for _, k := range remaining {
		raw, found, err := store.Get(k)
		require.NoError(t, err)
		require.True(t, found)
		var ev types.TaskEvent
		require.NoError(t, jsonUnmarshal(raw, &ev))
		if ev.Seq > 100 {
			aboveFloor++
			continue
		}
		if ev.Seq > maxRemainingUnderFloor {
			maxRemainingUnderFloor = ev.Seq
		}
	}

	assert.Less(t, len(remaining), n, "some events below the cursor floor should have been pruned")
	assert.Equal(t, n-100, aboveFloor, "every event above the cursor floor should be retained")

	for _, k := range remaining {
		raw, found, err := store.Get(k)
		require.NoError(t, err)
		require.True(t, found)
		var ev types.TaskEvent
		require.NoError(t, jsonUnmarshal(raw, &ev))
		assert.True(t, ev.Seq > 100 || ev.Seq <= maxRemainingUnderFloor)
	}
}

func TestPruneEventsNoopWithoutCursorsOrExcess(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewTaskRegistry(store, DefaultTaskRegistryConfig())

	_, err := r.RegisterTask(newTask("t1", "N"))
	require.NoError(t, err)
	_, err = r.RegisterTask(newTask("t2", "N"))
	require.NoError(t, err)

	require.NoError(t, r.PruneEvents())

	remaining, err := store.Range(storage.RangeOptions{Start: storage.EventPrefix, End: storage.EventNextSeqKey})
	require.NoError(t, err)
	assert.Len(t, remaining, 2)
}
