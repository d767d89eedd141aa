package manager

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/log"
	"github.com/cuemby/spear/pkg/metrics"
	"github.com/cuemby/spear/pkg/storage"
	"github.com/cuemby/spear/pkg/types"
)

// EventStreamConfig controls cursor persistence cadence.
type EventStreamConfig struct {
	PersistEveryN int
	PersistEvery  time.Duration
}

// DefaultEventStreamConfig matches spec's "every N events (default 64) or
// every T seconds (default 5)".
func DefaultEventStreamConfig() EventStreamConfig {
	return EventStreamConfig{PersistEveryN: 64, PersistEvery: 5 * time.Second}
}

// EventStream is the resumable, server-push task event stream, extended
// from the teacher's fire-and-forget events.Broker with per-subscriber
// persisted cursors and replay-then-tail resume semantics (spec §4.3.1).
type EventStream struct {
	registry *TaskRegistry
	cfg      EventStreamConfig

	mu   sync.RWMutex
	tail map[chan types.TaskEvent]struct{}
}

func newEventStream(r *TaskRegistry) *EventStream {
	return &EventStream{
		registry: r,
		cfg:      DefaultEventStreamConfig(),
		tail:     make(map[chan types.TaskEvent]struct{}),
	}
}

func (s *EventStream) publish(ev types.TaskEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.tail {
		select {
		case ch <- ev:
		default:
			log.WithComponent("event_stream").Warn("subscriber channel full, dropping live event")
		}
	}
}

func (s *EventStream) loadCursor(subscriberID string) (*types.SubscriberCursor, error) {
	raw, found, err := s.registry.store.Get(storage.CursorKey(subscriberID))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "read cursor")
	}
	if !found {
		return nil, nil
	}
	var c types.SubscriberCursor
	if err := jsonUnmarshal(raw, &c); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decode cursor")
	}
	return &c, nil
}

func (s *EventStream) saveCursor(c types.SubscriberCursor) error {
	c.UpdatedAt = time.Now()
	raw, err := jsonMarshal(c)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode cursor")
	}
	return apperr.Wrap(apperr.Internal, s.registry.store.Put(storage.CursorKey(c.SubscriberID), raw), "persist cursor")
}

func (s *EventStream) oldestRetainedSeq() (uint64, error) {
	keys, err := s.registry.store.Range(storage.RangeOptions{Start: storage.EventPrefix, End: storage.EventNextSeqKey, Limit: 1})
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "scan event log")
	}
	if len(keys) == 0 {
		return 0, nil
	}
	raw, found, err := s.registry.store.Get(keys[0].Key)
	if err != nil || !found {
		return 0, nil
	}
	var ev types.TaskEvent
	if err := jsonUnmarshal(raw, &ev); err != nil {
		return 0, nil
	}
	return ev.Seq, nil
}

// Subscription is a live handle returned by Subscribe; callers read from
// Events and must call Close on disconnect so the cursor is persisted and
// the channel is unregistered from live tailing.
type Subscription struct {
	Events <-chan types.TaskEvent
	stream *EventStream
	ch     chan types.TaskEvent

	subscriberID string
	nodeFilter   string
	mu           sync.Mutex
	cursor       uint64
	delivered    int
	lastPersist  time.Time
}

// Subscribe implements subscribe(node_uuid, last_event_id?) per §4.3.1:
// replays events with seq > resume_position matching the node filter, then
// begins tailing new events into the returned channel.
func (s *EventStream) Subscribe(subscriberID, nodeUUID string, lastEventID *uint64) (*Subscription, error) {
	persisted, err := s.loadCursor(subscriberID)
	if err != nil {
		return nil, err
	}

	resume := uint64(0)
	if lastEventID != nil {
		resume = *lastEventID
	}
	if persisted != nil && persisted.LastEventID > resume {
		resume = persisted.LastEventID
	}

	if resume > 0 {
		oldest, err := s.oldestRetainedSeq()
		if err != nil {
			return nil, err
		}
		if oldest > 0 && resume < oldest-1 {
			return nil, apperr.Newf(apperr.DataLoss,
				"subscriber %s cursor %d precedes retained events (oldest=%d); re-bootstrap from list_tasks", subscriberID, resume, oldest)
		}
	}

	replay, err := s.replay(resume, nodeUUID)
	if err != nil {
		return nil, err
	}

	// The buffer holds the whole replay plus 256 entries of live headroom,
	// so the replay sends below never wait on a reader.
	ch := make(chan types.TaskEvent, len(replay)+256)
	sub := &Subscription{
		Events:       ch,
		stream:       s,
		ch:           ch,
		subscriberID: subscriberID,
		nodeFilter:   nodeUUID,
		cursor:       resume,
		lastPersist:  time.Now(),
	}

	// Replay is delivered in full (never dropped) and enqueued before the
	// channel is registered for live tailing, so a concurrent publish can
	// never interleave ahead of replay: §4.3.1's "in order, once" holds
	// even on a busy stream. Both happen before Subscribe returns.
	for _, ev := range replay {
		ch <- ev
	}

	s.mu.Lock()
	s.tail[ch] = struct{}{}
	s.mu.Unlock()

	return sub, nil
}

// replay returns retained events with seq > resume whose target matches
// nodeUUID (empty nodeUUID matches all), in append order.
func (s *EventStream) replay(resume uint64, nodeUUID string) ([]types.TaskEvent, error) {
	kvs, err := s.registry.store.Range(storage.RangeOptions{Start: storage.EventPrefix, End: storage.EventNextSeqKey})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "scan event log")
	}

	var out []types.TaskEvent
	for _, kv := range kvs {
		var ev types.TaskEvent
		if err := jsonUnmarshal(kv.Value, &ev); err != nil {
			continue
		}
		if ev.Seq <= resume {
			continue
		}
		if nodeUUID != "" && ev.TargetNodeUUID != "" && ev.TargetNodeUUID != nodeUUID {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Ack advances the subscriber's in-memory cursor after a delivered event
// and persists it every PersistEveryN events or PersistEvery duration.
func (sub *Subscription) Ack(ev types.TaskEvent) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if ev.Seq > sub.cursor {
		sub.cursor = ev.Seq
	}
	sub.delivered++
	metrics.SubscriberLag.WithLabelValues(sub.subscriberID).Set(0)

	due := sub.delivered >= sub.stream.cfg.PersistEveryN || time.Since(sub.lastPersist) >= sub.stream.cfg.PersistEvery
	if !due {
		return nil
	}
	sub.delivered = 0
	sub.lastPersist = time.Now()
	return sub.stream.saveCursor(types.SubscriberCursor{
		SubscriberID:   sub.subscriberID,
		LastEventID:    sub.cursor,
		NodeUUIDFilter: sub.nodeFilter,
	})
}

// Close unregisters the subscription from live tailing and persists its
// final cursor (spec: persisted "when the client disconnects cleanly").
func (sub *Subscription) Close() error {
	sub.stream.mu.Lock()
	delete(sub.stream.tail, sub.ch)
	sub.stream.mu.Unlock()
	close(sub.ch)

	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.stream.saveCursor(types.SubscriberCursor{
		SubscriberID:   sub.subscriberID,
		LastEventID:    sub.cursor,
		NodeUUIDFilter: sub.nodeFilter,
	})
}
