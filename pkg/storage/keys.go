package storage

import "fmt"

// Canonical key namespace prefixes (spec §6.5).
const (
	prefixNode     = "node:"
	prefixResource = "resource:"
	prefixTask     = "task:"
	prefixEvent    = "event:"
	prefixCursor   = "cursor:"
	prefixObject   = "object:"
	prefixExecution = "execution:"

	// EventNextSeqKey is the u64 counter key updated atomically with
	// every event write.
	EventNextSeqKey = prefixEvent + "next_seq"
)

func NodeKey(uuid string) string     { return prefixNode + uuid }
func ResourceKey(uuid string) string { return prefixResource + uuid }
func TaskKey(id string) string       { return prefixTask + id }
func CursorKey(subscriberID string) string { return prefixCursor + subscriberID }
func ObjectKey(key string) string    { return prefixObject + key }
func ExecutionKey(executionID string) string { return prefixExecution + executionID }

// EventKey formats the append-only log key for a sequence number, zero
// padded so lexicographic and numeric order agree.
func EventKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", prefixEvent, seq)
}

const (
	NodePrefix     = prefixNode
	ResourcePrefix = prefixResource
	TaskPrefix     = prefixTask
	EventPrefix    = prefixEvent
	CursorPrefix   = prefixCursor
	ObjectPrefix   = prefixObject
	ExecutionPrefix = prefixExecution
)
