// Package manager implements the fleet coordination plane that runs inside
// the management service: the node registry (worker bookkeeping and
// heartbeat-driven health), the task registry (the durable record of
// registered tasks and their append-only lifecycle event log), and the
// resumable event stream that lets workers and clients replay-then-tail
// that log from a persisted cursor.
//
// Everything here is layered on pkg/storage and holds no network surface
// of its own; cmd/spear-manager wires it behind whatever RPC transport is
// in front of it. The package owns no consensus protocol: the manager is
// the single logical writer, backed by a persistent KV store rather than a
// replicated log.
package manager
