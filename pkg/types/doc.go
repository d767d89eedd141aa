/*
Package types defines the core data structures shared by the management
service and the worker agent.

These are the entities persisted to the key-value store and exchanged over
the control channel and RPC surface: node registrations and their resource
telemetry, task definitions, the append-only task event log, subscriber
cursors, worker-local artifacts and runtime instances, control connections,
and worker-local stored objects.

All types are JSON-serializable; the canonical KV key for each entity is
built by the helpers in pkg/storage/keys.go, not by this package.
*/
package types
