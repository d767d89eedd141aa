/*
Package storage provides the key-value abstraction shared by the
management service and the worker agent: an ordered byte-string mapping
with prefix scan, range scan, batch mutation, and a pluggable backend.

Two backends are provided. NewMemoryStore is an in-memory backend used by
default in tests. NewBoltStore is an embedded, B+tree-ordered backend
(go.etcd.io/bbolt) used in production. Both are reached through Open, a
factory that validates a Config's backend name against the compiled
registry and rejects a non-empty path for the memory backend.

Operations are atomic per key; batch operations are atomic per key but not
across keys. Backend-specific errors are never returned to callers — every
failure is wrapped as an apperr.Storage error.
*/
package storage
