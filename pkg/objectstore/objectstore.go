// Package objectstore implements the worker-optional content object store:
// reference-counted, pinnable byte blobs layered directly over the generic
// KV store, generalized from the teacher's per-entity bucket CRUD shape.
package objectstore

import (
	"time"

	"github.com/cuemby/spear/pkg/apperr"
	"github.com/cuemby/spear/pkg/storage"
	"github.com/cuemby/spear/pkg/types"
)

// Config bounds object size.
type Config struct {
	MaxObjectBytes int64
}

// DefaultConfig matches spec's worker-wide default cap.
func DefaultConfig() Config {
	return Config{MaxObjectBytes: 512 * 1024 * 1024}
}

// Store is the content object store.
type Store struct {
	kv  storage.Store
	cfg Config
}

// New creates a Store over the given KV backend.
func New(kv storage.Store, cfg Config) *Store {
	return &Store{kv: kv, cfg: cfg}
}

func (s *Store) getLocked(key string) (*types.StoredObject, error) {
	raw, found, err := s.kv.Get(storage.ObjectKey(key))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "read object")
	}
	if !found {
		return nil, apperr.Newf(apperr.NotFound, "object %s not found", key)
	}
	var o types.StoredObject
	if err := jsonUnmarshal(raw, &o); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "decode object")
	}
	return &o, nil
}

func (s *Store) put(o *types.StoredObject) error {
	raw, err := jsonMarshal(o)
	if err != nil {
		return apperr.Wrap(apperr.Internal, err, "encode object")
	}
	return apperr.Wrap(apperr.Internal, s.kv.Put(storage.ObjectKey(o.Key), raw), "persist object")
}

// Put stores data under key, rejecting anything over the configured cap.
func (s *Store) Put(key string, data []byte) (*types.StoredObject, error) {
	if int64(len(data)) > s.cfg.MaxObjectBytes {
		return nil, apperr.Newf(apperr.InvalidArgument, "object %s exceeds max size %d bytes", key, s.cfg.MaxObjectBytes)
	}
	now := time.Now()
	o := &types.StoredObject{
		Key:        key,
		Bytes:      data,
		Size:       int64(len(data)),
		CreatedAt:  now,
		LastAccess: now,
	}
	if existing, err := s.getLocked(key); err == nil {
		o.RefCount = existing.RefCount
		o.Pinned = existing.Pinned
		o.CreatedAt = existing.CreatedAt
	}
	if err := s.put(o); err != nil {
		return nil, err
	}
	return o, nil
}

// Get returns a stored object by key.
func (s *Store) Get(key string) (*types.StoredObject, error) {
	return s.getLocked(key)
}

// List returns keys with the given prefix, paginated by startAfter/limit.
func (s *Store) List(prefix string, startAfter string, limit int) ([]string, error) {
	start := storage.ObjectKey(prefix)
	if startAfter != "" {
		start = storage.ObjectKey(startAfter) + "\x00"
	}
	end := storage.ObjectPrefix + "\xff"
	kvs, err := s.kv.Range(storage.RangeOptions{Start: start, End: end, Limit: limit})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "list objects")
	}
	var out []string
	for _, kv := range kvs {
		k := kv.Key[len(storage.ObjectPrefix):]
		if prefix != "" && len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		} else if prefix == "" {
			out = append(out, k)
		}
	}
	return out, nil
}

// AddRef increments the reference count for key.
func (s *Store) AddRef(key string) error {
	o, err := s.getLocked(key)
	if err != nil {
		return err
	}
	o.RefCount++
	o.LastAccess = time.Now()
	return s.put(o)
}

// RemoveRef decrements the reference count for key, floored at zero.
func (s *Store) RemoveRef(key string) error {
	o, err := s.getLocked(key)
	if err != nil {
		return err
	}
	if o.RefCount > 0 {
		o.RefCount--
	}
	o.LastAccess = time.Now()
	return s.put(o)
}

// Pin marks an object as ineligible for deletion regardless of ref_count.
func (s *Store) Pin(key string) error {
	o, err := s.getLocked(key)
	if err != nil {
		return err
	}
	o.Pinned = true
	return s.put(o)
}

// Unpin clears the pinned flag.
func (s *Store) Unpin(key string) error {
	o, err := s.getLocked(key)
	if err != nil {
		return err
	}
	o.Pinned = false
	return s.put(o)
}

// Delete removes an object, failing precondition if it is pinned or still
// referenced.
func (s *Store) Delete(key string) error {
	o, err := s.getLocked(key)
	if err != nil {
		return err
	}
	if o.Pinned {
		return apperr.Newf(apperr.FailedPrecondition, "object %s is pinned", key)
	}
	if o.RefCount > 0 {
		return apperr.Newf(apperr.FailedPrecondition, "object %s has %d references", key, o.RefCount)
	}
	_, err = s.kv.Delete(storage.ObjectKey(key))
	return apperr.Wrap(apperr.Internal, err, "delete object")
}
