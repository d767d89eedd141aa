package storage

import "github.com/cuemby/spear/pkg/apperr"

// KV is one key/value pair, returned from range and all scans.
type KV struct {
	Key   string
	Value []byte
}

// RangeOptions bounds a Range scan. Start is inclusive, End is exclusive.
// A zero Limit means unbounded.
type RangeOptions struct {
	Start   string
	End     string
	Limit   int
	Reverse bool
}

// Store is the KV abstraction used by both the management service and the
// worker agent. Implementations must never leak backend-specific error
// types; all failures are wrapped with apperr.Storage.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) (bool, error)
	Exists(key string) (bool, error)
	KeysWithPrefix(prefix string) ([]string, error)
	Range(opts RangeOptions) ([]KV, error)
	All() ([]KV, error)
	Count() (int, error)
	Clear() error
	BatchPut(pairs []KV) error
	BatchDelete(keys []string) (int, error)
	Close() error
}

// Backend names a compiled-in Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBolt   Backend = "bolt"
)

// Config selects and configures a Store via Open.
type Config struct {
	Backend    Backend
	Path       string
	Parameters map[string]string
}

// Open is the Store factory. It validates Backend against the compiled
// registry and rejects a non-empty Path for the memory backend.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory:
		if cfg.Path != "" {
			return nil, apperr.New(apperr.InvalidArgument, "memory backend does not accept a path")
		}
		return NewMemoryStore(), nil
	case BackendBolt:
		if cfg.Path == "" {
			return nil, apperr.New(apperr.InvalidArgument, "bolt backend requires a path")
		}
		return NewBoltStore(cfg.Path)
	default:
		return nil, apperr.Newf(apperr.InvalidArgument, "unknown storage backend %q", cfg.Backend)
	}
}
