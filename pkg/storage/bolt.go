package storage

import (
	"bytes"
	"path/filepath"

	"github.com/cuemby/spear/pkg/apperr"
	bolt "go.etcd.io/bbolt"
)

var rootBucket = []byte("spear")

// BoltStore is an embedded, B+tree-ordered Store backend, adapted from the
// teacher's per-entity-bucket BoltDB store into a single bucket spanning
// the whole key namespace, so KeysWithPrefix/Range can scan across every
// entity kind rather than per-entity buckets.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "spear.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, err, "open bolt database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.Storage, err, "create root bucket")
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return apperr.Wrap(apperr.Storage, err, "close bolt database")
	}
	return nil
}

func (s *BoltStore) Get(key string) ([]byte, bool, error) {
	var out []byte
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(rootBucket).Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, false, apperr.Wrap(apperr.Storage, err, "get")
	}
	return out, found, nil
}

func (s *BoltStore) Put(key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(rootBucket).Put([]byte(key), value)
	})
	if err != nil {
		return apperr.Wrap(apperr.Storage, err, "put")
	}
	return nil
}

func (s *BoltStore) Delete(key string) (bool, error) {
	existed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		if b.Get([]byte(key)) != nil {
			existed = true
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, err, "delete")
	}
	return existed, nil
}

func (s *BoltStore) Exists(key string) (bool, error) {
	_, found, err := s.Get(key)
	return found, err
}

func (s *BoltStore) KeysWithPrefix(prefix string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rootBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			out = append(out, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, err, "keys_with_prefix")
	}
	return out, nil
}

func (s *BoltStore) Range(opts RangeOptions) ([]KV, error) {
	var out []KV
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(rootBucket).Cursor()

		step := c.Next
		var k, v []byte
		if opts.Reverse {
			step = c.Prev
			if opts.End != "" {
				k, v = c.Seek([]byte(opts.End))
				if k == nil {
					k, v = c.Last()
				} else {
					k, v = c.Prev()
				}
			} else {
				k, v = c.Last()
			}
		} else {
			if opts.Start != "" {
				k, v = c.Seek([]byte(opts.Start))
			} else {
				k, v = c.First()
			}
		}

		for ; k != nil; k, v = step() {
			ks := string(k)
			if !opts.Reverse && opts.End != "" && ks >= opts.End {
				break
			}
			if opts.Reverse && opts.Start != "" && ks < opts.Start {
				break
			}
			out = append(out, KV{Key: ks, Value: append([]byte(nil), v...)})
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, err, "range")
	}
	return out, nil
}

func (s *BoltStore) All() ([]KV, error) {
	return s.Range(RangeOptions{})
}

func (s *BoltStore) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(rootBucket).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, err, "count")
	}
	return n, nil
}

func (s *BoltStore) Clear() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(rootBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(rootBucket)
		return err
	})
	if err != nil {
		return apperr.Wrap(apperr.Storage, err, "clear")
	}
	return nil
}

// BatchPut writes all pairs in a single bolt transaction: atomic per key,
// but if the transaction itself fails partway the whole batch rolls back
// together, never leaving a reader observing a partially-applied batch.
func (s *BoltStore) BatchPut(pairs []KV) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		for _, p := range pairs {
			if err := b.Put([]byte(p.Key), p.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.Storage, err, "batch_put")
	}
	return nil
}

func (s *BoltStore) BatchDelete(keys []string) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket)
		for _, k := range keys {
			if b.Get([]byte(k)) != nil {
				n++
			}
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, apperr.Wrap(apperr.Storage, err, "batch_delete")
	}
	return n, nil
}
