// Package store provides the durable BoltDB-backed key-value layer
// behind the DLQ and canary registry: one bucket per concern, raw-byte
// values so callers own their own JSON envelope instead of the store
// knowing their types.
package store

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// Store wraps a single BoltDB file holding one or more named buckets.
type Store struct {
	db *bbolt.DB
}

// Open creates or opens a BoltDB file at path, ensuring every bucket in
// buckets exists.
func Open(path string, buckets ...string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// Put writes value under key in bucket.
func (s *Store) Put(bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		return b.Put([]byte(key), value)
	})
}

// Get returns the value for key in bucket, and false if absent.
func (s *Store) Get(bucket, key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		v := b.Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil, err
}

// Delete removes key from bucket, if present.
func (s *Store) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		return b.Delete([]byte(key))
	})
}

// ForEach walks every key/value pair in bucket in key order, stopping on
// the first error returned by fn.
func (s *Store) ForEach(bucket string, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("store: unknown bucket %q", bucket)
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// Count returns the number of keys in bucket.
func (s *Store) Count(bucket string) int {
	n := 0
	_ = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n
}
