// Package runlog optionally persists a record of every target completion
// (one per postorder callback, recorded by internal/forge) to a
// bbolt-backed sidecar file, keyed by a monotonically
// increasing sequence number in a single bucket (SPEC_FULL.md §6.5). When no
// --runlog path is given, Store is Nop and callers never branch on whether
// logging is active.
package runlog

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// Entry is one recorded target completion.
type Entry struct {
	Target   string        `json:"target"`
	ExitOK   bool          `json:"exit_ok"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration_ns"`
	At       time.Time     `json:"at"`
}

// Store persists Entry records. Record must be safe to call from any
// worker-pool goroutine concurrently.
type Store interface {
	Record(Entry) error
	Close() error
}

// Nop is the default Store: --runlog was never passed.
type Nop struct{}

func (Nop) Record(Entry) error { return nil }
func (Nop) Close() error       { return nil }

// Bolt is a Store backed by a bbolt database file.
type Bolt struct {
	db *bbolt.DB
}

// Open creates or opens the bbolt file at path, ensuring its single bucket
// exists.
func Open(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0666, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketEntries)
		return e
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

// Record appends entry under the next sequence number in the bucket.
func (b *Bolt) Record(entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, payload)
	})
}

// All returns every recorded entry in sequence order, used by tests and by
// a future `forge runlog show` subcommand.
func (b *Bolt) All() ([]Entry, error) {
	var out []Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// Close closes the underlying bbolt database.
func (b *Bolt) Close() error { return b.db.Close() }
