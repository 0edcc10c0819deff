// Package memdb is a pure in-memory Database, used both for the ephemeral
// trigger-record table (spec.md §4.1's "durability split") and, when
// memory_mode is configured, as a stand-in for the durable store too.
package memdb

import (
	"context"
	"sort"
	"sync"

	"github.com/latzero/latzero/internal/db"
)

// DB is a process-local Database backed by a guarded map of buckets.
type DB struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// New returns an empty in-memory Database.
func New() *DB {
	return &DB{buckets: make(map[string]map[string][]byte)}
}

func (d *DB) DriverName() string { return "memory" }

func (d *DB) Ping(ctx context.Context) error { return nil }

func (d *DB) Close() error { return nil }

// View and Update both take the same coarse lock: this store exists for
// ephemeral/test use where simplicity beats read-write concurrency.
func (d *DB) View(ctx context.Context, fn func(db.Tx) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return fn(&memTx{d: d})
}

func (d *DB) Update(ctx context.Context, fn func(db.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Snapshot isn't needed for rollback semantics here because fn mutates
	// through memTx directly; on error we discard the delta by replaying
	// onto a scratch copy instead, matching bbolt's all-or-nothing contract.
	scratch := d.cloneLocked()
	tx := &memTx{d: &DB{buckets: scratch}}
	if err := fn(tx); err != nil {
		return err
	}
	d.buckets = scratch
	return nil
}

func (d *DB) cloneLocked() map[string]map[string][]byte {
	cp := make(map[string]map[string][]byte, len(d.buckets))
	for bucket, kv := range d.buckets {
		inner := make(map[string][]byte, len(kv))
		for k, v := range kv {
			inner[k] = v
		}
		cp[bucket] = inner
	}
	return cp
}

type memTx struct {
	d *DB
}

func (t *memTx) Get(bucket, key string) ([]byte, bool, error) {
	kv, ok := t.d.buckets[bucket]
	if !ok {
		return nil, false, nil
	}
	v, ok := kv[key]
	return v, ok, nil
}

func (t *memTx) Put(bucket, key string, value []byte) error {
	kv, ok := t.d.buckets[bucket]
	if !ok {
		kv = make(map[string][]byte)
		t.d.buckets[bucket] = kv
	}
	kv[key] = value
	return nil
}

func (t *memTx) Delete(bucket, key string) error {
	if kv, ok := t.d.buckets[bucket]; ok {
		delete(kv, key)
	}
	return nil
}

func (t *memTx) ForEach(bucket string, fn func(key string, value []byte) error) error {
	kv, ok := t.d.buckets[bucket]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, kv[k]); err != nil {
			return err
		}
	}
	return nil
}
