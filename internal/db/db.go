// Package db defines an abstract, transactional key/value interface so the
// Persistence component (internal/persistence) can be backed by different
// engines — an embedded bbolt file by default, or Postgres for operators who
// want metadata centralized outside the local data directory — without
// changing the typed store built on top. The interface is a bucketed KV
// split rather than a relational one, since Persistence is "a typed KV
// with indexed queries, not a relational engine" (spec.md §4.1).
package db

import "context"

// Tx is a single atomic unit of work against one or more buckets. A Tx is
// only valid for the lifetime of the Update/View callback that received it.
type Tx interface {
	// Get reads a single value. ok is false if the key does not exist.
	Get(bucket, key string) (value []byte, ok bool, err error)
	// Put writes or overwrites a single value.
	Put(bucket, key string, value []byte) error
	// Delete removes a key. It is not an error to delete a missing key.
	Delete(bucket, key string) error
	// ForEach iterates every key/value pair in bucket in key order, stopping
	// at the first error returned by fn.
	ForEach(bucket string, fn func(key string, value []byte) error) error
}

// Database abstracts a transactional, bucketed key/value store.
type Database interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error
	// Update runs fn in a read-write transaction, committing on success and
	// rolling back on any error returned by fn. This is the "transaction(fn)"
	// combinator required by spec.md §4.1.
	Update(ctx context.Context, fn func(Tx) error) error
	// Ping verifies connectivity/health of the backing engine.
	Ping(ctx context.Context) error
	// Close releases all resources held by the engine.
	Close() error
	// DriverName identifies the backing engine ("bbolt", "postgres", "memory").
	DriverName() string
}
