// Package persistence is the typed store LatZero's components run on top of:
// CRUD and indexed queries for apps, pools, and memory-block metadata, a
// server_config KV, and backup/retention — all implemented against the
// abstract internal/db.Database so the same Store works unchanged whether
// the backing engine is the default embedded bbolt file, Postgres, or a
// pure in-memory store under memory_mode.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/latzero/latzero/internal/db"
	"github.com/latzero/latzero/internal/domain"
	"github.com/latzero/latzero/internal/logging"
)

// Bucket names for the durable store. Every mutating operation updates
// UpdatedAt on the stored record, per spec.md §4.1's invariant.
const (
	bucketApps     = "apps"
	bucketPools    = "pools"
	bucketBlocks   = "memory_blocks"
	bucketConfig   = "server_config"
)

// Store is the durable metadata store. It holds no domain logic beyond the
// CRUD/query contract spec.md §4.1 describes; constraints that look
// "foreign-key-like" (e.g. a pool must exist before a block references it)
// are enforced by the calling component, not here.
type Store struct {
	database db.Database
}

// New wraps an already-opened db.Database.
func New(database db.Database) *Store {
	return &Store{database: database}
}

// Transaction runs fn atomically against the durable store, rolling back on
// any error fn returns. This is the "transaction(fn)" combinator spec.md
// §4.1 requires, exposed directly rather than re-wrapped.
func (s *Store) Transaction(ctx context.Context, fn func(db.Tx) error) error {
	return s.database.Update(ctx, fn)
}

func (s *Store) Ping(ctx context.Context) error { return s.database.Ping(ctx) }

func (s *Store) Close() error { return s.database.Close() }

// ErrNotFound is returned by Get* methods when the row genuinely does not
// exist, distinct from an I/O error surfacing as a retryable failure.
var ErrNotFound = fmt.Errorf("persistence: not found")

// --- Apps ---------------------------------------------------------------

// SaveApp inserts or replaces an app registration.
func (s *Store) SaveApp(ctx context.Context, app *domain.AppRegistration) error {
	app.LastSeenAt = time.Now()
	buf, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("marshal app %s: %w", app.AppID, err)
	}
	return s.database.Update(ctx, func(tx db.Tx) error {
		return tx.Put(bucketApps, app.AppID, buf)
	})
}

// GetApp reads a single app registration by AppID.
func (s *Store) GetApp(ctx context.Context, appID string) (*domain.AppRegistration, error) {
	var app domain.AppRegistration
	found := false
	err := s.database.View(ctx, func(tx db.Tx) error {
		buf, ok, err := tx.Get(bucketApps, appID)
		if err != nil || !ok {
			return err
		}
		found = true
		return json.Unmarshal(buf, &app)
	})
	if err != nil {
		return nil, fmt.Errorf("get app %s: %w", appID, err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &app, nil
}

// DeleteApp removes an app registration.
func (s *Store) DeleteApp(ctx context.Context, appID string) error {
	return s.database.Update(ctx, func(tx db.Tx) error {
		return tx.Delete(bucketApps, appID)
	})
}

// ListApps returns every stored app registration.
func (s *Store) ListApps(ctx context.Context) ([]*domain.AppRegistration, error) {
	var out []*domain.AppRegistration
	err := s.database.View(ctx, func(tx db.Tx) error {
		return tx.ForEach(bucketApps, func(_ string, value []byte) error {
			var app domain.AppRegistration
			if err := json.Unmarshal(value, &app); err != nil {
				return err
			}
			out = append(out, &app)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	return out, nil
}

// AppsInPool returns stored apps whose Pools contains poolName. Kept as a
// filtered scan rather than a secondary index: the durable store is "a typed
// KV with indexed queries, not a relational engine" (spec.md §4.1), and the
// live membership index lives in the Pool Manager, not here.
func (s *Store) AppsInPool(ctx context.Context, poolName string) ([]*domain.AppRegistration, error) {
	all, err := s.ListApps(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.AppRegistration
	for _, app := range all {
		if app.HasPool(poolName) {
			out = append(out, app)
		}
	}
	return out, nil
}

// --- Pools ----------------------------------------------------------------

// SavePool inserts or replaces a pool record.
func (s *Store) SavePool(ctx context.Context, pool *domain.Pool) error {
	pool.UpdatedAt = time.Now()
	buf, err := json.Marshal(pool)
	if err != nil {
		return fmt.Errorf("marshal pool %s: %w", pool.Name, err)
	}
	return s.database.Update(ctx, func(tx db.Tx) error {
		return tx.Put(bucketPools, pool.Name, buf)
	})
}

// GetPool reads a single pool by name.
func (s *Store) GetPool(ctx context.Context, name string) (*domain.Pool, error) {
	var pool domain.Pool
	found := false
	err := s.database.View(ctx, func(tx db.Tx) error {
		buf, ok, err := tx.Get(bucketPools, name)
		if err != nil || !ok {
			return err
		}
		found = true
		return json.Unmarshal(buf, &pool)
	})
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", name, err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &pool, nil
}

// DeletePool removes a pool record.
func (s *Store) DeletePool(ctx context.Context, name string) error {
	return s.database.Update(ctx, func(tx db.Tx) error {
		return tx.Delete(bucketPools, name)
	})
}

// ListPools returns every stored pool.
func (s *Store) ListPools(ctx context.Context) ([]*domain.Pool, error) {
	var out []*domain.Pool
	err := s.database.View(ctx, func(tx db.Tx) error {
		return tx.ForEach(bucketPools, func(_ string, value []byte) error {
			var pool domain.Pool
			if err := json.Unmarshal(value, &pool); err != nil {
				return err
			}
			out = append(out, &pool)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	return out, nil
}

// --- Memory blocks ----------------------------------------------------------

// SaveMemoryBlock inserts or replaces a memory-block metadata record.
func (s *Store) SaveMemoryBlock(ctx context.Context, block *domain.MemoryBlock) error {
	block.UpdatedAt = time.Now()
	buf, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("marshal memory block %s: %w", block.BlockID, err)
	}
	return s.database.Update(ctx, func(tx db.Tx) error {
		return tx.Put(bucketBlocks, block.BlockID, buf)
	})
}

// GetMemoryBlock reads a single memory-block record by BlockID.
func (s *Store) GetMemoryBlock(ctx context.Context, blockID string) (*domain.MemoryBlock, error) {
	var block domain.MemoryBlock
	found := false
	err := s.database.View(ctx, func(tx db.Tx) error {
		buf, ok, err := tx.Get(bucketBlocks, blockID)
		if err != nil || !ok {
			return err
		}
		found = true
		return json.Unmarshal(buf, &block)
	})
	if err != nil {
		return nil, fmt.Errorf("get memory block %s: %w", blockID, err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &block, nil
}

// DeleteMemoryBlock removes a memory-block metadata record.
func (s *Store) DeleteMemoryBlock(ctx context.Context, blockID string) error {
	return s.database.Update(ctx, func(tx db.Tx) error {
		return tx.Delete(bucketBlocks, blockID)
	})
}

// ListMemoryBlocks returns every stored memory-block record.
func (s *Store) ListMemoryBlocks(ctx context.Context) ([]*domain.MemoryBlock, error) {
	var out []*domain.MemoryBlock
	err := s.database.View(ctx, func(tx db.Tx) error {
		return tx.ForEach(bucketBlocks, func(_ string, value []byte) error {
			var block domain.MemoryBlock
			if err := json.Unmarshal(value, &block); err != nil {
				return err
			}
			out = append(out, &block)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list memory blocks: %w", err)
	}
	return out, nil
}

// MemoryBlocksInPool filters ListMemoryBlocks by pool name.
func (s *Store) MemoryBlocksInPool(ctx context.Context, poolName string) ([]*domain.MemoryBlock, error) {
	all, err := s.ListMemoryBlocks(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.MemoryBlock
	for _, b := range all {
		if b.Pool == poolName {
			out = append(out, b)
		}
	}
	return out, nil
}

// MemoryBlocksByType filters ListMemoryBlocks by BlockType.
func (s *Store) MemoryBlocksByType(ctx context.Context, t domain.BlockType) ([]*domain.MemoryBlock, error) {
	all, err := s.ListMemoryBlocks(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.MemoryBlock
	for _, b := range all {
		if b.Type == t {
			out = append(out, b)
		}
	}
	return out, nil
}

// --- server_config KV -------------------------------------------------------

// SetConfig writes a single server_config key/value pair.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	return s.database.Update(ctx, func(tx db.Tx) error {
		return tx.Put(bucketConfig, key, []byte(value))
	})
}

// GetConfig reads a single server_config value.
func (s *Store) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	found := false
	err := s.database.View(ctx, func(tx db.Tx) error {
		buf, ok, err := tx.Get(bucketConfig, key)
		if err != nil || !ok {
			return err
		}
		found = true
		value = string(buf)
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("get config %s: %w", key, err)
	}
	return value, found, nil
}

// AllConfig returns the full server_config map.
func (s *Store) AllConfig(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := s.database.View(ctx, func(tx db.Tx) error {
		return tx.ForEach(bucketConfig, func(key string, value []byte) error {
			out[key] = string(value)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list config: %w", err)
	}
	return out, nil
}

// logf is a tiny convenience over logging.Op() for this package's rare
// warn-level paths (backup pruning, etc).
func logf(format string, args ...any) {
	logging.Op().Warn(fmt.Sprintf(format, args...))
}
