// Package memory implements the Memory Manager (spec.md §4.7): named
// shared-memory blocks with metadata, read/write/CAS/lock primitives,
// permission checks, subscriber notification, and idle-block GC. Block
// bytes live in a process-local []byte per block, guarded by that block's
// own lock; there is no cross-process shared mapping and no separate
// backing type.
//
// Concurrency: a manager-wide sync.RWMutex protects the block index
// (created/attached/removed rarely), while each block's own bytes and lock
// state are protected independently so concurrent reads/writes to
// different blocks never contend with each other.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/latzero/latzero/internal/domain"
	"github.com/latzero/latzero/internal/logging"
	"github.com/latzero/latzero/internal/persistence"
	"github.com/latzero/latzero/internal/pool"
	"github.com/latzero/latzero/internal/security"
)

// DefaultIdleMaxAge bounds how long a non-persistent, unattached block may
// sit untouched before the GC sweep reclaims it.
const DefaultIdleMaxAge = 30 * time.Minute

// DefaultGCInterval is how often the idle sweep runs.
const DefaultGCInterval = 5 * time.Minute

var (
	ErrBlockExists     = fmt.Errorf("memory: block already exists")
	ErrBlockNotFound   = fmt.Errorf("memory: block not found")
	ErrOutOfBounds     = fmt.Errorf("memory: %s", string(outOfBoundsCode))
	ErrAccessDenied    = fmt.Errorf("memory: access denied")
	ErrLockConflict    = fmt.Errorf("memory: block is locked in a conflicting mode")
	ErrLockNotHeld     = fmt.Errorf("memory: no matching lock held")
	ErrPoolNotFound    = fmt.Errorf("memory: pool does not exist")
	// ErrBlockAttached is returned by Delete when one or more AppIDs are
	// still attached to the block.
	ErrBlockAttached = fmt.Errorf("memory: block has attachments")
)

const outOfBoundsCode = "OUT_OF_BOUNDS"

// Subscriber is invoked after a successful write, with the block's ID and
// the new version. Errors are not expected from subscribers; panics are not
// recovered here and should be guarded by the caller if needed.
type Subscriber func(blockID string, version uint64)

type lockState struct {
	mode    domain.LockMode
	lockID  string
	holder  string
	expires time.Time
	timer   *time.Timer
}

type blockEntry struct {
	mu sync.RWMutex // guards meta, data, attachments, lock, subscribers

	meta        *domain.MemoryBlock
	data        []byte
	attachments map[string]string // appID -> mode ("read"/"write")
	lock        *lockState
	subscribers []Subscriber
}

// Manager is the Memory Manager. It is safe for concurrent use.
type Manager struct {
	store    *persistence.Store
	pools    *pool.Manager
	security security.Interface

	mu     sync.RWMutex
	blocks map[string]*blockEntry
}

// New constructs a Manager. Call Bootstrap to rehydrate persisted,
// persistent-type block metadata before serving traffic.
func New(store *persistence.Store, pools *pool.Manager, sec security.Interface) *Manager {
	return &Manager{
		store:    store,
		pools:    pools,
		security: sec,
		blocks:   make(map[string]*blockEntry),
	}
}

// Bootstrap loads persistent block metadata from Persistence. Block bytes
// are not restored from durable storage — persistence here covers metadata
// continuity (size, permissions, version), not block contents across a
// process restart: each rehydrated block starts zero-filled.
func (m *Manager) Bootstrap(ctx context.Context) error {
	all, err := m.store.ListMemoryBlocks(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate memory blocks: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, meta := range all {
		if !meta.Persistent {
			continue
		}
		m.blocks[meta.BlockID] = &blockEntry{
			meta:        meta,
			data:        make([]byte, meta.Size),
			attachments: make(map[string]string),
		}
	}
	return nil
}

// Create allocates a new named block. Metadata is recorded in Persistence
// before Create returns; on any failure after allocation, the metadata is
// not recorded (spec.md §4.7).
func (m *Manager) Create(ctx context.Context, blockID, name, poolName string, size int64, t domain.BlockType, perms map[string][]string) (*domain.MemoryBlock, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive", ErrOutOfBounds)
	}
	if _, err := m.pools.Get(poolName); err != nil {
		return nil, ErrPoolNotFound
	}

	m.mu.Lock()
	if _, exists := m.blocks[blockID]; exists {
		m.mu.Unlock()
		return nil, ErrBlockExists
	}
	now := time.Now()
	meta := &domain.MemoryBlock{
		BlockID:     blockID,
		Name:        name,
		Pool:        poolName,
		Size:        size,
		Type:        t,
		Permissions: perms,
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
		Persistent:  t == domain.BlockTypePersistent,
		Encrypted:   t == domain.BlockTypeEncrypted,
	}
	entry := &blockEntry{
		meta:        meta,
		data:        make([]byte, size),
		attachments: make(map[string]string),
	}
	entry.meta.LastAccessedAt = now
	m.blocks[blockID] = entry
	m.mu.Unlock()

	if err := m.store.SaveMemoryBlock(ctx, meta); err != nil {
		m.mu.Lock()
		delete(m.blocks, blockID)
		m.mu.Unlock()
		return nil, fmt.Errorf("persist memory block %s: %w", blockID, err)
	}
	return meta.Clone(), nil
}

func (m *Manager) get(blockID string) (*blockEntry, error) {
	m.mu.RLock()
	entry, ok := m.blocks[blockID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrBlockNotFound
	}
	return entry, nil
}

// Attach records appID as attached to blockID in the given mode
// ("read"/"write"). Re-attaching in a different mode updates the mode.
func (m *Manager) Attach(ctx context.Context, blockID, appID, mode string) error {
	entry, err := m.get(blockID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if !entry.meta.Allows(appID, readOrWriteOp(mode)) {
		return ErrAccessDenied
	}
	entry.attachments[appID] = mode
	entry.meta.LastAccessedAt = time.Now()
	return nil
}

// Detach is idempotent: detaching an AppID not currently attached is a
// no-op success.
func (m *Manager) Detach(ctx context.Context, blockID, appID string) error {
	entry, err := m.get(blockID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	delete(entry.attachments, appID)
	entry.meta.LastAccessedAt = time.Now()
	return nil
}

func readOrWriteOp(mode string) string {
	if mode == "write" {
		return domain.PermWrite
	}
	return domain.PermRead
}

// Read returns a copy of data[offset:offset+length). A length of 0 reads to
// the end of the block.
func (m *Manager) Read(ctx context.Context, blockID, appID string, offset, length int64) ([]byte, error) {
	entry, err := m.get(blockID)
	if err != nil {
		return nil, err
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	if !entry.meta.Allows(appID, domain.PermRead) {
		return nil, ErrAccessDenied
	}
	end := offset + length
	if length == 0 {
		end = int64(len(entry.data))
	}
	if offset < 0 || end > int64(len(entry.data)) || offset > end {
		return nil, ErrOutOfBounds
	}
	entry.meta.LastAccessedAt = time.Now()
	out := make([]byte, end-offset)
	copy(out, entry.data[offset:end])
	if entry.meta.Encrypted {
		return m.security.Decrypt(ctx, entry.meta.Pool, out)
	}
	return out, nil
}

// Write copies data into [offset, offset+len(data)) and increments version,
// firing subscribers on success.
func (m *Manager) Write(ctx context.Context, blockID, appID string, offset int64, data []byte) (uint64, error) {
	entry, err := m.get(blockID)
	if err != nil {
		return 0, err
	}
	entry.mu.Lock()
	if !entry.meta.Allows(appID, domain.PermWrite) {
		entry.mu.Unlock()
		return 0, ErrAccessDenied
	}
	end := offset + int64(len(data))
	if offset < 0 || end > int64(len(entry.data)) {
		entry.mu.Unlock()
		return 0, ErrOutOfBounds
	}
	payload := data
	if entry.meta.Encrypted {
		enc, err := m.security.Encrypt(ctx, entry.meta.Pool, data)
		if err != nil {
			entry.mu.Unlock()
			return 0, fmt.Errorf("encrypt write to %s: %w", blockID, err)
		}
		payload = enc
		if offset+int64(len(payload)) > int64(len(entry.data)) {
			entry.mu.Unlock()
			return 0, ErrOutOfBounds
		}
	}
	copy(entry.data[offset:], payload)
	entry.meta.Version++
	entry.meta.UpdatedAt = time.Now()
	entry.meta.LastAccessedAt = entry.meta.UpdatedAt
	version := entry.meta.Version
	subs := append([]Subscriber(nil), entry.subscribers...)
	snapshot := entry.meta.Clone()
	entry.mu.Unlock()

	if err := m.store.SaveMemoryBlock(ctx, snapshot); err != nil {
		logging.Op().Warn("persist memory block write failed", "block_id", blockID, "error", err)
	}
	for _, sub := range subs {
		sub(blockID, version)
	}
	return version, nil
}

// CAS reads the expected slice; if it equals expected, performs the write
// and returns (true, previous bytes); otherwise returns (false, current
// bytes) and makes no change.
func (m *Manager) CAS(ctx context.Context, blockID, appID string, offset int64, expected, newData []byte) (bool, []byte, error) {
	entry, err := m.get(blockID)
	if err != nil {
		return false, nil, err
	}
	entry.mu.Lock()
	if !entry.meta.Allows(appID, domain.PermWrite) {
		entry.mu.Unlock()
		return false, nil, ErrAccessDenied
	}
	end := offset + int64(len(expected))
	if offset < 0 || end > int64(len(entry.data)) {
		entry.mu.Unlock()
		return false, nil, ErrOutOfBounds
	}
	current := make([]byte, len(expected))
	copy(current, entry.data[offset:end])
	if string(current) != string(expected) {
		entry.mu.Unlock()
		return false, current, nil
	}
	writeEnd := offset + int64(len(newData))
	if writeEnd > int64(len(entry.data)) {
		entry.mu.Unlock()
		return false, current, ErrOutOfBounds
	}
	previous := make([]byte, len(newData))
	copy(previous, entry.data[offset:writeEnd])
	copy(entry.data[offset:], newData)
	entry.meta.Version++
	entry.meta.UpdatedAt = time.Now()
	entry.meta.LastAccessedAt = entry.meta.UpdatedAt
	version := entry.meta.Version
	subs := append([]Subscriber(nil), entry.subscribers...)
	snapshot := entry.meta.Clone()
	entry.mu.Unlock()

	if err := m.store.SaveMemoryBlock(ctx, snapshot); err != nil {
		logging.Op().Warn("persist memory block cas failed", "block_id", blockID, "error", err)
	}
	for _, sub := range subs {
		sub(blockID, version)
	}
	return true, previous, nil
}

// Subscribe registers fn to be called after every successful Write/CAS.
func (m *Manager) Subscribe(blockID string, fn Subscriber) error {
	entry, err := m.get(blockID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.subscribers = append(entry.subscribers, fn)
	return nil
}

// Lock attempts to acquire mode on blockID for holder. Acquisition is
// non-queued: if currently held in a conflicting mode, it fails immediately.
// The returned lock id authorizes a later Unlock call.
func (m *Manager) Lock(blockID, holder string, mode domain.LockMode, timeout time.Duration) (string, error) {
	entry, err := m.get(blockID)
	if err != nil {
		return "", err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.lock != nil && conflicts(entry.lock.mode, mode) {
		return "", ErrLockConflict
	}
	lockID := fmt.Sprintf("%s-%d", blockID, time.Now().UnixNano())
	ls := &lockState{mode: mode, lockID: lockID, holder: holder, expires: time.Now().Add(timeout)}
	ls.timer = time.AfterFunc(timeout, func() { m.autoRelease(blockID, lockID) })
	entry.lock = ls
	return lockID, nil
}

// conflicts reports whether acquiring `want` conflicts with an existing
// lock held in `held` mode. read+read never conflicts; anything else does.
func conflicts(held, want domain.LockMode) bool {
	if held == domain.LockModeRead && want == domain.LockModeRead {
		return false
	}
	return true
}

// Unlock releases lockID if it is currently held on blockID.
func (m *Manager) Unlock(blockID, lockID string) error {
	entry, err := m.get(blockID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.lock == nil || entry.lock.lockID != lockID {
		return ErrLockNotHeld
	}
	entry.lock.timer.Stop()
	entry.lock = nil
	return nil
}

func (m *Manager) autoRelease(blockID, lockID string) {
	entry, err := m.get(blockID)
	if err != nil {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.lock != nil && entry.lock.lockID == lockID {
		logging.Op().Debug("memory block lock auto-released at timeout", "block_id", blockID, "lock_id", lockID)
		entry.lock = nil
	}
}

// Delete removes a block's metadata and backing bytes. It fails with
// ErrBlockAttached if any AppID is still attached (spec.md §3: a block
// cannot be removed while attachments remain), mirroring pool.Manager's
// ErrPoolNotEmpty check on Remove.
func (m *Manager) Delete(ctx context.Context, blockID string) error {
	m.mu.RLock()
	entry, ok := m.blocks[blockID]
	m.mu.RUnlock()
	if !ok {
		return ErrBlockNotFound
	}

	entry.mu.RLock()
	attached := len(entry.attachments) > 0
	entry.mu.RUnlock()
	if attached {
		return ErrBlockAttached
	}

	m.mu.Lock()
	delete(m.blocks, blockID)
	m.mu.Unlock()
	return m.store.DeleteMemoryBlock(ctx, blockID)
}

// Stat returns a clone of a block's current metadata.
func (m *Manager) Stat(blockID string) (*domain.MemoryBlock, error) {
	entry, err := m.get(blockID)
	if err != nil {
		return nil, err
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.meta.Clone(), nil
}

// RunGC blocks until ctx is done, periodically sweeping idle,
// non-persistent blocks with zero attachments (spec.md §4.7).
func (m *Manager) RunGC(ctx context.Context, interval, idleMaxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultGCInterval
	}
	if idleMaxAge <= 0 {
		idleMaxAge = DefaultIdleMaxAge
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdle(ctx, idleMaxAge)
		}
	}
}

// sweepIdle reclaims idle blocks concurrently: each candidate's delete
// touches only its own entry plus the manager's index lock briefly, so an
// errgroup fans the sweep out rather than deleting one block at a time.
func (m *Manager) sweepIdle(ctx context.Context, idleMaxAge time.Duration) {
	cutoff := time.Now().Add(-idleMaxAge)
	var toDelete []string

	m.mu.RLock()
	for id, entry := range m.blocks {
		entry.mu.RLock()
		idle := !entry.meta.Persistent && len(entry.attachments) == 0 && entry.meta.LastAccessedAt.Before(cutoff)
		entry.mu.RUnlock()
		if idle {
			toDelete = append(toDelete, id)
		}
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range toDelete {
		id := id
		g.Go(func() error {
			if err := m.Delete(gctx, id); err != nil {
				logging.Op().Warn("gc delete idle memory block failed", "block_id", id, "error", err)
				return nil
			}
			logging.Op().Info("gc reclaimed idle memory block", "block_id", id)
			return nil
		})
	}
	_ = g.Wait()
}
