package memory

import (
	"context"
	"testing"
	"time"

	"github.com/latzero/latzero/internal/db/memdb"
	"github.com/latzero/latzero/internal/domain"
	"github.com/latzero/latzero/internal/persistence"
	"github.com/latzero/latzero/internal/pool"
	"github.com/latzero/latzero/internal/security"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ctx := context.Background()
	store := persistence.New(memdb.New())
	pools := pool.New(store, security.New())
	if err := pools.Bootstrap(ctx); err != nil {
		t.Fatalf("pool Bootstrap: %v", err)
	}
	return New(store, pools, security.New())
}

func rwPerms() map[string][]string {
	return map[string][]string{
		domain.PermRead:  {domain.WildcardPrincipal},
		domain.PermWrite: {domain.WildcardPrincipal},
	}
}

func TestCreateAndReadWriteRoundTrip(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	meta, err := m.Create(ctx, "blk-1", "frame-buffer", domain.SentinelDefaultPool, 16, domain.BlockTypeShared, rwPerms())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if meta.Version != 0 {
		t.Fatalf("expected fresh block at version 0, got %d", meta.Version)
	}

	if _, err := m.Write(ctx, "blk-1", "writer", 0, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := m.Read(ctx, "blk-1", "reader", 0, 5)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}

	stat, err := m.Stat("blk-1")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if stat.Version != 1 {
		t.Fatalf("expected version 1 after one write, got %d", stat.Version)
	}
}

func TestWriteOutOfBoundsRejected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "blk-1", "small", domain.SentinelDefaultPool, 4, domain.BlockTypeShared, rwPerms()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Write(ctx, "blk-1", "writer", 2, []byte("abcd")); err == nil {
		t.Fatal("expected OUT_OF_BOUNDS error for write exceeding block size")
	}
}

func TestAccessDeniedWithoutPermission(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	perms := map[string][]string{
		domain.PermRead:  {"allowed-app"},
		domain.PermWrite: {"allowed-app"},
	}
	if _, err := m.Create(ctx, "blk-1", "private", domain.SentinelDefaultPool, 8, domain.BlockTypeShared, perms); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Write(ctx, "blk-1", "intruder", 0, []byte("x")); err != ErrAccessDenied {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	if _, err := m.Read(ctx, "blk-1", "allowed-app", 0, 0); err != nil {
		t.Fatalf("expected allowed-app to read successfully, got %v", err)
	}
}

func TestCASSucceedsOnMatchAndFailsOnMismatch(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "blk-1", "counter", domain.SentinelDefaultPool, 4, domain.BlockTypeShared, rwPerms()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ok, _, err := m.CAS(ctx, "blk-1", "writer", 0, []byte{0, 0, 0, 0}, []byte{0, 0, 0, 1})
	if err != nil || !ok {
		t.Fatalf("expected CAS to succeed on matching zero-value, ok=%v err=%v", ok, err)
	}
	ok, current, err := m.CAS(ctx, "blk-1", "writer", 0, []byte{0, 0, 0, 0}, []byte{0, 0, 0, 2})
	if err != nil {
		t.Fatalf("CAS: %v", err)
	}
	if ok {
		t.Fatal("expected CAS to fail on stale expected value")
	}
	if current[3] != 1 {
		t.Fatalf("expected current value to reflect prior successful CAS, got %v", current)
	}
}

func TestLockConflictAndUnlock(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "blk-1", "locked", domain.SentinelDefaultPool, 4, domain.BlockTypeShared, rwPerms()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	lockID, err := m.Lock("blk-1", "holder-a", domain.LockModeExclusive, time.Minute)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if _, err := m.Lock("blk-1", "holder-b", domain.LockModeRead, time.Minute); err != ErrLockConflict {
		t.Fatalf("expected ErrLockConflict, got %v", err)
	}
	if err := m.Unlock("blk-1", lockID); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if _, err := m.Lock("blk-1", "holder-b", domain.LockModeRead, time.Minute); err != nil {
		t.Fatalf("expected lock to succeed after release, got %v", err)
	}
}

func TestLockAutoReleasesAtTimeout(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "blk-1", "locked", domain.SentinelDefaultPool, 4, domain.BlockTypeShared, rwPerms()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Lock("blk-1", "holder-a", domain.LockModeExclusive, 20*time.Millisecond); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := m.Lock("blk-1", "holder-b", domain.LockModeExclusive, time.Minute); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected lock to auto-release after its timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubscriberNotifiedOnWrite(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "blk-1", "notified", domain.SentinelDefaultPool, 8, domain.BlockTypeShared, rwPerms()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	notified := make(chan uint64, 1)
	if err := m.Subscribe("blk-1", func(blockID string, version uint64) { notified <- version }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := m.Write(ctx, "blk-1", "writer", 0, []byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case v := <-notified:
		if v != 1 {
			t.Fatalf("expected version 1, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to be notified")
	}
}

func TestGCReclaimsIdleNonPersistentBlocks(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "blk-1", "ephemeral", domain.SentinelDefaultPool, 4, domain.BlockTypeTemporary, rwPerms()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.sweepIdle(ctx, -time.Second) // force every block to be considered stale
	if _, err := m.Stat("blk-1"); err != ErrBlockNotFound {
		t.Fatalf("expected block to be GC'd, got err=%v", err)
	}
}

func TestGCSparesAttachedBlocks(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "blk-1", "ephemeral", domain.SentinelDefaultPool, 4, domain.BlockTypeTemporary, rwPerms()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Attach(ctx, "blk-1", "holder", "read"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	m.sweepIdle(ctx, -time.Second)
	if _, err := m.Stat("blk-1"); err != nil {
		t.Fatalf("expected attached block to survive GC, got %v", err)
	}
}
