package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/latzero/latzero/internal/db/memdb"
	"github.com/latzero/latzero/internal/domain"
	"github.com/latzero/latzero/internal/persistence"
	"github.com/latzero/latzero/internal/security"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := persistence.New(memdb.New())
	m := New(store, security.New())
	if err := m.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return m
}

func TestBootstrapCreatesSentinels(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{domain.SentinelDefaultPool, domain.SentinelSystemPool} {
		p, err := m.Get(name)
		if err != nil {
			t.Fatalf("Get(%s): %v", name, err)
		}
		if !p.IsSentinel() {
			t.Fatalf("expected %s to be a sentinel pool", name)
		}
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "jobs", domain.PoolTypeLocal, false, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create(ctx, "jobs", domain.PoolTypeLocal, false, nil); !errors.Is(err, ErrPoolExists) {
		t.Fatalf("expected ErrPoolExists, got %v", err)
	}
}

func TestMembershipIsBidirectionalAndIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Create(ctx, "jobs", domain.PoolTypeLocal, false, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := m.AddAppToPool(ctx, "worker-1", "jobs"); err != nil {
		t.Fatalf("AddAppToPool: %v", err)
	}
	if err := m.AddAppToPool(ctx, "worker-1", "jobs"); err != nil {
		t.Fatalf("AddAppToPool (repeat): %v", err)
	}

	if !m.ValidateMembership("worker-1", "jobs") {
		t.Fatal("expected worker-1 to be a member of jobs")
	}
	if got := m.GetMembers("jobs"); len(got) != 1 || got[0] != "worker-1" {
		t.Fatalf("unexpected members: %v", got)
	}
	if got := m.GetPoolsOfApp("worker-1"); len(got) != 1 || got[0] != "jobs" {
		t.Fatalf("unexpected pools for app: %v", got)
	}

	if err := m.RemoveAppFromPool(ctx, "worker-1", "jobs"); err != nil {
		t.Fatalf("RemoveAppFromPool: %v", err)
	}
	if err := m.RemoveAppFromPool(ctx, "worker-1", "jobs"); err != nil {
		t.Fatalf("RemoveAppFromPool (repeat): %v", err)
	}
	if m.ValidateMembership("worker-1", "jobs") {
		t.Fatal("expected worker-1 to no longer be a member")
	}
}

func TestRemoveFailsForSentinelOrNonEmpty(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Remove(ctx, domain.SentinelDefaultPool); !errors.Is(err, ErrSentinelImmutable) {
		t.Fatalf("expected ErrSentinelImmutable, got %v", err)
	}

	if _, err := m.Create(ctx, "jobs", domain.PoolTypeLocal, false, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.AddAppToPool(ctx, "worker-1", "jobs"); err != nil {
		t.Fatalf("AddAppToPool: %v", err)
	}
	if err := m.Remove(ctx, "jobs"); !errors.Is(err, ErrPoolNotEmpty) {
		t.Fatalf("expected ErrPoolNotEmpty, got %v", err)
	}

	if err := m.RemoveAppFromPool(ctx, "worker-1", "jobs"); err != nil {
		t.Fatalf("RemoveAppFromPool: %v", err)
	}
	if err := m.Remove(ctx, "jobs"); err != nil {
		t.Fatalf("Remove after emptying: %v", err)
	}
}

func TestAccessCheckUsesPolicyMapUnlessEncrypted(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, "open", domain.PoolTypeLocal, false, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	allowed, err := m.AccessCheck(ctx, "worker-1", "open", domain.PermRead)
	if err != nil {
		t.Fatalf("AccessCheck: %v", err)
	}
	if allowed {
		t.Fatal("expected non-member to be denied by default policy-less pool")
	}
	if err := m.AddAppToPool(ctx, "worker-1", "open"); err != nil {
		t.Fatalf("AddAppToPool: %v", err)
	}
	allowed, err = m.AccessCheck(ctx, "worker-1", "open", domain.PermRead)
	if err != nil || !allowed {
		t.Fatalf("expected member to be allowed, got allowed=%v err=%v", allowed, err)
	}

	if _, err := m.Create(ctx, "vault", domain.PoolTypeEncrypted, true, nil); err != nil {
		t.Fatalf("Create encrypted: %v", err)
	}
	allowed, err = m.AccessCheck(ctx, "anyone", "vault", domain.PermRead)
	if err != nil || !allowed {
		t.Fatalf("expected default security stub to approve, got allowed=%v err=%v", allowed, err)
	}
}
