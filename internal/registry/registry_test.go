package registry

import (
	"context"
	"testing"

	"github.com/latzero/latzero/internal/db/memdb"
	"github.com/latzero/latzero/internal/domain"
	"github.com/latzero/latzero/internal/persistence"
	"github.com/latzero/latzero/internal/pool"
	"github.com/latzero/latzero/internal/protocol"
	"github.com/latzero/latzero/internal/security"
)

func newTestRegistry(t *testing.T) (*Registry, *pool.Manager) {
	t.Helper()
	ctx := context.Background()
	store := persistence.New(memdb.New())
	pools := pool.New(store, security.New())
	if err := pools.Bootstrap(ctx); err != nil {
		t.Fatalf("pool Bootstrap: %v", err)
	}
	reg := New(store, pools, 0)
	if err := reg.Bootstrap(ctx); err != nil {
		t.Fatalf("registry Bootstrap: %v", err)
	}
	return reg, pools
}

func TestHandshakeFullBind(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	ack := reg.HandleHandshake(ctx, 1, &protocol.Message{
		Type:     protocol.KindHandshake,
		ID:       protocol.NewID(),
		AppID:    "worker-1",
		Pools:    []string{domain.SentinelDefaultPool},
		Triggers: []string{"resize_image"},
	})
	if ack.Type != protocol.KindHandshakeAck || ack.Status != "ok" {
		t.Fatalf("expected ok handshake_ack, got %+v", ack)
	}
	if ack.Assigned == nil || ack.Assigned.Rehydrated {
		t.Fatalf("expected non-rehydrated assignment, got %+v", ack.Assigned)
	}

	appID, ok := reg.AppIDForConn(1)
	if !ok || appID != "worker-1" {
		t.Fatalf("expected conn 1 bound to worker-1, got %q ok=%v", appID, ok)
	}
	candidates := reg.CandidatesForTrigger("resize_image")
	if len(candidates) != 1 || candidates[0] != "worker-1" {
		t.Fatalf("unexpected trigger candidates: %v", candidates)
	}
}

func TestHandshakeRejectsInvalidAppID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ack := reg.HandleHandshake(context.Background(), 1, &protocol.Message{
		Type:  protocol.KindHandshake,
		ID:    protocol.NewID(),
		AppID: "has a space",
	})
	if ack.Type != protocol.KindError || ack.ErrorCode != string(protocol.HandshakeError) {
		t.Fatalf("expected HANDSHAKE_ERROR, got %+v", ack)
	}
}

func TestDisconnectParksRehydrationAndClearsIndex(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	reg.HandleHandshake(ctx, 1, &protocol.Message{
		Type:     protocol.KindHandshake,
		ID:       protocol.NewID(),
		AppID:    "worker-1",
		Pools:    []string{domain.SentinelDefaultPool},
		Triggers: []string{"resize_image"},
	})

	appID, ok := reg.HandleDisconnect(ctx, 1)
	if !ok || appID != "worker-1" {
		t.Fatalf("expected disconnect to report worker-1, got %q ok=%v", appID, ok)
	}
	if _, bound := reg.Get("worker-1"); bound {
		t.Fatal("expected worker-1 to no longer be live")
	}
	if candidates := reg.CandidatesForTrigger("resize_image"); len(candidates) != 0 {
		t.Fatalf("expected empty trigger index after disconnect, got %v", candidates)
	}

	// Reconnect with an empty handshake: should rehydrate prior pools/triggers.
	ack := reg.HandleHandshake(ctx, 2, &protocol.Message{
		Type:  protocol.KindHandshake,
		ID:    protocol.NewID(),
		AppID: "worker-1",
	})
	if ack.Type != protocol.KindHandshakeAck || !ack.Assigned.Rehydrated {
		t.Fatalf("expected rehydrated handshake_ack, got %+v", ack)
	}
	if len(ack.Assigned.Triggers) != 1 || ack.Assigned.Triggers[0] != "resize_image" {
		t.Fatalf("expected rehydrated trigger list, got %v", ack.Assigned.Triggers)
	}
}

func TestBoundHandshakeIsTreatedAsUpdate(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	reg.HandleHandshake(ctx, 1, &protocol.Message{
		Type:     protocol.KindHandshake,
		ID:       protocol.NewID(),
		AppID:    "worker-1",
		Pools:    []string{domain.SentinelDefaultPool},
		Triggers: []string{"resize_image"},
	})
	ack := reg.HandleHandshake(ctx, 1, &protocol.Message{
		Type:     protocol.KindHandshake,
		ID:       protocol.NewID(),
		AppID:    "worker-1",
		Pools:    []string{domain.SentinelDefaultPool},
		Triggers: []string{"resize_image", "thumbnail"},
	})
	if ack.Status != "updated" {
		t.Fatalf("expected update status, got %q", ack.Status)
	}
	if len(reg.CandidatesForTrigger("thumbnail")) != 1 {
		t.Fatal("expected thumbnail trigger to be indexed after update")
	}
}
