package adminrpc

import (
	"context"
	"testing"

	"github.com/latzero/latzero/internal/db/memdb"
	"github.com/latzero/latzero/internal/domain"
	"github.com/latzero/latzero/internal/memory"
	"github.com/latzero/latzero/internal/persistence"
	"github.com/latzero/latzero/internal/pool"
	"github.com/latzero/latzero/internal/protocol"
	"github.com/latzero/latzero/internal/registry"
	"github.com/latzero/latzero/internal/security"
	"github.com/latzero/latzero/internal/trigger"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ctx := context.Background()
	store := persistence.New(memdb.New())
	pools := pool.New(store, security.New())
	if err := pools.Bootstrap(ctx); err != nil {
		t.Fatalf("pool Bootstrap: %v", err)
	}
	reg := registry.New(store, pools, 0)
	if err := reg.Bootstrap(ctx); err != nil {
		t.Fatalf("registry Bootstrap: %v", err)
	}
	ephemeral := persistence.NewEphemeral(memdb.New())
	mem := memory.New(store, pools, security.New())
	router := trigger.New(reg, pools, ephemeral, noopDispatcher{}, trigger.Config{})
	return New(reg, pools, store, ephemeral, router, mem, nil)
}

type noopDispatcher struct{}

func (noopDispatcher) Send(ctx context.Context, connID int64, msg *protocol.Message) error { return nil }

func TestListAppsReflectsLiveRegistrations(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	s.registry.HandleHandshake(ctx, 1, &protocol.Message{
		Type:     protocol.KindHandshake,
		ID:       protocol.NewID(),
		AppID:    "worker-1",
		Pools:    []string{domain.SentinelDefaultPool},
		Triggers: []string{"resize_image"},
	})

	resp, err := s.ListApps(ctx, nil)
	if err != nil {
		t.Fatalf("ListApps: %v", err)
	}
	count := resp.Fields["count"].GetNumberValue()
	if count != 1 {
		t.Fatalf("expected 1 app, got %v", count)
	}
}

func TestListPoolsIncludesSentinels(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.ListPools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListPools: %v", err)
	}
	count := resp.Fields["count"].GetNumberValue()
	if count < 2 {
		t.Fatalf("expected at least the two sentinel pools, got %v", count)
	}
}

func TestStatsReportsInFlightAndUptime(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.Stats(context.Background(), nil)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if _, ok := resp.Fields["uptime_seconds"]; !ok {
		t.Fatal("expected uptime_seconds field")
	}
	if _, ok := resp.Fields["in_flight_triggers"]; !ok {
		t.Fatal("expected in_flight_triggers field when router is wired")
	}
}
