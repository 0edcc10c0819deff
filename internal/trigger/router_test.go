package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/latzero/latzero/internal/db/memdb"
	"github.com/latzero/latzero/internal/domain"
	"github.com/latzero/latzero/internal/persistence"
	"github.com/latzero/latzero/internal/pool"
	"github.com/latzero/latzero/internal/protocol"
	"github.com/latzero/latzero/internal/registry"
	"github.com/latzero/latzero/internal/security"
)

// fakeDispatcher records every message sent to each connection, standing in
// for internal/transport in these unit tests.
type fakeDispatcher struct {
	mu   sync.Mutex
	sent map[int64][]*protocol.Message
	fail map[int64]bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{sent: make(map[int64][]*protocol.Message), fail: make(map[int64]bool)}
}

func (f *fakeDispatcher) Send(ctx context.Context, connID int64, msg *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[connID] {
		return context.DeadlineExceeded
	}
	f.sent[connID] = append(f.sent[connID], msg)
	return nil
}

func (f *fakeDispatcher) messagesFor(connID int64) []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Message(nil), f.sent[connID]...)
}

type harness struct {
	reg    *registry.Registry
	pools  *pool.Manager
	router *Router
	disp   *fakeDispatcher
}

func newHarness(t *testing.T, cfg Config) *harness {
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
	disp := newFakeDispatcher()
	router := New(reg, pools, persistence.NewEphemeral(memdb.New()), disp, cfg)
	return &harness{reg: reg, pools: pools, router: router, disp: disp}
}

func bind(t *testing.T, h *harness, connID int64, appID string, triggers ...string) {
	t.Helper()
	ack := h.reg.HandleHandshake(context.Background(), connID, &protocol.Message{
		Type:     protocol.KindHandshake,
		ID:       protocol.NewID(),
		AppID:    appID,
		Pools:    []string{domain.SentinelDefaultPool},
		Triggers: triggers,
	})
	if ack.Type != protocol.KindHandshakeAck {
		t.Fatalf("bind(%s) failed: %+v", appID, ack)
	}
}

func TestTriggerRoutesToRegisteredHandler(t *testing.T) {
	h := newHarness(t, Config{})
	bind(t, h, 1, "caller")
	bind(t, h, 2, "worker-1", "resize_image")

	triggerMsg := &protocol.Message{
		Type:    protocol.KindTrigger,
		ID:      protocol.NewID(),
		Origin:  "caller",
		Trigger: "resize_image",
		Payload: []byte(`{}`),
	}
	if resp := h.router.HandleTrigger(context.Background(), 1, triggerMsg); resp != nil {
		t.Fatalf("expected nil (async dispatch), got %+v", resp)
	}
	if h.router.InFlightCount() != 1 {
		t.Fatalf("expected 1 in-flight record, got %d", h.router.InFlightCount())
	}
	delivered := h.disp.messagesFor(2)
	if len(delivered) != 1 || delivered[0].ID != triggerMsg.ID {
		t.Fatalf("expected trigger delivered to worker-1's connection, got %+v", delivered)
	}
}

func TestTriggerNotFoundWhenNoHandler(t *testing.T) {
	h := newHarness(t, Config{})
	bind(t, h, 1, "caller")

	resp := h.router.HandleTrigger(context.Background(), 1, &protocol.Message{
		Type:    protocol.KindTrigger,
		ID:      protocol.NewID(),
		Origin:  "caller",
		Trigger: "no_such_trigger",
		Payload: []byte(`{}`),
	})
	if resp == nil || resp.ErrorCode != string(protocol.NotFound) {
		t.Fatalf("expected NOT_FOUND, got %+v", resp)
	}
}

func TestTriggerShortCircuitNotImplemented(t *testing.T) {
	h := newHarness(t, Config{})
	bind(t, h, 1, "solo", "self_call")

	resp := h.router.HandleTrigger(context.Background(), 1, &protocol.Message{
		Type:    protocol.KindTrigger,
		ID:      protocol.NewID(),
		Origin:  "solo",
		Trigger: "self_call",
		Payload: []byte(`{}`),
	})
	if resp == nil || resp.ErrorCode != string(protocol.ShortCircuitNotImplemented) {
		t.Fatalf("expected SHORT_CIRCUIT_NOT_IMPLEMENTED, got %+v", resp)
	}
}

func TestResponseRoutesBackToOriginAndClearsRecord(t *testing.T) {
	h := newHarness(t, Config{})
	bind(t, h, 1, "caller")
	bind(t, h, 2, "worker-1", "resize_image")

	triggerID := protocol.NewID()
	h.router.HandleTrigger(context.Background(), 1, &protocol.Message{
		Type:    protocol.KindTrigger,
		ID:      triggerID,
		Origin:  "caller",
		Trigger: "resize_image",
		Payload: []byte(`{}`),
	})

	h.router.HandleResponse(context.Background(), &protocol.Message{
		Type:          protocol.KindResponse,
		ID:            protocol.NewID(),
		CorrelationID: triggerID,
		Status:        "ok",
		Result:        []byte(`{"ok":true}`),
	})

	if h.router.InFlightCount() != 0 {
		t.Fatalf("expected record removed after response, got count=%d", h.router.InFlightCount())
	}
	delivered := h.disp.messagesFor(1)
	if len(delivered) != 1 || delivered[0].CorrelationID != triggerID {
		t.Fatalf("expected response delivered to caller, got %+v", delivered)
	}
	if avg, ok := h.router.AverageResponseMs("resize_image"); !ok || avg < 0 {
		t.Fatalf("expected response-time stat recorded, got avg=%v ok=%v", avg, ok)
	}
}

func TestTimeoutFiresAndRemovesRecord(t *testing.T) {
	h := newHarness(t, Config{DefaultTTL: 20 * time.Millisecond})
	bind(t, h, 1, "caller")
	bind(t, h, 2, "worker-1", "resize_image")

	triggerID := protocol.NewID()
	h.router.HandleTrigger(context.Background(), 1, &protocol.Message{
		Type:    protocol.KindTrigger,
		ID:      triggerID,
		Origin:  "caller",
		Trigger: "resize_image",
		Payload: []byte(`{}`),
	})

	deadline := time.Now().Add(2 * time.Second)
	for h.router.InFlightCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.router.InFlightCount() != 0 {
		t.Fatal("expected record to be removed by its TTL timer")
	}
	delivered := h.disp.messagesFor(1)
	if len(delivered) != 1 || delivered[0].ErrorCode != string(protocol.Timeout) {
		t.Fatalf("expected TIMEOUT error delivered to caller, got %+v", delivered)
	}
}

func TestDisconnectFailsInFlightRecordsReferencingApp(t *testing.T) {
	h := newHarness(t, Config{})
	bind(t, h, 1, "caller")
	bind(t, h, 2, "worker-1", "resize_image")

	triggerID := protocol.NewID()
	h.router.HandleTrigger(context.Background(), 1, &protocol.Message{
		Type:    protocol.KindTrigger,
		ID:      triggerID,
		Origin:  "caller",
		Trigger: "resize_image",
		Payload: []byte(`{}`),
	})
	if h.router.InFlightCount() != 1 {
		t.Fatalf("expected 1 in-flight record before disconnect, got %d", h.router.InFlightCount())
	}

	h.router.HandleDisconnect(context.Background(), "worker-1")

	if h.router.InFlightCount() != 0 {
		t.Fatalf("expected in-flight record cleared on destination disconnect, got %d", h.router.InFlightCount())
	}
	delivered := h.disp.messagesFor(1)
	if len(delivered) != 1 || delivered[0].ErrorCode != string(protocol.RoutingError) {
		t.Fatalf("expected ROUTING_ERROR delivered to caller, got %+v", delivered)
	}
}

func TestRoundRobinAlternatesDestinations(t *testing.T) {
	h := newHarness(t, Config{Policy: PolicyRoundRobin})
	bind(t, h, 1, "caller")
	bind(t, h, 2, "worker-a", "fanout")
	bind(t, h, 3, "worker-b", "fanout")

	for i := 0; i < 2; i++ {
		h.router.HandleTrigger(context.Background(), 1, &protocol.Message{
			Type:    protocol.KindTrigger,
			ID:      protocol.NewID(),
			Origin:  "caller",
			Trigger: "fanout",
			Payload: []byte(`{}`),
		})
	}
	if len(h.disp.messagesFor(2)) != 1 || len(h.disp.messagesFor(3)) != 1 {
		t.Fatalf("expected round-robin to alternate between workers: a=%d b=%d", len(h.disp.messagesFor(2)), len(h.disp.messagesFor(3)))
	}
}
