package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/latzero/latzero/internal/db"
	"github.com/latzero/latzero/internal/db/memdb"
	"github.com/latzero/latzero/internal/domain"
)

func TestStoreAppRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(memdb.New())

	app := &domain.AppRegistration{
		AppID:    "worker-1",
		Pools:    []string{"default"},
		Triggers: []string{"resize_image"},
		Metadata: map[string]string{"version": "1"},
	}
	if err := s.SaveApp(ctx, app); err != nil {
		t.Fatalf("SaveApp: %v", err)
	}

	got, err := s.GetApp(ctx, "worker-1")
	if err != nil {
		t.Fatalf("GetApp: %v", err)
	}
	if got.AppID != app.AppID || !got.HasTrigger("resize_image") {
		t.Fatalf("round-tripped app mismatch: %+v", got)
	}
	if got.LastSeenAt.IsZero() {
		t.Fatal("expected LastSeenAt to be stamped by SaveApp")
	}

	if err := s.DeleteApp(ctx, "worker-1"); err != nil {
		t.Fatalf("DeleteApp: %v", err)
	}
	if _, err := s.GetApp(ctx, "worker-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestStorePoolQueries(t *testing.T) {
	ctx := context.Background()
	s := New(memdb.New())

	pools := []*domain.Pool{
		{Name: "default", Type: domain.PoolTypeLocal},
		{Name: "system", Type: domain.PoolTypeLocal},
		{Name: "encrypted-pool", Type: domain.PoolTypeEncrypted, Encrypted: true},
	}
	for _, p := range pools {
		if err := s.SavePool(ctx, p); err != nil {
			t.Fatalf("SavePool(%s): %v", p.Name, err)
		}
	}

	all, err := s.ListPools(ctx)
	if err != nil {
		t.Fatalf("ListPools: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 pools, got %d", len(all))
	}

	got, err := s.GetPool(ctx, "encrypted-pool")
	if err != nil {
		t.Fatalf("GetPool: %v", err)
	}
	if !got.Encrypted {
		t.Fatal("expected encrypted-pool to round-trip Encrypted=true")
	}
}

func TestStoreMemoryBlockFilters(t *testing.T) {
	ctx := context.Background()
	s := New(memdb.New())

	blocks := []*domain.MemoryBlock{
		{BlockID: "b1", Pool: "default", Type: domain.BlockTypeShared},
		{BlockID: "b2", Pool: "default", Type: domain.BlockTypePersistent},
		{BlockID: "b3", Pool: "system", Type: domain.BlockTypeShared},
	}
	for _, b := range blocks {
		if err := s.SaveMemoryBlock(ctx, b); err != nil {
			t.Fatalf("SaveMemoryBlock(%s): %v", b.BlockID, err)
		}
	}

	inDefault, err := s.MemoryBlocksInPool(ctx, "default")
	if err != nil {
		t.Fatalf("MemoryBlocksInPool: %v", err)
	}
	if len(inDefault) != 2 {
		t.Fatalf("expected 2 blocks in default pool, got %d", len(inDefault))
	}

	shared, err := s.MemoryBlocksByType(ctx, domain.BlockTypeShared)
	if err != nil {
		t.Fatalf("MemoryBlocksByType: %v", err)
	}
	if len(shared) != 2 {
		t.Fatalf("expected 2 shared blocks, got %d", len(shared))
	}
}

func TestStoreConfigKV(t *testing.T) {
	ctx := context.Background()
	s := New(memdb.New())

	if _, ok, err := s.GetConfig(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing key to be absent, ok=%v err=%v", ok, err)
	}

	if err := s.SetConfig(ctx, "cluster_id", "abc123"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	value, ok, err := s.GetConfig(ctx, "cluster_id")
	if err != nil || !ok || value != "abc123" {
		t.Fatalf("GetConfig mismatch: value=%q ok=%v err=%v", value, ok, err)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New(memdb.New())

	sentinel := errFail("boom")
	err := s.Transaction(ctx, func(tx db.Tx) error {
		if err := tx.Put(bucketApps, "ghost", []byte("{}")); err != nil {
			return err
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	if _, err := s.GetApp(ctx, "ghost"); err != ErrNotFound {
		t.Fatalf("expected rolled-back write to be absent, got %v", err)
	}
}

type errFail string

func (e errFail) Error() string { return string(e) }

func TestEphemeralTriggerRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	e := NewEphemeral(memdb.New())

	rec := &domain.TriggerRecord{
		ID:               "req-1",
		OriginAppID:      "caller",
		DestinationAppID: "worker-1",
		Pool:             "default",
		TriggerName:      "resize_image",
		CreatedAt:        time.Now(),
		TTL:              5 * time.Second,
		State:            domain.RecordDispatched,
	}
	if err := e.SaveTriggerRecord(ctx, rec); err != nil {
		t.Fatalf("SaveTriggerRecord: %v", err)
	}

	got, err := e.GetTriggerRecord(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetTriggerRecord: %v", err)
	}
	if got.State != domain.RecordDispatched {
		t.Fatalf("expected DISPATCHED, got %s", got.State)
	}

	if err := e.DeleteTriggerRecord(ctx, "req-1"); err != nil {
		t.Fatalf("DeleteTriggerRecord: %v", err)
	}
	if _, err := e.GetTriggerRecord(ctx, "req-1"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
