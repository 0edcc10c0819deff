package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/latzero/latzero/internal/db"
	"github.com/latzero/latzero/internal/domain"
)

const bucketTriggerRecords = "trigger_records"

// Ephemeral is the in-memory half of the durability split described in
// spec.md §4.1: trigger records never need to survive a restart, so they're
// backed by an independent db.Database (normally memdb.New()) rather than
// the durable one, even when the durable store is bbolt or Postgres. Under
// memory_mode both Store and Ephemeral share the same in-memory engine.
type Ephemeral struct {
	database db.Database
}

// NewEphemeral wraps a (normally in-memory) db.Database for trigger records.
func NewEphemeral(database db.Database) *Ephemeral {
	return &Ephemeral{database: database}
}

// SaveTriggerRecord inserts or replaces an in-flight trigger record.
func (e *Ephemeral) SaveTriggerRecord(ctx context.Context, rec *domain.TriggerRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trigger record %s: %w", rec.ID, err)
	}
	return e.database.Update(ctx, func(tx db.Tx) error {
		return tx.Put(bucketTriggerRecords, rec.ID, buf)
	})
}

// GetTriggerRecord reads a single in-flight record by ID.
func (e *Ephemeral) GetTriggerRecord(ctx context.Context, id string) (*domain.TriggerRecord, error) {
	var rec domain.TriggerRecord
	found := false
	err := e.database.View(ctx, func(tx db.Tx) error {
		buf, ok, err := tx.Get(bucketTriggerRecords, id)
		if err != nil || !ok {
			return err
		}
		found = true
		return json.Unmarshal(buf, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("get trigger record %s: %w", id, err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// DeleteTriggerRecord removes an in-flight record, e.g. on terminal
// transition (COMPLETED, TIMED_OUT, FAILED).
func (e *Ephemeral) DeleteTriggerRecord(ctx context.Context, id string) error {
	return e.database.Update(ctx, func(tx db.Tx) error {
		return tx.Delete(bucketTriggerRecords, id)
	})
}

// ListTriggerRecords returns every in-flight record, used by admin
// introspection's list_triggers operation. The Trigger Router's periodic
// straggler sweep walks the Router's own in-memory table, not this one.
func (e *Ephemeral) ListTriggerRecords(ctx context.Context) ([]*domain.TriggerRecord, error) {
	var out []*domain.TriggerRecord
	err := e.database.View(ctx, func(tx db.Tx) error {
		return tx.ForEach(bucketTriggerRecords, func(_ string, value []byte) error {
			var rec domain.TriggerRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list trigger records: %w", err)
	}
	return out, nil
}
