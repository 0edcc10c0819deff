// Package registry implements the App Registry (spec.md §4.5): the live
// AppID -> registration map, the trigger-name -> set-of-AppIDs index,
// handshake processing with full-vs-rehydration classification, and
// disconnect-driven cleanup. The live registration map is held under a
// sync.RWMutex; it additionally keeps a rehydration cache since apps here
// are long-lived client processes that reconnect, not ephemeral workers
// that are simply recreated.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/latzero/latzero/internal/domain"
	"github.com/latzero/latzero/internal/logging"
	"github.com/latzero/latzero/internal/persistence"
	"github.com/latzero/latzero/internal/pool"
	"github.com/latzero/latzero/internal/protocol"
)

// DefaultRehydrationMaxAge bounds how long a disconnected app's state is
// kept in the rehydration cache before periodic purge drops it.
const DefaultRehydrationMaxAge = 24 * time.Hour

// ConnState is the per-connection handshake state machine's value.
type ConnState string

const (
	StateUnbound ConnState = "UNBOUND"
	StateBound   ConnState = "BOUND"
)

// Registry is the App Registry. It is safe for concurrent use.
type Registry struct {
	store  *persistence.Store
	pools  *pool.Manager
	maxAge time.Duration

	mu           sync.RWMutex
	live         map[string]*domain.AppRegistration // AppID -> registration
	connToApp    map[int64]string                   // connID -> AppID, only while BOUND
	triggerIndex map[string]map[string]struct{}     // trigger name -> set of AppIDs
	rehydration  map[string]*domain.RehydrationEntry
}

// New constructs a Registry. Call Bootstrap before serving connections.
func New(store *persistence.Store, pools *pool.Manager, maxAge time.Duration) *Registry {
	if maxAge <= 0 {
		maxAge = DefaultRehydrationMaxAge
	}
	return &Registry{
		store:        store,
		pools:        pools,
		maxAge:       maxAge,
		live:         make(map[string]*domain.AppRegistration),
		connToApp:    make(map[int64]string),
		triggerIndex: make(map[string]map[string]struct{}),
		rehydration:  make(map[string]*domain.RehydrationEntry),
	}
}

// Bootstrap loads every stored app registration into the rehydration cache;
// none are live until their connection performs a handshake.
func (r *Registry) Bootstrap(ctx context.Context) error {
	apps, err := r.store.ListApps(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate apps: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, app := range apps {
		r.rehydration[app.AppID] = &domain.RehydrationEntry{
			AppID:      app.AppID,
			Pools:      app.Pools,
			Triggers:   app.Triggers,
			Metadata:   app.Metadata,
			LastSeenAt: app.LastSeenAt,
		}
	}
	return nil
}

// HandleHandshake processes a `handshake` message from connID, per the
// state machine in spec.md §4.5. It returns the `handshake_ack` or `error`
// message to send back.
func (r *Registry) HandleHandshake(ctx context.Context, connID int64, msg *protocol.Message) *protocol.Message {
	if !domain.ValidAppID(msg.AppID) {
		return protocol.NewError(protocol.HandshakeError, "invalid app_id %q", msg.AppID).ToMessage(msg.ID)
	}

	r.mu.Lock()
	existing, wasBound := r.live[msg.AppID]
	isUpdate := wasBound && existing.ConnID == connID
	r.mu.Unlock()

	if isUpdate {
		return r.handleUpdate(ctx, connID, msg)
	}
	return r.handleBind(ctx, connID, msg)
}

func (r *Registry) handleBind(ctx context.Context, connID int64, msg *protocol.Message) *protocol.Message {
	r.mu.RLock()
	rehydrated, hasCache := r.rehydration[msg.AppID]
	r.mu.RUnlock()

	full := len(msg.Triggers) > 0 || !hasCache
	var reg *domain.AppRegistration
	rehydratedFlag := false

	if full {
		reg = &domain.AppRegistration{
			AppID:           msg.AppID,
			Pools:           msg.Pools,
			Triggers:        msg.Triggers,
			Metadata:        msg.Metadata,
			ProtocolVersion: msg.ProtocolVersion,
			RegisteredAt:    time.Now(),
		}
	} else {
		rehydratedFlag = true
		reg = &domain.AppRegistration{
			AppID:           msg.AppID,
			Pools:           rehydrated.Pools,
			Triggers:        rehydrated.Triggers,
			Metadata:        rehydrated.Metadata,
			ProtocolVersion: msg.ProtocolVersion,
			RegisteredAt:    time.Now(),
			Rehydrated:      true,
		}
	}
	reg.Online = true
	reg.ConnID = connID
	reg.LastSeenAt = time.Now()

	for _, p := range reg.Pools {
		if err := r.pools.AddAppToPool(ctx, reg.AppID, p); err != nil {
			logging.Op().Warn("join pool on handshake failed", "app_id", reg.AppID, "pool", p, "error", err)
		}
	}

	if err := r.store.SaveApp(ctx, reg); err != nil {
		return protocol.NewError(protocol.HandshakeError, "persist registration for %s: %v", reg.AppID, err).ToMessage(msg.ID)
	}

	r.mu.Lock()
	if prior, ok := r.live[reg.AppID]; ok && prior.ConnID != connID {
		// A second live handshake for an already-BOUND AppID: the newer
		// connection wins. We do not force-close the prior connection here;
		// Transport will observe its next write/read fail and disconnect it,
		// which then finds connToApp already repointed and is a no-op for
		// this AppID (spec.md §9 open question: eviction policy is left to
		// Transport, but two concurrent BOUND connections never coexist).
		delete(r.connToApp, prior.ConnID)
	}
	r.live[reg.AppID] = reg
	r.connToApp[connID] = reg.AppID
	delete(r.rehydration, reg.AppID)
	for _, t := range reg.Triggers {
		if r.triggerIndex[t] == nil {
			r.triggerIndex[t] = make(map[string]struct{})
		}
		r.triggerIndex[t][reg.AppID] = struct{}{}
	}
	r.mu.Unlock()

	logging.Op().Info("app bound", "app_id", reg.AppID, "conn_id", connID, "rehydrated", rehydratedFlag)
	return &protocol.Message{
		Type:          protocol.KindHandshakeAck,
		ID:            protocol.NewID(),
		CorrelationID: msg.ID,
		Status:        "ok",
		Assigned: &protocol.Assigned{
			AppID:      reg.AppID,
			Pools:      reg.Pools,
			Triggers:   reg.Triggers,
			Rehydrated: rehydratedFlag,
		},
	}
}

func (r *Registry) handleUpdate(ctx context.Context, connID int64, msg *protocol.Message) *protocol.Message {
	r.mu.Lock()
	reg, ok := r.live[msg.AppID]
	if !ok || reg.ConnID != connID {
		r.mu.Unlock()
		return protocol.NewError(protocol.HandshakeError, "app %s is not bound on this connection", msg.AppID).ToMessage(msg.ID)
	}
	for _, t := range reg.Triggers {
		if set := r.triggerIndex[t]; set != nil {
			delete(set, reg.AppID)
		}
	}
	reg.Pools = msg.Pools
	reg.Triggers = msg.Triggers
	reg.Metadata = msg.Metadata
	reg.LastSeenAt = time.Now()
	for _, t := range reg.Triggers {
		if r.triggerIndex[t] == nil {
			r.triggerIndex[t] = make(map[string]struct{})
		}
		r.triggerIndex[t][reg.AppID] = struct{}{}
	}
	snapshot := reg.Clone()
	r.mu.Unlock()

	for _, p := range snapshot.Pools {
		if err := r.pools.AddAppToPool(ctx, snapshot.AppID, p); err != nil {
			logging.Op().Warn("join pool on update failed", "app_id", snapshot.AppID, "pool", p, "error", err)
		}
	}
	if err := r.store.SaveApp(ctx, snapshot); err != nil {
		return protocol.NewError(protocol.HandshakeError, "persist update for %s: %v", snapshot.AppID, err).ToMessage(msg.ID)
	}

	logging.Op().Info("app updated", "app_id", snapshot.AppID, "conn_id", connID)
	return &protocol.Message{
		Type:          protocol.KindHandshakeAck,
		ID:            protocol.NewID(),
		CorrelationID: msg.ID,
		Status:        "updated",
		Assigned: &protocol.Assigned{
			AppID:    snapshot.AppID,
			Pools:    snapshot.Pools,
			Triggers: snapshot.Triggers,
		},
	}
}

// HandleDisconnect drops the BOUND state for connID (if any), parks the
// registration in the rehydration cache, and removes its trigger-index and
// pool-membership entries. It returns the AppID that was bound, if any, so
// the Trigger Router can fail its in-flight records.
func (r *Registry) HandleDisconnect(ctx context.Context, connID int64) (appID string, ok bool) {
	r.mu.Lock()
	appID, ok = r.connToApp[connID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	reg, present := r.live[appID]
	if !present || reg.ConnID != connID {
		// Already superseded by a newer handshake; nothing to clean up here.
		delete(r.connToApp, connID)
		r.mu.Unlock()
		return appID, true
	}
	delete(r.connToApp, connID)
	delete(r.live, appID)
	for _, t := range reg.Triggers {
		if set := r.triggerIndex[t]; set != nil {
			delete(set, appID)
		}
	}
	reg.Online = false
	reg.LastSeenAt = time.Now()
	r.rehydration[appID] = &domain.RehydrationEntry{
		AppID:      appID,
		Pools:      reg.Pools,
		Triggers:   reg.Triggers,
		Metadata:   reg.Metadata,
		LastSeenAt: reg.LastSeenAt,
	}
	snapshot := reg.Clone()
	pools := append([]string(nil), reg.Pools...)
	r.mu.Unlock()

	for _, p := range pools {
		if err := r.pools.RemoveAppFromPool(ctx, appID, p); err != nil {
			logging.Op().Warn("leave pool on disconnect failed", "app_id", appID, "pool", p, "error", err)
		}
	}
	if err := r.store.SaveApp(ctx, snapshot); err != nil {
		logging.Op().Warn("persist disconnect state failed", "app_id", appID, "error", err)
	}
	logging.Op().Info("app disconnected", "app_id", appID, "conn_id", connID)
	return appID, true
}

// Get returns a clone of the live registration for appID, if bound.
func (r *Registry) Get(appID string) (*domain.AppRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.live[appID]
	if !ok {
		return nil, false
	}
	return reg.Clone(), true
}

// AppIDForConn returns the AppID currently bound to connID.
func (r *Registry) AppIDForConn(connID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	appID, ok := r.connToApp[connID]
	return appID, ok
}

// ConnIDForApp returns the live connection id bound to appID.
func (r *Registry) ConnIDForApp(appID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.live[appID]
	if !ok {
		return 0, false
	}
	return reg.ConnID, true
}

// CandidatesForTrigger returns the live AppIDs that have registered name,
// sorted by AppID so that policies indexing into it see a stable order.
func (r *Registry) CandidatesForTrigger(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.triggerIndex[name]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for appID := range set {
		out = append(out, appID)
	}
	sort.Strings(out)
	return out
}

// ListLive returns a clone of every currently bound registration, used by
// admin introspection's list_apps operation.
func (r *Registry) ListLive() []*domain.AppRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.AppRegistration, 0, len(r.live))
	for _, reg := range r.live {
		out = append(out, reg.Clone())
	}
	return out
}

// PurgeExpiredRehydrations drops rehydration-cache entries whose
// LastSeenAt exceeds the registry's max age. Intended to run periodically.
func (r *Registry) PurgeExpiredRehydrations() int {
	cutoff := time.Now().Add(-r.maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	purged := 0
	for appID, entry := range r.rehydration {
		if entry.LastSeenAt.Before(cutoff) {
			delete(r.rehydration, appID)
			purged++
		}
	}
	return purged
}

// RunRehydrationSweeper blocks until ctx is done, purging expired
// rehydration entries every interval.
func (r *Registry) RunRehydrationSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.PurgeExpiredRehydrations(); n > 0 {
				logging.Op().Debug("purged expired rehydration entries", "count", n)
			}
		}
	}
}
