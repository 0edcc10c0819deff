// Package trigger implements the Trigger Router (spec.md §4.6): request
// correlation, TTL-bounded in-flight tracking, destination resolution and
// routing-policy selection, response/error correlation with EMA response-
// time stats, and disconnect-driven cleanup. Its concurrency idioms: a
// plain map guarded by a sync.Mutex for the in-flight records, per-trigger
// response-time stats under a separate mutex, and context-threaded sweep
// timers.
package trigger

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/latzero/latzero/internal/domain"
	"github.com/latzero/latzero/internal/logging"
	"github.com/latzero/latzero/internal/observability"
	"github.com/latzero/latzero/internal/persistence"
	"github.com/latzero/latzero/internal/pool"
	"github.com/latzero/latzero/internal/protocol"
	"github.com/latzero/latzero/internal/registry"
)

// Dispatcher is the narrow send-side of Transport the Router needs: deliver
// a message to a specific live connection. Implemented by internal/transport.
type Dispatcher interface {
	Send(ctx context.Context, connID int64, msg *protocol.Message) error
}

// Policy selects one destination from a non-empty candidate set.
type Policy string

const (
	PolicyRoundRobin    Policy = "round_robin"
	PolicyRandom        Policy = "random"
	PolicyFirstAvailable Policy = "first_available"
	PolicyLoadBalanced  Policy = "load_balanced"
)

const (
	// DefaultMaxInFlight bounds the in-flight table (spec.md §4.6.2).
	DefaultMaxInFlight = 10000
	// DefaultTTL is used when a trigger message carries no ttl.
	DefaultTTL = 30 * time.Second
	// DefaultMaxTTL caps any caller-supplied ttl.
	DefaultMaxTTL = 5 * time.Minute
	// DefaultSweepInterval is the periodic straggler sweep (spec.md §4.6.4).
	DefaultSweepInterval = 60 * time.Second
	// DefaultEMAAlpha is the response-time exponential-moving-average weight.
	DefaultEMAAlpha = 0.1
)

// Config tunes Router behavior; zero values fall back to the defaults above.
type Config struct {
	MaxInFlight   int
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	SweepInterval time.Duration
	EMAAlpha      float64
	Policy        Policy
}

type inflightEntry struct {
	record *domain.TriggerRecord
	timer  *time.Timer
}

// Router is the Trigger Router. It is safe for concurrent use.
type Router struct {
	registry   *registry.Registry
	pools      *pool.Manager
	ephemeral  *persistence.Ephemeral
	dispatcher Dispatcher
	cfg        Config

	mu       sync.Mutex
	inflight map[string]*inflightEntry

	cursorMu sync.Mutex
	cursors  map[string]int

	statsMu sync.Mutex
	stats   map[string]*responseStats
}

type responseStats struct {
	avgMs   float64
	samples uint64
}

// New constructs a Router. dispatcher is the only send path HandleTrigger,
// HandleEmit and HandleResponse use; there is no way to replace it later.
func New(reg *registry.Registry, pools *pool.Manager, ephemeral *persistence.Ephemeral, dispatcher Dispatcher, cfg Config) *Router {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultMaxTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.EMAAlpha <= 0 {
		cfg.EMAAlpha = DefaultEMAAlpha
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyRoundRobin
	}
	return &Router{
		registry:   reg,
		pools:      pools,
		ephemeral:  ephemeral,
		dispatcher: dispatcher,
		cfg:        cfg,
		inflight:   make(map[string]*inflightEntry),
		cursors:    make(map[string]int),
		stats:      make(map[string]*responseStats),
	}
}

// InFlightCount returns the current size of the in-flight table.
func (r *Router) InFlightCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// HandleTrigger processes an inbound `trigger` message per spec.md §4.6.2.
// It returns a message to send back to the origin immediately (an error, or
// nil if the request was successfully dispatched and a response will arrive
// asynchronously via HandleResponse).
func (r *Router) HandleTrigger(ctx context.Context, originConnID int64, msg *protocol.Message) *protocol.Message {
	originAppID, bound := r.registry.AppIDForConn(originConnID)
	if !bound {
		return protocol.NewError(protocol.ValidationError, "trigger: origin connection is not bound").ToMessage(msg.ID)
	}

	poolName := msg.Pool
	if poolName == "" {
		poolName = domain.SentinelDefaultPool
	}
	if _, err := r.pools.Get(poolName); err != nil {
		return protocol.NewError(protocol.ValidationError, "trigger: pool %q does not exist", poolName).ToMessage(msg.ID)
	}
	if !r.pools.ValidateMembership(originAppID, poolName) {
		return protocol.NewError(protocol.AccessDenied, "trigger: %s is not a member of pool %s", originAppID, poolName).ToMessage(msg.ID)
	}

	if msg.Destination != "" {
		if err := r.validateRouting(originAppID, msg.Destination, msg.Trigger); err != nil {
			return err.(*protocol.Error).ToMessage(msg.ID)
		}
	}

	candidates := r.resolveCandidates(msg, poolName)
	if len(candidates) == 0 {
		return protocol.NewError(protocol.NotFound, "trigger: no active handler for %q in pool %q", msg.Trigger, poolName).ToMessage(msg.ID)
	}

	destination := r.selectDestination(msg.Trigger, candidates)

	if destination == originAppID {
		logging.Op().Debug("trigger short-circuit not implemented", "app_id", originAppID, "trigger", msg.Trigger)
		return protocol.NewError(protocol.ShortCircuitNotImplemented, "trigger: intra-app dispatch for %s is not implemented", originAppID).ToMessage(msg.ID)
	}

	destConnID, live := r.registry.ConnIDForApp(destination)
	if !live {
		return protocol.NewError(protocol.NotFound, "trigger: destination %s is no longer live", destination).ToMessage(msg.ID)
	}

	ttl := r.effectiveTTL(msg.TTL)
	rec := &domain.TriggerRecord{
		ID:               msg.ID,
		OriginAppID:      originAppID,
		OriginConnID:     originConnID,
		DestinationAppID: destination,
		DestConnID:       destConnID,
		Pool:             poolName,
		TriggerName:      msg.Trigger,
		CreatedAt:        time.Now(),
		TTL:              ttl,
		State:            domain.RecordPending,
	}
	if raw, err := protocol.Encode(msg); err == nil {
		rec.OriginalMessage = raw
	}

	r.mu.Lock()
	if len(r.inflight) >= r.cfg.MaxInFlight {
		r.mu.Unlock()
		return protocol.NewError(protocol.TooManyRequests, "trigger: in-flight table at capacity (%d)", r.cfg.MaxInFlight).ToMessage(msg.ID)
	}
	entry := &inflightEntry{record: rec}
	entry.timer = time.AfterFunc(ttl, func() { r.expire(context.Background(), rec.ID) })
	r.inflight[rec.ID] = entry
	r.mu.Unlock()

	if err := r.ephemeral.SaveTriggerRecord(ctx, rec); err != nil {
		logging.Op().Warn("persist trigger record failed", "id", rec.ID, "error", err)
	}

	observability.InjectMessageMetadata(ctx, msg)
	if err := r.dispatcher.Send(ctx, destConnID, msg); err != nil {
		r.failRecord(ctx, rec.ID)
		return protocol.NewError(protocol.RoutingError, "trigger: delivery to %s failed: %v", destination, err).ToMessage(msg.ID)
	}

	r.mu.Lock()
	if e, ok := r.inflight[rec.ID]; ok {
		e.record.State = domain.RecordDispatched
	}
	r.mu.Unlock()
	return nil
}

func (r *Router) resolveCandidates(msg *protocol.Message, poolName string) []string {
	var candidates []string
	if msg.Destination != "" {
		candidates = []string{msg.Destination}
	} else {
		candidates = r.registry.CandidatesForTrigger(msg.Trigger)
	}

	out := make([]string, 0, len(candidates))
	for _, appID := range candidates {
		if _, live := r.registry.ConnIDForApp(appID); !live {
			continue
		}
		reg, ok := r.registry.Get(appID)
		if !ok || !reg.HasTrigger(msg.Trigger) {
			continue
		}
		if !r.pools.ValidateMembership(appID, poolName) {
			continue
		}
		out = append(out, appID)
	}
	return out
}

// validateRouting checks that destination both registers trigger and
// shares at least one pool with origin, per spec.md §4.6.8. It is used by
// the explicit-destination path ahead of delivery.
func (r *Router) validateRouting(origin, destination, trigger string) error {
	destReg, ok := r.registry.Get(destination)
	if !ok || !destReg.HasTrigger(trigger) {
		return protocol.NewError(protocol.AccessDenied, "routing: %s does not register %q", destination, trigger)
	}
	for _, p := range r.pools.GetPoolsOfApp(origin) {
		if r.pools.ValidateMembership(destination, p) {
			return nil
		}
	}
	return protocol.NewError(protocol.AccessDenied, "routing: %s and %s share no pool", origin, destination)
}

// effectiveTTL resolves the TTL to apply to a new trigger record. A nil
// requested means the field was absent on the wire and falls back to the
// router's configured default; an explicit zero (spec.md §8: "TTL of 0 ->
// immediate timeout") is honored as-is rather than treated as "unset".
func (r *Router) effectiveTTL(requested *int64) time.Duration {
	ttl := r.cfg.DefaultTTL
	if requested != nil {
		ms := *requested
		if ms < 0 {
			ms = 0
		}
		ttl = time.Duration(ms) * time.Millisecond
	}
	if ttl > r.cfg.MaxTTL {
		ttl = r.cfg.MaxTTL
	}
	return ttl
}

// HandleEmit fans msg out to every matching, pool-filtered, active handler
// with no record created and no response expected (spec.md §4.6.6).
func (r *Router) HandleEmit(ctx context.Context, originConnID int64, msg *protocol.Message) *protocol.Message {
	originAppID, bound := r.registry.AppIDForConn(originConnID)
	if !bound {
		return protocol.NewError(protocol.ValidationError, "emit: origin connection is not bound").ToMessage(msg.ID)
	}
	poolName := msg.Pool
	if poolName == "" {
		poolName = domain.SentinelDefaultPool
	}
	if !r.pools.ValidateMembership(originAppID, poolName) {
		return protocol.NewError(protocol.AccessDenied, "emit: %s is not a member of pool %s", originAppID, poolName).ToMessage(msg.ID)
	}

	observability.InjectMessageMetadata(ctx, msg)
	for _, appID := range r.resolveCandidates(msg, poolName) {
		connID, live := r.registry.ConnIDForApp(appID)
		if !live {
			continue
		}
		if err := r.dispatcher.Send(ctx, connID, msg); err != nil {
			logging.Op().Warn("emit delivery failed", "app_id", appID, "trigger", msg.Trigger, "error", err)
		}
	}
	return nil
}

// HandleResponse processes an inbound `response` or `error` message whose
// correlation field names an in-flight id, per spec.md §4.6.3.
func (r *Router) HandleResponse(ctx context.Context, msg *protocol.Message) {
	id := msg.CorrelationID
	r.mu.Lock()
	entry, ok := r.inflight[id]
	if ok {
		delete(r.inflight, id)
		entry.timer.Stop()
	}
	r.mu.Unlock()

	if !ok {
		logging.Op().Warn("response for unknown or expired trigger record", "id", id)
		return
	}

	r.recordResponseTime(entry.record)

	if connID, live := r.registry.ConnIDForApp(entry.record.OriginAppID); live {
		if err := r.dispatcher.Send(ctx, connID, msg); err != nil {
			logging.Op().Warn("deliver response to origin failed", "app_id", entry.record.OriginAppID, "error", err)
		}
	}

	if err := r.ephemeral.DeleteTriggerRecord(ctx, id); err != nil {
		logging.Op().Warn("delete completed trigger record failed", "id", id, "error", err)
	}
}

func (r *Router) recordResponseTime(rec *domain.TriggerRecord) {
	elapsedMs := float64(time.Since(rec.CreatedAt).Milliseconds())
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	s, ok := r.stats[rec.TriggerName]
	if !ok {
		s = &responseStats{avgMs: elapsedMs}
		r.stats[rec.TriggerName] = s
	} else {
		s.avgMs = r.cfg.EMAAlpha*elapsedMs + (1-r.cfg.EMAAlpha)*s.avgMs
	}
	s.samples++
}

// AverageResponseMs returns the current EMA response time for trigger, and
// whether any sample has been recorded.
func (r *Router) AverageResponseMs(trigger string) (float64, bool) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	s, ok := r.stats[trigger]
	if !ok {
		return 0, false
	}
	return s.avgMs, true
}

// expire fires at a record's individual TTL timer.
func (r *Router) expire(ctx context.Context, id string) {
	r.mu.Lock()
	entry, ok := r.inflight[id]
	if ok {
		delete(r.inflight, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.finishTimeout(ctx, entry.record)
}

func (r *Router) finishTimeout(ctx context.Context, rec *domain.TriggerRecord) {
	rec.State = domain.RecordTimedOut
	timeoutMsg := protocol.NewError(protocol.Timeout, "trigger %s timed out after %s", rec.ID, rec.TTL).ToMessage(rec.ID)
	if connID, live := r.registry.ConnIDForApp(rec.OriginAppID); live {
		if err := r.dispatcher.Send(ctx, connID, timeoutMsg); err != nil {
			logging.Op().Warn("deliver timeout to origin failed", "app_id", rec.OriginAppID, "error", err)
		}
	}
	if err := r.ephemeral.DeleteTriggerRecord(ctx, rec.ID); err != nil {
		logging.Op().Warn("delete timed-out trigger record failed", "id", rec.ID, "error", err)
	}
}

func (r *Router) failRecord(ctx context.Context, id string) {
	r.mu.Lock()
	entry, ok := r.inflight[id]
	if ok {
		delete(r.inflight, id)
		entry.timer.Stop()
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	entry.record.State = domain.RecordFailed
	if err := r.ephemeral.DeleteTriggerRecord(ctx, id); err != nil {
		logging.Op().Warn("delete failed trigger record failed", "id", id, "error", err)
	}
}

// HandleDisconnect times out (with ROUTING_ERROR) every in-flight record
// where appID is the origin or the dispatched-to destination, per spec.md
// §4.6.5. It must be called atomically with the App Registry's own
// disconnect handling so no record can survive referencing a stale
// connection; the Orchestrator wires both calls from the same Transport
// close notification.
func (r *Router) HandleDisconnect(ctx context.Context, appID string) {
	r.mu.Lock()
	var affected []*domain.TriggerRecord
	for id, entry := range r.inflight {
		if entry.record.OriginAppID == appID || entry.record.DestinationAppID == appID {
			entry.timer.Stop()
			affected = append(affected, entry.record)
			delete(r.inflight, id)
		}
	}
	r.mu.Unlock()

	for _, rec := range affected {
		rec.State = domain.RecordFailed
		if rec.OriginAppID != appID {
			// Origin is still live; destination vanished mid-flight.
			errMsg := protocol.NewError(protocol.RoutingError, "trigger %s: destination %s disconnected", rec.ID, appID).ToMessage(rec.ID)
			if connID, live := r.registry.ConnIDForApp(rec.OriginAppID); live {
				if err := r.dispatcher.Send(ctx, connID, errMsg); err != nil {
					logging.Op().Warn("deliver disconnect error to origin failed", "app_id", rec.OriginAppID, "error", err)
				}
			}
		}
		if err := r.ephemeral.DeleteTriggerRecord(ctx, rec.ID); err != nil {
			logging.Op().Warn("delete disconnect-cancelled trigger record failed", "id", rec.ID, "error", err)
		}
	}
}

// RunSweeper blocks until ctx is done, reaping any in-flight record past
// its expiry that its individual timer did not already fire (spec.md
// §4.6.4's belt-and-suspenders periodic sweep).
func (r *Router) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepStragglers(ctx)
		}
	}
}

func (r *Router) sweepStragglers(ctx context.Context) {
	now := time.Now()
	r.mu.Lock()
	var stragglers []*domain.TriggerRecord
	for id, entry := range r.inflight {
		if now.After(entry.record.Expiry()) {
			entry.timer.Stop()
			stragglers = append(stragglers, entry.record)
			delete(r.inflight, id)
		}
	}
	r.mu.Unlock()

	for _, rec := range stragglers {
		logging.Op().Warn("sweeper reaped straggling trigger record", "id", rec.ID, "trigger", rec.TriggerName)
		r.finishTimeout(ctx, rec)
	}
}

func (r *Router) selectDestination(trigger string, candidates []string) string {
	switch r.cfg.Policy {
	case PolicyRandom:
		return candidates[rand.Intn(len(candidates))]
	case PolicyFirstAvailable:
		return candidates[0]
	case PolicyLoadBalanced:
		// Stand-in for round-robin until per-handler load metrics are
		// introduced (spec.md §4.6.7's open extension point).
		return r.roundRobin(trigger, candidates)
	default:
		return r.roundRobin(trigger, candidates)
	}
}

func (r *Router) roundRobin(trigger string, candidates []string) string {
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()
	idx := r.cursors[trigger] % len(candidates)
	r.cursors[trigger] = idx + 1
	return candidates[idx]
}
