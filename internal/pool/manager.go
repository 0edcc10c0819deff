// Package pool owns pool metadata and the bidirectional app<->pool
// membership index (spec.md §4.4): a top-level map guarded by a single
// sync.RWMutex, since LatZero pools are long-lived named namespaces
// created by clients. The access pattern is read-heavy membership
// lookups, not resource acquisition, so there is no waiter queue.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/latzero/latzero/internal/domain"
	"github.com/latzero/latzero/internal/logging"
	"github.com/latzero/latzero/internal/persistence"
	"github.com/latzero/latzero/internal/security"
)

var (
	// ErrPoolExists is returned by Create when name is already in use.
	ErrPoolExists = errors.New("pool: already exists")
	// ErrPoolNotFound is returned when name does not name an existing pool.
	ErrPoolNotFound = errors.New("pool: not found")
	// ErrSentinelImmutable is returned by Update/Remove for forbidden
	// operations against the default or system pools.
	ErrSentinelImmutable = errors.New("pool: sentinel pool cannot be modified this way")
	// ErrPoolNotEmpty is returned by Remove when members remain.
	ErrPoolNotEmpty = errors.New("pool: has members")
)

// Updates carries the optional fields Update may change. Sentinel pools
// reject a non-nil Type or Encrypted change.
type Updates struct {
	Type       *domain.PoolType
	Encrypted  *bool
	Owners     []string
	Properties map[string]string
}

// Manager is the Pool Manager. It is safe for concurrent use.
type Manager struct {
	store    *persistence.Store
	security security.Interface

	mu         sync.RWMutex
	pools      map[string]*domain.Pool
	membership map[string]map[string]struct{} // pool -> set of app IDs
	byApp      map[string]map[string]struct{} // app -> set of pool names

	// createGroup collapses concurrent Create calls for the same pool
	// name into a single allocation, so racing handshakes or a retried
	// Bootstrap sentinel-pool check never double-create or fight over
	// ErrPoolExists.
	createGroup singleflight.Group
}

// New constructs a Manager. Call Bootstrap before serving traffic to
// rehydrate pools from persistence and (re)create sentinel pools.
func New(store *persistence.Store, sec security.Interface) *Manager {
	return &Manager{
		store:      store,
		security:   sec,
		pools:      make(map[string]*domain.Pool),
		membership: make(map[string]map[string]struct{}),
		byApp:      make(map[string]map[string]struct{}),
	}
}

// Bootstrap loads every pool from Persistence and re-creates `default` and
// `system` if either is absent, per spec.md §4.4.
func (m *Manager) Bootstrap(ctx context.Context) error {
	stored, err := m.store.ListPools(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate pools: %w", err)
	}

	m.mu.Lock()
	for _, p := range stored {
		m.pools[p.Name] = p
		set := make(map[string]struct{}, len(p.Members))
		for _, app := range p.Members {
			set[app] = struct{}{}
			if m.byApp[app] == nil {
				m.byApp[app] = make(map[string]struct{})
			}
			m.byApp[app][p.Name] = struct{}{}
		}
		m.membership[p.Name] = set
	}
	m.mu.Unlock()

	for _, name := range []string{domain.SentinelDefaultPool, domain.SentinelSystemPool} {
		if _, err := m.Get(name); errors.Is(err, ErrPoolNotFound) {
			if _, err := m.Create(ctx, name, domain.PoolTypeLocal, false, nil); err != nil {
				return fmt.Errorf("create sentinel pool %s: %w", name, err)
			}
			logging.Op().Info("created sentinel pool", "pool", name)
		}
	}
	return nil
}

// Create adds a new pool. It fails if name is already in use. Concurrent
// Create calls for the same name are collapsed by createGroup so only one
// actually allocates and persists; the rest observe its result.
func (m *Manager) Create(ctx context.Context, name string, t domain.PoolType, encrypted bool, properties map[string]string) (*domain.Pool, error) {
	v, err, _ := m.createGroup.Do(name, func() (any, error) {
		return m.create(ctx, name, t, encrypted, properties)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Pool), nil
}

func (m *Manager) create(ctx context.Context, name string, t domain.PoolType, encrypted bool, properties map[string]string) (*domain.Pool, error) {
	if !domain.ValidPoolName(name) {
		return nil, fmt.Errorf("pool: invalid name %q", name)
	}
	if t == domain.PoolTypeEncrypted && !encrypted {
		return nil, fmt.Errorf("pool: encrypted type requires encrypted=true")
	}

	m.mu.Lock()
	if _, exists := m.pools[name]; exists {
		m.mu.Unlock()
		return nil, ErrPoolExists
	}
	now := time.Now()
	p := &domain.Pool{
		Name:       name,
		Type:       t,
		Encrypted:  encrypted,
		Policies:   make(map[string][]string),
		Properties: properties,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p.Properties == nil {
		p.Properties = make(map[string]string)
	}
	m.pools[name] = p
	m.membership[name] = make(map[string]struct{})
	m.mu.Unlock()

	if err := m.store.SavePool(ctx, p); err != nil {
		m.mu.Lock()
		delete(m.pools, name)
		delete(m.membership, name)
		m.mu.Unlock()
		return nil, fmt.Errorf("persist pool %s: %w", name, err)
	}
	if encrypted {
		if err := m.security.PrepareEncryptedPool(ctx, name); err != nil {
			return nil, fmt.Errorf("prepare encrypted pool %s: %w", name, err)
		}
	}
	return p.Clone(), nil
}

// Get returns a clone of the named pool, or ErrPoolNotFound.
func (m *Manager) Get(name string) (*domain.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[name]
	if !ok {
		return nil, ErrPoolNotFound
	}
	return p.Clone(), nil
}

// Update applies non-nil fields in u to the named pool. Type and Encrypted
// changes are rejected for sentinel pools.
func (m *Manager) Update(ctx context.Context, name string, u Updates) error {
	m.mu.Lock()
	p, ok := m.pools[name]
	if !ok {
		m.mu.Unlock()
		return ErrPoolNotFound
	}
	if p.IsSentinel() && (u.Type != nil || u.Encrypted != nil) {
		m.mu.Unlock()
		return ErrSentinelImmutable
	}
	if u.Type != nil {
		p.Type = *u.Type
	}
	if u.Encrypted != nil {
		p.Encrypted = *u.Encrypted
	}
	if u.Owners != nil {
		p.Owners = append([]string(nil), u.Owners...)
	}
	if u.Properties != nil {
		for k, v := range u.Properties {
			p.Properties[k] = v
		}
	}
	p.UpdatedAt = time.Now()
	snapshot := p.Clone()
	m.mu.Unlock()

	if err := m.store.SavePool(ctx, snapshot); err != nil {
		return fmt.Errorf("persist pool update %s: %w", name, err)
	}
	return nil
}

// Remove deletes a pool. It fails if the pool is a sentinel or has members.
func (m *Manager) Remove(ctx context.Context, name string) error {
	m.mu.Lock()
	p, ok := m.pools[name]
	if !ok {
		m.mu.Unlock()
		return ErrPoolNotFound
	}
	if p.IsSentinel() {
		m.mu.Unlock()
		return ErrSentinelImmutable
	}
	if len(m.membership[name]) > 0 {
		m.mu.Unlock()
		return ErrPoolNotEmpty
	}
	delete(m.pools, name)
	delete(m.membership, name)
	m.mu.Unlock()

	if err := m.store.DeletePool(ctx, name); err != nil {
		return fmt.Errorf("delete pool %s: %w", name, err)
	}
	return nil
}

// AddAppToPool joins app to pool. It is idempotent and maintains both
// directions of the membership index.
func (m *Manager) AddAppToPool(ctx context.Context, app, poolName string) error {
	m.mu.Lock()
	p, ok := m.pools[poolName]
	if !ok {
		m.mu.Unlock()
		return ErrPoolNotFound
	}
	members := m.membership[poolName]
	if _, already := members[app]; already {
		m.mu.Unlock()
		return nil
	}
	members[app] = struct{}{}
	if m.byApp[app] == nil {
		m.byApp[app] = make(map[string]struct{})
	}
	m.byApp[app][poolName] = struct{}{}
	p.Members = setKeys(members)
	snapshot := p.Clone()
	m.mu.Unlock()

	if err := m.store.SavePool(ctx, snapshot); err != nil {
		return fmt.Errorf("persist membership add %s/%s: %w", app, poolName, err)
	}
	return nil
}

// RemoveAppFromPool removes app from pool. It is idempotent.
func (m *Manager) RemoveAppFromPool(ctx context.Context, app, poolName string) error {
	m.mu.Lock()
	p, ok := m.pools[poolName]
	if !ok {
		m.mu.Unlock()
		return ErrPoolNotFound
	}
	members := m.membership[poolName]
	if _, present := members[app]; !present {
		m.mu.Unlock()
		return nil
	}
	delete(members, app)
	if set := m.byApp[app]; set != nil {
		delete(set, poolName)
		if len(set) == 0 {
			delete(m.byApp, app)
		}
	}
	p.Members = setKeys(members)
	snapshot := p.Clone()
	m.mu.Unlock()

	if err := m.store.SavePool(ctx, snapshot); err != nil {
		return fmt.Errorf("persist membership remove %s/%s: %w", app, poolName, err)
	}
	return nil
}

// List returns a snapshot of every known pool, for admin introspection.
func (m *Manager) List() []*domain.Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p.Clone())
	}
	return out
}

// GetMembers returns the AppIDs currently joined to pool.
func (m *Manager) GetMembers(poolName string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return setKeys(m.membership[poolName])
}

// GetPoolsOfApp returns the pool names app currently belongs to.
func (m *Manager) GetPoolsOfApp(app string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return setKeys(m.byApp[app])
}

// ValidateMembership reports whether app is a member of pool.
func (m *Manager) ValidateMembership(app, poolName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.membership[poolName][app]
	return ok
}

// GetProperty reads a single pool property.
func (m *Manager) GetProperty(poolName, key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[poolName]
	if !ok {
		return "", false
	}
	v, ok := p.Properties[key]
	return v, ok
}

// SetProperty writes a single pool property.
func (m *Manager) SetProperty(ctx context.Context, poolName, key, value string) error {
	m.mu.Lock()
	p, ok := m.pools[poolName]
	if !ok {
		m.mu.Unlock()
		return ErrPoolNotFound
	}
	p.Properties[key] = value
	p.UpdatedAt = time.Now()
	snapshot := p.Clone()
	m.mu.Unlock()

	if err := m.store.SavePool(ctx, snapshot); err != nil {
		return fmt.Errorf("persist property %s/%s: %w", poolName, key, err)
	}
	return nil
}

// AccessCheck authorizes app to perform op against pool. Encrypted pools
// consult the security module; others apply the policy map (spec.md §4.4).
func (m *Manager) AccessCheck(ctx context.Context, app, poolName, op string) (bool, error) {
	m.mu.RLock()
	p, ok := m.pools[poolName]
	m.mu.RUnlock()
	if !ok {
		return false, ErrPoolNotFound
	}
	if p.Encrypted {
		return m.security.CheckPoolAccess(ctx, app, poolName, op)
	}
	return p.Allows(app, op), nil
}

func setKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
