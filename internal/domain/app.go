// Package domain holds the entity types shared across LatZero's components:
// application registrations, pools, memory blocks, and in-flight trigger
// records. Types here are plain data; validation and lifecycle rules live in
// the owning component (registry, pool, memory, trigger).
package domain

import "time"

// AppRegistration is the server's view of a single application identified by
// a stable AppID. An AppRegistration is either live (ConnID set, Online true)
// or parked in the registry's rehydration cache awaiting reconnection.
type AppRegistration struct {
	AppID           string            `json:"app_id"`
	Pools           []string          `json:"pools"`
	Triggers        []string          `json:"triggers"`
	Metadata        map[string]string `json:"metadata"`
	ProtocolVersion string            `json:"protocol_version"`
	RegisteredAt    time.Time         `json:"registered_at"`
	LastSeenAt      time.Time         `json:"last_seen_at"`
	Rehydrated      bool              `json:"rehydrated"`

	// Online and ConnID describe the live binding; they are not persisted.
	Online bool  `json:"-"`
	ConnID int64 `json:"-"`
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// registry's lock.
func (a *AppRegistration) Clone() *AppRegistration {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Pools = append([]string(nil), a.Pools...)
	cp.Triggers = append([]string(nil), a.Triggers...)
	cp.Metadata = make(map[string]string, len(a.Metadata))
	for k, v := range a.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// HasTrigger reports whether the registration advertises the named trigger.
func (a *AppRegistration) HasTrigger(name string) bool {
	for _, t := range a.Triggers {
		if t == name {
			return true
		}
	}
	return false
}

// HasPool reports whether the registration is a member of the named pool.
func (a *AppRegistration) HasPool(name string) bool {
	for _, p := range a.Pools {
		if p == name {
			return true
		}
	}
	return false
}

// RehydrationEntry is the cached shape of a disconnected app's registration,
// kept around for up to the registry's rehydration TTL so a reconnecting app
// can recover its pools/triggers/metadata with an empty handshake.
type RehydrationEntry struct {
	AppID      string            `json:"app_id"`
	Pools      []string          `json:"pools"`
	Triggers   []string          `json:"triggers"`
	Metadata   map[string]string `json:"metadata"`
	LastSeenAt time.Time         `json:"last_seen_at"`
}
