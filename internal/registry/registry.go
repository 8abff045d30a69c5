// Package registry tracks the relay's known clients: a concurrency-safe
// directory from client id to last-known address and liveness timestamp.
package registry

import (
	"errors"
	"net/netip"
	"slices"
	"sync"
	"time"
)

// DefaultMaxClients matches the original protocol's fixed client table.
const DefaultMaxClients = 64

// ErrFull is returned when a new registration would exceed capacity. The
// registry fails closed: existing clients keep being served.
var ErrFull = errors.New("registry: client table full")

// Record is one known client. Records are created on first contact, updated
// on every subsequent frame, and never explicitly removed.
type Record struct {
	ClientID uint32
	Addr     netip.Addr
	LastSeen time.Time
}

// Registry is safe for concurrent use. All mutations and snapshot reads are
// serialized under one mutex.
type Registry struct {
	mu          sync.Mutex
	maxClients  int
	expireAfter time.Duration
	clients     map[uint32]Record

	now func() time.Time
}

// New creates a registry bounded at maxClients entries (DefaultMaxClients
// when zero or negative). expireAfter enables passive expiry: records idle
// longer than that are dropped from snapshots and their slots reclaimed for
// new registrations. Zero keeps records forever, as the original protocol
// does.
func New(maxClients int, expireAfter time.Duration) *Registry {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	return &Registry{
		maxClients:  maxClients,
		expireAfter: expireAfter,
		clients:     make(map[uint32]Record),
		now:         time.Now,
	}
}

// Upsert records that clientID was last seen at addr just now. An existing
// record is updated in place; otherwise a new one is inserted, reclaiming
// expired slots first. Reports whether the record was newly created, and
// ErrFull when a new registration is dropped for capacity.
func (r *Registry) Upsert(clientID uint32, addr netip.Addr) (created bool, err error) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; ok {
		r.clients[clientID] = Record{ClientID: clientID, Addr: addr, LastSeen: now}
		return false, nil
	}

	if len(r.clients) >= r.maxClients {
		r.evictExpiredLocked(now)
	}
	if len(r.clients) >= r.maxClients {
		return false, ErrFull
	}

	r.clients[clientID] = Record{ClientID: clientID, Addr: addr, LastSeen: now}
	return true, nil
}

// Snapshot returns a point-in-time copy of all live records, ordered by
// client id, decoupling the caller's iteration from concurrent upserts.
func (r *Registry) Snapshot() []Record {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.clients))
	for _, rec := range r.clients {
		if r.expiredLocked(rec, now) {
			continue
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b Record) int {
		if a.ClientID < b.ClientID {
			return -1
		}
		if a.ClientID > b.ClientID {
			return 1
		}
		return 0
	})
	return out
}

// Len reports the number of records currently held, expired ones included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func (r *Registry) expiredLocked(rec Record, now time.Time) bool {
	return r.expireAfter > 0 && now.Sub(rec.LastSeen) > r.expireAfter
}

func (r *Registry) evictExpiredLocked(now time.Time) {
	if r.expireAfter <= 0 {
		return
	}
	for id, rec := range r.clients {
		if r.expiredLocked(rec, now) {
			delete(r.clients, id)
		}
	}
}
