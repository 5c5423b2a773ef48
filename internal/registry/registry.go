// Package registry implements the backend registry (§3, §4.2): the
// merged, queryable set of backends assembled from static configuration
// and resolver output, with health and active-connection accounting.
//
// It is adapted from the teacher's BackendPool (src/backend.go in the
// retrieved docker-lb repo), generalized from "one pool per host" to a
// single registry that groups endpoints from two independent sources
// (static, dynamic) under one stable key, and from a plain map+mutex to
// a copy-on-write snapshot so the selector's hot path never blocks on
// registry writers.
package registry

import (
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/mikael-vdb/l4lb/internal/logging"
)

// Health is a backend's liveness classification.
type Health int32

const (
	Unknown Health = iota
	Healthy
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Source identifies which configuration surface contributed an endpoint.
type Source uint8

const (
	SourceStatic Source = 1 << iota
	SourceDynamic
)

func (s Source) String() string {
	switch {
	case s&SourceStatic != 0 && s&SourceDynamic != 0:
		return "both"
	case s&SourceStatic != 0:
		return "static"
	case s&SourceDynamic != 0:
		return "dynamic"
	default:
		return "none"
	}
}

// Endpoint is a concrete (IP, port) pair.
type Endpoint struct {
	IP   string
	Port string
}

func (e Endpoint) String() string { return net.JoinHostPort(e.IP, e.Port) }

// Backend is a logical upstream identified by a stable key (§3).
// consecutive_failures/consecutive_successes and active are accessed
// without holding mu so the forwarding hot path never contends with
// registry membership updates.
type Backend struct {
	Key string

	mu          sync.RWMutex
	staticEP    []Endpoint
	dynamicEP   []Endpoint
	source      Source
	endpointIdx int // index into Endpoints() preferred by the selector's endpoint-choice policy (§4.4)

	health        atomic.Int32
	consecSucc    atomic.Int32
	consecFail    atomic.Int32
	active        atomic.Int64
	totalAccepted atomic.Uint64
	draining      atomic.Bool
}

// Endpoints returns the union of this backend's statically and
// dynamically contributed addresses.
func (b *Backend) Endpoints() []Endpoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Endpoint, 0, len(b.staticEP)+len(b.dynamicEP))
	seen := make(map[Endpoint]bool, len(out))
	for _, list := range [2][]Endpoint{b.staticEP, b.dynamicEP} {
		for _, ep := range list {
			if !seen[ep] {
				seen[ep] = true
				out = append(out, ep)
			}
		}
	}
	return out
}

// PreferredEndpointIndex and SetPreferredEndpointIndex implement the
// "prefer the most recently successful endpoint" rule of §4.4 without a
// separate affinity table: the backend itself remembers which of its
// current endpoints last worked.
func (b *Backend) PreferredEndpointIndex() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.endpointIdx
}

func (b *Backend) SetPreferredEndpointIndex(i int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endpointIdx = i
}

func (b *Backend) Source() Source {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.source
}

func (b *Backend) Health() Health { return Health(b.health.Load()) }

func (b *Backend) Active() int64 { return b.active.Load() }

func (b *Backend) Draining() bool { return b.draining.Load() }

// Selectable reports whether the backend is eligible for selection
// (§3 invariant): healthy, not draining, and still has endpoints.
func (b *Backend) Selectable() bool {
	if b.Health() != Healthy || b.Draining() {
		return false
	}
	b.mu.RLock()
	n := len(b.staticEP) + len(b.dynamicEP)
	b.mu.RUnlock()
	return n > 0
}

func (b *Backend) hasSource() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.source != 0
}

// Registry is the single owner of backend membership, health and
// connection accounting (§5 "Shared state").
type Registry struct {
	healthyAfter   int32
	unhealthyAfter int32

	mu       sync.Mutex // guards backends map and structural changes only
	backends map[string]*Backend

	snap atomic.Pointer[[]*Backend] // copy-on-write ordered snapshot for readers
}

// New creates an empty registry. healthyAfter/unhealthyAfter are the N/M
// hysteresis thresholds from §4.3.
func New(healthyAfter, unhealthyAfter int) *Registry {
	r := &Registry{
		healthyAfter:   int32(healthyAfter),
		unhealthyAfter: int32(unhealthyAfter),
		backends:       make(map[string]*Backend),
	}
	empty := make([]*Backend, 0)
	r.snap.Store(&empty)
	return r
}

// Snapshot returns a consistent, key-ordered view of all registered
// backends (healthy or not — the selector filters). The returned slice
// must not be mutated.
func (r *Registry) Snapshot() []*Backend {
	return *r.snap.Load()
}

// Get returns the backend for a key, or nil.
func (r *Registry) Get(key string) *Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.backends[key]
}

func (r *Registry) rebuildSnapshotLocked() {
	keys := make([]string, 0, len(r.backends))
	for k := range r.backends {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*Backend, len(keys))
	for i, k := range keys {
		out[i] = r.backends[k]
	}
	r.snap.Store(&out)
}

func (r *Registry) getOrCreateLocked(key string) *Backend {
	b, ok := r.backends[key]
	if !ok {
		b = &Backend{Key: key}
		b.health.Store(int32(Unknown))
		r.backends[key] = b
	}
	return b
}

// maybeReapLocked deregisters a backend once it has no contributing
// source and no active forwards (§3 invariant, §4.2 draining).
func (r *Registry) maybeReapLocked(b *Backend) {
	if b.hasSource() {
		b.draining.Store(false)
		return
	}
	if b.Active() == 0 {
		delete(r.backends, b.Key)
		return
	}
	b.draining.Store(true)
}

// ApplyStatic replaces the full static endpoint set. Idempotent: calling
// it twice with the same set is a no-op the second time.
func (r *Registry) ApplyStatic(set []Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[string]Endpoint, len(set))
	for _, ep := range set {
		wanted[ep.String()] = ep
	}

	changed := false

	// Drop static contribution from backends no longer in the set.
	for key, b := range r.backends {
		b.mu.Lock()
		if b.source&SourceStatic != 0 {
			if _, ok := wanted[key]; !ok {
				b.staticEP = nil
				b.source &^= SourceStatic
				changed = true
			}
		}
		b.mu.Unlock()
		if !b.hasSource() {
			r.maybeReapLocked(b)
		}
	}

	// Add/refresh static contribution for the wanted set.
	for key, ep := range wanted {
		b := r.getOrCreateLocked(key)
		b.mu.Lock()
		if b.source&SourceStatic == 0 || len(b.staticEP) == 0 {
			changed = true
		}
		b.staticEP = []Endpoint{ep}
		b.source |= SourceStatic
		b.mu.Unlock()
	}

	if changed {
		r.rebuildSnapshotLocked()
	}
}

// ResolvedDiff is what the resolver publishes after each resolution
// cycle (§4.1 "Output to registry"): the full current endpoint set for
// every dynamic key that is present, plus the keys that disappeared
// entirely.
type ResolvedDiff struct {
	Current map[string][]Endpoint // key -> full current endpoint set
	Removed []string              // keys no longer present
}

// ApplyResolved merges a resolver diff into the registry. Idempotent:
// replaying the same Current map is a no-op.
func (r *Registry) ApplyResolved(diff ResolvedDiff) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false

	for _, key := range diff.Removed {
		b, ok := r.backends[key]
		if !ok {
			continue
		}
		b.mu.Lock()
		if b.source&SourceDynamic != 0 {
			b.dynamicEP = nil
			b.source &^= SourceDynamic
			changed = true
		}
		b.mu.Unlock()
		if !b.hasSource() {
			r.maybeReapLocked(b)
		}
	}

	for key, eps := range diff.Current {
		b := r.getOrCreateLocked(key)
		b.mu.Lock()
		if b.source&SourceDynamic == 0 || !sameEndpoints(b.dynamicEP, eps) {
			changed = true
		}
		b.dynamicEP = append([]Endpoint(nil), eps...)
		b.source |= SourceDynamic
		b.mu.Unlock()
	}

	if changed {
		r.rebuildSnapshotLocked()
	}
}

func sameEndpoints(a, b []Endpoint) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[Endpoint]bool, len(a))
	for _, e := range a {
		seen[e] = true
	}
	for _, e := range b {
		if !seen[e] {
			return false
		}
	}
	return true
}

// NoteSelection increments a backend's active count (§4.2). It is a
// no-op if the key no longer exists (the backend disappeared between
// the selector reading a snapshot and the caller acting on it).
func (r *Registry) NoteSelection(key string) {
	r.mu.Lock()
	b := r.backends[key]
	r.mu.Unlock()
	if b == nil {
		return
	}
	b.active.Add(1)
	b.totalAccepted.Add(1)
}

// NoteRelease decrements a backend's active count and reaps it if it is
// draining and has just hit zero (§3 invariant: active never negative).
func (r *Registry) NoteRelease(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.backends[key]
	if b == nil {
		return
	}
	if n := b.active.Add(-1); n < 0 {
		// Invariant violation (§7): a release without a matching
		// selection. Restore to zero; the caller's bookkeeping is the
		// real bug, not this registry's.
		logging.L().Errorw("invariant violation: active count went negative", "key", key)
		b.active.Store(0)
	}
	if b.draining.Load() && b.active.Load() == 0 {
		delete(r.backends, b.Key)
		r.rebuildSnapshotLocked()
	}
}

// UpdateHealth applies a single probe outcome with N/M hysteresis
// (§4.3) and returns (newHealth, transitioned) so callers can log/count
// state-change events exactly once per transition.
func (r *Registry) UpdateHealth(key string, healthy bool) (Health, bool) {
	r.mu.Lock()
	b := r.backends[key]
	r.mu.Unlock()
	if b == nil {
		return Unknown, false
	}

	prev := Health(b.health.Load())

	if healthy {
		b.consecFail.Store(0)
		succ := b.consecSucc.Add(1)
		if prev != Healthy && succ >= r.healthyAfter {
			b.health.Store(int32(Healthy))
			b.consecSucc.Store(0)
			return Healthy, true
		}
	} else {
		b.consecSucc.Store(0)
		fail := b.consecFail.Add(1)
		if prev != Unhealthy && fail >= r.unhealthyAfter {
			b.health.Store(int32(Unhealthy))
			b.consecFail.Store(0)
			return Unhealthy, true
		}
	}
	return prev, false
}

// SeedHealthy marks a backend healthy immediately, bypassing the N/M
// hysteresis counters. UDP has no active liveness probe (§4.3): a
// backend is assumed healthy from the moment it is registered, and only
// the health monitor's forward-path feedback (via UpdateHealth) can
// later flip it unhealthy or recover it. It is a no-op if the key is
// not registered.
func (r *Registry) SeedHealthy(key string) {
	r.mu.Lock()
	b := r.backends[key]
	r.mu.Unlock()
	if b == nil {
		return
	}
	b.health.Store(int32(Healthy))
	b.consecSucc.Store(0)
	b.consecFail.Store(0)
}
