// Package selector implements the backend selection policy engine
// (§4.4): a pure function over a registry snapshot plus a small owned
// cursor, with no I/O on the selection path.
//
// It is adapted from the teacher's BackendSelector family
// (src/selector.go in the retrieved docker-lb repo): the RoundRobin and
// LeastConnection cases are kept and generalized to operate over the
// shared registry snapshot type; the teacher's Random and
// WeightedRandom cases are dropped because this specification defines
// exactly two policies (see DESIGN.md).
package selector

import (
	"errors"
	"sort"
	"sync"

	"github.com/mikael-vdb/l4lb/internal/metrics"
	"github.com/mikael-vdb/l4lb/internal/registry"
)

// ErrNoBackend is returned when no healthy backend is available.
var ErrNoBackend = errors.New("no_backend")

// Selector chooses a backend from a registry snapshot.
type Selector interface {
	Select(snapshot []*registry.Backend) (*registry.Backend, error)
	Name() string
}

// New builds the configured policy.
func New(mode string) (Selector, error) {
	switch mode {
	case "round-robin":
		return &RoundRobin{}, nil
	case "least-connections":
		return &LeastConnections{}, nil
	default:
		return nil, errors.New("unknown selection policy: " + mode)
	}
}

func healthy(snapshot []*registry.Backend) []*registry.Backend {
	out := make([]*registry.Backend, 0, len(snapshot))
	for _, b := range snapshot {
		if b.Selectable() {
			out = append(out, b)
		}
	}
	return out
}

// cursorNext finds the first backend whose key is strictly greater than
// cursor in the (already key-sorted) candidates slice, wrapping to the
// first candidate when the cursor is at or past the end. This is the
// shared rotation-cursor mechanics used by both policies (round-robin
// directly, least-connections for tie-breaking).
func cursorNext(candidates []*registry.Backend, cursor string) *registry.Backend {
	idx := sort.Search(len(candidates), func(i int) bool {
		return candidates[i].Key > cursor
	})
	if idx == len(candidates) {
		idx = 0
	}
	return candidates[idx]
}

// RoundRobin implements §4.4's round-robin policy.
type RoundRobin struct {
	mu     sync.Mutex
	cursor string
}

func (s *RoundRobin) Name() string { return "round-robin" }

func (s *RoundRobin) Select(snapshot []*registry.Backend) (*registry.Backend, error) {
	candidates := healthy(snapshot)
	if len(candidates) == 0 {
		metrics.SelectorNoBackendTotal.Inc()
		return nil, ErrNoBackend
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	chosen := cursorNext(candidates, s.cursor)
	s.cursor = chosen.Key
	return chosen, nil
}

// LeastConnections implements §4.4's least-connections policy: smallest
// active count, ties broken by the same rotation cursor used by
// round-robin so a freshly added idle backend doesn't take every new
// connection at once.
type LeastConnections struct {
	mu     sync.Mutex
	cursor string
}

func (s *LeastConnections) Name() string { return "least-connections" }

func (s *LeastConnections) Select(snapshot []*registry.Backend) (*registry.Backend, error) {
	candidates := healthy(snapshot)
	if len(candidates) == 0 {
		metrics.SelectorNoBackendTotal.Inc()
		return nil, ErrNoBackend
	}

	min := candidates[0].Active()
	for _, b := range candidates[1:] {
		if a := b.Active(); a < min {
			min = a
		}
	}
	var tied []*registry.Backend
	for _, b := range candidates {
		if b.Active() == min {
			tied = append(tied, b)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	chosen := cursorNext(tied, s.cursor)
	s.cursor = chosen.Key
	return chosen, nil
}
