// Endpoint choice within a chosen backend (§4.4 "Endpoint choice within
// a backend"): prefer the most recently successful endpoint, advancing
// on failure.
//
// Adapted from the teacher's AffinityMap (src/affinity.go in the
// retrieved docker-lb repo): that type tracked a TTL'd source-IP→backend
// binding for HTTP sticky sessions, a per-request concept this L4, non-
// HTTP specification has no use for (§1 non-goals: no per-request
// routing). What survives is its Get/Set shape, repurposed here to
// remember, per backend rather than per client, which endpoint last
// answered — no TTL is needed since the preference is simply
// overwritten on the next success.
package selector

import "github.com/mikael-vdb/l4lb/internal/registry"

// ChooseEndpoint returns the backend's preferred endpoint (the one that
// most recently succeeded, or the first one if none has yet) along with
// its index, or false if the backend currently has no endpoints.
func ChooseEndpoint(b *registry.Backend) (registry.Endpoint, int, bool) {
	eps := b.Endpoints()
	if len(eps) == 0 {
		return registry.Endpoint{}, 0, false
	}
	idx := b.PreferredEndpointIndex()
	if idx < 0 || idx >= len(eps) {
		idx = 0
	}
	return eps[idx], idx, true
}

// NextEndpoint returns the next endpoint to try after idx failed,
// cycling through the backend's current endpoint list. ok is false only
// when there is no other endpoint to advance to (the list is empty or
// nextIdx equals idx); it does not track where a cycle started.
func NextEndpoint(b *registry.Backend, idx int) (ep registry.Endpoint, nextIdx int, ok bool) {
	eps := b.Endpoints()
	if len(eps) == 0 {
		return registry.Endpoint{}, 0, false
	}
	nextIdx = (idx + 1) % len(eps)
	return eps[nextIdx], nextIdx, nextIdx != idx
}

// MarkSuccess records that endpoint idx is the one to prefer next time.
func MarkSuccess(b *registry.Backend, idx int) {
	b.SetPreferredEndpointIndex(idx)
}
