// Package resolver implements the ring-domain DNS resolver (§4.1): it
// periodically resolves a hostname to its current A/AAAA records,
// groups addresses that share a reverse-DNS hostname into a single
// backend key, and publishes a diff to the registry.
//
// It supersedes the teacher's two parallel, non-grouping implementations
// (src/dnsProbe.go and src/dns_resolver.go in the retrieved docker-lb
// repo) with one that adds the reverse-lookup grouping this
// specification requires; see DESIGN.md for why both teacher files were
// retired rather than kept alongside it.
package resolver

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikael-vdb/l4lb/internal/metrics"
	"github.com/mikael-vdb/l4lb/internal/registry"
	"go.uber.org/zap"
)

// lookupIPAddr and lookupAddr are swappable for tests.
var (
	lookupIPAddr = net.DefaultResolver.LookupIPAddr
	lookupAddr   = net.DefaultResolver.LookupAddr
)

// Resolver periodically resolves Host and republishes a grouped,
// keyed snapshot to a registry.
type Resolver struct {
	Host string
	Port string

	Interval       time.Duration
	ResolveTimeout time.Duration

	log *zap.SugaredLogger
	reg *registry.Registry

	reverseCache sync.Map // ip string -> key string, cached for process lifetime (§4.1)

	failures  atomic.Uint64
	lastGroup map[string][]registry.Endpoint
}

// New creates a resolver that will publish into reg.
func New(host, port string, interval, resolveTimeout time.Duration, reg *registry.Registry, log *zap.SugaredLogger) *Resolver {
	return &Resolver{
		Host:           host,
		Port:           port,
		Interval:       interval,
		ResolveTimeout: resolveTimeout,
		reg:            reg,
		log:            log,
		lastGroup:      make(map[string][]registry.Endpoint),
	}
}

// Failures returns the number of resolution cycles that have failed
// since startup (§4.1 "failure counter exposed for diagnostics").
func (r *Resolver) Failures() uint64 { return r.failures.Load() }

// Run blocks, resolving on Interval until ctx is cancelled. It performs
// one resolution immediately before the first tick.
func (r *Resolver) Run(ctx context.Context) {
	r.tick(ctx)
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Resolver) tick(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, r.ResolveTimeout)
	defer cancel()

	addrs, err := lookupIPAddr(rctx, r.Host)
	if err != nil {
		r.failures.Add(1)
		metrics.ResolverFailuresTotal.Inc()
		r.log.Warnw("ring domain resolution failed, retaining last known set", "host", r.Host, "err", err)
		return
	}

	group := make(map[string][]registry.Endpoint)
	for _, a := range addrs {
		ip := a.IP.String()
		key := r.reverseKey(ctx, ip)
		group[key] = append(group[key], registry.Endpoint{IP: ip, Port: r.Port})
	}

	var removed []string
	for key := range r.lastGroup {
		if _, ok := group[key]; !ok {
			removed = append(removed, key)
		}
	}

	r.lastGroup = group
	r.reg.ApplyResolved(registry.ResolvedDiff{Current: group, Removed: removed})
}

// reverseKey returns the backend key for an address: the reverse-DNS
// hostname if one resolves, else the IP literal (§3 "Backend
// identity"). Results are cached for the process lifetime since the
// IP→host mapping is assumed stable (§4.1).
func (r *Resolver) reverseKey(ctx context.Context, ip string) string {
	if v, ok := r.reverseCache.Load(ip); ok {
		return v.(string)
	}

	rctx, cancel := context.WithTimeout(ctx, r.ResolveTimeout)
	defer cancel()

	names, err := lookupAddr(rctx, ip)
	key := ip
	if err == nil && len(names) > 0 {
		key = strings.ToLower(strings.TrimSuffix(names[0], "."))
	}
	r.reverseCache.Store(ip, key)
	return key
}
