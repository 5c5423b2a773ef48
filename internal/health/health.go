// Package health implements health checking for registered backends
// (§4.3). In TCP mode it runs an active background probe loop per
// backend, cycling through its endpoints, applying N/M hysteresis via
// the registry, and jittering the probe interval so a large fleet
// doesn't all probe in lockstep. UDP has no true liveness probe (§4.3):
// a backend is seeded healthy the moment it is registered, and the
// monitor instead exposes ReportForward so the UDP data plane can feed
// forward-path success/failure into the same N/M hysteresis.
//
// The lifecycle shape (context.CancelFunc + sync.WaitGroup, an
// immediate check before the first tick, Start/Stop) is grounded on
// other_examples' Flux internal/health Monitor. The probe itself — a
// raw TCP dial rather than an HTTP GET — is grounded on the teacher's
// forward() dial call (src/tcp.go in the retrieved docker-lb repo),
// since this specification's probe is a plain connect/close (§4.3),
// not an HTTP healthcheck. The jittered interval uses
// github.com/cenkalti/backoff/v5's ExponentialBackOff with Multiplier
// 1.0 (so it never actually grows) purely for its RandomizationFactor
// jitter, the same dependency carried in stacklok-toolhive's go.mod.
package health

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mikael-vdb/l4lb/internal/metrics"
	"github.com/mikael-vdb/l4lb/internal/registry"
	"go.uber.org/zap"
)

// dial is swappable for tests.
var dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{}
	return d.DialContext(ctx, network, addr)
}

// Config holds the probe parameters (§5, §6).
type Config struct {
	Interval time.Duration // nominal period, jittered ±RandomizationFactor
	Timeout  time.Duration

	// ActiveProbe selects the §4.3 probing strategy: true dials each
	// backend on its own jittered interval (TCP); false seeds every
	// backend healthy on registration and relies entirely on
	// ReportForward for forward-path feedback (UDP, which has no
	// connection handshake to probe).
	ActiveProbe bool
}

// Monitor tracks every backend currently in a registry: with ActiveProbe
// it dials each one on its own loop, otherwise it seeds each one healthy
// once and relies on ReportForward.
type Monitor struct {
	cfg Config
	reg *registry.Registry
	log *zap.SugaredLogger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor but does not start it.
func New(reg *registry.Registry, cfg Config, log *zap.SugaredLogger) *Monitor {
	return &Monitor{cfg: cfg, reg: reg, log: log}
}

// Start begins one background probe loop per currently-known backend key,
// and a reconciler that starts/stops loops as backends are added or
// removed from the registry.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reconcileLoop(ctx)
	}()
}

// Stop cancels every probe loop and waits for them to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// reconcileLoop watches the registry snapshot for backends that aren't
// yet accounted for. In TCP (ActiveProbe) mode each new backend gets its
// own dial-probe goroutine, cancelled once the backend disappears from
// the registry. In UDP mode there is nothing to dial (§4.3), so a new
// backend is simply seeded healthy once and left to ReportForward.
func (m *Monitor) reconcileLoop(ctx context.Context) {
	watched := make(map[string]context.CancelFunc)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	reconcile := func() {
		present := make(map[string]bool)
		for _, b := range m.reg.Snapshot() {
			present[b.Key] = true
			if _, ok := watched[b.Key]; ok {
				continue
			}
			if !m.cfg.ActiveProbe {
				watched[b.Key] = nil
				m.reg.SeedHealthy(b.Key)
				continue
			}
			bctx, bcancel := context.WithCancel(ctx)
			watched[b.Key] = bcancel
			m.wg.Add(1)
			go func(key string) {
				defer m.wg.Done()
				m.probeLoop(bctx, key)
			}(b.Key)
		}
		for key, cancel := range watched {
			if present[key] {
				continue
			}
			if cancel != nil {
				cancel()
			}
			delete(watched, key)
		}
	}

	reconcile()
	for {
		select {
		case <-ctx.Done():
			for _, cancel := range watched {
				if cancel != nil {
					cancel()
				}
			}
			return
		case <-ticker.C:
			reconcile()
		}
	}
}

// probeLoop runs the jittered probe cycle for a single backend key until
// ctx is cancelled.
func (m *Monitor) probeLoop(ctx context.Context, key string) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.Interval
	bo.MaxInterval = m.cfg.Interval
	bo.Multiplier = 1.0
	bo.RandomizationFactor = 0.2

	m.probeOnce(ctx, key)
	for {
		result := bo.NextBackOff()
		if result == backoff.Stop {
			return
		}
		timer := time.NewTimer(result)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.probeOnce(ctx, key)
		}
	}
}

// probeOnce dials the backend's preferred endpoint once and reports the
// outcome to the registry (§4.3). On failure it moves the preference to
// the next endpoint, so successive probes cycle through the endpoints.
func (m *Monitor) probeOnce(ctx context.Context, key string) {
	b := m.reg.Get(key)
	if b == nil {
		return
	}
	eps := b.Endpoints()
	if len(eps) == 0 {
		m.report(key, false)
		return
	}
	idx := b.PreferredEndpointIndex()
	if idx < 0 || idx >= len(eps) {
		idx = 0
	}
	ep := eps[idx]

	dctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	conn, err := dial(dctx, "tcp", ep.String())
	if err != nil {
		b.SetPreferredEndpointIndex((idx + 1) % len(eps))
		m.report(key, false)
		return
	}
	conn.Close()
	b.SetPreferredEndpointIndex(idx)
	m.report(key, true)
}

// report applies a probe outcome to the registry and logs/counts exactly
// once per transition (§4.3, §6A).
func (m *Monitor) report(key string, ok bool) {
	m.ReportForward(key, ok)
}

// ReportForward applies a single forward-path outcome to the registry's
// N/M hysteresis and logs/counts exactly once per transition (§4.3,
// §6A). It is the active TCP probe's own reporting path, and is also
// the entry point the UDP data plane calls directly, since UDP has no
// probe of its own to report from (§4.3 "only reacts to forward-path
// feedback from C7").
func (m *Monitor) ReportForward(key string, ok bool) {
	newHealth, transitioned := m.reg.UpdateHealth(key, ok)
	if !transitioned {
		return
	}
	metrics.HealthTransitionsTotal.WithLabelValues(key, newHealth.String()).Inc()
	if newHealth == registry.Healthy {
		m.log.Infow("backend became healthy", "key", key)
	} else {
		m.log.Warnw("backend became unhealthy", "key", key)
	}
}
