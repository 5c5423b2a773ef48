package health

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mikael-vdb/l4lb/internal/registry"
	"go.uber.org/zap"
)

type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func withFakeDial(t *testing.T, fn func(ctx context.Context, network, addr string) (net.Conn, error)) {
	t.Helper()
	orig := dial
	dial = fn
	t.Cleanup(func() { dial = orig })
}

func TestProbeOnceReportsSuccess(t *testing.T) {
	withFakeDial(t, func(ctx context.Context, network, addr string) (net.Conn, error) {
		return fakeConn{}, nil
	})

	reg := registry.New(1, 1)
	reg.ApplyStatic([]registry.Endpoint{{IP: "10.0.0.1", Port: "9000"}})
	m := New(reg, Config{Interval: time.Second, Timeout: time.Second}, zap.NewNop().Sugar())

	m.probeOnce(context.Background(), "10.0.0.1:9000")

	b := reg.Get("10.0.0.1:9000")
	if b.Health() != registry.Healthy {
		t.Fatalf("one success with healthyAfter=1 should already flip to healthy, got %v", b.Health())
	}
	m.probeOnce(context.Background(), "10.0.0.1:9000")
	if b.Health() != registry.Healthy {
		t.Fatalf("expected to stay healthy after second successful probe, got %v", b.Health())
	}
}

func TestProbeOnceReportsFailureOnDialError(t *testing.T) {
	withFakeDial(t, func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})

	reg := registry.New(1, 1)
	reg.ApplyStatic([]registry.Endpoint{{IP: "10.0.0.1", Port: "9000"}})
	m := New(reg, Config{Interval: time.Second, Timeout: time.Second}, zap.NewNop().Sugar())

	m.probeOnce(context.Background(), "10.0.0.1:9000")
	b := reg.Get("10.0.0.1:9000")
	if b.Health() != registry.Unhealthy {
		t.Fatalf("expected unhealthy after failed probe (unhealthyAfter=1), got %v", b.Health())
	}
}

func TestProbeOnceDialsBackendEndpoint(t *testing.T) {
	var attempted []string
	withFakeDial(t, func(ctx context.Context, network, addr string) (net.Conn, error) {
		attempted = append(attempted, addr)
		return nil, errors.New("refused")
	})

	reg := registry.New(1, 1)
	reg.ApplyResolved(registry.ResolvedDiff{Current: map[string][]registry.Endpoint{
		"node-a.internal": {{IP: "10.0.0.1", Port: "9000"}},
	}})
	m := New(reg, Config{Interval: time.Second, Timeout: time.Second}, zap.NewNop().Sugar())
	m.probeOnce(context.Background(), "node-a.internal")

	if len(attempted) != 1 || attempted[0] != "10.0.0.1:9000" {
		t.Errorf("expected a probe attempt against the backend's endpoint, got %v", attempted)
	}
}

func TestStartStopIsClean(t *testing.T) {
	var calls atomic.Int64
	withFakeDial(t, func(ctx context.Context, network, addr string) (net.Conn, error) {
		calls.Add(1)
		return fakeConn{}, nil
	})

	reg := registry.New(1, 1)
	reg.ApplyStatic([]registry.Endpoint{{IP: "10.0.0.1", Port: "9000"}})
	m := New(reg, Config{Interval: 10 * time.Millisecond, Timeout: time.Second}, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	m.Stop()

	if calls.Load() == 0 {
		t.Error("expected at least one probe to have run before shutdown")
	}
}
