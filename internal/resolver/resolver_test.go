package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mikael-vdb/l4lb/internal/registry"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func withFakeLookups(t *testing.T, ipAddr func(ctx context.Context, host string) ([]net.IPAddr, error), addr func(ctx context.Context, addr string) ([]string, error)) {
	t.Helper()
	origIP, origAddr := lookupIPAddr, lookupAddr
	lookupIPAddr, lookupAddr = ipAddr, addr
	t.Cleanup(func() { lookupIPAddr, lookupAddr = origIP, origAddr })
}

func TestTickGroupsByReverseHostname(t *testing.T) {
	withFakeLookups(t,
		func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return []net.IPAddr{{IP: net.ParseIP("10.0.0.1")}, {IP: net.ParseIP("10.0.0.2")}}, nil
		},
		func(ctx context.Context, addr string) ([]string, error) {
			// Both addresses are members of the same ring node.
			return []string{"node-a.internal."}, nil
		},
	)

	reg := registry.New(1, 1)
	r := New("ring.example.com", "9000", time.Second, time.Second, reg, testLogger())
	r.tick(context.Background())

	snap := reg.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one grouped backend, got %d", len(snap))
	}
	if got := len(snap[0].Endpoints()); got != 2 {
		t.Errorf("expected both addresses grouped under node-a.internal, got %d endpoints", got)
	}
}

func TestTickFallsBackToIPLiteralWithoutReverseRecord(t *testing.T) {
	withFakeLookups(t,
		func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return []net.IPAddr{{IP: net.ParseIP("10.0.0.1")}}, nil
		},
		func(ctx context.Context, addr string) ([]string, error) {
			return nil, &net.DNSError{Err: "no such host", IsNotFound: true}
		},
	)

	reg := registry.New(1, 1)
	r := New("ring.example.com", "9000", time.Second, time.Second, reg, testLogger())
	r.tick(context.Background())

	if b := reg.Get("10.0.0.1"); b == nil {
		t.Fatal("expected IP literal to be used as the backend key when reverse lookup fails")
	}
}

func TestTickRetainsLastSetOnResolutionFailure(t *testing.T) {
	calls := 0
	withFakeLookups(t,
		func(ctx context.Context, host string) ([]net.IPAddr, error) {
			calls++
			if calls == 1 {
				return []net.IPAddr{{IP: net.ParseIP("10.0.0.1")}}, nil
			}
			return nil, &net.DNSError{Err: "timeout", IsTimeout: true}
		},
		func(ctx context.Context, addr string) ([]string, error) {
			return nil, &net.DNSError{Err: "no such host", IsNotFound: true}
		},
	)

	reg := registry.New(1, 1)
	r := New("ring.example.com", "9000", time.Second, time.Second, reg, testLogger())
	r.tick(context.Background())
	r.tick(context.Background())

	if b := reg.Get("10.0.0.1"); b == nil {
		t.Fatal("expected previously resolved backend to survive a failed resolution cycle")
	}
	if got := r.Failures(); got != 1 {
		t.Errorf("expected failures counter to be 1, got %d", got)
	}
}

func TestReverseLookupIsCachedForProcessLifetime(t *testing.T) {
	calls := 0
	withFakeLookups(t,
		func(ctx context.Context, host string) ([]net.IPAddr, error) {
			return []net.IPAddr{{IP: net.ParseIP("10.0.0.1")}}, nil
		},
		func(ctx context.Context, addr string) ([]string, error) {
			calls++
			return []string{"node-a.internal."}, nil
		},
	)

	reg := registry.New(1, 1)
	r := New("ring.example.com", "9000", time.Second, time.Second, reg, testLogger())
	r.tick(context.Background())
	r.tick(context.Background())

	if calls != 1 {
		t.Errorf("expected reverse lookup to be cached across ticks, got %d calls", calls)
	}
}
