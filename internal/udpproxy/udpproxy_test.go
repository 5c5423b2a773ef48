package udpproxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/mikael-vdb/l4lb/internal/health"
	"github.com/mikael-vdb/l4lb/internal/registry"
	"github.com/mikael-vdb/l4lb/internal/selector"
	"go.uber.org/zap"
)

// startEchoUDP returns the address of a UDP socket that echoes each
// datagram back to its sender.
func startEchoUDP(t *testing.T) string {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 4096)
		for {
			n, client, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], client)
		}
	}()
	return conn.LocalAddr().String()
}

func TestUDPProxyForwardsAndEchoes(t *testing.T) {
	backendAddr := startEchoUDP(t)
	host, port, _ := net.SplitHostPort(backendAddr)

	reg := registry.New(1, 1)
	reg.ApplyStatic([]registry.Endpoint{{IP: host, Port: port}})
	for _, b := range reg.Snapshot() {
		reg.UpdateHealth(b.Key, true)
	}
	sel, _ := selector.New("round-robin")

	frontAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	frontConn, err := net.ListenUDP("udp", frontAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer frontConn.Close()

	proxy := New(frontConn, reg, sel, nil, Config{IdleTimeout: time.Minute, SweepPeriod: time.Second}, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proxy.Serve(ctx)

	client, err := net.Dial("udp", frontConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "ping" {
		t.Errorf("expected echoed payload %q, got %q", "ping", got)
	}
}

func TestUDPSweepReapsIdleSessions(t *testing.T) {
	backendAddr := startEchoUDP(t)
	host, port, _ := net.SplitHostPort(backendAddr)

	reg := registry.New(1, 1)
	reg.ApplyStatic([]registry.Endpoint{{IP: host, Port: port}})
	for _, b := range reg.Snapshot() {
		reg.UpdateHealth(b.Key, true)
	}
	sel, _ := selector.New("round-robin")

	frontAddr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	frontConn, err := net.ListenUDP("udp", frontAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer frontConn.Close()

	proxy := New(frontConn, reg, sel, nil, Config{IdleTimeout: 50 * time.Millisecond, SweepPeriod: 20 * time.Millisecond}, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proxy.Serve(ctx)

	client, err := net.Dial("udp", frontConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	client.Write([]byte("hi"))
	time.Sleep(200 * time.Millisecond)

	found := false
	for _, sh := range proxy.shards {
		sh.mu.Lock()
		if len(sh.sessions) > 0 {
			found = true
		}
		sh.mu.Unlock()
	}
	if found {
		t.Error("expected idle session to have been swept")
	}
}

// TestUDPProxyUsesRealHealthMonitor exercises the actual health→selection→
// forward path for UDP: a backend starts Unknown, the monitor (in UDP mode,
// ActiveProbe false) seeds it healthy with no dial of its own, the proxy
// (wired to the monitor as its HealthReporter) forwards through it, and a
// single forward-path failure reported through the monitor's ReportForward
// (unhealthyAfter=1) flips it out of rotation. None of this calls
// reg.UpdateHealth directly — if the monitor's seeding regressed, this test
// would see an unselectable backend instead of passing. The failure is
// reported by the test itself, not by the proxy's send path.
func TestUDPProxyUsesRealHealthMonitor(t *testing.T) {
	backendAddr := startEchoUDP(t)
	host, port, _ := net.SplitHostPort(backendAddr)

	reg := registry.New(1, 1)
	reg.ApplyStatic([]registry.Endpoint{{IP: host, Port: port}})
	key := net.JoinHostPort(host, port)

	if got := reg.Get(key).Health(); got != registry.Unknown {
		t.Fatalf("expected freshly registered backend to start Unknown, got %v", got)
	}

	monitor := health.New(reg, health.Config{Interval: time.Hour, Timeout: time.Second, ActiveProbe: false}, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	monitor.Start(ctx)
	defer monitor.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for reg.Get(key).Health() != registry.Healthy && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := reg.Get(key).Health(); got != registry.Healthy {
		t.Fatalf("expected monitor to seed backend healthy without an active probe, got %v", got)
	}

	sel, _ := selector.New("round-robin")
	frontAddr, _ := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	frontConn, err := net.ListenUDP("udp", frontAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer frontConn.Close()

	proxy := New(frontConn, reg, sel, monitor, Config{IdleTimeout: time.Minute, SweepPeriod: time.Second}, zap.NewNop().Sugar())
	go proxy.Serve(ctx)

	client, err := net.Dial("udp", frontConn.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "ping" {
		t.Errorf("expected echoed payload %q, got %q", "ping", got)
	}

	monitor.ReportForward(key, false)
	if got := reg.Get(key).Health(); got != registry.Unhealthy {
		t.Fatalf("expected forward-path failure reported through the real monitor to flip backend unhealthy, got %v", got)
	}
	if _, err := sel.Select(reg.Snapshot()); err == nil {
		t.Fatal("expected selector to reject an unhealthy backend")
	}
}
