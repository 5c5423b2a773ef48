// Package tcpproxy implements the TCP data plane (§4.4, §4.5): an
// accept loop that selects a backend per connection, dials it with a
// cross-backend retry budget, and shuttles bytes until either side
// closes.
//
// Grounded on the teacher's forward/listenAndForward (src/tcp.go in the
// retrieved docker-lb repo): the two-goroutine io.Copy shuttle, the
// accept-loop-spawns-goroutine-per-conn shape, and the optional PROXY
// protocol v1 header write via github.com/pires/go-proxyproto are kept
// largely as-is. What's added is the §4.4 "re-invoke the selector
// excluding this backend" cross-backend retry budget (the teacher dials
// its one chosen backend exactly once) and per-backend endpoint cycling
// via internal/selector's ChooseEndpoint/NextEndpoint, plus
// github.com/google/uuid flow correlation IDs and Prometheus/zap in
// place of the teacher's slog+hand-rolled counters.
package tcpproxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mikael-vdb/l4lb/internal/metrics"
	"github.com/mikael-vdb/l4lb/internal/registry"
	"github.com/mikael-vdb/l4lb/internal/selector"
	"github.com/pires/go-proxyproto"
	"go.uber.org/zap"
)

// Config holds the data-plane tunables (§5, §6).
type Config struct {
	ConnectTimeout time.Duration
	BackendRetries int // cross-backend retry budget (§4.4, default 2)
	ProxyProtocol  bool
}

// Proxy forwards TCP connections accepted on a listener to backends
// chosen from a registry via a selection policy.
type Proxy struct {
	Reg *registry.Registry
	Sel selector.Selector
	Cfg Config
	Log *zap.SugaredLogger

	wg sync.WaitGroup
}

// Serve accepts connections on ln until ctx is cancelled or Accept
// fails. Running out of file descriptors is not fatal: the loop backs
// off for 100 ms, logs once, and retries. Serve blocks until every
// in-flight connection it spawned has returned, so callers can use it
// for graceful shutdown.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	const acceptBackoff = 100 * time.Millisecond

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				p.wg.Wait()
				return nil
			}
			if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
				p.Log.Warnw("accept failed, backing off", "err", err, "backoff", acceptBackoff)
				time.Sleep(acceptBackoff)
				continue
			}
			p.wg.Wait()
			return err
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handle(ctx, conn)
		}()
	}
}

// Wait blocks until all accepted connections have finished forwarding.
func (p *Proxy) Wait() { p.wg.Wait() }

func (p *Proxy) handle(ctx context.Context, local net.Conn) {
	defer local.Close()

	flowID := uuid.NewString()
	tried := make(map[string]bool)

	var remote net.Conn
	var backend *registry.Backend

	maxAttempts := p.Cfg.BackendRetries + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidates := excluding(p.Reg.Snapshot(), tried)
		b, err := p.Sel.Select(candidates)
		if err != nil {
			p.Log.Debugw("no backend available for flow", "flow", flowID, "from", local.RemoteAddr())
			return
		}
		tried[b.Key] = true

		conn, epIdx, ok := p.dialBackend(ctx, b)
		if ok {
			remote = conn
			backend = b
			selector.MarkSuccess(b, epIdx)
			break
		}
	}
	if remote == nil {
		p.Log.Warnw("all backends unreachable for flow", "flow", flowID, "from", local.RemoteAddr())
		return
	}
	defer remote.Close()

	p.Reg.NoteSelection(backend.Key)
	defer p.Reg.NoteRelease(backend.Key)
	metrics.BackendConnectionsTotal.WithLabelValues(backend.Key).Inc()
	metrics.BackendActiveConnections.WithLabelValues(backend.Key).Inc()
	defer metrics.BackendActiveConnections.WithLabelValues(backend.Key).Dec()

	if p.Cfg.ProxyProtocol {
		header := &proxyproto.Header{
			Version:           1,
			Command:           proxyproto.PROXY,
			TransportProtocol: proxyproto.TCPv4,
			SourceAddr:        local.RemoteAddr(),
			DestinationAddr:   local.LocalAddr(),
		}
		if _, err := header.WriteTo(remote); err != nil {
			p.Log.Warnw("proxy protocol header write failed", "flow", flowID, "backend", backend.Key, "err", err)
			return
		}
	}

	p.Log.Infow("flow start", "flow", flowID, "from", local.RemoteAddr(), "backend", backend.Key, "policy", p.Sel.Name())
	start := time.Now()
	sent, received := p.shuttle(local, remote)
	metrics.BackendBytesTotal.WithLabelValues(backend.Key, "sent").Add(float64(sent))
	metrics.BackendBytesTotal.WithLabelValues(backend.Key, "received").Add(float64(received))
	p.Log.Infow("flow end", "flow", flowID, "backend", backend.Key, "sent", sent, "received", received, "duration", time.Since(start))
}

// shuttle copies bytes in both directions concurrently; when one
// direction hits EOF it half-closes the write side of the peer it was
// writing to, so the other direction can drain before the connection is
// torn down. sent counts bytes written to the backend, received bytes
// read from it.
func (p *Proxy) shuttle(local, remote net.Conn) (sent, received int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		sent, _ = io.Copy(remote, local)
		closeWrite(remote)
	}()
	go func() {
		defer wg.Done()
		received, _ = io.Copy(local, remote)
		closeWrite(local)
	}()
	wg.Wait()
	return sent, received
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}

// dialBackend tries a backend's endpoints starting from its preferred
// one, cycling through every endpoint it currently has before giving up
// (§4.4 "Endpoint choice within a backend").
func (p *Proxy) dialBackend(ctx context.Context, b *registry.Backend) (net.Conn, int, bool) {
	ep, idx, ok := selector.ChooseEndpoint(b)
	if !ok {
		return nil, 0, false
	}
	first := idx
	for {
		dctx, cancel := context.WithTimeout(ctx, p.Cfg.ConnectTimeout)
		conn, err := (&net.Dialer{}).DialContext(dctx, "tcp", ep.String())
		cancel()
		if err == nil {
			return conn, idx, true
		}

		var nidx int
		ep, nidx, ok = selector.NextEndpoint(b, idx)
		if !ok || nidx == first {
			return nil, 0, false
		}
		idx = nidx
	}
}

func excluding(snapshot []*registry.Backend, tried map[string]bool) []*registry.Backend {
	if len(tried) == 0 {
		return snapshot
	}
	out := make([]*registry.Backend, 0, len(snapshot))
	for _, b := range snapshot {
		if !tried[b.Key] {
			out = append(out, b)
		}
	}
	return out
}

var errNoListener = errors.New("tcpproxy: listener required")

// Listen binds a TCP listener on addr (§6).
func Listen(addr string) (net.Listener, error) {
	if addr == "" {
		return nil, errNoListener
	}
	return net.Listen("tcp", addr)
}
