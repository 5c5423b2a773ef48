// Command l4lb is the process entrypoint (§6, §2 C10): it parses the CLI,
// wires a registry, an optional resolver, a health monitor, a selection
// policy, the chosen data plane, and the stats surface, then runs until
// signalled.
//
// The overall wiring shape — parse args, build components, run until
// SIGINT/SIGTERM, shut down with a grace period — follows the teacher's
// smain/main (src/main.go in the retrieved docker-lb repo); the
// component graph itself is new since this specification's registry,
// resolver and health monitor have no single-file equivalent in the
// teacher (it wires one BackendPool directly to its DNS probe).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mikael-vdb/l4lb/internal/config"
	"github.com/mikael-vdb/l4lb/internal/health"
	"github.com/mikael-vdb/l4lb/internal/logging"
	"github.com/mikael-vdb/l4lb/internal/registry"
	"github.com/mikael-vdb/l4lb/internal/resolver"
	"github.com/mikael-vdb/l4lb/internal/selector"
	"github.com/mikael-vdb/l4lb/internal/statsserver"
	"github.com/mikael-vdb/l4lb/internal/tcpproxy"
	"github.com/mikael-vdb/l4lb/internal/udpproxy"
	"go.uber.org/zap"
)

// Exit codes (§6): 0 normal, 1 configuration error, 2 bind failure, 3
// internal fatal error.
const (
	exitOK        = 0
	exitConfigErr = 1
	exitBindErr   = 2
	exitFatal     = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) (code int) {
	defer func() {
		if r := recover(); r != nil {
			logging.L().Errorw("internal fatal error", "panic", r)
			code = exitFatal
		}
	}()

	if len(args) == 0 {
		args = argsFromEnv()
	}

	cfg, action, err := config.Parse(args)
	switch action {
	case config.ActionHelp:
		fmt.Print(config.Usage())
		return exitOK
	case config.ActionHealthCheck:
		return healthCheck()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "l4lb:", err)
		fmt.Fprint(os.Stderr, config.Usage())
		return exitConfigErr
	}

	log := logging.Init(cfg.Verbose)
	defer log.Sync() //nolint:errcheck

	reg := registry.New(cfg.HealthyAfter, cfg.UnhealthyAfter)
	if len(cfg.StaticBackends) > 0 {
		eps := make([]registry.Endpoint, 0, len(cfg.StaticBackends))
		for _, e := range cfg.StaticBackends {
			eps = append(eps, registry.Endpoint{IP: e.Host, Port: e.Port})
		}
		reg.ApplyStatic(eps)
	}

	sel, err := selector.New(string(cfg.Mode))
	if err != nil {
		log.Errorw("selector construction failed", "err", err)
		return exitConfigErr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RingDomainHost != "" {
		res := resolver.New(cfg.RingDomainHost, cfg.RingDomainPort, cfg.ResolveInterval, cfg.ProbeTimeout, reg, log)
		go res.Run(ctx)
	}

	// ActiveProbe selects the §4.3 health strategy: TCP dials each
	// backend directly; UDP has no handshake to dial, so the monitor
	// seeds backends healthy and relies on the data plane's own
	// ReportForward calls instead.
	monitor := health.New(reg, health.Config{
		Interval:    cfg.ProbeInterval,
		Timeout:     cfg.ProbeTimeout,
		ActiveProbe: cfg.Proto == config.ProtoTCP,
	}, log)
	monitor.Start(ctx)
	defer monitor.Stop()

	stats := &statsserver.Server{Addr: cfg.StatsAddr, Reg: reg, Log: log}
	if err := stats.Start(); err != nil {
		log.Errorw("stats server failed to start", "err", err)
		return exitBindErr
	}

	bindAddr := net.JoinHostPort(cfg.BindHost, cfg.BindPort)

	var serveDone <-chan struct{}
	var serveErr error
	switch cfg.Proto {
	case config.ProtoTCP:
		serveDone, serveErr = runTCP(ctx, cfg, bindAddr, reg, sel, log)
	case config.ProtoUDP:
		serveDone, serveErr = runUDP(ctx, cfg, bindAddr, reg, sel, monitor, log)
	}
	if serveErr != nil {
		log.Errorw("bind failed", "addr", bindAddr, "err", serveErr)
		return exitBindErr
	}

	waitForSignal(log)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	select {
	case <-serveDone:
	case <-shutdownCtx.Done():
		log.Warnw("shutdown grace period elapsed with flows still in flight", "grace", cfg.ShutdownGrace)
	}
	stats.Shutdown(shutdownCtx) //nolint:errcheck

	return exitOK
}

// runTCP starts the TCP data plane and returns a channel closed once its
// Serve loop (and every connection it spawned) has returned, so callers
// can bound the §5 shutdown grace period on the data plane itself rather
// than just the stats server.
func runTCP(ctx context.Context, cfg *config.Config, bindAddr string, reg *registry.Registry, sel selector.Selector, log *zap.SugaredLogger) (<-chan struct{}, error) {
	ln, err := tcpproxy.Listen(bindAddr)
	if err != nil {
		return nil, err
	}
	proxy := &tcpproxy.Proxy{
		Reg: reg,
		Sel: sel,
		Cfg: tcpproxy.Config{
			ConnectTimeout: cfg.ConnectTimeout,
			BackendRetries: cfg.EndpointRetries,
			ProxyProtocol:  cfg.ProxyProtocol,
		},
		Log: log,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := proxy.Serve(ctx, ln); err != nil {
			log.Errorw("tcp proxy exited", "err", err)
		}
	}()
	log.Infow("listening", "addr", bindAddr, "proto", "tcp", "mode", sel.Name())
	return done, nil
}

func runUDP(ctx context.Context, cfg *config.Config, bindAddr string, reg *registry.Registry, sel selector.Selector, health udpproxy.HealthReporter, log *zap.SugaredLogger) (<-chan struct{}, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	proxy := udpproxy.New(conn, reg, sel, health, udpproxy.Config{
		IdleTimeout: cfg.UDPIdleTimeout,
		SweepPeriod: cfg.UDPSweepPeriod,
	}, log)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := proxy.Serve(ctx); err != nil {
			log.Errorw("udp proxy exited", "err", err)
		}
	}()
	log.Infow("listening", "addr", bindAddr, "proto", "udp", "mode", sel.Name())
	return done, nil
}

// argsFromEnv translates the container-entrypoint environment variables
// (§6 "Environment-variable entrypoint") into the positional/key=value CLI
// grammar config.Parse understands. It only runs when main was invoked
// with no arguments at all, so an explicit CLI invocation is never
// shadowed by stale environment variables.
func argsFromEnv() []string {
	var out []string
	if v := os.Getenv("BIND_ADDR"); v != "" {
		out = append(out, v)
	}
	if v := os.Getenv("BACKENDS"); v != "" {
		out = append(out, "backends="+v)
	}
	if v := os.Getenv("MODE"); v != "" {
		out = append(out, "mode="+v)
	}
	if v := os.Getenv("PROTO"); v != "" {
		out = append(out, "proto="+v)
	}
	if v := os.Getenv("RING_DOMAIN"); v != "" {
		out = append(out, "ring_domain="+v)
	}
	return out
}

func waitForSignal(log *zap.SugaredLogger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigCh
	log.Infow("shutting down", "signal", s.String())
}

// healthCheck implements --health-check-uds (§6): a lightweight
// self-check suitable for container liveness probes, exiting 0 if the
// local stats surface answers, 1 otherwise.
func healthCheck() int {
	conn, err := net.DialTimeout("tcp", "127.0.0.1:8080", 2*time.Second)
	if err != nil {
		return exitConfigErr
	}
	conn.Close()
	return exitOK
}
