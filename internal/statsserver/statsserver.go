// Package statsserver implements the introspection HTTP surface (§6A):
// a liveness endpoint, a JSON snapshot of the registry, and the
// Prometheus scrape endpoint.
//
// Grounded on the teacher's StatsServer (src/stats.go in the retrieved
// docker-lb repo), which served /health, /backends and a hand-rolled
// /metrics text encoder. The /healthz and /backends handlers keep that
// shape; /metrics is replaced with promhttp.Handler() so the text
// format and content negotiation come from
// github.com/prometheus/client_golang rather than the teacher's manual
// formatInt64/formatFloat64 helpers (see DESIGN.md).
package statsserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/mikael-vdb/l4lb/internal/registry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type backendView struct {
	Key       string   `json:"key"`
	Endpoints []string `json:"endpoints"`
	Health    string   `json:"health"`
	Source    string   `json:"source"`
	Active    int64    `json:"active"`
	Draining  bool     `json:"draining"`
}

// Server is the introspection HTTP surface. A zero-value Addr disables
// it entirely (§6).
type Server struct {
	Addr string
	Reg  *registry.Registry
	Log  *zap.SugaredLogger

	srv *http.Server
}

// Enabled reports whether stats serving was configured on.
func (s *Server) Enabled() bool { return s.Addr != "" }

// Start binds the stats listener synchronously, so a bind failure is
// reported to the caller (§6 exit code 2) instead of surfacing only as
// a background log line, then serves in a goroutine. It is a no-op if
// Addr is empty.
func (s *Server) Start() error {
	if !s.Enabled() {
		return nil
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/backends", s.handleBackends)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{Handler: mux}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.Log.Warnw("stats server exited", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	snapshot := s.Reg.Snapshot()
	views := make([]backendView, 0, len(snapshot))
	for _, b := range snapshot {
		eps := b.Endpoints()
		strs := make([]string, 0, len(eps))
		for _, ep := range eps {
			strs = append(strs, ep.String())
		}
		views = append(views, backendView{
			Key:       b.Key,
			Endpoints: strs,
			Health:    b.Health().String(),
			Source:    b.Source().String(),
			Active:    b.Active(),
			Draining:  b.Draining(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}
