// Package metrics registers the Prometheus collectors every other
// package in this module updates directly (§6A). The shape follows the
// corpus convention of package-level promauto vars updated from call
// sites (github.com/vinit-chauhan/load-balancer's internal/metrics.go),
// generalized from HTTP request metrics to the L4 forwarding counters
// this proxy needs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BackendActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "l4lb_backend_active_connections",
			Help: "Current forwards (TCP connections or UDP sessions) open to a backend.",
		},
		[]string{"key"},
	)

	BackendConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l4lb_backend_connections_total",
			Help: "Cumulative forwards accepted for a backend.",
		},
		[]string{"key"},
	)

	BackendBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l4lb_backend_bytes_total",
			Help: "Cumulative bytes shuttled to/from a backend.",
		},
		[]string{"key", "direction"},
	)

	HealthTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l4lb_health_transitions_total",
			Help: "Backend health state transitions.",
		},
		[]string{"key", "state"},
	)

	ResolverFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "l4lb_resolver_failures_total",
			Help: "Ring-domain DNS resolution cycles that failed.",
		},
	)

	SelectorNoBackendTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "l4lb_selector_no_backend_total",
			Help: "Selections that found no healthy backend.",
		},
	)

	UDPSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "l4lb_udp_sessions",
			Help: "Current UDP client session table size.",
		},
	)
)
