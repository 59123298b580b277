// Package metrics registers the Prometheus counters and gauges the core
// exposes. The health endpoint does not read them: it takes its query and
// session counts from the dispatcher and the session manager. Grounded on nabbar-golib's metrics
// registration pattern (a package-level registry wired into an HTTP
// handler at startup) using github.com/prometheus/client_golang.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the core updates, constructed once at
// startup and threaded to handlers and workers by borrow (spec §9 "Global
// mutable state" design note, applied here too: no package-level
// singletons).
type Registry struct {
	QueriesTotal         prometheus.Counter
	ActiveSessions       prometheus.Gauge
	QueueDropsTotal      prometheus.Counter
	RateLimitDeniedTotal prometheus.Counter
	CSRFReplaysTotal     prometheus.Counter
	// StreamsTotal is registered but no code path increments it.
	StreamsTotal prometheus.Counter

	reg *prometheus.Registry
}

// New constructs a Registry backed by a fresh, isolated Prometheus
// registry (not the global DefaultRegisterer, so multiple Registries can
// coexist in tests without collector-already-registered panics).
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		QueriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dawn",
			Subsystem: "webui",
			Name:      "queries_total",
			Help:      "Total number of user queries processed.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dawn",
			Subsystem: "webui",
			Name:      "active_sessions",
			Help:      "Current number of live sessions.",
		}),
		QueueDropsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dawn",
			Subsystem: "webui",
			Name:      "queue_drops_total",
			Help:      "Total number of response envelopes dropped due to queue overflow.",
		}),
		RateLimitDeniedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dawn",
			Subsystem: "webui",
			Name:      "rate_limit_denied_total",
			Help:      "Total number of requests denied by the rate limiter.",
		}),
		CSRFReplaysTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dawn",
			Subsystem: "webui",
			Name:      "csrf_replays_total",
			Help:      "Total number of rejected CSRF token replays.",
		}),
		StreamsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dawn",
			Subsystem: "webui",
			Name:      "streams_total",
			Help:      "Total number of LLM response streams started.",
		}),
		reg: reg,
	}
}

// Gatherer exposes the underlying Prometheus registry for wiring into
// promhttp.HandlerFor by the server setup code.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
