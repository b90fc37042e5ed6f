package loader

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the ambient observability surface for a Loader. Carried
// even though the spec's surrounding-features table puts "logging/CLI"
// out of scope for the compute dispatcher et al.: that exclusion is
// about the collaborators around the loader, not the loader's own
// ambient concerns.
type Metrics struct {
	PendingEntries   *prometheus.GaugeVec
	InflightRequests *prometheus.GaugeVec
	AvailablePermits *prometheus.GaugeVec
	RemapsTotal      prometheus.Counter
	FlushSeconds     prometheus.Histogram
}

// NewMetrics registers and returns a Metrics set under reg. Passing a
// fresh prometheus.NewRegistry() keeps repeated test construction from
// colliding with the default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PendingEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loader",
			Name:      "pending_entries",
			Help:      "Entries buffered per destination node, not yet submitted.",
		}, []string{"cache", "node"}),
		InflightRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loader",
			Name:      "inflight_requests",
			Help:      "Outstanding submitted batches per destination node.",
		}, []string{"cache", "node"}),
		AvailablePermits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loader",
			Name:      "available_permits",
			Help:      "Free parallelism permits per destination node.",
		}, []string{"cache", "node"}),
		RemapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "loader",
			Name:      "remaps_total",
			Help:      "Total load0 re-entries triggered by node-left/failed batches.",
		}),
		FlushSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loader",
			Name:      "flush_seconds",
			Help:      "Latency of explicit flush() calls.",
		}),
	}
	reg.MustRegister(m.PendingEntries, m.InflightRequests, m.AvailablePermits, m.RemapsTotal, m.FlushSeconds)
	return m
}
