package jurisdiction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lookup outcomes recorded by the resolver.
const (
	resultHit     = "hit"
	resultFetched = "fetched"
	resultAbsent  = "absent"
	resultError   = "error"
)

// Metrics tracks authority lookups and background refreshes.
type Metrics struct {
	Lookups   *prometheus.CounterVec
	Refreshed *prometheus.CounterVec
}

// NewMetrics registers the jurisdiction metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Lookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "complaints_authority_lookups_total",
			Help: "Authority resolutions by outcome (hit, fetched, absent, error)",
		}, []string{"result"}),
		Refreshed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "complaints_authority_refreshes_total",
			Help: "Background authority refreshes by outcome",
		}, []string{"result"}),
	}
}

func (m *Metrics) lookup(result string) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(result).Inc()
}

func (m *Metrics) refresh(result string) {
	if m == nil {
		return
	}
	m.Refreshed.WithLabelValues(result).Inc()
}
