package geo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts geocoding requests by outcome.
type Metrics struct {
	Geocodes *prometheus.CounterVec
}

// NewMetrics registers the geo metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		Geocodes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "complaints_geocode_requests_total",
			Help: "Reverse geocoding requests by outcome (ok, error)",
		}, []string{"result"}),
	}
}

func (m *Metrics) geocode(result string) {
	if m == nil {
		return
	}
	m.Geocodes.WithLabelValues(result).Inc()
}
