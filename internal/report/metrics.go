package report

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Submission outcomes.
const (
	submitSent           = "sent"
	submitRejected       = "rejected"
	submitDispatchFailed = "dispatch_failed"
)

// Metrics counts submissions and created reports.
type Metrics struct {
	Submissions    *prometheus.CounterVec
	ReportsCreated prometheus.Counter
}

// NewMetrics registers the report metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "complaints_submissions_total",
			Help: "Submission attempts by outcome (sent, rejected, dispatch_failed)",
		}, []string{"result"}),
		ReportsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "complaints_reports_created_total",
			Help: "Total number of draft reports created",
		}),
	}
}

func (m *Metrics) submission(result string) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(result).Inc()
}

func (m *Metrics) reportCreated() {
	if m == nil {
		return
	}
	m.ReportsCreated.Inc()
}
