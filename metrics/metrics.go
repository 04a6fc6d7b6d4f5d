/*
Package metrics exports engine measurements to Prometheus.

METRICS:
  contravention_engine_operations_total{op,result}       counter
  contravention_engine_operation_duration_seconds{op}    histogram
  contravention_engine_point_adjustments_total{direction} counter
  contravention_engine_points_clamped_total              counter
  contravention_engine_escalations_total{tier}           counter
  contravention_engine_notifications_total{result}       counter

result is "ok" or the engine error kind (NotFound, InvalidState, ...).

SEE ALSO:
  - engine/notify.go: Observer interface
  - api/server.go: /metrics endpoint
*/
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/contravention-engine/engine"
)

const namespace = "contravention_engine"

// Prometheus implements engine.Observer.
type Prometheus struct {
	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	adjustments   *prometheus.CounterVec
	clamped       prometheus.Counter
	escalations   *prometheus.CounterVec
	notifications *prometheus.CounterVec
}

var _ engine.Observer = (*Prometheus)(nil)

// New registers the engine metrics with reg. Pass prometheus.DefaultRegisterer
// in the server and a fresh registry in tests.
func New(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by outcome.",
		}, []string{"op", "result"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency including the transaction.",
			Buckets: []float64{
				0.001, 0.002, 0.005,
				0.01, 0.02, 0.05,
				0.1, 0.2, 0.5,
				1, 2, 5,
			},
		}, []string{"op"}),
		adjustments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "point_adjustments_total",
			Help:      "Applied point ledger adjustments by direction.",
		}, []string{"direction"}),
		clamped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_clamped_total",
			Help:      "Reversals clamped at zero.",
		}),
		escalations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation records created by tier.",
		}, []string{"tier"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications handed to the dispatcher by result.",
		}, []string{"result"}),
	}
}

func (p *Prometheus) OperationCompleted(op string, kind engine.ErrorKind, elapsed time.Duration) {
	result := "ok"
	if kind != "" {
		result = string(kind)
	}
	p.operations.WithLabelValues(op, result).Inc()
	p.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (p *Prometheus) PointsAdjusted(applied int, clamped bool) {
	switch {
	case applied > 0:
		p.adjustments.WithLabelValues("increase").Inc()
	case applied < 0:
		p.adjustments.WithLabelValues("decrease").Inc()
	}
	if clamped {
		p.clamped.Inc()
	}
}

func (p *Prometheus) EscalationTriggered(tier engine.Tier) {
	p.escalations.WithLabelValues(string(tier)).Inc()
}

func (p *Prometheus) NotificationDispatched(_ engine.NotificationKind, err error) {
	result := "ok"
	if err != nil {
		result = "dropped"
	}
	p.notifications.WithLabelValues(result).Inc()
}
