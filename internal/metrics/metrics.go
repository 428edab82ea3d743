package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the service's Prometheus collectors. A nil *Registry is valid
// and records nothing.
type Registry struct {
	registry           *prometheus.Registry
	donationsTotal     *prometheus.CounterVec
	distributionsTotal *prometheus.CounterVec
	chainEventsTotal   *prometheus.CounterVec
	replaysTotal       *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	reconcileDepth     prometheus.Gauge
}

func New() *Registry {
	donations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relieffund_donations_total",
		Help: "Donation requests by outcome",
	}, []string{"outcome"})

	distributions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relieffund_distributions_total",
		Help: "Fund distribution requests by outcome",
	}, []string{"outcome"})

	chainEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relieffund_chain_events_total",
		Help: "Transaction lifecycle events observed",
	}, []string{"event"})

	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relieffund_idempotent_replays_total",
		Help: "Responses replayed from the idempotency store",
	}, []string{"route"})

	steps := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relieffund_step_duration_seconds",
		Help:    "Duration of each orchestration step",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30, 60, 120},
	}, []string{"step"})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relieffund_reconcile_queue_depth",
		Help: "Number of entries waiting for reconciliation",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(donations, distributions, chainEvents, replays, steps, depth)

	return &Registry{
		registry:           r,
		donationsTotal:     donations,
		distributionsTotal: distributions,
		chainEventsTotal:   chainEvents,
		replaysTotal:       replays,
		stepDuration:       steps,
		reconcileDepth:     depth,
	}
}

func (m *Registry) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) IncDonation(outcome string) {
	if m == nil {
		return
	}
	m.donationsTotal.WithLabelValues(outcome).Inc()
}

func (m *Registry) IncDistribution(outcome string) {
	if m == nil {
		return
	}
	m.distributionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Registry) IncChainEvent(event string) {
	if m == nil {
		return
	}
	m.chainEventsTotal.WithLabelValues(event).Inc()
}

func (m *Registry) IncReplay(route string) {
	if m == nil {
		return
	}
	m.replaysTotal.WithLabelValues(route).Inc()
}

func (m *Registry) ObserveStep(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

func (m *Registry) SetReconcileDepth(depth int) {
	if m == nil {
		return
	}
	m.reconcileDepth.Set(float64(depth))
}

// Gather flattens the current values, keyed by metric name and labels.
func (m *Registry) Gather() (map[string]float64, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, fam := range families {
		for _, metric := range fam.GetMetric() {
			key := fam.GetName()
			for _, lp := range metric.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				out[key] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out, nil
}
