// Package metrics exposes the controller's fleet counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vesselctl"

// Metrics holds the collectors updated by the fleet package. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	desired       prometheus.Gauge
	members       prometheus.Gauge
	acquired      prometheus.Counter
	released      *prometheus.CounterVec
	batchFailures *prometheus.CounterVec
	cycles        prometheus.Counter
	renewals      prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		desired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fleet_desired",
			Help:      "Target number of running vessels.",
		}),
		members: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fleet_members",
			Help:      "Vessels currently believed to be running the program.",
		}),
		acquired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vessels_acquired_total",
			Help:      "Vessels leased from the allocator.",
		}),
		released: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vessels_released_total",
			Help:      "Vessels handed back to the allocator, by reason.",
		}, []string{"reason"}),
		batchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_failures_total",
			Help:      "Per-vessel or batch-level failures, by operation.",
		}, []string{"op"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_cycles_total",
			Help:      "Completed reconciliation cycles.",
		}),
		renewals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_renewals_total",
			Help:      "Periodic lease renewals of the whole fleet.",
		}),
	}

	for _, c := range []prometheus.Collector{m.desired, m.members, m.acquired, m.released, m.batchFailures, m.cycles, m.renewals} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetDesired records the target fleet size.
func (m *Metrics) SetDesired(n int) {
	if m != nil {
		m.desired.Set(float64(n))
	}
}

// SetMembers records how many vessels are believed to be running.
func (m *Metrics) SetMembers(n int) {
	if m != nil {
		m.members.Set(float64(n))
	}
}

// Acquired counts n newly leased vessels.
func (m *Metrics) Acquired(n int) {
	if m != nil {
		m.acquired.Add(float64(n))
	}
}

// Released counts n vessels handed back for reason.
func (m *Metrics) Released(reason string, n int) {
	if m != nil {
		m.released.WithLabelValues(reason).Add(float64(n))
	}
}

// Failed counts n failures of op. Non-positive n is ignored.
func (m *Metrics) Failed(op string, n int) {
	if m != nil && n > 0 {
		m.batchFailures.WithLabelValues(op).Add(float64(n))
	}
}

// Cycle counts one completed reconciliation pass.
func (m *Metrics) Cycle() {
	if m != nil {
		m.cycles.Inc()
	}
}

// Renewed counts one periodic renewal of the whole fleet.
func (m *Metrics) Renewed() {
	if m != nil {
		m.renewals.Inc()
	}
}
