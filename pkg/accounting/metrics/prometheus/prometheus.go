package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gridcap/accounting/pkg/accounting"
)

// Metrics implements accounting.Metrics using Prometheus.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	queueDepth        prometheus.Gauge
	chargeTotal       *prometheus.CounterVec
	chargeAmount      *prometheus.HistogramVec
	leadershipChanges *prometheus.CounterVec
	invariantFailures *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of processed accounting requests.",
		}, []string{"kind", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of accounting request handling.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "request_queue_depth",
			Help:      "Current depth of the request queue.",
		}),

		chargeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charges_total",
			Help:      "Total number of charge attempts.",
		}, []string{"provider", "category", "success"}),

		chargeAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "charge_amount",
			Help:      "Distribution of charge amounts.",
			Buckets:   []float64{1, 10, 100, 1000, 10000, 100000, 1000000},
		}, []string{"provider", "category"}),

		leadershipChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leadership_changes_total",
			Help:      "Total number of leader-election state changes.",
		}, []string{"state"}),

		invariantFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_failures_total",
			Help:      "Total number of failed post-mutation consistency checks.",
		}, []string{"check"}),
	}
}

func (m *Metrics) RecordRequest(kind string, status accounting.Status, duration time.Duration) {
	m.requestsTotal.WithLabelValues(kind, string(status)).Inc()
	m.requestDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) RecordQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) RecordCharge(provider, category string, amount int64, success bool) {
	m.chargeTotal.WithLabelValues(provider, category, strconv.FormatBool(success)).Inc()
	if amount > 0 {
		m.chargeAmount.WithLabelValues(provider, category).Observe(float64(amount))
	}
}

func (m *Metrics) RecordLeadershipChange(state string) {
	m.leadershipChanges.WithLabelValues(state).Inc()
}

func (m *Metrics) RecordInvariantFailure(check string) {
	m.invariantFailures.WithLabelValues(check).Inc()
}
