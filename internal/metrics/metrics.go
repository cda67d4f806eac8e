// Package metrics exports breaker, validation and load measurements as
// Prometheus collectors. Serving them is left to the embedding process.
package metrics

import (
	"github.com/johndauphine/mdcore/internal/breaker"
	"github.com/johndauphine/mdcore/internal/validation"
	"github.com/johndauphine/mdcore/internal/warehouse"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector records pipeline events. A nil *Collector ignores everything,
// so callers need not check whether metrics are enabled.
type Collector struct {
	BreakerState    *prometheus.GaugeVec
	BreakerFailures *prometheus.CounterVec

	ValidationFailureRate *prometheus.GaugeVec
	ValidationRows        *prometheus.CounterVec

	LoadDuration *prometheus.HistogramVec
	LoadRows     *prometheus.CounterVec
	Loads        *prometheus.CounterVec
}

// New creates a Collector and registers it on reg.
func New(reg prometheus.Registerer, namespace string) (*Collector, error) {
	c := &Collector{
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "breaker_state",
				Help:      "Circuit state per source (0 closed, 1 open, 2 half-open)",
			},
			[]string{"source"},
		),
		BreakerFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "breaker_failures_total",
				Help:      "Failures counted by the circuit breaker per source",
			},
			[]string{"source"},
		),
		ValidationFailureRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "validation_failure_rate",
				Help:      "Share of rows with a critical issue in the last run per schema",
			},
			[]string{"schema"},
		),
		ValidationRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_rows_total",
				Help:      "Validated rows by outcome",
			},
			[]string{"schema", "outcome"}, // valid, critical, warning
		),
		LoadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "load_duration_seconds",
				Help:      "Warehouse load duration",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
			},
			[]string{"table"},
		),
		LoadRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "load_rows_total",
				Help:      "Warehouse rows by operation",
			},
			[]string{"table", "op"}, // deleted, inserted
		),
		Loads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loads_total",
				Help:      "Warehouse loads by status",
			},
			[]string{"table", "status"},
		),
	}

	for _, col := range []prometheus.Collector{
		c.BreakerState, c.BreakerFailures,
		c.ValidationFailureRate, c.ValidationRows,
		c.LoadDuration, c.LoadRows, c.Loads,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// StateChanged implements breaker.Observer.
func (c *Collector) StateChanged(source string, _, to breaker.State) {
	if c == nil {
		return
	}
	c.BreakerState.WithLabelValues(source).Set(float64(to))
}

// FailureRecorded implements breaker.Observer.
func (c *Collector) FailureRecorded(source string, _ error) {
	if c == nil {
		return
	}
	c.BreakerFailures.WithLabelValues(source).Inc()
}

// ObserveValidation records the outcome of one validation run.
func (c *Collector) ObserveValidation(res *validation.Result) {
	if c == nil || res == nil {
		return
	}
	c.ValidationFailureRate.WithLabelValues(res.Schema).Set(res.FailureRate())
	c.ValidationRows.WithLabelValues(res.Schema, "valid").Add(float64(res.ValidRows))
	c.ValidationRows.WithLabelValues(res.Schema, "critical").Add(float64(res.CriticalFailures))
	c.ValidationRows.WithLabelValues(res.Schema, "warning").Add(float64(res.Warnings))
}

// LoadFinished implements warehouse.LoadObserver.
func (c *Collector) LoadFinished(m *warehouse.Manifest, _ error) {
	if c == nil || m == nil {
		return
	}
	c.Loads.WithLabelValues(m.Table, string(m.Status)).Inc()
	if m.Status == warehouse.StatusSkipped {
		return
	}
	c.LoadDuration.WithLabelValues(m.Table).Observe(m.Duration.Seconds())
	c.LoadRows.WithLabelValues(m.Table, "deleted").Add(float64(m.RowsDeleted))
	c.LoadRows.WithLabelValues(m.Table, "inserted").Add(float64(m.RowsInserted))
}
