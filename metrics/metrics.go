package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder captures marketplace and billing telemetry.
type Recorder interface {
	RecordFill(outcome string)
	RecordSettlement(duration time.Duration, outcome string)
	RecordWebhook(event, status string)
	RecordReconcile(outcome string)
	RecordLogFailure(log string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordFill(string) {}
func (Nop) RecordSettlement(time.Duration, string) {}
func (Nop) RecordWebhook(string, string) {}
func (Nop) RecordReconcile(string) {}
func (Nop) RecordLogFailure(string) {}

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

// PrometheusRecorder exports Recorder metrics to Prometheus.
type PrometheusRecorder struct {
	fills              *prometheus.CounterVec
	settlementDuration *prometheus.HistogramVec
	webhooks           *prometheus.CounterVec
	reconciled         *prometheus.CounterVec
	logFailures        *prometheus.CounterVec
}

// NewPrometheusRecorder registers the metrics on reg, reusing collectors that
// are already registered.
func NewPrometheusRecorder(namespace string, reg prometheus.Registerer) (*PrometheusRecorder, error) {
	if namespace == "" {
		namespace = "cryptobazaar"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	r := &PrometheusRecorder{
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_fills_total",
			Help:      "P2P order fills by outcome.",
		}, []string{"outcome"}),
		settlementDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Time from transfer preparation to ledger inclusion.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Payment processor webhook events by type and terminal status.",
		}, []string{"event", "status"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_reconciled_total",
			Help:      "Ambiguous settlements resolved by the reconciler.",
		}, []string{"outcome"}),
		logFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "log_write_failures_total",
			Help:      "Append-only log writes that failed.",
		}, []string{"log"}),
	}

	var err error
	if r.fills, err = register(reg, r.fills); err != nil {
		return nil, err
	}
	if r.settlementDuration, err = register(reg, r.settlementDuration); err != nil {
		return nil, err
	}
	if r.webhooks, err = register(reg, r.webhooks); err != nil {
		return nil, err
	}
	if r.reconciled, err = register(reg, r.reconciled); err != nil {
		return nil, err
	}
	if r.logFailures, err = register(reg, r.logFailures); err != nil {
		return nil, err
	}
	return r, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) (C, error) {
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return collector, fmt.Errorf("register metric: %w", err)
	}
	return collector, nil
}

func (r *PrometheusRecorder) RecordFill(outcome string) {
	r.fills.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) RecordSettlement(duration time.Duration, outcome string) {
	r.settlementDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) RecordWebhook(event, status string) {
	r.webhooks.WithLabelValues(event, status).Inc()
}

func (r *PrometheusRecorder) RecordReconcile(outcome string) {
	r.reconciled.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRecorder) RecordLogFailure(log string) {
	r.logFailures.WithLabelValues(log).Inc()
}
