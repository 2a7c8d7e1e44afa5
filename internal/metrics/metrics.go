// Package metrics exposes resolver and delivery activity as Prometheus series.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/coachrules/rules"
)

// Recorder implements the resolver and delivery hooks on a private registry
type Recorder struct {
	registry     *prometheus.Registry
	evaluations  *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	dropped      *prometheus.CounterVec
	deliveries   *prometheus.CounterVec
	sendRequests prometheus.Counter
}

// New creates a Recorder and registers its collectors
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachrules_rule_evaluations_total",
				Help: "Rule evaluations by equation sign and result",
			},
			[]string{"sign", "result"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachrules_resolver_runs_total",
				Help: "Finished resolver runs by execution case and status",
			},
			[]string{"case", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coachrules_resolver_run_duration_seconds",
				Help:    "Duration of resolver runs",
				Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
			},
			[]string{"case"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachrules_side_effects_dropped_total",
				Help: "Side effects skipped because their target did not resolve",
			},
			[]string{"kind"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coachrules_delivery_transitions_total",
				Help: "Delivery status transitions by target status",
			},
			[]string{"status"},
		),
		sendRequests: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "coachrules_send_requests_total",
				Help: "Send requests queued by matching rules",
			},
		),
	}
	r.registry.MustRegister(
		r.evaluations, r.runs, r.runDuration, r.dropped, r.deliveries, r.sendRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry returns the registry the collectors are registered on
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RuleEvaluated counts one evaluation
func (r *Recorder) RuleEvaluated(sign rules.EquationSign, matched, failed bool) {
	result := "unmatched"
	switch {
	case failed:
		result = "failed"
	case matched:
		result = "matched"
	}
	r.evaluations.WithLabelValues(string(sign), result).Inc()
}

// RunFinished counts a run and observes its duration
func (r *Recorder) RunFinished(c rules.ExecutionCase, outcome *rules.Outcome, elapsed time.Duration) {
	status := "ok"
	switch {
	case outcome == nil:
		status = "error"
	case outcome.Aborted():
		status = "aborted"
	case outcome.Empty():
		status = "empty"
	}
	if outcome != nil {
		r.sendRequests.Add(float64(len(outcome.SendRequests)))
	}
	r.runs.WithLabelValues(string(c), status).Inc()
	r.runDuration.WithLabelValues(string(c)).Observe(elapsed.Seconds())
}

// SideEffectDropped counts a skipped side effect
func (r *Recorder) SideEffectDropped(kind string) {
	r.dropped.WithLabelValues(kind).Inc()
}

// DeliveryTransition counts a delivery status change
func (r *Recorder) DeliveryTransition(status string) {
	r.deliveries.WithLabelValues(status).Inc()
}
