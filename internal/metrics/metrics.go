// Package metrics exposes Prometheus collectors for discovery, validation and mirroring.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RoundDuration    prometheus.Histogram
	ModeDuration     *prometheus.HistogramVec
	Candidates       *prometheus.CounterVec
	BlocksSampled    *prometheus.CounterVec
	BlocksFailed     *prometheus.CounterVec
	Validations      *prometheus.CounterVec
	Decisions        *prometheus.CounterVec
	MoralisRequests  *prometheus.CounterVec
	TrackedWhales    prometheus.Gauge
	TotalExposure    prometheus.Gauge
	MarketMultiplier prometheus.Gauge
}

// New builds collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "whalemirror_discovery_round_duration_seconds",
			Help:    "Wall time of a full discovery round",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		ModeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "whalemirror_discovery_mode_duration_seconds",
			Help:    "Wall time of one discovery mode within a round",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"mode"}),
		Candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whalemirror_discovery_candidates_total",
			Help: "Candidates produced by discovery, per mode",
		}, []string{"mode"}),
		BlocksSampled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whalemirror_blocks_sampled_total",
			Help: "Blocks successfully sampled, per mode",
		}, []string{"mode"}),
		BlocksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whalemirror_blocks_failed_total",
			Help: "Blocks that could not be fetched, per mode",
		}, []string{"mode"}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whalemirror_validations_total",
			Help: "Profitability validation verdicts",
		}, []string{"outcome", "reason"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whalemirror_mirror_decisions_total",
			Help: "Mirror decisions by outcome",
		}, []string{"outcome"}),
		MoralisRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "whalemirror_moralis_requests_total",
			Help: "Profitability API requests by endpoint and result",
		}, []string{"endpoint", "result"}),
		TrackedWhales: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "whalemirror_tracked_whales",
			Help: "Whales currently tracked by the risk manager",
		}),
		TotalExposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "whalemirror_total_exposure_eth",
			Help: "Sum of cumulative mirrored PnL across whales",
		}),
		MarketMultiplier: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "whalemirror_market_threshold_multiplier",
			Help: "Latest market threshold multiplier",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RoundDuration, m.ModeDuration, m.Candidates, m.BlocksSampled, m.BlocksFailed,
		m.Validations, m.Decisions, m.MoralisRequests, m.TrackedWhales, m.TotalExposure, m.MarketMultiplier,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRound records a finished round.
func (m *Metrics) ObserveRound(d time.Duration) {
	if m == nil {
		return
	}
	m.RoundDuration.Observe(d.Seconds())
}

// ObserveMode records one mode's contribution to a round.
func (m *Metrics) ObserveMode(mode string, d time.Duration, candidates, processed, failed int) {
	if m == nil {
		return
	}
	m.ModeDuration.WithLabelValues(mode).Observe(d.Seconds())
	m.Candidates.WithLabelValues(mode).Add(float64(candidates))
	m.BlocksSampled.WithLabelValues(mode).Add(float64(processed))
	m.BlocksFailed.WithLabelValues(mode).Add(float64(failed))
}

// ObserveValidation counts a validator verdict.
func (m *Metrics) ObserveValidation(accepted bool, reason string) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.Validations.WithLabelValues(outcome, reason).Inc()
}

// ObserveDecision counts a mirror decision outcome.
func (m *Metrics) ObserveDecision(outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(outcome).Inc()
}

// ObserveRequest counts a profitability API request.
func (m *Metrics) ObserveRequest(endpoint, result string) {
	if m == nil {
		return
	}
	m.MoralisRequests.WithLabelValues(endpoint, result).Inc()
}

// SetRisk publishes risk manager gauges.
func (m *Metrics) SetRisk(tracked int, exposure float64) {
	if m == nil {
		return
	}
	m.TrackedWhales.Set(float64(tracked))
	m.TotalExposure.Set(exposure)
}

// SetMarketMultiplier publishes the latest market multiplier.
func (m *Metrics) SetMarketMultiplier(v float64) {
	if m == nil {
		return
	}
	m.MarketMultiplier.Set(v)
}
