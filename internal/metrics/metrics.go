package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	missingPredictions *prometheus.CounterVec
	predictionLatency  *prometheus.HistogramVec
	cacheLookups       *prometheus.CounterVec
	decideDuration     prometheus.Histogram
	fallbacks          *prometheus.CounterVec
	armSelections      *prometheus.CounterVec
	contentionDrops    *prometheus.CounterVec
	outcomes           *prometheus.CounterVec
	feedbackDropped    prometheus.Counter
	patternMatches     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		missingPredictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closer_missing_predictions_total",
			Help: "Predictions omitted from a decision, by predictor and reason.",
		}, []string{"predictor", "reason"}),
		predictionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "closer_prediction_latency_seconds",
			Help:    "Latency of completed predictor calls.",
			Buckets: []float64{.005, .01, .025, .05, .1, .15, .25, .5},
		}, []string{"predictor"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closer_prediction_cache_lookups_total",
			Help: "Prediction cache lookups by result (hit, miss, error).",
		}, []string{"result"}),
		decideDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "closer_decide_duration_seconds",
			Help:    "End-to-end latency of Decide.",
			Buckets: []float64{.01, .025, .05, .1, .2, .3, .4, .5, .75},
		}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closer_fallback_recommendations_total",
			Help: "Recommendations produced in degraded mode, by reason.",
		}, []string{"reason"}),
		armSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closer_arm_selections_total",
			Help: "Bandit arm selections by experiment and variant.",
		}, []string{"experiment", "variant"}),
		contentionDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closer_bandit_contention_drops_total",
			Help: "Bandit updates dropped after exhausting CAS retries.",
		}, []string{"experiment", "op"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closer_outcomes_total",
			Help: "Outcome records by disposition (applied, duplicate).",
		}, []string{"disposition"}),
		feedbackDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "closer_feedback_dropped_total",
			Help: "Feedback events dropped because the emit queue was full.",
		}),
		patternMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "closer_pattern_matches_total",
			Help: "Pattern matches by pattern id.",
		}, []string{"pattern"}),
	}

	reg.MustRegister(
		m.missingPredictions,
		m.predictionLatency,
		m.cacheLookups,
		m.decideDuration,
		m.fallbacks,
		m.armSelections,
		m.contentionDrops,
		m.outcomes,
		m.feedbackDropped,
		m.patternMatches,
	)
	return m
}

func (m *Metrics) MissingPrediction(predictor, reason string) {
	if m == nil {
		return
	}
	m.missingPredictions.WithLabelValues(predictor, reason).Inc()
}

func (m *Metrics) PredictionLatency(predictor string, d time.Duration) {
	if m == nil {
		return
	}
	m.predictionLatency.WithLabelValues(predictor).Observe(d.Seconds())
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) DecideDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.decideDuration.Observe(d.Seconds())
}

func (m *Metrics) Fallback(reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) ArmSelected(experiment, variant string) {
	if m == nil {
		return
	}
	m.armSelections.WithLabelValues(experiment, variant).Inc()
}

func (m *Metrics) ContentionDrop(experiment, op string) {
	if m == nil {
		return
	}
	m.contentionDrops.WithLabelValues(experiment, op).Inc()
}

func (m *Metrics) Outcome(disposition string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(disposition).Inc()
}

func (m *Metrics) FeedbackDropped() {
	if m == nil {
		return
	}
	m.feedbackDropped.Inc()
}

func (m *Metrics) PatternMatched(patternID string) {
	if m == nil {
		return
	}
	m.patternMatches.WithLabelValues(patternID).Inc()
}
