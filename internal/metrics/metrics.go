package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aml_engine"

// Metrics tracks evaluation pipeline health for Prometheus scraping
type Metrics struct {
	EvaluationsTotal    *prometheus.CounterVec
	EvaluationDuration  prometheus.Histogram
	StageDuration       *prometheus.HistogramVec
	StageFailures       *prometheus.CounterVec
	LLMCalls            *prometheus.CounterVec
	RetrievedCandidates prometheus.Histogram
	RiskBands           *prometheus.CounterVec
	AlertsCreated       *prometheus.CounterVec
	CasesOpened         prometheus.Counter
	JobsInFlight        prometheus.Gauge
	QueueDepth          prometheus.Gauge
	IntegrityViolations prometheus.Counter
}

// New registers the engine's metric set on the default registerer.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers the metric set on reg. Tests pass a private registry
// so repeated construction does not collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	auto := promauto.With(reg)
	return &Metrics{
		EvaluationsTotal: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Evaluations by terminal outcome",
		}, []string{"outcome"}),

		EvaluationDuration: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "End to end evaluation latency",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 60, 90, 120},
		}),

		StageDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Per stage latency",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),

		StageFailures: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Stage failures by stage name",
		}, []string{"stage"}),

		LLMCalls: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Model calls by operation and outcome",
		}, []string{"operation", "outcome"}),

		RetrievedCandidates: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieved_candidates",
			Help:      "Fused rule candidates per evaluation",
			Buckets:   []float64{0, 5, 10, 15, 20, 25, 30},
		}),

		RiskBands: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_bands_total",
			Help:      "Completed evaluations by risk band",
		}, []string{"band"}),

		AlertsCreated: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Alerts by owner role and severity",
		}, []string{"role", "severity"}),

		CasesOpened: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cases_opened_total",
			Help:      "Investigation cases opened",
		}),

		JobsInFlight: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Evaluation jobs currently being processed",
		}),

		QueueDepth: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs pending in the evaluation stream",
		}),

		IntegrityViolations: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_violations_total",
			Help:      "COMPLETED transactions found without a stored analysis",
		}),
	}
}

// RecordEvaluation records one finished evaluation
func (m *Metrics) RecordEvaluation(outcome string, seconds float64) {
	m.EvaluationsTotal.WithLabelValues(outcome).Inc()
	m.EvaluationDuration.Observe(seconds)
}

// RecordStage records one stage execution
func (m *Metrics) RecordStage(stage string, seconds float64) {
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordStageFailure counts a failed stage
func (m *Metrics) RecordStageFailure(stage string) {
	m.StageFailures.WithLabelValues(stage).Inc()
}

// RecordLLMCall counts a model call
func (m *Metrics) RecordLLMCall(operation, outcome string) {
	m.LLMCalls.WithLabelValues(operation, outcome).Inc()
}

// RecordRiskBand counts a completed evaluation's band
func (m *Metrics) RecordRiskBand(band string) {
	m.RiskBands.WithLabelValues(band).Inc()
}

// RecordAlert counts one created alert
func (m *Metrics) RecordAlert(role, severity string) {
	m.AlertsCreated.WithLabelValues(role, severity).Inc()
}
