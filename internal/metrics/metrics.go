package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder publishes pipeline metrics. A nil *Recorder is valid and records nothing.
type Recorder struct {
	instruments   *prometheus.CounterVec
	aiCalls       *prometheus.CounterVec
	selections    *prometheus.CounterVec
	runs          *prometheus.CounterVec
	candidates    *prometheus.GaugeVec
	stageDuration *prometheus.HistogramVec
}

// New registers the screener metrics on reg
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		instruments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screener_instruments_total",
				Help: "Instruments processed by the screener, by outcome",
			},
			[]string{"screener", "outcome"},
		),
		aiCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screener_ai_evaluations_total",
				Help: "AI evaluations by outcome (called, cached, failed, fallback)",
			},
			[]string{"outcome"},
		),
		selections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screener_selections_total",
				Help: "Candidates admitted by the final selector, by tier",
			},
			[]string{"screener", "tier"},
		),
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "screener_runs_total",
				Help: "Completed pipeline runs by status",
			},
			[]string{"screener", "status"},
		),
		candidates: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "screener_stage_candidates",
				Help: "Candidates surviving each stage of the last run",
			},
			[]string{"screener", "stage"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "screener_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"screener", "stage"},
		),
	}
}

// InstrumentOutcome counts one analyzed, skipped or failed instrument
func (r *Recorder) InstrumentOutcome(screener, outcome string) {
	if r == nil {
		return
	}
	r.instruments.WithLabelValues(screener, outcome).Inc()
}

// AIEvaluation counts one AI stage outcome
func (r *Recorder) AIEvaluation(outcome string) {
	if r == nil {
		return
	}
	r.aiCalls.WithLabelValues(outcome).Inc()
}

// Selected counts one admitted candidate
func (r *Recorder) Selected(screener string, tier int) {
	if r == nil {
		return
	}
	r.selections.WithLabelValues(screener, strconv.Itoa(tier)).Inc()
}

// RunFinished counts a completed or failed run
func (r *Recorder) RunFinished(screener, status string) {
	if r == nil {
		return
	}
	r.runs.WithLabelValues(screener, status).Inc()
}

// StageCandidates records how many candidates survived a stage
func (r *Recorder) StageCandidates(screener, stage string, n int) {
	if r == nil {
		return
	}
	r.candidates.WithLabelValues(screener, stage).Set(float64(n))
}

// ObserveStage records stage latency
func (r *Recorder) ObserveStage(screener, stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(screener, stage).Observe(d.Seconds())
}
