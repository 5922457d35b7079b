package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.InstrumentOutcome("swing", "analyzed")
	r.InstrumentOutcome("swing", "analyzed")
	r.InstrumentOutcome("swing", "skipped")
	r.AIEvaluation("fallback")
	r.Selected("swing", 1)
	r.StageCandidates("swing", "setup", 7)
	r.ObserveStage("swing", "screener", 250*time.Millisecond)

	if got := testutil.ToFloat64(r.instruments.WithLabelValues("swing", "analyzed")); got != 2 {
		t.Errorf("analyzed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.candidates.WithLabelValues("swing", "setup")); got != 7 {
		t.Errorf("setup candidates = %v, want 7", got)
	}

	expected := `
# HELP screener_selections_total Candidates admitted by the final selector, by tier
# TYPE screener_selections_total counter
screener_selections_total{screener="swing",tier="1"} 1
`
	if err := testutil.CollectAndCompare(r.selections, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.InstrumentOutcome("swing", "failed")
	r.AIEvaluation("called")
	r.Selected("swing", 2)
	r.RunFinished("swing", "completed")
	r.StageCandidates("swing", "ai", 1)
	r.ObserveStage("swing", "ai", time.Second)
}

func TestSeparateRegistries(t *testing.T) {
	// two recorders on separate registries must not collide
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
