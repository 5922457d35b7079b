package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"equity-screener/config"
	"equity-screener/internal/cache"
	"equity-screener/internal/candidate"
	"equity-screener/internal/logging"
	"equity-screener/internal/market"
	"equity-screener/internal/universe"
)

func trending(n int, step time.Duration, start, slope float64) []market.Candle {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]market.Candle, n)
	for i := range candles {
		c := start + slope*float64(i)
		candles[i] = market.Candle{
			Time:   t0.Add(time.Duration(i) * step),
			Open:   c - slope/2,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: 1000,
		}
	}
	return candles
}

type fakeStore struct {
	candles map[int64]map[market.Timeframe][]market.Candle
}

func (f *fakeStore) LoadSeries(_ context.Context, id int64, tf market.Timeframe, limit int) (*market.Series, error) {
	candles := f.candles[id][tf]
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return &market.Series{InstrumentID: id, Timeframe: tf, Candles: candles}, nil
}

func (f *fakeStore) CountBars(_ context.Context, id int64, tf market.Timeframe) (int, error) {
	return len(f.candles[id][tf]), nil
}

func (f *fakeStore) EnsureFresh(context.Context, []int64) error { return nil }

type fakeSource struct {
	instruments []market.Instrument
	err         error
}

func (f *fakeSource) ListInstruments(context.Context, string) ([]market.Instrument, error) {
	return f.instruments, f.err
}

type fakeRuns struct {
	mu        sync.Mutex
	started   []string
	completed []candidate.Run
}

func (f *fakeRuns) StartRun(_ context.Context, run *candidate.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, run.Key)
	return nil
}

func (f *fakeRuns) CompleteRun(_ context.Context, run *candidate.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, *run)
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	stages map[string]int
	events []candidate.Progress
}

func (s *recordingSink) SaveCandidate(_ context.Context, _, stage string, _ *candidate.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stages == nil {
		s.stages = make(map[string]int)
	}
	s.stages[stage]++
	return nil
}

func (s *recordingSink) Publish(_ context.Context, p candidate.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, p)
	return nil
}

type recordingObserver struct {
	mu         sync.Mutex
	runs       []candidate.RunStatus
	candidates []string
	errs       []string
}

func (o *recordingObserver) PublishRun(run *candidate.Run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, run.Status)
}

func (o *recordingObserver) PublishCandidate(runKey string, c *candidate.Candidate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.candidates = append(o.candidates, runKey+"/"+c.Instrument.Symbol)
}

func (o *recordingObserver) PublishError(source, message string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, source+": "+message+": "+err.Error())
}

func testUniverse() (*fakeSource, *fakeStore) {
	store := &fakeStore{candles: make(map[int64]map[market.Timeframe][]market.Candle)}
	src := &fakeSource{}
	for i := int64(1); i <= 6; i++ {
		slope := 0.5
		if i%2 == 0 {
			slope = -0.3
		}
		store.candles[i] = map[market.Timeframe][]market.Candle{
			market.TF1D: trending(260, 24*time.Hour, 200, slope),
			market.TF1W: trending(60, 7*24*time.Hour, 150, slope*4),
		}
		last := store.candles[i][market.TF1D][259].Close
		src.instruments = append(src.instruments, market.Instrument{
			ID: i, Symbol: "SYM" + string(rune('A'+i)), Exchange: "NSE", Segment: "EQ", LTP: last,
		})
	}
	return src, store
}

func newTestPipeline(src *fakeSource, store *fakeStore, runs *fakeRuns, sink *recordingSink) *Pipeline {
	cfg := config.Default()
	cfg.AI.Enabled = false
	return New(cfg, Deps{
		Source:  src,
		Store:   store,
		Sectors: market.StaticSectorLookup{},
		Runs:    runs,
		Sink:    sink,
		Cache:   cache.NewMemory(),
		Logger:  logging.Nop(),
	})
}

func TestRunFunnel(t *testing.T) {
	src, store := testUniverse()
	runs := &fakeRuns{}
	sink := &recordingSink{}
	p := newTestPipeline(src, store, runs, sink)
	p.now = func() time.Time { return time.Date(2024, 9, 16, 15, 45, 0, 0, time.UTC) }

	res, err := p.Run(context.Background(), Request{Type: candidate.TypeSwing})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Run.Key != "swing-2024-09-16" {
		t.Errorf("run key = %q", res.Run.Key)
	}
	if res.Run.Status != candidate.RunCompleted || res.Run.CompletedAt == nil {
		t.Errorf("run = %+v", res.Run)
	}
	if len(runs.started) != 1 || len(runs.completed) != 1 {
		t.Fatalf("run store calls = %d/%d", len(runs.started), len(runs.completed))
	}
	if res.Run.UniverseSize != 6 {
		t.Errorf("universe size = %d", res.Run.UniverseSize)
	}

	if len(res.Candidates) > res.Run.UniverseSize || res.Run.Candidates != len(res.Candidates) {
		t.Errorf("candidates = %d of %d, run says %d", len(res.Candidates), res.Run.UniverseSize, res.Run.Candidates)
	}
	minScore := config.Default().Swing.MinScore
	for _, c := range res.Candidates {
		if c.CompositeScore() < minScore {
			t.Errorf("%s kept below threshold with composite %.1f", c.Instrument.Symbol, c.CompositeScore())
		}
		if _, ok := c.Setup(); !ok {
			t.Errorf("%s has no setup classification", c.Instrument.Symbol)
		}
		if len(c.Reasons) == 0 {
			t.Errorf("%s has no reason trail", c.Instrument.Symbol)
		}
	}

	// Each stage only narrows the funnel
	order := []string{
		candidate.StageScreener, candidate.StageSetup, candidate.StageQuality,
		candidate.StagePlan, candidate.StageAI, candidate.StageSelection,
	}
	for i := 1; i < len(order); i++ {
		if res.StageCounts[order[i]] > res.StageCounts[order[i-1]] {
			t.Errorf("%s (%d) grew past %s (%d)", order[i], res.StageCounts[order[i]],
				order[i-1], res.StageCounts[order[i-1]])
		}
	}

	for _, c := range res.Selected() {
		if _, ok := c.Plan(); !ok {
			t.Errorf("%s selected without a plan", c.Instrument.Symbol)
		}
	}
	if res.Run.AICalls != 0 {
		t.Errorf("AI disabled but %d calls recorded", res.Run.AICalls)
	}

	completedStages := make(map[string]bool)
	for _, e := range sink.events {
		if e.Status == candidate.ProgressCompleted {
			completedStages[e.Stage] = true
		}
	}
	for _, stage := range order {
		if !completedStages[stage] {
			t.Errorf("no completion event for stage %s", stage)
		}
	}

	if _, err := p.deps.Cache.Get(context.Background(), cache.RunSummaryKey(res.Run.Key)); err != nil {
		t.Errorf("run summary not cached: %v", err)
	}
}

func TestRunUniverseUnavailable(t *testing.T) {
	src := &fakeSource{err: errors.New("instrument master missing")}
	runs := &fakeRuns{}
	p := newTestPipeline(src, &fakeStore{}, runs, &recordingSink{})

	res, err := p.Run(context.Background(), Request{Type: candidate.TypeLongterm})
	if !errors.Is(err, universe.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if res.Run.Status != candidate.RunFailed || !strings.Contains(res.Run.Error, "instrument master") {
		t.Errorf("run = %+v", res.Run)
	}
	if len(runs.started) != 0 || len(runs.completed) != 1 {
		t.Errorf("run store calls = %d/%d", len(runs.started), len(runs.completed))
	}
}

func TestRunNotifiesObserver(t *testing.T) {
	src, store := testUniverse()
	obs := &recordingObserver{}
	p := newTestPipeline(src, store, &fakeRuns{}, &recordingSink{})
	p.deps.Observer = obs

	res, err := p.Run(context.Background(), Request{Type: candidate.TypeSwing})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(obs.runs) != 2 || obs.runs[0] != candidate.RunRunning || obs.runs[1] != candidate.RunCompleted {
		t.Errorf("run events = %v", obs.runs)
	}
	if len(obs.candidates) != len(res.Selected()) {
		t.Fatalf("candidate events = %d, selected = %d", len(obs.candidates), len(res.Selected()))
	}
	for i, c := range res.Selected() {
		if want := res.Run.Key + "/" + c.Instrument.Symbol; obs.candidates[i] != want {
			t.Errorf("candidate event %d = %q, want %q", i, obs.candidates[i], want)
		}
	}
	if len(obs.errs) != 0 {
		t.Errorf("errors on a clean run: %v", obs.errs)
	}

	src.err = errors.New("instrument master missing")
	src.instruments = nil
	if _, err := p.Run(context.Background(), Request{Type: candidate.TypeSwing}); err == nil {
		t.Fatal("expected universe failure")
	}
	if len(obs.errs) != 1 || !strings.HasPrefix(obs.errs[0], "pipeline: run ") {
		t.Errorf("error events = %v", obs.errs)
	}
}

func TestRunExplicitRunIDAndInstruments(t *testing.T) {
	src, store := testUniverse()
	p := newTestPipeline(&fakeSource{err: errors.New("unused")}, store, &fakeRuns{}, &recordingSink{})

	id := "manual-7"
	res, err := p.Run(context.Background(), Request{
		Type:        candidate.TypeSwing,
		RunID:       &id,
		Instruments: src.instruments[:2],
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Run.Key != "manual-7" || res.Run.UniverseSize != 2 {
		t.Errorf("run = %+v", res.Run)
	}
}

func TestRunCancelled(t *testing.T) {
	src, store := testUniverse()
	runs := &fakeRuns{}
	p := newTestPipeline(src, store, runs, &recordingSink{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := p.Run(ctx, Request{Type: candidate.TypeSwing})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if res.Run.Status != candidate.RunFailed || len(runs.completed) != 1 {
		t.Errorf("cancelled run not closed: %+v", res.Run)
	}
}

func TestRunRejectsUnknownType(t *testing.T) {
	src, store := testUniverse()
	p := newTestPipeline(src, store, &fakeRuns{}, &recordingSink{})
	if _, err := p.Run(context.Background(), Request{Type: "intraday"}); err == nil {
		t.Error("expected an error for an unknown screener type")
	}
}
