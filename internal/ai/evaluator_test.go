package ai

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"equity-screener/config"
	"equity-screener/internal/cache"
	"equity-screener/internal/candidate"
	"equity-screener/internal/logging"
	"equity-screener/internal/market"
)

type fakeJudge struct {
	mu       sync.Mutex
	verdicts map[string]Verdict
	errs     map[string]error
	fail     error
	calls    []string
}

func (f *fakeJudge) Evaluate(_ context.Context, in Context) (Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in.Symbol)
	if f.fail != nil {
		return Verdict{}, f.fail
	}
	if err := f.errs[in.Symbol]; err != nil {
		return Verdict{}, err
	}
	if v, ok := f.verdicts[in.Symbol]; ok {
		return v, nil
	}
	return Verdict{Confidence: 8}, nil
}

func (f *fakeJudge) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var testDay = time.Date(2024, 9, 16, 10, 0, 0, 0, time.UTC)

func newTestEvaluator(cfg config.AIConfig, j Judge, c cache.Cache) *Evaluator {
	e := NewEvaluator(cfg, Deps{Judge: j, Cache: c, Logger: logging.Nop()})
	e.limiter = rate.NewLimiter(rate.Inf, 1)
	e.now = func() time.Time { return testDay }
	return e
}

func newCandidate(id int64, symbol string, status candidate.SetupStatus, composite, quality float64) *candidate.Candidate {
	c := candidate.New(
		market.Instrument{ID: id, Symbol: symbol, Exchange: "NSE", LTP: 100},
		candidate.TypeSwing,
		&candidate.Screening{CompositeScore: composite},
	)
	_ = c.SetSetup(&candidate.SetupResult{Status: status})
	c.SetQuality(&candidate.Quality{Total: quality})
	return c
}

func symbols(cs []*candidate.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Instrument.Symbol
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEvaluateFiltersAndOrders(t *testing.T) {
	judge := &fakeJudge{verdicts: map[string]Verdict{
		"AAA": {Confidence: 9, RiskCategory: "low"},
		"BBB": {Confidence: 5},
		"CCC": {Confidence: 9.5, Avoid: true},
		"DDD": {Confidence: 12, Timeframe: "long"},
	}}
	e := newTestEvaluator(config.Default().AI, judge, cache.NewMemory())

	cs := []*candidate.Candidate{
		newCandidate(1, "AAA", candidate.StatusReady, 80, 70),
		newCandidate(2, "BBB", candidate.StatusReady, 75, 70),
		newCandidate(3, "CCC", candidate.StatusAccumulate, 70, 70),
		newCandidate(4, "DDD", candidate.StatusReady, 65, 70),
		newCandidate(5, "EEE", candidate.StatusWaitPullback, 99, 90),
	}
	rep := e.Evaluate(context.Background(), "swing-2024-09-16", cs)

	if got := judge.calls; !equal(got, []string{"AAA", "BBB", "CCC", "DDD"}) {
		t.Errorf("judge calls = %v, want priority order of actionable candidates", got)
	}
	if got := symbols(rep.Candidates); !equal(got, []string{"DDD", "AAA"}) {
		t.Errorf("output = %v, want confidence order", got)
	}
	if rep.Filtered != 2 || len(rep.Excluded) != 2 {
		t.Errorf("filtered = %d, excluded = %v", rep.Filtered, rep.Excluded)
	}

	d, _ := cs[3].AI()
	if d.Confidence != 10 || d.RiskCategory != RiskMedium || d.Timeframe != HorizonLong {
		t.Errorf("verdict not normalized: %+v", d)
	}
	if b, _ := cs[1].AI(); b.Status != candidate.AIFiltered {
		t.Errorf("BBB status = %s", b.Status)
	}
	if _, ok := cs[4].AI(); ok {
		t.Error("non-actionable candidate must not be touched")
	}
}

func TestEvaluateReusesVerdictsForSameRun(t *testing.T) {
	store := cache.NewMemory()
	judge := &fakeJudge{}
	e := newTestEvaluator(config.Default().AI, judge, store)

	build := func() []*candidate.Candidate {
		return []*candidate.Candidate{
			newCandidate(1, "AAA", candidate.StatusReady, 80, 70),
			newCandidate(2, "BBB", candidate.StatusReady, 70, 70),
		}
	}

	e.Evaluate(context.Background(), "run-1", build())
	if judge.count() != 2 {
		t.Fatalf("first run calls = %d", judge.count())
	}

	again := build()
	rep := e.Evaluate(context.Background(), "run-1", again)
	if judge.count() != 2 {
		t.Errorf("re-run made %d extra judge calls", judge.count()-2)
	}
	if rep.CacheHits != 2 || rep.Calls != 0 {
		t.Errorf("cache hits = %d, calls = %d", rep.CacheHits, rep.Calls)
	}
	if r, _ := again[0].AI(); r.Status != candidate.AICached || r.Confidence != 8 {
		t.Errorf("cached result = %+v", r)
	}

	e.Evaluate(context.Background(), "run-2", build())
	if judge.count() != 4 {
		t.Errorf("a new run key should be judged again, calls = %d", judge.count())
	}
}

func TestEvaluateDailyCap(t *testing.T) {
	cfg := config.Default().AI
	cfg.DailyCap = 2
	mem := cache.NewMemory()
	judge := &fakeJudge{}
	e := newTestEvaluator(cfg, judge, mem)

	cs := []*candidate.Candidate{
		newCandidate(1, "C1", candidate.StatusReady, 90, 60),
		newCandidate(2, "C2", candidate.StatusReady, 80, 65),
		newCandidate(3, "C3", candidate.StatusReady, 70, 50),
		newCandidate(4, "C4", candidate.StatusReady, 60, 70),
	}
	rep := e.Evaluate(context.Background(), "swing-2024-09-16", cs)

	if judge.count() != 2 || !rep.CapReached {
		t.Fatalf("calls = %d, cap reached = %t", judge.count(), rep.CapReached)
	}
	if got := symbols(rep.Candidates); !equal(got, []string{"C2", "C1", "C4", "C3"}) {
		t.Errorf("output = %v", got)
	}
	if r, _ := cs[2].AI(); r.Status != candidate.AIFallback {
		t.Errorf("capped candidate status = %s", r.Status)
	}

	ttl, err := mem.TTL(context.Background(), cache.AICallsKey("2024-09-16"))
	if err != nil || ttl < 47*time.Hour {
		t.Errorf("counter ttl = %v, %v", ttl, err)
	}

	// The cap holds across runs on the same day
	judge2 := &fakeJudge{}
	e2 := newTestEvaluator(cfg, judge2, mem)
	e2.Evaluate(context.Background(), "other-run", []*candidate.Candidate{newCandidate(9, "C9", candidate.StatusReady, 90, 60)})
	if judge2.count() != 0 {
		t.Error("second run must not exceed the daily cap")
	}
}

func TestEvaluateFailureFallsThrough(t *testing.T) {
	judge := &fakeJudge{errs: map[string]error{"BAD": ErrJudgeUnavailable}}
	mem := cache.NewMemory()
	e := newTestEvaluator(config.Default().AI, judge, mem)

	cs := []*candidate.Candidate{
		newCandidate(1, "BAD", candidate.StatusReady, 90, 80),
		newCandidate(2, "GOOD", candidate.StatusReady, 80, 40),
	}
	rep := e.Evaluate(context.Background(), "run-1", cs)

	if rep.Failures != 1 {
		t.Errorf("failures = %d", rep.Failures)
	}
	if r, _ := cs[0].AI(); r.Status != candidate.AIFailed || r.Error == "" {
		t.Errorf("failed candidate = %+v", r)
	}
	if got := symbols(rep.Candidates); !equal(got, []string{"GOOD", "BAD"}) {
		t.Errorf("output = %v, failed candidate should follow judged ones", got)
	}
	if _, err := mem.Get(context.Background(), cache.AIEvalKey("run-1", 1)); !errors.Is(err, cache.ErrMiss) {
		t.Error("claim of a failed evaluation should be released")
	}
}

// stallingJudge blocks until its call context ends for the stalled symbols
type stallingJudge struct {
	fakeJudge
	stall map[string]bool
}

func (j *stallingJudge) Evaluate(ctx context.Context, in Context) (Verdict, error) {
	if j.stall[in.Symbol] {
		<-ctx.Done()
		return Verdict{}, ctx.Err()
	}
	return j.fakeJudge.Evaluate(ctx, in)
}

func TestEvaluateSlowJudgeTimesOut(t *testing.T) {
	judge := &stallingJudge{stall: map[string]bool{"SLOW": true}}
	cfg := config.Default().AI
	cfg.Timeout = 20 * time.Millisecond
	e := newTestEvaluator(cfg, judge, cache.NewMemory())

	cs := []*candidate.Candidate{
		newCandidate(1, "SLOW", candidate.StatusReady, 90, 80),
		newCandidate(2, "FAST", candidate.StatusReady, 80, 40),
	}

	done := make(chan *Report, 1)
	go func() { done <- e.Evaluate(context.Background(), "run-1", cs) }()

	var rep *Report
	select {
	case rep = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Evaluate did not return after the judge timeout")
	}

	if rep.Failures != 1 || rep.Calls != 2 {
		t.Errorf("failures = %d, calls = %d, want 1/2", rep.Failures, rep.Calls)
	}
	slow, _ := cs[0].AI()
	if slow.Status != candidate.AIFailed || !strings.Contains(slow.Error, "deadline") {
		t.Errorf("slow candidate = %+v, want deadline failure", slow)
	}
	if fast, _ := cs[1].AI(); fast.Status != candidate.AIEvaluated {
		t.Errorf("fast candidate status = %s, want evaluated", fast.Status)
	}
	if got := symbols(rep.Candidates); !equal(got, []string{"FAST", "SLOW"}) {
		t.Errorf("output = %v, timed-out candidate should follow judged ones", got)
	}
	if rep.BreakerOpen {
		t.Error("one timeout should not open the breaker")
	}
}

func TestEvaluateBreakerRoutesToFallback(t *testing.T) {
	judge := &fakeJudge{fail: errors.New("503")}
	e := newTestEvaluator(config.Default().AI, judge, cache.NewMemory())

	var cs []*candidate.Candidate
	for i := int64(1); i <= 5; i++ {
		cs = append(cs, newCandidate(i, string(rune('A'+i)), candidate.StatusReady, float64(100-i), 50))
	}
	rep := e.Evaluate(context.Background(), "run-1", cs)

	if judge.count() != 3 || !rep.BreakerOpen {
		t.Errorf("calls = %d, breaker open = %t", judge.count(), rep.BreakerOpen)
	}
	if rep.Fallback != 5 || len(rep.Candidates) != 5 {
		t.Errorf("fallback = %d, out = %d", rep.Fallback, len(rep.Candidates))
	}
}

type alertRecorder chan string

func (a alertRecorder) PublishError(source, message string, err error) {
	a <- source + ": " + message + ": " + err.Error()
}

func TestEvaluateBreakerTripRaisesAlert(t *testing.T) {
	alerts := make(alertRecorder, 1)
	e := NewEvaluator(config.Default().AI, Deps{
		Judge:  &fakeJudge{fail: errors.New("503")},
		Cache:  cache.NewMemory(),
		Alerts: alerts,
		Logger: logging.Nop(),
	})
	e.limiter = rate.NewLimiter(rate.Inf, 1)

	var cs []*candidate.Candidate
	for i := int64(1); i <= 3; i++ {
		cs = append(cs, newCandidate(i, string(rune('A'+i)), candidate.StatusReady, float64(100-i), 50))
	}
	e.Evaluate(context.Background(), "run-1", cs)

	select {
	case got := <-alerts:
		if !strings.HasPrefix(got, "ai: judge circuit breaker opened") || !strings.Contains(got, "503") {
			t.Errorf("alert = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("breaker trip raised no alert")
	}
}

func TestEvaluateDisabled(t *testing.T) {
	cfg := config.Default().AI
	cfg.Enabled = false
	judge := &fakeJudge{}
	e := newTestEvaluator(cfg, judge, cache.NewMemory())

	cs := []*candidate.Candidate{
		newCandidate(1, "LOWQ", candidate.StatusReady, 90, 40),
		newCandidate(2, "HIGHQ", candidate.StatusReady, 80, 90),
	}
	rep := e.Evaluate(context.Background(), "run-1", cs)

	if judge.count() != 0 {
		t.Error("disabled evaluator called the judge")
	}
	if got := symbols(rep.Candidates); !equal(got, []string{"HIGHQ", "LOWQ"}) {
		t.Errorf("fallback order = %v, want quality order", got)
	}
}

func TestNormalize(t *testing.T) {
	if _, err := Normalize(Verdict{Confidence: math.NaN()}); !errors.Is(err, ErrMalformedVerdict) {
		t.Error("NaN confidence should be malformed")
	}
	v, _ := Normalize(Verdict{Confidence: 6.5, RiskCategory: " LOW ", Timeframe: "Short"})
	if v.RiskCategory != RiskLow || v.Timeframe != HorizonShort {
		t.Errorf("normalized = %+v", v)
	}
}
