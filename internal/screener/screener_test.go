package screener

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"equity-screener/config"
	"equity-screener/internal/analysis"
	"equity-screener/internal/candidate"
	"equity-screener/internal/indicators"
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
	mu      sync.Mutex
	candles map[int64]map[market.Timeframe][]market.Candle
	errs    map[int64]error
	fresh   []int64
}

func (f *fakeStore) LoadSeries(_ context.Context, id int64, tf market.Timeframe, limit int) (*market.Series, error) {
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	candles := f.candles[id][tf]
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return &market.Series{InstrumentID: id, Timeframe: tf, Candles: candles}, nil
}

func (f *fakeStore) CountBars(_ context.Context, id int64, tf market.Timeframe) (int, error) {
	return len(f.candles[id][tf]), nil
}

func (f *fakeStore) EnsureFresh(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fresh = append(f.fresh, ids...)
	return errors.New("broker offline")
}

type fakeSink struct {
	mu       sync.Mutex
	saved    []string
	progress []candidate.Progress
}

func (f *fakeSink) SaveCandidate(_ context.Context, runKey, stage string, c *candidate.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, runKey+"/"+stage+"/"+c.Instrument.Symbol)
	return nil
}

func (f *fakeSink) Publish(_ context.Context, p candidate.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, p)
	return nil
}

type panicSectors struct{}

func (panicSectors) SectorFor(_ context.Context, inst market.Instrument) (string, bool) {
	if inst.Symbol == "BOOM" {
		panic("corrupt sector row")
	}
	return "IT", true
}

func uptrend() map[market.Timeframe][]market.Candle {
	return map[market.Timeframe][]market.Candle{
		market.TF1D: trending(260, 24*time.Hour, 100, 0.5),
		market.TF1W: trending(60, 7*24*time.Hour, 60, 2),
	}
}

func newTestScreener(store *fakeStore, sink *fakeSink, cfg config.ScreenerConfig) *Screener {
	return New(Swing(cfg), Deps{
		Store:     store,
		Sectors:   panicSectors{},
		Sink:      sink,
		Structure: analysis.DefaultStructureConfig(),
		Logger:    logging.Nop(),
	})
}

func TestRunOutcomes(t *testing.T) {
	store := &fakeStore{
		candles: map[int64]map[market.Timeframe][]market.Candle{
			1: uptrend(),
			2: {market.TF1D: trending(30, 24*time.Hour, 100, 0.5)},
			4: uptrend(),
		},
		errs: map[int64]error{3: errors.New("connection reset")},
	}
	sink := &fakeSink{}
	cfg := config.Default().Swing
	cfg.ProgressEvery = 1

	s := newTestScreener(store, sink, cfg)
	instruments := []market.Instrument{
		{ID: 1, Symbol: "TREND", LTP: 229.5},
		{ID: 2, Symbol: "YOUNG", LTP: 114.5},
		{ID: 3, Symbol: "BROKEN", LTP: 100},
		{ID: 4, Symbol: "BOOM", LTP: 229.5},
	}

	report, err := s.Run(context.Background(), "swing-2024-09-16", instruments)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if report.Analyzed != 1 || report.Skipped != 1 || report.Failed != 2 {
		t.Fatalf("analyzed/skipped/failed = %d/%d/%d, want 1/1/2",
			report.Analyzed, report.Skipped, report.Failed)
	}
	if len(report.Candidates) != 1 || report.Candidates[0].Instrument.Symbol != "TREND" {
		t.Fatalf("candidates = %v", report.Candidates)
	}

	c := report.Candidates[0]
	sc, ok := c.Screening()
	if !ok {
		t.Fatal("screening missing")
	}
	if sc.CompositeScore < cfg.MinScore || sc.CompositeScore > 100 {
		t.Errorf("composite = %v", sc.CompositeScore)
	}
	if sc.Primary != market.TF1D || sc.MTF == nil || sc.Structure == nil {
		t.Errorf("screening incomplete: %+v", sc)
	}
	if c.Sector != "IT" {
		t.Errorf("sector = %q", c.Sector)
	}

	if len(store.fresh) != 4 {
		t.Errorf("EnsureFresh got %d ids, want 4", len(store.fresh))
	}
	if len(sink.saved) != 1 || sink.saved[0] != "swing-2024-09-16/screener/TREND" {
		t.Errorf("saved = %v", sink.saved)
	}

	last := sink.progress[len(sink.progress)-1]
	if last.Status != candidate.ProgressCompleted || last.Processed != 4 || last.Candidates != 1 {
		t.Errorf("final progress = %+v", last)
	}
	if len(sink.progress) != 5 {
		t.Errorf("progress events = %d, want 5", len(sink.progress))
	}
}

func TestRunRespectsUniverseFilter(t *testing.T) {
	store := &fakeStore{candles: map[int64]map[market.Timeframe][]market.Candle{
		1: uptrend(),
		2: {market.TF1D: trending(30, 24*time.Hour, 100, 0.5)},
	}}
	cfg := config.Default().Swing
	cfg.EnsureFresh = false

	s := New(Swing(cfg), Deps{
		Store:     store,
		Universe:  universe.NewFilter(config.Default().Universe),
		Structure: analysis.DefaultStructureConfig(),
		Logger:    logging.Nop(),
	})
	report, err := s.Run(context.Background(), "k", []market.Instrument{
		{ID: 1, Symbol: "TREND", LTP: 229.5},
		{ID: 2, Symbol: "YOUNG", LTP: 114.5},
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.Eligible != 1 || len(report.Exclusions) != 1 {
		t.Fatalf("eligible=%d exclusions=%v", report.Eligible, report.Exclusions)
	}
	if !strings.Contains(report.Exclusions[0].Reason, "insufficient 1D history") {
		t.Errorf("reason = %q", report.Exclusions[0].Reason)
	}
	if len(store.fresh) != 0 {
		t.Error("EnsureFresh called while disabled")
	}
}

func TestRunReloadsCandlesEachRun(t *testing.T) {
	store := &fakeStore{candles: map[int64]map[market.Timeframe][]market.Candle{1: uptrend()}}
	cfg := config.Default().Swing
	cfg.EnsureFresh = false
	s := newTestScreener(store, &fakeSink{}, cfg)
	instruments := []market.Instrument{{ID: 1, Symbol: "TREND", LTP: 229.5}}

	first, err := s.Run(context.Background(), "swing-2024-09-16", instruments)
	if err != nil {
		t.Fatal(err)
	}
	if first.Analyzed != 1 {
		t.Fatalf("first run analyzed = %d, want 1", first.Analyzed)
	}

	// history shrinks below the primary requirement between runs
	store.candles[1] = map[market.Timeframe][]market.Candle{
		market.TF1D: trending(30, 24*time.Hour, 100, 0.5),
	}

	second, err := s.Run(context.Background(), "swing-2024-09-17", instruments)
	if err != nil {
		t.Fatal(err)
	}
	if second.Analyzed != 0 || second.Skipped != 1 {
		t.Fatalf("second run analyzed/skipped = %d/%d, want 0/1", second.Analyzed, second.Skipped)
	}
}

func TestRunCancelled(t *testing.T) {
	store := &fakeStore{candles: map[int64]map[market.Timeframe][]market.Candle{1: uptrend()}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestScreener(store, &fakeSink{}, config.Default().Swing)
	if _, err := s.Run(ctx, "k", []market.Instrument{{ID: 1, Symbol: "TREND", LTP: 100}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBaseScore(t *testing.T) {
	p := Swing(config.Default().Swing)

	if _, _, err := p.BaseScore(nil); !errors.Is(err, candidate.ErrInsufficientData) {
		t.Fatalf("nil set: err = %v", err)
	}
	if _, _, err := p.BaseScore(&indicators.Set{}); !errors.Is(err, candidate.ErrInsufficientData) {
		t.Fatalf("empty set: err = %v", err)
	}

	// only the EMA20/EMA50 factor is available, so it alone decides the score
	partial := &indicators.Set{EMA20: indicators.Float(105), EMA50: indicators.Float(100)}
	score, factors, err := p.BaseScore(partial)
	if err != nil || score != 100 {
		t.Fatalf("partial score = %v, %v", score, err)
	}
	if len(factors) != 7 {
		t.Errorf("factors = %d", len(factors))
	}

	full := &indicators.Set{
		EMA20:       indicators.Float(105),
		EMA50:       indicators.Float(100),
		EMA200:      indicators.Float(110),
		Supertrend:  &indicators.Supertrend{Value: 98, Direction: indicators.DirectionBullish},
		ADX:         indicators.Float(22),
		RSI:         indicators.Float(60),
		MACD:        &indicators.MACD{Line: -1, Signal: 0, PrevLine: -1, PrevSignal: 0},
		VolumeRatio: indicators.Float(2),
	}
	// 15 + 0 + 20 + 10 + 10 + 0 + 15 of 100
	score, _, _ = p.BaseScore(full)
	if score != 70 {
		t.Errorf("full score = %v, want 70", score)
	}
}

func TestMACDFactorNeedsFreshCross(t *testing.T) {
	p := Swing(config.Default().Swing)
	tests := []struct {
		name string
		macd *indicators.MACD
		want float64
	}{
		{"crossed on last bar", &indicators.MACD{Line: 0.4, Signal: 0.2, PrevLine: 0.1, PrevSignal: 0.2}, 100},
		{"above signal without cross", &indicators.MACD{Line: 0.6, Signal: 0.2, PrevLine: 0.5, PrevSignal: 0.2}, 0},
		{"below signal", &indicators.MACD{Line: -0.2, Signal: 0.1, PrevLine: -0.1, PrevSignal: 0.1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, _, err := p.BaseScore(&indicators.Set{MACD: tt.macd})
			if err != nil {
				t.Fatal(err)
			}
			if score != tt.want {
				t.Errorf("score = %v, want %v", score, tt.want)
			}
		})
	}
}

func TestComposite(t *testing.T) {
	tests := []struct {
		name     string
		profile  Profile
		base     float64
		mtf      float64
		expected float64
	}{
		{"swing weights", Swing(config.Default().Swing), 80, 50, 68},
		{"longterm weights", Longterm(config.Default().Longterm), 80, 50, 65},
		{"clamped", Swing(config.Default().Swing), 150, 150, 100},
		{"zero weights", Swing(config.ScreenerConfig{}), 42, 90, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.profile.Composite(tt.base, tt.mtf)
			if diff := got - tt.expected; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("Composite(%v, %v) = %v, want %v", tt.base, tt.mtf, got, tt.expected)
			}
		})
	}
}

func TestSortByCompositeDeterministic(t *testing.T) {
	mk := func(id int64, score float64) *candidate.Candidate {
		return candidate.New(market.Instrument{ID: id, Symbol: "S"}, candidate.TypeSwing,
			&candidate.Screening{CompositeScore: score})
	}
	cs := []*candidate.Candidate{mk(3, 60), mk(1, 70), mk(2, 60), mk(4, 90)}
	SortByComposite(cs)

	want := []int64{4, 1, 2, 3}
	for i, c := range cs {
		if c.Instrument.ID != want[i] {
			t.Fatalf("position %d: id %d, want %d", i, c.Instrument.ID, want[i])
		}
	}
}
