package setup

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"equity-screener/config"
	"equity-screener/internal/analysis"
	"equity-screener/internal/candidate"
	"equity-screener/internal/indicators"
	"equity-screener/internal/logging"
	"equity-screener/internal/market"
)

type held map[int64]bool

func (h held) InPosition(id int64) bool { return h[id] }

type snapshot struct {
	price, ema20, ema50 float64
	adx, rsi            *float64
	bearish             bool
	structure           *analysis.Structure
	mtf                 *analysis.MTFResult
}

func build(typ candidate.ScreenerType, s snapshot) *candidate.Candidate {
	dir := indicators.DirectionBullish
	if s.bearish {
		dir = indicators.DirectionBearish
	}
	tf := market.TF1D
	if typ == candidate.TypeLongterm {
		tf = market.TF1W
	}
	set := &indicators.Set{
		Timeframe:  tf,
		Price:      s.price,
		EMA20:      indicators.Float(s.ema20),
		EMA50:      indicators.Float(s.ema50),
		ADX:        s.adx,
		RSI:        s.rsi,
		Supertrend: &indicators.Supertrend{Value: s.ema50, Direction: dir},
	}
	return candidate.New(market.Instrument{ID: 7, Symbol: "RELIANCE"}, typ, &candidate.Screening{
		Primary:    tf,
		Indicators: map[market.Timeframe]*indicators.Set{tf: set},
		Structure:  s.structure,
		MTF:        s.mtf,
	})
}

func newTestDetector() *Detector {
	return NewDetector(config.Default().Setup, nil, logging.Nop())
}

func TestDetectScenarios(t *testing.T) {
	f := indicators.Float
	consolidating := &analysis.Structure{
		Consolidating: true,
		RangeLow:      98,
		RangeHigh:     102.5,
		Resistance:    f(104),
	}
	brokenOut := &analysis.Structure{
		Consolidating: true,
		RangeLow:      98,
		RangeHigh:     100.5,
		Resistance:    f(100.5),
		SwingHighs:    []analysis.SwingPoint{{Price: 103, CandleIndex: 50}, {Price: 100.5, CandleIndex: 190}},
	}
	misaligned := &analysis.MTFResult{Trend: analysis.TrendAlignment{Aligned: false, BullishCount: 1, Total: 2}}

	tests := []struct {
		name       string
		typ        candidate.ScreenerType
		snap       snapshot
		status     candidate.SetupStatus
		invalidate *float64
		reason     string
	}{
		{
			name:       "ready near EMA20",
			typ:        candidate.TypeSwing,
			snap:       snapshot{price: 101, ema20: 100, ema50: 95, adx: f(30)},
			status:     candidate.StatusReady,
			invalidate: f(95),
		},
		{
			name:       "extended waits for pullback",
			typ:        candidate.TypeSwing,
			snap:       snapshot{price: 116, ema20: 100, ema50: 95, adx: f(30)},
			status:     candidate.StatusWaitPullback,
			invalidate: f(95),
		},
		{
			name:   "bearish supertrend",
			typ:    candidate.TypeSwing,
			snap:   snapshot{price: 101, ema20: 100, ema50: 95, adx: f(30), bearish: true},
			status: candidate.StatusNotReady,
			reason: "not bullish",
		},
		{
			name:   "EMA20 below EMA50",
			typ:    candidate.TypeSwing,
			snap:   snapshot{price: 101, ema20: 100, ema50: 102, adx: f(30)},
			status: candidate.StatusNotReady,
			reason: "EMA20",
		},
		{
			name:       "consolidating under resistance",
			typ:        candidate.TypeSwing,
			snap:       snapshot{price: 101, ema20: 100, ema50: 95, adx: f(30), structure: consolidating},
			status:     candidate.StatusWaitBreakout,
			invalidate: f(98),
		},
		{
			name:       "above trailing resistance ignores older swing highs",
			typ:        candidate.TypeSwing,
			snap:       snapshot{price: 101, ema20: 100, ema50: 95, adx: f(30), structure: brokenOut},
			status:     candidate.StatusReady,
			invalidate: f(95),
		},
		{
			name:   "weak ADX",
			typ:    candidate.TypeSwing,
			snap:   snapshot{price: 101, ema20: 100, ema50: 95, adx: f(15)},
			status: candidate.StatusNotReady,
			reason: "too weak",
		},
		{
			name:       "swing overbought waits",
			typ:        candidate.TypeSwing,
			snap:       snapshot{price: 101, ema20: 100, ema50: 95, adx: f(30), rsi: f(80)},
			status:     candidate.StatusWaitPullback,
			invalidate: f(95),
		},
		{
			name:   "longterm overbought is not ready",
			typ:    candidate.TypeLongterm,
			snap:   snapshot{price: 101, ema20: 100, ema50: 95, adx: f(30), rsi: f(80)},
			status: candidate.StatusNotReady,
			reason: "overbought",
		},
		{
			name:   "timeframes misaligned",
			typ:    candidate.TypeSwing,
			snap:   snapshot{price: 101, ema20: 100, ema50: 95, adx: f(30), mtf: misaligned},
			status: candidate.StatusNotReady,
			reason: "not aligned",
		},
		{
			name:       "momentum continuation",
			typ:        candidate.TypeSwing,
			snap:       snapshot{price: 107, ema20: 100, ema50: 95, adx: f(30)},
			status:     candidate.StatusReady,
			invalidate: f(95),
		},
		{
			name:   "extended without strong ADX",
			typ:    candidate.TypeSwing,
			snap:   snapshot{price: 107, ema20: 100, ema50: 95, adx: f(22)},
			status: candidate.StatusNotReady,
			reason: "not optimal",
		},
		{
			name:       "longterm accumulate",
			typ:        candidate.TypeLongterm,
			snap:       snapshot{price: 106, ema20: 100, ema50: 90, adx: f(22)},
			status:     candidate.StatusAccumulate,
			invalidate: f(90),
		},
		{
			name:       "longterm waits for dip",
			typ:        candidate.TypeLongterm,
			snap:       snapshot{price: 93, ema20: 100, ema50: 90, adx: f(22)},
			status:     candidate.StatusWaitDip,
			invalidate: f(90),
		},
		{
			name:   "missing ADX",
			typ:    candidate.TypeSwing,
			snap:   snapshot{price: 101, ema20: 100, ema50: 95},
			status: candidate.StatusNotReady,
			reason: "ADX unavailable",
		},
	}

	d := newTestDetector()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := d.Detect(build(tt.typ, tt.snap), NoPositions{})
			if r.Status != tt.status {
				t.Fatalf("status = %s (%s), want %s", r.Status, r.Reason, tt.status)
			}
			if r.Reason == "" {
				t.Error("reason must not be empty")
			}
			if tt.reason != "" && !strings.Contains(r.Reason, tt.reason) {
				t.Errorf("reason %q does not contain %q", r.Reason, tt.reason)
			}
			if tt.invalidate != nil {
				if r.InvalidateIf == nil || *r.InvalidateIf != *tt.invalidate {
					t.Errorf("invalidate_if = %v, want %v", r.InvalidateIf, *tt.invalidate)
				}
			}
		})
	}
}

func TestDetectInPositionShortCircuits(t *testing.T) {
	c := build(candidate.TypeSwing, snapshot{price: 101, ema20: 100, ema50: 95, adx: indicators.Float(30)})
	r := newTestDetector().Detect(c, held{7: true})
	if r.Status != candidate.StatusInPosition {
		t.Fatalf("status = %s", r.Status)
	}
}

func TestDetectMissingIndicators(t *testing.T) {
	c := candidate.New(market.Instrument{ID: 1}, candidate.TypeSwing, &candidate.Screening{Primary: market.TF1D})
	if r := newTestDetector().Detect(c, nil); r.Status != candidate.StatusNotReady {
		t.Fatalf("status = %s", r.Status)
	}
}

func TestDetectDeterministic(t *testing.T) {
	d := newTestDetector()
	snap := snapshot{price: 103, ema20: 100, ema50: 95, adx: indicators.Float(27), rsi: indicators.Float(62)}

	first := d.Detect(build(candidate.TypeSwing, snap), NoPositions{})
	for i := 0; i < 10; i++ {
		again := d.Detect(build(candidate.TypeSwing, snap), NoPositions{})
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d: %+v != %+v", i, again, first)
		}
	}
}

func TestApplyAssignsOnce(t *testing.T) {
	d := newTestDetector()
	ready := build(candidate.TypeSwing, snapshot{price: 101, ema20: 100, ema50: 95, adx: indicators.Float(30)})
	pre := build(candidate.TypeSwing, snapshot{price: 101, ema20: 100, ema50: 95, adx: indicators.Float(30)})
	if err := pre.SetSetup(&candidate.SetupResult{Status: candidate.StatusInPosition, Reason: "seeded"}); err != nil {
		t.Fatal(err)
	}

	counts := d.Apply(context.Background(), "run", []*candidate.Candidate{ready, pre}, NoPositions{})
	if counts[candidate.StatusReady] != 1 || counts[candidate.StatusInPosition] != 1 {
		t.Fatalf("counts = %v", counts)
	}
	if pre.Status() != candidate.StatusInPosition {
		t.Errorf("seeded status overwritten: %s", pre.Status())
	}
	if got := Actionable([]*candidate.Candidate{ready, pre}); len(got) != 1 || got[0] != ready {
		t.Errorf("actionable = %v", got)
	}
}
