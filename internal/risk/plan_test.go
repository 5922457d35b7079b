package risk

import (
	"context"
	"math/rand"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"equity-screener/config"
	"equity-screener/internal/analysis"
	"equity-screener/internal/candidate"
	"equity-screener/internal/indicators"
	"equity-screener/internal/logging"
	"equity-screener/internal/market"
)

func readyCandidate(price, ema20, ema50, atr float64, st *analysis.Structure, status candidate.SetupStatus) *candidate.Candidate {
	set := &indicators.Set{
		Timeframe: market.TF1D,
		Price:     price,
		EMA20:     indicators.Float(ema20),
		EMA50:     indicators.Float(ema50),
		ATR:       indicators.Float(atr),
	}
	c := candidate.New(market.Instrument{ID: 1, Symbol: "INFY"}, candidate.TypeSwing, &candidate.Screening{
		Primary:    market.TF1D,
		Indicators: map[market.Timeframe]*indicators.Set{market.TF1D: set},
		Structure:  st,
	})
	_ = c.SetSetup(&candidate.SetupResult{Status: status, Reason: "test"})
	return c
}

func newTestBuilder() *PlanBuilder {
	return NewPlanBuilder(config.Default().Plan, nil, logging.Nop())
}

func TestBuildPlan(t *testing.T) {
	budget := NewBudget(1_000_000, 1, 15)
	c := readyCandidate(101, 100, 95, 2, nil, candidate.StatusReady)

	plan, reason := newTestBuilder().Build(c, budget)
	if plan == nil {
		t.Fatalf("no plan: %s", reason)
	}
	if plan.Entry != 100 || plan.EntryBasis != "ema20" {
		t.Errorf("entry = %v (%s), want 100 at ema20", plan.Entry, plan.EntryBasis)
	}
	if plan.StopLoss != 96 || plan.TakeProfit != 110 {
		t.Errorf("stop/target = %v/%v, want 96/110", plan.StopLoss, plan.TakeProfit)
	}
	if plan.RiskReward != 2.5 {
		t.Errorf("rr = %v", plan.RiskReward)
	}
	// risk allows 2500 shares, capital 1500
	if plan.Quantity != 1500 || plan.CapitalUsed != 150000 || plan.RiskAmount != 6000 {
		t.Errorf("qty=%d capital=%v risk=%v", plan.Quantity, plan.CapitalUsed, plan.RiskAmount)
	}
}

func TestBuildPlanTargets(t *testing.T) {
	tests := []struct {
		name       string
		price      float64
		structure  *analysis.Structure
		wantTarget float64
		wantBasis  string
		wantReason string
	}{
		{
			name:       "resistance inside 1.2R band",
			price:      101,
			structure:  &analysis.Structure{Resistance: indicators.Float(111)},
			wantTarget: 111,
			wantBasis:  "resistance",
		},
		{
			name:       "resistance beyond band ignored",
			price:      101,
			structure:  &analysis.Structure{Resistance: indicators.Float(125)},
			wantTarget: 110,
			wantBasis:  "2.5R",
		},
		{
			name:       "near resistance breaks the floor",
			price:      101,
			structure:  &analysis.Structure{Resistance: indicators.Float(104)},
			wantReason: "risk-reward",
		},
		{
			name:       "swing low tightens the stop",
			price:      101,
			structure:  &analysis.Structure{SwingLows: []analysis.SwingPoint{{Price: 97, CandleIndex: 3}}},
			wantTarget: 107.5,
			wantBasis:  "2.5R",
		},
		{
			name:       "far from EMA20 enters at price",
			price:      104,
			wantTarget: 114,
			wantBasis:  "2.5R",
		},
	}

	b := newTestBuilder()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, reason := b.Build(readyCandidate(tt.price, 100, 95, 2, tt.structure, candidate.StatusReady), NewBudget(500_000, 1, 15))
			if tt.wantReason != "" {
				if plan != nil || !strings.Contains(reason, tt.wantReason) {
					t.Fatalf("plan = %+v, reason = %q", plan, reason)
				}
				return
			}
			if plan == nil {
				t.Fatalf("rejected: %s", reason)
			}
			if plan.TakeProfit != tt.wantTarget || plan.TargetBasis != tt.wantBasis {
				t.Errorf("target = %v (%s), want %v (%s)", plan.TakeProfit, plan.TargetBasis, tt.wantTarget, tt.wantBasis)
			}
		})
	}
}

func TestBuildRejectsNonActionable(t *testing.T) {
	b := newTestBuilder()
	for _, status := range []candidate.SetupStatus{candidate.StatusWaitPullback, candidate.StatusNotReady, candidate.StatusInPosition} {
		plan, reason := b.Build(readyCandidate(101, 100, 95, 2, nil, status), NewBudget(1_000_000, 1, 15))
		if plan != nil || reason == "" {
			t.Errorf("%s: plan = %+v", status, plan)
		}
	}
}

func TestQuantityMinimumOne(t *testing.T) {
	plan, _ := newTestBuilder().Build(readyCandidate(101, 100, 95, 2, nil, candidate.StatusAccumulate), NewBudget(100, 1, 15))
	if plan == nil || plan.Quantity != 1 {
		t.Fatalf("plan = %+v", plan)
	}
}

// Every plan keeps target - entry >= 2 * (entry - stop) after tick rounding.
func TestPlanNeverBelowMinimumRiskReward(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := newTestBuilder()
	two := decimal.NewFromInt(2)

	built := 0
	for i := 0; i < 2000; i++ {
		ema20 := 20 + rng.Float64()*2000
		price := ema20 * (0.97 + rng.Float64()*0.1)
		ema50 := ema20 * (0.8 + rng.Float64()*0.19)
		atr := ema20 * (0.002 + rng.Float64()*0.05)

		var st *analysis.Structure
		if rng.Intn(2) == 0 {
			st = &analysis.Structure{
				Resistance: indicators.Float(price * (1 + rng.Float64()*0.3)),
				SwingLows:  []analysis.SwingPoint{{Price: ema50 * (0.95 + rng.Float64()*0.1)}},
			}
		}

		plan, _ := b.Build(readyCandidate(price, ema20, ema50, atr, st, candidate.StatusReady), NewBudget(1_000_000, 1, 15))
		if plan == nil {
			continue
		}
		built++
		entry := decimal.NewFromFloat(plan.Entry)
		reward := decimal.NewFromFloat(plan.TakeProfit).Sub(entry)
		risk := entry.Sub(decimal.NewFromFloat(plan.StopLoss))
		if reward.LessThan(risk.Mul(two)) {
			t.Fatalf("case %d: entry=%v stop=%v target=%v violates 2R floor", i, plan.Entry, plan.StopLoss, plan.TakeProfit)
		}
		if plan.Quantity < 1 {
			t.Fatalf("case %d: quantity %d", i, plan.Quantity)
		}
	}
	if built == 0 {
		t.Fatal("no plans built")
	}
}

func TestApplySplitsPlannedAndRejected(t *testing.T) {
	ok := readyCandidate(101, 100, 95, 2, nil, candidate.StatusReady)
	bad := readyCandidate(101, 100, 95, 2, &analysis.Structure{Resistance: indicators.Float(104)}, candidate.StatusReady)

	planned, rejected := newTestBuilder().Apply(context.Background(), "run", []*candidate.Candidate{ok, bad}, NewBudget(1_000_000, 1, 15))
	if len(planned) != 1 || planned[0] != ok {
		t.Fatalf("planned = %v", planned)
	}
	if len(rejected) != 1 || rejected[0].Stage != candidate.StagePlan {
		t.Fatalf("rejected = %v", rejected)
	}
	if _, has := bad.Plan(); has {
		t.Error("rejected candidate must not carry a plan")
	}
}
