// Package risk builds sized trade plans for actionable candidates.
package risk

import (
	"context"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"equity-screener/config"
	"equity-screener/internal/candidate"
	"equity-screener/internal/indicators"
	"equity-screener/internal/logging"
)

// Budget is the per-trade capital envelope derived from the portfolio
type Budget struct {
	// RiskAmount is the money at risk per trade
	RiskAmount float64
	// MaxPositionCapital is the largest allowed position value
	MaxPositionCapital float64
}

// NewBudget derives a budget from total equity and percentage limits
func NewBudget(equity, riskPerTradePct, maxCapitalPct float64) Budget {
	return Budget{
		RiskAmount:         equity * riskPerTradePct / 100,
		MaxPositionCapital: equity * maxCapitalPct / 100,
	}
}

// PlanBuilder computes entry, stop, target and size
type PlanBuilder struct {
	cfg    config.PlanConfig
	tick   decimal.Decimal
	sink   candidate.Sink
	logger *logging.Logger
}

// NewPlanBuilder creates a plan builder
func NewPlanBuilder(cfg config.PlanConfig, sink candidate.Sink, logger *logging.Logger) *PlanBuilder {
	if sink == nil {
		sink = candidate.NopSink{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	tick := decimal.NewFromFloat(cfg.TickSize)
	if !tick.IsPositive() {
		tick = decimal.NewFromFloat(0.05)
	}
	return &PlanBuilder{cfg: cfg, tick: tick, sink: sink, logger: logger.WithComponent("risk")}
}

// Build returns a plan, or nil with the rejection reason. Only READY and
// ACCUMULATE candidates are planned, and no plan below the minimum
// risk-reward is ever returned.
func (b *PlanBuilder) Build(c *candidate.Candidate, budget Budget) (*candidate.TradePlan, string) {
	if !c.Status().Actionable() {
		return nil, fmt.Sprintf("status %s is not actionable", c.Status())
	}
	sc, _ := c.Screening()
	set, ok := sc.PrimarySet()
	if !ok || set.Price <= 0 || set.EMA20 == nil {
		return nil, "insufficient indicator data for a plan"
	}

	price, ema20 := set.Price, *set.EMA20

	entry, entryBasis := price, "price"
	if math.Abs(price-ema20)/ema20*100 <= b.cfg.EntryBand {
		entry, entryBasis = ema20, "ema20"
	}

	stop, stopBasis := 0.0, ""
	consider := func(level float64, basis string) {
		if level > 0 && level < entry && level > stop {
			stop, stopBasis = level, basis
		}
	}
	if atr, ok := indicators.Value(set.ATR); ok && atr > 0 {
		consider(entry-b.cfg.ATRStopMult*atr, fmt.Sprintf("%.1fx ATR", b.cfg.ATRStopMult))
	}
	if ema50, ok := indicators.Value(set.EMA50); ok {
		consider(ema50, "ema50")
	}
	if low, ok := sc.Structure.NearestSwingLowBelow(entry); ok {
		consider(low, "swing low")
	}
	if stopBasis == "" {
		return nil, "no stop reference below entry"
	}

	risk := entry - stop
	target, targetBasis := entry+b.cfg.TargetR*risk, fmt.Sprintf("%.1fR", b.cfg.TargetR)
	if res, ok := sc.Structure.ResistanceAbove(entry); ok && res-entry <= b.cfg.StructureWithin*(target-entry) {
		target, targetBasis = res, "resistance"
	}

	// entry to the nearest tick, stop and target rounded against the trade
	dEntry := b.roundTick(decimal.NewFromFloat(entry))
	dStop := b.floorTick(decimal.NewFromFloat(stop))
	dTarget := b.floorTick(decimal.NewFromFloat(target))

	dRisk := dEntry.Sub(dStop)
	if !dRisk.IsPositive() {
		return nil, "stop collapses onto entry at tick size"
	}
	rr := dTarget.Sub(dEntry).Div(dRisk)
	if rr.LessThan(decimal.NewFromFloat(b.cfg.MinRiskReward)) {
		return nil, fmt.Sprintf("risk-reward %s below %.1f (target %s)", rr.StringFixed(2), b.cfg.MinRiskReward, targetBasis)
	}

	qty := sizePosition(dEntry, dRisk, budget)
	capital := dEntry.Mul(decimal.NewFromInt(qty))
	riskAmount := dRisk.Mul(decimal.NewFromInt(qty))

	return &candidate.TradePlan{
		Entry:       dEntry.InexactFloat64(),
		StopLoss:    dStop.InexactFloat64(),
		TakeProfit:  dTarget.InexactFloat64(),
		Quantity:    qty,
		CapitalUsed: capital.Round(2).InexactFloat64(),
		RiskAmount:  riskAmount.Round(2).InexactFloat64(),
		RiskReward:  rr.Round(2).InexactFloat64(),
		EntryBasis:  entryBasis,
		StopBasis:   stopBasis,
		TargetBasis: targetBasis,
	}, ""
}

// Apply plans every actionable candidate and returns those with a plan, in
// input order, plus exclusions for the rejected ones
func (b *PlanBuilder) Apply(ctx context.Context, runKey string, cs []*candidate.Candidate, budget Budget) ([]*candidate.Candidate, []candidate.Exclusion) {
	var (
		planned  []*candidate.Candidate
		rejected []candidate.Exclusion
	)
	for _, c := range cs {
		plan, reason := b.Build(c, budget)
		if plan == nil {
			c.Note("no plan: %s", reason)
			rejected = append(rejected, candidate.Exclusion{
				InstrumentID: c.Instrument.ID,
				Symbol:       c.Instrument.Symbol,
				Stage:        candidate.StagePlan,
				Reason:       reason,
			})
			continue
		}
		c.SetPlan(plan)
		planned = append(planned, c)
		if err := b.sink.SaveCandidate(ctx, runKey, candidate.StagePlan, c); err != nil {
			b.logger.Warn("Failed to save plan", "symbol", c.Instrument.Symbol, "error", err)
		}
	}
	b.logger.Debug("Plans built", "run_key", runKey, "planned", len(planned), "rejected", len(rejected))
	return planned, rejected
}

// sizePosition takes the lesser of the risk-based and capital-based
// quantities, floored, minimum 1
func sizePosition(entry, riskPerShare decimal.Decimal, budget Budget) int64 {
	byRisk := decimal.NewFromFloat(budget.RiskAmount).Div(riskPerShare)
	byCapital := decimal.NewFromFloat(budget.MaxPositionCapital).Div(entry)

	qty := decimal.Min(byRisk, byCapital).Floor().IntPart()
	if qty < 1 {
		qty = 1
	}
	return qty
}

func (b *PlanBuilder) roundTick(v decimal.Decimal) decimal.Decimal {
	return v.Div(b.tick).Round(0).Mul(b.tick)
}

func (b *PlanBuilder) floorTick(v decimal.Decimal) decimal.Decimal {
	return v.Div(b.tick).Floor().Mul(b.tick)
}
