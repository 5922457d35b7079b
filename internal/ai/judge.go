// Package ai submits actionable candidates to an external judge and filters
// them on its verdict, within a daily call budget.
package ai

import (
	"context"
	"errors"
	"math"
	"strings"

	"equity-screener/internal/candidate"
)

var (
	// ErrJudgeUnavailable means the judge could not be reached or refused the call
	ErrJudgeUnavailable = errors.New("judge unavailable")

	// ErrMalformedVerdict means the judge answered but the reply could not be parsed
	ErrMalformedVerdict = errors.New("malformed verdict")
)

// Risk categories
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Holding timeframes
const (
	HorizonShort  = "short"
	HorizonMedium = "medium"
	HorizonLong   = "long"
)

// Context is everything the judge sees about one candidate
type Context struct {
	Symbol       string                 `json:"symbol"`
	Exchange     string                 `json:"exchange"`
	Sector       string                 `json:"sector,omitempty"`
	Type         candidate.ScreenerType `json:"screener"`
	Price        float64                `json:"price"`
	Composite    float64                `json:"composite_score"`
	MTFScore     float64                `json:"mtf_score"`
	QualityScore float64                `json:"quality_score"`
	Grade        string                 `json:"grade,omitempty"`
	Setup        string                 `json:"setup_status"`
	SetupReason  string                 `json:"setup_reason,omitempty"`
	Entry        float64                `json:"entry,omitempty"`
	StopLoss     float64                `json:"stop_loss,omitempty"`
	Target       float64                `json:"target,omitempty"`
	RiskReward   float64                `json:"risk_reward,omitempty"`
	Indicators   map[string]float64     `json:"indicators,omitempty"`
	Metadata     candidate.Metadata     `json:"metadata"`
	Reasons      []string               `json:"reasons,omitempty"`
}

// Verdict is the judge's assessment
type Verdict struct {
	Confidence   float64 `json:"confidence"`
	RiskCategory string  `json:"risk_category"`
	Timeframe    string  `json:"timeframe"`
	Avoid        bool    `json:"avoid"`
	Rationale    string  `json:"rationale"`
}

// Judge evaluates a single candidate
type Judge interface {
	Evaluate(ctx context.Context, in Context) (Verdict, error)
}

// Normalize clamps and coerces a verdict into its allowed ranges. A
// non-finite confidence cannot be clamped meaningfully and is malformed.
func Normalize(v Verdict) (Verdict, error) {
	if math.IsNaN(v.Confidence) || math.IsInf(v.Confidence, 0) {
		return Verdict{}, ErrMalformedVerdict
	}
	v.Confidence = math.Max(0, math.Min(10, v.Confidence))

	switch r := strings.ToLower(strings.TrimSpace(v.RiskCategory)); r {
	case RiskLow, RiskMedium, RiskHigh:
		v.RiskCategory = r
	default:
		v.RiskCategory = RiskMedium
	}

	switch h := strings.ToLower(strings.TrimSpace(v.Timeframe)); h {
	case HorizonShort, HorizonMedium, HorizonLong:
		v.Timeframe = h
	default:
		v.Timeframe = HorizonMedium
	}

	v.Rationale = strings.TrimSpace(v.Rationale)
	return v, nil
}

// BuildContext assembles the judge input from a candidate's stage output
func BuildContext(c *candidate.Candidate) Context {
	in := Context{
		Symbol:       c.Instrument.Symbol,
		Exchange:     c.Instrument.Exchange,
		Sector:       c.Sector,
		Type:         c.Type,
		Price:        c.Instrument.LTP,
		Composite:    c.CompositeScore(),
		QualityScore: c.QualityScore(),
		Setup:        string(c.Status()),
		Reasons:      c.Reasons,
	}

	if sc, ok := c.Screening(); ok {
		in.MTFScore = sc.MTFScore
		in.Metadata = sc.Metadata
		if set, ok := sc.PrimarySet(); ok {
			in.Price = set.Price
			in.Indicators = make(map[string]float64)
			for name, v := range map[string]*float64{
				"ema20":        set.EMA20,
				"ema50":        set.EMA50,
				"ema200":       set.EMA200,
				"rsi":          set.RSI,
				"adx":          set.ADX,
				"atr_percent":  set.ATRPercent,
				"volume_ratio": set.VolumeRatio,
				"change_5":     set.Change5,
			} {
				if v != nil {
					in.Indicators[name] = *v
				}
			}
		}
	}
	if s, ok := c.Setup(); ok {
		in.SetupReason = s.Reason
	}
	if q, ok := c.Quality(); ok {
		in.Grade = q.Grade
	}
	if p, ok := c.Plan(); ok {
		in.Entry = p.Entry
		in.StopLoss = p.StopLoss
		in.Target = p.TakeProfit
		in.RiskReward = p.RiskReward
	}
	return in
}
