// Package candidate holds the record that flows through every screening
// stage. Stage output is grouped per stage and only reachable through typed
// accessors, so a stage cannot read fields an upstream stage never wrote.
package candidate

import (
	"encoding/json"
	"errors"
	"fmt"

	"equity-screener/internal/analysis"
	"equity-screener/internal/indicators"
	"equity-screener/internal/market"
)

// ScreenerType selects the swing or longterm pipeline
type ScreenerType string

const (
	TypeSwing    ScreenerType = "swing"
	TypeLongterm ScreenerType = "longterm"
)

// Valid reports whether t is a known screener type
func (t ScreenerType) Valid() bool {
	return t == TypeSwing || t == TypeLongterm
}

// ParseType converts user input into a ScreenerType
func ParseType(s string) (ScreenerType, error) {
	t := ScreenerType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown screener type %q", s)
	}
	return t, nil
}

// Stage names used for persistence keys and progress events
const (
	StageScreener  = "screener"
	StageSetup     = "setup"
	StageQuality   = "quality"
	StagePlan      = "plan"
	StageAI        = "ai"
	StageSelection = "selection"
)

var (
	// ErrInsufficientData marks a non-fatal skip for missing history or indicator windows
	ErrInsufficientData = errors.New("insufficient data")

	// ErrSetupAlreadySet is returned when a stage tries to reclassify a candidate
	ErrSetupAlreadySet = errors.New("setup status already assigned")
)

// SetupStatus is the tradeability classification of a candidate
type SetupStatus string

const (
	StatusReady        SetupStatus = "READY"
	StatusWaitPullback SetupStatus = "WAIT_PULLBACK"
	StatusWaitBreakout SetupStatus = "WAIT_BREAKOUT"
	StatusNotReady     SetupStatus = "NOT_READY"
	StatusInPosition   SetupStatus = "IN_POSITION"
	StatusAccumulate   SetupStatus = "ACCUMULATE"
	StatusWaitDip      SetupStatus = "WAIT_DIP"
)

// Actionable is true for statuses that may receive a trade plan
func (s SetupStatus) Actionable() bool {
	return s == StatusReady || s == StatusAccumulate
}

// Metadata is descriptive context computed by the screener
type Metadata struct {
	Volatility   string  `json:"volatility"`
	Momentum     string  `json:"momentum"`
	Structure    string  `json:"structure"`
	DistanceEMA  float64 `json:"distance_ema20"`
	PrimaryBars  int     `json:"primary_bars"`
	FactorsUsed  int     `json:"factors_used"`
	FactorsTotal int     `json:"factors_total"`
}

// Factor is one scored component of the base score
type Factor struct {
	Name      string  `json:"name"`
	Points    float64 `json:"points"`
	Max       float64 `json:"max"`
	Available bool    `json:"available"`
}

// Screening is the screener stage output
type Screening struct {
	BaseScore      float64          `json:"base_score"`
	MTFScore       float64          `json:"mtf_score"`
	CompositeScore float64          `json:"composite_score"`
	Primary        market.Timeframe `json:"primary_timeframe"`

	Indicators map[market.Timeframe]*indicators.Set `json:"indicators"`
	MTF        *analysis.MTFResult                  `json:"mtf,omitempty"`
	Structure  *analysis.Structure                  `json:"structure,omitempty"`
	Factors    []Factor                             `json:"factors,omitempty"`
	Metadata   Metadata                             `json:"metadata"`
}

// PrimarySet returns the indicator set of the primary timeframe
func (s *Screening) PrimarySet() (*indicators.Set, bool) {
	if s == nil {
		return nil, false
	}
	set, ok := s.Indicators[s.Primary]
	return set, ok && set != nil
}

// SetupResult is the setup detector output
type SetupResult struct {
	Status       SetupStatus `json:"status"`
	Reason       string      `json:"reason"`
	InvalidateIf *float64    `json:"invalidate_if,omitempty"`
	DistanceEMA  float64     `json:"distance_ema20"`
}

// Quality is the trade quality ranker output
type Quality struct {
	Trend      float64  `json:"trend"`
	Structure  float64  `json:"structure"`
	Location   float64  `json:"location"`
	Volatility float64  `json:"volatility"`
	Liquidity  float64  `json:"liquidity"`
	RiskReward float64  `json:"risk_reward"`
	Total      float64  `json:"total"`
	Grade      string   `json:"grade"`
	EstimatedR float64  `json:"estimated_r"`
	Notes      []string `json:"notes,omitempty"`
}

// TradePlan is a sized entry/stop/target for an actionable candidate
type TradePlan struct {
	Entry       float64 `json:"entry"`
	StopLoss    float64 `json:"stop_loss"`
	TakeProfit  float64 `json:"take_profit"`
	Quantity    int64   `json:"quantity"`
	CapitalUsed float64 `json:"capital_used"`
	RiskAmount  float64 `json:"risk_amount"`
	RiskReward  float64 `json:"risk_reward"`
	EntryBasis  string  `json:"entry_basis"`
	StopBasis   string  `json:"stop_basis"`
	TargetBasis string  `json:"target_basis"`
}

// AIStatus records how the AI stage treated a candidate
type AIStatus string

const (
	AIEvaluated AIStatus = "evaluated"
	AICached    AIStatus = "cached"
	AIFailed    AIStatus = "failed"
	AIFallback  AIStatus = "fallback"
	AIFiltered  AIStatus = "filtered"
)

// AIResult is the AI evaluator output
type AIResult struct {
	Status       AIStatus `json:"status"`
	Confidence   float64  `json:"confidence"`
	RiskCategory string   `json:"risk_category,omitempty"`
	Timeframe    string   `json:"timeframe,omitempty"`
	Avoid        bool     `json:"avoid"`
	Rationale    string   `json:"rationale,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// HasVerdict is true when a confidence value came from the judge
func (r *AIResult) HasVerdict() bool {
	return r != nil && (r.Status == AIEvaluated || r.Status == AICached || r.Status == AIFiltered)
}

// Selection is the final selector output
type Selection struct {
	CombinedScore float64 `json:"combined_score"`
	Selected      bool    `json:"selected"`
	Tier          int     `json:"tier,omitempty"`
	Rank          int     `json:"rank,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// Candidate is the record annotated by each stage in turn
type Candidate struct {
	Instrument market.Instrument
	Type       ScreenerType
	Sector     string

	// Reasons is the append-only explanation trail across stages
	Reasons []string

	screening *Screening
	setup     *SetupResult
	quality   *Quality
	plan      *TradePlan
	ai        *AIResult
	selection *Selection
}

// New creates a candidate from screener output; only the screener creates candidates
func New(inst market.Instrument, typ ScreenerType, screening *Screening) *Candidate {
	return &Candidate{Instrument: inst, Type: typ, Sector: inst.Sector, screening: screening}
}

// Note appends a reason string
func (c *Candidate) Note(format string, args ...interface{}) {
	c.Reasons = append(c.Reasons, fmt.Sprintf(format, args...))
}

func (c *Candidate) Screening() (*Screening, bool) { return c.screening, c.screening != nil }
func (c *Candidate) Setup() (*SetupResult, bool)   { return c.setup, c.setup != nil }
func (c *Candidate) Quality() (*Quality, bool)     { return c.quality, c.quality != nil }
func (c *Candidate) Plan() (*TradePlan, bool)      { return c.plan, c.plan != nil }
func (c *Candidate) AI() (*AIResult, bool)         { return c.ai, c.ai != nil }
func (c *Candidate) Selection() (*Selection, bool) { return c.selection, c.selection != nil }

// CompositeScore is the screener composite or 0
func (c *Candidate) CompositeScore() float64 {
	if c.screening == nil {
		return 0
	}
	return c.screening.CompositeScore
}

// QualityScore is the quality total or 0
func (c *Candidate) QualityScore() float64 {
	if c.quality == nil {
		return 0
	}
	return c.quality.Total
}

// Status is the setup status, or "" when the detector has not run
func (c *Candidate) Status() SetupStatus {
	if c.setup == nil {
		return ""
	}
	return c.setup.Status
}

// SetSetup assigns the setup classification once
func (c *Candidate) SetSetup(r *SetupResult) error {
	if c.setup != nil {
		return ErrSetupAlreadySet
	}
	c.setup = r
	return nil
}

func (c *Candidate) SetQuality(q *Quality)     { c.quality = q }
func (c *Candidate) SetPlan(p *TradePlan)      { c.plan = p }
func (c *Candidate) SetAI(r *AIResult)         { c.ai = r }
func (c *Candidate) SetSelection(s *Selection) { c.selection = s }

// record is the persisted shape of a candidate
type record struct {
	Instrument market.Instrument `json:"instrument"`
	Type       ScreenerType      `json:"type"`
	Sector     string            `json:"sector,omitempty"`
	Reasons    []string          `json:"reasons,omitempty"`
	Screening  *Screening        `json:"screening,omitempty"`
	Setup      *SetupResult      `json:"setup,omitempty"`
	Quality    *Quality          `json:"quality,omitempty"`
	Plan       *TradePlan        `json:"plan,omitempty"`
	AI         *AIResult         `json:"ai,omitempty"`
	Selection  *Selection        `json:"selection,omitempty"`
}

// MarshalJSON writes every populated stage group
func (c *Candidate) MarshalJSON() ([]byte, error) {
	return json.Marshal(record{
		Instrument: c.Instrument,
		Type:       c.Type,
		Sector:     c.Sector,
		Reasons:    c.Reasons,
		Screening:  c.screening,
		Setup:      c.setup,
		Quality:    c.quality,
		Plan:       c.plan,
		AI:         c.ai,
		Selection:  c.selection,
	})
}

// UnmarshalJSON restores a persisted candidate
func (c *Candidate) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*c = Candidate{
		Instrument: r.Instrument,
		Type:       r.Type,
		Sector:     r.Sector,
		Reasons:    r.Reasons,
		screening:  r.Screening,
		setup:      r.Setup,
		quality:    r.Quality,
		plan:       r.Plan,
		ai:         r.AI,
		selection:  r.Selection,
	}
	return nil
}
