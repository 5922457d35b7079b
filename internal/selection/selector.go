// Package selection turns the ranked, judged candidates into a final tiered
// list that respects portfolio limits.
package selection

import (
	"context"
	"fmt"
	"math"
	"sort"

	"equity-screener/config"
	"equity-screener/internal/candidate"
	"equity-screener/internal/logging"
	"equity-screener/internal/metrics"
	"equity-screener/internal/portfolio"
)

// Result is the selector output
type Result struct {
	Selected []*candidate.Candidate `json:"-"`
	Rejected []candidate.Exclusion  `json:"rejected,omitempty"`
	Tiers    map[int]int            `json:"tiers"`

	// CapitalCommitted is the sum of capital used by selected plans
	CapitalCommitted float64 `json:"capital_committed"`
}

// Selector applies the final ranking and portfolio constraints
type Selector struct {
	cfg     config.SelectionConfig
	sink    candidate.Sink
	metrics *metrics.Recorder
	logger  *logging.Logger
}

// NewSelector creates a selector
func NewSelector(cfg config.SelectionConfig, sink candidate.Sink, rec *metrics.Recorder, logger *logging.Logger) *Selector {
	if sink == nil {
		sink = candidate.NopSink{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Selector{cfg: cfg, sink: sink, metrics: rec, logger: logger.WithComponent("selection")}
}

// Combined blends screener, quality and AI confidence (scaled to 0-100).
// Missing parts drop out and the remaining weights are renormalised.
func (s *Selector) Combined(c *candidate.Candidate) float64 {
	var sum, weights float64
	if _, ok := c.Screening(); ok {
		sum += s.cfg.ScreenerWeight * c.CompositeScore()
		weights += s.cfg.ScreenerWeight
	}
	if _, ok := c.Quality(); ok {
		sum += s.cfg.QualityWeight * c.QualityScore()
		weights += s.cfg.QualityWeight
	}
	if r, ok := c.AI(); ok && r.HasVerdict() {
		sum += s.cfg.AIWeight * r.Confidence * 10
		weights += s.cfg.AIWeight
	}
	if weights == 0 {
		return 0
	}
	return math.Round(sum/weights*100) / 100
}

// admission is the selection state of one call; the snapshot stays untouched
type admission struct {
	positions int
	trades    int
	capital   float64
	sectors   map[string]int
	batch     map[string]int
}

// Select ranks candidates by combined score and admits them greedily while
// every portfolio limit holds
func (s *Selector) Select(ctx context.Context, runKey string, cs []*candidate.Candidate, snap *portfolio.Snapshot) *Result {
	res := &Result{Tiers: make(map[int]int)}

	ranked := make([]*candidate.Candidate, 0, len(cs))
	scores := make(map[*candidate.Candidate]float64, len(cs))
	for _, c := range cs {
		scores[c] = s.Combined(c)
		ranked = append(ranked, c)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if a, b := scores[ranked[i]], scores[ranked[j]]; a != b {
			return a > b
		}
		if a, b := ranked[i].QualityScore(), ranked[j].QualityScore(); a != b {
			return a > b
		}
		return ranked[i].Instrument.ID < ranked[j].Instrument.ID
	})

	st := &admission{
		positions: snap.OpenPositions,
		capital:   snap.AvailableCapital,
		sectors:   make(map[string]int, len(snap.SectorPositions)),
		batch:     make(map[string]int),
	}
	for k, v := range snap.SectorPositions {
		st.sectors[k] = v
	}
	floor := s.cfg.CapitalFloor * snap.MaxPositionValue()

	for rank, c := range ranked {
		sel := &candidate.Selection{CombinedScore: scores[c], Rank: rank + 1}
		c.SetSelection(sel)

		if reason := s.check(c, snap, st, floor); reason != "" {
			sel.Reason = reason
			c.Note("selection: rejected, %s", reason)
			res.Rejected = append(res.Rejected, candidate.Exclusion{
				InstrumentID: c.Instrument.ID,
				Symbol:       c.Instrument.Symbol,
				Stage:        candidate.StageSelection,
				Reason:       reason,
			})
			continue
		}

		plan, _ := c.Plan()
		st.positions++
		st.trades++
		st.capital -= plan.CapitalUsed
		if c.Sector != "" {
			st.sectors[c.Sector]++
			st.batch[c.Sector]++
		}
		res.CapitalCommitted += plan.CapitalUsed

		sel.Selected = true
		sel.Tier = s.tierFor(len(res.Selected))
		sel.Reason = fmt.Sprintf("tier %d, combined %.2f", sel.Tier, sel.CombinedScore)
		c.Note("selection: %s", sel.Reason)
		res.Selected = append(res.Selected, c)
		res.Tiers[sel.Tier]++
		s.metrics.Selected(string(c.Type), sel.Tier)
	}

	for _, c := range ranked {
		if err := s.sink.SaveCandidate(ctx, runKey, candidate.StageSelection, c); err != nil {
			s.logger.Warn("Failed to persist selection", "symbol", c.Instrument.Symbol, "error", err)
		}
	}

	s.logger.Info("Selection complete",
		"run_key", runKey,
		"considered", len(ranked),
		"selected", len(res.Selected),
		"rejected", len(res.Rejected),
		"capital_committed", res.CapitalCommitted)
	return res
}

// check returns the first violated limit, or "" when c may be admitted
func (s *Selector) check(c *candidate.Candidate, snap *portfolio.Snapshot, st *admission, floor float64) string {
	if _, ok := c.Plan(); !ok {
		return "no trade plan"
	}
	if st.positions >= snap.MaxPositions {
		return fmt.Sprintf("max positions reached (%d)", snap.MaxPositions)
	}
	if st.trades >= snap.DailyTradeBudget {
		return fmt.Sprintf("daily trade budget exhausted (%d)", snap.DailyTradeBudget)
	}
	if st.capital < floor {
		return fmt.Sprintf("insufficient capital (%.0f available)", math.Max(st.capital, 0))
	}
	// Unknown sectors carry no sector constraint
	sector := c.Sector
	if sector == "" {
		return ""
	}
	if st.sectors[sector] >= snap.MaxPerSector {
		return fmt.Sprintf("sector limit reached for %s (%d)", sector, snap.MaxPerSector)
	}
	if st.batch[sector] >= s.cfg.CorrelationLimit {
		return fmt.Sprintf("correlated with %d selected %s names", st.batch[sector], sector)
	}
	return ""
}

// tierFor maps the admitted index to a tier
func (s *Selector) tierFor(admitted int) int {
	switch {
	case admitted < s.cfg.Tier1Size:
		return 1
	case admitted < s.cfg.Tier1Size+s.cfg.Tier2Size:
		return 2
	default:
		return 3
	}
}
