package market

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Timeframe is a candle interval understood by the candle store
type Timeframe string

const (
	TF15m Timeframe = "15m"
	TF1D  Timeframe = "1D"
	TF1W  Timeframe = "1W"
)

// Segment values as stored on instruments
const (
	SegmentEquity = "EQ"
)

// ErrUnorderedSeries is returned when candle timestamps are not strictly increasing
var ErrUnorderedSeries = errors.New("candle series is not strictly ordered")

// Instrument is read-only reference data for a tradable symbol
type Instrument struct {
	ID       int64   `json:"id"`
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	Segment  string  `json:"segment"`
	LTP      float64 `json:"ltp"`
	Sector   string  `json:"sector,omitempty"`
	// Penny marks instruments the exchange flags as penny stocks regardless of price
	Penny bool `json:"penny,omitempty"`
}

// Candle is one OHLCV bar
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Series is an ordered candle sequence for one instrument and timeframe
type Series struct {
	InstrumentID int64     `json:"instrument_id"`
	Timeframe    Timeframe `json:"timeframe"`
	Candles      []Candle  `json:"candles"`
}

// NewSeries builds a series and validates its ordering
func NewSeries(instrumentID int64, tf Timeframe, candles []Candle) (*Series, error) {
	s := &Series{InstrumentID: instrumentID, Timeframe: tf, Candles: candles}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks that timestamps are strictly increasing
func (s *Series) Validate() error {
	for i := 1; i < len(s.Candles); i++ {
		if !s.Candles[i].Time.After(s.Candles[i-1].Time) {
			return fmt.Errorf("%w: bar %d at %s not after %s", ErrUnorderedSeries,
				i, s.Candles[i].Time.Format(time.RFC3339), s.Candles[i-1].Time.Format(time.RFC3339))
		}
	}
	return nil
}

// Len returns the number of bars
func (s *Series) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Candles)
}

// Last returns the most recent bar
func (s *Series) Last() (Candle, bool) {
	if s.Len() == 0 {
		return Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// Closes, Highs, Lows and Volumes extract the column arrays used by indicator math
func (s *Series) Closes() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Close
	}
	return out
}

func (s *Series) Highs() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.High
	}
	return out
}

func (s *Series) Lows() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Low
	}
	return out
}

func (s *Series) Volumes() []float64 {
	out := make([]float64, len(s.Candles))
	for i, c := range s.Candles {
		out[i] = c.Volume
	}
	return out
}

// CandleStore loads persisted bars. Implementations must return bars in
// chronological order.
type CandleStore interface {
	LoadSeries(ctx context.Context, instrumentID int64, tf Timeframe, limit int) (*Series, error)
	CountBars(ctx context.Context, instrumentID int64, tf Timeframe) (int, error)
	EnsureFresh(ctx context.Context, instrumentIDs []int64) error
}

// UniverseSource lists the instruments a run starts from
type UniverseSource interface {
	ListInstruments(ctx context.Context, segment string) ([]Instrument, error)
}

// SectorLookup resolves an instrument's sector. ok=false means unknown,
// which callers treat as "no sector constraint".
type SectorLookup interface {
	SectorFor(ctx context.Context, inst Instrument) (sector string, ok bool)
}
