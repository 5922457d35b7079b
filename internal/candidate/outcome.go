package candidate

import (
	"errors"

	"equity-screener/internal/market"
)

// OutcomeKind tags a per-instrument stage result
type OutcomeKind string

const (
	OutcomeAnalyzed OutcomeKind = "analyzed"
	OutcomeSkipped  OutcomeKind = "skipped"
	OutcomeFailed   OutcomeKind = "failed"
)

// Outcome is the result of processing one instrument. Exactly one of
// Candidate (analyzed), Reason (skipped) or Err (failed) is meaningful.
type Outcome struct {
	Instrument market.Instrument
	Kind       OutcomeKind
	Candidate  *Candidate
	Reason     string
	Err        error
}

// Analyzed wraps a scored candidate
func Analyzed(c *Candidate) Outcome {
	return Outcome{Instrument: c.Instrument, Kind: OutcomeAnalyzed, Candidate: c}
}

// Skipped records a non-fatal data problem
func Skipped(inst market.Instrument, reason string) Outcome {
	return Outcome{Instrument: inst, Kind: OutcomeSkipped, Reason: reason}
}

// Failed records a computation error caught at the instrument boundary
func Failed(inst market.Instrument, err error) Outcome {
	return Outcome{Instrument: inst, Kind: OutcomeFailed, Err: err, Reason: err.Error()}
}

// FromError classifies an error: insufficient data skips, anything else fails
func FromError(inst market.Instrument, err error) Outcome {
	if errors.Is(err, ErrInsufficientData) {
		return Skipped(inst, err.Error())
	}
	return Failed(inst, err)
}

// Exclusion records why an instrument or candidate left the funnel
type Exclusion struct {
	InstrumentID int64  `json:"instrument_id"`
	Symbol       string `json:"symbol"`
	Stage        string `json:"stage"`
	Reason       string `json:"reason"`
}
