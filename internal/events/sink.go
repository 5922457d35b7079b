package events

import (
	"context"
	"encoding/json"

	"equity-screener/internal/cache"
	"equity-screener/internal/candidate"
	"equity-screener/internal/logging"
)

// CandidateStore persists candidate records
type CandidateStore interface {
	SaveCandidate(ctx context.Context, runKey, stage string, c *candidate.Candidate) error
}

// Publisher is the external event stream (Kafka in production)
type Publisher interface {
	Publish(ctx context.Context, key string, value interface{}) error
}

// Sink is the pipeline's progress and result sink. Candidates go to the
// store; progress goes to the cache snapshot and the bus. Both are copied
// to the publisher when one is configured. Only store errors are returned.
type Sink struct {
	store     CandidateStore
	bus       *EventBus
	cache     cache.Cache
	publisher Publisher
	logger    *logging.Logger
}

// SinkOption configures a Sink
type SinkOption func(*Sink)

// WithStore sets the candidate store
func WithStore(s CandidateStore) SinkOption { return func(k *Sink) { k.store = s } }

// WithBus sets the in-process event bus
func WithBus(b *EventBus) SinkOption { return func(k *Sink) { k.bus = b } }

// WithCache sets the cache holding the latest progress snapshot
func WithCache(c cache.Cache) SinkOption { return func(k *Sink) { k.cache = c } }

// WithPublisher sets the external event publisher
func WithPublisher(p Publisher) SinkOption { return func(k *Sink) { k.publisher = p } }

// NewSink creates a sink
func NewSink(logger *logging.Logger, opts ...SinkOption) *Sink {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Sink{logger: logger.WithComponent("events")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type candidateRecord struct {
	Kind      string               `json:"kind"`
	RunID     string               `json:"run_id"`
	Stage     string               `json:"stage"`
	Candidate *candidate.Candidate `json:"candidate"`
}

type progressRecord struct {
	Kind string `json:"kind"`
	candidate.Progress
}

// SaveCandidate implements candidate.Sink
func (s *Sink) SaveCandidate(ctx context.Context, runKey, stage string, c *candidate.Candidate) error {
	if s.store != nil {
		if err := s.store.SaveCandidate(ctx, runKey, stage, c); err != nil {
			return err
		}
	}
	if s.publisher != nil {
		rec := candidateRecord{Kind: "candidate", RunID: runKey, Stage: stage, Candidate: c}
		if err := s.publisher.Publish(ctx, runKey, rec); err != nil {
			s.logger.Debug("Failed to publish candidate", "symbol", c.Instrument.Symbol, "error", err)
		}
	}
	return nil
}

// Publish implements candidate.Sink
func (s *Sink) Publish(ctx context.Context, p candidate.Progress) error {
	if s.cache != nil {
		if data, err := json.Marshal(p); err == nil {
			if err := s.cache.Set(ctx, cache.ProgressKey(p.RunID), string(data), cache.ProgressTTL); err != nil {
				s.logger.Debug("Failed to cache progress", "run_id", p.RunID, "error", err)
			}
		}
	}
	if s.bus != nil {
		s.bus.PublishProgress(p)
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, p.RunID, progressRecord{Kind: "progress", Progress: p}); err != nil {
			s.logger.Debug("Failed to publish progress", "run_id", p.RunID, "error", err)
		}
	}
	return nil
}

// LatestProgress reads the cached progress snapshot of a run
func LatestProgress(ctx context.Context, c cache.Cache, runKey string) (*candidate.Progress, error) {
	raw, err := c.Get(ctx, cache.ProgressKey(runKey))
	if err != nil {
		return nil, err
	}
	p := &candidate.Progress{}
	if err := json.Unmarshal([]byte(raw), p); err != nil {
		return nil, err
	}
	return p, nil
}
