package candidate

import "context"

// Sink receives stage output for persistence and progress streaming.
// Errors are logged by callers and never abort a run.
type Sink interface {
	SaveCandidate(ctx context.Context, runKey, stage string, c *Candidate) error
	Publish(ctx context.Context, p Progress) error
}

// NopSink discards everything
type NopSink struct{}

func (NopSink) SaveCandidate(context.Context, string, string, *Candidate) error { return nil }
func (NopSink) Publish(context.Context, Progress) error                         { return nil }
