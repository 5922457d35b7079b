package candidate

import (
	"fmt"
	"time"
)

// RunStatus tracks a screener run's lifecycle
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one execution of the pipeline
type Run struct {
	ID           string       `json:"id"`
	Key          string       `json:"key"`
	Type         ScreenerType `json:"type"`
	Status       RunStatus    `json:"status"`
	UniverseSize int          `json:"universe_size"`
	Candidates   int          `json:"candidates"`
	Selected     int          `json:"selected"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`

	AICalls     int64  `json:"ai_calls"`
	AICacheHits int64  `json:"ai_cache_hits"`
	AIFailures  int64  `json:"ai_failures"`
	Error       string `json:"error,omitempty"`
}

// RunKey returns the idempotency scope for a run: the caller's run id when
// given, otherwise "<type>-YYYY-MM-DD" for the day the run started
func RunKey(runID *string, typ ScreenerType, now time.Time) string {
	if runID != nil && *runID != "" {
		return *runID
	}
	return fmt.Sprintf("%s-%s", typ, now.Format("2006-01-02"))
}

// ProgressStatus is the status field of a progress event
type ProgressStatus string

const (
	ProgressRunning   ProgressStatus = "running"
	ProgressCompleted ProgressStatus = "completed"
)

// Progress is an incremental snapshot of a run
type Progress struct {
	RunID      string         `json:"run_id"`
	Stage      string         `json:"stage"`
	Total      int64          `json:"total"`
	Processed  int64          `json:"processed"`
	Analyzed   int64          `json:"analyzed"`
	Skipped    int64          `json:"skipped"`
	Failed     int64          `json:"failed"`
	Candidates int64          `json:"candidates"`
	Status     ProgressStatus `json:"status"`
	At         time.Time      `json:"at"`
}
