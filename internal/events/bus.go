package events

import (
	"sync"
	"time"

	"equity-screener/internal/candidate"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventRunStarted     EventType = "RUN_STARTED"
	EventRunProgress    EventType = "RUN_PROGRESS"
	EventStageCompleted EventType = "STAGE_COMPLETED"
	EventRunFinished    EventType = "RUN_FINISHED"
	EventCandidate      EventType = "CANDIDATE"
	EventError          EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishProgress publishes a run progress snapshot. Completed snapshots go
// out as STAGE_COMPLETED.
func (eb *EventBus) PublishProgress(p candidate.Progress) {
	typ := EventRunProgress
	if p.Status == candidate.ProgressCompleted {
		typ = EventStageCompleted
	}
	eb.Publish(Event{
		Type:      typ,
		Timestamp: p.At,
		Data: map[string]interface{}{
			"run_id":     p.RunID,
			"stage":      p.Stage,
			"total":      p.Total,
			"processed":  p.Processed,
			"analyzed":   p.Analyzed,
			"skipped":    p.Skipped,
			"failed":     p.Failed,
			"candidates": p.Candidates,
			"status":     p.Status,
		},
	})
}

// PublishRun publishes a run lifecycle change
func (eb *EventBus) PublishRun(run *candidate.Run) {
	typ := EventRunStarted
	if run.Status != candidate.RunRunning {
		typ = EventRunFinished
	}
	data := map[string]interface{}{
		"id":            run.ID,
		"run_id":        run.Key,
		"type":          run.Type,
		"status":        run.Status,
		"universe_size": run.UniverseSize,
		"candidates":    run.Candidates,
		"selected":      run.Selected,
	}
	if run.Error != "" {
		data["error"] = run.Error
	}
	eb.Publish(Event{Type: typ, Data: data})
}

// PublishCandidate publishes one selected candidate with its tier and plan
func (eb *EventBus) PublishCandidate(runKey string, c *candidate.Candidate) {
	data := map[string]interface{}{
		"run_id":          runKey,
		"instrument_id":   c.Instrument.ID,
		"symbol":          c.Instrument.Symbol,
		"type":            c.Type,
		"sector":          c.Sector,
		"status":          c.Status(),
		"composite_score": c.CompositeScore(),
	}
	if sel, ok := c.Selection(); ok {
		data["tier"] = sel.Tier
		data["rank"] = sel.Rank
		data["combined_score"] = sel.CombinedScore
	}
	if plan, ok := c.Plan(); ok {
		data["entry"] = plan.Entry
		data["stop_loss"] = plan.StopLoss
		data["take_profit"] = plan.TakeProfit
		data["quantity"] = plan.Quantity
	}
	eb.Publish(Event{Type: EventCandidate, Data: data})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
