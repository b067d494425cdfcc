// Package progress provides per-session progress event buses with
// synchronous listener dispatch, running completion counters, and
// task lifecycle trackers.
package progress

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType identifies the kind of lifecycle event
type EventType string

// Standard event types
const (
	// Session events
	EventSessionStarted   EventType = "session.started"
	EventSessionStage     EventType = "session.stage"
	EventSessionCompleted EventType = "session.completed"
	EventSessionFailed    EventType = "session.failed"

	// Task events
	EventTaskStarted    EventType = "task.started"
	EventSubtaskUpdated EventType = "task.subtask"
	EventTaskCompleted  EventType = "task.completed"
	EventTaskFailed     EventType = "task.failed"

	// Speaker events
	EventSpeakerForced EventType = "speaker.forced"
	EventTurnGenerated EventType = "turn.generated"
	// EventTurnFailed reports a failed generation attempt. Turns are
	// not tracked tasks, so this never moves the task counters.
	EventTurnFailed EventType = "turn.failed"
)

// Event is an immutable record of a single lifecycle occurrence.
// Events are append-only in the bus history and never mutated.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Listener receives events synchronously during Emit. A listener must
// not call back into the bus that invokes it.
type Listener func(*Event)

// Snapshot is a derived view of session progress, recomputed on demand.
type Snapshot struct {
	SessionID          string        `json:"session_id"`
	Percentage         float64       `json:"percentage"`
	TotalTasks         int           `json:"total_tasks"`
	CompletedTasks     int           `json:"completed_tasks"`
	FailedTasks        int           `json:"failed_tasks"`
	Elapsed            time.Duration `json:"elapsed"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
	// ETAKnown is false while no task has made progress; the remaining
	// time cannot be estimated from a 0% snapshot.
	ETAKnown bool `json:"eta_known"`
}

type subscription struct {
	id string
	fn Listener
}

// Bus is a per-session, append-only event log with live subscribers.
// Listeners are notified synchronously, in subscription order, inside
// Emit. A listener panic is recovered and counted, never propagated,
// and never removes the listener.
type Bus struct {
	sessionID string
	logger    *logrus.Logger

	mu            sync.Mutex
	history       []*Event
	subs          []subscription
	total         int
	completed     int
	failed        int
	startedAt     time.Time
	listenerFails int64
}

// NewBus creates a bus for one session. Most callers should obtain
// buses through a Registry instead.
func NewBus(sessionID string, logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	initMetrics()
	return &Bus{
		sessionID: sessionID,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// SessionID returns the session this bus belongs to.
func (b *Bus) SessionID() string {
	return b.sessionID
}

// Subscribe registers a listener and returns its subscription id.
func (b *Bus) Subscribe(fn Listener) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	return id
}

// Unsubscribe removes a listener by subscription id. Unknown ids are
// ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit appends an event to the history, updates the running counters
// and notifies every subscriber in the same call. Emit is atomic per
// call: concurrent emitters never interleave a single event's fields
// or its listener notifications.
func (b *Bus) Emit(eventType EventType, payload map[string]interface{}) *Event {
	event := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		SessionID: b.sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, event)

	switch eventType {
	case EventTaskStarted:
		b.total++
	case EventTaskCompleted:
		b.completed++
	case EventTaskFailed:
		b.failed++
	}

	eventsEmittedTotal.WithLabelValues(string(eventType)).Inc()

	for _, sub := range b.subs {
		b.notify(sub, event)
	}

	return event
}

// notify invokes one listener, isolating the bus from listener panics.
func (b *Bus) notify(sub subscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.listenerFails++
			listenerFailuresTotal.Inc()
			b.logger.WithFields(logrus.Fields{
				"session_id": b.sessionID,
				"listener":   sub.id,
				"event_type": event.Type,
				"panic":      r,
			}).Error("Progress listener panicked")
		}
	}()
	sub.fn(event)
}

// Snapshot computes the current progress view. A bus with zero
// registered tasks reports 0% with an unknown ETA; that is a valid
// state for a session still initializing.
func (b *Bus) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	pct := b.percentageLocked()
	elapsed := time.Since(b.startedAt)

	snap := Snapshot{
		SessionID:      b.sessionID,
		Percentage:     pct,
		TotalTasks:     b.total,
		CompletedTasks: b.completed,
		FailedTasks:    b.failed,
		Elapsed:        elapsed,
	}
	if pct > 0 {
		snap.ETAKnown = true
		snap.EstimatedRemaining = time.Duration(float64(elapsed) * (100 - pct) / pct)
	}
	return snap
}

// percentageLocked computes completion percentage. Failed tasks only
// count toward completion once any task has failed: a clean run tracks
// completed/total, a degraded run tracks (completed+failed)/total so
// the session can still reach 100%.
func (b *Bus) percentageLocked() float64 {
	if b.total == 0 {
		return 0
	}
	done := b.completed
	if b.failed > 0 {
		done += b.failed
	}
	pct := 100 * float64(done) / float64(b.total)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// History returns a copy of the event log in emission order.
func (b *Bus) History() []*Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*Event, len(b.history))
	copy(out, b.history)
	return out
}

// ListenerFailures returns how many listener invocations panicked.
func (b *Bus) ListenerFailures() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listenerFails
}

// SubscriberCount returns the number of registered listeners.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
