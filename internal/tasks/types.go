package tasks

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// SessionState is the lifecycle state of a generation session.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionCompleted SessionState = "completed"
	SessionCanceled  SessionState = "canceled"
	SessionFailed    SessionState = "failed"
)

func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionCanceled || s == SessionFailed
}

var ErrInvalidTransition = errors.New("invalid page task transition")

// PageTask is the unit of scheduled work for one page of a session window.
type PageTask struct {
	Page   int    `json:"page"`
	Status Status `json:"status"`
	// Generation identifies this task instance. A page that leaves the window and
	// comes back gets a new generation, so results for the old one can be told apart.
	Generation uint64     `json:"generation"`
	Attempts   int        `json:"attempts"`
	Error      string     `json:"error,omitempty"`
	ResultRef  string     `json:"result_ref,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether from -> to moves strictly forward along
// pending -> in_progress -> completed|failed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// NotBefore reports whether b is not an earlier lifecycle stage than a.
func NotBefore(a, b Status) bool {
	return b.rank() >= a.rank()
}

func New(page int, generation uint64, now time.Time) PageTask {
	return PageTask{
		Page:       page,
		Status:     StatusPending,
		Generation: generation,
		CreatedAt:  now,
	}
}

func (t PageTask) Terminal() bool {
	return t.Status.Terminal()
}

func (t *PageTask) Start(now time.Time) error {
	if !CanTransition(t.Status, StatusInProgress) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusInProgress)
	}
	t.Status = StatusInProgress
	t.Attempts++
	t.StartedAt = &now
	return nil
}

func (t *PageTask) Complete(resultRef string, now time.Time) error {
	if !CanTransition(t.Status, StatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusCompleted)
	}
	t.Status = StatusCompleted
	t.ResultRef = resultRef
	t.Error = ""
	t.EndedAt = &now
	return nil
}

func (t *PageTask) Fail(reason string, now time.Time) error {
	if !CanTransition(t.Status, StatusFailed) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusFailed)
	}
	t.Status = StatusFailed
	t.Error = reason
	t.EndedAt = &now
	return nil
}

// AddAttempt counts a retried generator call for an in-progress task.
func (t *PageTask) AddAttempt() error {
	if t.Status != StatusInProgress {
		return fmt.Errorf("%w: retry outside in_progress", ErrInvalidTransition)
	}
	t.Attempts++
	return nil
}

type EventType string

const (
	EventSessionStarted   EventType = "session_started"
	EventWindowUpdated    EventType = "window_updated"
	EventPageStarted      EventType = "page_started"
	EventPageCompleted    EventType = "page_completed"
	EventPageFailed       EventType = "page_failed"
	EventPagesCanceled    EventType = "pages_canceled"
	EventSessionCompleted EventType = "session_completed"
	EventSessionCanceled  EventType = "session_canceled"
	EventSessionFailed    EventType = "session_failed"
)

type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Page      int       `json:"page,omitempty"`
	Pages     []int     `json:"pages,omitempty"`
	Status    Status    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Terminal reports whether the event ends the session.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventSessionCompleted, EventSessionCanceled, EventSessionFailed:
		return true
	default:
		return false
	}
}
