// Package progress builds point-in-time session snapshots and owns the rule
// that tells clients when to stop polling.
package progress

import (
	"math"
	"sort"
	"time"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/tasks"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

type Counts struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
	Percentage int `json:"percentage"`
}

type Snapshot struct {
	SessionID       string             `json:"session_id"`
	DocumentID      string             `json:"document_id"`
	DocType         window.DocType     `json:"doc_type"`
	State           tasks.SessionState `json:"state"`
	WindowRange     window.Range       `json:"window_range"`
	CurrentPage     int                `json:"current_page"`
	Progress        Counts             `json:"progress"`
	PagesCompleted  []int              `json:"pages_completed"`
	PagesInProgress []int              `json:"pages_in_progress"`
	PagesFailed     []int              `json:"pages_failed"`
	PagesPending    []int              `json:"pages_pending"`
	FailureReason   string             `json:"failure_reason,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Input is the read-only view Build works from.
type Input struct {
	SessionID     string
	DocumentID    string
	DocType       window.DocType
	State         tasks.SessionState
	WindowRange   window.Range
	CurrentPage   int
	Tasks         map[int]tasks.PageTask
	FailureReason string
	UpdatedAt     time.Time
}

// Build computes a snapshot. It never mutates in.
func Build(in Input) Snapshot {
	snap := Snapshot{
		SessionID:       in.SessionID,
		DocumentID:      in.DocumentID,
		DocType:         in.DocType,
		State:           in.State,
		WindowRange:     in.WindowRange,
		CurrentPage:     in.CurrentPage,
		PagesCompleted:  []int{},
		PagesInProgress: []int{},
		PagesFailed:     []int{},
		PagesPending:    []int{},
		FailureReason:   in.FailureReason,
		UpdatedAt:       in.UpdatedAt,
	}
	for page, t := range in.Tasks {
		switch t.Status {
		case tasks.StatusCompleted:
			snap.PagesCompleted = append(snap.PagesCompleted, page)
		case tasks.StatusInProgress:
			snap.PagesInProgress = append(snap.PagesInProgress, page)
		case tasks.StatusFailed:
			snap.PagesFailed = append(snap.PagesFailed, page)
		default:
			snap.PagesPending = append(snap.PagesPending, page)
		}
	}
	sort.Ints(snap.PagesCompleted)
	sort.Ints(snap.PagesInProgress)
	sort.Ints(snap.PagesFailed)
	sort.Ints(snap.PagesPending)

	snap.Progress = Counts{
		Total:      len(in.Tasks),
		Completed:  len(snap.PagesCompleted),
		InProgress: len(snap.PagesInProgress),
		Failed:     len(snap.PagesFailed),
		Pending:    len(snap.PagesPending),
		Percentage: Percentage(len(snap.PagesCompleted), len(in.Tasks)),
	}
	return snap
}

// Percentage is round(completed / total * 100), 0 for an empty session.
func Percentage(completed, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(completed) / float64(total) * 100))
}
