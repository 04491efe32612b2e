package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/progress"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/tasks"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

var (
	ErrSessionExists  = errors.New("an active session already exists for this document")
	ErrNotFound       = errors.New("session not found")
	ErrNotActive      = errors.New("session is not active")
	ErrInvalidRequest = errors.New("invalid session request")
	// ErrStale is returned to workers reporting on a task that was canceled,
	// regenerated, or belongs to a session that already ended.
	ErrStale = errors.New("stale page task")
)

// Session is a generation session for one document. Only Manager mutates it;
// callers always receive copies.
type Session struct {
	ID            string                 `json:"session_id"`
	DocumentID    string                 `json:"document_id"`
	OwnerID       string                 `json:"owner_id"`
	DocType       window.DocType         `json:"doc_type"`
	PageCount     int                    `json:"page_count"`
	Window        window.Range           `json:"window_range"`
	CurrentPage   int                    `json:"current_page"`
	State         tasks.SessionState     `json:"state"`
	Tasks         map[int]tasks.PageTask `json:"page_tasks"`
	FailureReason string                 `json:"failure_reason,omitempty"`
	Revision      int64                  `json:"revision"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	EndedAt       *time.Time             `json:"ended_at,omitempty"`
}

func (s *Session) clone() Session {
	c := *s
	c.Tasks = make(map[int]tasks.PageTask, len(s.Tasks))
	for page, t := range s.Tasks {
		c.Tasks[page] = t
	}
	return c
}

// drained reports whether no page is pending or in progress.
func (s *Session) drained() bool {
	for _, t := range s.Tasks {
		if !t.Terminal() {
			return false
		}
	}
	return true
}

func (s *Session) Snapshot() progress.Snapshot {
	return progress.Build(progress.Input{
		SessionID:     s.ID,
		DocumentID:    s.DocumentID,
		DocType:       s.DocType,
		State:         s.State,
		WindowRange:   s.Window,
		CurrentPage:   s.CurrentPage,
		Tasks:         s.Tasks,
		FailureReason: s.FailureReason,
		UpdatedAt:     s.UpdatedAt,
	})
}

// PageRef names one task instance.
type PageRef struct {
	Page       int    `json:"page"`
	Generation uint64 `json:"generation"`
}

func pagesOf(refs []PageRef) []int {
	out := make([]int, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.Page)
	}
	return out
}

func sortRefs(refs []PageRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].Page < refs[j].Page })
}

type StartRequest struct {
	DocumentID string         `json:"document_id"`
	OwnerID    string         `json:"owner_id"`
	Page       int            `json:"page"`
	DocType    window.DocType `json:"doc_type"`
	// PageCount is the document length; 0 when unknown.
	PageCount int `json:"page_count"`
}

func (r *StartRequest) normalize() error {
	r.DocumentID = strings.TrimSpace(r.DocumentID)
	r.OwnerID = strings.TrimSpace(r.OwnerID)
	if r.DocumentID == "" {
		return fmt.Errorf("%w: document_id is required", ErrInvalidRequest)
	}
	if r.Page < 1 {
		return fmt.Errorf("%w: page must be >= 1", ErrInvalidRequest)
	}
	if r.PageCount < 0 {
		return fmt.Errorf("%w: page_count must be >= 0", ErrInvalidRequest)
	}
	if r.PageCount > 0 && r.Page > r.PageCount {
		return fmt.Errorf("%w: page %d exceeds page_count %d", ErrInvalidRequest, r.Page, r.PageCount)
	}
	docType, err := window.ParseDocType(string(r.DocType))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	r.DocType = docType
	return nil
}

type StartResult struct {
	SessionID   string         `json:"session_id"`
	WindowRange window.Range   `json:"window_range"`
	DocType     window.DocType `json:"doc_type"`
	NewPages    []PageRef      `json:"-"`
}

type UpdateRequest struct {
	SessionID   string        `json:"session_id"`
	CurrentPage int           `json:"current_page"`
	Action      window.Action `json:"action"`
}

type UpdateResult struct {
	WindowRange   window.Range  `json:"window_range"`
	CanceledPages []int         `json:"canceled_pages"`
	NewPages      []int         `json:"new_pages"`
	Action        window.Action `json:"action"`

	Canceled  []PageRef `json:"-"`
	Scheduled []PageRef `json:"-"`
}

type CancelResult struct {
	Canceled      bool      `json:"ok"`
	CanceledPages []int     `json:"canceled_pages,omitempty"`
	Dropped       []PageRef `json:"-"`
}

// ClaimedTask is what a worker needs to run one page generation.
type ClaimedTask struct {
	SessionID  string
	DocumentID string
	DocType    window.DocType
	Page       int
	Generation uint64
	Attempts   int
}
