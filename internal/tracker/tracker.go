// Package tracker turns frequent page-position updates into debounced, classified
// navigation events.
//
// A Tracker buffers the most recent page and emits at most one event per quiet
// period. The event carries whether the move was a jump (a page delta strictly
// greater than the jump threshold) so the caller can choose between extending
// and shifting the generation window.
package tracker

import (
	"sync"
	"time"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

const (
	DefaultDebounce      = 300 * time.Millisecond
	DefaultJumpThreshold = 10
)

// PageChangeFunc receives a debounced page change.
type PageChangeFunc func(page int, isJump bool)

type Config struct {
	Debounce      time.Duration
	JumpThreshold int
	// InitialPage seeds the last reported page.
	InitialPage  int
	OnPageChange PageChangeFunc
}

type Tracker struct {
	// cbMu is held while a callback runs; Close waits on it.
	cbMu          sync.Mutex
	mu            sync.Mutex
	debounce      time.Duration
	jumpThreshold int
	onChange      PageChangeFunc

	enabled      bool
	closed       bool
	lastReported int
	candidate    int
	timer        *time.Timer
	seq          uint64
}

func New(cfg Config) *Tracker {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.JumpThreshold <= 0 {
		cfg.JumpThreshold = DefaultJumpThreshold
	}
	return &Tracker{
		debounce:      cfg.Debounce,
		jumpThreshold: cfg.JumpThreshold,
		onChange:      cfg.OnPageChange,
		enabled:       true,
		lastReported:  cfg.InitialPage,
	}
}

// TrackPage records page as the candidate and restarts the debounce timer.
func (t *Tracker) TrackPage(page int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || !t.enabled || page <= 0 {
		return
	}
	t.candidate = page
	t.stopTimerLocked()
	t.seq++
	seq := t.seq
	t.timer = time.AfterFunc(t.debounce, func() { t.fire(seq) })
}

func (t *Tracker) fire(seq uint64) {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()

	t.mu.Lock()
	if t.closed || !t.enabled || seq != t.seq {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	page := t.candidate
	if page == t.lastReported {
		t.mu.Unlock()
		return
	}
	isJump := abs(page-t.lastReported) > t.jumpThreshold
	t.lastReported = page
	cb := t.onChange
	t.mu.Unlock()

	if cb != nil {
		cb(page, isJump)
	}
}

// SetEnabled toggles tracking. Disabling drops any pending event; re-enabling does not
// replay pages seen while disabled.
func (t *Tracker) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled == enabled {
		return
	}
	t.enabled = enabled
	if !enabled {
		t.stopTimerLocked()
		t.seq++
	}
}

func (t *Tracker) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.closed
}

// LastReported returns the page carried by the most recent event.
func (t *Tracker) LastReported() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastReported
}

// Close cancels any pending timer and waits for an in-flight callback. No callback
// fires after Close returns. Must not be called from the callback itself.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.stopTimerLocked()
	t.seq++
	t.mu.Unlock()

	t.cbMu.Lock()
	t.cbMu.Unlock()
}

func (t *Tracker) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// ActionFor maps a page-change event to the window update it should trigger.
func ActionFor(isJump bool) window.Action {
	if isJump {
		return window.ActionShift
	}
	return window.ActionExtend
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
