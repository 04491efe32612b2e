package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/progress"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/tasks"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

type Config struct {
	Policy window.Policy
	// CompletionGrace is how long a drained session waits for more navigation
	// before it completes. Zero completes immediately.
	CompletionGrace time.Duration
	// Retention is how long terminal sessions stay queryable.
	Retention      time.Duration
	PersistTimeout time.Duration
	// LockRefresh is how often the janitor extends the registry hold of active
	// sessions. Keep it well below the registry lock TTL.
	LockRefresh time.Duration
}

func DefaultConfig() Config {
	return Config{
		Policy:          window.DefaultPolicy(),
		CompletionGrace: 30 * time.Second,
		Retention:       10 * time.Minute,
		PersistTimeout:  2 * time.Second,
		LockRefresh:     time.Minute,
	}
}

// Manager owns every session and page task. Each session is guarded by its own
// mutex; the map itself by mu.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	registry Registry
	store    Store
	cfg      Config
	log      *zap.Logger
	now      func() time.Time

	generation atomic.Uint64

	hookMu     sync.RWMutex
	onTerminal func(Session)

	subMu       sync.Mutex
	subscribers map[string]map[int]chan tasks.Event
	nextSubID   int
}

type entry struct {
	mu          sync.Mutex
	s           *Session
	drainedAt   time.Time
	refreshedAt time.Time
}

// hold identifies a registry lock to extend.
type hold struct {
	documentID string
	sessionID  string
}

// pruner is implemented by stores that keep records only as long as the
// manager needs them.
type pruner interface {
	DeleteSession(ctx context.Context, sessionID string) error
}

// outcome carries what must happen after a session lock is released.
type outcome struct {
	events []tasks.Event
	ended  *Session
}

func NewManager(registry Registry, store Store, cfg Config, log *zap.Logger) *Manager {
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	if cfg.Policy.Spans == nil {
		cfg.Policy = window.DefaultPolicy()
	}
	if cfg.CompletionGrace < 0 {
		cfg.CompletionGrace = 0
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 2 * time.Second
	}
	if cfg.LockRefresh <= 0 {
		cfg.LockRefresh = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		sessions:    make(map[string]*entry),
		registry:    registry,
		store:       store,
		cfg:         cfg,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		subscribers: make(map[string]map[int]chan tasks.Event),
	}
}

// SetTerminalHook registers a callback run after a session reaches a terminal
// state, outside any session lock.
func (m *Manager) SetTerminalHook(hook func(Session)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onTerminal = hook
}

func (m *Manager) StartSession(ctx context.Context, req StartRequest) (StartResult, error) {
	if err := req.normalize(); err != nil {
		return StartResult{}, err
	}

	id := uuid.NewString()
	if err := m.registry.Acquire(ctx, req.DocumentID, id); err != nil {
		return StartResult{}, err
	}

	now := m.now()
	rng := m.cfg.Policy.Initial(req.DocType, req.Page, req.PageCount)
	s := &Session{
		ID:          id,
		DocumentID:  req.DocumentID,
		OwnerID:     req.OwnerID,
		DocType:     req.DocType,
		PageCount:   req.PageCount,
		Window:      rng,
		CurrentPage: req.Page,
		State:       tasks.SessionActive,
		Tasks:       make(map[int]tasks.PageTask, rng.Len()),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	refs := make([]PageRef, 0, rng.Len())
	for _, page := range rng.Pages() {
		gen := m.generation.Add(1)
		s.Tasks[page] = tasks.New(page, gen, now)
		refs = append(refs, PageRef{Page: page, Generation: gen})
	}

	e := &entry{s: s, refreshedAt: now}
	e.mu.Lock()
	m.mu.Lock()
	m.sessions[id] = e
	m.mu.Unlock()

	var o outcome
	o.events = append(o.events, m.event(s, tasks.EventSessionStarted, func(ev *tasks.Event) {
		ev.Pages = pagesOf(refs)
	}))
	err := m.commitLocked(e, &o, true)
	e.mu.Unlock()
	m.finish(o)
	if err != nil {
		return StartResult{}, err
	}

	m.log.Info("session started",
		zap.String("session_id", id),
		zap.String("document_id", req.DocumentID),
		zap.String("doc_type", string(req.DocType)),
		zap.Stringer("window", rng),
	)
	return StartResult{
		SessionID:   id,
		WindowRange: rng,
		DocType:     req.DocType,
		NewPages:    refs,
	}, nil
}

func (m *Manager) GetStatus(ctx context.Context, sessionID string) (progress.Snapshot, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return progress.Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Get returns a copy of the session. Terminal sessions no longer held in memory
// are served from the store until their retention runs out.
func (m *Manager) Get(ctx context.Context, sessionID string) (Session, error) {
	if e := m.lookup(sessionID); e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.s.clone(), nil
	}
	if m.store == nil {
		return Session{}, ErrNotFound
	}
	s, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, ErrStoreNotFound) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	if !s.State.Terminal() || s.EndedAt == nil || m.now().Sub(*s.EndedAt) >= m.cfg.Retention {
		return Session{}, ErrNotFound
	}
	return s, nil
}

// Owner returns the owner id of a known session.
func (m *Manager) Owner(ctx context.Context, sessionID string) (string, error) {
	s, err := m.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return s.OwnerID, nil
}

// ActiveSession returns the id of the session holding documentID.
func (m *Manager) ActiveSession(ctx context.Context, documentID string) (string, error) {
	return m.registry.Holder(ctx, documentID)
}

func (m *Manager) UpdateWindow(ctx context.Context, req UpdateRequest) (UpdateResult, error) {
	if req.CurrentPage < 1 {
		return UpdateResult{}, fmt.Errorf("%w: current_page must be >= 1", ErrInvalidRequest)
	}
	if !req.Action.Valid() {
		return UpdateResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, window.ErrUnknownAction)
	}
	e := m.lookup(req.SessionID)
	if e == nil {
		if _, err := m.Get(ctx, req.SessionID); err != nil {
			return UpdateResult{}, err
		}
		// Only terminal sessions are served from the store.
		return UpdateResult{}, ErrNotActive
	}

	e.mu.Lock()
	s := e.s
	if s.State != tasks.SessionActive {
		e.mu.Unlock()
		return UpdateResult{}, ErrNotActive
	}
	if s.PageCount > 0 && req.CurrentPage > s.PageCount {
		e.mu.Unlock()
		return UpdateResult{}, fmt.Errorf("%w: page %d exceeds page_count %d", ErrInvalidRequest, req.CurrentPage, s.PageCount)
	}
	rng, err := m.cfg.Policy.Apply(req.Action, s.Window, s.DocType, req.CurrentPage, s.PageCount)
	if err != nil {
		e.mu.Unlock()
		return UpdateResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	canceled, scheduled := m.reconcileLocked(s, rng)
	s.Window = rng
	s.CurrentPage = req.CurrentPage
	e.drainedAt = time.Time{}
	e.refreshedAt = m.now()

	var o outcome
	o.events = append(o.events, m.event(s, tasks.EventWindowUpdated, func(ev *tasks.Event) {
		ev.Pages = pagesOf(scheduled)
		ev.Detail = req.Action.String()
	}))
	if len(canceled) > 0 {
		o.events = append(o.events, m.event(s, tasks.EventPagesCanceled, func(ev *tasks.Event) {
			ev.Pages = pagesOf(canceled)
		}))
	}
	m.settleLocked(e, &o)
	err = m.commitLocked(e, &o, true)
	e.mu.Unlock()
	m.finish(o)
	if err != nil {
		return UpdateResult{}, err
	}

	if refreshErr := m.registry.Refresh(ctx, s.DocumentID, s.ID); refreshErr != nil {
		m.log.Warn("refresh session lock failed", zap.String("session_id", s.ID), zap.Error(refreshErr))
	}

	return UpdateResult{
		WindowRange:   rng,
		CanceledPages: pagesOf(canceled),
		NewPages:      pagesOf(scheduled),
		Action:        req.Action,
		Canceled:      canceled,
		Scheduled:     scheduled,
	}, nil
}

// reconcileLocked drops unfinished tasks outside rng and creates pending tasks
// for in-window pages that have none. Completed and failed pages are kept.
func (m *Manager) reconcileLocked(s *Session, rng window.Range) (canceled, scheduled []PageRef) {
	canceled = []PageRef{}
	scheduled = []PageRef{}
	for page, t := range s.Tasks {
		if rng.Contains(page) || t.Terminal() {
			continue
		}
		canceled = append(canceled, PageRef{Page: page, Generation: t.Generation})
		delete(s.Tasks, page)
	}
	now := m.now()
	for _, page := range rng.Pages() {
		if _, ok := s.Tasks[page]; ok {
			continue
		}
		gen := m.generation.Add(1)
		s.Tasks[page] = tasks.New(page, gen, now)
		scheduled = append(scheduled, PageRef{Page: page, Generation: gen})
	}
	sortRefs(canceled)
	return canceled, scheduled
}

func (m *Manager) CancelSession(ctx context.Context, sessionID string) (CancelResult, error) {
	e := m.lookup(sessionID)
	if e == nil {
		if _, err := m.Get(ctx, sessionID); err != nil {
			return CancelResult{}, err
		}
		return CancelResult{Canceled: false}, nil
	}

	e.mu.Lock()
	if e.s.State != tasks.SessionActive {
		e.mu.Unlock()
		return CancelResult{Canceled: false}, nil
	}
	dropped := m.endLocked(e, tasks.SessionCanceled, "", nil)
	var o outcome
	o.events = append(o.events, m.event(e.s, tasks.EventSessionCanceled, func(ev *tasks.Event) {
		ev.Pages = pagesOf(dropped)
	}))
	o.ended = ptr(e.s.clone())
	_ = m.commitLocked(e, &o, false)
	e.mu.Unlock()
	m.finish(o)

	m.log.Info("session canceled", zap.String("session_id", sessionID), zap.Ints("canceled_pages", pagesOf(dropped)))
	return CancelResult{Canceled: true, CanceledPages: pagesOf(dropped), Dropped: dropped}, nil
}

// Claim moves a pending task to in_progress for a worker.
func (m *Manager) Claim(sessionID string, page int, generation uint64) (ClaimedTask, error) {
	e := m.lookup(sessionID)
	if e == nil {
		return ClaimedTask{}, ErrStale
	}

	e.mu.Lock()
	t, err := m.currentLocked(e, page, generation)
	if err != nil {
		e.mu.Unlock()
		return ClaimedTask{}, err
	}
	if err := t.Start(m.now()); err != nil {
		e.mu.Unlock()
		return ClaimedTask{}, fmt.Errorf("%w: %v", ErrStale, err)
	}
	s := e.s
	s.Tasks[page] = t

	var o outcome
	o.events = append(o.events, m.event(s, tasks.EventPageStarted, func(ev *tasks.Event) {
		ev.Page = page
		ev.Status = t.Status
	}))
	claimed := ClaimedTask{
		SessionID:  s.ID,
		DocumentID: s.DocumentID,
		DocType:    s.DocType,
		Page:       page,
		Generation: generation,
		Attempts:   t.Attempts,
	}
	err = m.commitLocked(e, &o, true)
	e.mu.Unlock()
	m.finish(o)
	if err != nil {
		return ClaimedTask{}, err
	}
	return claimed, nil
}

// RecordAttempt counts a retried generator call for an in-progress task.
func (m *Manager) RecordAttempt(sessionID string, page int, generation uint64) error {
	return m.mutateTask(sessionID, page, generation, func(t *tasks.PageTask) (tasks.EventType, string, error) {
		return "", "", t.AddAttempt()
	})
}

func (m *Manager) Complete(sessionID string, page int, generation uint64, resultRef string) error {
	return m.mutateTask(sessionID, page, generation, func(t *tasks.PageTask) (tasks.EventType, string, error) {
		return tasks.EventPageCompleted, resultRef, t.Complete(resultRef, m.now())
	})
}

func (m *Manager) Fail(sessionID string, page int, generation uint64, reason string) error {
	return m.mutateTask(sessionID, page, generation, func(t *tasks.PageTask) (tasks.EventType, string, error) {
		return tasks.EventPageFailed, reason, t.Fail(reason, m.now())
	})
}

func (m *Manager) mutateTask(sessionID string, page int, generation uint64, apply func(*tasks.PageTask) (tasks.EventType, string, error)) error {
	e := m.lookup(sessionID)
	if e == nil {
		return ErrStale
	}

	e.mu.Lock()
	t, err := m.currentLocked(e, page, generation)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	evType, detail, err := apply(&t)
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrStale, err)
	}
	s := e.s
	s.Tasks[page] = t

	var o outcome
	if evType != "" {
		o.events = append(o.events, m.event(s, evType, func(ev *tasks.Event) {
			ev.Page = page
			ev.Status = t.Status
			ev.Detail = detail
		}))
		m.settleLocked(e, &o)
	}
	err = m.commitLocked(e, &o, true)
	e.mu.Unlock()
	m.finish(o)
	return err
}

// currentLocked returns the task only if it is still the live instance.
func (m *Manager) currentLocked(e *entry, page int, generation uint64) (tasks.PageTask, error) {
	if e.s.State != tasks.SessionActive {
		return tasks.PageTask{}, ErrStale
	}
	t, ok := e.s.Tasks[page]
	if !ok || t.Generation != generation {
		return tasks.PageTask{}, ErrStale
	}
	return t, nil
}

// FailSession ends an active session because of an unrecoverable error.
func (m *Manager) FailSession(sessionID, reason string) error {
	e := m.lookup(sessionID)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	if e.s.State != tasks.SessionActive {
		e.mu.Unlock()
		return ErrNotActive
	}
	var o outcome
	m.failLocked(e, reason, &o)
	_ = m.commitLocked(e, &o, false)
	e.mu.Unlock()
	m.finish(o)
	return nil
}

func (m *Manager) failLocked(e *entry, reason string, o *outcome) {
	dropped := m.endLocked(e, tasks.SessionFailed, reason, nil)
	o.events = append(o.events, m.event(e.s, tasks.EventSessionFailed, func(ev *tasks.Event) {
		ev.Pages = pagesOf(dropped)
		ev.Detail = reason
	}))
	o.ended = ptr(e.s.clone())
	m.log.Error("session failed", zap.String("session_id", e.s.ID), zap.String("reason", reason))
}

// settleLocked completes a drained session once its grace period is over.
func (m *Manager) settleLocked(e *entry, o *outcome) {
	s := e.s
	if s.State != tasks.SessionActive || !s.drained() {
		e.drainedAt = time.Time{}
		return
	}
	now := m.now()
	if e.drainedAt.IsZero() {
		e.drainedAt = now
	}
	if now.Sub(e.drainedAt) < m.cfg.CompletionGrace {
		return
	}
	m.endLocked(e, tasks.SessionCompleted, "", &now)
	o.events = append(o.events, m.event(s, tasks.EventSessionCompleted, nil))
	o.ended = ptr(s.clone())
	m.log.Info("session completed", zap.String("session_id", s.ID), zap.String("document_id", s.DocumentID))
}

// endLocked moves the session to a terminal state and drops every task that
// had not finished.
func (m *Manager) endLocked(e *entry, state tasks.SessionState, reason string, at *time.Time) []PageRef {
	s := e.s
	dropped := []PageRef{}
	for page, t := range s.Tasks {
		if t.Terminal() {
			continue
		}
		dropped = append(dropped, PageRef{Page: page, Generation: t.Generation})
		delete(s.Tasks, page)
	}
	sortRefs(dropped)

	now := m.now()
	if at != nil {
		now = *at
	}
	s.State = state
	s.FailureReason = reason
	s.EndedAt = &now
	e.drainedAt = time.Time{}
	return dropped
}

// commitLocked bumps the revision and persists the session. When failOnError is
// set a persistence failure ends an active session as failed.
func (m *Manager) commitLocked(e *entry, o *outcome, failOnError bool) error {
	s := e.s
	s.Revision++
	s.UpdatedAt = m.now()
	if m.store == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
	defer cancel()
	err := m.store.SaveSession(ctx, s.clone())
	if err == nil {
		return nil
	}
	err = fmt.Errorf("persist session %s: %w", s.ID, err)
	m.log.Error("persist session failed", zap.String("session_id", s.ID), zap.Error(err))
	if !failOnError || s.State != tasks.SessionActive {
		return nil
	}

	m.failLocked(e, err.Error(), o)
	s.Revision++
	s.UpdatedAt = m.now()
	retryCtx, retryCancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
	defer retryCancel()
	_ = m.store.SaveSession(retryCtx, s.clone())
	return err
}

// finish releases the registry hold of ended sessions and publishes events.
func (m *Manager) finish(o outcome) {
	if o.ended != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
		if err := m.registry.Release(ctx, o.ended.DocumentID, o.ended.ID); err != nil {
			m.log.Warn("release session lock failed", zap.String("session_id", o.ended.ID), zap.Error(err))
		}
		cancel()

		m.hookMu.RLock()
		hook := m.onTerminal
		m.hookMu.RUnlock()
		if hook != nil {
			hook(*o.ended)
		}
	}
	for _, ev := range o.events {
		m.publish(ev)
	}
}

func (m *Manager) event(s *Session, typ tasks.EventType, fill func(*tasks.Event)) tasks.Event {
	ev := tasks.Event{Type: typ, SessionID: s.ID, At: m.now()}
	if fill != nil {
		fill(&ev)
	}
	return ev
}

func (m *Manager) lookup(sessionID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// Subscribe streams events of one session until cancel is called. Slow
// subscribers miss events rather than block the manager.
func (m *Manager) Subscribe(sessionID string) (<-chan tasks.Event, func()) {
	ch := make(chan tasks.Event, 64)

	m.subMu.Lock()
	m.nextSubID++
	id := m.nextSubID
	if m.subscribers[sessionID] == nil {
		m.subscribers[sessionID] = make(map[int]chan tasks.Event)
	}
	m.subscribers[sessionID][id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			if subs, ok := m.subscribers[sessionID]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(m.subscribers, sessionID)
				}
			}
			close(ch)
		})
	}
}

func (m *Manager) publish(ev tasks.Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subscribers[ev.SessionID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// sweep completes drained sessions past their grace period, extends the
// registry hold of active sessions and forgets terminal sessions past retention.
func (m *Manager) sweep() {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	now := m.now()
	var expired []string
	var holds []hold
	for _, e := range entries {
		e.mu.Lock()
		s := e.s
		if s.State == tasks.SessionActive {
			if now.Sub(e.refreshedAt) >= m.cfg.LockRefresh {
				e.refreshedAt = now
				holds = append(holds, hold{documentID: s.DocumentID, sessionID: s.ID})
			}
			if e.drainedAt.IsZero() {
				e.mu.Unlock()
				continue
			}
			var o outcome
			m.settleLocked(e, &o)
			if o.ended != nil {
				_ = m.commitLocked(e, &o, false)
			}
			e.mu.Unlock()
			m.finish(o)
			continue
		}
		if s.EndedAt != nil && now.Sub(*s.EndedAt) >= m.cfg.Retention {
			expired = append(expired, s.ID)
		}
		e.mu.Unlock()
	}

	m.refreshHolds(holds)
	if len(expired) == 0 {
		return
	}
	m.mu.Lock()
	for _, id := range expired {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if p, ok := m.store.(pruner); ok {
		for _, id := range expired {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
			if err := p.DeleteSession(ctx, id); err != nil {
				m.log.Warn("prune session record failed", zap.String("session_id", id), zap.Error(err))
			}
			cancel()
		}
	}
	m.log.Debug("expired sessions dropped", zap.Strings("session_ids", expired))
}

func (m *Manager) refreshHolds(holds []hold) {
	for _, h := range holds {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
		if err := m.registry.Refresh(ctx, h.documentID, h.sessionID); err != nil {
			m.log.Warn("refresh session lock failed", zap.String("session_id", h.sessionID), zap.Error(err))
		}
		cancel()
	}
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	count := 0
	for _, e := range entries {
		e.mu.Lock()
		if e.s.State == tasks.SessionActive {
			count++
		}
		e.mu.Unlock()
	}
	return count
}

func ptr[T any](v T) *T { return &v }
