package session

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/tasks"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(NewMemoryRegistry(), NewMemoryStore(), cfg, nil)
	m.now = clock.Now
	return m, clock
}

func startLecture(t *testing.T, m *Manager, doc string, page int) StartResult {
	t.Helper()
	res, err := m.StartSession(context.Background(), StartRequest{
		DocumentID: doc,
		OwnerID:    "u1",
		Page:       page,
		DocType:    window.DocTypeLecture,
	})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	return res
}

func generationOf(t *testing.T, m *Manager, sessionID string, page int) uint64 {
	t.Helper()
	s, err := m.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	task, ok := s.Tasks[page]
	if !ok {
		t.Fatalf("page %d has no task", page)
	}
	return task.Generation
}

func runPage(t *testing.T, m *Manager, sessionID string, page int) {
	t.Helper()
	gen := generationOf(t, m, sessionID, page)
	if _, err := m.Claim(sessionID, page, gen); err != nil {
		t.Fatalf("Claim(%d) error = %v", page, err)
	}
	if err := m.Complete(sessionID, page, gen, "ref"); err != nil {
		t.Fatalf("Complete(%d) error = %v", page, err)
	}
}

func TestStartSessionInitialWindow(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	res := startLecture(t, m, "doc-1", 10)

	if res.WindowRange != (window.Range{Start: 8, End: 15}) {
		t.Fatalf("WindowRange = %v, want 8-15", res.WindowRange)
	}
	if got := pagesOf(res.NewPages); !reflect.DeepEqual(got, []int{8, 9, 10, 11, 12, 13, 14, 15}) {
		t.Fatalf("NewPages = %v", got)
	}

	snap, err := m.GetStatus(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if snap.State != tasks.SessionActive || snap.Progress.Pending != 8 || snap.Progress.Percentage != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestStartSessionValidation(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	cases := []StartRequest{
		{DocumentID: "", Page: 1, DocType: window.DocTypeLecture},
		{DocumentID: "d", Page: 0, DocType: window.DocTypeLecture},
		{DocumentID: "d", Page: 12, PageCount: 10, DocType: window.DocTypeLecture},
		{DocumentID: "d", Page: 1, DocType: "poster"},
	}
	for _, req := range cases {
		if _, err := m.StartSession(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("StartSession(%+v) error = %v, want ErrInvalidRequest", req, err)
		}
	}
}

func TestStartSessionOneActivePerDocument(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	first := startLecture(t, m, "doc-1", 1)

	_, err := m.StartSession(context.Background(), StartRequest{DocumentID: "doc-1", Page: 3, DocType: window.DocTypeSlides})
	if !errors.Is(err, ErrSessionExists) {
		t.Fatalf("second StartSession() error = %v, want ErrSessionExists", err)
	}

	if _, err := m.CancelSession(context.Background(), first.SessionID); err != nil {
		t.Fatalf("CancelSession() error = %v", err)
	}
	startLecture(t, m, "doc-1", 3)
}

func TestStartSessionConcurrentRace(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		exists  int
		release = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-release
			_, err := m.StartSession(context.Background(), StartRequest{DocumentID: "doc-race", Page: 5, DocType: window.DocTypeLecture})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrSessionExists):
				exists++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(release)
	wg.Wait()

	if ok != 1 || exists != n-1 {
		t.Fatalf("ok = %d, exists = %d, want 1 and %d", ok, exists, n-1)
	}
	if got := m.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", got)
	}
}

func TestUpdateWindowExtendLifecycle(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	res := startLecture(t, m, "doc-1", 10)
	if res.WindowRange != (window.Range{Start: 8, End: 15}) {
		t.Fatalf("initial WindowRange = %v, want 8-15", res.WindowRange)
	}

	up, err := m.UpdateWindow(context.Background(), UpdateRequest{SessionID: res.SessionID, CurrentPage: 12, Action: window.ActionExtend})
	if err != nil {
		t.Fatalf("UpdateWindow() error = %v", err)
	}
	if up.WindowRange != (window.Range{Start: 10, End: 17}) {
		t.Fatalf("WindowRange = %v, want 10-17", up.WindowRange)
	}
	if !reflect.DeepEqual(up.CanceledPages, []int{8, 9}) {
		t.Fatalf("CanceledPages = %v, want [8 9]", up.CanceledPages)
	}
	if !reflect.DeepEqual(up.NewPages, []int{16, 17}) {
		t.Fatalf("NewPages = %v, want [16 17]", up.NewPages)
	}
}

func TestUpdateWindowExtendBackwardCoversCurrentPage(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	res := startLecture(t, m, "doc-1", 20)

	up, err := m.UpdateWindow(context.Background(), UpdateRequest{SessionID: res.SessionID, CurrentPage: 12, Action: window.ActionExtend})
	if err != nil {
		t.Fatalf("UpdateWindow() error = %v", err)
	}
	if up.WindowRange != (window.Range{Start: 10, End: 17}) {
		t.Fatalf("WindowRange = %v, want 10-17", up.WindowRange)
	}
	if !reflect.DeepEqual(up.NewPages, []int{10, 11, 12, 13, 14, 15, 16, 17}) {
		t.Fatalf("NewPages = %v, want 10-17", up.NewPages)
	}
	if len(up.CanceledPages) != 8 {
		t.Fatalf("CanceledPages = %v, want the old window 18-25", up.CanceledPages)
	}
}

func TestUpdateWindowExtendKeepsCompletedPages(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	res := startLecture(t, m, "doc-1", 10)
	runPage(t, m, res.SessionID, 8)

	up, err := m.UpdateWindow(context.Background(), UpdateRequest{SessionID: res.SessionID, CurrentPage: 12, Action: window.ActionExtend})
	if err != nil {
		t.Fatalf("UpdateWindow() error = %v", err)
	}
	if up.WindowRange != (window.Range{Start: 10, End: 17}) {
		t.Fatalf("WindowRange = %v, want 10-17", up.WindowRange)
	}
	if !reflect.DeepEqual(up.CanceledPages, []int{9}) {
		t.Fatalf("CanceledPages = %v, want [9]", up.CanceledPages)
	}
	if !reflect.DeepEqual(up.NewPages, []int{16, 17}) {
		t.Fatalf("NewPages = %v, want [16 17]", up.NewPages)
	}

	snap, _ := m.GetStatus(context.Background(), res.SessionID)
	if !reflect.DeepEqual(snap.PagesCompleted, []int{8}) {
		t.Fatalf("PagesCompleted = %v, want [8]", snap.PagesCompleted)
	}
	if snap.Progress.Total != 9 || snap.Progress.Percentage != 11 {
		t.Fatalf("Progress = %+v", snap.Progress)
	}
}

func TestUpdateWindowShiftOnJump(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	res := startLecture(t, m, "doc-1", 10)

	up, err := m.UpdateWindow(context.Background(), UpdateRequest{SessionID: res.SessionID, CurrentPage: 40, Action: window.ActionShift})
	if err != nil {
		t.Fatalf("UpdateWindow() error = %v", err)
	}
	if up.WindowRange != (window.Range{Start: 38, End: 45}) {
		t.Fatalf("WindowRange = %v, want 38-45", up.WindowRange)
	}
	if len(up.CanceledPages) != 8 || len(up.NewPages) != 8 {
		t.Fatalf("canceled = %v, new = %v", up.CanceledPages, up.NewPages)
	}
}

func TestUpdateWindowErrors(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	if _, err := m.UpdateWindow(ctx, UpdateRequest{SessionID: "missing", CurrentPage: 2, Action: window.ActionExtend}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}

	res := startLecture(t, m, "doc-1", 1)
	if _, err := m.UpdateWindow(ctx, UpdateRequest{SessionID: res.SessionID, CurrentPage: 0, Action: window.ActionExtend}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("error = %v, want ErrInvalidRequest", err)
	}
	if _, err := m.UpdateWindow(ctx, UpdateRequest{SessionID: res.SessionID, CurrentPage: 2}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("missing action error = %v, want ErrInvalidRequest", err)
	}

	if _, err := m.CancelSession(ctx, res.SessionID); err != nil {
		t.Fatalf("CancelSession() error = %v", err)
	}
	if _, err := m.UpdateWindow(ctx, UpdateRequest{SessionID: res.SessionID, CurrentPage: 2, Action: window.ActionExtend}); !errors.Is(err, ErrNotActive) {
		t.Fatalf("error = %v, want ErrNotActive", err)
	}
}

func TestCancelSession(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	res := startLecture(t, m, "doc-1", 1)
	runPage(t, m, res.SessionID, 1)

	out, err := m.CancelSession(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("CancelSession() error = %v", err)
	}
	if !out.Canceled || !reflect.DeepEqual(out.CanceledPages, []int{2, 3, 4, 5, 6}) {
		t.Fatalf("CancelSession() = %+v", out)
	}

	snap, _ := m.GetStatus(ctx, res.SessionID)
	if snap.State != tasks.SessionCanceled {
		t.Fatalf("State = %q, want canceled", snap.State)
	}
	if snap.Progress.Total != 1 || snap.Progress.Completed != 1 {
		t.Fatalf("Progress = %+v, want only the completed page", snap.Progress)
	}

	again, err := m.CancelSession(ctx, res.SessionID)
	if err != nil || again.Canceled {
		t.Fatalf("second CancelSession() = %+v, %v", again, err)
	}
	if _, err := m.CancelSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if _, err := m.ActiveSession(ctx, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ActiveSession() error = %v, want ErrNotFound", err)
	}
}

func TestLateResultOfCanceledTaskIsDiscarded(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()
	res := startLecture(t, m, "doc-1", 10)

	oldGen := generationOf(t, m, res.SessionID, 9)
	if _, err := m.Claim(res.SessionID, 9, oldGen); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if _, err := m.UpdateWindow(ctx, UpdateRequest{SessionID: res.SessionID, CurrentPage: 40, Action: window.ActionShift}); err != nil {
		t.Fatalf("UpdateWindow() error = %v", err)
	}
	if _, err := m.UpdateWindow(ctx, UpdateRequest{SessionID: res.SessionID, CurrentPage: 10, Action: window.ActionShift}); err != nil {
		t.Fatalf("UpdateWindow() error = %v", err)
	}

	if err := m.Complete(res.SessionID, 9, oldGen, "late"); !errors.Is(err, ErrStale) {
		t.Fatalf("Complete(old generation) error = %v, want ErrStale", err)
	}
	s, _ := m.Get(ctx, res.SessionID)
	if task := s.Tasks[9]; task.Status != tasks.StatusPending || task.Generation == oldGen {
		t.Fatalf("page 9 = %+v, want a fresh pending task", task)
	}
}

func TestTransitionsOnlyMoveForward(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	res := startLecture(t, m, "doc-1", 10)
	gen := generationOf(t, m, res.SessionID, 10)

	if err := m.Complete(res.SessionID, 10, gen, "ref"); !errors.Is(err, ErrStale) {
		t.Fatalf("Complete(pending) error = %v, want ErrStale", err)
	}
	if _, err := m.Claim(res.SessionID, 10, gen); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if _, err := m.Claim(res.SessionID, 10, gen); !errors.Is(err, ErrStale) {
		t.Fatalf("second Claim() error = %v, want ErrStale", err)
	}
	if err := m.Fail(res.SessionID, 10, gen, "boom"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if err := m.Complete(res.SessionID, 10, gen, "ref"); !errors.Is(err, ErrStale) {
		t.Fatalf("Complete(failed) error = %v, want ErrStale", err)
	}

	s, _ := m.Get(context.Background(), res.SessionID)
	if task := s.Tasks[10]; task.Status != tasks.StatusFailed || task.Error != "boom" || task.Attempts != 1 {
		t.Fatalf("page 10 = %+v", task)
	}
}

func TestDrainedSessionCompletesImmediatelyWithoutGrace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompletionGrace = 0
	m, _ := newTestManager(t, cfg)
	ctx := context.Background()

	res, err := m.StartSession(ctx, StartRequest{DocumentID: "deck", Page: 1, PageCount: 2, DocType: window.DocTypeSlides})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	runPage(t, m, res.SessionID, 1)
	runPage(t, m, res.SessionID, 2)

	snap, _ := m.GetStatus(ctx, res.SessionID)
	if snap.State != tasks.SessionCompleted || snap.Progress.Percentage != 100 {
		t.Fatalf("snapshot = %+v, want completed at 100%%", snap)
	}
	if _, err := m.ActiveSession(ctx, "deck"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ActiveSession() error = %v, want ErrNotFound", err)
	}
}

func TestJanitorCompletesAfterGraceAndExpires(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompletionGrace = 10 * time.Second
	cfg.Retention = time.Minute
	m, clock := newTestManager(t, cfg)
	ctx := context.Background()

	res, err := m.StartSession(ctx, StartRequest{DocumentID: "deck", Page: 1, PageCount: 1, DocType: window.DocTypeSlides})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	runPage(t, m, res.SessionID, 1)

	m.sweep()
	if snap, _ := m.GetStatus(ctx, res.SessionID); snap.State != tasks.SessionActive {
		t.Fatalf("State = %q before grace, want active", snap.State)
	}

	clock.Advance(11 * time.Second)
	m.sweep()
	if snap, _ := m.GetStatus(ctx, res.SessionID); snap.State != tasks.SessionCompleted {
		t.Fatalf("State = %q after grace, want completed", snap.State)
	}

	clock.Advance(2 * time.Minute)
	m.sweep()
	if _, err := m.GetStatus(ctx, res.SessionID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetStatus() after retention error = %v, want ErrNotFound", err)
	}
}

func TestNavigationResetsCompletionGrace(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompletionGrace = 10 * time.Second
	m, clock := newTestManager(t, cfg)
	ctx := context.Background()

	res, err := m.StartSession(ctx, StartRequest{DocumentID: "deck", Page: 1, PageCount: 3, DocType: window.DocTypeSlides})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	runPage(t, m, res.SessionID, 1)
	runPage(t, m, res.SessionID, 2)
	clock.Advance(8 * time.Second)

	up, err := m.UpdateWindow(ctx, UpdateRequest{SessionID: res.SessionID, CurrentPage: 2, Action: window.ActionExtend})
	if err != nil {
		t.Fatalf("UpdateWindow() error = %v", err)
	}
	if !reflect.DeepEqual(up.NewPages, []int{3}) {
		t.Fatalf("NewPages = %v, want [3]", up.NewPages)
	}
	runPage(t, m, res.SessionID, 3)

	clock.Advance(8 * time.Second)
	m.sweep()
	if snap, _ := m.GetStatus(ctx, res.SessionID); snap.State != tasks.SessionActive {
		t.Fatalf("State = %q, want active within grace of last drain", snap.State)
	}
}

type flakyStore struct {
	*MemoryStore
	mu        sync.Mutex
	saves     int
	failAfter int
}

func (f *flakyStore) SaveSession(ctx context.Context, s Session) error {
	f.mu.Lock()
	f.saves++
	fail := f.saves > f.failAfter
	f.mu.Unlock()
	if fail {
		return errors.New("database unavailable")
	}
	return f.MemoryStore.SaveSession(ctx, s)
}

func TestStoreFailureFailsSession(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failAfter: 2}
	m := NewManager(NewMemoryRegistry(), store, DefaultConfig(), nil)
	ctx := context.Background()

	var hooked []string
	m.SetTerminalHook(func(s Session) { hooked = append(hooked, s.ID) })

	res := startLecture(t, m, "doc-1", 1)
	gen := generationOf(t, m, res.SessionID, 1)
	if _, err := m.Claim(res.SessionID, 1, gen); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := m.Complete(res.SessionID, 1, gen, "ref"); err == nil {
		t.Fatalf("Complete() error = nil, want persistence error")
	}

	snap, err := m.GetStatus(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if snap.State != tasks.SessionFailed || !strings.Contains(snap.FailureReason, "database unavailable") {
		t.Fatalf("snapshot = %+v, want failed with store error", snap)
	}
	if len(snap.PagesPending) != 0 || len(snap.PagesInProgress) != 0 {
		t.Fatalf("unfinished pages left after failure: %+v", snap)
	}
	if !reflect.DeepEqual(hooked, []string{res.SessionID}) {
		t.Fatalf("terminal hook calls = %v", hooked)
	}
	if _, err := m.ActiveSession(ctx, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ActiveSession() error = %v, want ErrNotFound", err)
	}
}

func TestFailSession(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	res := startLecture(t, m, "doc-1", 1)

	if err := m.FailSession(res.SessionID, "generator misconfigured"); err != nil {
		t.Fatalf("FailSession() error = %v", err)
	}
	if err := m.FailSession(res.SessionID, "again"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("second FailSession() error = %v, want ErrNotActive", err)
	}
	s, _ := m.Get(context.Background(), res.SessionID)
	if s.State != tasks.SessionFailed || s.FailureReason != "generator misconfigured" || len(s.Tasks) != 0 {
		t.Fatalf("session = %+v", s)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	res := startLecture(t, m, "doc-1", 1)

	events, cancel := m.Subscribe(res.SessionID)
	defer cancel()

	if _, err := m.CancelSession(context.Background(), res.SessionID); err != nil {
		t.Fatalf("CancelSession() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != tasks.EventSessionCanceled || !ev.Terminal() {
			t.Fatalf("event = %+v, want session_canceled", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPersistedRecordTracksRevision(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(NewMemoryRegistry(), store, DefaultConfig(), nil)
	res := startLecture(t, m, "doc-1", 1)
	runPage(t, m, res.SessionID, 1)

	rec, err := store.GetSession(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if rec.Revision != 3 || rec.Tasks[1].Status != tasks.StatusCompleted {
		t.Fatalf("record = rev %d page1 %q, want rev 3 completed", rec.Revision, rec.Tasks[1].Status)
	}

	stale := rec
	stale.Revision = 1
	stale.State = tasks.SessionFailed
	if err := store.SaveSession(context.Background(), stale); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	again, _ := store.GetSession(context.Background(), res.SessionID)
	if again.State != tasks.SessionActive {
		t.Fatalf("older revision overwrote record: state = %q", again.State)
	}
}

type refreshCounter struct {
	*MemoryRegistry
	mu        sync.Mutex
	refreshed map[string]int
}

func (r *refreshCounter) Refresh(ctx context.Context, documentID, sessionID string) error {
	r.mu.Lock()
	r.refreshed[sessionID]++
	r.mu.Unlock()
	return r.MemoryRegistry.Refresh(ctx, documentID, sessionID)
}

func (r *refreshCounter) count(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refreshed[sessionID]
}

func TestJanitorRefreshesActiveSessionLocks(t *testing.T) {
	registry := &refreshCounter{MemoryRegistry: NewMemoryRegistry(), refreshed: make(map[string]int)}
	cfg := DefaultConfig()
	cfg.LockRefresh = 10 * time.Minute
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(registry, NewMemoryStore(), cfg, nil)
	m.now = clock.Now

	active := startLecture(t, m, "doc-1", 10)
	ended := startLecture(t, m, "doc-2", 10)
	if _, err := m.CancelSession(context.Background(), ended.SessionID); err != nil {
		t.Fatalf("CancelSession() error = %v", err)
	}

	m.sweep()
	if got := registry.count(active.SessionID); got != 0 {
		t.Fatalf("refreshes before interval = %d, want 0", got)
	}

	clock.Advance(11 * time.Minute)
	m.sweep()
	m.sweep()
	if got := registry.count(active.SessionID); got != 1 {
		t.Fatalf("refreshes after interval = %d, want 1", got)
	}
	if got := registry.count(ended.SessionID); got != 0 {
		t.Fatalf("canceled session refreshed %d times, want 0", got)
	}
}

func TestExpiredSessionIsPrunedFromMemoryStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retention = time.Minute
	store := NewMemoryStore()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(NewMemoryRegistry(), store, cfg, nil)
	m.now = clock.Now
	ctx := context.Background()

	res := startLecture(t, m, "doc-1", 1)
	if _, err := m.CancelSession(ctx, res.SessionID); err != nil {
		t.Fatalf("CancelSession() error = %v", err)
	}
	m.sweep()
	if _, err := store.GetSession(ctx, res.SessionID); err != nil {
		t.Fatalf("GetSession() within retention error = %v", err)
	}

	clock.Advance(2 * time.Minute)
	m.sweep()
	if _, err := store.GetSession(ctx, res.SessionID); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("GetSession() after retention error = %v, want ErrStoreNotFound", err)
	}
}

func TestStoredTerminalSessionIsNotActive(t *testing.T) {
	store := NewMemoryStore()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	ended := clock.Now().Add(-time.Minute)
	err := store.SaveSession(context.Background(), Session{
		ID:         "stored-1",
		DocumentID: "doc-1",
		OwnerID:    "u1",
		DocType:    window.DocTypeLecture,
		Window:     window.Range{Start: 1, End: 6},
		State:      tasks.SessionCompleted,
		Tasks:      map[int]tasks.PageTask{},
		EndedAt:    &ended,
		Revision:   4,
	})
	if err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	m := NewManager(NewMemoryRegistry(), store, DefaultConfig(), nil)
	m.now = clock.Now
	ctx := context.Background()

	if snap, err := m.GetStatus(ctx, "stored-1"); err != nil || snap.State != tasks.SessionCompleted {
		t.Fatalf("GetStatus() = %q, %v, want completed", snap.State, err)
	}
	_, err = m.UpdateWindow(ctx, UpdateRequest{SessionID: "stored-1", CurrentPage: 3, Action: window.ActionExtend})
	if !errors.Is(err, ErrNotActive) {
		t.Fatalf("UpdateWindow() error = %v, want ErrNotActive", err)
	}
	res, err := m.CancelSession(ctx, "stored-1")
	if err != nil || res.Canceled {
		t.Fatalf("CancelSession() = %+v, %v, want ok=false", res, err)
	}
	if _, err := m.CancelSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("CancelSession(missing) error = %v, want ErrNotFound", err)
	}
}
