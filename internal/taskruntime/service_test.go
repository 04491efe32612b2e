package taskruntime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/execution"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/generator"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/progress"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/session"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/tasks"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

// fakeBackend records concurrency and lets tests hold generations open.
type fakeBackend struct {
	mu        sync.Mutex
	running   int
	maxSeen   int
	calls     map[int]int
	canceled  []int
	hold      chan struct{}
	delay     time.Duration
	failPages map[int]error
	docType   window.DocType
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{calls: make(map[int]int), failPages: make(map[int]error), docType: window.DocTypeLecture}
}

func (b *fakeBackend) GenerateForPage(ctx context.Context, req generator.Request) (generator.Result, error) {
	b.mu.Lock()
	b.running++
	if b.running > b.maxSeen {
		b.maxSeen = b.running
	}
	b.calls[req.Page]++
	failErr := b.failPages[req.Page]
	hold := b.hold
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.running--
		b.mu.Unlock()
	}()

	var wait <-chan time.Time
	if b.delay > 0 {
		wait = time.After(b.delay)
	}
	if hold != nil || wait != nil {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.canceled = append(b.canceled, req.Page)
			b.mu.Unlock()
			return generator.Result{}, ctx.Err()
		case <-hold:
		case <-wait:
		}
	}
	if failErr != nil {
		return generator.Result{}, failErr
	}
	return generator.Result{ResultRef: "ref"}, nil
}

func (b *fakeBackend) ClassifyDocumentType(context.Context, string) (window.DocType, error) {
	return b.docType, nil
}

func (b *fakeBackend) EstimatePage(context.Context, string, int) (generator.PageCost, error) {
	return generator.PageCost{}, nil
}

func (b *fakeBackend) stats() (maxSeen, running int, canceled []int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxSeen, b.running, append([]int(nil), b.canceled...)
}

func newTestService(t *testing.T, backend *fakeBackend, cfg Config) *Service {
	t.Helper()
	scfg := session.DefaultConfig()
	scfg.CompletionGrace = 0
	manager := session.NewManager(session.NewMemoryRegistry(), session.NewMemoryStore(), scfg, nil)
	svc := New(cfg, manager, backend, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		svc.Stop()
	})
	return svc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForState(t *testing.T, svc *Service, sessionID string, state tasks.SessionState) progress.Snapshot {
	t.Helper()
	var snap progress.Snapshot
	waitFor(t, "session "+string(state), func() bool {
		var err error
		snap, err = svc.GetStatus(context.Background(), sessionID)
		return err == nil && snap.State == state
	})
	return snap
}

func TestServiceGeneratesWholeWindow(t *testing.T) {
	backend := newFakeBackend()
	svc := newTestService(t, backend, DefaultConfig())

	res, err := svc.StartSession(context.Background(), session.StartRequest{
		DocumentID: "doc-1", Page: 10, DocType: window.DocTypeLecture,
	})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	snap := waitForState(t, svc, res.SessionID, tasks.SessionCompleted)
	if snap.Progress.Completed != 8 || snap.Progress.Percentage != 100 {
		t.Fatalf("Progress = %+v, want 8 completed", snap.Progress)
	}
}

func TestServiceRespectsGlobalConcurrency(t *testing.T) {
	backend := newFakeBackend()
	backend.delay = 20 * time.Millisecond
	cfg := DefaultConfig()
	cfg.Concurrency = 3
	svc := newTestService(t, backend, cfg)

	var ids []string
	for _, doc := range []string{"doc-a", "doc-b"} {
		res, err := svc.StartSession(context.Background(), session.StartRequest{DocumentID: doc, Page: 10, DocType: window.DocTypeLecture})
		if err != nil {
			t.Fatalf("StartSession(%s) error = %v", doc, err)
		}
		ids = append(ids, res.SessionID)
	}
	for _, id := range ids {
		waitForState(t, svc, id, tasks.SessionCompleted)
	}

	if maxSeen, _, _ := backend.stats(); maxSeen > 3 {
		t.Fatalf("max concurrent generations = %d, want <= 3", maxSeen)
	}
}

func TestServiceCancelSessionAbortsInFlight(t *testing.T) {
	backend := newFakeBackend()
	backend.hold = make(chan struct{})
	svc := newTestService(t, backend, DefaultConfig())

	res, err := svc.StartSession(context.Background(), session.StartRequest{DocumentID: "doc-1", Page: 1, DocType: window.DocTypeLecture})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	waitFor(t, "three running generations", func() bool {
		_, running, _ := backend.stats()
		return running == 3
	})

	out, err := svc.CancelSession(context.Background(), res.SessionID)
	if err != nil || !out.Canceled {
		t.Fatalf("CancelSession() = %+v, %v", out, err)
	}
	waitFor(t, "generations to abort", func() bool {
		_, running, canceled := backend.stats()
		return running == 0 && len(canceled) == 3 && svc.Stats().InFlight == 0
	})

	snap, err := svc.GetStatus(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("GetStatus() error = %v", err)
	}
	if snap.State != tasks.SessionCanceled || snap.Progress.Total != 0 {
		t.Fatalf("snapshot = %+v, want canceled with no tasks", snap)
	}
	if st := svc.Stats(); st.Queued != 0 || st.InFlight != 0 {
		t.Fatalf("Stats() = %+v, want empty queue", st)
	}
}

func TestServiceShiftCancelsOutOfWindowGenerations(t *testing.T) {
	backend := newFakeBackend()
	backend.hold = make(chan struct{})
	svc := newTestService(t, backend, DefaultConfig())

	res, err := svc.StartSession(context.Background(), session.StartRequest{DocumentID: "doc-1", Page: 10, DocType: window.DocTypeLecture})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	waitFor(t, "three running generations", func() bool {
		_, running, _ := backend.stats()
		return running == 3
	})

	up, err := svc.UpdateWindow(context.Background(), session.UpdateRequest{SessionID: res.SessionID, CurrentPage: 40, Action: window.ActionShift})
	if err != nil {
		t.Fatalf("UpdateWindow() error = %v", err)
	}
	if len(up.CanceledPages) != 8 {
		t.Fatalf("CanceledPages = %v, want the whole old window", up.CanceledPages)
	}
	waitFor(t, "old generations to abort", func() bool {
		_, _, canceled := backend.stats()
		return len(canceled) == 3
	})

	close(backend.hold)
	snap := waitForState(t, svc, res.SessionID, tasks.SessionCompleted)
	for _, page := range snap.PagesCompleted {
		if page < 38 || page > 45 {
			t.Fatalf("page %d completed outside the shifted window", page)
		}
	}
	if snap.Progress.Completed != 8 {
		t.Fatalf("Progress = %+v, want 8 completed", snap.Progress)
	}
}

func TestServiceIsolatesPageFailures(t *testing.T) {
	backend := newFakeBackend()
	backend.failPages[2] = &generator.StatusError{Code: 422, Body: "unreadable page"}
	svc := newTestService(t, backend, DefaultConfig())

	res, err := svc.StartSession(context.Background(), session.StartRequest{DocumentID: "deck", Page: 1, PageCount: 3, DocType: window.DocTypeSlides})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	snap := waitForState(t, svc, res.SessionID, tasks.SessionCompleted)
	if len(snap.PagesCompleted) != 1 || snap.PagesCompleted[0] != 1 {
		t.Fatalf("PagesCompleted = %v, want [1]", snap.PagesCompleted)
	}
	if len(snap.PagesFailed) != 1 || snap.PagesFailed[0] != 2 {
		t.Fatalf("PagesFailed = %v, want [2]", snap.PagesFailed)
	}
}

func TestServiceRecordsFailuresFromAutoModeUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported page", http.StatusBadRequest)
	}))
	defer upstream.Close()

	backend, err := generator.New(generator.Config{Mode: "auto", HTTPURL: upstream.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("generator.New() error = %v", err)
	}
	scfg := session.DefaultConfig()
	scfg.CompletionGrace = 0
	manager := session.NewManager(session.NewMemoryRegistry(), session.NewMemoryStore(), scfg, nil)
	svc := New(DefaultConfig(), manager, backend, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	defer func() {
		cancel()
		svc.Stop()
	}()

	res, err := svc.StartSession(context.Background(), session.StartRequest{DocumentID: "d", Page: 1, PageCount: 2, DocType: window.DocTypeSlides})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	snap := waitForState(t, svc, res.SessionID, tasks.SessionCompleted)
	if len(snap.PagesCompleted) != 0 {
		t.Fatalf("PagesCompleted = %v, want none", snap.PagesCompleted)
	}
	if len(snap.PagesFailed) != 2 || snap.PagesFailed[0] != 1 || snap.PagesFailed[1] != 2 {
		t.Fatalf("PagesFailed = %v, want [1 2]", snap.PagesFailed)
	}
}

func TestServiceRetriesThenFails(t *testing.T) {
	backend := newFakeBackend()
	backend.failPages[1] = &generator.StatusError{Code: 503}
	cfg := DefaultConfig()
	cfg.Retry = execution.RetryPolicy{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	svc := newTestService(t, backend, cfg)

	res, err := svc.StartSession(context.Background(), session.StartRequest{DocumentID: "deck", Page: 1, PageCount: 1, DocType: window.DocTypeSlides})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	snap := waitForState(t, svc, res.SessionID, tasks.SessionCompleted)
	if len(snap.PagesFailed) != 1 {
		t.Fatalf("PagesFailed = %v, want [1]", snap.PagesFailed)
	}
	backend.mu.Lock()
	calls := backend.calls[1]
	backend.mu.Unlock()
	if calls != 2 {
		t.Fatalf("generator calls = %d, want 2", calls)
	}
}

func TestServiceTimesOutSlowPages(t *testing.T) {
	backend := newFakeBackend()
	backend.hold = make(chan struct{})
	cfg := DefaultConfig()
	cfg.Deadlines = execution.DeadlinePolicy{Base: 30 * time.Millisecond, Max: time.Second}
	manager := session.NewManager(session.NewMemoryRegistry(), nil, session.Config{}, nil)
	svc := New(cfg, manager, backend, nil, nil)
	svc.Start(context.Background())
	defer svc.Stop()

	res, err := svc.StartSession(context.Background(), session.StartRequest{DocumentID: "deck", Page: 1, PageCount: 1, DocType: window.DocTypeSlides})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	waitFor(t, "page timeout", func() bool {
		s, err := manager.Get(context.Background(), res.SessionID)
		return err == nil && s.Tasks[1].Status == tasks.StatusFailed
	})
	s, _ := manager.Get(context.Background(), res.SessionID)
	if s.Tasks[1].Error != timedOutReason {
		t.Fatalf("page error = %q, want %q", s.Tasks[1].Error, timedOutReason)
	}
}

func TestServiceClassifiesMissingDocType(t *testing.T) {
	backend := newFakeBackend()
	backend.docType = window.DocTypeSlides
	svc := newTestService(t, backend, DefaultConfig())

	res, err := svc.StartSession(context.Background(), session.StartRequest{DocumentID: "deck", Page: 4})
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if res.DocType != window.DocTypeSlides || res.WindowRange != (window.Range{Start: 4, End: 5}) {
		t.Fatalf("StartSession() = %+v, want slides window 4-5", res)
	}
}
