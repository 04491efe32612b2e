package taskruntime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/execution"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/generator"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/observability"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/progress"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/redact"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/session"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/tasks"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

const timedOutReason = "generation timed out"

type Config struct {
	// Concurrency caps generator calls across all sessions.
	Concurrency int
	// RatePerSec limits generator call starts; 0 disables the limiter.
	RatePerSec      float64
	RateBurst       int
	Deadlines       execution.DeadlinePolicy
	Retry           execution.RetryPolicy
	JanitorInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:     3,
		Deadlines:       execution.DefaultDeadlinePolicy(),
		Retry:           execution.DefaultRetryPolicy(),
		JanitorInterval: time.Second,
	}
}

type Stats struct {
	Concurrency    int                           `json:"concurrency"`
	Queued         int                           `json:"queued"`
	InFlight       int                           `json:"in_flight"`
	ActiveSessions int                           `json:"active_sessions"`
	Latency        observability.LatencySnapshot `json:"latency"`
}

type workItem struct {
	sessionID  string
	page       int
	generation uint64
	enqueuedAt time.Time
}

type taskKey struct {
	sessionID  string
	page       int
	generation uint64
}

// Service is the page task scheduler and the facade the transport layer talks
// to. A single dispatcher pops the global FIFO and spawns one goroutine per
// generation once a semaphore slot (and rate token) is available.
type Service struct {
	manager     *session.Manager
	runner      *execution.Runner
	classifier  generator.Classifier
	metrics     *observability.Metrics
	log         *zap.Logger
	concurrency int
	janitorTick time.Duration

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	qmu   sync.Mutex
	queue []workItem
	wake  chan struct{}

	mu             sync.Mutex
	runningCancels map[taskKey]context.CancelFunc

	lifeMu  sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

func New(cfg Config, manager *session.Manager, backend generator.Backend, metrics *observability.Metrics, log *zap.Logger) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = cfg.Concurrency
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		manager:        manager,
		runner:         execution.NewRunner(backend, backend, cfg.Deadlines, cfg.Retry, log),
		classifier:     backend,
		metrics:        metrics,
		log:            log,
		concurrency:    cfg.Concurrency,
		janitorTick:    cfg.JanitorInterval,
		sem:            semaphore.NewWeighted(int64(cfg.Concurrency)),
		limiter:        limiter,
		wake:           make(chan struct{}, 1),
		runningCancels: make(map[taskKey]context.CancelFunc),
		ctx:            ctx,
		cancel:         cancel,
	}
	manager.SetTerminalHook(s.onSessionEnded)
	return s
}

// Start launches the dispatcher and the session janitor. It stops when ctx is
// done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started {
		return
	}
	s.started = true

	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()
	s.manager.StartJanitor(s.ctx, s.janitorTick)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch()
	}()
}

// Stop aborts in-flight generations and waits for workers to return.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) StartSession(ctx context.Context, req session.StartRequest) (session.StartResult, error) {
	if strings.TrimSpace(string(req.DocType)) == "" {
		req.DocType = s.classify(ctx, req.DocumentID)
	}
	res, err := s.manager.StartSession(ctx, req)
	if err != nil {
		return session.StartResult{}, err
	}
	s.metrics.ObserveSessionEvent(string(tasks.EventSessionStarted))
	s.enqueue(res.SessionID, res.NewPages)
	return res, nil
}

func (s *Service) classify(ctx context.Context, documentID string) window.DocType {
	if s.classifier == nil {
		return window.DocTypeLecture
	}
	docType, err := s.classifier.ClassifyDocumentType(ctx, documentID)
	if err != nil {
		s.log.Warn("document classification failed, using lecture sizing",
			zap.String("document_id", documentID),
			zap.Error(err),
		)
		return window.DocTypeLecture
	}
	return docType
}

func (s *Service) GetStatus(ctx context.Context, sessionID string) (progress.Snapshot, error) {
	return s.manager.GetStatus(ctx, sessionID)
}

func (s *Service) UpdateWindow(ctx context.Context, req session.UpdateRequest) (session.UpdateResult, error) {
	res, err := s.manager.UpdateWindow(ctx, req)
	if err != nil {
		return session.UpdateResult{}, err
	}
	s.metrics.ObserveSessionEvent(string(tasks.EventWindowUpdated))
	s.abort(req.SessionID, res.Canceled)
	s.enqueue(req.SessionID, res.Scheduled)
	return res, nil
}

func (s *Service) CancelSession(ctx context.Context, sessionID string) (session.CancelResult, error) {
	return s.manager.CancelSession(ctx, sessionID)
}

func (s *Service) Subscribe(sessionID string) (<-chan tasks.Event, func()) {
	return s.manager.Subscribe(sessionID)
}

func (s *Service) ActiveSession(ctx context.Context, documentID string) (string, error) {
	return s.manager.ActiveSession(ctx, documentID)
}

func (s *Service) Owner(ctx context.Context, sessionID string) (string, error) {
	return s.manager.Owner(ctx, sessionID)
}

func (s *Service) Stats() Stats {
	s.qmu.Lock()
	queued := len(s.queue)
	s.qmu.Unlock()
	s.mu.Lock()
	inFlight := len(s.runningCancels)
	s.mu.Unlock()

	return Stats{
		Concurrency:    s.concurrency,
		Queued:         queued,
		InFlight:       inFlight,
		ActiveSessions: s.manager.ActiveCount(),
		Latency:        s.metrics.LatencySnapshot(),
	}
}

// onSessionEnded runs after a session reached a terminal state.
func (s *Service) onSessionEnded(sess session.Session) {
	s.dropQueued(func(item workItem) bool { return item.sessionID == sess.ID })

	s.mu.Lock()
	for key, cancel := range s.runningCancels {
		if key.sessionID == sess.ID {
			cancel()
		}
	}
	s.mu.Unlock()

	switch sess.State {
	case tasks.SessionCompleted:
		s.metrics.ObserveSessionEvent(string(tasks.EventSessionCompleted))
	case tasks.SessionCanceled:
		s.metrics.ObserveSessionEvent(string(tasks.EventSessionCanceled))
	case tasks.SessionFailed:
		s.metrics.ObserveSessionEvent(string(tasks.EventSessionFailed))
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(s.manager.ActiveCount()))
	}
}

// abort drops queued work and cancels running generations for removed tasks.
func (s *Service) abort(sessionID string, refs []session.PageRef) {
	if len(refs) == 0 {
		return
	}
	removed := make(map[taskKey]struct{}, len(refs))
	for _, ref := range refs {
		removed[taskKey{sessionID: sessionID, page: ref.Page, generation: ref.Generation}] = struct{}{}
	}
	s.dropQueued(func(item workItem) bool {
		_, ok := removed[taskKey{sessionID: item.sessionID, page: item.page, generation: item.generation}]
		return ok
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range removed {
		if cancel, ok := s.runningCancels[key]; ok {
			cancel()
		}
	}
}

func (s *Service) enqueue(sessionID string, refs []session.PageRef) {
	if len(refs) == 0 {
		return
	}
	now := time.Now()
	s.qmu.Lock()
	for _, ref := range refs {
		s.queue = append(s.queue, workItem{sessionID: sessionID, page: ref.Page, generation: ref.Generation, enqueuedAt: now})
	}
	depth := len(s.queue)
	s.qmu.Unlock()
	s.setQueueDepth(depth)

	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(s.manager.ActiveCount()))
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) dropQueued(match func(workItem) bool) {
	s.qmu.Lock()
	kept := s.queue[:0]
	for _, item := range s.queue {
		if !match(item) {
			kept = append(kept, item)
		}
	}
	s.queue = kept
	depth := len(s.queue)
	s.qmu.Unlock()
	s.setQueueDepth(depth)
}

func (s *Service) setQueueDepth(depth int) {
	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(depth))
	}
}

func (s *Service) next() (workItem, bool) {
	for {
		s.qmu.Lock()
		if len(s.queue) > 0 {
			item := s.queue[0]
			s.queue = s.queue[1:]
			depth := len(s.queue)
			s.qmu.Unlock()
			s.setQueueDepth(depth)
			return item, true
		}
		s.qmu.Unlock()

		select {
		case <-s.ctx.Done():
			return workItem{}, false
		case <-s.wake:
		}
	}
}

func (s *Service) dispatch() {
	for {
		item, ok := s.next()
		if !ok {
			return
		}
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				s.sem.Release(1)
				return
			}
		}

		claimed, err := s.manager.Claim(item.sessionID, item.page, item.generation)
		if err != nil {
			s.sem.Release(1)
			if !errors.Is(err, session.ErrStale) {
				s.log.Error("claim page task failed",
					zap.String("session_id", item.sessionID),
					zap.Int("page", item.page),
					zap.Error(err),
				)
			}
			continue
		}
		if s.metrics != nil {
			s.metrics.ObserveQueueWait(time.Since(item.enqueuedAt))
		}

		key := taskKey{sessionID: item.sessionID, page: item.page, generation: item.generation}
		ctx, cancel := context.WithCancel(s.ctx)
		s.setRunningCancel(key, cancel)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer cancel()
			defer s.clearRunningCancel(key)
			s.execute(ctx, claimed)
		}()
	}
}

func (s *Service) execute(ctx context.Context, task session.ClaimedTask) {
	if s.metrics != nil {
		s.metrics.InFlight.Inc()
		defer s.metrics.InFlight.Dec()
	}
	started := time.Now()
	log := s.log.With(
		zap.String("session_id", task.SessionID),
		zap.String("document_id", task.DocumentID),
		zap.Int("page", task.Page),
	)

	out, runErr := s.runner.Run(ctx, execution.Job{
		DocumentID: task.DocumentID,
		Page:       task.Page,
		DocType:    task.DocType,
	}, func(int) error {
		return s.manager.RecordAttempt(task.SessionID, task.Page, task.Generation)
	})
	elapsed := time.Since(started)

	var (
		outcome string
		err     error
	)
	switch {
	case runErr == nil:
		outcome = "completed"
		err = s.manager.Complete(task.SessionID, task.Page, task.Generation, out.Result.ResultRef)
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, session.ErrStale):
		// The task was removed from the window or the service is stopping.
		outcome = "canceled"
	case errors.Is(runErr, execution.ErrTimedOut):
		outcome = "timed_out"
		s.metrics.ObserveGeneratorError("timeout")
		err = s.manager.Fail(task.SessionID, task.Page, task.Generation, timedOutReason)
	default:
		outcome = "failed"
		s.metrics.ObserveGeneratorError(errorClass(runErr))
		err = s.manager.Fail(task.SessionID, task.Page, task.Generation, redact.FailureReason(runErr.Error()))
	}

	if errors.Is(err, session.ErrStale) {
		outcome = "discarded"
		err = nil
	}
	s.metrics.ObservePageOutcome(outcome, elapsed)

	switch {
	case err != nil:
		log.Error("record page result failed", zap.String("outcome", outcome), zap.Error(err))
	case outcome == "completed":
		log.Debug("page generated", zap.Int("attempts", out.Attempts), zap.Duration("elapsed", elapsed))
	case outcome == "failed" || outcome == "timed_out":
		log.Warn("page generation failed", zap.Int("attempts", out.Attempts), zap.Duration("deadline", out.Deadline), zap.Error(runErr))
	}
}

func errorClass(err error) string {
	var statusErr *generator.StatusError
	switch {
	case errors.As(err, &statusErr) && statusErr.Retryable():
		return "retryable_status"
	case errors.As(err, &statusErr):
		return "status"
	case errors.Is(err, generator.ErrRetryable):
		return "transport"
	default:
		return "other"
	}
}

func (s *Service) setRunningCancel(key taskKey, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningCancels[key] = cancel
}

func (s *Service) clearRunningCancel(key taskKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runningCancels, key)
}
