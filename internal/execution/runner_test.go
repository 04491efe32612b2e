package execution

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/generator"
)

type scriptedGenerator struct {
	calls atomic.Int32
	errs  []error
	block bool
}

func (g *scriptedGenerator) GenerateForPage(ctx context.Context, req generator.Request) (generator.Result, error) {
	n := int(g.calls.Add(1))
	if g.block {
		<-ctx.Done()
		return generator.Result{}, ctx.Err()
	}
	if n <= len(g.errs) && g.errs[n-1] != nil {
		return generator.Result{}, g.errs[n-1]
	}
	return generator.Result{ResultRef: "ref"}, nil
}

type fixedEstimator struct {
	cost generator.PageCost
	err  error
}

func (e fixedEstimator) EstimatePage(context.Context, string, int) (generator.PageCost, error) {
	return e.cost, e.err
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestDeadlinePolicy(t *testing.T) {
	p := DefaultDeadlinePolicy()
	cases := []struct {
		cost generator.PageCost
		want time.Duration
	}{
		{generator.PageCost{}, 60 * time.Second},
		{generator.PageCost{Images: 2, Chunks: 3}, 120 * time.Second},
		{generator.PageCost{Images: 20, Chunks: 20}, 300 * time.Second},
	}
	for _, tc := range cases {
		if got := p.For(tc.cost); got != tc.want {
			t.Fatalf("For(%+v) = %v, want %v", tc.cost, got, tc.want)
		}
	}
}

func TestRunnerDeadlineFallsBackOnEstimateError(t *testing.T) {
	r := NewRunner(&scriptedGenerator{}, fixedEstimator{err: errors.New("no parser")}, DefaultDeadlinePolicy(), fastRetry(1), nil)
	if got := r.Deadline(context.Background(), Job{DocumentID: "d", Page: 1}); got != 60*time.Second {
		t.Fatalf("Deadline() = %v, want 60s", got)
	}
}

func TestRunnerRetriesRetryableErrors(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{&generator.StatusError{Code: 503}}}
	r := NewRunner(gen, nil, DefaultDeadlinePolicy(), fastRetry(2), nil)

	var retried []int
	out, err := r.Run(context.Background(), Job{DocumentID: "d", Page: 3}, func(attempt int) error {
		retried = append(retried, attempt)
		return nil
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Attempts != 2 || out.Result.ResultRef != "ref" {
		t.Fatalf("Run() = %+v", out)
	}
	if len(retried) != 1 || retried[0] != 2 {
		t.Fatalf("onRetry calls = %v, want [2]", retried)
	}
}

func TestRunnerStopsAfterMaxAttempts(t *testing.T) {
	unavailable := &generator.StatusError{Code: 503}
	gen := &scriptedGenerator{errs: []error{unavailable, unavailable, unavailable}}
	r := NewRunner(gen, nil, DefaultDeadlinePolicy(), fastRetry(2), nil)

	out, err := r.Run(context.Background(), Job{DocumentID: "d", Page: 3}, nil)
	if !errors.Is(err, generator.ErrRetryable) {
		t.Fatalf("Run() error = %v, want retryable status error", err)
	}
	if out.Attempts != 2 || gen.calls.Load() != 2 {
		t.Fatalf("attempts = %d, calls = %d, want 2", out.Attempts, gen.calls.Load())
	}
}

func TestRunnerDoesNotRetryPermanentErrors(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{&generator.StatusError{Code: 422}}}
	r := NewRunner(gen, nil, DefaultDeadlinePolicy(), fastRetry(3), nil)

	if _, err := r.Run(context.Background(), Job{DocumentID: "d", Page: 1}, nil); err == nil {
		t.Fatalf("Run() error = nil, want failure")
	}
	if got := gen.calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestRunnerTimesOut(t *testing.T) {
	deadlines := DeadlinePolicy{Base: 20 * time.Millisecond, Max: time.Second}
	r := NewRunner(&scriptedGenerator{block: true}, nil, deadlines, fastRetry(2), nil)

	_, err := r.Run(context.Background(), Job{DocumentID: "d", Page: 1}, nil)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Run() error = %v, want ErrTimedOut", err)
	}
}

func TestRunnerReportsCallerCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(&scriptedGenerator{block: true}, nil, DefaultDeadlinePolicy(), fastRetry(2), nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := r.Run(ctx, Job{DocumentID: "d", Page: 1}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRunnerAbortsWhenRetryRejected(t *testing.T) {
	stale := errors.New("stale")
	gen := &scriptedGenerator{errs: []error{&generator.StatusError{Code: 429}}}
	r := NewRunner(gen, nil, DefaultDeadlinePolicy(), fastRetry(3), nil)

	_, err := r.Run(context.Background(), Job{DocumentID: "d", Page: 1}, func(int) error { return stale })
	if !errors.Is(err, stale) {
		t.Fatalf("Run() error = %v, want stale", err)
	}
}
