package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/generator"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/reliability"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

// ErrTimedOut is the failure recorded when a page runs past its deadline.
var ErrTimedOut = errors.New("generation timed out")

// DeadlinePolicy sizes the per-page deadline from the page cost.
type DeadlinePolicy struct {
	Base     time.Duration
	PerImage time.Duration
	PerChunk time.Duration
	Max      time.Duration
}

func DefaultDeadlinePolicy() DeadlinePolicy {
	return DeadlinePolicy{
		Base:     60 * time.Second,
		PerImage: 15 * time.Second,
		PerChunk: 10 * time.Second,
		Max:      300 * time.Second,
	}
}

func (p DeadlinePolicy) For(cost generator.PageCost) time.Duration {
	d := p.Base + time.Duration(max(cost.Images, 0))*p.PerImage + time.Duration(max(cost.Chunks, 0))*p.PerChunk
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

type RetryPolicy struct {
	// MaxAttempts counts generator calls, the first one included.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2, BaseBackoff: 500 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

type Job struct {
	DocumentID string
	Page       int
	DocType    window.DocType
}

type Outcome struct {
	Result   generator.Result
	Attempts int
	Deadline time.Duration
}

// Runner executes one page generation under its deadline, retrying transient
// generator errors.
type Runner struct {
	gen       generator.Generator
	estimator generator.Estimator
	deadlines DeadlinePolicy
	retry     RetryPolicy
	log       *zap.Logger
}

func NewRunner(gen generator.Generator, estimator generator.Estimator, deadlines DeadlinePolicy, retry RetryPolicy, log *zap.Logger) *Runner {
	if deadlines.Base <= 0 {
		deadlines = DefaultDeadlinePolicy()
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{gen: gen, estimator: estimator, deadlines: deadlines, retry: retry, log: log}
}

// Deadline estimates the page cost and returns its deadline. Estimation
// failures fall back to the base deadline.
func (r *Runner) Deadline(ctx context.Context, job Job) time.Duration {
	if r.estimator == nil {
		return r.deadlines.For(generator.PageCost{})
	}
	estCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cost, err := r.estimator.EstimatePage(estCtx, job.DocumentID, job.Page)
	if err != nil {
		r.log.Warn("page cost estimate failed",
			zap.String("document_id", job.DocumentID),
			zap.Int("page", job.Page),
			zap.Error(err),
		)
		cost = generator.PageCost{}
	}
	return r.deadlines.For(cost)
}

// Run calls the generator until it succeeds, fails permanently, runs out of
// attempts or hits the deadline. onRetry is invoked before every extra call; an
// error from it aborts the run.
func (r *Runner) Run(ctx context.Context, job Job, onRetry func(attempt int) error) (Outcome, error) {
	deadline := r.Deadline(ctx, job)
	out := Outcome{Deadline: deadline}

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		res, err := r.gen.GenerateForPage(runCtx, generator.Request{
			DocumentID: job.DocumentID,
			Page:       job.Page,
			DocType:    job.DocType,
			Attempt:    attempt,
		})
		if err == nil {
			out.Result = res
			return out, nil
		}
		if err := r.contextError(ctx, runCtx, deadline); err != nil {
			return out, err
		}
		if !generator.IsRetryable(err) || attempt >= r.retry.MaxAttempts {
			return out, err
		}

		r.log.Debug("retrying page generation",
			zap.String("document_id", job.DocumentID),
			zap.Int("page", job.Page),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if onRetry != nil {
			if err := onRetry(attempt + 1); err != nil {
				return out, err
			}
		}

		timer := time.NewTimer(reliability.ExponentialBackoff(attempt-1, r.retry.BaseBackoff, r.retry.MaxBackoff))
		select {
		case <-runCtx.Done():
			timer.Stop()
			return out, r.contextError(ctx, runCtx, deadline)
		case <-timer.C:
		}
	}
}

// contextError separates a caller cancel from the page deadline.
func (r *Runner) contextError(parent, runCtx context.Context, deadline time.Duration) error {
	if err := parent.Err(); err != nil {
		return err
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimedOut, deadline)
	}
	return nil
}
