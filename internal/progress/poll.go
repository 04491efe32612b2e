package progress

import (
	"context"
	"errors"
	"time"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/tasks"
)

const (
	DefaultPollInterval = 5 * time.Second
	// FastPollInterval is used where UI responsiveness matters more than request volume.
	FastPollInterval = 2 * time.Second
)

// ErrSessionGone is returned by fetchers when the session no longer exists.
var ErrSessionGone = errors.New("session not found")

// ShouldStop is the polling termination rule: stop once the session reached a
// terminal state or is gone.
func ShouldStop(state tasks.SessionState, notFound bool) bool {
	return notFound || state.Terminal()
}

// FetchFunc loads the current snapshot. Returning ErrSessionGone ends polling.
type FetchFunc func(ctx context.Context) (Snapshot, error)

type PollOptions struct {
	Interval time.Duration
	// MaxConsecutiveErrors ends polling after this many fetch failures in a row (0 = 3).
	MaxConsecutiveErrors int
}

// Poll fetches immediately and then every interval, handing each snapshot to
// onSnapshot, until ShouldStop holds. It returns the last snapshot seen and
// whether the session was gone.
func Poll(ctx context.Context, opts PollOptions, fetch FetchFunc, onSnapshot func(Snapshot)) (Snapshot, bool, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = 3
	}

	var (
		last     Snapshot
		failures int
	)
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		snap, err := fetch(ctx)
		switch {
		case errors.Is(err, ErrSessionGone):
			return last, true, nil
		case err != nil:
			if ctx.Err() != nil {
				return last, false, ctx.Err()
			}
			failures++
			if failures >= opts.MaxConsecutiveErrors {
				return last, false, err
			}
		default:
			failures = 0
			last = snap
			if onSnapshot != nil {
				onSnapshot(snap)
			}
			if ShouldStop(snap.State, false) {
				return last, false, nil
			}
		}

		select {
		case <-ctx.Done():
			return last, false, ctx.Err()
		case <-ticker.C:
		}
	}
}
