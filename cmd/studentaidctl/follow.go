package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/client"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/session"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/tracker"
)

var followCmd = &cobra.Command{
	Use:   "follow [session-id]",
	Short: "Read page numbers from stdin and move the window like a viewer would",
	Long: `follow reads one page number per line from stdin, debounces them and sends
window updates: small moves extend the window, jumps beyond the threshold shift it.`,
	Args: cobra.ExactArgs(1),
	RunE: runFollow,
}

var (
	followStartPage int
	followDebounce  time.Duration
	followThreshold int
)

func init() {
	followCmd.Flags().IntVar(&followStartPage, "from", 0, "Page the session was started at")
	followCmd.Flags().DurationVar(&followDebounce, "debounce", tracker.DefaultDebounce, "Debounce before a page change is reported")
	followCmd.Flags().IntVar(&followThreshold, "jump-threshold", tracker.DefaultJumpThreshold, "Page distance treated as a jump")
}

func runFollow(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startPage := followStartPage
	if startPage == 0 {
		snap, err := newClient().GetStatus(ctx, args[0])
		if err != nil {
			return err
		}
		startPage = snap.CurrentPage
	}
	return followPages(ctx, newClient(), args[0], os.Stdin, cmd.OutOrStdout(), tracker.Config{
		Debounce:      followDebounce,
		JumpThreshold: followThreshold,
		InitialPage:   startPage,
	})
}

// followPages feeds pages read from in through a tracker and reports each
// resulting window update to out. It returns once input ends and the last
// change was flushed, or when the session stops accepting updates.
func followPages(ctx context.Context, c *client.Client, sessionID string, in io.Reader, out io.Writer, cfg tracker.Config) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	cfg.OnPageChange = func(page int, isJump bool) {
		action := tracker.ActionFor(isJump)
		res, err := c.UpdateWindow(ctx, sessionID, page, action)
		switch {
		case errors.Is(err, session.ErrNotActive), errors.Is(err, session.ErrNotFound):
			cancel(err)
		case err != nil:
			fmt.Fprintf(out, "page %d: update failed: %v\n", page, err)
		default:
			fmt.Fprintf(out, "page %d: %s window %s, new %v, canceled %v\n", page, res.Action, res.WindowRange, res.NewPages, res.CanceledPages)
		}
	}
	t := tracker.New(cfg)
	defer t.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); !errors.Is(cause, context.Canceled) {
				return fmt.Errorf("session stopped accepting updates: %w", cause)
			}
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return flush(ctx, t, cfg.Debounce)
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			page, err := strconv.Atoi(line)
			if err != nil || page < 1 {
				fmt.Fprintf(out, "ignoring %q: not a page number\n", line)
				continue
			}
			t.TrackPage(page)
		}
	}
}

// flush gives a pending debounced change time to be delivered.
func flush(ctx context.Context, t *tracker.Tracker, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = tracker.DefaultDebounce
	}
	timer := time.NewTimer(2*debounce + time.Second)
	defer timer.Stop()
	select {
	case <-timer.C:
		t.Close()
		return nil
	case <-ctx.Done():
		if cause := context.Cause(ctx); !errors.Is(cause, context.Canceled) {
			return fmt.Errorf("session stopped accepting updates: %w", cause)
		}
		return nil
	}
}
