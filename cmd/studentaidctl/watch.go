package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/progress"
)

var watchCmd = &cobra.Command{
	Use:   "watch [session-id]",
	Short: "Follow session progress until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var (
	watchInterval time.Duration
	watchStream   bool
)

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", progress.DefaultPollInterval, "Polling interval")
	watchCmd.Flags().BoolVar(&watchStream, "stream", false, "Use the websocket stream instead of polling")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	last, err := watchSession(ctx, cmd.OutOrStdout(), args[0], watchStream, watchInterval)
	if errors.Is(err, progress.ErrSessionGone) {
		fmt.Fprintln(cmd.OutOrStdout(), "Session not found")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s %s\n", last.SessionID, last.State)
	return nil
}

func watchSession(ctx context.Context, out io.Writer, sessionID string, stream bool, interval time.Duration) (progress.Snapshot, error) {
	c := newClient()
	onSnapshot := func(snap progress.Snapshot) {
		fmt.Fprintln(out, progressLine(snap))
	}
	if stream {
		return c.Watch(ctx, sessionID, onSnapshot)
	}
	last, gone, err := progress.Poll(ctx, progress.PollOptions{Interval: interval}, c.Fetcher(sessionID), onSnapshot)
	if gone {
		return last, progress.ErrSessionGone
	}
	return last, err
}

func progressLine(snap progress.Snapshot) string {
	return fmt.Sprintf("%s  %-9s window %-7s %3d%%  done %d  running %d  failed %d  pending %d",
		snap.UpdatedAt.Local().Format("15:04:05"),
		snap.State,
		snap.WindowRange,
		snap.Progress.Percentage,
		snap.Progress.Completed,
		snap.Progress.InProgress,
		snap.Progress.Failed,
		snap.Progress.Pending,
	)
}
