package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/client"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/progress"
	"github.com/bluesgg/student-aid-v0.3-sub002/internal/window"
)

var startCmd = &cobra.Command{
	Use:   "start [document-id]",
	Short: "Start a generation session at a page",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show session progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var updateCmd = &cobra.Command{
	Use:   "update [session-id] [page]",
	Short: "Move the session window to a page",
	Args:  cobra.ExactArgs(2),
	RunE:  runUpdate,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [session-id]",
	Short: "Cancel a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var activeCmd = &cobra.Command{
	Use:   "active [document-id]",
	Short: "Show the active session of a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runActive,
}

var (
	startPage      int
	startDocType   string
	startPageCount int
	updateAction   string
	outputJSON     bool
)

func init() {
	startCmd.Flags().IntVar(&startPage, "page", 1, "Page the reader is on")
	startCmd.Flags().StringVar(&startDocType, "doc-type", "", "Lecture or Slides (classified by the server when empty)")
	startCmd.Flags().IntVar(&startPageCount, "page-count", 0, "Document length, 0 when unknown")

	updateCmd.Flags().StringVar(&updateAction, "action", "extend", "Window action: extend or shift")

	for _, c := range []*cobra.Command{startCmd, statusCmd, updateCmd, cancelCmd, activeCmd} {
		c.Flags().BoolVar(&outputJSON, "json", false, "Print raw JSON")
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	res, err := newClient().StartSession(cmd.Context(), clientStartInput(args[0]))
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Started session %s (%s, pages %s)\n", res.SessionID, res.DocType, res.WindowRange)
	return nil
}

func clientStartInput(documentID string) client.StartInput {
	return client.StartInput{
		DocumentID: documentID,
		Page:       startPage,
		DocType:    startDocType,
		PageCount:  startPageCount,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	snap, err := newClient().GetStatus(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), snap)
	}
	printSnapshot(cmd.OutOrStdout(), snap)
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	var page int
	if _, err := fmt.Sscanf(args[1], "%d", &page); err != nil {
		return fmt.Errorf("invalid page %q", args[1])
	}
	action, err := window.ParseAction(updateAction)
	if err != nil {
		return err
	}
	res, err := newClient().UpdateWindow(cmd.Context(), args[0], page, action)
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Window %s (%s), new %v, canceled %v\n", res.WindowRange, res.Action, res.NewPages, res.CanceledPages)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	res, err := newClient().CancelSession(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}
	if !res.Canceled {
		fmt.Fprintln(cmd.OutOrStdout(), "Session already finished")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Canceled session %s, dropped pages %v\n", args[0], res.CanceledPages)
	return nil
}

func runActive(cmd *cobra.Command, args []string) error {
	id, err := newClient().ActiveSession(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), map[string]string{"session_id": id})
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSnapshot(w io.Writer, snap progress.Snapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "SESSION\t%s\n", snap.SessionID)
	fmt.Fprintf(tw, "DOCUMENT\t%s (%s)\n", snap.DocumentID, snap.DocType)
	fmt.Fprintf(tw, "STATE\t%s\n", snap.State)
	fmt.Fprintf(tw, "WINDOW\t%s (page %d)\n", snap.WindowRange, snap.CurrentPage)
	fmt.Fprintf(tw, "PROGRESS\t%d/%d (%d%%)\n", snap.Progress.Completed, snap.Progress.Total, snap.Progress.Percentage)
	if len(snap.PagesFailed) > 0 {
		fmt.Fprintf(tw, "FAILED\t%s\n", joinPages(snap.PagesFailed))
	}
	if snap.FailureReason != "" {
		fmt.Fprintf(tw, "REASON\t%s\n", snap.FailureReason)
	}
	tw.Flush()
}

func joinPages(pages []int) string {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, ",")
}
