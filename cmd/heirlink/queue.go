package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	heirlink "github.com/heirlink/heirlink/sdk/golang"
)

var queueListJSON bool

func init() {
	queueListCmd.Flags().BoolVar(&queueListJSON, "json", false, "Output raw JSON")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueReplayCmd)
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay actions queued while offline",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()

		items, err := s.app.Queue.Items(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if queueListJSON {
			data, err := json.MarshalIndent(items, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}
		printQueue(out, items)
		return nil
	},
}

var queueReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay every queued action now",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := requireSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.Close()

		s.app.Queue.OnEvent(heirlink.QueueEventFailed, func(_ string, item heirlink.QueueItem) {
			fmt.Fprintf(cmd.ErrOrStderr(), "  %s failed: %s\n", item.ID, item.LastError)
		})
		s.app.Queue.OnEvent(heirlink.QueueEventSucceeded, func(_ string, item heirlink.QueueItem) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s done\n", item.ID)
		})

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		res, err := s.app.Queue.Replay(ctx)
		if err != nil {
			return fmt.Errorf("replay failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d, succeeded %d, %d remaining\n",
			res.Attempted, res.Succeeded, res.Remaining)
		return nil
	},
}

func printQueue(out io.Writer, items []heirlink.QueueItem) {
	if len(items) == 0 {
		fmt.Fprintln(out, "Queue is empty.")
		return
	}
	for _, item := range items {
		fmt.Fprintf(out, "%s  %-5s  %s  %s\n",
			item.ID, item.Type, item.CreatedAt.Local().Format(time.RFC3339), describeItem(item))
		if item.Attempts > 0 {
			fmt.Fprintf(out, "    attempts: %d, last error: %s\n", item.Attempts, item.LastError)
		}
	}
}

func describeItem(item heirlink.QueueItem) string {
	if item.Type != heirlink.ActionPost {
		return ""
	}
	var p heirlink.PostPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return "(unreadable payload)"
	}
	desc := fmt.Sprintf("%d file(s)", len(p.MediaPaths))
	if p.Caption != "" {
		desc += fmt.Sprintf(" %q", truncate(p.Caption, 40))
	}
	return desc
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}
