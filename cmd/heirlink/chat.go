package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	heirlink "github.com/heirlink/heirlink/sdk/golang"
)

var chatLimit int

func init() {
	chatCmd.Flags().IntVarP(&chatLimit, "limit", "n", 0, "Number of history messages to load")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <peer-id>",
	Short: "Open a live conversation with a user",
	Long: "Load the conversation history, print incoming messages as they arrive, and send each line typed on stdin.\n" +
		"Type /quit or press Ctrl-D to leave.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := requireSession(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := s.app.Realtime.Connect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "realtime unavailable (%v); new messages appear after sending\n", err)
		}
		s.app.Realtime.OnFunc(heirlink.EventDisconnect, func(payload json.RawMessage) {
			var d heirlink.DisconnectPayload
			_ = json.Unmarshal(payload, &d)
			fmt.Fprintf(os.Stderr, "-- disconnected: %s\n", valueOrDefault(d.Reason, "unknown"))
		})
		s.app.Realtime.OnFunc(heirlink.EventConnect, func(json.RawMessage) {
			fmt.Fprintln(os.Stderr, "-- connected")
		})

		peerID := args[0]
		chat := s.app.OpenChat(peerID)
		defer chat.Close()

		tr := newTranscript(cmd.OutOrStdout(), peerID)
		chat.OnChange(func() { tr.update(chat.Messages(), chat.PeerTyping()) })

		loadCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = chat.Fetch(loadCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}

		return readLoop(ctx, cmd.InOrStdin(), chat)
	},
}

// readLoop sends each non-empty line until EOF, /quit or cancellation.
func readLoop(ctx context.Context, in io.Reader, chat *heirlink.ChatSyncEngine) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "/quit" {
				return nil
			}
			chat.InputChanged(ctx, line)

			sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			_, err := chat.Send(sendCtx, line, nil)
			cancel()
			switch {
			case errors.Is(err, heirlink.ErrEmptyMessage):
			case err != nil:
				fmt.Fprintf(os.Stderr, "not sent: %v\n", err)
			}
		}
	}
}

// ============================================================================
// Transcript
// ============================================================================

// transcript prints each confirmed message once, in list order.
type transcript struct {
	mu      sync.Mutex
	out     io.Writer
	peerID  string
	printed map[string]bool
	typing  bool
}

func newTranscript(out io.Writer, peerID string) *transcript {
	return &transcript{out: out, peerID: peerID, printed: make(map[string]bool)}
}

func (t *transcript) update(messages []heirlink.Message, peerTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range messages {
		if m.Sending || m.ID == "" || t.printed[m.ID] {
			continue
		}
		t.printed[m.ID] = true
		fmt.Fprintln(t.out, formatMessage(m, t.peerID))
	}
	if peerTyping != t.typing {
		t.typing = peerTyping
		if peerTyping {
			fmt.Fprintf(t.out, "   %s is typing...\n", t.peerID)
		}
	}
}

func formatMessage(m heirlink.Message, peerID string) string {
	who := peerID
	if m.Sender != nil && m.Sender.Username != "" {
		who = m.Sender.Username
	}
	if m.IsFromMe || (m.SenderID != "" && m.SenderID != peerID) {
		who = "me"
	}
	text := m.Text
	if m.AttachmentURL != "" {
		text = strings.TrimSpace(fmt.Sprintf("%s [%s %s]", text, valueOrDefault(m.AttachmentType, "file"), m.AttachmentURL))
	}
	return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), who, text)
}
