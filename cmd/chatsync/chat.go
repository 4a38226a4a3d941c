package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/wachat/chatsync"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(groupCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <user-id|email>",
	Short: "Chat with another user",
	Long:  "Open the direct conversation with a user. Type a line and press enter to send; Ctrl-D or Ctrl-C leaves.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(args[0])
	},
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Join the group chat",
	Long:  "Open the conversation shared by every user. Type a line and press enter to send; Ctrl-D or Ctrl-C leaves.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat("")
	},
}

// runChat opens the direct chat with peer, or the group chat when peer is "".
func runChat(peer string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	setupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := s.restore(setupCtx); err != nil {
		return err
	}
	// the directory must keep following users for the whole chat
	if err := s.client.Start(ctx); err != nil {
		return fmt.Errorf("cannot load users: %w", err)
	}
	if err := s.loadDirectory(setupCtx); err != nil {
		return err
	}

	var chat *chatsync.ChatSession
	if peer == "" {
		chat, err = s.client.OpenGroupChat(ctx)
	} else {
		p, rerr := s.resolveUser(peer)
		if rerr != nil {
			return rerr
		}
		chat, err = s.client.OpenDirectChat(ctx, p.UID)
	}
	if err != nil {
		return fmt.Errorf("cannot open chat: %w", err)
	}
	defer chat.Close()

	h := chat.Header()
	fmt.Printf("== %s (%s) ==\n", h.Title, h.Status)

	lines := make(chan string)
	go readLines(lines)

	printed := map[string]bool{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-chat.Updates():
			if !ok {
				return nil
			}
			printNew(chat.Rendered(), printed)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			chat.Composer().SetDraft(line)
			result := chat.Composer().Submit(ctx)
			go func() {
				if res := <-result; res.Err != nil {
					fmt.Fprintf(os.Stderr, "send failed: %s\n", chatsync.UserMessage(res.Err))
				}
			}()
		}
	}
}

// printNew prints confirmed messages not shown yet. Pending messages wait for
// their server time so that the printed order is final.
func printNew(msgs []chatsync.RenderedMessage, printed map[string]bool) {
	for _, m := range msgs {
		if m.Pending || printed[m.ID] {
			continue
		}
		printed[m.ID] = true
		if m.ShowHeader {
			fmt.Printf("%s:\n", m.DisplayName)
		}
		fmt.Printf("  [%s] %s\n", m.Clock(), m.Text)
	}
}

func readLines(out chan<- string) {
	defer close(out)
	for {
		line, err := stdin.ReadString('\n')
		if len(line) > 0 {
			out <- trimNewline(line)
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "read input: %v\n", err)
			return
		}
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
