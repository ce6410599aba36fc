package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Nwizy11/ochat"
)

var (
	// chat
	chatConvID string
)

func init() {
	rootCmd.AddCommand(joinCmd)
	rootCmd.AddCommand(inboxCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().StringVar(&chatConvID, "conv", "", "conversation to open as the link creator")
}

// ============================================================================
// join
// ============================================================================

var joinCmd = &cobra.Command{
	Use:   "join <link-id>",
	Short: "Join a link anonymously and print the conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, closeFn, err := openMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		conv, err := m.JoinLink(ctx, args[0])
		if err != nil {
			if errors.Is(err, ochat.ErrLinkNotFound) {
				return fmt.Errorf("link %s does not exist or has expired", args[0])
			}
			return err
		}
		fmt.Printf("Conversation %s\n\n", conv.ID)
		printTranscript(conv, false)
		return nil
	},
}

// ============================================================================
// inbox
// ============================================================================

var inboxCmd = &cobra.Command{
	Use:   "inbox <link-id>",
	Short: "List the conversations on one of your links",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, closeFn, err := openMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := m.OpenLink(ctx, args[0]); err != nil {
			if errors.Is(err, ochat.ErrNotOwner) {
				return fmt.Errorf("link %s was not created on this machine", args[0])
			}
			return err
		}

		entries := m.Engine().Conversations()
		if len(entries) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}
		for _, e := range entries {
			last := e.Conversation.LastMessage
			if last == 0 {
				last = e.Conversation.CreatedAt
			}
			unread := ""
			if e.Unread > 0 {
				unread = fmt.Sprintf("  %d unread", e.Unread)
			}
			fmt.Printf("%-40s %3d messages  active %s%s\n",
				e.Conversation.ID, len(e.Conversation.Messages), since(last), unread)
		}
		fmt.Printf("\n%d unread in total\n", m.Engine().TotalUnread())
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List the links you joined anonymously",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, closeFn, err := openMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		history := m.Cache().ChatHistory()
		if len(history) == 0 {
			fmt.Println("No chats yet. Run 'ochat join <link-id>' to start one.")
			return nil
		}
		for _, h := range history {
			fmt.Printf("%-40s conv %s  joined %s  active %s\n",
				h.LinkID, h.ConvID, since(h.JoinedAt), since(h.LastActive))
		}
		return nil
	},
}

// ============================================================================
// chat
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat <link-id>",
	Short: "Chat interactively",
	Long: "Chat interactively through a link. Without --conv you join as the anonymous party;\n" +
		"with --conv you answer one of your own link's conversations.\nType /quit to leave.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, closeFn, err := openMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		isCreator := chatConvID != ""
		if isCreator {
			if err := m.OpenLink(ctx, args[0]); err != nil {
				return err
			}
			if err := m.OpenConversation(ctx, chatConvID); err != nil {
				return err
			}
		} else if _, err := m.JoinLink(ctx, args[0]); err != nil {
			return err
		}

		conv, _ := m.Engine().Active()
		printTranscript(conv, isCreator)

		m.Session().OnNewMessage(func(p ochat.NewMessagePayload) {
			if active, _ := m.Engine().Active(); p.ConvID == active.ID && p.Message.IsCreator != isCreator {
				fmt.Println(formatMessage(p.Message, isCreator))
			}
		})
		m.Session().OnUserTyping(func(ochat.UserTypingPayload) {
			fmt.Fprintln(os.Stderr, "... typing")
		})
		m.Session().OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "connection lost, retrying in %s (attempt %d)\n", delay.Round(time.Millisecond), attempt)
		})
		m.Start(ctx)

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
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
				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}
				if line == "/quit" {
					m.Back()
					return nil
				}
				msg, err := m.Send(ctx, ochat.SendOptions{Text: line})
				if err != nil {
					fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
					continue
				}
				fmt.Println(formatMessage(msg, isCreator))
			}
		}
	},
}
