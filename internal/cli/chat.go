package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/chat"
	"github.com/suPer8Hu/gopherchat/internal/client"
)

func newChatCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <conversation-id>",
		Short: "Chat interactively in a conversation",
		Long: `Opens a conversation, prints its history and reads messages from stdin.
Ctrl-C while a reply is streaming stops that reply; Ctrl-C at the prompt,
Ctrl-D or /quit leaves.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), a, args[0], cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runChat(ctx context.Context, a *app, conversationID string, in io.Reader, out, errOut io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := &printer{w: out}
	s := client.NewSession(a.client(), client.Callbacks{
		OnChunk: p.chunk,
		OnError: func(msg string) { fmt.Fprintf(errOut, "\n[error] %s\n", msg) },
	}, a.logger())

	if err := s.LoadConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to open conversation: %w", err)
	}
	printHistory(out, s.Messages(conversationID))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		for {
			select {
			case <-sigs:
				if !s.Cancel(conversationID) {
					cancel()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = strings.TrimSpace(l)
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		}

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/history":
			printHistory(out, s.Messages(conversationID))
			continue
		}

		p.reset()
		err := s.SendStreaming(ctx, line, conversationID)
		if p.shown > 0 {
			fmt.Fprintln(out)
		}
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(errOut, "(cancelled)")
		case errors.Is(err, client.ErrStreamInProgress):
			fmt.Fprintln(errOut, "a reply is still streaming")
		}
	}
}

func printHistory(w io.Writer, msgs []chat.Message) {
	for _, m := range msgs {
		switch {
		case m.IsError:
			reason := "failed"
			if m.ErrorMessage != nil {
				reason = *m.ErrorMessage
			}
			fmt.Fprintf(w, "[%s] (error: %s) %s\n", m.Role, reason, m.Content)
		case m.Role == ai.RoleUser:
			fmt.Fprintf(w, "> %s\n", m.Content)
		default:
			fmt.Fprintf(w, "%s\n", m.Content)
		}
	}
}
