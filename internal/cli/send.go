package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/gopherchat/internal/client"
)

// printer writes only the part of the cumulative reply not yet shown.
type printer struct {
	w     io.Writer
	shown int
}

func (p *printer) chunk(text string) {
	if len(text) > p.shown {
		fmt.Fprint(p.w, text[p.shown:])
		p.shown = len(text)
	}
}

func (p *printer) reset() { p.shown = 0 }

func newSendCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <text>...",
		Short: "Send one message and print the streamed reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			out := cmd.OutOrStdout()
			p := &printer{w: out}
			var failure string
			s := client.NewSession(a.client(), client.Callbacks{
				OnChunk: p.chunk,
				OnError: func(msg string) { failure = msg },
			}, a.logger())

			err := s.SendStreaming(ctx, strings.Join(args[1:], " "), args[0])
			if p.shown > 0 {
				fmt.Fprintln(out)
			}
			switch {
			case err == nil:
				return nil
			case errors.Is(err, context.Canceled):
				fmt.Fprintln(cmd.ErrOrStderr(), "(cancelled)")
				return nil
			case failure != "":
				return errors.New(failure)
			default:
				return err
			}
		},
	}
}
