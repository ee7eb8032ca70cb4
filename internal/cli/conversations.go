package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/suPer8Hu/gopherchat/internal/chat"
)

func newConversationsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage conversations",
	}
	cmd.AddCommand(newConversationsListCommand(a), newConversationsCreateCommand(a))
	return cmd
}

func newConversationsListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your conversations, most recently active first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			convs, err := a.client().ListConversations(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list conversations: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(convs) == 0 {
				fmt.Fprintln(out, "No conversations found.")
				return nil
			}
			for _, c := range convs {
				printConversation(out, c)
			}
			return nil
		},
	}
}

func newConversationsCreateCommand(a *app) *cobra.Command {
	var title, modelID, systemPrompt string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a new conversation",
		Example: `  gopherchat conversations create --title "Trip ideas"
  gopherchat conversations create --system "Answer in French"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := chat.CreateConversationInput{Title: title, ModelID: modelID}
			if systemPrompt != "" {
				in.SystemPrompt = &systemPrompt
			}
			conv, err := a.client().CreateConversation(cmd.Context(), in)
			if err != nil {
				return fmt.Errorf("failed to create conversation: %w", err)
			}
			printConversation(cmd.OutOrStdout(), *conv)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Conversation title")
	cmd.Flags().StringVar(&modelID, "model", "", "Model id (default: first active model)")
	cmd.Flags().StringVar(&systemPrompt, "system", "", "System prompt")
	return cmd
}

func printConversation(w io.Writer, c chat.Conversation) {
	pin := ""
	if c.IsPinned {
		pin = " *"
	}
	fmt.Fprintf(w, "[%s] %s%s\n", c.ID, c.Title, pin)
	fmt.Fprintf(w, "  Messages: %d | Tokens: %d | Updated: %s\n",
		c.MessageCount, c.TotalTokens, c.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
}
