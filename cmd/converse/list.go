package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/converse/pkg/conversation"
	"github.com/go-go-golems/converse/pkg/session"
)

func printConversations(header string, convs []*conversation.Conversation) {
	if len(convs) == 0 {
		return
	}
	fmt.Printf("%s:\n", header)
	for _, c := range convs {
		preview := ""
		if c.LastMessage != nil {
			preview = " - " + *c.LastMessage
		}
		fmt.Printf("  %s  %s (%d messages)%s\n", c.ID, c.Title, c.MessageCount, preview)
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, grouped by pinned, active and archived",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = s.Close()
			}()

			lm := newListManager(s)
			// an empty query matches everything
			convs := lm.SearchConversations(cmd.Context(), "")

			printConversations("Pinned", conversation.FilterPinned(convs))
			printConversations("Conversations", conversation.FilterActive(convs))
			printConversations("Archived", conversation.FilterArchived(convs))
			if len(convs) == 0 {
				fmt.Println("no conversations")
			}
			return nil
		},
	}
}

func newSearchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Search conversations by title or preview",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = s.Close()
			}()

			lm := newListManager(s)
			convs := lm.SearchConversations(cmd.Context(), args[0])
			printConversations("Results", convs)
			if len(convs) == 0 {
				fmt.Println("no matches")
			}
			return nil
		},
	}
}

func newCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "new <title>",
		Short: "Create a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = s.Close()
			}()

			lm := newListManager(s)
			conv, err := lm.CreateConversation(cmd.Context(), args[0],
				viper.GetString("model"), viper.GetString("provider"))
			if err != nil {
				return err
			}
			fmt.Println(conv.ID)
			return nil
		},
	}
}

func newRenameCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <conversation-id> <title>",
		Short: "Rename a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = s.Close()
			}()

			return newListManager(s).UpdateConversationTitle(cmd.Context(), args[0], args[1])
		},
	}
}

// newFlagCommands builds pin/unpin/archive/unarchive, which all share the
// same shape: one conversation id in, one store flag flipped.
func newFlagCommands() []*cobra.Command {
	makeCmd := func(use, short string, op func(ctx context.Context, lm *session.ListManagerImpl, id string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <conversation-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				s, err := openStore()
				if err != nil {
					return err
				}
				defer func() {
					_ = s.Close()
				}()
				return op(cmd.Context(), newListManager(s), args[0])
			},
		}
	}

	return []*cobra.Command{
		makeCmd("pin", "Pin a conversation", func(ctx context.Context, lm *session.ListManagerImpl, id string) error {
			return lm.PinConversation(ctx, id)
		}),
		makeCmd("unpin", "Unpin a conversation", func(ctx context.Context, lm *session.ListManagerImpl, id string) error {
			return lm.UnpinConversation(ctx, id)
		}),
		makeCmd("archive", "Archive a conversation", func(ctx context.Context, lm *session.ListManagerImpl, id string) error {
			return lm.ArchiveConversation(ctx, id)
		}),
		makeCmd("unarchive", "Unarchive a conversation", func(ctx context.Context, lm *session.ListManagerImpl, id string) error {
			return lm.UnarchiveConversation(ctx, id)
		}),
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = s.Close()
			}()

			return newListManager(s).DeleteConversation(cmd.Context(), args[0])
		},
	}
}
