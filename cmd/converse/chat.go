package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/converse/pkg/conversation"
	"github.com/go-go-golems/converse/pkg/events"
	"github.com/go-go-golems/converse/pkg/session"
)

const eventTopic = "converse.chat"

var chatCmd = &cobra.Command{
	Use:   "chat [conversation-id]",
	Short: "Open an interactive chat session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openStore()
		if err != nil {
			return err
		}
		defer func() {
			_ = s.Close()
		}()

		engine, err := newEngine()
		if err != nil {
			return err
		}

		conversationID := ""
		if len(args) > 0 {
			conversationID = args[0]
		} else {
			lm := newListManager(s)
			conv, err := lm.CreateConversation(ctx, "New Chat",
				viper.GetString("model"), viper.GetString("provider"))
			if err != nil {
				return err
			}
			conversationID = conv.ID
			fmt.Printf("started conversation %s\n", conversationID)
		}

		pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
		manager := session.NewManager(s, engine,
			session.WithSettings(newSettings()),
			session.WithPublisher(eventTopic, pubsub),
		)
		defer func() {
			_ = manager.Close()
		}()

		if err := manager.Load(ctx, conversationID); err != nil {
			return err
		}
		if err := waitLoaded(ctx, manager.IsLoading); err != nil {
			return err
		}

		eg, egCtx := errgroup.WithContext(ctx)
		eg.Go(func() error {
			return printEvents(egCtx, pubsub)
		})
		eg.Go(func() error {
			defer stop()
			return repl(egCtx, manager)
		})
		err = eg.Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// printEvents surfaces engine events while a completion is in flight.
func printEvents(ctx context.Context, pubsub *gochannel.GoChannel) error {
	msgs, err := pubsub.Subscribe(ctx, eventTopic)
	if err != nil {
		return err
	}
	for msg := range msgs {
		e, err := events.NewEventFromJSON(msg.Payload)
		msg.Ack()
		if err != nil {
			log.Warn().Err(err).Msg("bad event payload")
			continue
		}
		switch e.Type {
		case events.EventTypeMessageAdded:
			fmt.Println("... generating")
		case events.EventTypeSendFailed:
			fmt.Printf("error: %s\n", e.Error)
		case events.EventTypeSendStarted, events.EventTypeSendCompleted,
			events.EventTypeMessageUpdated, events.EventTypeMessageDeleted:
		}
	}
	return nil
}

func repl(ctx context.Context, manager session.Manager) error {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("type a message, /share, /export, /regen, /clear or /quit")

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return nil
		case line == "/share":
			fmt.Println(manager.ShareableText())
		case line == "/export":
			payload := manager.ExportableData()
			b, err := json.MarshalIndent(payload, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(b))
		case line == "/regen":
			if err := regenerateLast(ctx, manager); err != nil {
				fmt.Printf("regenerate failed: %s\n", err)
			} else {
				printLastAssistant(manager)
			}
		case line == "/clear":
			if err := manager.ClearHistory(ctx); err != nil {
				fmt.Printf("clear failed: %s\n", err)
			}
		default:
			if err := manager.SendMessage(ctx, line); err != nil {
				fmt.Printf("send failed: %s\n", err)
				continue
			}
			printLastAssistant(manager)
		}
	}
}

func regenerateLast(ctx context.Context, manager session.Manager) error {
	msgs := manager.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == conversation.RoleAssistant && msgs[i].Status.Terminal() {
			return manager.RegenerateMessage(ctx, msgs[i].ID)
		}
	}
	return errors.New("no assistant message to regenerate")
}

func printLastAssistant(manager session.Manager) {
	msgs := manager.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == conversation.RoleAssistant && msgs[i].Status == conversation.StatusCompleted {
			fmt.Println(msgs[i].Content)
			return
		}
	}
}
