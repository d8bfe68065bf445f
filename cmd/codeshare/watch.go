package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	codeshare "github.com/mitsimi/code-share"
	"github.com/spf13/cobra"
)

var (
	watchSnippets []string
	watchList     bool
	watchUser     bool
	watchJSON     bool
)

func init() {
	watchCmd.Flags().StringSliceVar(&watchSnippets, "snippet", nil, "Snippet id to follow (repeatable)")
	watchCmd.Flags().BoolVar(&watchList, "list", false, "Follow content changes shown in snippet lists")
	watchCmd.Flags().BoolVar(&watchUser, "user", false, "Follow your likes and saves from other devices (requires login)")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print raw envelopes as JSON lines")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live snippet updates",
	Long:  "Connect to the live update stream and print updates until interrupted.\nThe connection reconnects with backoff and resubscribes after drops.",
	RunE: func(cmd *cobra.Command, args []string) error {
		topics := watchTopics()
		if len(topics) == 0 {
			return fmt.Errorf("nothing to watch: pass --snippet, --list or --user")
		}

		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		rt := client.Realtime
		rt.OnStateChange(func(s codeshare.ConnectionState) {
			fmt.Fprintf(os.Stderr, "[%s]\n", s)
		})
		if watchJSON {
			for _, kind := range []codeshare.MessageKind{codeshare.KindSnippetUpdates, codeshare.KindListUpdates, codeshare.KindUserActions} {
				rt.OnMessage(kind, func(env codeshare.Envelope) {
					_ = printJSON(out, env)
				})
			}
		} else {
			rt.OnSnippetUpdate(func(u codeshare.SnippetUpdateData, _ codeshare.Envelope) {
				fmt.Fprintf(out, "snippet %s: %s\n", u.SnippetID, describeSnippetUpdate(u))
			})
			rt.OnListUpdate(func(u codeshare.ListUpdateData, _ codeshare.Envelope) {
				fmt.Fprintf(out, "list %s: %s\n", u.SnippetID, describeContent(u.Title, u.Content, u.Language))
			})
			rt.OnUserAction(func(a codeshare.UserActionData, _ codeshare.Envelope) {
				fmt.Fprintf(out, "you %s %s\n", a.Action, a.SnippetID)
			})
		}

		client.Init(ctx)
		for _, t := range topics {
			if err := rt.Subscribe(t); err != nil {
				return fmt.Errorf("subscribe %s: %w", t.Key(), err)
			}
		}

		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "stopping")
		return nil
	},
}

func watchTopics() []codeshare.Topic {
	var topics []codeshare.Topic
	for _, id := range watchSnippets {
		if id = strings.TrimSpace(id); id != "" {
			topics = append(topics, codeshare.Topic{Kind: codeshare.TopicSnippetUpdates, ScopeID: id})
		}
	}
	if watchList {
		topics = append(topics, codeshare.Topic{Kind: codeshare.TopicListUpdates})
	}
	if watchUser {
		topics = append(topics, codeshare.Topic{Kind: codeshare.TopicUserActions})
	}
	return topics
}

func describeSnippetUpdate(u codeshare.SnippetUpdateData) string {
	var parts []string
	if c := describeContent(u.Title, u.Content, u.Language); c != "" {
		parts = append(parts, c)
	}
	if u.LikeCount != nil {
		parts = append(parts, fmt.Sprintf("%d likes", *u.LikeCount))
	}
	if u.ViewCount != nil {
		parts = append(parts, fmt.Sprintf("%d views", *u.ViewCount))
	}
	if len(parts) == 0 {
		return u.UpdateType
	}
	return strings.Join(parts, ", ")
}

func describeContent(title, content, language *string) string {
	var parts []string
	if title != nil {
		parts = append(parts, fmt.Sprintf("title %q", *title))
	}
	if content != nil {
		parts = append(parts, fmt.Sprintf("content changed (%d bytes)", len(*content)))
	}
	if language != nil {
		parts = append(parts, "language "+*language)
	}
	return strings.Join(parts, ", ")
}
