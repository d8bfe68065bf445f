package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	codeshare "github.com/mitsimi/code-share"
	"github.com/spf13/cobra"
)

var snippetsJSON bool

func init() {
	for _, c := range []*cobra.Command{snippetsListCmd, snippetsShowCmd, likeCmd, unlikeCmd, saveCmd, unsaveCmd} {
		c.Flags().BoolVar(&snippetsJSON, "json", false, "Output raw JSON")
	}
	snippetsCmd.AddCommand(snippetsListCmd)
	snippetsCmd.AddCommand(snippetsShowCmd)
	rootCmd.AddCommand(snippetsCmd)
	rootCmd.AddCommand(likeCmd)
	rootCmd.AddCommand(unlikeCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(unsaveCmd)
}

var snippetsCmd = &cobra.Command{
	Use:   "snippets",
	Short: "Browse snippets",
}

var snippetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snippets",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, client *codeshare.Client) error {
			list, err := client.Snippets.List(ctx)
			if err != nil {
				return err
			}
			if snippetsJSON {
				return printJSON(cmd.OutOrStdout(), list)
			}
			for _, s := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-40s  %-10s  %d likes\n", s.ID, s.Title, s.Language, s.Likes)
			}
			return nil
		})
	},
}

var snippetsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one snippet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, client *codeshare.Client) error {
			s, err := client.Snippets.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if snippetsJSON {
				return printJSON(cmd.OutOrStdout(), s)
			}
			printSnippet(cmd.OutOrStdout(), s)
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), s.Content)
			return nil
		})
	},
}

var likeCmd = toggleCommand("like", "Like a snippet", func(ctx context.Context, c *codeshare.Client, id string) (*codeshare.Snippet, error) {
	return c.Snippets.ToggleLike(ctx, id, codeshare.ActionLike)
})

var unlikeCmd = toggleCommand("unlike", "Remove a like from a snippet", func(ctx context.Context, c *codeshare.Client, id string) (*codeshare.Snippet, error) {
	return c.Snippets.ToggleLike(ctx, id, codeshare.ActionUnlike)
})

var saveCmd = toggleCommand("save", "Save a snippet to your collection", func(ctx context.Context, c *codeshare.Client, id string) (*codeshare.Snippet, error) {
	return c.Snippets.ToggleSave(ctx, id, codeshare.ActionSave)
})

var unsaveCmd = toggleCommand("unsave", "Remove a snippet from your collection", func(ctx context.Context, c *codeshare.Client, id string) (*codeshare.Snippet, error) {
	return c.Snippets.ToggleSave(ctx, id, codeshare.ActionUnsave)
})

func toggleCommand(use, short string, fn func(context.Context, *codeshare.Client, string) (*codeshare.Snippet, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <snippet-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, client *codeshare.Client) error {
				if !client.Session.IsAuthenticated() {
					return fmt.Errorf("%w; run 'codeshare login' first", codeshare.ErrNotAuthenticated)
				}
				s, err := fn(ctx, client, args[0])
				if err != nil {
					return err
				}
				if snippetsJSON {
					return printJSON(cmd.OutOrStdout(), s)
				}
				printSnippet(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}
}

// withSession runs fn with a client whose stored session has been restored.
func withSession(fn func(context.Context, *codeshare.Client) error) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client.Session.Initialize(ctx)
	return fn(ctx, client)
}

func printSnippet(w io.Writer, s *codeshare.Snippet) {
	fmt.Fprintf(w, "ID:       %s\n", s.ID)
	fmt.Fprintf(w, "Title:    %s\n", s.Title)
	fmt.Fprintf(w, "Language: %s\n", valueOrDefault(s.Language, "(plain)"))
	fmt.Fprintf(w, "Likes:    %d (liked: %t)\n", s.Likes, s.IsLiked)
	fmt.Fprintf(w, "Saved:    %t\n", s.IsSaved)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
