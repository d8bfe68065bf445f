package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and session status",
	Long:  "Display the current configuration, the stored session and its expiry, and the live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, client.BaseURL()+" (default)"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client.Session.Initialize(ctx)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Session:")
		sess, ok := client.Session.Session()
		if !ok {
			fmt.Fprintln(out, "  (not signed in)")
			return nil
		}
		fmt.Fprintf(out, "  User:    %s <%s>\n", sess.User.Username, sess.User.Email)
		fmt.Fprintf(out, "  Token:   %s\n", maskToken(sess.AccessToken))

		expires := time.Unix(sess.ExpiresAt, 0)
		if client.Session.IsAuthenticated() {
			fmt.Fprintf(out, "  Expires: %s (valid)\n", expires.Format(time.RFC3339))
		} else {
			fmt.Fprintf(out, "  Expires: %s (EXPIRED)\n", expires.Format(time.RFC3339))
		}
		fmt.Fprintf(out, "  State:   %s\n", client.Session.State())

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		me, err := client.Auth.Me(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Error fetching account info: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Username: %s\n", me.Username)
		fmt.Fprintf(out, "  Email:    %s\n", me.Email)
		fmt.Fprintf(out, "  Member since: %s\n", valueOrDefault(me.CreatedAt, "(unknown)"))
		return nil
	},
}
