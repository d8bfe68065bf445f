package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	codeshare "github.com/mitsimi/code-share"
)

// newClient builds a client from the config file with the session persisted
// in ~/.codeshare/session.toml.
func newClient() (*codeshare.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	path, err := sessionPath()
	if err != nil {
		return nil, err
	}
	store, err := codeshare.OpenFileStore(path)
	if err != nil {
		return nil, err
	}

	opts := []codeshare.ClientOption{
		codeshare.WithStore(store),
		codeshare.WithLogger(slog.Default()),
		codeshare.WithRealtimeConfig(realtimeConfig(cfg)),
		codeshare.WithNotifier(printNotice),
		codeshare.WithLoginRedirect(func() {
			fmt.Fprintln(os.Stderr, "Session ended. Run 'codeshare login' to sign in again.")
		}),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, codeshare.WithBaseURL(cfg.Default.BaseURL))
	}
	return codeshare.NewClient(opts...), nil
}

func realtimeConfig(cfg *Config) codeshare.RealtimeConfig {
	return codeshare.RealtimeConfig{
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		ReconnectBaseDelay:   time.Duration(cfg.Realtime.ReconnectBaseDelayMS) * time.Millisecond,
		ReconnectMaxDelay:    time.Duration(cfg.Realtime.ReconnectMaxDelayMS) * time.Millisecond,
	}
}

func printNotice(n codeshare.Notice) {
	if n.Level == codeshare.NoticeError {
		fmt.Fprintf(os.Stderr, "Error: %s\n", n.Message)
		return
	}
	fmt.Println(n.Message)
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
