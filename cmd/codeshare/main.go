package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.codeshare/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Realtime ConfigRealtime `toml:"realtime"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL string `toml:"base_url"`
}

// ConfigRealtime tunes the live-update connection. Zero values use the
// library defaults.
type ConfigRealtime struct {
	MaxReconnectAttempts int `toml:"max_reconnect_attempts"`
	ReconnectBaseDelayMS int `toml:"reconnect_base_delay_ms"`
	ReconnectMaxDelayMS  int `toml:"reconnect_max_delay_ms"`
}

// ============================================================================
// Files under ~/.codeshare
// ============================================================================

// homeEnv overrides the ~/.codeshare location.
const homeEnv = "CODESHARE_HOME"

// appPath returns name inside the CLI's state directory, creating the
// directory on first use.
func appPath(name string) (string, error) {
	dir := os.Getenv(homeEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locate home directory: %w", err)
		}
		dir = filepath.Join(home, ".codeshare")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return filepath.Join(dir, name), nil
}

func configPath() (string, error)  { return appPath("config.toml") }
func sessionPath() (string, error) { return appPath("session.toml") }

// loadConfig returns the zero Config when no file exists yet. Unknown keys
// are an error.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := &Config{}
	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	return f.Close()
}

// configSetters maps "section.field" keys to the field they update.
var configSetters = map[string]func(cfg *Config, value string) error{
	"default.base_url": func(cfg *Config, v string) error {
		cfg.Default.BaseURL = strings.TrimRight(v, "/")
		return nil
	},
	"realtime.max_reconnect_attempts":  intSetter(func(cfg *Config) *int { return &cfg.Realtime.MaxReconnectAttempts }),
	"realtime.reconnect_base_delay_ms": intSetter(func(cfg *Config) *int { return &cfg.Realtime.ReconnectBaseDelayMS }),
	"realtime.reconnect_max_delay_ms":  intSetter(func(cfg *Config) *int { return &cfg.Realtime.ReconnectMaxDelayMS }),
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("expected an integer, got %q", v)
		}
		*field(cfg) = n
		return nil
	}
}

func setConfigValue(cfg *Config, key, value string) error {
	set, ok := configSetters[key]
	if !ok {
		keys := make([]string, 0, len(configSetters))
		for k := range configSetters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Errorf("unknown key %q (known: %s)", key, strings.Join(keys, ", "))
	}
	if err := set(cfg, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "codeshare",
	Short: "Code Share CLI",
	Long:  "Command-line client for Code Share.\nSign in, react to snippets and watch live updates.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging on stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
