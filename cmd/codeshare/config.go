package main

import (
	"fmt"

	codeshare "github.com/mitsimi/code-share"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change CLI settings",
	Long:  "Settings live in ~/.codeshare/config.toml under [default] and [realtime].",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		effective := *cfg
		effective.Default.BaseURL = valueOrDefault(cfg.Default.BaseURL, codeshare.DefaultBaseURL)
		data, err := toml.Marshal(effective)
		if err != nil {
			return fmt.Errorf("cannot encode config: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprint(out, string(data))
		fmt.Fprintf(out, "# streaming endpoint: %s\n", codeshare.WSURL(effective.Default.BaseURL))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <section.field> <value>",
	Short:   "Change one setting",
	Example: "  codeshare config set default.base_url https://share.example.com/api\n  codeshare config set realtime.max_reconnect_attempts 10",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s updated\n", args[0])
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print where settings and the session are stored",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, err := configPath()
		if err != nil {
			return err
		}
		sessPath, err := sessionPath()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config:  %s\nsession: %s\n", cfgPath, sessPath)
		return nil
	},
}
