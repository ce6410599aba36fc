package main

import (
	"fmt"
	"io"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage ochat configuration",
	Long:  "View or modify the ochat CLI configuration stored in ~/.ochat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration in effect: the config file with OCHAT_* environment overrides and defaults applied.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		_, statErr := os.Stat(path)
		overridden := applyEnv(cfg)
		return printConfig(cmd.OutOrStdout(), cfg, path, statErr == nil, overridden)
	},
}

// printConfig writes cfg as TOML with a header naming its sources. The
// webhook secret is masked and an unset data dir shows its default.
func printConfig(w io.Writer, cfg *Config, path string, fromFile bool, overridden []string) error {
	shown := *cfg
	if shown.Default.DataDir == "" {
		dir, err := dataDir(cfg)
		if err != nil {
			return err
		}
		shown.Default.DataDir = dir
	}
	if shown.Notify.WebhookSecret != "" {
		shown.Notify.WebhookSecret = "********"
	}

	if fromFile {
		fmt.Fprintf(w, "# file: %s\n", path)
	} else {
		fmt.Fprintf(w, "# file: %s (not created yet)\n", path)
	}
	for _, key := range overridden {
		fmt.Fprintf(w, "# override: %s\n", key)
	}

	data, err := toml.Marshal(shown)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	_, err = w.Write(data)
	return err
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: ochat config set default.base_url http://localhost:5000",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := readConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
