package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.ochat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Notify  ConfigNotify  `toml:"notify"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL   string `toml:"base_url"`
	DataDir   string `toml:"data_dir"`
	LogLevel  string `toml:"log_level"`
	Namespace string `toml:"namespace"`
}

// ConfigNotify configures the optional notification webhook.
type ConfigNotify struct {
	WebhookURL    string `toml:"webhook_url"`
	WebhookSecret string `toml:"webhook_secret"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.ochat, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".ochat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies OCHAT_* environment
// overrides.
func loadConfig() (*Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// readConfig parses the config file alone. A missing file yields a
// zero-value Config.
func readConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	return &cfg, nil
}

// envOverrides maps environment variables onto config fields.
var envOverrides = []struct {
	name string
	key  string
	set  func(*Config, string)
}{
	{"OCHAT_BASE_URL", "default.base_url", func(c *Config, v string) { c.Default.BaseURL = v }},
	{"OCHAT_DATA_DIR", "default.data_dir", func(c *Config, v string) { c.Default.DataDir = v }},
	{"OCHAT_LOG_LEVEL", "default.log_level", func(c *Config, v string) { c.Default.LogLevel = v }},
	{"OCHAT_WEBHOOK_URL", "notify.webhook_url", func(c *Config, v string) { c.Notify.WebhookURL = v }},
	{"OCHAT_WEBHOOK_SECRET", "notify.webhook_secret", func(c *Config, v string) { c.Notify.WebhookSecret = v }},
}

// applyEnv applies the set OCHAT_* variables and returns the config keys
// they replaced.
func applyEnv(cfg *Config) []string {
	var keys []string
	for _, o := range envOverrides {
		if v := os.Getenv(o.name); v != "" {
			o.set(cfg, v)
			keys = append(keys, o.key+" (from "+o.name+")")
		}
	}
	return keys
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "data_dir":
			cfg.Default.DataDir = value
		case "log_level":
			if _, err := zerolog.ParseLevel(value); err != nil {
				return fmt.Errorf("invalid log level %q", value)
			}
			cfg.Default.LogLevel = value
		case "namespace":
			cfg.Default.Namespace = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "notify":
		switch field {
		case "webhook_url":
			cfg.Notify.WebhookURL = value
		case "webhook_secret":
			cfg.Notify.WebhookSecret = value
		default:
			return fmt.Errorf("unknown field %q in section [notify]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, notify)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "ochat",
	Short: "Anonymous link chat client",
	Long:  "Command-line client for anonymous link chat.\nCreate links, chat through them, and read your inbox.",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")
}

func main() {
	_ = godotenv.Load(".env")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
