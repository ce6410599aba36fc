package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/Nwizy11/ochat"
)

// newLogger builds the console logger. Verbose output overrides the
// configured level.
func newLogger(cfg *Config) zerolog.Logger {
	level := zerolog.WarnLevel
	if cfg.Default.LogLevel != "" {
		if l, err := zerolog.ParseLevel(cfg.Default.LogLevel); err == nil {
			level = l
		}
	}
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
}

func dataDir(cfg *Config) (string, error) {
	if cfg.Default.DataDir != "" {
		return cfg.Default.DataDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

// openMessenger opens the on-disk cache and builds a Messenger from the
// config. The returned func closes both.
func openMessenger() (*ochat.Messenger, *Config, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	dir, err := dataDir(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := ochat.OpenPebbleStorage(dir)
	if err != nil {
		return nil, nil, nil, err
	}

	logger := newLogger(cfg)
	opts := ochat.Options{
		BaseURL:   cfg.Default.BaseURL,
		Storage:   store,
		Namespace: cfg.Default.Namespace,
		Logger:    &logger,
	}
	if cfg.Notify.WebhookURL != "" {
		opts.Notifier = ochat.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret, nil)
	}

	m := ochat.New(opts)
	return m, cfg, func() {
		m.Close()
		store.Close()
	}, nil
}

// origin is the web origin share URLs are built against.
func origin(cfg *Config) string {
	if cfg.Default.BaseURL != "" {
		return cfg.Default.BaseURL
	}
	return ochat.DefaultBaseURL
}

func since(ts ochat.Timestamp) string {
	if ts == 0 {
		return "never"
	}
	return humanize.Time(ts.Time())
}

// formatMessage renders one transcript line from the point of view of
// the local party.
func formatMessage(msg ochat.Message, isCreator bool) string {
	who := "them"
	if msg.IsCreator == isCreator {
		who = "you"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %-4s ", msg.Timestamp.Time().Format(time.Kitchen), who)
	if msg.ReplyTo != nil {
		fmt.Fprintf(&b, "(re: %q) ", truncate(msg.ReplyTo.Text, 30))
	}
	b.WriteString(msg.Text)
	if msg.Image != "" {
		b.WriteString(" [image]")
	}
	switch msg.Status {
	case ochat.StatusPending:
		b.WriteString(" (queued)")
	case ochat.StatusOptimistic:
		b.WriteString(" (sending)")
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func printTranscript(conv ochat.Conversation, isCreator bool) {
	if len(conv.Messages) == 0 {
		fmt.Println("(no messages yet)")
		return
	}
	for _, msg := range conv.Messages {
		fmt.Println(formatMessage(msg, isCreator))
	}
}
