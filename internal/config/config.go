package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
)

// Duration is a time.Duration written as a string ("200ms", "30s") in TOML.
type Duration struct {
	time.Duration
}

// D wraps a time.Duration.
func D(d time.Duration) Duration { return Duration{d} }

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config represents the global ~/.wutzup/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
	UserID         string `toml:"user_id"`
	BackendURL     string `toml:"backend_url"`
	Token          string `toml:"token"`

	Queue        QueueConfig        `toml:"queue"`
	Lifecycle    LifecycleConfig    `toml:"lifecycle"`
	Conversation ConversationConfig `toml:"conversation"`
	Connectivity ConnectivityConfig `toml:"connectivity"`
}

type QueueConfig struct {
	MaxAttempts       int      `toml:"max_attempts"`
	Throttle          Duration `toml:"throttle"`
	PollInterval      Duration `toml:"poll_interval"`
	FastFailPermanent bool     `toml:"fast_fail_permanent"`
}

type LifecycleConfig struct {
	CatchUpThreshold Duration `toml:"catch_up_threshold"`
	GraceWindow      Duration `toml:"grace_window"`
}

type ConversationConfig struct {
	TypingTTL    Duration `toml:"typing_ttl"`
	ReceiptDelay Duration `toml:"receipt_delay"`
	FetchLimit   int      `toml:"fetch_limit"`
}

type ConnectivityConfig struct {
	PollInterval Duration `toml:"poll_interval"`
	LowDataMode  bool     `toml:"low_data_mode"`
}

// Default returns the configuration used when no file exists. Keys missing
// from a file keep these values.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxAttempts:       5,
			Throttle:          D(200 * time.Millisecond),
			PollInterval:      D(2 * time.Second),
			FastFailPermanent: true,
		},
		Lifecycle: LifecycleConfig{
			CatchUpThreshold: D(30 * time.Second),
			GraceWindow:      D(5 * time.Second),
		},
		Conversation: ConversationConfig{
			TypingTTL:    D(6 * time.Second),
			ReceiptDelay: D(300 * time.Millisecond),
			FetchLimit:   50,
		},
		Connectivity: ConnectivityConfig{
			PollInterval: D(2 * time.Second),
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error wrapping fs.ErrNotExist if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate reports every out-of-range value.
func (c *Config) Validate() error {
	var errs error
	if c.Queue.MaxAttempts < 1 {
		errs = multierr.Append(errs, fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts))
	}
	if c.Conversation.FetchLimit < 1 {
		errs = multierr.Append(errs, fmt.Errorf("conversation.fetch_limit must be at least 1, got %d", c.Conversation.FetchLimit))
	}
	for name, d := range map[string]Duration{
		"queue.throttle":               c.Queue.Throttle,
		"queue.poll_interval":          c.Queue.PollInterval,
		"lifecycle.catch_up_threshold": c.Lifecycle.CatchUpThreshold,
		"lifecycle.grace_window":       c.Lifecycle.GraceWindow,
		"conversation.typing_ttl":      c.Conversation.TypingTTL,
		"conversation.receipt_delay":   c.Conversation.ReceiptDelay,
		"connectivity.poll_interval":   c.Connectivity.PollInterval,
	} {
		if d.Duration < 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must not be negative, got %s", name, d))
		}
	}
	return errs
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
