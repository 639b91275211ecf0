package roo

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	gjson "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var sep = string(os.PathSeparator)

// Config tunes a Socket. Start from NewConfig() and
// override; a zero Config is not useful.
type Config struct {

	// PingInterval is how often a call pings every
	// incomplete branch. Zero turns liveness checking off.
	PingInterval time.Duration `json:"ping_interval"`

	// MaxPingTimeouts is how many consecutive pings a
	// branch may leave unanswered before the call fails.
	// It must be at least 1: a branch is always pinged
	// once before it can be declared lost.
	MaxPingTimeouts int `json:"max_ping_timeouts"`

	// PollInterval is the period of the background
	// poller started by Socket.Start.
	PollInterval time.Duration `json:"poll_interval"`

	// WaitRecheck bounds how long RooPC.Wait sleeps between
	// status checks when no handler has signalled progress.
	// Outbound send completion is only visible by polling
	// its status, so Wait must look again now and then.
	WaitRecheck time.Duration `json:"wait_recheck"`

	// RetiredTaskMemory is how many finished task ids a
	// socket remembers so it can keep answering pings for them.
	RetiredTaskMemory int `json:"retired_task_memory"`

	// RequestRetry is passed to the transport for requests.
	RequestRetry RetryPolicy `json:"request_retry"`

	// CompressPayloads zstd-compresses request and
	// response payloads.
	CompressPayloads bool `json:"compress_payloads"`

	// Logger receives protocol anomaly reports.
	// nil means logrus.StandardLogger().
	Logger *logrus.Logger `json:"-"`

	// Registerer, if set, gets the socket's perf counters.
	Registerer prometheus.Registerer `json:"-"`
}

// NewConfig returns the defaults.
func NewConfig() *Config {
	return &Config{
		PingInterval:      100 * time.Millisecond,
		MaxPingTimeouts:   3,
		PollInterval:      time.Millisecond,
		WaitRecheck:       5 * time.Millisecond,
		RetiredTaskMemory: 1024,
		RequestRetry:      NoRetry,
	}
}

// configEnv holds the environment overrides. It is kept
// apart from Config so that env parsing never walks into
// the Logger or Registerer.
type configEnv struct {
	PingInterval      time.Duration `env:"ROO_PING_INTERVAL"`
	MaxPingTimeouts   int           `env:"ROO_MAX_PING_TIMEOUTS"`
	PollInterval      time.Duration `env:"ROO_POLL_INTERVAL"`
	WaitRecheck       time.Duration `env:"ROO_WAIT_RECHECK"`
	RetiredTaskMemory int           `env:"ROO_RETIRED_TASK_MEMORY"`
	RequestRetry      int           `env:"ROO_REQUEST_RETRY"`
	CompressPayloads  bool          `env:"ROO_COMPRESS_PAYLOADS"`
}

// ApplyEnv overrides cfg from ROO_* environment variables.
func (cfg *Config) ApplyEnv() error {
	e := configEnv{
		PingInterval:      cfg.PingInterval,
		MaxPingTimeouts:   cfg.MaxPingTimeouts,
		PollInterval:      cfg.PollInterval,
		WaitRecheck:       cfg.WaitRecheck,
		RetiredTaskMemory: cfg.RetiredTaskMemory,
		RequestRetry:      int(cfg.RequestRetry),
		CompressPayloads:  cfg.CompressPayloads,
	}
	if err := env.Parse(&e); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	cfg.PingInterval = e.PingInterval
	cfg.MaxPingTimeouts = e.MaxPingTimeouts
	cfg.PollInterval = e.PollInterval
	cfg.WaitRecheck = e.WaitRecheck
	cfg.RetiredTaskMemory = e.RetiredTaskMemory
	cfg.RequestRetry = RetryPolicy(e.RequestRetry)
	cfg.CompressPayloads = e.CompressPayloads
	return cfg.Validate()
}

// Validate rejects settings a Socket cannot run with.
func (cfg *Config) Validate() error {
	if cfg.PingInterval < 0 {
		return fmt.Errorf("roo config: negative PingInterval %v", cfg.PingInterval)
	}
	if cfg.MaxPingTimeouts < 1 {
		return fmt.Errorf("roo config: MaxPingTimeouts must be at least 1, have %v", cfg.MaxPingTimeouts)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("roo config: PollInterval must be positive, have %v", cfg.PollInterval)
	}
	if cfg.WaitRecheck <= 0 {
		return fmt.Errorf("roo config: WaitRecheck must be positive, have %v", cfg.WaitRecheck)
	}
	switch cfg.RequestRetry {
	case NoRetry, RetryUntilSent:
	default:
		return fmt.Errorf("roo config: unknown RequestRetry %v", cfg.RequestRetry)
	}
	return nil
}

// LoadConfig reads a JSON config file on top of the
// defaults, then applies the environment. Durations
// in the file are in nanoseconds. An empty path skips
// the file.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()
	if path != "" {
		by, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("roo config: %w", err)
		}
		if err := gjson.Unmarshal(by, cfg); err != nil {
			return nil, fmt.Errorf("roo config '%v': %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfigPath tells us where to look for the
// config file: $XDG_CONFIG_HOME/roo/roo.json if
// XDG_CONFIG_HOME is set, else $HOME/.config/roo/roo.json,
// else roo.json in the current working directory.
func DefaultConfigPath() (path string) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	home := os.Getenv("HOME")
	base := "roo.json"
	switch {
	case dir != "":
		path = dir + sep + "roo" + sep + base
	case home != "":
		path = home + sep + ".config" + sep + "roo" + sep + base
	default:
		path = base
	}
	return path
}

func (cfg *Config) logger() *logrus.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return logrus.StandardLogger()
}
