// Package config loads the pool manager configuration file and watches it
// for changes.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/poolmanager/internal/costmodule"
	"github.com/dreamware/poolmanager/internal/metrics"
	"github.com/dreamware/poolmanager/internal/poolmanager"
	"github.com/dreamware/poolmanager/internal/topic"
)

const (
	DefaultListen        = ":8080"
	DefaultNATSQueue     = "poolmanager"
	DefaultWatchdogTimer = "600:60"
)

// Config is the pool manager configuration.
type Config struct {
	LogLevel string     `yaml:"log_level"`
	Listen   string     `yaml:"listen"`
	NATS     NATSConfig `yaml:"nats"`

	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	// WatchdogTimer is "deathThreshold:sleepInterval" in seconds. A bad value
	// leaves the watchdog on its current timers.
	WatchdogTimer     string        `yaml:"watchdog_timer"`
	SelectionTimeout  time.Duration `yaml:"selection_timeout"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	EventQueueSize    int           `yaml:"event_queue_size"`

	// Pools are declared at start-up so they are listed before their first
	// heartbeat.
	Pools []string `yaml:"pools"`

	Quota     QuotaConfig       `yaml:"quota"`
	Selection costmodule.Config `yaml:"selection"`
	Topic     topic.Config      `yaml:"topic"`
	Metrics   metrics.Config    `yaml:"metrics"`
}

// NATSConfig configures the message bus. An empty URL disables it.
type NATSConfig struct {
	URL   string `yaml:"url"`
	Queue string `yaml:"queue"`
}

// QuotaConfig configures hard quota checks on write selection.
type QuotaConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout"`
	// Limits maps a storage class to its hard limit in bytes.
	Limits map[string]int64 `yaml:"limits"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:          "info",
		Listen:            DefaultListen,
		NATS:              NATSConfig{Queue: DefaultNATSQueue},
		Workers:           poolmanager.DefaultWorkers,
		QueueSize:         poolmanager.DefaultQueueSize,
		WatchdogTimer:     DefaultWatchdogTimer,
		SelectionTimeout:  poolmanager.DefaultSelectionTimeout,
		BroadcastInterval: poolmanager.DefaultBroadcastInterval,
		EventQueueSize:    poolmanager.DefaultEventQueueSize,
		Quota:             QuotaConfig{Timeout: poolmanager.DefaultQuotaTimeout},
		Selection:         costmodule.Config{Selector: costmodule.DefaultSelector},
		Topic:             topic.Config{Sinks: []topic.SinkConfig{{Type: topic.SinkLog}}},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail later at start-up.
// The watchdog timer is not checked: the watchdog logs a bad value and keeps
// its current timers.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue_size must be positive, got %d", c.QueueSize))
	}
	if c.Selection.Selector != "" {
		if _, ok := costmodule.Registered(c.Selection.Selector); !ok {
			errs = append(errs, fmt.Errorf("unknown selector %q", c.Selection.Selector))
		}
	}
	for name, limit := range c.Quota.Limits {
		if limit < 0 {
			errs = append(errs, fmt.Errorf("quota limit for %q is negative", name))
		}
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level, info if it cannot be parsed.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// Manager returns the poolmanager.Config described by c.
func (c *Config) Manager() poolmanager.Config {
	return poolmanager.Config{
		Workers:       c.Workers,
		QueueSize:     c.QueueSize,
		WatchdogTimer: c.WatchdogTimer,
		Pools:         c.Pools,
		Router: poolmanager.RouterConfig{
			QuotaEnabled:     c.Quota.Enabled,
			QuotaTimeout:     c.Quota.Timeout,
			SelectionTimeout: c.SelectionTimeout,
		},
		Broadcaster: poolmanager.BroadcasterConfig{
			Interval:  c.BroadcastInterval,
			QueueSize: c.EventQueueSize,
		},
	}
}
