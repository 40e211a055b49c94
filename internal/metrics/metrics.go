// Package metrics records pool manager counters and timings to a statsd
// compatible daemon. Two wire dialects are supported: plain statsd with
// InfluxDB style tags and DataDog's dogstatsd.
package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	ServiceStatsd    = "statsd"
	ServiceDogStatsd = "dogstatsd"

	defaultPrefix = "poolmanager"
)

// Metric names.
const (
	MetricHeartbeats    = "heartbeats"
	MetricPoolStatus    = "pool_status"
	MetricSelections    = "selections"
	MetricSelectionTime = "selection_time"
	MetricQueueDepth    = "queue_depth"
	MetricEventsDropped = "events_dropped"
)

// Recorder is what the pool manager reports to. Implementations must be safe
// for concurrent use and must never block the caller on the network.
type Recorder interface {
	Heartbeat(pool string)
	PoolStatus(pool, status string)
	Selection(op, outcome string, elapsed time.Duration)
	QueueDepth(depth int)
	EventDropped()
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Service is "statsd", "dogstatsd" or empty for no metrics.
	Service string `yaml:"service"`
	Address string `yaml:"address"`
	Prefix  string `yaml:"prefix"`
}

// New creates the Recorder described by cfg.
func New(cfg Config, log logrus.FieldLogger) (Recorder, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	switch strings.ToLower(cfg.Service) {
	case "", "none":
		return Noop(), nil
	case ServiceStatsd:
		if cfg.Address == "" {
			return nil, fmt.Errorf("metrics: %s requires an address", cfg.Service)
		}
		return newStatsd(cfg.Address, prefix, log), nil
	case ServiceDogStatsd:
		if cfg.Address == "" {
			return nil, fmt.Errorf("metrics: %s requires an address", cfg.Service)
		}
		return newDogStatsd(cfg.Address, prefix, log)
	}
	return nil, fmt.Errorf("metrics: unknown service %q", cfg.Service)
}

type noop struct{}

// Noop returns a Recorder that discards everything.
func Noop() Recorder { return noop{} }

func (noop) Heartbeat(string)                        {}
func (noop) PoolStatus(string, string)               {}
func (noop) Selection(string, string, time.Duration) {}
func (noop) QueueDepth(int)                          {}
func (noop) EventDropped()                           {}
func (noop) Close() error                            { return nil }
