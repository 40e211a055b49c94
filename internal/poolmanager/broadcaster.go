package poolmanager

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/poolmanager/internal/cluster"
	"github.com/dreamware/poolmanager/internal/metrics"
)

const (
	DefaultBroadcastInterval = 30 * time.Second
	DefaultEventQueueSize    = 1024

	// Topic message kinds.
	KindPoolStatus = "pool-status"
	KindSnapshot   = "snapshot"

	publishTimeout = 5 * time.Second
)

// PoolStatusEntry is one pool in a StatusSnapshot.
type PoolStatusEntry struct {
	Record PoolRecord            `json:"record"`
	Cost   *cluster.CostSnapshot `json:"cost,omitempty"`
}

// StatusSnapshot is the periodic summary published to the status topic and
// served by the admin surface.
type StatusSnapshot struct {
	Time          time.Time         `json:"time"`
	WatchdogTimer string            `json:"watchdog_timer,omitempty"`
	Active        int               `json:"active"`
	Pools         []PoolStatusEntry `json:"pools"`
}

// BroadcasterConfig tunes the Broadcaster.
type BroadcasterConfig struct {
	Interval  time.Duration
	QueueSize int
	// Timer reports the current watchdog timer for snapshots. Optional.
	Timer func() string
}

// Broadcaster publishes pool status events and periodic snapshots to the
// status topic.
//
// Emit never blocks: events go through a bounded queue and are dropped, and
// counted, when the queue is full. Run drains the queue and publishes a
// snapshot every interval. Publishing failures are logged and otherwise
// ignored.
type Broadcaster struct {
	registry  *Registry
	facade    SelectionFacade
	publisher Publisher
	metrics   metrics.Recorder
	log       logrus.FieldLogger
	clock     clockwork.Clock
	interval  time.Duration
	timer     func() string

	events chan cluster.PoolStatusEvent

	mu   sync.Mutex
	last time.Time
}

// NewBroadcaster creates a broadcaster. facade is used for cost snapshots and
// may be nil.
func NewBroadcaster(registry *Registry, facade SelectionFacade, publisher Publisher,
	cfg BroadcasterConfig, rec metrics.Recorder, log logrus.FieldLogger) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultBroadcastInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultEventQueueSize
	}
	if rec == nil {
		rec = metrics.Noop()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Broadcaster{
		registry:  registry,
		facade:    facade,
		publisher: publisher,
		metrics:   rec,
		log:       log.WithField("component", "broadcaster"),
		clock:     registry.Clock(),
		interval:  cfg.Interval,
		timer:     cfg.Timer,
		events:    make(chan cluster.PoolStatusEvent, cfg.QueueSize),
	}
}

// Emit queues ev for publication.
func (b *Broadcaster) Emit(ev cluster.PoolStatusEvent) {
	select {
	case b.events <- ev:
	default:
		b.metrics.EventDropped()
		b.log.WithFields(logrus.Fields{"pool": ev.Pool, "status": ev.Status}).
			Warn("status event queue full, event dropped")
	}
}

// Pending returns the number of queued events.
func (b *Broadcaster) Pending() int {
	return len(b.events)
}

// LastPublished returns the time of the last successful snapshot publication.
func (b *Broadcaster) LastPublished() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Snapshot builds the current status summary.
func (b *Broadcaster) Snapshot() StatusSnapshot {
	records := b.registry.Snapshot()
	snap := StatusSnapshot{
		Time:  b.clock.Now(),
		Pools: make([]PoolStatusEntry, 0, len(records)),
	}
	if b.timer != nil {
		snap.WatchdogTimer = b.timer()
	}
	for _, rec := range records {
		entry := PoolStatusEntry{Record: rec}
		if b.facade != nil {
			if cost, ok := b.facade.PoolCostInfo(rec.Name); ok {
				entry.Cost = &cost
			}
		}
		if rec.Active {
			snap.Active++
		}
		snap.Pools = append(snap.Pools, entry)
	}
	return snap
}

// Run publishes queued events and a snapshot every interval until ctx is
// cancelled. Cancellation during the wait returns without a final snapshot.
func (b *Broadcaster) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.drain(ctx)
	}()
	defer wg.Wait()

	for {
		timer := b.clock.NewTimer(b.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
		if ctx.Err() != nil {
			return
		}
		b.PublishSnapshot()
	}
}

// PublishSnapshot publishes one snapshot immediately.
func (b *Broadcaster) PublishSnapshot() {
	snap := b.Snapshot()
	if b.publish(KindSnapshot, snap) {
		b.mu.Lock()
		b.last = snap.Time
		b.mu.Unlock()
	}
}

func (b *Broadcaster) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.events:
			b.publish(KindPoolStatus, ev)
		}
	}
}

func (b *Broadcaster) publish(kind string, payload any) bool {
	if b.publisher == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.publisher.Publish(ctx, kind, payload); err != nil {
		b.log.WithError(err).WithField("kind", kind).Warn("failed to publish to status topic")
		return false
	}
	return true
}
