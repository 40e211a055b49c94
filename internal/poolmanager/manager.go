package poolmanager

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/poolmanager/internal/cluster"
	"github.com/dreamware/poolmanager/internal/metrics"
)

const (
	DefaultWorkers   = 8
	DefaultQueueSize = 256

	shutdownTimeout = 10 * time.Second
)

// Config holds the tunables of a Manager. Zero values select defaults.
type Config struct {
	// Workers is the number of placement goroutines.
	Workers int
	// QueueSize bounds the placement admission queue.
	QueueSize int
	// WatchdogTimer is "deathThreshold:sleepInterval" in seconds.
	WatchdogTimer string
	// Pools are pre-declared in the registry.
	Pools []string

	Router      RouterConfig
	Broadcaster BroadcasterConfig

	// Clock drives heartbeat timestamps and all timers. Nil means wall clock.
	Clock clockwork.Clock
}

// Dependencies are the collaborators of a Manager. Facade is required; the
// rest fall back to no-ops.
type Dependencies struct {
	Facade SelectionFacade
	// View receives pool state changes. If nil and Facade implements
	// PoolView, the facade is used.
	View      PoolView
	Quota     QuotaChecker
	Container RequestContainer
	Publisher Publisher
	Metrics   metrics.Recorder
	Log       logrus.FieldLogger
}

// Manager ties the pool manager components together.
//
// Architecture:
//
//	heartbeats ──► HeartbeatHandler ──┐
//	                                  ├──► Registry ◄── Watchdog
//	admin ────────────────────────────┘        │
//	                                           ▼
//	select ──► Router ──► WorkerPool ──► SelectionFacade
//	                                           │
//	events ◄── Broadcaster ◄───────────────────┘
//
// Heartbeats are applied on the caller's goroutine. Placement requests are
// handed to the worker pool and answered through their PendingReply.
type Manager struct {
	Registry    *Registry
	Heartbeats  *HeartbeatHandler
	Watchdog    *Watchdog
	Router      *Router
	Broadcaster *Broadcaster

	workers *WorkerPool
	view    PoolView
	metrics metrics.Recorder
	log     logrus.FieldLogger
}

// New builds a Manager. A malformed WatchdogTimer is logged and the default
// timer is used.
func New(cfg Config, deps Dependencies) (*Manager, error) {
	if deps.Facade == nil {
		return nil, errors.New("poolmanager: selection facade is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	view := deps.View
	if view == nil {
		if v, ok := deps.Facade.(PoolView); ok {
			view = v
		} else {
			view = nopView{}
		}
	}
	container := deps.Container
	if container == nil {
		container = nopContainer{}
	}
	rec := deps.Metrics
	if rec == nil {
		rec = metrics.Noop()
	}
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	registry := NewRegistry(cfg.Clock)
	registry.Declare(cfg.Pools...)

	m := &Manager{
		Registry: registry,
		view:     view,
		metrics:  rec,
		log:      log,
	}

	m.Watchdog = NewWatchdog(registry, view, nil, container, rec, log)
	if cfg.WatchdogTimer != "" {
		_ = m.Watchdog.SetTimer(cfg.WatchdogTimer)
	}

	bcfg := cfg.Broadcaster
	if bcfg.Timer == nil {
		bcfg.Timer = m.Watchdog.Timer
	}
	m.Broadcaster = NewBroadcaster(registry, deps.Facade, deps.Publisher, bcfg, rec, log)
	m.Watchdog.events = m.Broadcaster
	m.Heartbeats = NewHeartbeatHandler(registry, view, m.Broadcaster, container, rec, log)

	m.workers = NewWorkerPool(cfg.Workers, cfg.QueueSize, log)
	m.Router = NewRouter(deps.Facade, deps.Quota, m.workers, cfg.Router, rec, log)

	for _, r := range registry.Snapshot() {
		view.PoolChanged(r)
	}
	return m, nil
}

// HandleHeartbeat applies one pool heartbeat.
func (m *Manager) HandleHeartbeat(hb cluster.PoolHeartbeat) (bool, error) {
	return m.Heartbeats.OnPoolUp(hb)
}

// SelectWritePool queues a write placement and returns the request; the
// answer is delivered to reply.
func (m *Manager) SelectWritePool(msg cluster.SelectPoolRequest, reply *PendingReply) *SelectionRequest {
	req := NewSelectionRequest(DirectionWrite, msg, reply)
	m.Router.SelectWritePool(req)
	return req
}

// SelectReadPool queues a read placement.
func (m *Manager) SelectReadPool(msg cluster.SelectPoolRequest, reply *PendingReply) *SelectionRequest {
	req := NewSelectionRequest(DirectionRead, msg, reply)
	m.Router.SelectReadPool(req)
	return req
}

// SetReadOnly toggles the administrative read-only flag and pushes the change
// to the selection view.
func (m *Manager) SetReadOnly(name string, readOnly bool) (PoolRecord, error) {
	unlock := m.Registry.LockPool(name)
	defer unlock()

	rec, err := m.Registry.SetReadOnly(name, readOnly)
	if err != nil {
		return rec, err
	}
	m.log.WithFields(logrus.Fields{"pool": name, "read_only": readOnly}).Info("pool read-only flag changed")
	m.view.PoolChanged(rec)
	return rec, nil
}

// SetWatchdogTimer applies a new "deathThreshold:sleepInterval" value. A
// running watchdog picks it up at its next sleep.
func (m *Manager) SetWatchdogTimer(s string) error {
	return m.Watchdog.SetTimer(s)
}

// Status returns the current status snapshot.
func (m *Manager) Status() StatusSnapshot {
	return m.Broadcaster.Snapshot()
}

// QueueDepth returns the number of placement requests waiting for a worker.
func (m *Manager) QueueDepth() int {
	return m.workers.QueueDepth()
}

// Run starts the watchdog and the broadcaster and blocks until ctx is
// cancelled. On return the worker pool has been stopped and queued requests
// drained, or the shutdown timeout has passed.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.Watchdog.Run(gctx)
		return nil
	})
	g.Go(func() error {
		m.Broadcaster.Run(gctx)
		return nil
	})
	err := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := m.workers.Stop(sctx); serr != nil {
		m.log.WithError(serr).Warn("placement workers did not stop in time")
	}
	m.log.Info("pool manager stopped")
	return err
}
