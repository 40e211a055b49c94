package poolmanager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/poolmanager/internal/cluster"
	"github.com/dreamware/poolmanager/internal/metrics"
)

const (
	DefaultDeathThreshold = 10 * time.Minute
	DefaultSleepInterval  = time.Minute

	// MinWatchdogTimer is the smallest accepted value for either timer.
	MinWatchdogTimer = 10 * time.Second

	deadMessage = "DEAD"
)

// ParseWatchdogTimer parses "deathThreshold:sleepInterval", both in seconds.
//
// Example:
//
//	death, sleep, err := ParseWatchdogTimer("600:60")
//	// death == 10m, sleep == 1m
func ParseWatchdogTimer(s string) (death, sleep time.Duration, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, &ConfigurationError{Value: s, Reason: "expected <deathThreshold>:<sleepInterval>"}
	}
	d, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, &ConfigurationError{Value: s, Reason: "death threshold is not a number"}
	}
	sl, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, &ConfigurationError{Value: s, Reason: "sleep interval is not a number"}
	}
	death = time.Duration(d) * time.Second
	sleep = time.Duration(sl) * time.Second
	if death < MinWatchdogTimer || sleep < MinWatchdogTimer {
		return 0, 0, &ConfigurationError{
			Value:  s,
			Reason: fmt.Sprintf("timer values too small (minimum %ds)", int(MinWatchdogTimer.Seconds())),
		}
	}
	return death, sleep, nil
}

// FormatWatchdogTimer is the inverse of ParseWatchdogTimer.
func FormatWatchdogTimer(death, sleep time.Duration) string {
	return fmt.Sprintf("%d:%d", int(death.Seconds()), int(sleep.Seconds()))
}

// Watchdog declares pools dead after prolonged heartbeat silence.
//
// Every sleepInterval it scans the Registry. An active pool whose last
// heartbeat is older than deathThreshold, and for which no DOWN has been
// announced yet, is marked inactive with serial zero and a single DOWN event
// with code CodePoolDead is sent. Later scans skip it until a heartbeat brings
// it back.
type Watchdog struct {
	registry  *Registry
	view      PoolView
	events    EventEmitter
	container RequestContainer
	metrics   metrics.Recorder
	log       logrus.FieldLogger
	clock     clockwork.Clock

	mu             sync.Mutex
	deathThreshold time.Duration
	sleepInterval  time.Duration

	// inspectHook runs before each pool is inspected and declareHook before an
	// overdue pool is declared dead; tests use them to inject failures and
	// concurrent heartbeats.
	inspectHook func(name string)
	declareHook func(name string)
}

// NewWatchdog creates a watchdog with the default timers. The registry's
// clock drives both the scan period and the silence measurement.
func NewWatchdog(registry *Registry, view PoolView, events EventEmitter,
	container RequestContainer, rec metrics.Recorder, log logrus.FieldLogger) *Watchdog {
	if view == nil {
		view = nopView{}
	}
	if events == nil {
		events = EventEmitterFunc(func(cluster.PoolStatusEvent) {})
	}
	if container == nil {
		container = nopContainer{}
	}
	if rec == nil {
		rec = metrics.Noop()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Watchdog{
		registry:       registry,
		view:           view,
		events:         events,
		container:      container,
		metrics:        rec,
		log:            log.WithField("component", "watchdog"),
		clock:          registry.Clock(),
		deathThreshold: DefaultDeathThreshold,
		sleepInterval:  DefaultSleepInterval,
	}
}

// SetTimer applies a "deathThreshold:sleepInterval" string. A malformed or
// too small value is logged and the current timers are kept; the returned
// error is informational only.
func (w *Watchdog) SetTimer(s string) error {
	death, sleep, err := ParseWatchdogTimer(s)
	if err != nil {
		w.log.WithError(err).Warnf("keeping watchdog timer %s", w.Timer())
		return err
	}
	w.mu.Lock()
	w.deathThreshold = death
	w.sleepInterval = sleep
	w.mu.Unlock()
	w.log.Infof("watchdog timer set to %s", s)
	return nil
}

// Timer returns the current timers as "deathThreshold:sleepInterval".
func (w *Watchdog) Timer() string {
	death, sleep := w.timers()
	return FormatWatchdogTimer(death, sleep)
}

func (w *Watchdog) timers() (time.Duration, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deathThreshold, w.sleepInterval
}

// Run scans the registry every sleepInterval until ctx is cancelled.
// Cancellation interrupts the sleep, so Run returns within one scan period.
func (w *Watchdog) Run(ctx context.Context) {
	w.log.Infof("watchdog started (%s)", w.Timer())
	defer w.log.Info("watchdog stopped")

	for {
		_, sleep := w.timers()
		timer := w.clock.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
		if ctx.Err() != nil {
			return
		}
		w.Scan()
	}
}

// Scan runs one watchdog pass and returns the names of the pools it declared
// dead. A failure while inspecting one pool is logged and does not stop the
// scan.
func (w *Watchdog) Scan() []string {
	death, _ := w.timers()
	now := w.clock.Now()

	var overdue []string
	w.registry.Range(func(rec *PoolRecord) bool {
		if w.inspect(rec, now, death) {
			overdue = append(overdue, rec.Name)
		}
		return true
	})

	names := make([]string, 0, len(overdue))
	for _, name := range overdue {
		if w.declareDead(name, now, death) {
			names = append(names, name)
		}
	}
	return names
}

// declareDead marks the pool dead and announces it under the pool's
// notification lock. The record is checked again first: a heartbeat applied
// since the inspection keeps the pool alive.
func (w *Watchdog) declareDead(name string, now time.Time, death time.Duration) bool {
	if w.declareHook != nil {
		w.declareHook(name)
	}
	unlock := w.registry.LockPool(name)
	defer unlock()

	dead := false
	rec := w.registry.Update(name, func(r *PoolRecord) {
		if overdue(r, now, death) {
			r.setSerial(0)
			r.Active = false
			dead = true
		}
	})
	if !dead {
		return false
	}

	w.log.WithFields(logrus.Fields{
		"pool":      rec.Name,
		"silence":   rec.HeartbeatAge(now).Round(time.Second),
		"threshold": death,
	}).Warn("pool declared dead")
	w.events.Emit(downEvent(rec, CodePoolDead, deadMessage, now))
	w.container.PoolStatusChanged(rec.Name, cluster.PoolStatusDown)
	w.view.PoolChanged(rec)
	w.metrics.PoolStatus(rec.Name, string(cluster.PoolStatusDown))
	return true
}

// inspect reports whether rec is overdue. It runs under the registry lock.
func (w *Watchdog) inspect(rec *PoolRecord, now time.Time, death time.Duration) (dead bool) {
	defer func() {
		if p := recover(); p != nil {
			w.log.WithField("pool", rec.Name).Errorf("watchdog failed to inspect pool: %v", p)
			dead = false
		}
	}()

	if w.inspectHook != nil {
		w.inspectHook(rec.Name)
	}
	return overdue(rec, now, death)
}

func overdue(rec *PoolRecord, now time.Time, death time.Duration) bool {
	if !rec.Active || rec.DownAnnounced() {
		return false
	}
	return rec.HeartbeatAge(now) > death
}
