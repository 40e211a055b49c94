package poolmanager

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/poolmanager/internal/cluster"
	"github.com/dreamware/poolmanager/internal/metrics"
)

// ErrInvalidHeartbeat is returned for heartbeats that cannot be applied.
var ErrInvalidHeartbeat = errors.New("invalid heartbeat")

// HeartbeatHandler applies pool heartbeats to the Registry and reports
// meaningful state transitions.
//
// OnPoolUp is cheap (in-memory only) and runs on the dispatch goroutine.
// Heartbeats for different pools may be applied concurrently. Heartbeats for
// the same pool must be applied in arrival order, which the transport
// guarantees by delivering them from a single subscription.
type HeartbeatHandler struct {
	registry  *Registry
	view      PoolView
	events    EventEmitter
	container RequestContainer
	metrics   metrics.Recorder
	log       logrus.FieldLogger
}

// NewHeartbeatHandler wires a handler. view, events and container may be nil.
func NewHeartbeatHandler(registry *Registry, view PoolView, events EventEmitter,
	container RequestContainer, rec metrics.Recorder, log logrus.FieldLogger) *HeartbeatHandler {
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
	return &HeartbeatHandler{
		registry:  registry,
		view:      view,
		events:    events,
		container: container,
		metrics:   rec,
		log:       log,
	}
}

// isPoolDown decides whether a reported mode takes the pool out of service.
// A bare ModeDisabled without any capability bit counts as fully disabled.
func isPoolDown(mode cluster.PoolMode) bool {
	return mode == cluster.ModeDisabled ||
		mode.IsDisabled(cluster.ModeDisabledStrict) ||
		mode.IsDisabled(cluster.ModeDisabledDead)
}

// OnPoolUp applies one heartbeat and reports whether it changed the pool's
// state.
//
// A change is any of: a different serial (including the transition to zero
// when the pool goes down), an Active flag that contradicts the new mode, a
// different mode, or a different set of HSM instances. A change emits DOWN, or
// UP followed by RESTART. The event vocabulary has no "mode changed" kind, so
// a mode change on a running pool is reported as a restart as well.
//
// UP and DOWN are also forwarded to the request container. An enabled
// heartbeat with serial zero is rejected, but still counts as a sign of life
// for a known pool.
func (h *HeartbeatHandler) OnPoolUp(hb cluster.PoolHeartbeat) (bool, error) {
	if hb.Name == "" {
		return false, fmt.Errorf("%w: missing pool name", ErrInvalidHeartbeat)
	}
	disabled := isPoolDown(hb.Mode)
	now := h.registry.Clock().Now()
	if !disabled && hb.Serial == 0 {
		// The pool is alive even if its report is unusable.
		h.registry.Touch(hb.Name, hb.Address, now)
		return false, fmt.Errorf("%w: pool %s reported serial 0 while enabled", ErrInvalidHeartbeat, hb.Name)
	}

	serial := hb.Serial
	if disabled {
		serial = 0
	}

	unlock := h.registry.LockPool(hb.Name)
	defer unlock()

	changed := false
	rec := h.registry.Update(hb.Name, func(r *PoolRecord) {
		if r.setSerial(serial) {
			changed = true
		}
		if r.Active == disabled {
			changed = true
		}
		if r.Mode != hb.Mode {
			changed = true
		}
		if r.setHsmInstances(hb.HsmInstances) {
			changed = true
		}

		r.Address = hb.Address
		r.Mode = hb.Mode
		r.Code = hb.Code
		r.Message = hb.Message
		r.Active = !disabled
		r.LastHeartbeat = now
	})

	h.metrics.Heartbeat(hb.Name)
	if hb.Cost != nil {
		h.view.CostReported(hb.Name, *hb.Cost)
	}
	h.view.PoolChanged(rec)

	if !changed {
		return false, nil
	}

	log := h.log.WithFields(logrus.Fields{"pool": hb.Name, "mode": hb.Mode.String()})
	if disabled {
		log.WithFields(logrus.Fields{"code": hb.Code, "reason": hb.Message}).Warn("pool down")
		h.events.Emit(downEvent(rec, hb.Code, hb.Message, now))
		h.container.PoolStatusChanged(hb.Name, cluster.PoolStatusDown)
		h.metrics.PoolStatus(hb.Name, string(cluster.PoolStatusDown))
		return true, nil
	}

	log.WithField("serial", hb.Serial).Info("pool up")
	h.events.Emit(statusEvent(rec, cluster.PoolStatusUp, now))
	h.events.Emit(statusEvent(rec, cluster.PoolStatusRestart, now))
	h.container.PoolStatusChanged(hb.Name, cluster.PoolStatusUp)
	h.metrics.PoolStatus(hb.Name, string(cluster.PoolStatusUp))
	return true, nil
}
