package poolmanager

import (
	"time"

	"github.com/dreamware/poolmanager/internal/cluster"
)

// EventEmitter accepts pool status events. Emit must not block; the
// Broadcaster implements it with a bounded queue.
type EventEmitter interface {
	Emit(ev cluster.PoolStatusEvent)
}

// EventEmitterFunc adapts a function to EventEmitter.
type EventEmitterFunc func(ev cluster.PoolStatusEvent)

func (f EventEmitterFunc) Emit(ev cluster.PoolStatusEvent) { f(ev) }

type nopContainer struct{}

func (nopContainer) PoolStatusChanged(string, cluster.PoolStatus) {}

type nopView struct{}

func (nopView) PoolChanged(PoolRecord)                {}
func (nopView) CostReported(string, cluster.PoolCost) {}

func downEvent(rec PoolRecord, code int, message string, now time.Time) cluster.PoolStatusEvent {
	return cluster.PoolStatusEvent{
		Pool:    rec.Name,
		Status:  cluster.PoolStatusDown,
		Mode:    rec.Mode,
		Code:    code,
		Message: message,
		Time:    now,
	}
}

func statusEvent(rec PoolRecord, status cluster.PoolStatus, now time.Time) cluster.PoolStatusEvent {
	return cluster.PoolStatusEvent{
		Pool:   rec.Name,
		Status: status,
		Mode:   rec.Mode,
		Time:   now,
	}
}
