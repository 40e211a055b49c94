// Package poolmanager tracks the liveness and mode of every storage pool and
// chooses a target pool for each read or write request.
//
// # Overview
//
// Pools announce themselves with periodic heartbeats. The pool manager turns
// that unreliable stream into a consistent view of which pools are up, which
// are down, and in what mode each pool runs. Clients ask it where to put (or
// where to read) a file; it answers asynchronously without ever blocking the
// goroutine that delivered the request.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                 POOL MANAGER                 │
//	├──────────────────────────────────────────────┤
//	│                                              │
//	│  ┌──────────────────┐   ┌─────────────────┐  │
//	│  │ HeartbeatHandler │──►│    Registry     │  │
//	│  └──────────────────┘   │ name→PoolRecord │  │
//	│  ┌──────────────────┐   │                 │  │
//	│  │     Watchdog     │──►│                 │  │
//	│  └──────────────────┘   └─────────────────┘  │
//	│           │ UP / DOWN / RESTART              │
//	│           ▼                                  │
//	│  ┌──────────────────┐   ┌─────────────────┐  │
//	│  │   Broadcaster    │   │     Router      │  │
//	│  │ events+snapshots │   │  + WorkerPool   │  │
//	│  └──────────────────┘   └─────────────────┘  │
//	│           │                      │           │
//	└───────────┼──────────────────────┼───────────┘
//	            ▼                      ▼
//	      status topic          SelectionFacade
//	                            QuotaChecker
//
// # Core Components
//
// Registry: the only owner of pool state. One mutex, copies out, mutation
// through Update and Range.
//
// HeartbeatHandler: applies a heartbeat and decides whether it changed
// anything worth announcing:
//   - a different serial number (the pool process restarted)
//   - an Active flag that contradicts the reported mode
//   - a different mode
//   - a different set of HSM instances
//
// A change produces DOWN, or UP followed by RESTART.
//
// Watchdog: declares a pool dead after deathThreshold of silence and emits a
// single DOWN with code 666 and message "DEAD". The timer is configured as
// "deathThreshold:sleepInterval" in seconds, default "600:60".
//
// Router: hands placement requests to a bounded WorkerPool. Each worker runs
// the quota check, asks the SelectionFacade and completes the request's
// PendingReply exactly once. A full queue is answered immediately with
// KindBusy.
//
// Broadcaster: forwards status events to the topic through a bounded queue
// and publishes a StatusSnapshot every interval.
//
// # Serial Numbers
//
// A serial number identifies one incarnation of a pool process. Zero is
// reserved: the registry stores zero once the pool has been announced as
// down, which keeps the Watchdog from announcing the same death twice and
// makes the next heartbeat from a live pool count as a change.
//
// # Concurrency
//
// Heartbeats are applied on the delivering goroutine, so per-pool ordering is
// the delivery order of the transport. Placement never runs on the delivering
// goroutine. The registry lock is never held while calling the facade, the
// broadcaster or the request container.
//
// # Usage Example
//
//	m, err := poolmanager.New(poolmanager.Config{WatchdogTimer: "600:60"},
//	    poolmanager.Dependencies{Facade: facade, Quota: quotas, Publisher: topic})
//	if err != nil {
//	    return err
//	}
//	go m.Run(ctx)
//
//	m.HandleHeartbeat(hb)
//
//	reply, ch := poolmanager.NewChannelReply()
//	m.SelectWritePool(req, reply)
//	answer := <-ch
//
// # See Also
//
// Related packages:
//   - internal/cluster: wire types and pool modes
//   - internal/costmodule: SelectionFacade implementation
//   - internal/bus: NATS transport
package poolmanager
