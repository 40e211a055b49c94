// Package cluster defines the messages exchanged between pools, the pool
// manager and its clients, together with the small JSON-over-HTTP helpers
// used by both sides.
//
// # Overview
//
// A storage federation consists of many pool processes and one pool manager.
// Pools announce themselves with periodic heartbeats; doors and other clients
// ask the pool manager where a file should be written to or read from.
//
//	┌────────┐  PoolHeartbeat   ┌──────────────┐  SelectPoolRequest  ┌────────┐
//	│ Pool 1 ├─────────────────►│              │◄────────────────────┤  Door  │
//	└────────┘                  │ Pool Manager │                     └────────┘
//	┌────────┐  PoolHeartbeat   │              │  SelectPoolReply         ▲
//	│ Pool 2 ├─────────────────►│              ├──────────────────────────┘
//	└────────┘                  └──────┬───────┘
//	                                   │ PoolStatusEvent / snapshots
//	                                   ▼
//	                              status topic
//
// # Pool Modes
//
// PoolMode is a bitmask. The zero value means fully enabled, ModeDisabled is
// the base "disabled" bit and the remaining bits disable individual
// capabilities:
//
//	ModeDisabledFetch      clients may not read
//	ModeDisabledStore      clients may not write
//	ModeDisabledStage      no restores from tape
//	ModeDisabledP2PClient  no pool-to-pool copies into the pool
//	ModeDisabledP2PServer  no pool-to-pool copies out of the pool
//	ModeDisabledDead       the pool declared itself dead
//
// A pool is considered down by the pool manager when its mode is exactly
// ModeDisabled, or when it carries all bits of ModeDisabledStrict, or the
// ModeDisabledDead bit.
//
// # Serial Numbers
//
// Every pool process picks a serial number at start-up and repeats it in all
// of its heartbeats. A new serial therefore means the pool restarted. The pool
// manager stores zero for pools it has already announced as down.
//
// # Transport
//
// The messages are plain JSON. They travel either over NATS subjects (see
// internal/bus) or over HTTP using PostJSON and GetJSON.
package cluster
