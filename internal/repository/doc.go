// Package repository holds the file replicas stored on a pool node and keeps
// the space accounting the pool reports in its heartbeats.
//
// # Overview
//
// A pool is a fixed amount of space. Every replica it stores is charged
// against that space; a write that does not fit is refused with ErrNoSpace
// rather than evicting anything. Replicas whose file belongs to an HSM are
// precious: they count as PreciousSpace and are never removable. All other
// replicas are cached copies and count as RemovableSpace.
//
//	┌──────────────────── TotalSpace ────────────────────┐
//	│ PreciousSpace │ RemovableSpace │     FreeSpace      │
//	└───────────────┴────────────────┴────────────────────┘
//	 ◄────────── UsedSpace ─────────►
//
// # Movers
//
// Transfers in and out of the pool run on movers. A MemoryRepository has a
// fixed number of mover slots; StartMover claims one and returns the func
// that releases it. The number of active movers is part of the cost report
// and feeds the pool manager's performance cost.
//
// # Thread Safety
//
// MemoryRepository is safe for concurrent use. Get returns copies of the
// stored data and Put stores a copy of the caller's slice.
package repository
