// Package poolmanager implements the pool manager core of the storage federation.
// See doc.go for complete package documentation.
package poolmanager

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/exp/slices"

	"github.com/dreamware/poolmanager/internal/cluster"
)

// ErrUnknownPool is returned by administrative operations on a pool name the
// registry has never seen.
var ErrUnknownPool = errors.New("unknown pool")

// PoolRecord is the registry's state for one pool.
//
// Records are owned by the Registry. Everything handed out by the Registry is
// a copy; mutation happens only inside Registry.Update and Registry.Range,
// which are used by the HeartbeatHandler, the Watchdog and the admin surface.
//
// Liveness is tracked by the pair (Active, Serial):
//   - Active is false whenever the pool is considered down.
//   - Serial is the serial number of the pool process that sent the last
//     heartbeat, or zero once the pool has been announced as down.
//
// Zero therefore doubles as the "DOWN already announced" token that keeps the
// Watchdog from announcing the same death twice. DownAnnounced makes that test
// explicit. Serial == 0 implies Active == false; the converse may lag by one
// heartbeat.
type PoolRecord struct {
	Name          string           `json:"name"`
	Address       string           `json:"address"`
	Mode          cluster.PoolMode `json:"mode"`
	Code          int              `json:"code,omitempty"`
	Message       string           `json:"message,omitempty"`
	Active        bool             `json:"active"`
	Serial        uint64           `json:"serial"`
	HsmInstances  []string         `json:"hsm_instances,omitempty"`
	ReadOnly      bool             `json:"read_only"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
}

// DownAnnounced reports whether a DOWN event has already been sent for the
// pool since its last UP.
func (r PoolRecord) DownAnnounced() bool {
	return r.Serial == 0
}

// HeartbeatAge returns the time since the last processed heartbeat.
func (r PoolRecord) HeartbeatAge(now time.Time) time.Duration {
	return now.Sub(r.LastHeartbeat)
}

// setSerial stores s and reports whether the value changed.
func (r *PoolRecord) setSerial(s uint64) bool {
	if r.Serial == s {
		return false
	}
	r.Serial = s
	return true
}

// setHsmInstances stores a sorted copy of hsm and reports whether the set
// differs from the stored one.
func (r *PoolRecord) setHsmInstances(hsm []string) bool {
	set := normalizeSet(hsm)
	if slices.Equal(set, r.HsmInstances) {
		return false
	}
	r.HsmInstances = set
	return true
}

func (r *PoolRecord) clone() PoolRecord {
	c := *r
	c.HsmInstances = slices.Clone(r.HsmInstances)
	return c
}

func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(in))
	for _, s := range in {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Registry is the single source of truth for pool identity and state.
//
// The registry is an in-memory table guarded by one mutex. Mutation happens at
// heartbeat frequency, not at request frequency: placement requests read the
// SelectionFacade's own view instead of this table, so selection is never
// serialized behind heartbeat processing.
//
// Architecture:
//
//	┌─────────────────────────────────────┐
//	│              Registry               │
//	├─────────────────────────────────────┤
//	│  pools: map[name]→*PoolRecord       │
//	│  mu:    one coarse mutex            │
//	│  clock: heartbeat timestamps        │
//	├─────────────────────────────────────┤
//	│  writers: HeartbeatHandler,         │
//	│           Watchdog, admin commands  │
//	│  readers: Broadcaster, admin, tests │
//	└─────────────────────────────────────┘
//
// Records are never deleted. A pool that stops sending heartbeats stays in
// the table, DOWN, until it comes back.
type Registry struct {
	pools map[string]*PoolRecord
	clock clockwork.Clock
	mu    sync.Mutex

	// locks serialize state changes of one pool together with their
	// notifications. Guarded by mu.
	locks map[string]*sync.Mutex
}

// NewRegistry creates an empty registry.
//
// Parameters:
//   - clock: Time source for heartbeat timestamps (nil means wall clock)
//
// Example:
//
//	registry := NewRegistry(nil)
//	registry.Declare("pool-a", "pool-b")
func NewRegistry(clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		pools: make(map[string]*PoolRecord),
		clock: clock,
		locks: make(map[string]*sync.Mutex),
	}
}

// LockPool takes the notification lock of one pool and returns its release
// function. A writer holds it from the record update until every listener
// has been told, so listeners see the transitions of a pool in the order the
// registry applied them. Do not call LockPool while holding it.
func (r *Registry) LockPool(name string) (unlock func()) {
	r.mu.Lock()
	l, ok := r.locks[name]
	if !ok {
		l = &sync.Mutex{}
		r.locks[name] = l
	}
	r.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Clock returns the registry's time source.
func (r *Registry) Clock() clockwork.Clock {
	return r.clock
}

func (r *Registry) getOrCreateLocked(name string) *PoolRecord {
	rec, ok := r.pools[name]
	if !ok {
		rec = &PoolRecord{
			Name: name,
			Mode: cluster.ModeDisabled,
		}
		r.pools[name] = rec
	}
	return rec
}

// GetOrCreate returns the record for name, creating a disabled, inactive
// record with serial zero if the pool is unknown. It never fails.
func (r *Registry) GetOrCreate(name string) PoolRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreateLocked(name).clone()
}

// Declare pre-creates records for administratively known pools. Existing
// records are left untouched.
func (r *Registry) Declare(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		r.getOrCreateLocked(name)
	}
}

// Get returns a copy of the record for name.
//
// Returns:
//   - PoolRecord copy and true if the pool is known
//   - zero PoolRecord and false otherwise
func (r *Registry) Get(name string) (PoolRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.pools[name]
	if !ok {
		return PoolRecord{}, false
	}
	return rec.clone(), true
}

// ListActive returns the sorted names of all pools with Active set.
func (r *Registry) ListActive() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for name, rec := range r.pools {
		if rec.Active {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ListAll returns the sorted names of all known pools. With includeDisabled
// false, pools whose reported mode carries the ModeDisabled bit are left out,
// whether or not they are still active.
func (r *Registry) ListAll(includeDisabled bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.pools))
	for name, rec := range r.pools {
		if !includeDisabled && rec.Mode.IsDisabled(cluster.ModeDisabled) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns copies of all records, sorted by name.
func (r *Registry) Snapshot() []PoolRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PoolRecord, 0, len(r.pools))
	for _, rec := range r.pools {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of known pools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pools)
}

// Update runs fn on the record for name, creating it if needed, and returns a
// copy of the result. fn runs under the registry lock and must not block or
// call back into the registry.
func (r *Registry) Update(name string, fn func(rec *PoolRecord)) PoolRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.getOrCreateLocked(name)
	fn(rec)
	return rec.clone()
}

// Touch refreshes the heartbeat time and address of a known pool without
// changing its state. It reports whether the pool was known.
func (r *Registry) Touch(name, address string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.pools[name]
	if !ok {
		return false
	}
	if address != "" {
		rec.Address = address
	}
	rec.LastHeartbeat = now
	return true
}

// Range calls fn for every record under the registry lock, in name order.
// Iteration stops when fn returns false. The same restrictions as for Update
// apply to fn.
func (r *Registry) Range(fn func(rec *PoolRecord) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if !fn(r.pools[name]) {
			return
		}
	}
}

// SetReadOnly sets the administrative read-only flag of a known pool.
//
// Returns:
//   - Copy of the updated record
//   - ErrUnknownPool if the registry has never seen the pool
func (r *Registry) SetReadOnly(name string, readOnly bool) (PoolRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.pools[name]
	if !ok {
		return PoolRecord{}, ErrUnknownPool
	}
	rec.ReadOnly = readOnly
	return rec.clone(), nil
}
