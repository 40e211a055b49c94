package repository

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dreamware/poolmanager/internal/cluster"
)

var (
	// ErrReplicaNotFound is returned when a file has no replica on this pool
	ErrReplicaNotFound = errors.New("replica not found")

	// ErrNoSpace is returned when a replica does not fit in the free space
	ErrNoSpace = errors.New("not enough free space")

	// ErrTooManyMovers is returned when all mover slots are in use
	ErrTooManyMovers = errors.New("all movers busy")
)

// Repository stores the file replicas held by one pool.
// All implementations must be thread-safe for concurrent access
type Repository interface {
	// Get returns the replica of pnfsID
	// Returns ErrReplicaNotFound if the pool holds none
	Get(pnfsID string) (Replica, error)

	// Put stores a replica, replacing any previous one for the same file
	// Returns ErrNoSpace if it does not fit
	Put(r Replica) error

	// Delete removes a replica
	// No error if the pool holds none
	Delete(pnfsID string) error

	// List returns the ids of all replicas in ascending order
	List() []string

	// Stats returns space accounting
	Stats() Stats
}

// Replica is one stored file.
type Replica struct {
	PnfsID       string    `json:"pnfsid"`
	StorageClass string    `json:"storage_class"`
	HSM          string    `json:"hsm,omitempty"`
	Data         []byte    `json:"-"`
	Size         int64     `json:"size"`
	Created      time.Time `json:"created"`
}

// Precious reports whether the replica is the only copy until the HSM
// flushes it. Precious replicas can never be evicted to free space.
func (r Replica) Precious() bool {
	return r.HSM != ""
}

// Stats is the space accounting of a repository.
type Stats struct {
	Replicas       int   `json:"replicas"`
	TotalSpace     int64 `json:"total_space"`
	UsedSpace      int64 `json:"used_space"`
	FreeSpace      int64 `json:"free_space"`
	PreciousSpace  int64 `json:"precious_space"`
	RemovableSpace int64 `json:"removable_space"`
}

// MemoryRepository implements Repository in memory with a fixed capacity
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryRepository struct {
	mu       sync.RWMutex       // Protects everything below
	replicas map[string]Replica // Keyed by pnfsid
	capacity int64              // Total space in bytes
	used     int64              // Sum of replica sizes
	precious int64              // Sum of precious replica sizes

	clock clockwork.Clock

	movers    chan struct{} // One token per active mover
	maxMovers int
}

// NewMemoryRepository creates an empty repository of capacity bytes that
// runs at most maxMovers transfers at a time.
func NewMemoryRepository(capacity int64, maxMovers int, clock clockwork.Clock) *MemoryRepository {
	if maxMovers <= 0 {
		maxMovers = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryRepository{
		replicas:  make(map[string]Replica),
		capacity:  capacity,
		clock:     clock,
		movers:    make(chan struct{}, maxMovers),
		maxMovers: maxMovers,
	}
}

// Get returns a copy of the replica so callers cannot modify stored data
func (m *MemoryRepository) Get(pnfsID string) (Replica, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.replicas[pnfsID]
	if !ok {
		return Replica{}, ErrReplicaNotFound
	}
	r.Data = append([]byte(nil), r.Data...)
	return r, nil
}

// Put stores a copy of r. Size is taken from the data.
func (m *MemoryRepository) Put(r Replica) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.Data = append([]byte(nil), r.Data...)
	r.Size = int64(len(r.Data))
	if r.Created.IsZero() {
		r.Created = m.clock.Now()
	}

	// Space held by an old replica of the same file is given back first
	old, replacing := m.replicas[r.PnfsID]
	free := m.capacity - m.used
	if replacing {
		free += old.Size
	}
	if r.Size > free {
		return ErrNoSpace
	}

	if replacing {
		m.account(old, -1)
	}
	m.replicas[r.PnfsID] = r
	m.account(r, 1)
	return nil
}

// Delete removes a replica (idempotent)
func (m *MemoryRepository) Delete(pnfsID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.replicas[pnfsID]; ok {
		m.account(r, -1)
		delete(m.replicas, pnfsID)
	}
	return nil
}

func (m *MemoryRepository) account(r Replica, sign int64) {
	m.used += sign * r.Size
	if r.Precious() {
		m.precious += sign * r.Size
	}
}

// List returns the replica ids sorted
func (m *MemoryRepository) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.replicas))
	for id := range m.replicas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats returns space accounting
func (m *MemoryRepository) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Replicas:       len(m.replicas),
		TotalSpace:     m.capacity,
		UsedSpace:      m.used,
		FreeSpace:      m.capacity - m.used,
		PreciousSpace:  m.precious,
		RemovableSpace: m.used - m.precious,
	}
}

// StartMover claims a mover slot. The returned func releases it.
// Returns ErrTooManyMovers when every slot is taken.
func (m *MemoryRepository) StartMover() (func(), error) {
	select {
	case m.movers <- struct{}{}:
	default:
		return nil, ErrTooManyMovers
	}
	var once sync.Once
	return func() { once.Do(func() { <-m.movers }) }, nil
}

// Cost returns the report a pool attaches to its heartbeat.
func (m *MemoryRepository) Cost() cluster.PoolCost {
	s := m.Stats()
	return cluster.PoolCost{
		TotalSpace:     s.TotalSpace,
		FreeSpace:      s.FreeSpace,
		PreciousSpace:  s.PreciousSpace,
		RemovableSpace: s.RemovableSpace,
		ActiveMovers:   len(m.movers),
		MaxMovers:      m.maxMovers,
	}
}
