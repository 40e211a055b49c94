package pool

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/dreamware/poolmanager/internal/cluster"
	"github.com/dreamware/poolmanager/internal/repository"
)

var (
	// ErrStoreDisabled is returned for writes while the pool mode forbids them
	ErrStoreDisabled = errors.New("pool is disabled for store")

	// ErrFetchDisabled is returned for reads while the pool mode forbids them
	ErrFetchDisabled = errors.New("pool is disabled for fetch")
)

// Config describes a pool.
type Config struct {
	Name string
	// Address is where clients reach the pool, reported in heartbeats.
	Address string
	// HsmInstances are the tape systems this pool can flush to.
	HsmInstances []string
	// Serial identifies this run of the pool. Zero picks a random one.
	Serial uint64
}

// Pool is the runtime state of one pool process: its replicas, its mode and
// the serial number the pool manager uses to recognise restarts.
type Pool struct {
	name    string
	address string
	hsm     []string
	serial  uint64

	repo  *repository.MemoryRepository
	clock clockwork.Clock

	mu      sync.RWMutex // Protects mode, code and message
	mode    cluster.PoolMode
	code    int
	message string

	gets    atomic.Uint64
	puts    atomic.Uint64
	deletes atomic.Uint64
}

// OperationStats counts client operations.
type OperationStats struct {
	Gets    uint64 `json:"gets"`
	Puts    uint64 `json:"puts"`
	Deletes uint64 `json:"deletes"`
}

// Info is what GET /info returns.
type Info struct {
	Name       string           `json:"name"`
	Address    string           `json:"address"`
	Serial     uint64           `json:"serial"`
	Mode       string           `json:"mode"`
	Code       int              `json:"code,omitempty"`
	Message    string           `json:"message,omitempty"`
	Ops        OperationStats   `json:"ops"`
	Repository repository.Stats `json:"repository"`
}

// New creates an enabled pool backed by repo.
func New(cfg Config, repo *repository.MemoryRepository, clock clockwork.Clock) *Pool {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	serial := cfg.Serial
	if serial == 0 {
		serial = newSerial()
	}
	return &Pool{
		name:    cfg.Name,
		address: cfg.Address,
		hsm:     append([]string(nil), cfg.HsmInstances...),
		serial:  serial,
		repo:    repo,
		clock:   clock,
	}
}

// newSerial draws a non-zero serial; zero is reserved by the pool manager.
func newSerial() uint64 {
	for {
		id := uuid.New()
		if s := binary.BigEndian.Uint64(id[:8]); s != 0 {
			return s
		}
	}
}

func (p *Pool) Name() string   { return p.name }
func (p *Pool) Serial() uint64 { return p.serial }

// SetMode changes the mode reported in the next heartbeat. code and message
// explain why a pool is disabled and are cleared when it is enabled again.
func (p *Pool) SetMode(mode cluster.PoolMode, code int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
	if mode.IsEnabled() {
		code, message = 0, ""
	}
	p.code = code
	p.message = message
}

// Mode returns the current mode.
func (p *Pool) Mode() cluster.PoolMode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mode
}

// Heartbeat builds the message announcing the pool's current state.
func (p *Pool) Heartbeat() cluster.PoolHeartbeat {
	p.mu.RLock()
	mode, code, message := p.mode, p.code, p.message
	p.mu.RUnlock()

	cost := p.repo.Cost()
	return cluster.PoolHeartbeat{
		Name:         p.name,
		Address:      p.address,
		Mode:         mode,
		Code:         code,
		Message:      message,
		HsmInstances: append([]string(nil), p.hsm...),
		Serial:       p.serial,
		Cost:         &cost,
	}
}

// Get returns a replica. A mover slot is held while it is read.
func (p *Pool) Get(pnfsID string) (repository.Replica, error) {
	if p.Mode().IsDisabled(cluster.ModeDisabledFetch) {
		return repository.Replica{}, ErrFetchDisabled
	}
	release, err := p.repo.StartMover()
	if err != nil {
		return repository.Replica{}, err
	}
	defer release()
	p.gets.Add(1)
	return p.repo.Get(pnfsID)
}

// Put stores a replica. A mover slot is held while it is written.
func (p *Pool) Put(r repository.Replica) error {
	if p.Mode().IsDisabled(cluster.ModeDisabledStore) {
		return ErrStoreDisabled
	}
	release, err := p.repo.StartMover()
	if err != nil {
		return err
	}
	defer release()
	p.puts.Add(1)
	if r.Created.IsZero() {
		r.Created = p.clock.Now()
	}
	return p.repo.Put(r)
}

// Delete removes a replica. Deletes are allowed in every mode.
func (p *Pool) Delete(pnfsID string) error {
	p.deletes.Add(1)
	return p.repo.Delete(pnfsID)
}

// List returns the ids of all replicas.
func (p *Pool) List() []string {
	return p.repo.List()
}

// Info returns the pool's state and statistics.
func (p *Pool) Info() Info {
	p.mu.RLock()
	mode, code, message := p.mode, p.code, p.message
	p.mu.RUnlock()

	return Info{
		Name:    p.name,
		Address: p.address,
		Serial:  p.serial,
		Mode:    mode.String(),
		Code:    code,
		Message: message,
		Ops: OperationStats{
			Gets:    p.gets.Load(),
			Puts:    p.puts.Load(),
			Deletes: p.deletes.Load(),
		},
		Repository: p.repo.Stats(),
	}
}
