package costmodule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/dreamware/poolmanager/internal/cluster"
	"github.com/dreamware/poolmanager/internal/poolmanager"
)

// Config describes the pool topology and the selection policy.
type Config struct {
	// Selector names the write selector: "freespace", "lowload" or
	// "random". Empty means "lowload".
	Selector string `yaml:"selector"`
	// PoolGroups maps a group name to its member pools.
	PoolGroups map[string][]string `yaml:"pool_groups"`
	// LinkGroups maps a link group name to the pool groups it may use.
	LinkGroups map[string][]string `yaml:"link_groups"`
}

type poolState struct {
	rec           poolmanager.PoolRecord
	cost          cluster.PoolCost
	hasCost       bool
	pendingBytes  int64
	pendingWrites int
	updated       time.Time
}

func (s *poolState) snapshot() cluster.CostSnapshot {
	return cluster.CostSnapshot{
		Pool:            s.rec.Name,
		Cost:            s.cost,
		PendingBytes:    s.pendingBytes,
		PendingWrites:   s.pendingWrites,
		SpaceCost:       spaceCost(s.cost, s.pendingBytes),
		PerformanceCost: performanceCost(s.cost, s.pendingWrites),
		Updated:         s.updated,
	}
}

// spaceCost is the used fraction of the pool, counting pending allocations.
// Pools that have not reported their size cost 1.
func spaceCost(c cluster.PoolCost, pending int64) float64 {
	if c.TotalSpace <= 0 {
		return 1
	}
	free := c.FreeSpace - pending
	if free < 0 {
		free = 0
	}
	return 1 - float64(free)/float64(c.TotalSpace)
}

// performanceCost is mover occupancy, counting pending writes.
func performanceCost(c cluster.PoolCost, pendingWrites int) float64 {
	movers := c.MaxMovers
	if movers < 1 {
		movers = 1
	}
	return float64(c.ActiveMovers+c.QueuedMovers+pendingWrites) / float64(movers)
}

// Facade is the cost and selection module. It keeps a private view of the
// pools, fed by the pool manager through PoolChanged and CostReported, and
// answers placement questions from that view only.
type Facade struct {
	mu       sync.RWMutex
	pools    map[string]*poolState
	groups   map[string][]string
	links    map[string][]string
	selector Selector
	selName  string

	clock clockwork.Clock
	log   logrus.FieldLogger
}

var (
	_ poolmanager.SelectionFacade = (*Facade)(nil)
	_ poolmanager.PoolView        = (*Facade)(nil)
)

// New creates a facade. It fails if the configured selector is unknown or a
// link group refers to an undefined pool group.
func New(cfg Config, clock clockwork.Clock, log logrus.FieldLogger) (*Facade, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	f := &Facade{
		pools: make(map[string]*poolState),
		clock: clock,
		log:   log.WithField("component", "costmodule"),
	}
	if err := f.Reconfigure(cfg); err != nil {
		return nil, err
	}
	return f, nil
}

// Reconfigure replaces the topology and selector. On error the current
// configuration is kept.
func (f *Facade) Reconfigure(cfg Config) error {
	sel, err := lookupSelector(cfg.Selector)
	if err != nil {
		return err
	}
	for link, groups := range cfg.LinkGroups {
		for _, g := range groups {
			if _, ok := cfg.PoolGroups[g]; !ok {
				return fmt.Errorf("costmodule: link group %s refers to unknown pool group %s", link, g)
			}
		}
	}

	groups := make(map[string][]string, len(cfg.PoolGroups))
	for name, pools := range cfg.PoolGroups {
		groups[name] = slices.Clone(pools)
	}
	links := make(map[string][]string, len(cfg.LinkGroups))
	for name, g := range cfg.LinkGroups {
		links[name] = slices.Clone(g)
	}
	name := cfg.Selector
	if name == "" {
		name = DefaultSelector
	}

	f.mu.Lock()
	f.groups = groups
	f.links = links
	f.selector = sel
	f.selName = name
	f.mu.Unlock()

	f.log.WithFields(logrus.Fields{
		"selector":    name,
		"pool_groups": len(groups),
		"link_groups": len(links),
	}).Info("selection configured")
	return nil
}

// SelectorName returns the active write selector.
func (f *Facade) SelectorName() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.selName
}

// PoolChanged stores the latest registry record of a pool.
func (f *Facade) PoolChanged(rec poolmanager.PoolRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateLocked(rec.Name).rec = rec
}

// CostReported stores a pool's own cost report and forgets the allocations
// accounted since the previous one.
func (f *Facade) CostReported(name string, cost cluster.PoolCost) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stateLocked(name)
	s.cost = cost
	s.hasCost = true
	s.pendingBytes = 0
	s.pendingWrites = 0
	s.updated = f.clock.Now()
}

// RefreshCost accounts a placement on pool until its next cost report.
func (f *Facade) RefreshCost(pool string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.pools[pool]
	if !ok {
		return
	}
	if size > 0 {
		s.pendingBytes += size
	}
	s.pendingWrites++
}

// PoolCostInfo returns the cost snapshot of a pool that has reported its
// cost.
func (f *Facade) PoolCostInfo(name string) (cluster.CostSnapshot, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.pools[name]
	if !ok || !s.hasCost {
		return cluster.CostSnapshot{}, false
	}
	return s.snapshot(), true
}

func (f *Facade) stateLocked(name string) *poolState {
	s, ok := f.pools[name]
	if !ok {
		s = &poolState{rec: poolmanager.PoolRecord{Name: name, Mode: cluster.ModeDisabled}}
		f.pools[name] = s
	}
	return s
}

// allowedLocked resolves a link group to its pool set. An empty link group
// allows every pool and is reported as a nil set.
func (f *Facade) allowedLocked(linkGroup string) (map[string]struct{}, error) {
	if linkGroup == "" {
		return nil, nil
	}
	groups, ok := f.links[linkGroup]
	if !ok || len(groups) == 0 {
		return nil, poolmanager.NewSelectionError(poolmanager.KindSelection, poolmanager.CodeNoPoolConfigured,
			"no pool group configured for link group %s", linkGroup)
	}
	allowed := make(map[string]struct{})
	for _, g := range groups {
		for _, p := range f.groups[g] {
			allowed[p] = struct{}{}
		}
	}
	return allowed, nil
}

func inSet(set map[string]struct{}, name string) bool {
	if set == nil {
		return true
	}
	_, ok := set[name]
	return ok
}

// SelectWritePool picks a pool for a new file among the active pools that
// accept writes, serve the file's HSM instance and have room for it.
func (f *Facade) SelectWritePool(ctx context.Context, req poolmanager.WriteSelection) (poolmanager.Placement, error) {
	if err := ctx.Err(); err != nil {
		return poolmanager.Placement{}, err
	}
	size := req.Preallocated
	if size <= 0 {
		size = req.FileAttributes.Size
	}

	f.mu.RLock()
	allowed, err := f.allowedLocked(req.LinkGroup)
	if err != nil {
		f.mu.RUnlock()
		return poolmanager.Placement{}, err
	}
	var candidates []Candidate
	for _, s := range f.pools {
		if !inSet(allowed, s.rec.Name) || !writable(s.rec) {
			continue
		}
		if hsm := req.FileAttributes.HSM; hsm != "" && !slices.Contains(s.rec.HsmInstances, hsm) {
			continue
		}
		c := Candidate{Name: s.rec.Name, Address: s.rec.Address, Cost: s.snapshot()}
		if s.hasCost && c.available() < size {
			continue
		}
		candidates = append(candidates, c)
	}
	selector := f.selector
	f.mu.RUnlock()

	if len(candidates) == 0 {
		return poolmanager.Placement{}, poolmanager.NewSelectionError(poolmanager.KindNoEligiblePool,
			poolmanager.CodeNoPoolOnline, "no write pool available for storage class %s",
			req.FileAttributes.StorageClassKey())
	}
	sortCandidates(candidates)
	best := selector.Select(candidates, size)
	f.log.WithFields(logrus.Fields{
		"pool":       best.Name,
		"candidates": len(candidates),
		"size":       size,
	}).Debug("write pool selected")
	return poolmanager.Placement{Pool: best.Name, Address: best.Address}, nil
}

// SelectReadPool picks the least loaded readable pool among the file's
// replica locations.
func (f *Facade) SelectReadPool(ctx context.Context, req poolmanager.ReadSelection) (poolmanager.Placement, error) {
	if err := ctx.Err(); err != nil {
		return poolmanager.Placement{}, err
	}

	f.mu.RLock()
	allowed, err := f.allowedLocked(req.LinkGroup)
	if err != nil {
		f.mu.RUnlock()
		return poolmanager.Placement{}, err
	}
	var candidates []Candidate
	for _, loc := range req.FileAttributes.Locations {
		s, ok := f.pools[loc]
		if !ok || !inSet(allowed, loc) || !readable(s.rec) {
			continue
		}
		candidates = append(candidates, Candidate{Name: s.rec.Name, Address: s.rec.Address, Cost: s.snapshot()})
	}
	f.mu.RUnlock()

	if len(candidates) == 0 {
		return poolmanager.Placement{}, poolmanager.NewSelectionError(poolmanager.KindNoEligiblePool,
			poolmanager.CodeFileNotOnline, "file %s is not online", req.FileAttributes.PnfsID)
	}
	sortCandidates(candidates)
	best := lowestCost(candidates, 0)
	return poolmanager.Placement{Pool: best.Name, Address: best.Address}, nil
}

func writable(rec poolmanager.PoolRecord) bool {
	return rec.Active && !rec.ReadOnly && !rec.Mode.IsDisabled(cluster.ModeDisabledStore)
}

func readable(rec poolmanager.PoolRecord) bool {
	return rec.Active && !rec.Mode.IsDisabled(cluster.ModeDisabledFetch)
}

func sortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool { return c[i].Name < c[j].Name })
}
