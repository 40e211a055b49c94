package costmodule

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/dreamware/poolmanager/internal/cluster"
)

// Candidate is an eligible pool offered to a Selector.
type Candidate struct {
	Name    string
	Address string
	Cost    cluster.CostSnapshot
}

// available returns the space left once pending allocations are served.
func (c Candidate) available() int64 {
	return c.Cost.Cost.FreeSpace - c.Cost.PendingBytes
}

// Selector picks one pool out of a non-empty candidate list. Candidates are
// sorted by name.
type Selector interface {
	Select(candidates []Candidate, size int64) Candidate
}

// SelectorFunc adapts a function to Selector.
type SelectorFunc func(candidates []Candidate, size int64) Candidate

func (f SelectorFunc) Select(candidates []Candidate, size int64) Candidate {
	return f(candidates, size)
}

var (
	selectorsMu sync.RWMutex
	selectors   = make(map[string]Selector)
)

// Register makes a selector available by name. It panics if the name is
// taken or the selector is nil.
func Register(name string, s Selector) {
	selectorsMu.Lock()
	defer selectorsMu.Unlock()

	if s == nil {
		panic("costmodule: Register selector is nil")
	}
	if _, dup := selectors[name]; dup {
		panic("costmodule: Register called twice for selector: " + name)
	}
	selectors[name] = s
}

// Registered returns the selector registered under name.
func Registered(name string) (Selector, bool) {
	selectorsMu.RLock()
	defer selectorsMu.RUnlock()
	s, ok := selectors[name]
	return s, ok
}

// Selectors returns the sorted names of all registered selectors.
func Selectors() []string {
	selectorsMu.RLock()
	defer selectorsMu.RUnlock()
	names := make([]string, 0, len(selectors))
	for name := range selectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupSelector(name string) (Selector, error) {
	if name == "" {
		name = DefaultSelector
	}
	s, ok := Registered(name)
	if !ok {
		return nil, fmt.Errorf("costmodule: no such selector: %s", name)
	}
	return s, nil
}

const (
	SelectorFreeSpace = "freespace"
	SelectorLowLoad   = "lowload"
	SelectorRandom    = "random"

	DefaultSelector = SelectorLowLoad
)

func init() {
	Register(SelectorFreeSpace, SelectorFunc(mostFreeSpace))
	Register(SelectorLowLoad, SelectorFunc(lowestCost))
	Register(SelectorRandom, SelectorFunc(randomPool))
}

// mostFreeSpace prefers the pool with the most space left after pending
// allocations.
func mostFreeSpace(candidates []Candidate, _ int64) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.available() > best.available() {
			best = c
		}
	}
	return best
}

// lowestCost prefers the least loaded pool and breaks ties on space cost,
// then on free space.
func lowestCost(candidates []Candidate, _ int64) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		switch {
		case c.Cost.PerformanceCost < best.Cost.PerformanceCost:
			best = c
		case c.Cost.PerformanceCost > best.Cost.PerformanceCost:
		case c.Cost.SpaceCost < best.Cost.SpaceCost:
			best = c
		case c.Cost.SpaceCost == best.Cost.SpaceCost && c.available() > best.available():
			best = c
		}
	}
	return best
}

func randomPool(candidates []Candidate, _ int64) Candidate {
	return candidates[rand.IntN(len(candidates))]
}
