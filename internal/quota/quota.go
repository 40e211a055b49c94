// Package quota keeps hard space limits per storage class and answers whether
// a class has used up its quota.
package quota

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/poolmanager/internal/poolmanager"
)

// Usage is the limit and current use of one storage class, in bytes.
type Usage struct {
	StorageClass string `json:"storage_class" yaml:"storage_class"`
	Limit        int64  `json:"limit" yaml:"limit"`
	Used         int64  `json:"used" yaml:"used"`
}

// Table is an in-memory quota table keyed by "<storage class>@<hsm>".
// Classes without a limit are unlimited.
type Table struct {
	mu     sync.RWMutex
	limits map[string]int64
	used   map[string]int64
	log    logrus.FieldLogger
}

var _ poolmanager.QuotaChecker = (*Table)(nil)

// NewTable creates a table with the given hard limits.
func NewTable(limits map[string]int64, log logrus.FieldLogger) *Table {
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := &Table{
		used: make(map[string]int64),
		log:  log.WithField("component", "quota"),
	}
	t.SetLimits(limits)
	return t
}

// SetLimits replaces all hard limits. Usage is kept.
func (t *Table) SetLimits(limits map[string]int64) {
	copied := make(map[string]int64, len(limits))
	for k, v := range limits {
		copied[k] = v
	}
	t.mu.Lock()
	t.limits = copied
	t.mu.Unlock()
	t.log.WithField("classes", len(copied)).Info("quota limits loaded")
}

// SetUsage records the bytes currently used by a storage class.
func (t *Table) SetUsage(key string, used int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.used[key] = used
}

// AddUsage adjusts the bytes used by a storage class by delta. Usage never
// goes below zero.
func (t *Table) AddUsage(key string, delta int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.used[key] + delta
	if u < 0 {
		u = 0
	}
	t.used[key] = u
	return u
}

// IsHardQuotaExceeded reports whether key has used all of its hard limit.
func (t *Table) IsHardQuotaExceeded(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	limit, ok := t.limits[key]
	if !ok {
		return false, nil
	}
	return t.used[key] >= limit, nil
}

// Usages lists every storage class with a limit or recorded usage, sorted.
func (t *Table) Usages() []Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make(map[string]struct{}, len(t.limits)+len(t.used))
	for k := range t.limits {
		keys[k] = struct{}{}
	}
	for k := range t.used {
		keys[k] = struct{}{}
	}
	out := make([]Usage, 0, len(keys))
	for k := range keys {
		out = append(out, Usage{StorageClass: k, Limit: t.limits[k], Used: t.used[k]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StorageClass < out[j].StorageClass })
	return out
}
