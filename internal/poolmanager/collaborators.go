package poolmanager

import (
	"context"

	"github.com/dreamware/poolmanager/internal/cluster"
)

// SelectionFacade ranks pools for placement. Implementations keep their own
// concurrency-safe view of the pools and never touch the Registry lock.
type SelectionFacade interface {
	// SelectWritePool returns the best pool for a new file. Recoverable
	// failures are returned as *SelectionError.
	SelectWritePool(ctx context.Context, req WriteSelection) (Placement, error)

	// SelectReadPool returns the best pool holding a replica of the file.
	SelectReadPool(ctx context.Context, req ReadSelection) (Placement, error)

	// RefreshCost accounts a placement so later selections see the load.
	RefreshCost(pool string, size int64)

	// PoolCostInfo returns the current cost snapshot of a pool.
	PoolCostInfo(name string) (cluster.CostSnapshot, bool)
}

// PoolView receives every change of pool state so that a facade can keep its
// private copy current.
type PoolView interface {
	PoolChanged(rec PoolRecord)
	CostReported(name string, cost cluster.PoolCost)
}

// QuotaChecker answers hard-quota questions for a storage class.
type QuotaChecker interface {
	IsHardQuotaExceeded(ctx context.Context, storageClassKey string) (bool, error)
}

// RequestContainer is told about pool death and recovery so that requests
// waiting on a pool can be re-evaluated.
type RequestContainer interface {
	PoolStatusChanged(name string, status cluster.PoolStatus)
}

// Publisher is the status topic. Publish is fire-and-forget from the point of
// view of the pool manager; errors are only logged.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload any) error
	Close() error
}

// WriteSelection is the input of SelectionFacade.SelectWritePool.
type WriteSelection struct {
	FileAttributes cluster.FileAttributes
	ProtocolInfo   cluster.ProtocolInfo
	LinkGroup      string
	Preallocated   int64
}

// ReadSelection is the input of SelectionFacade.SelectReadPool.
type ReadSelection struct {
	FileAttributes cluster.FileAttributes
	ProtocolInfo   cluster.ProtocolInfo
	LinkGroup      string
}

// Placement is a selected pool.
type Placement struct {
	Pool    string
	Address string
}
