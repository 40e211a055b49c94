package poolmanager

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/poolmanager/internal/metrics"
)

const (
	DefaultQuotaTimeout     = 2 * time.Second
	DefaultSelectionTimeout = 30 * time.Second
)

// RouterConfig tunes the Router.
type RouterConfig struct {
	// QuotaEnabled turns the hard-quota check on. It can be toggled at run
	// time with Router.EnableQuota.
	QuotaEnabled bool
	// QuotaTimeout bounds a single quota check.
	QuotaTimeout time.Duration
	// SelectionTimeout bounds a single facade call.
	SelectionTimeout time.Duration
}

// Router resolves placement requests without blocking the caller.
//
// Every request is handed to the WorkerPool. The worker runs the quota check
// (writes only), asks the SelectionFacade for a pool and completes the
// request's PendingReply. Whatever happens on the worker, including panics in
// collaborators, the reply is completed exactly once.
type Router struct {
	facade  SelectionFacade
	quota   QuotaChecker
	workers *WorkerPool
	metrics metrics.Recorder
	log     logrus.FieldLogger

	quotaEnabled     atomic.Bool
	quotaTimeout     time.Duration
	selectionTimeout time.Duration
}

// NewRouter creates a router. quota may be nil, in which case the quota check
// is skipped even when enabled.
func NewRouter(facade SelectionFacade, quota QuotaChecker, workers *WorkerPool,
	cfg RouterConfig, rec metrics.Recorder, log logrus.FieldLogger) *Router {
	if cfg.QuotaTimeout <= 0 {
		cfg.QuotaTimeout = DefaultQuotaTimeout
	}
	if cfg.SelectionTimeout <= 0 {
		cfg.SelectionTimeout = DefaultSelectionTimeout
	}
	if rec == nil {
		rec = metrics.Noop()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Router{
		facade:           facade,
		quota:            quota,
		workers:          workers,
		metrics:          rec,
		log:              log.WithField("component", "router"),
		quotaTimeout:     cfg.QuotaTimeout,
		selectionTimeout: cfg.SelectionTimeout,
	}
	r.quotaEnabled.Store(cfg.QuotaEnabled)
	return r
}

// EnableQuota switches the hard-quota check on or off.
func (r *Router) EnableQuota(enabled bool) {
	r.quotaEnabled.Store(enabled)
}

// SelectWritePool queues a write placement. The answer arrives on the
// request's PendingReply.
func (r *Router) SelectWritePool(req *SelectionRequest) {
	req.Direction = DirectionWrite
	r.submit(req, r.processWrite)
}

// SelectReadPool queues a read placement.
func (r *Router) SelectReadPool(req *SelectionRequest) {
	req.Direction = DirectionRead
	r.submit(req, r.processRead)
}

// process resolves one request. It completes the reply itself on success and
// returns the failure otherwise.
type process func(req *SelectionRequest) *SelectionError

func (r *Router) submit(req *SelectionRequest, fn process) {
	err := r.workers.Submit(func() { r.guard(req, fn) })
	r.metrics.QueueDepth(r.workers.QueueDepth())
	if err == nil {
		return
	}

	var se *SelectionError
	if errors.Is(err, ErrQueueFull) {
		se = NewSelectionError(KindBusy, CodeBusy, "pool manager busy, request queue full")
	} else {
		se = NewSelectionError(KindInternal, CodeUnexpected, "%v", err)
	}
	r.log.WithFields(logrus.Fields{"request": req.ID, "direction": req.Direction}).
		WithError(err).Warn("placement request rejected")
	req.fail(se)
	r.metrics.Selection(string(req.Direction), se.Kind.String(), 0)
}

// guard runs fn and makes sure the request is answered exactly once.
func (r *Router) guard(req *SelectionRequest, fn process) {
	start := time.Now()
	log := r.log.WithFields(logrus.Fields{"request": req.ID, "direction": req.Direction})
	outcome := "ok"

	defer func() {
		if p := recover(); p != nil {
			log.Errorf("placement panicked: %v", p)
			if req.fail(NewSelectionError(KindInternal, CodeUnexpected, "%v", p)) {
				outcome = KindInternal.String()
			}
		}
		if !req.reply.Completed() {
			log.Error("placement finished without a reply")
			req.fail(NewSelectionError(KindInternal, CodeUnexpected, "no reply produced"))
			outcome = KindInternal.String()
		}
		r.metrics.Selection(string(req.Direction), outcome, time.Since(start))
	}()

	if se := fn(req); se != nil {
		req.fail(se)
		outcome = se.Kind.String()
	}
}

func (r *Router) processWrite(req *SelectionRequest) *SelectionError {
	key := req.FileAttributes.StorageClassKey()
	if r.quotaEnabled.Load() && r.quota != nil && r.quotaExceeded(req.ID, key) {
		return ErrQuotaExceeded(key)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.selectionTimeout)
	defer cancel()

	placement, err := r.facade.SelectWritePool(ctx, WriteSelection{
		FileAttributes: req.FileAttributes,
		ProtocolInfo:   req.ProtocolInfo,
		LinkGroup:      req.LinkGroup,
		Preallocated:   req.Preallocated,
	})
	if err != nil {
		return r.classify(req, err)
	}

	req.succeed(placement)
	r.log.WithFields(logrus.Fields{"request": req.ID, "pool": placement.Pool, "pnfsid": req.FileAttributes.PnfsID}).
		Debug("write pool selected")

	if !req.SkipCostUpdate {
		size := req.Preallocated
		if size <= 0 {
			size = req.FileAttributes.Size
		}
		r.facade.RefreshCost(placement.Pool, size)
	}
	return nil
}

func (r *Router) processRead(req *SelectionRequest) *SelectionError {
	ctx, cancel := context.WithTimeout(context.Background(), r.selectionTimeout)
	defer cancel()

	placement, err := r.facade.SelectReadPool(ctx, ReadSelection{
		FileAttributes: req.FileAttributes,
		ProtocolInfo:   req.ProtocolInfo,
		LinkGroup:      req.LinkGroup,
	})
	if err != nil {
		return r.classify(req, err)
	}
	req.succeed(placement)
	return nil
}

// classify turns a facade error into the reply error. Selection errors pass
// through unchanged; anything else is an internal error.
func (r *Router) classify(req *SelectionRequest, err error) *SelectionError {
	if se, ok := AsSelectionError(err); ok {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewSelectionError(KindTimeout, CodeTimeout, "pool selection timed out after %s", r.selectionTimeout)
	}
	r.log.WithFields(logrus.Fields{"request": req.ID, "pnfsid": req.FileAttributes.PnfsID}).
		WithError(err).Error("unexpected pool selection failure")
	return NewSelectionError(KindInternal, CodeUnexpected, "%v", err)
}

// quotaExceeded asks the quota collaborator within quotaTimeout. Errors,
// timeouts and panics count as "not exceeded" so that placement never waits
// on a broken quota service.
func (r *Router) quotaExceeded(requestID, key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), r.quotaTimeout)
	defer cancel()

	type result struct {
		exceeded bool
		err      error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("quota check panicked: %v", p)}
			}
		}()
		exceeded, err := r.quota.IsHardQuotaExceeded(ctx, key)
		done <- result{exceeded: exceeded, err: err}
	}()

	log := r.log.WithFields(logrus.Fields{"request": requestID, "storage_class": key})
	select {
	case res := <-done:
		if res.err != nil {
			log.WithError(res.err).Warn("quota check failed, assuming quota not exceeded")
			return false
		}
		return res.exceeded
	case <-ctx.Done():
		log.Warnf("quota check timed out after %s, assuming quota not exceeded", r.quotaTimeout)
		return false
	}
}
