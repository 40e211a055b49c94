package poolmanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/poolmanager/internal/cluster"
)

func quietLogger() *logrus.Logger {
	log, _ := test.NewNullLogger()
	return log
}

// eventLog records emitted status events.
type eventLog struct {
	mu     sync.Mutex
	events []cluster.PoolStatusEvent
}

func (l *eventLog) Emit(ev cluster.PoolStatusEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) all() []cluster.PoolStatusEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]cluster.PoolStatusEvent(nil), l.events...)
}

func (l *eventLog) statuses() []cluster.PoolStatus {
	var out []cluster.PoolStatus
	for _, ev := range l.all() {
		out = append(out, ev.Status)
	}
	return out
}

// containerLog records request container notifications.
type containerLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *containerLog) PoolStatusChanged(name string, status cluster.PoolStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name+":"+string(status))
}

func (c *containerLog) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// viewLog records what a selection view would receive.
type viewLog struct {
	mu      sync.Mutex
	records map[string]PoolRecord
	costs   map[string]cluster.PoolCost
}

func newViewLog() *viewLog {
	return &viewLog{records: map[string]PoolRecord{}, costs: map[string]cluster.PoolCost{}}
}

func (v *viewLog) PoolChanged(rec PoolRecord) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.records[rec.Name] = rec
}

func (v *viewLog) CostReported(name string, cost cluster.PoolCost) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.costs[name] = cost
}

func (v *viewLog) record(name string) (PoolRecord, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	rec, ok := v.records[name]
	return rec, ok
}

// countingRecorder is a metrics.Recorder that counts calls.
type countingRecorder struct {
	mu         sync.Mutex
	heartbeats int
	statuses   []string
	selections []string
	dropped    int
}

func (r *countingRecorder) Heartbeat(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
}

func (r *countingRecorder) PoolStatus(pool, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, pool+":"+status)
}

func (r *countingRecorder) Selection(op, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selections = append(r.selections, op+":"+outcome)
}

func (r *countingRecorder) QueueDepth(int) {}

func (r *countingRecorder) EventDropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
}

func (r *countingRecorder) Close() error { return nil }

func (r *countingRecorder) droppedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *countingRecorder) selectionOutcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.selections...)
}

// mockFacade is a testify mock of SelectionFacade.
type mockFacade struct {
	mock.Mock
}

func (m *mockFacade) SelectWritePool(ctx context.Context, req WriteSelection) (Placement, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Placement), args.Error(1)
}

func (m *mockFacade) SelectReadPool(ctx context.Context, req ReadSelection) (Placement, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Placement), args.Error(1)
}

func (m *mockFacade) RefreshCost(pool string, size int64) {
	m.Called(pool, size)
}

func (m *mockFacade) PoolCostInfo(name string) (cluster.CostSnapshot, bool) {
	args := m.Called(name)
	return args.Get(0).(cluster.CostSnapshot), args.Bool(1)
}

// quotaFunc adapts a function to QuotaChecker.
type quotaFunc func(ctx context.Context, key string) (bool, error)

func (f quotaFunc) IsHardQuotaExceeded(ctx context.Context, key string) (bool, error) {
	return f(ctx, key)
}

// publisherLog is a Publisher that records messages.
type publisherLog struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

type published struct {
	kind    string
	payload any
}

func (p *publisherLog) Publish(_ context.Context, kind string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{kind: kind, payload: payload})
	return nil
}

func (p *publisherLog) Close() error { return nil }

func (p *publisherLog) ofKind(kind string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []any
	for _, m := range p.msgs {
		if m.kind == kind {
			out = append(out, m.payload)
		}
	}
	return out
}

func awaitReply(t *testing.T, ch <-chan cluster.SelectPoolReply) cluster.SelectPoolReply {
	t.Helper()
	select {
	case reply := <-ch:
		return reply
	case <-time.After(2 * time.Second):
		require.FailNow(t, "no reply delivered")
	}
	return cluster.SelectPoolReply{}
}

func enabledHeartbeat(name string, serial uint64) cluster.PoolHeartbeat {
	return cluster.PoolHeartbeat{
		Name:    name,
		Address: "http://" + name + ":22125",
		Mode:    cluster.ModeEnabled,
		Serial:  serial,
	}
}
