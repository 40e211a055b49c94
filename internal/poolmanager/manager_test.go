package poolmanager

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/poolmanager/internal/cluster"
)

// viewFacade is a facade that also keeps a pool view, like the real one.
type viewFacade struct {
	*mockFacade
	*viewLog
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *viewFacade, *publisherLog, *containerLog) {
	t.Helper()
	facade := &viewFacade{mockFacade: &mockFacade{}, viewLog: newViewLog()}
	publisher := &publisherLog{}
	container := &containerLog{}
	m, err := New(cfg, Dependencies{
		Facade:    facade,
		Container: container,
		Publisher: publisher,
		Log:       quietLogger(),
	})
	require.NoError(t, err)
	return m, facade, publisher, container
}

func TestNewRequiresFacade(t *testing.T) {
	_, err := New(Config{}, Dependencies{Log: quietLogger()})
	assert.Error(t, err)
}

func TestNewDeclaresPools(t *testing.T) {
	m, facade, _, _ := newTestManager(t, Config{Pools: []string{"p1", "p2"}, WatchdogTimer: "300:30"})

	assert.Equal(t, []string{"p1", "p2"}, m.Registry.ListAll(true))
	_, ok := facade.record("p1")
	assert.True(t, ok, "declared pools are pushed to the facade view")
	assert.Equal(t, "300:30", m.Watchdog.Timer())
}

func TestNewKeepsDefaultTimerOnBadValue(t *testing.T) {
	m, _, _, _ := newTestManager(t, Config{WatchdogTimer: "1:1"})
	assert.Equal(t, "600:60", m.Watchdog.Timer())
}

// TestManagerEndToEnd drives a heartbeat, a placement and a watchdog death
// through one Manager.
func TestManagerEndToEnd(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m, facade, publisher, container := newTestManager(t, Config{
		Clock:         clock,
		WatchdogTimer: "60:10",
		Broadcaster:   BroadcasterConfig{Interval: time.Hour},
	})
	facade.On("SelectWritePool", mock.Anything, mock.Anything).
		Return(Placement{Pool: "p1", Address: "http://p1"}, nil)
	facade.On("RefreshCost", "p1", int64(10)).Return()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	changed, err := m.HandleHeartbeat(enabledHeartbeat("p1", 1))
	require.NoError(t, err)
	assert.True(t, changed)

	reply, ch := NewChannelReply()
	m.SelectWritePool(writeRequest("raw", 10), reply)
	got := awaitReply(t, ch)
	assert.Equal(t, "p1", got.Pool)

	require.Eventually(t, func() bool {
		return len(publisher.ofKind(KindPoolStatus)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Let the pool go silent past the threshold.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 2))
	clock.Advance(70 * time.Second)

	require.Eventually(t, func() bool {
		return len(publisher.ofKind(KindPoolStatus)) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"p1:UP", "p1:DOWN"}, container.all())
	viewed, _ := facade.record("p1")
	assert.False(t, viewed.Active)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestManagerAdmin(t *testing.T) {
	m, facade, _, _ := newTestManager(t, Config{})
	facade.On("PoolCostInfo", mock.Anything).Return(cluster.CostSnapshot{}, false)

	_, err := m.SetReadOnly("p1", true)
	assert.ErrorIs(t, err, ErrUnknownPool)

	_, err = m.HandleHeartbeat(enabledHeartbeat("p1", 1))
	require.NoError(t, err)
	rec, err := m.SetReadOnly("p1", true)
	require.NoError(t, err)
	assert.True(t, rec.ReadOnly)
	viewed, _ := facade.record("p1")
	assert.True(t, viewed.ReadOnly)

	require.NoError(t, m.SetWatchdogTimer("120:20"))
	status := m.Status()
	assert.Equal(t, "120:20", status.WatchdogTimer)
	assert.Equal(t, 1, status.Active)
	assert.Zero(t, m.QueueDepth())
}
