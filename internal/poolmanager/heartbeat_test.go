package poolmanager

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/poolmanager/internal/cluster"
)

type heartbeatFixture struct {
	clock     *clockwork.FakeClock
	registry  *Registry
	events    *eventLog
	container *containerLog
	view      *viewLog
	metrics   *countingRecorder
	handler   *HeartbeatHandler
}

func newHeartbeatFixture() *heartbeatFixture {
	f := &heartbeatFixture{
		clock:     clockwork.NewFakeClock(),
		events:    &eventLog{},
		container: &containerLog{},
		view:      newViewLog(),
		metrics:   &countingRecorder{},
	}
	f.registry = NewRegistry(f.clock)
	f.handler = NewHeartbeatHandler(f.registry, f.view, f.events, f.container, f.metrics, quietLogger())
	return f
}

// TestHeartbeatPoolComesUp covers the first heartbeat of an enabled pool.
func TestHeartbeatPoolComesUp(t *testing.T) {
	f := newHeartbeatFixture()

	changed, err := f.handler.OnPoolUp(enabledHeartbeat("p1", 5))
	require.NoError(t, err)
	assert.True(t, changed)

	rec, ok := f.registry.Get("p1")
	require.True(t, ok)
	assert.True(t, rec.Active)
	assert.Equal(t, uint64(5), rec.Serial)
	assert.Equal(t, "http://p1:22125", rec.Address)
	assert.Equal(t, f.clock.Now(), rec.LastHeartbeat)

	assert.Equal(t, []cluster.PoolStatus{cluster.PoolStatusUp, cluster.PoolStatusRestart}, f.events.statuses())
	assert.Equal(t, []string{"p1:UP"}, f.container.all())

	viewed, ok := f.view.record("p1")
	require.True(t, ok)
	assert.True(t, viewed.Active)
}

// TestHeartbeatPoolDisables covers an enabled pool reporting a bare disabled
// mode.
func TestHeartbeatPoolDisables(t *testing.T) {
	f := newHeartbeatFixture()
	_, err := f.handler.OnPoolUp(enabledHeartbeat("p1", 5))
	require.NoError(t, err)

	hb := enabledHeartbeat("p1", 5)
	hb.Mode = cluster.ModeDisabled
	hb.Code = 42
	hb.Message = "maintenance"
	changed, err := f.handler.OnPoolUp(hb)
	require.NoError(t, err)
	assert.True(t, changed)

	rec, _ := f.registry.Get("p1")
	assert.False(t, rec.Active)
	assert.Zero(t, rec.Serial)
	assert.True(t, rec.DownAnnounced())

	events := f.events.all()
	require.Len(t, events, 3)
	down := events[2]
	assert.Equal(t, cluster.PoolStatusDown, down.Status)
	assert.Equal(t, cluster.ModeDisabled, down.Mode)
	assert.Equal(t, 42, down.Code)
	assert.Equal(t, "maintenance", down.Message)
	assert.Equal(t, []string{"p1:UP", "p1:DOWN"}, f.container.all())

	// Still disabled: nothing new to report.
	changed, err = f.handler.OnPoolUp(hb)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, f.events.all(), 3)
}

func TestHeartbeatIdempotent(t *testing.T) {
	f := newHeartbeatFixture()
	hb := enabledHeartbeat("p1", 5)
	hb.HsmInstances = []string{"osm"}

	changed, err := f.handler.OnPoolUp(hb)
	require.NoError(t, err)
	assert.True(t, changed)

	f.clock.Advance(time.Minute)
	changed, err = f.handler.OnPoolUp(hb)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, f.events.all(), 2)
	assert.Len(t, f.container.all(), 1)

	// The timestamp moves even without a change.
	rec, _ := f.registry.Get("p1")
	assert.Equal(t, f.clock.Now(), rec.LastHeartbeat)
	assert.Equal(t, 2, f.metrics.heartbeats)
}

// TestHeartbeatChangeDetection lists what counts as a state change for a
// running pool.
func TestHeartbeatChangeDetection(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(hb *cluster.PoolHeartbeat)
	}{
		{"new serial", func(hb *cluster.PoolHeartbeat) { hb.Serial = 6 }},
		{"mode change", func(hb *cluster.PoolHeartbeat) { hb.Mode = cluster.ModeDisabledStore }},
		{"hsm change", func(hb *cluster.PoolHeartbeat) { hb.HsmInstances = []string{"osm", "tsm"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHeartbeatFixture()
			hb := enabledHeartbeat("p1", 5)
			hb.HsmInstances = []string{"osm"}
			_, err := f.handler.OnPoolUp(hb)
			require.NoError(t, err)

			tt.mutate(&hb)
			changed, err := f.handler.OnPoolUp(hb)
			require.NoError(t, err)
			assert.True(t, changed)

			// A change on a running pool is reported as UP plus RESTART.
			assert.Equal(t, []cluster.PoolStatus{
				cluster.PoolStatusUp, cluster.PoolStatusRestart,
				cluster.PoolStatusUp, cluster.PoolStatusRestart,
			}, f.events.statuses())
		})
	}
}

// TestHeartbeatDisabledModes checks which modes take a pool down.
func TestHeartbeatDisabledModes(t *testing.T) {
	tests := []struct {
		mode cluster.PoolMode
		down bool
	}{
		{cluster.ModeEnabled, false},
		{cluster.ModeDisabled, true},
		{cluster.ModeDisabledStrict, true},
		{cluster.ModeDisabled | cluster.ModeDisabledDead, true},
		{cluster.ModeDisabledRdOnly, false},
		{cluster.ModeDisabled | cluster.ModeDisabledStore, false},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			assert.Equal(t, tt.down, isPoolDown(tt.mode))

			f := newHeartbeatFixture()
			hb := enabledHeartbeat("p1", 9)
			hb.Mode = tt.mode
			_, err := f.handler.OnPoolUp(hb)
			require.NoError(t, err)

			rec, _ := f.registry.Get("p1")
			assert.Equal(t, !tt.down, rec.Active)
			if tt.down {
				assert.Zero(t, rec.Serial)
			} else {
				assert.Equal(t, uint64(9), rec.Serial)
			}
		})
	}
}

func TestHeartbeatRestartAfterDeath(t *testing.T) {
	f := newHeartbeatFixture()
	_, err := f.handler.OnPoolUp(enabledHeartbeat("p1", 5))
	require.NoError(t, err)

	// Simulate the watchdog having announced the pool dead.
	f.registry.Update("p1", func(rec *PoolRecord) {
		rec.setSerial(0)
		rec.Active = false
	})

	changed, err := f.handler.OnPoolUp(enabledHeartbeat("p1", 5))
	require.NoError(t, err)
	assert.True(t, changed, "same serial after a DOWN is a change")

	rec, _ := f.registry.Get("p1")
	assert.True(t, rec.Active)
	assert.Equal(t, []string{"p1:UP", "p1:UP"}, f.container.all())
}

func TestHeartbeatForwardsCost(t *testing.T) {
	f := newHeartbeatFixture()
	hb := enabledHeartbeat("p1", 5)
	hb.Cost = &cluster.PoolCost{TotalSpace: 1000, FreeSpace: 250}

	_, err := f.handler.OnPoolUp(hb)
	require.NoError(t, err)
	_, err = f.handler.OnPoolUp(hb)
	require.NoError(t, err)

	f.view.mu.Lock()
	defer f.view.mu.Unlock()
	assert.Equal(t, int64(250), f.view.costs["p1"].FreeSpace)
}

func TestHeartbeatRejectsInvalid(t *testing.T) {
	f := newHeartbeatFixture()

	_, err := f.handler.OnPoolUp(cluster.PoolHeartbeat{Serial: 1})
	assert.ErrorIs(t, err, ErrInvalidHeartbeat)

	_, err = f.handler.OnPoolUp(enabledHeartbeat("p1", 0))
	assert.ErrorIs(t, err, ErrInvalidHeartbeat)
	assert.Zero(t, f.registry.Len())

	// A disabled pool may report serial zero.
	hb := enabledHeartbeat("p1", 0)
	hb.Mode = cluster.ModeDisabledStrict
	_, err = f.handler.OnPoolUp(hb)
	assert.NoError(t, err)
}
