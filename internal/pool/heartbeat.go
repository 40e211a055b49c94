package pool

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/poolmanager/internal/bus"
	"github.com/dreamware/poolmanager/internal/cluster"
)

// DefaultHeartbeatInterval is how often a pool reports to the pool manager.
const DefaultHeartbeatInterval = 30 * time.Second

// Sender delivers heartbeats to the pool manager.
type Sender interface {
	SendHeartbeat(ctx context.Context, hb cluster.PoolHeartbeat) error
}

// HTTPSender posts heartbeats to a pool manager's HTTP endpoint.
type HTTPSender struct {
	// URL is the pool manager base URL, e.g. http://poolmanager:8080.
	URL string
}

func (s HTTPSender) SendHeartbeat(ctx context.Context, hb cluster.PoolHeartbeat) error {
	return cluster.PostJSON(ctx, s.URL+"/pools/heartbeat", hb, nil)
}

// BusSender publishes heartbeats on the NATS bus.
type BusSender struct {
	Client *bus.Client
}

func (s BusSender) SendHeartbeat(_ context.Context, hb cluster.PoolHeartbeat) error {
	return s.Client.SendHeartbeat(hb)
}

// Heartbeater sends a pool's heartbeat at a fixed interval.
type Heartbeater struct {
	pool     *Pool
	sender   Sender
	interval time.Duration
	clock    clockwork.Clock
	log      logrus.FieldLogger
}

// NewHeartbeater creates a heartbeater for p. A non-positive interval selects
// DefaultHeartbeatInterval.
func NewHeartbeater(p *Pool, sender Sender, interval time.Duration, log logrus.FieldLogger) *Heartbeater {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Heartbeater{
		pool:     p,
		sender:   sender,
		interval: interval,
		clock:    p.clock,
		log:      log.WithField("pool", p.name),
	}
}

// Run sends one heartbeat immediately and then one per interval until ctx is
// cancelled. On the way out it announces the pool as dead so the pool
// manager does not have to wait for its watchdog.
func (h *Heartbeater) Run(ctx context.Context) error {
	h.send(ctx, h.pool.Heartbeat())

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.goodbye()
			return nil
		case <-ticker.Chan():
			h.send(ctx, h.pool.Heartbeat())
		}
	}
}

func (h *Heartbeater) send(ctx context.Context, hb cluster.PoolHeartbeat) {
	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.sender.SendHeartbeat(sctx, hb); err != nil {
		h.log.WithError(err).Warn("heartbeat not delivered")
		return
	}
	h.log.WithField("mode", hb.Mode.String()).Debug("heartbeat sent")
}

func (h *Heartbeater) goodbye() {
	hb := h.pool.Heartbeat()
	hb.Mode = cluster.ModeDisabled | cluster.ModeDisabledDead
	hb.Code = 0
	hb.Message = "shutting down"
	h.send(context.Background(), hb)
}
