package metrics

import (
	"time"

	"github.com/sirupsen/logrus"
	statsd "github.com/smira/go-statsd"
)

type statsdRecorder struct {
	client *statsd.Client
}

func newStatsd(addr, prefix string, log logrus.FieldLogger) *statsdRecorder {
	client := statsd.NewClient(addr,
		statsd.MetricPrefix(prefix+"."),
		statsd.TagStyle(statsd.TagFormatInfluxDB),
		statsd.Logger(log),
	)
	return &statsdRecorder{client: client}
}

func (s *statsdRecorder) Heartbeat(pool string) {
	s.client.Incr(MetricHeartbeats, 1, statsd.StringTag("pool", pool))
}

func (s *statsdRecorder) PoolStatus(pool, status string) {
	s.client.Incr(MetricPoolStatus, 1,
		statsd.StringTag("pool", pool), statsd.StringTag("status", status))
}

func (s *statsdRecorder) Selection(op, outcome string, elapsed time.Duration) {
	tags := []statsd.Tag{statsd.StringTag("op", op), statsd.StringTag("outcome", outcome)}
	s.client.Incr(MetricSelections, 1, tags...)
	s.client.PrecisionTiming(MetricSelectionTime, elapsed, tags...)
}

func (s *statsdRecorder) QueueDepth(depth int) {
	s.client.Gauge(MetricQueueDepth, int64(depth))
}

func (s *statsdRecorder) EventDropped() {
	s.client.Incr(MetricEventsDropped, 1)
}

func (s *statsdRecorder) Close() error {
	return s.client.Close()
}
