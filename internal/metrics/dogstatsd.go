package metrics

import (
	"fmt"
	"time"

	dogstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/sirupsen/logrus"
)

type dogStatsdRecorder struct {
	client *dogstatsd.Client
	log    logrus.FieldLogger
}

func newDogStatsd(addr, prefix string, log logrus.FieldLogger) (*dogStatsdRecorder, error) {
	client, err := dogstatsd.New(addr,
		dogstatsd.WithNamespace(prefix+"."),
		dogstatsd.WithoutTelemetry(),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: dogstatsd client: %w", err)
	}
	return &dogStatsdRecorder{client: client, log: log}, nil
}

func (d *dogStatsdRecorder) check(err error) {
	if err != nil {
		d.log.WithError(err).Debug("dogstatsd send failed")
	}
}

func (d *dogStatsdRecorder) Heartbeat(pool string) {
	d.check(d.client.Incr(MetricHeartbeats, []string{"pool:" + pool}, 1))
}

func (d *dogStatsdRecorder) PoolStatus(pool, status string) {
	d.check(d.client.Incr(MetricPoolStatus, []string{"pool:" + pool, "status:" + status}, 1))
}

func (d *dogStatsdRecorder) Selection(op, outcome string, elapsed time.Duration) {
	tags := []string{"op:" + op, "outcome:" + outcome}
	d.check(d.client.Incr(MetricSelections, tags, 1))
	d.check(d.client.Timing(MetricSelectionTime, elapsed, tags, 1))
}

func (d *dogStatsdRecorder) QueueDepth(depth int) {
	d.check(d.client.Gauge(MetricQueueDepth, float64(depth), nil, 1))
}

func (d *dogStatsdRecorder) EventDropped() {
	d.check(d.client.Incr(MetricEventsDropped, nil, 1))
}

func (d *dogStatsdRecorder) Close() error {
	return d.client.Close()
}
