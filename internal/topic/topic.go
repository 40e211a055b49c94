// Package topic publishes pool manager status messages to one or more sinks.
//
// Supported sinks:
//   - nats: JSON messages on a NATS subject
//   - kafka: JSON messages on a Kafka topic, keyed by message kind
//   - webhook: JSON POST to an HTTP endpoint
//   - log: structured log lines
//
// A Topic fans each message out to every configured sink. A failing sink
// does not keep the message from the others.
package topic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/poolmanager/internal/cluster"
)

const (
	SinkNATS    = "nats"
	SinkKafka   = "kafka"
	SinkWebhook = "webhook"
	SinkLog     = "log"

	DefaultSubject = "poolmanager.status"
)

// Message is the envelope every sink receives.
type Message struct {
	Kind    string    `json:"kind"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Sink delivers messages to one destination.
type Sink interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// SinkConfig configures one sink.
type SinkConfig struct {
	Type string `yaml:"type"`
	// URL is the NATS server (nats, optional when a shared connection is
	// given) or the endpoint (webhook).
	URL string `yaml:"url"`
	// Subject is the NATS subject.
	Subject string `yaml:"subject"`
	// Brokers and Topic configure the kafka sink.
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Config lists the sinks of a Topic.
type Config struct {
	Sinks []SinkConfig `yaml:"sinks"`
}

// Topic fans messages out to its sinks. It implements
// poolmanager.Publisher.
type Topic struct {
	sinks []Sink
	names []string
	log   logrus.FieldLogger
}

// New builds a Topic from cfg. nc, if not nil, is used by nats sinks that do
// not name their own server.
func New(cfg Config, nc *nats.Conn, log logrus.FieldLogger) (*Topic, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	t := &Topic{log: log.WithField("component", "topic")}
	for _, sc := range cfg.Sinks {
		s, err := newSink(sc, nc, log)
		if err != nil {
			_ = t.Close()
			return nil, err
		}
		t.Add(sc.Type, s)
	}
	return t, nil
}

func newSink(sc SinkConfig, nc *nats.Conn, log logrus.FieldLogger) (Sink, error) {
	switch strings.ToLower(sc.Type) {
	case SinkNATS:
		subject := sc.Subject
		if subject == "" {
			subject = DefaultSubject
		}
		if sc.URL != "" {
			own, err := nats.Connect(sc.URL,
				nats.Name("poolmanager-topic"),
				nats.RetryOnFailedConnect(true),
				nats.MaxReconnects(-1),
				nats.ReconnectWait(2*time.Second))
			if err != nil {
				return nil, fmt.Errorf("topic: connect to %s: %w", sc.URL, err)
			}
			return &natsSink{conn: own, subject: subject, owned: true}, nil
		}
		if nc == nil {
			return nil, errors.New("topic: nats sink needs a url or a shared connection")
		}
		return NewNATSSink(nc, subject), nil
	case SinkKafka:
		if len(sc.Brokers) == 0 || sc.Topic == "" {
			return nil, errors.New("topic: kafka sink needs brokers and a topic")
		}
		return NewKafkaSink(sc.Brokers, sc.Topic), nil
	case SinkWebhook:
		if sc.URL == "" {
			return nil, errors.New("topic: webhook sink needs a url")
		}
		return NewWebhookSink(sc.URL), nil
	case SinkLog:
		return NewLogSink(log), nil
	}
	return nil, fmt.Errorf("topic: unknown sink type %q", sc.Type)
}

// Add appends a sink.
func (t *Topic) Add(name string, s Sink) {
	t.sinks = append(t.sinks, s)
	t.names = append(t.names, name)
}

// Len returns the number of sinks.
func (t *Topic) Len() int {
	return len(t.sinks)
}

// Publish sends one message to every sink and returns the joined errors of
// the sinks that failed.
func (t *Topic) Publish(ctx context.Context, kind string, payload any) error {
	msg := Message{Kind: kind, Time: time.Now().UTC(), Payload: payload}
	var errs []error
	for i, s := range t.sinks {
		if err := s.Send(ctx, msg); err != nil {
			t.log.WithError(err).WithFields(logrus.Fields{"sink": t.names[i], "kind": kind}).
				Debug("sink rejected message")
			errs = append(errs, fmt.Errorf("%s: %w", t.names[i], err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (t *Topic) Close() error {
	var errs []error
	for _, s := range t.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type natsSink struct {
	conn    *nats.Conn
	subject string
	owned   bool
}

// NewNATSSink publishes on subject over an existing connection, which the
// sink does not close.
func NewNATSSink(nc *nats.Conn, subject string) Sink {
	return &natsSink{conn: nc, subject: subject}
}

func (s *natsSink) Send(_ context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.subject+"."+msg.Kind, data)
}

func (s *natsSink) Close() error {
	if s.owned {
		return s.conn.Drain()
	}
	return nil
}

type kafkaSink struct {
	w *kafka.Writer
}

// NewKafkaSink writes to topic on brokers. Messages are keyed by kind.
func NewKafkaSink(brokers []string, topic string) Sink {
	return &kafkaSink{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

func (s *kafkaSink) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.w.WriteMessages(ctx, kafka.Message{Key: []byte(msg.Kind), Value: data})
}

func (s *kafkaSink) Close() error {
	return s.w.Close()
}

type webhookSink struct {
	url string
}

// NewWebhookSink POSTs every message as JSON to url.
func NewWebhookSink(url string) Sink {
	return &webhookSink{url: url}
}

func (s *webhookSink) Send(ctx context.Context, msg Message) error {
	return cluster.PostJSON(ctx, s.url, msg, nil)
}

func (s *webhookSink) Close() error { return nil }

type logSink struct {
	log logrus.FieldLogger
}

// NewLogSink writes every message to log at info level.
func NewLogSink(log logrus.FieldLogger) Sink {
	return &logSink{log: log.WithField("component", "status")}
}

func (s *logSink) Send(_ context.Context, msg Message) error {
	fields := logrus.Fields{"kind": msg.Kind}
	if ev, ok := msg.Payload.(cluster.PoolStatusEvent); ok {
		fields["pool"] = ev.Pool
		fields["status"] = ev.Status
		if ev.Code != 0 {
			fields["code"] = ev.Code
		}
	}
	s.log.WithFields(fields).Info("status")
	return nil
}

func (s *logSink) Close() error { return nil }
