// Package bus carries pool manager traffic over NATS.
//
// Subjects:
//
//	poolmanager.heartbeat      pool → manager, PoolHeartbeat (optional reply)
//	poolmanager.select.write   client → manager request/reply, SelectPoolRequest
//	poolmanager.select.read    client → manager request/reply, SelectPoolRequest
//	poolmanager.container      manager → request container, ContainerEvent
//
// Every subscription delivers on its own goroutine in arrival order, so
// heartbeats from one pool are applied in the order they were sent.
// Placement requests are answered from the pool manager's workers through
// the message's reply subject.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/dreamware/poolmanager/internal/cluster"
	"github.com/dreamware/poolmanager/internal/poolmanager"
)

const (
	SubjectHeartbeat   = "poolmanager.heartbeat"
	SubjectSelectWrite = "poolmanager.select.write"
	SubjectSelectRead  = "poolmanager.select.read"
	SubjectContainer   = "poolmanager.container"
)

// Handler is the pool manager as seen by the transport.
type Handler interface {
	HandleHeartbeat(hb cluster.PoolHeartbeat) (bool, error)
	SelectWritePool(msg cluster.SelectPoolRequest, reply *poolmanager.PendingReply) *poolmanager.SelectionRequest
	SelectReadPool(msg cluster.SelectPoolRequest, reply *poolmanager.PendingReply) *poolmanager.SelectionRequest
}

// Publisher is the part of *nats.Conn used to send messages.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// HeartbeatAck answers a heartbeat sent as a request.
type HeartbeatAck struct {
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

// Connect dials a NATS server and keeps reconnecting for as long as the
// process lives.
func Connect(url, name string, log logrus.FieldLogger) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	)
}

// Server subscribes the pool manager to its NATS subjects.
type Server struct {
	handler Handler
	log     logrus.FieldLogger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewServer creates a server for handler.
func NewServer(handler Handler, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{handler: handler, log: log.WithField("component", "bus")}
}

// Start subscribes to the heartbeat and selection subjects on nc. A queue
// group lets several pool manager replicas share placement traffic; the
// heartbeat subscription is never grouped so every replica sees every pool.
func (s *Server) Start(nc *nats.Conn, queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hb, err := nc.Subscribe(SubjectHeartbeat, func(m *nats.Msg) {
		s.HandleHeartbeat(m.Data, replier(m))
	})
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", SubjectHeartbeat, err)
	}
	s.subs = append(s.subs, hb)

	for subject, dir := range map[string]poolmanager.Direction{
		SubjectSelectWrite: poolmanager.DirectionWrite,
		SubjectSelectRead:  poolmanager.DirectionRead,
	} {
		dir := dir
		sub, err := nc.QueueSubscribe(subject, queue, func(m *nats.Msg) {
			s.HandleSelect(dir, m.Data, replier(m))
		})
		if err != nil {
			s.unsubscribeLocked()
			return fmt.Errorf("bus: subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.log.WithField("queue", queue).Info("listening on nats")
	return nil
}

// Stop drains all subscriptions.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribeLocked()
}

func (s *Server) unsubscribeLocked() {
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			s.log.WithError(err).WithField("subject", sub.Subject).Debug("drain failed")
		}
	}
	s.subs = nil
}

func replier(m *nats.Msg) func([]byte) error {
	if m.Reply == "" {
		return nil
	}
	return m.Respond
}

// HandleHeartbeat applies one encoded heartbeat. respond may be nil.
func (s *Server) HandleHeartbeat(data []byte, respond func([]byte) error) {
	var hb cluster.PoolHeartbeat
	var ack HeartbeatAck
	if err := json.Unmarshal(data, &hb); err != nil {
		s.log.WithError(err).Warn("malformed heartbeat")
		ack.Error = "malformed heartbeat"
	} else if changed, err := s.handler.HandleHeartbeat(hb); err != nil {
		s.log.WithError(err).WithField("pool", hb.Name).Warn("heartbeat rejected")
		ack.Error = err.Error()
	} else {
		ack.Changed = changed
	}
	if respond != nil {
		s.respond(respond, ack)
	}
}

// HandleSelect queues one encoded placement request. The reply is sent with
// respond once a worker has answered. Requests without a reply address are
// dropped.
func (s *Server) HandleSelect(dir poolmanager.Direction, data []byte, respond func([]byte) error) {
	if respond == nil {
		s.log.WithField("direction", dir).Warn("placement request without reply subject dropped")
		return
	}
	var msg cluster.SelectPoolRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.WithError(err).Warn("malformed placement request")
		s.respond(respond, cluster.SelectPoolReply{
			Code:    poolmanager.CodeUnexpected,
			Kind:    poolmanager.KindInternal.String(),
			Message: "malformed request: " + err.Error(),
		})
		return
	}
	reply := poolmanager.NewPendingReply(func(r cluster.SelectPoolReply) {
		s.respond(respond, r)
	})
	if dir == poolmanager.DirectionRead {
		s.handler.SelectReadPool(msg, reply)
		return
	}
	s.handler.SelectWritePool(msg, reply)
}

func (s *Server) respond(respond func([]byte) error, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.WithError(err).Error("cannot encode reply")
		return
	}
	if err := respond(data); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.log.WithError(err).Warn("failed to send reply")
	}
}

// ContainerEvent tells the request container that a pool went up or down.
type ContainerEvent struct {
	Pool   string             `json:"pool"`
	Status cluster.PoolStatus `json:"status"`
	Time   time.Time          `json:"time"`
}

// ContainerNotifier forwards pool status changes to the request container
// over NATS. It implements poolmanager.RequestContainer.
type ContainerNotifier struct {
	pub     Publisher
	subject string
	log     logrus.FieldLogger
}

var _ poolmanager.RequestContainer = (*ContainerNotifier)(nil)

// NewContainerNotifier publishes on subject (SubjectContainer if empty).
func NewContainerNotifier(pub Publisher, subject string, log logrus.FieldLogger) *ContainerNotifier {
	if subject == "" {
		subject = SubjectContainer
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ContainerNotifier{pub: pub, subject: subject, log: log.WithField("component", "container")}
}

// PoolStatusChanged publishes the change. Failures are logged.
func (c *ContainerNotifier) PoolStatusChanged(name string, status cluster.PoolStatus) {
	data, err := json.Marshal(ContainerEvent{Pool: name, Status: status, Time: time.Now().UTC()})
	if err != nil {
		c.log.WithError(err).Error("cannot encode container event")
		return
	}
	if err := c.pub.Publish(c.subject, data); err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"pool": name, "status": status}).
			Warn("failed to notify request container")
	}
}
