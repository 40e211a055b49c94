package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/poolmanager/internal/cluster"
	"github.com/dreamware/poolmanager/internal/poolmanager"
)

// fakeHandler answers placements synchronously.
type fakeHandler struct {
	mu         sync.Mutex
	heartbeats []cluster.PoolHeartbeat
	hbErr      error
	directions []poolmanager.Direction
}

func (h *fakeHandler) HandleHeartbeat(hb cluster.PoolHeartbeat) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.heartbeats = append(h.heartbeats, hb)
	return h.hbErr == nil, h.hbErr
}

func (h *fakeHandler) answer(dir poolmanager.Direction, msg cluster.SelectPoolRequest, reply *poolmanager.PendingReply) *poolmanager.SelectionRequest {
	h.mu.Lock()
	h.directions = append(h.directions, dir)
	h.mu.Unlock()
	req := poolmanager.NewSelectionRequest(dir, msg, reply)
	reply.Complete(cluster.SelectPoolReply{RequestID: req.ID, Pool: "p-" + string(dir) + "-" + msg.FileAttributes.StorageClass})
	return req
}

func (h *fakeHandler) SelectWritePool(msg cluster.SelectPoolRequest, reply *poolmanager.PendingReply) *poolmanager.SelectionRequest {
	return h.answer(poolmanager.DirectionWrite, msg, reply)
}

func (h *fakeHandler) SelectReadPool(msg cluster.SelectPoolRequest, reply *poolmanager.PendingReply) *poolmanager.SelectionRequest {
	return h.answer(poolmanager.DirectionRead, msg, reply)
}

// fakeConn records published messages and answers requests through a
// Server, the way a NATS server would route them.
type fakeConn struct {
	mu        sync.Mutex
	published map[string][][]byte
	server    *Server
	err       error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.published == nil {
		c.published = map[string][][]byte{}
	}
	c.published[subject] = append(c.published[subject], data)
	return nil
}

func (c *fakeConn) RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	out := make(chan []byte, 1)
	respond := func(b []byte) error { out <- b; return nil }
	switch subject {
	case SubjectSelectWrite:
		c.server.HandleSelect(poolmanager.DirectionWrite, data, respond)
	case SubjectSelectRead:
		c.server.HandleSelect(poolmanager.DirectionRead, data, respond)
	default:
		return nil, nats.ErrNoResponders
	}
	select {
	case b := <-out:
		return &nats.Msg{Subject: subject, Data: b}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestServer(h Handler) *Server {
	log, _ := test.NewNullLogger()
	return NewServer(h, log)
}

func TestHandleHeartbeat(t *testing.T) {
	h := &fakeHandler{}
	s := newTestServer(h)

	data, err := json.Marshal(cluster.PoolHeartbeat{Name: "p1", Serial: 3})
	require.NoError(t, err)

	var ack HeartbeatAck
	s.HandleHeartbeat(data, func(b []byte) error { return json.Unmarshal(b, &ack) })
	assert.True(t, ack.Changed)
	assert.Empty(t, ack.Error)
	require.Len(t, h.heartbeats, 1)
	assert.Equal(t, "p1", h.heartbeats[0].Name)

	// Without a reply subject nothing is sent back.
	s.HandleHeartbeat(data, nil)
	assert.Len(t, h.heartbeats, 2)
}

func TestHandleHeartbeatErrors(t *testing.T) {
	h := &fakeHandler{hbErr: errors.New("invalid heartbeat: missing pool name")}
	s := newTestServer(h)

	var ack HeartbeatAck
	s.HandleHeartbeat([]byte(`{"name":""}`), func(b []byte) error { return json.Unmarshal(b, &ack) })
	assert.False(t, ack.Changed)
	assert.Contains(t, ack.Error, "missing pool name")

	s.HandleHeartbeat([]byte(`{not json`), func(b []byte) error { return json.Unmarshal(b, &ack) })
	assert.Equal(t, "malformed heartbeat", ack.Error)
	assert.Len(t, h.heartbeats, 1)
}

func TestHandleSelect(t *testing.T) {
	h := &fakeHandler{}
	s := newTestServer(h)

	data, err := json.Marshal(cluster.SelectPoolRequest{FileAttributes: cluster.FileAttributes{StorageClass: "raw"}})
	require.NoError(t, err)

	var reply cluster.SelectPoolReply
	s.HandleSelect(poolmanager.DirectionRead, data, func(b []byte) error { return json.Unmarshal(b, &reply) })
	assert.Equal(t, "p-read-raw", reply.Pool)
	assert.NotEmpty(t, reply.RequestID)

	s.HandleSelect(poolmanager.DirectionWrite, data, nil)
	assert.Equal(t, []poolmanager.Direction{poolmanager.DirectionRead}, h.directions, "no reply subject, no work")
}

func TestHandleSelectMalformed(t *testing.T) {
	h := &fakeHandler{}
	s := newTestServer(h)

	var reply cluster.SelectPoolReply
	s.HandleSelect(poolmanager.DirectionWrite, []byte("nope"), func(b []byte) error { return json.Unmarshal(b, &reply) })
	assert.Equal(t, poolmanager.CodeUnexpected, reply.Code)
	assert.Contains(t, reply.Message, "malformed request")
	assert.Empty(t, h.directions)
}

func TestClientRoundTrip(t *testing.T) {
	h := &fakeHandler{}
	conn := &fakeConn{server: newTestServer(h)}
	c := NewClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := c.SelectWritePool(ctx, cluster.SelectPoolRequest{FileAttributes: cluster.FileAttributes{StorageClass: "raw"}})
	require.NoError(t, err)
	assert.Equal(t, "p-write-raw", reply.Pool)

	reply, err = c.SelectReadPool(ctx, cluster.SelectPoolRequest{FileAttributes: cluster.FileAttributes{StorageClass: "raw"}})
	require.NoError(t, err)
	assert.Equal(t, "p-read-raw", reply.Pool)

	require.NoError(t, c.SendHeartbeat(cluster.PoolHeartbeat{Name: "p1", Serial: 1}))
	require.Len(t, conn.published[SubjectHeartbeat], 1)
	var hb cluster.PoolHeartbeat
	require.NoError(t, json.Unmarshal(conn.published[SubjectHeartbeat][0], &hb))
	assert.Equal(t, "p1", hb.Name)
}

func TestContainerNotifier(t *testing.T) {
	log, hook := test.NewNullLogger()
	conn := &fakeConn{}
	n := NewContainerNotifier(conn, "", log)

	n.PoolStatusChanged("p1", cluster.PoolStatusDown)
	require.Len(t, conn.published[SubjectContainer], 1)
	var ev ContainerEvent
	require.NoError(t, json.Unmarshal(conn.published[SubjectContainer][0], &ev))
	assert.Equal(t, "p1", ev.Pool)
	assert.Equal(t, cluster.PoolStatusDown, ev.Status)

	conn.err = errors.New("not connected")
	n.PoolStatusChanged("p1", cluster.PoolStatusUp)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "failed to notify request container", hook.LastEntry().Message)
}
