package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/dreamware/poolmanager/internal/cluster"
)

// Requester is the part of *nats.Conn used for request/reply.
type Requester interface {
	Publisher
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

// Client talks to a pool manager over NATS. Pools use it to send
// heartbeats; doors use it to ask for placements.
type Client struct {
	conn Requester
}

// NewClient wraps a NATS connection.
func NewClient(conn Requester) *Client {
	return &Client{conn: conn}
}

// SendHeartbeat publishes hb without waiting for an acknowledgement.
func (c *Client) SendHeartbeat(hb cluster.PoolHeartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return c.conn.Publish(SubjectHeartbeat, data)
}

// SelectWritePool asks for a pool to write to.
func (c *Client) SelectWritePool(ctx context.Context, req cluster.SelectPoolRequest) (cluster.SelectPoolReply, error) {
	return c.request(ctx, SubjectSelectWrite, req)
}

// SelectReadPool asks for a pool to read from.
func (c *Client) SelectReadPool(ctx context.Context, req cluster.SelectPoolRequest) (cluster.SelectPoolReply, error) {
	return c.request(ctx, SubjectSelectRead, req)
}

func (c *Client) request(ctx context.Context, subject string, req cluster.SelectPoolRequest) (cluster.SelectPoolReply, error) {
	var reply cluster.SelectPoolReply
	data, err := json.Marshal(req)
	if err != nil {
		return reply, err
	}
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return reply, fmt.Errorf("bus: %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return reply, fmt.Errorf("bus: malformed reply on %s: %w", subject, err)
	}
	return reply, nil
}
