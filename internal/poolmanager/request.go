package poolmanager

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/poolmanager/internal/cluster"
)

// Direction tells the Router which selection to run.
type Direction string

const (
	DirectionWrite Direction = "write"
	DirectionRead  Direction = "read"
)

// PendingReply is the caller's handle for the answer to one placement
// request. It delivers at most one reply; later completions are ignored and
// reported as not delivered.
type PendingReply struct {
	once    sync.Once
	mu      sync.Mutex
	done    bool
	deliver func(cluster.SelectPoolReply)
}

// NewPendingReply wraps deliver, which is called at most once.
func NewPendingReply(deliver func(cluster.SelectPoolReply)) *PendingReply {
	return &PendingReply{deliver: deliver}
}

// NewChannelReply returns a PendingReply whose answer arrives on the returned
// channel. The channel is buffered so completion never blocks.
func NewChannelReply() (*PendingReply, <-chan cluster.SelectPoolReply) {
	ch := make(chan cluster.SelectPoolReply, 1)
	return NewPendingReply(func(r cluster.SelectPoolReply) { ch <- r }), ch
}

// Complete delivers reply if nothing has been delivered yet and reports
// whether this call was the one that did.
func (p *PendingReply) Complete(reply cluster.SelectPoolReply) bool {
	delivered := false
	p.once.Do(func() {
		p.mu.Lock()
		p.done = true
		p.mu.Unlock()
		p.deliver(reply)
		delivered = true
	})
	return delivered
}

// Completed reports whether a reply has been delivered.
func (p *PendingReply) Completed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// SelectionRequest is one inbound placement ask.
type SelectionRequest struct {
	ID             string
	Direction      Direction
	FileAttributes cluster.FileAttributes
	ProtocolInfo   cluster.ProtocolInfo
	LinkGroup      string
	Preallocated   int64
	SkipCostUpdate bool
	Received       time.Time

	reply *PendingReply
}

// NewSelectionRequest builds a request from the bus message and the caller's
// reply handle.
func NewSelectionRequest(dir Direction, msg cluster.SelectPoolRequest, reply *PendingReply) *SelectionRequest {
	return &SelectionRequest{
		ID:             uuid.NewString(),
		Direction:      dir,
		FileAttributes: msg.FileAttributes,
		ProtocolInfo:   msg.ProtocolInfo,
		LinkGroup:      msg.LinkGroup,
		Preallocated:   msg.PreallocatedSize,
		SkipCostUpdate: msg.SkipCostUpdate,
		Received:       time.Now(),
		reply:          reply,
	}
}

// Reply returns the request's reply handle.
func (r *SelectionRequest) Reply() *PendingReply {
	return r.reply
}

func (r *SelectionRequest) succeed(p Placement) bool {
	return r.reply.Complete(cluster.SelectPoolReply{
		RequestID: r.ID,
		Pool:      p.Pool,
		Address:   p.Address,
	})
}

func (r *SelectionRequest) fail(err *SelectionError) bool {
	return r.reply.Complete(cluster.SelectPoolReply{
		RequestID: r.ID,
		Code:      err.Code,
		Kind:      err.Kind.String(),
		Message:   err.Message,
	})
}
