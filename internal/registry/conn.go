package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/courier-chat/courier/pkg/wire"
)

// Connection lifecycle states. Transitions only move forward, from
// Connecting through Open and Closing to Closed.
const (
	StateConnecting int32 = iota
	StateOpen
	StateClosing
	StateClosed
)

var (
	// ErrConnClosed rejects operations on a connection past its lifetime.
	ErrConnClosed = errors.New("connection is closed")
	// ErrSendBufferFull signals backpressure on a connection's outbound queue.
	ErrSendBufferFull = errors.New("connection send buffer full")
)

// Conn is one live transport session owned by the registry. The outbound
// channel is drained by the transport's writer; nothing else reads it.
type Conn struct {
	id          string
	userID      string
	nickname    string
	sendCh      chan wire.Frame
	ctx         context.Context
	cancel      context.CancelFunc
	state       atomic.Int32
	connectedAt time.Time
}

func newConn(userID, nickname string, buffer int) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:          uuid.NewString(),
		userID:      userID,
		nickname:    nickname,
		sendCh:      make(chan wire.Frame, buffer),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
	}
	c.state.Store(StateConnecting)
	return c
}

// ID returns the unique connection id.
func (c *Conn) ID() string { return c.id }

// UserID returns the owning identity.
func (c *Conn) UserID() string { return c.userID }

// Nickname returns the owner's display name.
func (c *Conn) Nickname() string { return c.nickname }

// ConnectedAt returns the registration time.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// Context is cancelled when the connection is torn down.
func (c *Conn) Context() context.Context { return c.ctx }

// Outbound is the frame stream the transport writer drains.
func (c *Conn) Outbound() <-chan wire.Frame { return c.sendCh }

// State reports the current lifecycle state.
func (c *Conn) State() int32 { return c.state.Load() }

// Push enqueues a frame without blocking. A full buffer is reported as
// ErrSendBufferFull; control-path callers treat that as fatal for the
// connection, mirroring the relay's backpressure policy.
func (c *Conn) Push(frame wire.Frame) error {
	if c.state.Load() >= StateClosing {
		return ErrConnClosed
	}
	select {
	case <-c.ctx.Done():
		return ErrConnClosed
	case c.sendCh <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// markOpen transitions the connection out of its handshake state.
func (c *Conn) markOpen() bool {
	return c.state.CompareAndSwap(StateConnecting, StateOpen)
}

// beginClose claims teardown; only one caller wins.
func (c *Conn) beginClose() bool {
	return c.state.CompareAndSwap(StateOpen, StateClosing) ||
		c.state.CompareAndSwap(StateConnecting, StateClosing)
}

func (c *Conn) finishClose() {
	c.state.Store(StateClosed)
	c.cancel()
}
