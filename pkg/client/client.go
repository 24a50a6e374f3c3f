// Package client provides a reconnecting websocket client for the relay.
// It keeps joined rooms across reconnects and reconciles send
// acknowledgements by local reference.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/courier-chat/courier/pkg/wire"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("client is closed")

// Config wires connection parameters and cadence for reconnect attempts.
type Config struct {
	Log               *zap.Logger
	URL               string // websocket endpoint, e.g. ws://host/ws
	Token             string
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

// Client maintains one live relay connection, redialing until its context
// is canceled or Close is called.
type Client struct {
	log               *zap.Logger
	url               string
	token             string
	reconnectInterval time.Duration
	handshakeTimeout  time.Duration
	writeTimeout      time.Duration

	frames chan wire.Frame

	mu      sync.Mutex
	ws      *websocket.Conn
	joined  map[string]struct{}
	pending map[string]chan wire.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a Client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("relay url is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 3 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Client{
		log:               cfg.Log,
		url:               cfg.URL,
		token:             cfg.Token,
		reconnectInterval: cfg.ReconnectInterval,
		handshakeTimeout:  cfg.HandshakeTimeout,
		writeTimeout:      cfg.WriteTimeout,
		frames:            make(chan wire.Frame, 64),
		joined:            make(map[string]struct{}),
		pending:           make(map[string]chan wire.Frame),
		closed:            make(chan struct{}),
	}, nil
}

// Start kicks off the connection loop until ctx is canceled.
func (c *Client) Start(ctx context.Context) {
	go c.loop(ctx)
}

// Frames is the inbound stream of broadcasts, presence and server errors.
// Acknowledgements are consumed internally by Send.
func (c *Client) Frames() <-chan wire.Frame {
	return c.frames
}

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.ws != nil {
			_ = c.ws.Close()
		}
		c.mu.Unlock()
	})
}

// Join subscribes to a room and remembers it for rejoin after reconnects.
func (c *Client) Join(roomID string) error {
	c.mu.Lock()
	c.joined[roomID] = struct{}{}
	c.mu.Unlock()
	return c.write(wire.Frame{Type: wire.TypeJoin, RoomID: roomID})
}

// Leave unsubscribes and forgets the room.
func (c *Client) Leave(roomID string) error {
	c.mu.Lock()
	delete(c.joined, roomID)
	c.mu.Unlock()
	return c.write(wire.Frame{Type: wire.TypeLeave, RoomID: roomID})
}

// Send submits a message and blocks until the relay acknowledges it with
// the authoritative sequence and timestamp, or ctx expires.
func (c *Client) Send(ctx context.Context, roomID, content string) (wire.Frame, error) {
	localRef := uuid.NewString()
	ackCh := make(chan wire.Frame, 1)

	c.mu.Lock()
	c.pending[localRef] = ackCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, localRef)
		c.mu.Unlock()
	}()

	if err := c.write(wire.Frame{Type: wire.TypeSend, RoomID: roomID, Content: content, LocalRef: localRef}); err != nil {
		return wire.Frame{}, err
	}

	select {
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case <-c.closed:
		return wire.Frame{}, ErrClosed
	case ack := <-ackCh:
		return ack, nil
	}
}

func (c *Client) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}

		ws, err := c.dial(ctx)
		if err != nil {
			c.log.Warn("relay dial failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				return
			case <-time.After(c.reconnectInterval):
				continue
			}
		}

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()

		c.rejoin()
		c.session(ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.handshakeTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()
	ws, resp, err := dialer.DialContext(dialCtx, c.url+"?token="+c.token, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return ws, err
}

// rejoin re-subscribes every remembered room after a reconnect.
func (c *Client) rejoin() {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.joined))
	for roomID := range c.joined {
		rooms = append(rooms, roomID)
	}
	c.mu.Unlock()

	for _, roomID := range rooms {
		if err := c.write(wire.Frame{Type: wire.TypeJoin, RoomID: roomID}); err != nil {
			c.log.Warn("rejoin failed", zap.String("room_id", roomID), zap.Error(err))
			return
		}
	}
}

// session reads frames until the connection breaks.
func (c *Client) session(ws *websocket.Conn) {
	for {
		var frame wire.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			select {
			case <-c.closed:
			default:
				c.log.Warn("relay connection lost", zap.Error(err))
			}
			_ = ws.Close()
			return
		}

		if frame.Type == wire.TypeAck && frame.LocalRef != "" {
			c.mu.Lock()
			ackCh := c.pending[frame.LocalRef]
			c.mu.Unlock()
			if ackCh != nil {
				ackCh <- frame
			}
			continue
		}

		select {
		case c.frames <- frame:
		default:
			// Consumer is not keeping up; old frames are recoverable
			// through the history endpoint.
			c.log.Warn("inbound frame dropped", zap.String("type", frame.Type))
		}
	}
}

func (c *Client) write(frame wire.Frame) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return errors.New("not connected")
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(frame)
}
