// Package registry tracks which identities are currently reachable and which
// rooms each live connection has joined. It is the single owner of Conn
// lifecycles: a connection exists between Connect and Disconnect and nowhere
// else.
package registry

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrRegistryFull rejects new connections once the configured capacity is
// reached. Existing connections are unaffected.
var ErrRegistryFull = errors.New("connection registry at capacity")

// Registry is the live mapping from identity to its open connections.
type Registry struct {
	log        *zap.Logger
	limit      int
	sendBuffer int
	subs       *Subscriptions

	mu     sync.RWMutex
	conns  map[string]*Conn
	byUser map[string]map[string]*Conn
}

// Config wires the registry.
type Config struct {
	Log        *zap.Logger
	Limit      int // zero means unbounded
	SendBuffer int
	Subs       *Subscriptions
}

// New constructs the registry.
func New(cfg Config) *Registry {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	return &Registry{
		log:        cfg.Log,
		limit:      cfg.Limit,
		sendBuffer: cfg.SendBuffer,
		subs:       cfg.Subs,
		conns:      make(map[string]*Conn),
		byUser:     make(map[string]map[string]*Conn),
	}
}

// Connect registers a new live connection for the identity. The second
// return value reports whether this made the identity online.
func (r *Registry) Connect(userID, nickname string) (*Conn, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit > 0 && len(r.conns) >= r.limit {
		return nil, false, ErrRegistryFull
	}

	c := newConn(userID, nickname, r.sendBuffer)
	c.markOpen()
	r.conns[c.id] = c
	perUser := r.byUser[userID]
	if perUser == nil {
		perUser = make(map[string]*Conn)
		r.byUser[userID] = perUser
	}
	first := len(perUser) == 0
	perUser[c.id] = c

	r.log.Info("connection registered",
		zap.String("conn_id", c.id),
		zap.String("user_id", userID),
		zap.Bool("first", first))
	return c, first, nil
}

// Disconnect removes the connection and all its subscriptions. It is
// idempotent; the return value reports whether the identity went offline.
// Subscriptions are dropped in one step before the connection context is
// cancelled, so no concurrent route observes a half-cleaned connection.
func (r *Registry) Disconnect(c *Conn) bool {
	if c == nil || !c.beginClose() {
		return false
	}

	if r.subs != nil {
		r.subs.DropAll(c)
	}

	r.mu.Lock()
	delete(r.conns, c.id)
	perUser := r.byUser[c.userID]
	delete(perUser, c.id)
	last := len(perUser) == 0
	if last {
		delete(r.byUser, c.userID)
	}
	r.mu.Unlock()

	c.finishClose()
	r.log.Info("connection removed",
		zap.String("conn_id", c.id),
		zap.String("user_id", c.userID),
		zap.Bool("last", last))
	return last
}

// ConnectionsFor returns a point-in-time snapshot of the identity's live
// connections.
func (r *Registry) ConnectionsFor(userID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	perUser := r.byUser[userID]
	out := make([]*Conn, 0, len(perUser))
	for _, c := range perUser {
		out = append(out, c)
	}
	return out
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether the identity has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Drain disconnects every connection; used at shutdown.
func (r *Registry) Drain() {
	for _, c := range r.All() {
		r.Disconnect(c)
	}
}
