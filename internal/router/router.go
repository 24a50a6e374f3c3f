// Package router implements the message path of the relay: validation,
// membership checks, sequence assignment via the message store, and fan-out
// to every live subscriber of the destination room.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/courier-chat/courier/internal/directory"
	"github.com/courier-chat/courier/internal/registry"
	"github.com/courier-chat/courier/internal/store"
	"github.com/courier-chat/courier/pkg/wire"
)

var (
	// ErrEmptyMessage rejects messages with no content.
	ErrEmptyMessage = errors.New("router: empty message")
	// ErrMessageTooLarge rejects messages over the configured size limit.
	ErrMessageTooLarge = errors.New("router: message too large")
)

// Stats receives routing counters. Implementations must be safe for
// concurrent use. A nil Stats disables instrumentation.
type Stats interface {
	MessageRouted(roomID string)
	DeliveryDropped(roomID string)
}

// Config carries the router's collaborators.
type Config struct {
	Log             *zap.Logger
	Roster          directory.Roster
	Store           store.MessageStore
	Subs            *registry.Subscriptions
	MaxMessageBytes int
	Stats           Stats
}

// Router serializes message admission per room. Within one room, sequence
// assignment, the store append and the fan-out enqueue happen under a single
// room mutex, so subscribers observe messages in sequence order. Enqueueing
// is a buffered channel send, never network I/O; the per-connection writer
// drains the queue to the socket outside the critical section.
type Router struct {
	log      *zap.Logger
	roster   directory.Roster
	store    store.MessageStore
	subs     *registry.Subscriptions
	maxBytes int
	stats    Stats

	mu    sync.Mutex
	rooms map[string]*sync.Mutex
}

// New builds a Router from cfg.
func New(cfg Config) *Router {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		log:      log,
		roster:   cfg.Roster,
		store:    cfg.Store,
		subs:     cfg.Subs,
		maxBytes: cfg.MaxMessageBytes,
		stats:    cfg.Stats,
		rooms:    make(map[string]*sync.Mutex),
	}
}

// Route admits one message from sender into roomID. On success the persisted
// message is returned, a delivery acknowledgement is queued on the sending
// connection, and a broadcast is queued on every other subscribed connection
// exactly once, including the sender's other devices.
//
// Membership is re-read from the roster on every call; a connection that was
// removed from the room after subscribing is refused with
// directory.ErrNotAMember. Failures are returned before any sequence number
// is assigned, so a failed send never leaves a gap and a retry simply claims
// the next sequence.
func (r *Router) Route(ctx context.Context, sender *registry.Conn, roomID, content, localRef string) (store.Message, error) {
	if content == "" {
		return store.Message{}, ErrEmptyMessage
	}
	if r.maxBytes > 0 && len(content) > r.maxBytes {
		return store.Message{}, ErrMessageTooLarge
	}

	lock := r.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	members, err := r.roster.MembersOf(roomID)
	if err != nil {
		return store.Message{}, err
	}
	if !contains(members, sender.UserID()) {
		return store.Message{}, directory.ErrNotAMember
	}

	msg, err := r.store.Append(ctx, roomID, sender.UserID(), content, time.Now().UTC())
	if err != nil {
		return store.Message{}, fmt.Errorf("append message: %w", err)
	}

	// Snapshot taken at append completion. Connections subscribing after
	// this point catch up through history instead.
	fanout := r.subs.SubscribersOf(roomID)

	if err := sender.Push(wire.AckFrame(localRef, roomID, msg.Sequence, msg.Timestamp)); err != nil {
		// The sender's queue is full or the connection is gone. The
		// message is already persisted; the reader loop will tear the
		// connection down and the client reconciles via history.
		r.log.Warn("ack not delivered",
			zap.String("conn_id", sender.ID()),
			zap.String("room_id", roomID),
			zap.Error(err))
	}

	frame := wire.MessageFrame(wire.Message{
		ID:         msg.ID,
		RoomID:     msg.RoomID,
		SenderID:   msg.SenderID,
		SenderName: sender.Nickname(),
		Content:    msg.Content,
		Sequence:   msg.Sequence,
		Timestamp:  msg.Timestamp,
	})
	for _, c := range fanout {
		if c.ID() == sender.ID() {
			continue
		}
		if err := c.Push(frame); err != nil {
			// Dropped for this connection only. The recipient is
			// expected to catch up through the history endpoint.
			if r.stats != nil {
				r.stats.DeliveryDropped(roomID)
			}
			r.log.Warn("broadcast dropped",
				zap.String("conn_id", c.ID()),
				zap.String("room_id", roomID),
				zap.Uint64("sequence", msg.Sequence),
				zap.Error(err))
		}
	}

	if r.stats != nil {
		r.stats.MessageRouted(roomID)
	}
	return msg, nil
}

func (r *Router) roomLock(roomID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.rooms[roomID]
	if !ok {
		lock = &sync.Mutex{}
		r.rooms[roomID] = lock
	}
	return lock
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
