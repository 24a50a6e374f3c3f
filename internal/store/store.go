// Package store is the append-only message log backing the relay. A message
// exists once Append returns; the sequence number it carries is assigned by
// the store at acceptance time and is strictly increasing per room.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyRoom marks reads against a room with no history.
var ErrEmptyRoom = errors.New("room has no messages")

// Message is one immutable chat entry. Sequence is scoped to the room.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageStore is the abstract append-only boundary consumed by the router
// and history service.
type MessageStore interface {
	// Append durably records a message and assigns the room's next sequence
	// number. A failed append assigns nothing; retrying the same content is
	// safe.
	Append(ctx context.Context, roomID, senderID, content string, ts time.Time) (Message, error)
	// ReadRange returns up to limit messages starting at fromSeq, ascending.
	ReadRange(ctx context.Context, roomID string, fromSeq uint64, limit int) ([]Message, error)
	// Recent returns the newest limit messages in ascending sequence order.
	Recent(ctx context.Context, roomID string, limit int) ([]Message, error)
}
