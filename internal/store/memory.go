package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps per-room logs in process memory. It backs unit tests and
// ephemeral deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string][]Message
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string][]Message)}
}

// Append records the message and assigns the next room sequence.
func (s *MemoryStore) Append(ctx context.Context, roomID, senderID, content string, ts time.Time) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.rooms[roomID]
	msg := Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		Sequence:  uint64(len(log)) + 1,
		Timestamp: ts,
	}
	s.rooms[roomID] = append(log, msg)
	return msg, nil
}

// ReadRange returns up to limit messages starting at fromSeq.
func (s *MemoryStore) ReadRange(ctx context.Context, roomID string, fromSeq uint64, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fromSeq == 0 {
		fromSeq = 1
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.rooms[roomID]
	// Compare in uint64 space; converting a huge fromSeq to int first
	// would wrap negative and defeat the bounds check.
	if fromSeq > uint64(len(log)) || limit <= 0 {
		return nil, nil
	}
	if limit > len(log) {
		limit = len(log)
	}
	end := int(fromSeq) - 1 + limit
	if end > len(log) {
		end = len(log)
	}
	return append([]Message(nil), log[fromSeq-1:end]...), nil
}

// Recent returns the newest limit messages in ascending order.
func (s *MemoryStore) Recent(ctx context.Context, roomID string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.rooms[roomID]
	if limit <= 0 || len(log) == 0 {
		return nil, nil
	}
	start := len(log) - limit
	if start < 0 {
		start = 0
	}
	return append([]Message(nil), log[start:]...), nil
}
