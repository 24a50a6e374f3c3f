// Package history serves persisted room messages back to authorized members.
package history

import (
	"context"
	"fmt"
	"math"

	"github.com/courier-chat/courier/internal/directory"
	"github.com/courier-chat/courier/internal/store"
)

// Service reads recent messages for catch-up after reconnects and for the
// initial room view. Authorization is re-read from the roster on every call,
// mirroring the routing path: a past member cannot fetch history.
type Service struct {
	roster       directory.Roster
	store        store.MessageStore
	defaultLimit int
	maxLimit     int
}

// New builds a history service. defaultLimit applies when the caller asks
// for zero messages; maxLimit caps any request.
func New(roster directory.Roster, st store.MessageStore, defaultLimit, maxLimit int) *Service {
	return &Service{roster: roster, store: st, defaultLimit: defaultLimit, maxLimit: maxLimit}
}

// Recent returns up to limit messages of roomID in ascending sequence order,
// ending at the newest. The requesting user must be a current member.
func (s *Service) Recent(ctx context.Context, userID, roomID string, limit int) ([]store.Message, error) {
	members, err := s.roster.MembersOf(roomID)
	if err != nil {
		return nil, err
	}
	if !contains(members, userID) {
		return nil, directory.ErrNotAMember
	}

	if limit <= 0 {
		limit = s.defaultLimit
	}
	if s.maxLimit > 0 && limit > s.maxLimit {
		limit = s.maxLimit
	}
	msgs, err := s.store.Recent(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return msgs, nil
}

// Since returns messages with sequence strictly greater than afterSeq, for
// clients reconciling a gap after a dropped delivery.
func (s *Service) Since(ctx context.Context, userID, roomID string, afterSeq uint64, limit int) ([]store.Message, error) {
	members, err := s.roster.MembersOf(roomID)
	if err != nil {
		return nil, err
	}
	if !contains(members, userID) {
		return nil, directory.ErrNotAMember
	}

	if limit <= 0 {
		limit = s.defaultLimit
	}
	if s.maxLimit > 0 && limit > s.maxLimit {
		limit = s.maxLimit
	}
	if afterSeq == math.MaxUint64 {
		// afterSeq+1 would wrap to zero and the stores treat zero as
		// "from the beginning". Nothing can follow the maximum sequence.
		return nil, nil
	}
	msgs, err := s.store.ReadRange(ctx, roomID, afterSeq+1, limit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return msgs, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
