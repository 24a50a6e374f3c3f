package registry

import (
	"sync"

	"github.com/courier-chat/courier/internal/directory"
)

// Subscriptions is the per-connection room interest table. Membership is
// re-read from the room directory on every join, never cached, so external
// membership changes take effect without a reconnect.
type Subscriptions struct {
	roster directory.Roster

	mu     sync.RWMutex
	byRoom map[string]map[string]*Conn
	byConn map[string]map[string]struct{}
}

// NewSubscriptions builds an empty table backed by the given roster.
func NewSubscriptions(roster directory.Roster) *Subscriptions {
	return &Subscriptions{
		roster: roster,
		byRoom: make(map[string]map[string]*Conn),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join subscribes the connection to the room's live events. Fails with
// directory.ErrNotAMember when the owning identity is not currently in the
// room's member set. Idempotent if already joined.
func (s *Subscriptions) Join(c *Conn, roomID string) error {
	if c.State() >= StateClosing {
		return ErrConnClosed
	}
	members, err := s.roster.MembersOf(roomID)
	if err != nil {
		return err
	}
	member := false
	for _, m := range members {
		if m == c.UserID() {
			member = true
			break
		}
	}
	if !member {
		return directory.ErrNotAMember
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The connection may have started teardown between the membership read
	// and here; a subscription for a closing connection would leak.
	if c.State() >= StateClosing {
		return ErrConnClosed
	}

	room := s.byRoom[roomID]
	if room == nil {
		room = make(map[string]*Conn)
		s.byRoom[roomID] = room
	}
	room[c.ID()] = c

	rooms := s.byConn[c.ID()]
	if rooms == nil {
		rooms = make(map[string]struct{})
		s.byConn[c.ID()] = rooms
	}
	rooms[roomID] = struct{}{}
	return nil
}

// Leave removes the subscription; a no-op when not joined.
func (s *Subscriptions) Leave(c *Conn, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room := s.byRoom[roomID]; room != nil {
		delete(room, c.ID())
		if len(room) == 0 {
			delete(s.byRoom, roomID)
		}
	}
	if rooms := s.byConn[c.ID()]; rooms != nil {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(s.byConn, c.ID())
		}
	}
}

// SubscribersOf returns a snapshot of every connection currently joined to
// the room; this is the router's fan-out target list.
func (s *Subscriptions) SubscribersOf(roomID string) []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room := s.byRoom[roomID]
	out := make([]*Conn, 0, len(room))
	for _, c := range room {
		out = append(out, c)
	}
	return out
}

// Rooms lists the room ids the connection is subscribed to.
func (s *Subscriptions) Rooms(c *Conn) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.byConn[c.ID()]))
	for roomID := range s.byConn[c.ID()] {
		out = append(out, roomID)
	}
	return out
}

// Len returns the total number of live subscriptions across all rooms.
func (s *Subscriptions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, rooms := range s.byConn {
		n += len(rooms)
	}
	return n
}

// DropAll removes every subscription for the connection in one atomic step;
// called by the registry during disconnect.
func (s *Subscriptions) DropAll(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for roomID := range s.byConn[c.ID()] {
		if room := s.byRoom[roomID]; room != nil {
			delete(room, c.ID())
			if len(room) == 0 {
				delete(s.byRoom, roomID)
			}
		}
	}
	delete(s.byConn, c.ID())
}
