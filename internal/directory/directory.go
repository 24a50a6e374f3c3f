package directory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes two-party chats from groups.
type Kind string

const (
	KindPrivate Kind = "private"
	KindGroup   Kind = "group"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrNotAMember   = errors.New("not a member of the room")
	ErrSelfChat     = errors.New("cannot create a chat with yourself")
	ErrNameTooShort = errors.New("group name must be at least 3 characters")
	ErrNotCreator   = errors.New("only the group creator may delete it")
	ErrFixedMembers = errors.New("private chat membership is fixed")
	ErrLastMember   = errors.New("cannot remove the last member")
)

// Room is a conversation context. Members is kept in insertion order; for
// private rooms it is always exactly the two participants.
type Room struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Name      string    `json:"name,omitempty"`
	CreatorID string    `json:"creator_id,omitempty"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// Roster is the read contract the routing core consumes. Membership is
// re-read on every join and send rather than cached, so mutations take
// effect without subscribers reconnecting.
type Roster interface {
	MembersOf(roomID string) ([]string, error)
	KindOf(roomID string) (Kind, error)
}

// Directory holds room membership in memory and snapshots it to a JSON file
// on every mutation when a path is configured.
type Directory struct {
	path  string
	mu    sync.RWMutex
	rooms map[string]Room
	nowFn func() time.Time
}

type directoryFile struct {
	Version int    `json:"version"`
	Rooms   []Room `json:"rooms"`
}

// New loads the directory snapshot at path, or starts empty when path is ""
// or the file does not exist.
func New(path string) (*Directory, error) {
	d := &Directory{
		path:  path,
		rooms: make(map[string]Room),
		nowFn: time.Now,
	}
	if path == "" {
		return d, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return d, nil
		}
		return nil, fmt.Errorf("read directory snapshot %s: %w", path, err)
	}
	var file directoryFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse directory snapshot %s: %w", path, err)
	}
	for _, room := range file.Rooms {
		d.rooms[room.ID] = room
	}
	return d, nil
}

// MembersOf returns a copy of the room's member identity set.
func (d *Directory) MembersOf(roomID string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	room, ok := d.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return append([]string(nil), room.Members...), nil
}

// KindOf reports whether the room is a private chat or a group.
func (d *Directory) KindOf(roomID string) (Kind, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	room, ok := d.rooms[roomID]
	if !ok {
		return "", ErrRoomNotFound
	}
	return room.Kind, nil
}

// Room fetches a room by id.
func (d *Directory) Room(roomID string) (Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	room, ok := d.rooms[roomID]
	if ok {
		room.Members = append([]string(nil), room.Members...)
	}
	return room, ok
}

// IsMember reports whether userID currently belongs to the room.
func (d *Directory) IsMember(roomID, userID string) bool {
	members, err := d.MembersOf(roomID)
	if err != nil {
		return false
	}
	for _, m := range members {
		if m == userID {
			return true
		}
	}
	return false
}

// RoomsFor lists every room the user belongs to, newest first.
func (d *Directory) RoomsFor(userID string) []Room {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Room
	for _, room := range d.rooms {
		for _, m := range room.Members {
			if m == userID {
				cp := room
				cp.Members = append([]string(nil), room.Members...)
				out = append(out, cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// CreatePrivate returns the existing private chat between the two users or
// creates one. The participant pair is unique regardless of order.
func (d *Directory) CreatePrivate(userA, userB string) (Room, error) {
	if userA == userB {
		return Room{}, ErrSelfChat
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, room := range d.rooms {
		if room.Kind == KindPrivate && samePair(room.Members, userA, userB) {
			room.Members = append([]string(nil), room.Members...)
			return room, nil
		}
	}

	room := Room{
		ID:        uuid.NewString(),
		Kind:      KindPrivate,
		Members:   []string{userA, userB},
		CreatedAt: d.nowFn(),
	}
	d.rooms[room.ID] = room
	if err := d.saveLocked(); err != nil {
		delete(d.rooms, room.ID)
		return Room{}, err
	}
	return room, nil
}

// CreateGroup creates a group with the creator as its first member.
func (d *Directory) CreateGroup(name, creatorID string) (Room, error) {
	name = strings.TrimSpace(name)
	if len(name) < 3 {
		return Room{}, ErrNameTooShort
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	room := Room{
		ID:        uuid.NewString(),
		Kind:      KindGroup,
		Name:      name,
		CreatorID: creatorID,
		Members:   []string{creatorID},
		CreatedAt: d.nowFn(),
	}
	d.rooms[room.ID] = room
	if err := d.saveLocked(); err != nil {
		delete(d.rooms, room.ID)
		return Room{}, err
	}
	return room, nil
}

// AddMember appends a user to a group's member set; idempotent.
func (d *Directory) AddMember(roomID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, ok := d.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if room.Kind != KindGroup {
		return ErrFixedMembers
	}
	for _, m := range room.Members {
		if m == userID {
			return nil
		}
	}
	prior := room
	room.Members = append(append([]string(nil), room.Members...), userID)
	d.rooms[roomID] = room
	if err := d.saveLocked(); err != nil {
		d.rooms[roomID] = prior
		return err
	}
	return nil
}

// RemoveMember drops a user from a group. The last member cannot be removed.
func (d *Directory) RemoveMember(roomID, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, ok := d.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if room.Kind != KindGroup {
		return ErrFixedMembers
	}
	idx := -1
	for i, m := range room.Members {
		if m == userID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotAMember
	}
	if len(room.Members) == 1 {
		return ErrLastMember
	}
	prior := room
	members := append([]string(nil), room.Members[:idx]...)
	room.Members = append(members, room.Members[idx+1:]...)
	d.rooms[roomID] = room
	if err := d.saveLocked(); err != nil {
		d.rooms[roomID] = prior
		return err
	}
	return nil
}

// DeleteGroup removes a group entirely. Only the creator may do so.
func (d *Directory) DeleteGroup(roomID, requesterID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	room, ok := d.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if room.Kind != KindGroup {
		return ErrFixedMembers
	}
	if room.CreatorID != requesterID {
		return ErrNotCreator
	}
	delete(d.rooms, roomID)
	if err := d.saveLocked(); err != nil {
		d.rooms[roomID] = room
		return err
	}
	return nil
}

func (d *Directory) saveLocked() error {
	if d.path == "" {
		return nil
	}
	file := directoryFile{Version: 1}
	for _, room := range d.rooms {
		file.Rooms = append(file.Rooms, room)
	}
	sort.Slice(file.Rooms, func(i, j int) bool { return file.Rooms[i].ID < file.Rooms[j].ID })

	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode directory snapshot: %w", err)
	}
	if dir := filepath.Dir(d.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory snapshot dir: %w", err)
		}
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write directory snapshot: %w", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return fmt.Errorf("replace directory snapshot: %w", err)
	}
	return nil
}

func samePair(members []string, a, b string) bool {
	if len(members) != 2 {
		return false
	}
	return (members[0] == a && members[1] == b) || (members[0] == b && members[1] == a)
}
