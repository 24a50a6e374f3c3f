package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/courier-chat/courier/internal/directory"
	"github.com/courier-chat/courier/internal/registry"
	"github.com/courier-chat/courier/internal/store"
	"github.com/courier-chat/courier/pkg/wire"
)

type fixture struct {
	dir    *directory.Directory
	reg    *registry.Registry
	subs   *registry.Subscriptions
	store  store.MessageStore
	router *Router
}

func newFixture(t *testing.T, st store.MessageStore) *fixture {
	t.Helper()
	dir, err := directory.New("")
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	subs := registry.NewSubscriptions(dir)
	reg := registry.New(registry.Config{
		Log:        zaptest.NewLogger(t),
		SendBuffer: 128,
		Subs:       subs,
	})
	r := New(Config{
		Log:             zaptest.NewLogger(t),
		Roster:          dir,
		Store:           st,
		Subs:            subs,
		MaxMessageBytes: 64,
	})
	return &fixture{dir: dir, reg: reg, subs: subs, store: st, router: r}
}

func (f *fixture) connect(t *testing.T, userID, nickname, roomID string) *registry.Conn {
	t.Helper()
	c, _, err := f.reg.Connect(userID, nickname)
	if err != nil {
		t.Fatalf("connect %s: %v", userID, err)
	}
	if err := f.subs.Join(c, roomID); err != nil {
		t.Fatalf("join %s: %v", userID, err)
	}
	return c
}

func (f *fixture) group(t *testing.T, name string, members ...string) directory.Room {
	t.Helper()
	room, err := f.dir.CreateGroup(name, members[0])
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	for _, id := range members[1:] {
		if err := f.dir.AddMember(room.ID, id); err != nil {
			t.Fatalf("add member %s: %v", id, err)
		}
	}
	return room
}

func drain(c *registry.Conn) []wire.Frame {
	var frames []wire.Frame
	for {
		select {
		case f := <-c.Outbound():
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func TestRouteAcksSenderAndBroadcastsToOthers(t *testing.T) {
	f := newFixture(t, nil)
	room := f.group(t, "general", "u1", "u2")

	alice := f.connect(t, "u1", "alice", room.ID)
	aliceTablet := f.connect(t, "u1", "alice", room.ID)
	bob := f.connect(t, "u2", "bob", room.ID)

	msg, err := f.router.Route(context.Background(), alice, room.ID, "hello", "ref-1")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if msg.Sequence != 1 {
		t.Fatalf("expected sequence 1, got %d", msg.Sequence)
	}

	// The originating connection gets exactly one ack, no broadcast.
	acks := drain(alice)
	if len(acks) != 1 || acks[0].Type != wire.TypeAck {
		t.Fatalf("expected single ack on sender, got %+v", acks)
	}
	if acks[0].LocalRef != "ref-1" || acks[0].Sequence != 1 {
		t.Fatalf("ack missing local ref or sequence: %+v", acks[0])
	}
	if acks[0].Timestamp == nil {
		t.Fatal("ack missing timestamp")
	}

	// The sender's other device is an ordinary recipient.
	for name, c := range map[string]*registry.Conn{"tablet": aliceTablet, "bob": bob} {
		got := drain(c)
		if len(got) != 1 || got[0].Type != wire.TypeMessage {
			t.Fatalf("%s: expected single broadcast, got %+v", name, got)
		}
		if got[0].Message.Content != "hello" || got[0].Message.SenderName != "alice" {
			t.Fatalf("%s: unexpected payload %+v", name, got[0].Message)
		}
	}
}

func TestRouteValidatesContent(t *testing.T) {
	f := newFixture(t, nil)
	room := f.group(t, "general", "u1")
	alice := f.connect(t, "u1", "alice", room.ID)

	if _, err := f.router.Route(context.Background(), alice, room.ID, "", "r"); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	big := make([]byte, 65)
	for i := range big {
		big[i] = 'a'
	}
	if _, err := f.router.Route(context.Background(), alice, room.ID, string(big), "r"); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestRouteRereadsMembership(t *testing.T) {
	f := newFixture(t, nil)
	room := f.group(t, "general", "u1", "u2")
	bob := f.connect(t, "u2", "bob", room.ID)

	// Bob subscribed while a member, then got removed. The live
	// subscription must not grant routing rights.
	if err := f.dir.RemoveMember(room.ID, "u2"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if _, err := f.router.Route(context.Background(), bob, room.ID, "hi", "r"); !errors.Is(err, directory.ErrNotAMember) {
		t.Fatalf("expected ErrNotAMember, got %v", err)
	}
	if _, err := f.router.Route(context.Background(), bob, "nope", "hi", "r"); !errors.Is(err, directory.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestConcurrentRoutesKeepSequenceOrder(t *testing.T) {
	f := newFixture(t, nil)
	room := f.group(t, "general", "u1", "u2")
	alice := f.connect(t, "u1", "alice", room.ID)
	bob := f.connect(t, "u2", "bob", room.ID)

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.router.Route(context.Background(), alice, room.ID, "m", "r"); err != nil {
				t.Errorf("route: %v", err)
			}
		}()
	}
	wg.Wait()

	// Sequences are dense and bob observes them in ascending order.
	frames := drain(bob)
	if len(frames) != n {
		t.Fatalf("expected %d broadcasts, got %d", n, len(frames))
	}
	for i, fr := range frames {
		if fr.Message.Sequence != uint64(i+1) {
			t.Fatalf("out of order at %d: sequence %d", i, fr.Message.Sequence)
		}
	}
}

type flakyStore struct {
	store.MessageStore
	mu   sync.Mutex
	fail bool
}

func (s *flakyStore) Append(ctx context.Context, roomID, senderID, content string, ts time.Time) (store.Message, error) {
	s.mu.Lock()
	fail := s.fail
	s.fail = false
	s.mu.Unlock()
	if fail {
		return store.Message{}, errors.New("disk full")
	}
	return s.MessageStore.Append(ctx, roomID, senderID, content, ts)
}

func TestFailedAppendLeavesNoGap(t *testing.T) {
	st := &flakyStore{MessageStore: store.NewMemoryStore()}
	f := newFixture(t, st)
	room := f.group(t, "general", "u1", "u2")
	alice := f.connect(t, "u1", "alice", room.ID)
	bob := f.connect(t, "u2", "bob", room.ID)

	if _, err := f.router.Route(context.Background(), alice, room.ID, "first", "r1"); err != nil {
		t.Fatalf("route: %v", err)
	}

	st.mu.Lock()
	st.fail = true
	st.mu.Unlock()
	if _, err := f.router.Route(context.Background(), alice, room.ID, "lost", "r2"); err == nil {
		t.Fatal("expected append failure")
	}
	if got := drain(bob); len(got) != 1 {
		t.Fatalf("failed append must not broadcast, got %d frames", len(got))
	}

	msg, err := f.router.Route(context.Background(), alice, room.ID, "retry", "r3")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if msg.Sequence != 2 {
		t.Fatalf("expected retry to claim sequence 2, got %d", msg.Sequence)
	}
}

type countingStats struct {
	mu      sync.Mutex
	routed  int
	dropped int
}

func (s *countingStats) MessageRouted(string) {
	s.mu.Lock()
	s.routed++
	s.mu.Unlock()
}

func (s *countingStats) DeliveryDropped(string) {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

func TestSlowRecipientDoesNotFailRoute(t *testing.T) {
	f := newFixture(t, nil)
	stats := &countingStats{}
	f.router.stats = stats
	room := f.group(t, "general", "u1", "u2")
	alice := f.connect(t, "u1", "alice", room.ID)
	bob := f.connect(t, "u2", "bob", room.ID)

	// Saturate bob's queue; the next broadcast to him is dropped while the
	// route itself still succeeds.
	for bob.Push(wire.Frame{Type: wire.TypeMessage}) == nil {
	}
	if _, err := f.router.Route(context.Background(), alice, room.ID, "hello", "r"); err != nil {
		t.Fatalf("route: %v", err)
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()
	if stats.routed != 1 || stats.dropped != 1 {
		t.Fatalf("expected 1 routed / 1 dropped, got %d / %d", stats.routed, stats.dropped)
	}
}
