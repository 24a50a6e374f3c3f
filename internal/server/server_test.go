package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/courier-chat/courier/internal/auth"
	"github.com/courier-chat/courier/internal/directory"
	"github.com/courier-chat/courier/internal/history"
	"github.com/courier-chat/courier/internal/registry"
	"github.com/courier-chat/courier/internal/router"
	"github.com/courier-chat/courier/internal/store"
	"github.com/courier-chat/courier/pkg/wire"
)

type harness struct {
	srv   *httptest.Server
	users *auth.FileStore
	dir   *directory.Directory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)

	users, err := auth.NewFileStore(filepath.Join(t.TempDir(), "users.json"))
	if err != nil {
		t.Fatalf("user store: %v", err)
	}
	dir, err := directory.New("")
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	tokens, err := auth.NewTokens([]byte("integration-test-secret"), time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	resolver := auth.NewResolver(tokens, users)

	subs := registry.NewSubscriptions(dir)
	reg := registry.New(registry.Config{Log: log, SendBuffer: 32, Subs: subs})
	st := store.NewMemoryStore()
	rt := router.New(router.Config{Log: log, Roster: dir, Store: st, Subs: subs, MaxMessageBytes: 10000})
	hist := history.New(dir, st, 50, 500)

	relay := NewRelayService(log, resolver, reg, subs, rt, hist, dir, RelayOptions{})
	api := NewAPIService(log, users, tokens, resolver, dir, hist, reg)
	api.OnLogout(relay.AnnounceOffline)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", relay.HandleWS)
	api.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, users: users, dir: dir}
}

func (h *harness) postJSON(t *testing.T, path, token string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, h.srv.URL+path, bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do %s: %v", path, err)
	}
	return resp
}

func (h *harness) signup(t *testing.T, nickname string) authResponse {
	t.Helper()
	resp := h.postJSON(t, "/api/auth/signup", "", credentialsRequest{Nickname: nickname, Password: "secret1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup %s: status %d", nickname, resp.StatusCode)
	}
	var out authResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode signup: %v", err)
	}
	return out
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// readFrame blocks for one frame with a test deadline.
func readFrame(t *testing.T, ws *websocket.Conn) wire.Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wire.Frame
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, frameType string) wire.Frame {
	t.Helper()
	for i := 0; i < 8; i++ {
		frame := readFrame(t, ws)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return wire.Frame{}
}

func TestSignupLoginAndMe(t *testing.T) {
	h := newHarness(t)

	created := h.signup(t, "alice")
	if created.Token == "" || created.User.Nickname != "alice" {
		t.Fatalf("unexpected signup response: %+v", created)
	}

	resp := h.postJSON(t, "/api/auth/login", "", credentialsRequest{Nickname: "alice", Password: "secret1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: status %d", resp.StatusCode)
	}
	var logged authResponse
	if err := json.NewDecoder(resp.Body).Decode(&logged); err != nil {
		t.Fatalf("decode login: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+logged.Token)
	meResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	defer meResp.Body.Close()
	if meResp.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d", meResp.StatusCode)
	}

	dup := h.postJSON(t, "/api/auth/signup", "", credentialsRequest{Nickname: "Alice", Password: "secret1"})
	defer dup.Body.Close()
	if dup.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate nickname: status %d", dup.StatusCode)
	}
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	h := newHarness(t)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestRelayEndToEnd(t *testing.T) {
	h := newHarness(t)
	alice := h.signup(t, "alice")
	bob := h.signup(t, "bob")

	resp := h.postJSON(t, "/api/rooms/group", alice.Token, map[string]string{"name": "general"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create group: status %d", resp.StatusCode)
	}
	var room roomView
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		t.Fatalf("decode room: %v", err)
	}
	resp.Body.Close()

	resp = h.postJSON(t, fmt.Sprintf("/api/rooms/%s/members", room.ID), alice.Token, map[string]string{"user_id": bob.User.ID})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("add member: status %d", resp.StatusCode)
	}

	aliceWS := h.dial(t, alice.Token)
	if frame := readFrame(t, aliceWS); frame.Type != wire.TypeWelcome || frame.UserID != alice.User.ID {
		t.Fatalf("expected welcome, got %+v", frame)
	}
	bobWS := h.dial(t, bob.Token)
	if frame := readFrame(t, bobWS); frame.Type != wire.TypeWelcome {
		t.Fatalf("expected welcome, got %+v", frame)
	}

	// Bob going online is announced to alice, who shares a room with him.
	if frame := readUntil(t, aliceWS, wire.TypeUserStatus); frame.Status != "online" || frame.UserID != bob.User.ID {
		t.Fatalf("expected bob online status, got %+v", frame)
	}

	if err := aliceWS.WriteJSON(wire.Frame{Type: wire.TypeJoin, RoomID: room.ID}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined := readUntil(t, aliceWS, wire.TypeJoined); joined.Kind != "group" {
		t.Fatalf("expected group kind in joined frame, got %+v", joined)
	}
	if err := bobWS.WriteJSON(wire.Frame{Type: wire.TypeJoin, RoomID: room.ID}); err != nil {
		t.Fatalf("join: %v", err)
	}
	readUntil(t, bobWS, wire.TypeJoined)

	if err := aliceWS.WriteJSON(wire.Frame{Type: wire.TypeSend, RoomID: room.ID, Content: "hello bob", LocalRef: "ref-42"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	ack := readUntil(t, aliceWS, wire.TypeAck)
	if ack.LocalRef != "ref-42" || ack.Sequence != 1 || ack.Timestamp == nil {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	msg := readUntil(t, bobWS, wire.TypeMessage)
	if msg.Message == nil || msg.Message.Content != "hello bob" || msg.Message.SenderName != "alice" {
		t.Fatalf("unexpected broadcast: %+v", msg)
	}

	// History returns the persisted message for a member.
	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/rooms/"+room.ID+"/history", nil)
	req.Header.Set("Authorization", "Bearer "+bob.Token)
	histResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	defer histResp.Body.Close()
	if histResp.StatusCode != http.StatusOK {
		t.Fatalf("history: status %d", histResp.StatusCode)
	}
	var msgs []store.Message
	if err := json.NewDecoder(histResp.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello bob" || msgs[0].Sequence != 1 {
		t.Fatalf("unexpected history: %+v", msgs)
	}
}

func TestSendWithoutMembershipFails(t *testing.T) {
	h := newHarness(t)
	alice := h.signup(t, "alice")
	mallory := h.signup(t, "mallory")

	resp := h.postJSON(t, "/api/rooms/group", alice.Token, map[string]string{"name": "general"})
	var room roomView
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		t.Fatalf("decode room: %v", err)
	}
	resp.Body.Close()

	ws := h.dial(t, mallory.Token)
	readFrame(t, ws) // welcome

	if err := ws.WriteJSON(wire.Frame{Type: wire.TypeJoin, RoomID: room.ID}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if frame := readUntil(t, ws, wire.TypeError); frame.Code != "NOT_A_MEMBER" {
		t.Fatalf("expected NOT_A_MEMBER, got %+v", frame)
	}

	if err := ws.WriteJSON(wire.Frame{Type: wire.TypeSend, RoomID: room.ID, Content: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if frame := readUntil(t, ws, wire.TypeError); frame.Code != "NOT_A_MEMBER" {
		t.Fatalf("expected NOT_A_MEMBER, got %+v", frame)
	}
}

func TestOfflinePresenceAnnounced(t *testing.T) {
	h := newHarness(t)
	alice := h.signup(t, "alice")
	bob := h.signup(t, "bob")

	resp := h.postJSON(t, "/api/rooms/private", alice.Token, map[string]string{"peer_id": bob.User.ID})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create private: status %d", resp.StatusCode)
	}

	aliceWS := h.dial(t, alice.Token)
	readFrame(t, aliceWS) // welcome

	bobWS := h.dial(t, bob.Token)
	readFrame(t, bobWS) // welcome
	if frame := readUntil(t, aliceWS, wire.TypeUserStatus); frame.Status != "online" {
		t.Fatalf("expected online status, got %+v", frame)
	}

	_ = bobWS.Close()
	if frame := readUntil(t, aliceWS, wire.TypeUserStatus); frame.Status != "offline" || frame.UserID != bob.User.ID {
		t.Fatalf("expected bob offline status, got %+v", frame)
	}
}

func TestOfflineAnnouncedAfterAbruptPeerLoss(t *testing.T) {
	h := newHarness(t)
	alice := h.signup(t, "alice")
	bob := h.signup(t, "bob")

	resp := h.postJSON(t, "/api/rooms/private", alice.Token, map[string]string{"peer_id": bob.User.ID})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create private: status %d", resp.StatusCode)
	}
	var room roomView
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		t.Fatalf("decode room: %v", err)
	}

	aliceWS := h.dial(t, alice.Token)
	readFrame(t, aliceWS) // welcome
	bobWS := h.dial(t, bob.Token)
	readFrame(t, bobWS) // welcome
	readUntil(t, aliceWS, wire.TypeUserStatus)

	if err := aliceWS.WriteJSON(wire.Frame{Type: wire.TypeJoin, RoomID: room.ID}); err != nil {
		t.Fatalf("join: %v", err)
	}
	readUntil(t, aliceWS, wire.TypeJoined)
	if err := bobWS.WriteJSON(wire.Frame{Type: wire.TypeJoin, RoomID: room.ID}); err != nil {
		t.Fatalf("join: %v", err)
	}
	readUntil(t, bobWS, wire.TypeJoined)

	// Kill bob's transport without a close handshake, then route a message
	// so the relay has to write into the dead socket. The teardown that
	// follows must still publish the offline status, whichever side of the
	// connection notices the failure first.
	_ = bobWS.NetConn().Close()
	if err := aliceWS.WriteJSON(wire.Frame{Type: wire.TypeSend, RoomID: room.ID, Content: "anyone there", LocalRef: "ref-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	// Bob's teardown races the routed message, so ack and offline status can
	// arrive in either order.
	var gotAck, gotOffline bool
	for i := 0; i < 8 && !(gotAck && gotOffline); i++ {
		switch frame := readFrame(t, aliceWS); frame.Type {
		case wire.TypeAck:
			if frame.Sequence != 1 {
				t.Fatalf("expected ack with sequence 1, got %+v", frame)
			}
			gotAck = true
		case wire.TypeUserStatus:
			if frame.Status != "offline" || frame.UserID != bob.User.ID {
				t.Fatalf("expected bob offline status, got %+v", frame)
			}
			gotOffline = true
		}
	}
	if !gotAck || !gotOffline {
		t.Fatalf("missing frames: ack=%v offline=%v", gotAck, gotOffline)
	}
}

func TestLogoutSeversConnectionsAndAnnounces(t *testing.T) {
	h := newHarness(t)
	alice := h.signup(t, "alice")
	bob := h.signup(t, "bob")

	resp := h.postJSON(t, "/api/rooms/private", alice.Token, map[string]string{"peer_id": bob.User.ID})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create private: status %d", resp.StatusCode)
	}

	aliceWS := h.dial(t, alice.Token)
	readFrame(t, aliceWS) // welcome
	bobWS := h.dial(t, bob.Token)
	readFrame(t, bobWS) // welcome
	readUntil(t, aliceWS, wire.TypeUserStatus)

	resp = h.postJSON(t, "/api/auth/logout", bob.Token, struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: status %d", resp.StatusCode)
	}

	if frame := readUntil(t, aliceWS, wire.TypeUserStatus); frame.Status != "offline" || frame.UserID != bob.User.ID {
		t.Fatalf("expected bob offline status, got %+v", frame)
	}
	// Bob's socket is closed by the server.
	_ = bobWS.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var frame wire.Frame
		if err := bobWS.ReadJSON(&frame); err != nil {
			break
		}
	}
}
