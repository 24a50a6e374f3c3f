// Package wire defines the JSON frames exchanged over a relay websocket.
// The transport encoding is deliberately thin: every frame is one object
// with a type tag, and unused fields are omitted.
package wire

import "time"

// Inbound frame types.
const (
	TypeJoin  = "join"
	TypeLeave = "leave"
	TypeSend  = "send"
)

// Outbound frame types.
const (
	TypeWelcome    = "welcome"
	TypeJoined     = "joined"
	TypeLeft       = "left"
	TypeMessage    = "message"
	TypeAck        = "ack"
	TypeError      = "error"
	TypeUserStatus = "user_status"
)

// Message is the broadcast payload carried by a TypeMessage frame.
type Message struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name,omitempty"`
	Content    string    `json:"content"`
	Sequence   uint64    `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Frame is one websocket message in either direction.
type Frame struct {
	Type      string     `json:"type"`
	RoomID    string     `json:"room_id,omitempty"`
	Content   string     `json:"content,omitempty"`
	LocalRef  string     `json:"local_ref,omitempty"`
	Sequence  uint64     `json:"sequence,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Message   *Message   `json:"message,omitempty"`
	Kind      string     `json:"kind,omitempty"`
	Code      string     `json:"code,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	Status    string     `json:"status,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	Nickname  string     `json:"nickname,omitempty"`
}

// MessageFrame wraps a routed message for broadcast delivery.
func MessageFrame(msg Message) Frame {
	return Frame{Type: TypeMessage, RoomID: msg.RoomID, Message: &msg}
}

// AckFrame answers the sender of a routed message with the authoritative
// sequence and timestamp so the client can reconcile its optimistic echo by
// local reference instead of content matching.
func AckFrame(localRef, roomID string, sequence uint64, ts time.Time) Frame {
	return Frame{Type: TypeAck, LocalRef: localRef, RoomID: roomID, Sequence: sequence, Timestamp: &ts}
}

// ErrorFrame reports a rejected operation back to the initiating connection.
func ErrorFrame(code, detail string) Frame {
	return Frame{Type: TypeError, Code: code, Detail: detail}
}

// StatusFrame announces an identity going online or offline.
func StatusFrame(status, userID, nickname string) Frame {
	return Frame{Type: TypeUserStatus, Status: status, UserID: userID, Nickname: nickname}
}
