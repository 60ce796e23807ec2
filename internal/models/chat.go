// Package models defines types shared across internal packages.
package models

import "strconv"

// Status is the delivery state of a message. Transitions only move
// forward: SENT, then DELIVERED, then READ.
type Status string

const (
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
)

// Rank orders statuses. Unknown values rank below SENT.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}

	return 0
}

// Advance returns the later of s and next.
func (s Status) Advance(next Status) Status {
	if next.Rank() > s.Rank() {
		return next
	}

	return s
}

// Message is a single chat message. ID is zero until the server has
// acknowledged it; ClientMessageID is set on messages this client
// composed and echoed back by the server.
type Message struct {
	ID              int64  `json:"id,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	RoomID          int64  `json:"chatRoomId"`
	SenderID        int64  `json:"senderId"`
	ReceiverID      int64  `json:"receiverId"`
	Content         string `json:"content"`
	Status          Status `json:"status"`
	Timestamp       Time   `json:"timestamp"`
	DeliveredAt     *Time  `json:"deliveredAt,omitempty"`
	ReadAt          *Time  `json:"readAt,omitempty"`

	// Own is derived locally from SenderID and is never on the wire.
	Own bool `json:"-"`
}

// Key returns the identity used for deduplication: the server id once
// known, otherwise the client-generated id.
func (m Message) Key() string {
	if m.ID != 0 {
		return "id:" + strconv.FormatInt(m.ID, 10)
	}

	return "client:" + m.ClientMessageID
}

// StatusEvent is a server notification that a message changed status.
type StatusEvent struct {
	ID          int64  `json:"id"`
	Status      Status `json:"status"`
	DeliveredAt *Time  `json:"deliveredAt,omitempty"`
	ReadAt      *Time  `json:"readAt,omitempty"`
}

// ReadReceipt tells the sender that the reader has read everything in a room.
type ReadReceipt struct {
	RoomID   int64 `json:"chatRoomId"`
	ReaderID int64 `json:"readerId"`
	ReadAt   Time  `json:"readAt"`
}

// TypingEvent is both the inbound typing notification and, with
// ReceiverID set, the outbound one.
type TypingEvent struct {
	RoomID     int64 `json:"chatRoomId,omitempty"`
	SenderID   int64 `json:"senderId,omitempty"`
	ReceiverID int64 `json:"receiverId,omitempty"`
	Typing     bool  `json:"typing"`
}

// PresenceEvent reports a user going online or offline.
type PresenceEvent struct {
	UserID int64  `json:"userId"`
	Email  string `json:"email"`
	Online bool   `json:"online"`
}

// SendRequest is published to /app/chat.send.
type SendRequest struct {
	RoomID          int64  `json:"chatRoomId,omitempty"`
	ReceiverID      int64  `json:"receiverId"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId"`
}

// DeliveryAck is published to /app/chat.delivered.
type DeliveryAck struct {
	MessageID int64 `json:"messageId"`
}

// ReadAck is published to /app/message/read.
type ReadAck struct {
	MessageID  int64 `json:"messageId"`
	SenderID   int64 `json:"senderId"`
	ReceiverID int64 `json:"receiverId"`
}

// Counterparty is the sidebar projection of another user and the
// conversation with them.
type Counterparty struct {
	UserID          int64  `json:"userId"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
	Online          bool   `json:"online"`
	UnreadCount     int    `json:"unreadCount"`
	LastPreview     string `json:"lastMessagePreview,omitempty"`
	LastMessageAt   *Time  `json:"lastMessageAt,omitempty"`
	RoomID          int64  `json:"chatRoomId,omitempty"`
}

// Room is the result of opening a conversation with a counterparty.
type Room struct {
	RoomID           int64  `json:"chatRoomId"`
	ParticipantID    int64  `json:"participantId"`
	ParticipantName  string `json:"participantName"`
	ParticipantEmail string `json:"participantEmail"`
}

// MessagePage is one page of room history, newest page first.
type MessagePage struct {
	Messages      []Message `json:"messages"`
	Page          int       `json:"page"`
	Size          int       `json:"size"`
	TotalElements int64     `json:"totalElements"`
	TotalPages    int       `json:"totalPages"`
	Last          bool      `json:"last"`
}

// Profile is the signed-in user.
type Profile struct {
	UserID          int64  `json:"id"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
}
