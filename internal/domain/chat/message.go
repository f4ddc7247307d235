package chat

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrEmptyContent    = errors.New("chat: message content is required")
	ErrMessageNotFound = errors.New("chat: message not found")
)

type MessageStatus string

const (
	// StatusPending marks a locally created message awaiting server
	// confirmation. Its ID is a client temporary id.
	StatusPending MessageStatus = "PENDING"
	// StatusConfirmed marks a server-acknowledged message with a
	// server-assigned id and authoritative SentAt.
	StatusConfirmed MessageStatus = "CONFIRMED"
	// StatusFailed marks a send rejected or timed out. Failed sends are
	// never retried automatically.
	StatusFailed MessageStatus = "FAILED"
)

type ChatMessage struct {
	ID         string
	RoomID     RoomID
	SenderID   string
	Content    string
	SentAt     time.Time
	Status     MessageStatus
	FailReason string
}

// NewPending builds an optimistic local message carrying a client
// temporary id. SentAt uses the local clock until the server confirms.
func NewPending(id string, roomID RoomID, senderID, content string, now time.Time) (ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return ChatMessage{}, ErrEmptyContent
	}
	return ChatMessage{
		ID:       id,
		RoomID:   roomID,
		SenderID: senderID,
		Content:  content,
		SentAt:   now.UTC(),
		Status:   StatusPending,
	}, nil
}

// IsMine reports whether the message was authored by the given user.
// Derived, never stored.
func (m ChatMessage) IsMine(userID string) bool {
	return m.SenderID == userID
}

// Less is the display order within a room: (SentAt, ID).
func Less(a, b ChatMessage) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.Before(b.SentAt)
	}
	return a.ID < b.ID
}

// Snippet truncates message text for the room list preview.
func Snippet(text string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max])
}
