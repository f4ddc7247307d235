package engine

import (
	"time"

	"rentchat/internal/domain/chat"
)

// EventType discriminates the wire envelope.
type EventType string

const (
	// Client to server.
	EventSendMessage EventType = "send_message"
	EventMarkRead    EventType = "mark_read"
	EventPing        EventType = "ping"

	// Server to client.
	EventMessage         EventType = "message"
	EventMessageRejected EventType = "message_rejected"
	EventReadReceipt     EventType = "read_receipt"
	EventRoom            EventType = "room"
	EventError           EventType = "error"
	EventPong            EventType = "pong"
)

// Event is the JSON envelope exchanged over the realtime transport.
// Exactly one payload field is set depending on Type. A message event
// echoing a client send carries the client's TempID so the pending copy
// can be reconciled.
type Event struct {
	Type      EventType        `json:"type"`
	RoomID    string           `json:"room_id,omitempty"`
	TempID    string           `json:"temp_id,omitempty"`
	Content   string           `json:"content,omitempty"`
	MessageID string           `json:"message_id,omitempty"`
	Message   *MessagePayload  `json:"message,omitempty"`
	Receipt   *ReceiptPayload  `json:"receipt,omitempty"`
	Room      *RoomPayload     `json:"room,omitempty"`
	Error     *ErrorPayload    `json:"error,omitempty"`
	Timestamp time.Time        `json:"timestamp,omitempty"`
}

type MessagePayload struct {
	ID       string    `json:"id"`
	RoomID   string    `json:"room_id"`
	SenderID string    `json:"sender_id"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

type ReceiptPayload struct {
	RoomID            string    `json:"room_id"`
	ParticipantID     string    `json:"participant_id"`
	LastReadMessageID string    `json:"last_read_message_id"`
	ReadAt            time.Time `json:"read_at"`
}

type ParticipantPayload struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type EquipmentPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type RoomPayload struct {
	ID                string               `json:"id"`
	Equipment         EquipmentPayload     `json:"equipment"`
	Participants      []ParticipantPayload `json:"participants"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	LastMessageID     string               `json:"last_message_id,omitempty"`
	LastMessageText   string               `json:"last_message_text,omitempty"`
	LastMessageSender string               `json:"last_message_sender_id,omitempty"`
	LastMessageAt     time.Time            `json:"last_message_at,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *MessagePayload) toDomain() chat.ChatMessage {
	if p == nil {
		return chat.ChatMessage{}
	}
	return chat.ChatMessage{
		ID:       p.ID,
		RoomID:   chat.RoomID(p.RoomID),
		SenderID: p.SenderID,
		Content:  p.Content,
		SentAt:   p.SentAt,
		Status:   chat.StatusConfirmed,
	}
}

func (p *ReceiptPayload) toDomain() chat.ReadReceipt {
	if p == nil {
		return chat.ReadReceipt{}
	}
	return chat.ReadReceipt{
		RoomID:            chat.RoomID(p.RoomID),
		ParticipantID:     p.ParticipantID,
		LastReadMessageID: p.LastReadMessageID,
		ReadAt:            p.ReadAt,
	}
}

func (p *RoomPayload) toDomain() chat.ChatRoom {
	if p == nil {
		return chat.ChatRoom{}
	}
	participants := make([]chat.Participant, 0, len(p.Participants))
	for _, participant := range p.Participants {
		participants = append(participants, chat.Participant{
			ID:        participant.ID,
			Name:      participant.Name,
			AvatarURL: participant.AvatarURL,
		})
	}
	return chat.ChatRoom{
		ID: chat.RoomID(p.ID),
		Equipment: chat.Equipment{
			ID:          p.Equipment.ID,
			Name:        p.Equipment.Name,
			Description: p.Equipment.Description,
			ImageURL:    p.Equipment.ImageURL,
		},
		Participants:      participants,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
		LastMessageID:     p.LastMessageID,
		LastMessageText:   p.LastMessageText,
		LastMessageSender: p.LastMessageSender,
		LastMessageAt:     p.LastMessageAt,
	}
}

func sendEvent(msg chat.ChatMessage) Event {
	return Event{
		Type:      EventSendMessage,
		RoomID:    string(msg.RoomID),
		TempID:    msg.ID,
		Content:   msg.Content,
		Timestamp: msg.SentAt,
	}
}

func markReadEvent(roomID chat.RoomID, messageID string, at time.Time) Event {
	return Event{
		Type:      EventMarkRead,
		RoomID:    string(roomID),
		MessageID: messageID,
		Timestamp: at,
	}
}
