// Package rest is the REST fallback for cold-start and gap-recovery
// fetches: room list with read markers, paged message history, and
// idempotent room creation.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rentchat/internal/domain/chat"
)

type Client struct {
	BaseURL     string
	Token       string
	HTTPClient  *http.Client
	Logger      *slog.Logger
	CallTimeout time.Duration
}

type roomDoc struct {
	ID                string           `json:"id"`
	Equipment         equipmentDoc     `json:"equipment"`
	Participants      []participantDoc `json:"participants"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	LastMessageID     string           `json:"last_message_id,omitempty"`
	LastMessageText   string           `json:"last_message_text,omitempty"`
	LastMessageSender string           `json:"last_message_sender_id,omitempty"`
	LastMessageAt     time.Time        `json:"last_message_at,omitempty"`
}

type equipmentDoc struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type participantDoc struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type readDoc struct {
	RoomID            string    `json:"room_id"`
	ParticipantID     string    `json:"participant_id"`
	LastReadMessageID string    `json:"last_read_message_id"`
	ReadAt            time.Time `json:"read_at"`
}

type messageDoc struct {
	ID       string    `json:"id"`
	RoomID   string    `json:"room_id"`
	SenderID string    `json:"sender_id"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sent_at"`
}

type roomListResponse struct {
	Items      []roomDoc `json:"items"`
	Reads      []readDoc `json:"reads,omitempty"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

type messageListResponse struct {
	Items      []messageDoc `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type createRoomRequest struct {
	EquipmentID    string   `json:"equipment_id"`
	ParticipantIDs []string `json:"participant_ids"`
}

// ListRooms pages through all rooms for the current user and returns
// them with the server's authoritative read markers.
func (c *Client) ListRooms(ctx context.Context) ([]chat.ChatRoom, []chat.ReadReceipt, error) {
	var (
		rooms    []chat.ChatRoom
		receipts []chat.ReadReceipt
		cursor   string
	)
	for {
		query := url.Values{}
		if cursor != "" {
			query.Set("cursor", cursor)
		}
		var payload roomListResponse
		if err := c.get(ctx, "/v1/chat/rooms", query, &payload); err != nil {
			return nil, nil, err
		}
		for _, doc := range payload.Items {
			rooms = append(rooms, mapRoom(doc))
		}
		for _, doc := range payload.Reads {
			receipts = append(receipts, chat.ReadReceipt{
				RoomID:            chat.RoomID(doc.RoomID),
				ParticipantID:     doc.ParticipantID,
				LastReadMessageID: doc.LastReadMessageID,
				ReadAt:            doc.ReadAt,
			})
		}
		if payload.NextCursor == "" {
			return rooms, receipts, nil
		}
		cursor = payload.NextCursor
	}
}

// ListMessages returns one history page for a room, newest page first,
// plus the cursor for the page before it.
func (c *Client) ListMessages(ctx context.Context, roomID chat.RoomID, limit int, before string) ([]chat.ChatMessage, string, error) {
	if roomID == "" {
		return nil, "", chat.ValidationErr("room id is required")
	}
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		query.Set("before", before)
	}
	var payload messageListResponse
	path := "/v1/chat/rooms/" + url.PathEscape(string(roomID)) + "/messages"
	if err := c.get(ctx, path, query, &payload); err != nil {
		return nil, "", err
	}
	messages := make([]chat.ChatMessage, 0, len(payload.Items))
	for _, doc := range payload.Items {
		messages = append(messages, chat.ChatMessage{
			ID:       doc.ID,
			RoomID:   chat.RoomID(doc.RoomID),
			SenderID: doc.SenderID,
			Content:  doc.Content,
			SentAt:   doc.SentAt,
			Status:   chat.StatusConfirmed,
		})
	}
	return messages, payload.NextCursor, nil
}

// CreateRoom asks the server for the room keyed by the equipment listing
// and participant set. Creation is idempotent server-side: a conflict
// with a concurrently created room returns that canonical room.
func (c *Client) CreateRoom(ctx context.Context, equipment chat.Equipment, participants []chat.Participant) (chat.ChatRoom, error) {
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		ids = append(ids, p.ID)
	}
	body := createRoomRequest{
		EquipmentID:    equipment.ID,
		ParticipantIDs: chat.NormalizeParticipantIDs(ids),
	}
	var doc roomDoc
	if err := c.post(ctx, "/v1/chat/rooms", body, &doc); err != nil {
		var conflict *conflictRoomError
		if errors.As(err, &conflict) {
			return conflict.room, nil
		}
		return chat.ChatRoom{}, err
	}
	return mapRoom(doc), nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	return c.call(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.call(ctx, http.MethodPost, path, nil, payload, out)
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	if c.BaseURL == "" {
		return errors.New("rest: base url required")
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := c.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := strings.TrimRight(c.BaseURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(callCtx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		request.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := client.Do(request)
	if err != nil {
		return chat.TransportErr("chat api request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.mapStatus(resp, method, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return chat.TransportErr("decode chat api response", err)
	}
	return nil
}

func (c *Client) mapStatus(resp *http.Response, method, path string) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if c.Logger != nil {
		c.Logger.Warn("chat api call failed",
			"method", method,
			"path", path,
			"status", resp.StatusCode,
			"body", string(snippet),
		)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return chat.AuthErr("chat api rejected credentials", nil)
	case http.StatusNotFound:
		return chat.NotFoundErr("chat resource")
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return chat.ValidationErr(strings.TrimSpace(string(snippet)))
	case http.StatusConflict:
		// The server replies 409 with the canonical room body; callers
		// that expect a document decode it from the snippet.
		var doc roomDoc
		if err := json.Unmarshal(snippet, &doc); err == nil && doc.ID != "" {
			return &conflictRoomError{room: mapRoom(doc)}
		}
		return chat.ConflictErr("room already exists")
	default:
		return chat.TransportErr(fmt.Sprintf("chat api returned status %d", resp.StatusCode), nil)
	}
}

type conflictRoomError struct {
	room chat.ChatRoom
}

func (e *conflictRoomError) Error() string {
	return "rest: room already exists: " + string(e.room.ID)
}

func mapRoom(doc roomDoc) chat.ChatRoom {
	participants := make([]chat.Participant, 0, len(doc.Participants))
	for _, p := range doc.Participants {
		participants = append(participants, chat.Participant{
			ID:        p.ID,
			Name:      p.Name,
			AvatarURL: p.AvatarURL,
		})
	}
	return chat.ChatRoom{
		ID: chat.RoomID(doc.ID),
		Equipment: chat.Equipment{
			ID:          doc.Equipment.ID,
			Name:        doc.Equipment.Name,
			Description: doc.Equipment.Description,
			ImageURL:    doc.Equipment.ImageURL,
		},
		Participants:      participants,
		CreatedAt:         doc.CreatedAt,
		UpdatedAt:         doc.UpdatedAt,
		LastMessageID:     doc.LastMessageID,
		LastMessageText:   doc.LastMessageText,
		LastMessageSender: doc.LastMessageSender,
		LastMessageAt:     doc.LastMessageAt,
	}
}
