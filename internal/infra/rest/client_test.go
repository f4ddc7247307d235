package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentchat/internal/domain/chat"
)

func TestClient_ListRoomsFollowsCursor(t *testing.T) {
	var tokens []string
	var cursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/rooms", r.URL.Path)
		tokens = append(tokens, r.Header.Get("Authorization"))
		cursor := r.URL.Query().Get("cursor")
		cursors = append(cursors, cursor)

		resp := roomListResponse{}
		if cursor == "" {
			resp.Items = []roomDoc{{ID: "room-1", Equipment: equipmentDoc{ID: "eq-1", Name: "excavator"}}}
			resp.Reads = []readDoc{{RoomID: "room-1", ParticipantID: "bob", LastReadMessageID: "m1", ReadAt: time.Now().UTC()}}
			resp.NextCursor = "page-2"
		} else {
			resp.Items = []roomDoc{{ID: "room-2", Equipment: equipmentDoc{ID: "eq-2", Name: "crane"}}}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Token: "token-1"}
	rooms, receipts, err := c.ListRooms(context.Background())
	require.NoError(t, err)

	require.Len(t, rooms, 2)
	assert.Equal(t, chat.RoomID("room-1"), rooms[0].ID)
	assert.Equal(t, chat.RoomID("room-2"), rooms[1].ID)
	require.Len(t, receipts, 1)
	assert.Equal(t, "bob", receipts[0].ParticipantID)

	assert.Equal(t, []string{"", "page-2"}, cursors)
	assert.Equal(t, []string{"Bearer token-1", "Bearer token-1"}, tokens)
}

func TestClient_ListMessages(t *testing.T) {
	sentAt := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/rooms/room-1/messages", r.URL.Path)
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		assert.Equal(t, "m9", r.URL.Query().Get("before"))
		_ = json.NewEncoder(w).Encode(messageListResponse{
			Items: []messageDoc{
				{ID: "m1", RoomID: "room-1", SenderID: "bob", Content: "hi", SentAt: sentAt},
			},
			NextCursor: "m1",
		})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	msgs, cursor, err := c.ListMessages(context.Background(), "room-1", 25, "m9")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.StatusConfirmed, msgs[0].Status)
	assert.Equal(t, sentAt, msgs[0].SentAt)
	assert.Equal(t, "m1", cursor)

	_, _, err = c.ListMessages(context.Background(), "", 25, "")
	assert.True(t, chat.IsCode(err, chat.CodeValidation))
}

func TestClient_CreateRoomNormalizesParticipants(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var req createRoomRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "eq-1", req.EquipmentID)
		assert.Equal(t, []string{"alice", "bob"}, req.ParticipantIDs)
		_ = json.NewEncoder(w).Encode(roomDoc{ID: "room-9", Equipment: equipmentDoc{ID: "eq-1"}})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	room, err := c.CreateRoom(context.Background(), chat.Equipment{ID: "eq-1"}, []chat.Participant{
		{ID: "bob"}, {ID: "alice"}, {ID: "bob"},
	})
	require.NoError(t, err)
	assert.Equal(t, chat.RoomID("room-9"), room.ID)
}

func TestClient_CreateRoomConflictReturnsCanonicalRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(roomDoc{ID: "room-7", Equipment: equipmentDoc{ID: "eq-1"}})
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	room, err := c.CreateRoom(context.Background(), chat.Equipment{ID: "eq-1"}, []chat.Participant{{ID: "alice"}, {ID: "bob"}})
	require.NoError(t, err, "a creation race resolves to the server's room")
	assert.Equal(t, chat.RoomID("room-7"), room.ID)
}

func TestClient_StatusMapping(t *testing.T) {
	status := http.StatusUnauthorized
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()
	c := &Client{BaseURL: srv.URL}

	cases := []struct {
		status int
		code   chat.ErrorCode
	}{
		{http.StatusUnauthorized, chat.CodeAuth},
		{http.StatusForbidden, chat.CodeAuth},
		{http.StatusNotFound, chat.CodeNotFound},
		{http.StatusBadRequest, chat.CodeValidation},
		{http.StatusConflict, chat.CodeConflict},
		{http.StatusInternalServerError, chat.CodeTransport},
	}
	for _, tc := range cases {
		status = tc.status
		_, _, err := c.ListRooms(context.Background())
		assert.True(t, chat.IsCode(err, tc.code), "status %d should map to %s, got %v", tc.status, tc.code, err)
	}
}
