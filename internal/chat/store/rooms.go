package store

import (
	"sort"
	"sync"
	"time"

	"rentchat/internal/domain/chat"
)

const previewSnippetMax = 500

// RoomDirectory owns chat room metadata: the room list with last-message
// previews, sorted by recency. Exactly one room exists per
// (equipment, participant set) key.
type RoomDirectory struct {
	mu    sync.RWMutex
	rooms map[chat.RoomID]chat.ChatRoom
	byKey map[string]chat.RoomID
}

func NewRoomDirectory() *RoomDirectory {
	return &RoomDirectory{
		rooms: make(map[chat.RoomID]chat.ChatRoom),
		byKey: make(map[string]chat.RoomID),
	}
}

// Upsert merges a room into the directory. Participants, equipment and
// creation time are immutable once set; only the last-message cache and
// UpdatedAt move, and only forward.
func (d *RoomDirectory) Upsert(room chat.ChatRoom) chat.ChatRoom {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.upsertLocked(room)
}

func (d *RoomDirectory) upsertLocked(room chat.ChatRoom) chat.ChatRoom {
	existing, ok := d.rooms[room.ID]
	if !ok {
		room.Participants = append([]chat.Participant(nil), room.Participants...)
		d.rooms[room.ID] = room
		d.byKey[room.Key()] = room.ID
		return room
	}
	merged := existing
	if room.LastMessageAt.After(existing.LastMessageAt) {
		merged.LastMessageID = room.LastMessageID
		merged.LastMessageText = room.LastMessageText
		merged.LastMessageSender = room.LastMessageSender
		merged.LastMessageAt = room.LastMessageAt
	}
	if room.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = room.UpdatedAt
	}
	d.rooms[room.ID] = merged
	return merged
}

// Touch reconciles the room's last-message cache with the message log.
// The caller passes the log's authoritative newest message for the
// room, or nil for an emptied log, and the cache follows it even
// backwards. A withdrawn send must not linger in the preview.
func (d *RoomDirectory) Touch(roomID chat.RoomID, newest *chat.ChatMessage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[roomID]
	if !ok {
		return false
	}
	if newest == nil {
		if room.LastMessageID == "" {
			return false
		}
		room.LastMessageID = ""
		room.LastMessageText = ""
		room.LastMessageSender = ""
		room.LastMessageAt = time.Time{}
		d.rooms[roomID] = room
		return true
	}
	if room.LastMessageID == newest.ID && room.LastMessageAt.Equal(newest.SentAt) {
		return false
	}
	room.LastMessageID = newest.ID
	room.LastMessageText = chat.Snippet(newest.Content, previewSnippetMax)
	room.LastMessageSender = newest.SenderID
	room.LastMessageAt = newest.SentAt
	if newest.SentAt.After(room.UpdatedAt) {
		room.UpdatedAt = newest.SentAt
	}
	d.rooms[roomID] = room
	return true
}

// List returns a snapshot sorted by last message time descending; rooms
// with no messages order by creation time, ties break on room id.
func (d *RoomDirectory) List() []chat.ChatRoom {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]chat.ChatRoom, 0, len(d.rooms))
	for _, room := range d.rooms {
		room.Participants = append([]chat.Participant(nil), room.Participants...)
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastActivity(), out[j].LastActivity()
		if !a.Equal(b) {
			return a.After(b)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get fetches a room by id.
func (d *RoomDirectory) Get(id chat.RoomID) (chat.ChatRoom, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	room, ok := d.rooms[id]
	if ok {
		room.Participants = append([]chat.Participant(nil), room.Participants...)
	}
	return room, ok
}

// FindByKey locates the room for an equipment listing and participant
// set, the idempotency check consulted before creating a room.
func (d *RoomDirectory) FindByKey(equipmentID string, participantIDs []string) (chat.ChatRoom, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byKey[chat.RoomKey(equipmentID, participantIDs)]
	if !ok {
		return chat.ChatRoom{}, false
	}
	room := d.rooms[id]
	room.Participants = append([]chat.Participant(nil), room.Participants...)
	return room, true
}

// Adopt replaces a provisional room with the server's canonical one,
// rebinding the key index. The provisional last-message cache carries
// over when newer than the canonical room's.
func (d *RoomDirectory) Adopt(provisionalID chat.RoomID, canonical chat.ChatRoom) chat.ChatRoom {
	d.mu.Lock()
	defer d.mu.Unlock()
	provisional, ok := d.rooms[provisionalID]
	if !ok {
		return d.upsertLocked(canonical)
	}
	delete(d.rooms, provisionalID)
	delete(d.byKey, provisional.Key())
	canonical.Provisional = false
	merged := d.upsertLocked(canonical)
	if provisional.LastMessageAt.After(merged.LastMessageAt) {
		merged.LastMessageID = provisional.LastMessageID
		merged.LastMessageText = provisional.LastMessageText
		merged.LastMessageSender = provisional.LastMessageSender
		merged.LastMessageAt = provisional.LastMessageAt
		d.rooms[merged.ID] = merged
	}
	return merged
}
