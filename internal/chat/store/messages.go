package store

import (
	"sort"
	"sync"

	"rentchat/internal/domain/chat"
)

// MessageStore is the ordered, deduplicated per-room message collection
// and the source of truth for rendering. Messages are kept sorted by
// (SentAt, ID); every mutation reports the room's newest message to the
// registered onChange hook so the room directory cache can follow.
type MessageStore struct {
	mu       sync.RWMutex
	rooms    map[chat.RoomID][]chat.ChatMessage
	onChange func(roomID chat.RoomID, newest *chat.ChatMessage)
}

func NewMessageStore() *MessageStore {
	return &MessageStore{rooms: make(map[chat.RoomID][]chat.ChatMessage)}
}

// SetOnChange registers the mutation hook. Called outside the store lock.
func (s *MessageStore) SetOnChange(fn func(roomID chat.RoomID, newest *chat.ChatMessage)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Append inserts a message in display order. Appending an id already
// present in the room is a no-op and returns false.
func (s *MessageStore) Append(roomID chat.RoomID, msg chat.ChatMessage) bool {
	s.mu.Lock()
	if s.contains(roomID, msg.ID) {
		s.mu.Unlock()
		return false
	}
	msg.RoomID = roomID
	s.rooms[roomID] = insertSorted(s.rooms[roomID], msg)
	s.notifyLocked(roomID)
	return true
}

// Replace swaps a pending message (by temporary id) for its confirmed
// server copy, atomically and without duplication. If the confirmed
// SentAt would reorder the message it is moved to the implied position.
func (s *MessageStore) Replace(roomID chat.RoomID, tempID string, confirmed chat.ChatMessage) error {
	s.mu.Lock()
	idx, ok := s.indexOf(roomID, tempID)
	if !ok {
		s.mu.Unlock()
		return chat.ErrMessageNotFound
	}
	msgs := removeAt(s.rooms[roomID], idx)
	confirmed.RoomID = roomID
	confirmed.Status = chat.StatusConfirmed
	confirmed.FailReason = ""
	if !containsID(msgs, confirmed.ID) {
		msgs = insertSorted(msgs, confirmed)
	}
	s.rooms[roomID] = msgs
	s.notifyLocked(roomID)
	return nil
}

// MarkFailed transitions a pending message to failed. Position and
// content are kept so the user can retry or discard it.
func (s *MessageStore) MarkFailed(roomID chat.RoomID, tempID, reason string) error {
	s.mu.Lock()
	idx, ok := s.indexOf(roomID, tempID)
	if !ok || s.rooms[roomID][idx].Status != chat.StatusPending {
		s.mu.Unlock()
		return chat.ErrMessageNotFound
	}
	s.rooms[roomID][idx].Status = chat.StatusFailed
	s.rooms[roomID][idx].FailReason = reason
	s.notifyLocked(roomID)
	return nil
}

// Remove deletes a message by id. When statuses are given the removal
// only proceeds if the current status is one of them; this is how cancel
// stays restricted to pending sends.
func (s *MessageStore) Remove(roomID chat.RoomID, id string, statuses ...chat.MessageStatus) (chat.ChatMessage, error) {
	s.mu.Lock()
	idx, ok := s.indexOf(roomID, id)
	if !ok {
		s.mu.Unlock()
		return chat.ChatMessage{}, chat.ErrMessageNotFound
	}
	msg := s.rooms[roomID][idx]
	if len(statuses) > 0 && !statusIn(msg.Status, statuses) {
		s.mu.Unlock()
		return chat.ChatMessage{}, chat.ErrMessageNotFound
	}
	s.rooms[roomID] = removeAt(s.rooms[roomID], idx)
	s.notifyLocked(roomID)
	return msg, nil
}

// Remap moves every message of a provisional room under the canonical
// room id, merging with anything already there. Returns the number of
// messages moved.
func (s *MessageStore) Remap(oldRoomID, newRoomID chat.RoomID) int {
	s.mu.Lock()
	moved := 0
	msgs := s.rooms[oldRoomID]
	delete(s.rooms, oldRoomID)
	for _, msg := range msgs {
		if s.contains(newRoomID, msg.ID) {
			continue
		}
		msg.RoomID = newRoomID
		s.rooms[newRoomID] = insertSorted(s.rooms[newRoomID], msg)
		moved++
	}
	s.notifyLocked(newRoomID)
	return moved
}

// List returns a snapshot of the room's messages in display order.
func (s *MessageStore) List(roomID chat.RoomID) []chat.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.rooms[roomID]
	out := make([]chat.ChatMessage, len(msgs))
	copy(out, msgs)
	return out
}

// Get fetches a single message by id.
func (s *MessageStore) Get(roomID chat.RoomID, id string) (chat.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx, ok := s.indexOf(roomID, id); ok {
		return s.rooms[roomID][idx], true
	}
	return chat.ChatMessage{}, false
}

// Newest returns the room's latest message.
func (s *MessageStore) Newest(roomID chat.RoomID) (chat.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.rooms[roomID]
	if len(msgs) == 0 {
		return chat.ChatMessage{}, false
	}
	return msgs[len(msgs)-1], true
}

// NewestConfirmed returns the room's latest server-confirmed message.
// Pending and failed sends carry temporary ids the server does not
// know, so read markers must never point at them.
func (s *MessageStore) NewestConfirmed(roomID chat.RoomID) (chat.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.rooms[roomID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Status == chat.StatusConfirmed {
			return msgs[i], true
		}
	}
	return chat.ChatMessage{}, false
}

// notifyLocked releases the lock and invokes the onChange hook with the
// room's newest message, or nil for an emptied room.
func (s *MessageStore) notifyLocked(roomID chat.RoomID) {
	fn := s.onChange
	var newest *chat.ChatMessage
	if msgs := s.rooms[roomID]; len(msgs) > 0 {
		copied := msgs[len(msgs)-1]
		newest = &copied
	}
	s.mu.Unlock()
	if fn != nil {
		fn(roomID, newest)
	}
}

func (s *MessageStore) contains(roomID chat.RoomID, id string) bool {
	_, ok := s.indexOf(roomID, id)
	return ok
}

func (s *MessageStore) indexOf(roomID chat.RoomID, id string) (int, bool) {
	for i, msg := range s.rooms[roomID] {
		if msg.ID == id {
			return i, true
		}
	}
	return 0, false
}

func containsID(msgs []chat.ChatMessage, id string) bool {
	for _, msg := range msgs {
		if msg.ID == id {
			return true
		}
	}
	return false
}

func insertSorted(msgs []chat.ChatMessage, msg chat.ChatMessage) []chat.ChatMessage {
	idx := sort.Search(len(msgs), func(i int) bool { return chat.Less(msg, msgs[i]) })
	msgs = append(msgs, chat.ChatMessage{})
	copy(msgs[idx+1:], msgs[idx:])
	msgs[idx] = msg
	return msgs
}

func removeAt(msgs []chat.ChatMessage, idx int) []chat.ChatMessage {
	return append(msgs[:idx], msgs[idx+1:]...)
}

func statusIn(status chat.MessageStatus, allowed []chat.MessageStatus) bool {
	for _, candidate := range allowed {
		if status == candidate {
			return true
		}
	}
	return false
}
