package store

import (
	"sync"
	"time"

	"rentchat/internal/domain/chat"
)

// ReceiptTracker owns read-receipt state: one last-read marker per
// (room, participant). It is the only writer of a message's readBy
// projection. Receipts apply commutatively and idempotently with
// last-writer-wins on ReadAt; server receipts supersede local optimistic
// marks at equal timestamps. The per-participant model holds for any
// number of room members.
type ReceiptTracker struct {
	mu    sync.RWMutex
	marks map[chat.RoomID]map[string]chat.ReadReceipt
}

func NewReceiptTracker() *ReceiptTracker {
	return &ReceiptTracker{marks: make(map[chat.RoomID]map[string]chat.ReadReceipt)}
}

// Apply merges a receipt event. Returns false when the receipt is a
// duplicate or older than the stored marker.
func (t *ReceiptTracker) Apply(receipt chat.ReadReceipt) bool {
	if receipt.RoomID == "" || receipt.ParticipantID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.marks[receipt.RoomID]
	if room == nil {
		room = make(map[string]chat.ReadReceipt)
		t.marks[receipt.RoomID] = room
	}
	prev, ok := room[receipt.ParticipantID]
	if ok && !receipt.Supersedes(prev) {
		return false
	}
	room[receipt.ParticipantID] = receipt
	return true
}

// MarkLocalRead records an optimistic local read up to messageID,
// timestamped with the local clock. A later server receipt supersedes it.
func (t *ReceiptTracker) MarkLocalRead(roomID chat.RoomID, participantID, messageID string, now time.Time) bool {
	return t.Apply(chat.ReadReceipt{
		RoomID:            roomID,
		ParticipantID:     participantID,
		LastReadMessageID: messageID,
		ReadAt:            now.UTC(),
		Local:             true,
	})
}

// LastRead returns the participant's current marker for the room.
func (t *ReceiptTracker) LastRead(roomID chat.RoomID, participantID string) (chat.ReadReceipt, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	receipt, ok := t.marks[roomID][participantID]
	return receipt, ok
}

// UnreadCount counts messages positioned after the participant's
// last-read marker, excluding the participant's own messages. Messages
// must be the room's display-ordered list.
func (t *ReceiptTracker) UnreadCount(roomID chat.RoomID, participantID string, messages []chat.ChatMessage) int {
	receipt, ok := t.LastRead(roomID, participantID)
	start := 0
	if ok {
		if idx, found := positionOf(messages, receipt.LastReadMessageID); found {
			start = idx + 1
		}
	}
	count := 0
	for _, msg := range messages[min(start, len(messages)):] {
		if msg.SenderID == participantID {
			continue
		}
		count++
	}
	return count
}

// ReadBy projects which participants have read the given message: those
// whose last-read marker sits at or after its position.
func (t *ReceiptTracker) ReadBy(roomID chat.RoomID, messageID string, messages []chat.ChatMessage) []chat.ReadEntry {
	target, found := positionOf(messages, messageID)
	if !found {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	entries := make([]chat.ReadEntry, 0, len(t.marks[roomID]))
	for participantID, receipt := range t.marks[roomID] {
		idx, ok := positionOf(messages, receipt.LastReadMessageID)
		if !ok || idx < target {
			continue
		}
		entries = append(entries, chat.ReadEntry{ParticipantID: participantID, ReadAt: receipt.ReadAt})
	}
	return entries
}

// Remap moves receipt state from a provisional room to the canonical id.
func (t *ReceiptTracker) Remap(oldRoomID, newRoomID chat.RoomID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	marks, ok := t.marks[oldRoomID]
	if !ok {
		return
	}
	delete(t.marks, oldRoomID)
	room := t.marks[newRoomID]
	if room == nil {
		t.marks[newRoomID] = marks
		return
	}
	for participantID, receipt := range marks {
		prev, ok := room[participantID]
		if ok && !receipt.Supersedes(prev) {
			continue
		}
		room[participantID] = receipt
	}
}

func positionOf(messages []chat.ChatMessage, id string) (int, bool) {
	if id == "" {
		return 0, false
	}
	for i, msg := range messages {
		if msg.ID == id {
			return i, true
		}
	}
	return 0, false
}
