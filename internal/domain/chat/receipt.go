package chat

import "time"

// ReadReceipt records that a participant has read a room up to a given
// message. Receipts are last-writer-wins per (room, participant); an
// older or duplicate receipt is a no-op when applied.
type ReadReceipt struct {
	RoomID            RoomID
	ParticipantID     string
	LastReadMessageID string
	ReadAt            time.Time
	// Local marks an optimistic client-side receipt. A server receipt
	// with an equal or later ReadAt supersedes it.
	Local bool
}

// Supersedes reports whether this receipt should replace prev.
func (r ReadReceipt) Supersedes(prev ReadReceipt) bool {
	if r.ReadAt.After(prev.ReadAt) {
		return true
	}
	if r.ReadAt.Equal(prev.ReadAt) {
		return prev.Local && !r.Local
	}
	return false
}

// ReadEntry is one element of a message's readBy projection.
type ReadEntry struct {
	ParticipantID string
	ReadAt        time.Time
}
