package chat

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrParticipantsRequired = errors.New("chat: room needs at least two participants")
	ErrEquipmentRequired    = errors.New("chat: equipment id is required")
	ErrRoomNotFound         = errors.New("chat: room not found")
)

type RoomID string

// Participant identifies a chat member. Immutable once the room exists.
type Participant struct {
	ID        string
	Name      string
	AvatarURL string
}

// Equipment is the rental listing a room is anchored to.
type Equipment struct {
	ID          string
	Name        string
	Description string
	ImageURL    string
}

// ChatRoom is one conversation about one piece of equipment. The
// LastMessage* fields are a denormalized cache of the newest message and
// may lag behind the message store until the next sync.
type ChatRoom struct {
	ID           RoomID
	Equipment    Equipment
	Participants []Participant
	CreatedAt    time.Time
	UpdatedAt    time.Time

	LastMessageID     string
	LastMessageText   string
	LastMessageSender string
	LastMessageAt     time.Time

	// Provisional marks a room created optimistically with a client id,
	// replaced by the server's canonical room on confirmation.
	Provisional bool
}

type NewRoomParams struct {
	ID           RoomID
	Equipment    Equipment
	Participants []Participant
	Now          time.Time
	Provisional  bool
}

func NewRoom(params NewRoomParams) (ChatRoom, error) {
	if strings.TrimSpace(params.Equipment.ID) == "" {
		return ChatRoom{}, ErrEquipmentRequired
	}
	participants := dedupeParticipants(params.Participants)
	if len(participants) < 2 {
		return ChatRoom{}, ErrParticipantsRequired
	}
	now := params.Now.UTC()
	return ChatRoom{
		ID:           params.ID,
		Equipment:    params.Equipment,
		Participants: participants,
		CreatedAt:    now,
		UpdatedAt:    now,
		Provisional:  params.Provisional,
	}, nil
}

// Key returns the idempotency key for room creation: one room exists per
// (equipment, unordered participant set).
func (r ChatRoom) Key() string {
	ids := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		ids = append(ids, p.ID)
	}
	return RoomKey(r.Equipment.ID, ids)
}

// RoomKey normalizes an equipment id and participant ids into the room
// lookup key.
func RoomKey(equipmentID string, participantIDs []string) string {
	return strings.TrimSpace(equipmentID) + "|" + strings.Join(NormalizeParticipantIDs(participantIDs), ",")
}

// NormalizeParticipantIDs trims, deduplicates and sorts participant ids.
func NormalizeParticipantIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LastActivity is the recency used for ordering the room list: the last
// message time, or creation time for rooms with no messages yet.
func (r ChatRoom) LastActivity() time.Time {
	if !r.LastMessageAt.IsZero() {
		return r.LastMessageAt
	}
	return r.CreatedAt
}

// HasParticipant reports whether the given user is a room member.
func (r ChatRoom) HasParticipant(id string) bool {
	for _, p := range r.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

func dedupeParticipants(participants []Participant) []Participant {
	seen := make(map[string]struct{}, len(participants))
	out := make([]Participant, 0, len(participants))
	for _, p := range participants {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			continue
		}
		if _, ok := seen[p.ID]; ok {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
