package domain

import "time"

// RoomCode is the short human-shareable identifier of a room.
type RoomCode string

// UserID identifies a participant for the lifetime of one session.
type UserID string

// ConnectionID is the transport-assigned handle used to address one
// connected participant. Opaque to everything above the signal layer.
type ConnectionID string

// Room is a short-lived named session scope. It is owned by the registry
// and deleted the instant its participant list becomes empty.
type Room struct {
	ID           string
	Code         RoomCode
	Title        string
	Description  string
	CreatedAt    time.Time
	IsActive     bool
	Participants []Participant
	Messages     []ChatMessage
}

// Participant is one connected user within a room, in join order.
type Participant struct {
	UserID       UserID
	Username     string
	ConnectionID ConnectionID
	JoinedAt     time.Time
}

// ChatMessage is an append-only room chat entry. Username is a snapshot
// taken at send time.
type ChatMessage struct {
	UserID    UserID
	Username  string
	Text      string
	Timestamp time.Time
}

// ParticipantCount returns the number of participants in the room.
func (r *Room) ParticipantCount() int {
	return len(r.Participants)
}

// FindParticipant returns the participant for a connection id, if present.
func (r *Room) FindParticipant(connID ConnectionID) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ConnectionID == connID {
			return p, true
		}
	}
	return Participant{}, false
}
