package ports

import (
	"context"

	"huddle/internal/core/domain"
)

// RoomRegistry is the authoritative in-memory mapping of room codes to
// room state. Implementations serialize mutating operations so that a
// concurrent join and an emptying removal can never interleave into a
// lost participant or a visible empty room.
//
// All methods return snapshot copies; callers never observe registry-owned
// slices. Mutators return domain.ErrRoomNotFound when the code does not
// resolve, which callers treat as "room gone", not a fatal error.
type RoomRegistry interface {
	Create(ctx context.Context, title, description string) (domain.Room, error)
	Lookup(ctx context.Context, code domain.RoomCode) (domain.Room, error)
	AddParticipant(ctx context.Context, code domain.RoomCode, userID domain.UserID, username string, connID domain.ConnectionID) (domain.Room, error)
	RemoveParticipant(ctx context.Context, code domain.RoomCode, connID domain.ConnectionID) (domain.Room, domain.Participant, error)
	AppendMessage(ctx context.Context, code domain.RoomCode, userID domain.UserID, username, text string) (domain.Room, error)
}
