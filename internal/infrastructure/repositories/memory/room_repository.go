package memory

import (
	"context"
	"sync"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/pkg/utils"
)

// MemoryRoomRegistry keeps all room state in process memory behind a
// single mutex. One lock is deliberate: expected room counts are small
// and it makes remove-then-delete-when-empty atomic with respect to
// concurrent joins.
type MemoryRoomRegistry struct {
	rooms map[domain.RoomCode]*domain.Room
	users map[domain.UserID]domain.ConnectionID
	mu    sync.Mutex
}

func NewMemoryRoomRegistry() ports.RoomRegistry {
	return &MemoryRoomRegistry{
		rooms: make(map[domain.RoomCode]*domain.Room),
		users: make(map[domain.UserID]domain.ConnectionID),
	}
}

func (r *MemoryRoomRegistry) Create(ctx context.Context, title, description string) (domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code := domain.RoomCode(utils.GenerateRoomCode())
	for _, exists := r.rooms[code]; exists; _, exists = r.rooms[code] {
		code = domain.RoomCode(utils.GenerateRoomCode())
	}

	room := &domain.Room{
		ID:          utils.GenerateUserID(),
		Code:        code,
		Title:       title,
		Description: description,
		CreatedAt:   time.Now(),
	}
	r.rooms[code] = room
	return snapshot(room), nil
}

func (r *MemoryRoomRegistry) Lookup(ctx context.Context, code domain.RoomCode) (domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[code]
	if !exists {
		return domain.Room{}, domain.ErrRoomNotFound
	}
	return snapshot(room), nil
}

func (r *MemoryRoomRegistry) AddParticipant(ctx context.Context, code domain.RoomCode, userID domain.UserID, username string, connID domain.ConnectionID) (domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[code]
	if !exists {
		return domain.Room{}, domain.ErrRoomNotFound
	}

	room.Participants = append(room.Participants, domain.Participant{
		UserID:       userID,
		Username:     username,
		ConnectionID: connID,
		JoinedAt:     time.Now(),
	})
	room.IsActive = true
	r.users[userID] = connID
	return snapshot(room), nil
}

// RemoveParticipant removes by connection id. Emptying the participant
// list deletes the room in the same critical section, so no lookup can
// ever observe an empty room.
func (r *MemoryRoomRegistry) RemoveParticipant(ctx context.Context, code domain.RoomCode, connID domain.ConnectionID) (domain.Room, domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[code]
	if !exists {
		return domain.Room{}, domain.Participant{}, domain.ErrRoomNotFound
	}

	var removed domain.Participant
	idx := -1
	for i, p := range room.Participants {
		if p.ConnectionID == connID {
			removed = p
			idx = i
			break
		}
	}
	if idx < 0 {
		return snapshot(room), domain.Participant{}, domain.ErrParticipantNotFound
	}

	room.Participants = append(room.Participants[:idx], room.Participants[idx+1:]...)
	delete(r.users, removed.UserID)

	if len(room.Participants) == 0 {
		room.IsActive = false
		delete(r.rooms, code)
	}
	return snapshot(room), removed, nil
}

func (r *MemoryRoomRegistry) AppendMessage(ctx context.Context, code domain.RoomCode, userID domain.UserID, username, text string) (domain.Room, error) {
	if text == "" {
		return domain.Room{}, domain.ErrEmptyMessage
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[code]
	if !exists {
		return domain.Room{}, domain.ErrRoomNotFound
	}

	room.Messages = append(room.Messages, domain.ChatMessage{
		UserID:    userID,
		Username:  username,
		Text:      text,
		Timestamp: time.Now(),
	})
	return snapshot(room), nil
}

// snapshot deep-copies a room so callers never alias registry-owned
// slices.
func snapshot(room *domain.Room) domain.Room {
	out := *room
	out.Participants = make([]domain.Participant, len(room.Participants))
	copy(out.Participants, room.Participants)
	out.Messages = make([]domain.ChatMessage, len(room.Messages))
	copy(out.Messages, room.Messages)
	return out
}
