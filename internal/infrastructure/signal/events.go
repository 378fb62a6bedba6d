package signal

import (
	"encoding/json"
	"time"
)

// Inbound event types.
const (
	EventJoin             = "join"
	EventOffer            = "offer"
	EventAnswer           = "answer"
	EventICECandidate     = "ice-candidate"
	EventSendMessage      = "send-message"
	EventLeaveRoom        = "leave-room"
	EventAudioStreamStart = "audio-stream-start"
	EventAudioStreamEnd   = "audio-stream-end"
)

// Outbound event types.
const (
	EventWelcome              = "welcome"
	EventExistingParticipants = "existing-participants"
	EventUserJoined           = "user-joined"
	EventUserLeft             = "user-left"
	EventReceiveMessage       = "receive-message"
	EventAudioStreamStarted   = "audio-stream-started"
	EventAudioStreamEnded     = "audio-stream-ended"
	EventError                = "error"
)

// Error codes carried in ErrorPayload.
const (
	ErrCodeRoomNotFound   = "room-not-found"
	ErrCodeInvalidPayload = "invalid-payload"
	ErrCodeNotJoined      = "not-joined"
	ErrCodeUnknownEvent   = "unknown-event"
	ErrCodeRateLimited    = "rate-limited"
)

// Envelope is the inbound wire frame: a tagged union keyed by Type with a
// fixed payload schema per event kind.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is the outbound wire frame.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

type JoinPayload struct {
	RoomCode string `json:"roomCode"`
	Username string `json:"username"`
}

// RelayPayload rides offer, answer and ice-candidate events. Data is
// opaque to the relay; To addresses the target connection inbound, From
// stamps the sender's connection outbound.
type RelayPayload struct {
	To   string          `json:"to,omitempty"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data"`
}

type ChatPayload struct {
	Message string `json:"message"`
}

type WelcomePayload struct {
	ConnectionID string `json:"connectionId"`
}

type ParticipantInfo struct {
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	ConnectionID string `json:"connectionId"`
}

// ExistingParticipantsPayload answers a successful join. Participants is
// the room snapshot at the moment the join completed, self included.
type ExistingParticipantsPayload struct {
	Self         ParticipantInfo   `json:"self"`
	Participants []ParticipantInfo `json:"participants"`
}

type UserJoinedPayload struct {
	ParticipantInfo
	ParticipantCount int `json:"participantCount"`
}

type UserLeftPayload struct {
	ParticipantInfo
	ParticipantCount int `json:"participantCount"`
}

type ReceiveMessagePayload struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type AudioStreamPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
