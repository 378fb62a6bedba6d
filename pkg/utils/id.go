package utils

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
)

const roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RoomCodeLength is the length of human-shareable room codes.
const RoomCodeLength = 6

// GenerateUserID returns a unique user identifier, minted at join time.
func GenerateUserID() string {
	return uuid.NewString()
}

// GenerateConnectionID returns a transport-level connection identifier.
func GenerateConnectionID() string {
	return uuid.NewString()
}

// GenerateRoomCode returns a random room code drawn from A-Z0-9.
// Uniqueness against live rooms is the registry's job; the code space is
// large enough that regeneration on collision is a fallback, not the
// common path.
func GenerateRoomCode() string {
	buf := make([]byte, RoomCodeLength)
	max := big.NewInt(int64(len(roomCodeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails if the OS entropy source is broken
			panic(err)
		}
		buf[i] = roomCodeAlphabet[n.Int64()]
	}
	return string(buf)
}
