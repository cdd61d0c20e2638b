package crypto

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewUUIDv7 generates a time-ordered UUID v7.
func NewUUIDv7() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewUserID returns a local chat identity of the form u_<uuidv7>.
func NewUserID() string {
	return "u_" + NewUUIDv7().String()
}

// NewMessageID returns an outbound wire message id of the form msg_<ulid>.
func NewMessageID() string {
	return "msg_" + ulid.Make().String()
}
