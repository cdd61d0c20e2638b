package chat

import "github.com/MaiM-with-u/Maimchat/internal/wire"

// Message is one chat bubble.
type Message struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	FromUser  bool   `json:"isFromUser"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// EventKind tells which field of an Event is set.
type EventKind int

const (
	EventState EventKind = iota
	EventMessage
	EventStandard
	EventError
	EventMotion
	// EventContent carries the classified payload of an incoming message,
	// including voice and emoji parts that never become a bubble.
	EventContent
)

// Motion is a motion trigger requested through the manager.
type Motion struct {
	Group string `json:"group"`
	Index int    `json:"index"`
	Loop  bool   `json:"loop"`
}

// Event is published to subscribers from the manager loop.
type Event struct {
	Kind     EventKind
	State    State
	Message  Message
	Standard *wire.Message
	Content  wire.Content
	Err      string
	Motion   Motion
}

// Snapshot is a consistent copy of the manager's buffers.
type Snapshot struct {
	State    State
	Messages []Message
	Standard []*wire.Message
}
