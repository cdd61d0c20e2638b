// Package messenger is the command/event protocol that lets several local
// processes share the one chat connection owned by the service.
//
// Commands flow from clients to the service, events flow back. Both travel
// as an Envelope: a stable integer opcode plus a bag of extras keyed by the
// extra_* names below.
package messenger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/MaiM-with-u/Maimchat/internal/chat"
	"github.com/MaiM-with-u/Maimchat/internal/wire"
)

// Op is a command or event opcode. Values are part of the protocol and
// must never be renumbered.
type Op int

// Client to service commands.
const (
	OpRegister               Op = 1
	OpUnregister             Op = 2
	OpConnect                Op = 3
	OpDisconnect             Op = 4
	OpSendMessage            Op = 5
	OpUpdateConfig           Op = 6
	OpRequestSnapshot        Op = 7
	OpClearMessages          Op = 8
	OpSetActiveModel         Op = 9
	OpClearMessagesEphemeral Op = 10
)

// Service to client events.
const (
	OpConnectionState Op = 101
	OpNewMessage      Op = 102
	OpSnapshot        Op = 103
	OpError           Op = 104
	OpStandardMessage Op = 105
)

// Extras keys.
const (
	ExtraURL              = "extra_url"
	ExtraPlatform         = "extra_platform"
	ExtraAuthToken        = "extra_auth_token"
	ExtraMessageText      = "extra_message_text"
	ExtraNickname         = "extra_nickname"
	ExtraReceiverID       = "extra_receiver_id"
	ExtraReceiverNickname = "extra_receiver_nickname"
	ExtraModelName        = "extra_model_name"

	ExtraConnectionState   = "extra_connection_state"
	ExtraConnectionLabel   = "extra_connection_label"
	ExtraMessageID         = "extra_message_id"
	ExtraMessageContent    = "extra_message_content"
	ExtraMessageFromUser   = "extra_message_from_user"
	ExtraMessageTimestamp  = "extra_message_timestamp"
	ExtraMessageBundleList = "extra_message_bundle_list"
	ExtraStandardList      = "extra_standard_message_list"
	ExtraStandardJSON      = "extra_standard_message_json"
	ExtraErrorMessage      = "extra_error_message"
)

var opNames = map[Op]string{
	OpRegister:               "register",
	OpUnregister:             "unregister",
	OpConnect:                "connect",
	OpDisconnect:             "disconnect",
	OpSendMessage:            "send_message",
	OpUpdateConfig:           "update_config",
	OpRequestSnapshot:        "request_snapshot",
	OpClearMessages:          "clear_messages",
	OpSetActiveModel:         "set_active_model",
	OpClearMessagesEphemeral: "clear_messages_ephemeral",
	OpConnectionState:        "connection_state",
	OpNewMessage:             "new_message",
	OpSnapshot:               "snapshot",
	OpError:                  "error",
	OpStandardMessage:        "standard_message",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("unknown_%d", int(o))
}

// IsCommand reports whether o travels from client to service.
func (o Op) IsCommand() bool {
	return o >= OpRegister && o <= OpClearMessagesEphemeral
}

// ErrMalformed is returned for envelopes that cannot be parsed.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is one protocol frame.
type Envelope struct {
	Op     Op             `json:"op"`
	Extras map[string]any `json:"extras,omitempty"`
}

// NewEnvelope builds an envelope from alternating key/value pairs.
func NewEnvelope(op Op, kv ...any) Envelope {
	env := Envelope{Op: op}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		env.Set(key, kv[i+1])
	}
	return env
}

// Set stores an extra.
func (e *Envelope) Set(key string, value any) {
	if e.Extras == nil {
		e.Extras = make(map[string]any)
	}
	e.Extras[key] = value
}

// Has reports whether key is present, even when its value is empty.
func (e Envelope) Has(key string) bool {
	_, ok := e.Extras[key]
	return ok
}

// String returns a string extra. The second result is false when the key
// is missing or not a string.
func (e Envelope) String(key string) (string, bool) {
	s, ok := e.Extras[key].(string)
	return s, ok
}

// Int returns an integer extra. JSON numbers arrive as float64.
func (e Envelope) Int(key string) (int64, bool) {
	switch v := e.Extras[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// Bool returns a boolean extra, false when missing.
func (e Envelope) Bool(key string) bool {
	b, _ := e.Extras[key].(bool)
	return b
}

// Encode serializes an envelope.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Op == 0 {
		return Envelope{}, fmt.Errorf("%w: missing op", ErrMalformed)
	}
	return e, nil
}

// StateLabel is the short label broadcast with connection state events.
func StateLabel(s chat.State) string {
	switch s {
	case chat.Connecting:
		return "连接中"
	case chat.Connected:
		return "已连接"
	case chat.Error:
		return "错误"
	default:
		return "未连接"
	}
}

// StateEvent announces a connection state.
func StateEvent(s chat.State) Envelope {
	return NewEnvelope(OpConnectionState,
		ExtraConnectionState, int(s),
		ExtraConnectionLabel, StateLabel(s),
	)
}

func messageExtras(m chat.Message) map[string]any {
	return map[string]any{
		ExtraMessageID:        m.ID,
		ExtraMessageContent:   m.Content,
		ExtraMessageFromUser:  m.FromUser,
		ExtraMessageTimestamp: m.Timestamp,
	}
}

// MessageEvent announces one new chat bubble.
func MessageEvent(m chat.Message) Envelope {
	return Envelope{Op: OpNewMessage, Extras: messageExtras(m)}
}

// SnapshotEvent carries both full message lists.
func SnapshotEvent(snap chat.Snapshot) Envelope {
	bubbles := make([]any, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		bubbles = append(bubbles, messageExtras(m))
	}
	standard := make([]any, 0, len(snap.Standard))
	for _, m := range snap.Standard {
		data, err := wire.Encode(m)
		if err != nil {
			continue
		}
		standard = append(standard, string(data))
	}
	return NewEnvelope(OpSnapshot,
		ExtraMessageBundleList, bubbles,
		ExtraStandardList, standard,
	)
}

// StandardEvent announces one received wire message.
func StandardEvent(m *wire.Message) (Envelope, error) {
	data, err := wire.Encode(m)
	if err != nil {
		return Envelope{}, err
	}
	return NewEnvelope(OpStandardMessage, ExtraStandardJSON, string(data)), nil
}

// ErrorEvent carries a user-visible error message.
func ErrorEvent(msg string) Envelope {
	return NewEnvelope(OpError, ExtraErrorMessage, msg)
}

// Event is the decoded form of a service event.
type Event struct {
	Op       Op
	State    chat.State
	Label    string
	Message  chat.Message
	Messages []chat.Message
	Standard []*wire.Message
	Err      string
}

// ParseEvent decodes the extras of an event envelope. Entries that cannot be
// decoded are skipped.
func ParseEvent(e Envelope) (Event, error) {
	ev := Event{Op: e.Op}
	switch e.Op {
	case OpConnectionState:
		n, _ := e.Int(ExtraConnectionState)
		ev.State = chat.StateFromOrdinal(int(n))
		ev.Label, _ = e.String(ExtraConnectionLabel)

	case OpNewMessage:
		m, ok := parseMessage(e.Extras)
		if !ok {
			return ev, fmt.Errorf("%w: new message without id or content", ErrMalformed)
		}
		ev.Message = m

	case OpSnapshot:
		list, _ := e.Extras[ExtraMessageBundleList].([]any)
		ev.Messages = make([]chat.Message, 0, len(list))
		for _, item := range list {
			extras, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if m, ok := parseMessage(extras); ok {
				ev.Messages = append(ev.Messages, m)
			}
		}
		raw, _ := e.Extras[ExtraStandardList].([]any)
		for _, item := range raw {
			if s, ok := item.(string); ok {
				if m, err := wire.Decode([]byte(s)); err == nil {
					ev.Standard = append(ev.Standard, m)
				}
			}
		}

	case OpStandardMessage:
		s, _ := e.String(ExtraStandardJSON)
		m, err := wire.Decode([]byte(s))
		if err != nil {
			return ev, err
		}
		ev.Standard = []*wire.Message{m}

	case OpError:
		ev.Err, _ = e.String(ExtraErrorMessage)

	default:
		return ev, fmt.Errorf("%w: unexpected event op %d", ErrMalformed, int(e.Op))
	}
	return ev, nil
}

func parseMessage(extras map[string]any) (chat.Message, bool) {
	e := Envelope{Extras: extras}
	id, ok := e.String(ExtraMessageID)
	if !ok {
		return chat.Message{}, false
	}
	content, ok := e.String(ExtraMessageContent)
	if !ok {
		return chat.Message{}, false
	}
	ts, _ := e.Int(ExtraMessageTimestamp)
	return chat.Message{
		ID:        id,
		Content:   content,
		FromUser:  e.Bool(ExtraMessageFromUser),
		Timestamp: ts,
	}, true
}
