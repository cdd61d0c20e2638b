// Package wire implements the structured chat message envelope exchanged
// with the chat server and its JSON text encoding.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// GroupInfo identifies a group conversation.
type GroupInfo struct {
	Platform  string `json:"platform,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	GroupName string `json:"group_name,omitempty"`
}

// UserInfo identifies a user.
type UserInfo struct {
	Platform     string `json:"platform,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	UserNickname string `json:"user_nickname,omitempty"`
	UserCardname string `json:"user_cardname,omitempty"`
}

// Meaningful reports whether any field is non-blank.
func (u *UserInfo) Meaningful() bool {
	if u == nil {
		return false
	}
	for _, v := range []string{u.Platform, u.UserID, u.UserNickname, u.UserCardname} {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// Party is a sender or receiver identity block.
type Party struct {
	Group *GroupInfo `json:"group_info,omitempty"`
	User  *UserInfo  `json:"user_info,omitempty"`
}

// FormatInfo negotiates content formats.
type FormatInfo struct {
	ContentFormat []string `json:"content_format,omitempty"`
	AcceptFormat  []string `json:"accept_format,omitempty"`
}

// TemplateInfo carries server-side prompt template selection.
type TemplateInfo struct {
	TemplateItems   map[string]string `json:"template_items,omitempty"`
	TemplateName    map[string]string `json:"template_name,omitempty"`
	TemplateDefault bool              `json:"template_default"`
}

// MessageInfo is the metadata block of a message.
type MessageInfo struct {
	Platform         string         `json:"platform,omitempty"`
	MessageID        string         `json:"message_id,omitempty"`
	Time             float64        `json:"time,omitempty"` // unix seconds
	Sender           *Party         `json:"sender_info,omitempty"`
	Receiver         *Party         `json:"receiver_info,omitempty"`
	Group            *GroupInfo     `json:"group_info,omitempty"`
	User             *UserInfo      `json:"user_info,omitempty"`
	Format           *FormatInfo    `json:"format_info,omitempty"`
	Template         *TemplateInfo  `json:"template_info,omitempty"`
	AdditionalConfig map[string]any `json:"additional_config,omitempty"`
}

// Message is one chat event.
type Message struct {
	Info       MessageInfo `json:"message_info"`
	Segment    Segment     `json:"message_segment"`
	RawMessage *string     `json:"raw_message,omitempty"`
}

// DecodeError reports malformed wire text.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode wire message: %s: %v", e.Reason, e.Err)
	}
	return "decode wire message: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serializes a message. Nil blocks are omitted, and the legacy
// group_info/user_info fields are filled from sender, then receiver, when unset.
func Encode(m *Message) ([]byte, error) {
	out := *m
	info := m.Info
	if info.Group == nil {
		info.Group = firstGroup(info.Sender, info.Receiver)
	}
	if info.User == nil {
		info.User = firstUser(info.Sender, info.Receiver)
	}
	info.AdditionalConfig = normalizeConfig(info.AdditionalConfig)
	out.Info = info
	return json.Marshal(&out)
}

func firstGroup(parties ...*Party) *GroupInfo {
	for _, p := range parties {
		if p != nil && p.Group != nil {
			return p.Group
		}
	}
	return nil
}

func firstUser(parties ...*Party) *UserInfo {
	for _, p := range parties {
		if p != nil && p.User != nil {
			return p.User
		}
	}
	return nil
}

// Decode parses wire text. Missing optional blocks stay nil.
func Decode(data []byte) (*Message, error) {
	var raw struct {
		Info       json.RawMessage `json:"message_info"`
		Segment    json.RawMessage `json:"message_segment"`
		RawMessage json.RawMessage `json:"raw_message"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &DecodeError{Reason: "invalid json", Err: err}
	}
	if isNull(raw.Info) {
		return nil, &DecodeError{Reason: "missing message_info"}
	}
	if isNull(raw.Segment) {
		return nil, &DecodeError{Reason: "missing message_segment"}
	}

	info, err := decodeInfo(raw.Info)
	if err != nil {
		return nil, &DecodeError{Reason: "message_info", Err: err}
	}

	m := &Message{Info: *info}
	if err := json.Unmarshal(raw.Segment, &m.Segment); err != nil {
		return nil, &DecodeError{Reason: "message_segment", Err: err}
	}

	if !isNull(raw.RawMessage) {
		s, err := scalarString(raw.RawMessage)
		if err != nil {
			return nil, &DecodeError{Reason: "raw_message", Err: err}
		}
		m.RawMessage = &s
	}
	return m, nil
}

type rawParty struct {
	Group json.RawMessage `json:"group_info"`
	User  json.RawMessage `json:"user_info"`
}

func decodeInfo(b []byte) (*MessageInfo, error) {
	var raw struct {
		Platform         json.RawMessage            `json:"platform"`
		MessageID        json.RawMessage            `json:"message_id"`
		Time             *float64                   `json:"time"`
		Sender           *rawParty                  `json:"sender_info"`
		Receiver         *rawParty                  `json:"receiver_info"`
		Group            json.RawMessage            `json:"group_info"`
		User             json.RawMessage            `json:"user_info"`
		Format           *FormatInfo                `json:"format_info"`
		Template         json.RawMessage            `json:"template_info"`
		AdditionalConfig map[string]json.RawMessage `json:"additional_config"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}

	info := &MessageInfo{Format: raw.Format}
	var err error
	if info.Platform, err = scalarString(raw.Platform); err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	if info.MessageID, err = scalarString(raw.MessageID); err != nil {
		return nil, fmt.Errorf("message_id: %w", err)
	}
	if raw.Time != nil {
		info.Time = *raw.Time
	}
	if info.Sender, err = decodeParty(raw.Sender); err != nil {
		return nil, fmt.Errorf("sender_info: %w", err)
	}
	if info.Receiver, err = decodeParty(raw.Receiver); err != nil {
		return nil, fmt.Errorf("receiver_info: %w", err)
	}

	// Legacy blocks fall back to the receiver identity
	group, err := decodeGroup(raw.Group)
	if err != nil {
		return nil, fmt.Errorf("group_info: %w", err)
	}
	if group == nil && info.Receiver != nil {
		group = info.Receiver.Group
	}
	info.Group = group

	user, err := decodeUser(raw.User)
	if err != nil {
		return nil, fmt.Errorf("user_info: %w", err)
	}
	if user == nil && info.Receiver != nil {
		user = info.Receiver.User
	}
	if user.Meaningful() {
		info.User = user
	}

	if !isNull(raw.Template) {
		tpl := TemplateInfo{TemplateDefault: true}
		if err := json.Unmarshal(raw.Template, &tpl); err != nil {
			return nil, fmt.Errorf("template_info: %w", err)
		}
		info.Template = &tpl
	}

	if raw.AdditionalConfig != nil {
		info.AdditionalConfig = make(map[string]any, len(raw.AdditionalConfig))
		for k, v := range raw.AdditionalConfig {
			info.AdditionalConfig[k] = configValue(v)
		}
	}
	return info, nil
}

func decodeParty(p *rawParty) (*Party, error) {
	if p == nil {
		return nil, nil
	}
	group, err := decodeGroup(p.Group)
	if err != nil {
		return nil, err
	}
	user, err := decodeUser(p.User)
	if err != nil {
		return nil, err
	}
	return &Party{Group: group, User: user}, nil
}

// decodeGroup returns nil for a missing block or one without a group_id.
func decodeGroup(b json.RawMessage) (*GroupInfo, error) {
	if !isObject(b) {
		return nil, nil
	}
	var raw struct {
		Platform  json.RawMessage `json:"platform"`
		GroupID   json.RawMessage `json:"group_id"`
		GroupName json.RawMessage `json:"group_name"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	if isNull(raw.GroupID) {
		return nil, nil
	}
	g := &GroupInfo{}
	var err error
	if g.GroupID, err = scalarString(raw.GroupID); err != nil {
		return nil, err
	}
	if g.GroupID == "" {
		return nil, nil
	}
	if g.Platform, err = scalarString(raw.Platform); err != nil {
		return nil, err
	}
	if g.GroupName, err = scalarString(raw.GroupName); err != nil {
		return nil, err
	}
	return g, nil
}

func decodeUser(b json.RawMessage) (*UserInfo, error) {
	if !isObject(b) {
		return nil, nil
	}
	var raw struct {
		Platform     json.RawMessage `json:"platform"`
		UserID       json.RawMessage `json:"user_id"`
		UserNickname json.RawMessage `json:"user_nickname"`
		UserCardname json.RawMessage `json:"user_cardname"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	u := &UserInfo{}
	var err error
	if u.Platform, err = scalarString(raw.Platform); err != nil {
		return nil, err
	}
	if u.UserID, err = scalarString(raw.UserID); err != nil {
		return nil, err
	}
	if u.UserNickname, err = scalarString(raw.UserNickname); err != nil {
		return nil, err
	}
	if u.UserCardname, err = scalarString(raw.UserCardname); err != nil {
		return nil, err
	}
	return u, nil
}

// configValue keeps strings, numbers and booleans; anything else becomes
// its compact JSON text.
func configValue(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	switch v.(type) {
	case string, float64, bool:
		return v
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return string(raw)
		}
		return buf.String()
	}
}

// normalizeConfig applies the same value rules before encoding, so values
// survive a round trip unchanged.
func normalizeConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		switch t := v.(type) {
		case string, bool, float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			out[k] = t
		case nil:
			out[k] = "null"
		default:
			b, err := json.Marshal(t)
			if err != nil {
				out[k] = fmt.Sprint(t)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

func isNull(b json.RawMessage) bool {
	return len(b) == 0 || string(b) == "null"
}

func isObject(b json.RawMessage) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}
