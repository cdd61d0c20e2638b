package chat

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/MaiM-with-u/Maimchat/internal/crypto"
	"github.com/MaiM-with-u/Maimchat/internal/metrics"
	"github.com/MaiM-with-u/Maimchat/internal/store"
	"github.com/MaiM-with-u/Maimchat/internal/wire"
)

// Message types tagged in additional_config.
const (
	TypeChat   = "chat"
	TypeMotion = "motion"
)

var acceptFormats = []string{wire.SegText, wire.SegImage, wire.SegEmoji, wire.SegVoice}

var unsafeKeyChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// ModelKey turns a model name into the key its history is stored under.
func ModelKey(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	return unsafeKeyChars.ReplaceAllString(strings.ToLower(name), "_")
}

// handleIncoming runs on the loop for every text frame.
func (m *Manager) handleIncoming(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		metrics.MessagesReceived.WithLabelValues("decode_error").Inc()
		m.logger.Error().Err(err).Int("bytes", len(data)).Msg("dropping malformed message")
		return
	}

	id := strings.TrimSpace(msg.Info.MessageID)
	if id != "" {
		if _, dup := m.standardIDs[id]; dup {
			metrics.MessagesReceived.WithLabelValues("duplicate").Inc()
			m.logger.Debug().Str("message_id", id).Msg("duplicate message dropped")
			return
		}
	}
	m.addStandard(msg)

	content := wire.Classify(msg.Segment)
	m.emit(Event{Kind: EventContent, Standard: msg, Content: content})
	text, bubble := content.Display()
	if !bubble {
		metrics.MessagesReceived.WithLabelValues("accepted").Inc()
		m.persist()
		return
	}

	serverTime := int64(msg.Info.Time * 1000)
	skew := m.opts.HistoricalSkew.Milliseconds()
	if serverTime > 0 && m.lastServerTime > 0 && serverTime+skew < m.lastServerTime {
		metrics.MessagesReceived.WithLabelValues("historical").Inc()
		m.logger.Debug().Str("message_id", id).Int64("time", serverTime).Msg("historical message, no bubble")
		m.persist()
		return
	}

	if id == "" {
		id = crypto.NewMessageID()
	}
	ts := serverTime
	if ts <= 0 {
		ts = time.Now().UnixMilli()
	}
	m.addMessage(Message{
		ID:        id,
		Content:   text,
		FromUser:  m.isSenderMe(msg.Info.Sender),
		Timestamp: ts,
	})
	if serverTime > m.lastServerTime {
		m.lastServerTime = serverTime
	}
	metrics.MessagesReceived.WithLabelValues("accepted").Inc()
	m.persist()
}

func (m *Manager) isSenderMe(sender *wire.Party) bool {
	if sender == nil || sender.User == nil {
		return false
	}
	if id := sender.User.UserID; id != "" && id == m.opts.UserID {
		return true
	}
	nick := sender.User.UserNickname
	return nick != "" && m.nickname != "" && nick == m.nickname
}

func (m *Manager) addStandard(msg *wire.Message) {
	if id := strings.TrimSpace(msg.Info.MessageID); id != "" {
		m.standardIDs[id] = struct{}{}
	}
	m.standard = append(m.standard, msg)
	m.trimStandard()
	m.emit(Event{Kind: EventStandard, Standard: msg})
}

// trimStandard drops the oldest standard messages beyond HistoryLimit.
func (m *Manager) trimStandard() {
	over := len(m.standard) - m.opts.HistoryLimit
	if over <= 0 {
		return
	}
	for _, old := range m.standard[:over] {
		if id := strings.TrimSpace(old.Info.MessageID); id != "" {
			delete(m.standardIDs, id)
		}
	}
	m.standard = slices.Delete(m.standard, 0, over)
}

func (m *Manager) trimMessages() {
	over := len(m.messages) - m.opts.HistoryLimit
	if over <= 0 {
		return
	}
	for _, old := range m.messages[:over] {
		delete(m.bubbleIDs, old.ID)
	}
	m.messages = slices.Delete(m.messages, 0, over)
}

func (m *Manager) addMessage(msg Message) bool {
	if _, dup := m.bubbleIDs[msg.ID]; dup {
		return false
	}
	m.bubbleIDs[msg.ID] = struct{}{}
	m.messages = append(m.messages, msg)
	m.trimMessages()
	m.emit(Event{Kind: EventMessage, Message: msg})
	return true
}

// SendText sends user text. The bubble is recorded locally even when the
// socket is down; the error then reports that nothing was sent.
// receiverOverride, when set, addresses this message to that identity.
func (m *Manager) SendText(text, receiverOverride string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	var sendErr error
	if err := m.call(func() {
		raw := text
		msg := m.build(wire.NewTextSegment(text), TypeChat, &raw, nil, receiverOverride)
		m.addMessage(Message{
			ID:        msg.Info.MessageID,
			Content:   text,
			FromUser:  true,
			Timestamp: time.Now().UnixMilli(),
		})
		m.persist()
		sendErr = m.send(msg, TypeChat)
	}); err != nil {
		return err
	}
	return sendErr
}

// SendMotion asks the server side to play a motion and notifies local
// subscribers so they can play it too.
func (m *Manager) SendMotion(group string, index int, loop bool) error {
	var sendErr error
	if err := m.call(func() {
		motion := Motion{Group: group, Index: index, Loop: loop}
		m.emit(Event{Kind: EventMotion, Motion: motion})

		extra := map[string]any{
			"motion": map[string]any{"group": group, "index": index, "loop": loop},
		}
		text := fmt.Sprintf("播放动作: %s[%d]", group, index)
		msg := m.build(wire.NewTextSegment(text), TypeMotion, nil, extra, "")
		sendErr = m.send(msg, TypeMotion)
	}); err != nil {
		return err
	}
	return sendErr
}

// SendRaw writes pre-encoded wire text.
func (m *Manager) SendRaw(data []byte) error {
	var sendErr error
	if err := m.call(func() { sendErr = m.write(data, "raw") }); err != nil {
		return err
	}
	return sendErr
}

// build assembles an outbound wire message from the local identity.
func (m *Manager) build(seg wire.Segment, messageType string, raw *string, extra map[string]any, receiverOverride string) *wire.Message {
	root := seg
	if !root.IsList() {
		root = wire.NewSeglist(seg)
	}

	override := strings.TrimSpace(receiverOverride)
	sender := &wire.Party{User: &wire.UserInfo{
		Platform:     m.platform,
		UserID:       m.opts.UserID,
		UserNickname: m.nickname,
	}}
	receiver := &wire.Party{User: &wire.UserInfo{
		Platform:     m.platform,
		UserID:       firstNonBlank(override, m.receiverID, m.modelName),
		UserNickname: firstNonBlank(override, m.receiverNick, m.modelName),
	}}

	cfg := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		cfg[k] = v
	}
	cfg["message_type"] = messageType
	if raw != nil {
		cfg["raw"] = *raw
	}

	return &wire.Message{
		Info: wire.MessageInfo{
			Platform:  m.platform,
			MessageID: crypto.NewMessageID(),
			Time:      float64(time.Now().UnixMilli()) / 1000,
			Sender:    sender,
			Receiver:  receiver,
			User:      sender.User,
			Format: &wire.FormatInfo{
				ContentFormat: root.Types(),
				AcceptFormat:  acceptFormats,
			},
			AdditionalConfig: cfg,
		},
		Segment:    root,
		RawMessage: raw,
	}
}

func (m *Manager) send(msg *wire.Message, messageType string) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return m.write(data, messageType)
}

func (m *Manager) write(data []byte, messageType string) error {
	if m.sess == nil || m.state != Connected {
		if m.throttle.Allow("send_without_connection") {
			m.logger.Warn().Msg("未连接, 发送失败")
		}
		return ErrNotConnected
	}
	select {
	case m.sess.send <- data:
		metrics.MessagesSent.WithLabelValues(messageType).Inc()
		if m.throttle.Allow("send_preview") {
			m.logger.Debug().Int("bytes", len(data)).Str("message_type", messageType).Msg("sent")
		}
		return nil
	default:
		return ErrSendQueueFull
	}
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ClearMessages empties both buffers and the persisted history.
func (m *Manager) ClearMessages() error {
	return m.call(func() {
		m.clear()
		m.persist()
	})
}

// ClearMessagesEphemeral empties both buffers but keeps persisted history.
func (m *Manager) ClearMessagesEphemeral() error {
	return m.call(m.clear)
}

func (m *Manager) clear() {
	m.messages = nil
	m.standard = nil
	m.bubbleIDs = make(map[string]struct{})
	m.standardIDs = make(map[string]struct{})
	m.lastServerTime = 0
}

// SetActiveModel selects the model whose history is shown and persisted.
// The model name also becomes the default receiver identity. A blank name
// disables history persistence and leaves the buffers as they are.
func (m *Manager) SetActiveModel(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	key := ModelKey(name)

	var history *store.History
	if key != "" && m.prefs != nil {
		if m.pool != nil {
			// Pending writes for this key must land before we read it back
			m.pool.Flush()
		}
		h, err := m.prefs.LoadHistory(ctx, key)
		if err != nil {
			m.logger.Error().Err(err).Str("model", key).Msg("加载历史失败")
		}
		history = &h
	}

	return m.call(func() {
		m.modelName = name
		m.modelKey = key
		if history != nil {
			m.applyHistory(*history)
		}
	})
}

// ActiveModelKey returns the sanitized key of the active model.
func (m *Manager) ActiveModelKey() string {
	var key string
	_ = m.call(func() { key = m.modelKey })
	return key
}

func (m *Manager) applyHistory(h store.History) {
	m.clear()
	for _, e := range h.Messages {
		if e.ID == "" {
			continue
		}
		m.bubbleIDs[e.ID] = struct{}{}
		m.messages = append(m.messages, Message{
			ID:        e.ID,
			Content:   e.Content,
			FromUser:  e.IsFromUser,
			Timestamp: e.Timestamp,
		})
	}
	for _, raw := range h.Standard {
		msg, err := wire.Decode([]byte(raw))
		if err != nil {
			continue
		}
		msg = msg.WithPlatform(m.platform)
		if id := strings.TrimSpace(msg.Info.MessageID); id != "" {
			m.standardIDs[id] = struct{}{}
		}
		m.standard = append(m.standard, msg)
		if ts := int64(msg.Info.Time * 1000); ts > m.lastServerTime {
			m.lastServerTime = ts
		}
	}
	m.trimMessages()
	m.trimStandard()
	m.logger.Info().
		Str("model", m.modelKey).
		Int("messages", len(m.messages)).
		Int("standard", len(m.standard)).
		Msg("history loaded")
}

// persist queues a history write for the active model.
func (m *Manager) persist() {
	if m.prefs == nil || m.pool == nil || m.modelKey == "" {
		return
	}
	key := m.modelKey
	limit := m.opts.HistoryLimit

	entries := make([]store.HistoryEntry, len(m.messages))
	for i, msg := range m.messages {
		entries[i] = store.HistoryEntry{
			ID:         msg.ID,
			Content:    msg.Content,
			IsFromUser: msg.FromUser,
			Timestamp:  msg.Timestamp,
		}
	}
	standard := m.standard
	if len(standard) > limit {
		standard = standard[len(standard)-limit:]
	}
	standard = append([]*wire.Message(nil), standard...)

	err := m.pool.Submit("history:"+key, func(ctx context.Context) error {
		h := store.History{Messages: entries}
		for _, msg := range standard {
			data, err := wire.Encode(msg)
			if err != nil {
				continue
			}
			h.Standard = append(h.Standard, string(data))
		}
		return m.prefs.SaveHistory(ctx, key, h, limit)
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("保存历史失败")
	}
}
