package messenger

import (
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/chat"
	"github.com/MaiM-with-u/Maimchat/internal/logging"
	"github.com/MaiM-with-u/Maimchat/internal/wire"
)

const clientEventBuffer = 64

// ErrNoURL is returned by Client.Connect when no server address is known.
var ErrNoURL = errors.New("未设置服务器地址")

// Channel carries commands to the service. Send must not block.
type Channel interface {
	Send(Envelope) error
}

// ClientConfig is the locally remembered connection preferences.
type ClientConfig struct {
	LastURL          string
	Platform         string
	Nickname         string
	ReceiverID       string
	ReceiverNickname string
}

// Client mirrors the service state for one process. Commands issued before
// a channel is attached are queued and flushed in order on Attach.
type Client struct {
	logger zerolog.Logger

	// sendMu orders commands on the channel. It is never taken while mu is
	// held, so a channel may deliver events synchronously.
	sendMu sync.Mutex

	mu          sync.Mutex
	channel     Channel
	pending     []Envelope
	closed      bool
	state       chat.State
	label       string
	messages    []chat.Message
	standard    []*wire.Message
	cfg         ClientConfig
	activeModel string
	events      chan Event
}

// NewClient creates a detached client.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	return &Client{
		logger: logging.Module(logger, "messenger"),
		cfg: ClientConfig{
			LastURL:          strings.TrimSpace(cfg.LastURL),
			Platform:         strings.TrimSpace(cfg.Platform),
			Nickname:         strings.TrimSpace(cfg.Nickname),
			ReceiverID:       strings.TrimSpace(cfg.ReceiverID),
			ReceiverNickname: strings.TrimSpace(cfg.ReceiverNickname),
		},
		events: make(chan Event, clientEventBuffer),
	}
}

// Events delivers every applied event. Events are dropped when the
// reader falls behind. The channel is closed by Close.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Attach connects the client to the service through ch, flushes queued
// commands and registers.
func (c *Client) Attach(ch Channel) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	c.channel = ch
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	c.logger.Info().Int("pending", len(pending)).Msg("service channel attached")
	for _, env := range pending {
		c.dispatch(env)
	}
	c.dispatch(Envelope{Op: OpRegister})
	c.dispatch(Envelope{Op: OpRequestSnapshot})
}

// Detach forgets the channel. The connection state reads as disconnected
// until the service says otherwise.
func (c *Client) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel = nil
	c.state = chat.Disconnected
	c.label = ""
	c.logger.Warn().Msg("service channel detached")
}

// Close unregisters and closes the event stream.
func (c *Client) Close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ch := c.channel
	c.channel = nil
	c.pending = nil
	c.closed = true
	close(c.events)
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Send(Envelope{Op: OpUnregister})
	}
}

func (c *Client) send(env Envelope) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.dispatch(env)
}

// dispatch must be called with sendMu held.
func (c *Client) dispatch(env Envelope) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ch := c.channel
	if ch == nil {
		c.pending = append(c.pending, env)
		c.logger.Debug().Str("op", env.Op.String()).Int("pending", len(c.pending)).Msg("command queued")
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := ch.Send(env); err != nil {
		c.logger.Error().Err(err).Str("op", env.Op.String()).Msg("send command failed")
		c.mu.Lock()
		if c.channel == ch {
			c.channel = nil
		}
		if !c.closed {
			c.pending = append(c.pending, env)
		}
		c.mu.Unlock()
	}
}

// Pending returns the number of queued commands.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Connect asks the service to connect. A blank url falls back to the last
// known one.
func (c *Client) Connect(url, platform, token string) error {
	c.mu.Lock()
	resolved := strings.TrimSpace(url)
	if resolved == "" {
		resolved = c.cfg.LastURL
	}
	if resolved == "" {
		c.emitLocked(Event{Op: OpError, Err: ErrNoURL.Error()})
		c.mu.Unlock()
		return ErrNoURL
	}
	c.cfg.LastURL = resolved
	if p := strings.TrimSpace(platform); p != "" {
		c.cfg.Platform = p
	}
	env := NewEnvelope(OpConnect, ExtraURL, resolved)
	if c.cfg.Platform != "" {
		env.Set(ExtraPlatform, c.cfg.Platform)
	}
	c.mu.Unlock()

	if t := strings.TrimSpace(token); t != "" {
		env.Set(ExtraAuthToken, t)
	}
	c.send(env)
	return nil
}

// Disconnect asks the service to close the socket.
func (c *Client) Disconnect() {
	c.send(Envelope{Op: OpDisconnect})
}

// SendText sends user text. Blank text is ignored.
func (c *Client) SendText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.send(NewEnvelope(OpSendMessage, ExtraMessageText, text))
}

// SetUserProfile updates the nickname. Blank clears it.
func (c *Client) SetUserProfile(nickname string) {
	nickname = strings.TrimSpace(nickname)
	c.update(func(cfg *ClientConfig) { cfg.Nickname = nickname })
	c.send(NewEnvelope(OpUpdateConfig, ExtraNickname, nickname))
}

// SetReceiverInfo updates the remote identity. Blank values clear it.
func (c *Client) SetReceiverInfo(id, nickname string) {
	id, nickname = strings.TrimSpace(id), strings.TrimSpace(nickname)
	c.update(func(cfg *ClientConfig) {
		cfg.ReceiverID = id
		cfg.ReceiverNickname = nickname
	})
	c.send(NewEnvelope(OpUpdateConfig,
		ExtraReceiverID, id,
		ExtraReceiverNickname, nickname,
	))
}

// UpdatePlatformPreference updates the platform. Blank restores the default.
func (c *Client) UpdatePlatformPreference(platform string) {
	platform = strings.TrimSpace(platform)
	c.update(func(cfg *ClientConfig) { cfg.Platform = platform })
	c.send(NewEnvelope(OpUpdateConfig, ExtraPlatform, platform))
}

// UpdateConnectionURL updates the server address.
func (c *Client) UpdateConnectionURL(url string) {
	url = strings.TrimSpace(url)
	c.update(func(cfg *ClientConfig) { cfg.LastURL = url })
	c.send(NewEnvelope(OpUpdateConfig, ExtraURL, url))
}

func (c *Client) update(fn func(*ClientConfig)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.cfg)
}

// SetActiveModel switches the model whose history the service serves.
func (c *Client) SetActiveModel(name string) {
	name = strings.TrimSpace(name)
	c.mu.Lock()
	c.activeModel = name
	c.mu.Unlock()
	c.send(NewEnvelope(OpSetActiveModel, ExtraModelName, name))
}

// ClearMessages clears local and persisted history.
func (c *Client) ClearMessages() {
	c.clearLocal()
	c.send(Envelope{Op: OpClearMessages})
}

// ClearMessagesEphemeral clears the lists but keeps persisted history.
func (c *Client) ClearMessagesEphemeral() {
	c.clearLocal()
	c.send(Envelope{Op: OpClearMessagesEphemeral})
}

func (c *Client) clearLocal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages, c.standard = nil, nil
}

// RequestSnapshot asks the service for the full lists.
func (c *Client) RequestSnapshot() {
	c.send(Envelope{Op: OpRequestSnapshot})
}

// HandleEvent applies one event from the service.
func (c *Client) HandleEvent(env Envelope) {
	ev, err := ParseEvent(env)
	if err != nil {
		c.logger.Warn().Err(err).Str("op", env.Op.String()).Msg("dropping event")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch ev.Op {
	case OpConnectionState:
		c.state = ev.State
		c.label = ev.Label

	case OpNewMessage:
		for _, m := range c.messages {
			if m.ID == ev.Message.ID {
				return
			}
		}
		c.messages = append(c.messages, ev.Message)

	case OpSnapshot:
		c.messages = ev.Messages
		c.standard = ev.Standard

	case OpStandardMessage:
		m := ev.Standard[0]
		if id := m.Info.MessageID; id != "" {
			for _, existing := range c.standard {
				if existing.Info.MessageID == id {
					return
				}
			}
		}
		c.standard = append(c.standard, m)

	case OpError:
		if strings.TrimSpace(ev.Err) == "" {
			return
		}
	}
	c.emitLocked(ev)
}

func (c *Client) emitLocked(ev Event) {
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.logger.Warn().Str("op", ev.Op.String()).Msg("client event buffer full, dropping event")
	}
}

// State returns the last announced connection state.
func (c *Client) State() chat.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Label returns the connection label, deriving one when the service sent none.
func (c *Client) Label() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.label != "" {
		return c.label
	}
	return StateLabel(c.state)
}

// Messages returns a copy of the chat bubbles.
func (c *Client) Messages() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]chat.Message(nil), c.messages...)
}

// StandardMessages returns a copy of the wire messages.
func (c *Client) StandardMessages() []*wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*wire.Message(nil), c.standard...)
}

// Config returns the locally remembered preferences.
func (c *Client) Config() ClientConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// ActiveModel returns the last model name sent to the service.
func (c *Client) ActiveModel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeModel
}
