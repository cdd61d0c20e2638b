// Package chattest provides a chat server speaking the wire message protocol,
// for tests and local development.
package chattest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/crypto"
	"github.com/MaiM-with-u/Maimchat/internal/wire"
)

// ServerPlatform tags every message the server sends.
const ServerPlatform = "live2d_server"

// Canned replies.
const (
	Welcome       = "连接成功！欢迎使用Live2D对话系统"
	ReplyHello    = "你好！我是Live2D助手，很高兴见到你！"
	ReplyMotion   = "今天天气真不错呢~"
	ReplyChat     = "我可以和你聊天，还能做各种动作哦！"
	ReplyEmoji    = "收到了你的表情，真可爱！"
	ReplyVoice    = "我听到了你的声音，谢谢分享！"
	emojiSample   = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="
	voiceSample   = "UklGRjr4AQBXQVZFZm10IBAAAAABAAABAC44AABuOAAABAAAAAA="
	sendQueueSize = 64
)

// Options configure a Server.
type Options struct {
	// WelcomeDelay is the pause before the welcome message. Negative disables it.
	WelcomeDelay time.Duration
	// ReplyDelay is the pause before each canned reply. Negative disables replies.
	ReplyDelay time.Duration
	// RequireToken, when set, rejects handshakes without this bearer token.
	RequireToken string
	Logger       zerolog.Logger
}

// Handshake records the headers of one accepted connection.
type Handshake struct {
	Platform      string
	Authorization string
	Subprotocol   string
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Server is an http.Handler serving the chat socket on any path.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	mu         sync.Mutex
	clients    map[*client]struct{}
	handshakes []Handshake
	received   []*wire.Message
	rejected   int
	wg         sync.WaitGroup
}

// New creates a server.
func New(opts Options) *Server {
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{"chat"},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP validates the handshake headers and upgrades the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	platform := r.Header.Get("platform")
	if platform == "" {
		s.reject(w, http.StatusBadRequest, "missing platform header")
		return
	}
	auth := r.Header.Get("Authorization")
	if auth != "" && !strings.HasPrefix(auth, "Bearer ") {
		s.reject(w, http.StatusUnauthorized, "invalid authorization format")
		return
	}
	if s.opts.RequireToken != "" && strings.TrimPrefix(auth, "Bearer ") != s.opts.RequireToken {
		s.reject(w, http.StatusUnauthorized, "invalid token")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.Logger.Error().Err(err).Msg("upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendQueueSize)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.handshakes = append(s.handshakes, Handshake{
		Platform:      platform,
		Authorization: auth,
		Subprotocol:   conn.Subprotocol(),
	})
	s.mu.Unlock()

	s.opts.Logger.Info().Str("platform", platform).Bool("auth", auth != "").Msg("client connected")

	s.wg.Add(2)
	go s.readMessages(c)
	go s.writeMessages(c)

	if s.opts.WelcomeDelay >= 0 {
		s.after(s.opts.WelcomeDelay, func() { s.sendTo(c, textMessage(Welcome, nil)) })
	}
}

func (s *Server) reject(w http.ResponseWriter, status int, reason string) {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
	s.opts.Logger.Warn().Str("reason", reason).Msg("handshake rejected")
	http.Error(w, reason, status)
}

func (s *Server) readMessages(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.close()
		s.wg.Done()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.opts.Logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			s.sendTo(c, textMessage("错误: 消息格式错误", nil))
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, msg)
		s.mu.Unlock()

		if s.opts.ReplyDelay >= 0 {
			reply := Reply(msg)
			s.after(s.opts.ReplyDelay, func() { s.sendTo(c, reply) })
		}
	}
}

func (s *Server) writeMessages(c *client) {
	defer func() {
		c.conn.Close()
		s.wg.Done()
	}()

	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Server) after(d time.Duration, fn func()) {
	if d == 0 {
		fn()
		return
	}
	time.AfterFunc(d, fn)
}

func (s *Server) sendTo(c *client, msg *wire.Message) {
	data, err := wire.Encode(msg)
	if err != nil {
		return
	}
	s.sendRaw(c, data)
}

func (s *Server) sendRaw(c *client, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		s.opts.Logger.Warn().Msg("client queue full, dropping message")
	}
}

// Broadcast sends msg to every connected client.
func (s *Server) Broadcast(msg *wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	s.BroadcastRaw(data)
	return nil
}

// BroadcastRaw sends raw text to every connected client.
func (s *Server) BroadcastRaw(data []byte) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.sendRaw(c, data)
	}
}

// CloseAll sends a close frame with code to every client and drops them.
func (s *Server) CloseAll(code int, reason string) {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
		delete(s.clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.close()
	}
}

// Clients returns the number of open connections.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Handshakes returns the accepted handshakes in order.
func (s *Server) Handshakes() []Handshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Handshake(nil), s.handshakes...)
}

// Rejected returns how many handshakes were refused.
func (s *Server) Rejected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected
}

// Received returns the messages clients sent.
func (s *Server) Received() []*wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.Message(nil), s.received...)
}

// Wait blocks until every connection goroutine has exited.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Reply picks the canned answer for an incoming message.
func Reply(msg *wire.Message) *wire.Message {
	seg := msg.Segment
	// Outbound client text arrives wrapped in a single-child seglist
	if seg.IsList() && len(seg.Children) == 1 {
		seg = seg.Children[0]
	}

	switch seg.Type {
	case wire.SegText:
		return replyToText(seg.Data)
	case wire.SegEmoji:
		return textMessage(ReplyEmoji, nil)
	case wire.SegVoice:
		return textMessage(ReplyVoice, nil)
	case wire.SegSeglist:
		return textMessage(fmt.Sprintf("收到了包含 %d 个部分的复合消息！", len(seg.Children)), nil)
	default:
		return textMessage("收到未知类型消息: "+seg.Type, nil)
	}
}

func replyToText(text string) *wire.Message {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "hello") || strings.Contains(lower, "你好"):
		return textMessage(ReplyHello, nil)
	case strings.Contains(lower, "动作") || strings.Contains(lower, "motion"):
		return textMessage(ReplyMotion, map[string]any{"group": "TapBody", "index": 0, "loop": false})
	case strings.Contains(lower, "表情") || strings.Contains(lower, "emoji"):
		return segmentMessage(wire.Segment{Type: wire.SegEmoji, Data: emojiSample})
	case strings.Contains(lower, "声音") || strings.Contains(lower, "语音") || strings.Contains(lower, "voice"):
		return segmentMessage(wire.Segment{Type: wire.SegVoice, Data: voiceSample})
	default:
		return textMessage(ReplyChat, map[string]any{"group": "Idle", "index": 1, "loop": false})
	}
}

func textMessage(text string, motion map[string]any) *wire.Message {
	msg := segmentMessage(wire.NewTextSegment(text))
	if motion != nil {
		b, _ := json.Marshal(motion)
		msg.Info.AdditionalConfig["motion"] = string(b)
	}
	return msg
}

func segmentMessage(seg wire.Segment) *wire.Message {
	return &wire.Message{
		Info: wire.MessageInfo{
			Platform:         ServerPlatform,
			MessageID:        "srv_" + crypto.NewUUIDv7().String(),
			Time:             float64(time.Now().UnixMilli()) / 1000,
			AdditionalConfig: map[string]any{},
		},
		Segment: seg,
	}
}

// Message builds a server text message with a fixed id and time, for tests
// that need duplicates or backdated entries.
func Message(id, text string, at time.Time) *wire.Message {
	msg := segmentMessage(wire.NewTextSegment(text))
	msg.Info.MessageID = id
	msg.Info.Time = float64(at.UnixMilli()) / 1000
	return msg
}
