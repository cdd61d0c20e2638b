// Package chat owns the single socket to the chat server: connection state,
// reconnect policy, message de-duplication and local chat history.
//
// A Manager runs one loop goroutine. Every state and buffer mutation happens
// on that loop; public methods post closures to it and accessors copy what
// they return.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/config"
	"github.com/MaiM-with-u/Maimchat/internal/crypto"
	"github.com/MaiM-with-u/Maimchat/internal/logging"
	"github.com/MaiM-with-u/Maimchat/internal/metrics"
	"github.com/MaiM-with-u/Maimchat/internal/store"
	"github.com/MaiM-with-u/Maimchat/internal/wire"
	"github.com/MaiM-with-u/Maimchat/internal/worker"
)

// DefaultPlatform is used when no platform is configured.
const DefaultPlatform = "live2d_chat"

const (
	sendQueueSize    = 64
	subscriberBuffer = 256
)

var (
	// ErrClosed is returned by calls on a closed manager.
	ErrClosed = errors.New("chat manager closed")
	// ErrNotConnected is returned when sending without an open socket.
	ErrNotConnected = errors.New("not connected")
	// ErrSendQueueFull is returned when the socket writer is backed up.
	ErrSendQueueFull = errors.New("send queue full")
	// ErrNoURL is returned by Connect without a server address.
	ErrNoURL = errors.New("missing server url")
	// ErrEmptyMessage is returned when sending blank text.
	ErrEmptyMessage = errors.New("empty message")
)

// Options tune a Manager. Zero values take the defaults.
type Options struct {
	Platform         string
	AuthToken        string
	Nickname         string
	UserID           string
	ReceiverID       string
	ReceiverNickname string

	MaxAttempts    int           // consecutive failures before giving up
	BackoffBase    time.Duration // reconnect delay is BackoffBase × attempt
	HistoricalSkew time.Duration // messages older than the newest by more are backfill, default 1s
	HistoryLimit   int

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// OptionsFromConfig seeds options from the service configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Platform:         cfg.ChatPlatform,
		AuthToken:        cfg.ChatAuthToken,
		Nickname:         cfg.ChatNickname,
		ReceiverID:       cfg.ChatReceiverID,
		ReceiverNickname: cfg.ChatReceiverNickname,
		MaxAttempts:      cfg.MaxAttempts,
		BackoffBase:      cfg.BackoffBase,
		HistoricalSkew:   cfg.HistoricalSkew,
		HistoryLimit:     cfg.HistoryLimit,
	}
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 1500 * time.Millisecond
	}
	if o.HistoricalSkew <= 0 {
		o.HistoricalSkew = time.Second
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 200
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 20 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 20 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.UserID == "" {
		o.UserID = crypto.NewUserID()
	}
}

// Deps are the collaborators of a Manager. Prefs and Pool may be nil, in
// which case history is kept in memory only.
type Deps struct {
	Dialer Dialer
	Prefs  *store.Prefs
	Pool   *worker.Pool
	Logger zerolog.Logger
}

// session is one open socket and its writer queue.
type session struct {
	conn   Conn
	send   chan []byte
	reason string // close reason, set before send is closed
}

// Manager is the connection state machine.
type Manager struct {
	opts     Options
	dialer   Dialer
	prefs    *store.Prefs
	pool     *worker.Pool
	logger   zerolog.Logger
	throttle *logging.Throttle

	ctx       context.Context
	cancel    context.CancelFunc
	ops       chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Loop-owned.
	state          State
	sess           *session
	gen            uint64
	platform       string
	token          string
	nickname       string
	receiverID     string
	receiverNick   string
	modelName      string
	modelKey       string
	lastURL        string
	attempts       int
	userDisconnect bool
	reconnect      *time.Timer
	lastServerTime int64 // unix ms of the newest accepted server message
	messages       []Message
	standard       []*wire.Message
	bubbleIDs      map[string]struct{}
	standardIDs    map[string]struct{}
	subs           map[int]chan Event
	nextSub        int
}

// New creates a manager and starts its loop.
func New(opts Options, deps Deps) *Manager {
	opts.setDefaults()
	if deps.Dialer == nil {
		deps.Dialer = WebsocketDialer{HandshakeTimeout: opts.DialTimeout}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:         opts,
		dialer:       deps.Dialer,
		prefs:        deps.Prefs,
		pool:         deps.Pool,
		logger:       logging.Module(deps.Logger, "chat"),
		throttle:     logging.NewThrottle(2 * time.Second),
		ctx:          ctx,
		cancel:       cancel,
		ops:          make(chan func()),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		platform:     resolvePlatform(opts.Platform),
		token:        strings.TrimSpace(opts.AuthToken),
		nickname:     strings.TrimSpace(opts.Nickname),
		receiverID:   strings.TrimSpace(opts.ReceiverID),
		receiverNick: strings.TrimSpace(opts.ReceiverNickname),
		bubbleIDs:    make(map[string]struct{}),
		standardIDs:  make(map[string]struct{}),
		subs:         make(map[int]chan Event),
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.ops:
			fn()
		case <-m.quit:
			return
		}
	}
}

// call runs fn on the loop and waits for it.
func (m *Manager) call(fn func()) error {
	done := make(chan struct{})
	select {
	case m.ops <- func() { fn(); close(done) }:
	case <-m.quit:
		return ErrClosed
	}
	<-done
	return nil
}

// post hands fn to the loop without waiting for it to run. It reports
// false once the manager is closed.
func (m *Manager) post(fn func()) bool {
	select {
	case m.ops <- fn:
		return true
	case <-m.quit:
		return false
	}
}

// Close disconnects, closes every subscription and waits for the socket
// goroutines to exit.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		_ = m.call(func() {
			m.userDisconnect = true
			m.stopReconnect()
			m.gen++
			m.dropSession("用户断开")
			m.setState(Disconnected)
			for id, ch := range m.subs {
				delete(m.subs, id)
				close(ch)
			}
		})
		close(m.quit)
		m.cancel()
		<-m.done
		m.wg.Wait()
	})
}

// Subscribe returns a channel of events and a function that cancels the
// subscription. Events are dropped for a subscriber that falls behind.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	var id int
	if err := m.call(func() {
		id = m.nextSub
		m.nextSub++
		m.subs[id] = ch
	}); err != nil {
		close(ch)
		return ch, func() {}
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			_ = m.call(func() {
				if c, ok := m.subs[id]; ok {
					delete(m.subs, id)
					close(c)
				}
			})
		})
	}
}

func (m *Manager) emit(ev Event) {
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			if m.throttle.Allow("subscriber_full") {
				m.logger.Warn().Msg("subscriber queue full, dropping event")
			}
		}
	}
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug().Str("from", m.state.String()).Str("to", s.String()).Msg("connection state")
	m.state = s
	metrics.ConnectionStates.WithLabelValues(s.String()).Inc()
	m.emit(Event{Kind: EventState, State: s})
}

// Connect opens the socket. A blank platform or token keeps the current
// value. It is a no-op while connecting or connected. An explicit connect
// starts a fresh retry budget.
func (m *Manager) Connect(url, platform, token string) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return ErrNoURL
	}
	return m.call(func() {
		if m.state == Connecting || m.state == Connected {
			return
		}
		if strings.TrimSpace(platform) != "" {
			m.applyPlatform(platform)
		}
		if t := strings.TrimSpace(token); t != "" {
			m.token = t
		}
		m.attempts = 0
		m.stopReconnect()
		m.connect(url)
	})
}

// connect runs on the loop.
func (m *Manager) connect(url string) {
	if m.state == Connecting || m.state == Connected {
		return
	}
	m.lastURL = url
	m.userDisconnect = false
	m.setState(Connecting)

	m.gen++
	gen := m.gen
	header := http.Header{}
	header.Set("platform", m.platform)
	if m.token != "" {
		header.Set("Authorization", "Bearer "+m.token)
	}

	m.logger.Info().
		Str("url", url).
		Int("attempt", m.attempts).
		Str("platform", m.platform).
		Bool("auth", m.token != "").
		Msg("connecting")

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.DialTimeout)
		conn, err := m.dialer.Dial(ctx, url, header)
		cancel()
		if !m.post(func() { m.onDial(gen, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (m *Manager) onDial(gen uint64, conn Conn, err error) {
	if gen != m.gen {
		// Superseded by a disconnect or a newer connect
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.fail("建立连接失败："+err.Error(), err)
		return
	}

	m.logger.Info().Msg("handshake complete")
	m.attempts = 0
	m.stopReconnect()
	s := &session{conn: conn, send: make(chan []byte, sendQueueSize)}
	m.sess = s
	m.setState(Connected)

	m.wg.Add(2)
	go m.readPump(s)
	go m.writePump(s)
}

// Disconnect closes the socket and suppresses reconnects until the next
// explicit Connect.
func (m *Manager) Disconnect() error {
	return m.call(func() {
		m.userDisconnect = true
		m.stopReconnect()
		m.gen++
		m.dropSession("用户断开")
		m.setState(Disconnected)
	})
}

func (m *Manager) dropSession(reason string) {
	if m.sess == nil {
		return
	}
	m.sess.reason = reason
	close(m.sess.send)
	m.sess = nil
}

// onConnLost handles a read or write failure of an open session.
func (m *Manager) onConnLost(s *session, err error) {
	if m.sess != s {
		return
	}
	m.dropSession("")

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		m.setState(Disconnected)
		reason := ce.Text
		if strings.TrimSpace(reason) == "" {
			reason = "无"
		}
		m.logger.Warn().Int("code", ce.Code).Str("reason", reason).Msg("server closed connection")
		if ce.Code != websocket.CloseNormalClosure && ce.Code != websocket.CloseGoingAway {
			m.reportError(fmt.Sprintf("服务器异常断开：状态码=%d，原因=%s", ce.Code, reason), err)
		}
		m.scheduleReconnect()
		return
	}
	m.fail("连接中断："+err.Error(), err)
}

// fail handles a transport failure: the state becomes Error and a reconnect
// is considered.
func (m *Manager) fail(msg string, err error) {
	m.dropSession("")
	m.reportError(msg, err)
	m.scheduleReconnect()
}

func (m *Manager) reportError(msg string, err error) {
	m.logger.Error().Err(err).Msg(msg)
	m.setState(Error)
	m.emit(Event{Kind: EventError, Err: msg})
}

// scheduleReconnect arms at most one reconnect timer. attempts counts the
// failures since the last successful handshake.
func (m *Manager) scheduleReconnect() {
	if m.userDisconnect {
		m.logger.Info().Msg("user disconnected, not reconnecting")
		return
	}
	if m.lastURL == "" {
		m.reportError("无法自动重连：缺少上次连接的服务器地址，请重新配置连接信息", nil)
		return
	}
	if m.reconnect != nil {
		if m.throttle.Allow("reconnect_skip") {
			m.logger.Debug().Msg("reconnect already scheduled")
		}
		return
	}

	m.attempts++
	if m.attempts >= m.opts.MaxAttempts {
		metrics.RetriesExhausted.Inc()
		m.reportError(fmt.Sprintf("达到最大重试次数(%d)，已停止自动重连，请检查服务器状态或网络", m.opts.MaxAttempts), nil)
		return
	}

	delay := m.opts.BackoffBase * time.Duration(m.attempts)
	metrics.ReconnectAttempts.Inc()
	m.logger.Info().Dur("delay", delay).Int("attempt", m.attempts).Msg("reconnect scheduled")

	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		m.post(func() {
			if m.reconnect != t {
				return
			}
			m.reconnect = nil
			if m.userDisconnect || m.state == Connected || m.state == Connecting {
				return
			}
			m.connect(m.lastURL)
		})
	})
	m.reconnect = t
}

func (m *Manager) stopReconnect() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) readPump(s *session) {
	defer m.wg.Done()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			m.post(func() { m.onConnLost(s, err) })
			return
		}
		if !m.post(func() { m.handleIncoming(data) }) {
			return
		}
	}
}

func (m *Manager) writePump(s *session) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
			if !ok {
				if s.reason != "" {
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, s.reason)
					s.conn.WriteMessage(websocket.CloseMessage, msg)
				}
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.post(func() { m.onConnLost(s, err) })
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.post(func() { m.onConnLost(s, err) })
				return
			}

		case <-m.quit:
			return
		}
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	var s State
	_ = m.call(func() { s = m.state })
	return s
}

// Platform returns the active platform identifier.
func (m *Manager) Platform() string {
	p := DefaultPlatform
	_ = m.call(func() { p = m.platform })
	return p
}

// Messages returns a copy of the chat bubbles.
func (m *Manager) Messages() []Message {
	var out []Message
	_ = m.call(func() { out = append([]Message(nil), m.messages...) })
	return out
}

// StandardMessages returns a copy of the received wire messages.
func (m *Manager) StandardMessages() []*wire.Message {
	var out []*wire.Message
	_ = m.call(func() { out = append([]*wire.Message(nil), m.standard...) })
	return out
}

// Snapshot returns state and both buffers taken at one point on the loop.
func (m *Manager) Snapshot() Snapshot {
	var snap Snapshot
	_ = m.call(func() {
		snap = Snapshot{
			State:    m.state,
			Messages: append([]Message(nil), m.messages...),
			Standard: append([]*wire.Message(nil), m.standard...),
		}
	})
	return snap
}

// SetPlatform changes the platform tag. Cached wire messages are rewritten
// to the new platform. A blank value restores the default.
func (m *Manager) SetPlatform(platform string) error {
	return m.call(func() { m.applyPlatform(platform) })
}

func (m *Manager) applyPlatform(platform string) {
	resolved := resolvePlatform(platform)
	if resolved == m.platform {
		return
	}
	m.platform = resolved
	for i, msg := range m.standard {
		m.standard[i] = msg.WithPlatform(resolved)
	}
}

func resolvePlatform(p string) string {
	if p = strings.TrimSpace(p); p == "" {
		return DefaultPlatform
	}
	return p
}

// SetAuthToken replaces the bearer token used on the next handshake.
func (m *Manager) SetAuthToken(token string) error {
	return m.call(func() { m.token = strings.TrimSpace(token) })
}

// SetNickname sets the local user's nickname.
func (m *Manager) SetNickname(nickname string) error {
	return m.call(func() { m.nickname = strings.TrimSpace(nickname) })
}

// SetReceiver overrides the remote identity. Blank values fall back to the
// model name.
func (m *Manager) SetReceiver(id, nickname string) error {
	return m.call(func() {
		m.receiverID = strings.TrimSpace(id)
		m.receiverNick = strings.TrimSpace(nickname)
	})
}

// SetModelName sets the receiver model name without touching history.
func (m *Manager) SetModelName(name string) error {
	return m.call(func() { m.modelName = strings.TrimSpace(name) })
}
