package messenger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/chat"
	"github.com/MaiM-with-u/Maimchat/internal/logging"
	"github.com/MaiM-with-u/Maimchat/internal/metrics"
	"github.com/MaiM-with-u/Maimchat/internal/store"
	"github.com/MaiM-with-u/Maimchat/internal/worker"
)

// User-visible errors sent as error events.
const (
	errEmptyText   = "发送内容不能为空"
	errNoURL       = "未提供有效的服务器地址"
	errNoURLStored = "未设置服务器地址，无法连接"
)

// ErrEndpointGone is returned by an Endpoint whose peer has gone away.
var ErrEndpointGone = errors.New("endpoint gone")

// Endpoint is one registered client. Deliver must not block; a delivery
// error removes the endpoint from the broadcast set.
type Endpoint interface {
	ID() string
	Deliver(Envelope) error
}

// Service hosts the chat manager for every registered endpoint.
type Service struct {
	manager *chat.Manager
	prefs   *store.Prefs
	pool    *worker.Pool
	logger  zerolog.Logger

	// mu serializes endpoint changes and deliveries so a registering
	// endpoint gets its snapshot before any broadcast event.
	mu        sync.Mutex
	endpoints []Endpoint

	// cmdMu serializes command handling and guards the last-known config.
	cmdMu sync.Mutex
	cfg   store.ConnectionConfig

	cancel   func()
	observed sync.WaitGroup
}

// NewService wires a service around manager. prefs and pool may be nil, in
// which case config and widget previews are not persisted. seed is used
// when nothing has been persisted yet.
func NewService(manager *chat.Manager, prefs *store.Prefs, pool *worker.Pool, seed store.ConnectionConfig, logger zerolog.Logger) *Service {
	return &Service{
		manager: manager,
		prefs:   prefs,
		pool:    pool,
		logger:  logging.Module(logger, "messenger"),
		cfg:     trimConfig(seed),
		cancel:  func() {},
	}
}

func trimConfig(c store.ConnectionConfig) store.ConnectionConfig {
	return store.ConnectionConfig{
		URL:              strings.TrimSpace(c.URL),
		Platform:         strings.TrimSpace(c.Platform),
		AuthToken:        strings.TrimSpace(c.AuthToken),
		Nickname:         c.Nickname,
		ReceiverID:       strings.TrimSpace(c.ReceiverID),
		ReceiverNickname: strings.TrimSpace(c.ReceiverNickname),
	}
}

// Start restores the active model and the persisted connection config,
// starts broadcasting manager events and reconnects when a URL is known.
func (s *Service) Start(ctx context.Context) error {
	if s.prefs != nil {
		name, err := s.prefs.ModelName(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to restore model name")
		}
		if err := s.manager.SetActiveModel(ctx, name); err != nil {
			return err
		}

		stored, err := s.prefs.LoadConnection(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to restore connection config")
		} else if stored != (store.ConnectionConfig{}) {
			s.cmdMu.Lock()
			s.cfg = trimConfig(stored)
			s.cmdMu.Unlock()
		}
	}

	s.cmdMu.Lock()
	cfg := s.cfg
	s.cmdMu.Unlock()

	if cfg.Platform != "" {
		if err := s.manager.SetPlatform(cfg.Platform); err != nil {
			return err
		}
	}
	if err := s.manager.SetAuthToken(cfg.AuthToken); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Nickname) != "" {
		if err := s.manager.SetNickname(cfg.Nickname); err != nil {
			return err
		}
	}
	if cfg.ReceiverID != "" || cfg.ReceiverNickname != "" {
		if err := s.manager.SetReceiver(cfg.ReceiverID, cfg.ReceiverNickname); err != nil {
			return err
		}
	}

	events, cancel := s.manager.Subscribe()
	s.cancel = cancel
	s.observed.Add(1)
	go s.observe(events)

	s.logger.Info().Bool("url", cfg.URL != "").Str("platform", cfg.Platform).Msg("messenger service started")
	if cfg.URL != "" {
		if err := s.manager.Connect(cfg.URL, cfg.Platform, cfg.AuthToken); err != nil {
			s.logger.Warn().Err(err).Msg("restore connect failed")
		}
	}
	return nil
}

// Close stops broadcasting and forgets every endpoint. The manager is
// owned by the caller.
func (s *Service) Close() {
	s.cancel()
	s.observed.Wait()

	s.mu.Lock()
	s.endpoints = nil
	s.mu.Unlock()
	metrics.MessengerClients.Set(0)
}

// observe turns manager events into broadcasts. New bubbles and standard
// messages are deduplicated against the last one broadcast.
func (s *Service) observe(events <-chan chat.Event) {
	defer s.observed.Done()

	var lastMessageID, lastStandardID string
	for ev := range events {
		switch ev.Kind {
		case chat.EventState:
			s.broadcast(StateEvent(ev.State))

		case chat.EventMessage:
			if ev.Message.ID == lastMessageID {
				continue
			}
			lastMessageID = ev.Message.ID
			s.updatePreview(ev.Message)
			s.broadcast(MessageEvent(ev.Message))

		case chat.EventStandard:
			id := strings.TrimSpace(ev.Standard.Info.MessageID)
			if id == "" || id == lastStandardID {
				continue
			}
			lastStandardID = id
			env, err := StandardEvent(ev.Standard)
			if err != nil {
				s.logger.Error().Err(err).Str("message_id", id).Msg("failed to encode standard message")
				continue
			}
			s.broadcast(env)

		case chat.EventError:
			s.broadcast(ErrorEvent(ev.Err))
		}
	}
}

// Register adds an endpoint, sends it a snapshot and then announces the
// current state to everyone.
func (s *Service) Register(ep Endpoint) {
	s.mu.Lock()
	for _, existing := range s.endpoints {
		if existing.ID() == ep.ID() {
			s.mu.Unlock()
			s.sendSnapshot(ep)
			return
		}
	}
	s.endpoints = append(s.endpoints, ep)
	metrics.MessengerClients.Set(float64(len(s.endpoints)))
	s.logger.Info().Str("endpoint", ep.ID()).Int("clients", len(s.endpoints)).Msg("endpoint registered")

	if err := ep.Deliver(SnapshotEvent(s.manager.Snapshot())); err != nil {
		s.removeLocked(ep.ID(), err)
	}
	s.mu.Unlock()

	s.broadcast(StateEvent(s.manager.State()))
}

// Unregister removes an endpoint.
func (s *Service) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id, nil)
}

func (s *Service) removeLocked(id string, cause error) {
	for i, ep := range s.endpoints {
		if ep.ID() != id {
			continue
		}
		s.endpoints = append(s.endpoints[:i], s.endpoints[i+1:]...)
		metrics.MessengerClients.Set(float64(len(s.endpoints)))
		if cause != nil {
			metrics.MessengerDropped.Inc()
			s.logger.Warn().Err(cause).Str("endpoint", id).Msg("client delivery failed, removing endpoint")
		} else {
			s.logger.Info().Str("endpoint", id).Int("clients", len(s.endpoints)).Msg("endpoint unregistered")
		}
		return
	}
}

// Endpoints returns the number of registered endpoints.
func (s *Service) Endpoints() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.endpoints)
}

func (s *Service) broadcast(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var failed []Endpoint
	var errs []error
	for _, ep := range s.endpoints {
		if err := ep.Deliver(env); err != nil {
			failed = append(failed, ep)
			errs = append(errs, err)
		}
	}
	for i, ep := range failed {
		s.removeLocked(ep.ID(), errs[i])
	}
}

// sendSnapshot delivers a snapshot to target, or to everyone when target
// is nil.
func (s *Service) sendSnapshot(target Endpoint) {
	env := SnapshotEvent(s.manager.Snapshot())
	if target == nil {
		s.broadcast(env)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := target.Deliver(env); err != nil {
		s.removeLocked(target.ID(), err)
	}
}

func (s *Service) notifyError(msg string) {
	s.broadcast(ErrorEvent(msg))
}

// Handle executes one command from ep. ep may be nil for commands that do
// not need a reply target.
func (s *Service) Handle(ctx context.Context, ep Endpoint, env Envelope) error {
	if !env.Op.IsCommand() {
		return fmt.Errorf("%w: %s is not a command", ErrMalformed, env.Op)
	}
	metrics.MessengerCommands.WithLabelValues(env.Op.String()).Inc()

	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()

	switch env.Op {
	case OpRegister:
		if ep != nil {
			s.Register(ep)
		}
	case OpUnregister:
		if ep != nil {
			s.Unregister(ep.ID())
		}
	case OpConnect:
		s.handleConnect(ctx, env)
	case OpDisconnect:
		return s.manager.Disconnect()
	case OpSendMessage:
		s.handleSend(env)
	case OpUpdateConfig:
		return s.handleConfigUpdate(ctx, env)
	case OpRequestSnapshot:
		s.sendSnapshot(ep)
	case OpClearMessages:
		if err := s.manager.ClearMessages(); err != nil {
			return err
		}
		s.sendSnapshot(nil)
	case OpClearMessagesEphemeral:
		if err := s.manager.ClearMessagesEphemeral(); err != nil {
			return err
		}
		s.sendSnapshot(nil)
	case OpSetActiveModel:
		name, _ := env.String(ExtraModelName)
		if err := s.manager.SetActiveModel(ctx, name); err != nil {
			return err
		}
		s.sendSnapshot(nil)
	}
	return nil
}

func (s *Service) handleConnect(ctx context.Context, env Envelope) {
	url := nonBlank(env, ExtraURL, s.cfg.URL)
	if url == "" {
		s.notifyError(errNoURL)
		return
	}
	platform := nonBlank(env, ExtraPlatform, s.cfg.Platform)
	token := nonBlank(env, ExtraAuthToken, s.cfg.AuthToken)

	s.logger.Info().
		Str("url", url).
		Str("platform", platform).
		Bool("auth", token != "").
		Msg("connect requested")

	s.cfg.URL = url
	s.cfg.Platform = platform
	s.cfg.AuthToken = token
	s.persist(ctx)

	if err := s.manager.Connect(url, platform, token); err != nil {
		s.logger.Error().Err(err).Msg("connect failed")
	}
}

// nonBlank returns the trimmed extra, or fallback when it is missing or blank.
func nonBlank(env Envelope, key, fallback string) string {
	if v, ok := env.String(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func (s *Service) handleSend(env Envelope) {
	text, _ := env.String(ExtraMessageText)
	text = strings.TrimSpace(text)
	if text == "" {
		s.notifyError(errEmptyText)
		return
	}
	s.ensureConnected()
	if err := s.manager.SendText(text, ""); err != nil {
		// The bubble is kept; the manager has already logged the failure
		s.logger.Debug().Err(err).Msg("message queued locally only")
	}
}

func (s *Service) handleConfigUpdate(ctx context.Context, env Envelope) error {
	needReconnect := false

	if v, ok := env.String(ExtraPlatform); ok {
		s.cfg.Platform = strings.TrimSpace(v)
		if err := s.manager.SetPlatform(s.cfg.Platform); err != nil {
			return err
		}
		needReconnect = true
	}
	if v, ok := env.String(ExtraAuthToken); ok {
		s.cfg.AuthToken = strings.TrimSpace(v)
		if err := s.manager.SetAuthToken(s.cfg.AuthToken); err != nil {
			return err
		}
		needReconnect = true
	}
	if v, ok := env.String(ExtraNickname); ok {
		s.cfg.Nickname = v
		if strings.TrimSpace(v) != "" {
			if err := s.manager.SetNickname(v); err != nil {
				return err
			}
		}
	}
	if env.Has(ExtraReceiverID) || env.Has(ExtraReceiverNickname) {
		id, _ := env.String(ExtraReceiverID)
		nick, _ := env.String(ExtraReceiverNickname)
		s.cfg.ReceiverID = strings.TrimSpace(id)
		s.cfg.ReceiverNickname = strings.TrimSpace(nick)
		if err := s.manager.SetReceiver(s.cfg.ReceiverID, s.cfg.ReceiverNickname); err != nil {
			return err
		}
	}
	if v, ok := env.String(ExtraURL); ok {
		s.cfg.URL = strings.TrimSpace(v)
		needReconnect = true
	}

	s.persist(ctx)
	if needReconnect {
		s.ensureConnected()
	}
	return nil
}

// ensureConnected reconnects with the last known config unless a
// connection is already open or in progress.
func (s *Service) ensureConnected() {
	state := s.manager.State()
	if state == chat.Connected || state == chat.Connecting {
		return
	}
	if s.cfg.URL == "" {
		s.notifyError(errNoURLStored)
		return
	}
	s.logger.Debug().Str("state", state.String()).Str("url", s.cfg.URL).Msg("ensure connected")
	if err := s.manager.Connect(s.cfg.URL, s.cfg.Platform, s.cfg.AuthToken); err != nil {
		s.logger.Error().Err(err).Msg("reconnect failed")
	}
}

// Snapshot returns the chat manager's current state and messages.
func (s *Service) Snapshot() chat.Snapshot {
	return s.manager.Snapshot()
}

// Config returns the last known connection config.
func (s *Service) Config() store.ConnectionConfig {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	return s.cfg
}

func (s *Service) persist(ctx context.Context) {
	if s.prefs == nil {
		return
	}
	if err := s.prefs.SaveConnection(ctx, s.cfg); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist connection config")
	}
}

// updatePreview stores the latest bubble as the widget preview text.
func (s *Service) updatePreview(m chat.Message) {
	if s.prefs == nil || s.pool == nil {
		return
	}
	preview := FormatPreview(m.Content, m.FromUser)
	err := s.pool.Submit("widget:preview", func(ctx context.Context) error {
		return s.prefs.SetWidgetInput(ctx, preview)
	})
	if err != nil {
		s.logger.Debug().Err(err).Msg("widget preview not saved")
	}
}
