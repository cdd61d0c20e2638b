package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/logging"
	"github.com/MaiM-with-u/Maimchat/internal/messenger"
)

const (
	ipcSendQueue    = 64
	ipcWriteTimeout = 10 * time.Second
	ipcPongWait     = 60 * time.Second
	ipcPingPeriod   = 30 * time.Second
	ipcReadLimit    = 64 * 1024
	ipcCloseWait    = time.Second
)

// IPC serves the messenger protocol over websockets. Every connection is a
// messenger.Endpoint; commands it sends go to the service and events the
// service delivers go back out through a bounded queue.
type IPC struct {
	service  *messenger.Service
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*ipcConn
	closed bool
	wg     sync.WaitGroup
}

// NewIPC creates the websocket endpoint for service.
func NewIPC(service *messenger.Service, logger zerolog.Logger) *IPC {
	return &IPC{
		service: service,
		logger:  logging.Module(logger, "ipc"),
		conns:   make(map[string]*ipcConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Access is controlled by the IPC token, not by origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and runs the connection's pumps.
func (h *IPC) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ipc upgrade failed")
		return
	}

	c := &ipcConn{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, ipcSendQueue),
		done:   make(chan struct{}),
		logger: h.logger,
	}
	c.logger = h.logger.With().Str("endpoint", c.id).Logger()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ws.Close()
		return
	}
	h.conns[c.id] = c
	h.wg.Add(2)
	h.mu.Unlock()

	c.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("ipc client connected")
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		h.readPump(c)
	}()
}

// Connections returns the number of open websocket connections.
func (h *IPC) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close disconnects every client and waits for their pumps to exit.
func (h *IPC) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*ipcConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
	h.wg.Wait()
}

func (h *IPC) readPump(c *ipcConn) {
	defer func() {
		h.service.Unregister(c.id)
		c.shutdown()
		h.mu.Lock()
		delete(h.conns, c.id)
		h.mu.Unlock()
		c.logger.Info().Msg("ipc client disconnected")
	}()

	c.ws.SetReadLimit(ipcReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(ipcPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(ipcPongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("ipc read failed")
			}
			return
		}
		env, err := messenger.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed ipc frame")
			continue
		}
		c.logger.Debug().Str("op", env.Op.String()).Msg("ipc command")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = h.service.Handle(ctx, c, env)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Str("op", env.Op.String()).Msg("ipc command failed")
			_ = c.Deliver(messenger.ErrorEvent(err.Error()))
		}
	}
}

// ipcConn is one websocket client.
type ipcConn struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func (c *ipcConn) ID() string {
	return c.id
}

// Deliver queues env without blocking. A full queue means the client is not
// keeping up, and it is dropped.
func (c *ipcConn) Deliver(env messenger.Envelope) error {
	data, err := messenger.Encode(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return messenger.ErrEndpointGone
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn().Msg("ipc send queue full, dropping client")
		c.shutdown()
		return messenger.ErrEndpointGone
	}
}

func (c *ipcConn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *ipcConn) writePump() {
	ticker := time.NewTicker(ipcPingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(ipcWriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("ipc write failed")
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(ipcWriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(ipcCloseWait))
			return
		}
	}
}

// flush writes what is still queued so a final error or snapshot event is
// not lost on shutdown.
func (c *ipcConn) flush() {
	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(ipcWriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
