package l2dchat

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/messenger"
)

const (
	sendQueue    = 64
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	closeWait    = time.Second
)

var (
	// ErrClosed is returned by Send after the connection has gone away.
	ErrClosed = errors.New("ipc connection closed")
	// ErrQueueFull is returned by Send when the writer is backed up.
	ErrQueueFull = errors.New("ipc send queue full")
)

// Conn is a messenger.Channel over the chatd /ipc websocket. Events read
// from the socket are applied to the attached client.
type Conn struct {
	ws     *websocket.Conn
	client *messenger.Client
	logger zerolog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Dial opens the IPC websocket described by api and attaches client to it.
// Commands the client queued while detached are flushed on attach.
func Dial(ctx context.Context, api *API, client *messenger.Client, logger zerolog.Logger) (*Conn, error) {
	target, err := api.IPCURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if api.Token != "" {
		header.Set("Authorization", "Bearer "+api.Token)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		ws:     ws,
		client: client,
		logger: logger.With().Str("ipc", target).Logger(),
		send:   make(chan []byte, sendQueue),
		done:   make(chan struct{}),
	}
	c.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()

	client.Attach(c)
	return c, nil
}

// Send queues env for the socket without blocking.
func (c *Conn) Send(env messenger.Envelope) error {
	data, err := messenger.Encode(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close flushes queued commands, closes the socket and waits for both
// loops to exit.
func (c *Conn) Close() {
	c.shutdown()
	c.wg.Wait()
}

func (c *Conn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer func() {
		c.client.Detach()
		c.shutdown()
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn().Err(err).Msg("ipc read failed")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		env, err := messenger.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed ipc event")
			continue
		}
		c.client.HandleEvent(env)
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.logger.Warn().Err(err).Msg("ipc write failed")
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			c.flush()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
			return
		}
	}
}

// flush writes queued commands so a final unregister is not lost.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if c.write(data) != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
