// Package transport adapts gorilla websocket connections to the send/close
// handle used by the connection registry.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wotw-multiverse/syncserver/internal/connections"
	"github.com/wotw-multiverse/syncserver/internal/logging"
)

var (
	// ErrClosed is returned by Send after the connection was closed.
	ErrClosed = fmt.Errorf("%w: connection closed", connections.ErrTransportFailure)
	// ErrQueueFull is returned by Send when the peer is not draining frames.
	ErrQueueFull = fmt.Errorf("%w: send queue full", connections.ErrTransportFailure)
)

// Config tunes one connection.
type Config struct {
	SendQueue  int           `yaml:"send_queue" validate:"gte=1"`
	WriteWait  time.Duration `yaml:"write_wait" validate:"gt=0"`
	PongWait   time.Duration `yaml:"pong_wait" validate:"gte=0"`
	ReadLimit  int64         `yaml:"read_limit" validate:"gte=0"`
	Text       bool          `yaml:"text"`
	PingPeriod time.Duration `yaml:"-"`
}

// DefaultConfig returns binary frames, a 256 frame queue and a one minute
// pong deadline.
func DefaultConfig() Config {
	return Config{
		SendQueue: 256,
		WriteWait: 10 * time.Second,
		PongWait:  60 * time.Second,
		ReadLimit: 1 << 20,
	}
}

func (cfg Config) normalized() Config {
	def := DefaultConfig()
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.PingPeriod <= 0 && cfg.PongWait > 0 {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	return cfg
}

// Conn is a websocket connection with a buffered send queue drained by a
// single write pump. It implements connections.Socket.
type Conn struct {
	ws  *websocket.Conn
	cfg Config
	log logging.Logger

	send      chan []byte
	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
	frame     []byte
}

// New takes ownership of ws and starts its write pump.
func New(ws *websocket.Conn, cfg Config, log logging.Logger) *Conn {
	if log == nil {
		log = logging.Noop()
	}
	cfg = cfg.normalized()
	c := &Conn{
		ws:       ws,
		cfg:      cfg,
		log:      log,
		send:     make(chan []byte, cfg.SendQueue),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	if cfg.ReadLimit > 0 {
		ws.SetReadLimit(cfg.ReadLimit)
	}
	if cfg.PongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		})
	}
	go c.writePump()
	return c
}

// Send queues data for the write pump without blocking.
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

// Close flushes queued frames, sends a close frame with code and reason and
// closes the socket. Only the first call has an effect.
func (c *Conn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.frame = websocket.FormatCloseMessage(code, reason)
		close(c.done)
	})
	return nil
}

// Done is closed once Close was called or the write pump failed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Wait blocks until the write pump has exited and the socket is closed.
func (c *Conn) Wait(ctx context.Context) error {
	select {
	case <-c.pumpDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Read returns the next data frame. Errors wrap
// connections.ErrTransportFailure; see IsNormalClose.
func (c *Conn) Read() ([]byte, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", connections.ErrTransportFailure, err)
		}
		if kind == websocket.BinaryMessage || kind == websocket.TextMessage {
			return data, nil
		}
	}
}

// IsNormalClose reports whether err is the peer going away cleanly.
func IsNormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway || ce.Code == websocket.CloseNoStatusReceived
	}
	return false
}

func (c *Conn) messageType() int {
	if c.cfg.Text {
		return websocket.TextMessage
	}
	return websocket.BinaryMessage
}

func (c *Conn) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteMessage(c.messageType(), data)
}

func (c *Conn) writePump() {
	var ping <-chan time.Time
	if c.cfg.PingPeriod > 0 {
		ticker := time.NewTicker(c.cfg.PingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer func() {
		c.closeOnce.Do(func() { close(c.done) })
		_ = c.ws.Close()
		close(c.pumpDone)
	}()

	for {
		select {
		case <-c.done:
			c.flush()
			if c.frame != nil {
				_ = c.ws.WriteControl(websocket.CloseMessage, c.frame, time.Now().Add(c.cfg.WriteWait))
			}
			return
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.log.Debug(context.Background(), "websocket write failed", logging.Err(err))
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.log.Debug(context.Background(), "websocket ping failed", logging.Err(err))
				return
			}
		}
	}
}

// flush writes frames queued before Close.
func (c *Conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}
