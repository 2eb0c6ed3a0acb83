// Package notify follows the server clock of an attempt over WebSocket.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	ws "github.com/stemsi/exstem-examtaker/internal/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	eventBuffer      = 16

	// The server drops a client that stays silent for five minutes.
	defaultPingInterval = time.Minute
)

var (
	// ErrFinished is reported by Wait when the server announced the attempt
	// as finalized.
	ErrFinished = errors.New("attempt finalized")
	// ErrClosed is reported once the stream was hung up by either side.
	ErrClosed = errors.New("clock stream closed")
)

// TokenSource yields the bearer token for the handshake.
type TokenSource interface {
	Token() string
}

// Conn is a read-only subscription to the reloj stream of one exam.
type Conn struct {
	baseURL string
	examID  uuid.UUID
	tokens  TokenSource
	dialer  *websocket.Dialer
	log     zerolog.Logger

	pingInterval time.Duration

	events chan ws.Message
	stop   chan struct{}
	done   chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	err     error
	started bool
	closed  bool
}

// New prepares a Conn for wsBaseURL (e.g. ws://host/ws/v1). Nothing is dialed
// until Connect.
func New(wsBaseURL string, examID uuid.UUID, tokens TokenSource, log zerolog.Logger) *Conn {
	return &Conn{
		baseURL: wsBaseURL,
		examID:  examID,
		tokens:  tokens,
		dialer:  &websocket.Dialer{HandshakeTimeout: handshakeTimeout},

		pingInterval: defaultPingInterval,
		log:     log.With().Str("component", "clock_stream").Str("exam_id", examID.String()).Logger(),
		events:  make(chan ws.Message, eventBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Events delivers every decoded server event. It is closed when the stream ends.
func (c *Conn) Events() <-chan ws.Message {
	return c.events
}

func (c *Conn) streamURL() (string, error) {
	u, err := url.Parse(c.baseURL + "/examenes/" + c.examID.String() + "/reloj")
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.tokens.Token())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the stream and starts reading in the background. A Conn can
// be connected once.
func (c *Conn) Connect(ctx context.Context) error {
	target, err := c.streamURL()
	if err != nil {
		return err
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial clock stream: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial clock stream: %w", err)
	}

	c.mu.Lock()
	if c.closed || c.started {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.started = true
	c.mu.Unlock()

	c.log.Debug().Msg("Clock stream connected")
	go c.readLoop(conn)
	if c.pingInterval > 0 {
		go c.keepAlive()
	}
	return nil
}

// keepAlive pings on a timer so the server keeps the stream open while the
// student is idle.
func (c *Conn) keepAlive() {
	t := time.NewTicker(c.pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-c.done:
			return
		case <-t.C:
			if err := c.Ping(); err != nil {
				c.log.Debug().Err(err).Msg("Keepalive ping failed")
				return
			}
		}
	}
}

func (c *Conn) readLoop(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)

	for {
		var msg ws.Message
		if err := ws.ReadJSON(conn, &msg); err != nil {
			c.finish(err)
			return
		}

		select {
		case c.events <- msg:
		case <-c.stop:
			c.finish(ErrClosed)
			return
		}

		if msg.Event == ws.EventFinished {
			c.finish(ErrFinished)
			return
		}
	}
}

func (c *Conn) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	switch {
	case c.closed, errors.Is(err, ErrClosed):
		c.err = ErrClosed
	case errors.Is(err, ErrFinished):
		c.err = ErrFinished
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.err = ErrClosed
	default:
		c.log.Warn().Err(err).Msg("Clock stream dropped")
		c.err = err
	}
}

// Wait blocks until the stream ends or ctx is done and returns why it ended.
func (c *Conn) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping asks the server for a pong. The pong arrives on Events.
func (c *Conn) Ping() error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if conn == nil || closed {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteTyped(conn, ws.RequestEnvelope{Action: ws.ActionPing})
}

// Close hangs up. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	conn := c.conn
	if conn == nil {
		c.err = ErrClosed
		close(c.events)
		close(c.done)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = ws.WriteClose(conn, "bye")
	c.writeMu.Unlock()
	return conn.Close()
}
