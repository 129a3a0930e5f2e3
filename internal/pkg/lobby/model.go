package lobby

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vreid/trix/internal/pkg/protocol"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	sendBufferSize = 64
	writeTimeout   = 10 * time.Second
)

var (
	ErrClientClosed   = errors.New("client is closed")
	ErrSendBufferFull = errors.New("client send buffer is full")
)

// Client is one websocket connection of a player. Writes go through a
// single writer goroutine.
type Client struct {
	id       string
	identity string
	conn     *websocket.Conn
	logger   zerolog.Logger

	send chan protocol.Envelope
	done chan struct{}

	closeOnce sync.Once
	reason    string
}

func newClient(identity string, conn *websocket.Conn, logger zerolog.Logger) *Client {
	id := uuid.NewString()

	return &Client{
		id:       id,
		identity: identity,
		conn:     conn,
		logger:   logger.With().Str("player", identity).Str("conn", id).Logger(),

		send: make(chan protocol.Envelope, sendBufferSize),
		done: make(chan struct{}),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Identity() string {
	return c.identity
}

// Send queues env without blocking.
func (c *Client) Send(env protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		return ErrSendBufferFull
	}
}

// Close flushes queued messages and closes the socket with reason.
func (c *Client) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (c *Client) writeLoop(ctx context.Context, pingInterval time.Duration) {
	ping := time.NewTicker(pingInterval)

	defer func() {
		ping.Stop()
		_ = c.conn.Close(websocket.StatusNormalClosure, c.reason)
	}()

	for {
		select {
		case env := <-c.send:
			if !c.write(ctx, env) {
				return
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()

			if err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")

				return
			}
		case <-c.done:
			c.flush(ctx)

			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) flush(ctx context.Context) {
	for {
		select {
		case env := <-c.send:
			if !c.write(ctx, env) {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(ctx context.Context, env protocol.Envelope) bool {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	err := wsjson.Write(writeCtx, c.conn, env)
	if err != nil {
		c.logger.Debug().Err(err).Str("type", env.Type).Msg("write failed")

		return false
	}

	return true
}
