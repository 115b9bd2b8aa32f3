// Package ws is the client side of the signaling websocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/subspace/internal/core"
	"github.com/dkeye/subspace/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrDisconnected = errors.New("signaling disconnected")
)

const (
	DefaultReconnectDelay = 3 * time.Second
	defaultSendQueue      = 64
	writeWait             = 5 * time.Second
)

// Inbound receives every envelope read from the socket, in order.
type Inbound interface {
	Deliver(env wire.Envelope)
}

type Config struct {
	URL      string
	Token    string
	Username string
	// ReconnectDelay is fixed; there is no backoff.
	ReconnectDelay time.Duration
	SendQueue      int
	Dialer         *websocket.Dialer
}

// Client keeps one authenticated socket open, reconnecting after a fixed
// delay. Sends while disconnected are dropped.
type Client struct {
	cfg     Config
	inbound Inbound
	logger  zerolog.Logger

	mu    sync.Mutex
	queue chan core.Frame
}

var _ core.SignalSender = (*Client)(nil)
var _ core.SignalConnection = (*Client)(nil)

func NewClient(cfg Config, inbound Inbound) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:     cfg,
		inbound: inbound,
		logger:  log.With().Str("module", "ws").Str("url", cfg.URL).Logger(),
	}
}

// Send marshals env and queues it for the current connection.
func (c *Client) Send(env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}
	return c.TrySend(core.Frame(data))
}

func (c *Client) TrySend(f core.Frame) error {
	c.mu.Lock()
	q := c.queue
	c.mu.Unlock()
	if q == nil {
		return ErrDisconnected
	}
	select {
	case q <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close is a no-op; Run owns the socket and stops with its context.
func (c *Client) Close() {}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue != nil
}

func (c *Client) setQueue(q chan core.Frame) {
	c.mu.Lock()
	c.queue = q
	c.mu.Unlock()
}

// Run connects and reconnects until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn().Err(err).Dur("retry_in", c.cfg.ReconnectDelay).Msg("signaling connection lost")

		t := time.NewTimer(c.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	auth, err := wire.Marshal(wire.TypeAuth, wire.AuthPayload{Token: c.cfg.Token, Username: c.cfg.Username})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	c.logger.Info().Msg("signaling connected")

	queue := make(chan core.Frame, c.cfg.SendQueue)
	c.setQueue(queue)
	defer c.setQueue(nil)

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = conn.Close() })
	defer stop()
	g.Go(func() error { return c.writePump(gctx, conn, queue) })
	g.Go(func() error { return c.readPump(conn) })
	return g.Wait()
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, queue <-chan core.Frame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-queue:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		env, err := wire.Parse(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("bad envelope")
			continue
		}
		if env.Type == wire.TypePing {
			if err := c.Send(wire.Envelope{Type: wire.TypePong}); err != nil {
				c.logger.Debug().Err(err).Msg("pong dropped")
			}
			continue
		}
		c.inbound.Deliver(env)
	}
}
