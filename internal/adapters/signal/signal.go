// Package signal serves the relay's signaling websocket: authentication,
// voice channel membership and peer signal forwarding.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/subspace/internal/app/orch"
	"github.com/dkeye/subspace/internal/core"
	"github.com/dkeye/subspace/internal/domain"
	"github.com/dkeye/subspace/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

const (
	writeWait = 5 * time.Second
	authWait  = 10 * time.Second
)

type Settings struct {
	ReadLimit  int64
	PingPeriod time.Duration
	SendQueue  int
}

func (s Settings) withDefaults() Settings {
	if s.ReadLimit <= 0 {
		s.ReadLimit = 64 << 10
	}
	if s.PingPeriod <= 0 {
		s.PingPeriod = 54 * time.Second
	}
	if s.SendQueue <= 0 {
		s.SendQueue = 64
	}
	return s
}

// pongWait leaves the peer a tenth of the ping period to answer.
func (s Settings) pongWait() time.Duration { return s.PingPeriod * 10 / 9 }

type SignalWSController struct {
	Orch     *orch.Orchestrator
	Limits   *RateLimiter
	Settings Settings
}

func NewSignalWSController(o *orch.Orchestrator, limits *RateLimiter, s Settings) *SignalWSController {
	return &SignalWSController{Orch: o, Limits: limits, Settings: s.withDefaults()}
}

// WsSignalConn implements core.SignalConnection over a websocket with
// a bounded send queue.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and waits for the auth envelope
// before registering the session. The name query parameter is the
// fallback username.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.Settings.ReadLimit)

	user, err := authenticate(ws, c.Query("name"))
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("remote", c.ClientIP()).Msg("auth failed")
		if frame, mErr := wire.Marshal(wire.TypeError, wire.ErrorPayload{Message: err.Error()}); mErr == nil {
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.TextMessage, frame)
		}
		_ = ws.Close()
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.Settings.SendQueue),
	}
	sess := core.NewMemberSession(user, conn)
	ctx, cancel := context.WithCancel(ctx)

	// auth_success goes out before anything the orchestrator may queue.
	ack, err := wire.Marshal(wire.TypeAuthSuccess, wire.AuthSuccessPayload{UserID: user.ID, Username: user.Username})
	if err == nil {
		err = conn.TrySend(ack)
	}
	if err != nil {
		cancel()
		conn.Close()
		return
	}
	ctl.Orch.Connect(sess, cancel)
	log.Info().Str("module", "signal").Str("uid", string(user.ID)).Str("username", user.Username).Msg("authenticated")

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, sess, conn)
}

func authenticate(ws *websocket.Conn, fallbackName string) (*domain.User, error) {
	_ = ws.SetReadDeadline(time.Now().Add(authWait))
	defer ws.SetReadDeadline(time.Time{})

	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	env, err := wire.Parse(data)
	if err != nil {
		return nil, err
	}
	if env.Type != wire.TypeAuth {
		return nil, errors.New("first message must be auth")
	}
	var p wire.AuthPayload
	if err := env.Decode(&p); err != nil {
		return nil, err
	}
	name := p.Username
	if name == "" {
		name = fallbackName
	}
	return domain.NewUser(p.Token, name)
}
