package http

import (
	"context"

	"github.com/dkeye/subspace/internal/adapters/signal"
	"github.com/dkeye/subspace/internal/adapters/turnserver"
	"github.com/dkeye/subspace/internal/app/orch"
	"github.com/dkeye/subspace/internal/config"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware hands browsers without a token a stable one in
// the ct cookie.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// Deps are the relay services the routes reach into. TURN is nil when
// the embedded TURN server is disabled.
type Deps struct {
	Orch   *orch.Orchestrator
	Limits *signal.RateLimiter
	TURN   *turnserver.Server
	API    *webrtc.API
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Relay.Secret))
	r.Use(sessions.Sessions("SubspaceSessions", store))
	r.Use(ClientTokenMiddleware())

	ctrl := signal.NewSignalWSController(deps.Orch, deps.Limits, signal.Settings{
		ReadLimit:  cfg.Relay.ReadLimit,
		PingPeriod: cfg.Relay.PingPeriod,
		SendQueue:  cfg.Relay.SendQueue,
	})
	r.GET("/ws", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("ct", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	h := &handlers{orch: deps.Orch, turn: deps.TURN, api: deps.API, cfg: cfg.Relay.TURN}
	r.GET("/healthz", h.health)

	api := r.Group("/api")
	api.GET("/channels", h.channels)
	api.GET("/turn", h.turnCredentials)
	api.GET("/turn-test", func(c *gin.Context) { h.turnTest(ctx, c) })

	log.Info().Str("module", "adapters.http").Bool("turn", deps.TURN != nil).Msg("router setup")
	return r
}
