package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/dkeye/subspace/internal/adapters/turnserver"
	"github.com/dkeye/subspace/internal/app/orch"
	"github.com/dkeye/subspace/internal/config"
	"github.com/dkeye/subspace/internal/domain"
	"github.com/dkeye/subspace/internal/turntest"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	orch *orch.Orchestrator
	turn *turnserver.Server
	api  *webrtc.API
	cfg  config.TURNConfig
}

type TURNResponse struct {
	URIs       []string `json:"uris"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
	TTL        int64    `json:"ttl"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": h.orch.Registry.Count()})
}

func (h *handlers) channels(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Channels.List())
}

func bearerToken(c *gin.Context) string {
	const prefix = "Bearer "
	auth := c.GetHeader("Authorization")
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func (h *handlers) turnCredentials(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	if h.turn == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "turn disabled"})
		return
	}
	creds, err := turnserver.IssueCredentials(h.cfg.SharedSecret, h.cfg.TTL, []string{h.turn.URI()})
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("issue turn credentials")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credentials unavailable"})
		return
	}
	log.Debug().Str("module", "adapters.http").Str("uid", string(domain.UserIDFromToken(token))).Msg("issued turn credentials")
	c.JSON(http.StatusOK, TURNResponse{
		URIs:       creds.URIs,
		Username:   creds.Username,
		Credential: creds.Credential,
		TTL:        int64(creds.TTL.Seconds()),
	})
}

var echoUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// turnTest runs an echo peer for a client connectivity test.
func (h *handlers) turnTest(ctx context.Context, c *gin.Context) {
	if h.api == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "turn test disabled"})
		return
	}
	ws, err := echoUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("turn test upgrade")
		return
	}
	defer ws.Close()
	if err := turntest.ServeEcho(ctx, ws, h.api, webrtc.Configuration{}); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("turn test echo")
	}
}
