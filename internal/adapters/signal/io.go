package signal

import (
	"context"
	"time"

	"github.com/dkeye/subspace/internal/core"
	"github.com/dkeye/subspace/internal/domain"
	"github.com/dkeye/subspace/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Settings.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sess core.MemberSession, c *WsSignalConn) {
	uid := sess.User().ID
	defer func() {
		log.Info().Str("module", "signal").Str("uid", string(uid)).Msg("readPump closing")
		cancel()
		ctl.Orch.OnDisconnect(sess)
		if ctl.Limits != nil {
			ctl.Limits.Forget(uid)
		}
		c.Close()
	}()

	// A canceled session closes the socket to unblock ReadMessage.
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()

	pongWait := ctl.Settings.pongWait()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "signal").Str("uid", string(uid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		ctl.handleSignal(uid, c, data)
	}
}

func (ctl *SignalWSController) handleSignal(uid domain.UserID, c *WsSignalConn, data []byte) {
	env, err := wire.Parse(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("uid", string(uid)).Msg("bad envelope")
		ctl.sendError(c, "bad envelope")
		return
	}

	switch env.Type {
	case wire.TypePing:
		ctl.send(c, wire.TypePong, nil)
	case wire.TypeJoinVoice:
		var p wire.JoinVoicePayload
		if err := env.Decode(&p); err != nil || p.ChannelID == "" {
			ctl.sendError(c, "join_voice needs a channel_id")
			return
		}
		ctl.Orch.JoinVoice(uid, p.ChannelID)
	case wire.TypeLeaveVoice:
		ctl.Orch.LeaveVoice(uid)
	case wire.TypeMuteDeafen:
		var p wire.MuteDeafenPayload
		if err := env.Decode(&p); err != nil {
			ctl.sendError(c, err.Error())
			return
		}
		ctl.Orch.SetMuteDeafen(uid, p.Muted, p.Deafened)
	case wire.TypeSignalSDP, wire.TypeSignalICE:
		if ctl.Limits != nil && !ctl.Limits.Allow(uid) {
			log.Warn().Str("module", "signal").Str("uid", string(uid)).Msg("signal rate limited")
			ctl.sendError(c, "rate limited")
			return
		}
		if err := ctl.Orch.Route(uid, env); err != nil {
			ctl.sendError(c, err.Error())
		}
	default:
		log.Warn().Str("module", "signal").Str("type", string(env.Type)).Msg("unknown signal")
		ctl.sendError(c, "unknown message type "+string(env.Type))
	}
}

func (ctl *SignalWSController) send(c *WsSignalConn, t wire.Type, payload any) {
	b, err := wire.Marshal(t, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("send marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, msg string) {
	ctl.send(c, wire.TypeError, wire.ErrorPayload{Message: msg})
}
