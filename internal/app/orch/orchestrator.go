// Package orch coordinates relay sessions, voice channel membership and
// signal routing between connected users.
package orch

import (
	"context"
	"errors"

	"github.com/dkeye/subspace/internal/app"
	"github.com/dkeye/subspace/internal/core"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownTarget = errors.New("target user is not connected")
	ErrNoTarget      = errors.New("signal has no target")
)

type Orchestrator struct {
	Registry *app.Registry
	Channels core.ChannelFactory
	Policy   app.Policy
}

func New() *Orchestrator {
	return &Orchestrator{
		Registry: app.NewRegistry(),
		Channels: app.NewChannelManager(),
		Policy:   app.SimplePolicy{},
	}
}

// Connect registers an authenticated session. An older connection of
// the same user is stopped; its channel membership moves to nothing.
func (o *Orchestrator) Connect(sess core.MemberSession, cancel context.CancelFunc) {
	uid := sess.User().ID
	if ch, _, ok := o.Registry.ChannelOf(uid); ok {
		o.leave(uid, ch)
	}
	if prev, prevCancel := o.Registry.Bind(sess, cancel); prev != nil && prevCancel != nil {
		log.Info().Str("module", "orch").Str("uid", string(uid)).Msg("replacing older connection")
		prevCancel()
	}
}

// OnDisconnect drops sess and its channel membership.
func (o *Orchestrator) OnDisconnect(sess core.MemberSession) {
	uid := sess.User().ID
	ch, ok := o.Registry.Unbind(uid, sess)
	if !ok {
		return
	}
	if ch != "" {
		o.leave(uid, ch)
	}
	log.Info().Str("module", "orch").Str("uid", string(uid)).Msg("disconnected")
}
