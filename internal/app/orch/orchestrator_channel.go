package orch

import (
	"github.com/dkeye/subspace/internal/app"
	"github.com/dkeye/subspace/internal/core"
	"github.com/dkeye/subspace/internal/domain"
	"github.com/dkeye/subspace/internal/wire"
	"github.com/rs/zerolog/log"
)

// JoinVoice moves uid into channel id, leaving its previous channel.
func (o *Orchestrator) JoinVoice(uid domain.UserID, id domain.ChannelID) bool {
	sess, ok := o.Registry.Session(uid)
	if !ok || id == "" {
		return false
	}
	if from, _, ok := o.Registry.ChannelOf(uid); ok {
		if from == id {
			// Rejoin: resend the roster so the client can resync.
			if ch, ok := o.Channels.Get(id); ok {
				o.sendRoster(sess, ch)
			}
			return true
		}
		o.leave(uid, from)
	}
	ch := o.Channels.GetOrCreate(id)
	ch.AddMember(sess, domain.NewVoiceState(sess.User(), id))
	o.Registry.SetChannel(uid, id)
	log.Info().Str("module", "orch").Str("uid", string(uid)).Str("channel", string(id)).Msg("joined voice")
	o.broadcastRoster(ch)
	return true
}

// LeaveVoice removes uid from its channel, if any.
func (o *Orchestrator) LeaveVoice(uid domain.UserID) bool {
	id, _, ok := o.Registry.ChannelOf(uid)
	if !ok {
		return false
	}
	o.leave(uid, id)
	return true
}

func (o *Orchestrator) SetMuteDeafen(uid domain.UserID, muted, deafened bool) bool {
	id, _, ok := o.Registry.ChannelOf(uid)
	if !ok {
		return false
	}
	ch, ok := o.Channels.Get(id)
	if !ok || !ch.UpdateState(uid, muted, deafened) {
		return false
	}
	o.broadcastRoster(ch)
	return true
}

// leave removes uid from channel id. The leaver gets the roster it left
// so it can tear down its links; the rest of the channel gets the
// roster without it.
func (o *Orchestrator) leave(uid domain.UserID, id domain.ChannelID) {
	o.Registry.ClearChannel(uid)
	ch, ok := o.Channels.Get(id)
	if !ok || !ch.RemoveMember(uid) {
		return
	}
	log.Info().Str("module", "orch").Str("uid", string(uid)).Str("channel", string(id)).Msg("left voice")
	if sess, ok := o.Registry.Session(uid); ok {
		o.sendRoster(sess, ch)
	}
	if ch.MemberCount() == 0 {
		o.Channels.StopChannel(id)
		return
	}
	o.broadcastRoster(ch)
}

func rosterFrame(ch core.ChannelService) (core.Frame, error) {
	return wire.Marshal(wire.TypeVoiceStateUpdate, wire.VoiceStateUpdatePayload{
		ChannelID:   ch.ID(),
		VoiceStates: ch.VoiceStates(),
	})
}

func (o *Orchestrator) sendRoster(sess core.MemberSession, ch core.ChannelService) {
	frame, err := rosterFrame(ch)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("marshal roster")
		return
	}
	if err := sess.Signal().TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("uid", string(sess.User().ID)).Msg("roster not delivered")
	}
}

func (o *Orchestrator) broadcastRoster(ch core.ChannelService) {
	frame, err := rosterFrame(ch)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("marshal roster")
		return
	}
	res := ch.Broadcast(frame)
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(ch, slow) {
		case app.KickMember:
			uid := slow.User().ID
			log.Warn().Str("module", "orch").Str("uid", string(uid)).Str("channel", string(ch.ID())).Msg("kicking slow member")
			o.Registry.Cancel(uid)
		case app.DropFrame, app.NoAction:
		}
	}
}
