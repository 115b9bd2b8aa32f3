package orch

import (
	"fmt"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/dkeye/subspace/internal/wire"
	"github.com/rs/zerolog/log"
)

// Route forwards a signal_sdp or signal_ice envelope from uid to its
// target with from_user_id stamped. The sender's own from_user_id is
// never trusted.
func (o *Orchestrator) Route(from domain.UserID, env wire.Envelope) error {
	var (
		target domain.UserID
		out    any
	)
	switch env.Type {
	case wire.TypeSignalSDP:
		var p wire.SDPPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		p.FromUserID, target = from, p.TargetUserID
		out = p
	case wire.TypeSignalICE:
		var p wire.ICEPayload
		if err := env.Decode(&p); err != nil {
			return err
		}
		p.FromUserID, target = from, p.TargetUserID
		out = p
	default:
		return fmt.Errorf("%s is not a signal", env.Type)
	}
	if target == "" {
		return ErrNoTarget
	}
	sess, ok := o.Registry.Session(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	frame, err := wire.Marshal(env.Type, out)
	if err != nil {
		return err
	}
	if err := sess.Signal().TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("from", string(from)).Str("to", string(target)).Msg("signal dropped")
		o.Registry.Cancel(target)
		return err
	}
	log.Debug().Str("module", "orch").Str("type", string(env.Type)).Str("from", string(from)).Str("to", string(target)).Msg("signal routed")
	return nil
}
