package voice

import (
	"fmt"
	"sync/atomic"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/dkeye/subspace/internal/wire"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type NegotiationState int32

const (
	StateIdle NegotiationState = iota
	StateOffering
	StateAwaitingAnswer
	StateAnswering
	StateStable
)

func (s NegotiationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateAnswering:
		return "answering"
	case StateStable:
		return "stable"
	}
	return "unknown"
}

const maxPendingCandidates = 64

// negotiator drives offer/answer for one link. Every method runs on the
// link's actor goroutine; only state and ignored are read elsewhere.
type negotiator struct {
	pc     *webrtc.PeerConnection
	remote domain.UserID
	polite bool
	send   func(wire.Signal)
	logger zerolog.Logger
	// rollback returns the connection to stable, discarding the local
	// offer. It may replace pc.
	rollback func() error

	state   atomic.Int32
	ignored atomic.Int32

	pending    []webrtc.ICECandidateInit
	needsOffer bool
}

func (n *negotiator) State() NegotiationState { return NegotiationState(n.state.Load()) }

func (n *negotiator) setState(s NegotiationState) {
	if old := NegotiationState(n.state.Swap(int32(s))); old != s {
		n.logger.Debug().Str("from", old.String()).Str("to", s.String()).Msg("negotiation state")
	}
}

func (n *negotiator) settled() NegotiationState {
	if n.pc.RemoteDescription() == nil && n.pc.LocalDescription() == nil {
		return StateIdle
	}
	return StateStable
}

// Offer starts a new offer. While an exchange is in flight the request
// is remembered and replayed once the link is stable again.
func (n *negotiator) Offer() error {
	switch n.State() {
	case StateOffering, StateAwaitingAnswer, StateAnswering:
		n.needsOffer = true
		return nil
	}
	n.needsOffer = false
	n.setState(StateOffering)

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		n.setState(n.settled())
		return fmt.Errorf("create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		n.setState(n.settled())
		return fmt.Errorf("set local offer: %w", err)
	}
	n.setState(StateAwaitingAnswer)
	n.send(wire.OfferSignal(n.remote, offer))
	n.logger.Debug().Msg("offer sent")
	return nil
}

// HandleOffer applies a remote offer. On collision the impolite side
// drops it; the polite side rolls back its own offer first.
func (n *negotiator) HandleOffer(desc webrtc.SessionDescription) error {
	st := n.State()
	collision := st == StateOffering || st == StateAwaitingAnswer ||
		n.pc.SignalingState() != webrtc.SignalingStateStable
	if collision {
		if !n.polite {
			n.ignored.Add(1)
			n.logger.Info().Str("state", st.String()).Msg("glare: ignoring remote offer")
			return nil
		}
		if err := n.rollback(); err != nil {
			return fmt.Errorf("rollback local offer: %w", err)
		}
		n.needsOffer = true
		n.logger.Info().Msg("glare: rolled back local offer")
	}

	n.setState(StateAnswering)
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		n.setState(n.settled())
		return fmt.Errorf("set remote offer: %w", err)
	}
	n.flushCandidates()

	answer, err := n.pc.CreateAnswer(nil)
	if err == nil {
		err = n.pc.SetLocalDescription(answer)
	}
	if err != nil {
		// Leave have-remote-offer so later offers can still be applied.
		if rbErr := n.rollback(); rbErr != nil {
			n.logger.Warn().Err(rbErr).Msg("rollback after failed answer")
		}
		n.setState(n.settled())
		return fmt.Errorf("answer: %w", err)
	}
	n.send(wire.AnswerSignal(n.remote, answer))
	n.setState(StateStable)
	n.logger.Debug().Msg("answer sent")

	if n.needsOffer {
		return n.Offer()
	}
	return nil
}

// HandleAnswer is only valid while awaiting an answer; anything else is
// a duplicate or stale signal and is dropped.
func (n *negotiator) HandleAnswer(desc webrtc.SessionDescription) error {
	if st := n.State(); st != StateAwaitingAnswer {
		n.logger.Info().Str("state", st.String()).Msg("dropping answer outside awaiting-answer")
		return nil
	}
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	n.flushCandidates()
	n.setState(StateStable)

	if n.needsOffer {
		return n.Offer()
	}
	return nil
}

// HandleCandidate adds c, or buffers it until a remote description is set.
func (n *negotiator) HandleCandidate(c webrtc.ICECandidateInit) error {
	if n.pc.RemoteDescription() == nil {
		if len(n.pending) >= maxPendingCandidates {
			n.logger.Warn().Int("cap", maxPendingCandidates).Msg("candidate buffer full, dropping oldest")
			n.pending = n.pending[1:]
		}
		n.pending = append(n.pending, c)
		return nil
	}
	if err := n.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (n *negotiator) flushCandidates() {
	if len(n.pending) == 0 {
		return
	}
	for _, c := range n.pending {
		if err := n.pc.AddICECandidate(c); err != nil {
			n.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("buffered candidate rejected")
		}
	}
	n.logger.Debug().Int("count", len(n.pending)).Msg("flushed buffered candidates")
	n.pending = nil
}
