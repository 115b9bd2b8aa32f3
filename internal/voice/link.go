package voice

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/dkeye/subspace/internal/wire"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const linkInboxSize = 64

// Hooks are called from pion goroutines and must not block.
type Hooks struct {
	OnTrack func(remote domain.UserID, kind domain.MediaKind, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)
	OnState func(remote domain.UserID, state webrtc.PeerConnectionState)
}

type linkConfig struct {
	API    *webrtc.API
	ICE    webrtc.Configuration
	Local  domain.UserID
	Remote domain.UserID
	Send   func(wire.Signal)
	Tracks map[domain.MediaKind]webrtc.TrackLocal
	Hooks  Hooks
}

// PeerLink is the connection to one remote participant. All signaling
// and slot changes run on a single actor goroutine in arrival order.
type PeerLink struct {
	remote domain.UserID
	polite bool
	api    *webrtc.API
	ice    webrtc.Configuration
	send   func(wire.Signal)
	hooks  Hooks
	logger zerolog.Logger

	pc    atomic.Pointer[webrtc.PeerConnection]
	slots *slots
	neg   *negotiator

	inbox     chan func()
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newPeerLink(ctx context.Context, cfg linkConfig) (*PeerLink, error) {
	l := &PeerLink{
		remote: cfg.Remote,
		polite: domain.Polite(cfg.Local, cfg.Remote),
		api:    cfg.API,
		ice:    cfg.ICE,
		send:   cfg.Send,
		hooks:  cfg.Hooks,
		logger: log.With().Str("module", "voice.link").Str("remote", string(cfg.Remote)).Logger(),
		inbox:  make(chan func(), linkInboxSize),
		done:   make(chan struct{}),
	}
	pc, err := l.build(cfg.Tracks)
	if err != nil {
		return nil, err
	}
	l.neg = &negotiator{
		pc:       pc,
		remote:   cfg.Remote,
		polite:   l.polite,
		send:     l.send,
		logger:   l.logger,
		rollback: l.rollback,
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	go l.run()
	l.logger.Info().Bool("polite", l.polite).Msg("link created")
	return l, nil
}

// build creates a connection with the three fixed slots and attaches the
// given local tracks.
func (l *PeerLink) build(tracks map[domain.MediaKind]webrtc.TrackLocal) (*webrtc.PeerConnection, error) {
	pc, err := l.api.NewPeerConnection(l.ice)
	if err != nil {
		return nil, err
	}
	sl, err := newSlots(pc)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	for _, s := range sl.all() {
		if t := tracks[s.kind]; t != nil {
			if _, err := s.attach(l.api, pc, t); err != nil {
				l.logger.Warn().Err(err).Str("kind", string(s.kind)).Msg("attach local track")
			}
		}
	}
	l.watch(pc, sl)
	l.pc.Store(pc)
	l.slots = sl
	return pc, nil
}

func (l *PeerLink) watch(pc *webrtc.PeerConnection, sl *slots) {
	current := func() bool { return l.pc.Load() == pc }

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !current() {
			return
		}
		l.send(wire.CandidateSignal(l.remote, c.ToJSON()))
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		l.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if !current() {
			return
		}
		ev := l.logger.Info()
		if s == webrtc.PeerConnectionStateFailed {
			ev = l.logger.Warn()
		}
		ev.Str("peer_connection_state", s.String()).Msg("peer state")
		if l.hooks.OnState != nil {
			l.hooks.OnState(l.remote, s)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		kind, ok := sl.kindOf(receiver)
		if !ok {
			l.logger.Warn().Str("track_id", track.ID()).Msg("track on unknown slot")
			return
		}
		l.logger.Info().
			Str("kind", string(kind)).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		if kind.IsVideo() {
			pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
			if err := pc.WriteRTCP(pli); err != nil {
				l.logger.Debug().Err(err).Msg("send PLI")
			}
		}
		if l.hooks.OnTrack != nil {
			l.hooks.OnTrack(l.remote, kind, track, receiver)
		}
	})
}

// rollback discards the pending local offer. pion cannot apply a
// rollback description, so an established connection is rewound by
// re-applying the last remote description as the answer, and a
// connection that never completed an exchange is rebuilt.
func (l *PeerLink) rollback() error {
	pc := l.pc.Load()
	if cur := pc.CurrentRemoteDescription(); cur != nil && pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		l.logger.Debug().Msg("rewinding to last remote description")
		return pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: cur.SDP})
	}

	tracks := make(map[domain.MediaKind]webrtc.TrackLocal, 3)
	for _, s := range l.slots.all() {
		if s.track != nil {
			tracks[s.kind] = s.track
		}
	}
	next, err := l.build(tracks)
	if err != nil {
		return err
	}
	l.neg.pc = next
	l.logger.Debug().Msg("rebuilt connection")
	go func() {
		if err := pc.Close(); err != nil {
			l.logger.Debug().Err(err).Msg("close replaced connection")
		}
	}()
	return nil
}

func (l *PeerLink) run() {
	defer close(l.done)
	for {
		select {
		case <-l.ctx.Done():
			return
		case fn := <-l.inbox:
			fn()
		}
	}
}

func (l *PeerLink) post(fn func()) bool {
	select {
	case <-l.ctx.Done():
		return false
	case l.inbox <- fn:
		return true
	}
}

// Negotiate queues a local offer.
func (l *PeerLink) Negotiate() {
	l.post(func() {
		if err := l.neg.Offer(); err != nil {
			l.logger.Error().Err(err).Msg("offer failed")
		}
	})
}

// HandleSignal queues an inbound signal. Processing errors are logged
// and never close the link.
func (l *PeerLink) HandleSignal(sig wire.Signal) {
	l.post(func() {
		var err error
		switch sig.Kind {
		case wire.SignalOffer:
			err = l.neg.HandleOffer(sig.Description)
		case wire.SignalAnswer:
			err = l.neg.HandleAnswer(sig.Description)
		case wire.SignalCandidate:
			err = l.neg.HandleCandidate(sig.Candidate)
		}
		if err != nil {
			l.logger.Error().Err(err).Str("signal", string(sig.Kind)).Msg("signal processing failed")
		}
	})
}

// SetTrack attaches, replaces or removes the local track of kind. Only a
// direction change triggers renegotiation.
func (l *PeerLink) SetTrack(kind domain.MediaKind, track webrtc.TrackLocal) {
	l.post(func() {
		s := l.slots.get(kind)
		if s == nil {
			return
		}
		changed, err := s.attach(l.api, l.pc.Load(), track)
		if err != nil {
			l.logger.Error().Err(err).Msg("update slot")
			return
		}
		if changed {
			if err := l.neg.Offer(); err != nil {
				l.logger.Error().Err(err).Msg("renegotiate")
			}
		}
	})
}

// barrier returns once every message queued before it was handled.
func (l *PeerLink) barrier() {
	done := make(chan struct{})
	if l.post(func() { close(done) }) {
		select {
		case <-done:
		case <-l.done:
		}
	}
}

// Close stops the actor and closes the connection. Safe to call twice.
func (l *PeerLink) Close() {
	l.closeOnce.Do(func() {
		l.cancel()
		<-l.done
		if err := l.pc.Load().Close(); err != nil {
			l.logger.Error().Err(err).Msg("close error")
		} else {
			l.logger.Info().Msg("closed")
		}
	})
}

func (l *PeerLink) RemoteID() domain.UserID { return l.remote }
func (l *PeerLink) Polite() bool            { return l.polite }
func (l *PeerLink) State() NegotiationState { return l.neg.State() }

// IgnoredOffers counts remote offers dropped by glare resolution.
func (l *PeerLink) IgnoredOffers() int { return int(l.neg.ignored.Load()) }

func (l *PeerLink) ConnectionState() webrtc.PeerConnectionState {
	return l.pc.Load().ConnectionState()
}

func (l *PeerLink) ICEConnectionState() webrtc.ICEConnectionState {
	return l.pc.Load().ICEConnectionState()
}

func (l *PeerLink) SignalingState() webrtc.SignalingState { return l.pc.Load().SignalingState() }

func (l *PeerLink) GetStats() webrtc.StatsReport { return l.pc.Load().GetStats() }

// Transceivers lists the link's transceivers in slot order.
func (l *PeerLink) Transceivers() []*webrtc.RTPTransceiver { return l.pc.Load().GetTransceivers() }
