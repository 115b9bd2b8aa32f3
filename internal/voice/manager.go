// Package voice runs the peer-to-peer voice session: one PeerLink per
// remote participant, negotiated over the chat server's signaling relay.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/subspace/internal/adapters/rtc"
	"github.com/dkeye/subspace/internal/audio"
	"github.com/dkeye/subspace/internal/core"
	"github.com/dkeye/subspace/internal/diag"
	"github.com/dkeye/subspace/internal/domain"
	"github.com/dkeye/subspace/internal/iceconf"
	"github.com/dkeye/subspace/internal/media"
	"github.com/dkeye/subspace/internal/wire"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNotInVoice       = errors.New("not in a voice channel")
	ErrAlreadyInVoice   = errors.New("already in this voice channel")
)

const (
	dispatchQueueSize = 256
	errorQueueSize    = 16
	bundleQueueSize   = 16
)

// ICEResolver yields the ICE configuration for a new session.
type ICEResolver interface {
	Resolve(ctx context.Context) iceconf.Config
}

// VideoSink receives remote video tracks. Tracks not handed to a sink
// are drained and discarded.
type VideoSink func(remote domain.UserID, kind domain.MediaKind, track *webrtc.TrackRemote)

type Options struct {
	API    *webrtc.API
	Sender core.SignalSender
	ICE    ICEResolver
	Media  *media.Manager

	SpeakingThreshold float64
	SampleInterval    time.Duration
	DiagInterval      time.Duration
	Sinks             audio.SinkFactory
	VideoSink         VideoSink
}

// Events are the manager's outputs. Speaking, Status and Diagnostics
// only hold the latest value.
type Events struct {
	Speaking    <-chan []domain.UserID
	Status      <-chan diag.VoiceStatus
	Diagnostics <-chan diag.Report
	Errors      <-chan string
	Bundles     <-chan RemoteMediaBundle
}

// Manager owns at most one voice Session and routes inbound envelopes to
// it in arrival order.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	inbox   chan wire.Envelope
	stopped chan struct{}
	runOnce sync.Once

	speaking    chan []domain.UserID
	status      chan diag.VoiceStatus
	diagnostics chan diag.Report
	errs        chan string
	bundles     chan RemoteMediaBundle

	// ops serializes the public operations.
	ops sync.Mutex

	mu       sync.Mutex
	self     domain.UserID
	muted    bool
	deafened bool
	session  *Session
	rosters  map[domain.ChannelID]domain.Roster
	// authed is set by the first auth_success the dispatcher handles.
	authed bool
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Sender == nil {
		return nil, errors.New("voice: nil signal sender")
	}
	if opts.API == nil {
		api, err := rtc.NewAPI(rtc.Options{})
		if err != nil {
			return nil, fmt.Errorf("voice: webrtc api: %w", err)
		}
		opts.API = api
	}
	if opts.Media == nil {
		opts.Media = media.NewManager(&media.FileDevices{}, uuid.NewString())
	}
	m := &Manager{
		opts:        opts,
		logger:      log.With().Str("module", "voice.manager").Logger(),
		inbox:       make(chan wire.Envelope, dispatchQueueSize),
		stopped:     make(chan struct{}),
		speaking:    make(chan []domain.UserID, 1),
		status:      make(chan diag.VoiceStatus, 1),
		diagnostics: make(chan diag.Report, 1),
		errs:        make(chan string, errorQueueSize),
		bundles:     make(chan RemoteMediaBundle, bundleQueueSize),
		rosters:     make(map[domain.ChannelID]domain.Roster),
	}
	opts.Media.OnEnded(m.onMediaEnded)
	return m, nil
}

func (m *Manager) Events() Events {
	return Events{
		Speaking:    m.speaking,
		Status:      m.status,
		Diagnostics: m.diagnostics,
		Errors:      m.errs,
		Bundles:     m.bundles,
	}
}

func (m *Manager) Self() domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// SetSelf records the identity confirmed by auth_success.
func (m *Manager) SetSelf(uid domain.UserID) {
	m.mu.Lock()
	m.self = uid
	m.mu.Unlock()
}

// Channel returns the active voice channel, or "" when not in voice.
func (m *Manager) Channel() domain.ChannelID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return ""
	}
	return m.session.Channel
}

func (m *Manager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func (m *Manager) Deafened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deafened
}

func (m *Manager) current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Deliver queues an inbound envelope for the dispatcher. It blocks while
// the queue is full and drops the envelope once Run has returned.
func (m *Manager) Deliver(env wire.Envelope) {
	select {
	case m.inbox <- env:
	case <-m.stopped:
	}
}

// Run dispatches inbound envelopes until ctx is done, then leaves the
// active voice channel.
func (m *Manager) Run(ctx context.Context) error {
	defer m.runOnce.Do(func() { close(m.stopped) })
	defer m.LeaveVoice()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-m.inbox:
			m.dispatch(env)
		}
	}
}

func (m *Manager) dispatch(env wire.Envelope) {
	switch env.Type {
	case wire.TypeAuthSuccess:
		var p wire.AuthSuccessPayload
		if err := env.Decode(&p); err != nil {
			m.logger.Warn().Err(err).Msg("bad auth_success")
			return
		}
		m.mu.Lock()
		m.self = p.UserID
		reauth := m.authed
		m.authed = true
		m.mu.Unlock()
		m.logger.Info().Str("uid", string(p.UserID)).Str("username", p.Username).Bool("reauth", reauth).Msg("authenticated")
		if ch := m.Channel(); reauth && ch != "" {
			// Server-side membership does not survive a reconnect.
			m.send(wire.TypeJoinVoice, wire.JoinVoicePayload{ChannelID: ch})
			m.sendMuteDeafen()
		}
	case wire.TypeVoiceStateUpdate:
		var p wire.VoiceStateUpdatePayload
		if err := env.Decode(&p); err != nil {
			m.logger.Warn().Err(err).Msg("bad voice_state_update")
			return
		}
		m.HandleRoster(p.Roster())
	case wire.TypeSignalSDP, wire.TypeSignalICE:
		sig, err := wire.DecodeSignal(env)
		if err != nil {
			m.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("bad signal")
			return
		}
		m.HandleSignal(sig)
	case wire.TypeError:
		var p wire.ErrorPayload
		if err := env.Decode(&p); err != nil {
			m.logger.Warn().Err(err).Msg("bad error envelope")
			return
		}
		m.logger.Warn().Str("message", p.Message).Msg("server error")
		m.publishError(p.Message)
	default:
		m.logger.Debug().Str("type", string(env.Type)).Msg("ignoring envelope")
	}
}

// JoinVoice starts a session in channel. A microphone that cannot be
// acquired is reported on Errors and the session continues receive-only.
// Joining another channel leaves the current one first.
func (m *Manager) JoinVoice(ctx context.Context, channel domain.ChannelID) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	self, cur, muted, deafened := m.self, m.session, m.muted, m.deafened
	m.mu.Unlock()
	if self == "" {
		return ErrNotAuthenticated
	}
	if cur != nil {
		if cur.Channel == channel {
			return ErrAlreadyInVoice
		}
		m.leave()
	}

	var ice iceconf.Config
	if m.opts.ICE != nil {
		ice = m.opts.ICE.Resolve(ctx)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		Channel: channel,
		Self:    self,
		ICE:     ice,
		ctx:     sctx,
		cancel:  cancel,
		logger:  m.logger.With().Str("channel", string(channel)).Logger(),
		tracks:  make(map[domain.MediaKind]webrtc.TrackLocal),
		roster:  domain.Roster{Channel: channel},
		bundles: make(map[domain.UserID]*RemoteMediaBundle),
	}
	s.audio = audio.NewPipeline(audio.Options{
		Threshold: m.opts.SpeakingThreshold,
		Interval:  m.opts.SampleInterval,
		Sinks:     m.opts.Sinks,
	})
	s.collector = diag.NewCollector(s.peers, s.participants, m.opts.DiagInterval)
	s.links = NewRegistry(m.linkFactory(s))

	if lm, err := m.opts.Media.AcquireMicrophone(); err != nil {
		m.publishError(fmt.Sprintf("microphone unavailable: %v", err))
	} else {
		s.tracks[domain.KindAudio] = lm.Track
	}
	m.opts.Media.SetMuted(muted)
	m.opts.Media.OnLevel(s.audio.StartLocal(self))
	s.audio.SetDeafened(deafened)

	s.audio.Run(sctx)
	s.wg.Go(func() { s.collector.Run(sctx) })
	s.wg.Go(func() { m.forwardSpeaking(s) })
	s.wg.Go(func() { m.forwardReports(s) })

	m.mu.Lock()
	m.session = s
	roster, cached := m.rosters[channel]
	m.mu.Unlock()

	s.logger.Info().Str("uid", string(self)).Int("ice_servers", len(ice.Servers)).Bool("relay", ice.HasRelay).Msg("joined voice")
	m.send(wire.TypeJoinVoice, wire.JoinVoicePayload{ChannelID: channel})
	m.sendMuteDeafen()
	if cached {
		m.HandleRoster(roster)
	}
	return nil
}

func (m *Manager) linkFactory(s *Session) LinkFactory {
	return func(remote domain.UserID) (*PeerLink, error) {
		return newPeerLink(s.ctx, linkConfig{
			API:    m.opts.API,
			ICE:    s.ICE.WebRTC(),
			Local:  s.Self,
			Remote: remote,
			Send: func(sig wire.Signal) {
				sig.From = s.Self
				s.send(m.opts.Sender.Send, sig)
			},
			Tracks: s.localTracks(),
			Hooks: Hooks{
				OnTrack: func(remote domain.UserID, kind domain.MediaKind, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
					m.onTrack(s, remote, kind, track, receiver)
				},
				OnState: func(remote domain.UserID, state webrtc.PeerConnectionState) {
					m.onLinkState(s, remote, state)
				},
			},
		})
	}
}

// LeaveVoice tears the session down. It is safe to call when not in
// voice and safe to call repeatedly.
func (m *Manager) LeaveVoice() {
	m.ops.Lock()
	defer m.ops.Unlock()
	m.leave()
}

func (m *Manager) leave() {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()
	if s == nil {
		return
	}

	m.send(wire.TypeLeaveVoice, wire.LeaveVoicePayload{})
	s.close()
	m.opts.Media.OnLevel(nil)
	m.opts.Media.ReleaseAll()
	offerLatest(m.status, diag.VoiceStatus{State: diag.StateIdle})
	s.logger.Info().Msg("left voice")
}

// ToggleMute flips the mute flag and returns the new value. The
// microphone keeps capturing so local speaking detection still works.
func (m *Manager) ToggleMute() bool {
	m.ops.Lock()
	defer m.ops.Unlock()
	m.mu.Lock()
	m.muted = !m.muted
	muted := m.muted
	m.mu.Unlock()

	m.opts.Media.SetMuted(muted)
	m.sendMuteDeafen()
	m.logger.Info().Bool("muted", muted).Msg("mute toggled")
	return muted
}

// ToggleDeafen flips the deafen flag and returns the new value.
func (m *Manager) ToggleDeafen() bool {
	m.ops.Lock()
	defer m.ops.Unlock()
	m.mu.Lock()
	m.deafened = !m.deafened
	deafened, s := m.deafened, m.session
	m.mu.Unlock()

	if s != nil {
		s.audio.SetDeafened(deafened)
	}
	m.sendMuteDeafen()
	m.logger.Info().Bool("deafened", deafened).Msg("deafen toggled")
	return deafened
}

// ToggleVideo starts or stops the camera and returns whether it is on.
func (m *Manager) ToggleVideo() (bool, error) {
	return m.toggleKind(domain.KindCamera)
}

// ToggleScreenShare starts or stops screen capture and returns whether
// it is on.
func (m *Manager) ToggleScreenShare() (bool, error) {
	return m.toggleKind(domain.KindScreen)
}

func (m *Manager) toggleKind(kind domain.MediaKind) (bool, error) {
	m.ops.Lock()
	defer m.ops.Unlock()
	s := m.current()
	if s == nil {
		return false, ErrNotInVoice
	}
	if _, on := m.opts.Media.Active(kind); on {
		m.opts.Media.Release(kind)
		s.setTrack(kind, nil)
		return false, nil
	}
	lm, err := m.opts.Media.Acquire(kind, "")
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", kind, err)
	}
	s.setTrack(kind, lm.Track)
	return true, nil
}

// SwitchDevice moves kind to deviceID. Links keep their senders and only
// swap the track, so no renegotiation happens.
func (m *Manager) SwitchDevice(kind domain.MediaKind, deviceID string) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	lm, err := m.opts.Media.Switch(kind, deviceID)
	if err != nil {
		return err
	}
	if s := m.current(); s != nil {
		s.setTrack(kind, lm.Track)
	}
	return nil
}

// HandleRoster reconciles links with the channel's voice states. Rosters
// for other channels are cached for a later JoinVoice.
func (m *Manager) HandleRoster(r domain.Roster) {
	m.mu.Lock()
	m.rosters[r.Channel] = r
	s := m.session
	m.mu.Unlock()
	if s == nil || s.Channel != r.Channel {
		return
	}
	s.setRoster(r)

	for _, remote := range r.Others(s.Self) {
		if _, ok := s.links.Get(remote); ok {
			continue
		}
		// Exactly one side offers first: the impolite one.
		if _, err := s.links.EnsureLink(remote, !domain.Polite(s.Self, remote)); err != nil && !errors.Is(err, ErrRegistryClosed) {
			m.publishError(fmt.Sprintf("connection to %s failed: %v", remote, err))
		}
	}
	for _, l := range s.links.Links() {
		if !r.Has(l.RemoteID()) {
			s.logger.Info().Str("remote", string(l.RemoteID())).Msg("participant left")
			s.dropParticipant(l.RemoteID())
		}
	}
}

// HandleSignal routes sig to the link of its sender. A link is created
// for offers and candidates from unknown senders; an answer without a
// link is stale and dropped.
func (m *Manager) HandleSignal(sig wire.Signal) {
	s := m.current()
	if s == nil {
		m.logger.Debug().Str("signal", string(sig.Kind)).Str("from", string(sig.From)).Msg("signal outside voice dropped")
		return
	}
	if sig.Target != "" && sig.Target != s.Self {
		s.logger.Warn().Str("target", string(sig.Target)).Str("from", string(sig.From)).Msg("signal for another user dropped")
		return
	}
	if sig.From == "" || sig.From == s.Self {
		s.logger.Warn().Str("from", string(sig.From)).Msg("signal without a remote sender dropped")
		return
	}

	l, ok := s.links.Get(sig.From)
	if !ok {
		if sig.Kind == wire.SignalAnswer {
			s.logger.Info().Str("from", string(sig.From)).Msg("answer without link dropped")
			return
		}
		var err error
		if l, err = s.links.EnsureLink(sig.From, false); err != nil {
			s.logger.Warn().Err(err).Str("from", string(sig.From)).Msg("signal dropped")
			return
		}
	}
	l.HandleSignal(sig)
}

func (m *Manager) onTrack(s *Session, remote domain.UserID, kind domain.MediaKind, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	switch {
	case kind == domain.KindAudio:
		if !s.audio.AttachRemote(remote, track, audio.LevelExtensionID(receiver)) {
			go drainTrack(track)
		}
	case m.opts.VideoSink != nil:
		m.opts.VideoSink(remote, kind, track)
	default:
		go drainTrack(track)
	}
	b := s.addTrack(remote, track)
	select {
	case m.bundles <- b:
	default:
		s.logger.Warn().Str("remote", string(remote)).Msg("bundle consumer behind, dropping update")
	}
}

func (m *Manager) onLinkState(s *Session, remote domain.UserID, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateFailed:
		m.publishError(fmt.Sprintf("connection to %s failed", remote))
	case webrtc.PeerConnectionStateDisconnected:
		s.logger.Warn().Str("remote", string(remote)).Msg("link disconnected, waiting for ICE to recover")
	}
}

// onMediaEnded disables the slot of a source that stopped on its own.
func (m *Manager) onMediaEnded(kind domain.MediaKind) {
	s := m.current()
	if s == nil {
		return
	}
	s.setTrack(kind, nil)
	if kind == domain.KindAudio {
		m.publishError("microphone ended")
	}
	s.logger.Info().Str("kind", string(kind)).Msg("local source ended")
}

func (m *Manager) forwardSpeaking(s *Session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case set := <-s.audio.Speaking():
			offerLatest(m.speaking, set)
		}
	}
}

func (m *Manager) forwardReports(s *Session) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case r := <-s.collector.Reports():
			offerLatest(m.diagnostics, r)
			offerLatest(m.status, r.Status)
		}
	}
}

func (m *Manager) sendMuteDeafen() {
	if m.current() == nil {
		return
	}
	m.mu.Lock()
	p := wire.MuteDeafenPayload{Muted: m.muted, Deafened: m.deafened}
	m.mu.Unlock()
	m.send(wire.TypeMuteDeafen, p)
}

func (m *Manager) send(t wire.Type, payload any) {
	env, err := wire.New(t, payload)
	if err != nil {
		m.logger.Error().Err(err).Str("type", string(t)).Msg("encode envelope")
		return
	}
	if err := m.opts.Sender.Send(env); err != nil {
		m.logger.Warn().Err(err).Str("type", string(t)).Msg("send failed")
	}
}

func (m *Manager) publishError(msg string) {
	select {
	case m.errs <- msg:
	default:
		m.logger.Warn().Str("error", msg).Msg("error consumer behind, dropping")
	}
}

func offerLatest[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
