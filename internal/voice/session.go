package voice

import (
	"context"
	"slices"
	"sync"

	"github.com/dkeye/subspace/internal/audio"
	"github.com/dkeye/subspace/internal/diag"
	"github.com/dkeye/subspace/internal/domain"
	"github.com/dkeye/subspace/internal/iceconf"
	"github.com/dkeye/subspace/internal/wire"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// RemoteMediaBundle is every remote track received from one participant,
// keyed by stream id.
type RemoteMediaBundle struct {
	Remote  domain.UserID
	Streams map[string][]*webrtc.TrackRemote
}

func (b RemoteMediaBundle) clone() RemoteMediaBundle {
	out := RemoteMediaBundle{Remote: b.Remote, Streams: make(map[string][]*webrtc.TrackRemote, len(b.Streams))}
	for id, tracks := range b.Streams {
		out.Streams[id] = slices.Clone(tracks)
	}
	return out
}

// Session is the state of one joined voice channel. It is created by
// JoinVoice and torn down by LeaveVoice.
type Session struct {
	Channel domain.ChannelID
	Self    domain.UserID
	ICE     iceconf.Config

	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	links     *Registry
	audio     *audio.Pipeline
	collector *diag.Collector
	wg        conc.WaitGroup

	mu      sync.Mutex
	tracks  map[domain.MediaKind]webrtc.TrackLocal
	roster  domain.Roster
	bundles map[domain.UserID]*RemoteMediaBundle
}

func (s *Session) localTracks() map[domain.MediaKind]webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.MediaKind]webrtc.TrackLocal, len(s.tracks))
	for k, t := range s.tracks {
		out[k] = t
	}
	return out
}

// setTrack records the local track of kind and pushes it to every link.
// A nil track disables the slot.
func (s *Session) setTrack(kind domain.MediaKind, track webrtc.TrackLocal) {
	s.mu.Lock()
	if track == nil {
		delete(s.tracks, kind)
	} else {
		s.tracks[kind] = track
	}
	s.mu.Unlock()
	for _, l := range s.links.Links() {
		l.SetTrack(kind, track)
	}
}

func (s *Session) setRoster(r domain.Roster) {
	s.mu.Lock()
	s.roster = r
	s.mu.Unlock()
}

func (s *Session) participants() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.roster.Others(s.Self))
}

func (s *Session) peers() []diag.Peer {
	links := s.links.Links()
	out := make([]diag.Peer, len(links))
	for i, l := range links {
		out[i] = l
	}
	return out
}

func (s *Session) addTrack(remote domain.UserID, track *webrtc.TrackRemote) RemoteMediaBundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bundles[remote]
	if !ok {
		b = &RemoteMediaBundle{Remote: remote, Streams: make(map[string][]*webrtc.TrackRemote)}
		s.bundles[remote] = b
	}
	b.Streams[track.StreamID()] = append(b.Streams[track.StreamID()], track)
	return b.clone()
}

// dropParticipant closes the link and audio node of remote.
func (s *Session) dropParticipant(remote domain.UserID) {
	s.links.CloseLink(remote)
	s.audio.DetachRemote(remote)
	s.mu.Lock()
	delete(s.bundles, remote)
	s.mu.Unlock()
}

func (s *Session) send(sender func(wire.Envelope) error, sig wire.Signal) {
	env, err := wire.EncodeSignal(sig)
	if err != nil {
		s.logger.Error().Err(err).Msg("encode signal")
		return
	}
	if err := sender(env); err != nil {
		s.logger.Debug().Err(err).Str("signal", string(sig.Kind)).Str("target", string(sig.Target)).Msg("signal dropped")
	}
}

// close is the single teardown path. It waits for every goroutine the
// session started.
func (s *Session) close() {
	s.cancel()
	s.links.CloseAll()
	s.audio.Teardown()
	s.wg.Wait()
}
