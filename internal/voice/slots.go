package voice

import (
	"fmt"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/pion/webrtc/v4"
)

// slot is the transceiver reserved for one media kind. Its mid is fixed
// when the link is created, so both peers address it by label.
type slot struct {
	kind        domain.MediaKind
	transceiver *webrtc.RTPTransceiver
	sender      *webrtc.RTPSender
	track       webrtc.TrackLocal
}

type slots struct {
	audio  slot
	camera slot
	screen slot
}

func newSlots(pc *webrtc.PeerConnection) (*slots, error) {
	s := &slots{
		audio:  slot{kind: domain.KindAudio},
		camera: slot{kind: domain.KindCamera},
		screen: slot{kind: domain.KindScreen},
	}
	for _, sl := range s.all() {
		codec := webrtc.RTPCodecTypeAudio
		if sl.kind.IsVideo() {
			codec = webrtc.RTPCodecTypeVideo
		}
		t, err := pc.AddTransceiverFromKind(codec, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly})
		if err != nil {
			return nil, fmt.Errorf("add %s transceiver: %w", sl.kind, err)
		}
		if err := t.SetMid(sl.kind.Mid()); err != nil {
			return nil, fmt.Errorf("set %s mid: %w", sl.kind, err)
		}
		sl.transceiver = t
	}
	return s, nil
}

// all lists the slots in transceiver order.
func (s *slots) all() []*slot { return []*slot{&s.audio, &s.camera, &s.screen} }

func (s *slots) get(kind domain.MediaKind) *slot {
	switch kind {
	case domain.KindAudio:
		return &s.audio
	case domain.KindCamera:
		return &s.camera
	case domain.KindScreen:
		return &s.screen
	}
	return nil
}

func (s *slots) kindOf(r *webrtc.RTPReceiver) (domain.MediaKind, bool) {
	for _, sl := range s.all() {
		if sl.transceiver.Receiver() == r {
			return sl.kind, true
		}
	}
	return "", false
}

// attach sets, replaces or removes the local track of sl. It reports
// whether the transceiver direction changed, which needs a new offer.
func (sl *slot) attach(api *webrtc.API, pc *webrtc.PeerConnection, track webrtc.TrackLocal) (bool, error) {
	switch {
	case track == nil && sl.sender == nil:
		return false, nil
	case track == nil:
		if err := pc.RemoveTrack(sl.sender); err != nil {
			return false, fmt.Errorf("remove %s track: %w", sl.kind, err)
		}
		sl.sender, sl.track = nil, nil
		return true, nil
	case sl.sender == nil:
		sender, err := api.NewRTPSender(track, pc.SCTP().Transport())
		if err != nil {
			return false, fmt.Errorf("new %s sender: %w", sl.kind, err)
		}
		if err := sl.transceiver.SetSender(sender, track); err != nil {
			_ = sender.Stop()
			return false, fmt.Errorf("set %s sender: %w", sl.kind, err)
		}
		sl.sender, sl.track = sender, track
		go drainRTCP(sender)
		return true, nil
	case sl.track == track:
		return false, nil
	default:
		if err := sl.sender.ReplaceTrack(track); err != nil {
			return false, fmt.Errorf("replace %s track: %w", sl.kind, err)
		}
		sl.track = track
		return false, nil
	}
}

// drainRTCP keeps the sender's interceptors fed until the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
