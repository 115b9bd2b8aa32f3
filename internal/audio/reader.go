package audio

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// RTPReader is the read side of a remote track.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// LevelExtensionID returns the negotiated id of the audio-level header
// extension on receiver, or 0 when the remote does not send it.
func LevelExtensionID(receiver *webrtc.RTPReceiver) uint8 {
	if receiver == nil {
		return 0
	}
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == sdp.AudioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

// PacketLevel reads the RFC 6464 level of pkt, estimating it from the
// payload size when the extension is absent.
func PacketLevel(pkt *rtp.Packet, extID uint8) uint8 {
	if extID != 0 {
		if raw := pkt.GetExtension(extID); raw != nil {
			var ext rtp.AudioLevelExtension
			if err := ext.Unmarshal(raw); err == nil {
				return ext.Level
			}
		}
	}
	return LevelFromPayload(len(pkt.Payload))
}

// readLoop feeds every packet of src to the node's analyser and output
// until the track ends or the node is detached.
func readLoop(n *Node, src RTPReader, extID uint8, logger zerolog.Logger) {
	for {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("remote audio ended")
			return
		}
		if n.closed.Load() {
			return
		}
		n.Observe(PacketLevel(pkt, extID))
		if err := n.Forward(pkt); err != nil {
			logger.Warn().Err(err).Msg("sink write failed")
		}
	}
}
