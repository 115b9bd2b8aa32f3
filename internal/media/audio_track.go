package media

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dkeye/subspace/internal/audio"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type audioBinding struct {
	id          string
	ssrc        webrtc.SSRC
	payloadType webrtc.PayloadType
	levelExtID  uint8
	writeStream webrtc.TrackLocalWriter
}

// AudioTrack is an Opus TrackLocal that stamps every packet with the
// RFC 6464 audio-level extension. A disabled track keeps its RTP stream
// alive but sends silence frames.
type AudioTrack struct {
	id, streamID string

	mu        sync.RWMutex
	bindings  []audioBinding
	sequencer rtp.Sequencer
	timestamp uint32

	enabled atomic.Bool
	onLevel atomic.Pointer[func(uint8)]
}

var _ webrtc.TrackLocal = (*AudioTrack)(nil)

func NewAudioTrack(id, streamID string) *AudioTrack {
	t := &AudioTrack{
		id:        id,
		streamID:  streamID,
		sequencer: rtp.NewRandomSequencer(),
	}
	t.enabled.Store(true)
	return t
}

func (t *AudioTrack) ID() string                { return t.id }
func (t *AudioTrack) RID() string               { return "" }
func (t *AudioTrack) StreamID() string          { return t.streamID }
func (t *AudioTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }

func (t *AudioTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	var codec *webrtc.RTPCodecParameters
	for _, c := range ctx.CodecParameters() {
		if strings.EqualFold(c.MimeType, webrtc.MimeTypeOpus) {
			codec = &c
			break
		}
	}
	if codec == nil {
		return webrtc.RTPCodecParameters{}, webrtc.ErrUnsupportedCodec
	}

	var extID uint8
	for _, ext := range ctx.HeaderExtensions() {
		if ext.URI == sdp.AudioLevelURI {
			extID = uint8(ext.ID)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.bindings = append(t.bindings, audioBinding{
		id:          ctx.ID(),
		ssrc:        ctx.SSRC(),
		payloadType: codec.PayloadType,
		levelExtID:  extID,
		writeStream: ctx.WriteStream(),
	})
	return *codec, nil
}

func (t *AudioTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.bindings {
		if t.bindings[i].id == ctx.ID() {
			t.bindings = append(t.bindings[:i], t.bindings[i+1:]...)
			return nil
		}
	}
	return webrtc.ErrUnbindFailed
}

// SetEnabled toggles between real frames and silence.
func (t *AudioTrack) SetEnabled(on bool) { t.enabled.Store(on) }

func (t *AudioTrack) Enabled() bool { return t.enabled.Load() }

// OnLevel registers a tap that sees the level of every captured frame,
// including frames replaced by silence while disabled.
func (t *AudioTrack) OnLevel(fn func(level uint8)) {
	if fn == nil {
		t.onLevel.Store(nil)
		return
	}
	t.onLevel.Store(&fn)
}

// WriteFrame packetizes one Opus frame to every bound connection.
func (t *AudioTrack) WriteFrame(f Frame) error {
	if fn := t.onLevel.Load(); fn != nil {
		(*fn)(f.Level)
	}

	payload, level := f.Data, f.Level
	if !t.enabled.Load() {
		payload, level = audio.SilenceFrame, audio.LevelSilent
	}
	ext, err := rtp.AudioLevelExtension{Level: level, Voice: level < audio.LevelSilent}.Marshal()
	if err != nil {
		return err
	}

	t.mu.Lock()
	seq := t.sequencer.NextSequenceNumber()
	ts := t.timestamp
	t.timestamp += uint32(f.Duration.Seconds() * opusClockRate)
	bindings := append([]audioBinding(nil), t.bindings...)
	t.mu.Unlock()

	var firstErr error
	for _, b := range bindings {
		h := rtp.Header{
			Version:        2,
			PayloadType:    uint8(b.payloadType),
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           uint32(b.ssrc),
		}
		if b.levelExtID != 0 {
			if err := h.SetExtension(b.levelExtID, ext); err != nil {
				return err
			}
		}
		if _, err := b.writeStream.WriteRTP(&h, payload); err != nil && firstErr == nil {
			firstErr = err
			log.Debug().Err(err).Str("module", "media").Str("track", t.id).Msg("audio write failed")
		}
	}
	return firstErr
}
