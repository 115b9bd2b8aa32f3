package media

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/subspace/internal/audio"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

type capturedPacket struct {
	header  rtp.Header
	payload []byte
}

type captureWriter struct {
	mu      sync.Mutex
	packets []capturedPacket
}

func (w *captureWriter) WriteRTP(h *rtp.Header, payload []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.packets = append(w.packets, capturedPacket{header: *h, payload: append([]byte(nil), payload...)})
	return len(payload), nil
}

func (w *captureWriter) Write(b []byte) (int, error) { return len(b), nil }

type fakeTrackContext struct {
	writer *captureWriter
}

func (c fakeTrackContext) CodecParameters() []webrtc.RTPCodecParameters {
	return []webrtc.RTPCodecParameters{{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}}
}

func (c fakeTrackContext) HeaderExtensions() []webrtc.RTPHeaderExtensionParameter {
	return []webrtc.RTPHeaderExtensionParameter{{URI: sdp.AudioLevelURI, ID: 1}}
}

func (c fakeTrackContext) SSRC() webrtc.SSRC                       { return 4242 }
func (c fakeTrackContext) SSRCRetransmission() webrtc.SSRC         { return 0 }
func (c fakeTrackContext) SSRCForwardErrorCorrection() webrtc.SSRC { return 0 }
func (c fakeTrackContext) WriteStream() webrtc.TrackLocalWriter    { return c.writer }
func (c fakeTrackContext) ID() string                              { return "binding-1" }
func (c fakeTrackContext) RTCPReader() interceptor.RTCPReader      { return nil }

func levelOf(t *testing.T, h rtp.Header) rtp.AudioLevelExtension {
	t.Helper()
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(h.GetExtension(1)); err != nil {
		t.Fatalf("missing audio level extension: %v", err)
	}
	return ext
}

func TestAudioTrackStampsLevelAndMutesToSilence(t *testing.T) {
	w := &captureWriter{}
	track := NewAudioTrack("audio", "stream")
	codec, err := track.Bind(fakeTrackContext{writer: w})
	if err != nil {
		t.Fatal(err)
	}
	if codec.PayloadType != 111 {
		t.Fatalf("payload type = %d", codec.PayloadType)
	}

	var tapped []uint8
	track.OnLevel(func(l uint8) { tapped = append(tapped, l) })

	voiced := bytes.Repeat([]byte{0x42}, 80)
	frame := Frame{Data: voiced, Duration: 20 * time.Millisecond, Level: 10}
	if err := track.WriteFrame(frame); err != nil {
		t.Fatal(err)
	}
	track.SetEnabled(false)
	if err := track.WriteFrame(frame); err != nil {
		t.Fatal(err)
	}

	if len(w.packets) != 2 {
		t.Fatalf("packets = %d", len(w.packets))
	}
	first, second := w.packets[0], w.packets[1]
	if !bytes.Equal(first.payload, voiced) {
		t.Fatal("enabled track must send the captured frame")
	}
	if l := levelOf(t, first.header); l.Level != 10 || !l.Voice {
		t.Fatalf("first level = %+v", l)
	}
	if !bytes.Equal(second.payload, audio.SilenceFrame) {
		t.Fatalf("muted payload = %x", second.payload)
	}
	if l := levelOf(t, second.header); l.Level != audio.LevelSilent || l.Voice {
		t.Fatalf("muted level = %+v", l)
	}
	if second.header.Timestamp-first.header.Timestamp != 960 {
		t.Fatalf("timestamp step = %d", second.header.Timestamp-first.header.Timestamp)
	}
	if second.header.SequenceNumber != first.header.SequenceNumber+1 {
		t.Fatal("sequence numbers not consecutive")
	}

	// The local tap keeps seeing real input while muted.
	if len(tapped) != 2 || tapped[1] != 10 {
		t.Fatalf("tapped levels = %v", tapped)
	}

	if err := track.Unbind(fakeTrackContext{writer: w}); err != nil {
		t.Fatal(err)
	}
	if err := track.Unbind(fakeTrackContext{writer: w}); err == nil {
		t.Fatal("second unbind must fail")
	}
}
