package media

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/dkeye/subspace/internal/audio"
	"github.com/dkeye/subspace/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

func writeOgg(t *testing.T, path string, payloads [][]byte) {
	t.Helper()
	w, err := oggwriter.New(path, 48000, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range payloads {
		pkt := &rtp.Packet{
			Header:  rtp.Header{Version: 2, SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: p,
		}
		if err := w.WriteRTP(pkt); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestFileDevicesReadsOggFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mic.ogg")
	voiced := bytes.Repeat([]byte{0x7c}, 80)
	writeOgg(t, path, [][]byte{voiced, audio.SilenceFrame, voiced})

	devs := &FileDevices{Paths: map[domain.MediaKind][]string{domain.KindAudio: {path}}}
	src, err := devs.Open(domain.KindAudio, "")
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	var levels []uint8
	for i := 0; i < 3; i++ {
		f, err := src.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.Duration <= 0 {
			t.Fatalf("frame %d has no duration", i)
		}
		levels = append(levels, f.Level)
	}
	if levels[1] != audio.LevelSilent {
		t.Fatalf("silence frame level = %d", levels[1])
	}
	if levels[0] >= levels[1] {
		t.Fatalf("voiced frame not louder than silence: %v", levels)
	}
	if _, err := src.ReadFrame(); err == nil {
		t.Fatal("expected end of stream without loop")
	}
}

func TestFileDevicesMissingFile(t *testing.T) {
	devs := &FileDevices{Paths: map[domain.MediaKind][]string{
		domain.KindCamera: {filepath.Join(t.TempDir(), "missing.ivf")},
	}}
	if _, err := devs.Open(domain.KindCamera, ""); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if _, err := devs.Open(domain.KindScreen, ""); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("unconfigured kind err = %v", err)
	}
	if got := devs.List(domain.KindCamera); len(got) != 1 || got[0].Label != "missing.ivf" {
		t.Fatalf("List = %+v", got)
	}
}
