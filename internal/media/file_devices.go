package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dkeye/subspace/internal/audio"
	"github.com/dkeye/subspace/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const (
	opusClockRate = 48000

	// Opus frames last between 2.5ms and 120ms.
	minOpusSamples = opusClockRate / 400
	maxOpusSamples = opusClockRate * 120 / 1000
)

var opusTagsSignature = []byte("OpusTags")

// FileDevices serves capture devices from media files: Ogg/Opus for the
// microphone, IVF for camera and screen. The device id is the file path.
type FileDevices struct {
	Paths map[domain.MediaKind][]string
	Loop  bool
}

func (d *FileDevices) List(kind domain.MediaKind) []DeviceInfo {
	out := make([]DeviceInfo, 0, len(d.Paths[kind]))
	for _, p := range d.Paths[kind] {
		out = append(out, DeviceInfo{ID: p, Label: filepath.Base(p), Kind: kind})
	}
	return out
}

// Open opens deviceID, or the first configured device of kind when
// deviceID is empty.
func (d *FileDevices) Open(kind domain.MediaKind, deviceID string) (Source, error) {
	if deviceID == "" {
		if len(d.Paths[kind]) == 0 {
			return nil, fmt.Errorf("%s: %w", kind, ErrDeviceUnavailable)
		}
		deviceID = d.Paths[kind][0]
	}
	switch kind {
	case domain.KindAudio:
		return openOgg(deviceID, d.Loop)
	case domain.KindCamera, domain.KindScreen:
		return openIVF(deviceID, d.Loop)
	}
	return nil, ErrUnknownKind
}

func openFile(path string) (*os.File, error) {
	f, err := os.Open(path)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("%s: %w", path, ErrPermissionDenied)
	default:
		return nil, fmt.Errorf("%s: %w: %v", path, ErrDeviceUnavailable, err)
	}
}

// pacer sleeps so frames leave at media rate.
type pacer struct {
	next time.Time
}

func (p *pacer) wait(d time.Duration, done <-chan struct{}) error {
	now := time.Now()
	if p.next.IsZero() || p.next.Before(now.Add(-time.Second)) {
		p.next = now
	}
	if wait := p.next.Sub(now); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-done:
			return ErrSourceClosed
		case <-t.C:
		}
	}
	p.next = p.next.Add(d)
	return nil
}

type oggSource struct {
	path string
	loop bool

	mu       sync.Mutex
	file     *os.File
	reader   *oggreader.OggReader
	granule  uint64
	pace     pacer
	done     chan struct{}
	closeOne sync.Once
}

func openOgg(path string, loop bool) (*oggSource, error) {
	s := &oggSource{path: path, loop: loop, done: make(chan struct{})}
	if err := s.rewind(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *oggSource) rewind() error {
	if s.file != nil {
		_ = s.file.Close()
	}
	f, err := openFile(s.path)
	if err != nil {
		return err
	}
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%s: %w: %v", s.path, ErrDeviceUnavailable, err)
	}
	s.file, s.reader, s.granule = f, r, 0
	return nil
}

func (s *oggSource) MimeType() string { return webrtc.MimeTypeOpus }

func (s *oggSource) ReadFrame() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case <-s.done:
			return Frame{}, ErrSourceClosed
		default:
		}
		page, hdr, err := s.reader.ParseNextPage()
		if errors.Is(err, io.EOF) && s.loop {
			if err := s.rewind(); err != nil {
				return Frame{}, err
			}
			continue
		}
		if err != nil {
			return Frame{}, err
		}
		if len(page) == 0 || bytes.HasPrefix(page, opusTagsSignature) {
			continue
		}
		samples := uint64(opusClockRate / 50)
		if diff := hdr.GranulePosition - s.granule; hdr.GranulePosition > s.granule && diff >= minOpusSamples && diff <= maxOpusSamples {
			samples = diff
		}
		s.granule = hdr.GranulePosition
		d := time.Duration(samples) * time.Second / opusClockRate
		if err := s.pace.wait(d, s.done); err != nil {
			return Frame{}, err
		}
		return Frame{Data: page, Duration: d, Level: audio.LevelFromPayload(len(page))}, nil
	}
}

func (s *oggSource) Close() error {
	s.closeOne.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

type ivfSource struct {
	path string
	loop bool

	mu       sync.Mutex
	file     *os.File
	reader   *ivfreader.IVFReader
	mime     string
	frameDur time.Duration
	pace     pacer
	done     chan struct{}
	closeOne sync.Once
}

func openIVF(path string, loop bool) (*ivfSource, error) {
	s := &ivfSource{path: path, loop: loop, done: make(chan struct{})}
	if err := s.rewind(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ivfSource) rewind() error {
	if s.file != nil {
		_ = s.file.Close()
	}
	f, err := openFile(s.path)
	if err != nil {
		return err
	}
	r, hdr, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%s: %w: %v", s.path, ErrDeviceUnavailable, err)
	}
	mime, err := ivfMime(hdr.FourCC)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%s: %w: %v", s.path, ErrDeviceUnavailable, err)
	}
	s.file, s.reader, s.mime = f, r, mime
	s.frameDur = time.Second / 30
	if hdr.TimebaseDenominator != 0 && hdr.TimebaseNumerator != 0 {
		s.frameDur = time.Duration(float64(time.Second) * float64(hdr.TimebaseNumerator) / float64(hdr.TimebaseDenominator))
	}
	return nil
}

func ivfMime(fourCC string) (string, error) {
	switch fourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	}
	return "", fmt.Errorf("unsupported ivf codec %q", fourCC)
}

func (s *ivfSource) MimeType() string { return s.mime }

func (s *ivfSource) ReadFrame() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case <-s.done:
			return Frame{}, ErrSourceClosed
		default:
		}
		data, _, err := s.reader.ParseNextFrame()
		if errors.Is(err, io.EOF) && s.loop {
			if err := s.rewind(); err != nil {
				return Frame{}, err
			}
			continue
		}
		if err != nil {
			return Frame{}, err
		}
		if err := s.pace.wait(s.frameDur, s.done); err != nil {
			return Frame{}, err
		}
		return Frame{Data: data, Duration: s.frameDur}, nil
	}
}

func (s *ivfSource) Close() error {
	s.closeOne.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
