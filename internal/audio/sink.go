package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// Sink is the output stage of a remote node.
type Sink interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// SinkFactory creates the output sink for a remote participant.
type SinkFactory func(user domain.UserID) (Sink, error)

type DiscardSink struct{}

func (DiscardSink) WriteRTP(*rtp.Packet) error { return nil }
func (DiscardSink) Close() error               { return nil }

func Discard(domain.UserID) (Sink, error) { return DiscardSink{}, nil }

// OggSink records a participant's Opus stream to an Ogg file.
type OggSink struct {
	mu sync.Mutex
	w  *oggwriter.OggWriter
}

func NewOggSink(path string) (*OggSink, error) {
	w, err := oggwriter.New(path, 48000, 2)
	if err != nil {
		return nil, fmt.Errorf("open recording %s: %w", path, err)
	}
	return &OggSink{w: w}, nil
}

func (s *OggSink) WriteRTP(pkt *rtp.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	return s.w.WriteRTP(pkt)
}

func (s *OggSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	err := s.w.Close()
	s.w = nil
	return err
}

// RecordTo returns a factory writing <dir>/<user>.ogg. An empty dir
// discards remote audio.
func RecordTo(dir string) SinkFactory {
	if dir == "" {
		return Discard
	}
	return func(user domain.UserID) (Sink, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(string(user))
		return NewOggSink(filepath.Join(dir, name+".ogg"))
	}
}
