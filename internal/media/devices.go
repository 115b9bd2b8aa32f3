// Package media acquires local capture sources and turns them into
// WebRTC tracks.
package media

import (
	"errors"
	"time"

	"github.com/dkeye/subspace/internal/domain"
)

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrUnknownKind       = errors.New("unknown media kind")
	ErrSourceClosed      = errors.New("source closed")
)

type DeviceInfo struct {
	ID    string           `json:"id"`
	Label string           `json:"label"`
	Kind  domain.MediaKind `json:"kind"`
}

// Frame is one encoded media frame. Level is the RFC 6464 level of the
// frame for audio sources and is ignored for video.
type Frame struct {
	Data     []byte
	Duration time.Duration
	Level    uint8
}

// Source is an opened capture device. ReadFrame blocks until the next
// frame is due.
type Source interface {
	ReadFrame() (Frame, error)
	MimeType() string
	Close() error
}

// Devices is the capability surface of the platform's capture hardware.
type Devices interface {
	List(kind domain.MediaKind) []DeviceInfo
	Open(kind domain.MediaKind, deviceID string) (Source, error)
}
