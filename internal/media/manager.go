package media

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LocalMedia is one acquired capture source and the track it feeds.
type LocalMedia struct {
	Kind     domain.MediaKind
	DeviceID string
	Track    webrtc.TrackLocal

	source Source
	done   chan struct{}
	stop   sync.Once
}

func (lm *LocalMedia) close() {
	lm.stop.Do(func() { _ = lm.source.Close() })
	<-lm.done
}

// Manager holds at most one active source per media kind.
type Manager struct {
	devices  Devices
	streamID string
	logger   zerolog.Logger

	mu      sync.Mutex
	active  map[domain.MediaKind]*LocalMedia
	muted   bool
	onLevel func(uint8)
	onEnded func(domain.MediaKind)
}

func NewManager(devices Devices, streamID string) *Manager {
	return &Manager{
		devices:  devices,
		streamID: streamID,
		logger:   log.With().Str("module", "media").Logger(),
		active:   make(map[domain.MediaKind]*LocalMedia),
	}
}

func (m *Manager) AcquireMicrophone() (*LocalMedia, error) { return m.Acquire(domain.KindAudio, "") }
func (m *Manager) AcquireCamera() (*LocalMedia, error)     { return m.Acquire(domain.KindCamera, "") }
func (m *Manager) AcquireScreen() (*LocalMedia, error)     { return m.Acquire(domain.KindScreen, "") }

// Acquire opens a device of kind. While a source of that kind is active
// it is returned unchanged.
func (m *Manager) Acquire(kind domain.MediaKind, deviceID string) (*LocalMedia, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lm, ok := m.active[kind]; ok {
		return lm, nil
	}
	lm, err := m.open(kind, deviceID)
	if err != nil {
		m.logger.Warn().Err(err).Str("kind", string(kind)).Msg("acquire failed")
		return nil, err
	}
	m.active[kind] = lm
	m.logger.Info().Str("kind", string(kind)).Str("device", lm.DeviceID).Msg("acquired")
	return lm, nil
}

// Release stops the source of kind. It reports whether one was active.
func (m *Manager) Release(kind domain.MediaKind) bool {
	m.mu.Lock()
	lm, ok := m.active[kind]
	delete(m.active, kind)
	m.mu.Unlock()
	if !ok {
		return false
	}
	lm.close()
	m.logger.Info().Str("kind", string(kind)).Msg("released")
	return true
}

func (m *Manager) ReleaseAll() {
	for _, k := range domain.MediaKinds {
		m.Release(k)
	}
}

// Switch replaces the active source of kind with deviceID. The previous
// source keeps running if the new device cannot be opened.
func (m *Manager) Switch(kind domain.MediaKind, deviceID string) (*LocalMedia, error) {
	m.mu.Lock()
	old, ok := m.active[kind]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("switch %s: %w", kind, ErrDeviceUnavailable)
	}
	if old.DeviceID == deviceID {
		m.mu.Unlock()
		return old, nil
	}
	lm, err := m.open(kind, deviceID)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.active[kind] = lm
	m.mu.Unlock()

	old.close()
	m.logger.Info().Str("kind", string(kind)).Str("from", old.DeviceID).Str("to", lm.DeviceID).Msg("switched device")
	return lm, nil
}

func (m *Manager) Active(kind domain.MediaKind) (*LocalMedia, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lm, ok := m.active[kind]
	return lm, ok
}

func (m *Manager) Devices(kind domain.MediaKind) []DeviceInfo {
	return m.devices.List(kind)
}

// SetMuted disables the microphone track. The capture keeps running so
// the level tap still reflects real input.
func (m *Manager) SetMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	lm := m.active[domain.KindAudio]
	m.mu.Unlock()
	if lm == nil {
		return
	}
	if at, ok := lm.Track.(*AudioTrack); ok {
		at.SetEnabled(!muted)
	}
}

// OnLevel installs the local level tap on current and future microphones.
func (m *Manager) OnLevel(fn func(uint8)) {
	m.mu.Lock()
	m.onLevel = fn
	lm := m.active[domain.KindAudio]
	m.mu.Unlock()
	if lm == nil {
		return
	}
	if at, ok := lm.Track.(*AudioTrack); ok {
		at.OnLevel(fn)
	}
}

// OnEnded is called when a source stops on its own, such as a screen
// capture that finished.
func (m *Manager) OnEnded(fn func(domain.MediaKind)) {
	m.mu.Lock()
	m.onEnded = fn
	m.mu.Unlock()
}

// open must be called with m.mu held.
func (m *Manager) open(kind domain.MediaKind, deviceID string) (*LocalMedia, error) {
	src, err := m.devices.Open(kind, deviceID)
	if err != nil {
		return nil, err
	}
	if deviceID == "" {
		if list := m.devices.List(kind); len(list) > 0 {
			deviceID = list[0].ID
		}
	}

	trackID := fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8])
	var track webrtc.TrackLocal
	if kind == domain.KindAudio {
		at := NewAudioTrack(trackID, m.streamID)
		at.SetEnabled(!m.muted)
		at.OnLevel(m.onLevel)
		track = at
	} else {
		track, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: src.MimeType(), ClockRate: 90000}, trackID, m.streamID)
		if err != nil {
			_ = src.Close()
			return nil, err
		}
	}

	lm := &LocalMedia{Kind: kind, DeviceID: deviceID, Track: track, source: src, done: make(chan struct{})}
	go m.pump(lm)
	return lm, nil
}

// pump moves frames from the source into the track until the source
// closes or ends.
func (m *Manager) pump(lm *LocalMedia) {
	defer close(lm.done)
	logger := m.logger.With().Str("kind", string(lm.Kind)).Str("track", lm.Track.ID()).Logger()
	for {
		f, err := lm.source.ReadFrame()
		if errors.Is(err, ErrSourceClosed) {
			return
		}
		if err != nil {
			logger.Info().Err(err).Msg("source ended")
			m.ended(lm)
			return
		}
		switch t := lm.Track.(type) {
		case *AudioTrack:
			err = t.WriteFrame(f)
		case *webrtc.TrackLocalStaticSample:
			err = t.WriteSample(pmedia.Sample{Data: f.Data, Duration: f.Duration})
		}
		if err != nil {
			logger.Debug().Err(err).Msg("write frame")
		}
	}
}

func (m *Manager) ended(lm *LocalMedia) {
	m.mu.Lock()
	if m.active[lm.Kind] != lm {
		m.mu.Unlock()
		return
	}
	delete(m.active, lm.Kind)
	fn := m.onEnded
	m.mu.Unlock()
	_ = lm.source.Close()
	if fn != nil {
		go fn(lm.Kind)
	}
}
