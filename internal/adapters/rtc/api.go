// Package rtc builds the pion API shared by voice links, the TURN tester
// and the relay's echo peer.
package rtc

import (
	"fmt"

	"github.com/dkeye/subspace/internal/logging"
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
)

type Options struct {
	// IncludeLoopback gathers 127.0.0.1 host candidates. Tests and local
	// loopback setups need it.
	IncludeLoopback bool
	VerboseLogs     bool
	// Net replaces the host network stack, e.g. with a vnet.Net in tests.
	Net transport.Net
}

// NewAPI registers the default codecs, the RFC 6464 audio-level header
// extension and the default interceptors.
func NewAPI(opts Options) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: logging.PionFactory{Verbose: opts.VerboseLogs}}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	), nil
}

// DefaultConfiguration is used when no ICE configuration was resolved.
func DefaultConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	}
}
