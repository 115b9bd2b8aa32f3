// Package turntest checks whether peer connections can be established
// with the resolved ICE configuration, directly or through TURN.
package turntest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/subspace/internal/diag"
	"github.com/dkeye/subspace/internal/iceconf"
	"github.com/gorilla/websocket"
	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 15 * time.Second

type Status string

const (
	StatusTesting Status = "testing"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
)

type Details struct {
	LocalCandidates  []string            `json:"local_candidates"`
	RemoteCandidates []string            `json:"remote_candidates"`
	CanP2P           bool                `json:"can_p2p"`
	CanRelay         bool                `json:"can_relay"`
	ConnectionType   diag.ConnectionType `json:"connection_type"`
	RTTMillis        float64             `json:"rtt_ms"`
}

type Result struct {
	Status  Status  `json:"status"`
	Message string  `json:"message"`
	Details Details `json:"details"`
}

var (
	errNoRelay   = errors.New("relay-only test requested but no TURN server is configured")
	errICEFailed = errors.New("ICE connection failed")

	errGatherTimeout = errors.New("candidate gathering did not finish within timeout")
)

// Tester runs one connectivity check per call. It never touches an
// active voice session.
type Tester struct {
	API       *webrtc.API
	ICE       iceconf.Config
	RelayOnly bool
	Timeout   time.Duration

	// EchoURL is the relay's /api/turn-test websocket, for RunRemote.
	EchoURL string
	Dialer  *websocket.Dialer
}

func (t *Tester) configuration() (webrtc.Configuration, error) {
	cfg := t.ICE.WebRTC()
	if t.RelayOnly {
		if !t.ICE.HasRelay {
			return cfg, errNoRelay
		}
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return cfg, nil
}

func (t *Tester) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return DefaultTimeout
}

func (t *Tester) logger() zerolog.Logger {
	return log.With().Str("module", "turntest").Bool("relay_only", t.RelayOnly).Logger()
}

// RunLoopback connects two local peer connections to each other.
func (t *Tester) RunLoopback(ctx context.Context) Result {
	cfg, err := t.configuration()
	if err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()
	logger := t.logger()

	offerer, err := t.API.NewPeerConnection(cfg)
	if err != nil {
		return errorResult(err)
	}
	defer closePeer(ctx, offerer, logger)
	answerer, err := t.API.NewPeerConnection(cfg)
	if err != nil {
		return errorResult(err)
	}
	defer closePeer(ctx, answerer, logger)

	if _, err := offerer.CreateDataChannel("turn-test", nil); err != nil {
		return errorResult(err)
	}
	connected := watchConnected(offerer)

	offer, err := localDescription(ctx, offerer, func() (webrtc.SessionDescription, error) { return offerer.CreateOffer(nil) })
	if err != nil {
		return gatherResult(err, Details{})
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		return errorResult(err)
	}
	answer, err := localDescription(ctx, answerer, func() (webrtc.SessionDescription, error) { return answerer.CreateAnswer(nil) })
	if err != nil {
		return gatherResult(err, Details{LocalCandidates: describeCandidates(offer)})
	}
	if err := offerer.SetRemoteDescription(answer); err != nil {
		return errorResult(err)
	}

	details := Details{
		LocalCandidates:  describeCandidates(offer),
		RemoteCandidates: describeCandidates(answer),
	}
	logger.Info().
		Strs("local", details.LocalCandidates).
		Strs("remote", details.RemoteCandidates).
		Msg("loopback test negotiated")

	if err := wait(ctx, connected); err != nil {
		return failedResult(err, details)
	}
	return classify(offerer, details, 0, logger)
}

// wait blocks until the connection is up, has failed or ctx expires.
func wait(ctx context.Context, connected <-chan error) error {
	select {
	case err := <-connected:
		return err
	case <-ctx.Done():
		return fmt.Errorf("no connection within timeout: %w", ctx.Err())
	}
}

func classify(pc *webrtc.PeerConnection, details Details, rtt time.Duration, logger zerolog.Logger) Result {
	snap := diag.Build("turn-test", pc.ConnectionState(), pc.ICEConnectionState(), pc.GetStats())
	details.ConnectionType = snap.ConnectionType
	details.CanRelay = snap.ConnectionType == diag.ConnectionRelay || hasRelay(details.LocalCandidates)
	details.CanP2P = snap.ConnectionType == diag.ConnectionDirect
	if rtt == 0 {
		rtt = snap.RTT
	}
	details.RTTMillis = float64(rtt.Microseconds()) / 1000

	msg := "Connected"
	switch snap.ConnectionType {
	case diag.ConnectionRelay:
		msg = "Connected via TURN relay"
	case diag.ConnectionDirect:
		msg = "Connected directly (P2P)"
	}
	logger.Info().Str("connection_type", string(snap.ConnectionType)).Float64("rtt_ms", details.RTTMillis).Msg("turn test succeeded")
	return Result{Status: StatusSuccess, Message: msg, Details: details}
}

// watchConnected reports the first terminal connection state.
func watchConnected(pc *webrtc.PeerConnection) <-chan error {
	ch := make(chan error, 1)
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		var err error
		switch s {
		case webrtc.PeerConnectionStateConnected:
		case webrtc.PeerConnectionStateFailed:
			err = errICEFailed
		default:
			return
		}
		select {
		case ch <- err:
		default:
		}
	})
	return ch
}

// localDescription creates and applies a description, then waits for
// gathering so the result carries every candidate. It gives up with
// errGatherTimeout when ctx expires first.
func localDescription(ctx context.Context, pc *webrtc.PeerConnection, create func() (webrtc.SessionDescription, error)) (webrtc.SessionDescription, error) {
	desc, err := create()
	if err != nil {
		return desc, err
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		return desc, err
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return desc, fmt.Errorf("%w: %w", errGatherTimeout, ctx.Err())
	}
	return *pc.LocalDescription(), nil
}

// closePeer closes pc. Once ctx has expired the close runs in the
// background, since pion waits for TURN allocations still in flight.
func closePeer(ctx context.Context, pc *webrtc.PeerConnection, logger zerolog.Logger) {
	closeNow := func() {
		if err := pc.Close(); err != nil {
			logger.Debug().Err(err).Msg("close test connection")
		}
	}
	if ctx.Err() != nil {
		go closeNow()
		return
	}
	closeNow()
}

// gatherResult maps a gathering failure to a failed run on timeout and
// to an error otherwise.
func gatherResult(err error, details Details) Result {
	if errors.Is(err, errGatherTimeout) {
		return failedResult(err, details)
	}
	return errorResult(err)
}

// describeCandidates lists the candidates of desc as "type addr:port/proto".
func describeCandidates(desc webrtc.SessionDescription) []string {
	parsed, err := desc.Unmarshal()
	if err != nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, md := range parsed.MediaDescriptions {
		for _, a := range md.Attributes {
			if a.Key != "candidate" {
				continue
			}
			c, err := ice.UnmarshalCandidate(a.Value)
			if err != nil {
				continue
			}
			s := fmt.Sprintf("%s %s:%d/%s", c.Type(), c.Address(), c.Port(), c.NetworkType().NetworkShort())
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func hasRelay(descs []string) bool {
	prefix := ice.CandidateTypeRelay.String() + " "
	for _, d := range descs {
		if strings.HasPrefix(d, prefix) {
			return true
		}
	}
	return false
}

func errorResult(err error) Result {
	return Result{Status: StatusError, Message: err.Error()}
}

func failedResult(err error, details Details) Result {
	details.ConnectionType = diag.ConnectionUnknown
	details.CanRelay = hasRelay(details.LocalCandidates)
	return Result{Status: StatusFailed, Message: err.Error(), Details: details}
}
