package turntest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// EchoMessage is the JSON exchanged on the relay's test socket.
type EchoMessage struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

const (
	EchoOffer     = "offer"
	EchoAnswer    = "answer"
	EchoCandidate = "candidate"

	echoPing = "ping"
)

var errNoEcho = errors.New("data channel ping was not echoed")

// RunRemote negotiates with the relay's echo peer over EchoURL and
// measures the round trip of one data channel ping.
func (t *Tester) RunRemote(ctx context.Context) Result {
	cfg, err := t.configuration()
	if err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	if t.EchoURL == "" {
		return Result{Status: StatusError, Message: "no echo endpoint configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()
	logger := t.logger().With().Str("echo", t.EchoURL).Logger()

	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, t.EchoURL, nil)
	if err != nil {
		return errorResult(fmt.Errorf("dial echo endpoint: %w", err))
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		_ = conn.SetWriteDeadline(dl)
	}

	pc, err := t.API.NewPeerConnection(cfg)
	if err != nil {
		return errorResult(err)
	}
	defer closePeer(ctx, pc, logger)

	dc, err := pc.CreateDataChannel("turn-test", nil)
	if err != nil {
		return errorResult(err)
	}
	opened := make(chan struct{})
	dc.OnOpen(func() { close(opened) })
	echoes := make(chan string, 1)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		select {
		case echoes <- string(msg.Data):
		default:
		}
	})
	connected := watchConnected(pc)

	offer, err := localDescription(ctx, pc, func() (webrtc.SessionDescription, error) { return pc.CreateOffer(nil) })
	if err != nil {
		return gatherResult(err, Details{})
	}
	if err := conn.WriteJSON(EchoMessage{Type: EchoOffer, SDP: offer.SDP}); err != nil {
		return errorResult(fmt.Errorf("send offer: %w", err))
	}
	answer, err := readAnswer(conn)
	if err != nil {
		return errorResult(err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return errorResult(err)
	}

	details := Details{
		LocalCandidates:  describeCandidates(offer),
		RemoteCandidates: describeCandidates(answer),
	}
	logger.Info().Strs("local", details.LocalCandidates).Strs("remote", details.RemoteCandidates).Msg("remote test negotiated")

	if err := wait(ctx, connected); err != nil {
		return failedResult(err, details)
	}
	select {
	case <-opened:
	case <-ctx.Done():
		return failedResult(fmt.Errorf("data channel did not open: %w", ctx.Err()), details)
	}

	start := time.Now()
	if err := dc.SendText(echoPing); err != nil {
		return failedResult(err, details)
	}
	select {
	case msg := <-echoes:
		if msg != echoPing {
			return failedResult(fmt.Errorf("unexpected echo %q", msg), details)
		}
	case <-ctx.Done():
		return failedResult(errNoEcho, details)
	}
	return classify(pc, details, time.Since(start), logger)
}

func readAnswer(conn *websocket.Conn) (webrtc.SessionDescription, error) {
	for {
		var msg EchoMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("read answer: %w", err)
		}
		if msg.Type == EchoAnswer {
			return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}, nil
		}
	}
}

// ServeEcho acts as the remote end of RunRemote on an upgraded socket:
// it answers offers and echoes every data channel message. It returns
// when the socket closes or ctx is done.
func ServeEcho(ctx context.Context, conn *websocket.Conn, api *webrtc.API, cfg webrtc.Configuration) error {
	logger := log.With().Str("module", "turntest.echo").Str("peer", conn.RemoteAddr().String()).Logger()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return err
	}
	defer closePeer(ctx, pc, logger)

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			var err error
			if msg.IsString {
				err = dc.SendText(string(msg.Data))
			} else {
				err = dc.Send(msg.Data)
			}
			if err != nil {
				logger.Debug().Err(err).Msg("echo failed")
			}
		})
	})

	for {
		var msg EchoMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("echo socket closed")
			}
			return nil
		}
		switch msg.Type {
		case EchoOffer:
			if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP}); err != nil {
				return fmt.Errorf("apply test offer: %w", err)
			}
			answer, err := localDescription(ctx, pc, func() (webrtc.SessionDescription, error) { return pc.CreateAnswer(nil) })
			if err != nil {
				return fmt.Errorf("answer test offer: %w", err)
			}
			if err := conn.WriteJSON(EchoMessage{Type: EchoAnswer, SDP: answer.SDP}); err != nil {
				return err
			}
			logger.Info().Msg("answered test offer")
		case EchoCandidate:
			if msg.Candidate == nil {
				continue
			}
			if err := pc.AddICECandidate(*msg.Candidate); err != nil {
				logger.Debug().Err(err).Msg("test candidate rejected")
			}
		default:
			logger.Debug().Str("type", msg.Type).Msg("unknown test message")
		}
	}
}
