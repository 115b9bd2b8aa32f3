package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/pion/webrtc/v4"
)

type SignalKind string

const (
	SignalOffer     SignalKind = "sdp-offer"
	SignalAnswer    SignalKind = "sdp-answer"
	SignalCandidate SignalKind = "ice-candidate"
)

var ErrNotSignal = errors.New("envelope is not a signal")

// Signal is the decoded form of a signal_sdp or signal_ice envelope.
type Signal struct {
	Kind        SignalKind
	From        domain.UserID
	Target      domain.UserID
	Description webrtc.SessionDescription
	Candidate   webrtc.ICECandidateInit
}

func OfferSignal(target domain.UserID, desc webrtc.SessionDescription) Signal {
	return Signal{Kind: SignalOffer, Target: target, Description: desc}
}

func AnswerSignal(target domain.UserID, desc webrtc.SessionDescription) Signal {
	return Signal{Kind: SignalAnswer, Target: target, Description: desc}
}

func CandidateSignal(target domain.UserID, c webrtc.ICECandidateInit) Signal {
	return Signal{Kind: SignalCandidate, Target: target, Candidate: c}
}

// EncodeSignal serializes the description or candidate as a nested JSON
// string, the form the server relays untouched.
func EncodeSignal(s Signal) (Envelope, error) {
	switch s.Kind {
	case SignalOffer, SignalAnswer:
		b, err := json.Marshal(s.Description)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal description: %w", err)
		}
		return New(TypeSignalSDP, SDPPayload{
			TargetUserID: s.Target,
			FromUserID:   s.From,
			SDP:          string(b),
			SDPType:      s.Description.Type.String(),
		})
	case SignalCandidate:
		b, err := json.Marshal(s.Candidate)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal candidate: %w", err)
		}
		return New(TypeSignalICE, ICEPayload{
			TargetUserID:  s.Target,
			FromUserID:    s.From,
			Candidate:     string(b),
			SDPMid:        s.Candidate.SDPMid,
			SDPMLineIndex: s.Candidate.SDPMLineIndex,
		})
	}
	return Envelope{}, fmt.Errorf("unknown signal kind %q", s.Kind)
}

func DecodeSignal(env Envelope) (Signal, error) {
	switch env.Type {
	case TypeSignalSDP:
		var p SDPPayload
		if err := env.Decode(&p); err != nil {
			return Signal{}, err
		}
		desc, err := decodeDescription(p)
		if err != nil {
			return Signal{}, err
		}
		kind := SignalOffer
		switch desc.Type {
		case webrtc.SDPTypeOffer:
		case webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer:
			kind = SignalAnswer
		default:
			return Signal{}, fmt.Errorf("unsupported sdp type %q", desc.Type)
		}
		return Signal{Kind: kind, From: p.FromUserID, Target: p.TargetUserID, Description: desc}, nil
	case TypeSignalICE:
		var p ICEPayload
		if err := env.Decode(&p); err != nil {
			return Signal{}, err
		}
		return Signal{
			Kind:      SignalCandidate,
			From:      p.FromUserID,
			Target:    p.TargetUserID,
			Candidate: decodeCandidate(p),
		}, nil
	}
	return Signal{}, ErrNotSignal
}

func decodeDescription(p SDPPayload) (webrtc.SessionDescription, error) {
	if strings.HasPrefix(strings.TrimSpace(p.SDP), "{") {
		var desc webrtc.SessionDescription
		if err := json.Unmarshal([]byte(p.SDP), &desc); err != nil {
			return desc, fmt.Errorf("bad nested description: %w", err)
		}
		return desc, nil
	}
	// Plain SDP text with the type carried alongside.
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(p.SDPType), SDP: p.SDP}, nil
}

func decodeCandidate(p ICEPayload) webrtc.ICECandidateInit {
	if strings.HasPrefix(strings.TrimSpace(p.Candidate), "{") {
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(p.Candidate), &c); err == nil {
			if c.SDPMid == nil {
				c.SDPMid = p.SDPMid
			}
			if c.SDPMLineIndex == nil {
				c.SDPMLineIndex = p.SDPMLineIndex
			}
			return c
		}
	}
	return webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMid:        p.SDPMid,
		SDPMLineIndex: p.SDPMLineIndex,
	}
}
