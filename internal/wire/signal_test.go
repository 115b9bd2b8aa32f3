package wire

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestEncodeSignalNestsDescription(t *testing.T) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	env, err := EncodeSignal(OfferSignal("bob", desc))
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeSignalSDP {
		t.Fatalf("type = %q", env.Type)
	}

	var p SDPPayload
	if err := env.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.TargetUserID != "bob" || p.SDPType != "offer" {
		t.Fatalf("payload = %+v", p)
	}
	var nested webrtc.SessionDescription
	if err := json.Unmarshal([]byte(p.SDP), &nested); err != nil {
		t.Fatalf("sdp is not a nested description: %v", err)
	}
	if nested.SDP != desc.SDP {
		t.Fatalf("nested sdp = %q", nested.SDP)
	}
}

func TestDecodeSignal(t *testing.T) {
	mid := "0"
	idx := uint16(0)

	tests := []struct {
		name string
		raw  string
		kind SignalKind
		from string
		want string
	}{
		{
			name: "nested answer",
			raw:  `{"type":"signal_sdp","payload":{"from_user_id":"a","target_user_id":"b","sdp":"{\"type\":\"answer\",\"sdp\":\"v=0\"}","sdp_type":"answer"}}`,
			kind: SignalAnswer,
			from: "a",
			want: "v=0",
		},
		{
			name: "plain offer text",
			raw:  `{"type":"signal_sdp","payload":{"from_user_id":"a","sdp":"v=0","sdp_type":"offer"}}`,
			kind: SignalOffer,
			from: "a",
			want: "v=0",
		},
		{
			name: "nested candidate",
			raw:  `{"type":"signal_ice","payload":{"from_user_id":"c","candidate":"{\"candidate\":\"candidate:1 1 udp 1 1.2.3.4 5 typ host\",\"sdpMid\":\"0\",\"sdpMLineIndex\":0}","sdp_mid":"0","sdp_mline_index":0}}`,
			kind: SignalCandidate,
			from: "c",
			want: "candidate:1 1 udp 1 1.2.3.4 5 typ host",
		},
		{
			name: "raw candidate",
			raw:  `{"type":"signal_ice","payload":{"from_user_id":"c","candidate":"candidate:2 1 udp 1 1.2.3.4 6 typ host","sdp_mid":"0","sdp_mline_index":0}}`,
			kind: SignalCandidate,
			from: "c",
			want: "candidate:2 1 udp 1 1.2.3.4 6 typ host",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Parse([]byte(tt.raw))
			if err != nil {
				t.Fatal(err)
			}
			sig, err := DecodeSignal(env)
			if err != nil {
				t.Fatal(err)
			}
			if sig.Kind != tt.kind || string(sig.From) != tt.from {
				t.Fatalf("got kind=%s from=%s", sig.Kind, sig.From)
			}
			got := sig.Description.SDP
			if sig.Kind == SignalCandidate {
				got = sig.Candidate.Candidate
				if sig.Candidate.SDPMid == nil || *sig.Candidate.SDPMid != mid {
					t.Fatalf("sdpMid = %v", sig.Candidate.SDPMid)
				}
				if sig.Candidate.SDPMLineIndex == nil || *sig.Candidate.SDPMLineIndex != idx {
					t.Fatalf("sdpMLineIndex = %v", sig.Candidate.SDPMLineIndex)
				}
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeSignalRejectsOtherTypes(t *testing.T) {
	env, err := New(TypeJoinVoice, JoinVoicePayload{ChannelID: "lobby"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeSignal(env); !errors.Is(err, ErrNotSignal) {
		t.Fatalf("err = %v", err)
	}
}

func TestParseRejectsMissingType(t *testing.T) {
	if _, err := Parse([]byte(`{"payload":{}}`)); !errors.Is(err, ErrEmptyType) {
		t.Fatalf("err = %v", err)
	}
}
