// Package wire defines the JSON envelopes exchanged with the chat server
// over the signaling websocket.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/subspace/internal/domain"
)

type Type string

const (
	TypeAuth             Type = "auth"
	TypeAuthSuccess      Type = "auth_success"
	TypeJoinVoice        Type = "join_voice"
	TypeLeaveVoice       Type = "leave_voice"
	TypeMuteDeafen       Type = "voice_mute_deafen"
	TypeVoiceStateUpdate Type = "voice_state_update"
	TypeSignalSDP        Type = "signal_sdp"
	TypeSignalICE        Type = "signal_ice"
	TypeError            Type = "error"
	TypePing             Type = "ping"
	TypePong             Type = "pong"
)

var ErrEmptyType = errors.New("envelope type empty")

type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func New(t Type, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = b
	return env, nil
}

// Marshal builds and serializes an envelope in one step.
func Marshal(t Type, payload any) ([]byte, error) {
	env, err := New(t, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func Parse(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("bad envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, ErrEmptyType
	}
	return env, nil
}

func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: bad payload: %w", e.Type, err)
	}
	return nil
}

type AuthPayload struct {
	Token    string `json:"token"`
	Username string `json:"username,omitempty"`
}

type AuthSuccessPayload struct {
	UserID   domain.UserID `json:"user_id"`
	Username string        `json:"username"`
}

type JoinVoicePayload struct {
	ChannelID domain.ChannelID `json:"channel_id"`
}

type LeaveVoicePayload struct{}

type MuteDeafenPayload struct {
	Muted    bool `json:"muted"`
	Deafened bool `json:"deafened"`
}

type VoiceStateUpdatePayload struct {
	ChannelID   domain.ChannelID    `json:"channel_id"`
	VoiceStates []domain.VoiceState `json:"voice_states"`
}

func (p VoiceStateUpdatePayload) Roster() domain.Roster {
	return domain.Roster{Channel: p.ChannelID, States: p.VoiceStates}
}

type SDPPayload struct {
	TargetUserID domain.UserID `json:"target_user_id,omitempty"`
	FromUserID   domain.UserID `json:"from_user_id,omitempty"`
	SDP          string        `json:"sdp"`
	SDPType      string        `json:"sdp_type"`
}

type ICEPayload struct {
	TargetUserID  domain.UserID `json:"target_user_id,omitempty"`
	FromUserID    domain.UserID `json:"from_user_id,omitempty"`
	Candidate     string        `json:"candidate"`
	SDPMid        *string       `json:"sdp_mid"`
	SDPMLineIndex *uint16       `json:"sdp_mline_index"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
