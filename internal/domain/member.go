package domain

import "time"

// VoiceState is one participant's presence in a voice channel as the
// server reports it.
type VoiceState struct {
	UserID    UserID    `json:"user_id"`
	ChannelID ChannelID `json:"channel_id"`
	Muted     bool      `json:"muted"`
	Deafened  bool      `json:"deafened"`
	JoinedAt  time.Time `json:"joined_at"`
	Username  string    `json:"username,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
}

func NewVoiceState(user *User, channel ChannelID) VoiceState {
	return VoiceState{
		UserID:    user.ID,
		ChannelID: channel,
		JoinedAt:  time.Now().UTC(),
		Username:  user.Username,
		AvatarURL: user.AvatarURL,
	}
}
