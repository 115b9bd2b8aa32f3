package domain

import "time"

type ChannelID string

// Roster is the server's view of who is in one voice channel.
type Roster struct {
	Channel ChannelID
	States  []VoiceState
}

func (r Roster) Has(uid UserID) bool {
	for _, s := range r.States {
		if s.UserID == uid {
			return true
		}
	}
	return false
}

// Others returns every participant except self.
func (r Roster) Others(self UserID) []UserID {
	out := make([]UserID, 0, len(r.States))
	for _, s := range r.States {
		if s.UserID != self {
			out = append(out, s.UserID)
		}
	}
	return out
}

// TURNCredentials are the transient relay credentials issued by the
// server's credential endpoint.
type TURNCredentials struct {
	URIs       []string      `json:"uris"`
	Username   string        `json:"username"`
	Credential string        `json:"credential"`
	TTL        time.Duration `json:"-"`
}
