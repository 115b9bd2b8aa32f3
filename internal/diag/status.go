package diag

import "github.com/pion/webrtc/v4"

type State string

const (
	StateIdle       State = "idle"
	StateAlone      State = "alone"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StatePartial    State = "partial"
	StateFailed     State = "failed"
)

// VoiceStatus is the session wide connection status.
type VoiceStatus struct {
	State          State   `json:"state"`
	ConnectedPeers int     `json:"connected_peers"`
	TotalPeers     int     `json:"total_peers"`
	SuccessRatio   float64 `json:"success_ratio"`
	UsingRelay     bool    `json:"using_relay"`
}

// Aggregate folds link snapshots into one status. participants is the
// number of other members in the roster; roster members without a link
// yet count as connecting.
func Aggregate(participants int, snaps []Snapshot) VoiceStatus {
	total := max(participants, len(snaps))
	if total == 0 {
		return VoiceStatus{State: StateAlone}
	}

	st := VoiceStatus{TotalPeers: total}
	failed := 0
	for _, s := range snaps {
		switch s.PeerState {
		case webrtc.PeerConnectionStateConnected:
			st.ConnectedPeers++
			if s.ConnectionType == ConnectionRelay {
				st.UsingRelay = true
			}
		case webrtc.PeerConnectionStateFailed:
			failed++
		}
	}
	st.SuccessRatio = float64(st.ConnectedPeers) / float64(total)

	switch {
	case st.ConnectedPeers == total:
		st.State = StateConnected
	case failed == total:
		st.State = StateFailed
	case failed > 0 && st.ConnectedPeers > 0:
		st.State = StatePartial
	default:
		st.State = StateConnecting
	}
	return st
}
