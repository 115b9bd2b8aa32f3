// Package diag turns peer connection statistics into connection health
// summaries and an aggregate voice status.
package diag

import (
	"time"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/pion/webrtc/v4"
)

type ConnectionType string

const (
	ConnectionDirect  ConnectionType = "direct"
	ConnectionRelay   ConnectionType = "relay"
	ConnectionUnknown ConnectionType = "unknown"
)

// Candidate describes one end of the selected candidate pair.
type Candidate struct {
	Type     string `json:"type"`
	Address  string `json:"address"`
	Port     int32  `json:"port"`
	Protocol string `json:"protocol"`
	URL      string `json:"url,omitempty"`
}

// Snapshot is the computed health view of one peer link.
type Snapshot struct {
	Remote          domain.UserID              `json:"remote"`
	PeerState       webrtc.PeerConnectionState `json:"-"`
	ICEState        webrtc.ICEConnectionState  `json:"-"`
	Local           *Candidate                 `json:"local,omitempty"`
	RemoteCandidate *Candidate                 `json:"remote_candidate,omitempty"`
	ConnectionType  ConnectionType             `json:"connection_type"`
	BytesSent       uint64                     `json:"bytes_sent"`
	BytesReceived   uint64                     `json:"bytes_received"`
	PacketsSent     uint32                     `json:"packets_sent"`
	PacketsReceived uint32                     `json:"packets_received"`
	RTT             time.Duration              `json:"rtt"`
	Status          string                     `json:"status"`
	At              time.Time                  `json:"at"`
}

func (s Snapshot) HasData() bool { return s.BytesReceived > 0 }

// Build reads the selected candidate pair out of report and classifies it.
func Build(remote domain.UserID, peer webrtc.PeerConnectionState, ice webrtc.ICEConnectionState, report webrtc.StatsReport) Snapshot {
	s := Snapshot{
		Remote:         remote,
		PeerState:      peer,
		ICEState:       ice,
		ConnectionType: ConnectionUnknown,
		At:             time.Now(),
	}

	if pair, ok := selectedPair(report); ok {
		s.BytesSent = pair.BytesSent
		s.BytesReceived = pair.BytesReceived
		s.PacketsSent = pair.PacketsSent
		s.PacketsReceived = pair.PacketsReceived
		s.RTT = time.Duration(pair.CurrentRoundTripTime * float64(time.Second))

		local, lok := candidate(report, pair.LocalCandidateID)
		rem, rok := candidate(report, pair.RemoteCandidateID)
		if lok {
			s.Local = &local
		}
		if rok {
			s.RemoteCandidate = &rem
		}
		s.ConnectionType = Classify(local.Type, rem.Type)
	}

	s.Status = StatusString(peer, ice, s.ConnectionType, s.HasData())
	return s
}

// Classify reports relay when either end of the pair is a relay
// candidate, and direct when both ends are known non-relay candidates.
func Classify(localType, remoteType string) ConnectionType {
	relay := webrtc.ICECandidateTypeRelay.String()
	switch {
	case localType == relay || remoteType == relay:
		return ConnectionRelay
	case localType != "" && remoteType != "":
		return ConnectionDirect
	}
	return ConnectionUnknown
}

func selectedPair(report webrtc.StatsReport) (webrtc.ICECandidatePairStats, bool) {
	var fallback *webrtc.ICECandidatePairStats
	for _, st := range report {
		pair, ok := st.(webrtc.ICECandidatePairStats)
		if !ok || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		if pair.Nominated {
			return pair, true
		}
		if fallback == nil {
			fallback = &pair
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return webrtc.ICECandidatePairStats{}, false
}

func candidate(report webrtc.StatsReport, id string) (Candidate, bool) {
	st, ok := report[id]
	if !ok {
		return Candidate{}, false
	}
	c, ok := st.(webrtc.ICECandidateStats)
	if !ok {
		return Candidate{}, false
	}
	return Candidate{
		Type:     c.CandidateType.String(),
		Address:  c.IP,
		Port:     c.Port,
		Protocol: c.Protocol,
		URL:      c.URL,
	}, true
}

// StatusString is the human readable health line shown for a link.
func StatusString(peer webrtc.PeerConnectionState, ice webrtc.ICEConnectionState, ct ConnectionType, hasData bool) string {
	switch {
	case peer == webrtc.PeerConnectionStateFailed:
		return "Connection failed"
	case ice == webrtc.ICEConnectionStateFailed:
		return "ICE failed - check TURN"
	case peer == webrtc.PeerConnectionStateConnected:
		iceUp := ice == webrtc.ICEConnectionStateConnected || ice == webrtc.ICEConnectionStateCompleted
		switch {
		case iceUp && ct == ConnectionRelay && hasData:
			return "Connected via TURN relay"
		case iceUp && ct == ConnectionRelay:
			return "Connected via TURN relay (no data yet)"
		case iceUp && ct == ConnectionDirect && hasData:
			return "Connected directly (P2P)"
		case iceUp && ct == ConnectionDirect:
			return "Connected directly (no data yet)"
		}
		return "Connected"
	case peer == webrtc.PeerConnectionStateConnecting || peer == webrtc.PeerConnectionStateNew:
		if ice == webrtc.ICEConnectionStateChecking {
			return "Checking connectivity..."
		}
		return "Connecting..."
	case peer == webrtc.PeerConnectionStateDisconnected:
		return "Disconnected - reconnecting"
	case peer == webrtc.PeerConnectionStateClosed:
		return "Closed"
	}
	return "Unknown"
}
