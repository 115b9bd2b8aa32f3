package diag

import (
	"context"
	"time"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultInterval = time.Second

// Peer is the read-only view of a link the collector samples.
type Peer interface {
	RemoteID() domain.UserID
	ConnectionState() webrtc.PeerConnectionState
	ICEConnectionState() webrtc.ICEConnectionState
	GetStats() webrtc.StatsReport
}

// Report is one collection round.
type Report struct {
	Peers  map[domain.UserID]Snapshot
	Status VoiceStatus
}

// Collector samples every peer on a fixed interval. It never changes
// link state.
type Collector struct {
	Peers        func() []Peer
	Participants func() int
	Interval     time.Duration

	reports chan Report
	logger  zerolog.Logger
}

func NewCollector(peers func() []Peer, participants func() int, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Collector{
		Peers:        peers,
		Participants: participants,
		Interval:     interval,
		reports:      make(chan Report, 1),
		logger:       log.With().Str("module", "diag").Logger(),
	}
}

// Reports carries the latest round; stale rounds are dropped.
func (c *Collector) Reports() <-chan Report { return c.reports }

// Collect runs one round.
func (c *Collector) Collect() Report {
	peers := c.Peers()
	snaps := make([]Snapshot, 0, len(peers))
	out := Report{Peers: make(map[domain.UserID]Snapshot, len(peers))}
	for _, p := range peers {
		s := Build(p.RemoteID(), p.ConnectionState(), p.ICEConnectionState(), p.GetStats())
		snaps = append(snaps, s)
		out.Peers[s.Remote] = s
	}
	n := 0
	if c.Participants != nil {
		n = c.Participants()
	}
	out.Status = Aggregate(n, snaps)
	return out
}

// Run collects until ctx is done.
func (c *Collector) Run(ctx context.Context) {
	t := time.NewTicker(c.Interval)
	defer t.Stop()
	last := StateIdle
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		r := c.Collect()
		if r.Status.State != last {
			c.logger.Info().
				Str("state", string(r.Status.State)).
				Int("connected", r.Status.ConnectedPeers).
				Int("total", r.Status.TotalPeers).
				Bool("relay", r.Status.UsingRelay).
				Msg("voice status changed")
			last = r.Status.State
		}
		select {
		case <-c.reports:
		default:
		}
		select {
		case c.reports <- r:
		default:
		}
	}
}
