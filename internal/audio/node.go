package audio

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/pion/rtp"
)

// Node is the per-participant audio graph: an analyser that accumulates
// frame energy between sampler ticks, and for remote participants a gain
// stage in front of an output sink.
type Node struct {
	User  domain.UserID
	Local bool

	mu     sync.Mutex
	sum    float64
	frames int

	gain   atomic.Uint64 // math.Float64bits
	closed atomic.Bool
	sink   Sink
}

func newNode(user domain.UserID, local bool, sink Sink) *Node {
	n := &Node{User: user, Local: local, sink: sink}
	n.SetGain(1)
	return n
}

// Observe feeds one frame level to the analyser.
func (n *Node) Observe(level uint8) {
	if n.closed.Load() {
		return
	}
	e := Energy(level)
	n.mu.Lock()
	n.sum += e
	n.frames++
	n.mu.Unlock()
}

// Sample returns the average energy since the previous call and resets
// the accumulator. A node that saw no frames reports 0.
func (n *Node) Sample() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.frames == 0 {
		return 0
	}
	avg := n.sum / float64(n.frames)
	n.sum, n.frames = 0, 0
	return avg
}

func (n *Node) Gain() float64 { return math.Float64frombits(n.gain.Load()) }

func (n *Node) SetGain(g float64) { n.gain.Store(math.Float64bits(g)) }

// Forward passes a packet to the output sink unless the gain is zero.
// Local nodes never have a sink.
func (n *Node) Forward(pkt *rtp.Packet) error {
	if n.sink == nil || n.closed.Load() || n.Gain() == 0 {
		return nil
	}
	return n.sink.WriteRTP(pkt)
}

func (n *Node) close() error {
	if n.closed.Swap(true) || n.sink == nil {
		return nil
	}
	return n.sink.Close()
}
