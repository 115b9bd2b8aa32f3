package audio

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultSampleInterval = 100 * time.Millisecond

type Options struct {
	Threshold float64
	Interval  time.Duration
	Sinks     SinkFactory
}

// Pipeline owns the audio nodes of one voice session and the sampler
// that turns them into speaking sets.
type Pipeline struct {
	threshold float64
	interval  time.Duration
	sinks     SinkFactory
	logger    zerolog.Logger

	mu       sync.Mutex
	local    *Node
	remote   map[domain.UserID]*Node
	deafened bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}

	speaking chan []domain.UserID
}

func NewPipeline(opts Options) *Pipeline {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultSampleInterval
	}
	if opts.Sinks == nil {
		opts.Sinks = Discard
	}
	return &Pipeline{
		threshold: opts.Threshold,
		interval:  opts.Interval,
		sinks:     opts.Sinks,
		logger:    log.With().Str("module", "audio").Logger(),
		remote:    make(map[domain.UserID]*Node),
		speaking:  make(chan []domain.UserID, 1),
	}
}

// Speaking delivers the full set of speaking participants every tick.
// Only the latest set is kept when the consumer falls behind.
func (p *Pipeline) Speaking() <-chan []domain.UserID { return p.speaking }

// Run starts the sampler. It stops on ctx cancellation or Teardown.
func (p *Pipeline) Run(ctx context.Context) {
	p.mu.Lock()
	if p.closed || p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		t := time.NewTicker(p.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				p.publish(p.Sample())
			}
		}
	}()
}

func (p *Pipeline) publish(set []domain.UserID) {
	select {
	case <-p.speaking:
	default:
	}
	select {
	case p.speaking <- set:
	default:
	}
}

// Sample reads every analyser once and returns the participants whose
// average energy is above the threshold, sorted by id.
func (p *Pipeline) Sample() []domain.UserID {
	p.mu.Lock()
	nodes := make([]*Node, 0, len(p.remote)+1)
	if p.local != nil {
		nodes = append(nodes, p.local)
	}
	for _, n := range p.remote {
		nodes = append(nodes, n)
	}
	p.mu.Unlock()

	set := make([]domain.UserID, 0, len(nodes))
	for _, n := range nodes {
		if n.Sample() > p.threshold {
			set = append(set, n.User)
		}
	}
	slices.Sort(set)
	return set
}

// StartLocal creates the analysis-only node for the local microphone
// and returns the tap that feeds it. Calling it again returns a tap for
// the existing node.
func (p *Pipeline) StartLocal(self domain.UserID) func(level uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return func(uint8) {}
	}
	if p.local == nil || p.local.User != self {
		p.local = newNode(self, true, nil)
		p.logger.Debug().Str("uid", string(self)).Msg("local analyser started")
	}
	return p.local.Observe
}

// AttachRemote builds the node for user and starts reading src. Only one
// audio track of a participant has a node at a time; later calls report
// false and leave src alone. The node is released when src ends.
func (p *Pipeline) AttachRemote(user domain.UserID, src RTPReader, levelExtID uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if _, ok := p.remote[user]; ok {
		return false
	}
	sink, err := p.sinks(user)
	if err != nil {
		p.logger.Warn().Err(err).Str("uid", string(user)).Msg("output sink unavailable, discarding")
		sink = DiscardSink{}
	}
	n := newNode(user, false, sink)
	if p.deafened {
		n.SetGain(0)
	}
	p.remote[user] = n
	logger := p.logger.With().Str("uid", string(user)).Logger()
	go func() {
		readLoop(n, src, levelExtID, logger)
		p.trackEnded(user, n)
	}()
	logger.Info().Uint8("level_ext", levelExtID).Msg("remote audio attached")
	return true
}

// trackEnded drops n unless it was already detached or replaced.
func (p *Pipeline) trackEnded(user domain.UserID, n *Node) {
	p.mu.Lock()
	current := p.remote[user] == n
	if current {
		delete(p.remote, user)
	}
	p.mu.Unlock()
	if !current {
		return
	}
	if err := n.close(); err != nil {
		p.logger.Warn().Err(err).Str("uid", string(user)).Msg("close sink")
	}
	p.logger.Info().Str("uid", string(user)).Msg("remote audio track ended, node released")
}

// DetachRemote releases user's node. It reports whether one existed.
func (p *Pipeline) DetachRemote(user domain.UserID) bool {
	p.mu.Lock()
	n, ok := p.remote[user]
	delete(p.remote, user)
	p.mu.Unlock()
	if !ok {
		return false
	}
	if err := n.close(); err != nil {
		p.logger.Warn().Err(err).Str("uid", string(user)).Msg("close sink")
	}
	p.logger.Info().Str("uid", string(user)).Msg("remote audio detached")
	return true
}

// SetDeafened sets every remote gain to 0 or 1. Analysers are untouched.
func (p *Pipeline) SetDeafened(deafened bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deafened = deafened
	g := 1.0
	if deafened {
		g = 0
	}
	for _, n := range p.remote {
		n.SetGain(g)
	}
}

// Node returns the remote node of user.
func (p *Pipeline) Node(user domain.UserID) (*Node, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.remote[user]
	return n, ok
}

func (p *Pipeline) LocalNode() *Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// Teardown stops the sampler and releases every node. It is safe to
// call repeatedly.
func (p *Pipeline) Teardown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	cancel, done := p.cancel, p.done
	nodes := p.remote
	p.remote = make(map[domain.UserID]*Node)
	if p.local != nil {
		_ = p.local.close()
		p.local = nil
	}
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for user, n := range nodes {
		if err := n.close(); err != nil {
			p.logger.Warn().Err(err).Str("uid", string(user)).Msg("close sink")
		}
	}
	p.logger.Debug().Int("nodes", len(nodes)).Msg("audio pipeline torn down")
}
