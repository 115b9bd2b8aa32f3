package voice

import (
	"errors"
	"slices"
	"sync"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var ErrRegistryClosed = errors.New("link registry closed")

// LinkFactory creates the link to remote.
type LinkFactory func(remote domain.UserID) (*PeerLink, error)

// Registry owns at most one PeerLink per remote participant.
type Registry struct {
	newLink LinkFactory
	logger  zerolog.Logger

	mu     sync.Mutex
	links  map[domain.UserID]*PeerLink
	closed bool
}

func NewRegistry(f LinkFactory) *Registry {
	return &Registry{
		newLink: f,
		logger:  log.With().Str("module", "voice.registry").Logger(),
		links:   make(map[domain.UserID]*PeerLink),
	}
}

// EnsureLink returns the link to remote, creating it when missing. A new
// link sends the first offer when initiator is set.
func (r *Registry) EnsureLink(remote domain.UserID, initiator bool) (*PeerLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	if l, ok := r.links[remote]; ok {
		return l, nil
	}
	l, err := r.newLink(remote)
	if err != nil {
		r.logger.Error().Err(err).Str("remote", string(remote)).Msg("create link")
		return nil, err
	}
	r.links[remote] = l
	r.logger.Info().Str("remote", string(remote)).Bool("initiator", initiator).Int("links", len(r.links)).Msg("link added")
	if initiator {
		l.Negotiate()
	}
	return l, nil
}

func (r *Registry) Get(remote domain.UserID) (*PeerLink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[remote]
	return l, ok
}

// CloseLink closes and forgets the link to remote.
func (r *Registry) CloseLink(remote domain.UserID) bool {
	r.mu.Lock()
	l, ok := r.links[remote]
	delete(r.links, remote)
	r.mu.Unlock()
	if !ok {
		return false
	}
	l.Close()
	r.logger.Info().Str("remote", string(remote)).Msg("link removed")
	return true
}

// CloseAll closes every link in parallel and refuses new ones.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	links := r.links
	r.links = make(map[domain.UserID]*PeerLink)
	r.mu.Unlock()

	var wg conc.WaitGroup
	for _, l := range links {
		wg.Go(l.Close)
	}
	wg.Wait()
	if len(links) > 0 {
		r.logger.Info().Int("links", len(links)).Msg("closed all links")
	}
}

// Links returns a snapshot ordered by remote id.
func (r *Registry) Links() []*PeerLink {
	r.mu.Lock()
	out := make([]*PeerLink, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b *PeerLink) int {
		switch {
		case a.remote < b.remote:
			return -1
		case a.remote > b.remote:
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}
