package app

import (
	"context"
	"sync"

	"github.com/dkeye/subspace/internal/core"
	"github.com/dkeye/subspace/internal/domain"
	"github.com/rs/zerolog/log"
)

type sessionEntry struct {
	Channel domain.ChannelID
	Session core.MemberSession
	Cancel  context.CancelFunc
}

// Registry tracks the one live signaling session of every connected
// user and the voice channel it sits in.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.UserID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.UserID]*sessionEntry)}
}

// Bind registers sess for its user. A session the user already had is
// replaced and returned so the caller can shut it down.
func (r *Registry) Bind(sess core.MemberSession, cancel context.CancelFunc) (prev core.MemberSession, prevCancel context.CancelFunc) {
	uid := sess.User().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[uid]; ok {
		prev, prevCancel = old.Session, old.Cancel
	}
	r.sessions[uid] = &sessionEntry{Session: sess, Cancel: cancel}
	log.Info().Str("module", "app.registry").Str("uid", string(uid)).Bool("replaced", prev != nil).Msg("bound session")
	return prev, prevCancel
}

// Unbind removes uid only while sess is still its current session, so
// a replaced connection shutting down late cannot evict its successor.
func (r *Registry) Unbind(uid domain.UserID, sess core.MemberSession) (domain.ChannelID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[uid]
	if !ok || e.Session != sess {
		return "", false
	}
	delete(r.sessions, uid)
	log.Info().Str("module", "app.registry").Str("uid", string(uid)).Msg("unbind session")
	return e.Channel, true
}

func (r *Registry) Session(uid domain.UserID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[uid]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) ChannelOf(uid domain.UserID) (domain.ChannelID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[uid]
	if !ok || e.Channel == "" {
		return "", nil, false
	}
	return e.Channel, e.Session, true
}

func (r *Registry) SetChannel(uid domain.UserID, ch domain.ChannelID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[uid]
	if !ok {
		return false
	}
	e.Channel = ch
	log.Info().Str("module", "app.registry").Str("uid", string(uid)).Str("channel", string(ch)).Msg("updated channel")
	return true
}

func (r *Registry) ClearChannel(uid domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[uid]; ok {
		e.Channel = ""
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Cancel stops the connection pumps of uid.
func (r *Registry) Cancel(uid domain.UserID) bool {
	r.mu.RLock()
	e, ok := r.sessions[uid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("uid", string(uid)).Msg("canceled session")
	return true
}
