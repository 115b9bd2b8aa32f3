package core

import (
	"slices"
	"sync"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/rs/zerolog/log"
)

type channelMember struct {
	session MemberSession
	state   domain.VoiceState
}

// channelImpl is a threadsafe in-memory voice channel.
// It never closes adapter-owned resources.
type channelImpl struct {
	id      domain.ChannelID
	mu      sync.RWMutex
	members map[domain.UserID]*channelMember
}

func NewChannelService(id domain.ChannelID) ChannelService {
	return &channelImpl{
		id:      id,
		members: make(map[domain.UserID]*channelMember),
	}
}

func (c *channelImpl) ID() domain.ChannelID { return c.id }

func (c *channelImpl) MemberCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

func (c *channelImpl) AddMember(ms MemberSession, state domain.VoiceState) {
	uid := ms.User().ID
	state.ChannelID = c.id
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[uid] = &channelMember{session: ms, state: state}
	log.Info().Str("module", "core.channel").Str("channel", string(c.id)).Str("uid", string(uid)).Msg("member added")
}

func (c *channelImpl) RemoveMember(uid domain.UserID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.members[uid]; !ok {
		return false
	}
	delete(c.members, uid)
	log.Info().Str("module", "core.channel").Str("channel", string(c.id)).Str("uid", string(uid)).Msg("member removed")
	return true
}

func (c *channelImpl) UpdateState(uid domain.UserID, muted, deafened bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[uid]
	if !ok {
		return false
	}
	m.state.Muted = muted
	m.state.Deafened = deafened
	return true
}

func (c *channelImpl) Broadcast(data Frame) PublishResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res := PublishResult{}
	for _, m := range c.members {
		if err := m.session.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m.session)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.channel").Str("channel", string(c.id)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// VoiceStates returns the roster ordered by join time.
func (c *channelImpl) VoiceStates() []domain.VoiceState {
	c.mu.RLock()
	out := make([]domain.VoiceState, 0, len(c.members))
	for _, m := range c.members {
		out = append(out, m.state)
	}
	c.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.VoiceState) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		if a.UserID < b.UserID {
			return -1
		}
		if a.UserID > b.UserID {
			return 1
		}
		return 0
	})
	return out
}
