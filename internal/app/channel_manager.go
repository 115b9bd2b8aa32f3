package app

import (
	"slices"
	"sync"

	"github.com/dkeye/subspace/internal/core"
	"github.com/dkeye/subspace/internal/domain"
)

type ChannelManagerImpl struct {
	mu       sync.RWMutex
	channels map[domain.ChannelID]core.ChannelService
}

func NewChannelManager() core.ChannelFactory {
	return &ChannelManagerImpl{channels: make(map[domain.ChannelID]core.ChannelService)}
}

func (f *ChannelManagerImpl) GetOrCreate(id domain.ChannelID) core.ChannelService {
	f.mu.RLock()
	ch, ok := f.channels[id]
	f.mu.RUnlock()
	if ok {
		return ch
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok = f.channels[id]; ok {
		return ch
	}
	ch = core.NewChannelService(id)
	f.channels[id] = ch
	return ch
}

func (f *ChannelManagerImpl) Get(id domain.ChannelID) (core.ChannelService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ch, ok := f.channels[id]
	return ch, ok
}

// List returns the channels sorted by id.
func (f *ChannelManagerImpl) List() []core.ChannelInfo {
	f.mu.RLock()
	out := make([]core.ChannelInfo, 0, len(f.channels))
	for id, ch := range f.channels {
		out = append(out, core.ChannelInfo{ID: id, MemberCount: ch.MemberCount()})
	}
	f.mu.RUnlock()
	slices.SortFunc(out, func(a, b core.ChannelInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

func (f *ChannelManagerImpl) StopChannel(id domain.ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, id)
}
