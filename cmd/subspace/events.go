package main

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/subspace/internal/core"
	"github.com/dkeye/subspace/internal/voice"
	"github.com/dkeye/subspace/internal/wire"
)

type lateSender struct {
	mu sync.RWMutex
	s  core.SignalSender
}

func (l *lateSender) Set(s core.SignalSender) {
	l.mu.Lock()
	l.s = s
	l.mu.Unlock()
}

func (l *lateSender) Send(env wire.Envelope) error {
	l.mu.RLock()
	s := l.s
	l.mu.RUnlock()
	if s == nil {
		return nil
	}
	return s.Send(env)
}

func logEvents(ctx context.Context, ev voice.Events) {
	logger := log.With().Str("module", "events").Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case ids := <-ev.Speaking:
			logger.Info().Interface("speaking", ids).Msg("speaking")
		case st := <-ev.Status:
			logger.Info().
				Str("state", string(st.State)).
				Int("connected", st.ConnectedPeers).
				Int("total", st.TotalPeers).
				Bool("relay", st.UsingRelay).
				Msg("voice status")
		case r := <-ev.Diagnostics:
			for uid, s := range r.Peers {
				logger.Debug().
					Str("peer", string(uid)).
					Str("status", s.Status).
					Str("type", string(s.ConnectionType)).
					Dur("rtt", s.RTT).
					Msg("peer diagnostics")
			}
		case msg := <-ev.Errors:
			logger.Warn().Msg(msg)
		case b := <-ev.Bundles:
			logger.Info().Str("peer", string(b.Remote)).Int("streams", len(b.Streams)).Msg("remote media")
		}
	}
}
