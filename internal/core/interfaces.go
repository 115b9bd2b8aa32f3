package core

//go:generate mockgen -destination=mocks/mock_core.go -package=mocks github.com/dkeye/subspace/internal/core SignalSender,CredentialSource,SignalConnection

import (
	"context"

	"github.com/dkeye/subspace/internal/domain"
	"github.com/dkeye/subspace/internal/wire"
)

// Frame is one serialized envelope ready for the socket.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalSender delivers envelopes to the chat server. Delivery is best
// effort: while the transport is down messages are dropped, not queued.
type SignalSender interface {
	Send(env wire.Envelope) error
}

// CredentialSource issues transient TURN credentials.
type CredentialSource interface {
	FetchTURN(ctx context.Context) (domain.TURNCredentials, error)
}

// MemberSession binds a connected user and its transport endpoint.
// This is what a channel stores and fans out to.
type MemberSession interface {
	User() *domain.User
	Signal() SignalConnection
}

// PublishResult reports delivery stats/backpressure to the controller.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// ChannelService is the core-facing API of a voice channel.
// It owns the membership set but never touches transport resources.
type ChannelService interface {
	ID() domain.ChannelID
	MemberCount() int
	VoiceStates() []domain.VoiceState

	AddMember(ms MemberSession, state domain.VoiceState)
	RemoveMember(uid domain.UserID) bool
	UpdateState(uid domain.UserID, muted, deafened bool) bool
	Broadcast(data Frame) PublishResult
}

type ChannelInfo struct {
	ID          domain.ChannelID `json:"id"`
	MemberCount int              `json:"member_count"`
}

type ChannelFactory interface {
	GetOrCreate(id domain.ChannelID) ChannelService
	Get(id domain.ChannelID) (ChannelService, bool)
	List() []ChannelInfo
	StopChannel(id domain.ChannelID)
}
