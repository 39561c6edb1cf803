package ports

import (
	"context"

	"syncmesh/internal/core/domain"
)

// Transport abstracts the peer-connection machinery so the orchestrator can
// run against native WebRTC or a deterministic test double.
type Transport interface {
	CreateConnection(ctx context.Context, peerID string, opts domain.ConnectionOptions) (*domain.Connection, error)
	CreateOffer(ctx context.Context, connID domain.ConnectionID) (domain.SessionDescription, error)
	HandleOffer(ctx context.Context, connID domain.ConnectionID, offer domain.SessionDescription) (domain.SessionDescription, error)
	HandleAnswer(ctx context.Context, connID domain.ConnectionID, answer domain.SessionDescription) error
	AddCandidate(ctx context.Context, connID domain.ConnectionID, candidate domain.ICECandidate) error
	ConnectionState(ctx context.Context, connID domain.ConnectionID) (domain.ConnectionState, error)
	GetStats(ctx context.Context, connID domain.ConnectionID) (*domain.ConnectionStats, error)
	NegotiateCodec(kind string, offered []string) (string, error)
	CloseConnection(ctx context.Context, connID domain.ConnectionID) error
}

// MessageBus carries A2A envelopes between agents. Publish is fire-and-forget;
// reliability tags inform transport selection but are not delivery guarantees.
type MessageBus interface {
	Publish(ctx context.Context, env *domain.Envelope) error
	Subscribe(handler func(ctx context.Context, env *domain.Envelope)) func()
	Close() error
}
