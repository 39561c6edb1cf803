package a2a

import (
	"context"
	"sync"

	"syncmesh/internal/core/domain"

	"go.uber.org/zap"
)

// BridgedBus joins the in-process websocket hub to the redis cluster channel
// so a multi-instance deployment behaves like one bus. Every envelope makes
// exactly one dispatch round per instance:
//
//   - local publishes dispatch here, route to connected agents and forward
//     to the cluster
//   - agent-inbound envelopes dispatch here and forward to the cluster, so
//     an instance holding the relevant session sees votes from agents
//     connected elsewhere
//   - cluster envelopes dispatch here and route to connected agents, never
//     forward again
type BridgedBus struct {
	local   *WebSocketBus
	cluster *RedisBus
	logger  *zap.SugaredLogger

	subMu   sync.RWMutex
	subs    map[int]func(ctx context.Context, env *domain.Envelope)
	nextSub int

	stops []func()
}

func NewBridgedBus(local *WebSocketBus, cluster *RedisBus, logger *zap.SugaredLogger) *BridgedBus {
	b := &BridgedBus{
		local:   local,
		cluster: cluster,
		logger:  logger,
		subs:    make(map[int]func(ctx context.Context, env *domain.Envelope)),
	}

	// Agent-inbound traffic arrives through the hub's own dispatch.
	stopLocal := local.Subscribe(func(ctx context.Context, env *domain.Envelope) {
		b.dispatch(ctx, env)
		if err := cluster.Forward(ctx, env); err != nil {
			logger.Warnw("failed to forward agent envelope to cluster",
				"type", env.Type,
				"error", err,
			)
		}
	})

	// The redis bus already drops this instance's own broadcasts, so
	// replaying cluster traffic cannot loop.
	stopCluster := cluster.Subscribe(func(ctx context.Context, env *domain.Envelope) {
		b.dispatch(ctx, env)
		if err := local.Route(ctx, env); err != nil {
			logger.Warnw("failed to route cluster envelope to agents",
				"type", env.Type,
				"to", env.To,
				"error", err,
			)
		}
	})

	b.stops = []func(){stopLocal, stopCluster}
	return b
}

func (b *BridgedBus) Publish(ctx context.Context, env *domain.Envelope) error {
	b.dispatch(ctx, env)

	if err := b.local.Route(ctx, env); err != nil {
		b.logger.Warnw("failed to route envelope to agents",
			"type", env.Type,
			"to", env.To,
			"error", err,
		)
	}
	return b.cluster.Forward(ctx, env)
}

// Subscribe registers a local handler. The returned function removes it.
func (b *BridgedBus) Subscribe(handler func(ctx context.Context, env *domain.Envelope)) func() {
	b.subMu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = handler
	b.subMu.Unlock()

	return func() {
		b.subMu.Lock()
		delete(b.subs, id)
		b.subMu.Unlock()
	}
}

// Close detaches the bridge and closes both underlying buses.
func (b *BridgedBus) Close() error {
	for _, stop := range b.stops {
		stop()
	}

	err := b.local.Close()
	if cerr := b.cluster.Close(); err == nil {
		err = cerr
	}
	return err
}

func (b *BridgedBus) dispatch(ctx context.Context, env *domain.Envelope) {
	b.subMu.RLock()
	handlers := make([]func(ctx context.Context, env *domain.Envelope), 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.subMu.RUnlock()

	for _, h := range handlers {
		h(ctx, env)
	}
}
