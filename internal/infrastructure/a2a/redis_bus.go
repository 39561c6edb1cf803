package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"syncmesh/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const busChannel = "syncmesh:a2a"

// carrier wraps an envelope with the publishing instance so each node can
// skip its own broadcasts; those were already dispatched locally.
type carrier struct {
	InstanceID string          `json:"instance_id"`
	Envelope   json.RawMessage `json:"envelope"`
}

// RedisBus fans envelopes out to every coordinator instance over redis
// pub/sub. Direct per-agent routing is not possible here, so all envelopes
// travel as cluster broadcasts and each instance filters locally.
type RedisBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger

	pubsub *redis.PubSub
	cancel context.CancelFunc

	subMu   sync.RWMutex
	subs    map[int]func(ctx context.Context, env *domain.Envelope)
	nextSub int
}

func NewRedisBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		cancel:     cancel,
		subs:       make(map[int]func(ctx context.Context, env *domain.Envelope)),
	}

	b.pubsub = client.Subscribe(ctx, busChannel)
	go b.readLoop(ctx)

	return b
}

func (b *RedisBus) readLoop(ctx context.Context) {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var c carrier
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				b.logger.Warnw("failed to unmarshal bus carrier",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			// Skip envelopes from this instance
			if c.InstanceID == b.instanceID {
				continue
			}

			env, err := DecodeEnvelope(c.Envelope)
			if err != nil {
				b.logger.Warnw("dropping malformed envelope from cluster", "error", err)
				continue
			}

			b.dispatch(ctx, env)
		}
	}
}

// Publish loops the envelope back to local subscribers and broadcasts it to
// the rest of the cluster.
func (b *RedisBus) Publish(ctx context.Context, env *domain.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope is required")
	}

	b.dispatch(ctx, env)
	return b.Forward(ctx, env)
}

// Forward broadcasts the envelope to other instances without the local
// loopback. Bridged setups use this after dispatching in-process themselves.
func (b *RedisBus) Forward(ctx context.Context, env *domain.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope is required")
	}

	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(carrier{InstanceID: b.instanceID, Envelope: data})
	if err != nil {
		return fmt.Errorf("failed to marshal bus carrier: %w", err)
	}

	if err := b.client.Publish(ctx, busChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	b.logger.Debugw("published envelope",
		"type", env.Type,
		"to", env.To,
		"session_id", env.SessionID,
	)
	return nil
}

// Subscribe registers a local handler. The returned function removes it.
func (b *RedisBus) Subscribe(handler func(ctx context.Context, env *domain.Envelope)) func() {
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

// Close stops the read loop and closes the subscription.
func (b *RedisBus) Close() error {
	b.cancel()
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}

func (b *RedisBus) dispatch(ctx context.Context, env *domain.Envelope) {
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
