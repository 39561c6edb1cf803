package a2a

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/pkg/optimize"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WebSocketBusConfig carries the tunables for direct agent links.
type WebSocketBusConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64 // inbound per-agent limit, 0 disables
	MessageBurst      int
	MaxMessageBytes   int64
	AllowedOrigins    []string // empty or "*" allows any origin
}

func (c WebSocketBusConfig) withDefaults() WebSocketBusConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 64 * 1024
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 1
	}
	return c
}

// agentLink is one connected agent. The mutex serializes writes because
// gorilla connections allow only one concurrent writer.
type agentLink struct {
	id   domain.AgentID
	conn *websocket.Conn
	mu   sync.Mutex
}

func (l *agentLink) write(timeout time.Duration, messageType int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.conn.SetWriteDeadline(time.Now().Add(timeout))
	return l.conn.WriteMessage(messageType, data)
}

// WebSocketBus is the coordinator-side A2A hub. Agents connect over
// websocket; published envelopes route to their target link (or all links
// on broadcast) and loop back to local subscribers, so in-process services
// observe the same traffic remote agents do.
type WebSocketBus struct {
	cfg    WebSocketBusConfig
	logger *zap.SugaredLogger

	mu    sync.RWMutex
	links map[domain.AgentID]*agentLink

	subMu   sync.RWMutex
	subs    map[int]func(ctx context.Context, env *domain.Envelope)
	nextSub int

	// Every publish snapshots links and subscribers outside their locks;
	// the pools keep that off the allocator on busy buses.
	linkSnaps    *optimize.SlicePool[*agentLink]
	handlerSnaps *optimize.SlicePool[func(context.Context, *domain.Envelope)]

	closed    chan struct{}
	closeOnce sync.Once
}

func NewWebSocketBus(cfg WebSocketBusConfig, logger *zap.SugaredLogger) *WebSocketBus {
	return &WebSocketBus{
		cfg:          cfg.withDefaults(),
		logger:       logger,
		links:        make(map[domain.AgentID]*agentLink),
		subs:         make(map[int]func(ctx context.Context, env *domain.Envelope)),
		linkSnaps:    optimize.NewSlicePool[*agentLink](16),
		handlerSnaps: optimize.NewSlicePool[func(context.Context, *domain.Envelope)](16),
		closed:       make(chan struct{}),
	}
}

func (b *WebSocketBus) checkOrigin(r *http.Request) bool {
	if len(b.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range b.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleAgentSocket upgrades an agent connection and pumps its envelopes
// into the bus until the link drops.
func (b *WebSocketBus) HandleAgentSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin:     b.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	agentID := domain.AgentID(r.URL.Query().Get("agent_id"))
	if agentID == "" {
		b.logger.Warn("missing agent_id in query parameters")
		return
	}

	link := &agentLink{id: agentID, conn: conn}

	b.mu.Lock()
	old, isReconnect := b.links[agentID]
	if isReconnect && old != nil {
		old.conn.Close()
		b.logger.Infow("closing old connection for reconnecting agent", "agent_id", agentID)
	}
	b.links[agentID] = link
	b.mu.Unlock()

	b.logger.Infow("agent connected", "agent_id", agentID, "reconnect", isReconnect)

	conn.SetReadLimit(b.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(b.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(b.cfg.PongTimeout))
		return nil
	})

	var limiter *rate.Limiter
	if b.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(b.cfg.MessagesPerSecond), b.cfg.MessageBurst)
	}

	envChan := make(chan *domain.Envelope, 16)
	errChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				errChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(b.cfg.PongTimeout))

			env, err := DecodeEnvelope(data)
			if err != nil {
				b.logger.Warnw("dropping malformed envelope", "agent_id", agentID, "error", err)
				continue
			}
			if limiter != nil && !limiter.Allow() {
				b.logger.Debugw("dropping envelope over rate limit", "agent_id", agentID, "type", env.Type)
				continue
			}

			select {
			case envChan <- env:
			case <-done:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(b.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case env := <-envChan:
			if env.From == "" {
				env.From = agentID
			}
			if env.From != agentID {
				b.logger.Warnw("dropping envelope with mismatched sender",
					"agent_id", agentID,
					"claimed_from", env.From,
				)
				continue
			}
			b.dispatch(r.Context(), env)

		case <-pingTicker.C:
			if err := link.write(b.cfg.WriteTimeout, websocket.PingMessage, nil); err != nil {
				b.logger.Infow("ping failed", "agent_id", agentID, "error", err)
				goto cleanup
			}

		case err := <-errChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				b.logger.Infow("agent read failed", "agent_id", agentID, "error", err)
			}
			goto cleanup

		case <-b.closed:
			goto cleanup
		}
	}

cleanup:
	b.mu.Lock()
	if current, ok := b.links[agentID]; ok && current == link {
		delete(b.links, agentID)
	}
	b.mu.Unlock()

	b.logger.Infow("agent disconnected", "agent_id", agentID)
}

// Publish routes an envelope to its target link and loops it back to local
// subscribers. Delivery is fire-and-forget: an absent or failing broadcast
// target is logged, not surfaced.
func (b *WebSocketBus) Publish(ctx context.Context, env *domain.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope is required")
	}

	b.dispatch(ctx, env)
	return b.Route(ctx, env)
}

// Route writes the envelope to its target link (or all links on broadcast)
// without the subscriber loopback. Bridged setups use this for envelopes
// that already made their dispatch round elsewhere.
func (b *WebSocketBus) Route(ctx context.Context, env *domain.Envelope) error {
	if env == nil {
		return fmt.Errorf("envelope is required")
	}
	if env.To == "" {
		return nil
	}

	data, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}

	if env.To == domain.BroadcastTarget {
		links := b.snapshotLinks()
		for _, link := range links {
			if link.id == env.From {
				continue
			}
			if err := link.write(b.cfg.WriteTimeout, websocket.TextMessage, data); err != nil {
				b.logger.Warnw("broadcast write failed",
					"agent_id", link.id,
					"type", env.Type,
					"error", err,
				)
			}
		}
		b.linkSnaps.Put(links)
		return nil
	}

	b.mu.RLock()
	link, ok := b.links[env.To]
	b.mu.RUnlock()
	if !ok {
		// The target may be attached through another bus instance.
		b.logger.Debugw("no link for envelope target", "to", env.To, "type", env.Type)
		return nil
	}

	if err := link.write(b.cfg.WriteTimeout, websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send envelope to %s: %w", env.To, err)
	}
	return nil
}

// Subscribe registers a local handler. The returned function removes it.
func (b *WebSocketBus) Subscribe(handler func(ctx context.Context, env *domain.Envelope)) func() {
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

// Close drops every agent link and stops the socket loops.
func (b *WebSocketBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
	})

	b.mu.Lock()
	for _, link := range b.links {
		link.conn.Close()
	}
	b.links = make(map[domain.AgentID]*agentLink)
	b.mu.Unlock()
	return nil
}

// ConnectedAgents lists agents currently holding a live link.
func (b *WebSocketBus) ConnectedAgents() []domain.AgentID {
	b.mu.RLock()
	defer b.mu.RUnlock()

	agents := make([]domain.AgentID, 0, len(b.links))
	for id := range b.links {
		agents = append(agents, id)
	}
	return agents
}

// snapshotLinks copies the link set under the lock. The caller returns the
// slice through b.linkSnaps.Put once done with it.
func (b *WebSocketBus) snapshotLinks() []*agentLink {
	b.mu.RLock()
	defer b.mu.RUnlock()

	links := b.linkSnaps.Get()
	for _, link := range b.links {
		links = append(links, link)
	}
	return links
}

func (b *WebSocketBus) dispatch(ctx context.Context, env *domain.Envelope) {
	b.subMu.RLock()
	handlers := b.handlerSnaps.Get()
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.subMu.RUnlock()

	for _, h := range handlers {
		h(ctx, env)
	}
	b.handlerSnaps.Put(handlers)
}
