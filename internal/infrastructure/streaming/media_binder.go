package streaming

import (
	"context"

	"syncmesh/internal/core/domain"
	"syncmesh/internal/core/ports"
)

// MediaBinder decorates the session service so inbound transport media
// reaches the right buffer pool. Stream starts bind the new connection's
// track kind to the stream; stops and session teardown unbind the
// connection, flushing whatever the chunker still holds into the pool
// before it is released.
type MediaBinder struct {
	base    ports.SessionService
	chunker *Chunker
}

func NewMediaBinder(base ports.SessionService, chunker *Chunker) ports.SessionService {
	return &MediaBinder{base: base, chunker: chunker}
}

func (b *MediaBinder) CreateSession(ctx context.Context, req ports.CreateSessionRequest) (*domain.Session, error) {
	return b.base.CreateSession(ctx, req)
}

func (b *MediaBinder) GetSession(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	return b.base.GetSession(ctx, id)
}

func (b *MediaBinder) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	return b.base.ListSessions(ctx)
}

func (b *MediaBinder) StartVideoStream(ctx context.Context, sessionID domain.SessionID, req ports.StreamRequest) (*domain.Stream, error) {
	stream, err := b.base.StartVideoStream(ctx, sessionID, req)
	if err != nil {
		return nil, err
	}
	b.chunker.BindStream(stream.ConnectionID, "video", stream.ID)
	return stream, nil
}

func (b *MediaBinder) StartAudioStream(ctx context.Context, sessionID domain.SessionID, req ports.StreamRequest) (*domain.Stream, error) {
	stream, err := b.base.StartAudioStream(ctx, sessionID, req)
	if err != nil {
		return nil, err
	}
	b.chunker.BindStream(stream.ConnectionID, "audio", stream.ID)
	return stream, nil
}

func (b *MediaBinder) StopStream(ctx context.Context, sessionID domain.SessionID, streamID domain.StreamID) error {
	// Unbind before the stop releases the pool so the final partial chunk
	// still lands in it.
	connID, kind := b.routeFor(ctx, sessionID, streamID)
	if kind != "" {
		b.chunker.UnbindConnection(ctx, connID)
	}

	if err := b.base.StopStream(ctx, sessionID, streamID); err != nil {
		if kind != "" {
			b.chunker.BindStream(connID, kind, streamID)
		}
		return err
	}
	return nil
}

func (b *MediaBinder) AdaptStreamQuality(ctx context.Context, sessionID domain.SessionID, streamID domain.StreamID) (*domain.QualityDecision, error) {
	return b.base.AdaptStreamQuality(ctx, sessionID, streamID)
}

func (b *MediaBinder) EmergencyDegrade(ctx context.Context, sessionID domain.SessionID) error {
	return b.base.EmergencyDegrade(ctx, sessionID)
}

func (b *MediaBinder) EndSession(ctx context.Context, sessionID domain.SessionID) (*domain.SessionMetrics, error) {
	routes := b.sessionRoutes(ctx, sessionID)
	for _, r := range routes {
		b.chunker.UnbindConnection(ctx, r.conn)
	}

	metrics, err := b.base.EndSession(ctx, sessionID)
	if err != nil {
		for _, r := range routes {
			b.chunker.BindStream(r.conn, r.kind, r.stream)
		}
		return nil, err
	}
	return metrics, nil
}

type mediaRoute struct {
	conn   domain.ConnectionID
	kind   string
	stream domain.StreamID
}

// routeFor resolves the connection and track kind behind a stream. Data
// streams carry no transport media, for those kind stays empty.
func (b *MediaBinder) routeFor(ctx context.Context, sessionID domain.SessionID, streamID domain.StreamID) (domain.ConnectionID, string) {
	session, err := b.base.GetSession(ctx, sessionID)
	if err != nil {
		return "", ""
	}
	if stream, ok := session.VideoStreams[streamID]; ok {
		return stream.ConnectionID, "video"
	}
	if stream, ok := session.AudioStreams[streamID]; ok {
		return stream.ConnectionID, "audio"
	}
	return "", ""
}

func (b *MediaBinder) sessionRoutes(ctx context.Context, sessionID domain.SessionID) []mediaRoute {
	session, err := b.base.GetSession(ctx, sessionID)
	if err != nil {
		return nil
	}

	var routes []mediaRoute
	for id, stream := range session.VideoStreams {
		routes = append(routes, mediaRoute{conn: stream.ConnectionID, kind: "video", stream: id})
	}
	for id, stream := range session.AudioStreams {
		routes = append(routes, mediaRoute{conn: stream.ConnectionID, kind: "audio", stream: id})
	}
	return routes
}
