package ports

import (
	"syncmesh/internal/core/domain"
)

// NodeSelector places cache entries on edge nodes and picks nodes for reads.
type NodeSelector interface {
	SelectForWrite(nodes []*domain.EdgeNode, key string, replicas int) []*domain.EdgeNode
	SelectForRead(nodes []*domain.EdgeNode, key string, region string) *domain.EdgeNode
}

// PredictionModel proposes a quality level from the ladder given current
// conditions. Confidence below the engine's floor falls back to rules.
type PredictionModel interface {
	Predict(acx *domain.AdaptationContext, ladder []domain.QualityLevel) (domain.QualityLevel, float64)
	RecordOutcome(decision domain.QualityDecision, acx *domain.AdaptationContext)
}

// CompressionCodec compresses cache payloads. Implementations must be
// symmetric: Decompress(Compress(b)) == b.
type CompressionCodec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}
