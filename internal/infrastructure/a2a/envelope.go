package a2a

import (
	"encoding/json"
	"fmt"

	"syncmesh/internal/core/domain"
)

// EncodeEnvelope serializes an envelope for the wire.
func EncodeEnvelope(env *domain.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses and validates an inbound envelope. Unknown message
// types are rejected so a misbehaving agent cannot push arbitrary traffic
// into the mesh. Missing routing tags default to medium / best-effort.
func DecodeEnvelope(data []byte) (*domain.Envelope, error) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	if env.Type == "" {
		return nil, fmt.Errorf("envelope type is required")
	}
	if !domain.KnownMessageType(env.Type) {
		return nil, fmt.Errorf("unknown envelope type: %s", env.Type)
	}

	if env.Priority == "" {
		env.Priority = domain.PriorityMedium
	}
	if env.Reliability == "" {
		env.Reliability = domain.ReliabilityBestEffort
	}

	return &env, nil
}
