package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionEnded       = errors.New("session already ended")
	ErrStreamNotFound     = errors.New("stream not found")
	ErrPoolNotFound       = errors.New("buffer pool not found")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrAgentNotFound      = errors.New("agent not found")
	ErrAgentOffline       = errors.New("agent offline")
	ErrNoAgentsAvailable  = errors.New("no agents available")
	ErrProposalNotFound   = errors.New("proposal not found")
	ErrProposalResolved   = errors.New("proposal already resolved")
	ErrConstraintViolated = errors.New("quality constraints violated")
	ErrNoEdgeNodes        = errors.New("no edge nodes available")
	ErrCacheRejected      = errors.New("cache admission rejected")
	ErrCacheEntryMissing  = errors.New("cache entry not found")
	ErrInvalidCandidate   = errors.New("malformed ice candidate")
)

type ErrorCategory string

const (
	ErrorEncoding     ErrorCategory = "encoding"
	ErrorSync         ErrorCategory = "sync"
	ErrorCoordination ErrorCategory = "coordination"
	ErrorNetwork      ErrorCategory = "network"
)

type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

type RecoveryAction string

const (
	RecoveryRetry             RecoveryAction = "retry"
	RecoveryReduceQuality     RecoveryAction = "reduce_quality"
	RecoverySwitchCodec       RecoveryAction = "switch_codec"
	RecoveryFallbackTransport RecoveryAction = "fallback_transport"
)

// StreamingError is the surfaced error shape for streaming failures. The
// recovery hints tell callers which automatic remediations are worth trying.
type StreamingError struct {
	Category    ErrorCategory
	Code        string
	Message     string
	Severity    ErrorSeverity
	Recoverable bool
	Recovery    []RecoveryAction
	Cause       error
}

func (e *StreamingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Category, e.Code, e.Message)
}

func (e *StreamingError) Unwrap() error {
	return e.Cause
}

func NewEncodingError(code, message string, cause error) *StreamingError {
	return &StreamingError{
		Category:    ErrorEncoding,
		Code:        code,
		Message:     message,
		Severity:    SeverityMedium,
		Recoverable: true,
		Recovery:    []RecoveryAction{RecoveryRetry, RecoveryReduceQuality, RecoverySwitchCodec},
		Cause:       cause,
	}
}

func NewSyncError(code, message string, cause error) *StreamingError {
	return &StreamingError{
		Category:    ErrorSync,
		Code:        code,
		Message:     message,
		Severity:    SeverityMedium,
		Recoverable: true,
		Recovery:    []RecoveryAction{RecoveryRetry},
		Cause:       cause,
	}
}

func NewCoordinationError(code, message string, cause error) *StreamingError {
	return &StreamingError{
		Category:    ErrorCoordination,
		Code:        code,
		Message:     message,
		Severity:    SeverityHigh,
		Recoverable: true,
		Recovery:    []RecoveryAction{RecoveryRetry},
		Cause:       cause,
	}
}

func NewNetworkError(code, message string, cause error) *StreamingError {
	return &StreamingError{
		Category:    ErrorNetwork,
		Code:        code,
		Message:     message,
		Severity:    SeverityHigh,
		Recoverable: true,
		Recovery:    []RecoveryAction{RecoveryRetry, RecoveryFallbackTransport},
		Cause:       cause,
	}
}

// Fatal marks the error non-recoverable and raises its severity.
func (e *StreamingError) Fatal() *StreamingError {
	e.Recoverable = false
	e.Severity = SeverityCritical
	e.Recovery = nil
	return e
}
