package middleware

import (
	stderrors "errors"
	"net/http"

	"syncmesh/internal/core/domain"
	"syncmesh/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware handles application errors and returns appropriate HTTP responses
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Check if there are any errors
		if len(c.Errors) > 0 {
			err := c.Errors.Last().Err

			// Try to extract AppError
			appErr := errors.GetAppError(err)
			if appErr != nil {
				// Log error with context
				logger.Errorw("application error",
					"code", appErr.Code,
					"message", appErr.Message,
					"status", appErr.HTTPStatus,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
					"context", appErr.Context,
				)

				// Return structured error response
				c.JSON(appErr.HTTPStatus, gin.H{
					"error":   string(appErr.Code),
					"message": appErr.Message,
					"details": appErr.Context,
				})
				return
			}

			var streamErr *domain.StreamingError
			if stderrors.As(err, &streamErr) {
				logger.Errorw("streaming error",
					"category", streamErr.Category,
					"code", streamErr.Code,
					"severity", streamErr.Severity,
					"recoverable", streamErr.Recoverable,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.JSON(streamingErrorStatus(streamErr), gin.H{
					"error":       streamErr.Code,
					"message":     streamErr.Message,
					"category":    string(streamErr.Category),
					"recoverable": streamErr.Recoverable,
					"recovery":    streamErr.Recovery,
				})
				return
			}

			if status, ok := sentinelStatus(err); ok {
				c.JSON(status, gin.H{"error": err.Error()})
				return
			}

			// Handle non-AppError errors
			logger.Errorw("unhandled error",
				"error", err.Error(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)

			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   string(errors.ErrCodeInternal),
				"message": "Internal server error",
			})
		}
	}
}

func streamingErrorStatus(err *domain.StreamingError) int {
	if !err.Recoverable {
		return http.StatusInternalServerError
	}
	switch err.Category {
	case domain.ErrorNetwork:
		return http.StatusBadGateway
	case domain.ErrorCoordination:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func sentinelStatus(err error) (int, bool) {
	switch {
	case stderrors.Is(err, domain.ErrSessionNotFound),
		stderrors.Is(err, domain.ErrStreamNotFound),
		stderrors.Is(err, domain.ErrAgentNotFound),
		stderrors.Is(err, domain.ErrConnectionNotFound),
		stderrors.Is(err, domain.ErrProposalNotFound):
		return http.StatusNotFound, true
	case stderrors.Is(err, domain.ErrSessionEnded),
		stderrors.Is(err, domain.ErrProposalResolved):
		return http.StatusConflict, true
	case stderrors.Is(err, domain.ErrConstraintViolated),
		stderrors.Is(err, domain.ErrInvalidCandidate):
		return http.StatusBadRequest, true
	case stderrors.Is(err, domain.ErrNoAgentsAvailable):
		return http.StatusServiceUnavailable, true
	default:
		return 0, false
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   string(errors.ErrCodeInternal),
					"message": "Internal server error",
				})
				c.Abort()
			}
		}()

		c.Next()
	}
}
