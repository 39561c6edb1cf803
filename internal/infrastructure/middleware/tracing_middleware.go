package middleware

import (
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/pkg/tracing"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TracingMiddleware opens a span per request and tags it with the session
// and stream the route touches, so traces line up with session logs.
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.TraceHTTPRequest(c.Request.Context(), c.Request.Method, c.FullPath())
		defer span.End()

		span.SetAttributes(
			attribute.String("http.host", c.Request.Host),
			attribute.String("http.remote_addr", c.ClientIP()),
		)
		if sessionID := c.Param("id"); sessionID != "" {
			span.SetAttributes(attribute.String("session.id", sessionID))
		}
		if streamID := c.Param("stream_id"); streamID != "" {
			span.SetAttributes(attribute.String("stream.id", streamID))
		}

		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		span.SetAttributes(
			attribute.Int("http.status_code", c.Writer.Status()),
			attribute.Int64("http.response_size", int64(c.Writer.Size())),
			attribute.Int64("http.duration_ms", duration.Milliseconds()),
		)

		if userIDVal, exists := c.Get("user_id"); exists {
			if userID, ok := userIDVal.(domain.UserID); ok {
				span.SetAttributes(attribute.String("user.id", string(userID)))
			}
		}

		if c.Writer.Status() >= 400 {
			span.SetStatus(codes.Error, c.Errors.String())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}
