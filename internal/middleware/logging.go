package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/agentctx/pkg/logging"
	"github.com/NikhilSetiya/agentctx/pkg/metrics"
)

// CorrelationHeader carries the correlation ID in and out of the ops server
const CorrelationHeader = "X-Correlation-ID"

// LoggingMiddleware tags each request with a correlation ID and logs its
// completion. Probe endpoints are polled constantly, so successful requests
// log at debug level.
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger).Named("http")
	return func(c *gin.Context) {
		start := time.Now()

		correlationID := c.GetHeader(CorrelationHeader)
		if correlationID == "" {
			correlationID = logging.NewCorrelationID()
		}
		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(CorrelationHeader, correlationID)

		c.Next()

		kv := []interface{}{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"correlation_id", correlationID,
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("Request failed", kv...)
			return
		}
		logger.Debug("Request completed", kv...)
	}
}

// ErrorLoggingMiddleware logs errors attached to the gin context
func ErrorLoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger).Named("http")
	return func(c *gin.Context) {
		c.Next()

		for _, err := range c.Errors {
			logger.LogError(c.Request.Context(), err.Err, "Request processing error", map[string]interface{}{
				"path":       c.Request.URL.Path,
				"error_type": err.Type,
			})
		}
	}
}

// RecoveryMiddleware recovers from handler panics and answers 500
func RecoveryMiddleware(logger *logging.Logger, m *metrics.Metrics) gin.HandlerFunc {
	logger = logging.OrNop(logger).Named("http")
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error("Request panic recovered",
			"path", c.Request.URL.Path,
			"panic", recovered,
			"correlation_id", logging.GetCorrelationID(c.Request.Context()),
		)
		m.RecordHTTPPanic()

		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":          "internal server error",
			"correlation_id": logging.GetCorrelationID(c.Request.Context()),
		})
	})
}
