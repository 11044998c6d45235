package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/agentctx/pkg/metrics"
)

// MetricsMiddleware records request counts and latency per route
func MetricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
