package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/agentctx/pkg/logging"
	"github.com/NikhilSetiya/agentctx/pkg/metrics"
)

func newRouter(t *testing.T) (*gin.Engine, *metrics.Metrics, *bytes.Buffer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger, err := logging.NewLogger(&logging.Config{Level: "debug", Format: "json", Output: "stdout"})
	require.NoError(t, err)
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)
	m := metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true})

	router := gin.New()
	router.Use(RecoveryMiddleware(logger, m), LoggingMiddleware(logger), ErrorLoggingMiddleware(logger), MetricsMiddleware(m))
	router.GET("/ok", func(c *gin.Context) {
		c.String(http.StatusOK, logging.GetCorrelationID(c.Request.Context()))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	return router, m, buf
}

func TestLoggingMiddleware_CorrelationID(t *testing.T) {
	router, _, buf := newRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(CorrelationHeader, "corr-1")
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "corr-1", rec.Body.String())
	assert.Equal(t, "corr-1", rec.Header().Get(CorrelationHeader))
	assert.Contains(t, buf.String(), "Request completed")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.NotEmpty(t, rec.Header().Get(CorrelationHeader))
	assert.Equal(t, rec.Header().Get(CorrelationHeader), rec.Body.String())
}

func TestRecoveryMiddleware(t *testing.T) {
	router, m, buf := newRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
	assert.Contains(t, buf.String(), "Request panic recovered")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPPanics))
}

func TestMetricsMiddleware(t *testing.T) {
	router, m, _ := newRouter(t)

	for i := 0; i < 2; i++ {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	}
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/ok", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "unmatched", "404")))
}
