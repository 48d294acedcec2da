package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerMiddleware(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	router := setupTestRouter()
	router.Use(LoggerMiddleware(zap.New(core)))
	router.GET("/test", func(c *gin.Context) {
		time.Sleep(5 * time.Millisecond)
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})
	router.POST("/fail", func(c *gin.Context) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	})

	send := func(method, target string, header map[string]string) map[string]interface{} {
		t.Helper()
		before := recorded.Len()
		req, _ := http.NewRequest(method, target, nil)
		req.RemoteAddr = "192.168.1.100:12345"
		for k, v := range header {
			req.Header.Set(k, v)
		}
		router.ServeHTTP(httptest.NewRecorder(), req)

		logs := recorded.All()
		require.Len(t, logs, before+1)
		assert.Equal(t, "HTTP request", logs[before].Message)
		return logs[before].ContextMap()
	}

	t.Run("Logs request fields", func(t *testing.T) {
		fields := send(http.MethodGet, "/test?project=p1", map[string]string{"User-Agent": "hoctl/1.0"})
		assert.Equal(t, "GET", fields["method"])
		assert.Equal(t, "/test", fields["path"])
		assert.Equal(t, "project=p1", fields["query"])
		assert.Equal(t, int64(200), fields["status"])
		assert.Equal(t, "192.168.1.100", fields["ip"])
		assert.Equal(t, "hoctl/1.0", fields["user_agent"])

		latency, ok := fields["latency"].(time.Duration)
		assert.True(t, ok)
		assert.GreaterOrEqual(t, latency, 5*time.Millisecond)
	})

	t.Run("Logs error status", func(t *testing.T) {
		fields := send(http.MethodPost, "/fail", nil)
		assert.Equal(t, int64(500), fields["status"])
	})

	t.Run("Logs unknown routes", func(t *testing.T) {
		fields := send(http.MethodGet, "/notfound", nil)
		assert.Equal(t, "/notfound", fields["path"])
		assert.Equal(t, int64(404), fields["status"])
		assert.Equal(t, "", fields["query"])
	})

	t.Run("Never logs the bearer token", func(t *testing.T) {
		send(http.MethodGet, "/test", map[string]string{"Authorization": "Bearer secret-token"})
		for _, entry := range recorded.All() {
			for _, v := range entry.ContextMap() {
				if s, ok := v.(string); ok {
					assert.NotContains(t, s, "secret-token")
				}
			}
		}
	})
}

func TestRequireConfigured(t *testing.T) {
	core, recorded := observer.New(zapcore.ErrorLevel)
	ready := false
	router := setupTestRouter()
	router.Use(RequireConfigured(func() bool { return ready }, "authority secret", zap.New(core)))
	router.POST("/sign", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := serve(router, http.MethodPost, "/sign", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"server configuration error"}`, w.Body.String())
	assert.Equal(t, 1, recorded.Len())

	ready = true
	w = serve(router, http.MethodPost, "/sign", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}
