package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestLogger(zerolog.New(&buf)))
	r.GET("/ping", func(c *gin.Context) {
		zerolog.Ctx(c.Request.Context()).Info().Msg("inside handler")
		c.Status(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var inner, access map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &inner))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &access))
	assert.Equal(t, "req-42", inner["requestID"])
	assert.Equal(t, "inside handler", inner["message"])
	assert.Equal(t, "req-42", access["requestID"])
	assert.Equal(t, "warn", access["level"])
	assert.EqualValues(t, http.StatusTeapot, access["status"])
	assert.Equal(t, "/ping", access["path"])
}

func TestRequestLoggerGeneratesID(t *testing.T) {
	r := gin.New()
	r.Use(RequestLogger(zerolog.Nop()))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	r := gin.New()
	r.Use(rl.Handler())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1").Code)
	assert.Equal(t, http.StatusOK, call("10.0.0.1").Code)
	w := call("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Too many requests", body["message"])

	// Buckets are per client.
	assert.Equal(t, http.StatusOK, call("10.0.0.2").Code)
}

func TestRateLimiterIgnoresForwardedForFromUntrustedPeers(t *testing.T) {
	call := func(r *gin.Engine, forwardedFor string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		req.Header.Set("X-Forwarded-For", forwardedFor)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	t.Run("no trusted proxies", func(t *testing.T) {
		r := gin.New()
		require.NoError(t, r.SetTrustedProxies(nil))
		r.Use(NewRateLimiter(60, 2).Handler())
		r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

		assert.Equal(t, http.StatusOK, call(r, "1.1.1.1"))
		assert.Equal(t, http.StatusOK, call(r, "2.2.2.2"))
		assert.Equal(t, http.StatusTooManyRequests, call(r, "3.3.3.3"))
	})

	t.Run("trusted proxy forwards the client address", func(t *testing.T) {
		r := gin.New()
		require.NoError(t, r.SetTrustedProxies([]string{"10.0.0.1"}))
		r.Use(NewRateLimiter(60, 1).Handler())
		r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

		assert.Equal(t, http.StatusOK, call(r, "1.1.1.1"))
		assert.Equal(t, http.StatusTooManyRequests, call(r, "1.1.1.1"))
		assert.Equal(t, http.StatusOK, call(r, "2.2.2.2"))
	})
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(60, 5)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.limiter("a")
	now = now.Add(2 * time.Minute)
	rl.limiter("b")
	now = now.Add(2 * time.Minute)

	assert.Equal(t, 1, rl.Cleanup())
	_, hasA := rl.visitors["a"]
	_, hasB := rl.visitors["b"]
	assert.False(t, hasA)
	assert.True(t, hasB)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		r := gin.New()
		r.Use(Metrics())
		r.GET("/hello", func(c *gin.Context) { c.Status(http.StatusOK) })
		MetricsEndpoint(r, "", "")

		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/hello", nil))

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `dream_analyzer_http_requests_total{method="GET",route="/hello",status="2xx"}`)
	})

	t.Run("basic auth", func(t *testing.T) {
		r := gin.New()
		MetricsEndpoint(r, "prom", "scrape")

		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		req.SetBasicAuth("prom", "scrape")
		w = httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
