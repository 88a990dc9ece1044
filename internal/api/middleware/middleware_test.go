package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	return r
}

func TestRequestIDGeneratesWhenAbsent(t *testing.T) {
	var seen string
	r := newRouter(RequestID(), func(c *gin.Context) {
		seen = c.GetString("request_id")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	require.Equal(t, http.StatusOK, w.Code)
	rid := w.Header().Get(RequestIDHeader)
	require.NotEmpty(t, rid)
	assert.Equal(t, rid, seen)

	_, err := uuid.Parse(rid)
	assert.NoError(t, err)
}

func TestRequestIDHonorsClientValue(t *testing.T) {
	r := newRouter(RequestID())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "client-supplied-id")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "client-supplied-id", w.Header().Get(RequestIDHeader))
}

func TestRateLimitRejectsBeyondBurst(t *testing.T) {
	r := newRouter(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 2}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimitBucketsArePerIP(t *testing.T) {
	r := newRouter(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}))

	hit := func(addr string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = addr
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusOK, hit("10.0.0.1:1234"))
	require.Equal(t, http.StatusTooManyRequests, hit("10.0.0.1:1234"))

	// A different address has its own bucket.
	assert.Equal(t, http.StatusOK, hit("10.0.0.2:1234"))
}

func TestRateLimitEvictsIdleVisitors(t *testing.T) {
	// A tiny eviction window plus a paused clock stand-in: the second
	// request from the same address lands after the idle cutoff, so it gets
	// a fresh bucket instead of the drained one.
	r := newRouter(RateLimit(RateLimitConfig{
		RequestsPerSecond: 1,
		Burst:             1,
		IdleEvict:         10 * time.Millisecond,
	}))

	hit := func(addr string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = addr
		r.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusOK, hit("10.0.0.1:1234"))
	require.Equal(t, http.StatusTooManyRequests, hit("10.0.0.1:1234"))

	time.Sleep(25 * time.Millisecond)
	// Another address triggers the sweep, reclaiming the idle bucket.
	require.Equal(t, http.StatusOK, hit("10.0.0.2:1234"))
	assert.Equal(t, http.StatusOK, hit("10.0.0.1:1234"))
}

func TestCORSPreflightAllowsConfiguredOrigin(t *testing.T) {
	r := newRouter(CORS(DefaultCORSConfig()))

	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}
