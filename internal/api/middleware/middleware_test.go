package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engine(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/sessions", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func get(r http.Handler, ip string) int {
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.RemoteAddr = ip + ":1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestCORSPreflight(t *testing.T) {
	r := engine(CORS([]string{"http://ide.local"}))

	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	req.Header.Set("Origin", "http://ide.local")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://ide.local", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	r := engine(CORS([]string{"http://ide.local"}))

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Origin", "http://evil.local")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimitPerIP(t *testing.T) {
	l := NewIPLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 2})
	r := engine(l.Middleware())

	assert.Equal(t, http.StatusOK, get(r, "10.0.0.1"))
	assert.Equal(t, http.StatusOK, get(r, "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, get(r, "10.0.0.1"))

	// Another client has its own bucket
	assert.Equal(t, http.StatusOK, get(r, "10.0.0.2"))
	assert.Equal(t, 2, l.Len())
}

func TestPruneDropsIdleClients(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewIPLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, IdleTTL: time.Minute})
	l.now = func() time.Time { return now }

	require.True(t, l.Allow("a"))
	now = now.Add(45 * time.Second)
	require.True(t, l.Allow("b"))

	now = now.Add(30 * time.Second)
	assert.Equal(t, 1, l.Prune())
	assert.Equal(t, 1, l.Len())

	// A pruned client starts with a full bucket
	assert.True(t, l.Allow("a"))
}

func TestGlobalRateLimit(t *testing.T) {
	r := engine(GlobalRateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}))

	assert.Equal(t, http.StatusOK, get(r, "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, get(r, "10.0.0.2"))
}

func TestCORSAllowAll(t *testing.T) {
	r := engine(CORS([]string{"*"}))

	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Origin", "http://anything.local")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"listed", []string{"http://ide.local"}, "http://ide.local", true},
		{"unlisted", []string{"http://ide.local"}, "http://evil.local", false},
		{"no origin header", []string{"http://ide.local"}, "", true},
		{"wildcard", []string{"*"}, "http://evil.local", true},
		{"empty list", nil, "http://evil.local", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OriginChecker(tt.origins)(tt.origin))
		})
	}
}
