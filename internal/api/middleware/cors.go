package middleware

import (
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORS allows browser clients from origins. An empty list or "*" allows
// any origin. Trace headers are exposed so the IDE can correlate requests.
func CORS(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	cfg.AddAllowHeaders("Authorization", "Accept", "Cache-Control", "X-Requested-With", "X-Trace-ID")
	cfg.AddExposeHeaders("X-Trace-ID", "X-Span-ID")
	cfg.MaxAge = 12 * time.Hour

	if allowAll(origins) {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// OriginChecker reports whether a WebSocket handshake Origin is allowed
// under the same list CORS uses. Non-browser clients send no Origin.
func OriginChecker(origins []string) func(origin string) bool {
	if allowAll(origins) {
		return func(string) bool { return true }
	}
	return func(origin string) bool {
		return origin == "" || slices.Contains(origins, origin)
	}
}

func allowAll(origins []string) bool {
	return len(origins) == 0 || slices.Contains(origins, "*")
}
