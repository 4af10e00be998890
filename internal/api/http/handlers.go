package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/directory"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/pty"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/session"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/monitoring"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Sessions is the part of the session service the REST API uses.
type Sessions interface {
	Ensure(ctx context.Context, req session.CreateRequest) (*directory.Session, error)
	Get(ctx context.Context, sessionID string) (*directory.Session, error)
	ListByProject(ctx context.Context, projectID string) ([]*directory.Session, error)
	ListByUser(ctx context.Context, userID string) ([]*directory.Session, error)
	Resize(ctx context.Context, sessionID string, cols, rows int) (*directory.Session, error)
	Terminate(ctx context.Context, sessionID string) error
	Stats() session.Stats
	Ping(ctx context.Context) error
}

// Handlers contains all HTTP handlers
type Handlers struct {
	sessions  Sessions
	publicURL string
	metrics   *HandlerMetrics
	snapshot  func() monitoring.Snapshot
	log       *logging.Logger
}

// NewHandlers creates a new handler set. publicURL is the ws:// or wss://
// base clients dial for live sessions.
func NewHandlers(sessions Sessions, publicURL string, metrics *HandlerMetrics, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &Handlers{
		sessions:  sessions,
		publicURL: strings.TrimRight(publicURL, "/"),
		metrics:   metrics,
		log:       logger.Named("http"),
	}
	if metrics != nil {
		h.snapshot = metrics.metrics.GetSnapshot
	}
	return h
}

// Root handles the bare liveness probe
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "AgentOS Terminal Gateway",
		"version": "1.0.0",
	})
}

// Health reports whether the directory is reachable. A gateway that cannot
// reach its directory still serves local sessions, so it stays 200 and says
// degraded.
func (h *Handlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status, dir := "healthy", gin.H{"connected": true}
	if err := h.sessions.Ping(ctx); err != nil {
		status = "degraded"
		dir = gin.H{"connected": false, "error": err.Error()}
	}
	stats := h.sessions.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"gatewayId": stats.GatewayID,
		"sessions":  stats.Sessions,
		"directory": dir,
	})
}

// Stats returns session counts plus the request counters
func (h *Handlers) Stats(c *gin.Context) {
	resp := gin.H{
		"timestamp": time.Now().UnixMilli(),
		"gateway":   h.sessions.Stats(),
	}
	if h.snapshot != nil {
		resp["metrics"] = h.snapshot()
	}
	c.JSON(http.StatusOK, resp)
}

// errorStatus maps service errors onto HTTP status codes and the category
// message shown to clients.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrInvalid):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, session.ErrWrongGateway):
		return http.StatusConflict, "session is owned by another gateway"
	case errors.Is(err, session.ErrCapacity):
		return http.StatusServiceUnavailable, "gateway at capacity"
	case errors.Is(err, pty.ErrSpawn):
		return http.StatusInternalServerError, "failed to start terminal"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (h *Handlers) fail(c *gin.Context, op string, err error) {
	code, msg := errorStatus(err)
	if code >= http.StatusInternalServerError {
		h.log.Error("session request failed",
			zap.String("op", op),
			logging.SessionID(c.Param("id")),
			zap.Error(err))
	}
	c.JSON(code, gin.H{"error": msg})
}
