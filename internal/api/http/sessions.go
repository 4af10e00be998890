package http

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/directory"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/session"
	"github.com/gin-gonic/gin"
)

// CreateSessionRequest is the body of POST /sessions
type CreateSessionRequest struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"projectId" binding:"required"`
	UserID    string            `json:"userId" binding:"required"`
	DevEnvID  string            `json:"devEnvId"`
	Cols      int               `json:"cols"`
	Rows      int               `json:"rows"`
	Cwd       string            `json:"cwd"`
	Env       map[string]string `json:"env"`
}

// ResizeRequest is the body of POST /sessions/:id/resize
type ResizeRequest struct {
	Cols int `json:"cols" binding:"required"`
	Rows int `json:"rows" binding:"required"`
}

// SessionResponse is a session record plus where to connect to it
type SessionResponse struct {
	*directory.Session
	ConnectURL string `json:"connectUrl"`
}

func (h *Handlers) respond(rec *directory.Session) SessionResponse {
	return SessionResponse{
		Session:    rec,
		ConnectURL: fmt.Sprintf("%s/ws/%s", h.publicURL, url.PathEscape(rec.ID)),
	}
}

// CreateSession starts a terminal session on this gateway
func (h *Handlers) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "projectId and userId are required"})
		return
	}

	done := h.metrics.TrackSessionOperation("create")
	rec, err := h.sessions.Ensure(c.Request.Context(), session.CreateRequest{
		ID:        req.ID,
		ProjectID: req.ProjectID,
		UserID:    req.UserID,
		DevEnvID:  req.DevEnvID,
		Cols:      req.Cols,
		Rows:      req.Rows,
		Cwd:       req.Cwd,
		Env:       req.Env,
	})
	done(err)
	if err != nil {
		h.fail(c, "create", err)
		return
	}
	c.JSON(http.StatusCreated, h.respond(rec))
}

// GetSession returns one session
func (h *Handlers) GetSession(c *gin.Context) {
	done := h.metrics.TrackSessionOperation("get")
	rec, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	done(err)
	if err != nil {
		h.fail(c, "get", err)
		return
	}
	c.JSON(http.StatusOK, h.respond(rec))
}

// ListSessions lists sessions by projectId or userId
func (h *Handlers) ListSessions(c *gin.Context) {
	projectID, userID := c.Query("projectId"), c.Query("userId")

	var (
		recs []*directory.Session
		err  error
	)
	done := h.metrics.TrackSessionOperation("list")
	switch {
	case projectID != "":
		recs, err = h.sessions.ListByProject(c.Request.Context(), projectID)
	case userID != "":
		recs, err = h.sessions.ListByUser(c.Request.Context(), userID)
	default:
		done(nil)
		c.JSON(http.StatusBadRequest, gin.H{"error": "projectId or userId is required"})
		return
	}
	done(err)
	if err != nil {
		h.fail(c, "list", err)
		return
	}

	out := make([]SessionResponse, 0, len(recs))
	for _, r := range recs {
		out = append(out, h.respond(r))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
}

// ResizeSession changes the terminal size of a local session
func (h *Handlers) ResizeSession(c *gin.Context) {
	var req ResizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid resize dimensions"})
		return
	}

	done := h.metrics.TrackSessionOperation("resize")
	rec, err := h.sessions.Resize(c.Request.Context(), c.Param("id"), req.Cols, req.Rows)
	done(err)
	if err != nil {
		h.fail(c, "resize", err)
		return
	}
	c.JSON(http.StatusOK, h.respond(rec))
}

// DeleteSession terminates a session
func (h *Handlers) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	done := h.metrics.TrackSessionOperation("terminate")
	err := h.sessions.Terminate(c.Request.Context(), id)
	done(err)
	if err != nil {
		h.fail(c, "terminate", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "id": id})
}
