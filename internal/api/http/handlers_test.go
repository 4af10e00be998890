package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/chat"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/directory"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/pty"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/session"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/monitoring"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func router(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/stats", h.Stats)
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions", h.ListSessions)
	r.GET("/sessions/:id", h.GetSession)
	r.POST("/sessions/:id/resize", h.ResizeSession)
	r.DELETE("/sessions/:id", h.DeleteSession)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, sonic.Unmarshal(w.Body.Bytes(), &out))
	return out
}

type fixture struct {
	svc   *session.Service
	store *directory.MemoryStore
	ptys  *pty.Manager
	r     *gin.Engine
}

func newFixture(t *testing.T, maxSessions int) *fixture {
	t.Helper()
	f := &fixture{
		store: directory.NewMemoryStore(directory.Options{}),
		ptys:  pty.NewManager(pty.Config{Shell: "/bin/sh"}, nil),
	}
	f.svc = session.NewService(session.Config{
		GatewayID:   "gw_http",
		MaxSessions: maxSessions,
		DefaultCwd:  t.TempDir(),
	}, session.Deps{
		PTY:       f.ptys,
		Directory: f.store,
		Chat:      chat.NewBridge(nil, nil, chat.Options{}, nil, nil),
	})
	metrics := NewHandlerMetrics(monitoring.NewMetrics(prometheus.NewRegistry()))
	f.r = router(NewHandlers(f.svc, "ws://gw.local:8000/", metrics, nil))
	t.Cleanup(func() { f.svc.Shutdown(context.Background()) })
	return f
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t, 10)

	w := do(f.r, http.MethodPost, "/sessions", `{"id":"s1","projectId":"p1","userId":"u1","cols":100,"rows":30}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "s1", body["id"])
	assert.Equal(t, "p1", body["projectId"])
	assert.Equal(t, "u1", body["userId"])
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, float64(100), body["cols"])
	assert.Equal(t, float64(30), body["rows"])
	assert.Equal(t, "ws://gw.local:8000/ws/s1", body["connectUrl"])
	assert.True(t, f.ptys.Has("s1"))
}

func TestCreateSessionGeneratesID(t *testing.T) {
	f := newFixture(t, 10)

	w := do(f.r, http.MethodPost, "/sessions", `{"projectId":"p1","userId":"u1"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	body := decode(t, w)
	id, _ := body["id"].(string)
	assert.Regexp(t, `^term_`, id)
	assert.Equal(t, float64(80), body["cols"])
	assert.Equal(t, float64(24), body["rows"])
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t, 10)

	tests := []struct {
		name string
		body string
	}{
		{"missing project", `{"userId":"u1"}`},
		{"missing user", `{"projectId":"p1"}`},
		{"malformed", `{"projectId":`},
		{"too wide", `{"projectId":"p1","userId":"u1","cols":501}`},
		{"too tall", `{"projectId":"p1","userId":"u1","rows":201}`},
		{"relative cwd", `{"projectId":"p1","userId":"u1","cwd":"work"}`},
		{"bad id", `{"id":"a/b","projectId":"p1","userId":"u1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(f.r, http.MethodPost, "/sessions", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, decode(t, w)["error"])
		})
	}
	assert.Equal(t, 0, f.ptys.Count())
}

func TestCreateSessionAtCapacity(t *testing.T) {
	f := newFixture(t, 1)

	require.Equal(t, http.StatusCreated, do(f.r, http.MethodPost, "/sessions", `{"projectId":"p1","userId":"u1"}`).Code)
	w := do(f.r, http.MethodPost, "/sessions", `{"projectId":"p1","userId":"u1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "gateway at capacity", decode(t, w)["error"])
}

func TestGetListResizeDelete(t *testing.T) {
	f := newFixture(t, 10)
	for _, id := range []string{"a", "b"} {
		require.Equal(t, http.StatusCreated,
			do(f.r, http.MethodPost, "/sessions", fmt.Sprintf(`{"id":%q,"projectId":"p1","userId":"u1"}`, id)).Code)
	}
	require.Equal(t, http.StatusCreated, do(f.r, http.MethodPost, "/sessions", `{"id":"c","projectId":"p2","userId":"u2"}`).Code)

	w := do(f.r, http.MethodGet, "/sessions/a", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "a", decode(t, w)["id"])

	w = do(f.r, http.MethodGet, "/sessions?projectId=p1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])

	w = do(f.r, http.MethodGet, "/sessions?userId=u2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	assert.Equal(t, http.StatusBadRequest, do(f.r, http.MethodGet, "/sessions", "").Code)

	w = do(f.r, http.MethodPost, "/sessions/a/resize", `{"cols":132,"rows":43}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(132), decode(t, w)["cols"])

	assert.Equal(t, http.StatusBadRequest, do(f.r, http.MethodPost, "/sessions/a/resize", `{"cols":0,"rows":43}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(f.r, http.MethodPost, "/sessions/a/resize", `{"cols":600,"rows":43}`).Code)
	assert.Equal(t, http.StatusNotFound, do(f.r, http.MethodPost, "/sessions/zzz/resize", `{"cols":80,"rows":24}`).Code)

	w = do(f.r, http.MethodDelete, "/sessions/a", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.ptys.Has("a"))

	assert.Equal(t, http.StatusNotFound, do(f.r, http.MethodDelete, "/sessions/a", "").Code)
	assert.Equal(t, http.StatusNotFound, do(f.r, http.MethodGet, "/sessions/a", "").Code)
}

func TestDeleteRemoteSession(t *testing.T) {
	f := newFixture(t, 10)
	require.NoError(t, f.store.Save(context.Background(), &directory.Session{
		ID:        "elsewhere",
		ProjectID: "p1",
		Status:    directory.StatusActive,
		GatewayID: "gw_other",
	}))

	w := do(f.r, http.MethodDelete, "/sessions/elsewhere", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "session is owned by another gateway", decode(t, w)["error"])
}

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t, 10)
	require.Equal(t, http.StatusCreated, do(f.r, http.MethodPost, "/sessions", `{"projectId":"p1","userId":"u1"}`).Code)

	w := do(f.r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "gw_http", body["gatewayId"])
	assert.Equal(t, float64(1), body["sessions"])

	w = do(f.r, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	gw, ok := body["gateway"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(10), gw["maxSessions"])
	assert.Contains(t, body, "metrics")

	assert.Equal(t, http.StatusOK, do(f.r, http.MethodGet, "/", "").Code)
}

type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) Ensure(ctx context.Context, req session.CreateRequest) (*directory.Session, error) {
	args := m.Called(ctx, req)
	rec, _ := args.Get(0).(*directory.Session)
	return rec, args.Error(1)
}

func (m *mockSessions) Get(ctx context.Context, id string) (*directory.Session, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*directory.Session)
	return rec, args.Error(1)
}

func (m *mockSessions) ListByProject(ctx context.Context, id string) ([]*directory.Session, error) {
	args := m.Called(ctx, id)
	recs, _ := args.Get(0).([]*directory.Session)
	return recs, args.Error(1)
}

func (m *mockSessions) ListByUser(ctx context.Context, id string) ([]*directory.Session, error) {
	args := m.Called(ctx, id)
	recs, _ := args.Get(0).([]*directory.Session)
	return recs, args.Error(1)
}

func (m *mockSessions) Resize(ctx context.Context, id string, cols, rows int) (*directory.Session, error) {
	args := m.Called(ctx, id, cols, rows)
	rec, _ := args.Get(0).(*directory.Session)
	return rec, args.Error(1)
}

func (m *mockSessions) Terminate(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockSessions) Stats() session.Stats {
	return m.Called().Get(0).(session.Stats)
}

func (m *mockSessions) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		msg  string
	}{
		{"spawn", fmt.Errorf("%w: no shell", pty.ErrSpawn), http.StatusInternalServerError, "failed to start terminal"},
		{"capacity", session.ErrCapacity, http.StatusServiceUnavailable, "gateway at capacity"},
		{"wrong gateway", fmt.Errorf("%w: gw_x", session.ErrWrongGateway), http.StatusConflict, "session is owned by another gateway"},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockSessions{}
			m.On("Ensure", mock.Anything, mock.Anything).Return(nil, tt.err)
			r := router(NewHandlers(m, "ws://x", nil, nil))

			w := do(r, http.MethodPost, "/sessions", `{"projectId":"p1","userId":"u1"}`)
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.msg, decode(t, w)["error"])
			m.AssertExpectations(t)
		})
	}
}

func TestHealthDegraded(t *testing.T) {
	m := &mockSessions{}
	m.On("Ping", mock.Anything).Return(errors.New("database is locked"))
	m.On("Stats").Return(session.Stats{GatewayID: "gw_1"})
	r := router(NewHandlers(m, "ws://x", nil, nil))

	w := do(r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "degraded", body["status"])
	dir, _ := body["directory"].(map[string]any)
	assert.Equal(t, false, dir["connected"])
}

func TestListPassesFilter(t *testing.T) {
	m := &mockSessions{}
	m.On("ListByUser", mock.Anything, "u9").Return([]*directory.Session{{ID: "x", UserID: "u9"}}, nil)
	r := router(NewHandlers(m, "ws://x", nil, nil))

	w := do(r, http.MethodGet, "/sessions?userId=u9", "")
	require.Equal(t, http.StatusOK, w.Code)
	sessions, _ := decode(t, w)["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "ws://x/ws/x", sessions[0].(map[string]any)["connectUrl"])
	m.AssertNotCalled(t, "ListByProject", mock.Anything, mock.Anything)
}
