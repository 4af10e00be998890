package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/clients/llm"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/chat"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/directory"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/protocol"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/pty"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/session"
	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type failingCompleter struct{}

func (failingCompleter) Complete(ctx context.Context, req chat.CompletionRequest) (chat.CompletionStream, error) {
	return nil, errors.New("upstream 502")
}

type staticProjects struct{}

func (staticProjects) WorkingDir(ctx context.Context, projectID string) (string, error) {
	return "/tmp", nil
}

type fixture struct {
	srv    *httptest.Server
	svc    *session.Service
	store  *directory.MemoryStore
	ptys   *pty.Manager
	bridge *chat.Bridge
}

func newFixture(t *testing.T, completer chat.Completer, maxSessions int) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		store:  directory.NewMemoryStore(directory.Options{}),
		ptys:   pty.NewManager(pty.Config{Shell: "/bin/sh", ScrollbackBytes: 8192}, nil),
		bridge: chat.NewBridge(completer, nil, chat.Options{}, nil, nil),
	}
	f.svc = session.NewService(session.Config{
		GatewayID:   "gw_ws",
		MaxSessions: maxSessions,
		DefaultCwd:  t.TempDir(),
	}, session.Deps{
		PTY:       f.ptys,
		Directory: f.store,
		Chat:      f.bridge,
		Projects:  staticProjects{},
	})

	h := NewHandler(f.svc, f.bridge, Config{PingInterval: time.Second}, nil, nil)
	r := gin.New()
	r.GET("/ws/:sessionId", h.HandleConnection)
	f.srv = httptest.NewServer(r)

	t.Cleanup(func() {
		f.srv.Close()
		f.svc.Shutdown(context.Background())
	})
	return f
}

func (f *fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func read(t *testing.T, c *websocket.Conn) (protocol.Message, error) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(waitFor))
	_, data, err := c.ReadMessage()
	if err != nil {
		return protocol.Message{}, err
	}
	var m protocol.Message
	require.NoError(t, sonic.Unmarshal(data, &m))
	return m, nil
}

// readUntil returns every message up to and including the first match.
func readUntil(t *testing.T, c *websocket.Conn, match func(protocol.Message) bool) []protocol.Message {
	t.Helper()
	var got []protocol.Message
	for {
		m, err := read(t, c)
		require.NoError(t, err)
		got = append(got, m)
		if match(m) {
			return got
		}
	}
}

// readToClose collects every message until the server closes the socket.
func readToClose(t *testing.T, c *websocket.Conn) ([]protocol.Message, int) {
	t.Helper()
	var got []protocol.Message
	for {
		m, err := read(t, c)
		if err != nil {
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce)
			return got, ce.Code
		}
		got = append(got, m)
	}
}

func ofType(msgs []protocol.Message, typ protocol.Type) []protocol.Message {
	var out []protocol.Message
	for _, m := range msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func outputContains(acc *strings.Builder, want string) func(protocol.Message) bool {
	return func(m protocol.Message) bool {
		if m.Type == protocol.TypeOutput && m.Data != nil {
			acc.WriteString(*m.Data)
		}
		return strings.Contains(acc.String(), want)
	}
}

func isType(t protocol.Type) func(protocol.Message) bool {
	return func(m protocol.Message) bool { return m.Type == t }
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	for {
		_, err := read(t, c)
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, code, ce.Code)
		return
	}
}

func TestEchoScenario(t *testing.T) {
	f := newFixture(t, llm.NewEcho(), 10)
	c := f.dial(t, "/ws/echo-1?projectId=p1&userId=u1")

	// printf output never matches the echoed command line
	send(t, c, `{"type":"input","data":"printf 'hi-%s\\n' 1\n","timestamp":1}`)
	var acc strings.Builder
	readUntil(t, c, outputContains(&acc, "hi-1"))

	send(t, c, `{"type":"input","data":"printf 'cwd=%s\\n' $(pwd)\n"}`)
	acc.Reset()
	readUntil(t, c, outputContains(&acc, "cwd=/tmp"))

	rec, err := f.store.Get(context.Background(), "echo-1")
	require.NoError(t, err)
	assert.Equal(t, directory.StatusActive, rec.Status)
	assert.Equal(t, "gw_ws", rec.GatewayID)
}

func TestPingPong(t *testing.T) {
	f := newFixture(t, llm.NewEcho(), 10)
	c := f.dial(t, "/ws/ping-1?projectId=p1")

	send(t, c, `{"type":"ping"}`)
	msgs := readUntil(t, c, isType(protocol.TypePong))
	pong := msgs[len(msgs)-1]
	assert.NotZero(t, pong.Timestamp)
	assert.Nil(t, pong.Data)
}

type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) Attach(ctx context.Context, sessionID, projectID, userID string) (*directory.Session, *pty.Handle, error) {
	args := m.Called(ctx, sessionID, projectID, userID)
	rec, _ := args.Get(0).(*directory.Session)
	h, _ := args.Get(1).(*pty.Handle)
	return rec, h, args.Error(2)
}

func (m *mockSessions) Detach(sessionID string) bool {
	return m.Called(sessionID).Bool(0)
}

func (m *mockSessions) Subscribe(sessionID string, cb func([]byte)) (func(), bool) {
	args := m.Called(sessionID, cb)
	return func() {}, args.Bool(0)
}

func (m *mockSessions) Write(sessionID string, data []byte) bool {
	return m.Called(sessionID, data).Bool(0)
}

func (m *mockSessions) ResizeTerminal(sessionID string, cols, rows int) bool {
	return m.Called(sessionID, cols, rows).Bool(0)
}

func (m *mockSessions) PersistResize(sessionID string, cols, rows int) {
	m.Called(sessionID, cols, rows)
}

func (m *mockSessions) PersistAgent(sessionID string, cfg chat.AgentConfig) {
	m.Called(sessionID, cfg)
}

func (m *mockSessions) LinkCard(sessionID, cardID string) {
	m.Called(sessionID, cardID)
}

func (m *mockSessions) ToggleAI(sessionID string, enabled bool) {
	m.Called(sessionID, enabled)
}

func TestPingMakesNoTerminalCalls(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ptys := pty.NewManager(pty.Config{Shell: "/bin/sh"}, nil)
	defer ptys.Shutdown()
	handle, err := ptys.Create("mocked", "p1", "u1", pty.Options{Cwd: "/tmp"})
	require.NoError(t, err)

	m := &mockSessions{}
	m.On("Attach", mock.Anything, "mocked", "", "").Return(&directory.Session{ID: "mocked"}, handle, nil)
	m.On("Subscribe", "mocked", mock.Anything).Return(true)
	m.On("Detach", "mocked").Return(true).Maybe()

	h := NewHandler(m, chat.NewBridge(llm.NewEcho(), nil, chat.Options{}, nil, nil), Config{}, nil, nil)
	r := gin.New()
	r.GET("/ws/:sessionId", h.HandleConnection)
	srv := httptest.NewServer(r)
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/mocked", nil)
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 3; i++ {
		send(t, c, `{"type":"ping"}`)
		msg, err := read(t, c)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypePong, msg.Type)
	}

	m.AssertNotCalled(t, "Write", mock.Anything, mock.Anything)
	m.AssertNotCalled(t, "ResizeTerminal", mock.Anything, mock.Anything, mock.Anything)
	m.AssertNotCalled(t, "PersistResize", mock.Anything, mock.Anything, mock.Anything)
}

func TestUnknownSessionWithoutProject(t *testing.T) {
	f := newFixture(t, llm.NewEcho(), 10)
	c := f.dial(t, "/ws/nope")

	msg, err := read(t, c)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, "session not found", *msg.Data)

	expectClose(t, c, protocol.ClosePolicy)
	assert.Equal(t, 0, f.ptys.Count())
}

func TestCapacityRejection(t *testing.T) {
	f := newFixture(t, llm.NewEcho(), 1)
	_, err := f.svc.Ensure(context.Background(), session.CreateRequest{ID: "first"})
	require.NoError(t, err)

	c := f.dial(t, "/ws/second?projectId=p1")
	msg, err := read(t, c)
	require.NoError(t, err)
	assert.Equal(t, "gateway at capacity", *msg.Data)
	expectClose(t, c, protocol.CloseTryAgainLater)
}

func TestInvalidMessageKeepsConnectionOpen(t *testing.T) {
	f := newFixture(t, llm.NewEcho(), 10)
	c := f.dial(t, "/ws/inv-1?projectId=p1")

	send(t, c, `{"type":"resize","cols":0,"rows":5}`)
	msgs := readUntil(t, c, isType(protocol.TypeError))
	assert.Contains(t, *msgs[len(msgs)-1].Data, "invalid resize dimensions")

	send(t, c, `{not json`)
	readUntil(t, c, isType(protocol.TypeError))

	send(t, c, `{"type":"ping"}`)
	readUntil(t, c, isType(protocol.TypePong))
}

func TestResizeReachesTerminalAndDirectory(t *testing.T) {
	f := newFixture(t, llm.NewEcho(), 10)
	c := f.dial(t, "/ws/rs-1?projectId=p1")

	send(t, c, `{"type":"resize","cols":120,"rows":40}`)
	send(t, c, `{"type":"input","data":"stty size\n"}`)
	var acc strings.Builder
	readUntil(t, c, outputContains(&acc, "40 120"))

	f.svc.Wait()
	rec, err := f.store.Get(context.Background(), "rs-1")
	require.NoError(t, err)
	assert.Equal(t, 120, rec.Cols)
	assert.Equal(t, 40, rec.Rows)
}

func TestAgentSelect(t *testing.T) {
	f := newFixture(t, llm.NewEcho(), 10)
	c := f.dial(t, "/ws/ag-1?projectId=p1")

	send(t, c, `{"type":"agent_select","agentName":"qa"}`)
	msgs := readUntil(t, c, isType(protocol.TypeAgentSelect))
	sel := msgs[len(msgs)-1]
	assert.Equal(t, "qa", *sel.AgentName)
	assert.Equal(t, "anthropic", *sel.Provider)
	assert.Equal(t, "claude-3-5-haiku-latest", *sel.Model)

	f.svc.Wait()
	rec, err := f.store.Get(context.Background(), "ag-1")
	require.NoError(t, err)
	assert.Equal(t, "qa", rec.AgentName)
	assert.Equal(t, "claude-3-5-haiku-latest", rec.Model)

	cfg, ok := f.bridge.AgentConfig("ag-1")
	require.True(t, ok)
	assert.Equal(t, "anthropic", cfg.Provider)
}

func TestAIChatStreamsUntilDone(t *testing.T) {
	f := newFixture(t, llm.NewEcho(), 10)
	c := f.dial(t, "/ws/ai-1?projectId=p1")

	send(t, c, `{"type":"ai_chat","message":"hello world"}`)
	msgs := readUntil(t, c, func(m protocol.Message) bool {
		return m.Type == protocol.TypeError || (m.Type == protocol.TypeAIResponse && *m.Done)
	})

	var text strings.Builder
	for _, m := range msgs {
		require.NotEqual(t, protocol.TypeError, m.Type)
		if m.Type == protocol.TypeAIResponse {
			text.WriteString(*m.Data)
		}
	}
	assert.Equal(t, "[anthropic/claude-sonnet-4-5] hello world", text.String())
	assert.Eventually(t, func() bool {
		return len(f.bridge.History("ai-1")) == 2
	}, waitFor, 10*time.Millisecond)
}

func TestAIChatProviderFailure(t *testing.T) {
	f := newFixture(t, failingCompleter{}, 10)
	c := f.dial(t, "/ws/ai-2?projectId=p1")

	send(t, c, `{"type":"ai_chat","message":"hello"}`)
	msgs := readUntil(t, c, isType(protocol.TypeError))
	assert.Equal(t, "ai provider error", *msgs[len(msgs)-1].Data)
	for _, m := range msgs {
		assert.NotEqual(t, protocol.TypeAIResponse, m.Type)
	}

	// Nothing else about the chat follows the error
	send(t, c, `{"type":"ping"}`)
	for _, m := range readUntil(t, c, isType(protocol.TypePong)) {
		assert.NotEqual(t, protocol.TypeAIResponse, m.Type)
		assert.NotEqual(t, protocol.TypeError, m.Type)
	}
}

func TestExternalKillClosesNormally(t *testing.T) {
	f := newFixture(t, llm.NewEcho(), 10)
	c := f.dial(t, "/ws/kill-1?projectId=p1")

	send(t, c, `{"type":"ping"}`)
	readUntil(t, c, isType(protocol.TypePong))

	info, ok := f.ptys.Get("kill-1")
	require.True(t, ok)
	require.NoError(t, syscall.Kill(info.Pid, syscall.SIGKILL))

	msgs, code := readToClose(t, c)
	assert.Equal(t, protocol.CloseNormal, code)
	errs := ofType(msgs, protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Contains(t, *errs[0].Data, "exited")

	assert.Eventually(t, func() bool {
		_, err := f.store.Get(context.Background(), "kill-1")
		return errors.Is(err, directory.ErrNotFound)
	}, waitFor, 10*time.Millisecond)
	assert.False(t, f.ptys.Has("kill-1"))
}

func TestReconnectReplaysScrollback(t *testing.T) {
	f := newFixture(t, llm.NewEcho(), 10)
	c := f.dial(t, "/ws/re-1?projectId=p1")

	send(t, c, `{"type":"input","data":"printf 'marker-%s\\n' 42\n"}`)
	var acc strings.Builder
	readUntil(t, c, outputContains(&acc, "marker-42"))
	require.NoError(t, c.Close())

	assert.Eventually(t, func() bool {
		f.svc.Wait()
		rec, err := f.store.Get(context.Background(), "re-1")
		return err == nil && rec.Status == directory.StatusDisconnected
	}, waitFor, 20*time.Millisecond)
	assert.True(t, f.ptys.Has("re-1"))

	again := f.dial(t, "/ws/re-1")
	acc.Reset()
	readUntil(t, again, outputContains(&acc, "marker-42"))
}

func TestExitFlushesPartialCharacter(t *testing.T) {
	f := newFixture(t, llm.NewEcho(), 10)
	c := f.dial(t, "/ws/tail-1?projectId=p1")

	// The first two bytes of a three byte rune, then the shell dies
	send(t, c, `{"type":"input","data":"printf 'tail-\\342\\202'; kill -9 $$\n"}`)

	msgs, code := readToClose(t, c)
	assert.Equal(t, protocol.CloseNormal, code)

	var out strings.Builder
	for _, m := range ofType(msgs, protocol.TypeOutput) {
		out.WriteString(*m.Data)
	}
	assert.Contains(t, out.String(), "tail-\uFFFD")

	errs := ofType(msgs, protocol.TypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, protocol.TypeError, msgs[len(msgs)-1].Type)
}
