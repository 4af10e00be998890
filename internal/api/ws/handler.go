package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/chat"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/directory"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/protocol"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/pty"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/session"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/shared/id"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Sessions is what a connection needs from the session service.
type Sessions interface {
	Attach(ctx context.Context, sessionID, projectID, userID string) (*directory.Session, *pty.Handle, error)
	Detach(sessionID string) bool
	Subscribe(sessionID string, cb func([]byte)) (unsubscribe func(), ok bool)
	Write(sessionID string, data []byte) bool
	ResizeTerminal(sessionID string, cols, rows int) bool
	PersistResize(sessionID string, cols, rows int)
	PersistAgent(sessionID string, cfg chat.AgentConfig)
	LinkCard(sessionID, cardID string)
	ToggleAI(sessionID string, enabled bool)
}

// Chat is what a connection needs from the chat bridge.
type Chat interface {
	Table() *chat.AgentTable
	SetAgentConfig(sessionID string, cfg chat.AgentConfig) chat.AgentConfig
	HandleChat(ctx context.Context, sessionID, message string, override chat.AgentConfig) *chat.Stream
	Cleanup(sessionID string)
}

// Config tunes connections
type Config struct {
	SendQueue       int
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	BindTimeout     time.Duration
	MaxMessageBytes int64
	// CheckOrigin vets the handshake Origin header. Nil allows any.
	CheckOrigin func(origin string) bool
}

func (c Config) withDefaults() Config {
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.BindTimeout <= 0 {
		c.BindTimeout = 15 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = func(string) bool { return true }
	}
	return c
}

// Handler upgrades and serves terminal connections
type Handler struct {
	sessions Sessions
	chat     Chat
	cfg      Config
	upgrader websocket.Upgrader
	log      *logging.Logger
	metrics  *monitoring.Metrics
	now      func() time.Time
}

// NewHandler creates a WebSocket handler
func NewHandler(sessions Sessions, bridge Chat, cfg Config, log *logging.Logger, metrics *monitoring.Metrics) *Handler {
	if log == nil {
		log = logging.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Handler{
		sessions: sessions,
		chat:     bridge,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return cfg.CheckOrigin(r.Header.Get("Origin"))
			},
		},
		log:     log.Named("ws"),
		metrics: metrics,
		now:     time.Now,
	}
}

// HandleConnection serves GET /ws/:sessionId?projectId=&userId=
func (h *Handler) HandleConnection(c *gin.Context) {
	sessionID := c.Param("sessionId")
	projectID := c.Query("projectId")
	userID := c.Query("userId")

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logging.SessionID(sessionID), zap.Error(err))
		return
	}

	connID := id.NewConnID().String()
	log := h.log.With(logging.SessionID(sessionID), logging.ConnID(connID))
	cn := newConn(wsConn, h.cfg, log, h.metrics)

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()

	go cn.writeLoop()
	defer func() {
		cn.close(protocol.CloseNormal, "")
		<-cn.writerDone
	}()

	h.serve(c.Request.Context(), cn, protocol.Connect(sessionID, connID), projectID, userID)
}

func (h *Handler) env() protocol.Env {
	return protocol.Env{Now: h.now, Agents: h.chat.Table()}
}

// serve runs one connection from bind to cleanup.
func (h *Handler) serve(reqCtx context.Context, cn *conn, st protocol.State, projectID, userID string) {
	env := h.env()
	sid := st.SessionID

	bindCtx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), h.cfg.BindTimeout)
	rec, handle, err := h.sessions.Attach(bindCtx, sid, projectID, userID)
	cancel()
	if err != nil {
		reason, code := bindFailure(err)
		cn.log.Info("bind failed", zap.String("reason", reason), zap.Error(err))
		_, msg := protocol.BindFailed(st, reason, env)
		cn.send(msg)
		cn.close(code, reason)
		return
	}
	st = protocol.Stream(protocol.Bind(st))
	cn.log.Info("connection bound", zap.String("project_id", rec.ProjectID))

	var chats sync.WaitGroup
	defer func() {
		cn.close(protocol.CloseNormal, "")
		chats.Wait()
		if h.sessions.Detach(sid) {
			h.chat.Cleanup(sid)
		}
		cn.log.Info("connection closed")
	}()

	// Output callbacks run on the PTY reader and must not block
	out := &outputStream{st: st, env: env, cn: cn}
	unsubscribe, ok := h.sessions.Subscribe(sid, out.write)
	defer unsubscribe()
	if !ok {
		h.exited(cn, st, handle, env, out)
		return
	}

	go func() {
		select {
		case <-handle.Done():
			h.exited(cn, st, handle, env, out)
		case <-cn.ctx.Done():
		}
	}()

	h.readLoop(cn, st, env, &chats)
}

// outputStream decodes PTY chunks for one connection. The mutex covers a
// reader still draining while the exit path flushes.
type outputStream struct {
	mu      sync.Mutex
	decoder protocol.OutputDecoder
	st      protocol.State
	env     protocol.Env
	cn      *conn
}

// write runs on the PTY reader and must not block.
func (o *outputStream) write(chunk []byte) {
	o.mu.Lock()
	text := o.decoder.Decode(chunk)
	o.mu.Unlock()
	if msg, ok := protocol.OnOutput(o.st, text, o.env); ok {
		o.cn.send(msg)
	}
}

// flush sends a partial character held back when the process ended.
func (o *outputStream) flush() {
	o.mu.Lock()
	text := o.decoder.Flush()
	o.mu.Unlock()
	if msg, ok := protocol.OnOutput(o.st, text, o.env); ok {
		o.cn.send(msg)
	}
}

func (h *Handler) exited(cn *conn, st protocol.State, handle *pty.Handle, env protocol.Env, out *outputStream) {
	<-handle.Done()
	out.flush()
	_, msg, code := protocol.OnExit(st, handle.ExitCode(), env)
	cn.send(msg)
	cn.close(code, "terminal exited")
}

func (h *Handler) readLoop(cn *conn, st protocol.State, env protocol.Env, chats *sync.WaitGroup) {
	ws := cn.ws
	ws.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cn.log.Debug("read ended", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		res := protocol.HandleFrame(st, raw, env)
		st = res.State

		kind := string(res.Kind)
		if kind == "" {
			kind = "invalid"
		}
		h.metrics.RecordWSMessage("in", kind)

		for _, msg := range res.Out {
			cn.send(msg)
		}
		for _, eff := range res.Effects {
			h.apply(cn, st, eff, env, chats)
		}
		if st.Phase == protocol.PhaseClosed {
			return
		}
	}
}

// apply performs one effect. PTY calls are synchronous; directory writes
// are queued by the service; chat runs on its own goroutine.
func (h *Handler) apply(cn *conn, st protocol.State, eff protocol.Effect, env protocol.Env, chats *sync.WaitGroup) {
	sid := st.SessionID

	switch e := eff.(type) {
	case protocol.WriteInput:
		if !h.sessions.Write(sid, e.Data) {
			cn.log.Debug("input dropped, terminal not writable")
		}
	case protocol.ResizePTY:
		h.sessions.ResizeTerminal(sid, e.Cols, e.Rows)
	case protocol.PersistResize:
		h.sessions.PersistResize(sid, e.Cols, e.Rows)
	case protocol.SetAgent:
		h.chat.SetAgentConfig(sid, e.Config)
	case protocol.PersistAgent:
		h.sessions.PersistAgent(sid, e.Config)
	case protocol.PersistCardLink:
		h.sessions.LinkCard(sid, e.CardID)
	case protocol.PersistAIToggle:
		h.sessions.ToggleAI(sid, e.Enabled)
	case protocol.StartChat:
		chats.Add(1)
		go func() {
			defer chats.Done()
			h.runChat(cn, sid, e, env)
		}()
	default:
		cn.log.Warn("unhandled effect", zap.Any("effect", eff))
	}
}

// runChat streams one answer: chunks, then either done or one error.
func (h *Handler) runChat(cn *conn, sid string, e protocol.StartChat, env protocol.Env) {
	stream := h.chat.HandleChat(cn.ctx, sid, e.Message, e.Override)
	defer stream.Close()

	for stream.Next() {
		if !cn.send(protocol.AIChunk(stream.Text(), env.Now())) {
			return
		}
	}
	if err := stream.Err(); err != nil {
		if cn.ctx.Err() != nil {
			return
		}
		cn.log.Warn("chat failed", zap.Error(err))
		cn.send(protocol.ChatFailed(env))
		return
	}
	cn.send(protocol.AIDone(env.Now()))
}

// bindFailure maps an Attach error to a client category and close code.
func bindFailure(err error) (string, int) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrInvalid):
		return protocol.ErrTextNotFound, protocol.ClosePolicy
	case errors.Is(err, session.ErrWrongGateway):
		return protocol.ErrTextWrongGateway, protocol.ClosePolicy
	case errors.Is(err, session.ErrCapacity):
		return protocol.ErrTextCapacity, protocol.CloseTryAgainLater
	case errors.Is(err, pty.ErrSpawn):
		return protocol.ErrTextSpawn, protocol.CloseInternalError
	default:
		return protocol.ErrTextInternal, protocol.CloseInternalError
	}
}
