package protocol

import (
	"fmt"
	"time"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/chat"
)

// Phase of a connection
type Phase int

const (
	PhaseConnecting Phase = iota
	PhaseBound
	PhaseStreaming
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseBound:
		return "bound"
	case PhaseStreaming:
		return "streaming"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WebSocket close codes used by the adapter
const (
	CloseNormal        = 1000
	ClosePolicy        = 1008
	CloseInternalError = 1011
	CloseTryAgainLater = 1013
)

// Client-facing error categories
const (
	ErrTextNotFound     = "session not found"
	ErrTextWrongGateway = "session is owned by another gateway"
	ErrTextCapacity     = "gateway at capacity"
	ErrTextSpawn        = "failed to start terminal"
	ErrTextNotReady     = "connection not ready"
	ErrTextProvider     = "ai provider error"
	ErrTextInternal     = "internal error"
)

// State is the per-connection protocol state.
type State struct {
	Phase     Phase
	SessionID string
	ConnID    string
}

// Effect is a side effect the adapter performs after Handle returns.
type Effect interface {
	effect()
}

type (
	// WriteInput forwards keystrokes to the PTY.
	WriteInput struct{ Data []byte }
	// ResizePTY applies new dimensions to the PTY.
	ResizePTY struct{ Cols, Rows int }
	// PersistResize records the dimensions in the directory.
	PersistResize struct{ Cols, Rows int }
	// StartChat runs one chat request.
	StartChat struct {
		Message  string
		Override chat.AgentConfig
	}
	// SetAgent stores the session's agent in the chat bridge.
	SetAgent struct{ Config chat.AgentConfig }
	// PersistAgent records the agent in the directory.
	PersistAgent struct{ Config chat.AgentConfig }
	// PersistCardLink records the linked card.
	PersistCardLink struct{ CardID string }
	// PersistAIToggle records the AI chat flag.
	PersistAIToggle struct{ Enabled bool }
)

func (WriteInput) effect()      {}
func (ResizePTY) effect()       {}
func (PersistResize) effect()   {}
func (StartChat) effect()       {}
func (SetAgent) effect()        {}
func (PersistAgent) effect()    {}
func (PersistCardLink) effect() {}
func (PersistAIToggle) effect() {}

// Env carries what Handle needs from the outside world.
type Env struct {
	Now    func() time.Time
	Agents *chat.AgentTable
}

func (e Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Env) agents() *chat.AgentTable {
	if e.Agents != nil {
		return e.Agents
	}
	return chat.DefaultAgentTable()
}

// Result of handling one inbound message.
type Result struct {
	// Kind of the inbound message; empty when it failed validation
	Kind    Type
	State   State
	Out     []Message
	Effects []Effect
}

// Connect starts a connection.
func Connect(sessionID, connID string) State {
	return State{Phase: PhaseConnecting, SessionID: sessionID, ConnID: connID}
}

// Bind records a successful session lookup or creation.
func Bind(st State) State {
	if st.Phase == PhaseConnecting {
		st.Phase = PhaseBound
	}
	return st
}

// Stream marks the connection as subscribed to PTY output.
func Stream(st State) State {
	if st.Phase == PhaseBound {
		st.Phase = PhaseStreaming
	}
	return st
}

// BindFailed closes a connection that never bound, with one error message.
func BindFailed(st State, reason string, env Env) (State, Message) {
	st.Phase = PhaseClosed
	return st, Error(reason, env.now())
}

// OnOutput wraps PTY output. Nothing is sent outside streaming.
func OnOutput(st State, data string, env Env) (Message, bool) {
	if st.Phase != PhaseStreaming || data == "" {
		return Message{}, false
	}
	return Output(data, env.now()), true
}

// OnExit closes the connection after the PTY process ended.
func OnExit(st State, code int, env Env) (State, Message, int) {
	st.Phase = PhaseClosed
	return st, Error(fmt.Sprintf("terminal process exited with code %d", code), env.now()), CloseNormal
}

// Close moves the connection to its terminal phase.
func Close(st State) State {
	st.Phase = PhaseClosed
	return st
}

// HandleFrame parses a raw text frame and handles it. A frame that fails
// validation yields exactly one error message and no effects.
func HandleFrame(st State, raw []byte, env Env) Result {
	in, err := Parse(raw)
	if err != nil {
		if st.Phase == PhaseClosed {
			return Result{State: st}
		}
		return Result{State: st, Out: []Message{Error(err.Error(), env.now())}}
	}
	return Handle(st, in, env)
}

// Handle dispatches one validated inbound message.
func Handle(st State, in Inbound, env Env) Result {
	res := Result{Kind: in.Kind(), State: st}
	now := env.now()

	switch st.Phase {
	case PhaseClosed:
		return res
	case PhaseStreaming:
	default:
		res.Out = []Message{Error(ErrTextNotReady, now)}
		return res
	}

	switch m := in.(type) {
	case Input:
		if m.Data != "" {
			res.Effects = []Effect{WriteInput{Data: []byte(m.Data)}}
		}

	case Resize:
		if !ValidDimensions(m.Cols, m.Rows) {
			res.Out = []Message{Error(ErrValidation.Error()+": invalid resize dimensions", now)}
			return res
		}
		res.Effects = []Effect{
			ResizePTY{Cols: m.Cols, Rows: m.Rows},
			PersistResize{Cols: m.Cols, Rows: m.Rows},
		}

	case Ping:
		res.Out = []Message{Pong(now)}

	case AIChat:
		res.Effects = []Effect{StartChat{Message: m.Message, Override: m.Override}}

	case AgentSelect:
		cfg := env.agents().Resolve(m.AgentName, m.Provider, m.Model)
		res.Out = []Message{AgentSelected(cfg, now)}
		res.Effects = []Effect{SetAgent{Config: cfg}, PersistAgent{Config: cfg}}

	case ContextLink:
		res.Effects = []Effect{PersistCardLink{CardID: m.CardID}}

	case AIToggle:
		res.Effects = []Effect{PersistAIToggle{Enabled: m.Enabled}}

	default:
		res.Out = []Message{Error(ErrValidation.Error()+": unsupported message", now)}
	}
	return res
}

// ChatFailed is the single error sent when a chat request fails.
func ChatFailed(env Env) Message {
	return Error(ErrTextProvider, env.now())
}
