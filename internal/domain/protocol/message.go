package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/chat"
	"github.com/bytedance/sonic"
)

// Type tags a wire message.
type Type string

const (
	TypeInput       Type = "input"
	TypeOutput      Type = "output"
	TypeResize      Type = "resize"
	TypeError       Type = "error"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
	TypeAIChat      Type = "ai_chat"
	TypeAIResponse  Type = "ai_response"
	TypeAgentSelect Type = "agent_select"
	TypeContextLink Type = "context_link"
	TypeAIToggle    Type = "ai_toggle"
)

// Terminal dimension bounds
const (
	MinCols = 1
	MaxCols = 500
	MinRows = 1
	MaxRows = 200
)

// ErrValidation marks a rejected inbound message. The connection stays open.
var ErrValidation = errors.New("invalid message")

// Message is the wire envelope. Optional fields are pointers so that a
// present zero value ("", false, 0) is distinguishable from an absent one.
type Message struct {
	Type      Type    `json:"type"`
	Timestamp int64   `json:"timestamp"`
	Data      *string `json:"data,omitempty"`
	Cols      *int    `json:"cols,omitempty"`
	Rows      *int    `json:"rows,omitempty"`
	Done      *bool   `json:"done,omitempty"`
	Message   *string `json:"message,omitempty"`
	AgentName *string `json:"agentName,omitempty"`
	Provider  *string `json:"provider,omitempty"`
	Model     *string `json:"model,omitempty"`
	CardID    *string `json:"cardId,omitempty"`
	Enabled   *bool   `json:"enabled,omitempty"`
}

// Inbound is a validated client message.
type Inbound interface {
	Kind() Type
}

type (
	// Input carries keystrokes, forwarded verbatim.
	Input struct{ Data string }
	// Resize carries bounded dimensions.
	Resize struct{ Cols, Rows int }
	// Ping is the application-level liveness probe.
	Ping struct{}
	// AIChat asks the chat bridge a question.
	AIChat struct {
		Message  string
		Override chat.AgentConfig
	}
	// AgentSelect changes the session's agent.
	AgentSelect struct{ AgentName, Provider, Model string }
	// ContextLink attaches a board card to the session. Empty unlinks.
	ContextLink struct{ CardID string }
	// AIToggle flips the session's AI chat flag.
	AIToggle struct{ Enabled bool }
)

func (Input) Kind() Type       { return TypeInput }
func (Resize) Kind() Type      { return TypeResize }
func (Ping) Kind() Type        { return TypePing }
func (AIChat) Kind() Type      { return TypeAIChat }
func (AgentSelect) Kind() Type { return TypeAgentSelect }
func (ContextLink) Kind() Type { return TypeContextLink }
func (AIToggle) Kind() Type    { return TypeAIToggle }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ValidDimensions reports whether cols and rows are within bounds.
func ValidDimensions(cols, rows int) bool {
	return cols >= MinCols && cols <= MaxCols && rows >= MinRows && rows <= MaxRows
}

// Parse decodes and validates one inbound text frame.
func Parse(raw []byte) (Inbound, error) {
	var m Message
	if err := sonic.ConfigDefault.Unmarshal(raw, &m); err != nil {
		return nil, invalid("malformed json")
	}

	switch m.Type {
	case TypeInput:
		if m.Data == nil {
			return nil, invalid("input requires data")
		}
		return Input{Data: *m.Data}, nil

	case TypeResize:
		if m.Cols == nil || m.Rows == nil {
			return nil, invalid("resize requires cols and rows")
		}
		if !ValidDimensions(*m.Cols, *m.Rows) {
			return nil, invalid("invalid resize dimensions")
		}
		return Resize{Cols: *m.Cols, Rows: *m.Rows}, nil

	case TypePing:
		return Ping{}, nil

	case TypeAIChat:
		if m.Message == nil || strings.TrimSpace(*m.Message) == "" {
			return nil, invalid("ai_chat requires message")
		}
		return AIChat{
			Message: *m.Message,
			Override: chat.AgentConfig{
				AgentName: deref(m.AgentName),
				Provider:  deref(m.Provider),
				Model:     deref(m.Model),
			},
		}, nil

	case TypeAgentSelect:
		if m.AgentName == nil || strings.TrimSpace(*m.AgentName) == "" {
			return nil, invalid("agent_select requires agentName")
		}
		return AgentSelect{
			AgentName: strings.TrimSpace(*m.AgentName),
			Provider:  deref(m.Provider),
			Model:     deref(m.Model),
		}, nil

	case TypeContextLink:
		if m.CardID == nil {
			return nil, invalid("context_link requires cardId")
		}
		return ContextLink{CardID: *m.CardID}, nil

	case TypeAIToggle:
		if m.Enabled == nil {
			return nil, invalid("ai_toggle requires enabled")
		}
		return AIToggle{Enabled: *m.Enabled}, nil

	case "":
		return nil, invalid("missing type")

	default:
		return nil, invalid("unsupported type %q", truncate(string(m.Type), 32))
	}
}

// Encode serializes a message for a text frame.
func Encode(m Message) ([]byte, error) {
	return sonic.ConfigDefault.Marshal(m)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func ptr[T any](v T) *T {
	return &v
}

func millis(now time.Time) int64 {
	return now.UnixMilli()
}

// Output wraps terminal output.
func Output(data string, now time.Time) Message {
	return Message{Type: TypeOutput, Timestamp: millis(now), Data: ptr(data)}
}

// Error carries a client-facing failure category.
func Error(text string, now time.Time) Message {
	return Message{Type: TypeError, Timestamp: millis(now), Data: ptr(text)}
}

// Pong answers a ping.
func Pong(now time.Time) Message {
	return Message{Type: TypePong, Timestamp: millis(now)}
}

// AIChunk is one partial chat answer.
func AIChunk(text string, now time.Time) Message {
	return Message{Type: TypeAIResponse, Timestamp: millis(now), Data: ptr(text), Done: ptr(false)}
}

// AIDone terminates a successful chat answer.
func AIDone(now time.Time) Message {
	return Message{Type: TypeAIResponse, Timestamp: millis(now), Data: ptr(""), Done: ptr(true)}
}

// AgentSelected echoes a fully resolved agent configuration.
func AgentSelected(cfg chat.AgentConfig, now time.Time) Message {
	return Message{
		Type:      TypeAgentSelect,
		Timestamp: millis(now),
		AgentName: ptr(cfg.AgentName),
		Provider:  ptr(cfg.Provider),
		Model:     ptr(cfg.Model),
	}
}

// OutputDecoder turns raw PTY chunks into valid UTF-8 text. A multi-byte
// character split across reads is held back until its tail arrives, and
// invalid bytes become U+FFFD so text frames stay legal.
type OutputDecoder struct {
	pending []byte
}

// Decode returns the printable text available after chunk.
func (d *OutputDecoder) Decode(chunk []byte) string {
	buf := chunk
	if len(d.pending) > 0 {
		buf = append(d.pending, chunk...)
		d.pending = nil
	}

	cut := len(buf)
	// Look back at most UTFMax-1 bytes for an incomplete trailing rune
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-(utf8.UTFMax-1); i-- {
		if !utf8.RuneStart(buf[i]) {
			continue
		}
		if !utf8.FullRune(buf[i:]) {
			cut = i
		}
		break
	}
	if cut < len(buf) {
		d.pending = append([]byte(nil), buf[cut:]...)
	}
	return strings.ToValidUTF8(string(buf[:cut]), "�")
}

// Flush returns whatever is still held back.
func (d *OutputDecoder) Flush() string {
	if len(d.pending) == 0 {
		return ""
	}
	s := strings.ToValidUTF8(string(d.pending), "�")
	d.pending = nil
	return s
}
