package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/monitoring"
)

// ErrProvider wraps every failure reported by the completion service.
var ErrProvider = errors.New("ai provider error")

// Turn is one message of a session's chat history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is what the completion service is keyed by.
type CompletionRequest struct {
	SessionID string `json:"sessionId"`
	Agent     string `json:"agent"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Message   string `json:"message"`
	History   []Turn `json:"history,omitempty"`
}

// CompletionStream yields text chunks until io.EOF.
type CompletionStream interface {
	Recv() (string, error)
	Close() error
}

// Completer starts a streamed completion.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionStream, error)
}

// Options configures a Bridge.
type Options struct {
	// HistoryLimit is the number of exchanges kept per session.
	HistoryLimit int
}

// Bridge holds per-session agent configuration and chat history.
type Bridge struct {
	completer Completer
	table     *AgentTable
	opts      Options
	logger    *logging.Logger
	metrics   *monitoring.Metrics

	mu      sync.Mutex
	configs map[string]AgentConfig
	history map[string][]Turn
}

// NewBridge creates a chat bridge. A nil table uses DefaultAgentTable.
func NewBridge(completer Completer, table *AgentTable, opts Options, logger *logging.Logger, metrics *monitoring.Metrics) *Bridge {
	if table == nil {
		table = DefaultAgentTable()
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Bridge{
		completer: completer,
		table:     table,
		opts:      opts,
		logger:    logger.Named("chat"),
		metrics:   metrics,
		configs:   make(map[string]AgentConfig),
		history:   make(map[string][]Turn),
	}
}

// Table returns the agent defaults table.
func (b *Bridge) Table() *AgentTable {
	return b.table
}

// SetAgentConfig stores cfg for the session, filling gaps from the table.
func (b *Bridge) SetAgentConfig(sessionID string, cfg AgentConfig) AgentConfig {
	resolved := b.table.Resolve(cfg.AgentName, cfg.Provider, cfg.Model)
	b.mu.Lock()
	b.configs[sessionID] = resolved
	b.mu.Unlock()
	return resolved
}

// AgentConfig returns the stored config for the session.
func (b *Bridge) AgentConfig(sessionID string) (AgentConfig, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cfg, ok := b.configs[sessionID]
	return cfg, ok
}

// Effective resolves the config a chat request would use.
// Precedence per field: override, stored session config, table default.
// Naming a different agent in the override drops the stored provider and
// model, which belonged to the other agent.
func (b *Bridge) Effective(sessionID string, override AgentConfig) AgentConfig {
	stored, ok := b.AgentConfig(sessionID)
	if !ok || (override.AgentName != "" && override.AgentName != stored.AgentName) {
		return b.table.Resolve(override.AgentName, override.Provider, override.Model)
	}
	cfg := stored
	if override.Provider != "" {
		cfg.Provider = override.Provider
	}
	if override.Model != "" {
		cfg.Model = override.Model
	}
	return b.table.Resolve(cfg.AgentName, cfg.Provider, cfg.Model)
}

// HandleChat returns a lazy stream answering message for the session.
func (b *Bridge) HandleChat(ctx context.Context, sessionID, message string, override AgentConfig) *Stream {
	cfg := b.Effective(sessionID, override)

	b.mu.Lock()
	past := b.history[sessionID]
	history := make([]Turn, len(past))
	copy(history, past)
	b.mu.Unlock()

	return &Stream{
		bridge: b,
		ctx:    ctx,
		cfg:    cfg,
		req: CompletionRequest{
			SessionID: sessionID,
			Agent:     cfg.AgentName,
			Provider:  cfg.Provider,
			Model:     cfg.Model,
			Message:   message,
			History:   history,
		},
	}
}

// History returns a copy of the session's recorded exchanges.
func (b *Bridge) History(sessionID string) []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Turn, len(b.history[sessionID]))
	copy(out, b.history[sessionID])
	return out
}

// Cleanup drops the session's config and history.
func (b *Bridge) Cleanup(sessionID string) {
	b.mu.Lock()
	delete(b.configs, sessionID)
	delete(b.history, sessionID)
	b.mu.Unlock()
}

func (b *Bridge) record(sessionID, message, reply string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := append(b.history[sessionID],
		Turn{Role: "user", Content: message},
		Turn{Role: "assistant", Content: reply},
	)
	if max := 2 * b.opts.HistoryLimit; len(h) > max {
		h = append([]Turn(nil), h[len(h)-max:]...)
	}
	b.history[sessionID] = h
}
