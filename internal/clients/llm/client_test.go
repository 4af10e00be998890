package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/chat"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/tracing"
	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, s chat.CompletionStream) (string, error) {
	t.Helper()
	var sb strings.Builder
	for {
		text, err := s.Recv()
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(text)
	}
}

func TestCompleteStreamsChunks(t *testing.T) {
	var got chat.CompletionRequest
	var traceHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, CompletionPath, r.URL.Path)
		traceHeader = r.Header.Get(tracing.TraceHeader)
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, sonic.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"delta":"Hel"}`+"\n")
		io.WriteString(w, "\n")
		io.WriteString(w, `{"delta":"lo"}`+"\n")
		io.WriteString(w, `{"delta":"","done":true}`+"\n")
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, Timeout: 5 * time.Second}, nil)
	ctx := tracing.WithTrace(context.Background(), "trace-1", "span-1")

	s, err := c.Complete(ctx, chat.CompletionRequest{
		SessionID: "term_1",
		Agent:     "qa",
		Provider:  "anthropic",
		Model:     "claude-3-5-haiku-latest",
		Message:   "hi",
		History:   []chat.Turn{{Role: "user", Content: "before"}},
	})
	require.NoError(t, err)
	defer s.Close()

	text, err := drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)

	assert.Equal(t, "qa", got.Agent)
	assert.Equal(t, "hi", got.Message)
	require.Len(t, got.History, 1)
	assert.Equal(t, "trace-1", traceHeader)
	assert.Equal(t, resilience.StateClosed, c.Breaker().State())
}

func TestCompleteInStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"delta":"par"}`+"\n")
		io.WriteString(w, `{"error":"model overloaded"}`+"\n")
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, nil)
	s, err := c.Complete(context.Background(), chat.CompletionRequest{Message: "hi"})
	require.NoError(t, err)
	defer s.Close()

	text, err := drain(t, s)
	require.Error(t, err)
	assert.Equal(t, "par", text)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestCompleteTruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"delta":"par"}`+"\n")
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, nil)
	s, err := c.Complete(context.Background(), chat.CompletionRequest{Message: "hi"})
	require.NoError(t, err)
	defer s.Close()

	_, err = drain(t, s)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCompleteServerErrorOpensBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL, MaxRetries: 0}, nil)
	for i := 0; i < 5; i++ {
		_, err := c.Complete(context.Background(), chat.CompletionRequest{Message: "hi"})
		require.Error(t, err)
	}
	assert.Equal(t, resilience.StateOpen, c.Breaker().State())

	_, err := c.Complete(context.Background(), chat.CompletionRequest{Message: "hi"})
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestCompleteClientErrorDoesNotTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, nil)
	for i := 0; i < 6; i++ {
		_, err := c.Complete(context.Background(), chat.CompletionRequest{Message: "hi"})
		require.Error(t, err)
	}
	assert.Equal(t, resilience.StateClosed, c.Breaker().State())
}

func TestCompleteHonorsCancelledContext(t *testing.T) {
	c := New(Config{URL: "http://127.0.0.1:1", RequestsPerSec: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Complete(ctx, chat.CompletionRequest{Message: "hi"})
	assert.Error(t, err)
}

func TestEcho(t *testing.T) {
	s, err := NewEcho().Complete(context.Background(), chat.CompletionRequest{
		Provider: "anthropic",
		Model:    "m",
		Message:  "hello there",
	})
	require.NoError(t, err)

	text, err := drain(t, s)
	require.NoError(t, err)
	assert.Equal(t, "[anthropic/m] hello there", text)
	assert.NoError(t, s.Close())
}
