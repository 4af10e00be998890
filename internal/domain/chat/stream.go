package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Stream is a single-pass sequence of completion chunks.
// It is not safe for concurrent use.
type Stream struct {
	bridge *Bridge
	ctx    context.Context
	cfg    AgentConfig
	req    CompletionRequest

	started bool
	done    bool
	inner   CompletionStream
	text    string
	reply   strings.Builder
	err     error
	start   time.Time
}

// Config returns the effective agent configuration of this request.
func (s *Stream) Config() AgentConfig {
	return s.cfg
}

// Next advances to the next non-empty chunk. It returns false at the end
// of the stream or on error; check Err afterwards.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	if !s.started {
		s.started = true
		s.start = time.Now()
		if s.bridge.completer == nil {
			s.fail(errors.New("no completion service configured"))
			return false
		}
		inner, err := s.bridge.completer.Complete(s.ctx, s.req)
		if err != nil {
			s.fail(err)
			return false
		}
		s.inner = inner
	}

	for {
		if err := s.ctx.Err(); err != nil {
			s.fail(err)
			return false
		}
		chunk, err := s.inner.Recv()
		if errors.Is(err, io.EOF) {
			if chunk != "" {
				s.reply.WriteString(chunk)
			}
			s.succeed()
			if chunk != "" {
				s.text = chunk
				return true
			}
			return false
		}
		if err != nil {
			s.fail(err)
			return false
		}
		if chunk == "" {
			continue
		}
		s.text = chunk
		s.reply.WriteString(chunk)
		return true
	}
}

// Text returns the current chunk.
func (s *Stream) Text() string {
	return s.text
}

// Err returns the failure that ended the stream, wrapping ErrProvider.
func (s *Stream) Err() error {
	return s.err
}

// Close releases the provider stream. Safe to call more than once.
func (s *Stream) Close() error {
	s.done = true
	if s.inner == nil {
		return nil
	}
	inner := s.inner
	s.inner = nil
	return inner.Close()
}

func (s *Stream) succeed() {
	s.done = true
	s.bridge.record(s.req.SessionID, s.req.Message, s.reply.String())
	s.bridge.metrics.RecordChat(s.cfg.Provider, "ok", time.Since(s.start))
}

func (s *Stream) fail(err error) {
	s.done = true
	s.text = ""
	s.err = fmt.Errorf("%w: %w", ErrProvider, err)
	s.bridge.metrics.RecordChat(s.cfg.Provider, "error", time.Since(s.start))
	s.bridge.logger.Warn("chat stream failed",
		zap.String("session_id", s.req.SessionID),
		zap.String("provider", s.cfg.Provider),
		zap.String("model", s.cfg.Model),
		zap.Error(err),
	)
}
