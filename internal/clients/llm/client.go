// Package llm streams chat completions from the AI service.
//
// The service speaks newline-delimited JSON: one object per chunk, the last
// one carrying done=true. An in-process Echo completer stands in when no
// service URL is configured.
package llm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/clients/transport"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/chat"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/tracing"
	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// CompletionPath is the streaming endpoint on the AI service
const CompletionPath = "/v1/chat/stream"

const maxLine = 1 << 20

// Config for the client
type Config struct {
	URL            string
	Timeout        time.Duration
	RequestsPerSec float64
	MaxRetries     int
}

// Client implements chat.Completer over HTTP
type Client struct {
	resty   *resty.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	log     *logging.Logger
}

// New creates a client. A non-positive rate disables limiting.
func New(cfg Config, log *logging.Logger) *Client {
	if log == nil {
		log = logging.NewNop()
	}
	log = log.Named("llm")

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSec > 0 {
		burst := int(cfg.RequestsPerSec)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
	}

	return &Client{
		resty: transport.NewResty(transport.Options{
			Name:       "llm",
			BaseURL:    cfg.URL,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		}, log),
		limiter: limiter,
		breaker: transport.NewBreaker("llm", log),
		log:     log,
	}
}

// Breaker exposes the client's circuit breaker state
func (c *Client) Breaker() *resilience.Breaker {
	return c.breaker
}

type chunk struct {
	Delta string `json:"delta"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// Complete starts a completion. The returned stream must be closed.
func (c *Client) Complete(ctx context.Context, req chat.CompletionRequest) (chat.CompletionStream, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	done, err := c.breaker.Allow()
	if err != nil {
		return nil, err
	}

	headers := map[string]string{"Accept": "application/x-ndjson"}
	tracing.InjectTraceContext(ctx, headers)

	resp, err := c.resty.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(req).
		SetDoNotParseResponse(true).
		Post(CompletionPath)
	if err != nil {
		done(err)
		return nil, fmt.Errorf("completion request: %w", err)
	}

	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(body, maxLine))
		body.Close()
		err := fmt.Errorf("completion service returned %d", resp.StatusCode())
		if resp.StatusCode() >= http.StatusInternalServerError {
			done(err)
		} else {
			done(nil)
		}
		return nil, err
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &stream{body: body, scanner: scanner, done: done, log: c.log}, nil
}

type stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    func(error)
	log     *logging.Logger
	ended   bool
}

func (s *stream) Recv() (string, error) {
	if s.ended {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ch chunk
		if err := sonic.Unmarshal(line, &ch); err != nil {
			return "", s.fail(fmt.Errorf("decode chunk: %w", err))
		}
		if ch.Error != "" {
			// The service answered; a model-side error is not an outage
			s.ended = true
			s.done(nil)
			return "", fmt.Errorf("completion failed: %s", ch.Error)
		}
		if ch.Done {
			s.ended = true
			s.done(nil)
			if ch.Delta != "" {
				return ch.Delta, nil
			}
			return "", io.EOF
		}
		return ch.Delta, nil
	}

	if err := s.scanner.Err(); err != nil {
		return "", s.fail(err)
	}
	return "", s.fail(io.ErrUnexpectedEOF)
}

func (s *stream) fail(err error) error {
	s.ended = true
	if errors.Is(err, context.Canceled) {
		s.done(context.Canceled)
	} else {
		s.done(err)
	}
	s.log.Debug("completion stream ended", zap.Error(err))
	return err
}

func (s *stream) Close() error {
	if !s.ended {
		s.ended = true
		s.done(context.Canceled)
	}
	return s.body.Close()
}
