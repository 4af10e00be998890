// Package transport builds the HTTP clients used to reach collaborators:
// resty on top of a retrying round tripper, guarded by a circuit breaker.
package transport

import (
	"time"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/resilience"
	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// UserAgent is sent on every outbound request
const UserAgent = "AgentOS-Gateway/1.0"

// Options configures a client
type Options struct {
	Name       string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// NewResty creates a resty client whose transport retries connection
// errors and 5xx responses.
func NewResty(opts Options, log *logging.Logger) *resty.Client {
	if log == nil {
		log = logging.NewNop()
	}
	if opts.MinWait <= 0 {
		opts.MinWait = 100 * time.Millisecond
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 2 * time.Second
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = opts.MaxRetries
	retryClient.RetryWaitMin = opts.MinWait
	retryClient.RetryWaitMax = opts.MaxWait
	retryClient.Logger = leveled{log.Named(opts.Name).Sugar()}

	client := resty.NewWithClient(retryClient.StandardClient()).
		SetBaseURL(opts.BaseURL).
		SetHeader("User-Agent", UserAgent).
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	return client
}

// NewBreaker creates a breaker that logs its transitions
func NewBreaker(name string, log *logging.Logger) *resilience.Breaker {
	if log == nil {
		log = logging.NewNop()
	}
	return resilience.New(name, resilience.Settings{
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// leveled adapts zap to retryablehttp's logger interface
type leveled struct {
	s *zap.SugaredLogger
}

func (l leveled) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveled) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
func (l leveled) Info(msg string, kv ...interface{})  { l.s.Debugw(msg, kv...) }
func (l leveled) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
