// Package projects looks up project metadata, chiefly the working
// directory a new terminal should start in.
package projects

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/clients/transport"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/tracing"
	"github.com/go-resty/resty/v2"
)

// ErrNotFound is returned for unknown projects
var ErrNotFound = errors.New("project not found")

// Project is the subset of project metadata the gateway uses
type Project struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Path string `json:"path"`
}

// Config for the client
type Config struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
}

// Client talks to the project service
type Client struct {
	resty   *resty.Client
	breaker *resilience.Breaker
	metrics *monitoring.Metrics
}

// New creates a client
func New(cfg Config, log *logging.Logger, metrics *monitoring.Metrics) *Client {
	return &Client{
		resty: transport.NewResty(transport.Options{
			Name:       "projects",
			BaseURL:    cfg.URL,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		}, log),
		breaker: transport.NewBreaker("projects", log),
		metrics: metrics,
	}
}

// Get fetches one project
func (c *Client) Get(ctx context.Context, projectID string) (*Project, error) {
	timer := monitoring.NewTimer(c.metrics, "projects", "get")

	project, err := resilience.Do(c.breaker, func() (*Project, error) {
		headers := map[string]string{}
		tracing.InjectTraceContext(ctx, headers)

		var out Project
		resp, err := c.resty.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetPathParam("id", projectID).
			SetResult(&out).
			Get("/projects/{id}")
		if err != nil {
			return nil, fmt.Errorf("get project: %w", err)
		}

		switch {
		case resp.StatusCode() == http.StatusNotFound:
			// A missing project is an answer, not an outage
			return nil, nil
		case resp.IsError():
			return nil, fmt.Errorf("project service returned %d", resp.StatusCode())
		}
		return &out, nil
	})
	timer.StopErr(err)

	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, projectID)
	}
	return project, nil
}

// WorkingDir returns the project's directory
func (c *Client) WorkingDir(ctx context.Context, projectID string) (string, error) {
	project, err := c.Get(ctx, projectID)
	if err != nil {
		return "", err
	}
	return project.Path, nil
}
