package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one gateway instance.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Service metrics
	ServiceCalls    *prometheus.CounterVec
	ServiceDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated *prometheus.CounterVec
	SessionsEnded   *prometheus.CounterVec
	SpawnFailures   prometheus.Counter
	Rejections      *prometheus.CounterVec

	// Directory metrics
	DirectoryErrors *prometheus.CounterVec
	SweepActions    *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec
	WSDropped     prometheus.Counter

	// Chat metrics
	ChatRequests *prometheus.CounterVec
	ChatDuration *prometheus.HistogramVec

	// gRPC metrics
	GRPCCalls *prometheus.CounterVec

	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current counter values for the JSON stats endpoint
type Snapshot struct {
	TotalRequests     int64   `json:"totalRequests"`
	TotalErrors       int64   `json:"totalErrors"`
	ActiveSessions    int64   `json:"activeSessions"`
	ActiveConnections int64   `json:"activeConnections"`
	DirectoryErrors   int64   `json:"directoryErrors"`
	ChatErrors        int64   `json:"chatErrors"`
	AvgRequestSeconds float64 `json:"avgRequestSeconds"`
	UptimeSeconds     float64 `json:"uptimeSeconds"`

	totalDuration float64
}

// NewMetrics creates collectors on the given registerer.
// Tests pass prometheus.NewRegistry() so instances never collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{startTime: time.Now()}

	m.RequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	m.RequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	m.ServiceCalls = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_service_calls_total",
			Help: "Total number of collaborator and store calls",
		},
		[]string{"service", "method", "status"},
	)
	m.ServiceDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_service_duration_seconds",
			Help:    "Collaborator and store call duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"service", "method"},
	)

	m.SessionsActive = f.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_sessions_active",
		Help: "Number of live PTY sessions on this instance",
	})
	m.SessionsCreated = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_sessions_created_total",
			Help: "Sessions spawned, by creation path",
		},
		[]string{"path"},
	)
	m.SessionsEnded = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_sessions_ended_total",
			Help: "Sessions ended, by reason (terminated, exited, evicted)",
		},
		[]string{"reason"},
	)
	m.SpawnFailures = f.NewCounter(prometheus.CounterOpts{
		Name: "gateway_spawn_failures_total",
		Help: "PTY spawn failures",
	})
	m.Rejections = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_session_rejections_total",
			Help: "Rejected session binds, by reason",
		},
		[]string{"reason"},
	)

	m.DirectoryErrors = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_directory_errors_total",
			Help: "Failed directory writes, by operation",
		},
		[]string{"op"},
	)
	m.SweepActions = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_sweep_actions_total",
			Help: "Sweeper actions, by kind (heartbeat, reclaimed, evicted, purged)",
		},
		[]string{"action"},
	)

	m.WSConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_ws_connections",
		Help: "Number of active WebSocket connections",
	})
	m.WSMessages = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ws_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction", "type"},
	)
	m.WSDropped = f.NewCounter(prometheus.CounterOpts{
		Name: "gateway_ws_slow_consumers_total",
		Help: "Connections closed because the outbound queue overflowed",
	})

	m.ChatRequests = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_chat_requests_total",
			Help: "AI chat requests, by provider and outcome",
		},
		[]string{"provider", "status"},
	)
	m.ChatDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_chat_duration_seconds",
			Help:    "AI chat stream duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	m.GRPCCalls = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_grpc_calls_total",
			Help: "Admin gRPC calls",
		},
		[]string{"method", "status"},
	)

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "gateway_uptime_seconds",
		Help: "Gateway uptime in seconds",
	}, func() float64 {
		return time.Since(m.startTime).Seconds()
	})

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.totalDuration += duration.Seconds()
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordServiceCall records a collaborator or store call
func (m *Metrics) RecordServiceCall(service, method, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ServiceCalls.WithLabelValues(service, method, status).Inc()
	m.ServiceDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// SetSessionsActive sets the number of live sessions
func (m *Metrics) SetSessionsActive(count int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActiveSessions = int64(count)
	m.mu.Unlock()
}

// IncSessionsCreated counts a spawn; path is "eager" or "lazy"
func (m *Metrics) IncSessionsCreated(path string) {
	if m == nil {
		return
	}
	m.SessionsCreated.WithLabelValues(path).Inc()
}

// IncSessionsEnded counts a session leaving this instance
func (m *Metrics) IncSessionsEnded(reason string) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(reason).Inc()
}

// IncSpawnFailures counts a failed PTY spawn
func (m *Metrics) IncSpawnFailures() {
	if m == nil {
		return
	}
	m.SpawnFailures.Inc()
}

// IncRejections counts a refused bind or creation
func (m *Metrics) IncRejections(reason string) {
	if m == nil {
		return
	}
	m.Rejections.WithLabelValues(reason).Inc()
}

// IncDirectoryErrors counts a failed fire-and-forget directory write
func (m *Metrics) IncDirectoryErrors(op string) {
	if m == nil {
		return
	}
	m.DirectoryErrors.WithLabelValues(op).Inc()
	m.mu.Lock()
	m.snapshot.DirectoryErrors++
	m.mu.Unlock()
}

// AddSweepActions records n sweeper actions of one kind
func (m *Metrics) AddSweepActions(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SweepActions.WithLabelValues(action).Add(float64(n))
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveConnections--
	m.mu.Unlock()
}

// IncWSDropped counts a slow-consumer disconnect
func (m *Metrics) IncWSDropped() {
	if m == nil {
		return
	}
	m.WSDropped.Inc()
}

// RecordChat records one finished chat stream
func (m *Metrics) RecordChat(provider, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(provider, status).Inc()
	m.ChatDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if status != "ok" {
		m.mu.Lock()
		m.snapshot.ChatErrors++
		m.mu.Unlock()
	}
}

// RecordGRPCCall records an admin gRPC call
func (m *Metrics) RecordGRPCCall(method, status string) {
	if m == nil {
		return
	}
	m.GRPCCalls.WithLabelValues(method, status).Inc()
}

// GetSnapshot returns current values for the JSON API
func (m *Metrics) GetSnapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	if s.TotalRequests > 0 {
		s.AvgRequestSeconds = s.totalDuration / float64(s.TotalRequests)
	}
	s.UptimeSeconds = time.Since(m.startTime).Seconds()
	return s
}
