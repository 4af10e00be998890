package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	apihttp "github.com/GriffinCanCode/AgentOS/gateway/internal/api/http"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/api/middleware"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/api/ws"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/clients/llm"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/clients/projects"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/chat"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/directory"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/pty"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/session"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/shared/id"
)

// HealthService is the name the gRPC health server reports for the gateway
const HealthService = "agentos.terminal.Gateway"

// Server wraps the HTTP server and dependencies
type Server struct {
	config   *config.Config
	logger   *logging.Logger
	metrics  *monitoring.Metrics
	registry *prometheus.Registry
	tracer   *tracing.Tracer

	dir      directory.Directory
	ptys     *pty.Manager
	bridge   *chat.Bridge
	sessions *session.Service

	router *gin.Engine
	health *health.Server
	grpc   *grpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires every component from cfg. The directory is opened here,
// so ctx bounds startup.
func NewServer(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewDefault()
	}
	gatewayID := cfg.Gateway.ID
	if gatewayID == "" {
		gatewayID = id.NewGatewayID().String()
	}
	logger = logger.With(zap.String("gateway_id", gatewayID))

	logger.Info("Initializing terminal gateway",
		zap.String("port", cfg.Server.Port),
		zap.String("directory", cfg.Directory.Driver),
		zap.Int("max_sessions", cfg.Gateway.MaxSessions),
	)

	// Metrics first, everything else records into them
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitoring.NewMetrics(registry)
	tracer := tracing.New("terminal-gateway", logger.Logger)

	dir, err := openDirectory(ctx, cfg.Directory)
	if err != nil {
		tracer.Close()
		return nil, err
	}

	table := chat.DefaultAgentTable()
	if cfg.AI.AgentTablePath != "" {
		if table, err = chat.LoadAgentTable(cfg.AI.AgentTablePath); err != nil {
			dir.Close()
			tracer.Close()
			return nil, fmt.Errorf("load agent table: %w", err)
		}
		logger.Info("Loaded agent table", zap.String("path", cfg.AI.AgentTablePath))
	}

	var completer chat.Completer = llm.NewEcho()
	if cfg.AI.URL != "" {
		completer = llm.New(llm.Config{
			URL:            cfg.AI.URL,
			Timeout:        cfg.AI.Timeout,
			RequestsPerSec: cfg.AI.RequestsPerSec,
		}, logger)
		logger.Info("AI completion service configured", zap.String("url", cfg.AI.URL))
	} else {
		logger.Warn("AI_URL not set, chat answers with the echo completer")
	}
	bridge := chat.NewBridge(completer, table, chat.Options{HistoryLimit: cfg.AI.HistoryLimit}, logger, metrics)

	var resolver session.WorkingDirResolver
	if cfg.Projects.URL != "" {
		resolver = projects.New(projects.Config{
			URL:     cfg.Projects.URL,
			Timeout: cfg.Projects.Timeout,
		}, logger, metrics)
	}

	ptys := pty.NewManager(pty.Config{
		Shell:           cfg.Gateway.Shell,
		ScrollbackBytes: cfg.Gateway.Scrollback,
	}, logger)

	sessions := session.NewService(session.Config{
		GatewayID:      gatewayID,
		MaxSessions:    cfg.Gateway.MaxSessions,
		DefaultCwd:     cfg.Gateway.DefaultCwd,
		DefaultCols:    cfg.Gateway.DefaultCols,
		DefaultRows:    cfg.Gateway.DefaultRows,
		EnvAllow:       cfg.Gateway.EnvAllow,
		StaleAfter:     cfg.Directory.StaleAfter,
		IdleEvictAfter: cfg.Directory.IdleEvictAfter,
		PersistTimeout: cfg.Directory.PersistTimeout,
		RecordTTL:      cfg.Directory.TTL,
	}, session.Deps{
		PTY:       ptys,
		Directory: dir,
		Chat:      bridge,
		Projects:  resolver,
		Logger:    logger,
		Metrics:   metrics,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		registry: registry,
		tracer:   tracer,
		dir:      dir,
		ptys:     ptys,
		bridge:   bridge,
		sessions: sessions,
		health:   health.NewServer(),
		ctx:      runCtx,
		cancel:   cancel,
	}
	s.router = s.routes()

	logger.Info("Server initialized successfully")
	return s, nil
}

func openDirectory(ctx context.Context, cfg config.DirectoryConfig) (directory.Directory, error) {
	opts := directory.Options{TTL: cfg.TTL}
	switch cfg.Driver {
	case "sqlite":
		store, err := directory.OpenSQLite(ctx, cfg.Path, opts)
		if err != nil {
			return nil, fmt.Errorf("open directory: %w", err)
		}
		return store, nil
	default:
		return directory.NewMemoryStore(opts), nil
	}
}

func (s *Server) routes() *gin.Engine {
	if !s.config.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(s.tracer))
	router.Use(monitoring.Middleware(s.metrics))
	router.Use(middleware.CORS(s.config.Server.CORSOrigins))
	if s.config.RateLimit.Enabled {
		s.logger.Info("Rate limiting enabled",
			zap.Int("rps", s.config.RateLimit.RequestsPerSecond),
			zap.Int("burst", s.config.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(s.ctx, middleware.RateLimitConfig{
			RequestsPerSecond: s.config.RateLimit.RequestsPerSecond,
			Burst:             s.config.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(s.sessions, s.config.Server.PublicURL, apihttp.NewHandlerMetrics(s.metrics), s.logger)
	wsHandler := ws.NewHandler(s.sessions, s.bridge, ws.Config{
		SendQueue:    s.config.Gateway.SendQueue,
		PingInterval: s.config.Gateway.PingInterval,
		ReadTimeout:  s.config.Gateway.ReadTimeout,
		CheckOrigin:  middleware.OriginChecker(s.config.Server.CORSOrigins),
	}, s.logger, s.metrics)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/stats", handlers.Stats)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	router.POST("/sessions", handlers.CreateSession)
	router.GET("/sessions", handlers.ListSessions)
	router.GET("/sessions/:id", handlers.GetSession)
	router.POST("/sessions/:id/resize", handlers.ResizeSession)
	router.DELETE("/sessions/:id", handlers.DeleteSession)

	router.GET("/ws/:sessionId", wsHandler.HandleConnection)

	return router
}

// Handler returns the root HTTP handler. Responses are gzip-compressed
// except on the WebSocket route, which must reach the upgrader untouched.
func (s *Server) Handler() http.Handler {
	gz := gzhttp.GzipHandler(s.router)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/") {
			s.router.ServeHTTP(w, r)
			return
		}
		gz.ServeHTTP(w, r)
	})
}

// Sessions exposes the session service
func (s *Server) Sessions() *session.Service {
	return s.sessions
}

// Run serves HTTP and, when configured, the gRPC health listener until ctx
// is done, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Server.Host, s.config.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.sessions.RunSweeper(s.ctx, s.config.Directory.SweepInterval)
	}()
	go func() {
		defer s.wg.Done()
		s.watchHealth(s.ctx, s.config.Directory.SweepInterval)
	}()

	errCh := make(chan error, 2)
	if s.config.GRPC.Address != "" {
		lis, err := net.Listen("tcp", s.config.GRPC.Address)
		if err != nil {
			s.cancel()
			s.wg.Wait()
			return fmt.Errorf("grpc listen: %w", err)
		}
		s.grpc = s.newGRPCServer()
		s.logger.Info("Starting gRPC health server", zap.String("addr", lis.Addr().String()))
		go func() {
			if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		s.logger.Error("Server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	if err := s.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (s *Server) newGRPCServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(tracing.GRPCUnaryInterceptor(s.tracer), s.countUnary),
		grpc.ChainStreamInterceptor(tracing.GRPCStreamInterceptor(s.tracer)),
	)
	healthpb.RegisterHealthServer(srv, s.health)
	return srv
}

func (s *Server) countUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordGRPCCall(info.FullMethod, status)
	return resp, err
}

// watchHealth mirrors directory reachability into the gRPC health status.
func (s *Server) watchHealth(ctx context.Context, interval time.Duration) {
	check := func() {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := s.sessions.Ping(pctx)
		cancel()
		st := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Warn("Directory unreachable", zap.Error(err))
		}
		s.health.SetServingStatus("", st)
		s.health.SetServingStatus(HealthService, st)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

// Close stops background work, ends every local session and releases the
// directory. Safe to call once after Run or instead of it.
func (s *Server) Close(ctx context.Context) error {
	s.logger.Info("Shutting down server...")

	s.health.Shutdown()
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	s.cancel()
	s.wg.Wait()

	s.sessions.Shutdown(ctx)

	var err error
	if cerr := s.dir.Close(); cerr != nil {
		s.logger.Error("Failed to close directory", zap.Error(cerr))
		err = fmt.Errorf("close directory: %w", cerr)
	}
	s.tracer.Close()

	// Sync logger before exit
	_ = s.logger.Sync()
	return err
}
