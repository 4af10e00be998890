package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/chat"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/directory"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/protocol"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/pty"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/shared/id"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrCapacity     = errors.New("gateway at capacity")
	ErrWrongGateway = errors.New("session is owned by another gateway")
	ErrInvalid      = errors.New("invalid session request")
)

// Config for a Service
type Config struct {
	GatewayID      string
	MaxSessions    int
	DefaultCwd     string
	DefaultCols    int
	DefaultRows    int
	EnvAllow       []string
	StaleAfter     time.Duration
	IdleEvictAfter time.Duration
	PersistTimeout time.Duration
	// RecordTTL mirrors the directory TTL so local records report the
	// same expiry as stored rows.
	RecordTTL      time.Duration
	Now            func() time.Time
}

func (c Config) withDefaults() Config {
	if c.GatewayID == "" {
		c.GatewayID = id.NewGatewayID().String()
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 100
	}
	if c.DefaultCwd == "" {
		c.DefaultCwd = os.TempDir()
	}
	if c.DefaultCols <= 0 {
		c.DefaultCols = 80
	}
	if c.DefaultRows <= 0 {
		c.DefaultRows = 24
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.IdleEvictAfter <= 0 {
		c.IdleEvictAfter = 30 * time.Minute
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// WorkingDirResolver maps a project to the directory its shells start in.
type WorkingDirResolver interface {
	WorkingDir(ctx context.Context, projectID string) (string, error)
}

// Deps are the collaborators of a Service. Projects, Logger and Metrics may be nil.
type Deps struct {
	PTY       *pty.Manager
	Directory directory.Directory
	Chat      *chat.Bridge
	Projects  WorkingDirResolver
	Logger    *logging.Logger
	Metrics   *monitoring.Metrics
}

// CreateRequest describes a session to ensure. Zero fields take defaults;
// an empty ID generates one.
type CreateRequest struct {
	ID        string
	ProjectID string
	UserID    string
	DevEnvID  string
	Cols      int
	Rows      int
	Cwd       string
	Env       map[string]string
}

// local is the state kept for a session whose process lives here.
type local struct {
	handle    *pty.Handle
	rec       *directory.Session
	conns     int
	idleSince time.Time
}

// Service owns the sessions of one gateway instance.
type Service struct {
	cfg      Config
	ptys     *pty.Manager
	dir      directory.Directory
	bridge   *chat.Bridge
	projects WorkingDirResolver
	env      envFilter
	log      *logging.Logger
	metrics  *monitoring.Metrics

	group singleflight.Group

	mu       sync.Mutex
	locals   map[string]*local
	reserved int

	writes sync.WaitGroup
}

// NewService creates a session service
func NewService(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()
	log := deps.Logger
	if log == nil {
		log = logging.NewNop()
	}
	return &Service{
		cfg:      cfg,
		ptys:     deps.PTY,
		dir:      deps.Directory,
		bridge:   deps.Chat,
		projects: deps.Projects,
		env:      newEnvFilter(cfg.EnvAllow),
		log:      log.Named("session").With(zap.String("gateway_id", cfg.GatewayID)),
		metrics:  deps.Metrics,
		locals:   make(map[string]*local),
	}
}

// GatewayID identifies this instance in directory records
func (s *Service) GatewayID() string {
	return s.cfg.GatewayID
}

// Ensure returns the live session for req.ID, spawning it if needed.
// Concurrent calls for one id share a single spawn.
func (s *Service) Ensure(ctx context.Context, req CreateRequest) (*directory.Session, error) {
	return s.ensure(ctx, req, "eager")
}

func (s *Service) ensure(ctx context.Context, req CreateRequest, path string) (*directory.Session, error) {
	if req.ID == "" {
		req.ID = id.NewSessionID().String()
	} else if err := id.ValidateSessionID(req.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if req.Cols < 0 || req.Rows < 0 || req.Cols > protocol.MaxCols || req.Rows > protocol.MaxRows {
		return nil, fmt.Errorf("%w: invalid dimensions", ErrInvalid)
	}
	if req.Cwd != "" && !filepath.IsAbs(req.Cwd) {
		return nil, fmt.Errorf("%w: cwd must be absolute", ErrInvalid)
	}
	if keys := s.env.rejected(req.Env); len(keys) > 0 {
		return nil, fmt.Errorf("%w: env not permitted: %s", ErrInvalid, strings.Join(keys, ", "))
	}

	if rec, ok := s.localRecord(req.ID); ok {
		return rec, nil
	}

	// The spawn outlives a caller that gives up; other waiters still need it
	v, err, _ := s.group.Do(req.ID, func() (any, error) {
		return s.create(context.WithoutCancel(ctx), req, path)
	})
	if err != nil {
		return nil, err
	}
	return v.(*directory.Session).Clone(), nil
}

func (s *Service) create(ctx context.Context, req CreateRequest, path string) (*directory.Session, error) {
	if rec, ok := s.localRecord(req.ID); ok {
		return rec, nil
	}

	prev := s.lookupRemote(ctx, req.ID)
	if prev != nil && s.ownedElsewhere(prev) {
		s.metrics.IncRejections("wrong_gateway")
		return nil, fmt.Errorf("%w: %s", ErrWrongGateway, prev.GatewayID)
	}

	if !s.reserve() {
		s.metrics.IncRejections("capacity")
		s.log.Warn("session rejected at capacity",
			logging.SessionID(req.ID),
			zap.Int("max_sessions", s.cfg.MaxSessions))
		return nil, ErrCapacity
	}

	rec := s.newRecord(req, prev)
	cwd := s.resolveCwd(ctx, req.Cwd, rec.ProjectID)

	h, err := s.ptys.Create(req.ID, rec.ProjectID, rec.UserID, pty.Options{
		Cols: rec.Cols,
		Rows: rec.Rows,
		Cwd:  cwd,
		Env:  req.Env,
	})
	if err != nil {
		s.unreserve()
		s.metrics.IncSpawnFailures()
		return nil, err
	}

	if _, ok := s.ptys.OnExit(req.ID, func(code int) { s.onExit(req.ID, h, code) }); !ok {
		s.unreserve()
		s.metrics.IncSpawnFailures()
		return nil, fmt.Errorf("%w: process exited during startup", pty.ErrSpawn)
	}

	s.mu.Lock()
	s.reserved--
	s.locals[req.ID] = &local{handle: h, rec: rec, idleSince: rec.CreatedAt}
	active := len(s.locals)
	snapshot := rec.Clone()
	s.mu.Unlock()

	s.metrics.IncSessionsCreated(path)
	s.metrics.SetSessionsActive(active)

	if s.bridge != nil && rec.AgentName != "" {
		s.bridge.SetAgentConfig(req.ID, chat.AgentConfig{
			AgentName: rec.AgentName,
			Provider:  rec.Provider,
			Model:     rec.Model,
		})
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	if err := s.dir.Save(wctx, snapshot); err != nil {
		s.metrics.IncDirectoryErrors("save")
		s.log.Warn("failed to save session record", logging.SessionID(req.ID), zap.Error(err))
	}
	cancel()

	// The exit callback may have fired before the local entry existed, or
	// deleted the row before Save wrote it. Exited flips before callbacks
	// run, so checking it after the save catches both; onExit is idempotent.
	if h.Exited() {
		s.onExit(req.ID, h, h.ExitCode())
		s.deleteRecord(req.ID)
	}

	s.log.Info("session started",
		logging.SessionID(req.ID),
		zap.String("project_id", rec.ProjectID),
		zap.String("path", path),
		zap.String("cwd", cwd))
	return snapshot, nil
}

func (s *Service) newRecord(req CreateRequest, prev *directory.Session) *directory.Session {
	now := s.cfg.Now()
	rec := &directory.Session{
		ID:             req.ID,
		ProjectID:      req.ProjectID,
		UserID:         req.UserID,
		DevEnvID:       req.DevEnvID,
		Status:         directory.StatusActive,
		Cols:           req.Cols,
		Rows:           req.Rows,
		GatewayID:      s.cfg.GatewayID,
		CreatedAt:      now,
		LastActivityAt: now,
		AIChatEnabled:  true,
	}
	s.stamp(rec, now)
	if prev != nil {
		// A reconnect to a record whose process is gone keeps its metadata
		rec.CreatedAt = prev.CreatedAt
		rec.AgentName = prev.AgentName
		rec.Provider = prev.Provider
		rec.Model = prev.Model
		rec.LinkedCardID = prev.LinkedCardID
		rec.AIChatEnabled = prev.AIChatEnabled
		if rec.ProjectID == "" {
			rec.ProjectID = prev.ProjectID
		}
		if rec.UserID == "" {
			rec.UserID = prev.UserID
		}
		if rec.DevEnvID == "" {
			rec.DevEnvID = prev.DevEnvID
		}
		if rec.Cols == 0 && rec.Rows == 0 {
			rec.Cols, rec.Rows = prev.Cols, prev.Rows
		}
	}
	if rec.Cols == 0 {
		rec.Cols = s.cfg.DefaultCols
	}
	if rec.Rows == 0 {
		rec.Rows = s.cfg.DefaultRows
	}
	return rec
}

// stamp sets the write and expiry times the directory would assign.
func (s *Service) stamp(rec *directory.Session, now time.Time) {
	rec.UpdatedAt = now
	rec.ExpiresAt = now.Add(s.cfg.RecordTTL)
}

func (s *Service) resolveCwd(ctx context.Context, requested, projectID string) string {
	if requested != "" {
		if isDir(requested) {
			return requested
		}
		s.log.Warn("requested cwd unavailable, using default", zap.String("cwd", requested))
		return s.cfg.DefaultCwd
	}
	if s.projects != nil && projectID != "" {
		dir, err := s.projects.WorkingDir(ctx, projectID)
		switch {
		case err != nil:
			s.log.Warn("project lookup failed, using default cwd",
				zap.String("project_id", projectID), zap.Error(err))
		case dir != "" && isDir(dir):
			return dir
		}
	}
	return s.cfg.DefaultCwd
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func (s *Service) reserve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.locals)+s.reserved >= s.cfg.MaxSessions {
		return false
	}
	s.reserved++
	return true
}

func (s *Service) unreserve() {
	s.mu.Lock()
	s.reserved--
	s.mu.Unlock()
}

// lookupRemote reads the directory, treating an unreachable store as empty.
func (s *Service) lookupRemote(ctx context.Context, sessionID string) *directory.Session {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.PersistTimeout)
	defer cancel()

	rec, err := s.dir.Get(rctx, sessionID)
	if err != nil {
		if !errors.Is(err, directory.ErrNotFound) {
			s.metrics.IncDirectoryErrors("get")
			s.log.Warn("directory lookup failed", logging.SessionID(sessionID), zap.Error(err))
		}
		return nil
	}
	return rec
}

// ownedElsewhere reports whether a live gateway other than this one holds rec.
func (s *Service) ownedElsewhere(rec *directory.Session) bool {
	return rec.Status == directory.StatusActive &&
		rec.GatewayID != "" &&
		rec.GatewayID != s.cfg.GatewayID &&
		s.cfg.Now().Sub(rec.UpdatedAt) < s.cfg.StaleAfter
}

func (s *Service) localRecord(sessionID string) (*directory.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locals[sessionID]
	if !ok {
		return nil, false
	}
	return l.rec.Clone(), true
}

// Attach binds a connection to a session. A session not live here is
// created lazily when projectID is given.
func (s *Service) Attach(ctx context.Context, sessionID, projectID, userID string) (*directory.Session, *pty.Handle, error) {
	if err := id.ValidateSessionID(sessionID); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if rec, h, ok := s.attachLocal(sessionID); ok {
		return rec, h, nil
	}

	if projectID == "" {
		if rec := s.lookupRemote(ctx, sessionID); rec != nil && s.ownedElsewhere(rec) {
			s.metrics.IncRejections("wrong_gateway")
			return nil, nil, fmt.Errorf("%w: %s", ErrWrongGateway, rec.GatewayID)
		}
		s.metrics.IncRejections("not_found")
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	if _, err := s.ensure(ctx, CreateRequest{ID: sessionID, ProjectID: projectID, UserID: userID}, "lazy"); err != nil {
		return nil, nil, err
	}
	if rec, h, ok := s.attachLocal(sessionID); ok {
		return rec, h, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
}

func (s *Service) attachLocal(sessionID string) (*directory.Session, *pty.Handle, bool) {
	s.mu.Lock()
	l, ok := s.locals[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, nil, false
	}
	l.conns++
	var patch directory.Patch
	if l.conns == 1 && l.rec.Status != directory.StatusActive {
		patch = directory.Patch{
			Status:         directory.Ptr(directory.StatusActive),
			LastActivityAt: directory.Ptr(s.cfg.Now()),
		}
	}
	rec, h := l.rec.Clone(), l.handle
	s.mu.Unlock()

	// Chat state is dropped when the last connection leaves; bring back
	// the recorded agent for the next one
	if s.bridge != nil && rec.AgentName != "" {
		if _, ok := s.bridge.AgentConfig(sessionID); !ok {
			s.bridge.SetAgentConfig(sessionID, chat.AgentConfig{
				AgentName: rec.AgentName,
				Provider:  rec.Provider,
				Model:     rec.Model,
			})
		}
	}

	if !patch.IsEmpty() {
		s.persist(sessionID, "attach", patch)
		patch.Apply(rec)
	}
	return rec, h, true
}

// Detach releases a connection. The last one marks the session
// disconnected and reports true.
func (s *Service) Detach(sessionID string) bool {
	s.mu.Lock()
	l, ok := s.locals[sessionID]
	if !ok || l.conns == 0 {
		s.mu.Unlock()
		return false
	}
	l.conns--
	last := l.conns == 0
	if last {
		l.idleSince = s.cfg.Now()
	}
	s.mu.Unlock()

	if last {
		s.persist(sessionID, "detach", directory.Patch{
			Status:         directory.Ptr(directory.StatusDisconnected),
			LastActivityAt: directory.Ptr(s.cfg.Now()),
		})
	}
	return last
}

// Subscribe streams output of a local session, starting with its scrollback.
func (s *Service) Subscribe(sessionID string, cb func([]byte)) (unsubscribe func(), ok bool) {
	return s.ptys.OnDataReplay(sessionID, cb)
}

// Terminate destroys the process and deletes the record.
func (s *Service) Terminate(ctx context.Context, sessionID string) error {
	if s.end(sessionID, "terminated") {
		return nil
	}

	rec, err := s.dir.Get(ctx, sessionID)
	if errors.Is(err, directory.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		s.metrics.IncDirectoryErrors("get")
		return fmt.Errorf("lookup session: %w", err)
	}
	if s.ownedElsewhere(rec) {
		return fmt.Errorf("%w: %s", ErrWrongGateway, rec.GatewayID)
	}

	// No process anywhere; the record is all that is left
	s.deleteRecord(sessionID)
	if s.bridge != nil {
		s.bridge.Cleanup(sessionID)
	}
	s.log.Info("orphaned session record removed", logging.SessionID(sessionID))
	return nil
}

// end tears down a local session. False when the id is not live here.
func (s *Service) end(sessionID, reason string) bool {
	s.mu.Lock()
	_, ok := s.locals[sessionID]
	delete(s.locals, sessionID)
	active := len(s.locals)
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.ptys.Destroy(sessionID)
	s.deleteRecord(sessionID)
	if s.bridge != nil {
		s.bridge.Cleanup(sessionID)
	}
	s.metrics.IncSessionsEnded(reason)
	s.metrics.SetSessionsActive(active)
	s.log.Info("session ended", logging.SessionID(sessionID), zap.String("reason", reason))
	return true
}

func (s *Service) onExit(sessionID string, h *pty.Handle, code int) {
	s.mu.Lock()
	l, ok := s.locals[sessionID]
	if !ok || l.handle != h {
		s.mu.Unlock()
		return
	}
	delete(s.locals, sessionID)
	active := len(s.locals)
	s.mu.Unlock()

	s.deleteRecord(sessionID)
	if s.bridge != nil {
		s.bridge.Cleanup(sessionID)
	}
	s.metrics.IncSessionsEnded("exit")
	s.metrics.SetSessionsActive(active)
	s.log.Info("session process exited", logging.SessionID(sessionID), zap.Int("exit_code", code))
}

func (s *Service) deleteRecord(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	if err := s.dir.Delete(ctx, sessionID); err != nil {
		s.metrics.IncDirectoryErrors("delete")
		s.log.Warn("failed to delete session record", logging.SessionID(sessionID), zap.Error(err))
	}
}

// persist applies patch to the local record and writes it in the
// background. Ids not live here are ignored: only the owner writes.
func (s *Service) persist(sessionID, op string, patch directory.Patch) {
	s.mu.Lock()
	l, ok := s.locals[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	patch.Apply(l.rec)
	s.stamp(l.rec, s.cfg.Now())
	snapshot := l.rec.Clone()
	s.mu.Unlock()

	s.writes.Add(1)
	go func() {
		defer s.writes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
		defer cancel()

		err := s.dir.Update(ctx, sessionID, patch)
		if errors.Is(err, directory.ErrNotFound) && s.isLocal(sessionID) {
			// Row expired or was lost; the owner rewrites it whole
			err = s.dir.Save(ctx, snapshot)
		}
		if err != nil {
			s.metrics.IncDirectoryErrors(op)
			s.log.Warn("directory write failed",
				logging.SessionID(sessionID),
				zap.String("op", op),
				zap.Error(err))
		}
	}()
}

func (s *Service) isLocal(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locals[sessionID]
	return ok
}

// Wait blocks until background directory writes have finished.
func (s *Service) Wait() {
	s.writes.Wait()
}

// Shutdown kills every local process and removes its record.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.locals))
	for sid := range s.locals {
		ids = append(ids, sid)
	}
	s.mu.Unlock()

	for _, sid := range ids {
		if ctx.Err() != nil {
			break
		}
		s.end(sid, "shutdown")
	}
	s.ptys.Shutdown()

	done := make(chan struct{})
	go func() {
		s.writes.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("shutdown timed out waiting for directory writes")
	}
}
