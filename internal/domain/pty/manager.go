package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/infrastructure/logging"
	"github.com/creack/pty"
	"go.uber.org/zap"
)

var (
	// ErrSpawn wraps every failure to start the shell process.
	ErrSpawn = errors.New("failed to spawn terminal process")
	// ErrExists is returned when a live handle already owns the id.
	ErrExists = errors.New("terminal session already exists")
	// ErrNotFound is returned for ids with no local handle.
	ErrNotFound = errors.New("terminal session not found")
)

// drainTimeout bounds how long the waiter lets the reader flush the tail
// of the output before firing exit callbacks. A background job holding the
// slave side open would otherwise keep the reader alive forever.
const drainTimeout = 500 * time.Millisecond

// Config configures a Manager.
type Config struct {
	// Shell used when Options.Shell is empty; falls back to $SHELL then /bin/bash.
	Shell string
	// ScrollbackBytes per handle; zero disables replay.
	ScrollbackBytes int
}

// Options describes one process to spawn.
type Options struct {
	Cols  int
	Rows  int
	Cwd   string
	Env   map[string]string
	Shell string
	Args  []string
}

// Stats holds aggregate counters for observability.
type Stats struct {
	Active    int    `json:"active"`
	Created   uint64 `json:"created"`
	Exited    uint64 `json:"exited"`
	Destroyed uint64 `json:"destroyed"`
	Failed    uint64 `json:"failed"`
}

// Manager owns every PTY process of this instance.
type Manager struct {
	cfg    Config
	logger *logging.Logger

	mu      sync.RWMutex
	handles map[string]*Handle
	pending map[string]struct{}
	stats   Stats
}

// NewManager creates a new process manager
func NewManager(cfg Config, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		logger:  logger.Named("pty"),
		handles: make(map[string]*Handle),
		pending: make(map[string]struct{}),
	}
}

// Create spawns a shell for id. The spawn happens outside the manager
// lock; a reservation keeps a concurrent Create for the same id out.
func (m *Manager) Create(id, projectID, userID string, opts Options) (*Handle, error) {
	m.mu.Lock()
	if _, ok := m.handles[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	if _, ok := m.pending[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	m.pending[id] = struct{}{}
	m.mu.Unlock()

	opts = m.withDefaults(opts)
	h := newHandle(id, projectID, userID, opts, m.cfg.ScrollbackBytes)
	err := m.spawn(h, opts)

	m.mu.Lock()
	delete(m.pending, id)
	if err != nil {
		m.stats.Failed++
		m.mu.Unlock()
		m.logger.Warn("spawn failed",
			logging.SessionID(id),
			zap.String("shell", opts.Shell),
			zap.String("cwd", opts.Cwd),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	m.handles[id] = h
	m.stats.Created++
	m.mu.Unlock()

	go m.readLoop(h)
	go m.wait(h)

	m.logger.Info("spawned",
		logging.SessionID(id),
		zap.String("project_id", projectID),
		zap.Int("pid", h.cmd.Process.Pid),
		zap.String("cwd", opts.Cwd),
	)
	return h, nil
}

func (m *Manager) withDefaults(opts Options) Options {
	if opts.Shell == "" {
		opts.Shell = m.cfg.Shell
	}
	if opts.Shell == "" {
		opts.Shell = os.Getenv("SHELL")
	}
	if opts.Shell == "" {
		opts.Shell = "/bin/bash"
	}
	if opts.Cwd == "" {
		opts.Cwd = os.Getenv("HOME")
	}
	if opts.Cwd == "" {
		opts.Cwd = "/tmp"
	}
	if opts.Cols <= 0 {
		opts.Cols = 80
	}
	if opts.Rows <= 0 {
		opts.Rows = 24
	}
	return opts
}

func (m *Manager) spawn(h *Handle, opts Options) error {
	cmd := exec.Command(opts.Shell, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = mergeEnv(os.Environ(), opts.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(opts.Rows),
		Cols: uint16(opts.Cols),
	})
	if err != nil {
		return err
	}
	h.cmd = cmd
	h.ptmx = ptmx
	return nil
}

// mergeEnv overlays extra on base, forcing a color-capable TERM.
// Later entries win, so overrides replace inherited values.
func mergeEnv(base []string, extra map[string]string) []string {
	index := make(map[string]int, len(base)+len(extra)+1)
	out := make([]string, 0, len(base)+len(extra)+1)
	set := func(k, v string) {
		kv := k + "=" + v
		if i, ok := index[k]; ok {
			out[i] = kv
			return
		}
		index[k] = len(out)
		out = append(out, kv)
	}

	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		set(k, v)
	}
	set("TERM", "xterm-256color")

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		set(k, extra[k])
	}
	return out
}

func (m *Manager) readLoop(h *Handle) {
	defer close(h.readerDone)

	buf := make([]byte, 32*1024)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.deliver(chunk)
		}
		if err != nil {
			// EIO once the child side is gone; EOF/closed after Destroy
			return
		}
	}
}

func (m *Manager) wait(h *Handle) {
	err := h.cmd.Wait()
	code := -1
	if h.cmd.ProcessState != nil {
		code = h.cmd.ProcessState.ExitCode()
	}

	select {
	case <-h.readerDone:
	case <-time.After(drainTimeout):
	}
	_ = h.ptmx.Close()

	m.mu.Lock()
	if cur, ok := m.handles[h.ID]; ok && cur == h {
		delete(m.handles, h.ID)
	}
	m.mu.Unlock()

	subs := h.close(code)
	if subs != nil {
		m.mu.Lock()
		m.stats.Exited++
		m.mu.Unlock()

		m.logger.Info("process exited",
			logging.SessionID(h.ID),
			zap.Int("exit_code", code),
			zap.NamedError("wait_error", err),
		)
		for _, cb := range subs {
			cb(code)
		}
	}
	close(h.done)
}

func (m *Manager) lookup(id string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[id]
	return h, ok
}

// Write forwards input verbatim. False when the id is not live here.
func (m *Manager) Write(id string, data []byte) bool {
	h, ok := m.lookup(id)
	if !ok || h.isClosed() {
		return false
	}

	h.writeMu.Lock()
	_, err := h.ptmx.Write(data)
	h.writeMu.Unlock()
	if err != nil {
		m.logger.Debug("write failed", logging.SessionID(id), zap.Error(err))
		return false
	}
	h.touch()
	return true
}

// Resize applies new dimensions. Bounds are the caller's concern.
func (m *Manager) Resize(id string, cols, rows int) bool {
	h, ok := m.lookup(id)
	if !ok {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if err := pty.Setsize(h.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		m.logger.Debug("resize failed", logging.SessionID(id), zap.Error(err))
		return false
	}
	h.cols = cols
	h.rows = rows
	h.lastActivity = time.Now()
	return true
}

// Destroy kills the process and clears its subscribers. Exit subscribers
// are not notified. Returns false if the id was not live.
func (m *Manager) Destroy(id string) bool {
	m.mu.Lock()
	h, ok := m.handles[id]
	if ok {
		delete(m.handles, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	if h.close(-1) == nil {
		// exit already being reported by the waiter
		return false
	}

	m.mu.Lock()
	m.stats.Destroyed++
	m.mu.Unlock()

	killProcess(h.cmd)
	_ = h.ptmx.Close()

	m.logger.Info("destroyed", logging.SessionID(id))
	return true
}

// OnData subscribes to output chunks. The callback must not block.
func (m *Manager) OnData(id string, cb func([]byte)) (unsubscribe func(), ok bool) {
	h, found := m.lookup(id)
	if !found {
		return func() {}, false
	}
	return h.addData(cb, false)
}

// OnDataReplay is OnData that first hands cb the buffered scrollback,
// with no gap or overlap against the live chunks that follow.
func (m *Manager) OnDataReplay(id string, cb func([]byte)) (unsubscribe func(), ok bool) {
	h, found := m.lookup(id)
	if !found {
		return func() {}, false
	}
	return h.addData(cb, true)
}

// OnExit subscribes to the process exit. Fired at most once.
func (m *Manager) OnExit(id string, cb func(code int)) (unsubscribe func(), ok bool) {
	h, found := m.lookup(id)
	if !found {
		return func() {}, false
	}
	return h.addExit(cb)
}

// Lookup returns the live handle for id.
func (m *Manager) Lookup(id string) (*Handle, bool) {
	return m.lookup(id)
}

// Has reports whether id is live on this instance.
func (m *Manager) Has(id string) bool {
	_, ok := m.lookup(id)
	return ok
}

// Get returns a snapshot of a live handle.
func (m *Manager) Get(id string) (Info, bool) {
	h, ok := m.lookup(id)
	if !ok {
		return Info{}, false
	}
	return h.Info(), true
}

// List returns snapshots of all live handles, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of live and reserved handles.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handles) + len(m.pending)
}

// Stats returns aggregate counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	s.Active = len(m.handles)
	return s
}

// Shutdown destroys every live process.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Destroy(id)
	}
}
