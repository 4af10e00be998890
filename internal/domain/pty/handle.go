package pty

import (
	"os"
	"os/exec"
	"sync"
	"time"
)

// Handle is the in-memory side of one live terminal session.
type Handle struct {
	ID        string
	ProjectID string
	UserID    string
	Shell     string
	Cwd       string
	CreatedAt time.Time

	cmd  *exec.Cmd
	ptmx *os.File

	writeMu sync.Mutex

	mu           sync.Mutex
	cols         int
	rows         int
	lastActivity time.Time
	closed       bool
	nextSub      uint64
	dataSubs     map[uint64]func([]byte)
	exitSubs     map[uint64]func(int)
	scrollback   *Scrollback

	readerDone chan struct{}
	done       chan struct{}
	exitCode   int
}

// Info is a point-in-time copy of a handle's state.
type Info struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"projectId"`
	UserID         string    `json:"userId"`
	Pid            int       `json:"pid"`
	Shell          string    `json:"shell"`
	Cwd            string    `json:"cwd"`
	Cols           int       `json:"cols"`
	Rows           int       `json:"rows"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Subscribers    int       `json:"subscribers"`
}

func newHandle(id, projectID, userID string, opts Options, scrollback int) *Handle {
	now := time.Now()
	return &Handle{
		ID:           id,
		ProjectID:    projectID,
		UserID:       userID,
		Shell:        opts.Shell,
		Cwd:          opts.Cwd,
		CreatedAt:    now,
		cols:         opts.Cols,
		rows:         opts.Rows,
		lastActivity: now,
		dataSubs:     make(map[uint64]func([]byte)),
		exitSubs:     make(map[uint64]func(int)),
		scrollback:   NewScrollback(scrollback),
		readerDone:   make(chan struct{}),
		done:         make(chan struct{}),
		exitCode:     -1,
	}
}

// Info returns a snapshot of the handle.
func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()

	pid := 0
	if h.cmd != nil && h.cmd.Process != nil {
		pid = h.cmd.Process.Pid
	}
	return Info{
		ID:             h.ID,
		ProjectID:      h.ProjectID,
		UserID:         h.UserID,
		Pid:            pid,
		Shell:          h.Shell,
		Cwd:            h.Cwd,
		Cols:           h.cols,
		Rows:           h.rows,
		CreatedAt:      h.CreatedAt,
		LastActivityAt: h.lastActivity,
		Subscribers:    len(h.dataSubs),
	}
}

// Size returns the current terminal dimensions.
func (h *Handle) Size() (cols, rows int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

// Done is closed once the process has exited or been destroyed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode is valid after Done is closed; -1 when killed or unknown.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Exited reports whether the process has ended. It turns true before exit
// callbacks run, while Done closes after them.
func (h *Handle) Exited() bool {
	return h.isClosed()
}

func (h *Handle) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

// deliver records a chunk and fans it out to a snapshot of subscribers.
// Callbacks run outside the lock so a subscriber may unsubscribe itself.
func (h *Handle) deliver(chunk []byte) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.scrollback.Write(chunk)
	h.lastActivity = time.Now()
	subs := make([]func([]byte), 0, len(h.dataSubs))
	for _, cb := range h.dataSubs {
		subs = append(subs, cb)
	}
	h.mu.Unlock()

	for _, cb := range subs {
		cb(chunk)
	}
}

func (h *Handle) addData(cb func([]byte), replay bool) (func(), bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return func() {}, false
	}
	if replay {
		// Under the lock no chunk can land between the replay and the first live delivery
		if snap := h.scrollback.Snapshot(); len(snap) > 0 {
			cb(snap)
		}
	}
	h.nextSub++
	key := h.nextSub
	h.dataSubs[key] = cb
	return func() {
		h.mu.Lock()
		delete(h.dataSubs, key)
		h.mu.Unlock()
	}, true
}

func (h *Handle) addExit(cb func(int)) (func(), bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return func() {}, false
	}
	h.nextSub++
	key := h.nextSub
	h.exitSubs[key] = cb
	return func() {
		h.mu.Lock()
		delete(h.exitSubs, key)
		h.mu.Unlock()
	}, true
}

// close marks the handle closed and drops all subscribers. It returns the
// exit subscribers that were registered, or nil if it was already closed.
func (h *Handle) close(code int) []func(int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.exitCode = code
	subs := make([]func(int), 0, len(h.exitSubs))
	for _, cb := range h.exitSubs {
		subs = append(subs, cb)
	}
	h.dataSubs = map[uint64]func([]byte){}
	h.exitSubs = map[uint64]func(int){}
	return subs
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
