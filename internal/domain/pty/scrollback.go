package pty

// Scrollback keeps the most recent output of a terminal so a reattaching
// client can repaint. Not safe for concurrent use; Handle guards it.
type Scrollback struct {
	buf  []byte
	pos  int
	full bool
}

// NewScrollback creates a scrollback holding at most size bytes.
// A size of zero disables it.
func NewScrollback(size int) *Scrollback {
	if size < 0 {
		size = 0
	}
	return &Scrollback{buf: make([]byte, size)}
}

// Write appends p, discarding the oldest bytes beyond capacity.
func (s *Scrollback) Write(p []byte) {
	size := len(s.buf)
	if size == 0 || len(p) == 0 {
		return
	}
	if len(p) >= size {
		copy(s.buf, p[len(p)-size:])
		s.pos = 0
		s.full = true
		return
	}

	end := s.pos + len(p)
	n := copy(s.buf[s.pos:], p)
	copy(s.buf, p[n:])
	if end >= size {
		s.full = true
	}
	s.pos = end % size
}

// Len returns the number of buffered bytes.
func (s *Scrollback) Len() int {
	if s.full {
		return len(s.buf)
	}
	return s.pos
}

// Snapshot returns a copy of the buffered bytes, oldest first.
// Unlike a read it leaves the buffer intact.
func (s *Scrollback) Snapshot() []byte {
	if !s.full {
		out := make([]byte, s.pos)
		copy(out, s.buf[:s.pos])
		return out
	}
	out := make([]byte, 0, len(s.buf))
	out = append(out, s.buf[s.pos:]...)
	return append(out, s.buf[:s.pos]...)
}
