package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Directory.
type MemoryStore struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

var _ Directory = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory directory.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

func (m *MemoryStore) Save(ctx context.Context, s *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.ID == "" {
		return fmt.Errorf("save session: id is required")
	}
	now := m.opts.Now()
	rec := s.Clone()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastActivityAt.IsZero() {
		rec.LastActivityAt = now
	}
	rec.CreatedAt = normalize(rec.CreatedAt)
	rec.LastActivityAt = normalize(rec.LastActivityAt)
	rec.UpdatedAt = normalize(now)
	rec.ExpiresAt = normalize(now.Add(m.opts.TTL))

	m.mu.Lock()
	m.sessions[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, patch Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := m.opts.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok || m.expired(rec, now) {
		return fmt.Errorf("update session %s: %w", id, ErrNotFound)
	}
	patch.Apply(rec)
	rec.UpdatedAt = normalize(now)
	rec.ExpiresAt = normalize(now.Add(m.opts.TTL))
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok || m.expired(rec, m.opts.Now()) {
		return nil, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListByProject(ctx context.Context, projectID string) ([]*Session, error) {
	return m.filter(ctx, func(s *Session) bool { return s.ProjectID == projectID })
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	return m.filter(ctx, func(s *Session) bool { return s.UserID == userID })
}

func (m *MemoryStore) ListStale(ctx context.Context, before time.Time) ([]*Session, error) {
	return m.filter(ctx, func(s *Session) bool {
		return s.Status == StatusActive && s.UpdatedAt.Before(before)
	})
}

func (m *MemoryStore) PurgeExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := m.opts.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, rec := range m.sessions {
		if m.expired(rec, now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) expired(s *Session, now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

func (m *MemoryStore) filter(ctx context.Context, keep func(*Session) bool) ([]*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := m.opts.Now()
	m.mu.RLock()
	out := make([]*Session, 0)
	for _, rec := range m.sessions {
		if !m.expired(rec, now) && keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	m.mu.RUnlock()
	sortSessions(out)
	return out, nil
}

func sortSessions(s []*Session) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].ID < s[j].ID
		}
		return s[i].CreatedAt.Before(s[j].CreatedAt)
	})
}
