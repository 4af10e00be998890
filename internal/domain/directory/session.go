package directory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for unknown or expired session ids.
var ErrNotFound = errors.New("session not found in directory")

// Status of a session record
type Status string

const (
	StatusActive       Status = "active"
	StatusDisconnected Status = "disconnected"
	StatusTerminated   Status = "terminated"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDisconnected, StatusTerminated:
		return true
	}
	return false
}

// Session is the durable record of one terminal session.
// While Status is active, GatewayID names the instance holding the process.
type Session struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"projectId"`
	UserID         string    `json:"userId"`
	DevEnvID       string    `json:"devEnvId,omitempty"`
	Status         Status    `json:"status"`
	Cols           int       `json:"cols"`
	Rows           int       `json:"rows"`
	GatewayID      string    `json:"gatewayId"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	AgentName      string    `json:"agentName,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	Model          string    `json:"model,omitempty"`
	LinkedCardID   string    `json:"linkedCardId,omitempty"`
	AIChatEnabled  bool      `json:"aiChatEnabled"`
}

// Clone returns a copy safe to hand out.
func (s *Session) Clone() *Session {
	c := *s
	return &c
}

// Patch names the fields an Update changes. Nil fields are left alone.
// An empty Patch only refreshes the record (heartbeat).
type Patch struct {
	Status         *Status
	Cols           *int
	Rows           *int
	GatewayID      *string
	LastActivityAt *time.Time
	AgentName      *string
	Provider       *string
	Model          *string
	LinkedCardID   *string
	AIChatEnabled  *bool
}

// IsEmpty reports whether the patch changes no field.
func (p Patch) IsEmpty() bool {
	return p == Patch{}
}

// Apply writes the patch onto s.
func (p Patch) Apply(s *Session) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Cols != nil {
		s.Cols = *p.Cols
	}
	if p.Rows != nil {
		s.Rows = *p.Rows
	}
	if p.GatewayID != nil {
		s.GatewayID = *p.GatewayID
	}
	if p.LastActivityAt != nil {
		s.LastActivityAt = normalize(*p.LastActivityAt)
	}
	if p.AgentName != nil {
		s.AgentName = *p.AgentName
	}
	if p.Provider != nil {
		s.Provider = *p.Provider
	}
	if p.Model != nil {
		s.Model = *p.Model
	}
	if p.LinkedCardID != nil {
		s.LinkedCardID = *p.LinkedCardID
	}
	if p.AIChatEnabled != nil {
		s.AIChatEnabled = *p.AIChatEnabled
	}
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}

// Directory is the session registry shared by gateway instances.
type Directory interface {
	// Save upserts the whole record and refreshes its TTL.
	Save(ctx context.Context, s *Session) error
	// Update applies a partial patch and refreshes the TTL. It never inserts.
	Update(ctx context.Context, id string, patch Patch) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	ListByProject(ctx context.Context, projectID string) ([]*Session, error)
	ListByUser(ctx context.Context, userID string) ([]*Session, error)
	// ListStale returns active records not refreshed since before.
	ListStale(ctx context.Context, before time.Time) ([]*Session, error)
	// PurgeExpired deletes records past their TTL.
	PurgeExpired(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options shared by the stores.
type Options struct {
	// TTL applied on every write; defaults to 24h.
	TTL time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// normalize drops sub-millisecond precision so both stores round-trip equally.
func normalize(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}
