package session

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/chat"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/directory"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/protocol"
	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/pty"
)

// Get returns a session record. Local sessions answer from memory, which
// is never behind the directory.
func (s *Service) Get(ctx context.Context, sessionID string) (*directory.Session, error) {
	if rec, ok := s.localRecord(sessionID); ok {
		return rec, nil
	}
	rec, err := s.dir.Get(ctx, sessionID)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		s.metrics.IncDirectoryErrors("get")
		return nil, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

// ListByProject returns the sessions of a project across all gateways
func (s *Service) ListByProject(ctx context.Context, projectID string) ([]*directory.Session, error) {
	recs, err := s.dir.ListByProject(ctx, projectID)
	if err != nil {
		s.metrics.IncDirectoryErrors("list")
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return s.overlay(recs, func(r *directory.Session) bool { return r.ProjectID == projectID }), nil
}

// ListByUser returns the sessions of a user across all gateways
func (s *Service) ListByUser(ctx context.Context, userID string) ([]*directory.Session, error) {
	recs, err := s.dir.ListByUser(ctx, userID)
	if err != nil {
		s.metrics.IncDirectoryErrors("list")
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return s.overlay(recs, func(r *directory.Session) bool { return r.UserID == userID }), nil
}

// overlay replaces directory rows of local sessions with the in-memory
// record and adds local sessions whose save has not landed.
func (s *Service) overlay(recs []*directory.Session, match func(*directory.Session) bool) []*directory.Session {
	s.mu.Lock()
	seen := make(map[string]bool, len(recs))
	out := make([]*directory.Session, 0, len(recs))
	for _, r := range recs {
		if l, ok := s.locals[r.ID]; ok {
			r = l.rec.Clone()
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	for sid, l := range s.locals {
		if !seen[sid] && match(l.rec) {
			out = append(out, l.rec.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Write forwards input to a local session
func (s *Service) Write(sessionID string, data []byte) bool {
	return s.ptys.Write(sessionID, data)
}

// ResizeTerminal applies bounded dimensions to the local process only
func (s *Service) ResizeTerminal(sessionID string, cols, rows int) bool {
	if !protocol.ValidDimensions(cols, rows) {
		return false
	}
	return s.ptys.Resize(sessionID, cols, rows)
}

// Resize validates, resizes the process, then records the new size.
func (s *Service) Resize(ctx context.Context, sessionID string, cols, rows int) (*directory.Session, error) {
	if !protocol.ValidDimensions(cols, rows) {
		return nil, fmt.Errorf("%w: invalid resize dimensions", ErrInvalid)
	}
	if !s.isLocal(sessionID) {
		if rec := s.lookupRemote(ctx, sessionID); rec != nil && s.ownedElsewhere(rec) {
			return nil, fmt.Errorf("%w: %s", ErrWrongGateway, rec.GatewayID)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if !s.ptys.Resize(sessionID, cols, rows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	s.PersistResize(sessionID, cols, rows)

	rec, ok := s.localRecord(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return rec, nil
}

// PersistResize records new dimensions in the background
func (s *Service) PersistResize(sessionID string, cols, rows int) {
	s.persist(sessionID, "resize", directory.Patch{
		Cols: directory.Ptr(cols),
		Rows: directory.Ptr(rows),
	})
}

// PersistAgent records the selected agent in the background
func (s *Service) PersistAgent(sessionID string, cfg chat.AgentConfig) {
	s.persist(sessionID, "agent", directory.Patch{
		AgentName: directory.Ptr(cfg.AgentName),
		Provider:  directory.Ptr(cfg.Provider),
		Model:     directory.Ptr(cfg.Model),
	})
}

// LinkCard records the linked board card. Empty unlinks.
func (s *Service) LinkCard(sessionID, cardID string) {
	s.persist(sessionID, "card_link", directory.Patch{LinkedCardID: directory.Ptr(cardID)})
}

// ToggleAI records whether AI chat is enabled
func (s *Service) ToggleAI(sessionID string, enabled bool) {
	s.persist(sessionID, "ai_toggle", directory.Patch{AIChatEnabled: directory.Ptr(enabled)})
}

// Stats summarizes this instance
type Stats struct {
	GatewayID   string    `json:"gatewayId"`
	Sessions    int       `json:"sessions"`
	Connections int       `json:"connections"`
	MaxSessions int       `json:"maxSessions"`
	PTY         pty.Stats `json:"pty"`
}

// Stats returns a point-in-time summary
func (s *Service) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		GatewayID:   s.cfg.GatewayID,
		Sessions:    len(s.locals),
		MaxSessions: s.cfg.MaxSessions,
	}
	for _, l := range s.locals {
		st.Connections += l.conns
	}
	s.mu.Unlock()

	st.PTY = s.ptys.Stats()
	return st
}

// Ping checks the directory
func (s *Service) Ping(ctx context.Context) error {
	return s.dir.Ping(ctx)
}
