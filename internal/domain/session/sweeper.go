package session

import (
	"context"
	"errors"
	"time"

	"github.com/GriffinCanCode/AgentOS/gateway/internal/domain/directory"
	"go.uber.org/zap"
)

// SweepReport counts what one sweep did
type SweepReport struct {
	Heartbeats int `json:"heartbeats"`
	Evicted    int `json:"evicted"`
	Released   int `json:"released"`
	Reclaimed  int `json:"reclaimed"`
	Purged     int `json:"purged"`
}

// Sweep runs one maintenance pass:
//  1. terminate local sessions idle without connections past IdleEvictAfter
//  2. heartbeat the remaining local sessions
//  3. release own active rows with no process, drop stale rows of other gateways
//  4. purge rows past their TTL
func (s *Service) Sweep(ctx context.Context) SweepReport {
	var rep SweepReport
	now := s.cfg.Now()

	for _, sid := range s.idle(now) {
		if s.end(sid, "idle") {
			rep.Evicted++
		}
	}

	rep.Heartbeats = s.heartbeat(ctx)

	stale, err := s.dir.ListStale(ctx, now.Add(-s.cfg.StaleAfter))
	if err != nil {
		s.metrics.IncDirectoryErrors("list_stale")
		s.log.Warn("failed to list stale sessions", zap.Error(err))
	}
	for _, rec := range stale {
		if s.isLocal(rec.ID) {
			continue
		}
		if rec.GatewayID == s.cfg.GatewayID {
			// Our row, but the process is gone (restart or lost exit)
			err := s.dir.Update(ctx, rec.ID, directory.Patch{Status: directory.Ptr(directory.StatusDisconnected)})
			if err == nil {
				rep.Released++
			} else if !errors.Is(err, directory.ErrNotFound) {
				s.metrics.IncDirectoryErrors("release")
			}
			continue
		}
		if err := s.dir.Delete(ctx, rec.ID); err != nil {
			s.metrics.IncDirectoryErrors("reclaim")
			continue
		}
		rep.Reclaimed++
		s.log.Info("reclaimed orphaned session",
			zap.String("session_id", rec.ID),
			zap.String("owner", rec.GatewayID),
			zap.Time("updated_at", rec.UpdatedAt))
	}

	purged, err := s.dir.PurgeExpired(ctx)
	if err != nil {
		s.metrics.IncDirectoryErrors("purge")
		s.log.Warn("failed to purge expired sessions", zap.Error(err))
	}
	rep.Purged = purged

	s.metrics.AddSweepActions("heartbeat", rep.Heartbeats)
	s.metrics.AddSweepActions("evict", rep.Evicted)
	s.metrics.AddSweepActions("release", rep.Released)
	s.metrics.AddSweepActions("reclaim", rep.Reclaimed)
	s.metrics.AddSweepActions("purge", rep.Purged)
	return rep
}

// idle lists local sessions with no connection and no process activity
// for IdleEvictAfter.
func (s *Service) idle(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for sid, l := range s.locals {
		if l.conns > 0 {
			continue
		}
		last := l.idleSince
		if a := l.handle.Info().LastActivityAt; a.After(last) {
			last = a
		}
		if now.Sub(last) >= s.cfg.IdleEvictAfter {
			out = append(out, sid)
		}
	}
	return out
}

// heartbeat refreshes every local row so other gateways never see it stale.
func (s *Service) heartbeat(ctx context.Context) int {
	type beat struct {
		id       string
		snapshot *directory.Session
		patch    directory.Patch
	}

	now := s.cfg.Now()
	s.mu.Lock()
	beats := make([]beat, 0, len(s.locals))
	for sid, l := range s.locals {
		var patch directory.Patch
		if a := l.handle.Info().LastActivityAt; a.After(l.rec.LastActivityAt) {
			patch.LastActivityAt = directory.Ptr(a)
			patch.Apply(l.rec)
		}
		s.stamp(l.rec, now)
		beats = append(beats, beat{id: sid, snapshot: l.rec.Clone(), patch: patch})
	}
	s.mu.Unlock()

	n := 0
	for _, b := range beats {
		err := s.dir.Update(ctx, b.id, b.patch)
		if errors.Is(err, directory.ErrNotFound) && s.isLocal(b.id) {
			err = s.dir.Save(ctx, b.snapshot)
		}
		if err != nil {
			s.metrics.IncDirectoryErrors("heartbeat")
			s.log.Warn("heartbeat failed", zap.String("session_id", b.id), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// RunSweeper sweeps every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep := s.Sweep(ctx)
			if rep.Evicted+rep.Released+rep.Reclaimed+rep.Purged > 0 {
				s.log.Info("sweep completed",
					zap.Int("heartbeats", rep.Heartbeats),
					zap.Int("evicted", rep.Evicted),
					zap.Int("released", rep.Released),
					zap.Int("reclaimed", rep.Reclaimed),
					zap.Int("purged", rep.Purged))
			}
		}
	}
}
