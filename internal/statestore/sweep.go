package statestore

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SweepResult counts what a sweep removed.
type SweepResult struct {
	Snapshots      int `json:"snapshots"`
	RecoveryPoints int `json:"recovery_points"`
	Workflows      int `json:"workflows"`
}

// Sweep drops automatic snapshots and automatic recovery points older than
// the retention window, and evicts archived workflows archived before it.
// Named checkpoints are kept while their workflow lives.
func (s *Store) Sweep(now time.Time) SweepResult {
	cutoff := now.Add(-s.cfg.Retention)
	var res SweepResult

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, meta := range s.meta {
		if meta.ArchivedAt != nil && meta.ArchivedAt.Before(cutoff) {
			res.Snapshots += len(s.snapshots[id])
			res.RecoveryPoints += len(s.points[id])
			res.Workflows++
			delete(s.meta, id)
			delete(s.states, id)
			delete(s.snapshots, id)
			delete(s.points, id)
		}
	}

	for id, snaps := range s.snapshots {
		kept := snaps[:0:0]
		for _, snap := range snaps {
			if snap.Automatic && snap.CreatedAt.Before(cutoff) {
				res.Snapshots++
				continue
			}
			kept = append(kept, snap)
		}
		s.snapshots[id] = kept
	}

	for id, points := range s.points {
		kept := points[:0:0]
		for _, p := range points {
			if p.Automatic && p.CreatedAt.Before(cutoff) {
				res.RecoveryPoints++
				continue
			}
			kept = append(kept, p)
		}
		s.points[id] = kept
	}

	return res
}

// StartSweeper schedules Sweep every SweepInterval. Calling it twice is a no-op.
func (s *Store) StartSweeper(ctx context.Context) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron != nil {
		return nil
	}

	c := cron.New()
	spec := "@every " + s.cfg.SweepInterval.String()
	if _, err := c.AddFunc(spec, func() {
		res := s.Sweep(time.Now().UTC())
		if res.Snapshots+res.RecoveryPoints+res.Workflows > 0 {
			s.logger.InfoContext(ctx, "state sweep",
				slog.Int("snapshots", res.Snapshots),
				slog.Int("recovery_points", res.RecoveryPoints),
				slog.Int("workflows", res.Workflows))
		}
	}); err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.logger.Info("state sweeper started", slog.String("interval", s.cfg.SweepInterval.String()))
	return nil
}

// StopSweeper stops the schedule and waits for a running sweep to finish.
func (s *Store) StopSweeper() {
	s.cronMu.Lock()
	c := s.cron
	s.cron = nil
	s.cronMu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("state sweeper stopped")
}
