package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/bulwark/pkg/schema"
)

// ScheduledRecovery is a recovery attempt waiting for its time.
type ScheduledRecovery struct {
	WorkflowID string                 `json:"workflow_id"`
	At         time.Time              `json:"at"`
	Trigger    schema.RecoveryTrigger `json:"trigger"`
	Strategy   schema.Strategy        `json:"strategy,omitempty"`
	Checkpoint string                 `json:"checkpoint,omitempty"`
}

// Schedule queues a recovery of id after delay and returns when it is due.
// A workflow has at most one scheduled entry; scheduling again replaces it.
func (s *Service) Schedule(ctx context.Context, id string, delay time.Duration, trigger schema.RecoveryTrigger, opts AttemptOptions) time.Time {
	if delay < 0 {
		delay = 0
	}
	at := s.nowFunc().UTC().Add(delay)
	entry := &ScheduledRecovery{
		WorkflowID: id,
		At:         at,
		Trigger:    trigger,
		Strategy:   opts.Strategy,
		Checkpoint: opts.Checkpoint,
	}

	s.mu.Lock()
	s.scheduled[id] = entry
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "recovery scheduled",
		slog.String("workflow_id", id),
		slog.String("trigger", string(trigger)),
		slog.Time("at", at))

	st := &schema.WorkflowState{WorkflowID: id}
	if meta, err := s.store.Metadata(id); err == nil {
		st.OwnerID = meta.OwnerID
	}
	s.publish(ctx, schema.EventRecoveryScheduled, st, map[string]any{
		"trigger":  string(trigger),
		"strategy": string(opts.Strategy),
		"at":       at.Format(time.RFC3339),
		"delay_ms": delay.Milliseconds(),
	})
	return at
}

// Cancel drops the scheduled recovery of id. It reports whether one existed.
func (s *Service) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.scheduled[id]
	delete(s.scheduled, id)
	return ok
}

// Scheduled returns the pending entries, soonest first.
func (s *Service) Scheduled() []ScheduledRecovery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedScheduled(s.scheduled)
}

// Start launches the loop that dispatches due recoveries every PollInterval.
func (s *Service) Start(ctx context.Context) error {
	s.loopMu.Lock()
	if s.done != nil {
		s.loopMu.Unlock()
		return fmt.Errorf("recovery scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.loopMu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("recovery scheduler started", slog.String("interval", s.cfg.PollInterval.String()))
	return nil
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.tick(ctx, s.nowFunc())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, s.nowFunc())
		}
	}
}

// tick dispatches every entry due at now. Entries that find the pool full,
// or whose workflow is mid-recovery, stay queued for a later tick.
func (s *Service) tick(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var due []ScheduledRecovery
	for _, e := range sortedScheduled(s.scheduled) {
		if e.At.After(now) {
			break
		}
		if _, running := s.active[e.WorkflowID]; running {
			continue
		}
		delete(s.scheduled, e.WorkflowID)
		due = append(due, e)
	}
	s.mu.Unlock()

	dispatched := 0
	for i, e := range due {
		err := s.pool.TrySubmit(ctx, func(ctx context.Context) error {
			attempt, err := s.AttemptRecovery(ctx, e.WorkflowID, e.Trigger, AttemptOptions{
				Checkpoint: e.Checkpoint,
				Strategy:   e.Strategy,
			})
			if err != nil {
				return err
			}
			if attempt.Status == schema.RecoveryStatusFailure {
				return errors.New(attempt.Message)
			}
			return nil
		})
		if err != nil {
			s.requeue(due[i:])
			if errors.Is(err, ErrPoolFull) {
				s.logger.DebugContext(ctx, "recovery pool full, deferring",
					slog.Int("deferred", len(due)-i))
			}
			break
		}
		dispatched++
	}
	return dispatched
}

// requeue puts entries back unless a newer entry was scheduled meanwhile.
func (s *Service) requeue(entries []ScheduledRecovery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if _, ok := s.scheduled[e.WorkflowID]; ok {
			continue
		}
		entry := e
		s.scheduled[e.WorkflowID] = &entry
	}
}

// Stop halts the loop and waits for dispatched recoveries to finish.
func (s *Service) Stop() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.pool.Wait()
	s.logger.Info("recovery scheduler stopped")
}

// Close stops the loop and shuts the pool down. The service accepts no
// scheduled work afterwards.
func (s *Service) Close() {
	s.Stop()
	s.pool.Shutdown()
}
