package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/bulwark/internal/statestore"
	"github.com/rendis/bulwark/pkg/schema"
)

// BatchOptions narrows a batch recovery run.
type BatchOptions struct {
	WorkflowType string
	OwnerID      string
	// Limit caps the batch; zero uses Config.BatchSize.
	Limit int
}

// BatchResult reports a batch recovery run.
type BatchResult struct {
	Considered int                      `json:"considered"`
	Skipped    int                      `json:"skipped"`
	Succeeded  int                      `json:"succeeded"`
	Failed     int                      `json:"failed"`
	Attempts   []schema.RecoveryAttempt `json:"attempts"`
}

// BatchRecover recovers failed workflows one at a time with BatchDelay between
// attempts. Workflows already under recovery, or with MaxRecoveryAttempts
// attempts inside AttemptWindow, are skipped.
func (s *Service) BatchRecover(ctx context.Context, opts BatchOptions) (BatchResult, error) {
	limit := opts.Limit
	if limit <= 0 || limit > s.cfg.BatchSize {
		limit = s.cfg.BatchSize
	}

	candidates := s.store.List(statestore.ListFilter{
		Status:       schema.WorkflowStatusFailed,
		WorkflowType: opts.WorkflowType,
		OwnerID:      opts.OwnerID,
	})

	now := s.nowFunc()
	var res BatchResult
	var ids []string
	for _, meta := range candidates {
		res.Considered++
		if s.Active(meta.WorkflowID) || s.recentAttempts(meta.WorkflowID, now) >= s.cfg.MaxRecoveryAttempts {
			res.Skipped++
			continue
		}
		if len(ids) < limit {
			ids = append(ids, meta.WorkflowID)
		}
	}

	s.logger.InfoContext(ctx, "batch recovery started",
		slog.Int("candidates", res.Considered), slog.Int("selected", len(ids)))

	for i, id := range ids {
		if i > 0 && s.cfg.BatchDelay > 0 {
			timer := time.NewTimer(s.cfg.BatchDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return res, ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		attempt, err := s.AttemptRecovery(ctx, id, schema.TriggerBatch, AttemptOptions{})
		if err != nil {
			res.Failed++
			s.logger.WarnContext(ctx, "batch recovery attempt failed",
				slog.String("workflow_id", id), slog.String("error", err.Error()))
			continue
		}
		res.Attempts = append(res.Attempts, *attempt)
		switch attempt.Status {
		case schema.RecoveryStatusSuccess:
			res.Succeeded++
		case schema.RecoveryStatusFailure:
			res.Failed++
		default:
			res.Skipped++
		}
	}

	s.logger.InfoContext(ctx, "batch recovery finished",
		slog.Int("succeeded", res.Succeeded), slog.Int("failed", res.Failed), slog.Int("skipped", res.Skipped))
	return res, nil
}
