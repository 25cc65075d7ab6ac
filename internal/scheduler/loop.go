package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/me/taskbroker/internal/store"
	"github.com/me/taskbroker/pkg/model"
)

// Start runs the reclaim loop. Blocks until ctx is cancelled or Stop is called.
func (s *Supervisor) Start(ctx context.Context) error {
	s.logger.Info("reclaim loop started", "interval", s.config.ReclaimInterval, "stale_timeout", s.config.StaleTimeout)
	ticker := time.NewTicker(s.config.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reclaim loop stopping (context cancelled)")
			close(s.doneCh)
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("reclaim loop stopping (stop called)")
			close(s.doneCh)
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop ends the reclaim loop and waits for the current tick to finish.
func (s *Supervisor) Stop() error {
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Tick runs a single reclaim pass.
func (s *Supervisor) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	// Phase 1: claims whose lease ran out go back to the queue, or to the
	// dead-letter queue once the attempt budget is spent.
	if err := s.reclaimExpired(ctx, now); err != nil {
		return fmt.Errorf("phase 1 (expired): %w", err)
	}

	// Phase 2: RETRY_PENDING items whose worker died before requeueing them.
	if err := s.requeueStranded(ctx, now); err != nil {
		return fmt.Errorf("phase 2 (retry pending): %w", err)
	}
	return nil
}

func (s *Supervisor) reclaimExpired(ctx context.Context, now time.Time) error {
	expired, err := s.store.ListExpired(ctx, now)
	if err != nil {
		return err
	}
	for _, it := range expired {
		tr := store.Transition{
			To:               model.WorkStateQueued,
			IncrementAttempt: true,
			LastError:        fmt.Sprintf("claim by %s expired", it.ClaimedBy),
		}
		if it.AttemptCount+1 >= it.MaxAttempts {
			tr.To = model.WorkStateDeadLettered
			tr.FailureKind = model.FailureClaimTimeout
		}
		done, err := s.store.Finish(ctx, it.ID, it.ClaimToken, tr)
		if errors.Is(err, model.ErrStaleCompletion) {
			// The worker reported just before us.
			continue
		}
		if err != nil {
			s.logger.Error("reclaim", "item_id", it.ID, "error", err)
			continue
		}
		s.recordAttempt(ctx, it, Report{Err: errors.New(tr.LastError)}, model.AttemptTimedOut)
		if done.State == model.WorkStateDeadLettered {
			s.logger.Warn("stale claim dead-lettered", "item_id", it.ID, "claim_token", it.ClaimToken, "attempt", done.AttemptCount)
			s.resolve(done)
		} else {
			s.logger.Warn("stale claim reclaimed", "item_id", it.ID, "claim_token", it.ClaimToken, "claimed_by", it.ClaimedBy, "attempt", done.AttemptCount)
		}
	}
	return nil
}

// requeueStranded handles at most one page per tick; the rest waits for the next.
func (s *Supervisor) requeueStranded(ctx context.Context, now time.Time) error {
	items, _, err := s.store.ListItems(ctx, model.ListOptions{State: model.WorkStateRetryPending, Limit: 100})
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.DeadlineAt == nil || it.DeadlineAt.After(now) {
			continue
		}
		if _, err := s.store.Requeue(ctx, it.ID, model.WorkStateRetryPending); err != nil {
			s.logger.Debug("requeue stranded", "item_id", it.ID, "error", err)
			continue
		}
		s.logger.Info("stranded retry requeued", "item_id", it.ID)
	}
	return nil
}
