// Package scheduler owns the lifecycle of work items: submission,
// cancellation, the fenced transitions reported by worker pools, stale claim
// reclamation, result delivery and the dead-letter queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/taskbroker/internal/store"
	"github.com/me/taskbroker/pkg/model"
)

// Config holds supervisor configuration.
type Config struct {
	StaleTimeout    time.Duration // claim lease
	ReclaimInterval time.Duration
	MaxAttempts     int // default for submissions that do not set one
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{StaleTimeout: 120 * time.Second, ReclaimInterval: 5 * time.Second, MaxAttempts: 3}
}

// Report is what a worker hands back after one processing attempt.
type Report struct {
	Providers []string // providers invoked, in order
	Provider  string   // winning provider
	Output    []byte
	Err       error
	StartedAt time.Time
}

// Supervisor implements the work item lifecycle on top of a Store.
type Supervisor struct {
	store    store.Store
	config   Config
	logger   *slog.Logger
	onResult func(model.Result)
	started  time.Time

	mu      sync.Mutex
	waiters map[string][]chan model.Result
	closed  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithResultHook registers a callback fired once per terminal transition.
func WithResultHook(fn func(model.Result)) Option {
	return func(s *Supervisor) { s.onResult = fn }
}

// New creates a Supervisor.
func New(st store.Store, cfg Config, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		store:   st,
		config:  cfg,
		logger:  logger.With("component", "scheduler"),
		started: time.Now(),
		waiters: make(map[string][]chan model.Result),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Uptime returns how long the supervisor has existed.
func (s *Supervisor) Uptime() time.Duration { return time.Since(s.started) }

// StaleTimeout returns the claim lease.
func (s *Supervisor) StaleTimeout() time.Duration { return s.config.StaleTimeout }

// Close rejects further submissions with model.ErrQueueClosed.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Submit validates req and enqueues a new item. It never waits on providers.
func (s *Supervisor) Submit(ctx context.Context, req model.SubmitRequest) (*model.WorkItem, error) {
	if errs := req.Validate(); len(errs) > 0 {
		return nil, model.NewValidationError("invalid submission", errs...)
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, model.ErrQueueClosed
	}

	band, _ := model.ParseBand(req.PriorityBand)
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.config.MaxAttempts
	}
	item := &model.WorkItem{
		ID:          "wi_" + uuid.New().String(),
		Band:        band,
		TaskType:    req.TaskType,
		OwnerID:     req.OwnerID,
		Payload:     []byte(req.Payload),
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := s.store.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	s.logger.Info("item submitted", "item_id", item.ID, "band", band, "queue", item.Queue(), "task_type", item.TaskType, "owner_id", item.OwnerID)
	return item, nil
}

// Get returns an item or model.ErrItemNotFound.
func (s *Supervisor) Get(ctx context.Context, id string) (*model.WorkItem, error) {
	item, err := s.store.GetItem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get item %s: %w", id, err)
	}
	if item == nil {
		return nil, model.ErrItemNotFound
	}
	return item, nil
}

// List returns items matching opts, newest first, and the total match count.
func (s *Supervisor) List(ctx context.Context, opts model.ListOptions) ([]*model.WorkItem, int, error) {
	return s.store.ListItems(ctx, opts)
}

// Attempts returns the attempt history of an item.
func (s *Supervisor) Attempts(ctx context.Context, id string) ([]model.Attempt, error) {
	return s.store.ListAttempts(ctx, id)
}

// Stats returns per-state counts for both queues.
func (s *Supervisor) Stats(ctx context.Context) ([]model.QueueStats, error) {
	var out []model.QueueStats
	for _, q := range []model.QueueName{model.QueueInteractive, model.QueueBackground} {
		counts, err := s.store.CountByState(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", q, err)
		}
		out = append(out, model.QueueStats{Queue: q, Counts: counts})
	}
	return out, nil
}

// Cancel cancels a waiting item at once. A claimed item is only flagged;
// its worker stops before the next provider call and discards any result.
func (s *Supervisor) Cancel(ctx context.Context, id string) (*model.WorkItem, error) {
	item, err := s.store.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.State == model.WorkStateCancelled {
		s.logger.Info("item cancelled", "item_id", id)
		s.resolve(item)
	} else {
		s.logger.Info("cancel requested", "item_id", id, "state", item.State)
	}
	return item, nil
}

// Claim takes the oldest QUEUED item of queue, or returns nil if there is none.
func (s *Supervisor) Claim(ctx context.Context, queue model.QueueName, workerID string) (*model.WorkItem, error) {
	return s.store.Claim(ctx, queue, workerID, s.config.StaleTimeout)
}

// ClaimByID claims one specific item; nil means it is not QUEUED.
func (s *Supervisor) ClaimByID(ctx context.Context, id, workerID string) (*model.WorkItem, error) {
	return s.store.ClaimByID(ctx, id, workerID, s.config.StaleTimeout)
}

// Begin moves a claimed item to PROCESSING.
func (s *Supervisor) Begin(ctx context.Context, item *model.WorkItem) (*model.WorkItem, error) {
	return s.store.Begin(ctx, item.ID, item.ClaimToken)
}

// Succeed stores the output and completes the item.
func (s *Supervisor) Succeed(ctx context.Context, item *model.WorkItem, rep Report) (*model.WorkItem, error) {
	done, err := s.finish(ctx, item, store.Transition{
		To:               model.WorkStateSucceeded,
		IncrementAttempt: true,
		Result:           rep.Output,
		Provider:         rep.Provider,
	})
	if err != nil {
		return nil, err
	}
	s.recordAttempt(ctx, item, rep, model.AttemptSucceeded)
	s.logger.Info("item succeeded", "item_id", item.ID, "provider", rep.Provider, "attempt", done.AttemptCount)
	s.resolve(done)
	return done, nil
}

// Requeue ends a failed attempt and puts the item at the back of its queue.
// Whether to retry is the caller's decision.
func (s *Supervisor) Requeue(ctx context.Context, item *model.WorkItem, rep Report) (*model.WorkItem, error) {
	pending, err := s.finish(ctx, item, store.Transition{
		To:               model.WorkStateRetryPending,
		IncrementAttempt: true,
		LastError:        errString(rep.Err),
	})
	if err != nil {
		return nil, err
	}
	s.recordAttempt(ctx, item, rep, model.AttemptFailed)

	queued, err := s.store.Requeue(ctx, item.ID, model.WorkStateRetryPending)
	if err != nil {
		var ite *model.InvalidTransitionError
		if errors.As(err, &ite) {
			// Requeued by the reclaim loop or cancelled meanwhile.
			s.logger.Debug("retry already handled", "item_id", item.ID, "error", err)
			return pending, nil
		}
		return nil, fmt.Errorf("requeue %s: %w", item.ID, err)
	}
	s.logger.Info("item requeued", "item_id", item.ID, "attempt", queued.AttemptCount, "max_attempts", queued.MaxAttempts, "error", queued.LastError)
	return queued, nil
}

// DeadLetter ends the attempt and parks the item in the dead-letter queue.
func (s *Supervisor) DeadLetter(ctx context.Context, item *model.WorkItem, kind model.FailureKind, rep Report) (*model.WorkItem, error) {
	dead, err := s.finish(ctx, item, store.Transition{
		To:               model.WorkStateDeadLettered,
		IncrementAttempt: true,
		LastError:        errString(rep.Err),
		FailureKind:      kind,
	})
	if err != nil {
		return nil, err
	}
	outcome := model.AttemptFailed
	if kind == model.FailureBudgetExhausted {
		outcome = model.AttemptBudgetExhausted
	}
	s.recordAttempt(ctx, item, rep, outcome)
	s.logger.Warn("item dead-lettered", "item_id", item.ID, "failure_kind", kind, "attempt", dead.AttemptCount, "error", dead.LastError)
	s.resolve(dead)
	return dead, nil
}

// CancelClaimed completes a claimed item whose cancellation was requested.
func (s *Supervisor) CancelClaimed(ctx context.Context, item *model.WorkItem, rep Report) (*model.WorkItem, error) {
	done, err := s.finish(ctx, item, store.Transition{To: model.WorkStateCancelled})
	if err != nil {
		return nil, err
	}
	s.recordAttempt(ctx, item, rep, model.AttemptCancelled)
	s.logger.Info("item cancelled", "item_id", item.ID, "discarded_provider", rep.Provider)
	s.resolve(done)
	return done, nil
}

func (s *Supervisor) finish(ctx context.Context, item *model.WorkItem, tr store.Transition) (*model.WorkItem, error) {
	done, err := s.store.Finish(ctx, item.ID, item.ClaimToken, tr)
	if err != nil {
		return nil, fmt.Errorf("%s %s (token %d): %w", tr.To, item.ID, item.ClaimToken, err)
	}
	return done, nil
}

func (s *Supervisor) recordAttempt(ctx context.Context, item *model.WorkItem, rep Report, outcome model.AttemptOutcome) {
	started := rep.StartedAt
	if started.IsZero() && item.ClaimedAt != nil {
		started = *item.ClaimedAt
	}
	a := model.Attempt{
		ItemID:     item.ID,
		Number:     item.AttemptCount + 1,
		ClaimToken: item.ClaimToken,
		Providers:  rep.Providers,
		Outcome:    outcome,
		Error:      errString(rep.Err),
		StartedAt:  started.UTC(),
		EndedAt:    time.Now().UTC(),
	}
	if err := s.store.AppendAttempt(ctx, a); err != nil {
		s.logger.Error("record attempt", "item_id", item.ID, "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Wait blocks until the item is terminal and returns its result.
func (s *Supervisor) Wait(ctx context.Context, id string) (model.Result, error) {
	ch := make(chan model.Result, 1)
	s.mu.Lock()
	s.waiters[id] = append(s.waiters[id], ch)
	s.mu.Unlock()
	defer s.dropWaiter(id, ch)

	// Items finished by another process never signal this one, so poll too.
	poll := time.NewTicker(time.Second)
	defer poll.Stop()
	for {
		item, err := s.Get(ctx, id)
		if err != nil {
			return model.Result{}, err
		}
		if res, ok := model.ResultFor(item); ok {
			return res, nil
		}
		select {
		case res := <-ch:
			return res, nil
		case <-poll.C:
		case <-ctx.Done():
			return model.Result{}, ctx.Err()
		}
	}
}

func (s *Supervisor) dropWaiter(id string, ch chan model.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.waiters, id)
	} else {
		s.waiters[id] = list
	}
}

// resolve delivers the result of a terminal item to waiters and the hook.
func (s *Supervisor) resolve(item *model.WorkItem) {
	res, ok := model.ResultFor(item)
	if !ok {
		return
	}
	s.mu.Lock()
	list := s.waiters[item.ID]
	delete(s.waiters, item.ID)
	s.mu.Unlock()
	for _, ch := range list {
		select {
		case ch <- res:
		default:
		}
	}
	if s.onResult != nil {
		s.onResult(res)
	}
}

// DeadLetters lists dead-lettered items with their attempt history.
func (s *Supervisor) DeadLetters(ctx context.Context, opts model.ListOptions) ([]model.DeadLetter, int, error) {
	opts.State = model.WorkStateDeadLettered
	items, total, err := s.store.ListItems(ctx, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]model.DeadLetter, 0, len(items))
	for _, it := range items {
		attempts, err := s.store.ListAttempts(ctx, it.ID)
		if err != nil {
			return nil, 0, fmt.Errorf("attempts of %s: %w", it.ID, err)
		}
		out = append(out, model.DeadLetter{Item: it, Attempts: attempts})
	}
	return out, total, nil
}

// Replay moves a dead-lettered item back to its queue with a fresh attempt budget.
func (s *Supervisor) Replay(ctx context.Context, id string) (*model.WorkItem, error) {
	item, err := s.store.Requeue(ctx, id, model.WorkStateDeadLettered)
	if err != nil {
		return nil, err
	}
	s.logger.Info("dead letter replayed", "item_id", id, "queue", item.Queue())
	return item, nil
}
