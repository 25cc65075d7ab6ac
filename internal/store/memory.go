package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/me/taskbroker/pkg/model"
)

// queueEntry is a FIFO slot. Entries are invalidated lazily: a slot whose
// item is no longer QUEUED, or was requeued under a newer seq, is skipped.
type queueEntry struct {
	id  string
	seq int64
}

// MemoryStore implements Store in process memory. State is lost on restart.
type MemoryStore struct {
	mu       sync.Mutex
	items    map[string]*model.WorkItem
	queues   map[model.QueueName][]queueEntry
	attempts map[string][]model.Attempt
	costs    []model.CostRecord
	seq      sequencer
	logger   *slog.Logger
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		items:    make(map[string]*model.WorkItem),
		queues:   make(map[model.QueueName][]queueEntry),
		attempts: make(map[string][]model.Attempt),
		logger:   logger.With("component", "store"),
	}
}

func (s *MemoryStore) Close() error                      { return nil }
func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (s *MemoryStore) Enqueue(ctx context.Context, item *model.WorkItem) error {
	if item.ID == "" {
		return fmt.Errorf("enqueue: item id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[item.ID]; exists {
		return fmt.Errorf("enqueue %s: already exists", item.ID)
	}
	item.State = model.WorkStateQueued
	item.Seq = s.seq.next()
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	s.items[item.ID] = item.Clone()
	s.push(item.ID, item.Queue(), item.Seq)
	s.logger.Debug("mem", "op", "enqueue", "id", item.ID, "queue", item.Queue(), "seq", item.Seq)
	return nil
}

func (s *MemoryStore) push(id string, q model.QueueName, seq int64) {
	s.queues[q] = append(s.queues[q], queueEntry{id: id, seq: seq})
}

func (s *MemoryStore) GetItem(ctx context.Context, id string) (*model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id].Clone(), nil
}

func (s *MemoryStore) ListItems(ctx context.Context, opts model.ListOptions) ([]*model.WorkItem, int, error) {
	opts.Clamp()
	s.mu.Lock()
	var matched []*model.WorkItem
	for _, it := range s.items {
		if opts.State != "" && it.State != opts.State {
			continue
		}
		if opts.OwnerID != "" && it.OwnerID != opts.OwnerID {
			continue
		}
		if opts.Queue != "" && it.Queue() != opts.Queue {
			continue
		}
		matched = append(matched, it.Clone())
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].EnqueuedAt.Equal(matched[j].EnqueuedAt) {
			return matched[i].EnqueuedAt.After(matched[j].EnqueuedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	total := len(matched)
	if opts.Offset >= total {
		return []*model.WorkItem{}, total, nil
	}
	end := opts.Offset + opts.Limit
	if end > total {
		end = total
	}
	return matched[opts.Offset:end], total, nil
}

func (s *MemoryStore) Claim(ctx context.Context, queue model.QueueName, workerID string, lease time.Duration) (*model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.queues[queue]
	for len(entries) > 0 {
		e := entries[0]
		entries = entries[1:]
		it := s.items[e.id]
		if it == nil || it.State != model.WorkStateQueued || it.Seq != e.seq {
			continue
		}
		s.queues[queue] = entries
		s.claim(it, workerID, lease)
		return it.Clone(), nil
	}
	s.queues[queue] = entries
	return nil, nil
}

func (s *MemoryStore) ClaimByID(ctx context.Context, id, workerID string, lease time.Duration) (*model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.items[id]
	if it == nil {
		return nil, model.ErrItemNotFound
	}
	if it.State != model.WorkStateQueued {
		return nil, nil
	}
	s.claim(it, workerID, lease)
	return it.Clone(), nil
}

// claim moves a QUEUED item to CLAIMED. Caller holds mu.
func (s *MemoryStore) claim(it *model.WorkItem, workerID string, lease time.Duration) {
	now := time.Now().UTC()
	deadline := now.Add(lease)
	it.State = model.WorkStateClaimed
	it.ClaimToken++
	it.ClaimedBy = workerID
	it.ClaimedAt = &now
	it.DeadlineAt = &deadline
	s.logger.Debug("mem", "op", "claim", "id", it.ID, "token", it.ClaimToken, "worker_id", workerID)
}

func (s *MemoryStore) Begin(ctx context.Context, id string, token int64) (*model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.items[id]
	if it == nil {
		return nil, model.ErrItemNotFound
	}
	if it.State != model.WorkStateClaimed || it.ClaimToken != token {
		return nil, model.ErrStaleCompletion
	}
	it.State = model.WorkStateProcessing
	return it.Clone(), nil
}

func (s *MemoryStore) Finish(ctx context.Context, id string, token int64, tr Transition) (*model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.items[id]
	if it == nil {
		return nil, model.ErrItemNotFound
	}
	if err := checkFence(it, token, tr.To); err != nil {
		return nil, err
	}
	seq := s.seq.next()
	tr.apply(it, time.Now().UTC(), seq)
	if tr.To == model.WorkStateQueued {
		s.push(it.ID, it.Queue(), seq)
	}
	s.logger.Debug("mem", "op", "finish", "id", id, "token", token, "state", tr.To)
	return it.Clone(), nil
}

func (s *MemoryStore) Requeue(ctx context.Context, id string, from model.WorkState) (*model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.items[id]
	if it == nil {
		return nil, model.ErrItemNotFound
	}
	if it.State != from || !from.CanTransitionTo(model.WorkStateQueued) {
		return nil, &model.InvalidTransitionError{Entity: "WorkItem", ID: id, From: it.State.String(), To: model.WorkStateQueued.String()}
	}
	resetForRequeue(it, from, s.seq.next())
	s.push(it.ID, it.Queue(), it.Seq)
	return it.Clone(), nil
}

// resetForRequeue puts an item back to QUEUED. A replay out of the
// dead-letter queue starts over with a fresh attempt budget and drops
// whatever the failed run left behind, including a pending cancel.
func resetForRequeue(it *model.WorkItem, from model.WorkState, seq int64) {
	it.State = model.WorkStateQueued
	it.Seq = seq
	clearClaim(it)
	if from == model.WorkStateDeadLettered {
		it.AttemptCount = 0
		it.FailureKind = model.FailureNone
		it.LastError = ""
		it.CompletedAt = nil
		it.CancelRequested = false
		it.Provider = ""
		it.Result = nil
	}
}

func (s *MemoryStore) Cancel(ctx context.Context, id string) (*model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.items[id]
	if it == nil {
		return nil, model.ErrItemNotFound
	}
	if err := applyCancel(it, time.Now().UTC()); err != nil {
		return nil, err
	}
	return it.Clone(), nil
}

// applyCancel cancels waiting items at once and flags claimed ones so the
// processing worker stops at its next checkpoint.
func applyCancel(it *model.WorkItem, now time.Time) error {
	switch {
	case it.State == model.WorkStateQueued || it.State == model.WorkStateRetryPending:
		it.State = model.WorkStateCancelled
		it.CompletedAt = &now
		clearClaim(it)
	case it.State.IsClaimed():
		it.CancelRequested = true
	default:
		return &model.InvalidTransitionError{Entity: "WorkItem", ID: it.ID, From: it.State.String(), To: model.WorkStateCancelled.String()}
	}
	return nil
}

func (s *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]*model.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.WorkItem
	for _, it := range s.items {
		if it.State.IsClaimed() && it.DeadlineAt != nil && it.DeadlineAt.Before(now) {
			out = append(out, it.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) CountByState(ctx context.Context, queue model.QueueName) (map[model.WorkState]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[model.WorkState]int)
	for _, it := range s.items {
		if queue == "" || it.Queue() == queue {
			counts[it.State]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) AppendAttempt(ctx context.Context, a model.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Providers = append([]string(nil), a.Providers...)
	s.attempts[a.ItemID] = append(s.attempts[a.ItemID], a)
	return nil
}

func (s *MemoryStore) ListAttempts(ctx context.Context, itemID string) ([]model.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Attempt(nil), s.attempts[itemID]...), nil
}

func (s *MemoryStore) AppendCost(ctx context.Context, rec model.CostRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.costs = append(s.costs, rec)
	return nil
}

func (s *MemoryStore) ListCosts(ctx context.Context, since time.Time) ([]model.CostRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.CostRecord
	for _, rec := range s.costs {
		if !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}
