package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/taskbroker/pkg/model"
)

// Store defines the persistence layer for work items, their attempt history
// and the cost ledger.
//
// Every mutation of a claimed item is fenced by its claim token: if the stored
// token or state no longer matches, the call fails with model.ErrStaleCompletion
// and nothing is written.
type Store interface {
	// Work item queue operations
	Enqueue(ctx context.Context, item *model.WorkItem) error
	GetItem(ctx context.Context, id string) (*model.WorkItem, error)
	ListItems(ctx context.Context, opts model.ListOptions) ([]*model.WorkItem, int, error)
	Claim(ctx context.Context, queue model.QueueName, workerID string, lease time.Duration) (*model.WorkItem, error)
	ClaimByID(ctx context.Context, id, workerID string, lease time.Duration) (*model.WorkItem, error)
	Begin(ctx context.Context, id string, token int64) (*model.WorkItem, error)
	Finish(ctx context.Context, id string, token int64, tr Transition) (*model.WorkItem, error)
	Requeue(ctx context.Context, id string, from model.WorkState) (*model.WorkItem, error)
	Cancel(ctx context.Context, id string) (*model.WorkItem, error)
	ListExpired(ctx context.Context, now time.Time) ([]*model.WorkItem, error)
	CountByState(ctx context.Context, queue model.QueueName) (map[model.WorkState]int, error)

	// Attempt history
	AppendAttempt(ctx context.Context, a model.Attempt) error
	ListAttempts(ctx context.Context, itemID string) ([]model.Attempt, error)

	// Cost ledger (append-only)
	AppendCost(ctx context.Context, rec model.CostRecord) error
	ListCosts(ctx context.Context, since time.Time) ([]model.CostRecord, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

// Transition describes a fenced state change of a claimed item.
type Transition struct {
	To               model.WorkState
	IncrementAttempt bool
	Result           []byte
	Provider         string
	LastError        string
	FailureKind      model.FailureKind
}

// apply mutates item according to the transition. Callers must have checked
// the fence and the state machine already.
func (tr Transition) apply(item *model.WorkItem, now time.Time, seq int64) {
	item.State = tr.To
	if tr.IncrementAttempt {
		item.AttemptCount++
	}
	if tr.Result != nil {
		item.Result = append([]byte(nil), tr.Result...)
	}
	if tr.Provider != "" {
		item.Provider = tr.Provider
	}
	if tr.LastError != "" {
		item.LastError = tr.LastError
	}
	if tr.FailureKind != model.FailureNone {
		item.FailureKind = tr.FailureKind
	}
	switch {
	case tr.To == model.WorkStateQueued:
		item.Seq = seq
		clearClaim(item)
	case tr.To.IsTerminal():
		item.CompletedAt = &now
		item.DeadlineAt = nil
	}
}

func clearClaim(item *model.WorkItem) {
	item.ClaimedBy = ""
	item.ClaimedAt = nil
	item.DeadlineAt = nil
}

// checkFence verifies that token still owns item and that the move is legal.
func checkFence(item *model.WorkItem, token int64, to model.WorkState) error {
	if item.ClaimToken != token || !item.State.IsClaimed() {
		return model.ErrStaleCompletion
	}
	if !item.State.CanTransitionTo(to) {
		return &model.InvalidTransitionError{Entity: "WorkItem", ID: item.ID, From: item.State.String(), To: to.String()}
	}
	return nil
}

// sequencer hands out strictly increasing FIFO positions based on wall clock
// nanoseconds, so positions stay ordered across restarts.
type sequencer struct {
	mu   sync.Mutex
	last int64
}

func (s *sequencer) next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := time.Now().UnixNano()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return n
}

// Open returns the store selected by driver: "memory", "sqlite" or "pgx".
// dsn is the SQLite path or the Postgres connection string.
func Open(driver, dsn string, logger *slog.Logger) (Store, error) {
	switch driver {
	case "memory":
		return NewMemoryStore(logger), nil
	case "sqlite":
		if dsn == "" {
			dsn = "taskbroker.db"
		}
		return NewSQLiteStore(dsn, logger)
	case "pgx":
		return NewPostgresStore(dsn, logger)
	}
	return nil, fmt.Errorf("unknown store driver %q", driver)
}
