package telemetry

import (
	"context"
	"sync"
)

// Recorder keeps events in memory. Used by tests.
type Recorder struct {
	mu       sync.Mutex
	attempts []AttemptEvent
	budgets  []BudgetEvent
}

func (r *Recorder) Attempt(_ context.Context, ev AttemptEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, ev)
}

func (r *Recorder) Budget(_ context.Context, ev BudgetEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.budgets = append(r.budgets, ev)
}

// Attempts returns a copy of the recorded attempt events.
func (r *Recorder) Attempts() []AttemptEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AttemptEvent(nil), r.attempts...)
}

// Budgets returns a copy of the recorded budget events.
func (r *Recorder) Budgets() []BudgetEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BudgetEvent(nil), r.budgets...)
}
