// Package telemetry carries structured events about provider invocations and
// budget thresholds to pluggable sinks.
package telemetry

import (
	"context"
	"time"

	"github.com/me/taskbroker/pkg/model"
)

// AttemptEvent describes one provider invocation. Exactly one is emitted per
// invocation, whatever its outcome.
type AttemptEvent struct {
	ItemID   string         `json:"item_id"`
	Attempt  int            `json:"attempt"`
	OwnerID  string         `json:"owner_id"`
	TaskType model.TaskType `json:"task_type"`
	Provider string         `json:"provider"`
	Latency  time.Duration  `json:"latency_ns"`
	Outcome  string         `json:"outcome"` // success or a model.ProviderErrorKind
	Cost     float64        `json:"cost"`
	Error    string         `json:"error,omitempty"`
	Time     time.Time      `json:"time"`
}

// OutcomeSuccess marks a successful invocation.
const OutcomeSuccess = "success"

// BudgetEvent is emitted once per scope, period and level when spend first
// crosses a threshold.
type BudgetEvent struct {
	Scope  string            `json:"scope"`
	Period string            `json:"period"` // day:2006-01-02 or month:2006-01
	Level  model.BudgetLevel `json:"level"`
	Spent  float64           `json:"spent"`
	Limit  float64           `json:"limit"`
	Time   time.Time         `json:"time"`
}

// Sink receives telemetry. Implementations must be safe for concurrent use
// and must not block the caller for long.
type Sink interface {
	Attempt(ctx context.Context, ev AttemptEvent)
	Budget(ctx context.Context, ev BudgetEvent)
}

// Multi fans events out to several sinks.
type Multi []Sink

func (m Multi) Attempt(ctx context.Context, ev AttemptEvent) {
	for _, s := range m {
		s.Attempt(ctx, ev)
	}
}

func (m Multi) Budget(ctx context.Context, ev BudgetEvent) {
	for _, s := range m {
		s.Budget(ctx, ev)
	}
}

// Nop discards everything.
type Nop struct{}

func (Nop) Attempt(context.Context, AttemptEvent) {}
func (Nop) Budget(context.Context, BudgetEvent)   {}
