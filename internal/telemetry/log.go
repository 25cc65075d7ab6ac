package telemetry

import (
	"context"
	"log/slog"
)

// LogSink writes events as structured log records.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "telemetry")}
}

func (s *LogSink) Attempt(ctx context.Context, ev AttemptEvent) {
	level := slog.LevelInfo
	if ev.Outcome != OutcomeSuccess {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "provider attempt",
		"item_id", ev.ItemID,
		"attempt", ev.Attempt,
		"owner_id", ev.OwnerID,
		"task_type", ev.TaskType,
		"provider", ev.Provider,
		"latency_ms", ev.Latency.Milliseconds(),
		"outcome", ev.Outcome,
		"cost", ev.Cost,
		"error", ev.Error,
	)
}

func (s *LogSink) Budget(ctx context.Context, ev BudgetEvent) {
	s.logger.Warn("budget threshold crossed",
		"scope", ev.Scope,
		"period", ev.Period,
		"level", ev.Level,
		"spent", ev.Spent,
		"limit", ev.Limit,
	)
}
