// Package broker walks a work item's fallback chain of providers under the
// budget, health and rate-limit rules, and records what each call cost.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/me/taskbroker/internal/pricing"
	"github.com/me/taskbroker/internal/provider"
	"github.com/me/taskbroker/internal/telemetry"
	"github.com/me/taskbroker/pkg/model"
)

// Registry is the part of provider.Registry the broker needs.
type Registry interface {
	SelectCandidates(taskType model.TaskType, constrained bool) []provider.Candidate
	MarkSuccess(name string)
	MarkFailure(name string)
	MarkRejected(name string)
	MarkThrottled(name string, retryAfter time.Duration)
}

// Budget is the part of cost.Tracker the broker needs.
type Budget interface {
	BudgetStatus(ownerID string) model.BudgetStatus
	Record(ctx context.Context, provider, ownerID string, amount float64, taskType model.TaskType, itemID string) (model.CostRecord, error)
}

// Config holds broker configuration.
type Config struct {
	Backoff        BackoffConfig
	DefaultTimeout time.Duration // used when a provider declares none
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Backoff: DefaultBackoff(), DefaultTimeout: 30 * time.Second}
}

// Outcome describes a successful Execute, or how far a failed one got.
type Outcome struct {
	Output   []byte
	Provider string
	Cost     float64
	Invoked  []string // providers called, in order
}

// Broker executes work items against providers.
type Broker struct {
	registry Registry
	budget   Budget
	pricer   *pricing.Pricer
	sink     telemetry.Sink
	config   Config
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

// New creates a Broker. A nil sink discards attempt events.
func New(reg Registry, budget Budget, pricer *pricing.Pricer, sink telemetry.Sink, cfg Config, logger *slog.Logger) *Broker {
	if sink == nil {
		sink = telemetry.Nop{}
	}
	if pricer == nil {
		pricer = pricing.NewPricer()
	}
	return &Broker{
		registry: reg,
		budget:   budget,
		pricer:   pricer,
		sink:     sink,
		config:   cfg,
		sleep:    sleepCtx,
		logger:   logger.With("component", "broker"),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Execute runs one processing attempt of item. cancelled is polled before
// each provider call; it may be nil.
//
// Errors: model.ErrNoCandidates when nothing can serve the task type,
// model.ErrBudgetExhausted when the budget filtered out every candidate
// before any call, model.ErrCancelled, or model.ErrAllCandidatesExhausted
// wrapping the last provider error.
func (b *Broker) Execute(ctx context.Context, item *model.WorkItem, cancelled func() bool) (Outcome, error) {
	var out Outcome
	log := b.logger.With("item_id", item.ID, "task_type", item.TaskType, "attempt", item.AttemptCount+1)

	status := b.budget.BudgetStatus(item.OwnerID)
	candidates := b.registry.SelectCandidates(item.TaskType, status.Level != model.BudgetOK)
	if len(candidates) == 0 {
		return out, model.ErrNoCandidates
	}
	if status.Level == model.BudgetExceeded {
		candidates = freeOrLocal(candidates)
		if len(candidates) == 0 {
			log.Warn("budget exhausted, no free or local provider", "owner_id", item.OwnerID)
			return out, model.ErrBudgetExhausted
		}
	}

	var lastErr error
	var schedule *backoff.ExponentialBackOff
	for i, c := range candidates {
		if cancelled != nil && cancelled() {
			return out, model.ErrCancelled
		}
		name := c.Provider.Name
		if !c.Provider.FreeOrLocal() && b.budget.BudgetStatus(item.OwnerID).Level == model.BudgetExceeded {
			log.Info("skipping paid provider, budget exceeded", "provider", name)
			continue
		}

		out.Invoked = append(out.Invoked, name)
		resp, latency, err := b.invoke(ctx, c, item)
		ev := telemetry.AttemptEvent{
			ItemID:   item.ID,
			Attempt:  item.AttemptCount + 1,
			OwnerID:  item.OwnerID,
			TaskType: item.TaskType,
			Provider: name,
			Latency:  latency,
			Time:     time.Now().UTC(),
		}

		if err == nil {
			amount := b.price(c.Spec, item, resp, latency, log)
			if _, rerr := b.budget.Record(ctx, name, item.OwnerID, amount, item.TaskType, item.ID); rerr != nil {
				log.Error("record cost", "provider", name, "error", rerr)
			}
			b.registry.MarkSuccess(name)
			ev.Outcome = telemetry.OutcomeSuccess
			ev.Cost = amount
			b.sink.Attempt(ctx, ev)
			out.Output = resp.Output
			out.Provider = name
			out.Cost = amount
			log.Debug("provider succeeded", "provider", name, "latency_ms", latency.Milliseconds(), "cost", amount)
			return out, nil
		}

		ev.Error = err.Error()
		if ctx.Err() != nil {
			// Shutdown, not the provider's fault.
			ev.Outcome = string(model.ProviderTransport)
			b.sink.Attempt(ctx, ev)
			return out, fmt.Errorf("execute %s: %w", item.ID, ctx.Err())
		}

		kind := model.ProviderErrorKindOf(err)
		ev.Outcome = string(kind)
		b.sink.Attempt(ctx, ev)
		lastErr = err
		log.Warn("provider failed", "provider", name, "kind", kind, "error", err)

		switch kind {
		case model.ProviderRejected:
			b.registry.MarkRejected(name)
		case model.ProviderRateLimited:
			var retryAfter time.Duration
			var pe *model.ProviderError
			if errors.As(err, &pe) {
				retryAfter = pe.RetryAfter
			}
			b.registry.MarkThrottled(name, retryAfter)
			if schedule == nil {
				schedule = b.config.Backoff.newSchedule()
			}
			delay := b.config.Backoff.next(schedule, retryAfter)
			if i < len(candidates)-1 {
				if serr := b.sleep(ctx, delay); serr != nil {
					return out, fmt.Errorf("execute %s: %w", item.ID, serr)
				}
			}
		default:
			b.registry.MarkFailure(name)
		}
	}

	if len(out.Invoked) == 0 {
		return out, model.ErrBudgetExhausted
	}
	return out, fmt.Errorf("%w: %w", model.ErrAllCandidatesExhausted, lastErr)
}

// invoke calls one provider under its own timeout and a tracing span.
func (b *Broker) invoke(ctx context.Context, c provider.Candidate, item *model.WorkItem) (provider.Response, time.Duration, error) {
	timeout := c.Spec.Timeout.Std()
	if timeout <= 0 {
		timeout = b.config.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callCtx, span := telemetry.StartSpan(callCtx, "provider.invoke",
		attribute.String("item_id", item.ID),
		attribute.String("provider", c.Provider.Name),
		attribute.String("task_type", string(item.TaskType)),
		attribute.Int("attempt", item.AttemptCount+1),
	)
	defer span.End()

	start := time.Now()
	resp, err := c.Invoker.Invoke(callCtx, provider.Request{
		ItemID:   item.ID,
		TaskType: item.TaskType,
		OwnerID:  item.OwnerID,
		Payload:  item.Payload,
	})
	latency := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(model.ProviderErrorKindOf(err)))
		var pe *model.ProviderError
		if !errors.As(err, &pe) {
			err = model.NewProviderError(model.ProviderTransport, c.Provider.Name, err)
		}
	}
	return resp, latency, err
}

func (b *Broker) price(spec model.ProviderSpec, item *model.WorkItem, resp provider.Response, latency time.Duration, log *slog.Logger) float64 {
	u := pricing.Usage{
		PayloadBytes: len(item.Payload),
		ResultBytes:  len(resp.Output),
		Latency:      latency,
	}
	if resp.Usage != nil {
		u.PromptTokens = resp.Usage.PromptTokens
		u.CompletionTokens = resp.Usage.CompletionTokens
	}
	amount, err := b.pricer.Cost(spec, u)
	if err != nil {
		log.Error("pricing failed, charging cost_per_call", "provider", spec.Name, "error", err)
		return spec.CostPerCall
	}
	return amount
}

func freeOrLocal(cs []provider.Candidate) []provider.Candidate {
	var out []provider.Candidate
	for _, c := range cs {
		if c.Provider.FreeOrLocal() {
			out = append(out, c)
		}
	}
	return out
}
