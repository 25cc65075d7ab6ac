// Package worker runs the fixed-size pools that drain the two queues, plus
// the direct dispatcher used when queueing is disabled.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/taskbroker/internal/broker"
	"github.com/me/taskbroker/internal/scheduler"
	"github.com/me/taskbroker/pkg/model"
)

// Executor runs one processing attempt of an item.
type Executor interface {
	Execute(ctx context.Context, item *model.WorkItem, cancelled func() bool) (broker.Outcome, error)
}

// Lifecycle is the part of scheduler.Supervisor the pools drive.
type Lifecycle interface {
	Get(ctx context.Context, id string) (*model.WorkItem, error)
	Claim(ctx context.Context, queue model.QueueName, workerID string) (*model.WorkItem, error)
	ClaimByID(ctx context.Context, id, workerID string) (*model.WorkItem, error)
	Begin(ctx context.Context, item *model.WorkItem) (*model.WorkItem, error)
	Succeed(ctx context.Context, item *model.WorkItem, rep scheduler.Report) (*model.WorkItem, error)
	Requeue(ctx context.Context, item *model.WorkItem, rep scheduler.Report) (*model.WorkItem, error)
	DeadLetter(ctx context.Context, item *model.WorkItem, kind model.FailureKind, rep scheduler.Report) (*model.WorkItem, error)
	CancelClaimed(ctx context.Context, item *model.WorkItem, rep scheduler.Report) (*model.WorkItem, error)
}

// Config holds the configuration of one pool.
type Config struct {
	Queue        model.QueueName
	Workers      int
	PollInterval time.Duration
}

// processor is the processing path shared by pools and direct dispatch.
type processor struct {
	lifecycle Lifecycle
	executor  Executor
	logger    *slog.Logger
}

// process runs one claimed item to the end of its attempt and returns the
// item as stored afterwards. A nil item means the report was discarded.
func (p *processor) process(ctx context.Context, item *model.WorkItem) *model.WorkItem {
	log := p.logger.With("item_id", item.ID, "claim_token", item.ClaimToken, "attempt", item.AttemptCount+1)

	item, err := p.lifecycle.Begin(ctx, item)
	if err != nil {
		p.reportErr(log, "begin", err)
		return nil
	}
	started := time.Now().UTC()

	cancelled := func() bool {
		cur, err := p.lifecycle.Get(ctx, item.ID)
		return err == nil && cur.CancelRequested
	}
	out, execErr := p.executor.Execute(ctx, item, cancelled)
	rep := scheduler.Report{
		Providers: out.Invoked,
		Provider:  out.Provider,
		Output:    out.Output,
		Err:       execErr,
		StartedAt: started,
	}

	var done *model.WorkItem
	switch {
	case execErr == nil && cancelled(), errors.Is(execErr, model.ErrCancelled):
		done, err = p.lifecycle.CancelClaimed(ctx, item, rep)
	case execErr == nil:
		done, err = p.lifecycle.Succeed(ctx, item, rep)
	case ctx.Err() != nil:
		// Shutting down mid-call. The claim lapses and the reclaim loop
		// puts the item back.
		log.Info("abandoning item on shutdown", "error", execErr)
		return nil
	case errors.Is(execErr, model.ErrBudgetExhausted):
		done, err = p.lifecycle.DeadLetter(ctx, item, model.FailureBudgetExhausted, rep)
	case item.AttemptCount+1 < item.MaxAttempts:
		done, err = p.lifecycle.Requeue(ctx, item, rep)
	default:
		done, err = p.lifecycle.DeadLetter(ctx, item, model.FailureExhausted, rep)
	}
	if err != nil {
		p.reportErr(log, "report", err)
		return nil
	}
	return done
}

func (p *processor) reportErr(log *slog.Logger, op string, err error) {
	if errors.Is(err, model.ErrStaleCompletion) {
		log.Warn("stale completion discarded", "op", op, "error", err)
		return
	}
	log.Error("lifecycle update failed", "op", op, "error", err)
}

// Pool is a fixed set of workers draining one queue.
type Pool struct {
	proc   *processor
	config Config
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a pool. Call Start to run it.
func NewPool(lc Lifecycle, exec Executor, cfg Config, logger *slog.Logger) *Pool {
	logger = logger.With("component", "worker", "queue", cfg.Queue)
	return &Pool{
		proc:   &processor{lifecycle: lc, executor: exec, logger: logger},
		config: cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Workers returns the pool size.
func (p *Pool) Workers() int { return p.config.Workers }

// Start launches the workers and returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("pool started", "workers", p.config.Workers, "poll_interval", p.config.PollInterval)
	for i := 0; i < p.config.Workers; i++ {
		id := fmt.Sprintf("%s-%d", p.config.Queue, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(ctx, id)
		}()
	}
}

// Stop asks the workers to exit and waits for in-flight items to finish.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("pool stopped")
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		// Drain without waiting for the next tick while work is available.
		for p.running(ctx) {
			if !p.poll(ctx, workerID) {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) running(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		return false
	default:
		return true
	}
}

// poll claims and processes at most one item. It reports whether one was found.
func (p *Pool) poll(ctx context.Context, workerID string) bool {
	item, err := p.proc.lifecycle.Claim(ctx, p.config.Queue, workerID)
	if err != nil {
		p.logger.Error("claim", "worker_id", workerID, "error", err)
		return false
	}
	if item == nil {
		return false
	}
	p.logger.Debug("item claimed", "worker_id", workerID, "item_id", item.ID, "claim_token", item.ClaimToken)
	p.proc.process(ctx, item)
	return true
}

// Group runs the interactive and background pools together.
type Group struct {
	pools []*Pool
}

// NewGroup creates one pool per config.
func NewGroup(lc Lifecycle, exec Executor, logger *slog.Logger, cfgs ...Config) *Group {
	g := &Group{}
	for _, cfg := range cfgs {
		g.pools = append(g.pools, NewPool(lc, exec, cfg, logger))
	}
	return g
}

// Start launches every pool.
func (g *Group) Start(ctx context.Context) {
	for _, p := range g.pools {
		p.Start(ctx)
	}
}

// Stop stops every pool and waits for in-flight items.
func (g *Group) Stop() {
	var wg sync.WaitGroup
	for _, p := range g.pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			p.Stop()
		}(p)
	}
	wg.Wait()
}

// Workers returns the pool sizes keyed by queue.
func (g *Group) Workers() map[model.QueueName]int {
	out := make(map[model.QueueName]int, len(g.pools))
	for _, p := range g.pools {
		out[p.config.Queue] += p.Workers()
	}
	return out
}
