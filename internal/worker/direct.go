package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/taskbroker/pkg/model"
)

// Submitter accepts new items.
type Submitter interface {
	Submit(ctx context.Context, req model.SubmitRequest) (*model.WorkItem, error)
}

// Direct processes every submission immediately in its own goroutine,
// bypassing the pools. It is used when queueing is disabled. Items still go
// through the store so results, fencing and reclaim behave the same.
//
// Items put back in QUEUED by anyone else (stale reclaim, stranded retries,
// dead-letter replay, leftovers of a previous run) are picked up by the
// sweeper started with Start.
type Direct struct {
	submitter Submitter
	proc      *processor
	ctx       context.Context
	logger    *slog.Logger

	wg       sync.WaitGroup // dispatched items
	sweepWG  sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDirect creates a direct dispatcher. ctx bounds every dispatched item.
func NewDirect(ctx context.Context, sub Submitter, lc Lifecycle, exec Executor, logger *slog.Logger) *Direct {
	logger = logger.With("component", "worker", "queue", "direct")
	return &Direct{
		submitter: sub,
		proc:      &processor{lifecycle: lc, executor: exec, logger: logger},
		ctx:       ctx,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Submit stores the item and starts processing it right away.
func (d *Direct) Submit(ctx context.Context, req model.SubmitRequest) (*model.WorkItem, error) {
	item, err := d.submitter.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(item.ID, nil)
	}()
	return item, nil
}

// Start launches the sweeper, which claims queued items of both queues every
// interval and dispatches them like new submissions. Returns immediately.
func (d *Direct) Start(interval time.Duration) {
	d.logger.Info("direct sweeper started", "interval", interval)
	d.sweepWG.Add(1)
	go func() {
		defer d.sweepWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		workerID := "direct-sweep-" + uuid.New().String()[:8]
		for {
			d.sweep(workerID)
			select {
			case <-d.ctx.Done():
				return
			case <-d.stopCh:
				return
			case <-ticker.C:
			}
		}
	}()
}

// sweep claims every queued item it can find and dispatches each one.
func (d *Direct) sweep(workerID string) {
	for _, q := range []model.QueueName{model.QueueInteractive, model.QueueBackground} {
		for d.ctx.Err() == nil {
			item, err := d.proc.lifecycle.Claim(d.ctx, q, workerID)
			if err != nil {
				d.logger.Error("sweep claim", "queue", q, "error", err)
				break
			}
			if item == nil {
				break
			}
			d.logger.Debug("queued item picked up", "item_id", item.ID, "claim_token", item.ClaimToken)
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.run(item.ID, item)
			}()
		}
	}
}

// run retries inline until the item is terminal or someone else owns it.
// claimed is an item already claimed by the caller, or nil.
func (d *Direct) run(id string, claimed *model.WorkItem) {
	workerID := "direct-" + uuid.New().String()[:8]
	for {
		item := claimed
		claimed = nil
		if item == nil {
			var err error
			item, err = d.proc.lifecycle.ClaimByID(d.ctx, id, workerID)
			if err != nil {
				d.logger.Error("claim", "item_id", id, "error", err)
				return
			}
			if item == nil {
				return
			}
		}
		done := d.proc.process(d.ctx, item)
		if done == nil || done.State != model.WorkStateQueued {
			return
		}
	}
}

// Wait blocks until every dispatched item has finished.
func (d *Direct) Wait() {
	d.wg.Wait()
}

// Stop ends the sweeper and waits for dispatched items.
func (d *Direct) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.sweepWG.Wait()
	d.wg.Wait()
}
