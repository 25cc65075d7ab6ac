package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/me/taskbroker/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T) *SQLStore {
	t.Helper()
	st, err := NewSQLiteStore(":memory:", testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// eachStore runs fn against every Store implementation.
func eachStore(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore(testLogger())) })
	t.Run("sqlite", func(t *testing.T) { fn(t, testStore(t)) })
}

func sampleItem(id string, band model.Band) *model.WorkItem {
	return &model.WorkItem{
		ID:          id,
		Band:        band,
		TaskType:    model.TaskSimpleQuery,
		OwnerID:     "alice",
		Payload:     []byte(`{"q":"hi"}`),
		MaxAttempts: 3,
	}
}

func mustEnqueue(t *testing.T, st Store, items ...*model.WorkItem) {
	t.Helper()
	for _, it := range items {
		if err := st.Enqueue(context.Background(), it); err != nil {
			t.Fatalf("Enqueue(%s): %v", it.ID, err)
		}
	}
}

func mustClaim(t *testing.T, st Store, q model.QueueName) *model.WorkItem {
	t.Helper()
	it, err := st.Claim(context.Background(), q, "w1", time.Minute)
	if err != nil {
		t.Fatalf("Claim(%s): %v", q, err)
	}
	if it == nil {
		t.Fatalf("Claim(%s) returned nil, want an item", q)
	}
	return it
}

func TestEnqueueAndGet(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		mustEnqueue(t, st, sampleItem("wi_1", model.BandInteractive))

		got, err := st.GetItem(ctx, "wi_1")
		if err != nil {
			t.Fatalf("GetItem: %v", err)
		}
		if got == nil {
			t.Fatal("GetItem returned nil")
		}
		if got.State != model.WorkStateQueued {
			t.Errorf("State = %s, want QUEUED", got.State)
		}
		if string(got.Payload) != `{"q":"hi"}` {
			t.Errorf("Payload = %s", got.Payload)
		}
		if got.Seq == 0 || got.EnqueuedAt.IsZero() {
			t.Errorf("Seq/EnqueuedAt not assigned: %+v", got)
		}

		missing, err := st.GetItem(ctx, "nope")
		if err != nil || missing != nil {
			t.Errorf("GetItem(missing) = %v, %v; want nil, nil", missing, err)
		}
	})
}

func TestClaim_FIFOAndBandIsolation(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		mustEnqueue(t, st,
			sampleItem("bulk", model.BandBulk),
			sampleItem("i1", model.BandNearInteractive),
			sampleItem("i2", model.BandInteractive),
			sampleItem("sched", model.BandScheduled),
		)

		// Interactive queue is FIFO regardless of P0/P1.
		for _, want := range []string{"i1", "i2"} {
			got := mustClaim(t, st, model.QueueInteractive)
			if got.ID != want {
				t.Errorf("interactive claim = %s, want %s", got.ID, want)
			}
			if got.State != model.WorkStateClaimed || got.ClaimToken != 1 || got.DeadlineAt == nil {
				t.Errorf("claimed item = %+v", got)
			}
		}
		if it, err := st.Claim(ctx, model.QueueInteractive, "w1", time.Minute); err != nil || it != nil {
			t.Fatalf("interactive queue should be empty, got %v, %v", it, err)
		}

		for _, want := range []string{"bulk", "sched"} {
			if got := mustClaim(t, st, model.QueueBackground); got.ID != want {
				t.Errorf("background claim = %s, want %s", got.ID, want)
			}
		}
	})
}

func TestClaim_Concurrent(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		const n = 30
		for i := 0; i < n; i++ {
			mustEnqueue(t, st, sampleItem(fmt.Sprintf("wi_%02d", i), model.BandInteractive))
		}

		var mu sync.Mutex
		seen := make(map[string]int)
		var wg sync.WaitGroup
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func(worker string) {
				defer wg.Done()
				for {
					it, err := st.Claim(ctx, model.QueueInteractive, worker, time.Minute)
					if err != nil {
						t.Errorf("Claim: %v", err)
						return
					}
					if it == nil {
						return
					}
					mu.Lock()
					seen[it.ID]++
					mu.Unlock()
				}
			}(fmt.Sprintf("w%d", w))
		}
		wg.Wait()

		if len(seen) != n {
			t.Errorf("claimed %d distinct items, want %d", len(seen), n)
		}
		for id, c := range seen {
			if c != 1 {
				t.Errorf("item %s claimed %d times", id, c)
			}
		}
	})
}

func TestBeginFinish_Fenced(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		mustEnqueue(t, st, sampleItem("wi_1", model.BandInteractive))
		it := mustClaim(t, st, model.QueueInteractive)

		if _, err := st.Begin(ctx, it.ID, it.ClaimToken+1); !errors.Is(err, model.ErrStaleCompletion) {
			t.Errorf("Begin(wrong token) err = %v, want ErrStaleCompletion", err)
		}
		if _, err := st.Begin(ctx, it.ID, it.ClaimToken); err != nil {
			t.Fatalf("Begin: %v", err)
		}

		done, err := st.Finish(ctx, it.ID, it.ClaimToken, Transition{
			To: model.WorkStateSucceeded, IncrementAttempt: true, Result: []byte("ok"), Provider: "p1",
		})
		if err != nil {
			t.Fatalf("Finish: %v", err)
		}
		if done.State != model.WorkStateSucceeded || done.AttemptCount != 1 || done.CompletedAt == nil {
			t.Errorf("finished item = %+v", done)
		}

		// A second report with the same token loses.
		_, err = st.Finish(ctx, it.ID, it.ClaimToken, Transition{To: model.WorkStateDeadLettered, IncrementAttempt: true})
		if !errors.Is(err, model.ErrStaleCompletion) {
			t.Errorf("second Finish err = %v, want ErrStaleCompletion", err)
		}
		got, _ := st.GetItem(ctx, it.ID)
		if got.State != model.WorkStateSucceeded || got.AttemptCount != 1 || string(got.Result) != "ok" {
			t.Errorf("item after stale finish = %+v", got)
		}
	})
}

func TestFinish_InvalidTransition(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		mustEnqueue(t, st, sampleItem("wi_1", model.BandInteractive))
		it := mustClaim(t, st, model.QueueInteractive)

		// CLAIMED cannot go straight to SUCCEEDED.
		_, err := st.Finish(ctx, it.ID, it.ClaimToken, Transition{To: model.WorkStateSucceeded})
		var ite *model.InvalidTransitionError
		if !errors.As(err, &ite) {
			t.Errorf("err = %v, want InvalidTransitionError", err)
		}
	})
}

func TestFinish_RequeueGoesToBack(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		mustEnqueue(t, st, sampleItem("first", model.BandInteractive))
		it := mustClaim(t, st, model.QueueInteractive)
		mustEnqueue(t, st, sampleItem("second", model.BandInteractive))

		if _, err := st.Begin(ctx, it.ID, it.ClaimToken); err != nil {
			t.Fatalf("Begin: %v", err)
		}
		if _, err := st.Finish(ctx, it.ID, it.ClaimToken, Transition{
			To: model.WorkStateRetryPending, IncrementAttempt: true, LastError: "boom",
		}); err != nil {
			t.Fatalf("Finish: %v", err)
		}
		requeued, err := st.Requeue(ctx, it.ID, model.WorkStateRetryPending)
		if err != nil {
			t.Fatalf("Requeue: %v", err)
		}
		if requeued.Seq <= it.Seq || requeued.ClaimedBy != "" || requeued.AttemptCount != 1 {
			t.Errorf("requeued = %+v", requeued)
		}

		if got := mustClaim(t, st, model.QueueInteractive); got.ID != "second" {
			t.Errorf("next claim = %s, want second", got.ID)
		}
		got := mustClaim(t, st, model.QueueInteractive)
		if got.ID != "first" || got.ClaimToken != 2 {
			t.Errorf("reclaimed = %s token %d, want first token 2", got.ID, got.ClaimToken)
		}
	})
}

func TestRequeue_ReplayDeadLetter(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		mustEnqueue(t, st, sampleItem("wi_1", model.BandScheduled))
		it := mustClaim(t, st, model.QueueBackground)
		st.Begin(ctx, it.ID, it.ClaimToken)
		if _, err := st.Finish(ctx, it.ID, it.ClaimToken, Transition{
			To: model.WorkStateDeadLettered, IncrementAttempt: true, FailureKind: model.FailureExhausted, LastError: "nope",
		}); err != nil {
			t.Fatalf("Finish: %v", err)
		}

		if _, err := st.Requeue(ctx, it.ID, model.WorkStateRetryPending); err == nil {
			t.Error("Requeue from wrong state should fail")
		}
		replayed, err := st.Requeue(ctx, it.ID, model.WorkStateDeadLettered)
		if err != nil {
			t.Fatalf("Requeue: %v", err)
		}
		if replayed.State != model.WorkStateQueued || replayed.AttemptCount != 0 || replayed.FailureKind != model.FailureNone || replayed.CompletedAt != nil {
			t.Errorf("replayed = %+v", replayed)
		}
		if got := mustClaim(t, st, model.QueueBackground); got.ID != it.ID {
			t.Errorf("claim after replay = %s", got.ID)
		}
	})
}

func TestRequeue_ReplayClearsPreviousRun(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		mustEnqueue(t, st, sampleItem("wi_1", model.BandInteractive))
		it := mustClaim(t, st, model.QueueInteractive)
		if _, err := st.Begin(ctx, it.ID, it.ClaimToken); err != nil {
			t.Fatalf("Begin: %v", err)
		}
		// Cancel lands while the item is processing, then the run dead-letters.
		if _, err := st.Cancel(ctx, it.ID); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		if _, err := st.Finish(ctx, it.ID, it.ClaimToken, Transition{
			To: model.WorkStateDeadLettered, IncrementAttempt: true, FailureKind: model.FailureClaimTimeout,
			LastError: "lease expired", Provider: "p1", Result: []byte("partial"),
		}); err != nil {
			t.Fatalf("Finish: %v", err)
		}

		if _, err := st.Requeue(ctx, it.ID, model.WorkStateDeadLettered); err != nil {
			t.Fatalf("Requeue: %v", err)
		}
		got, err := st.GetItem(ctx, it.ID)
		if err != nil {
			t.Fatalf("GetItem: %v", err)
		}
		if got.State != model.WorkStateQueued || got.CancelRequested || got.Provider != "" || got.Result != nil || got.LastError != "" {
			t.Errorf("replayed item = %+v", got)
		}

		// The replayed item runs to completion instead of being cancelled.
		again := mustClaim(t, st, model.QueueInteractive)
		if again.CancelRequested {
			t.Error("claimed replay still carries the cancel flag")
		}
	})
}

func TestCancel(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		mustEnqueue(t, st, sampleItem("queued", model.BandInteractive), sampleItem("busy", model.BandScheduled))

		got, err := st.Cancel(ctx, "queued")
		if err != nil {
			t.Fatalf("Cancel(queued): %v", err)
		}
		if got.State != model.WorkStateCancelled || got.CompletedAt == nil {
			t.Errorf("cancelled queued item = %+v", got)
		}
		if it, _ := st.Claim(ctx, model.QueueInteractive, "w1", time.Minute); it != nil {
			t.Errorf("cancelled item was claimed: %s", it.ID)
		}

		busy := mustClaim(t, st, model.QueueBackground)
		st.Begin(ctx, busy.ID, busy.ClaimToken)
		got, err = st.Cancel(ctx, "busy")
		if err != nil {
			t.Fatalf("Cancel(busy): %v", err)
		}
		if got.State != model.WorkStateProcessing || !got.CancelRequested {
			t.Errorf("cancel of processing item = %+v", got)
		}

		if _, err := st.Cancel(ctx, "queued"); err == nil {
			t.Error("Cancel of a terminal item should fail")
		}
		if _, err := st.Cancel(ctx, "missing"); !errors.Is(err, model.ErrItemNotFound) {
			t.Errorf("Cancel(missing) err = %v", err)
		}
	})
}

func TestListExpired(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		mustEnqueue(t, st, sampleItem("short", model.BandInteractive), sampleItem("long", model.BandInteractive))
		if _, err := st.Claim(ctx, model.QueueInteractive, "w1", -time.Second); err != nil {
			t.Fatalf("Claim: %v", err)
		}
		mustClaim(t, st, model.QueueInteractive)

		expired, err := st.ListExpired(ctx, time.Now())
		if err != nil {
			t.Fatalf("ListExpired: %v", err)
		}
		if len(expired) != 1 || expired[0].ID != "short" {
			t.Fatalf("expired = %v, want [short]", expired)
		}

		// Reclaim through the fenced path: counts the abandoned attempt.
		back, err := st.Finish(ctx, "short", expired[0].ClaimToken, Transition{To: model.WorkStateQueued, IncrementAttempt: true})
		if err != nil {
			t.Fatalf("Finish(reclaim): %v", err)
		}
		if back.AttemptCount != 1 || back.DeadlineAt != nil {
			t.Errorf("reclaimed = %+v", back)
		}
	})
}

func TestListItemsAndCounts(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			it := sampleItem(fmt.Sprintf("wi_%d", i), model.BandInteractive)
			if i%2 == 1 {
				it.OwnerID = "bob"
				it.Band = model.BandBulk
			}
			mustEnqueue(t, st, it)
		}
		mustClaim(t, st, model.QueueInteractive)

		items, total, err := st.ListItems(ctx, model.ListOptions{Limit: 2})
		if err != nil {
			t.Fatalf("ListItems: %v", err)
		}
		if total != 5 || len(items) != 2 {
			t.Errorf("total=%d len=%d, want 5 and 2", total, len(items))
		}

		items, total, _ = st.ListItems(ctx, model.ListOptions{OwnerID: "bob"})
		if total != 2 || len(items) != 2 {
			t.Errorf("bob: total=%d len=%d", total, len(items))
		}
		_, total, _ = st.ListItems(ctx, model.ListOptions{State: model.WorkStateClaimed})
		if total != 1 {
			t.Errorf("claimed total = %d, want 1", total)
		}

		counts, err := st.CountByState(ctx, model.QueueInteractive)
		if err != nil {
			t.Fatalf("CountByState: %v", err)
		}
		if counts[model.WorkStateQueued] != 2 || counts[model.WorkStateClaimed] != 1 {
			t.Errorf("interactive counts = %v", counts)
		}
	})
}

func TestAttemptsAndCosts(t *testing.T) {
	eachStore(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		start := time.Now().UTC().Truncate(time.Millisecond)
		for i := 1; i <= 2; i++ {
			if err := st.AppendAttempt(ctx, model.Attempt{
				ItemID: "wi_1", Number: i, ClaimToken: int64(i), Providers: []string{"a", "b"},
				Outcome: model.AttemptFailed, Error: "x", StartedAt: start.Add(time.Duration(i) * time.Second), EndedAt: start.Add(time.Duration(i) * time.Second),
			}); err != nil {
				t.Fatalf("AppendAttempt: %v", err)
			}
		}
		attempts, err := st.ListAttempts(ctx, "wi_1")
		if err != nil {
			t.Fatalf("ListAttempts: %v", err)
		}
		if len(attempts) != 2 || attempts[0].Number != 1 || len(attempts[1].Providers) != 2 {
			t.Errorf("attempts = %+v", attempts)
		}

		old := model.CostRecord{ID: "c1", Provider: "p", OwnerID: "alice", TaskType: model.TaskSimpleQuery, Amount: 1, Timestamp: start.Add(-48 * time.Hour)}
		recent := model.CostRecord{ID: "c2", Provider: "p", OwnerID: "alice", TaskType: model.TaskSimpleQuery, Amount: 0.25, Timestamp: start}
		for _, rec := range []model.CostRecord{old, recent} {
			if err := st.AppendCost(ctx, rec); err != nil {
				t.Fatalf("AppendCost: %v", err)
			}
		}
		costs, err := st.ListCosts(ctx, start.Add(-time.Hour))
		if err != nil {
			t.Fatalf("ListCosts: %v", err)
		}
		if len(costs) != 1 || costs[0].ID != "c2" || costs[0].Amount != 0.25 {
			t.Errorf("costs = %+v", costs)
		}
	})
}

func TestRebind(t *testing.T) {
	q := "UPDATE t SET a = ? WHERE id = ? AND b = ?"
	if got := dialectSQLite.rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %s", got)
	}
	want := "UPDATE t SET a = $1 WHERE id = $2 AND b = $3"
	if got := dialectPostgres.rebind(q); got != want {
		t.Errorf("postgres rebind = %s, want %s", got, want)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	st := testStore(t)
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open("mongo", "", testLogger()); err == nil {
		t.Error("expected error for unknown driver")
	}
}
