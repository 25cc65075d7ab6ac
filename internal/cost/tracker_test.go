package cost

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/me/taskbroker/internal/store"
	"github.com/me/taskbroker/internal/telemetry"
	"github.com/me/taskbroker/pkg/model"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTracker(t *testing.T, ledger Ledger, cfg Config, c *clock) (*Tracker, *telemetry.Recorder) {
	t.Helper()
	rec := &telemetry.Recorder{}
	tr := NewTracker(ledger, cfg, rec, discard(), WithClock(c.now))
	if err := tr.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return tr, rec
}

func record(t *testing.T, tr *Tracker, owner string, amount float64) {
	t.Helper()
	if _, err := tr.Record(context.Background(), "p1", owner, amount, model.TaskSimpleQuery, "wi_1"); err != nil {
		t.Fatalf("Record(%v): %v", amount, err)
	}
}

func TestTracker_GlobalThresholds(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	tr, events := newTracker(t, store.NewMemoryStore(discard()), Config{Global: Limits{Daily: 10}, WarningPct: 80}, c)

	steps := []struct {
		amount     float64
		wantLevel  model.BudgetLevel
		wantEvents int
	}{
		{5, model.BudgetOK, 0},
		{3.5, model.BudgetWarning, 1},
		{0.1, model.BudgetWarning, 1},
		{2, model.BudgetExceeded, 2},
		{1, model.BudgetExceeded, 2},
	}
	for i, s := range steps {
		record(t, tr, "alice", s.amount)
		if got := tr.BudgetStatus("alice").Level; got != s.wantLevel {
			t.Errorf("step %d: level = %s, want %s", i, got, s.wantLevel)
		}
		if got := len(events.Budgets()); got != s.wantEvents {
			t.Errorf("step %d: %d budget events, want %d", i, got, s.wantEvents)
		}
	}
	evs := events.Budgets()
	if evs[0].Level != model.BudgetWarning || evs[0].Period != "day:2026-03-10" || evs[1].Level != model.BudgetExceeded {
		t.Errorf("events = %+v", evs)
	}

	// A new day starts a fresh daily period.
	c.t = c.t.Add(24 * time.Hour)
	if got := tr.BudgetStatus("alice").Level; got != model.BudgetOK {
		t.Errorf("next day level = %s, want ok", got)
	}
	record(t, tr, "alice", 9)
	if got := len(events.Budgets()); got != 3 {
		t.Errorf("next day: %d events, want 3", got)
	}
}

func TestTracker_OwnerScope(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	cfg := Config{Owners: map[string]Limits{"alice": {Monthly: 1}}, WarningPct: 80}
	tr, events := newTracker(t, store.NewMemoryStore(discard()), cfg, c)

	record(t, tr, "alice", 1)
	record(t, tr, "bob", 100)

	alice := tr.BudgetStatus("alice")
	if alice.Level != model.BudgetExceeded || len(alice.Scopes) != 2 {
		t.Errorf("alice = %+v", alice)
	}
	if got := tr.BudgetStatus("bob").Level; got != model.BudgetOK {
		t.Errorf("bob level = %s, want ok", got)
	}
	if got := tr.BudgetStatus("").Scopes[0].DailySpent; got != 101 {
		t.Errorf("global daily spent = %v, want 101", got)
	}
	// Jumping past the limit announces warning and exceeded once each.
	evs := events.Budgets()
	if len(evs) != 2 || evs[0].Scope != "owner:alice" || evs[0].Period != "month:2026-03" {
		t.Errorf("events = %+v", evs)
	}
}

func TestTracker_LoadRebuildsRollups(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	ledger := store.NewMemoryStore(discard())
	cfg := Config{Global: Limits{Daily: 10, Monthly: 100}, WarningPct: 50}

	first, _ := newTracker(t, ledger, cfg, c)
	record(t, first, "alice", 6)
	c.t = c.t.Add(-48 * time.Hour)
	record(t, first, "alice", 4)
	c.t = c.t.Add(48 * time.Hour)

	second, events := newTracker(t, ledger, cfg, c)
	st := second.BudgetStatus("alice").Scopes[0]
	if st.DailySpent != 6 || st.MonthlySpent != 10 || st.Level != model.BudgetWarning {
		t.Errorf("rebuilt state = %+v", st)
	}

	// The warning crossed before the restart is not announced again.
	record(t, second, "alice", 0.5)
	if got := len(events.Budgets()); got != 0 {
		t.Errorf("%d events after restart, want 0", got)
	}

	sum := second.Summary("alice")
	if len(sum.Daily) != 4 || sum.Daily[0].Period != "2026-03-08" {
		t.Errorf("daily rollups = %+v", sum.Daily)
	}
	if math.Abs(sum.Monthly[0].Spent-10.5) > 1e-9 {
		t.Errorf("monthly rollups = %+v", sum.Monthly)
	}
}

func TestTracker_RecordValidation(t *testing.T) {
	c := &clock{t: time.Now()}
	tr, _ := newTracker(t, store.NewMemoryStore(discard()), Config{WarningPct: 80}, c)
	if _, err := tr.Record(context.Background(), "p1", "alice", -1, model.TaskSimpleQuery, ""); err == nil {
		t.Error("negative amount should fail")
	}
	rec, err := tr.Record(context.Background(), "p1", "alice", 0, model.TaskSimpleQuery, "wi_1")
	if err != nil {
		t.Fatalf("Record(0): %v", err)
	}
	if rec.ID == "" || rec.ItemID != "wi_1" || rec.Timestamp.IsZero() {
		t.Errorf("record = %+v", rec)
	}
}

func TestTracker_DropsPreviousMonths(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 30, 12, 0, 0, 0, time.UTC)}
	tr, _ := newTracker(t, store.NewMemoryStore(discard()), Config{Global: Limits{Daily: 1, Monthly: 2}, WarningPct: 80}, c)

	record(t, tr, "alice", 3)
	c.t = c.t.Add(24 * time.Hour)
	record(t, tr, "bob", 0.5)
	c.t = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	record(t, tr, "bob", 0.5)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, ok := tr.daily[model.OwnerScope("alice")]; ok {
		t.Errorf("alice daily rollups kept: %v", tr.daily[model.OwnerScope("alice")])
	}
	if got := len(tr.daily[model.GlobalScope]); got != 1 {
		t.Errorf("global daily periods = %v, want only 2026-04-02", tr.daily[model.GlobalScope])
	}
	if got := tr.monthly[model.GlobalScope]; len(got) != 1 || got["2026-04"] != 0.5 {
		t.Errorf("global monthly = %v", got)
	}
	for key := range tr.fired {
		t.Errorf("stale threshold kept: %s", key)
	}
}
