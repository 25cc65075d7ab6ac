// Package cost keeps the append-only spend ledger, its daily and monthly
// rollups, and the budget verdicts derived from them.
package cost

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/me/taskbroker/internal/telemetry"
	"github.com/me/taskbroker/pkg/model"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// Limits is a pair of budget limits. Zero means unlimited.
type Limits struct {
	Daily   float64
	Monthly float64
}

// Config holds budget configuration.
type Config struct {
	Global     Limits
	Owners     map[string]Limits
	WarningPct float64
}

// Ledger persists cost records. store.Store satisfies it.
type Ledger interface {
	AppendCost(ctx context.Context, rec model.CostRecord) error
	ListCosts(ctx context.Context, since time.Time) ([]model.CostRecord, error)
}

// Tracker records spend and answers budget questions. Rollups are kept in
// memory and rebuilt from the ledger by Load.
type Tracker struct {
	ledger Ledger
	cfg    Config
	sink   telemetry.Sink
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	daily   map[string]map[string]float64 // scope -> day -> spent
	monthly map[string]map[string]float64 // scope -> month -> spent
	fired   map[string]bool               // scope|period|level
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker. A nil sink discards budget events.
func NewTracker(ledger Ledger, cfg Config, sink telemetry.Sink, logger *slog.Logger, opts ...Option) *Tracker {
	if sink == nil {
		sink = telemetry.Nop{}
	}
	t := &Tracker{
		ledger:  ledger,
		cfg:     cfg,
		sink:    sink,
		now:     time.Now,
		logger:  logger.With("component", "cost"),
		daily:   make(map[string]map[string]float64),
		monthly: make(map[string]map[string]float64),
		fired:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Load rebuilds the rollups of the current month from the ledger. Thresholds
// already crossed are marked as announced so a restart does not repeat them.
func (t *Tracker) Load(ctx context.Context) error {
	now := t.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	recs, err := t.ledger.ListCosts(ctx, monthStart)
	if err != nil {
		return fmt.Errorf("load cost ledger: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.daily = make(map[string]map[string]float64)
	t.monthly = make(map[string]map[string]float64)
	t.fired = make(map[string]bool)
	owners := make(map[string]bool)
	for _, rec := range recs {
		t.add(rec)
		owners[rec.OwnerID] = true
	}
	t.crossings(model.GlobalScope, t.limitsFor(model.GlobalScope), now)
	for owner := range owners {
		scope := model.OwnerScope(owner)
		t.crossings(scope, t.limitsFor(scope), now)
	}
	t.logger.Info("cost ledger loaded", "records", len(recs), "since", monthStart.Format(dayLayout))
	return nil
}

// Record appends a spend entry and updates the rollups. Crossing a threshold
// for the first time in a period emits one BudgetEvent.
func (t *Tracker) Record(ctx context.Context, provider, ownerID string, amount float64, taskType model.TaskType, itemID string) (model.CostRecord, error) {
	if amount < 0 {
		return model.CostRecord{}, fmt.Errorf("record cost: negative amount %v", amount)
	}
	rec := model.CostRecord{
		ID:        "cost_" + uuid.New().String(),
		Provider:  provider,
		OwnerID:   ownerID,
		ItemID:    itemID,
		TaskType:  taskType,
		Amount:    amount,
		Timestamp: t.now().UTC(),
	}
	if err := t.ledger.AppendCost(ctx, rec); err != nil {
		return model.CostRecord{}, fmt.Errorf("record cost: %w", err)
	}

	t.mu.Lock()
	t.add(rec)
	t.prune(rec.Timestamp)
	var events []telemetry.BudgetEvent
	for _, scope := range []string{model.GlobalScope, model.OwnerScope(ownerID)} {
		events = append(events, t.crossings(scope, t.limitsFor(scope), rec.Timestamp)...)
	}
	t.mu.Unlock()

	for _, ev := range events {
		t.sink.Budget(ctx, ev)
	}
	return rec, nil
}

// add folds rec into the rollups. Caller holds mu.
func (t *Tracker) add(rec model.CostRecord) {
	day := rec.Timestamp.UTC().Format(dayLayout)
	month := rec.Timestamp.UTC().Format(monthLayout)
	for _, scope := range []string{model.GlobalScope, model.OwnerScope(rec.OwnerID)} {
		if t.daily[scope] == nil {
			t.daily[scope] = make(map[string]float64)
		}
		if t.monthly[scope] == nil {
			t.monthly[scope] = make(map[string]float64)
		}
		t.daily[scope][day] += rec.Amount
		t.monthly[scope][month] += rec.Amount
	}
}

// prune drops rollups and announced thresholds of months before the one
// containing now. Caller holds mu.
func (t *Tracker) prune(now time.Time) {
	month := now.UTC().Format(monthLayout)
	for scope, days := range t.daily {
		for day := range days {
			if day[:len(monthLayout)] < month {
				delete(days, day)
			}
		}
		if len(days) == 0 {
			delete(t.daily, scope)
		}
	}
	for scope, months := range t.monthly {
		for m := range months {
			if m < month {
				delete(months, m)
			}
		}
		if len(months) == 0 {
			delete(t.monthly, scope)
		}
	}
	for key := range t.fired {
		// scope|day:2006-01-02|level or scope|month:2006-01|level
		rest := key[:strings.LastIndex(key, "|")+1]
		rest = strings.TrimSuffix(rest, "|")
		_, period, ok := strings.Cut(rest[strings.LastIndex(rest, "|")+1:], ":")
		if !ok {
			continue
		}
		if len(period) >= len(monthLayout) && period[:len(monthLayout)] < month {
			delete(t.fired, key)
		}
	}
}

func (t *Tracker) limitsFor(scope string) Limits {
	if scope == model.GlobalScope {
		return t.cfg.Global
	}
	owner := scope[len("owner:"):]
	return t.cfg.Owners[owner]
}

// crossings returns the threshold events not yet announced for scope in the
// periods containing now, marking them as fired. Caller holds mu.
func (t *Tracker) crossings(scope string, lim Limits, now time.Time) []telemetry.BudgetEvent {
	day := now.UTC().Format(dayLayout)
	month := now.UTC().Format(monthLayout)
	periods := []struct {
		period string
		spent  float64
		limit  float64
	}{
		{"day:" + day, t.daily[scope][day], lim.Daily},
		{"month:" + month, t.monthly[scope][month], lim.Monthly},
	}

	var events []telemetry.BudgetEvent
	for _, p := range periods {
		level := model.LevelFor(p.spent, p.limit, t.cfg.WarningPct)
		// Jumping straight past 100% announces the warning too.
		for _, l := range []model.BudgetLevel{model.BudgetWarning, model.BudgetExceeded} {
			if level.Rank() < l.Rank() {
				continue
			}
			key := scope + "|" + p.period + "|" + string(l)
			if t.fired[key] {
				continue
			}
			t.fired[key] = true
			events = append(events, telemetry.BudgetEvent{
				Scope: scope, Period: p.period, Level: l, Spent: p.spent, Limit: p.limit, Time: now,
			})
		}
	}
	return events
}

// state builds the current BudgetState of a scope. Caller holds mu.
func (t *Tracker) state(scope string, now time.Time) model.BudgetState {
	lim := t.limitsFor(scope)
	day := now.UTC().Format(dayLayout)
	month := now.UTC().Format(monthLayout)
	st := model.BudgetState{
		Scope:        scope,
		Day:          day,
		Month:        month,
		DailySpent:   t.daily[scope][day],
		MonthlySpent: t.monthly[scope][month],
		DailyLimit:   lim.Daily,
		MonthlyLimit: lim.Monthly,
		WarningPct:   t.cfg.WarningPct,
	}
	st.Level = st.Evaluate()
	return st
}

// BudgetStatus returns the worst level over the global scope and, when
// ownerID is set, the owner's scope.
func (t *Tracker) BudgetStatus(ownerID string) model.BudgetStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	status := model.BudgetStatus{OwnerID: ownerID, Level: model.BudgetOK}
	scopes := []string{model.GlobalScope}
	if ownerID != "" {
		scopes = append(scopes, model.OwnerScope(ownerID))
	}
	for _, scope := range scopes {
		st := t.state(scope, now)
		status.Scopes = append(status.Scopes, st)
		status.Level = status.Level.Worse(st.Level)
	}
	return status
}

// Summary is the budget view served by the API.
type Summary struct {
	Status  model.BudgetStatus `json:"status"`
	Daily   []Rollup           `json:"daily"`
	Monthly []Rollup           `json:"monthly"`
}

// Rollup is the spend of one scope in one period.
type Rollup struct {
	Scope  string  `json:"scope"`
	Period string  `json:"period"`
	Spent  float64 `json:"spent"`
}

// Summary returns the budget status plus every loaded rollup of the
// relevant scopes, oldest first.
func (t *Tracker) Summary(ownerID string) Summary {
	sum := Summary{Status: t.BudgetStatus(ownerID)}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range sum.Status.Scopes {
		sum.Daily = append(sum.Daily, rollups(st.Scope, t.daily[st.Scope])...)
		sum.Monthly = append(sum.Monthly, rollups(st.Scope, t.monthly[st.Scope])...)
	}
	return sum
}

func rollups(scope string, m map[string]float64) []Rollup {
	out := make([]Rollup, 0, len(m))
	for period, spent := range m {
		out = append(out, Rollup{Scope: scope, Period: period, Spent: spent})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Period < out[j].Period })
	return out
}
