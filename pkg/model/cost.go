package model

import "time"

// CostRecord is one append-only spend entry. It is never mutated after creation.
type CostRecord struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	OwnerID   string    `json:"owner_id"`
	ItemID    string    `json:"item_id,omitempty"`
	TaskType  TaskType  `json:"task_type"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// BudgetLevel is the outcome of comparing spend against limits.
type BudgetLevel string

const (
	BudgetOK       BudgetLevel = "ok"
	BudgetWarning  BudgetLevel = "warning"
	BudgetExceeded BudgetLevel = "exceeded"
)

// Rank orders levels by severity.
func (l BudgetLevel) Rank() int {
	switch l {
	case BudgetWarning:
		return 1
	case BudgetExceeded:
		return 2
	}
	return 0
}

// Worse returns the more severe of l and other.
func (l BudgetLevel) Worse(other BudgetLevel) BudgetLevel {
	if other.Rank() > l.Rank() {
		return other
	}
	return l
}

// GlobalScope is the budget scope that aggregates every owner.
const GlobalScope = "global"

// OwnerScope returns the budget scope key of an owner.
func OwnerScope(ownerID string) string {
	return "owner:" + ownerID
}

// BudgetState is the derived spend/limit view of one scope.
// A zero limit means unlimited.
type BudgetState struct {
	Scope        string      `json:"scope"`
	Day          string      `json:"day"`
	Month        string      `json:"month"`
	DailySpent   float64     `json:"daily_spent"`
	MonthlySpent float64     `json:"monthly_spent"`
	DailyLimit   float64     `json:"daily_limit"`
	MonthlyLimit float64     `json:"monthly_limit"`
	WarningPct   float64     `json:"warning_pct"`
	Level        BudgetLevel `json:"level"`
}

// Evaluate computes the level of the scope from its spend and limits.
func (b *BudgetState) Evaluate() BudgetLevel {
	return LevelFor(b.DailySpent, b.DailyLimit, b.WarningPct).
		Worse(LevelFor(b.MonthlySpent, b.MonthlyLimit, b.WarningPct))
}

// LevelFor grades spent against limit; a zero limit is unlimited.
func LevelFor(spent, limit, warningPct float64) BudgetLevel {
	if limit <= 0 {
		return BudgetOK
	}
	if spent >= limit {
		return BudgetExceeded
	}
	if warningPct > 0 && spent >= limit*warningPct/100 {
		return BudgetWarning
	}
	return BudgetOK
}

// BudgetStatus is the budget verdict for one owner: the worst level over the
// global scope and the owner's own scope.
type BudgetStatus struct {
	OwnerID string        `json:"owner_id"`
	Level   BudgetLevel   `json:"level"`
	Scopes  []BudgetState `json:"scopes"`
}
