package model

import "testing"

func TestBudgetState_Evaluate(t *testing.T) {
	tests := []struct {
		name  string
		state BudgetState
		want  BudgetLevel
	}{
		{"unlimited", BudgetState{DailySpent: 1e6}, BudgetOK},
		{"below warning", BudgetState{DailySpent: 5, DailyLimit: 10, WarningPct: 80}, BudgetOK},
		{"at warning", BudgetState{DailySpent: 8, DailyLimit: 10, WarningPct: 80}, BudgetWarning},
		{"at limit", BudgetState{DailySpent: 10, DailyLimit: 10, WarningPct: 80}, BudgetExceeded},
		{"monthly wins", BudgetState{DailySpent: 1, DailyLimit: 10, MonthlySpent: 100, MonthlyLimit: 100, WarningPct: 80}, BudgetExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.state.Evaluate(); got != tt.want {
				t.Errorf("Evaluate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBudgetLevel_Worse(t *testing.T) {
	if got := BudgetOK.Worse(BudgetWarning); got != BudgetWarning {
		t.Errorf("ok.Worse(warning) = %q", got)
	}
	if got := BudgetExceeded.Worse(BudgetWarning); got != BudgetExceeded {
		t.Errorf("exceeded.Worse(warning) = %q", got)
	}
}
