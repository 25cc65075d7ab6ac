package model

import (
	"time"
)

// WorkItem is the unit of schedulable work.
type WorkItem struct {
	ID       string    `json:"id"`
	Band     Band      `json:"priority_band"`
	TaskType TaskType  `json:"task_type"`
	OwnerID  string    `json:"owner_id"`
	State    WorkState `json:"state"`

	// Payload is opaque to the core; it is handed to the chosen provider as is.
	Payload []byte `json:"payload,omitempty"`

	AttemptCount int `json:"attempt_count"`
	MaxAttempts  int `json:"max_attempts"`

	// ClaimToken increases on every claim. Reports carrying an older
	// token are stale and must be discarded.
	ClaimToken int64  `json:"claim_token"`
	ClaimedBy  string `json:"claimed_by,omitempty"`

	// Seq orders items inside their queue. Requeue assigns a fresh value.
	Seq int64 `json:"seq"`

	CancelRequested bool        `json:"cancel_requested,omitempty"`
	Provider        string      `json:"provider,omitempty"`
	Result          []byte      `json:"result,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
	FailureKind     FailureKind `json:"failure_kind,omitempty"`

	EnqueuedAt  time.Time  `json:"enqueued_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	DeadlineAt  *time.Time `json:"deadline_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Queue returns the queue the item belongs to.
func (w *WorkItem) Queue() QueueName {
	return w.Band.Queue()
}

// Clone returns a deep copy so callers can't mutate store-owned memory.
func (w *WorkItem) Clone() *WorkItem {
	if w == nil {
		return nil
	}
	c := *w
	if w.Payload != nil {
		c.Payload = append([]byte(nil), w.Payload...)
	}
	if w.Result != nil {
		c.Result = append([]byte(nil), w.Result...)
	}
	c.ClaimedAt = cloneTime(w.ClaimedAt)
	c.DeadlineAt = cloneTime(w.DeadlineAt)
	c.CompletedAt = cloneTime(w.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// FailureKind classifies why an item ended up dead-lettered.
type FailureKind string

const (
	FailureNone            FailureKind = ""
	FailureExhausted       FailureKind = "attempts_exhausted"
	FailureBudgetExhausted FailureKind = "budget_exhausted"
	FailureClaimTimeout    FailureKind = "claim_timeout"
)

// AttemptOutcome is the result of one processing attempt of a WorkItem.
type AttemptOutcome string

const (
	AttemptSucceeded       AttemptOutcome = "succeeded"
	AttemptFailed          AttemptOutcome = "failed"
	AttemptBudgetExhausted AttemptOutcome = "budget_exhausted"
	AttemptTimedOut        AttemptOutcome = "claim_timeout"
	AttemptCancelled       AttemptOutcome = "cancelled"
)

// Attempt is one entry of a WorkItem's attempt history.
type Attempt struct {
	ItemID     string         `json:"item_id"`
	Number     int            `json:"number"`
	ClaimToken int64          `json:"claim_token"`
	Providers  []string       `json:"providers,omitempty"`
	Outcome    AttemptOutcome `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
}

// ResultStatus is the caller-visible final status of a WorkItem.
type ResultStatus string

const (
	ResultSucceeded       ResultStatus = "succeeded"
	ResultDeadLettered    ResultStatus = "dead_lettered"
	ResultBudgetExhausted ResultStatus = "budget_exhausted"
	ResultCancelled       ResultStatus = "cancelled"
)

// Result is delivered to the caller once a WorkItem reaches a terminal state.
type Result struct {
	ItemID       string       `json:"item_id"`
	Status       ResultStatus `json:"status"`
	Output       []byte       `json:"output,omitempty"`
	Error        string       `json:"error,omitempty"`
	Provider     string       `json:"provider,omitempty"`
	AttemptCount int          `json:"attempt_count"`
}

// ResultFor builds the caller-visible result of a terminal item.
// It returns false if the item is not terminal yet.
func ResultFor(w *WorkItem) (Result, bool) {
	r := Result{
		ItemID:       w.ID,
		Provider:     w.Provider,
		AttemptCount: w.AttemptCount,
		Error:        w.LastError,
	}
	switch w.State {
	case WorkStateSucceeded:
		r.Status = ResultSucceeded
		r.Output = w.Result
		r.Error = ""
	case WorkStateDeadLettered:
		r.Status = ResultDeadLettered
		if w.FailureKind == FailureBudgetExhausted {
			r.Status = ResultBudgetExhausted
		}
	case WorkStateCancelled:
		r.Status = ResultCancelled
	default:
		return Result{}, false
	}
	return r, true
}

// DeadLetter is a dead-lettered item together with its attempt history.
type DeadLetter struct {
	Item     *WorkItem `json:"item"`
	Attempts []Attempt `json:"attempts"`
}
