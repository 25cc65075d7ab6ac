package model

import (
	"encoding/json"
	"time"
)

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures list queries with pagination and filtering.
type ListOptions struct {
	Limit   int
	Offset  int
	State   WorkState // Optional state filter
	OwnerID string    // Optional owner filter
	Queue   QueueName // Optional queue filter
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20, Offset: 0}
}

// Clamp enforces limits (max 100, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// SubmitRequest is the submission contract consumed from the input gateway.
// Payload is opaque: any JSON value is accepted and forwarded verbatim.
type SubmitRequest struct {
	TaskType     TaskType        `json:"task_type"`
	Payload      json.RawMessage `json:"payload"`
	OwnerID      string          `json:"owner_id"`
	PriorityBand string          `json:"priority_band"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
}

// Validate checks the request and returns field-level problems.
func (r *SubmitRequest) Validate() []FieldError {
	var errs []FieldError
	if !r.TaskType.Valid() {
		errs = append(errs, FieldError{Field: "task_type", Message: "unknown task type " + string(r.TaskType)})
	}
	if r.OwnerID == "" {
		errs = append(errs, FieldError{Field: "owner_id", Message: "required"})
	}
	if _, ok := ParseBand(r.PriorityBand); !ok {
		errs = append(errs, FieldError{Field: "priority_band", Message: "must be one of INTERACTIVE, NEAR_INTERACTIVE, SCHEDULED, BULK"})
	}
	if r.MaxAttempts < 0 {
		errs = append(errs, FieldError{Field: "max_attempts", Message: "must not be negative"})
	}
	return errs
}

// SubmitResponse is returned by a successful submission.
type SubmitResponse struct {
	ID    string    `json:"id"`
	State WorkState `json:"state"`
	Queue QueueName `json:"queue"`
}

// QueueStats summarizes item counts by state for one queue.
type QueueStats struct {
	Queue  QueueName         `json:"queue"`
	Counts map[WorkState]int `json:"counts"`
}
