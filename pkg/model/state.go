package model

import "strings"

// WorkState represents the lifecycle state of a WorkItem.
type WorkState string

const (
	WorkStateQueued       WorkState = "QUEUED"
	WorkStateClaimed      WorkState = "CLAIMED"
	WorkStateProcessing   WorkState = "PROCESSING"
	WorkStateSucceeded    WorkState = "SUCCEEDED"
	WorkStateRetryPending WorkState = "RETRY_PENDING"
	WorkStateDeadLettered WorkState = "DEAD_LETTERED"
	WorkStateCancelled    WorkState = "CANCELLED"
)

// String returns the string representation of the work state.
func (s WorkState) String() string {
	return string(s)
}

// IsTerminal returns true if the item is in a final state.
// DEAD_LETTERED is terminal even though an operator may replay it.
func (s WorkState) IsTerminal() bool {
	switch s {
	case WorkStateSucceeded, WorkStateDeadLettered, WorkStateCancelled:
		return true
	}
	return false
}

// IsClaimed returns true while a worker holds a live claim on the item.
func (s WorkState) IsClaimed() bool {
	return s == WorkStateClaimed || s == WorkStateProcessing
}

// ValidWorkTransitions defines the allowed state transitions for WorkItems.
var ValidWorkTransitions = map[WorkState][]WorkState{
	WorkStateQueued:       {WorkStateClaimed, WorkStateCancelled},
	WorkStateClaimed:      {WorkStateProcessing, WorkStateQueued, WorkStateDeadLettered, WorkStateCancelled},
	WorkStateProcessing:   {WorkStateSucceeded, WorkStateRetryPending, WorkStateDeadLettered, WorkStateQueued, WorkStateCancelled},
	WorkStateRetryPending: {WorkStateQueued, WorkStateCancelled},
	WorkStateDeadLettered: {WorkStateQueued},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s WorkState) CanTransitionTo(next WorkState) bool {
	for _, allowed := range ValidWorkTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Band is the priority band a WorkItem was submitted with.
type Band string

const (
	BandInteractive     Band = "INTERACTIVE"      // P0
	BandNearInteractive Band = "NEAR_INTERACTIVE" // P1
	BandScheduled       Band = "SCHEDULED"        // P2
	BandBulk            Band = "BULK"             // P3
)

// ParseBand accepts both band names and the P0..P3 shorthand.
func ParseBand(s string) (Band, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INTERACTIVE", "P0":
		return BandInteractive, true
	case "NEAR_INTERACTIVE", "P1":
		return BandNearInteractive, true
	case "SCHEDULED", "P2":
		return BandScheduled, true
	case "BULK", "P3":
		return BandBulk, true
	}
	return "", false
}

// Queue returns the queue that services this band.
func (b Band) Queue() QueueName {
	switch b {
	case BandInteractive, BandNearInteractive:
		return QueueInteractive
	}
	return QueueBackground
}

// QueueName identifies one of the two independent FIFO queues.
type QueueName string

const (
	QueueInteractive QueueName = "interactive"
	QueueBackground  QueueName = "background"
)

// Bands returns the bands serviced by the queue.
func (q QueueName) Bands() []Band {
	if q == QueueInteractive {
		return []Band{BandInteractive, BandNearInteractive}
	}
	return []Band{BandScheduled, BandBulk}
}

// TaskType is the semantic tag used for provider affinity.
type TaskType string

const (
	TaskSimpleQuery      TaskType = "simple_query"
	TaskComplexReasoning TaskType = "complex_reasoning"
	TaskPrivacySensitive TaskType = "privacy_sensitive"
	TaskSummarization    TaskType = "summarization"
	TaskEmbedding        TaskType = "embedding"
)

// KnownTaskTypes lists every task type the router understands.
var KnownTaskTypes = []TaskType{
	TaskSimpleQuery,
	TaskComplexReasoning,
	TaskPrivacySensitive,
	TaskSummarization,
	TaskEmbedding,
}

// Valid reports whether t is one of KnownTaskTypes.
func (t TaskType) Valid() bool {
	for _, k := range KnownTaskTypes {
		if k == t {
			return true
		}
	}
	return false
}
