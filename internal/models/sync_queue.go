package models

import (
	"encoding/json"
	"time"
)

// OperationKind is the kind of work a queued operation performs.
type OperationKind string

const (
	OperationUpload   OperationKind = "upload"
	OperationDelete   OperationKind = "delete"
	OperationDownload OperationKind = "download"
)

// OperationStatus represents the status of a queued operation.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationInFlight  OperationStatus = "in_flight"
	OperationFailed    OperationStatus = "failed"
	OperationCompleted OperationStatus = "completed"
)

// Priority bounds. Operations at or above PriorityImmediate skip batching.
const (
	PriorityMin       = 1
	PriorityMax       = 10
	PriorityImmediate = 8
)

// QueuedOperation is a durable unit of sync work owned by the retry queue.
type QueuedOperation struct {
	ID              string          `json:"id"`
	EntityID        string          `json:"entity_id"`
	EntityType      EntityType      `json:"entity_type,omitempty"`
	Kind            OperationKind   `json:"kind"`
	Priority        int             `json:"priority"`
	PayloadSnapshot json.RawMessage `json:"payload_snapshot,omitempty"`
	AttemptCount    int             `json:"attempt_count"`
	MaxAttempts     int             `json:"max_attempts"`
	NextEligibleAt  time.Time       `json:"next_eligible_at"`
	Status          OperationStatus `json:"status"`
	LastError       string          `json:"last_error,omitempty"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a copy safe to hand out of the queue.
func (o *QueuedOperation) Clone() *QueuedOperation {
	if o == nil {
		return nil
	}
	c := *o
	if o.PayloadSnapshot != nil {
		c.PayloadSnapshot = append(json.RawMessage(nil), o.PayloadSnapshot...)
	}
	return &c
}

// IsEligible reports whether the operation may be dispatched at now.
func (o *QueuedOperation) IsEligible(now time.Time) bool {
	return o.Status == OperationPending && !o.NextEligibleAt.After(now)
}

// ClampPriority keeps p within [PriorityMin, PriorityMax].
func ClampPriority(p int) int {
	if p < PriorityMin {
		return PriorityMin
	}
	if p > PriorityMax {
		return PriorityMax
	}
	return p
}
