// Package deadletter provides the durable store for ingest units that failed
// unrecoverably. Nothing lands here silently: every captured unit carries the
// full context needed to replay it, and retries back off on a fixed schedule
// until the unit is dead or resolved.
package deadletter

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a failed unit. A unit is in exactly one
// state; only pending units are retry-eligible.
type Status string

const (
	StatusPending  Status = "pending"
	StatusDead     Status = "dead"
	StatusResolved Status = "resolved"
)

// FailedUnit is one durably captured ingest failure.
type FailedUnit struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Payload       json.RawMessage
	Source        string
	Stage         string
	ErrorText     string
	RetryCount    int
	MaxRetries    int
	Status        Status
	NextRetryAt   *time.Time
	CorrelationID string
	ResolvedBy    *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// backoffSchedule is the delay before retry attempt N (zero-based). Attempts
// past the table reuse the last entry.
var backoffSchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	240 * time.Minute,
}

// BackoffDelay returns the delay before the given zero-based retry attempt.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}
