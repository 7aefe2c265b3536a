package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"leadflow_backend/platform/logger"

	"github.com/google/uuid"
)

// RetryScheduler enqueues the background task that replays a pending unit.
// Satisfied by scheduler.Client.
type RetryScheduler interface {
	ScheduleDeadLetterRetry(ctx context.Context, unitID uuid.UUID, runAt time.Time) error
}

// CaptureParams describes one unrecoverable ingest failure.
type CaptureParams struct {
	TenantID      uuid.UUID
	Payload       json.RawMessage
	Source        string
	Stage         string
	Err           error
	CorrelationID string
}

// Service owns the failed-unit lifecycle: capture, retry bookkeeping, and
// terminal resolution.
type Service struct {
	repo       Repository
	sched      RetryScheduler
	maxRetries int
	log        *logger.Logger
}

// NewService creates a dead-letter service. sched may be nil in contexts
// that only inspect units (retry scheduling is then skipped).
func NewService(repo Repository, sched RetryScheduler, maxRetries int, log *logger.Logger) *Service {
	if maxRetries < 1 {
		maxRetries = len(backoffSchedule)
	}
	return &Service{repo: repo, sched: sched, maxRetries: maxRetries, log: log}
}

// CaptureFailure durably records a failed ingest unit in "pending" with its
// first retry scheduled from the backoff table. The capture itself must not
// fail silently: an insert error is returned to the caller.
func (s *Service) CaptureFailure(ctx context.Context, params CaptureParams) (*FailedUnit, error) {
	errText := ""
	if params.Err != nil {
		errText = params.Err.Error()
	}

	firstRetry := time.Now().Add(BackoffDelay(0))
	unit := &FailedUnit{
		ID:            uuid.New(),
		TenantID:      params.TenantID,
		Payload:       params.Payload,
		Source:        params.Source,
		Stage:         params.Stage,
		ErrorText:     errText,
		RetryCount:    0,
		MaxRetries:    s.maxRetries,
		Status:        StatusPending,
		NextRetryAt:   &firstRetry,
		CorrelationID: params.CorrelationID,
	}

	if err := s.repo.Insert(ctx, unit); err != nil {
		return nil, err
	}

	s.log.Warn("dead letter captured",
		"unit_id", unit.ID,
		"source", unit.Source,
		"stage", unit.Stage,
		"error", errText,
	)

	if s.sched != nil {
		if err := s.sched.ScheduleDeadLetterRetry(ctx, unit.ID, firstRetry); err != nil {
			// The unit is durable; the sweeper picks up units whose task
			// enqueue failed.
			s.log.Error("failed to schedule dead letter retry", "unit_id", unit.ID, "error", err)
		}
	}

	return unit, nil
}

// MarkRetryAttempted increments the retry counter and either reschedules the
// unit or, once the maximum is reached, marks it dead with no further retry.
func (s *Service) MarkRetryAttempted(ctx context.Context, unit *FailedUnit) error {
	unit.RetryCount++

	if unit.RetryCount >= unit.MaxRetries {
		unit.Status = StatusDead
		unit.NextRetryAt = nil
		if err := s.repo.Update(ctx, unit); err != nil {
			return err
		}
		s.log.Warn("dead letter exhausted retries",
			"unit_id", unit.ID,
			"retry_count", unit.RetryCount,
		)
		return nil
	}

	next := time.Now().Add(BackoffDelay(unit.RetryCount))
	unit.NextRetryAt = &next
	if err := s.repo.Update(ctx, unit); err != nil {
		return err
	}

	if s.sched != nil {
		if err := s.sched.ScheduleDeadLetterRetry(ctx, unit.ID, next); err != nil {
			s.log.Error("failed to reschedule dead letter retry", "unit_id", unit.ID, "error", err)
		}
	}
	return nil
}

// Resolve terminally marks a unit resolved. Safe to call regardless of the
// unit's prior state, and idempotent.
func (s *Service) Resolve(ctx context.Context, unit *FailedUnit, resolvedBy string) error {
	unit.Status = StatusResolved
	unit.NextRetryAt = nil
	unit.ResolvedBy = &resolvedBy
	return s.repo.Update(ctx, unit)
}

// GetByID loads one unit.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*FailedUnit, error) {
	return s.repo.GetByID(ctx, id)
}

// ListRetryable returns pending units due for a retry. Used by the sweeper
// as a safety net for units whose scheduled task was lost.
func (s *Service) ListRetryable(ctx context.Context, now time.Time, limit int) ([]*FailedUnit, error) {
	return s.repo.ListRetryable(ctx, now, limit)
}
