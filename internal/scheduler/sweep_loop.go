package scheduler

import (
	"context"
	"time"

	"leadflow_backend/internal/conductor"
	"leadflow_backend/internal/deadletter"
	"leadflow_backend/platform/logger"
)

const (
	defaultSweepInterval = 5 * time.Minute

	// dlqRequeueBatch bounds the safety-net scan per tick.
	dlqRequeueBatch = 100
)

// SweepLoop periodically runs the lead sweeper and re-enqueues pending
// dead-letter units whose scheduled retry task was lost.
type SweepLoop struct {
	sweeper  *conductor.Sweeper
	dlq      *deadletter.Service
	client   *Client
	interval time.Duration
	log      *logger.Logger
}

func NewSweepLoop(sweeper *conductor.Sweeper, dlq *deadletter.Service, client *Client, interval time.Duration, log *logger.Logger) *SweepLoop {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &SweepLoop{
		sweeper:  sweeper,
		dlq:      dlq,
		client:   client,
		interval: interval,
		log:      log,
	}
}

func (s *SweepLoop) Run(ctx context.Context) {
	if s == nil || s.sweeper == nil {
		return
	}

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *SweepLoop) tick(ctx context.Context) {
	if err := s.sweeper.RunOnce(ctx); err != nil {
		s.log.Warn("lead sweep failed", "error", err)
	}
	s.requeueLostRetries(ctx)
}

// requeueLostRetries re-enqueues pending units that are overdue by more than
// one interval. Units on schedule are skipped so normal retries are not
// double-enqueued.
func (s *SweepLoop) requeueLostRetries(ctx context.Context) {
	if s.dlq == nil || s.client == nil {
		return
	}

	overdue := time.Now().Add(-s.interval)
	units, err := s.dlq.ListRetryable(ctx, overdue, dlqRequeueBatch)
	if err != nil {
		s.log.Warn("dead letter requeue scan failed", "error", err)
		return
	}

	for _, unit := range units {
		if err := s.client.ScheduleDeadLetterRetry(ctx, unit.ID, time.Now()); err != nil {
			s.log.Warn("dead letter requeue failed", "unit_id", unit.ID, "error", err)
			continue
		}
		s.log.Info("dead letter retry re-enqueued", "unit_id", unit.ID, "retry_count", unit.RetryCount)
	}
}
