package scheduler

import (
	"context"
	"fmt"

	"leadflow_backend/internal/conductor"
	"leadflow_backend/internal/deadletter"
	"leadflow_backend/platform/config"
	"leadflow_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	conductor *conductor.Conductor
	dlq       *deadletter.Service
	log       *logger.Logger
}

func NewWorker(cfg config.SchedulerConfig, cond *conductor.Conductor, dlq *deadletter.Service, log *logger.Logger) (*Worker, error) {
	redisURL := cfg.GetRedisURL()
	if redisURL == "" {
		return nil, fmt.Errorf("redis url not configured")
	}

	opt, err := redisClientOpt(redisURL, cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	queue := cfg.GetAsynqQueueName()
	if queue == "" {
		queue = "default"
	}

	concurrency := cfg.GetAsynqConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queue: 1,
		},
	})

	mux := asynq.NewServeMux()
	w := &Worker{
		server:    server,
		mux:       mux,
		conductor: cond,
		dlq:       dlq,
		log:       log,
	}

	mux.HandleFunc(TaskConductorResend, w.handleConductorResend)
	mux.HandleFunc(TaskDeadLetterRetry, w.handleDeadLetterRetry)

	return w, nil
}

func (w *Worker) Run(ctx context.Context) {
	if w == nil || w.server == nil {
		return
	}

	go func() {
		<-ctx.Done()
		w.server.Shutdown()
	}()

	if err := w.server.Run(w.mux); err != nil {
		w.log.Error("scheduler worker stopped", "error", err)
	}
}

// handleConductorResend retries one pending outbound message. A returned
// error lets asynq re-deliver with its own backoff.
func (w *Worker) handleConductorResend(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseConductorResendPayload(task)
	if err != nil {
		return err
	}

	leadID, err := uuid.Parse(payload.LeadID)
	if err != nil {
		return err
	}
	messageID, err := uuid.Parse(payload.MessageID)
	if err != nil {
		return err
	}

	return w.conductor.Resend(ctx, leadID, messageID)
}

// handleDeadLetterRetry replays one captured ingest failure. Retry budget
// and backoff live in the failed_units table; a replay that fails again
// consumes one attempt and is rescheduled there, never via asynq.
func (w *Worker) handleDeadLetterRetry(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseDeadLetterRetryPayload(task)
	if err != nil {
		return err
	}

	unitID, err := uuid.Parse(payload.UnitID)
	if err != nil {
		return err
	}

	unit, err := w.dlq.GetByID(ctx, unitID)
	if err != nil {
		return err
	}
	if unit.Status != deadletter.StatusPending {
		return nil
	}

	out, err := w.conductor.ReplayFailedUnit(ctx, unit)
	if err != nil {
		// Unparseable payload: replaying again can never succeed.
		w.log.Error("dead letter payload unreadable", "unit_id", unit.ID, "error", err)
		return w.dlq.MarkRetryAttempted(ctx, unit)
	}

	if out.Status == conductor.StatusError {
		return w.dlq.MarkRetryAttempted(ctx, unit)
	}

	// Any decisive outcome, including duplicate or a compliance rejection,
	// means the unit no longer needs replaying.
	w.log.Info("dead letter replayed", "unit_id", unit.ID, "status", out.Status)
	return w.dlq.Resolve(ctx, unit, "retry_worker")
}
