package webhook

import (
	"context"
	"fmt"
	"time"

	"leadflow_backend/internal/conductor"
	"leadflow_backend/internal/ratelimit"
	"leadflow_backend/platform/apperr"
	"leadflow_backend/platform/config"
	"leadflow_backend/platform/logger"

	"github.com/google/uuid"
)

const admissionWindow = time.Minute

// Service runs the composite admission check in front of the conductor.
// Every ingest request passes the sliding-window limiter before any lock or
// database work is done on its behalf.
type Service struct {
	conductor *conductor.Conductor
	limiter   *ratelimit.Limiter
	cfg       config.AdmissionConfig
	log       *logger.Logger
}

// NewService creates a webhook service.
func NewService(cond *conductor.Conductor, limiter *ratelimit.Limiter, cfg config.AdmissionConfig, log *logger.Logger) *Service {
	return &Service{conductor: cond, limiter: limiter, cfg: cfg, log: log}
}

// ProcessNewEvent admits and ingests one new-lead event.
func (s *Service) ProcessNewEvent(ctx context.Context, tenantID uuid.UUID, rawIdentity string, payload conductor.NewEventPayload) (conductor.Outcome, error) {
	if err := s.admit(ctx, tenantID, rawIdentity); err != nil {
		return conductor.Outcome{}, err
	}
	return s.conductor.HandleNewEvent(ctx, tenantID, rawIdentity, payload), nil
}

// ProcessReply admits and handles one inbound reply.
func (s *Service) ProcessReply(ctx context.Context, tenantID, leadID uuid.UUID, text string) (conductor.Outcome, error) {
	if err := s.admit(ctx, tenantID, "lead:"+leadID.String()); err != nil {
		return conductor.Outcome{}, err
	}
	return s.conductor.HandleReply(ctx, tenantID, leadID, text), nil
}

// admit enforces the global-per-tenant and per-source limits. The checks
// short-circuit on the first denial, so an already-throttled tenant never
// consumes per-source slots.
func (s *Service) admit(ctx context.Context, tenantID uuid.UUID, source string) error {
	res, deniedKey := s.limiter.AllowAll(ctx,
		ratelimit.Check{
			Key:    "rl:inbound:tenant:" + tenantID.String(),
			Limit:  s.cfg.GetInboundLimitPerMinute(),
			Window: admissionWindow,
		},
		ratelimit.Check{
			Key:    "rl:inbound:source:" + source,
			Limit:  s.cfg.GetIdentityLimitPerMinute(),
			Window: admissionWindow,
		},
	)
	if res.Allowed {
		return nil
	}

	retryAfter := int(res.RetryAfter.Seconds())
	return apperr.RateLimited(fmt.Sprintf("too many requests, retry in %ds", retryAfter)).
		WithOp("webhook.admit").
		WithDetails(map[string]any{"retryAfterSeconds": retryAfter, "limit": deniedKey})
}
