// Package conductor advances lead conversations through the lifecycle state
// machine. Every mutation of a lead happens under that lead's distributed
// lock, except initial creation and opt-out, which are serialized by the
// store itself.
package conductor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"leadflow_backend/internal/conductor/domain"
	"leadflow_backend/internal/conductor/ports"
	"leadflow_backend/internal/conductor/repository"
	"leadflow_backend/internal/deadletter"
	"leadflow_backend/internal/events"
	"leadflow_backend/internal/lock"
	"leadflow_backend/internal/reputation"
	"leadflow_backend/platform/config"
	"leadflow_backend/platform/logger"
	"leadflow_backend/platform/sanitize"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Outcome statuses a caller can receive. The webhook maps these onto HTTP
// responses; every code path produces exactly one of them.
const (
	StatusIntakeSent         = "intake_sent"
	StatusDuplicate          = "duplicate"
	StatusInvalidIdentity    = "invalid_identity"
	StatusTenantNotFound     = "tenant_not_found"
	StatusQuotaExceeded      = "quota_exceeded"
	StatusComplianceRejected = "compliance_rejected"
	StatusLockTimeout        = "lock_timeout"
	StatusOptedOut           = "opted_out"
	StatusNotFound           = "not_found"
	StatusSendFailed         = "send_failed"
	StatusError              = "error"
)

// Outcome is the typed result every handler entry point returns. Callers
// always get a status and elapsed time, even on internal failure.
type Outcome struct {
	LeadID    uuid.UUID `json:"leadId"`
	Status    string    `json:"status"`
	ElapsedMs int64     `json:"elapsedMs"`
}

// NewEventPayload is the normalized body of an inbound new-lead event.
type NewEventPayload struct {
	Text   string          `json:"text"`
	Source string          `json:"source"`
	Raw    json.RawMessage `json:"raw,omitempty"`
}

// ResendScheduler enqueues the background task that retries a transiently
// failed outbound message. Satisfied by scheduler.Client.
type ResendScheduler interface {
	ScheduleResend(ctx context.Context, leadID, messageID uuid.UUID, runAt time.Time) error
}

// resendDelay is how long after a transient failure the async resend runs.
const resendDelay = 30 * time.Second

// Conductor orchestrates lead creation and reply handling.
type Conductor struct {
	repo       repository.LeadsRepository
	locks      *lock.Lock
	reputation *reputation.Controller
	dlq        *deadletter.Service
	tenants    ports.TenantDirectory
	normalizer ports.IdentityNormalizer
	generator  ports.ContentGenerator
	sender     ports.ChannelSender
	compliance ports.ComplianceChecker
	bus        events.Bus
	resend     ResendScheduler
	cfg        config.ConductorConfig
	log        *logger.Logger
}

// New wires a Conductor. resend may be nil in contexts without a task queue;
// transient send failures are then left in pending_retry for the sweeper.
func New(
	repo repository.LeadsRepository,
	locks *lock.Lock,
	rep *reputation.Controller,
	dlq *deadletter.Service,
	tenants ports.TenantDirectory,
	normalizer ports.IdentityNormalizer,
	generator ports.ContentGenerator,
	sender ports.ChannelSender,
	compliance ports.ComplianceChecker,
	bus events.Bus,
	resend ResendScheduler,
	cfg config.ConductorConfig,
	log *logger.Logger,
) *Conductor {
	return &Conductor{
		repo:       repo,
		locks:      locks,
		reputation: rep,
		dlq:        dlq,
		tenants:    tenants,
		normalizer: normalizer,
		generator:  generator,
		sender:     sender,
		compliance: compliance,
		bus:        bus,
		resend:     resend,
		cfg:        cfg,
		log:        log,
	}
}

func lockKey(leadID uuid.UUID) string {
	return "lock:lead:" + leadID.String()
}

// HandleNewEvent ingests a new-lead event synchronously: validate, dedupe,
// persist, and send the intake message, all within the sync deadline. The
// lead is persisted before any outbound work so a crash after the send never
// loses the inbound.
func (c *Conductor) HandleNewEvent(ctx context.Context, tenantID uuid.UUID, rawIdentity string, payload NewEventPayload) Outcome {
	return c.ingest(ctx, tenantID, rawIdentity, payload, true)
}

// ingest is the shared new-event path. capture controls whether unrecoverable
// failures land in the dead-letter queue: replays of an already-captured unit
// must not, or each failed attempt would spawn a sibling unit with its own
// retry schedule.
func (c *Conductor) ingest(ctx context.Context, tenantID uuid.UUID, rawIdentity string, payload NewEventPayload, capture bool) Outcome {
	start := time.Now()
	finish := func(id uuid.UUID, status string) Outcome {
		elapsed := time.Since(start).Milliseconds()
		c.log.SyncResponse("new_event", status, elapsed)
		return Outcome{LeadID: id, Status: status, ElapsedMs: elapsed}
	}

	identity, ok := c.normalizer.Normalize(rawIdentity)
	if !ok {
		return finish(uuid.Nil, StatusInvalidIdentity)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.GetSyncDeadline())
	defer cancel()

	// Duplicate and tenant checks are independent reads; run them together.
	var (
		dup       *repository.Lead
		tenant    *ports.Tenant
		remaining int
		unlimited bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		found, err := c.repo.FindByIdentity(gctx, tenantID, identity)
		dup = found
		return err
	})
	g.Go(func() error {
		t, err := c.tenants.GetTenant(gctx, tenantID)
		if err != nil {
			return err
		}
		tenant = t
		if t == nil {
			return nil
		}
		remaining, unlimited, err = c.tenants.QuotaRemaining(gctx, tenantID)
		return err
	})
	if err := g.Wait(); err != nil {
		if capture {
			c.captureIngestFailure(ctx, tenantID, rawIdentity, payload, "precheck", err)
		}
		return finish(uuid.Nil, StatusError)
	}

	if dup != nil {
		return finish(dup.ID, StatusDuplicate)
	}
	if tenant == nil || !tenant.Active {
		return finish(uuid.Nil, StatusTenantNotFound)
	}
	if !unlimited && remaining <= 0 {
		return finish(uuid.Nil, StatusQuotaExceeded)
	}

	now := time.Now()
	lead := &repository.Lead{
		ID:            uuid.New(),
		TenantID:      tenantID,
		Identity:      identity,
		State:         domain.StateNew,
		PreviousState: domain.StateNew,
		TurnCount:     1,
		Source:        payload.Source,
		LastInboundAt: &now,
	}
	inbound := &repository.Message{
		ID:        uuid.New(),
		LeadID:    lead.ID,
		Direction: repository.DirectionInbound,
		Body:      sanitize.Text(payload.Text),
		Status:    repository.MessageStatusReceived,
	}

	if err := c.repo.CreateLeadWithMessage(ctx, lead, inbound); err != nil {
		if errors.Is(err, repository.ErrDuplicateIdentity) {
			// Lost the race against a concurrent delivery of the same event.
			return finish(uuid.Nil, StatusDuplicate)
		}
		if capture {
			c.captureIngestFailure(ctx, tenantID, rawIdentity, payload, "persist", err)
		}
		return finish(uuid.Nil, StatusError)
	}

	c.bus.Publish(ctx, events.LeadCreated{
		BaseEvent: events.NewBaseEvent(),
		LeadID:    lead.ID,
		TenantID:  tenantID,
		Identity:  identity,
		Source:    payload.Source,
	})

	status := c.sendIntake(ctx, tenant, lead, inbound.Body)
	return finish(lead.ID, status)
}

// sendIntake drafts and dispatches the intake reply for a freshly created
// lead, then persists the resulting turn. No lock is needed: no other handler
// can reference the lead until this call returns its id.
func (c *Conductor) sendIntake(ctx context.Context, tenant *ports.Tenant, lead *repository.Lead, inboundText string) string {
	verdict, err := c.compliance.Check(ctx, ports.ComplianceContext{
		TenantID: tenant.ID,
		Identity: lead.Identity,
		Text:     inboundText,
		Inbound:  true,
	})
	if err != nil || !verdict.Allowed {
		// A rejection (or an unreachable checker) is a normal terminal
		// outcome: the lead stays in "new" and nothing is sent.
		if err != nil {
			c.log.Error("compliance check failed, withholding send", "lead_id", lead.ID, "error", err)
		}
		return StatusComplianceRejected
	}

	reply, genErr := c.generator.Generate(ctx, ports.GenerationContext{
		TenantID:    tenant.ID,
		LeadID:      lead.ID,
		State:       string(lead.State),
		InboundText: inboundText,
		Prompt:      "A new lead just came in. Greet them warmly and ask what they are looking for.",
	})
	if genErr != nil {
		c.log.Error("intake generation failed", "lead_id", lead.ID, "error", genErr)
		// The lead is durable; the sweeper will follow up. State stays "new".
		return StatusError
	}
	lead.TotalCostUSD += reply.CostUSD

	outbound := &repository.Message{
		ID:        uuid.New(),
		LeadID:    lead.ID,
		Direction: repository.DirectionOutbound,
		Body:      reply.Text,
	}

	sendStatus := c.dispatch(ctx, tenant, lead, outbound)

	// A transient failure still advances: the async resend owns delivery. A
	// permanent failure is recorded but never retried; the lead stays "new".
	moved := false
	if sendStatus != ports.SendStatusPermanentFailure {
		moved = c.applyTransition(lead, domain.StateIntakeSent)
	}

	if err := c.repo.SaveTurn(ctx, lead, nil, outbound); err != nil {
		if errors.Is(err, repository.ErrTransitionConflict) {
			// The lead opted out while the intake was in flight; the opt-out
			// wins and this turn's write is discarded.
			return StatusOptedOut
		}
		c.log.DatabaseError("save intake turn", err)
		return StatusError
	}
	if moved {
		c.publishTransition(ctx, lead, "new_event")
	}

	if sendStatus == ports.SendStatusPermanentFailure {
		return StatusSendFailed
	}
	return StatusIntakeSent
}

// dispatch runs reputation admission and the channel send for one outbound
// message, setting its status and recording the attempt outcome. A denied
// admission or transient failure parks the message in pending_retry and
// schedules the async resend.
func (c *Conductor) dispatch(ctx context.Context, tenant *ports.Tenant, lead *repository.Lead, outbound *repository.Message) ports.SendStatus {
	decision := c.reputation.CheckSendAllowed(ctx, tenant.SenderID)
	if !decision.Allowed {
		outbound.Status = repository.MessageStatusPendingRetry
		c.scheduleResend(ctx, lead.ID, outbound.ID)
		return ports.SendStatusTransientFailure
	}

	res, err := c.sender.Send(ctx, lead.Identity, outbound.Body)
	if err != nil {
		res.Status = ports.SendStatusTransientFailure
	}

	switch res.Status {
	case ports.SendStatusSent:
		outbound.Status = repository.MessageStatusSent
		if res.ProviderID != "" {
			pid := res.ProviderID
			outbound.ProviderID = &pid
		}
		now := time.Now()
		lead.LastOutboundAt = &now
		c.reputation.RecordOutcome(ctx, tenant.SenderID, reputation.OutcomeDelivered)
	case ports.SendStatusPermanentFailure:
		outbound.Status = repository.MessageStatusFailed
		c.reputation.RecordOutcome(ctx, tenant.SenderID, reputation.OutcomeFailed)
		c.bus.Publish(ctx, events.OutboundSendFailed{
			BaseEvent: events.NewBaseEvent(),
			LeadID:    lead.ID,
			TenantID:  tenant.ID,
			MessageID: outbound.ID,
			Retryable: false,
			Reason:    "permanent_failure",
		})
	default:
		outbound.Status = repository.MessageStatusPendingRetry
		c.scheduleResend(ctx, lead.ID, outbound.ID)
		c.bus.Publish(ctx, events.OutboundSendFailed{
			BaseEvent: events.NewBaseEvent(),
			LeadID:    lead.ID,
			TenantID:  tenant.ID,
			MessageID: outbound.ID,
			Retryable: true,
			Reason:    "transient_failure",
		})
		res.Status = ports.SendStatusTransientFailure
	}
	return res.Status
}

func (c *Conductor) scheduleResend(ctx context.Context, leadID, messageID uuid.UUID) {
	if c.resend == nil {
		return
	}
	if err := c.resend.ScheduleResend(ctx, leadID, messageID, time.Now().Add(resendDelay)); err != nil {
		c.log.Error("failed to schedule resend", "lead_id", leadID, "message_id", messageID, "error", err)
	}
}

// HandleReply processes one inbound reply on an existing lead. Opt-out is
// detected before taking the lock; everything else runs inside the lead's
// critical section.
func (c *Conductor) HandleReply(ctx context.Context, tenantID, leadID uuid.UUID, text string) Outcome {
	start := time.Now()
	finish := func(status string) Outcome {
		elapsed := time.Since(start).Milliseconds()
		c.log.SyncResponse("reply", status, elapsed)
		return Outcome{LeadID: leadID, Status: status, ElapsedMs: elapsed}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.GetSyncDeadline())
	defer cancel()

	if IsOptOut(text) {
		return finish(c.applyOptOut(ctx, tenantID, leadID))
	}

	handle, err := c.locks.Acquire(ctx, lockKey(leadID), c.cfg.GetLockTTL(), c.cfg.GetLockMaxWait())
	if errors.Is(err, lock.ErrAcquireTimeout) {
		return finish(StatusLockTimeout)
	}
	if err != nil {
		return finish(StatusError)
	}
	defer handle.Release(context.WithoutCancel(ctx))

	lead, err := c.repo.GetByID(ctx, leadID)
	if errors.Is(err, repository.ErrLeadNotFound) {
		return finish(StatusNotFound)
	}
	if err != nil {
		c.log.DatabaseError("load lead", err)
		return finish(StatusError)
	}
	if lead.TenantID != tenantID {
		return finish(StatusNotFound)
	}
	if lead.State == domain.StateOptedOut {
		return finish(StatusOptedOut)
	}
	if domain.IsTerminal(lead.State) {
		// Replies to completed/dead conversations are acknowledged, not acted on.
		return finish(string(lead.State))
	}

	tenant, err := c.tenants.GetTenant(ctx, tenantID)
	if err != nil || tenant == nil {
		return finish(StatusTenantNotFound)
	}

	return finish(c.advanceTurn(ctx, tenant, lead, text))
}

// advanceTurn runs the locked portion of reply handling: bookkeeping,
// sub-handler dispatch, transition validation, reply generation, and the
// atomic turn persist.
func (c *Conductor) advanceTurn(ctx context.Context, tenant *ports.Tenant, lead *repository.Lead, text string) string {
	now := time.Now()
	lead.TurnCount++
	lead.LastInboundAt = &now

	inbound := &repository.Message{
		ID:        uuid.New(),
		LeadID:    lead.ID,
		Direction: repository.DirectionInbound,
		Body:      sanitize.Text(text),
		Status:    repository.MessageStatusReceived,
	}

	escalated := false
	if !lead.Escalated {
		switch {
		case isEscalation(text):
			lead.Escalated = true
			escalated = true
			c.publishEscalation(ctx, lead, "escalation_cue")
		case lead.TurnCount >= c.cfg.GetMaxTurns():
			lead.Escalated = true
			escalated = true
			c.publishEscalation(ctx, lead, "max_turns")
		}
	}

	handler := handlerFor(lead.State)
	if handler == nil {
		// Terminal states are filtered before dispatch; this is unreachable
		// unless the enum grows without a handler.
		_ = c.repo.SaveTurn(ctx, lead, inbound, nil)
		return string(lead.State)
	}

	rec := handler.Handle(ctx, lead, inbound.Body)
	moved := c.applyTransition(lead, rec.Next)

	prompt := rec.Prompt
	if escalated || rec.Escalate {
		prompt = "A human will take over this conversation. Let the lead know someone will reach out shortly."
	}

	reply, genErr := c.generator.Generate(ctx, ports.GenerationContext{
		TenantID:    tenant.ID,
		LeadID:      lead.ID,
		State:       string(lead.State),
		InboundText: inbound.Body,
		Prompt:      prompt,
	})

	var outbound *repository.Message
	status := string(lead.State)

	switch {
	case genErr != nil:
		// The turn still persists; the lead just gets no instant answer.
		c.log.Error("reply generation failed", "lead_id", lead.ID, "error", genErr)
	default:
		lead.TotalCostUSD += reply.CostUSD
		verdict, cErr := c.compliance.Check(ctx, ports.ComplianceContext{
			TenantID: tenant.ID,
			Identity: lead.Identity,
			Text:     reply.Text,
		})
		if cErr != nil || !verdict.Allowed {
			if cErr != nil {
				c.log.Error("compliance check failed, withholding send", "lead_id", lead.ID, "error", cErr)
			}
			status = StatusComplianceRejected
			break
		}
		outbound = &repository.Message{
			ID:        uuid.New(),
			LeadID:    lead.ID,
			Direction: repository.DirectionOutbound,
			Body:      reply.Text,
		}
		if c.dispatch(ctx, tenant, lead, outbound) == ports.SendStatusPermanentFailure {
			status = StatusSendFailed
		}
	}

	if err := c.repo.SaveTurn(ctx, lead, inbound, outbound); err != nil {
		if errors.Is(err, repository.ErrTransitionConflict) {
			// An unlocked opt-out landed after this turn loaded the lead. The
			// opt-out overrides everything; the turn's stale state is dropped.
			return StatusOptedOut
		}
		c.log.DatabaseError("save turn", err)
		return StatusError
	}
	if moved {
		c.publishTransition(ctx, lead, "reply")
	}
	return status
}

// applyOptOut terminates the lead without taking its lock. The store's
// conditional update is the serialization point: a concurrent locked handler
// either persists before the flip or fails its own conditional write after.
func (c *Conductor) applyOptOut(ctx context.Context, tenantID, leadID uuid.UUID) string {
	changed, err := c.repo.TransitionToOptedOut(ctx, leadID)
	if err != nil {
		c.log.DatabaseError("opt out", err)
		return StatusError
	}
	if changed {
		lead, lookupErr := c.repo.GetByID(ctx, leadID)
		identity := ""
		if lookupErr == nil {
			identity = lead.Identity
		}
		c.bus.Publish(ctx, events.LeadOptedOut{
			BaseEvent: events.NewBaseEvent(),
			LeadID:    leadID,
			TenantID:  tenantID,
			Identity:  identity,
		})
	}
	return StatusOptedOut
}

// applyTransition validates a recommended transition against the adjacency
// table. An undeclared transition is rejected and the state left unchanged.
// Returns whether the state actually moved.
func (c *Conductor) applyTransition(lead *repository.Lead, next domain.State) bool {
	if next == lead.State {
		return false
	}
	if !domain.CanTransition(lead.State, next) {
		c.log.TransitionRejected(lead.ID.String(), string(lead.State), string(next))
		return false
	}
	lead.PreviousState = lead.State
	lead.State = next
	return true
}

func (c *Conductor) publishTransition(ctx context.Context, lead *repository.Lead, trigger string) {
	c.bus.Publish(ctx, events.LeadStateChanged{
		BaseEvent: events.NewBaseEvent(),
		LeadID:    lead.ID,
		TenantID:  lead.TenantID,
		OldState:  string(lead.PreviousState),
		NewState:  string(lead.State),
		Trigger:   trigger,
	})
}

func (c *Conductor) publishEscalation(ctx context.Context, lead *repository.Lead, reason string) {
	c.bus.Publish(ctx, events.LeadEscalated{
		BaseEvent: events.NewBaseEvent(),
		LeadID:    lead.ID,
		TenantID:  lead.TenantID,
		Reason:    reason,
	})
}

// captureIngestFailure parks an unprocessable event in the dead-letter queue.
// Capture errors are logged, never propagated: the caller already has a
// failure to report.
func (c *Conductor) captureIngestFailure(ctx context.Context, tenantID uuid.UUID, rawIdentity string, payload NewEventPayload, stage string, cause error) {
	if c.dlq == nil {
		c.log.Error("ingest failure with no dead letter queue wired", "stage", stage, "error", cause)
		return
	}
	body, err := json.Marshal(failedEventPayload{
		RawIdentity: rawIdentity,
		Text:        payload.Text,
		Source:      payload.Source,
	})
	if err != nil {
		c.log.Error("failed to encode dead letter payload", "error", err)
		return
	}
	requestID, _ := ctx.Value(logger.RequestIDKey).(string)
	if _, err := c.dlq.CaptureFailure(ctx, deadletter.CaptureParams{
		TenantID:      tenantID,
		Payload:       body,
		Source:        "webhook",
		Stage:         stage,
		Err:           cause,
		CorrelationID: requestID,
	}); err != nil {
		c.log.Error("failed to capture dead letter", "stage", stage, "error", err)
	}
}

// failedEventPayload is the replayable form of a failed new-lead event.
type failedEventPayload struct {
	RawIdentity string `json:"rawIdentity"`
	Text        string `json:"text"`
	Source      string `json:"source"`
}

// ReplayFailedUnit re-runs a captured new-lead event. Called by the
// dead-letter retry task; a terminal-but-expected outcome (duplicate,
// compliance rejection) resolves the unit rather than burning a retry.
// The replay never re-captures: the retry budget lives on the unit being
// replayed, not on freshly spawned siblings.
func (c *Conductor) ReplayFailedUnit(ctx context.Context, unit *deadletter.FailedUnit) (Outcome, error) {
	var payload failedEventPayload
	if err := json.Unmarshal(unit.Payload, &payload); err != nil {
		return Outcome{}, err
	}
	out := c.ingest(ctx, unit.TenantID, payload.RawIdentity, NewEventPayload{
		Text:   payload.Text,
		Source: payload.Source,
	}, false)
	return out, nil
}

// Resend retries one pending outbound message. Called by the async resend
// task; a transient failure returns an error so the task queue applies its
// own backoff and retry budget.
func (c *Conductor) Resend(ctx context.Context, leadID, messageID uuid.UUID) error {
	handle, err := c.locks.Acquire(ctx, lockKey(leadID), c.cfg.GetLockTTL(), c.cfg.GetLockMaxWait())
	if err != nil {
		return err
	}
	defer handle.Release(context.WithoutCancel(ctx))

	msg, err := c.repo.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Status != repository.MessageStatusPendingRetry {
		return nil
	}

	lead, err := c.repo.GetByID(ctx, leadID)
	if err != nil {
		return err
	}
	if domain.IsTerminal(lead.State) {
		// Never message a lead that opted out or finished while the retry
		// was queued.
		return c.repo.UpdateMessageStatus(ctx, messageID, repository.MessageStatusFailed, nil)
	}

	tenant, err := c.tenants.GetTenant(ctx, lead.TenantID)
	if err != nil {
		return err
	}
	if tenant == nil {
		return c.repo.UpdateMessageStatus(ctx, messageID, repository.MessageStatusFailed, nil)
	}

	decision := c.reputation.CheckSendAllowed(ctx, tenant.SenderID)
	if !decision.Allowed {
		return errors.New("conductor: resend denied by reputation ceiling")
	}

	res, err := c.sender.Send(ctx, lead.Identity, msg.Body)
	if err != nil || res.Status == ports.SendStatusTransientFailure {
		c.bus.Publish(ctx, events.OutboundSendFailed{
			BaseEvent: events.NewBaseEvent(),
			LeadID:    lead.ID,
			TenantID:  lead.TenantID,
			MessageID: msg.ID,
			Retryable: true,
			Reason:    "transient_failure",
		})
		if err == nil {
			err = errors.New("conductor: transient send failure")
		}
		return err
	}

	if res.Status == ports.SendStatusPermanentFailure {
		c.reputation.RecordOutcome(ctx, tenant.SenderID, reputation.OutcomeFailed)
		return c.repo.UpdateMessageStatus(ctx, messageID, repository.MessageStatusFailed, nil)
	}

	c.reputation.RecordOutcome(ctx, tenant.SenderID, reputation.OutcomeDelivered)
	var providerID *string
	if res.ProviderID != "" {
		pid := res.ProviderID
		providerID = &pid
	}
	if err := c.repo.UpdateMessageStatus(ctx, messageID, repository.MessageStatusSent, providerID); err != nil {
		return err
	}
	now := time.Now()
	lead.LastOutboundAt = &now
	if err := c.repo.UpdateLead(ctx, lead); err != nil {
		if errors.Is(err, repository.ErrTransitionConflict) {
			// Opted out after the terminal check; the message is already out,
			// nothing further to record on the lead.
			return nil
		}
		return err
	}
	return nil
}
