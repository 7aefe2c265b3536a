package conductor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
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

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ---------------------------------------------------------------------------
// fakes

type fakeRepo struct {
	mu       sync.Mutex
	leads    map[uuid.UUID]*repository.Lead
	messages map[uuid.UUID]*repository.Message
	findErr  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		leads:    make(map[uuid.UUID]*repository.Lead),
		messages: make(map[uuid.UUID]*repository.Message),
	}
}

func (f *fakeRepo) CreateLeadWithMessage(_ context.Context, lead *repository.Lead, inbound *repository.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.leads {
		if existing.TenantID == lead.TenantID && existing.Identity == lead.Identity {
			return repository.ErrDuplicateIdentity
		}
	}
	cp := *lead
	cp.CreatedAt = time.Now()
	f.leads[lead.ID] = &cp
	mc := *inbound
	f.messages[inbound.ID] = &mc
	return nil
}

func (f *fakeRepo) FindByIdentity(_ context.Context, tenantID uuid.UUID, identity string) (*repository.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	for _, l := range f.leads {
		if l.TenantID == tenantID && l.Identity == identity {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*repository.Lead, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leads[id]
	if !ok {
		return nil, repository.ErrLeadNotFound
	}
	cp := *l
	return &cp, nil
}

func (f *fakeRepo) SaveTurn(_ context.Context, lead *repository.Lead, inbound, outbound *repository.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stored, ok := f.leads[lead.ID]; ok && stored.State == domain.StateOptedOut {
		return repository.ErrTransitionConflict
	}
	cp := *lead
	f.leads[lead.ID] = &cp
	if inbound != nil {
		mc := *inbound
		f.messages[inbound.ID] = &mc
	}
	if outbound != nil {
		mc := *outbound
		f.messages[outbound.ID] = &mc
	}
	return nil
}

func (f *fakeRepo) UpdateLead(_ context.Context, lead *repository.Lead) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stored, ok := f.leads[lead.ID]; ok && stored.State == domain.StateOptedOut && lead.State != domain.StateOptedOut {
		return repository.ErrTransitionConflict
	}
	cp := *lead
	f.leads[lead.ID] = &cp
	return nil
}

func (f *fakeRepo) TransitionToOptedOut(_ context.Context, leadID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.leads[leadID]
	if !ok || domain.IsTerminal(l.State) {
		return false, nil
	}
	l.PreviousState = l.State
	l.State = domain.StateOptedOut
	return true, nil
}

func (f *fakeRepo) GetMessage(_ context.Context, id uuid.UUID) (*repository.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, repository.ErrLeadNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeRepo) UpdateMessageStatus(_ context.Context, id uuid.UUID, status string, providerID *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return repository.ErrLeadNotFound
	}
	m.Status = status
	if providerID != nil {
		m.ProviderID = providerID
	}
	return nil
}

func (f *fakeRepo) ListIdleInStates(_ context.Context, states []domain.State, idleSince time.Time, limit int) ([]repository.SweepCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []repository.SweepCandidate
	for _, l := range f.leads {
		last := l.CreatedAt
		if l.LastInboundAt != nil {
			last = *l.LastInboundAt
		}
		if !last.After(idleSince) {
			for _, s := range states {
				if l.State == s {
					out = append(out, repository.SweepCandidate{LeadID: l.ID, TenantID: l.TenantID, State: l.State})
					break
				}
			}
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeRepo) outboundStatuses(leadID uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.messages {
		if m.LeadID == leadID && m.Direction == repository.DirectionOutbound {
			out = append(out, m.Status)
		}
	}
	return out
}

type fakeTenants struct {
	tenant    *ports.Tenant
	remaining int
	unlimited bool
}

func (f *fakeTenants) GetTenant(_ context.Context, id uuid.UUID) (*ports.Tenant, error) {
	if f.tenant == nil || f.tenant.ID != id {
		return nil, nil
	}
	cp := *f.tenant
	return &cp, nil
}

func (f *fakeTenants) QuotaRemaining(_ context.Context, _ uuid.UUID) (int, bool, error) {
	return f.remaining, f.unlimited, nil
}

type fakeNormalizer struct{}

func (fakeNormalizer) Normalize(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !strings.HasPrefix(trimmed, "+") {
		return "", false
	}
	return trimmed, true
}

type fakeGenerator struct {
	delay    time.Duration
	active   atomic.Int32
	maxSeen  atomic.Int32
	genCount atomic.Int32
}

func (f *fakeGenerator) Generate(_ context.Context, genCtx ports.GenerationContext) (ports.GeneratedReply, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.genCount.Add(1)
	return ports.GeneratedReply{Text: "reply for " + genCtx.State, CostUSD: 0.001}, nil
}

type fakeSender struct {
	mu      sync.Mutex
	status  ports.SendStatus
	sent    []string
	nextErr error
}

func (f *fakeSender) Send(_ context.Context, identity, _ string) (ports.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		err := f.nextErr
		f.nextErr = nil
		return ports.SendResult{}, err
	}
	status := f.status
	if status == "" {
		status = ports.SendStatusSent
	}
	f.sent = append(f.sent, identity)
	return ports.SendResult{Status: status, ProviderID: "prov-1"}, nil
}

type fakeCompliance struct{ deny bool }

func (f fakeCompliance) Check(_ context.Context, _ ports.ComplianceContext) (ports.ComplianceResult, error) {
	if f.deny {
		return ports.ComplianceResult{Allowed: false, Reason: "blocked content"}, nil
	}
	return ports.ComplianceResult{Allowed: true}, nil
}

type fakeResend struct {
	mu        sync.Mutex
	scheduled []uuid.UUID
}

func (f *fakeResend) ScheduleResend(_ context.Context, _, messageID uuid.UUID, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, messageID)
	return nil
}

// ---------------------------------------------------------------------------
// harness

type harness struct {
	conductor *Conductor
	repo      *fakeRepo
	tenants   *fakeTenants
	generator *fakeGenerator
	sender    *fakeSender
	resend    *fakeResend
	locks     *lock.Lock
	tenantID  uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logger.New("development")
	cfg := &config.Config{
		LockTTL:      5 * time.Second,
		LockMaxWait:  2 * time.Second,
		SyncDeadline: 10 * time.Second,
		MaxTurns:     30,
		MaxFollowUps: 3,
		ColdAfter:    48 * time.Hour,
	}

	tenantID := uuid.New()
	h := &harness{
		repo: newFakeRepo(),
		tenants: &fakeTenants{
			tenant:    &ports.Tenant{ID: tenantID, Name: "Acme", SenderID: "sender-acme", Active: true},
			unlimited: true,
		},
		generator: &fakeGenerator{},
		sender:    &fakeSender{},
		resend:    &fakeResend{},
		locks:     lock.New(client, log),
		tenantID:  tenantID,
	}

	h.conductor = New(
		h.repo,
		h.locks,
		reputation.NewController(client, log),
		nil,
		h.tenants,
		fakeNormalizer{},
		h.generator,
		h.sender,
		fakeCompliance{},
		events.NewInMemoryBus(log),
		h.resend,
		cfg,
		log,
	)
	return h
}

func (h *harness) createLead(t *testing.T, state domain.State) *repository.Lead {
	t.Helper()
	now := time.Now()
	lead := &repository.Lead{
		ID:            uuid.New(),
		TenantID:      h.tenantID,
		Identity:      "+15550001111",
		State:         state,
		PreviousState: state,
		TurnCount:     1,
		LastInboundAt: &now,
	}
	inbound := &repository.Message{
		ID:        uuid.New(),
		LeadID:    lead.ID,
		Direction: repository.DirectionInbound,
		Body:      "hello",
		Status:    repository.MessageStatusReceived,
	}
	if err := h.repo.CreateLeadWithMessage(context.Background(), lead, inbound); err != nil {
		t.Fatalf("seed lead: %v", err)
	}
	return lead
}

// ---------------------------------------------------------------------------
// HandleNewEvent

func TestHandleNewEventCreatesLeadAndSendsIntake(t *testing.T) {
	h := newHarness(t)

	out := h.conductor.HandleNewEvent(context.Background(), h.tenantID, "+15550002222", NewEventPayload{
		Text:   "Hi, I saw your listing",
		Source: "webform",
	})

	if out.Status != StatusIntakeSent {
		t.Fatalf("status = %q, want %q", out.Status, StatusIntakeSent)
	}
	if out.LeadID == uuid.Nil {
		t.Fatal("expected a lead id")
	}

	lead, err := h.repo.GetByID(context.Background(), out.LeadID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if lead.State != domain.StateIntakeSent {
		t.Errorf("state = %q, want %q", lead.State, domain.StateIntakeSent)
	}
	if lead.LastOutboundAt == nil {
		t.Error("expected last_outbound_at to be set after a successful send")
	}
	if got := h.repo.outboundStatuses(out.LeadID); len(got) != 1 || got[0] != repository.MessageStatusSent {
		t.Errorf("outbound statuses = %v, want [sent]", got)
	}
}

func TestHandleNewEventRejectsInvalidIdentity(t *testing.T) {
	h := newHarness(t)

	out := h.conductor.HandleNewEvent(context.Background(), h.tenantID, "not-a-number", NewEventPayload{Text: "hi"})
	if out.Status != StatusInvalidIdentity {
		t.Fatalf("status = %q, want %q", out.Status, StatusInvalidIdentity)
	}
	if len(h.sender.sent) != 0 {
		t.Error("nothing should be sent for an invalid identity")
	}
}

func TestHandleNewEventDetectsDuplicate(t *testing.T) {
	h := newHarness(t)

	first := h.conductor.HandleNewEvent(context.Background(), h.tenantID, "+15550003333", NewEventPayload{Text: "hi"})
	if first.Status != StatusIntakeSent {
		t.Fatalf("first status = %q, want %q", first.Status, StatusIntakeSent)
	}

	second := h.conductor.HandleNewEvent(context.Background(), h.tenantID, "+15550003333", NewEventPayload{Text: "hi again"})
	if second.Status != StatusDuplicate {
		t.Fatalf("second status = %q, want %q", second.Status, StatusDuplicate)
	}
	if second.LeadID != first.LeadID {
		t.Errorf("duplicate should reference the existing lead")
	}
	if len(h.sender.sent) != 1 {
		t.Errorf("sends = %d, want 1 (duplicates never trigger a send)", len(h.sender.sent))
	}
}

func TestHandleNewEventUnknownTenant(t *testing.T) {
	h := newHarness(t)

	out := h.conductor.HandleNewEvent(context.Background(), uuid.New(), "+15550004444", NewEventPayload{Text: "hi"})
	if out.Status != StatusTenantNotFound {
		t.Fatalf("status = %q, want %q", out.Status, StatusTenantNotFound)
	}
}

func TestHandleNewEventQuotaExceeded(t *testing.T) {
	h := newHarness(t)
	h.tenants.unlimited = false
	h.tenants.remaining = 0

	out := h.conductor.HandleNewEvent(context.Background(), h.tenantID, "+15550005555", NewEventPayload{Text: "hi"})
	if out.Status != StatusQuotaExceeded {
		t.Fatalf("status = %q, want %q", out.Status, StatusQuotaExceeded)
	}
}

func TestHandleNewEventTransientSendFailureStillAdvances(t *testing.T) {
	h := newHarness(t)
	h.sender.status = ports.SendStatusTransientFailure

	out := h.conductor.HandleNewEvent(context.Background(), h.tenantID, "+15550006666", NewEventPayload{Text: "hi"})
	if out.Status != StatusIntakeSent {
		t.Fatalf("status = %q, want %q (transient failures hand off to async retry)", out.Status, StatusIntakeSent)
	}

	lead, err := h.repo.GetByID(context.Background(), out.LeadID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if lead.State != domain.StateIntakeSent {
		t.Errorf("state = %q, want %q", lead.State, domain.StateIntakeSent)
	}
	if got := h.repo.outboundStatuses(out.LeadID); len(got) != 1 || got[0] != repository.MessageStatusPendingRetry {
		t.Errorf("outbound statuses = %v, want [pending_retry]", got)
	}
	if len(h.resend.scheduled) != 1 {
		t.Errorf("resends scheduled = %d, want 1", len(h.resend.scheduled))
	}
}

func TestHandleNewEventPermanentSendFailureStaysNew(t *testing.T) {
	h := newHarness(t)
	h.sender.status = ports.SendStatusPermanentFailure

	out := h.conductor.HandleNewEvent(context.Background(), h.tenantID, "+15550007777", NewEventPayload{Text: "hi"})
	if out.Status != StatusSendFailed {
		t.Fatalf("status = %q, want %q", out.Status, StatusSendFailed)
	}

	lead, err := h.repo.GetByID(context.Background(), out.LeadID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if lead.State != domain.StateNew {
		t.Errorf("state = %q, want %q (permanent failures are not retried)", lead.State, domain.StateNew)
	}
	if len(h.resend.scheduled) != 0 {
		t.Error("permanent failures must not schedule a resend")
	}
}

// ---------------------------------------------------------------------------
// HandleReply

func TestHandleReplyAdvancesState(t *testing.T) {
	h := newHarness(t)
	lead := h.createLead(t, domain.StateIntakeSent)

	out := h.conductor.HandleReply(context.Background(), h.tenantID, lead.ID, "yes, tell me more")
	if out.Status != string(domain.StateQualifying) {
		t.Fatalf("status = %q, want %q", out.Status, domain.StateQualifying)
	}

	got, _ := h.repo.GetByID(context.Background(), lead.ID)
	if got.State != domain.StateQualifying {
		t.Errorf("state = %q, want %q", got.State, domain.StateQualifying)
	}
	if got.TurnCount != 2 {
		t.Errorf("turn count = %d, want 2", got.TurnCount)
	}
}

func TestHandleReplyRejectsUndeclaredTransition(t *testing.T) {
	// A reply arriving before the intake went out dispatches the intake
	// handler, whose qualifying recommendation is not reachable from "new".
	h := newHarness(t)
	lead := h.createLead(t, domain.StateNew)

	h.conductor.HandleReply(context.Background(), h.tenantID, lead.ID, "hello again")

	got, _ := h.repo.GetByID(context.Background(), lead.ID)
	if got.State != domain.StateNew {
		t.Errorf("state = %q, want %q (undeclared transition must leave state unchanged)", got.State, domain.StateNew)
	}
	if got.TurnCount != 2 {
		t.Errorf("turn count = %d, want 2 (the turn itself still persists)", got.TurnCount)
	}
}

func TestHandleReplyOptOut(t *testing.T) {
	h := newHarness(t)
	lead := h.createLead(t, domain.StateQualifying)

	out := h.conductor.HandleReply(context.Background(), h.tenantID, lead.ID, "STOP")
	if out.Status != StatusOptedOut {
		t.Fatalf("status = %q, want %q", out.Status, StatusOptedOut)
	}

	got, _ := h.repo.GetByID(context.Background(), lead.ID)
	if got.State != domain.StateOptedOut {
		t.Fatalf("state = %q, want %q", got.State, domain.StateOptedOut)
	}

	// Further replies are acknowledged without resurrecting the lead.
	again := h.conductor.HandleReply(context.Background(), h.tenantID, lead.ID, "actually wait")
	if again.Status != StatusOptedOut {
		t.Errorf("post-opt-out status = %q, want %q", again.Status, StatusOptedOut)
	}
	final, _ := h.repo.GetByID(context.Background(), lead.ID)
	if final.State != domain.StateOptedOut {
		t.Errorf("state = %q, opted_out must be terminal", final.State)
	}
}

func TestHandleReplyOptOutOverridesInFlightTurn(t *testing.T) {
	h := newHarness(t)
	lead := h.createLead(t, domain.StateQualifying)
	h.generator.delay = 150 * time.Millisecond

	var turn Outcome
	done := make(chan struct{})
	go func() {
		defer close(done)
		turn = h.conductor.HandleReply(context.Background(), h.tenantID, lead.ID, "yes, still interested")
	}()

	// Let the reply take the lock and enter generation, then opt out. The
	// opt-out bypasses the per-lead lock, so it lands mid-turn and the turn's
	// write of its stale state must lose.
	time.Sleep(50 * time.Millisecond)
	out := h.conductor.HandleReply(context.Background(), h.tenantID, lead.ID, "STOP")
	if out.Status != StatusOptedOut {
		t.Fatalf("opt-out status = %q, want %q", out.Status, StatusOptedOut)
	}
	<-done

	if turn.Status != StatusOptedOut {
		t.Errorf("in-flight turn status = %q, want %q", turn.Status, StatusOptedOut)
	}
	got, _ := h.repo.GetByID(context.Background(), lead.ID)
	if got.State != domain.StateOptedOut {
		t.Fatalf("state = %q, want %q (a concurrent turn must not revert the opt-out)", got.State, domain.StateOptedOut)
	}
}

func TestHandleReplyLockTimeout(t *testing.T) {
	h := newHarness(t)
	lead := h.createLead(t, domain.StateQualifying)

	// Hold the lead's lock so the reply cannot acquire it.
	handle, err := h.locks.Acquire(context.Background(), lockKey(lead.ID), 30*time.Second, time.Second)
	if err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	defer handle.Release(context.Background())

	// Shorten the wait so the test is quick.
	short := &config.Config{
		LockTTL:      5 * time.Second,
		LockMaxWait:  150 * time.Millisecond,
		SyncDeadline: 10 * time.Second,
		MaxTurns:     30,
	}
	h.conductor.cfg = short

	out := h.conductor.HandleReply(context.Background(), h.tenantID, lead.ID, "hello?")
	if out.Status != StatusLockTimeout {
		t.Fatalf("status = %q, want %q", out.Status, StatusLockTimeout)
	}

	got, _ := h.repo.GetByID(context.Background(), lead.ID)
	if got.TurnCount != 1 {
		t.Errorf("turn count = %d, want 1 (a timed-out reply must not mutate the lead)", got.TurnCount)
	}
}

func TestHandleReplyMutualExclusion(t *testing.T) {
	h := newHarness(t)
	lead := h.createLead(t, domain.StateQualifying)
	h.generator.delay = 20 * time.Millisecond

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.conductor.HandleReply(context.Background(), h.tenantID, lead.ID, "still thinking about budget")
		}()
	}
	wg.Wait()

	if max := h.generator.maxSeen.Load(); max > 1 {
		t.Fatalf("observed %d concurrent critical sections, want at most 1", max)
	}

	// Every handler either completed its turn or timed out; the turn count
	// must equal 1 + completed turns with no lost updates.
	got, _ := h.repo.GetByID(context.Background(), lead.ID)
	completed := int(h.generator.genCount.Load())
	if got.TurnCount != 1+completed {
		t.Errorf("turn count = %d, want %d (one per completed turn)", got.TurnCount, 1+completed)
	}
}

func TestHandleReplyEscalationCue(t *testing.T) {
	h := newHarness(t)
	lead := h.createLead(t, domain.StateQualifying)

	h.conductor.HandleReply(context.Background(), h.tenantID, lead.ID, "I want to talk to a human please")

	got, _ := h.repo.GetByID(context.Background(), lead.ID)
	if !got.Escalated {
		t.Error("expected escalation flag after a human-handoff cue")
	}
}

func TestHandleReplyMaxTurnsForcesEscalation(t *testing.T) {
	h := newHarness(t)
	lead := h.createLead(t, domain.StateQualifying)

	cfg := &config.Config{
		LockTTL:      5 * time.Second,
		LockMaxWait:  2 * time.Second,
		SyncDeadline: 10 * time.Second,
		MaxTurns:     2,
	}
	h.conductor.cfg = cfg

	h.conductor.HandleReply(context.Background(), h.tenantID, lead.ID, "just one more question")

	got, _ := h.repo.GetByID(context.Background(), lead.ID)
	if !got.Escalated {
		t.Errorf("turn %d reached max turns %d, expected forced escalation", got.TurnCount, cfg.MaxTurns)
	}
}

func TestHandleReplyUnknownLead(t *testing.T) {
	h := newHarness(t)

	out := h.conductor.HandleReply(context.Background(), h.tenantID, uuid.New(), "hello")
	if out.Status != StatusNotFound {
		t.Fatalf("status = %q, want %q", out.Status, StatusNotFound)
	}
}

func TestHandleReplyWrongTenant(t *testing.T) {
	h := newHarness(t)
	lead := h.createLead(t, domain.StateQualifying)

	out := h.conductor.HandleReply(context.Background(), uuid.New(), lead.ID, "hello")
	if out.Status != StatusNotFound {
		t.Fatalf("status = %q, want %q (cross-tenant access must look like not found)", out.Status, StatusNotFound)
	}
}

// ---------------------------------------------------------------------------
// Resend

func TestResendDeliversPendingMessage(t *testing.T) {
	h := newHarness(t)
	h.sender.status = ports.SendStatusTransientFailure

	out := h.conductor.HandleNewEvent(context.Background(), h.tenantID, "+15550008888", NewEventPayload{Text: "hi"})
	if len(h.resend.scheduled) != 1 {
		t.Fatalf("resends scheduled = %d, want 1", len(h.resend.scheduled))
	}
	msgID := h.resend.scheduled[0]

	h.sender.status = ports.SendStatusSent
	if err := h.conductor.Resend(context.Background(), out.LeadID, msgID); err != nil {
		t.Fatalf("Resend: %v", err)
	}

	msg, err := h.repo.GetMessage(context.Background(), msgID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Status != repository.MessageStatusSent {
		t.Errorf("message status = %q, want %q", msg.Status, repository.MessageStatusSent)
	}
}

func TestResendSkipsTerminalLead(t *testing.T) {
	h := newHarness(t)
	h.sender.status = ports.SendStatusTransientFailure

	out := h.conductor.HandleNewEvent(context.Background(), h.tenantID, "+15550009999", NewEventPayload{Text: "hi"})
	msgID := h.resend.scheduled[0]

	if _, err := h.repo.TransitionToOptedOut(context.Background(), out.LeadID); err != nil {
		t.Fatalf("opt out: %v", err)
	}

	h.sender.status = ports.SendStatusSent
	sendsBefore := len(h.sender.sent)
	if err := h.conductor.Resend(context.Background(), out.LeadID, msgID); err != nil {
		t.Fatalf("Resend: %v", err)
	}
	if len(h.sender.sent) != sendsBefore {
		t.Error("an opted-out lead must never receive a retried message")
	}

	msg, _ := h.repo.GetMessage(context.Background(), msgID)
	if msg.Status != repository.MessageStatusFailed {
		t.Errorf("message status = %q, want %q", msg.Status, repository.MessageStatusFailed)
	}
}

// ---------------------------------------------------------------------------
// Sweeper

func TestSweeperMovesIdleLeadsCold(t *testing.T) {
	h := newHarness(t)
	lead := h.createLead(t, domain.StateQualifying)

	// Age the lead past the cold threshold.
	stale := time.Now().Add(-72 * time.Hour)
	aged, _ := h.repo.GetByID(context.Background(), lead.ID)
	aged.LastInboundAt = &stale
	if err := h.repo.UpdateLead(context.Background(), aged); err != nil {
		t.Fatalf("age lead: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logger.New("development")
	cfg := &config.Config{
		LockTTL:       5 * time.Second,
		LockMaxWait:   time.Second,
		ColdAfter:     48 * time.Hour,
		MaxFollowUps:  3,
		SweepInterval: 5 * time.Minute,
	}
	sweeper := NewSweeper(h.repo, lock.New(client, log), client, cfg, log)

	if err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := h.repo.GetByID(context.Background(), lead.ID)
	if got.State != domain.StateCold {
		t.Fatalf("state = %q, want %q", got.State, domain.StateCold)
	}
	if got.FollowUpCount != 1 {
		t.Errorf("follow-up count = %d, want 1", got.FollowUpCount)
	}
}

func TestSweeperKillsExhaustedColdLead(t *testing.T) {
	h := newHarness(t)
	lead := h.createLead(t, domain.StateCold)

	stale := time.Now().Add(-72 * time.Hour)
	aged, _ := h.repo.GetByID(context.Background(), lead.ID)
	aged.LastInboundAt = &stale
	aged.FollowUpCount = 3
	if err := h.repo.UpdateLead(context.Background(), aged); err != nil {
		t.Fatalf("age lead: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logger.New("development")
	cfg := &config.Config{
		LockTTL:       5 * time.Second,
		LockMaxWait:   time.Second,
		ColdAfter:     48 * time.Hour,
		MaxFollowUps:  3,
		SweepInterval: 5 * time.Minute,
	}
	sweeper := NewSweeper(h.repo, lock.New(client, log), client, cfg, log)

	if err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := h.repo.GetByID(context.Background(), lead.ID)
	if got.State != domain.StateDead {
		t.Fatalf("state = %q, want %q", got.State, domain.StateDead)
	}
}

func TestSweeperRevertsStalledBooking(t *testing.T) {
	h := newHarness(t)
	lead := h.createLead(t, domain.StateBooking)

	stale := time.Now().Add(-72 * time.Hour)
	aged, _ := h.repo.GetByID(context.Background(), lead.ID)
	aged.LastInboundAt = &stale
	if err := h.repo.UpdateLead(context.Background(), aged); err != nil {
		t.Fatalf("age lead: %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	log := logger.New("development")
	cfg := &config.Config{
		LockTTL:       5 * time.Second,
		LockMaxWait:   time.Second,
		ColdAfter:     48 * time.Hour,
		MaxFollowUps:  3,
		SweepInterval: 5 * time.Minute,
	}
	sweeper := NewSweeper(h.repo, lock.New(client, log), client, cfg, log)

	if err := sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	got, _ := h.repo.GetByID(context.Background(), lead.ID)
	if got.State != domain.StateQualified {
		t.Fatalf("state = %q, want %q", got.State, domain.StateQualified)
	}
}

// ---------------------------------------------------------------------------
// Dead-letter capture and replay

type fakeUnitStore struct {
	mu    sync.Mutex
	units map[uuid.UUID]*deadletter.FailedUnit
}

func newFakeUnitStore() *fakeUnitStore {
	return &fakeUnitStore{units: make(map[uuid.UUID]*deadletter.FailedUnit)}
}

func (f *fakeUnitStore) Insert(_ context.Context, unit *deadletter.FailedUnit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *unit
	f.units[unit.ID] = &cp
	return nil
}

func (f *fakeUnitStore) GetByID(_ context.Context, id uuid.UUID) (*deadletter.FailedUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.units[id]
	if !ok {
		return nil, deadletter.ErrUnitNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUnitStore) Update(_ context.Context, unit *deadletter.FailedUnit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.units[unit.ID]; !ok {
		return deadletter.ErrUnitNotFound
	}
	cp := *unit
	f.units[unit.ID] = &cp
	return nil
}

func (f *fakeUnitStore) ListRetryable(_ context.Context, now time.Time, limit int) ([]*deadletter.FailedUnit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*deadletter.FailedUnit
	for _, u := range f.units {
		if u.Status == deadletter.StatusPending && u.NextRetryAt != nil && !u.NextRetryAt.After(now) {
			cp := *u
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeUnitStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.units)
}

func (f *fakeUnitStore) only(t *testing.T) *deadletter.FailedUnit {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.units) != 1 {
		t.Fatalf("stored units = %d, want 1", len(f.units))
	}
	for _, u := range f.units {
		cp := *u
		return &cp
	}
	return nil
}

type fakeRetrySched struct{}

func (fakeRetrySched) ScheduleDeadLetterRetry(_ context.Context, _ uuid.UUID, _ time.Time) error {
	return nil
}

func TestReplayFailedUnitNeverCapturesSiblings(t *testing.T) {
	h := newHarness(t)
	store := newFakeUnitStore()
	h.conductor.dlq = deadletter.NewService(store, fakeRetrySched{}, 5, logger.New("development"))

	// The initial ingest fails unrecoverably and lands one unit.
	h.repo.findErr = errors.New("storage offline")
	out := h.conductor.HandleNewEvent(context.Background(), h.tenantID, "+15551110000", NewEventPayload{Text: "hi"})
	if out.Status != StatusError {
		t.Fatalf("status = %q, want %q", out.Status, StatusError)
	}
	if n := store.count(); n != 1 {
		t.Fatalf("captured units = %d, want 1", n)
	}
	unit := store.only(t)

	// A replay that fails the same way burns the unit's own retry budget; it
	// must not capture a fresh sibling with a budget of its own.
	replay, err := h.conductor.ReplayFailedUnit(context.Background(), unit)
	if err != nil {
		t.Fatalf("ReplayFailedUnit: %v", err)
	}
	if replay.Status != StatusError {
		t.Fatalf("replay status = %q, want %q", replay.Status, StatusError)
	}
	if n := store.count(); n != 1 {
		t.Fatalf("units after failed replay = %d, want 1", n)
	}

	// Once the fault clears, the same unit replays to completion.
	h.repo.findErr = nil
	replay, err = h.conductor.ReplayFailedUnit(context.Background(), unit)
	if err != nil {
		t.Fatalf("ReplayFailedUnit: %v", err)
	}
	if replay.Status != StatusIntakeSent {
		t.Fatalf("replay status = %q, want %q", replay.Status, StatusIntakeSent)
	}
	if n := store.count(); n != 1 {
		t.Fatalf("units after successful replay = %d, want 1", n)
	}
}
