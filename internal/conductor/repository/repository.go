// Package repository provides data access for leads and their messages.
// All writes to a lead's state route through the conductor's locked code
// path; the store itself never takes row locks for serialization.
package repository

import (
	"context"
	"errors"
	"time"

	"leadflow_backend/internal/conductor/domain"

	"github.com/google/uuid"
)

// Direction of a message relative to the system.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Outbound message statuses.
const (
	MessageStatusReceived     = "received"
	MessageStatusSent         = "sent"
	MessageStatusPendingRetry = "pending_retry"
	MessageStatusFailed       = "failed"
)

// Lead is the stateful entity the conductor manages.
type Lead struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	Identity       string
	State          domain.State
	PreviousState  domain.State
	TurnCount      int
	FollowUpCount  int
	Escalated      bool
	TotalCostUSD   float64
	Source         string
	LastInboundAt  *time.Time
	LastOutboundAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Message is one inbound or outbound message on a lead's conversation.
type Message struct {
	ID         uuid.UUID
	LeadID     uuid.UUID
	Direction  string
	Body       string
	Status     string
	ProviderID *string
	CreatedAt  time.Time
}

// SweepCandidate is a lead the background sweeper may need to advance.
type SweepCandidate struct {
	LeadID   uuid.UUID
	TenantID uuid.UUID
	State    domain.State
}

// ErrTransitionConflict is returned when a lead write loses to a concurrent
// opt-out. Opt-out flips state outside the per-lead lock, so every other lead
// write is conditional on the lead not being opted out and must treat a
// conflict as "the opt-out won", never retry it.
var ErrTransitionConflict = errors.New("conductor: lead opted out concurrently")

// LeadsRepository is the persistence port for the conductor.
type LeadsRepository interface {
	// CreateLeadWithMessage persists a new lead and its first inbound
	// message in one durable write.
	CreateLeadWithMessage(ctx context.Context, lead *Lead, inbound *Message) error

	// FindByIdentity returns nil when no lead exists for the identity.
	FindByIdentity(ctx context.Context, tenantID uuid.UUID, identity string) (*Lead, error)

	GetByID(ctx context.Context, id uuid.UUID) (*Lead, error)

	// SaveTurn atomically persists the lead's new state together with the
	// turn's inbound and outbound messages. outbound may be nil when no
	// reply was produced.
	SaveTurn(ctx context.Context, lead *Lead, inbound, outbound *Message) error

	UpdateLead(ctx context.Context, lead *Lead) error

	// TransitionToOptedOut conditionally moves a lead to opted_out unless it
	// is already in a terminal state. Returns false when no row changed.
	TransitionToOptedOut(ctx context.Context, leadID uuid.UUID) (bool, error)

	GetMessage(ctx context.Context, id uuid.UUID) (*Message, error)
	UpdateMessageStatus(ctx context.Context, id uuid.UUID, status string, providerID *string) error

	// ListIdleInStates returns leads sitting in any of the given states with
	// no inbound activity since the cutoff.
	ListIdleInStates(ctx context.Context, states []domain.State, idleSince time.Time, limit int) ([]SweepCandidate, error)
}
