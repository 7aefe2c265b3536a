// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"leadflow_backend/platform/events"
	"leadflow_backend/platform/logger"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	BaseEvent   = events.BaseEvent
	InMemoryBus = events.InMemoryBus
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// NewInMemoryBus creates a new in-memory event bus.
func NewInMemoryBus(log *logger.Logger) *InMemoryBus {
	return events.NewInMemoryBus(log)
}

// =============================================================================
// Lead Lifecycle Events
// =============================================================================

// LeadCreated is published when a new lead is persisted from an inbound event.
type LeadCreated struct {
	BaseEvent
	LeadID   uuid.UUID `json:"leadId"`
	TenantID uuid.UUID `json:"tenantId"`
	Identity string    `json:"identity"`
	Source   string    `json:"source"`
}

func (e LeadCreated) EventName() string { return "lead.created" }

// LeadStateChanged is published after a validated transition is persisted.
type LeadStateChanged struct {
	BaseEvent
	LeadID   uuid.UUID `json:"leadId"`
	TenantID uuid.UUID `json:"tenantId"`
	OldState string    `json:"oldState"`
	NewState string    `json:"newState"`
	Trigger  string    `json:"trigger"`
}

func (e LeadStateChanged) EventName() string { return "lead.state_changed" }

// LeadOptedOut is published when an opt-out keyword terminates a lead.
type LeadOptedOut struct {
	BaseEvent
	LeadID   uuid.UUID `json:"leadId"`
	TenantID uuid.UUID `json:"tenantId"`
	Identity string    `json:"identity"`
}

func (e LeadOptedOut) EventName() string { return "lead.opted_out" }

// LeadEscalated is published when a conversation is handed to a human.
type LeadEscalated struct {
	BaseEvent
	LeadID   uuid.UUID `json:"leadId"`
	TenantID uuid.UUID `json:"tenantId"`
	Reason   string    `json:"reason"`
}

func (e LeadEscalated) EventName() string { return "lead.escalated" }

// =============================================================================
// Outbound Delivery Events
// =============================================================================

// OutboundSendFailed is published when a channel send fails; transient
// failures carry Retryable=true and are picked up by the resend task.
type OutboundSendFailed struct {
	BaseEvent
	LeadID    uuid.UUID `json:"leadId"`
	TenantID  uuid.UUID `json:"tenantId"`
	MessageID uuid.UUID `json:"messageId"`
	Retryable bool      `json:"retryable"`
	Reason    string    `json:"reason"`
}

func (e OutboundSendFailed) EventName() string { return "outbound.send_failed" }
