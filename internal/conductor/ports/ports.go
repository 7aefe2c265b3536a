// Package ports declares the collaborator interfaces the conductor consumes.
// Implementations live at the edges (platform adapters, test fakes); the
// conductor itself depends only on these contracts.
package ports

import (
	"context"

	"github.com/google/uuid"
)

// Tenant is the configuration of one paying account.
type Tenant struct {
	ID            uuid.UUID
	Name          string
	SenderID      string // channel identity outbound messages are sent from
	Active        bool
	DailyLeadCap  int  // 0 means unlimited
	EscalationCue bool // forward escalations to a human inbox
}

// TenantDirectory resolves tenant configuration and remaining quota.
type TenantDirectory interface {
	// GetTenant returns nil when the tenant does not exist.
	GetTenant(ctx context.Context, id uuid.UUID) (*Tenant, error)
	// QuotaRemaining reports how many new leads the tenant may still create
	// today. unlimited is true when no cap applies.
	QuotaRemaining(ctx context.Context, tenantID uuid.UUID) (remaining int, unlimited bool, err error)
}

// IdentityNormalizer canonicalizes a raw channel identity.
type IdentityNormalizer interface {
	// Normalize returns the canonical identity and false when raw is invalid.
	Normalize(raw string) (string, bool)
}

// GenerationContext carries what the content generator needs to draft a reply.
type GenerationContext struct {
	TenantID    uuid.UUID
	LeadID      uuid.UUID
	State       string
	InboundText string
	Prompt      string
}

// GeneratedReply is the content generator's output.
type GeneratedReply struct {
	Text    string
	CostUSD float64
}

// ContentGenerator drafts reply text. Implementations are bounded-timeout
// network calls; the conductor never holds the entity lock across one longer
// than necessary.
type ContentGenerator interface {
	Generate(ctx context.Context, genCtx GenerationContext) (GeneratedReply, error)
}

// SendStatus classifies the outcome of a channel send attempt.
type SendStatus string

const (
	SendStatusSent             SendStatus = "sent"
	SendStatusTransientFailure SendStatus = "transient_failure"
	SendStatusPermanentFailure SendStatus = "permanent_failure"
)

// SendResult is the channel sender's report for one attempt.
type SendResult struct {
	Status     SendStatus
	ProviderID string
}

// ChannelSender delivers one outbound message to a channel identity.
type ChannelSender interface {
	Send(ctx context.Context, identity, text string) (SendResult, error)
}

// ComplianceContext carries what the compliance checker needs.
type ComplianceContext struct {
	TenantID uuid.UUID
	Identity string
	Text     string
	Inbound  bool
}

// ComplianceResult is the compliance checker's verdict. A disallowed result
// is a normal terminal outcome, not an error.
type ComplianceResult struct {
	Allowed bool
	Reason  string
}

// ComplianceChecker vets a message before it is sent.
type ComplianceChecker interface {
	Check(ctx context.Context, c ComplianceContext) (ComplianceResult, error)
}
