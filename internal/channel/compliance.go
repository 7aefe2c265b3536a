package channel

import (
	"context"
	"strings"
	"unicode/utf8"

	"leadflow_backend/internal/conductor/ports"
	"leadflow_backend/platform/logger"
)

// maxOutboundLength is the hard cap the provider enforces on message bodies.
const maxOutboundLength = 1600

// PolicyChecker is a rule-based compliance checker: outbound messages must
// fit the provider's length cap and must not contain phrases that trip
// carrier content filters. A rejection is a normal verdict, not an error.
type PolicyChecker struct {
	blockedPhrases []string
	log            *logger.Logger
}

// NewPolicyChecker creates a checker with the default blocked phrase list.
func NewPolicyChecker(log *logger.Logger) *PolicyChecker {
	return &PolicyChecker{
		blockedPhrases: []string{
			"guaranteed winner",
			"act now before",
			"100% free",
			"no risk",
			"wire transfer",
			"gift card",
		},
		log: log,
	}
}

func (p *PolicyChecker) Check(_ context.Context, c ports.ComplianceContext) (ports.ComplianceResult, error) {
	if c.Inbound {
		// Inbound content is screened only for emptiness; the sender is not
		// bound by our outbound policy.
		if strings.TrimSpace(c.Text) == "" {
			return ports.ComplianceResult{Allowed: false, Reason: "empty message"}, nil
		}
		return ports.ComplianceResult{Allowed: true}, nil
	}

	if utf8.RuneCountInString(c.Text) > maxOutboundLength {
		return ports.ComplianceResult{Allowed: false, Reason: "message exceeds length cap"}, nil
	}

	lowered := strings.ToLower(c.Text)
	for _, phrase := range p.blockedPhrases {
		if strings.Contains(lowered, phrase) {
			p.log.Warn("compliance rejected outbound message",
				"tenant_id", c.TenantID,
				"reason", "blocked phrase",
			)
			return ports.ComplianceResult{Allowed: false, Reason: "blocked phrase: " + phrase}, nil
		}
	}

	return ports.ComplianceResult{Allowed: true}, nil
}
