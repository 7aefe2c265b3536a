package channel

import (
	"context"
	"fmt"

	"leadflow_backend/internal/conductor/ports"
	"leadflow_backend/platform/ai"
	"leadflow_backend/platform/logger"
)

// ContentGenerator adapts the AI generator to the conductor's port. When the
// AI backend is disabled it falls back to the handler's prompt guidance
// rendered as a plain templated reply, so conversations keep moving.
type ContentGenerator struct {
	gen *ai.Generator
	log *logger.Logger
}

// NewContentGenerator creates the adapter. gen may be nil (AI disabled).
func NewContentGenerator(gen *ai.Generator, log *logger.Logger) *ContentGenerator {
	return &ContentGenerator{gen: gen, log: log}
}

func (c *ContentGenerator) Generate(ctx context.Context, genCtx ports.GenerationContext) (ports.GeneratedReply, error) {
	if c.gen == nil {
		return ports.GeneratedReply{Text: fallbackReply(genCtx.State)}, nil
	}

	prompt := fmt.Sprintf(
		"You are a concise, friendly assistant handling a lead conversation over SMS.\n"+
			"Conversation stage: %s\n"+
			"The lead just wrote: %q\n"+
			"Instruction: %s\n"+
			"Reply with the message text only, no preamble, under 300 characters.",
		genCtx.State, genCtx.InboundText, genCtx.Prompt,
	)

	out, err := c.gen.Generate(ctx, prompt)
	if err != nil {
		return ports.GeneratedReply{}, err
	}
	return ports.GeneratedReply{Text: out.Text, CostUSD: out.CostUSD}, nil
}

func fallbackReply(state string) string {
	switch state {
	case "new":
		return "Thanks for reaching out! What can we help you with?"
	case "intake_sent", "qualifying":
		return "Got it, thanks! Could you tell us a bit about your timeline and budget?"
	case "qualified":
		return "Great, sounds like we can help. Would you like to schedule a quick call?"
	case "booking":
		return "Which of the proposed times works best for you?"
	case "booked":
		return "You're all set. Reply here if anything changes."
	default:
		return "Thanks for your message! A member of our team will follow up shortly."
	}
}
