package conductor

import (
	"context"
	"strings"

	"leadflow_backend/internal/conductor/domain"
	"leadflow_backend/internal/conductor/repository"
)

// Recommendation is a sub-handler's proposed next step. The conductor
// validates Next against the adjacency table before applying it; a handler
// cannot force an undeclared transition.
type Recommendation struct {
	Next     domain.State
	Prompt   string
	Escalate bool
}

// StateHandler interprets one inbound message for a lead in a specific state.
type StateHandler interface {
	Handle(ctx context.Context, lead *repository.Lead, inboundText string) Recommendation
}

// handlerFor dispatches by current state. The switch is exhaustive over the
// declared state enum so adding a state is a compile-visible change here;
// terminal states return nil because the caller short-circuits them before
// dispatch.
func handlerFor(state domain.State) StateHandler {
	switch state {
	case domain.StateNew:
		return intakeSentHandler{} // a reply before the intake went out is treated as intake engagement
	case domain.StateIntakeSent:
		return intakeSentHandler{}
	case domain.StateQualifying:
		return qualifyingHandler{}
	case domain.StateQualified:
		return qualifiedHandler{}
	case domain.StateBooking:
		return bookingHandler{}
	case domain.StateBooked:
		return bookedHandler{}
	case domain.StateCold:
		return coldHandler{}
	case domain.StateCompleted, domain.StateDead, domain.StateOptedOut:
		return nil
	default:
		return nil
	}
}

func containsAny(text string, phrases ...string) bool {
	lowered := strings.ToLower(text)
	for _, p := range phrases {
		if strings.Contains(lowered, p) {
			return true
		}
	}
	return false
}

type intakeSentHandler struct{}

func (intakeSentHandler) Handle(_ context.Context, _ *repository.Lead, _ string) Recommendation {
	// Any reply to the intake means the lead is engaging.
	return Recommendation{
		Next:   domain.StateQualifying,
		Prompt: "The lead replied to the intake message. Ask one qualifying question about their needs and timeline.",
	}
}

type qualifyingHandler struct{}

func (qualifyingHandler) Handle(_ context.Context, _ *repository.Lead, text string) Recommendation {
	if containsAny(text, "not interested", "no thanks", "wrong number", "leave me alone") {
		return Recommendation{
			Next:   domain.StateCold,
			Prompt: "The lead declined politely. Send a short, friendly closing message leaving the door open.",
		}
	}
	if containsAny(text, "interested", "budget", "ready", "asap", "yes", "sounds good") {
		return Recommendation{
			Next:   domain.StateQualified,
			Prompt: "The lead is qualified. Acknowledge their answers and suggest scheduling a call.",
		}
	}
	return Recommendation{
		Next:   domain.StateQualifying,
		Prompt: "Continue qualifying. Ask the next open question about budget or timeline.",
	}
}

type qualifiedHandler struct{}

func (qualifiedHandler) Handle(_ context.Context, _ *repository.Lead, text string) Recommendation {
	if containsAny(text, "book", "schedule", "appointment", "what time", "when") {
		return Recommendation{
			Next:   domain.StateBooking,
			Prompt: "The lead wants to book. Offer two concrete time slots.",
		}
	}
	if containsAny(text, "later", "busy", "not now") {
		return Recommendation{
			Next:   domain.StateCold,
			Prompt: "The lead is postponing. Confirm you will follow up and keep it short.",
		}
	}
	return Recommendation{
		Next:   domain.StateQualified,
		Prompt: "Nudge toward booking. Propose a call and ask for their availability.",
	}
}

type bookingHandler struct{}

func (bookingHandler) Handle(_ context.Context, _ *repository.Lead, text string) Recommendation {
	if containsAny(text, "confirm", "works for me", "see you", "deal", "yes") {
		return Recommendation{
			Next:   domain.StateBooked,
			Prompt: "The booking is confirmed. Send a confirmation with the agreed time.",
		}
	}
	if containsAny(text, "reschedule", "can't make", "cancel", "different time") {
		return Recommendation{
			Next:   domain.StateQualified,
			Prompt: "The lead can't make the proposed slot. Offer alternative times.",
		}
	}
	return Recommendation{
		Next:   domain.StateBooking,
		Prompt: "Still negotiating a slot. Restate the open options and ask them to pick one.",
	}
}

type bookedHandler struct{}

func (bookedHandler) Handle(_ context.Context, _ *repository.Lead, text string) Recommendation {
	if containsAny(text, "done", "complete", "all set", "thanks, that was great") {
		return Recommendation{
			Next:   domain.StateCompleted,
			Prompt: "The engagement is complete. Thank the lead and close the conversation.",
		}
	}
	return Recommendation{
		Next:   domain.StateBooked,
		Prompt: "Answer the lead's question about their upcoming appointment.",
	}
}

type coldHandler struct{}

func (coldHandler) Handle(_ context.Context, _ *repository.Lead, _ string) Recommendation {
	// A cold lead replying on their own re-enters qualification.
	return Recommendation{
		Next:   domain.StateQualifying,
		Prompt: "A cold lead re-engaged. Welcome them back and pick up qualification where it left off.",
	}
}
