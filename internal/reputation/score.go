// Package reputation throttles outbound sends per channel identity based on
// a rolling 24h window of delivery outcomes. A deteriorating identity is
// slowed down before the upstream provider starts filtering it.
package reputation

// Outcome categorizes one delivery result for a sending identity.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
	OutcomeFiltered  Outcome = "filtered"
	OutcomeInvalid   Outcome = "invalid"
)

// Level is the qualitative band a score maps to.
type Level string

const (
	LevelExcellent Level = "excellent"
	LevelGood      Level = "good"
	LevelWarning   Level = "warning"
	LevelCritical  Level = "critical"
)

// Score is derived on demand from the identity's outcome window. It is
// never persisted independently.
type Score struct {
	Value            int
	Level            Level
	PerMinuteCeiling int
}

// WindowCounts are the per-category tallies in the rolling window.
type WindowCounts struct {
	Delivered int
	Failed    int
	Filtered  int
	Invalid   int
}

// Total returns the number of outcomes in the window.
func (w WindowCounts) Total() int {
	return w.Delivered + w.Failed + w.Filtered + w.Invalid
}

const (
	deliveryFloor   = 0.70
	deliveryCeiling = 0.95
	filterFloor     = 0.01
	filterCeiling   = 0.05
	invalidFloor    = 0.02
	invalidCeiling  = 0.10
)

// Compute derives the score for a window. An identity with no history gets
// the optimistic perfect score. A window that cannot clear the delivery
// floor is scored on delivery alone: filter and invalid credits are
// meaningless when most sends never arrive.
func Compute(w WindowCounts) Score {
	total := w.Total()
	if total == 0 {
		return scoreFor(100)
	}

	deliveryRate := float64(w.Delivered) / float64(total)
	filterRate := float64(w.Filtered) / float64(total)
	invalidRate := float64(w.Invalid) / float64(total)

	delivery := linearCredit(deliveryRate, deliveryFloor, deliveryCeiling, 60)
	if deliveryRate < deliveryFloor {
		return scoreFor(int(delivery))
	}

	filtered := 25 - linearCredit(filterRate, filterFloor, filterCeiling, 25)
	invalid := 15 - linearCredit(invalidRate, invalidFloor, invalidCeiling, 15)

	return scoreFor(int(delivery + filtered + invalid))
}

// linearCredit maps rate onto [0, max]: 0 at or below floor, max at or above
// ceiling, linear in between.
func linearCredit(rate, floor, ceiling, max float64) float64 {
	if rate <= floor {
		return 0
	}
	if rate >= ceiling {
		return max
	}
	return max * (rate - floor) / (ceiling - floor)
}

func scoreFor(value int) Score {
	switch {
	case value >= 90:
		return Score{Value: value, Level: LevelExcellent, PerMinuteCeiling: 30}
	case value >= 75:
		return Score{Value: value, Level: LevelGood, PerMinuteCeiling: 20}
	case value >= 50:
		return Score{Value: value, Level: LevelWarning, PerMinuteCeiling: 8}
	default:
		return Score{Value: value, Level: LevelCritical, PerMinuteCeiling: 2}
	}
}
