package channel

import (
	"leadflow_backend/platform/phone"
)

// PhoneNormalizer canonicalizes channel identities as E.164 phone numbers.
type PhoneNormalizer struct{}

// NewPhoneNormalizer creates a phone-based identity normalizer.
func NewPhoneNormalizer() PhoneNormalizer {
	return PhoneNormalizer{}
}

// Normalize returns the canonical E.164 identity and false when raw is not a
// valid phone number.
func (PhoneNormalizer) Normalize(raw string) (string, bool) {
	return phone.Normalize(raw)
}
