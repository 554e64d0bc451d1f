// Package phone canonicalizes customer phone numbers so that every wallet
// lookup resolves distinct spellings of one number to the same key.
package phone

import (
	"errors"
	"strings"
)

const (
	defaultCountryCode = "84"
	minDigits          = 8
	maxDigits          = 15
)

// ErrInvalid is returned for strings that cannot be a phone number.
var ErrInvalid = errors.New("invalid phone number")

// Normalizer maps a raw phone string to its canonical form.
type Normalizer interface {
	Normalize(raw string) (string, error)
}

// Canonicalizer produces E.164 digits without the leading plus. Numbers
// written with the national trunk prefix get CountryCode in its place.
type Canonicalizer struct {
	CountryCode string
	TrunkPrefix string
}

// Default returns the canonicalizer used when no other normalizer is wired.
func Default() Canonicalizer {
	return Canonicalizer{CountryCode: defaultCountryCode, TrunkPrefix: "0"}
}

// Normalize strips formatting and rewrites national numbers to international form.
func (c Canonicalizer) Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalid
	}

	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", ErrInvalid
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(s, "+"):
	case strings.HasPrefix(digits, "00"):
		digits = digits[2:]
	case c.TrunkPrefix != "" && strings.HasPrefix(digits, c.TrunkPrefix):
		digits = c.CountryCode + strings.TrimPrefix(digits, c.TrunkPrefix)
	}

	if len(digits) < minDigits || len(digits) > maxDigits || digits[0] == '0' {
		return "", ErrInvalid
	}
	return digits, nil
}
