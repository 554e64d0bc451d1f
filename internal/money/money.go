// Package money converts between decimal amounts on the wire and the int64
// minor units the ledger stores.
package money

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalid is returned for amounts that are not positive numbers representable at the scale.
var ErrInvalid = errors.New("invalid amount")

var maxMinor = decimal.NewFromInt(math.MaxInt64)

// Parse reads a decimal string in major units and returns minor units at
// the given scale. Digits beyond the scale are rejected, not rounded.
func Parse(s string, scale int32) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalid)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalid, s)
	}
	minor := d.Shift(scale)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalid, s, scale)
	}
	if !minor.IsPositive() {
		return 0, fmt.Errorf("%w: %s must be greater than zero", ErrInvalid, s)
	}
	if minor.GreaterThan(maxMinor) {
		return 0, fmt.Errorf("%w: %s is too large", ErrInvalid, s)
	}
	return minor.IntPart(), nil
}

// ParseJSON accepts a JSON number or a JSON string holding a number.
func ParseJSON(raw json.RawMessage, scale int32) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: missing", ErrInvalid)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return Parse(s, scale)
	}
	return Parse(string(raw), scale)
}

// Format renders minor units as a fixed-point decimal string.
func Format(minor int64, scale int32) string {
	return decimal.New(minor, -scale).StringFixed(scale)
}
