package ledger

import (
	"cmp"
	"slices"
	"time"
)

// ConsumptionOrder compares two credits in the order withdrawals spend them:
// soonest expiry first, never-expiring credits last, then oldest issue, then id.
func ConsumptionOrder(a, b VirtualCredit) int {
	switch {
	case a.ExpiresAt == nil && b.ExpiresAt != nil:
		return 1
	case a.ExpiresAt != nil && b.ExpiresAt == nil:
		return -1
	case a.ExpiresAt != nil && b.ExpiresAt != nil:
		if c := a.ExpiresAt.Compare(*b.ExpiresAt); c != 0 {
			return c
		}
	}
	if c := a.IssuedAt.Compare(b.IssuedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortForConsumption sorts credits in place by ConsumptionOrder.
func SortForConsumption(credits []VirtualCredit) {
	slices.SortStableFunc(credits, ConsumptionOrder)
}

// filterActive keeps spendable credits as of asOf, sorted for consumption.
func filterActive(credits []VirtualCredit, asOf time.Time) []VirtualCredit {
	out := make([]VirtualCredit, 0, len(credits))
	for _, c := range credits {
		if c.Status == CreditActive && !c.Lapsed(asOf) {
			out = append(out, c)
		}
	}
	SortForConsumption(out)
	return out
}

func consumeCredit(c VirtualCredit, amount int64, now time.Time) (VirtualCredit, error) {
	if amount <= 0 {
		return c, Errorf(KindInvalidState, "credit %s: non-positive consumption %d", c.ID, amount)
	}
	if c.Status != CreditActive {
		return c, Errorf(KindInvalidState, "credit %s: consume on %s credit", c.ID, c.Status)
	}
	if amount > c.RemainingAmount {
		return c, Errorf(KindInvalidState, "credit %s: consume %d exceeds remaining %d", c.ID, amount, c.RemainingAmount)
	}
	c.RemainingAmount -= amount
	if c.RemainingAmount == 0 {
		c.Status = CreditExhausted
		t := now
		c.ExhaustedAt = &t
	}
	return c, nil
}

func expireCredit(c VirtualCredit, asOf time.Time) (int64, VirtualCredit, error) {
	if c.Status != CreditActive {
		return 0, c, Errorf(KindInvalidState, "credit %s: expire on %s credit", c.ID, c.Status)
	}
	if !c.Lapsed(asOf) {
		return 0, c, Errorf(KindInvalidState, "credit %s: not lapsed at %s", c.ID, asOf.Format(time.RFC3339))
	}
	forfeited := c.RemainingAmount
	c.RemainingAmount = 0
	c.Status = CreditExpired
	t := asOf
	c.ExpiredAt = &t
	return forfeited, c, nil
}

func validateNewCredit(c VirtualCredit) error {
	if c.OriginalAmount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
