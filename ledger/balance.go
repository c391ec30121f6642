// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// Balance is the balance of a single token held by an owner (an address or a
// wallet). It is used both as a resting balance and as a delta to be merged
// into one.
type Balance struct {
	// TotalSent is the accumulated volume of outputs credited to the
	// owner. It never decreases when merged with non-negative deltas.
	TotalSent int64

	// UnlockedAmount is the spendable amount.
	UnlockedAmount int64

	// LockedAmount is the amount held by outputs that are still time- or
	// height-locked.
	LockedAmount int64

	// LockExpiresAt is the unix timestamp at which the earliest time-lock
	// of the locked amount expires. Height-locks never set it.
	LockExpiresAt fn.Option[int64]

	// UnlockedAuthorities are the spendable authority counters.
	UnlockedAuthorities Authorities

	// LockedAuthorities are the authority counters held by locked
	// authority outputs.
	LockedAuthorities Authorities
}

// Total returns the sum of the unlocked and locked amounts.
func (b Balance) Total() int64 {
	return b.UnlockedAmount + b.LockedAmount
}

// Authorities returns the merge of the locked and unlocked authorities.
func (b Balance) Authorities() Authorities {
	return b.UnlockedAuthorities.Merge(b.LockedAuthorities)
}

// IsZero reports whether b is the zero balance.
func (b Balance) IsZero() bool {
	return b == Balance{}
}

// Merge returns the sum of b and o. All amounts and authority counters are
// summed element-wise. The lock expiration of the result is the earliest of
// the two, or the one that is set if only one side has an expiration.
//
// Merge is commutative and associative and the zero Balance is its identity,
// so deltas can be folded in any order consistent with per-owner ordering.
func (b Balance) Merge(o Balance) Balance {
	return Balance{
		TotalSent:      b.TotalSent + o.TotalSent,
		UnlockedAmount: b.UnlockedAmount + o.UnlockedAmount,
		LockedAmount:   b.LockedAmount + o.LockedAmount,
		LockExpiresAt:  earliest(b.LockExpiresAt, o.LockExpiresAt),
		UnlockedAuthorities: b.UnlockedAuthorities.Merge(
			o.UnlockedAuthorities,
		),
		LockedAuthorities: b.LockedAuthorities.Merge(
			o.LockedAuthorities,
		),
	}
}

// Negate returns the delta that cancels b when merged with it. The lock
// expiration is dropped since a debit never introduces a new expiration.
func (b Balance) Negate() Balance {
	return Balance{
		TotalSent:           -b.TotalSent,
		UnlockedAmount:      -b.UnlockedAmount,
		LockedAmount:        -b.LockedAmount,
		LockExpiresAt:       fn.None[int64](),
		UnlockedAuthorities: b.UnlockedAuthorities.Negate(),
		LockedAuthorities:   b.LockedAuthorities.Negate(),
	}
}

// String returns a compact representation used in log messages.
func (b Balance) String() string {
	expires := "none"
	b.LockExpiresAt.WhenSome(func(ts int64) {
		expires = fmt.Sprintf("%d", ts)
	})

	return fmt.Sprintf("sent=%d unlocked=%d locked=%d expires=%s "+
		"auth(unlocked=%v locked=%v)", b.TotalSent, b.UnlockedAmount,
		b.LockedAmount, expires, b.UnlockedAuthorities,
		b.LockedAuthorities)
}

// earliest returns the smaller of two optional timestamps, treating an unset
// value as "no expiration".
func earliest(a, b fn.Option[int64]) fn.Option[int64] {
	switch {
	case a.IsNone():
		return b

	case b.IsNone():
		return a
	}

	x, y := a.UnsafeFromSome(), b.UnsafeFromSome()
	if y < x {
		return b
	}

	return a
}
