// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// AuthorityKind identifies a single slot of an Authorities vector.
type AuthorityKind uint8

const (
	// Mint is the authority to create new units of a custom token. It is
	// encoded as bit 0x01 of an authority output's value.
	Mint AuthorityKind = iota

	// Melt is the authority to destroy units of a custom token. It is
	// encoded as bit 0x02 of an authority output's value.
	Melt

	// NumAuthorities is the number of known authority kinds and therefore
	// the length of every Authorities vector.
	NumAuthorities
)

// String returns a human readable name for the authority kind.
func (k AuthorityKind) String() string {
	switch k {
	case Mint:
		return "mint"
	case Melt:
		return "melt"
	default:
		return fmt.Sprintf("authority(%d)", uint8(k))
	}
}

// Mask returns the bit used to encode the authority kind in a packed
// authority integer.
func (k AuthorityKind) Mask() int64 {
	return 1 << k
}

var (
	// ErrNegativeAuthorities is returned when a packed encoding is
	// requested for a vector holding a negative counter. Deltas may be
	// negative, resting balances never are.
	ErrNegativeAuthorities = errors.New("cannot pack negative authorities")
)

// Authorities is a fixed-length vector of signed counters, one slot per
// authority kind. Each counter is the net number of authority-granting
// outputs held. A resting balance never holds a negative counter, but a delta
// built from spent inputs does.
//
// Authorities is an array so that it is copied by value and compares with ==.
type Authorities [NumAuthorities]int64

// AuthoritiesFromInteger decodes a packed authority integer, setting slot i
// to 1 when bit i is set.
func AuthoritiesFromInteger(mask int64) Authorities {
	var a Authorities
	for i := range a {
		if mask&AuthorityKind(i).Mask() != 0 {
			a[i] = 1
		}
	}

	return a
}

// NewAuthorities returns a vector holding one of each of the given kinds.
func NewAuthorities(kinds ...AuthorityKind) Authorities {
	var a Authorities
	for _, k := range kinds {
		a[k]++
	}

	return a
}

// Merge returns the element-wise sum of a and o.
func (a Authorities) Merge(o Authorities) Authorities {
	var r Authorities
	for i := range r {
		r[i] = a[i] + o[i]
	}

	return r
}

// Negate returns the element-wise negation of a. Merging a with its negation
// yields the zero vector, which is how a credit is turned into a debit.
func (a Authorities) Negate() Authorities {
	var r Authorities
	for i := range r {
		r[i] = -a[i]
	}

	return r
}

// IsZero reports whether every counter is zero.
func (a Authorities) IsZero() bool {
	return a == Authorities{}
}

// HasNegative reports whether any counter is negative.
func (a Authorities) HasNegative() bool {
	for _, v := range a {
		if v < 0 {
			return true
		}
	}

	return false
}

// Has reports whether the vector holds at least one authority of kind k.
func (a Authorities) Has(k AuthorityKind) bool {
	return a[k] > 0
}

// ToInteger packs the vector into an integer where bit i is set iff slot i
// is non-zero. The encoding is only defined for non-negative vectors.
func (a Authorities) ToInteger() (int64, error) {
	if a.HasNegative() {
		return 0, fmt.Errorf("%w: %v", ErrNegativeAuthorities, a)
	}

	var mask int64
	for i, v := range a {
		if v != 0 {
			mask |= AuthorityKind(i).Mask()
		}
	}

	return mask, nil
}

// String returns the vector as "mint=N,melt=M".
func (a Authorities) String() string {
	parts := make([]string, 0, len(a))
	for i, v := range a {
		parts = append(parts, fmt.Sprintf("%v=%d", AuthorityKind(i), v))
	}

	return strings.Join(parts, ",")
}
