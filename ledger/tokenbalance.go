// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"sort"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// NativeTokenID is the identifier of the network's native token.
const NativeTokenID = "00"

// Output is the ledger's view of a transaction output, either one being
// created by a transaction or one being spent by an input.
type Output struct {
	// TokenID identifies the token held by the output.
	TokenID string

	// Value is the amount held. For authority outputs it is the packed
	// authority mask instead.
	Value int64

	// IsAuthority is true when the output grants authorities rather than
	// carrying an amount.
	IsAuthority bool

	// Timelock is the unix timestamp before which the output cannot be
	// spent, if any.
	Timelock fn.Option[int64]

	// Locked is true when the output is still time- or height-locked at
	// the moment it is decoded.
	Locked bool
}

// TokenBalanceMap maps a token id to the balance of that token. A missing key
// resolves to the zero Balance.
type TokenBalanceMap map[string]Balance

// Get returns the balance for token, or the zero balance if none is set.
func (m TokenBalanceMap) Get(token string) Balance {
	return m[token]
}

// Tokens returns the map's token ids in sorted order.
func (m TokenBalanceMap) Tokens() []string {
	tokens := make([]string, 0, len(m))
	for token := range m {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	return tokens
}

// Merge returns a new map holding the key-wise merge of m and o over the
// union of their keys. Neither input is modified and the result never aliases
// either of them, including when o is nil.
func (m TokenBalanceMap) Merge(o TokenBalanceMap) TokenBalanceMap {
	result := make(TokenBalanceMap, len(m)+len(o))
	for token, b := range m {
		result[token] = b
	}
	for token, b := range o {
		result[token] = result[token].Merge(b)
	}

	return result
}

// Negate returns a new map with every balance negated.
func (m TokenBalanceMap) Negate() TokenBalanceMap {
	result := make(TokenBalanceMap, len(m))
	for token, b := range m {
		result[token] = b.Negate()
	}

	return result
}

// FromTxOutput returns the credit produced by a transaction output. A locked
// output credits the locked fields and carries its time-lock as expiration,
// an unlocked one credits the unlocked fields.
func FromTxOutput(out Output) TokenBalanceMap {
	var b Balance
	switch {
	case out.IsAuthority && out.Locked:
		b.LockedAuthorities = AuthoritiesFromInteger(out.Value)
		b.LockExpiresAt = out.Timelock

	case out.IsAuthority:
		b.UnlockedAuthorities = AuthoritiesFromInteger(out.Value)

	case out.Locked:
		b.TotalSent = out.Value
		b.LockedAmount = out.Value
		b.LockExpiresAt = out.Timelock

	default:
		b.TotalSent = out.Value
		b.UnlockedAmount = out.Value
	}

	return TokenBalanceMap{out.TokenID: b}
}

// FromTxInput returns the debit produced by spending the given output. An
// input can only spend an unlocked output, so the debit always hits the
// unlocked fields.
func FromTxInput(spent Output) TokenBalanceMap {
	var b Balance
	if spent.IsAuthority {
		b.UnlockedAuthorities = AuthoritiesFromInteger(
			spent.Value,
		).Negate()
	} else {
		b.UnlockedAmount = -spent.Value
	}

	return TokenBalanceMap{spent.TokenID: b}
}

// Unlock returns the delta that moves a previously locked output from the
// locked fields to the unlocked ones.
func Unlock(out Output) TokenBalanceMap {
	var b Balance
	if out.IsAuthority {
		auth := AuthoritiesFromInteger(out.Value)
		b.LockedAuthorities = auth.Negate()
		b.UnlockedAuthorities = auth
	} else {
		b.LockedAmount = -out.Value
		b.UnlockedAmount = out.Value
	}

	return TokenBalanceMap{out.TokenID: b}
}

// BalanceMap groups token balances by owner, where the owner is either an
// address or a wallet id.
type BalanceMap map[string]TokenBalanceMap

// Add merges delta into the owner's entry.
func (m BalanceMap) Add(owner string, delta TokenBalanceMap) {
	m[owner] = m[owner].Merge(delta)
}

// Owners returns the map's owners in sorted order so that callers touch
// storage rows in a deterministic order.
func (m BalanceMap) Owners() []string {
	owners := make([]string, 0, len(m))
	for owner := range m {
		owners = append(owners, owner)
	}
	sort.Strings(owners)

	return owners
}

// Negate returns a new map with every balance negated.
func (m BalanceMap) Negate() BalanceMap {
	result := make(BalanceMap, len(m))
	for owner, tbm := range m {
		result[owner] = tbm.Negate()
	}

	return result
}
