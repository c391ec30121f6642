// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package proposal

import (
	"github.com/btcsuite/walletindexer/indexdb"
	"github.com/btcsuite/walletindexer/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// selectUtxos picks outputs covering amount from candidates, which must be
// ordered by value, largest first. The smallest single output covering the
// amount is preferred. Otherwise outputs are accumulated largest first. The
// change is returned along with the selection, and ok is false when the
// candidates cannot cover the amount.
func selectUtxos(candidates []indexdb.Utxo, amount int64) (
	[]indexdb.Utxo, int64, bool) {

	for i := len(candidates) - 1; i >= 0; i-- {
		if candidates[i].Value >= amount {
			return candidates[i : i+1], candidates[i].Value - amount,
				true
		}
	}

	var total int64
	for i, u := range candidates {
		total += u.Value
		if total >= amount {
			return candidates[:i+1], total - amount, true
		}
	}

	return nil, 0, false
}

// selectAuthority picks the first candidate granting kind that is not in
// taken.
func selectAuthority(candidates []indexdb.Utxo, kind ledger.AuthorityKind,
	taken fn.Set[indexdb.Outpoint]) (indexdb.Utxo, bool) {

	for _, u := range candidates {
		if taken.Contains(u.Outpoint) {
			continue
		}

		if ledger.AuthoritiesFromInteger(u.Authorities).Has(kind) {
			return u, true
		}
	}

	return indexdb.Utxo{}, false
}
