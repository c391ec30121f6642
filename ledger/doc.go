// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package ledger implements the balance algebra used by the indexer.

Balances are never recomputed from scratch. Every transaction is turned into a
set of deltas (one TokenBalanceMap per owner) which are merged into the
persisted balances. Voiding a transaction merges the negated deltas, so Merge
must be commutative and associative with the zero value as identity, and
merging a delta with its negation must yield zero.

Authorities are counted as signed integer vectors. The packed bitmask form is
only used at the storage boundary.
*/
package ledger
