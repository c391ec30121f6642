// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/btcsuite/walletindexer/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// balanceTable holds the statements of one of the two balance tables. The
// address and wallet aggregates share the same layout and only differ in the
// owner column and in how their outputs are found.
type balanceTable struct {
	name        string
	fetch       string
	fetchAll    string
	upsert      string
	authorities string
	expiry      string
}

// newBalanceTable builds the statements of a balance table. ownerFilter
// selects the owner's outputs from the utxo table aliased as u, with the
// owner bound to $1 and the token to $2.
func newBalanceTable(table, column, join, ownerFilter string) balanceTable {
	const fields = `total_sent, unlocked_balance, locked_balance,
		unlocked_authorities, locked_authorities, timelock_expires,
		transactions`

	return balanceTable{
		name: table,

		fetch: fmt.Sprintf(`SELECT %s FROM %s
			WHERE %s = $1 AND token_id = $2`, fields, table, column),

		fetchAll: fmt.Sprintf(`SELECT token_id, %s FROM %s
			WHERE %s = $1 ORDER BY token_id`, fields, table, column),

		upsert: fmt.Sprintf(`INSERT INTO %[1]s (%[2]s, token_id,
				total_sent, unlocked_balance, locked_balance,
				unlocked_authorities, locked_authorities,
				timelock_expires, transactions, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (%[2]s, token_id) DO UPDATE SET
				total_sent = excluded.total_sent,
				unlocked_balance = excluded.unlocked_balance,
				locked_balance = excluded.locked_balance,
				unlocked_authorities = excluded.unlocked_authorities,
				locked_authorities = excluded.locked_authorities,
				timelock_expires = excluded.timelock_expires,
				transactions = excluded.transactions,
				updated_at = excluded.updated_at`, table, column),

		authorities: fmt.Sprintf(`SELECT u.authorities, u.locked
			FROM utxo u %s
			WHERE %s AND u.token_id = $2 AND u.authorities > 0
				AND u.spent_by IS NULL AND u.voided = FALSE`,
			join, ownerFilter),

		expiry: fmt.Sprintf(`SELECT MIN(u.timelock)
			FROM utxo u %s
			WHERE %s AND u.token_id = $2 AND u.locked = TRUE
				AND u.spent_by IS NULL AND u.voided = FALSE`,
			join, ownerFilter),
	}
}

var (
	addressBalances = newBalanceTable(
		"address_balance", "address", "", "u.address = $1",
	)

	walletBalances = newBalanceTable(
		"wallet_balance", "wallet_id",
		"JOIN address a ON a.address = u.address", "a.wallet_id = $1",
	)
)

// scanBalance reads the balance fields shared by fetch and fetchAll.
func scanBalance(row scanner, prefix ...any) (*BalanceRecord, error) {
	var (
		rec                    BalanceRecord
		unlockedAuth, lockAuth int64
		expires                sql.NullInt64
	)
	dest := append(prefix,
		&rec.Balance.TotalSent, &rec.Balance.UnlockedAmount,
		&rec.Balance.LockedAmount, &unlockedAuth, &lockAuth, &expires,
		&rec.Transactions,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	rec.Balance.UnlockedAuthorities = ledger.AuthoritiesFromInteger(
		unlockedAuth,
	)
	rec.Balance.LockedAuthorities = ledger.AuthoritiesFromInteger(lockAuth)
	rec.Balance.LockExpiresAt = optInt64(expires)

	return &rec, nil
}

// fetchBalance returns the stored balance of an owner for a token, or a zero
// record if there is none.
func (t *Tx) fetchBalance(ctx context.Context, table balanceTable,
	owner, tokenID string) (*BalanceRecord, error) {

	row := t.tx.QueryRowContext(ctx, table.fetch, owner, tokenID)
	rec, err := scanBalance(row)
	switch {
	case isNoRows(err):
		return &BalanceRecord{
			TokenID: tokenID,
			Balance: ledger.Balance{
				LockExpiresAt: fn.None[int64](),
			},
		}, nil

	case err != nil:
		return nil, dbError("fetch "+table.name, err)
	}
	rec.TokenID = tokenID

	return rec, nil
}

// fetchBalances returns every balance of an owner.
func (t *Tx) fetchBalances(ctx context.Context, table balanceTable,
	owner string) ([]BalanceRecord, error) {

	rows, err := t.tx.QueryContext(ctx, table.fetchAll, owner)
	if err != nil {
		return nil, dbError("fetch "+table.name, err)
	}
	defer rows.Close()

	var records []BalanceRecord
	for rows.Next() {
		var tokenID string
		rec, err := scanBalance(rows, &tokenID)
		if err != nil {
			return nil, dbError("fetch "+table.name, err)
		}
		rec.TokenID = tokenID
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("fetch "+table.name, err)
	}

	return records, nil
}

// restingAuthorities folds the authority masks of the unspent outputs of an
// owner into locked and unlocked authority counters.
func (t *Tx) restingAuthorities(ctx context.Context, table balanceTable,
	owner, tokenID string) (ledger.Authorities, ledger.Authorities, error) {

	var unlocked, locked ledger.Authorities

	rows, err := t.tx.QueryContext(ctx, table.authorities, owner, tokenID)
	if err != nil {
		return unlocked, locked, dbError("resting authorities", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			mask     int64
			isLocked bool
		)
		if err := rows.Scan(&mask, &isLocked); err != nil {
			return unlocked, locked, dbError(
				"resting authorities", err,
			)
		}

		auth := ledger.AuthoritiesFromInteger(mask)
		if isLocked {
			locked = locked.Merge(auth)
		} else {
			unlocked = unlocked.Merge(auth)
		}
	}
	if err := rows.Err(); err != nil {
		return unlocked, locked, dbError("resting authorities", err)
	}

	return unlocked, locked, nil
}

// lockExpiry returns the earliest timelock among the locked outputs of an
// owner.
func (t *Tx) lockExpiry(ctx context.Context, table balanceTable,
	owner, tokenID string) (fn.Option[int64], error) {

	var expires sql.NullInt64
	err := t.tx.QueryRowContext(ctx, table.expiry, owner, tokenID).Scan(
		&expires,
	)
	if err != nil {
		return fn.None[int64](), dbError("lock expiry", err)
	}

	return optInt64(expires), nil
}

// putBalance persists a balance record.
func (t *Tx) putBalance(ctx context.Context, table balanceTable, owner string,
	rec *BalanceRecord, now int64) error {

	unlockedAuth, err := rec.Balance.UnlockedAuthorities.ToInteger()
	if err != nil {
		return indexError(ErrInvariant, fmt.Sprintf("%s %s token %s",
			table.name, owner, rec.TokenID), err)
	}
	lockedAuth, err := rec.Balance.LockedAuthorities.ToInteger()
	if err != nil {
		return indexError(ErrInvariant, fmt.Sprintf("%s %s token %s",
			table.name, owner, rec.TokenID), err)
	}

	return t.exec(ctx, "put "+table.name, table.upsert, owner,
		rec.TokenID, rec.Balance.TotalSent, rec.Balance.UnlockedAmount,
		rec.Balance.LockedAmount, unlockedAuth, lockedAuth,
		nullInt64(rec.Balance.LockExpiresAt), rec.Transactions, now)
}

// applyDelta merges a token balance map into the stored balances of an
// owner.
//
// How it works:
// Amounts are merged with the ledger algebra. Authorities are not merged:
// they are read back from the owner's unspent authority outputs, which the
// caller has already updated in the same transaction, so the stored bitmask
// always reflects what the owner can actually spend. The lock expiry keeps
// the merged value while locked funds only grow, and is recomputed from the
// locked outputs once any of them is unlocked, spent or voided.
//
// Database Actions:
//   - One SELECT on the balance table per token.
//   - One or two SELECTs on the utxo table per token.
//   - One UPSERT on the balance table per token.
func (t *Tx) applyDelta(ctx context.Context, table balanceTable,
	params ApplyDeltaParams) error {

	for _, tokenID := range params.Delta.Tokens() {
		delta := params.Delta[tokenID]

		rec, err := t.fetchBalance(ctx, table, params.Owner, tokenID)
		if err != nil {
			return err
		}

		unlocked, locked, err := t.restingAuthorities(
			ctx, table, params.Owner, tokenID,
		)
		if err != nil {
			return err
		}

		merged := rec.Balance.Merge(delta)
		merged.UnlockedAuthorities = unlocked
		merged.LockedAuthorities = locked

		lockShrunk := delta.LockedAmount < 0 ||
			delta.LockedAuthorities.HasNegative()
		if lockShrunk {
			merged.LockExpiresAt, err = t.lockExpiry(
				ctx, table, params.Owner, tokenID,
			)
			if err != nil {
				return err
			}
		}
		if merged.LockedAmount == 0 && merged.LockedAuthorities.IsZero() {
			merged.LockExpiresAt = fn.None[int64]()
		}

		rec.Balance = merged
		rec.Transactions += params.TxCount

		log.Tracef("Balance of %s for token %s: %v", params.Owner,
			tokenID, merged)

		err = t.putBalance(
			ctx, table, params.Owner, rec, params.Now.Unix(),
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// ApplyAddressDelta merges delta into the balances of an address.
func (t *Tx) ApplyAddressDelta(ctx context.Context,
	params ApplyDeltaParams) error {

	return t.applyDelta(ctx, addressBalances, params)
}

// ApplyWalletDelta merges delta into the balances of a wallet.
func (t *Tx) ApplyWalletDelta(ctx context.Context,
	params ApplyDeltaParams) error {

	return t.applyDelta(ctx, walletBalances, params)
}

// FetchAddressBalances returns the balances of an address.
func (t *Tx) FetchAddressBalances(ctx context.Context,
	address string) ([]BalanceRecord, error) {

	return t.fetchBalances(ctx, addressBalances, address)
}

// FetchWalletBalances returns the balances of a wallet.
func (t *Tx) FetchWalletBalances(ctx context.Context,
	walletID string) ([]BalanceRecord, error) {

	return t.fetchBalances(ctx, walletBalances, walletID)
}
