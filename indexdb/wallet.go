// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexdb

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/walletindexer/ledger"
)

// RegisterWallet creates a wallet and assigns addresses to it.
//
// Logical Steps:
//  1. Insert the wallet row if it does not exist yet.
//  2. Insert every address not yet registered, failing if one belongs to
//     another wallet.
//  3. Rebuild the wallet balances by merging the balances of all of its
//     addresses.
//
// Database Actions:
//   - One INSERT on the wallet table.
//   - One SELECT and at most one INSERT on the address table per address.
//   - A full rebuild of the wallet's rows in wallet_balance.
func (t *Tx) RegisterWallet(ctx context.Context,
	params RegisterWalletParams) error {

	const insertWallet = `
		INSERT INTO wallet (id, created_at) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`

	const insertAddress = `
		INSERT INTO address (address, wallet_id, idx)
		VALUES ($1, $2, $3)`

	err := t.exec(ctx, "insert wallet", insertWallet, params.WalletID,
		params.Now.Unix())
	if err != nil {
		return err
	}

	owners, err := t.WalletsForAddresses(ctx, params.Addresses)
	if err != nil {
		return err
	}

	for i, addr := range params.Addresses {
		owner, ok := owners[addr]
		switch {
		case ok && owner != params.WalletID:
			return indexError(ErrAddressOwned, fmt.Sprintf(
				"address %s belongs to wallet %s", addr, owner,
			), nil)

		case ok:
			continue
		}

		err := t.exec(ctx, "insert address", insertAddress, addr,
			params.WalletID, int64(i))
		if err != nil {
			return err
		}

		// Guard against the same address listed twice.
		owners[addr] = params.WalletID
	}

	return t.rebuildWalletBalances(ctx, params.WalletID, params.Now)
}

// rebuildWalletBalances recomputes the balances of a wallet from the
// balances of its addresses.
func (t *Tx) rebuildWalletBalances(ctx context.Context, walletID string,
	now time.Time) error {

	const sumBalances = `
		SELECT b.token_id, b.total_sent, b.unlocked_balance,
			b.locked_balance, b.unlocked_authorities,
			b.locked_authorities, b.timelock_expires, b.transactions
		FROM address_balance b
		JOIN address a ON a.address = b.address
		WHERE a.wallet_id = $1`

	const countTxs = `
		SELECT h.token_id, COUNT(DISTINCT h.tx_id)
		FROM address_tx_history h
		JOIN address a ON a.address = h.address
		WHERE a.wallet_id = $1 AND h.voided = FALSE
		GROUP BY h.token_id`

	const deleteBalances = `DELETE FROM wallet_balance WHERE wallet_id = $1`

	rows, err := t.tx.QueryContext(ctx, sumBalances, walletID)
	if err != nil {
		return dbError("sum address balances", err)
	}

	total := make(ledger.TokenBalanceMap)
	for rows.Next() {
		var tokenID string
		rec, err := scanBalance(rows, &tokenID)
		if err != nil {
			rows.Close()
			return dbError("sum address balances", err)
		}
		total = total.Merge(ledger.TokenBalanceMap{tokenID: rec.Balance})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return dbError("sum address balances", err)
	}

	txCounts := make(map[string]int64)
	rows, err = t.tx.QueryContext(ctx, countTxs, walletID)
	if err != nil {
		return dbError("count wallet txs", err)
	}
	for rows.Next() {
		var (
			tokenID string
			count   int64
		)
		if err := rows.Scan(&tokenID, &count); err != nil {
			rows.Close()
			return dbError("count wallet txs", err)
		}
		txCounts[tokenID] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return dbError("count wallet txs", err)
	}

	err = t.exec(ctx, "delete wallet balances", deleteBalances, walletID)
	if err != nil {
		return err
	}

	for _, tokenID := range total.Tokens() {
		unlocked, locked, err := t.restingAuthorities(
			ctx, walletBalances, walletID, tokenID,
		)
		if err != nil {
			return err
		}

		rec := &BalanceRecord{
			TokenID:      tokenID,
			Balance:      total[tokenID],
			Transactions: txCounts[tokenID],
		}
		rec.Balance.UnlockedAuthorities = unlocked
		rec.Balance.LockedAuthorities = locked

		err = t.putBalance(ctx, walletBalances, walletID, rec, now.Unix())
		if err != nil {
			return err
		}
	}

	log.Debugf("Rebuilt %d balances of wallet %s", len(total), walletID)

	return nil
}

// FetchWallet returns a registered wallet.
func (t *Tx) FetchWallet(ctx context.Context, walletID string) (*Wallet,
	error) {

	const query = `
		SELECT w.created_at, COUNT(a.address)
		FROM wallet w
		LEFT JOIN address a ON a.wallet_id = w.id
		WHERE w.id = $1
		GROUP BY w.created_at`

	var createdAt, count int64
	err := t.tx.QueryRowContext(ctx, query, walletID).Scan(
		&createdAt, &count,
	)
	switch {
	case isNoRows(err):
		return nil, indexError(ErrWalletNotFound,
			"wallet "+walletID+" not found", nil)

	case err != nil:
		return nil, dbError("fetch wallet", err)
	}

	return &Wallet{
		ID:        walletID,
		CreatedAt: time.Unix(createdAt, 0),
		Addresses: int(count),
	}, nil
}

// WalletsForAddresses maps registered addresses to their wallet.
func (t *Tx) WalletsForAddresses(ctx context.Context,
	addresses []string) (map[string]string, error) {

	const query = `SELECT wallet_id FROM address WHERE address = $1`

	owners := make(map[string]string)
	for _, addr := range addresses {
		if _, ok := owners[addr]; ok {
			continue
		}

		var walletID string
		err := t.tx.QueryRowContext(ctx, query, addr).Scan(&walletID)
		switch {
		case isNoRows(err):
			continue

		case err != nil:
			return nil, dbError("wallet for address", err)
		}

		owners[addr] = walletID
	}

	return owners, nil
}

// ListWalletAddresses returns the addresses of a wallet.
func (t *Tx) ListWalletAddresses(ctx context.Context,
	walletID string) ([]string, error) {

	const query = `
		SELECT address FROM address
		WHERE wallet_id = $1
		ORDER BY idx, address`

	rows, err := t.tx.QueryContext(ctx, query, walletID)
	if err != nil {
		return nil, dbError("list wallet addresses", err)
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, dbError("list wallet addresses", err)
		}
		addresses = append(addresses, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("list wallet addresses", err)
	}

	return addresses, nil
}
