// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexdb

import "context"

// PutHistory records the effect of a transaction on an address.
func (t *Tx) PutHistory(ctx context.Context, address string,
	entry HistoryEntry) error {

	const query = `
		INSERT INTO address_tx_history (address, tx_id, token_id,
			balance, timestamp, voided)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		ON CONFLICT (address, tx_id, token_id) DO UPDATE SET
			balance = excluded.balance,
			timestamp = excluded.timestamp,
			voided = FALSE`

	return t.exec(ctx, "put history", query, address, entry.TxID,
		entry.TokenID, entry.Balance, entry.Timestamp)
}

// SetHistoryVoided flags every history entry of a transaction.
func (t *Tx) SetHistoryVoided(ctx context.Context, txID string,
	voided bool) error {

	const query = `UPDATE address_tx_history SET voided = $1 WHERE tx_id = $2`

	return t.exec(ctx, "set history voided", query, voided, txID)
}

// queryHistory runs a history query and drains its result.
func (t *Tx) queryHistory(ctx context.Context, query string,
	args ...any) ([]HistoryEntry, error) {

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("list history", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		err := rows.Scan(&e.TxID, &e.TokenID, &e.Balance, &e.Timestamp)
		if err != nil {
			return nil, dbError("list history", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("list history", err)
	}

	return entries, nil
}

// ListAddressHistory returns the non voided history of an address.
func (t *Tx) ListAddressHistory(ctx context.Context, address string,
	limit int) ([]HistoryEntry, error) {

	const query = `
		SELECT tx_id, token_id, balance, timestamp
		FROM address_tx_history
		WHERE address = $1 AND voided = FALSE
		ORDER BY timestamp DESC, tx_id
		LIMIT $2`

	return t.queryHistory(ctx, query, address, limit)
}

// ListWalletHistory returns the non voided history of a wallet. Entries of
// the same transaction and token across the wallet's addresses are summed.
func (t *Tx) ListWalletHistory(ctx context.Context, walletID string,
	limit int) ([]HistoryEntry, error) {

	const query = `
		SELECT h.tx_id, h.token_id, CAST(SUM(h.balance) AS BIGINT),
			MAX(h.timestamp)
		FROM address_tx_history h
		JOIN address a ON a.address = h.address
		WHERE a.wallet_id = $1 AND h.voided = FALSE
		GROUP BY h.tx_id, h.token_id
		ORDER BY MAX(h.timestamp) DESC, h.tx_id
		LIMIT $2`

	return t.queryHistory(ctx, query, walletID, limit)
}
