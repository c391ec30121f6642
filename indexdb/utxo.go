// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexdb

import (
	"context"
	"database/sql"
	"sort"
)

// utxoColumns is the column list scanned by scanUtxo. Queries alias the utxo
// table as u.
const utxoColumns = `u.tx_id, u.idx, u.token_id, u.address, u.value,
	u.authorities, u.timelock, u.heightlock, u.locked, u.voided, u.spent_by,
	u.tx_proposal_id, u.tx_proposal_index`

// scanUtxo reads a row selected with utxoColumns.
func scanUtxo(row scanner) (*Utxo, error) {
	var (
		u                    Utxo
		index                int64
		timelock, heightlock sql.NullInt64
		spentBy, proposalID  sql.NullString
		proposalIndex        sql.NullInt64
	)
	err := row.Scan(
		&u.TxID, &index, &u.TokenID, &u.Address, &u.Value,
		&u.Authorities, &timelock, &heightlock, &u.Locked, &u.Voided,
		&spentBy, &proposalID, &proposalIndex,
	)
	if err != nil {
		return nil, err
	}

	u.Index = uint32(index)
	u.Timelock = optInt64(timelock)
	u.Heightlock = optUint64(heightlock)
	u.SpentBy = optString(spentBy)
	u.TxProposalID = optString(proposalID)
	u.TxProposalIndex = optUint32(proposalIndex)

	return &u, nil
}

// queryUtxos runs a query selecting utxoColumns and drains its result.
func (t *Tx) queryUtxos(ctx context.Context, desc, query string,
	args ...any) ([]Utxo, error) {

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError(desc, err)
	}
	defer rows.Close()

	var utxos []Utxo
	for rows.Next() {
		u, err := scanUtxo(rows)
		if err != nil {
			return nil, dbError(desc, err)
		}
		utxos = append(utxos, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError(desc, err)
	}

	return utxos, nil
}

// RecordOutput inserts an output or refreshes its mutable fields.
func (t *Tx) RecordOutput(ctx context.Context, utxo *Utxo) error {
	const query = `
		INSERT INTO utxo (tx_id, idx, token_id, address, value,
			authorities, timelock, heightlock, locked, voided)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tx_id, idx) DO UPDATE SET
			token_id = excluded.token_id,
			address = excluded.address,
			value = excluded.value,
			authorities = excluded.authorities,
			timelock = excluded.timelock,
			heightlock = excluded.heightlock,
			locked = excluded.locked,
			voided = excluded.voided`

	return t.exec(ctx, "record output", query, utxo.TxID,
		int64(utxo.Index), utxo.TokenID, utxo.Address, utxo.Value,
		utxo.Authorities, nullInt64(utxo.Timelock),
		nullUint64(utxo.Heightlock), utxo.Locked, utxo.Voided)
}

// FetchUtxo returns a single output.
func (t *Tx) FetchUtxo(ctx context.Context, op Outpoint) (*Utxo, error) {
	const query = `SELECT ` + utxoColumns + `
		FROM utxo u
		WHERE u.tx_id = $1 AND u.idx = $2`

	row := t.tx.QueryRowContext(ctx, query, op.TxID, int64(op.Index))
	u, err := scanUtxo(row)
	switch {
	case isNoRows(err):
		return nil, indexError(ErrUtxoNotFound,
			"output "+op.String()+" not found", nil)

	case err != nil:
		return nil, dbError("fetch utxo", err)
	}

	return u, nil
}

// MarkSpent records the spender of an output.
func (t *Tx) MarkSpent(ctx context.Context, op Outpoint,
	spendingTxID string) (bool, error) {

	const query = `
		UPDATE utxo SET spent_by = $1
		WHERE tx_id = $2 AND idx = $3`

	n, err := t.execAffected(ctx, "mark spent", query, spendingTxID,
		op.TxID, int64(op.Index))
	if err != nil {
		return false, err
	}

	return n > 0, nil
}

// UnspendInputs clears the spender and reservation of every output spent by
// spendingTxID.
func (t *Tx) UnspendInputs(ctx context.Context,
	spendingTxID string) (int64, error) {

	const query = `
		UPDATE utxo SET
			spent_by = NULL,
			tx_proposal_id = NULL,
			tx_proposal_index = NULL
		WHERE spent_by = $1`

	return t.execAffected(ctx, "unspend inputs", query, spendingTxID)
}

// SetOutputsVoided flags every output created by txID.
func (t *Tx) SetOutputsVoided(ctx context.Context, txID string,
	voided bool) error {

	const query = `UPDATE utxo SET voided = $1 WHERE tx_id = $2`

	return t.exec(ctx, "set outputs voided", query, voided, txID)
}

// ListTxOutputs returns the outputs created by txID.
func (t *Tx) ListTxOutputs(ctx context.Context, txID string) ([]Utxo, error) {
	const query = `SELECT ` + utxoColumns + `
		FROM utxo u
		WHERE u.tx_id = $1
		ORDER BY u.idx`

	return t.queryUtxos(ctx, "list tx outputs", query, txID)
}

// ListUnlockable returns the locked outputs whose locks have expired.
func (t *Tx) ListUnlockable(ctx context.Context, height uint64,
	now int64) ([]Utxo, error) {

	const query = `SELECT ` + utxoColumns + `
		FROM utxo u
		WHERE u.locked = TRUE AND u.voided = FALSE
			AND u.spent_by IS NULL
			AND (u.heightlock IS NULL OR u.heightlock <= $1)
			AND (u.timelock IS NULL OR u.timelock <= $2)
		ORDER BY u.tx_id, u.idx`

	return t.queryUtxos(ctx, "list unlockable", query, int64(height), now)
}

// UnlockOutput clears the locked flag of an output.
func (t *Tx) UnlockOutput(ctx context.Context, op Outpoint) error {
	const query = `
		UPDATE utxo SET locked = FALSE
		WHERE tx_id = $1 AND idx = $2`

	return t.exec(ctx, "unlock output", query, op.TxID, int64(op.Index))
}

// ListAvailable returns the reservable outputs of a wallet for a token.
func (t *Tx) ListAvailable(ctx context.Context,
	q ListAvailableQuery) ([]Utxo, error) {

	const base = `SELECT ` + utxoColumns + `
		FROM utxo u
		JOIN address a ON a.address = u.address
		WHERE a.wallet_id = $1 AND u.token_id = $2
			AND u.tx_proposal_id IS NULL AND u.spent_by IS NULL
			AND u.voided = FALSE AND u.locked = FALSE`

	const order = ` ORDER BY u.value DESC, u.tx_id, u.idx`

	query := base + ` AND u.authorities = 0` + order
	if q.Authorities {
		query = base + ` AND u.authorities > 0` + order
	}

	return t.queryUtxos(ctx, "list available", query, q.WalletID,
		q.TokenID)
}

// Reserve assigns a set of outputs to a tx proposal.
//
// How it works:
// Every outpoint is claimed with a conditional update that only matches a row
// which is unreserved, unspent, non voided and unlocked. An update matching
// no row means another proposal (or the synchronizer) got there first, and
// the whole reservation fails. Since the claim and the check are the same
// statement, two concurrent reservations can never both succeed for the same
// output.
//
// Logical Steps:
//  1. Reject an empty request and duplicated outpoints.
//  2. Sort a copy of the outpoints by (tx_id, index) so that concurrent
//     reservations lock rows in the same order.
//  3. Claim each row, recording its position in the caller's order.
//  4. Return the claimed outputs ordered by position.
//
// Database Actions:
//   - One UPDATE on the utxo table per outpoint.
//   - One SELECT on the utxo table.
//
// Reserve never rolls back on its own: callers run it inside Update so that a
// failure undoes the rows claimed before it.
func (t *Tx) Reserve(ctx context.Context, params ReserveParams) ([]Utxo,
	error) {

	const query = `
		UPDATE utxo SET tx_proposal_id = $1, tx_proposal_index = $2
		WHERE tx_id = $3 AND idx = $4
			AND tx_proposal_id IS NULL AND spent_by IS NULL
			AND voided = FALSE AND locked = FALSE`

	if len(params.Outpoints) == 0 {
		return nil, indexError(ErrInsufficientFunds,
			"no outputs to reserve for proposal "+params.ProposalID,
			nil)
	}

	positions := make(map[Outpoint]uint32, len(params.Outpoints))
	for i, op := range params.Outpoints {
		if _, ok := positions[op]; ok {
			return nil, indexError(ErrAlreadyReserved,
				"output "+op.String()+" requested twice", nil)
		}
		positions[op] = uint32(i)
	}

	sorted := make([]Outpoint, len(params.Outpoints))
	copy(sorted, params.Outpoints)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].less(sorted[j])
	})

	for _, op := range sorted {
		n, err := t.execAffected(ctx, "reserve output", query,
			params.ProposalID, int64(positions[op]), op.TxID,
			int64(op.Index))
		if err != nil {
			return nil, err
		}

		if n == 0 {
			return nil, indexError(ErrAlreadyReserved,
				"output "+op.String()+" is not available", nil)
		}
	}

	log.Debugf("Reserved %d outputs for proposal %s", len(sorted),
		params.ProposalID)

	return t.ListReserved(ctx, params.ProposalID)
}

// Release clears every reservation held by a proposal.
func (t *Tx) Release(ctx context.Context, proposalID string) (int64, error) {
	const query = `
		UPDATE utxo SET tx_proposal_id = NULL, tx_proposal_index = NULL
		WHERE tx_proposal_id = $1`

	n, err := t.execAffected(ctx, "release outputs", query, proposalID)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		log.Debugf("Released %d outputs of proposal %s", n, proposalID)
	}

	return n, nil
}

// ListReserved returns the outputs held by a proposal.
func (t *Tx) ListReserved(ctx context.Context, proposalID string) ([]Utxo,
	error) {

	const query = `SELECT ` + utxoColumns + `
		FROM utxo u
		WHERE u.tx_proposal_id = $1
		ORDER BY u.tx_proposal_index`

	return t.queryUtxos(ctx, "list reserved", query, proposalID)
}
