// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexdb

import (
	"context"
	"database/sql"
	"sort"
	"strings"
)

// FetchTx returns the record of a vertex.
func (t *Tx) FetchTx(ctx context.Context, txID string) (*TxRecord, error) {
	const query = `
		SELECT version, timestamp, voided_by, first_block, height
		FROM tx
		WHERE tx_id = $1`

	var (
		version, timestamp, height int64
		voidedBy                   string
		firstBlock                 sql.NullString
	)
	err := t.tx.QueryRowContext(ctx, query, txID).Scan(
		&version, &timestamp, &voidedBy, &firstBlock, &height,
	)
	switch {
	case isNoRows(err):
		return nil, indexError(ErrTxNotFound, "tx "+txID+" not found",
			nil)

	case err != nil:
		return nil, dbError("fetch tx", err)
	}

	rec := &TxRecord{
		TxID:       txID,
		Version:    uint8(version),
		Timestamp:  timestamp,
		FirstBlock: optString(firstBlock),
		Height:     uint64(height),
	}
	if voidedBy != "" {
		rec.VoidedBy = strings.Split(voidedBy, ",")
	}

	return rec, nil
}

// PutTx inserts or replaces the record of a vertex.
func (t *Tx) PutTx(ctx context.Context, rec *TxRecord) error {
	const query = `
		INSERT INTO tx (tx_id, version, timestamp, voided, voided_by,
			first_block, height)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tx_id) DO UPDATE SET
			voided = excluded.voided,
			voided_by = excluded.voided_by,
			first_block = excluded.first_block,
			height = excluded.height`

	voidedBy := append([]string(nil), rec.VoidedBy...)
	sort.Strings(voidedBy)

	return t.exec(ctx, "put tx", query, rec.TxID, int64(rec.Version),
		rec.Timestamp, rec.IsVoided(), strings.Join(voidedBy, ","),
		nullString(rec.FirstBlock), int64(rec.Height))
}

// FindBestBlock returns the highest non voided block.
func (t *Tx) FindBestBlock(ctx context.Context) (string, uint64, error) {
	const query = `
		SELECT tx_id, height
		FROM tx
		WHERE version IN (0, 3) AND voided = FALSE
		ORDER BY height DESC, tx_id
		LIMIT 1`

	var (
		hash   string
		height int64
	)
	err := t.tx.QueryRowContext(ctx, query).Scan(&hash, &height)
	switch {
	case isNoRows(err):
		return "", 0, nil

	case err != nil:
		return "", 0, dbError("find best block", err)
	}

	return hash, uint64(height), nil
}

// PutToken records the name and symbol of a token.
func (t *Tx) PutToken(ctx context.Context, token Token) error {
	const query = `
		INSERT INTO token (id, name, symbol)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING`

	return t.exec(ctx, "put token", query, token.ID, token.Name,
		token.Symbol)
}

// FetchToken returns a token by id.
func (t *Tx) FetchToken(ctx context.Context, tokenID string) (*Token, error) {
	const query = `SELECT name, symbol FROM token WHERE id = $1`

	token := &Token{ID: tokenID}
	err := t.tx.QueryRowContext(ctx, query, tokenID).Scan(
		&token.Name, &token.Symbol,
	)
	switch {
	case isNoRows(err):
		return nil, indexError(ErrTokenNotFound,
			"token "+tokenID+" not found", nil)

	case err != nil:
		return nil, dbError("fetch token", err)
	}

	return token, nil
}
