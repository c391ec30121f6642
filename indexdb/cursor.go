// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// cursorID is the primary key of the single cursor row.
const cursorID = 1

// FetchCursor returns the persisted cursor.
func (t *Tx) FetchCursor(ctx context.Context) (*Cursor, error) {
	const query = `
		SELECT last_event_id, updated_at, best_height, best_block
		FROM sync_cursor
		WHERE id = $1`

	var (
		eventID           sql.NullInt64
		updatedAt, height int64
		best              string
	)
	err := t.tx.QueryRowContext(ctx, query, cursorID).Scan(
		&eventID, &updatedAt, &height, &best,
	)
	switch {
	case isNoRows(err):
		return &Cursor{}, nil

	case err != nil:
		return nil, dbError("fetch cursor", err)
	}

	cursor := &Cursor{
		UpdatedAt:  time.Unix(updatedAt, 0),
		BestHeight: uint64(height),
		BestBlock:  best,
	}
	if eventID.Valid {
		cursor.LastEventID = fn.Some(uint64(eventID.Int64))
	}

	return cursor, nil
}

// PutCursor records eventID as the last applied event.
func (t *Tx) PutCursor(ctx context.Context, eventID uint64,
	now time.Time) error {

	const query = `
		INSERT INTO sync_cursor (id, last_event_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at`

	return t.exec(ctx, "put cursor", query, cursorID, int64(eventID),
		now.Unix())
}

// PutBestBlock records the best non voided block.
func (t *Tx) PutBestBlock(ctx context.Context, hash string,
	height uint64) error {

	const query = `
		INSERT INTO sync_cursor
			(id, last_event_id, updated_at, best_height, best_block)
		VALUES ($1, NULL, 0, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			best_height = excluded.best_height,
			best_block = excluded.best_block`

	return t.exec(ctx, "put best block", query, cursorID, int64(height),
		hash)
}

// RewindCursor moves the cursor back to eventID so the events after it are
// delivered again. A None eventID rewinds before the first event. Replayed
// events for known vertices classify as no-ops, so only transitions missed by
// the index are applied. Moving the cursor forward is refused.
func (t *Tx) RewindCursor(ctx context.Context, eventID fn.Option[uint64],
	now time.Time) error {

	cursor, err := t.FetchCursor(ctx)
	if err != nil {
		return err
	}

	if eventID.IsSome() && !cursor.Applied(eventID.UnsafeFromSome()) {
		return indexError(ErrInvariant, fmt.Sprintf("cannot rewind "+
			"cursor from %s forward to %s",
			eventPosition(cursor.LastEventID),
			eventPosition(eventID)), nil)
	}

	log.Infof("Rewinding cursor from %s to %s",
		eventPosition(cursor.LastEventID), eventPosition(eventID))

	if eventID.IsSome() {
		return t.PutCursor(ctx, eventID.UnsafeFromSome(), now)
	}

	const query = `
		UPDATE sync_cursor SET last_event_id = NULL, updated_at = $2
		WHERE id = $1`

	return t.exec(ctx, "reset cursor", query, cursorID, now.Unix())
}

// eventPosition formats a cursor position for messages.
func eventPosition(eventID fn.Option[uint64]) string {
	return fn.ElimOption(eventID,
		func() string { return "the first event" },
		func(id uint64) string { return fmt.Sprintf("event %d", id) },
	)
}

// DropIndex deletes everything derived from the event stream: vertices,
// tokens, outputs, balances, history and proposals. Registered wallets and
// their addresses are kept and the cursor is reset, so the next sync
// rebuilds the index from the first event.
func (t *Tx) DropIndex(ctx context.Context) error {
	tables := []string{
		"tx_proposal_input",
		"tx_proposal",
		"address_tx_history",
		"wallet_balance",
		"address_balance",
		"utxo",
		"token",
		"tx",
		"sync_cursor",
	}

	for _, table := range tables {
		err := t.exec(ctx, "drop "+table, "DELETE FROM "+table)
		if err != nil {
			return err
		}
	}

	log.Infof("Dropped %d index tables", len(tables))

	return nil
}
