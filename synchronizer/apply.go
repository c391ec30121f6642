// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package synchronizer

import (
	"context"

	"github.com/btcsuite/walletindexer/indexdb"
	"github.com/btcsuite/walletindexer/ledger"
	"github.com/btcsuite/walletindexer/vertex"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// eventResult summarizes a committed event.
type eventResult struct {
	// skipped is set when the event was applied before.
	skipped bool

	// action is the classified action of a vertex event.
	action vertex.Action

	// txID is the vertex of the event, if any.
	txID string

	// wallets holds the balance change per registered wallet.
	wallets ledger.BalanceMap
}

// indexTx is the part of the index an event is applied to.
type indexTx interface {
	indexdb.CursorStore
	indexdb.TxStore
	indexdb.UtxoStore
	indexdb.BalanceStore
	indexdb.HistoryStore
	indexdb.WalletStore
}

// processEvent applies event and advances the cursor in one database
// transaction. Events at or below the cursor were already applied and are
// left alone.
func (s *Synchronizer) processEvent(ctx context.Context,
	event *vertex.Event) (*eventResult, error) {

	var result *eventResult
	err := s.cfg.DB.Update(ctx, func(tx *indexdb.Tx) error {
		result = &eventResult{action: vertex.ActionIgnore}
		return s.applyEvent(ctx, tx, event, result)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// applyEvent applies event within tx unless the cursor is already past it.
func (s *Synchronizer) applyEvent(ctx context.Context, tx indexTx,
	event *vertex.Event, result *eventResult) error {

	cursor, err := tx.FetchCursor(ctx)
	if err != nil {
		return err
	}

	if cursor.Applied(event.ID) {
		result.skipped = true
		return nil
	}

	cursor.LastEventID.WhenSome(func(last uint64) {
		if event.ID != last+1 {
			log.Warnf("Event %d follows event %d, %d events missing",
				event.ID, last, event.ID-last-1)
		}
	})

	if event.Vertex != nil {
		err := s.applyVertexEvent(ctx, tx, cursor, event, result)
		if err != nil {
			return err
		}
	}

	return tx.PutCursor(ctx, event.ID, s.cfg.Now())
}

// applyVertexEvent classifies a vertex event against the stored metadata and
// applies the resulting action.
func (s *Synchronizer) applyVertexEvent(ctx context.Context, tx indexTx,
	cursor *indexdb.Cursor, event *vertex.Event, result *eventResult) error {

	v := event.Vertex

	prev := fn.None[vertex.Metadata]()
	rec, err := tx.FetchTx(ctx, v.Hash)
	switch {
	case err == nil:
		prev = fn.Some(metadataFromRecord(rec))

	case !indexdb.IsError(err, indexdb.ErrTxNotFound):
		return err
	}

	action := vertex.ClassifyEvent(event.Type, prev, v.Metadata)
	result.action = action
	result.txID = v.Hash

	if s.reorging {
		log.Debugf("Event %d during reorg: %v %s", event.ID, action,
			v.Hash)
	} else {
		log.Debugf("Event %d: %v %s", event.ID, action, v.Hash)
	}

	next := newTxRecord(v)
	if event.Type == vertex.EventVertexRemoved {
		// Nothing is known about a vertex removed before it was seen.
		if rec == nil {
			return nil
		}

		// A removed vertex is kept as voided by itself, so accepting it
		// again is classified as unvoided and reapplied.
		voidedBy := fn.NewSet(rec.VoidedBy...)
		voidedBy.Add(v.Hash)
		next.VoidedBy = vertex.Metadata{VoidedBy: voidedBy}.VoidedByList()
	}
	if err := tx.PutTx(ctx, next); err != nil {
		return err
	}

	switch action {
	case vertex.ActionTxNew, vertex.ActionTxUnvoided:
		result.wallets, err = s.applyVertex(ctx, tx, cursor, event)

	case vertex.ActionTxVoided:
		result.wallets, err = s.revertVertex(ctx, tx, v)

	case vertex.ActionTxFirstBlock, vertex.ActionIgnore:
	}

	return err
}

// applyVertex records the outputs of v, spends its inputs and credits and
// debits the owning addresses and wallets. A block also advances the best
// height and releases the height-locks it expires.
func (s *Synchronizer) applyVertex(ctx context.Context, tx indexTx,
	cursor *indexdb.Cursor, event *vertex.Event) (ledger.BalanceMap, error) {

	v := event.Vertex

	height := cursor.BestHeight
	if v.IsBlock() && v.Metadata.Height > height {
		height = v.Metadata.Height
	}

	if v.Version == vertex.VersionTokenCreation {
		err := tx.PutToken(ctx, indexdb.Token{
			ID:     v.Hash,
			Name:   v.TokenName,
			Symbol: v.TokenSymbol,
		})
		if err != nil {
			return nil, err
		}
	}

	deltas := make(ledger.BalanceMap)
	for i, out := range v.Outputs {
		u, err := s.newUtxo(v, uint32(i), out, height, event.Timestamp)
		if err != nil {
			return nil, err
		}

		if err := tx.RecordOutput(ctx, u); err != nil {
			return nil, err
		}

		if u.Address == "" {
			continue
		}
		deltas.Add(u.Address, ledger.FromTxOutput(u.LedgerOutput()))
	}

	for _, in := range v.Inputs {
		op := indexdb.Outpoint{TxID: in.TxID, Index: in.Index}

		// The node only accepts spends of unlocked outputs, so a
		// stored output that is still locked expired before the
		// unlock pass noticed.
		stored, err := tx.FetchUtxo(ctx, op)
		switch {
		case err == nil && stored.Locked:
			if err := tx.UnlockOutput(ctx, op); err != nil {
				return nil, err
			}
			deltas.Add(
				stored.Address,
				ledger.Unlock(stored.LedgerOutput()),
			)

		case err != nil && !indexdb.IsError(err, indexdb.ErrUtxoNotFound):
			return nil, err
		}

		if _, err := tx.MarkSpent(ctx, op, v.Hash); err != nil {
			return nil, err
		}

		addr := in.SpentOutput.Decoded.Address
		if addr == "" {
			continue
		}
		deltas.Add(addr, ledger.FromTxInput(spentOutput(in)))
	}

	wallets, err := s.persistDeltas(ctx, tx, deltas, 1)
	if err != nil {
		return nil, err
	}

	for _, addr := range deltas.Owners() {
		for _, token := range deltas[addr].Tokens() {
			err := tx.PutHistory(ctx, addr, indexdb.HistoryEntry{
				TxID:      v.Hash,
				TokenID:   token,
				Balance:   deltas[addr].Get(token).Total(),
				Timestamp: v.Timestamp,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	if !v.IsBlock() {
		return wallets, nil
	}

	if height > cursor.BestHeight || cursor.BestBlock == "" {
		if err := tx.PutBestBlock(ctx, v.Hash, height); err != nil {
			return nil, err
		}
	}

	unlocked, err := s.unlockExpired(ctx, tx, height, event.Timestamp)
	if err != nil {
		return nil, err
	}
	for _, walletID := range unlocked.Owners() {
		wallets.Add(walletID, unlocked[walletID])
	}

	return wallets, nil
}

// revertVertex undoes the effect of v. The credit of its outputs is derived
// from the stored rows so it hits the locked or unlocked fields they
// currently sit in, and the debit of its inputs is given back.
func (s *Synchronizer) revertVertex(ctx context.Context, tx indexTx,
	v *vertex.Vertex) (ledger.BalanceMap, error) {

	outputs, err := tx.ListTxOutputs(ctx, v.Hash)
	if err != nil {
		return nil, err
	}

	deltas := make(ledger.BalanceMap)
	for i := range outputs {
		u := &outputs[i]
		if u.Voided || u.Address == "" {
			continue
		}
		deltas.Add(u.Address, ledger.FromTxOutput(u.LedgerOutput()))
	}

	for _, in := range v.Inputs {
		addr := in.SpentOutput.Decoded.Address
		if addr == "" {
			continue
		}
		deltas.Add(addr, ledger.FromTxInput(spentOutput(in)))
	}

	if err := tx.SetOutputsVoided(ctx, v.Hash, true); err != nil {
		return nil, err
	}

	n, err := tx.UnspendInputs(ctx, v.Hash)
	if err != nil {
		return nil, err
	}
	log.Debugf("Voided %s: %d outputs, %d inputs returned", v.Hash,
		len(outputs), n)

	if err := tx.SetHistoryVoided(ctx, v.Hash, true); err != nil {
		return nil, err
	}

	wallets, err := s.persistDeltas(ctx, tx, deltas.Negate(), -1)
	if err != nil {
		return nil, err
	}

	if v.IsBlock() {
		hash, height, err := tx.FindBestBlock(ctx)
		if err != nil {
			return nil, err
		}

		if err := tx.PutBestBlock(ctx, hash, height); err != nil {
			return nil, err
		}
	}

	return wallets, nil
}

// unlockExpired unlocks the outputs whose locks expired at the given height
// and time, and moves their value to the unlocked balances.
func (s *Synchronizer) unlockExpired(ctx context.Context, tx indexTx,
	height uint64, now int64) (ledger.BalanceMap, error) {

	utxos, err := tx.ListUnlockable(ctx, height, now)
	if err != nil || len(utxos) == 0 {
		return nil, err
	}

	deltas := make(ledger.BalanceMap)
	for i := range utxos {
		u := &utxos[i]
		if err := tx.UnlockOutput(ctx, u.Outpoint); err != nil {
			return nil, err
		}

		if u.Address == "" {
			continue
		}
		deltas.Add(u.Address, ledger.Unlock(u.LedgerOutput()))
	}

	log.Debugf("Unlocked %d outputs at height %d, time %d", len(utxos),
		height, now)

	return s.persistDeltas(ctx, tx, deltas, 0)
}

// persistDeltas merges the per address deltas into the address balances,
// regroups them by wallet and merges those into the wallet balances. The
// wallet deltas are returned.
func (s *Synchronizer) persistDeltas(ctx context.Context, tx indexTx,
	deltas ledger.BalanceMap, txCount int64) (ledger.BalanceMap, error) {

	now := s.cfg.Now()
	owners := deltas.Owners()

	for _, addr := range owners {
		err := tx.ApplyAddressDelta(ctx, indexdb.ApplyDeltaParams{
			Owner:   addr,
			Delta:   deltas[addr],
			TxCount: txCount,
			Now:     now,
		})
		if err != nil {
			return nil, err
		}
	}

	walletOf, err := tx.WalletsForAddresses(ctx, owners)
	if err != nil {
		return nil, err
	}

	wallets := make(ledger.BalanceMap)
	for _, addr := range owners {
		if walletID, ok := walletOf[addr]; ok {
			wallets.Add(walletID, deltas[addr])
		}
	}

	for _, walletID := range wallets.Owners() {
		err := tx.ApplyWalletDelta(ctx, indexdb.ApplyDeltaParams{
			Owner:   walletID,
			Delta:   wallets[walletID],
			TxCount: txCount,
			Now:     now,
		})
		if err != nil {
			return nil, err
		}
	}

	return wallets, nil
}

// newUtxo builds the stored form of output index of v. Block outputs are
// height-locked for RewardSpendMinBlocks blocks. The output is locked if a
// lock has not expired at the given height and time.
func (s *Synchronizer) newUtxo(v *vertex.Vertex, index uint32,
	out vertex.TxOutput, height uint64, now int64) (*indexdb.Utxo, error) {

	tokenID, err := v.TokenID(out)
	if err != nil {
		return nil, err
	}

	u := &indexdb.Utxo{
		Outpoint: indexdb.Outpoint{TxID: v.Hash, Index: index},
		TokenID:  tokenID,
		Address:  out.Decoded.Address,
		Value:    out.Value,
		Timelock: out.Decoded.Timelock,
	}
	if out.IsAuthority() {
		u.Authorities = out.Value
	}
	if v.IsBlock() {
		u.Heightlock = fn.Some(
			v.Metadata.Height + s.cfg.RewardSpendMinBlocks,
		)
	}

	u.Locked = u.Heightlock.UnwrapOr(0) > height ||
		u.Timelock.UnwrapOr(0) > now

	return u, nil
}

// spentOutput returns the ledger form of the output spent by in.
func spentOutput(in vertex.TxInput) ledger.Output {
	return vertex.LedgerOutput(in.SpentOutput, in.SpentTokenID, false)
}

// newTxRecord returns the record storing the metadata of v.
func newTxRecord(v *vertex.Vertex) *indexdb.TxRecord {
	return &indexdb.TxRecord{
		TxID:       v.Hash,
		Version:    uint8(v.Version),
		Timestamp:  v.Timestamp,
		VoidedBy:   v.Metadata.VoidedByList(),
		FirstBlock: v.Metadata.FirstBlock,
		Height:     v.Metadata.Height,
	}
}

// metadataFromRecord rebuilds the metadata snapshot stored in rec.
func metadataFromRecord(rec *indexdb.TxRecord) vertex.Metadata {
	return vertex.Metadata{
		VoidedBy:   fn.NewSet(rec.VoidedBy...),
		FirstBlock: rec.FirstBlock,
		Height:     rec.Height,
	}
}
