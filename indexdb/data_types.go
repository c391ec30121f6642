// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexdb

import (
	"fmt"
	"time"

	"github.com/btcsuite/walletindexer/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Outpoint identifies a transaction output.
type Outpoint struct {
	// TxID is the hash of the transaction that created the output.
	TxID string

	// Index is the position of the output in the transaction.
	Index uint32
}

// String returns the outpoint in txid:index form.
func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Index)
}

// less orders outpoints by transaction id and then by index. Reservations
// touch rows in this order so concurrent reservations cannot deadlock.
func (o Outpoint) less(other Outpoint) bool {
	if o.TxID != other.TxID {
		return o.TxID < other.TxID
	}

	return o.Index < other.Index
}

// Utxo is a transaction output tracked by the index.
type Utxo struct {
	Outpoint

	// TokenID is the token of the output.
	TokenID string

	// Address is the address able to spend the output.
	Address string

	// Value is the amount of the output. For authority outputs it holds
	// the authority mask.
	Value int64

	// Authorities is the packed authority mask of an authority output and
	// zero for regular outputs.
	Authorities int64

	// Timelock is the unix time before which the output is locked.
	Timelock fn.Option[int64]

	// Heightlock is the block height before which a block reward output
	// is locked.
	Heightlock fn.Option[uint64]

	// Locked reports whether the output is still time or height locked.
	Locked bool

	// Voided reports whether the creating transaction is voided.
	Voided bool

	// SpentBy is the transaction spending the output, if any.
	SpentBy fn.Option[string]

	// TxProposalID is the proposal holding a reservation on the output.
	TxProposalID fn.Option[string]

	// TxProposalIndex is the input position of the output within the
	// reserving proposal.
	TxProposalIndex fn.Option[uint32]
}

// IsAuthority reports whether the output carries authorities instead of an
// amount.
func (u *Utxo) IsAuthority() bool {
	return u.Authorities != 0
}

// IsAvailable reports whether the output can be reserved by a proposal.
func (u *Utxo) IsAvailable() bool {
	return u.SpentBy.IsNone() && u.TxProposalID.IsNone() && !u.Voided &&
		!u.Locked
}

// LedgerOutput returns the output in its ledger form, using the current lock
// state.
func (u *Utxo) LedgerOutput() ledger.Output {
	return ledger.Output{
		TokenID:     u.TokenID,
		Value:       u.Value,
		IsAuthority: u.IsAuthority(),
		Timelock:    u.Timelock,
		Locked:      u.Locked,
	}
}

// TxRecord is the stored metadata of a vertex. Blocks and transactions share
// the same table.
type TxRecord struct {
	// TxID is the hash of the vertex.
	TxID string

	// Version is the vertex version. Versions 0 and 3 are blocks.
	Version uint8

	// Timestamp is the vertex timestamp.
	Timestamp int64

	// VoidedBy is the sorted list of vertices voiding this one.
	VoidedBy []string

	// FirstBlock is the first block confirming a transaction.
	FirstBlock fn.Option[string]

	// Height is the block height, or the height of the first block for
	// transactions.
	Height uint64
}

// IsVoided reports whether the vertex is voided.
func (r *TxRecord) IsVoided() bool {
	return len(r.VoidedBy) > 0
}

// IsBlock reports whether the record is a block.
func (r *TxRecord) IsBlock() bool {
	return r.Version == 0 || r.Version == 3
}

// Cursor is the synchronizer's persisted position in the event stream along
// with the best block it has seen.
type Cursor struct {
	// LastEventID is the id of the last applied event. It is None until
	// the first event is applied.
	LastEventID fn.Option[uint64]

	// UpdatedAt is when the cursor was last persisted.
	UpdatedAt time.Time

	// BestHeight is the height of the best non voided block.
	BestHeight uint64

	// BestBlock is the hash of the best non voided block.
	BestBlock string
}

// Applied reports whether the event with the given id is at or below the
// cursor.
func (c *Cursor) Applied(eventID uint64) bool {
	return fn.MapOptionZ(c.LastEventID, func(last uint64) bool {
		return eventID <= last
	})
}

// Token describes a custom token.
type Token struct {
	ID     string
	Name   string
	Symbol string
}

// Wallet is a registered wallet.
type Wallet struct {
	// ID identifies the wallet.
	ID string

	// CreatedAt is when the wallet was registered.
	CreatedAt time.Time

	// Addresses is the number of addresses registered to the wallet.
	Addresses int
}

// HistoryEntry is the net effect of a transaction on an owner for a token.
type HistoryEntry struct {
	// TxID is the transaction.
	TxID string

	// TokenID is the token.
	TokenID string

	// Balance is the net amount the transaction moved.
	Balance int64

	// Timestamp is the transaction timestamp.
	Timestamp int64

	// Voided reports whether the transaction has been voided.
	Voided bool
}

// ProposalStatus is the state of a tx proposal.
type ProposalStatus string

const (
	// ProposalOpen is a proposal holding reservations, waiting to be
	// signed and sent.
	ProposalOpen ProposalStatus = "OPEN"

	// ProposalSent is a proposal whose transaction was accepted by the
	// node.
	ProposalSent ProposalStatus = "SENT"

	// ProposalSendError is a proposal whose broadcast failed. Its
	// reservations are released.
	ProposalSendError ProposalStatus = "SEND_ERROR"

	// ProposalCancelled is a proposal destroyed by the client.
	ProposalCancelled ProposalStatus = "CANCELLED"
)

// TxProposal is a transaction under construction by a wallet.
type TxProposal struct {
	// ID identifies the proposal.
	ID string

	// WalletID is the wallet building the transaction.
	WalletID string

	// Status is the current status.
	Status ProposalStatus

	// SendingAt is set while the proposal's transaction is being
	// broadcast. A claimed proposal cannot change status except through
	// the claim holder.
	SendingAt fn.Option[time.Time]

	// CreatedAt and UpdatedAt track the proposal's lifetime.
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProposalInput is an input recorded for a proposal at creation time.
type ProposalInput struct {
	Outpoint

	// Position is the input index within the proposal.
	Position uint32
}
