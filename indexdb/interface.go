// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexdb

import (
	"context"
	"time"

	"github.com/btcsuite/walletindexer/ledger"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// DB is a transactional handle to the index. All reads and writes go through
// a *Tx obtained from Update or View, so callers never observe a partially
// applied event or reservation.
type DB interface {
	// Update runs f inside a read-write database transaction. The
	// transaction is committed if f returns nil and rolled back
	// otherwise. The error returned by f is passed through unchanged.
	Update(ctx context.Context, f func(tx *Tx) error) error

	// View runs f inside a database transaction that is always rolled
	// back. It is meant for consistent multi-query reads.
	View(ctx context.Context, f func(tx *Tx) error) error

	// Close releases the underlying database handle.
	Close() error
}

// CursorStore persists the synchronizer's position in the event stream.
type CursorStore interface {
	// FetchCursor returns the persisted cursor. A fresh database yields a
	// cursor without a last event.
	FetchCursor(ctx context.Context) (*Cursor, error)

	// PutCursor records eventID as the last applied event. It must be
	// called in the same transaction that applied the event.
	PutCursor(ctx context.Context, eventID uint64, now time.Time) error

	// PutBestBlock records the best non voided block.
	PutBestBlock(ctx context.Context, hash string, height uint64) error

	// RewindCursor moves the cursor back to eventID, or before the first
	// event when eventID is None. Moving it forward fails with
	// ErrInvariant.
	RewindCursor(ctx context.Context, eventID fn.Option[uint64],
		now time.Time) error

	// DropIndex deletes all data derived from the event stream and
	// resets the cursor. Wallets and their addresses are kept.
	DropIndex(ctx context.Context) error
}

// TxStore manages the stored metadata of vertices and tokens.
type TxStore interface {
	// FetchTx returns the record of a vertex. An IndexError with code
	// ErrTxNotFound is returned for unknown vertices.
	FetchTx(ctx context.Context, txID string) (*TxRecord, error)

	// PutTx inserts or replaces the record of a vertex.
	PutTx(ctx context.Context, rec *TxRecord) error

	// FindBestBlock scans the non voided blocks for the highest one. The
	// zero values are returned when there is none.
	FindBestBlock(ctx context.Context) (string, uint64, error)

	// PutToken records the name and symbol of a token. Existing tokens
	// are left untouched.
	PutToken(ctx context.Context, token Token) error

	// FetchToken returns a token by id.
	FetchToken(ctx context.Context, tokenID string) (*Token, error)
}

// UtxoStore manages the output set and its reservations.
type UtxoStore interface {
	// RecordOutput inserts an output, or refreshes its token, value and
	// lock state when it already exists. Spend and reservation fields of
	// an existing row are left untouched, so recording is idempotent.
	RecordOutput(ctx context.Context, utxo *Utxo) error

	// FetchUtxo returns a single output. An IndexError with code
	// ErrUtxoNotFound is returned for unknown outpoints.
	FetchUtxo(ctx context.Context, op Outpoint) (*Utxo, error)

	// MarkSpent records spendingTxID as the spender of op. Reservation
	// fields are kept. It reports whether the output is tracked.
	MarkSpent(ctx context.Context, op Outpoint, spendingTxID string) (
		bool, error)

	// UnspendInputs clears the spender of every output spent by
	// spendingTxID, together with any reservation still pointing at them.
	// It returns the number of outputs made spendable again.
	UnspendInputs(ctx context.Context, spendingTxID string) (int64, error)

	// SetOutputsVoided flags every output created by txID.
	SetOutputsVoided(ctx context.Context, txID string, voided bool) error

	// ListTxOutputs returns the outputs created by txID ordered by index.
	ListTxOutputs(ctx context.Context, txID string) ([]Utxo, error)

	// ListUnlockable returns the locked, unspent, non voided outputs whose
	// heightlock is at most height and whose timelock is at most now.
	ListUnlockable(ctx context.Context, height uint64, now int64) (
		[]Utxo, error)

	// UnlockOutput clears the locked flag of an output.
	UnlockOutput(ctx context.Context, op Outpoint) error

	// ListAvailable returns the outputs of a wallet that can be reserved
	// for the given token, largest value first. When authorities is set
	// only authority outputs are returned, otherwise only regular ones.
	ListAvailable(ctx context.Context, query ListAvailableQuery) (
		[]Utxo, error)

	// Reserve assigns the outpoints to a proposal, in the given order.
	// Rows are claimed with a conditional update in (tx_id, index) order.
	// If any output is already reserved, spent, voided or locked an
	// IndexError with code ErrAlreadyReserved is returned and the caller
	// must roll the transaction back.
	Reserve(ctx context.Context, params ReserveParams) ([]Utxo, error)

	// Release clears every reservation held by the proposal and returns
	// how many outputs were released. Releasing twice is a no-op.
	Release(ctx context.Context, proposalID string) (int64, error)

	// ListReserved returns the outputs held by the proposal ordered by
	// their input position.
	ListReserved(ctx context.Context, proposalID string) ([]Utxo, error)
}

// BalanceStore manages the per address and per wallet balance aggregates.
type BalanceStore interface {
	// ApplyAddressDelta merges delta into the balances of an address.
	// Resting authorities and the lock expiry are recomputed from the
	// output set, which must already reflect the change.
	ApplyAddressDelta(ctx context.Context, params ApplyDeltaParams) error

	// ApplyWalletDelta is the wallet counterpart of ApplyAddressDelta.
	ApplyWalletDelta(ctx context.Context, params ApplyDeltaParams) error

	// FetchAddressBalances returns the balances of an address ordered by
	// token.
	FetchAddressBalances(ctx context.Context, address string) (
		[]BalanceRecord, error)

	// FetchWalletBalances returns the balances of a wallet ordered by
	// token.
	FetchWalletBalances(ctx context.Context, walletID string) (
		[]BalanceRecord, error)
}

// HistoryStore manages the per address transaction history.
type HistoryStore interface {
	// PutHistory records the effect of a transaction on an address.
	// Re-recording an entry overwrites it and clears its voided flag.
	PutHistory(ctx context.Context, address string, entry HistoryEntry) error

	// SetHistoryVoided flags every history entry of txID.
	SetHistoryVoided(ctx context.Context, txID string, voided bool) error

	// ListAddressHistory returns the non voided history of an address,
	// newest first.
	ListAddressHistory(ctx context.Context, address string, limit int) (
		[]HistoryEntry, error)

	// ListWalletHistory returns the non voided history of a wallet
	// aggregated per transaction and token, newest first.
	ListWalletHistory(ctx context.Context, walletID string, limit int) (
		[]HistoryEntry, error)
}

// WalletStore manages registered wallets and their addresses.
type WalletStore interface {
	// RegisterWallet creates a wallet owning the given addresses and
	// initializes its balances from the address balances. Registering
	// the same wallet again adds new addresses. Claiming an address of
	// another wallet fails with ErrAddressOwned.
	RegisterWallet(ctx context.Context, params RegisterWalletParams) error

	// FetchWallet returns a registered wallet. An IndexError with code
	// ErrWalletNotFound is returned for unknown wallets.
	FetchWallet(ctx context.Context, walletID string) (*Wallet, error)

	// WalletsForAddresses maps the registered addresses among the given
	// ones to their wallet. Unregistered addresses are omitted.
	WalletsForAddresses(ctx context.Context, addresses []string) (
		map[string]string, error)

	// ListWalletAddresses returns the addresses of a wallet ordered by
	// their derivation index.
	ListWalletAddresses(ctx context.Context, walletID string) ([]string,
		error)
}

// ProposalStore manages tx proposals.
type ProposalStore interface {
	// CreateProposal stores a new proposal along with its inputs.
	CreateProposal(ctx context.Context, proposal *TxProposal,
		inputs []Outpoint) error

	// FetchProposal returns a proposal. An IndexError with code
	// ErrProposalNotFound is returned for unknown proposals.
	FetchProposal(ctx context.Context, id string) (*TxProposal, error)

	// ListProposalInputs returns the inputs recorded at creation, in
	// order.
	ListProposalInputs(ctx context.Context, id string) ([]ProposalInput,
		error)

	// UpdateProposalStatus moves a proposal to a new status if its
	// current status is one of params.From and its send claim matches
	// params.Claimed. Otherwise an IndexError with code
	// ErrStatusConflict is returned.
	UpdateProposalStatus(ctx context.Context,
		params UpdateProposalStatusParams) error

	// ClaimProposal marks an OPEN, unclaimed proposal as being sent.
	// Otherwise an IndexError with code ErrStatusConflict is returned.
	ClaimProposal(ctx context.Context, id string, now time.Time) error

	// ReleaseClaims drops the send claims left by an interrupted
	// broadcast.
	ReleaseClaims(ctx context.Context) (int64, error)

	// ListProposalsByStatus returns the proposals in the given status,
	// oldest first.
	ListProposalsByStatus(ctx context.Context, status ProposalStatus) (
		[]TxProposal, error)
}

// ListAvailableQuery selects reservable outputs.
type ListAvailableQuery struct {
	// WalletID is the wallet owning the outputs.
	WalletID string

	// TokenID is the token of the outputs.
	TokenID string

	// Authorities selects authority outputs instead of regular ones.
	Authorities bool
}

// ReserveParams holds the arguments of Reserve.
type ReserveParams struct {
	// ProposalID is the proposal claiming the outputs.
	ProposalID string

	// Outpoints are the outputs to claim, in input order.
	Outpoints []Outpoint
}

// ApplyDeltaParams holds the arguments of the balance updates.
type ApplyDeltaParams struct {
	// Owner is the address or wallet id.
	Owner string

	// Delta is the per token change.
	Delta ledger.TokenBalanceMap

	// TxCount is added to the transaction counter of every token in
	// Delta. It is 1 when a transaction is applied, -1 when it is voided
	// and 0 for unlocks.
	TxCount int64

	// Now is the update time.
	Now time.Time
}

// BalanceRecord is the persisted balance of an owner for a token.
type BalanceRecord struct {
	// TokenID is the token.
	TokenID string

	// Balance is the aggregate.
	Balance ledger.Balance

	// Transactions counts the transactions that touched the balance.
	Transactions int64
}

// RegisterWalletParams holds the arguments of RegisterWallet.
type RegisterWalletParams struct {
	// WalletID identifies the wallet.
	WalletID string

	// Addresses are the wallet addresses in derivation order.
	Addresses []string

	// Now is the registration time.
	Now time.Time
}

// UpdateProposalStatusParams holds the arguments of UpdateProposalStatus.
type UpdateProposalStatusParams struct {
	// ID is the proposal.
	ID string

	// From lists the statuses the proposal may currently be in.
	From []ProposalStatus

	// To is the new status.
	To ProposalStatus

	// Claimed selects proposals holding a send claim instead of
	// unclaimed ones. The claim is dropped by the update.
	Claimed bool

	// Now is the update time.
	Now time.Time
}

// A compile-time assertion to ensure that Tx implements every store.
var (
	_ CursorStore   = (*Tx)(nil)
	_ TxStore       = (*Tx)(nil)
	_ UtxoStore     = (*Tx)(nil)
	_ BalanceStore  = (*Tx)(nil)
	_ HistoryStore  = (*Tx)(nil)
	_ WalletStore   = (*Tx)(nil)
	_ ProposalStore = (*Tx)(nil)
	_ DB            = (*Store)(nil)
)
