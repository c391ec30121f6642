// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package proposal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/walletindexer/indexdb"
	"github.com/btcsuite/walletindexer/ledger"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// DefaultBroadcastTimeout bounds the time spent submitting a
	// transaction.
	DefaultBroadcastTimeout = 30 * time.Second

	// maxReserveAttempts is the number of times the selection is redone
	// when a concurrent proposal reserved a selected output first.
	maxReserveAttempts = 3
)

var (
	// ErrInsufficientFunds is returned when the available outputs of a
	// wallet cannot cover a request.
	ErrInsufficientFunds = indexdb.IndexError{
		ErrorCode:   indexdb.ErrInsufficientFunds,
		Description: "insufficient funds",
	}

	// ErrAlreadyReserved is returned when an output is reserved by
	// another proposal.
	ErrAlreadyReserved = indexdb.IndexError{
		ErrorCode:   indexdb.ErrAlreadyReserved,
		Description: "output already reserved",
	}

	// ErrProposalNotFound is returned for unknown proposals.
	ErrProposalNotFound = indexdb.IndexError{
		ErrorCode:   indexdb.ErrProposalNotFound,
		Description: "proposal not found",
	}

	// ErrProposalNotOpen is returned when a proposal is no longer open
	// or failed.
	ErrProposalNotOpen = errors.New("proposal is not open")

	// ErrProposalMismatch is returned when a signed transaction does not
	// spend exactly the proposal's inputs.
	ErrProposalMismatch = errors.New("transaction inputs do not match " +
		"proposal")

	// ErrBroadcast is returned when the network rejected a transaction or
	// did not answer in time.
	ErrBroadcast = errors.New("broadcast failed")

	// ErrInvalidTx is returned when a signed transaction cannot be
	// decoded.
	ErrInvalidTx = errors.New("invalid transaction")

	// ErrEmptyRequest is returned by Create when nothing is requested.
	ErrEmptyRequest = errors.New("proposal requests no output")
)

// Output is a requested payment.
type Output struct {
	// TokenID is the token to send.
	TokenID string

	// Value is the amount to send. It must be positive.
	Value int64
}

// AuthorityRequest asks for an output granting an authority over a token.
type AuthorityRequest struct {
	// TokenID is the token.
	TokenID string

	// Kind is the authority needed.
	Kind ledger.AuthorityKind
}

// CreateRequest describes what a proposal must fund.
type CreateRequest struct {
	// Outputs are the payments to fund.
	Outputs []Output

	// Authorities are the authorities to spend.
	Authorities []AuthorityRequest
}

// CreateResult is a newly created proposal.
type CreateResult struct {
	// ProposalID identifies the proposal.
	ProposalID string

	// Inputs are the reserved outputs, in input order.
	Inputs []indexdb.Utxo

	// Change is the value left over per token.
	Change map[string]int64
}

// Proposal is a stored proposal with its inputs.
type Proposal struct {
	indexdb.TxProposal

	// Inputs are the outputs reserved at creation, in input order.
	Inputs []indexdb.Outpoint
}

// proposalTx is the part of the index the proposal life cycle works on.
type proposalTx interface {
	indexdb.WalletStore
	indexdb.UtxoStore
	indexdb.ProposalStore
}

// Config holds the dependencies of a Manager.
type Config struct {
	// DB holds the outputs and proposals.
	DB indexdb.DB

	// Broadcaster publishes signed transactions.
	Broadcaster Broadcaster

	// BroadcastTimeout bounds a broadcast. A timeout is a failure.
	BroadcastTimeout time.Duration

	// Now returns the current time. It defaults to time.Now.
	Now func() time.Time

	// NewID returns a new proposal id. It defaults to a random UUID.
	NewID func() string
}

// Manager drives proposals through their life cycle: OPEN to SENT,
// SEND_ERROR or CANCELLED. It keeps no state of its own, every transition is
// a conditional update of the database, so a Manager is safe for concurrent
// use.
type Manager struct {
	cfg Config
}

// NewManager creates a proposal manager.
func NewManager(cfg Config) *Manager {
	if cfg.BroadcastTimeout == 0 {
		cfg.BroadcastTimeout = DefaultBroadcastTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	return &Manager{cfg: cfg}
}

// Create selects and reserves outputs of walletID funding req and stores an
// OPEN proposal holding them. The selection is redone when a concurrent
// proposal wins one of the selected outputs.
func (m *Manager) Create(ctx context.Context, walletID string,
	req CreateRequest) (*CreateResult, error) {

	if len(req.Outputs) == 0 && len(req.Authorities) == 0 {
		return nil, ErrEmptyRequest
	}

	amounts := make(map[string]int64)
	for _, out := range req.Outputs {
		if out.Value <= 0 {
			return nil, fmt.Errorf("invalid value %d for token %s",
				out.Value, out.TokenID)
		}
		amounts[out.TokenID] += out.Value
	}

	var err error
	for attempt := 1; attempt <= maxReserveAttempts; attempt++ {
		var result *CreateResult
		result, err = m.tryCreate(ctx, walletID, amounts, req.Authorities)
		if err == nil {
			log.Infof("Created proposal %s for wallet %s with %d "+
				"inputs", result.ProposalID, walletID,
				len(result.Inputs))

			return result, nil
		}

		if !errors.Is(err, ErrAlreadyReserved) {
			return nil, err
		}

		log.Debugf("Selection for wallet %s lost a race (attempt %d): "+
			"%v", walletID, attempt, err)
	}

	return nil, err
}

// tryCreate runs one selection and reservation in a single database
// transaction.
func (m *Manager) tryCreate(ctx context.Context, walletID string,
	amounts map[string]int64, authorities []AuthorityRequest) (
	*CreateResult, error) {

	tokens := make([]string, 0, len(amounts))
	for token := range amounts {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	now := m.cfg.Now()
	result := &CreateResult{
		ProposalID: m.cfg.NewID(),
		Change:     make(map[string]int64, len(tokens)),
	}

	err := m.cfg.DB.Update(ctx, func(tx *indexdb.Tx) error {
		return m.reserveSelection(
			ctx, tx, walletID, tokens, amounts, authorities, now,
			result,
		)
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// reserveSelection selects the outputs funding amounts and authorities,
// stores the proposal and reserves its inputs. The change per token is
// recorded in result.
func (m *Manager) reserveSelection(ctx context.Context, tx proposalTx,
	walletID string, tokens []string, amounts map[string]int64,
	authorities []AuthorityRequest, now time.Time,
	result *CreateResult) error {

	if _, err := tx.FetchWallet(ctx, walletID); err != nil {
		return err
	}

	var selected []indexdb.Outpoint
	for _, token := range tokens {
		candidates, err := tx.ListAvailable(
			ctx, indexdb.ListAvailableQuery{
				WalletID: walletID,
				TokenID:  token,
			},
		)
		if err != nil {
			return err
		}

		picked, change, ok := selectUtxos(candidates, amounts[token])
		if !ok {
			return fmt.Errorf("%w: token %s needs %d",
				ErrInsufficientFunds, token, amounts[token])
		}

		for _, u := range picked {
			selected = append(selected, u.Outpoint)
		}
		result.Change[token] = change
	}

	taken := fn.NewSet(selected...)
	for _, req := range authorities {
		candidates, err := tx.ListAvailable(
			ctx, indexdb.ListAvailableQuery{
				WalletID:    walletID,
				TokenID:     req.TokenID,
				Authorities: true,
			},
		)
		if err != nil {
			return err
		}

		u, ok := selectAuthority(candidates, req.Kind, taken)
		if !ok {
			return fmt.Errorf("%w: no %v authority for token %s",
				ErrInsufficientFunds, req.Kind, req.TokenID)
		}

		taken.Add(u.Outpoint)
		selected = append(selected, u.Outpoint)
	}

	err := tx.CreateProposal(ctx, &indexdb.TxProposal{
		ID:        result.ProposalID,
		WalletID:  walletID,
		Status:    indexdb.ProposalOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}, selected)
	if err != nil {
		return err
	}

	result.Inputs, err = tx.Reserve(ctx, indexdb.ReserveParams{
		ProposalID: result.ProposalID,
		Outpoints:  selected,
	})
	return err
}

// Send broadcasts signedTx for an OPEN or SEND_ERROR proposal. The
// transaction must spend exactly the proposal's inputs. A failed proposal
// reserves its inputs again first. The proposal is claimed for the duration
// of the broadcast, so it can be neither destroyed nor sent concurrently. On
// success the proposal is SENT and its outputs stay reserved until the spend
// is observed. On failure it moves to SEND_ERROR and its outputs are
// released.
func (m *Manager) Send(ctx context.Context, id string,
	signedTx []byte) (*Proposal, error) {

	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(signedTx)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTx, err)
	}

	err := m.cfg.DB.Update(ctx, func(tx *indexdb.Tx) error {
		return m.claim(ctx, tx, id, &msgTx)
	})
	if err != nil {
		return nil, mapStatusConflict(err)
	}

	bctx, cancel := context.WithTimeout(ctx, m.cfg.BroadcastTimeout)
	defer cancel()

	// The outcome is recorded even if the caller is gone by then.
	finishCtx := context.WithoutCancel(ctx)

	txHash := msgTx.TxHash()
	if bErr := m.cfg.Broadcaster.Broadcast(bctx, &msgTx); bErr != nil {
		log.Warnf("Broadcast of %v for proposal %s failed: %v", txHash,
			id, bErr)

		err := m.finish(finishCtx, id, indexdb.ProposalSendError, true)
		if err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("%w: %v", ErrBroadcast, bErr)
	}

	err = m.finish(finishCtx, id, indexdb.ProposalSent, false)
	if err != nil {
		return nil, err
	}

	log.Infof("Proposal %s sent as %v", id, txHash)

	return m.Get(finishCtx, id)
}

// claim checks that msgTx spends exactly the inputs of proposal id and
// claims the proposal for broadcasting. A SEND_ERROR proposal is reopened
// and its inputs reserved again first.
func (m *Manager) claim(ctx context.Context, tx proposalTx, id string,
	msgTx *wire.MsgTx) error {

	p, err := tx.FetchProposal(ctx, id)
	if err != nil {
		return err
	}

	if p.SendingAt.IsSome() {
		return fmt.Errorf("%w: proposal %s is being sent",
			ErrProposalNotOpen, id)
	}

	if p.Status != indexdb.ProposalOpen &&
		p.Status != indexdb.ProposalSendError {

		return fmt.Errorf("%w: proposal %s is %s", ErrProposalNotOpen,
			id, p.Status)
	}

	inputs, err := tx.ListProposalInputs(ctx, id)
	if err != nil {
		return err
	}

	if !spendsExactly(msgTx, inputs) {
		return fmt.Errorf("%w: proposal %s", ErrProposalMismatch, id)
	}

	now := m.cfg.Now()
	if p.Status == indexdb.ProposalSendError {
		err := tx.UpdateProposalStatus(ctx,
			indexdb.UpdateProposalStatusParams{
				ID: id,
				From: []indexdb.ProposalStatus{
					indexdb.ProposalSendError,
				},
				To:  indexdb.ProposalOpen,
				Now: now,
			})
		if err != nil {
			return err
		}

		outpoints := make([]indexdb.Outpoint, 0, len(inputs))
		for _, in := range inputs {
			outpoints = append(outpoints, in.Outpoint)
		}
		_, err = tx.Reserve(ctx, indexdb.ReserveParams{
			ProposalID: id,
			Outpoints:  outpoints,
		})
		if err != nil {
			return err
		}
	}

	return tx.ClaimProposal(ctx, id, now)
}

// Destroy cancels an OPEN or SEND_ERROR proposal and releases its outputs.
// A proposal being sent cannot be destroyed.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	err := m.cfg.DB.Update(ctx, func(tx *indexdb.Tx) error {
		return m.transition(ctx, tx, indexdb.UpdateProposalStatusParams{
			ID: id,
			From: []indexdb.ProposalStatus{
				indexdb.ProposalOpen,
				indexdb.ProposalSendError,
			},
			To: indexdb.ProposalCancelled,
		}, true)
	})

	return mapStatusConflict(err)
}

// RecoverFailed repairs the proposals left behind by a crash. It is run at
// startup, before any Send. The outputs still held by SEND_ERROR proposals
// are released, since a crash between recording a failure and releasing
// would otherwise leave them reserved. Claims of interrupted broadcasts are
// dropped, leaving those proposals OPEN with their outputs reserved, so the
// wallet can send again or destroy them. It returns the number of released
// outputs.
func (m *Manager) RecoverFailed(ctx context.Context) (int64, error) {
	var released, claims int64
	err := m.cfg.DB.Update(ctx, func(tx *indexdb.Tx) error {
		var err error
		claims, err = tx.ReleaseClaims(ctx)
		if err != nil {
			return err
		}

		released, err = releaseFailed(ctx, tx)
		return err
	})
	if err != nil {
		return 0, err
	}

	if claims > 0 {
		log.Warnf("Dropped %d send claims of interrupted broadcasts, "+
			"their proposals are OPEN again", claims)
	}
	if released > 0 {
		log.Infof("Released %d outputs of failed proposals", released)
	}

	return released, nil
}

// releaseFailed releases the outputs of every SEND_ERROR proposal.
func releaseFailed(ctx context.Context, tx proposalTx) (int64, error) {
	failed, err := tx.ListProposalsByStatus(ctx, indexdb.ProposalSendError)
	if err != nil {
		return 0, err
	}

	var released int64
	for _, p := range failed {
		n, err := tx.Release(ctx, p.ID)
		if err != nil {
			return 0, err
		}
		released += n
	}

	return released, nil
}

// Get returns a proposal and the inputs it was created with.
func (m *Manager) Get(ctx context.Context, id string) (*Proposal, error) {
	var p *Proposal
	err := m.cfg.DB.View(ctx, func(tx *indexdb.Tx) error {
		var err error
		p, err = loadProposal(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

// loadProposal reads a proposal with its inputs.
func loadProposal(ctx context.Context, tx indexdb.ProposalStore,
	id string) (*Proposal, error) {

	stored, err := tx.FetchProposal(ctx, id)
	if err != nil {
		return nil, err
	}

	inputs, err := tx.ListProposalInputs(ctx, id)
	if err != nil {
		return nil, err
	}

	p := &Proposal{TxProposal: *stored}
	for _, in := range inputs {
		p.Inputs = append(p.Inputs, in.Outpoint)
	}

	return p, nil
}

// finish moves a claimed OPEN proposal to status, releasing its outputs if
// requested, in one database transaction. The claim is dropped.
func (m *Manager) finish(ctx context.Context, id string,
	status indexdb.ProposalStatus, release bool) error {

	err := m.cfg.DB.Update(ctx, func(tx *indexdb.Tx) error {
		return m.transition(ctx, tx, indexdb.UpdateProposalStatusParams{
			ID:      id,
			From:    []indexdb.ProposalStatus{indexdb.ProposalOpen},
			To:      status,
			Claimed: true,
		}, release)
	})

	return mapStatusConflict(err)
}

// transition applies a status change and optionally releases the
// proposal's outputs.
func (m *Manager) transition(ctx context.Context, tx proposalTx,
	params indexdb.UpdateProposalStatusParams, release bool) error {

	params.Now = m.cfg.Now()
	if err := tx.UpdateProposalStatus(ctx, params); err != nil {
		return err
	}

	if !release {
		return nil
	}

	n, err := tx.Release(ctx, params.ID)
	if err != nil {
		return err
	}

	log.Debugf("Proposal %s is %s, released %d outputs", params.ID,
		params.To, n)

	return nil
}

// spendsExactly reports whether tx spends each of inputs once and nothing
// else.
func spendsExactly(tx *wire.MsgTx, inputs []indexdb.ProposalInput) bool {
	if len(tx.TxIn) != len(inputs) {
		return false
	}

	want := fn.NewSet[indexdb.Outpoint]()
	for _, in := range inputs {
		want.Add(in.Outpoint)
	}

	got := fn.NewSet[indexdb.Outpoint]()
	for _, in := range tx.TxIn {
		got.Add(indexdb.Outpoint{
			TxID:  in.PreviousOutPoint.Hash.String(),
			Index: in.PreviousOutPoint.Index,
		})
	}

	return len(got) == len(want) && len(got.Diff(want)) == 0
}

// mapStatusConflict reports a lost status transition as ErrProposalNotOpen.
func mapStatusConflict(err error) error {
	if indexdb.IsError(err, indexdb.ErrStatusConflict) {
		return fmt.Errorf("%w: %v", ErrProposalNotOpen, err)
	}

	return err
}
