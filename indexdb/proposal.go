// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// sendingTime converts the stored claim time of a proposal.
var sendingTime = fn.MapOption(func(ts int64) time.Time {
	return time.Unix(ts, 0)
})

// CreateProposal stores a new proposal along with its inputs.
func (t *Tx) CreateProposal(ctx context.Context, proposal *TxProposal,
	inputs []Outpoint) error {

	const insertProposal = `
		INSERT INTO tx_proposal (id, wallet_id, status, created_at,
			updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	const insertInput = `
		INSERT INTO tx_proposal_input (proposal_id, idx, tx_id, out_index)
		VALUES ($1, $2, $3, $4)`

	err := t.exec(ctx, "create proposal", insertProposal, proposal.ID,
		proposal.WalletID, string(proposal.Status),
		proposal.CreatedAt.Unix(), proposal.UpdatedAt.Unix())
	if err != nil {
		return err
	}

	for i, op := range inputs {
		err := t.exec(ctx, "create proposal input", insertInput,
			proposal.ID, int64(i), op.TxID, int64(op.Index))
		if err != nil {
			return err
		}
	}

	return nil
}

// FetchProposal returns a proposal.
func (t *Tx) FetchProposal(ctx context.Context, id string) (*TxProposal,
	error) {

	const query = `
		SELECT wallet_id, status, sending_at, created_at, updated_at
		FROM tx_proposal
		WHERE id = $1`

	var (
		p                    = TxProposal{ID: id}
		status               string
		sendingAt            sql.NullInt64
		createdAt, updatedAt int64
	)
	err := t.tx.QueryRowContext(ctx, query, id).Scan(
		&p.WalletID, &status, &sendingAt, &createdAt, &updatedAt,
	)
	switch {
	case isNoRows(err):
		return nil, indexError(ErrProposalNotFound,
			"proposal "+id+" not found", nil)

	case err != nil:
		return nil, dbError("fetch proposal", err)
	}

	p.Status = ProposalStatus(status)
	p.SendingAt = sendingTime(optInt64(sendingAt))
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)

	return &p, nil
}

// ListProposalInputs returns the inputs recorded for a proposal.
func (t *Tx) ListProposalInputs(ctx context.Context,
	id string) ([]ProposalInput, error) {

	const query = `
		SELECT idx, tx_id, out_index
		FROM tx_proposal_input
		WHERE proposal_id = $1
		ORDER BY idx`

	rows, err := t.tx.QueryContext(ctx, query, id)
	if err != nil {
		return nil, dbError("list proposal inputs", err)
	}
	defer rows.Close()

	var inputs []ProposalInput
	for rows.Next() {
		var (
			in         ProposalInput
			pos, index int64
		)
		if err := rows.Scan(&pos, &in.TxID, &index); err != nil {
			return nil, dbError("list proposal inputs", err)
		}
		in.Position = uint32(pos)
		in.Index = uint32(index)
		inputs = append(inputs, in)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("list proposal inputs", err)
	}

	return inputs, nil
}

// UpdateProposalStatus moves a proposal to a new status.
//
// The transition is a single conditional update on the current status and
// on the send claim, so two callers racing on the same proposal cannot both
// succeed. A claimed proposal only moves when params.Claimed is set, which
// also drops the claim. When nothing is updated the proposal is fetched to
// tell a missing proposal apart from a status conflict.
func (t *Tx) UpdateProposalStatus(ctx context.Context,
	params UpdateProposalStatusParams) error {

	if len(params.From) == 0 {
		return fmt.Errorf("no source status for proposal %s", params.ID)
	}

	args := []any{string(params.To), params.Now.Unix(), params.ID}
	placeholders := make([]string, 0, len(params.From))
	for _, from := range params.From {
		args = append(args, string(from))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	claim := "sending_at IS NULL"
	if params.Claimed {
		claim = "sending_at IS NOT NULL"
	}

	query := `UPDATE tx_proposal
		SET status = $1, updated_at = $2, sending_at = NULL
		WHERE id = $3 AND ` + claim + ` AND status IN (` +
		strings.Join(placeholders, ", ") + `)`

	n, err := t.execAffected(ctx, "update proposal status", query, args...)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	return t.proposalConflict(ctx, params.ID, string(params.To))
}

// ClaimProposal marks an OPEN proposal as being sent. Only one caller can
// hold the claim. Destroying the proposal or sending it again fails with
// ErrStatusConflict until the claim holder moves it with
// UpdateProposalStatus.
func (t *Tx) ClaimProposal(ctx context.Context, id string,
	now time.Time) error {

	const query = `
		UPDATE tx_proposal SET sending_at = $2, updated_at = $2
		WHERE id = $1 AND status = $3 AND sending_at IS NULL`

	n, err := t.execAffected(ctx, "claim proposal", query, id, now.Unix(),
		string(ProposalOpen))
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	return t.proposalConflict(ctx, id, "sending")
}

// ReleaseClaims drops every send claim and returns how many were dropped.
// It must only be used while no broadcast is in flight.
func (t *Tx) ReleaseClaims(ctx context.Context) (int64, error) {
	const query = `
		UPDATE tx_proposal SET sending_at = NULL
		WHERE sending_at IS NOT NULL`

	return t.execAffected(ctx, "release proposal claims", query)
}

// proposalConflict builds the error for a transition of proposal id to
// target that did not apply.
func (t *Tx) proposalConflict(ctx context.Context, id,
	target string) error {

	current, err := t.FetchProposal(ctx, id)
	if err != nil {
		return err
	}

	state := string(current.Status)
	if current.SendingAt.IsSome() {
		state = "being sent"
	}

	return indexError(ErrStatusConflict, fmt.Sprintf("proposal %s is %s, "+
		"cannot move to %s", id, state, target), nil)
}

// ListProposalsByStatus returns the proposals in a status.
func (t *Tx) ListProposalsByStatus(ctx context.Context,
	status ProposalStatus) ([]TxProposal, error) {

	const query = `
		SELECT id, wallet_id, sending_at, created_at, updated_at
		FROM tx_proposal
		WHERE status = $1
		ORDER BY created_at, id`

	rows, err := t.tx.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, dbError("list proposals", err)
	}
	defer rows.Close()

	var proposals []TxProposal
	for rows.Next() {
		var (
			p                    = TxProposal{Status: status}
			sendingAt            sql.NullInt64
			createdAt, updatedAt int64
		)
		err := rows.Scan(
			&p.ID, &p.WalletID, &sendingAt, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, dbError("list proposals", err)
		}
		p.SendingAt = sendingTime(optInt64(sendingAt))
		p.CreatedAt = time.Unix(createdAt, 0)
		p.UpdatedAt = time.Unix(updatedAt, 0)
		proposals = append(proposals, p)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("list proposals", err)
	}

	return proposals, nil
}
