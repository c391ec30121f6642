// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package apiserver

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/btcsuite/walletindexer/indexdb"
	"github.com/btcsuite/walletindexer/ledger"
	"github.com/btcsuite/walletindexer/proposal"
	"github.com/gorilla/mux"
)

const (
	// defaultHistoryLimit is the number of history entries returned when
	// the request sets no limit.
	defaultHistoryLimit = 50

	// maxHistoryLimit caps the limit parameter of history requests.
	maxHistoryLimit = 500

	// maxBodySize caps the size of request bodies.
	maxBodySize = 1 << 20
)

type statusResult struct {
	LastEventID *uint64 `json:"last_event_id"`
	UpdatedAt   int64   `json:"updated_at"`
	BestHeight  uint64  `json:"best_height"`
	BestBlock   string  `json:"best_block"`
}

type registerWalletCmd struct {
	WalletID  string   `json:"wallet_id"`
	Addresses []string `json:"addresses"`
}

type walletResult struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	Addresses int    `json:"addresses"`
}

type balanceResult struct {
	TokenID             string `json:"token_id"`
	TotalSent           int64  `json:"total_sent"`
	Unlocked            int64  `json:"unlocked"`
	Locked              int64  `json:"locked"`
	LockExpiresAt       *int64 `json:"lock_expires_at"`
	UnlockedAuthorities int64  `json:"unlocked_authorities"`
	LockedAuthorities   int64  `json:"locked_authorities"`
	Transactions        int64  `json:"transactions"`
}

type historyResult struct {
	TxID      string `json:"tx_id"`
	TokenID   string `json:"token_id"`
	Balance   int64  `json:"balance"`
	Timestamp int64  `json:"timestamp"`
}

type outputCmd struct {
	TokenID string `json:"token_id"`
	Value   int64  `json:"value"`
}

type authorityCmd struct {
	TokenID string `json:"token_id"`
	Kind    string `json:"kind"`
}

type createProposalCmd struct {
	WalletID    string         `json:"wallet_id"`
	Outputs     []outputCmd    `json:"outputs"`
	Authorities []authorityCmd `json:"authorities"`
}

type sendProposalCmd struct {
	TxHex string `json:"tx_hex"`
}

type utxoResult struct {
	TxID        string `json:"tx_id"`
	Index       uint32 `json:"index"`
	TokenID     string `json:"token_id"`
	Address     string `json:"address"`
	Value       int64  `json:"value"`
	Authorities int64  `json:"authorities"`
}

type outpointResult struct {
	TxID  string `json:"tx_id"`
	Index uint32 `json:"index"`
}

type createProposalResult struct {
	ProposalID string           `json:"proposal_id"`
	Inputs     []utxoResult     `json:"inputs"`
	Change     map[string]int64 `json:"change"`
}

type proposalResult struct {
	ID        string           `json:"id"`
	WalletID  string           `json:"wallet_id"`
	Status    string           `json:"status"`
	Sending   bool             `json:"sending"`
	CreatedAt int64            `json:"created_at"`
	UpdatedAt int64            `json:"updated_at"`
	Inputs    []outpointResult `json:"inputs"`
}

type errorResult struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugf("Cannot write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResult{Error: err.Error()})
}

// fail reports err to the client. Server side failures are logged, client
// errors are not.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}

	writeError(w, status, err)
}

// decodeBody reads a JSON request body into v.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return InvalidParameterError{
			fmt.Errorf("malformed request body: %w", err),
		}
	}

	return nil
}

// historyLimit parses the optional limit query parameter.
func historyLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, InvalidParameterError{
			fmt.Errorf("invalid limit %q", raw),
		}
	}

	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	return limit, nil
}

func parseAuthorityKind(s string) (ledger.AuthorityKind, error) {
	for k := ledger.AuthorityKind(0); k < ledger.NumAuthorities; k++ {
		if k.String() == s {
			return k, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownAuthority, s)
}

func marshalBalances(records []indexdb.BalanceRecord,
	token string) ([]balanceResult, error) {

	results := make([]balanceResult, 0, len(records))
	for _, rec := range records {
		if token != "" && rec.TokenID != token {
			continue
		}

		unlocked, err := rec.Balance.UnlockedAuthorities.ToInteger()
		if err != nil {
			return nil, err
		}
		locked, err := rec.Balance.LockedAuthorities.ToInteger()
		if err != nil {
			return nil, err
		}

		res := balanceResult{
			TokenID:             rec.TokenID,
			TotalSent:           rec.Balance.TotalSent,
			Unlocked:            rec.Balance.UnlockedAmount,
			Locked:              rec.Balance.LockedAmount,
			UnlockedAuthorities: unlocked,
			LockedAuthorities:   locked,
			Transactions:        rec.Transactions,
		}
		rec.Balance.LockExpiresAt.WhenSome(func(ts int64) {
			res.LockExpiresAt = &ts
		})

		results = append(results, res)
	}

	return results, nil
}

func marshalHistory(entries []indexdb.HistoryEntry) []historyResult {
	results := make([]historyResult, 0, len(entries))
	for _, e := range entries {
		results = append(results, historyResult{
			TxID:      e.TxID,
			TokenID:   e.TokenID,
			Balance:   e.Balance,
			Timestamp: e.Timestamp,
		})
	}

	return results
}

func marshalProposal(p *proposal.Proposal) proposalResult {
	res := proposalResult{
		ID:        p.ID,
		WalletID:  p.WalletID,
		Status:    string(p.Status),
		Sending:   p.SendingAt.IsSome(),
		CreatedAt: p.CreatedAt.Unix(),
		UpdatedAt: p.UpdatedAt.Unix(),
		Inputs:    make([]outpointResult, 0, len(p.Inputs)),
	}
	for _, op := range p.Inputs {
		res.Inputs = append(res.Inputs, outpointResult{
			TxID:  op.TxID,
			Index: op.Index,
		})
	}

	return res
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var res statusResult
	err := s.db.View(ctx, func(tx *indexdb.Tx) error {
		cursor, err := tx.FetchCursor(ctx)
		if err != nil {
			return err
		}

		res = statusResult{
			BestHeight: cursor.BestHeight,
			BestBlock:  cursor.BestBlock,
		}
		cursor.LastEventID.WhenSome(func(id uint64) {
			res.LastEventID = &id
		})
		if !cursor.UpdatedAt.IsZero() {
			res.UpdatedAt = cursor.UpdatedAt.Unix()
		}

		return nil
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRegisterWallet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var cmd registerWalletCmd
	if err := decodeBody(r, &cmd); err != nil {
		fail(w, r, err)
		return
	}
	if cmd.WalletID == "" {
		fail(w, r, ErrMissingWalletID)
		return
	}

	var res walletResult
	err := s.db.Update(ctx, func(tx *indexdb.Tx) error {
		err := tx.RegisterWallet(ctx, indexdb.RegisterWalletParams{
			WalletID:  cmd.WalletID,
			Addresses: cmd.Addresses,
			Now:       s.now(),
		})
		if err != nil {
			return err
		}

		wallet, err := tx.FetchWallet(ctx, cmd.WalletID)
		if err != nil {
			return err
		}

		res = walletResult{
			ID:        wallet.ID,
			CreatedAt: wallet.CreatedAt.Unix(),
			Addresses: wallet.Addresses,
		}

		return nil
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	log.Infof("Registered wallet %s with %d addresses", res.ID,
		res.Addresses)

	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleWalletBalances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	walletID := mux.Vars(r)["id"]

	var records []indexdb.BalanceRecord
	err := s.db.View(ctx, func(tx *indexdb.Tx) error {
		if _, err := tx.FetchWallet(ctx, walletID); err != nil {
			return err
		}

		var err error
		records, err = tx.FetchWalletBalances(ctx, walletID)
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	res, err := marshalBalances(records, r.URL.Query().Get("token"))
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAddressBalances(w http.ResponseWriter,
	r *http.Request) {

	ctx := r.Context()
	address := mux.Vars(r)["address"]

	var records []indexdb.BalanceRecord
	err := s.db.View(ctx, func(tx *indexdb.Tx) error {
		var err error
		records, err = tx.FetchAddressBalances(ctx, address)
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	res, err := marshalBalances(records, r.URL.Query().Get("token"))
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWalletHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	walletID := mux.Vars(r)["id"]

	limit, err := historyLimit(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	var entries []indexdb.HistoryEntry
	err = s.db.View(ctx, func(tx *indexdb.Tx) error {
		if _, err := tx.FetchWallet(ctx, walletID); err != nil {
			return err
		}

		var err error
		entries, err = tx.ListWalletHistory(ctx, walletID, limit)
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, marshalHistory(entries))
}

func (s *Server) handleAddressHistory(w http.ResponseWriter,
	r *http.Request) {

	ctx := r.Context()
	address := mux.Vars(r)["address"]

	limit, err := historyLimit(r)
	if err != nil {
		fail(w, r, err)
		return
	}

	var entries []indexdb.HistoryEntry
	err = s.db.View(ctx, func(tx *indexdb.Tx) error {
		var err error
		entries, err = tx.ListAddressHistory(ctx, address, limit)
		return err
	})
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, marshalHistory(entries))
}

func (s *Server) handleCreateProposal(w http.ResponseWriter,
	r *http.Request) {

	var cmd createProposalCmd
	if err := decodeBody(r, &cmd); err != nil {
		fail(w, r, err)
		return
	}
	if cmd.WalletID == "" {
		fail(w, r, ErrMissingWalletID)
		return
	}

	req := proposal.CreateRequest{
		Outputs: make([]proposal.Output, 0, len(cmd.Outputs)),
	}
	for _, out := range cmd.Outputs {
		if out.Value <= 0 {
			fail(w, r, ErrNeedPositiveValue)
			return
		}

		tokenID := out.TokenID
		if tokenID == "" {
			tokenID = ledger.NativeTokenID
		}
		req.Outputs = append(req.Outputs, proposal.Output{
			TokenID: tokenID,
			Value:   out.Value,
		})
	}
	for _, auth := range cmd.Authorities {
		kind, err := parseAuthorityKind(auth.Kind)
		if err != nil {
			fail(w, r, err)
			return
		}

		req.Authorities = append(req.Authorities,
			proposal.AuthorityRequest{
				TokenID: auth.TokenID,
				Kind:    kind,
			})
	}

	created, err := s.proposals.Create(r.Context(), cmd.WalletID, req)
	if err != nil {
		fail(w, r, err)
		return
	}

	res := createProposalResult{
		ProposalID: created.ProposalID,
		Inputs:     make([]utxoResult, 0, len(created.Inputs)),
		Change:     created.Change,
	}
	for _, u := range created.Inputs {
		res.Inputs = append(res.Inputs, utxoResult{
			TxID:        u.TxID,
			Index:       u.Index,
			TokenID:     u.TokenID,
			Address:     u.Address,
			Value:       u.Value,
			Authorities: u.Authorities,
		})
	}

	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.proposals.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, marshalProposal(p))
}

func (s *Server) handleSendProposal(w http.ResponseWriter, r *http.Request) {
	var cmd sendProposalCmd
	if err := decodeBody(r, &cmd); err != nil {
		fail(w, r, err)
		return
	}

	rawTx, err := hex.DecodeString(cmd.TxHex)
	if err != nil {
		fail(w, r, InvalidParameterError{
			fmt.Errorf("tx_hex is not hex: %w", err),
		})
		return
	}

	p, err := s.proposals.Send(r.Context(), mux.Vars(r)["id"], rawTx)
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, marshalProposal(p))
}

func (s *Server) handleDestroyProposal(w http.ResponseWriter,
	r *http.Request) {

	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if err := s.proposals.Destroy(ctx, id); err != nil {
		fail(w, r, err)
		return
	}

	p, err := s.proposals.Get(ctx, id)
	if err != nil {
		fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, marshalProposal(p))
}
