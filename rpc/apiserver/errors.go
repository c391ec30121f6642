// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package apiserver

import (
	"errors"
	"net/http"

	"github.com/btcsuite/walletindexer/indexdb"
	"github.com/btcsuite/walletindexer/proposal"
)

// InvalidParameterError describes a malformed request parameter or body.
type InvalidParameterError struct {
	error
}

// Unwrap returns the underlying error.
func (e InvalidParameterError) Unwrap() error {
	return e.error
}

// Errors variables that are defined once here to avoid duplication below.
var (
	ErrNeedPositiveValue = InvalidParameterError{
		errors.New("output value must be positive"),
	}

	ErrUnknownAuthority = InvalidParameterError{
		errors.New("unknown authority kind"),
	}

	ErrMissingWalletID = InvalidParameterError{
		errors.New("wallet_id is required"),
	}

	ErrNoAuth = errors.New("no auth")
)

// errorStatus maps an error returned by the index or the proposal manager to
// the HTTP status reported to the client.
func errorStatus(err error) int {
	var paramErr InvalidParameterError
	if errors.As(err, &paramErr) {
		return http.StatusBadRequest
	}

	var e indexdb.IndexError
	if errors.As(err, &e) {
		switch e.ErrorCode {
		case indexdb.ErrTxNotFound, indexdb.ErrTokenNotFound,
			indexdb.ErrUtxoNotFound, indexdb.ErrWalletNotFound,
			indexdb.ErrProposalNotFound:

			return http.StatusNotFound

		case indexdb.ErrAddressOwned, indexdb.ErrAlreadyReserved,
			indexdb.ErrStatusConflict:

			return http.StatusConflict

		case indexdb.ErrInsufficientFunds:
			return http.StatusUnprocessableEntity
		}
	}

	switch {
	case errors.Is(err, proposal.ErrProposalNotOpen):
		return http.StatusConflict

	case errors.Is(err, proposal.ErrProposalMismatch):
		return http.StatusUnprocessableEntity

	case errors.Is(err, proposal.ErrInvalidTx),
		errors.Is(err, proposal.ErrEmptyRequest):

		return http.StatusBadRequest

	case errors.Is(err, proposal.ErrBroadcast):
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}
