// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package indexdb

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific IndexError.
const (
	// ErrDatabase indicates an error with the underlying database. When
	// this error code is set, the Err field of the IndexError will be set
	// to the underlying error returned from the database.
	ErrDatabase ErrorCode = iota

	// ErrTxNotFound indicates that the requested transaction is not known
	// to the index.
	ErrTxNotFound

	// ErrTokenNotFound indicates that the requested token is not known to
	// the index.
	ErrTokenNotFound

	// ErrUtxoNotFound indicates that the requested output is not known to
	// the index.
	ErrUtxoNotFound

	// ErrWalletNotFound indicates that the requested wallet is not
	// registered.
	ErrWalletNotFound

	// ErrAddressOwned indicates that an address is already registered to
	// a different wallet.
	ErrAddressOwned

	// ErrAlreadyReserved indicates that an output could not be reserved
	// because it is held by another proposal, spent, voided or locked.
	ErrAlreadyReserved

	// ErrInsufficientFunds indicates that a reservation was requested
	// without any candidate output.
	ErrInsufficientFunds

	// ErrProposalNotFound indicates that the requested tx proposal does
	// not exist.
	ErrProposalNotFound

	// ErrStatusConflict indicates that a proposal status transition was
	// attempted from a status that does not allow it.
	ErrStatusConflict

	// ErrInvariant indicates that applying a change would break a ledger
	// invariant, such as a negative authority count.
	ErrInvariant
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrDatabase:          "ErrDatabase",
	ErrTxNotFound:        "ErrTxNotFound",
	ErrTokenNotFound:     "ErrTokenNotFound",
	ErrUtxoNotFound:      "ErrUtxoNotFound",
	ErrWalletNotFound:    "ErrWalletNotFound",
	ErrAddressOwned:      "ErrAddressOwned",
	ErrAlreadyReserved:   "ErrAlreadyReserved",
	ErrInsufficientFunds: "ErrInsufficientFunds",
	ErrProposalNotFound:  "ErrProposalNotFound",
	ErrStatusConflict:    "ErrStatusConflict",
	ErrInvariant:         "ErrInvariant",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}

	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// IndexError provides a single type for errors that can happen during index
// store operation.
type IndexError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e IndexError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}

	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e IndexError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an IndexError with the same error code, so
// that errors.Is(err, IndexError{ErrorCode: code}) matches any description.
func (e IndexError) Is(target error) bool {
	t, ok := target.(IndexError)
	if !ok {
		return false
	}

	return t.ErrorCode == e.ErrorCode
}

// indexError creates an IndexError given a set of arguments.
func indexError(c ErrorCode, desc string, err error) IndexError {
	return IndexError{ErrorCode: c, Description: desc, Err: err}
}

// dbError wraps an error returned by the database driver.
func dbError(desc string, err error) IndexError {
	return indexError(ErrDatabase, desc, err)
}

// IsError returns whether err is an IndexError with a matching error code.
func IsError(err error, code ErrorCode) bool {
	var e IndexError
	if !errors.As(err, &e) {
		return false
	}

	return e.ErrorCode == code
}
