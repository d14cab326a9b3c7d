// Copyright 2025 Certen Protocol
//
// Package ledger provides sentinel errors for ledger store operations.

package ledger

import "errors"

// Sentinel errors for ledger store operations.
var (
	// ErrNotFound is returned when a requested version, event or ledger
	// info has never been persisted.
	ErrNotFound = errors.New("ledger: not found")

	// ErrRootHashMismatch is returned by SaveTransactions when the
	// PostTxnAccumulatorRoot carried by a supplied LedgerInfo does not
	// equal the transaction accumulator root computed after applying the
	// batch.
	ErrRootHashMismatch = errors.New("ledger: post_txn_accumulator_root mismatch")

	// ErrNonContiguousVersion is returned when first_version opens a gap
	// with the last persisted version: first_version must equal
	// last_persisted_version + 1 - skip for some skip >= 0.
	ErrNonContiguousVersion = errors.New("ledger: first_version is not contiguous with the last persisted version")

	// ErrTooManyRequested is returned when a read request's limit exceeds
	// MaxQueryLimit.
	ErrTooManyRequested = errors.New("ledger: requested range exceeds the maximum allowed")
)
