// Copyright 2025 Certen Protocol
//
// Package chunksync catches a node up to a ledger_info a peer has
// already certified by replaying the transactions between the node's
// last committed version and that certificate, without re-running
// consensus for each one.
package chunksync

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/certen/ledgerchain/pkg/executor"
	"github.com/certen/ledgerchain/pkg/merkle"
	"github.com/certen/ledgerchain/pkg/types"
)

// ErrTooNew is returned when a chunk's first transaction version is ahead
// of what the node has already committed: there would be a gap no replay
// can close.
var ErrTooNew = errors.New("chunksync: chunk starts beyond the last committed version")

// ErrDiscardedDuringSync is returned when replaying a chunk a peer already
// certified produces a Discard status: every transaction in a certified
// chunk must have been Kept when the peer itself executed it (
// §4.6 step 3).
var ErrDiscardedDuringSync = errors.New("chunksync: transaction discarded while replaying a certified chunk")

// ErrMismatchedLengths is returned when a TransactionListWithProof's
// transactions, transaction infos and proof do not describe the same
// number of entries.
var ErrMismatchedLengths = errors.New("chunksync: transaction list, infos and proof disagree on length")

// TransactionListWithProof is a contiguous run of transactions together
// with the TransactionInfo the sender computed for each (sender already
// executed and committed them) and a range proof tying their leaf hashes
// to the transaction accumulator at FirstVersion: the minimum a peer
// needs to verify a chunk before replaying it.
type TransactionListWithProof struct {
	Transactions     []types.Transaction
	TransactionInfos []types.TransactionInfo
	FirstVersion     *types.Version
	Proof            merkle.RangeProof
}

// Syncer replays certified chunks into an Executor, advancing its ledger
// the same way a normal block commit would, just without a fresh
// consensus round per transaction.
type Syncer struct {
	ex *executor.Executor
}

// New returns a Syncer driving ex.
func New(ex *executor.Executor) *Syncer {
	return &Syncer{ex: ex}
}

// verifyChunk checks list against ledgerInfo and numCommitted, returning
// how many of list's leading transactions are already durable and must be
// skipped before replay.
func verifyChunk(list TransactionListWithProof, ledgerInfo types.LedgerInfoWithSignatures, numCommitted types.Version) (skip uint64, err error) {
	if len(list.Transactions) != len(list.TransactionInfos) || len(list.Transactions) != len(list.Proof.Proofs) {
		return 0, ErrMismatchedLengths
	}
	if len(list.Transactions) == 0 {
		return 0, nil
	}
	if list.FirstVersion == nil {
		return 0, errors.New("chunksync: first transaction version is required for a non-empty chunk")
	}
	first := *list.FirstVersion
	if first > numCommitted {
		return 0, fmt.Errorf("%w: already have %d committed, chunk starts at %d", ErrTooNew, numCommitted, first)
	}
	if list.Proof.First != first || list.Proof.Count != uint64(len(list.Transactions)) {
		return 0, errors.New("chunksync: proof range does not match the supplied transaction list")
	}

	// Each transaction's inclusion proof verifies independently of every
	// other, so a certified chunk with hundreds of entries checks them
	// concurrently rather than one at a time.
	var g errgroup.Group
	for i := range list.Transactions {
		i := i
		g.Go(func() error {
			txn := list.Transactions[i]
			info := list.TransactionInfos[i]
			if info.TxnHash != txn.Hash() {
				return fmt.Errorf("chunksync: transaction %d does not match its transaction info", i)
			}
			if err := merkle.VerifyInclusion(merkle.KindTransaction, info.Hash(), list.Proof.Proofs[i], ledgerInfo.LedgerInfo.PostTxnAccumulatorRoot); err != nil {
				return fmt.Errorf("chunksync: inclusion proof for transaction %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	skip = numCommitted - first
	if skip > uint64(len(list.Transactions)) {
		skip = uint64(len(list.Transactions))
	}
	return skip, nil
}

// ExecuteAndCommitChunk verifies list against ledgerInfo, replays every
// transaction the node has not already committed, and persists the
// result: with ledgerInfo attached if this chunk reaches the version it
// certifies, or without one if more chunks are still needed to get there
//.
func (s *Syncer) ExecuteAndCommitChunk(ctx context.Context, list TransactionListWithProof, ledgerInfo types.LedgerInfoWithSignatures) error {
	numCommitted := s.ex.CommittedVersionCount()
	skip, err := verifyChunk(list, ledgerInfo, numCommitted)
	if err != nil {
		return err
	}

	remaining := list.Transactions[skip:]
	if len(remaining) == 0 {
		return nil
	}

	parent := s.ex.CommittedTrees()
	output, err := s.ex.ExecuteBlock(ctx, remaining, parent)
	if err != nil {
		return fmt.Errorf("chunksync: execute chunk: %w", err)
	}
	for i, td := range output.TransactionData {
		if td.Status.Kind != types.StatusKeep {
			return fmt.Errorf("%w: transaction %d", ErrDiscardedDuringSync, i)
		}
	}

	newLeafCount := numCommitted + uint64(len(remaining))
	completesLedgerInfo := newLeafCount == ledgerInfo.LedgerInfo.Version+1

	block := executor.CommittedBlock{Txns: remaining, Output: output}
	if completesLedgerInfo {
		if output.AccuRoot() != ledgerInfo.LedgerInfo.PostTxnAccumulatorRoot {
			return fmt.Errorf("%w: recomputed root does not match ledger info", merkle.ErrInvalidProof)
		}
		return s.ex.CommitBlocks([]executor.CommittedBlock{block}, &ledgerInfo)
	}
	return s.ex.CommitBlocks([]executor.CommittedBlock{block}, nil)
}
