// Copyright 2025 Certen Protocol

package chunksync

import (
	"context"
	"testing"

	"github.com/certen/ledgerchain/pkg/executor"
	"github.com/certen/ledgerchain/pkg/kvdb"
	"github.com/certen/ledgerchain/pkg/ledger"
	"github.com/certen/ledgerchain/pkg/types"
	"github.com/certen/ledgerchain/pkg/vm"
)

func newTestExecutor(t *testing.T) *executor.Executor {
	t.Helper()
	db, err := kvdb.Open("chunksync-test", kvdb.MemDBBackend, "")
	if err != nil {
		t.Fatalf("kvdb.Open: %v", err)
	}
	store, err := ledger.Open(kvdb.NewStore(db))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	return executor.New(store, vm.MockVM{})
}

func addr(b byte) types.AccountAddress {
	var a types.AccountAddress
	a[len(a)-1] = b
	return a
}

func genesisMint(to byte, amount uint64) types.Transaction {
	return types.Transaction{Sender: addr(to), Payload: vm.EncodeMint(amount), IsWriteSet: true}
}

// buildCertifiedChunk runs txns on a freshly-genesis-bootstrapped executor
// (standing in for a peer who has already executed and certified them)
// and returns the wire-shaped TransactionListWithProof plus the
// LedgerInfoWithSignatures that certifies it, exactly what a target node
// would receive off the wire.
func buildCertifiedChunk(t *testing.T, txns []types.Transaction) (TransactionListWithProof, types.LedgerInfoWithSignatures) {
	t.Helper()
	peer := newTestExecutor(t)
	if err := peer.InitGenesis(context.Background(), genesisMint(1, 1000)); err != nil {
		t.Fatalf("peer InitGenesis: %v", err)
	}

	parent := peer.CommittedTrees()
	output, err := peer.ExecuteBlock(context.Background(), txns, parent)
	if err != nil {
		t.Fatalf("peer ExecuteBlock: %v", err)
	}

	first := types.Version(1) // genesis occupies version 0
	acc := output.ExecutedTrees.TxnAccumulator
	proof, err := acc.RangeProof(first, uint64(len(txns)), acc.NumLeaves())
	if err != nil {
		t.Fatalf("RangeProof: %v", err)
	}

	infos := make([]types.TransactionInfo, len(txns))
	for i, td := range output.TransactionData {
		infos[i] = types.TransactionInfo{
			TxnHash:     txns[i].Hash(),
			StateRoot:   td.StateRoot,
			EventRoot:   td.EventRoot,
			GasUsed:     td.GasUsed,
			MajorStatus: td.Status.Status,
		}
	}

	version, _ := output.ExecutedTrees.Version()
	li := types.LedgerInfoWithSignatures{
		LedgerInfo: types.LedgerInfo{
			Version:                version,
			PostTxnAccumulatorRoot: acc.RootHash(),
		},
	}
	list := TransactionListWithProof{
		Transactions:     txns,
		TransactionInfos: infos,
		FirstVersion:     &first,
		Proof:            proof,
	}
	return list, li
}

func TestExecuteAndCommitChunkAdvancesLedger(t *testing.T) {
	transfer := types.Transaction{Sender: addr(1), SequenceNumber: 0, Payload: vm.EncodeTransfer(addr(2), 250)}
	list, li := buildCertifiedChunk(t, []types.Transaction{transfer})

	target := newTestExecutor(t)
	if err := target.InitGenesis(context.Background(), genesisMint(1, 1000)); err != nil {
		t.Fatalf("target InitGenesis: %v", err)
	}

	s := New(target)
	if err := s.ExecuteAndCommitChunk(context.Background(), list, li); err != nil {
		t.Fatalf("ExecuteAndCommitChunk: %v", err)
	}

	if got := target.CommittedVersionCount(); got != 2 {
		t.Fatalf("expected 2 committed versions (genesis + transfer), got %d", got)
	}
}

func TestExecuteAndCommitChunkSkipsAlreadyCommittedPrefix(t *testing.T) {
	transfer := types.Transaction{Sender: addr(1), SequenceNumber: 0, Payload: vm.EncodeTransfer(addr(2), 250)}
	list, li := buildCertifiedChunk(t, []types.Transaction{transfer})

	target := newTestExecutor(t)
	if err := target.InitGenesis(context.Background(), genesisMint(1, 1000)); err != nil {
		t.Fatalf("target InitGenesis: %v", err)
	}
	s := New(target)
	if err := s.ExecuteAndCommitChunk(context.Background(), list, li); err != nil {
		t.Fatalf("first ExecuteAndCommitChunk: %v", err)
	}

	// Replaying the same already-certified chunk must be a harmless no-op:
	// its first version (1) is no longer ahead of what is committed (2).
	if err := s.ExecuteAndCommitChunk(context.Background(), list, li); err != nil {
		t.Fatalf("replaying an already-committed chunk should succeed: %v", err)
	}
	if got := target.CommittedVersionCount(); got != 2 {
		t.Fatalf("replay must not advance the ledger further, got %d", got)
	}
}

func TestExecuteAndCommitChunkRejectsTooNew(t *testing.T) {
	transfer := types.Transaction{Sender: addr(1), SequenceNumber: 0, Payload: vm.EncodeTransfer(addr(2), 250)}
	list, li := buildCertifiedChunk(t, []types.Transaction{transfer})

	target := newTestExecutor(t)
	// target never even ran genesis: its committed version count is 0,
	// while the chunk claims to start at version 1.
	s := New(target)
	if err := s.ExecuteAndCommitChunk(context.Background(), list, li); err == nil {
		t.Fatal("expected ErrTooNew committing a chunk ahead of the target's ledger")
	}
}

func TestExecuteAndCommitChunkRejectsTamperedProof(t *testing.T) {
	transfer := types.Transaction{Sender: addr(1), SequenceNumber: 0, Payload: vm.EncodeTransfer(addr(2), 250)}
	list, li := buildCertifiedChunk(t, []types.Transaction{transfer})
	list.Proof.Proofs[0].Siblings[0].Hash[0] ^= 0xff

	target := newTestExecutor(t)
	if err := target.InitGenesis(context.Background(), genesisMint(1, 1000)); err != nil {
		t.Fatalf("target InitGenesis: %v", err)
	}
	s := New(target)
	if err := s.ExecuteAndCommitChunk(context.Background(), list, li); err == nil {
		t.Fatal("expected an error committing a chunk with a tampered proof")
	}
}
