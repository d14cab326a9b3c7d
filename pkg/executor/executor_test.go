// Copyright 2025 Certen Protocol

package executor

import (
	"context"
	"testing"

	"github.com/certen/ledgerchain/pkg/kvdb"
	"github.com/certen/ledgerchain/pkg/ledger"
	"github.com/certen/ledgerchain/pkg/types"
	"github.com/certen/ledgerchain/pkg/vm"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	db, err := kvdb.Open("executor-test", kvdb.MemDBBackend, "")
	if err != nil {
		t.Fatalf("kvdb.Open: %v", err)
	}
	store, err := ledger.Open(kvdb.NewStore(db))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	return New(store, vm.MockVM{})
}

func addr(b byte) types.AccountAddress {
	var a types.AccountAddress
	a[len(a)-1] = b
	return a
}

func genesisMint(to byte, amount uint64) types.Transaction {
	return types.Transaction{Sender: addr(to), Payload: vm.EncodeMint(amount), IsWriteSet: true}
}

func TestInitGenesisBootstrapsLedger(t *testing.T) {
	ex := newTestExecutor(t)
	if ex.Bootstrapped() {
		t.Fatal("fresh executor should not be bootstrapped")
	}

	if err := ex.InitGenesis(context.Background(), genesisMint(1, 1000)); err != nil {
		t.Fatalf("InitGenesis: %v", err)
	}
	if !ex.Bootstrapped() {
		t.Fatal("executor should be bootstrapped after genesis")
	}

	v, ok := ex.store.LatestVersion()
	if !ok || v != 0 {
		t.Fatalf("expected latest version 0, got %d (ok=%v)", v, ok)
	}
}

func TestInitGenesisRejectsNonWriteSetTransaction(t *testing.T) {
	ex := newTestExecutor(t)
	txn := types.Transaction{Sender: addr(1), Payload: vm.EncodeMint(10)}
	if err := ex.InitGenesis(context.Background(), txn); err == nil {
		t.Fatal("expected an error bootstrapping with a non-write-set transaction")
	}
}

func TestExecuteBlockRejectsTransferFromMissingAccount(t *testing.T) {
	ex := newTestExecutor(t)
	if err := ex.InitGenesis(context.Background(), genesisMint(1, 1000)); err != nil {
		t.Fatalf("InitGenesis: %v", err)
	}

	// A regular (non-write-set) transfer whose sender does not exist must
	// be rejected. MockVM reads every account before writing it, so the
	// executor's own write-before-read guard is not reached here: MockVM
	// itself fails the transfer from an unknown sender, and ExecuteBlock
	// surfaces that as an error.
	parent := NewEmptyTrees()
	txn := types.Transaction{Sender: addr(9), Payload: vm.EncodeTransfer(addr(8), 1)}
	if _, err := ex.ExecuteBlock(context.Background(), []types.Transaction{txn}, parent); err == nil {
		t.Fatal("expected an error transferring from an unread, nonexistent account")
	}
}

func TestExecuteBlockThenCommitMovesBalance(t *testing.T) {
	ex := newTestExecutor(t)
	if err := ex.InitGenesis(context.Background(), genesisMint(1, 1000)); err != nil {
		t.Fatalf("InitGenesis: %v", err)
	}

	postGenesisVersion, ok := ex.store.LatestVersion()
	if !ok || postGenesisVersion != 0 {
		t.Fatalf("unexpected post-genesis version: %d %v", postGenesisVersion, ok)
	}

	trees := ex.CommittedTrees()

	transfer := types.Transaction{Sender: addr(1), SequenceNumber: 0, Payload: vm.EncodeTransfer(addr(2), 250)}
	output, err := ex.ExecuteBlock(context.Background(), []types.Transaction{transfer}, trees)
	if err != nil {
		t.Fatalf("ExecuteBlock: %v", err)
	}
	if len(output.TransactionData) != 1 || output.TransactionData[0].Status.Kind != types.StatusKeep {
		t.Fatalf("unexpected output: %+v", output.TransactionData)
	}

	version, ok := output.ExecutedTrees.Version()
	if !ok || version != 1 {
		t.Fatalf("expected speculative version 1, got %d (ok=%v)", version, ok)
	}

	li := types.LedgerInfo{Version: version, PostTxnAccumulatorRoot: output.AccuRoot()}
	err = ex.CommitBlocks([]CommittedBlock{{Txns: []types.Transaction{transfer}, Output: output}}, &types.LedgerInfoWithSignatures{LedgerInfo: li})
	if err != nil {
		t.Fatalf("CommitBlocks: %v", err)
	}

	committedVersion, ok := ex.store.LatestVersion()
	if !ok || committedVersion != 1 {
		t.Fatalf("expected committed version 1, got %d (ok=%v)", committedVersion, ok)
	}
}
