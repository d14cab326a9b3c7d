// Copyright 2025 Certen Protocol

package vm

import (
	"context"
	"testing"

	"github.com/certen/ledgerchain/pkg/types"
)

type fakeView struct {
	states map[types.AccountAddress]types.AccountState
}

func (v *fakeView) GetAccountState(addr types.AccountAddress) (types.AccountState, bool, error) {
	s, ok := v.states[addr]
	return s, ok, nil
}

func addr(b byte) types.AccountAddress {
	var a types.AccountAddress
	a[len(a)-1] = b
	return a
}

func TestMockVMMintOnVacantAccount(t *testing.T) {
	view := &fakeView{states: map[types.AccountAddress]types.AccountState{}}
	txn := types.Transaction{Sender: addr(1), Payload: EncodeMint(100)}

	outs, err := MockVM{}.ExecuteBlock(context.Background(), []types.Transaction{txn}, view)
	if err != nil {
		t.Fatalf("ExecuteBlock: %v", err)
	}
	if len(outs) != 1 || outs[0].Status.Kind != types.StatusKeep {
		t.Fatalf("unexpected output: %+v", outs)
	}
	if len(outs[0].WriteSet) != 1 {
		t.Fatalf("expected one write, got %+v", outs[0].WriteSet)
	}
	if got := decodeBalance(types.AccountState{}.Put(balancePath, outs[0].WriteSet[0].Op.Value)); got != 100 {
		t.Fatalf("unexpected minted balance: %d", got)
	}
}

func TestMockVMTransferRequiresExistingSender(t *testing.T) {
	view := &fakeView{states: map[types.AccountAddress]types.AccountState{}}
	txn := types.Transaction{Sender: addr(1), Payload: EncodeTransfer(addr(2), 10)}

	_, err := MockVM{}.ExecuteBlock(context.Background(), []types.Transaction{txn}, view)
	if err == nil {
		t.Fatal("expected an error transferring from an unknown account")
	}
}

func TestMockVMTransferMovesBalance(t *testing.T) {
	sender := types.AccountState{}.Put(balancePath, encodeBalance(50))
	view := &fakeView{states: map[types.AccountAddress]types.AccountState{addr(1): sender}}
	txn := types.Transaction{Sender: addr(1), SequenceNumber: 0, Payload: EncodeTransfer(addr(2), 20)}

	outs, err := MockVM{}.ExecuteBlock(context.Background(), []types.Transaction{txn}, view)
	if err != nil {
		t.Fatalf("ExecuteBlock: %v", err)
	}
	out := outs[0]
	if len(out.WriteSet) != 2 || len(out.Events) != 1 {
		t.Fatalf("unexpected output: %+v", out)
	}
	if decodeBalance(types.AccountState{}.Put(balancePath, out.WriteSet[0].Op.Value)) != 30 {
		t.Fatalf("unexpected sender balance after transfer: %+v", out.WriteSet[0])
	}
	if decodeBalance(types.AccountState{}.Put(balancePath, out.WriteSet[1].Op.Value)) != 20 {
		t.Fatalf("unexpected recipient balance after transfer: %+v", out.WriteSet[1])
	}
}

func TestMockVMDiscard(t *testing.T) {
	view := &fakeView{states: map[types.AccountAddress]types.AccountState{}}
	txn := types.Transaction{Sender: addr(1), Payload: EncodeDiscard()}

	outs, err := MockVM{}.ExecuteBlock(context.Background(), []types.Transaction{txn}, view)
	if err != nil {
		t.Fatalf("ExecuteBlock: %v", err)
	}
	if outs[0].Status.Kind != types.StatusDiscard {
		t.Fatalf("expected discard status, got %+v", outs[0])
	}
	if len(outs[0].WriteSet) != 0 || len(outs[0].Events) != 0 {
		t.Fatalf("discard must have no effects: %+v", outs[0])
	}
}

func TestMockVMUnknownProgram(t *testing.T) {
	view := &fakeView{states: map[types.AccountAddress]types.AccountState{}}
	txn := types.Transaction{Sender: addr(1), Payload: []byte{0xff}}

	_, err := MockVM{}.ExecuteBlock(context.Background(), []types.Transaction{txn}, view)
	if err == nil {
		t.Fatal("expected ErrUnknownProgram")
	}
}
