// Copyright 2025 Certen Protocol
//
// Package vm defines the external VM boundary the executor drives: a
// StateView the VM may only read, and the ExecuteBlock contract producing
// one Output per transaction. Instruction semantics are explicitly left
// to the plugged-in VM; MockVM below is a small reference implementation
// of mint/transfer used to drive the executor's tests end to end.

package vm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/certen/ledgerchain/pkg/types"
)

// StateView is the read-only account state surface available during
// ExecuteBlock. A VM must never mutate it; every read it performs against
// an unexpanded region is recorded by the caller as a proof obligation
//.
type StateView interface {
	GetAccountState(addr types.AccountAddress) (types.AccountState, bool, error)
}

// Output is a single transaction's VM-produced result: the executor
// consumes these, it never runs VM logic itself.
type Output struct {
	WriteSet types.WriteSet
	Events   []types.ContractEvent
	GasUsed  uint64
	Status   types.TransactionStatus
}

// VM is the pluggable execution engine. The executor calls ExecuteBlock
// once per block with a consistent view; the VM's reads against that view
// must not observe its own writes within the same call.
type VM interface {
	ExecuteBlock(ctx context.Context, txns []types.Transaction, view StateView) ([]Output, error)
}

// ErrUnknownProgram is returned by MockVM when a transaction's payload
// does not start with a recognized program tag.
var ErrUnknownProgram = errors.New("vm: unknown program tag")

// Program tags recognized by MockVM, each a tiny fixed-format instruction
// so executor tests can drive real StateView reads and write-set
// production without needing a real VM.
const (
	ProgramMint     byte = 1 // amount(8)
	ProgramTransfer byte = 2 // to(AddressSize) amount(8)
	ProgramDiscard  byte = 3 // no payload: always discarded
)

var balancePath = []byte("balance")

// EncodeMint builds a MockVM payload crediting the sender's balance.
func EncodeMint(amount uint64) []byte {
	buf := make([]byte, 1+8)
	buf[0] = ProgramMint
	binary.BigEndian.PutUint64(buf[1:], amount)
	return buf
}

// EncodeTransfer builds a MockVM payload moving amount from the sender to
// to, requiring the sender to already have sufficient balance.
func EncodeTransfer(to types.AccountAddress, amount uint64) []byte {
	buf := make([]byte, 1+types.AddressSize+8)
	buf[0] = ProgramTransfer
	copy(buf[1:], to[:])
	binary.BigEndian.PutUint64(buf[1+types.AddressSize:], amount)
	return buf
}

// EncodeDiscard builds a MockVM payload that always produces a Discard
// status with no effects, for exercising the executor's discard path.
func EncodeDiscard() []byte {
	return []byte{ProgramDiscard}
}

func decodeBalance(state types.AccountState) uint64 {
	raw, ok := state.Get(balancePath)
	if !ok || len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func encodeBalance(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

// MockVM is a minimal reference VM: it supports minting a sender's own
// balance and transferring balance between accounts, reading prior
// balances from the StateView exactly as a real VM would before writing
// to them (the write-before-read discipline is enforced by the executor,
// not here; MockVM always reads first).
type MockVM struct{}

// ExecuteBlock implements VM.
func (MockVM) ExecuteBlock(_ context.Context, txns []types.Transaction, view StateView) ([]Output, error) {
	outputs := make([]Output, len(txns))
	for i, txn := range txns {
		out, err := executeOne(txn, view)
		if err != nil {
			return nil, fmt.Errorf("vm: transaction %d: %w", i, err)
		}
		outputs[i] = out
	}
	return outputs, nil
}

func executeOne(txn types.Transaction, view StateView) (Output, error) {
	if len(txn.Payload) == 0 {
		return Output{}, ErrUnknownProgram
	}
	switch txn.Payload[0] {
	case ProgramDiscard:
		return Output{Status: types.TransactionStatus{Kind: types.StatusDiscard}}, nil

	case ProgramMint:
		if len(txn.Payload) != 9 {
			return Output{}, fmt.Errorf("%w: malformed mint payload", ErrUnknownProgram)
		}
		amount := binary.BigEndian.Uint64(txn.Payload[1:9])
		state, found, err := view.GetAccountState(txn.Sender)
		if err != nil {
			return Output{}, err
		}
		if !found {
			state = types.AccountState{}
		}
		balance := decodeBalance(state)
		ws := types.WriteSet{{
			AccessPath: types.AccessPath{Address: txn.Sender, Path: balancePath},
			Op:         types.WriteOp{Kind: types.WriteOpValue, Value: encodeBalance(balance + amount)},
		}}
		return Output{
			WriteSet: ws,
			GasUsed:  1,
			Status:   types.TransactionStatus{Kind: types.StatusKeep},
		}, nil

	case ProgramTransfer:
		if len(txn.Payload) != 1+types.AddressSize+8 {
			return Output{}, fmt.Errorf("%w: malformed transfer payload", ErrUnknownProgram)
		}
		var to types.AccountAddress
		copy(to[:], txn.Payload[1:1+types.AddressSize])
		amount := binary.BigEndian.Uint64(txn.Payload[1+types.AddressSize:])

		senderState, found, err := view.GetAccountState(txn.Sender)
		if err != nil {
			return Output{}, err
		}
		if !found {
			return Output{}, fmt.Errorf("vm: transfer from unknown account")
		}
		senderBalance := decodeBalance(senderState)
		if senderBalance < amount {
			return Output{}, fmt.Errorf("vm: insufficient balance")
		}

		recvState, found, err := view.GetAccountState(to)
		if err != nil {
			return Output{}, err
		}
		if !found {
			recvState = types.AccountState{}
		}
		recvBalance := decodeBalance(recvState)

		ws := types.WriteSet{
			{
				AccessPath: types.AccessPath{Address: txn.Sender, Path: balancePath},
				Op:         types.WriteOp{Kind: types.WriteOpValue, Value: encodeBalance(senderBalance - amount)},
			},
			{
				AccessPath: types.AccessPath{Address: to, Path: balancePath},
				Op:         types.WriteOp{Kind: types.WriteOpValue, Value: encodeBalance(recvBalance + amount)},
			},
		}
		events := []types.ContractEvent{{
			Key:        []byte("transfer"),
			SequenceNo: txn.SequenceNumber,
			Payload:    encodeBalance(amount),
		}}
		return Output{
			WriteSet: ws,
			Events:   events,
			GasUsed:  2,
			Status:   types.TransactionStatus{Kind: types.StatusKeep},
		}, nil

	default:
		return Output{}, fmt.Errorf("%w: tag %d", ErrUnknownProgram, txn.Payload[0])
	}
}
