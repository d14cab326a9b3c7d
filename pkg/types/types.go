// Copyright 2025 Certen Protocol
//
// Package types defines the core data model shared by the sparse Merkle
// tree overlay, the Jellyfish Merkle tree, the ledger store and the
// executor: versions, account addresses and state, write sets, events,
// transaction status/info and ledger info.

package types

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/certen/ledgerchain/pkg/digest"
)

// Version is the monotonically increasing sequence number that uniquely
// names every committed transaction. Genesis has Version 0.
type Version = uint64

// AddressSize is the number of bytes in an AccountAddress.
const AddressSize = 20

// AccountAddress is an opaque fixed-length account identifier, sized to be
// interoperable with go-ethereum's common.Address so an EVM-flavored
// reference VM can be plugged in without a conversion layer.
type AccountAddress [AddressSize]byte

// String returns the hex encoding of the address with a 0x prefix.
func (a AccountAddress) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Hash returns the digest used to key this address in the sparse Merkle
// tree and Jellyfish Merkle tree: Keccak-256 of the raw address bytes.
func (a AccountAddress) Hash() digest.Digest {
	return digest.SumKeccak(a[:])
}

// AddressFromBytes decodes an AccountAddress from exactly AddressSize
// bytes.
func AddressFromBytes(b []byte) (AccountAddress, error) {
	var a AccountAddress
	if len(b) != AddressSize {
		return a, fmt.Errorf("types: invalid address length %d", len(b))
	}
	copy(a[:], b)
	return a, nil
}

// WriteOpKind tags a WriteOp as a value write or a deletion.
type WriteOpKind uint8

const (
	// WriteOpValue sets the path to a new value.
	WriteOpValue WriteOpKind = iota
	// WriteOpDeletion removes the path.
	WriteOpDeletion
)

// WriteOp is a single write, either a value write or a deletion.
type WriteOp struct {
	Kind  WriteOpKind
	Value []byte // only meaningful when Kind == WriteOpValue
}

// AccessPath names the (address, path) location a WriteOp applies to.
type AccessPath struct {
	Address AccountAddress
	Path    []byte
}

// WriteSetEntry pairs an AccessPath with the WriteOp applied to it.
type WriteSetEntry struct {
	AccessPath AccessPath
	Op         WriteOp
}

// WriteSet is a finite ordered sequence of writes produced by executing a
// single transaction.
type WriteSet []WriteSetEntry

// IsEmpty reports whether the write set has no entries.
func (ws WriteSet) IsEmpty() bool { return len(ws) == 0 }

// ContractEvent is a single event emitted during transaction execution.
type ContractEvent struct {
	Key        []byte // event stream key
	SequenceNo uint64
	Payload    []byte
}

// Hash returns the canonical digest of the event, the leaf value appended
// to a per-transaction event accumulator.
func (e ContractEvent) Hash() digest.Digest {
	buf := make([]byte, 0, len(e.Key)+8+len(e.Payload))
	buf = append(buf, e.Key...)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.SequenceNo)
	buf = append(buf, seq[:]...)
	buf = append(buf, e.Payload...)
	return digest.Sum(buf)
}

// ValidatorSetChangeEventKey is the well-known event key whose first
// occurrence in a block signals a reconfiguration (a change of validator
// set effective at the next epoch). The executor routes this at commit
// time, never during VM execution.
var ValidatorSetChangeEventKey = []byte("certen::reconfiguration::validator_set_change")

// VMStatus is the disposition code a VM attaches to a Keep or Discard
// transaction status. It is opaque to the executor and ledger store.
type VMStatus uint64

// TransactionStatusKind distinguishes a transaction persisted with effects
// (Keep) from one persisted as nothing (Discard).
type TransactionStatusKind uint8

const (
	// StatusKeep admits the transaction's effects into the ledger.
	StatusKeep TransactionStatusKind = iota
	// StatusDiscard excludes the transaction from the accumulator.
	StatusDiscard
)

// TransactionStatus is the VM-assigned disposition of a transaction.
type TransactionStatus struct {
	Kind   TransactionStatusKind
	Status VMStatus
}

// TransactionInfo is the per-transaction record accumulated into the
// transaction accumulator; its hash is a leaf of that accumulator.
type TransactionInfo struct {
	TxnHash       digest.Digest
	StateRoot     digest.Digest
	EventRoot     digest.Digest
	GasUsed       uint64
	MajorStatus   VMStatus
}

// Hash returns the canonical digest of the TransactionInfo.
func (ti TransactionInfo) Hash() digest.Digest {
	buf := make([]byte, 0, 3*digest.Size+16)
	buf = append(buf, ti.TxnHash[:]...)
	buf = append(buf, ti.StateRoot[:]...)
	buf = append(buf, ti.EventRoot[:]...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], ti.GasUsed)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(ti.MajorStatus))
	buf = append(buf, tmp[:]...)
	return digest.Sum(buf)
}

// ValidatorSet is an opaque list of validator identities; reconfiguration
// hands one of these to the caller but never
// interprets its contents (consensus owns validator selection).
type ValidatorSet struct {
	Members [][]byte
}

// LedgerInfo is the consensus-signed certificate binding an epoch, round,
// version and transaction-accumulator root.
type LedgerInfo struct {
	Epoch                    uint64
	Round                    uint64
	BlockID                  digest.Digest
	PostTxnAccumulatorRoot   digest.Digest
	Version                  Version
	TimestampUsec            uint64
	NextValidatorSet         *ValidatorSet // non-nil iff epoch-ending
}

// IsEpochEnding reports whether this ledger info closes an epoch,
// recognizable by carrying a next validator set.
func (li LedgerInfo) IsEpochEnding() bool {
	return li.NextValidatorSet != nil
}

// LedgerInfoWithSignatures pairs a LedgerInfo with the consensus
// signatures attesting to it. The executor and ledger store never verify
// these signatures themselves — that is consensus's job.
type LedgerInfoWithSignatures struct {
	LedgerInfo LedgerInfo
	Signatures map[string][]byte // validator id -> signature
}

// PreGenesisBlockID is the synthetic parent block id used for the single
// genesis commit.
var PreGenesisBlockID = digest.Placeholder

// Transaction is the signed input the executor feeds to the VM. Its
// Payload is opaque to everything except the plugged-in VM: the executor,
// ledger store and accumulators only ever hash it or store it verbatim.
type Transaction struct {
	Sender                  AccountAddress
	SequenceNumber          uint64
	Payload                 []byte
	MaxGasAmount            uint64
	GasUnitPrice            uint64
	ExpirationTimestampUsec uint64

	// IsWriteSet marks a system write-set transaction (including the
	// genesis transaction): the only transaction kind permitted to bring
	// a vacant account into existence without first reading it
	//.
	IsWriteSet bool
}

// Hash returns the canonical digest of the transaction, used as
// TransactionInfo.TxnHash.
func (t Transaction) Hash() digest.Digest {
	buf := make([]byte, 0, len(t.Sender)+8+len(t.Payload)+25)
	buf = append(buf, t.Sender[:]...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], t.SequenceNumber)
	buf = append(buf, tmp[:]...)
	buf = append(buf, t.Payload...)
	binary.BigEndian.PutUint64(tmp[:], t.MaxGasAmount)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], t.GasUnitPrice)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], t.ExpirationTimestampUsec)
	buf = append(buf, tmp[:]...)
	if t.IsWriteSet {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return digest.Sum(buf)
}

// Encode returns the canonical length-prefixed binary encoding of the
// transaction: the wire format consensus gossips and includes verbatim
// in a proposed block, decoded back with DecodeTransaction. Distinct
// from Hash, which digests these same fields in a different order and
// without the payload length prefix.
func (t Transaction) Encode() []byte {
	buf := new(bytes.Buffer)
	buf.Write(t.Sender[:])
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], t.SequenceNumber)
	buf.Write(tmp[:])
	binary.BigEndian.PutUint64(tmp[:], t.MaxGasAmount)
	buf.Write(tmp[:])
	binary.BigEndian.PutUint64(tmp[:], t.GasUnitPrice)
	buf.Write(tmp[:])
	binary.BigEndian.PutUint64(tmp[:], t.ExpirationTimestampUsec)
	buf.Write(tmp[:])
	if t.IsWriteSet {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	var plen [4]byte
	binary.BigEndian.PutUint32(plen[:], uint32(len(t.Payload)))
	buf.Write(plen[:])
	buf.Write(t.Payload)
	return buf.Bytes()
}

// DecodeTransaction decodes a transaction produced by Transaction.Encode,
// the form a CometBFT ABCI application receives as raw tx bytes.
func DecodeTransaction(b []byte) (Transaction, error) {
	var t Transaction
	if len(b) < AddressSize+8+8+8+8+1+4 {
		return t, errors.New("types: truncated transaction")
	}
	copy(t.Sender[:], b[:AddressSize])
	b = b[AddressSize:]
	t.SequenceNumber = binary.BigEndian.Uint64(b[:8])
	b = b[8:]
	t.MaxGasAmount = binary.BigEndian.Uint64(b[:8])
	b = b[8:]
	t.GasUnitPrice = binary.BigEndian.Uint64(b[:8])
	b = b[8:]
	t.ExpirationTimestampUsec = binary.BigEndian.Uint64(b[:8])
	b = b[8:]
	t.IsWriteSet = b[0] != 0
	b = b[1:]
	plen := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) != plen {
		return Transaction{}, errors.New("types: truncated transaction payload")
	}
	t.Payload = append([]byte(nil), b...)
	return t, nil
}

// TransactionToCommit bundles a transaction with everything the VM
// produced for it: the ledger store never runs the VM itself, it only
// persists this record.
type TransactionToCommit struct {
	Txn      Transaction
	Status   TransactionStatus
	WriteSet WriteSet
	Events   []ContractEvent
	GasUsed  uint64
}

// AccountStateEntry is one (path, value) pair of an AccountState.
type AccountStateEntry struct {
	Path  []byte
	Value []byte
}

// AccountState is the ordered mapping from path to value backing a single
// account; it is empty iff the account has never been written.
type AccountState []AccountStateEntry

// Get returns the value at path and whether it is present.
func (s AccountState) Get(path []byte) ([]byte, bool) {
	for _, e := range s {
		if bytes.Equal(e.Path, path) {
			return e.Value, true
		}
	}
	return nil, false
}

// Put returns a new AccountState with path set to value, replacing any
// existing entry for path. The receiver is not mutated.
func (s AccountState) Put(path, value []byte) AccountState {
	out := make(AccountState, 0, len(s)+1)
	replaced := false
	for _, e := range s {
		if bytes.Equal(e.Path, path) {
			out = append(out, AccountStateEntry{Path: path, Value: value})
			replaced = true
			continue
		}
		out = append(out, e)
	}
	if !replaced {
		out = append(out, AccountStateEntry{Path: path, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].Path, out[j].Path) < 0 })
	return out
}

// Delete returns a new AccountState with path removed. The receiver is not
// mutated.
func (s AccountState) Delete(path []byte) AccountState {
	out := make(AccountState, 0, len(s))
	for _, e := range s {
		if bytes.Equal(e.Path, path) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// IsEmpty reports whether the account has never been written.
func (s AccountState) IsEmpty() bool { return len(s) == 0 }

// Blob returns the canonical, deterministic, length-prefixed binary
// encoding of the account state. Its digest is the leaf value the sparse
// Merkle tree and Jellyfish Merkle tree store for this account: a
// length-prefixed encoding (rather than JSON or gob) keeps the hash stable
// across Go versions and map/slice iteration order.
func (s AccountState) Blob() []byte {
	sorted := make(AccountState, len(s))
	copy(sorted, s)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i].Path, sorted[j].Path) < 0 })

	buf := new(bytes.Buffer)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sorted)))
	buf.Write(lenBuf[:])
	for _, e := range sorted {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Path)))
		buf.Write(lenBuf[:])
		buf.Write(e.Path)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Value)))
		buf.Write(lenBuf[:])
		buf.Write(e.Value)
	}
	return buf.Bytes()
}

// BlobHash returns digest.Sum(s.Blob()), the JMT/SMT leaf value for this
// account.
func (s AccountState) BlobHash() digest.Digest {
	return digest.Sum(s.Blob())
}

// AccountStateFromBlob decodes a blob produced by Blob.
func AccountStateFromBlob(b []byte) (AccountState, error) {
	if len(b) < 4 {
		if len(b) == 0 {
			return nil, nil
		}
		return nil, errors.New("types: truncated account state blob")
	}
	n := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	out := make(AccountState, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(b) < 4 {
			return nil, errors.New("types: truncated account state blob")
		}
		pl := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint32(len(b)) < pl {
			return nil, errors.New("types: truncated account state blob")
		}
		path := append([]byte(nil), b[:pl]...)
		b = b[pl:]

		if len(b) < 4 {
			return nil, errors.New("types: truncated account state blob")
		}
		vl := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint32(len(b)) < vl {
			return nil, errors.New("types: truncated account state blob")
		}
		value := append([]byte(nil), b[:vl]...)
		b = b[vl:]

		out = append(out, AccountStateEntry{Path: path, Value: value})
	}
	return out, nil
}
