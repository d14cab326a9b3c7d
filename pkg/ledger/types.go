// Copyright 2025 Certen Protocol

package ledger

import (
	"encoding/binary"

	"github.com/certen/ledgerchain/pkg/digest"
	"github.com/certen/ledgerchain/pkg/jmt"
	"github.com/certen/ledgerchain/pkg/kvdb"
	"github.com/certen/ledgerchain/pkg/types"
)

// Column families the ledger store owns directly. The JMT
// node and stale-node-index column families are owned by pkg/jmt, which
// this package wires against the same underlying kvdb.Store.
const (
	// DefaultCF holds ledger info keyed by epoch plus two fixed-key
	// entries: the latest pointer (latest version and JMT root) and the
	// prune cursor.
	DefaultCF kvdb.ColumnFamily = "default"

	// EpochByVersionCF maps the version of each epoch-ending ledger info
	// to the ledger info key of the epoch that follows it.
	EpochByVersionCF kvdb.ColumnFamily = "epoch_by_version"

	// EventCF stores each transaction's events keyed by (version, idx).
	EventCF kvdb.ColumnFamily = "event"

	// EventByKeyCF indexes events by (event_key, sequence_number) so a
	// single event stream can be read back in order.
	EventByKeyCF kvdb.ColumnFamily = "event_by_key"

	// EventAccumulatorPositionsCF stores the per-transaction event
	// accumulator's leaves in position order, so that accumulator can be
	// rebuilt (and proofs re-served) without replaying the full event
	// payloads.
	EventAccumulatorPositionsCF kvdb.ColumnFamily = "event_accumulator_position"

	// LedgerCountersCF holds the running ledger counters bumped on every
	// commit (accounts created, events emitted, transactions saved,
	// Keep or Discard).
	LedgerCountersCF kvdb.ColumnFamily = "ledger_counters"

	// TransactionCF stores the encoded transaction at its assigned
	// version.
	TransactionCF kvdb.ColumnFamily = "transaction"

	// TransactionByAccountCF indexes transactions by (sender, sequence
	// number) -> version.
	TransactionByAccountCF kvdb.ColumnFamily = "transaction_by_account"

	// TransactionInfoCF stores the TransactionInfo record at each
	// version.
	TransactionInfoCF kvdb.ColumnFamily = "transaction_info"

	// TransactionAccumulatorPositionsCF stores the global transaction
	// accumulator's leaves (TransactionInfo hashes) in position order.
	TransactionAccumulatorPositionsCF kvdb.ColumnFamily = "transaction_accumulator_position"

	// StateRootRefCF records, for every version, the JMT ChildRef a
	// caller must present to pkg/jmt to read state as of that version:
	// the node may physically live at an earlier version if that
	// transaction's write set never touched the tree.
	StateRootRefCF kvdb.ColumnFamily = "state_root_ref"
)

// Fixed keys: countersKey lives in LedgerCountersCF, the others in
// DefaultCF.
var (
	latestPointerKey = []byte("latest")
	countersKey      = []byte("counters")
	pruneCursorKey   = []byte("prune_cursor")
)

func ledgerInfoKey(epoch uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], epoch)
	return b[:]
}

func epochByVersionKey(version types.Version) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], version)
	return b[:]
}

func versionKey(version types.Version) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], version)
	return b[:]
}

func positionKey(version types.Version, idx uint32) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint64(b[:8], version)
	binary.BigEndian.PutUint32(b[8:], idx)
	return b
}

func accountSeqKey(addr types.AccountAddress, seq uint64) []byte {
	b := make([]byte, types.AddressSize+8)
	copy(b, addr[:])
	binary.BigEndian.PutUint64(b[types.AddressSize:], seq)
	return b
}

func eventKeySeqKey(eventKey []byte, seq uint64) []byte {
	b := make([]byte, len(eventKey)+8)
	copy(b, eventKey)
	binary.BigEndian.PutUint64(b[len(eventKey):], seq)
	return b
}

// MaxQueryLimit bounds every ranged read, the same cap the read API
// enforces so an unbounded query can never be used to exhaust the store.
const MaxQueryLimit = 1000

// LedgerCounters tracks cumulative counts bumped on every commit
//.
type LedgerCounters struct {
	NumAccountsCreated uint64
	NumEvents          uint64
	NumTransactions    uint64
}

func encodeCounters(c LedgerCounters) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], c.NumAccountsCreated)
	binary.BigEndian.PutUint64(buf[8:16], c.NumEvents)
	binary.BigEndian.PutUint64(buf[16:24], c.NumTransactions)
	return buf
}

func decodeCounters(b []byte) LedgerCounters {
	if len(b) < 24 {
		return LedgerCounters{}
	}
	return LedgerCounters{
		NumAccountsCreated: binary.BigEndian.Uint64(b[0:8]),
		NumEvents:          binary.BigEndian.Uint64(b[8:16]),
		NumTransactions:    binary.BigEndian.Uint64(b[16:24]),
	}
}

// latestPointer is the value stored under DefaultCF/latestPointerKey: a
// compact description of the most recently committed version, its
// ledger info epoch (if any) and its JMT root, so Open can resume
// without replaying the whole history.
type latestPointer struct {
	HasCommitted   bool
	Version        types.Version
	HasLedgerInfo  bool
	LedgerInfoEpoch uint64
	HasJMTRoot     bool
	JMTRoot        jmt.ChildRef
}

func encodeLatestPointer(p latestPointer) []byte {
	buf := make([]byte, 0, 64)
	flags := byte(0)
	if p.HasCommitted {
		flags |= 1
	}
	if p.HasLedgerInfo {
		flags |= 2
	}
	if p.HasJMTRoot {
		flags |= 4
	}
	buf = append(buf, flags)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], p.Version)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], p.LedgerInfoEpoch)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], p.JMTRoot.Version)
	buf = append(buf, tmp[:]...)
	leafFlag := byte(0)
	if p.JMTRoot.Leaf {
		leafFlag = 1
	}
	buf = append(buf, leafFlag)
	buf = append(buf, p.JMTRoot.Hash[:]...)
	return buf
}

func encodeChildRef(c jmt.ChildRef) []byte {
	buf := make([]byte, 0, 8+1+digest.Size)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], c.Version)
	buf = append(buf, tmp[:]...)
	leaf := byte(0)
	if c.Leaf {
		leaf = 1
	}
	buf = append(buf, leaf)
	buf = append(buf, c.Hash[:]...)
	return buf
}

func decodeChildRef(b []byte) (jmt.ChildRef, error) {
	var c jmt.ChildRef
	if len(b) < 8+1+digest.Size {
		return c, ErrNotFound
	}
	c.Version = binary.BigEndian.Uint64(b[:8])
	c.Leaf = b[8] == 1
	copy(c.Hash[:], b[9:9+digest.Size])
	return c, nil
}

func decodeLatestPointer(b []byte) (latestPointer, error) {
	var p latestPointer
	if len(b) < 1+24+1+digest.Size {
		return p, ErrNotFound
	}
	flags := b[0]
	p.HasCommitted = flags&1 != 0
	p.HasLedgerInfo = flags&2 != 0
	p.HasJMTRoot = flags&4 != 0
	off := 1
	p.Version = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	p.LedgerInfoEpoch = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	p.JMTRoot.Version = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	p.JMTRoot.Leaf = b[off] == 1
	off++
	copy(p.JMTRoot.Hash[:], b[off:off+digest.Size])
	return p, nil
}
