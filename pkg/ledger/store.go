// Copyright 2025 Certen Protocol
//
// Package ledger implements the Ledger Store composite: a
// typed facade over a kvdb.Store exposing named column families for
// ledger info, transactions, events and their indexes, backed by a
// Jellyfish Merkle Tree (pkg/jmt) for account state and two Merkle
// accumulators (pkg/merkle) for transactions and per-transaction events.
//
// The public write surface is a single atomic batch, SaveTransactions:
// every row touched by a block - content, accumulator positions, the
// ledger info certificate - lands in one kvdb write or none at all.
package ledger

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/certen/ledgerchain/pkg/digest"
	"github.com/certen/ledgerchain/pkg/jmt"
	"github.com/certen/ledgerchain/pkg/kvdb"
	"github.com/certen/ledgerchain/pkg/merkle"
	"github.com/certen/ledgerchain/pkg/types"
)

// Store is the Ledger Store composite: the sole owner of the column
// families listed in types.go, and the only component that calls the
// underlying kvdb.Store's batch API for them (pkg/jmt batches its own
// stale-node deletions in PruneStale).
type Store struct {
	kv  *kvdb.Store
	jmt *jmt.Tree

	mu            sync.RWMutex
	hasCommitted  bool
	latestVersion types.Version
	jmtRoot       *jmt.ChildRef
	txnAcc        *merkle.Accumulator // rebuilt from TransactionAccumulatorPositionsCF on Open
	counters      LedgerCounters
	pruneCursor   types.Version // next version the pruner has not yet examined
}

// Open wires a Store on top of an already-opened kvdb.Store, replaying
// the transaction accumulator's leaves and the latest pointer so the
// store can resume exactly where a prior process left off.
func Open(kv *kvdb.Store) (*Store, error) {
	s := &Store{
		kv:     kv,
		jmt:    jmt.New(kv),
		txnAcc: merkle.New(merkle.KindTransaction),
	}

	raw, err := kv.Get(DefaultCF, latestPointerKey)
	if err != nil {
		return nil, fmt.Errorf("ledger: read latest pointer: %w", err)
	}
	if raw == nil {
		return s, nil
	}
	ptr, err := decodeLatestPointer(raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: decode latest pointer: %w", err)
	}
	s.hasCommitted = ptr.HasCommitted
	s.latestVersion = ptr.Version
	if ptr.HasJMTRoot {
		root := ptr.JMTRoot
		s.jmtRoot = &root
	}

	if s.hasCommitted {
		leaves := make([]digest.Digest, 0, s.latestVersion+1)
		for v := types.Version(0); v <= s.latestVersion; v++ {
			leafRaw, gerr := kv.Get(TransactionAccumulatorPositionsCF, versionKey(v))
			if gerr != nil {
				return nil, fmt.Errorf("ledger: replay transaction accumulator at %d: %w", v, gerr)
			}
			if leafRaw == nil {
				return nil, fmt.Errorf("ledger: replay transaction accumulator at %d: %w", v, ErrNotFound)
			}
			leaf, derr := digest.FromBytes(leafRaw)
			if derr != nil {
				return nil, fmt.Errorf("ledger: replay transaction accumulator at %d: %w", v, derr)
			}
			leaves = append(leaves, leaf)
		}
		s.txnAcc.Append(leaves...)
	}

	countersRaw, err := kv.Get(LedgerCountersCF, countersKey)
	if err != nil {
		return nil, fmt.Errorf("ledger: read counters: %w", err)
	}
	s.counters = decodeCounters(countersRaw)

	cursorRaw, err := kv.Get(DefaultCF, pruneCursorKey)
	if err != nil {
		return nil, fmt.Errorf("ledger: read prune cursor: %w", err)
	}
	if len(cursorRaw) == 8 {
		s.pruneCursor = binary.BigEndian.Uint64(cursorRaw)
	}

	return s, nil
}

// JMTTree exposes the underlying Jellyfish Merkle Tree so the executor
// can build a verified state view directly against it, without the
// ledger store mediating every individual account read.
func (s *Store) JMTTree() *jmt.Tree {
	return s.jmt
}

// CommittedRoot returns the JMT ChildRef of the most recently persisted
// version, or nil if nothing has been committed yet (an empty tree).
func (s *Store) CommittedRoot() *jmt.ChildRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jmtRoot
}

// LatestVersion reports the most recently persisted version and whether
// anything has been committed at all.
func (s *Store) LatestVersion() (types.Version, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestVersion, s.hasCommitted
}

// TransactionAccumulatorRootHash returns the current transaction
// accumulator root, the value the executor must reproduce speculatively
// before a commit is accepted.
func (s *Store) TransactionAccumulatorRootHash() digest.Digest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txnAcc.RootHash()
}

// TransactionAccumulatorSnapshot returns an independent copy of the
// committed transaction accumulator, the base the executor extends with
// each newly executed block before it is committed.
func (s *Store) TransactionAccumulatorSnapshot() *merkle.Accumulator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txnAcc.Snapshot()
}

// ---- encode/decode helpers for the records this store persists ----

func encodeTransaction(t types.Transaction) []byte {
	buf := make([]byte, 0, types.AddressSize+32+len(t.Payload))
	buf = append(buf, t.Sender[:]...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], t.SequenceNumber)
	buf = append(buf, tmp[:]...)
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
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(t.Payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, t.Payload...)
	return buf
}

func decodeTransaction(b []byte) (types.Transaction, error) {
	var t types.Transaction
	if len(b) < types.AddressSize+32+1+4 {
		return t, fmt.Errorf("ledger: truncated transaction record")
	}
	copy(t.Sender[:], b[:types.AddressSize])
	off := types.AddressSize
	t.SequenceNumber = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	t.MaxGasAmount = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	t.GasUnitPrice = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	t.ExpirationTimestampUsec = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	t.IsWriteSet = b[off] == 1
	off++
	pl := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if uint32(len(b)-off) < pl {
		return t, fmt.Errorf("ledger: truncated transaction payload")
	}
	t.Payload = append([]byte(nil), b[off:off+int(pl)]...)
	return t, nil
}

func encodeTransactionInfo(ti types.TransactionInfo) []byte {
	buf := make([]byte, 0, 3*digest.Size+16)
	buf = append(buf, ti.TxnHash[:]...)
	buf = append(buf, ti.StateRoot[:]...)
	buf = append(buf, ti.EventRoot[:]...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], ti.GasUsed)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(ti.MajorStatus))
	buf = append(buf, tmp[:]...)
	return buf
}

func decodeTransactionInfo(b []byte) (types.TransactionInfo, error) {
	var ti types.TransactionInfo
	if len(b) < 3*digest.Size+16 {
		return ti, fmt.Errorf("ledger: truncated transaction info record")
	}
	copy(ti.TxnHash[:], b[0:digest.Size])
	copy(ti.StateRoot[:], b[digest.Size:2*digest.Size])
	copy(ti.EventRoot[:], b[2*digest.Size:3*digest.Size])
	off := 3 * digest.Size
	ti.GasUsed = binary.BigEndian.Uint64(b[off : off+8])
	ti.MajorStatus = types.VMStatus(binary.BigEndian.Uint64(b[off+8 : off+16]))
	return ti, nil
}

func encodeEvent(e types.ContractEvent) []byte {
	buf := make([]byte, 0, 12+len(e.Key)+len(e.Payload))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Key)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, e.Key...)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], e.SequenceNo)
	buf = append(buf, seq[:]...)
	buf = append(buf, e.Payload...)
	return buf
}

func decodeEvent(b []byte) (types.ContractEvent, error) {
	var e types.ContractEvent
	if len(b) < 4 {
		return e, fmt.Errorf("ledger: truncated event record")
	}
	kl := binary.BigEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < kl+8 {
		return e, fmt.Errorf("ledger: truncated event record")
	}
	e.Key = append([]byte(nil), b[:kl]...)
	b = b[kl:]
	e.SequenceNo = binary.BigEndian.Uint64(b[:8])
	e.Payload = append([]byte(nil), b[8:]...)
	return e, nil
}

func encodeLedgerInfo(li types.LedgerInfoWithSignatures) []byte {
	buf := make([]byte, 0, 128)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], li.LedgerInfo.Epoch)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], li.LedgerInfo.Round)
	buf = append(buf, tmp[:]...)
	buf = append(buf, li.LedgerInfo.BlockID[:]...)
	buf = append(buf, li.LedgerInfo.PostTxnAccumulatorRoot[:]...)
	binary.BigEndian.PutUint64(tmp[:], li.LedgerInfo.Version)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], li.LedgerInfo.TimestampUsec)
	buf = append(buf, tmp[:]...)

	if li.LedgerInfo.NextValidatorSet != nil {
		buf = append(buf, 1)
		members := li.LedgerInfo.NextValidatorSet.Members
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(members)))
		buf = append(buf, lenBuf[:]...)
		for _, m := range members {
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(m)))
			buf = append(buf, lenBuf[:]...)
			buf = append(buf, m...)
		}
	} else {
		buf = append(buf, 0)
	}

	var sigCountBuf [4]byte
	binary.BigEndian.PutUint32(sigCountBuf[:], uint32(len(li.Signatures)))
	buf = append(buf, sigCountBuf[:]...)
	for id, sig := range li.Signatures {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(id)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, id...)
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sig)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, sig...)
	}
	return buf
}

func decodeLedgerInfo(b []byte) (types.LedgerInfoWithSignatures, error) {
	var li types.LedgerInfoWithSignatures
	if len(b) < 8+8+digest.Size+digest.Size+8+8+1 {
		return li, fmt.Errorf("ledger: truncated ledger info record")
	}
	off := 0
	li.LedgerInfo.Epoch = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	li.LedgerInfo.Round = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	copy(li.LedgerInfo.BlockID[:], b[off:off+digest.Size])
	off += digest.Size
	copy(li.LedgerInfo.PostTxnAccumulatorRoot[:], b[off:off+digest.Size])
	off += digest.Size
	li.LedgerInfo.Version = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	li.LedgerInfo.TimestampUsec = binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	hasNext := b[off]
	off++
	if hasNext == 1 {
		n := binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		vs := &types.ValidatorSet{Members: make([][]byte, 0, n)}
		for i := uint32(0); i < n; i++ {
			ml := binary.BigEndian.Uint32(b[off : off+4])
			off += 4
			vs.Members = append(vs.Members, append([]byte(nil), b[off:off+int(ml)]...))
			off += int(ml)
		}
		li.LedgerInfo.NextValidatorSet = vs
	}
	sigCount := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	li.Signatures = make(map[string][]byte, sigCount)
	for i := uint32(0); i < sigCount; i++ {
		il := binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		id := string(b[off : off+int(il)])
		off += int(il)
		sl := binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		sig := append([]byte(nil), b[off:off+int(sl)]...)
		off += int(sl)
		li.Signatures[id] = sig
	}
	return li, nil
}

// GetLatestLedgerInfo returns the most recently committed LedgerInfo.
func (s *Store) GetLatestLedgerInfo() (types.LedgerInfoWithSignatures, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := s.kv.Get(DefaultCF, latestPointerKey)
	if err != nil {
		return types.LedgerInfoWithSignatures{}, err
	}
	if raw == nil {
		return types.LedgerInfoWithSignatures{}, ErrNotFound
	}
	ptr, err := decodeLatestPointer(raw)
	if err != nil {
		return types.LedgerInfoWithSignatures{}, err
	}
	if !ptr.HasLedgerInfo {
		return types.LedgerInfoWithSignatures{}, ErrNotFound
	}
	liRaw, err := s.kv.Get(DefaultCF, ledgerInfoKey(ptr.LedgerInfoEpoch))
	if err != nil {
		return types.LedgerInfoWithSignatures{}, err
	}
	if liRaw == nil {
		return types.LedgerInfoWithSignatures{}, ErrNotFound
	}
	return decodeLedgerInfo(liRaw)
}

// GetEpochEndingLedgerInfoIter returns every epoch-ending LedgerInfo for
// epochs in [start, end), in epoch order.
func (s *Store) GetEpochEndingLedgerInfoIter(start, end uint64) ([]types.LedgerInfoWithSignatures, error) {
	if end-start > MaxQueryLimit {
		return nil, ErrTooManyRequested
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.LedgerInfoWithSignatures, 0, end-start)
	for epoch := start; epoch < end; epoch++ {
		raw, err := s.kv.Get(DefaultCF, ledgerInfoKey(epoch))
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		li, err := decodeLedgerInfo(raw)
		if err != nil {
			return nil, err
		}
		if !li.LedgerInfo.IsEpochEnding() {
			continue
		}
		out = append(out, li)
	}
	return out, nil
}

// GetTransaction returns the transaction persisted at version v.
func (s *Store) GetTransaction(v types.Version) (types.Transaction, error) {
	raw, err := s.kv.Get(TransactionCF, versionKey(v))
	if err != nil {
		return types.Transaction{}, err
	}
	if raw == nil {
		return types.Transaction{}, ErrNotFound
	}
	return decodeTransaction(raw)
}

// GetTransactionInfo returns the TransactionInfo persisted at version v.
func (s *Store) GetTransactionInfo(v types.Version) (types.TransactionInfo, error) {
	raw, err := s.kv.Get(TransactionInfoCF, versionKey(v))
	if err != nil {
		return types.TransactionInfo{}, err
	}
	if raw == nil {
		return types.TransactionInfo{}, ErrNotFound
	}
	return decodeTransactionInfo(raw)
}

// GetTransactionInfoWithProof returns the TransactionInfo at version v
// together with its inclusion proof against the transaction accumulator
// as of ledgerVersion.
func (s *Store) GetTransactionInfoWithProof(v, ledgerVersion types.Version) (types.TransactionInfo, merkle.InclusionProof, error) {
	ti, err := s.GetTransactionInfo(v)
	if err != nil {
		return types.TransactionInfo{}, merkle.InclusionProof{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ledgerVersion >= s.txnAcc.NumLeaves() {
		return types.TransactionInfo{}, merkle.InclusionProof{}, fmt.Errorf("%w: ledger_version %d", ErrNotFound, ledgerVersion)
	}
	bounded, err := s.txnAcc.Snapshot().RangeProof(v, 1, ledgerVersion+1)
	if err != nil {
		return types.TransactionInfo{}, merkle.InclusionProof{}, err
	}
	return ti, bounded.Proofs[0], nil
}

// GetEventsByVersion returns every event emitted by the transaction at
// version v, in emission order.
func (s *Store) GetEventsByVersion(v types.Version) ([]types.ContractEvent, error) {
	iter, err := s.kv.Iterator(EventCF, versionKey(v), versionKey(v+1))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []types.ContractEvent
	for ; iter.Valid(); iter.Next() {
		ev, err := decodeEvent(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, iter.Error()
}

// LookupEventsByKey returns up to limit events for eventKey starting at
// firstSeq, restricted to those emitted at or before ledgerVersion.
func (s *Store) LookupEventsByKey(eventKey []byte, firstSeq uint64, limit uint64, ledgerVersion types.Version) ([]types.ContractEvent, error) {
	if limit > MaxQueryLimit {
		return nil, ErrTooManyRequested
	}
	iter, err := s.kv.Iterator(EventByKeyCF, eventKeySeqKey(eventKey, firstSeq), nil)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []types.ContractEvent
	for ; iter.Valid() && uint64(len(out)) < limit; iter.Next() {
		logicalKey, err := kvdb.StripPrefix(EventByKeyCF, iter.Key())
		if err != nil {
			return nil, err
		}
		if len(logicalKey) < len(eventKey) || string(logicalKey[:len(eventKey)]) != string(eventKey) {
			break
		}
		posRaw := iter.Value()
		version := binary.BigEndian.Uint64(posRaw[:8])
		idx := binary.BigEndian.Uint32(posRaw[8:12])
		if version > ledgerVersion {
			continue
		}
		evRaw, err := s.kv.Get(EventCF, positionKey(version, idx))
		if err != nil {
			return nil, err
		}
		if evRaw == nil {
			return nil, ErrNotFound
		}
		ev, err := decodeEvent(evRaw)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, iter.Error()
}

// GetAccountStateWithProofByVersion returns the raw account-state blob
// for addr as of version, together with its JMT inclusion proof and the
// state root it was checked against. A nil blob with ok=false means the
// account has never been written as of version.
func (s *Store) GetAccountStateWithProofByVersion(addr types.AccountAddress, version types.Version) (blob []byte, proof jmt.Proof, stateRoot digest.Digest, ok bool, err error) {
	ti, err := s.GetTransactionInfo(version)
	if err != nil {
		return nil, jmt.Proof{}, digest.Digest{}, false, err
	}

	refRaw, err := s.kv.Get(StateRootRefCF, versionKey(version))
	if err != nil {
		return nil, jmt.Proof{}, ti.StateRoot, false, err
	}
	if refRaw == nil {
		return nil, jmt.Proof{}, ti.StateRoot, false, nil
	}
	ref, err := decodeChildRef(refRaw)
	if err != nil {
		return nil, jmt.Proof{}, ti.StateRoot, false, err
	}

	_, blob, proof, ok, err = s.jmt.GetWithProof(&ref, addr)
	return blob, proof, ti.StateRoot, ok, err
}

// GetConsistencyProof proves that the transaction accumulator at
// knownVersion is a prefix of the one at ledgerVersion.
func (s *Store) GetConsistencyProof(knownVersion, ledgerVersion types.Version) (merkle.ConsistencyProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txnAcc.ConsistencyProof(knownVersion+1, ledgerVersion+1)
}

// SaveTransactions atomically persists txns starting at firstVersion, and
// optionally carries a LedgerInfo whose PostTxnAccumulatorRoot must equal
// the accumulator root after applying txns.
//
// The precondition first_version == last_persisted_version + 1 - skip
// (skip >= 0) allows idempotent re-application of an already-persisted
// prefix: the already-applied leading `skip` transactions of txns are
// silently dropped rather than rejected.
func (s *Store) SaveTransactions(txns []types.TransactionToCommit, firstVersion types.Version, ledgerInfo *types.LedgerInfoWithSignatures) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var nextExpected types.Version
	if s.hasCommitted {
		nextExpected = s.latestVersion + 1
	}

	var skip uint64
	switch {
	case firstVersion == nextExpected:
		skip = 0
	case firstVersion < nextExpected:
		skip = nextExpected - firstVersion
	default:
		return fmt.Errorf("%w: first_version %d, expected %d", ErrNonContiguousVersion, firstVersion, nextExpected)
	}
	if skip >= uint64(len(txns)) {
		// The entire batch has already been persisted; idempotent no-op.
		return nil
	}
	txns = txns[skip:]
	effectiveFirst := firstVersion + skip

	batch := s.kv.NewBatch()
	defer batch.Close()

	txnAcc := s.txnAcc.Snapshot()
	root := s.jmtRoot
	counters := s.counters

	for i, tc := range txns {
		version := effectiveFirst + types.Version(i)

		if tc.Status.Kind != types.StatusKeep {
			counters.NumTransactions++
			continue
		}

		if err := batch.Set(TransactionCF, versionKey(version), encodeTransaction(tc.Txn)); err != nil {
			return fmt.Errorf("ledger: stage transaction %d: %w", version, err)
		}
		if err := batch.Set(TransactionByAccountCF, accountSeqKey(tc.Txn.Sender, tc.Txn.SequenceNumber), versionKey(version)); err != nil {
			return fmt.Errorf("ledger: stage transaction-by-account index %d: %w", version, err)
		}

		evAcc := merkle.New(merkle.KindEvent)
		for idx, ev := range tc.Events {
			evAcc.Append(ev.Hash())
			if err := batch.Set(EventCF, positionKey(version, uint32(idx)), encodeEvent(ev)); err != nil {
				return fmt.Errorf("ledger: stage event %d/%d: %w", version, idx, err)
			}
			if err := batch.Set(EventByKeyCF, eventKeySeqKey(ev.Key, ev.SequenceNo), positionKey(version, uint32(idx))); err != nil {
				return fmt.Errorf("ledger: stage event-by-key index %d/%d: %w", version, idx, err)
			}
			if err := batch.Set(EventAccumulatorPositionsCF, positionKey(version, uint32(idx)), ev.Hash().Bytes()); err != nil {
				return fmt.Errorf("ledger: stage event accumulator position %d/%d: %w", version, idx, err)
			}
		}
		eventRoot := evAcc.RootHash()
		counters.NumEvents += uint64(len(tc.Events))

		accountWrites, createdCount, err := applyWriteSet(s.jmt, root, tc.WriteSet)
		if err != nil {
			return fmt.Errorf("ledger: resolve write set at %d: %w", version, err)
		}
		stateRoot, newRoot, err := s.jmt.PutValueSets(batch, version, root, accountWrites)
		if err != nil {
			return fmt.Errorf("ledger: apply write set at %d: %w", version, err)
		}
		root = newRoot
		counters.NumAccountsCreated += createdCount
		if root != nil {
			if err := batch.Set(StateRootRefCF, versionKey(version), encodeChildRef(*root)); err != nil {
				return fmt.Errorf("ledger: stage state root ref %d: %w", version, err)
			}
		}

		ti := types.TransactionInfo{
			TxnHash:     tc.Txn.Hash(),
			StateRoot:   stateRoot,
			EventRoot:   eventRoot,
			GasUsed:     tc.GasUsed,
			MajorStatus: tc.Status.Status,
		}
		if err := batch.Set(TransactionInfoCF, versionKey(version), encodeTransactionInfo(ti)); err != nil {
			return fmt.Errorf("ledger: stage transaction info %d: %w", version, err)
		}

		leaf := ti.Hash()
		txnAcc.Append(leaf)
		if err := batch.Set(TransactionAccumulatorPositionsCF, versionKey(version), leaf.Bytes()); err != nil {
			return fmt.Errorf("ledger: stage transaction accumulator position %d: %w", version, err)
		}
		counters.NumTransactions++
	}

	newRootHash := txnAcc.RootHash()
	ptr := latestPointer{
		HasCommitted: true,
		Version:      effectiveFirst + types.Version(len(txns)) - 1,
	}
	if root != nil {
		ptr.HasJMTRoot = true
		ptr.JMTRoot = *root
	}

	if ledgerInfo != nil {
		if ledgerInfo.LedgerInfo.PostTxnAccumulatorRoot != newRootHash {
			return fmt.Errorf("%w: got %s, computed %s", ErrRootHashMismatch, ledgerInfo.LedgerInfo.PostTxnAccumulatorRoot, newRootHash)
		}
		if err := batch.Set(DefaultCF, ledgerInfoKey(ledgerInfo.LedgerInfo.Epoch), encodeLedgerInfo(*ledgerInfo)); err != nil {
			return fmt.Errorf("ledger: stage ledger info: %w", err)
		}
		if ledgerInfo.LedgerInfo.IsEpochEnding() {
			if err := batch.Set(EpochByVersionCF, epochByVersionKey(ledgerInfo.LedgerInfo.Version), ledgerInfoKey(ledgerInfo.LedgerInfo.Epoch+1)); err != nil {
				return fmt.Errorf("ledger: stage epoch boundary: %w", err)
			}
		}
		ptr.HasLedgerInfo = true
		ptr.LedgerInfoEpoch = ledgerInfo.LedgerInfo.Epoch
	}

	if err := batch.Set(DefaultCF, latestPointerKey, encodeLatestPointer(ptr)); err != nil {
		return fmt.Errorf("ledger: stage latest pointer: %w", err)
	}
	if err := batch.Set(LedgerCountersCF, countersKey, encodeCounters(counters)); err != nil {
		return fmt.Errorf("ledger: stage counters: %w", err)
	}

	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("ledger: commit batch: %w", err)
	}

	s.hasCommitted = true
	s.latestVersion = ptr.Version
	s.txnAcc = txnAcc
	s.jmtRoot = root
	s.counters = counters
	return nil
}

// applyWriteSet resolves a transaction's WriteSet against the account
// states visible at root, returning the full post-write blob for every
// touched account (the JMT stores whole account blobs, not diffs) and the
// number of those accounts that did not already exist under root.
func applyWriteSet(tree *jmt.Tree, root *jmt.ChildRef, ws types.WriteSet) (map[types.AccountAddress][]byte, uint64, error) {
	touched := make(map[types.AccountAddress]types.AccountState)
	order := make([]types.AccountAddress, 0)
	created := uint64(0)

	loaded := make(map[types.AccountAddress]bool)
	for _, entry := range ws {
		addr := entry.AccessPath.Address
		if !loaded[addr] {
			_, blob, _, ok, err := tree.GetWithProof(root, addr)
			if err != nil {
				return nil, 0, err
			}
			var state types.AccountState
			if ok {
				state, err = types.AccountStateFromBlob(blob)
				if err != nil {
					return nil, 0, err
				}
			} else {
				created++
			}
			touched[addr] = state
			order = append(order, addr)
			loaded[addr] = true
		}

		state := touched[addr]
		switch entry.Op.Kind {
		case types.WriteOpValue:
			state = state.Put(entry.AccessPath.Path, entry.Op.Value)
		case types.WriteOpDeletion:
			state = state.Delete(entry.AccessPath.Path)
		}
		touched[addr] = state
	}

	out := make(map[types.AccountAddress][]byte, len(touched))
	for _, addr := range order {
		out[addr] = touched[addr].Blob()
	}
	return out, created, nil
}

// PruneUpTo deletes the per-version content rows (transaction payloads,
// transaction infos, events, account-state root pointers) for at most
// maxVersions versions at or after the store's prune cursor and below
// upTo, advancing the cursor so a later pass resumes where this one
// stopped. It never
// touches the transaction accumulator's own leaf hashes (positions in
// TransactionAccumulatorPositionsCF): those are structural, required to
// rebuild and re-serve proofs over the accumulator for any version ever
// committed, pruned content or not. It reports whether any version below
// upTo remains unpruned.
func (s *Store) PruneUpTo(upTo types.Version, maxVersions int) (pruned int, more bool, err error) {
	s.mu.Lock()
	cursor := s.pruneCursor
	s.mu.Unlock()

	if cursor >= upTo {
		return 0, false, nil
	}
	end := cursor + types.Version(maxVersions)
	if end > upTo {
		end = upTo
	}

	batch := s.kv.NewBatch()
	defer batch.Close()
	for v := cursor; v < end; v++ {
		if err := batch.Delete(TransactionCF, versionKey(v)); err != nil {
			return 0, false, fmt.Errorf("ledger: stage transaction delete: %w", err)
		}
		if err := batch.Delete(TransactionInfoCF, versionKey(v)); err != nil {
			return 0, false, fmt.Errorf("ledger: stage transaction info delete: %w", err)
		}
		if err := batch.Delete(StateRootRefCF, versionKey(v)); err != nil {
			return 0, false, fmt.Errorf("ledger: stage state root ref delete: %w", err)
		}
		if err := s.deleteVersionRange(batch, EventCF, v); err != nil {
			return 0, false, err
		}
		if err := s.deleteVersionRange(batch, EventAccumulatorPositionsCF, v); err != nil {
			return 0, false, err
		}
		pruned++
	}

	var cursorRaw [8]byte
	binary.BigEndian.PutUint64(cursorRaw[:], end)
	if err := batch.Set(DefaultCF, pruneCursorKey, cursorRaw[:]); err != nil {
		return 0, false, fmt.Errorf("ledger: stage prune cursor: %w", err)
	}
	if err := batch.WriteSync(); err != nil {
		return 0, false, fmt.Errorf("ledger: commit prune batch: %w", err)
	}

	s.mu.Lock()
	s.pruneCursor = end
	s.mu.Unlock()

	return pruned, end < upTo, nil
}

// deleteVersionRange stages deletion of every row keyed by (version, idx)
// in cf for the given version.
func (s *Store) deleteVersionRange(batch *kvdb.Batch, cf kvdb.ColumnFamily, version types.Version) error {
	iter, err := s.kv.Iterator(cf, versionKey(version), versionKey(version+1))
	if err != nil {
		return fmt.Errorf("ledger: prune iterator over %s: %w", cf, err)
	}
	defer iter.Close()

	var keys [][]byte
	for ; iter.Valid(); iter.Next() {
		logicalKey, err := kvdb.StripPrefix(cf, iter.Key())
		if err != nil {
			return err
		}
		keys = append(keys, append([]byte(nil), logicalKey...))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	for _, k := range keys {
		if err := batch.Delete(cf, k); err != nil {
			return fmt.Errorf("ledger: stage delete from %s: %w", cf, err)
		}
	}
	return nil
}
