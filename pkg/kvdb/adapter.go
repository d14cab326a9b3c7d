// Copyright 2025 Certen Protocol
//
// Package kvdb adapts CometBFT's dbm.DB into the column-family-shaped
// storage engine the ledger store needs: cometbft-db exposes a single
// flat key namespace, so a ColumnFamily here is just a byte-prefix over
// that namespace, with atomic multi-family writes via dbm.Batch.

package kvdb

import (
	"bytes"
	"errors"
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
)

// ColumnFamily names a logical keyspace multiplexed over the single
// underlying KV namespace, mirroring the column families the ledger
// store keeps separate.
type ColumnFamily string

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("kvdb: database is closed")

const keySeparator = 0x00

// cfKey builds the physical key for (cf, key): the column family name,
// a single separator byte, then the logical key.
func cfKey(cf ColumnFamily, key []byte) []byte {
	out := make([]byte, 0, len(cf)+1+len(key))
	out = append(out, []byte(cf)...)
	out = append(out, keySeparator)
	out = append(out, key...)
	return out
}

// cfUpperBound returns the smallest physical key that is NOT prefixed by
// cf, used as the exclusive end bound of a column-family-scoped iterator.
func cfUpperBound(cf ColumnFamily) []byte {
	prefix := append([]byte(cf), keySeparator)
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	// prefix was all 0xff bytes; there is no finite upper bound, scan to
	// the end of the keyspace.
	return nil
}

// Backend names a cometbft-db engine, passed straight through to
// dbm.NewDB.
type Backend = dbm.BackendType

const (
	GoLevelDBBackend Backend = dbm.GoLevelDBBackend
	MemDBBackend     Backend = dbm.MemDBBackend
)

// Open creates or opens a cometbft-db database of the given backend at
// dir/name.db.
func Open(name string, backend Backend, dir string) (dbm.DB, error) {
	db, err := dbm.NewDB(name, backend, dir)
	if err != nil {
		return nil, fmt.Errorf("kvdb: open %s (%s): %w", name, backend, err)
	}
	return db, nil
}

// Store is the column-family-scoped KV engine wrapping a cometbft-db
// dbm.DB.
type Store struct {
	db     dbm.DB
	closed bool
}

// NewStore wraps an already-opened dbm.DB.
func NewStore(db dbm.DB) *Store {
	return &Store{db: db}
}

// Get returns the value at (cf, key), or (nil, nil) if absent.
func (s *Store) Get(cf ColumnFamily, key []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrClosed
	}
	return s.db.Get(cfKey(cf, key))
}

// Has reports whether (cf, key) is present.
func (s *Store) Has(cf ColumnFamily, key []byte) (bool, error) {
	if s.closed {
		return false, ErrClosed
	}
	return s.db.Has(cfKey(cf, key))
}

// Set durably writes (cf, key) -> value outside of a batch.
func (s *Store) Set(cf ColumnFamily, key, value []byte) error {
	if s.closed {
		return ErrClosed
	}
	return s.db.SetSync(cfKey(cf, key), value)
}

// Delete durably removes (cf, key) outside of a batch.
func (s *Store) Delete(cf ColumnFamily, key []byte) error {
	if s.closed {
		return ErrClosed
	}
	return s.db.DeleteSync(cfKey(cf, key))
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Iterator scans [start, end) within a single column family, in key
// order. A nil end scans to the end of the family.
func (s *Store) Iterator(cf ColumnFamily, start, end []byte) (dbm.Iterator, error) {
	if s.closed {
		return nil, ErrClosed
	}
	lo := cfKey(cf, start)
	var hi []byte
	if end != nil {
		hi = cfKey(cf, end)
	} else {
		hi = cfUpperBound(cf)
	}
	return s.db.Iterator(lo, hi)
}

// ReverseIterator scans [start, end) within a single column family in
// reverse key order.
func (s *Store) ReverseIterator(cf ColumnFamily, start, end []byte) (dbm.Iterator, error) {
	if s.closed {
		return nil, ErrClosed
	}
	lo := cfKey(cf, start)
	var hi []byte
	if end != nil {
		hi = cfKey(cf, end)
	} else {
		hi = cfUpperBound(cf)
	}
	return s.db.ReverseIterator(lo, hi)
}

// StripPrefix removes the (cf, separator) prefix from a physical key
// returned by an Iterator, recovering the logical key.
func StripPrefix(cf ColumnFamily, physicalKey []byte) ([]byte, error) {
	prefix := append([]byte(cf), keySeparator)
	if !bytes.HasPrefix(physicalKey, prefix) {
		return nil, fmt.Errorf("kvdb: key does not belong to column family %q", cf)
	}
	return physicalKey[len(prefix):], nil
}

// Batch accumulates writes across one or more column families for
// atomic commit, the shape the executor needs to persist a whole
// version (ledger info, transactions, state, accumulators) in one
// durable write.
type Batch struct {
	batch dbm.Batch
}

// NewBatch returns an empty Batch bound to this store.
func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

// Set stages a (cf, key) -> value write.
func (b *Batch) Set(cf ColumnFamily, key, value []byte) error {
	return b.batch.Set(cfKey(cf, key), value)
}

// Delete stages a (cf, key) removal.
func (b *Batch) Delete(cf ColumnFamily, key []byte) error {
	return b.batch.Delete(cfKey(cf, key))
}

// WriteSync commits every staged write durably and atomically, then
// releases the batch's resources.
func (b *Batch) WriteSync() error {
	defer b.batch.Close()
	return b.batch.WriteSync()
}

// Close releases the batch's resources without committing its writes.
func (b *Batch) Close() error {
	return b.batch.Close()
}
