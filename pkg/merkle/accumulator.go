// Copyright 2025 Certen Protocol
//
// Package merkle implements the fixed-binary, append-only Merkle
// accumulator shared by the transaction and event ledgers. An
// accumulator holds only a logarithmic number of
// "frozen subtree" digests plus a leaf count; its root is defined as the
// hash of the conceptual tree obtained by padding the leaves with
// placeholder leaves out to the next power of two.

package merkle

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/certen/ledgerchain/pkg/digest"
)

// Kind domain-separates the internal-node hash so that a transaction
// accumulator and an event accumulator never produce colliding roots even
// over identical leaf hashes.
type Kind uint8

const (
	// KindTransaction hashes the transaction accumulator's internal nodes.
	KindTransaction Kind = iota
	// KindEvent hashes a per-transaction event accumulator's internal nodes.
	KindEvent
)

func (k Kind) domainTag() byte {
	switch k {
	case KindTransaction:
		return 0x01
	case KindEvent:
		return 0x02
	default:
		return 0xff
	}
}

var (
	// ErrIndexOutOfRange is returned when a leaf index or range falls
	// outside the bounds of the accumulator it is checked against.
	ErrIndexOutOfRange = errors.New("merkle: index out of range")
	// ErrInvalidProof is returned by a Verify* function when a proof does
	// not recompute to the expected root.
	ErrInvalidProof = errors.New("merkle: proof does not verify")
)

// frozenSubtree is one entry of the frozen-subtree representation: a
// perfect subtree of Size leaves (always a power of two) and its root.
type frozenSubtree struct {
	size uint64
	hash digest.Digest
}

// Accumulator is an append-only Merkle accumulator over leaf digests.
// Append is pure in spirit (it returns a new logical state) but, for
// idiomatic Go use under a single owner, mutates the receiver; callers
// needing the pre-append snapshot should clone via Snapshot first.
type Accumulator struct {
	kind   Kind
	frozen []frozenSubtree
	leaves []digest.Digest // retained so this package can also serve
	// the on-disk accumulator's proof surface without a second leaf
	// store; pkg/ledger persists these under the per-version position
	// keys the ledger store indexes transactions by. This slice is the
	// in-memory working copy used while a block is being assembled.

	placeholders   []digest.Digest // memoized placeholder subtree root per level
	placeholdersMu sync.Mutex
}

// New returns an empty accumulator of the given kind.
func New(kind Kind) *Accumulator {
	return &Accumulator{kind: kind}
}

// NumLeaves returns the number of leaves appended so far.
func (a *Accumulator) NumLeaves() uint64 { return uint64(len(a.leaves)) }

// Snapshot returns an independent copy of the accumulator's current state.
func (a *Accumulator) Snapshot() *Accumulator {
	out := &Accumulator{kind: a.kind}
	out.frozen = append(out.frozen, a.frozen...)
	out.leaves = append(out.leaves, a.leaves...)
	return out
}

func (a *Accumulator) internalHash(left, right digest.Digest) digest.Digest {
	buf := make([]byte, 0, 1+2*digest.Size)
	buf = append(buf, a.kind.domainTag())
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return digest.Sum(buf)
}

// placeholderAtLevel returns the root of a perfect subtree of 2^level
// placeholder leaves, memoized per accumulator instance.
func (a *Accumulator) placeholderAtLevel(level int) digest.Digest {
	a.placeholdersMu.Lock()
	defer a.placeholdersMu.Unlock()
	for len(a.placeholders) <= level {
		if len(a.placeholders) == 0 {
			a.placeholders = append(a.placeholders, digest.Placeholder)
			continue
		}
		prev := a.placeholders[len(a.placeholders)-1]
		a.placeholders = append(a.placeholders, a.internalHash(prev, prev))
	}
	return a.placeholders[level]
}

// Append adds new leaf hashes to the accumulator, one at a time, merging
// equal-sized frozen subtrees the way a binary counter carries (the
// standard append-only accumulator construction).
func (a *Accumulator) Append(newLeaves ...digest.Digest) {
	for _, leaf := range newLeaves {
		a.leaves = append(a.leaves, leaf)
		node := frozenSubtree{size: 1, hash: leaf}
		for len(a.frozen) > 0 && a.frozen[len(a.frozen)-1].size == node.size {
			top := a.frozen[len(a.frozen)-1]
			a.frozen = a.frozen[:len(a.frozen)-1]
			node = frozenSubtree{size: node.size * 2, hash: a.internalHash(top.hash, node.hash)}
		}
		a.frozen = append(a.frozen, node)
	}
}

// topLevel returns the depth of the conceptual padded tree for n leaves:
// the smallest L such that 2^L >= n (0 for n <= 1).
func topLevel(n uint64) int {
	if n <= 1 {
		return 0
	}
	return bits.Len64(n - 1)
}

// RootHash returns the accumulator's root: the Merkle hash of the tree
// obtained by padding the leaves to the next power of two with
// placeholder leaves.
func (a *Accumulator) RootHash() digest.Digest {
	n := a.NumLeaves()
	if n == 0 {
		return digest.Placeholder
	}
	idx := 0
	var build func(level int) digest.Digest
	build = func(level int) digest.Digest {
		cap := uint64(1) << uint(level)
		if idx >= len(a.frozen) {
			return a.placeholderAtLevel(level)
		}
		if a.frozen[idx].size == cap {
			h := a.frozen[idx].hash
			idx++
			return h
		}
		if level == 0 {
			return a.placeholderAtLevel(0)
		}
		left := build(level - 1)
		right := build(level - 1)
		return a.internalHash(left, right)
	}
	return build(topLevel(n))
}

// Sibling is one step of an inclusion or range proof path, ordered from
// the leaf upward to the root.
type Sibling struct {
	Hash     digest.Digest
	OnRight bool // true if the sibling sits to the right of the path node
}

// InclusionProof proves that a single leaf is present at a given index of
// an accumulator with a known leaf count.
type InclusionProof struct {
	LeafIndex uint64
	NumLeaves uint64
	Siblings  []Sibling
}

// leafOrPlaceholder returns the leaf at globalIndex, or a placeholder
// leaf if globalIndex falls beyond the leaves actually appended.
func (a *Accumulator) leafOrPlaceholder(globalIndex uint64) digest.Digest {
	if globalIndex < uint64(len(a.leaves)) {
		return a.leaves[globalIndex]
	}
	return a.placeholderAtLevel(0)
}

// buildWithPath recomputes the padded tree's root by descending all the
// way to individual leaves (frozen subtrees are opaque below their own
// root, so they cannot serve a sibling path) and records, on the way
// back up, the sibling seen at each level along the path to leafIndex.
// Appends happen bottom-up as recursive calls return, so path ends up
// ordered leaf-to-root, the order VerifyInclusion expects.
func (a *Accumulator) buildWithPath(level int, leafIndex uint64, path *[]Sibling) digest.Digest {
	var rec func(level int, lo uint64) digest.Digest
	rec = func(level int, lo uint64) digest.Digest {
		if level == 0 {
			return a.leafOrPlaceholder(lo)
		}
		cap := uint64(1) << uint(level)
		mid := lo + cap/2
		left := rec(level-1, lo)
		right := rec(level-1, mid)
		if leafIndex < mid {
			*path = append(*path, Sibling{Hash: right, OnRight: true})
		} else {
			*path = append(*path, Sibling{Hash: left, OnRight: false})
		}
		return a.internalHash(left, right)
	}
	return rec(level, 0)
}

// Proof returns an InclusionProof for the leaf at index.
func (a *Accumulator) Proof(index uint64) (InclusionProof, error) {
	n := a.NumLeaves()
	if index >= n {
		return InclusionProof{}, fmt.Errorf("%w: index %d, num_leaves %d", ErrIndexOutOfRange, index, n)
	}
	var path []Sibling
	a.buildWithPath(topLevel(n), index, &path)
	return InclusionProof{LeafIndex: index, NumLeaves: n, Siblings: path}, nil
}

// VerifyInclusion checks that leaf, combined with proof's sibling path,
// recomputes to root under the given Kind's domain separation.
func VerifyInclusion(kind Kind, leaf digest.Digest, proof InclusionProof, root digest.Digest) error {
	scratch := &Accumulator{kind: kind}
	current := leaf
	for _, s := range proof.Siblings {
		if s.OnRight {
			current = scratch.internalHash(current, s.Hash)
		} else {
			current = scratch.internalHash(s.Hash, current)
		}
	}
	if current != root {
		return ErrInvalidProof
	}
	return nil
}

// rebuildPrefix returns a fresh accumulator over the first n of a's
// recorded leaves, used to serve consistency and range proofs.
func (a *Accumulator) rebuildPrefix(n uint64) (*Accumulator, error) {
	if n > a.NumLeaves() {
		return nil, fmt.Errorf("%w: prefix %d exceeds num_leaves %d", ErrIndexOutOfRange, n, a.NumLeaves())
	}
	out := New(a.kind)
	out.Append(a.leaves[:n]...)
	return out, nil
}

// ConsistencyProof proves that the accumulator at version `from` is a
// prefix of the accumulator at version `to`: it is exactly the ordered
// frozen-subtree roots of the `from`-sized accumulator, each of which
// must also appear as a subtree root when the `to`-sized tree is
// rebuilt.
type ConsistencyProof struct {
	From          uint64
	To            uint64
	SubtreeRoots  []digest.Digest
}

// ConsistencyProof builds a ConsistencyProof between two versions already
// observed by this accumulator (0 <= from <= to <= NumLeaves()).
func (a *Accumulator) ConsistencyProof(from, to uint64) (ConsistencyProof, error) {
	if to > a.NumLeaves() {
		return ConsistencyProof{}, fmt.Errorf("%w: to %d exceeds num_leaves %d", ErrIndexOutOfRange, to, a.NumLeaves())
	}
	if from > to {
		return ConsistencyProof{}, fmt.Errorf("%w: from %d exceeds to %d", ErrIndexOutOfRange, from, to)
	}
	fromAcc, err := a.rebuildPrefix(from)
	if err != nil {
		return ConsistencyProof{}, err
	}
	roots := make([]digest.Digest, len(fromAcc.frozen))
	for i, s := range fromAcc.frozen {
		roots[i] = s.hash
	}
	return ConsistencyProof{From: from, To: to, SubtreeRoots: roots}, nil
}

// VerifyConsistency checks a ConsistencyProof against an independently
// rebuilt accumulator for version `to` (e.g. the ledger store's own
// replay), confirming every subtree root named by the proof recurs when
// the `to`-sized tree is decomposed.
func VerifyConsistency(kind Kind, proof ConsistencyProof, toAccumulator *Accumulator) error {
	if toAccumulator.NumLeaves() != proof.To {
		return fmt.Errorf("%w: to-accumulator has %d leaves, proof names %d", ErrInvalidProof, toAccumulator.NumLeaves(), proof.To)
	}
	toRoots := make(map[digest.Digest]struct{}, len(toAccumulator.frozen))
	for _, s := range toAccumulator.frozen {
		toRoots[s.hash] = struct{}{}
	}
	for _, want := range proof.SubtreeRoots {
		if _, ok := toRoots[want]; !ok {
			return ErrInvalidProof
		}
	}
	return nil
}

// RangeProof proves inclusion of a contiguous run of leaves
// [first, first+count) within an accumulator whose size is capped to
// upperBound — the shape the on-disk chunk-sync verifier needs when
// checking a batch of transactions against a ledger info committed at a
// later version.
type RangeProof struct {
	First  uint64
	Count  uint64
	Proofs []InclusionProof
}

// RangeProof returns per-leaf inclusion proofs for
// [first, first+count) evaluated against the accumulator truncated to
// its first upperBound leaves.
func (a *Accumulator) RangeProof(first, count, upperBound uint64) (RangeProof, error) {
	if upperBound > a.NumLeaves() {
		return RangeProof{}, fmt.Errorf("%w: upper_bound %d exceeds num_leaves %d", ErrIndexOutOfRange, upperBound, a.NumLeaves())
	}
	if first+count > upperBound {
		return RangeProof{}, fmt.Errorf("%w: range [%d,%d) exceeds upper_bound %d", ErrIndexOutOfRange, first, first+count, upperBound)
	}
	bounded, err := a.rebuildPrefix(upperBound)
	if err != nil {
		return RangeProof{}, err
	}
	proofs := make([]InclusionProof, 0, count)
	for i := first; i < first+count; i++ {
		p, err := bounded.Proof(i)
		if err != nil {
			return RangeProof{}, err
		}
		proofs = append(proofs, p)
	}
	return RangeProof{First: first, Count: count, Proofs: proofs}, nil
}
