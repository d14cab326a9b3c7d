// Copyright 2025 Certen Protocol
//
// Package jmt implements a persistent, versioned Jellyfish Merkle Tree: a
// 16-ary radix trie over account-key nibbles, copy-on-write across
// versions, with a stale-node index keyed by the version that made a
// node obsolete so the pruner (pkg/pruner) can later reclaim it.
//
// This implementation does not compress single-child internal node
// chains into extension nodes (DESIGN.md records this simplification):
// every nibble of divergence gets its own internal node, trading some
// extra nodes per insert for a much simpler, still-correct tree.

package jmt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/certen/ledgerchain/pkg/digest"
	"github.com/certen/ledgerchain/pkg/kvdb"
	"github.com/certen/ledgerchain/pkg/types"
)

// Column families this package owns within the ledger store's KV engine.
const (
	NodeCF           kvdb.ColumnFamily = "jmt_node"
	StaleNodeIndexCF kvdb.ColumnFamily = "jmt_stale_node_index"
)

// ErrMissingNode is returned when a node referenced by a ChildRef cannot
// be found in the store; this indicates corruption or premature pruning.
var ErrMissingNode = errors.New("jmt: missing node")

// ErrKeyCollision is returned on the practically-impossible event of two
// distinct account keys sharing all 64 nibbles.
var ErrKeyCollision = errors.New("jmt: account key collision at max depth")

const nibbleDepth = 2 * digest.Size // 64 nibbles in a 32-byte key

func nibblesOf(key digest.Digest) []byte {
	nibbles := make([]byte, nibbleDepth)
	for i, b := range key {
		nibbles[2*i] = b >> 4
		nibbles[2*i+1] = b & 0x0f
	}
	return nibbles
}

// NodeKey identifies a node by the version that created it and its
// nibble path from the root.
type NodeKey struct {
	Version types.Version
	Path    []byte
}

// Encode returns the physical key bytes for this NodeKey.
func (k NodeKey) Encode() []byte {
	buf := make([]byte, 8+1+len(k.Path))
	binary.BigEndian.PutUint64(buf[:8], k.Version)
	buf[8] = byte(len(k.Path))
	copy(buf[9:], k.Path)
	return buf
}

// ChildRef is what a parent internal node (or the tree's root pointer)
// stores about a child: where to find it and its hash.
type ChildRef struct {
	Version types.Version
	Hash    digest.Digest
	Leaf    bool
}

type leafNode struct {
	AccountKey digest.Digest
	ValueHash  digest.Digest
	Value      []byte
}

type internalNode struct {
	Children [16]*ChildRef
}

const (
	nodeKindLeaf     byte = 1
	nodeKindInternal byte = 2
)

func encodeLeaf(n leafNode) []byte {
	buf := make([]byte, 0, 1+2*digest.Size+4+len(n.Value))
	buf = append(buf, nodeKindLeaf)
	buf = append(buf, n.AccountKey[:]...)
	buf = append(buf, n.ValueHash[:]...)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(n.Value)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, n.Value...)
	return buf
}

func encodeInternal(n internalNode) []byte {
	buf := make([]byte, 1+16*(1+8+digest.Size))
	buf[0] = nodeKindInternal
	off := 1
	for _, c := range n.Children {
		if c == nil {
			buf[off] = 0
			off += 1 + 8 + digest.Size
			continue
		}
		buf[off] = 1
		binary.BigEndian.PutUint64(buf[off+1:off+9], c.Version)
		copy(buf[off+9:off+9+digest.Size], c.Hash[:])
		if c.Leaf {
			buf[off] = 2
		}
		off += 1 + 8 + digest.Size
	}
	return buf
}

func decodeNode(raw []byte) (interface{}, error) {
	if len(raw) == 0 {
		return nil, ErrMissingNode
	}
	switch raw[0] {
	case nodeKindLeaf:
		var n leafNode
		copy(n.AccountKey[:], raw[1:1+digest.Size])
		copy(n.ValueHash[:], raw[1+digest.Size:1+2*digest.Size])
		off := 1 + 2*digest.Size
		vl := binary.BigEndian.Uint32(raw[off : off+4])
		n.Value = append([]byte(nil), raw[off+4:off+4+int(vl)]...)
		return n, nil
	case nodeKindInternal:
		var n internalNode
		off := 1
		for i := range n.Children {
			tag := raw[off]
			if tag != 0 {
				var c ChildRef
				c.Version = binary.BigEndian.Uint64(raw[off+1 : off+9])
				copy(c.Hash[:], raw[off+9:off+9+digest.Size])
				c.Leaf = tag == 2
				n.Children[i] = &c
			}
			off += 1 + 8 + digest.Size
		}
		return n, nil
	default:
		return nil, fmt.Errorf("jmt: unknown node kind %d", raw[0])
	}
}

func hashLeaf(n leafNode) digest.Digest {
	buf := make([]byte, 1+2*digest.Size)
	buf[0] = 0x11
	copy(buf[1:], n.AccountKey[:])
	copy(buf[1+digest.Size:], n.ValueHash[:])
	return digest.Sum(buf)
}

func hashInternal(n internalNode) digest.Digest {
	buf := make([]byte, 1+16*digest.Size)
	buf[0] = 0x12
	for i, c := range n.Children {
		off := 1 + i*digest.Size
		if c == nil {
			copy(buf[off:off+digest.Size], digest.Placeholder[:])
		} else {
			copy(buf[off:off+digest.Size], c.Hash[:])
		}
	}
	return digest.Sum(buf)
}

// Tree is a persistent JMT backed by a kvdb.Store.
type Tree struct {
	store *kvdb.Store
}

// New wraps store as a Tree.
func New(store *kvdb.Store) *Tree {
	return &Tree{store: store}
}

type insertCtx struct {
	tree     *Tree
	version  types.Version
	pending  map[string][]byte
	staleOld map[string]struct{}
}

func (c *insertCtx) readNode(key NodeKey) (interface{}, error) {
	k := string(key.Encode())
	if raw, ok := c.pending[k]; ok {
		return decodeNode(raw)
	}
	raw, err := c.tree.store.Get(NodeCF, key.Encode())
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrMissingNode
	}
	return decodeNode(raw)
}

func (c *insertCtx) markStale(key NodeKey) {
	// A node written earlier in this same call is overwritten in place
	// under the same key, so it is not retired and stays live.
	if key.Version == c.version {
		return
	}
	c.staleOld[string(key.Encode())] = struct{}{}
}

func (c *insertCtx) writeLeaf(path []byte, n leafNode) ChildRef {
	key := NodeKey{Version: c.version, Path: append([]byte(nil), path...)}
	c.pending[string(key.Encode())] = encodeLeaf(n)
	return ChildRef{Version: c.version, Hash: hashLeaf(n), Leaf: true}
}

func (c *insertCtx) writeInternal(path []byte, n internalNode) ChildRef {
	key := NodeKey{Version: c.version, Path: append([]byte(nil), path...)}
	c.pending[string(key.Encode())] = encodeInternal(n)
	return ChildRef{Version: c.version, Hash: hashInternal(n), Leaf: false}
}

// split pushes two diverging leaves (the existing one and the one being
// inserted) down until their nibble paths diverge, materializing one
// internal node per level of agreement.
func (c *insertCtx) split(path []byte, oldLeaf leafNode, newNibbles []byte, newKey, newVal digest.Digest, newValue []byte, depth int) (ChildRef, error) {
	if depth >= nibbleDepth {
		return ChildRef{}, ErrKeyCollision
	}
	oldNibbles := nibblesOf(oldLeaf.AccountKey)
	if oldNibbles[depth] != newNibbles[depth] {
		var internal internalNode
		oldRef := c.writeLeaf(append(append([]byte(nil), path...), oldNibbles[depth]), oldLeaf)
		newRef := c.writeLeaf(append(append([]byte(nil), path...), newNibbles[depth]), leafNode{AccountKey: newKey, ValueHash: newVal, Value: newValue})
		internal.Children[oldNibbles[depth]] = &oldRef
		internal.Children[newNibbles[depth]] = &newRef
		return c.writeInternal(path, internal), nil
	}
	childPath := append(append([]byte(nil), path...), oldNibbles[depth])
	childRef, err := c.split(childPath, oldLeaf, newNibbles, newKey, newVal, newValue, depth+1)
	if err != nil {
		return ChildRef{}, err
	}
	var internal internalNode
	internal.Children[oldNibbles[depth]] = &childRef
	return c.writeInternal(path, internal), nil
}

func (c *insertCtx) insert(existing *ChildRef, path []byte, accountNibbles []byte, accountKey, valueHash digest.Digest, value []byte) (ChildRef, error) {
	if existing == nil {
		return c.writeLeaf(path, leafNode{AccountKey: accountKey, ValueHash: valueHash, Value: value}), nil
	}
	oldKey := NodeKey{Version: existing.Version, Path: path}
	node, err := c.readNode(oldKey)
	if err != nil {
		return ChildRef{}, err
	}
	if existing.Leaf {
		oldLeaf := node.(leafNode)
		c.markStale(oldKey)
		if oldLeaf.AccountKey == accountKey {
			return c.writeLeaf(path, leafNode{AccountKey: accountKey, ValueHash: valueHash, Value: value}), nil
		}
		return c.split(path, oldLeaf, accountNibbles, accountKey, valueHash, value, len(path))
	}
	oldInternal := node.(internalNode)
	c.markStale(oldKey)
	depth := len(path)
	idx := accountNibbles[depth]
	childPath := append(append([]byte(nil), path...), idx)
	newChildRef, err := c.insert(oldInternal.Children[idx], childPath, accountNibbles, accountKey, valueHash, value)
	if err != nil {
		return ChildRef{}, err
	}
	newInternal := oldInternal
	newInternal.Children[idx] = &newChildRef
	return c.writeInternal(path, newInternal), nil
}

// staleIndexKey builds the StaleNodeIndexCF key under which an obsolete
// node's encoded NodeKey is recorded, indexed by the version that
// retired it.
func staleIndexKey(retiredAtVersion types.Version, oldNodeKey []byte) []byte {
	buf := make([]byte, 8+len(oldNodeKey))
	binary.BigEndian.PutUint64(buf[:8], retiredAtVersion)
	copy(buf[8:], oldNodeKey)
	return buf
}

// PutValueSets inserts a batch of account value writes at version,
// starting from baseRoot (nil for an empty tree), staging every new or
// superseded node into batch. It returns the new root hash and the
// ChildRef callers should retain to address this version's root
// thereafter.
func (t *Tree) PutValueSets(batch *kvdb.Batch, version types.Version, baseRoot *ChildRef, writes map[types.AccountAddress][]byte) (digest.Digest, *ChildRef, error) {
	ctx := &insertCtx{
		tree:     t,
		version:  version,
		pending:  make(map[string][]byte),
		staleOld: make(map[string]struct{}),
	}

	addrs := make([]types.AccountAddress, 0, len(writes))
	for addr := range writes {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool {
		return string(addrs[i][:]) < string(addrs[j][:])
	})

	root := baseRoot
	for _, addr := range addrs {
		blob := writes[addr]
		accountKey := addr.Hash()
		valueHash := digest.Sum(blob)
		nibbles := nibblesOf(accountKey)
		newRoot, err := ctx.insert(root, nil, nibbles, accountKey, valueHash, blob)
		if err != nil {
			return digest.Digest{}, nil, err
		}
		root = &newRoot
	}

	for k, raw := range ctx.pending {
		if err := batch.Set(NodeCF, []byte(k), raw); err != nil {
			return digest.Digest{}, nil, fmt.Errorf("jmt: stage node write: %w", err)
		}
	}
	for k := range ctx.staleOld {
		if err := batch.Set(StaleNodeIndexCF, staleIndexKey(version, []byte(k)), []byte{1}); err != nil {
			return digest.Digest{}, nil, fmt.Errorf("jmt: stage stale index: %w", err)
		}
	}

	if root == nil {
		return digest.Placeholder, nil, nil
	}
	return root.Hash, root, nil
}

// PruneStale deletes up to limit obsolete node entries retired at or
// before upTo, along with their StaleNodeIndexCF markers, and reports
// whether any stale entries retired at or before upTo remain (pkg/pruner drives
// this in bounded passes). A node superseded at version V is only ever
// referenced by trees at versions < V, so once every version below upTo
// is itself unreachable it is safe to reclaim.
func (t *Tree) PruneStale(upTo types.Version, limit int) (deleted int, more bool, err error) {
	end := make([]byte, 8)
	binary.BigEndian.PutUint64(end, upTo+1)

	iter, err := t.store.Iterator(StaleNodeIndexCF, nil, end)
	if err != nil {
		return 0, false, fmt.Errorf("jmt: prune iterator: %w", err)
	}
	defer iter.Close()

	batch := t.store.NewBatch()
	defer batch.Close()
	for ; iter.Valid() && deleted < limit; iter.Next() {
		logicalKey, err := kvdb.StripPrefix(StaleNodeIndexCF, iter.Key())
		if err != nil {
			return 0, false, err
		}
		if len(logicalKey) < 8 {
			return 0, false, errors.New("jmt: malformed stale index key")
		}
		oldNodeKey := logicalKey[8:]
		if err := batch.Delete(NodeCF, oldNodeKey); err != nil {
			return 0, false, fmt.Errorf("jmt: stage node delete: %w", err)
		}
		if err := batch.Delete(StaleNodeIndexCF, logicalKey); err != nil {
			return 0, false, fmt.Errorf("jmt: stage stale index delete: %w", err)
		}
		deleted++
	}
	if err := iter.Error(); err != nil {
		return 0, false, err
	}
	more = iter.Valid()
	if deleted == 0 {
		return 0, more, nil
	}
	if err := batch.WriteSync(); err != nil {
		return 0, false, fmt.Errorf("jmt: commit prune batch: %w", err)
	}
	return deleted, more, nil
}

// ProofStep is one level of an inclusion proof: the 16 child hashes
// (placeholder where a child is absent) of the internal node descended
// at that level, in root-to-leaf order.
type ProofStep struct {
	Children [16]digest.Digest
}

// Proof is an inclusion proof for a single account against a JMT root.
type Proof struct {
	Steps []ProofStep
}

// GetWithProof reads the value hash and raw value stored for address at
// root and returns an inclusion proof for it. It reports ok=false if the
// address has never been written under root.
func (t *Tree) GetWithProof(root *ChildRef, addr types.AccountAddress) (valueHash digest.Digest, value []byte, proof Proof, ok bool, err error) {
	if root == nil {
		return digest.Digest{}, nil, Proof{}, false, nil
	}
	accountKey := addr.Hash()
	nibbles := nibblesOf(accountKey)

	current := root
	path := []byte{}
	for {
		key := NodeKey{Version: current.Version, Path: path}
		raw, gerr := t.store.Get(NodeCF, key.Encode())
		if gerr != nil {
			return digest.Digest{}, nil, Proof{}, false, gerr
		}
		if raw == nil {
			return digest.Digest{}, nil, Proof{}, false, ErrMissingNode
		}
		node, derr := decodeNode(raw)
		if derr != nil {
			return digest.Digest{}, nil, Proof{}, false, derr
		}
		if current.Leaf {
			leaf := node.(leafNode)
			if leaf.AccountKey != accountKey {
				return digest.Digest{}, nil, Proof{}, false, nil
			}
			return leaf.ValueHash, leaf.Value, Proof{Steps: proof.Steps}, true, nil
		}
		internal := node.(internalNode)
		var step ProofStep
		for i, c := range internal.Children {
			if c != nil {
				step.Children[i] = c.Hash
			} else {
				step.Children[i] = digest.Placeholder
			}
		}
		proof.Steps = append(proof.Steps, step)
		idx := nibbles[len(path)]
		next := internal.Children[idx]
		if next == nil {
			return digest.Digest{}, nil, Proof{}, false, nil
		}
		path = append(path, idx)
		current = next
	}
}

func proofStepsReversed(steps []ProofStep) []ProofStep {
	out := make([]ProofStep, len(steps))
	for i, s := range steps {
		out[len(steps)-1-i] = s
	}
	return out
}

// VerifyInclusion checks that addr/valueHash, combined with proof,
// recomputes to root.
func VerifyInclusion(addr types.AccountAddress, valueHash digest.Digest, proof Proof, root digest.Digest) error {
	accountKey := addr.Hash()
	nibbles := nibblesOf(accountKey)
	leaf := leafNode{AccountKey: accountKey, ValueHash: valueHash}
	current := hashLeaf(leaf)
	depth := len(proof.Steps)
	for i := len(proof.Steps) - 1; i >= 0; i-- {
		step := proof.Steps[i]
		idx := nibbles[depth-1]
		step.Children[idx] = current
		current = hashInternal(internalNode{}.withHashes(step.Children))
		depth--
	}
	if current != root {
		return fmt.Errorf("jmt: proof does not verify")
	}
	return nil
}

func (internalNode) withHashes(hashes [16]digest.Digest) internalNode {
	var n internalNode
	for i := range hashes {
		h := hashes[i]
		if h == digest.Placeholder {
			continue
		}
		n.Children[i] = &ChildRef{Hash: h}
	}
	return n
}
