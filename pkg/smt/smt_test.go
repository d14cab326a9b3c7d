// Copyright 2025 Certen Protocol

package smt

import (
	"testing"

	"github.com/certen/ledgerchain/pkg/digest"
	"github.com/certen/ledgerchain/pkg/jmt"
	"github.com/certen/ledgerchain/pkg/kvdb"
	"github.com/certen/ledgerchain/pkg/types"
)

// jmtProofRead adapts a persisted pkg/jmt tree + root to the ProofRead
// capability, the shape a real verified state view would use.
type jmtProofRead struct {
	tree *jmt.Tree
	root *jmt.ChildRef
}

func (p *jmtProofRead) ReadWithProof(addr types.AccountAddress) (digest.Digest, []byte, jmt.Proof, bool, error) {
	valueHash, value, proof, ok, err := p.tree.GetWithProof(p.root, addr)
	return valueHash, value, proof, ok, err
}

func addr(b byte) types.AccountAddress {
	var a types.AccountAddress
	a[len(a)-1] = b
	return a
}

func TestEmptyTreeGetNotFound(t *testing.T) {
	tree := Empty()
	res := tree.Get(addr(1))
	if res.Found || res.NeedsProof {
		t.Fatalf("unexpected lookup on empty tree: %+v", res)
	}
}

func TestUpdateOnEmptyTreeNoProofNeeded(t *testing.T) {
	tree := Empty()
	writes := map[types.AccountAddress]Write{
		addr(1): {ValueHash: digest.Sum([]byte("v1")), Value: []byte("v1")},
	}
	updated, err := tree.Update(writes, nil)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	res := updated.Get(addr(1))
	if !res.Found || string(res.Value) != "v1" {
		t.Fatalf("unexpected lookup: %+v", res)
	}
	if updated.RootHash() == digest.Placeholder {
		t.Fatal("expected a non-placeholder root after a write")
	}
}

func TestUpdateExpandsSubtreeAgainstRealJMTProof(t *testing.T) {
	db, err := kvdb.Open("test2", kvdb.MemDBBackend, "")
	if err != nil {
		t.Fatalf("open memdb: %v", err)
	}
	defer db.Close()
	tree := jmt.New(kvdb.NewStore(db))

	batch := kvdb.NewStore(db).NewBatch()
	writes := map[types.AccountAddress][]byte{
		addr(1): []byte("blob1"),
		addr(2): []byte("blob2"),
	}
	rootHash, root, err := tree.PutValueSets(batch, 0, nil, writes)
	if err != nil {
		t.Fatalf("PutValueSets: %v", err)
	}
	if err := batch.WriteSync(); err != nil {
		t.Fatalf("WriteSync: %v", err)
	}

	overlay := NewFromRoot(rootHash)
	pr := &jmtProofRead{tree: tree, root: root}

	res := overlay.Get(addr(1))
	if !res.NeedsProof {
		t.Fatal("expected an unexpanded overlay to need a proof")
	}

	updated, err := overlay.Update(map[types.AccountAddress]Write{
		addr(1): {ValueHash: digest.Sum([]byte("blob1-v2")), Value: []byte("blob1-v2")},
	}, pr)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got := updated.Get(addr(1))
	if !got.Found || string(got.Value) != "blob1-v2" {
		t.Fatalf("unexpected post-update lookup: %+v", got)
	}

	// addr(2) was never touched: materialize keeps the sibling regions it
	// passed as Subtree stubs rather than opening them, so addr(2) still
	// needs a proof.
	other := updated.Get(addr(2))
	if !other.NeedsProof {
		t.Fatalf("expected addr(2) to remain an unexpanded stub: %+v", other)
	}
}

func TestUpdateRejectsBadProof(t *testing.T) {
	db, err := kvdb.Open("test3", kvdb.MemDBBackend, "")
	if err != nil {
		t.Fatalf("open memdb: %v", err)
	}
	defer db.Close()
	tree := jmt.New(kvdb.NewStore(db))
	batch := kvdb.NewStore(db).NewBatch()
	_, root, err := tree.PutValueSets(batch, 0, nil, map[types.AccountAddress][]byte{addr(1): []byte("v")})
	if err != nil {
		t.Fatalf("PutValueSets: %v", err)
	}
	if err := batch.WriteSync(); err != nil {
		t.Fatalf("WriteSync: %v", err)
	}

	// Overlay built against the WRONG root hash: any expansion attempt
	// must fail to verify.
	overlay := NewFromRoot(digest.Sum([]byte("not the real root")))
	pr := &jmtProofRead{tree: tree, root: root}

	_, err = overlay.Update(map[types.AccountAddress]Write{
		addr(1): {ValueHash: digest.Sum([]byte("x")), Value: []byte("x")},
	}, pr)
	if err == nil {
		t.Fatal("expected ErrMissingProof for a mismatched subtree root")
	}
}

func TestPruneReleasesOwnChainButSurvivesSharedAncestor(t *testing.T) {
	base := Empty()
	withA, err := base.Update(map[types.AccountAddress]Write{
		addr(1): {ValueHash: digest.Sum([]byte("a")), Value: []byte("a")},
	}, nil)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Two sibling overlays both derived from withA, touching different keys.
	sib1, err := withA.Update(map[types.AccountAddress]Write{
		addr(2): {ValueHash: digest.Sum([]byte("b")), Value: []byte("b")},
	}, nil)
	if err != nil {
		t.Fatalf("Update sib1: %v", err)
	}
	sib2, err := withA.Update(map[types.AccountAddress]Write{
		addr(3): {ValueHash: digest.Sum([]byte("c")), Value: []byte("c")},
	}, nil)
	if err != nil {
		t.Fatalf("Update sib2: %v", err)
	}

	sib1.Prune()

	// sib2 still shares the withA-derived leaf for addr(1); its own
	// lookups must be unaffected by sib1's prune.
	res := sib2.Get(addr(1))
	if !res.Found || string(res.Value) != "a" {
		t.Fatalf("pruning one sibling corrupted another: %+v", res)
	}
	res3 := sib2.Get(addr(3))
	if !res3.Found || string(res3.Value) != "c" {
		t.Fatalf("unexpected lookup after prune: %+v", res3)
	}
}
