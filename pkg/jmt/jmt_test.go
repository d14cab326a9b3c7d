// Copyright 2025 Certen Protocol

package jmt

import (
	"testing"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/certen/ledgerchain/pkg/digest"
	"github.com/certen/ledgerchain/pkg/kvdb"
	"github.com/certen/ledgerchain/pkg/types"
)

func newTestTree(t *testing.T) (*Tree, *kvdb.Store) {
	t.Helper()
	db, err := kvdb.Open("test", kvdb.MemDBBackend, "")
	if err != nil {
		t.Fatalf("open memdb: %v", err)
	}
	store := kvdb.NewStore(db)
	t.Cleanup(func() { _ = store.Close() })
	return New(store), store
}

func addr(b byte) types.AccountAddress {
	var a types.AccountAddress
	a[len(a)-1] = b
	return a
}

var _ = dbm.MemDBBackend

func TestPutValueSetsSingleAccountMatchesLeafHash(t *testing.T) {
	tree, store := newTestTree(t)
	batch := store.NewBatch()

	writes := map[types.AccountAddress][]byte{addr(1): []byte("alice-v1")}
	root, ref, err := tree.PutValueSets(batch, 1, nil, writes)
	if err != nil {
		t.Fatalf("PutValueSets: %v", err)
	}
	if err := batch.WriteSync(); err != nil {
		t.Fatalf("WriteSync: %v", err)
	}
	if root == digest.Placeholder {
		t.Fatal("root must not be placeholder after a write")
	}

	value, _, proof, ok, err := tree.GetWithProof(ref, addr(1))
	if err != nil {
		t.Fatalf("GetWithProof: %v", err)
	}
	if !ok {
		t.Fatal("expected account to be found")
	}
	if value != digest.Sum([]byte("alice-v1")) {
		t.Fatal("unexpected value hash")
	}
	if err := VerifyInclusion(addr(1), value, proof, root); err != nil {
		t.Fatalf("VerifyInclusion: %v", err)
	}
}

func TestPutValueSetsMultipleAccountsAllProvable(t *testing.T) {
	tree, store := newTestTree(t)
	batch := store.NewBatch()

	writes := map[types.AccountAddress][]byte{
		addr(1): []byte("a"),
		addr(2): []byte("b"),
		addr(3): []byte("c"),
	}
	root, ref, err := tree.PutValueSets(batch, 1, nil, writes)
	if err != nil {
		t.Fatalf("PutValueSets: %v", err)
	}
	if err := batch.WriteSync(); err != nil {
		t.Fatalf("WriteSync: %v", err)
	}

	for a, blob := range writes {
		value, _, proof, ok, err := tree.GetWithProof(ref, a)
		if err != nil {
			t.Fatalf("GetWithProof(%v): %v", a, err)
		}
		if !ok {
			t.Fatalf("account %v not found", a)
		}
		if value != digest.Sum(blob) {
			t.Fatalf("account %v: unexpected value hash", a)
		}
		if err := VerifyInclusion(a, value, proof, root); err != nil {
			t.Fatalf("account %v: VerifyInclusion: %v", a, err)
		}
	}
}

func TestPutValueSetsAcrossVersionsPreservesOldRoot(t *testing.T) {
	tree, store := newTestTree(t)

	batch1 := store.NewBatch()
	root1, ref1, err := tree.PutValueSets(batch1, 1, nil, map[types.AccountAddress][]byte{addr(1): []byte("v1")})
	if err != nil {
		t.Fatalf("PutValueSets v1: %v", err)
	}
	if err := batch1.WriteSync(); err != nil {
		t.Fatalf("WriteSync v1: %v", err)
	}

	batch2 := store.NewBatch()
	root2, ref2, err := tree.PutValueSets(batch2, 2, ref1, map[types.AccountAddress][]byte{addr(1): []byte("v2")})
	if err != nil {
		t.Fatalf("PutValueSets v2: %v", err)
	}
	if err := batch2.WriteSync(); err != nil {
		t.Fatalf("WriteSync v2: %v", err)
	}

	if root1 == root2 {
		t.Fatal("root must change when an account's value changes")
	}

	value1, _, _, ok, err := tree.GetWithProof(ref1, addr(1))
	if err != nil || !ok {
		t.Fatalf("GetWithProof at v1: ok=%v err=%v", ok, err)
	}
	if value1 != digest.Sum([]byte("v1")) {
		t.Fatal("old version's value must remain readable after a later write")
	}

	value2, _, _, ok, err := tree.GetWithProof(ref2, addr(1))
	if err != nil || !ok {
		t.Fatalf("GetWithProof at v2: ok=%v err=%v", ok, err)
	}
	if value2 != digest.Sum([]byte("v2")) {
		t.Fatal("new version must read the updated value")
	}
}

func TestGetWithProofMissingAccount(t *testing.T) {
	tree, store := newTestTree(t)
	batch := store.NewBatch()
	_, ref, err := tree.PutValueSets(batch, 1, nil, map[types.AccountAddress][]byte{addr(1): []byte("a")})
	if err != nil {
		t.Fatalf("PutValueSets: %v", err)
	}
	if err := batch.WriteSync(); err != nil {
		t.Fatalf("WriteSync: %v", err)
	}

	_, _, _, ok, err := tree.GetWithProof(ref, addr(99))
	if err != nil {
		t.Fatalf("GetWithProof: %v", err)
	}
	if ok {
		t.Fatal("expected account not present in the tree")
	}
}

func TestGetWithProofOnEmptyTree(t *testing.T) {
	tree, _ := newTestTree(t)
	_, _, _, ok, err := tree.GetWithProof(nil, addr(1))
	if err != nil {
		t.Fatalf("GetWithProof on empty tree: %v", err)
	}
	if ok {
		t.Fatal("empty tree must report every account absent")
	}
}

func TestInsertionOrderIndependence(t *testing.T) {
	_, storeA := newTestTree(t)
	treeA := New(storeA)
	batchA := storeA.NewBatch()
	writes := map[types.AccountAddress][]byte{
		addr(1): []byte("a"),
		addr(2): []byte("b"),
		addr(3): []byte("c"),
		addr(4): []byte("d"),
	}
	rootA, _, err := treeA.PutValueSets(batchA, 1, nil, writes)
	if err != nil {
		t.Fatalf("PutValueSets A: %v", err)
	}
	if err := batchA.WriteSync(); err != nil {
		t.Fatalf("WriteSync A: %v", err)
	}

	_, storeB := newTestTree(t)
	treeB := New(storeB)

	batchB1 := storeB.NewBatch()
	_, refB1, err := treeB.PutValueSets(batchB1, 1, nil, map[types.AccountAddress][]byte{
		addr(4): []byte("d"),
		addr(3): []byte("c"),
	})
	if err != nil {
		t.Fatalf("PutValueSets B1: %v", err)
	}
	if err := batchB1.WriteSync(); err != nil {
		t.Fatalf("WriteSync B1: %v", err)
	}

	batchB2 := storeB.NewBatch()
	rootB, _, err := treeB.PutValueSets(batchB2, 1, refB1, map[types.AccountAddress][]byte{
		addr(2): []byte("b"),
		addr(1): []byte("a"),
	})
	if err != nil {
		t.Fatalf("PutValueSets B2: %v", err)
	}
	if err := batchB2.WriteSync(); err != nil {
		t.Fatalf("WriteSync B2: %v", err)
	}

	if rootA != rootB {
		t.Fatal("final root must not depend on insertion order or batching")
	}
}
