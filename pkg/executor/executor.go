// Copyright 2025 Certen Protocol
//
// Package executor binds a pluggable VM to the persistent ledger,
// turning a sequence of transactions into a
// verified state transition and, once consensus certifies it, a durable
// commit. Execution is speculative and side-effect free: ExecuteBlock
// only ever reads the last-committed ledger state plus whatever
// in-memory ExecutedTrees its caller chains it from; nothing is
// persisted until CommitBlocks runs.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/certen/ledgerchain/pkg/digest"
	"github.com/certen/ledgerchain/pkg/jmt"
	"github.com/certen/ledgerchain/pkg/ledger"
	"github.com/certen/ledgerchain/pkg/merkle"
	"github.com/certen/ledgerchain/pkg/smt"
	"github.com/certen/ledgerchain/pkg/types"
	"github.com/certen/ledgerchain/pkg/vm"
)

// ErrWriteBeforeRead is returned when a non-write-set transaction's write
// set touches an account the VM never read first: the write set must be
// a subset of the read set.
var ErrWriteBeforeRead = errors.New("executor: write set is not a subset of the read set")

// ErrEmptyKeepWriteSet is returned when a Keep-status transaction has no
// effects at all; such a transaction should have been discarded instead.
var ErrEmptyKeepWriteSet = errors.New("executor: transaction kept with an empty write set")

// ErrDiscardedWithEffects is returned when a Discard-status transaction's
// output carries writes or events, which must never reach the ledger.
var ErrDiscardedWithEffects = errors.New("executor: discarded transaction produced effects")

// GenesisEpoch and GenesisRound identify the single genesis commit
//.
const (
	GenesisEpoch = 0
	GenesisRound = 0
)

// ExecutedTrees is the speculative state a block is executed against or
// produces: an in-memory SMT overlay for account state plus the
// transaction accumulator it extends.
type ExecutedTrees struct {
	StateTree      *smt.Tree
	TxnAccumulator *merkle.Accumulator
}

// NewEmptyTrees returns the ExecutedTrees a brand-new, uncommitted ledger
// starts from: an empty SMT and an empty transaction accumulator.
func NewEmptyTrees() ExecutedTrees {
	return ExecutedTrees{StateTree: smt.Empty(), TxnAccumulator: merkle.New(merkle.KindTransaction)}
}

// Version returns the highest committed-or-speculative version these
// trees represent, and whether one exists yet (an empty tree has none).
func (e ExecutedTrees) Version() (types.Version, bool) {
	n := e.TxnAccumulator.NumLeaves()
	if n == 0 {
		return 0, false
	}
	return n - 1, true
}

// TransactionData is everything produced for a single transaction:
// the VM's output plus the in-memory trees it leaves behind (
// §4.5 step 2).
type TransactionData struct {
	AccountBlobs map[types.AccountAddress]types.AccountState
	WriteSet     types.WriteSet
	Events       []types.ContractEvent
	Status       types.TransactionStatus
	StateRoot    digest.Digest
	EventRoot    digest.Digest
	GasUsed      uint64
	TxnInfoHash  *digest.Digest // nil unless Status.Kind == StatusKeep

	stateTree *smt.Tree // this transaction's post-image overlay; pruned at commit
}

// ProcessedVMOutput is the result of executing a block: per-transaction
// data plus the ExecutedTrees the next block (or commit) should build on.
type ProcessedVMOutput struct {
	TransactionData []TransactionData
	ExecutedTrees   ExecutedTrees
	Validators      *types.ValidatorSet // non-nil iff a reconfiguration event fired
}

// AccuRoot returns the transaction accumulator root summarizing this
// block's execution, the value consensus certifies.
func (o ProcessedVMOutput) AccuRoot() digest.Digest {
	return o.ExecutedTrees.TxnAccumulator.RootHash()
}

// Executor binds a VM to a ledger Store. It is the sole component that
// invokes vm.VM.ExecuteBlock and the only one that commits transactions
// to ledger.Store (pkg/pruner deletes retired rows through the store).
type Executor struct {
	store *ledger.Store
	vm    vm.VM
}

// New constructs an Executor over an already-open ledger Store.
func New(store *ledger.Store, v vm.VM) *Executor {
	return &Executor{store: store, vm: v}
}

// Bootstrapped reports whether the ledger has a genesis commit yet.
func (ex *Executor) Bootstrapped() bool {
	_, ok := ex.store.LatestVersion()
	return ok
}

// CommittedTrees returns the ExecutedTrees representing the ledger's
// last committed state: a Subtree stub over the committed JMT root (or
// an empty overlay before genesis) and a snapshot of the committed
// transaction accumulator. Callers chain ExecuteBlock from here to build
// speculative blocks against the durable ledger state.
func (ex *Executor) CommittedTrees() ExecutedTrees {
	root := ex.store.CommittedRoot()
	rootHash := digest.Placeholder
	if root != nil {
		rootHash = root.Hash
	}
	return ExecutedTrees{
		StateTree:      smt.NewFromRoot(rootHash),
		TxnAccumulator: ex.store.TransactionAccumulatorSnapshot(),
	}
}

// CommittedVersionCount returns the number of transactions durably
// committed so far (0 before genesis), the value chunk sync compares
// against an incoming transaction list's claimed first version
//.
func (ex *Executor) CommittedVersionCount() types.Version {
	v, ok := ex.store.LatestVersion()
	if !ok {
		return 0
	}
	return v + 1
}

// jmtProofSource adapts the ledger's committed JMT into smt.ProofRead, so
// an overlay's Subtree stubs can be expanded against the last-committed
// state.
type jmtProofSource struct {
	tree *jmt.Tree
	root *jmt.ChildRef
}

func (s jmtProofSource) ReadWithProof(addr types.AccountAddress) (digest.Digest, []byte, jmt.Proof, bool, error) {
	if s.root == nil {
		return digest.Digest{}, nil, jmt.Proof{}, false, nil
	}
	return s.tree.GetWithProof(s.root, addr)
}

// verifiedStateView is the vm.StateView handed to the VM for a single
// ExecuteBlock call: reads resolve against the speculative parent
// overlay first, falling through to a verified read of the last
// committed JMT state for anything the overlay has not yet expanded
//.
type verifiedStateView struct {
	overlay *smt.Tree
	proofs  jmtProofSource
	cache   map[types.AccountAddress]cachedAccount
}

type cachedAccount struct {
	state types.AccountState
	found bool
}

func newVerifiedStateView(overlay *smt.Tree, proofs jmtProofSource) *verifiedStateView {
	return &verifiedStateView{overlay: overlay, proofs: proofs, cache: make(map[types.AccountAddress]cachedAccount)}
}

// GetAccountState implements vm.StateView.
func (v *verifiedStateView) GetAccountState(addr types.AccountAddress) (types.AccountState, bool, error) {
	if c, ok := v.cache[addr]; ok {
		return c.state, c.found, nil
	}

	lr := v.overlay.Get(addr)
	if lr.Found {
		state, err := types.AccountStateFromBlob(lr.Value)
		if err != nil {
			return nil, false, fmt.Errorf("executor: decode account blob: %w", err)
		}
		v.cache[addr] = cachedAccount{state: state, found: true}
		return state, true, nil
	}

	if !lr.NeedsProof {
		v.cache[addr] = cachedAccount{found: false}
		return nil, false, nil
	}

	valueHash, blob, proof, ok, err := v.proofs.ReadWithProof(addr)
	if err != nil {
		return nil, false, fmt.Errorf("executor: proof read for %s: %w", addr, err)
	}
	if !ok {
		// No membership proof is available for a vacant slot (pkg/smt's
		// documented simplification); accept it as not found.
		v.cache[addr] = cachedAccount{found: false}
		return nil, false, nil
	}
	if err := jmt.VerifyInclusion(addr, valueHash, proof, v.proofs.root.Hash); err != nil {
		return nil, false, fmt.Errorf("executor: account proof failed verification: %w", err)
	}
	state, err := types.AccountStateFromBlob(blob)
	if err != nil {
		return nil, false, fmt.Errorf("executor: decode account blob: %w", err)
	}
	v.cache[addr] = cachedAccount{state: state, found: true}
	return state, true, nil
}

// ExecuteBlock runs txns against the VM, applies their write sets to
// parentTrees.StateTree, and returns the resulting ProcessedVMOutput.
// Proof obligations for unexpanded overlay regions are always resolved
// against the ledger's last committed state, never against parentTrees
// itself, so several speculative blocks may be chained through
// successive ExecuteBlock calls before any of them commit.
func (ex *Executor) ExecuteBlock(ctx context.Context, txns []types.Transaction, parentTrees ExecutedTrees) (ProcessedVMOutput, error) {
	proofs := jmtProofSource{tree: ex.store.JMTTree(), root: ex.store.CommittedRoot()}
	view := newVerifiedStateView(parentTrees.StateTree, proofs)

	outputs, err := ex.vm.ExecuteBlock(ctx, txns, view)
	if err != nil {
		return ProcessedVMOutput{}, fmt.Errorf("executor: vm execution: %w", err)
	}
	if len(outputs) != len(txns) {
		return ProcessedVMOutput{}, fmt.Errorf("executor: vm returned %d outputs for %d transactions", len(outputs), len(txns))
	}

	txnData := make([]TransactionData, 0, len(txns))
	txnInfoHashes := make([]digest.Digest, 0, len(txns))
	var validators *types.ValidatorSet
	currentTree := parentTrees.StateTree

	for i, txn := range txns {
		out := outputs[i]

		switch out.Status.Kind {
		case types.StatusKeep:
			if out.WriteSet.IsEmpty() {
				return ProcessedVMOutput{}, ErrEmptyKeepWriteSet
			}
		case types.StatusDiscard:
			if !out.WriteSet.IsEmpty() || len(out.Events) != 0 {
				return ProcessedVMOutput{}, ErrDiscardedWithEffects
			}
		}

		blobs, nextTree, err := ex.applyWriteSet(txn, view, currentTree, out.WriteSet)
		if err != nil {
			return ProcessedVMOutput{}, err
		}
		currentTree = nextTree

		eventTree := merkle.New(merkle.KindEvent)
		for _, ev := range out.Events {
			eventTree.Append(ev.Hash())
		}

		td := TransactionData{
			AccountBlobs: blobs,
			WriteSet:     out.WriteSet,
			Events:       out.Events,
			Status:       out.Status,
			StateRoot:    currentTree.RootHash(),
			EventRoot:    eventTree.RootHash(),
			GasUsed:      out.GasUsed,
			stateTree:    currentTree,
		}

		if out.Status.Kind == types.StatusKeep {
			info := types.TransactionInfo{
				TxnHash:     txn.Hash(),
				StateRoot:   td.StateRoot,
				EventRoot:   td.EventRoot,
				GasUsed:     out.GasUsed,
				MajorStatus: out.Status.Status,
			}
			h := info.Hash()
			td.TxnInfoHash = &h
			txnInfoHashes = append(txnInfoHashes, h)
		}

		for _, ev := range out.Events {
			if validators == nil && string(ev.Key) == string(types.ValidatorSetChangeEventKey) {
				vs, err := decodeValidatorSet(ev.Payload)
				if err != nil {
					return ProcessedVMOutput{}, fmt.Errorf("executor: decode validator set: %w", err)
				}
				validators = &vs
				break
			}
		}

		txnData = append(txnData, td)
	}

	nextAcc := parentTrees.TxnAccumulator.Snapshot()
	nextAcc.Append(txnInfoHashes...)

	return ProcessedVMOutput{
		TransactionData: txnData,
		ExecutedTrees:   ExecutedTrees{StateTree: currentTree, TxnAccumulator: nextAcc},
		Validators:      validators,
	}, nil
}

// applyWriteSet folds a single transaction's write set into the
// accounts it touches and returns the new per-transaction state tree,
// enforcing that a non-write-set transaction may only write accounts the
// VM has already read.
func (ex *Executor) applyWriteSet(txn types.Transaction, view *verifiedStateView, base *smt.Tree, ws types.WriteSet) (map[types.AccountAddress]types.AccountState, *smt.Tree, error) {
	touched := make(map[types.AccountAddress]types.AccountState)
	order := make([]types.AccountAddress, 0, len(ws))

	for _, entry := range ws {
		addr := entry.AccessPath.Address
		state, ok := touched[addr]
		if !ok {
			if _, read := view.cache[addr]; !read && !txn.IsWriteSet {
				return nil, nil, fmt.Errorf("%w: address %s", ErrWriteBeforeRead, addr)
			}
			existing, found, err := view.GetAccountState(addr)
			if err != nil {
				return nil, nil, err
			}
			if !found {
				state = types.AccountState{}
			} else {
				state = existing
			}
			order = append(order, addr)
		}

		switch entry.Op.Kind {
		case types.WriteOpValue:
			state = state.Put(entry.AccessPath.Path, entry.Op.Value)
		case types.WriteOpDeletion:
			state = state.Delete(entry.AccessPath.Path)
		}
		touched[addr] = state
	}

	if len(order) == 0 {
		return touched, base, nil
	}

	writes := make(map[types.AccountAddress]smt.Write, len(order))
	for _, addr := range order {
		blob := touched[addr].Blob()
		writes[addr] = smt.Write{ValueHash: digest.Sum(blob), Value: blob}
	}

	next, err := base.Update(writes, view.proofs)
	if err != nil {
		return nil, nil, fmt.Errorf("executor: apply write set: %w", err)
	}
	return touched, next, nil
}

func decodeValidatorSet(payload []byte) (types.ValidatorSet, error) {
	var vs types.ValidatorSet
	offset := 0
	for offset < len(payload) {
		if offset+4 > len(payload) {
			return types.ValidatorSet{}, errors.New("executor: truncated validator set payload")
		}
		n := int(payload[offset])<<24 | int(payload[offset+1])<<16 | int(payload[offset+2])<<8 | int(payload[offset+3])
		offset += 4
		if offset+n > len(payload) {
			return types.ValidatorSet{}, errors.New("executor: truncated validator set member")
		}
		member := make([]byte, n)
		copy(member, payload[offset:offset+n])
		vs.Members = append(vs.Members, member)
		offset += n
	}
	return vs, nil
}

// CommittedBlock pairs a block's transactions with its execution output,
// the unit commit_blocks operates on.
type CommittedBlock struct {
	Txns   []types.Transaction
	Output ProcessedVMOutput
}

// CommitBlocks persists every Keep transaction across blocks (in order)
// whose effects are not already durable, verifying that consensus's
// version numbering matches what was actually executed, and applies the
// idempotent-recommit skip so a partially-synced ledger can safely
// replay a batch it has already committed part of. ledgerInfo is nil for
// a chunk-sync commit that does not yet complete the range its peer
// certified: the batch is still persisted, just without a certificate.
func (ex *Executor) CommitBlocks(blocks []CommittedBlock, ledgerInfo *types.LedgerInfoWithSignatures) error {
	if len(blocks) == 0 {
		return errors.New("executor: commit requires at least one block")
	}

	var numPersistentTxns types.Version
	if v, ok := ex.store.LatestVersion(); ok {
		numPersistentTxns = v + 1
	}

	var txnsToKeep []types.TransactionToCommit
	var treesToPrune []*smt.Tree
	for _, b := range blocks {
		if len(b.Txns) != len(b.Output.TransactionData) {
			return fmt.Errorf("executor: block has %d transactions but %d transaction data", len(b.Txns), len(b.Output.TransactionData))
		}
		for i, txn := range b.Txns {
			td := b.Output.TransactionData[i]
			treesToPrune = append(treesToPrune, td.stateTree)
			if td.Status.Kind != types.StatusKeep {
				continue
			}
			txnsToKeep = append(txnsToKeep, types.TransactionToCommit{
				Txn:      txn,
				Status:   td.Status,
				WriteSet: td.WriteSet,
				Events:   td.Events,
				GasUsed:  td.GasUsed,
			})
		}
	}
	numTxnsToKeep := types.Version(len(txnsToKeep))

	lastBlock := blocks[len(blocks)-1]
	numTxnsInSpeculativeAccumulator := lastBlock.Output.ExecutedTrees.TxnAccumulator.NumLeaves()

	var version types.Version
	if ledgerInfo != nil {
		version = ledgerInfo.LedgerInfo.Version
		if version+1 != numTxnsInSpeculativeAccumulator {
			return fmt.Errorf("executor: ledger info version %d does not match speculative accumulator of %d leaves", version, numTxnsInSpeculativeAccumulator)
		}
	} else {
		if numTxnsInSpeculativeAccumulator == 0 {
			return errors.New("executor: cannot commit zero transactions without a ledger info")
		}
		version = numTxnsInSpeculativeAccumulator - 1
	}

	if numTxnsToKeep > version+1 {
		return fmt.Errorf("executor: more kept transactions (%d) than the ledger info version allows (%d)", numTxnsToKeep, version+1)
	}
	firstVersionToKeep := version + 1 - numTxnsToKeep
	if firstVersionToKeep > numPersistentTxns {
		return fmt.Errorf("executor: first version to keep %d exceeds %d already-persisted transactions", firstVersionToKeep, numPersistentTxns)
	}

	numTxnsToSkip := numPersistentTxns - firstVersionToKeep
	firstVersionToCommit := firstVersionToKeep + numTxnsToSkip
	txnsToCommit := txnsToKeep[numTxnsToSkip:]

	if err := ex.store.SaveTransactions(txnsToCommit, firstVersionToCommit, ledgerInfo); err != nil {
		return fmt.Errorf("executor: save transactions: %w", err)
	}

	for _, t := range treesToPrune {
		if t != nil {
			t.Prune()
		}
	}
	return nil
}

// InitGenesis bootstraps a brand-new ledger with a single system
// write-set transaction: executed against empty trees with
// PreGenesisBlockID as its synthetic parent, then committed immediately
// as epoch 0 / round 0.
func (ex *Executor) InitGenesis(ctx context.Context, genesisTxn types.Transaction) error {
	if ex.Bootstrapped() {
		return errors.New("executor: ledger is already bootstrapped")
	}
	if !genesisTxn.IsWriteSet {
		return errors.New("executor: genesis transaction must be a write-set transaction")
	}

	preGenesis := ex.CommittedTrees()
	output, err := ex.ExecuteBlock(ctx, []types.Transaction{genesisTxn}, preGenesis)
	if err != nil {
		return fmt.Errorf("executor: execute genesis block: %w", err)
	}

	li := types.LedgerInfo{
		Epoch:                  GenesisEpoch,
		Round:                  GenesisRound,
		BlockID:                types.PreGenesisBlockID,
		PostTxnAccumulatorRoot: output.AccuRoot(),
		Version:                0,
		TimestampUsec:          0,
		NextValidatorSet:       output.Validators,
	}
	liws := types.LedgerInfoWithSignatures{LedgerInfo: li, Signatures: map[string][]byte{}}

	return ex.CommitBlocks([]CommittedBlock{{Txns: []types.Transaction{genesisTxn}, Output: output}}, &liws)
}
