// Copyright 2025 Certen Protocol
//
// ABCI Application binding CometBFT to the executor and ledger store.
// It is deliberately thin: consensus owns block proposal ordering,
// validator selection and signature verification, and this application
// never second-guesses any of that. Its only job is to hand each ordered
// block of transactions to the executor and turn the executor's output
// into the AppHash and TxResults CometBFT needs to reach agreement on
// the next block.
package consensus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	abcitypes "github.com/cometbft/cometbft/abci/types"

	"github.com/certen/ledgerchain/pkg/digest"
	"github.com/certen/ledgerchain/pkg/executor"
	"github.com/certen/ledgerchain/pkg/ledger"
	"github.com/certen/ledgerchain/pkg/pruner"
	"github.com/certen/ledgerchain/pkg/types"
)

// Application is the ABCI application CometBFT drives. One CometBFT
// block maps onto exactly one executor block: FinalizeBlock executes it
// speculatively, Commit persists it, deriving the LedgerInfo the ledger
// store requires directly from the ABCI request fields CometBFT itself
// supplies for that block.
type Application struct {
	logger *log.Logger

	ex      *executor.Executor
	store   *ledger.Store
	prn     *pruner.Pruner // optional; woken after every commit
	chainID string

	mu    sync.RWMutex
	epoch uint64 // advances whenever a committed block closes one

	// Staged by FinalizeBlock, applied by Commit. ABCI never runs the
	// two concurrently for the same height.
	pendingTxns   []types.Transaction
	pendingOutput executor.ProcessedVMOutput
	pendingHeight int64
	pendingHash   []byte
	pendingTime   time.Time
}

// NewApplication returns an Application driving ex and persisting
// through store. prn may be nil if the node runs without a pruner.
func NewApplication(store *ledger.Store, ex *executor.Executor, chainID string, prn *pruner.Pruner) *Application {
	return &Application{
		logger:  log.New(log.Writer(), "[consensus] ", log.LstdFlags),
		ex:      ex,
		store:   store,
		prn:     prn,
		chainID: chainID,
	}
}

var _ abcitypes.Application = (*Application)(nil)

// Info reports the application's durable height and state hash so
// CometBFT can resume from exactly where the executor left off.
func (a *Application) Info(ctx context.Context, req *abcitypes.RequestInfo) (*abcitypes.ResponseInfo, error) {
	height, ok := a.store.LatestVersion()
	appHash := []byte{}
	if ok {
		appHash = a.store.TransactionAccumulatorRootHash().Bytes()
	}
	return &abcitypes.ResponseInfo{
		Data:             fmt.Sprintf("ledgerchain (%s)", a.chainID),
		Version:          "1.0.0",
		AppVersion:       1,
		LastBlockHeight:  int64(height),
		LastBlockAppHash: appHash,
	}, nil
}

// InitChain bootstraps genesis from the chain's app_state, if this
// node has not already executed it (a restart replays nothing here;
// the executor's own ledger store is the durable genesis record).
func (a *Application) InitChain(ctx context.Context, req *abcitypes.RequestInitChain) (*abcitypes.ResponseInitChain, error) {
	if a.ex.Bootstrapped() || len(req.AppStateBytes) == 0 {
		return &abcitypes.ResponseInitChain{}, nil
	}
	genesisTxn, err := decodeGenesisAppState(req.AppStateBytes)
	if err != nil {
		return nil, fmt.Errorf("consensus: decode genesis transaction: %w", err)
	}
	if err := a.ex.InitGenesis(ctx, genesisTxn); err != nil {
		return nil, fmt.Errorf("consensus: init genesis: %w", err)
	}
	a.logger.Printf("genesis committed for chain %s", req.ChainId)
	return &abcitypes.ResponseInitChain{}, nil
}

// decodeGenesisAppState decodes the genesis transaction carried in a
// CometBFT genesis document's app_state field. A node started through
// cmd/ledgerd hands this down as a JSON string holding the
// base64-encoded transaction, the only shape app_state's raw JSON bytes
// can take without dragging a JSON codec into the wire format; a direct
// in-process caller (tests) may instead pass the Transaction.Encode
// bytes unwrapped.
func decodeGenesisAppState(appState []byte) (types.Transaction, error) {
	var encoded string
	if err := json.Unmarshal(appState, &encoded); err == nil {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return types.Transaction{}, fmt.Errorf("consensus: base64 genesis app_state: %w", err)
		}
		return types.DecodeTransaction(raw)
	}
	return types.DecodeTransaction(appState)
}

// CheckTx only confirms a transaction decodes; deciding whether it
// actually succeeds is the executor's and the VM's job at execution
// time, not the mempool's.
func (a *Application) CheckTx(ctx context.Context, req *abcitypes.RequestCheckTx) (*abcitypes.ResponseCheckTx, error) {
	if _, err := types.DecodeTransaction(req.Tx); err != nil {
		return &abcitypes.ResponseCheckTx{Code: 1, Log: "invalid transaction encoding: " + err.Error()}, nil
	}
	return &abcitypes.ResponseCheckTx{Code: 0}, nil
}

// PrepareProposal accepts the mempool's ordering unchanged: block
// proposal ordering is explicitly out of scope.
func (a *Application) PrepareProposal(ctx context.Context, req *abcitypes.RequestPrepareProposal) (*abcitypes.ResponsePrepareProposal, error) {
	return &abcitypes.ResponsePrepareProposal{Txs: req.Txs}, nil
}

// ProcessProposal rejects a proposed block only if some transaction
// in it fails to decode; everything else is the executor's concern
// once the block is finalized.
func (a *Application) ProcessProposal(ctx context.Context, req *abcitypes.RequestProcessProposal) (*abcitypes.ResponseProcessProposal, error) {
	for _, tx := range req.Txs {
		if _, err := types.DecodeTransaction(tx); err != nil {
			return &abcitypes.ResponseProcessProposal{Status: abcitypes.ResponseProcessProposal_REJECT}, nil
		}
	}
	return &abcitypes.ResponseProcessProposal{Status: abcitypes.ResponseProcessProposal_ACCEPT}, nil
}

// FinalizeBlock speculatively executes the block against the
// executor's last committed trees. Nothing is durable yet: Commit
// persists this same output once CometBFT has locked the block in.
func (a *Application) FinalizeBlock(ctx context.Context, req *abcitypes.RequestFinalizeBlock) (*abcitypes.ResponseFinalizeBlock, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	txns := make([]types.Transaction, len(req.Txs))
	for i, raw := range req.Txs {
		txn, err := types.DecodeTransaction(raw)
		if err != nil {
			// ProcessProposal already screened this; a decode failure
			// here means every validator would reject identically.
			return nil, fmt.Errorf("consensus: decode transaction %d: %w", i, err)
		}
		txns[i] = txn
	}

	output, err := a.ex.ExecuteBlock(ctx, txns, a.ex.CommittedTrees())
	if err != nil {
		return nil, fmt.Errorf("consensus: execute block: %w", err)
	}

	txResults := make([]*abcitypes.ExecTxResult, len(output.TransactionData))
	for i, td := range output.TransactionData {
		if td.Status.Kind == types.StatusKeep {
			txResults[i] = &abcitypes.ExecTxResult{Code: 0, GasUsed: int64(td.GasUsed)}
		} else {
			txResults[i] = &abcitypes.ExecTxResult{Code: 1, Log: "transaction discarded by VM"}
		}
	}

	a.pendingTxns = txns
	a.pendingOutput = output
	a.pendingHeight = req.Height
	a.pendingHash = req.Hash
	a.pendingTime = req.Time

	return &abcitypes.ResponseFinalizeBlock{
		TxResults: txResults,
		AppHash:   output.AccuRoot().Bytes(),
	}, nil
}

// Commit persists the block FinalizeBlock just executed, assembling
// the LedgerInfo the executor has always required from consensus out
// of this same height's ABCI request fields.
func (a *Application) Commit(ctx context.Context, req *abcitypes.RequestCommit) (*abcitypes.ResponseCommit, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	version, ok := a.pendingOutput.ExecutedTrees.Version()
	if !ok {
		return nil, fmt.Errorf("consensus: commit called with no pending block")
	}

	blockID, err := digest.FromBytes(a.pendingHash)
	if err != nil {
		blockID = digest.Placeholder
	}

	ledgerInfo := &types.LedgerInfoWithSignatures{
		LedgerInfo: types.LedgerInfo{
			Epoch:                  a.epoch,
			BlockID:                blockID,
			PostTxnAccumulatorRoot: a.pendingOutput.AccuRoot(),
			Version:                version,
			TimestampUsec:          uint64(a.pendingTime.UnixMicro()),
			NextValidatorSet:       a.pendingOutput.Validators,
		},
		// CometBFT's own quorum signatures for this block only become
		// available one height later, via the next block's
		// DecidedLastCommit; the executor and ledger store never
		// verify them anyway, so a thin application has
		// nothing meaningful to attach here yet.
		Signatures: map[string][]byte{},
	}
	if ledgerInfo.LedgerInfo.IsEpochEnding() {
		a.epoch++
	}

	block := executor.CommittedBlock{Txns: a.pendingTxns, Output: a.pendingOutput}
	if err := a.ex.CommitBlocks([]executor.CommittedBlock{block}, ledgerInfo); err != nil {
		return nil, fmt.Errorf("consensus: commit block: %w", err)
	}
	if a.prn != nil {
		a.prn.Wake()
	}

	a.logger.Printf("committed height=%d version=%d txns=%d", a.pendingHeight, version, len(a.pendingTxns))
	a.pendingTxns = nil
	a.pendingOutput = executor.ProcessedVMOutput{}

	return &abcitypes.ResponseCommit{}, nil
}

// Query answers read-only application state queries out of band from
// consensus. It is a minimal debugging surface over the ledger store,
// not a substitute for a full read API.
func (a *Application) Query(ctx context.Context, req *abcitypes.RequestQuery) (*abcitypes.ResponseQuery, error) {
	switch req.Path {
	case "/ledger_info":
		li, err := a.store.GetLatestLedgerInfo()
		if err != nil {
			return &abcitypes.ResponseQuery{Code: 1, Log: err.Error()}, nil
		}
		b, _ := json.Marshal(li)
		return &abcitypes.ResponseQuery{Code: 0, Value: b}, nil

	case "/transaction":
		version, err := versionFromQueryData(req.Data)
		if err != nil {
			return &abcitypes.ResponseQuery{Code: 1, Log: err.Error()}, nil
		}
		txn, err := a.store.GetTransaction(version)
		if err != nil {
			return &abcitypes.ResponseQuery{Code: 1, Log: err.Error()}, nil
		}
		return &abcitypes.ResponseQuery{Code: 0, Value: txn.Encode()}, nil

	default:
		return &abcitypes.ResponseQuery{Code: 2, Log: "unknown query path: " + req.Path}, nil
	}
}

func versionFromQueryData(data []byte) (types.Version, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("consensus: query expects an 8-byte big-endian version")
	}
	var v types.Version
	for _, b := range data {
		v = v<<8 | types.Version(b)
	}
	return v, nil
}

// ExtendVote and VerifyVoteExtension are no-ops: this application
// does not use vote extensions.
func (a *Application) ExtendVote(ctx context.Context, req *abcitypes.RequestExtendVote) (*abcitypes.ResponseExtendVote, error) {
	return &abcitypes.ResponseExtendVote{}, nil
}

func (a *Application) VerifyVoteExtension(ctx context.Context, req *abcitypes.RequestVerifyVoteExtension) (*abcitypes.ResponseVerifyVoteExtension, error) {
	return &abcitypes.ResponseVerifyVoteExtension{Status: abcitypes.ResponseVerifyVoteExtension_ACCEPT}, nil
}

// State-sync snapshots are not implemented: a node catches up through
// pkg/chunksync instead, not CometBFT snapshots.
func (a *Application) ListSnapshots(ctx context.Context, req *abcitypes.RequestListSnapshots) (*abcitypes.ResponseListSnapshots, error) {
	return &abcitypes.ResponseListSnapshots{}, nil
}

func (a *Application) OfferSnapshot(ctx context.Context, req *abcitypes.RequestOfferSnapshot) (*abcitypes.ResponseOfferSnapshot, error) {
	return &abcitypes.ResponseOfferSnapshot{Result: abcitypes.ResponseOfferSnapshot_ABORT}, nil
}

func (a *Application) LoadSnapshotChunk(ctx context.Context, req *abcitypes.RequestLoadSnapshotChunk) (*abcitypes.ResponseLoadSnapshotChunk, error) {
	return &abcitypes.ResponseLoadSnapshotChunk{}, nil
}

func (a *Application) ApplySnapshotChunk(ctx context.Context, req *abcitypes.RequestApplySnapshotChunk) (*abcitypes.ResponseApplySnapshotChunk, error) {
	return &abcitypes.ResponseApplySnapshotChunk{Result: abcitypes.ResponseApplySnapshotChunk_ABORT}, nil
}
