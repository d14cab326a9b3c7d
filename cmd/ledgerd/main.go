// Copyright 2025 Certen Protocol
//
// ledgerd runs a single ledger node: the executor and ledger store bound
// to CometBFT consensus through pkg/consensus.Application, with the
// background pruner and a consensus health monitor running alongside it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cmtcfg "github.com/cometbft/cometbft/config"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	cmtnode "github.com/cometbft/cometbft/node"
	"github.com/cometbft/cometbft/p2p"
	"github.com/cometbft/cometbft/privval"
	"github.com/cometbft/cometbft/proxy"
	rpclocal "github.com/cometbft/cometbft/rpc/client/local"

	"github.com/certen/ledgerchain/pkg/config"
	"github.com/certen/ledgerchain/pkg/consensus"
	"github.com/certen/ledgerchain/pkg/executor"
	"github.com/certen/ledgerchain/pkg/kvdb"
	"github.com/certen/ledgerchain/pkg/ledger"
	"github.com/certen/ledgerchain/pkg/metrics"
	"github.com/certen/ledgerchain/pkg/pruner"
	"github.com/certen/ledgerchain/pkg/vm"
)

func main() {
	var (
		configFile  = flag.String("config", "", "path to the ledgerd YAML config file (defaults applied if empty)")
		cometHome   = flag.String("cometbft-home", "./cometbft", "CometBFT home directory (config/, data/, priv_validator files)")
		showVersion = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("ledgerd (certen ledgerchain)")
		return
	}

	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("ledgerd: load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("ledgerd: invalid config: %v", err)
	}
	log.Printf("ledgerd: starting (network=%s environment=%s)", cfg.NetworkName, cfg.Environment)

	backend := kvdb.Backend(cfg.Store.Backend)
	db, err := kvdb.Open("ledger", backend, cfg.Store.DataDir)
	if err != nil {
		log.Fatalf("ledgerd: open store: %v", err)
	}
	store, err := ledger.Open(kvdb.NewStore(db))
	if err != nil {
		log.Fatalf("ledgerd: open ledger store: %v", err)
	}
	log.Printf("ledgerd: ledger store opened at %s (backend=%s)", cfg.Store.DataDir, cfg.Store.Backend)

	ex := executor.New(store, vm.MockVM{})

	var prn *pruner.Pruner
	if cfg.Pruner.Enabled {
		prn = pruner.New(store, pruner.Config{
			Window:    cfg.Pruner.Window,
			BatchSize: cfg.Pruner.MaxBatchDelete,
			Logger:    log.New(os.Stdout, "[pruner] ", log.LstdFlags),
		})
	}

	app := consensus.NewApplication(store, ex, cfg.NetworkName, prn)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if prn != nil {
		prn.Start(rootCtx)
		defer prn.Stop()
		log.Printf("ledgerd: pruner started (window=%d versions)", cfg.Pruner.Window)
	}

	if cfg.Metrics.Enabled {
		reg := metrics.New()
		startMetricsServer(cfg.Metrics.ListenAddr, reg)
		pollPeriod := cfg.Metrics.PollPeriod.Duration()
		if pollPeriod <= 0 {
			pollPeriod = 5 * time.Second
		}
		go pollMetrics(rootCtx, reg, ex, prn, pollPeriod)
		log.Printf("ledgerd: metrics listening on %s", cfg.Metrics.ListenAddr)
	}

	cometNode, nodeCfg, err := newCometNode(*cometHome, app)
	if err != nil {
		log.Fatalf("ledgerd: construct CometBFT node: %v", err)
	}
	if err := cometNode.Start(); err != nil {
		log.Fatalf("ledgerd: start CometBFT node: %v", err)
	}
	log.Printf("ledgerd: CometBFT node started (moniker=%s)", nodeCfg.Moniker)

	rpcClient := rpclocal.New(cometNode)
	health := consensus.NewConsensusHealthMonitor(consensus.DefaultHealthMonitorConfig(), &cometStatusFetcher{client: rpcClient})
	health.SetOnStallDetected(func(height int64, since time.Duration) {
		log.Printf("ledgerd: consensus stalled at height %d for %s", height, since)
	})
	health.SetOnRecovery(func(height int64) {
		log.Printf("ledgerd: consensus recovered at height %d", height)
	})
	if err := health.Start(); err != nil {
		log.Fatalf("ledgerd: start health monitor: %v", err)
	}
	defer health.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("ledgerd: shutting down")
	if err := cometNode.Stop(); err != nil {
		log.Printf("ledgerd: CometBFT node stop error: %v", err)
	}
	log.Printf("ledgerd: stopped")
}

// newCometNode constructs a CometBFT full node over app from CometBFT's
// default configuration rooted at home, loading the validator key and
// node key from home (generating them if missing) and reading the
// genesis document from its default location there.
func newCometNode(home string, app *consensus.Application) (*cmtnode.Node, *cmtcfg.Config, error) {
	nodeCfg := cmtcfg.DefaultConfig()
	nodeCfg.SetRoot(home)
	nodeCfg.Moniker = fmt.Sprintf("ledgerd-%s", filepath.Base(home))

	for _, dir := range []string{
		filepath.Dir(nodeCfg.PrivValidatorKeyFile()),
		filepath.Dir(nodeCfg.NodeKeyFile()),
		nodeCfg.DBDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	pv := privval.LoadOrGenFilePV(nodeCfg.PrivValidatorKeyFile(), nodeCfg.PrivValidatorStateFile())
	nodeKey, err := p2p.LoadOrGenNodeKey(nodeCfg.NodeKeyFile())
	if err != nil {
		return nil, nil, fmt.Errorf("load or generate node key: %w", err)
	}

	logger := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))

	n, err := cmtnode.NewNode(
		nodeCfg,
		pv,
		nodeKey,
		proxy.NewLocalClientCreator(app),
		cmtnode.DefaultGenesisDocProviderFunc(nodeCfg),
		cmtcfg.DefaultDBProvider,
		cmtnode.DefaultMetricsProvider(nodeCfg.Instrumentation),
		logger,
	)
	if err != nil {
		return nil, nil, err
	}
	return n, nodeCfg, nil
}

// cometStatusFetcher adapts CometBFT's local RPC client to
// consensus.StatusFetcher, letting the health monitor watch the same
// node it is running alongside without a network hop.
type cometStatusFetcher struct {
	client *rpclocal.Local
}

func (f *cometStatusFetcher) GetStatus(ctx context.Context) (*consensus.ConsensusStatus, error) {
	status, err := f.client.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("cometbft status: %w", err)
	}
	netInfo, err := f.client.NetInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("cometbft net_info: %w", err)
	}
	return &consensus.ConsensusStatus{
		LatestBlockHeight: status.SyncInfo.LatestBlockHeight,
		LatestBlockTime:   status.SyncInfo.LatestBlockTime,
		CatchingUp:        status.SyncInfo.CatchingUp,
		NumPeers:          netInfo.NPeers,
		VotingPower:       status.ValidatorInfo.VotingPower,
	}, nil
}

// startMetricsServer serves reg's Prometheus handler on addr in the
// background. A listener failure is logged, not fatal: metrics are
// diagnostic, never load-bearing for consensus.
func startMetricsServer(addr string, reg *metrics.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ledgerd: metrics server exited: %v", err)
		}
	}()
}

// pollMetrics periodically samples the executor and pruner and records
// their state into reg, since neither pushes metrics on its own.
func pollMetrics(ctx context.Context, reg *metrics.Registry, ex *executor.Executor, prn *pruner.Pruner, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	var lastVersion uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v := ex.CommittedVersionCount()
			for ; lastVersion < v; lastVersion++ {
				reg.ObserveBlockCommit()
			}
			if v > 0 {
				reg.SetCommittedVersion(v - 1)
			}
			if prn != nil {
				reg.SetPrunerState(string(prn.State()))
			}
		}
	}
}
