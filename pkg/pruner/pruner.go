// Copyright 2025 Certen Protocol
//
// Package pruner implements a background worker that reclaims ledger
// content and JMT nodes older than a retention window,
// waking whenever a new version commits and retiring whatever now falls
// outside [latest-window, latest] in small, yield-between batches so the
// write path is never starved.
package pruner

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/certen/ledgerchain/pkg/ledger"
	"github.com/certen/ledgerchain/pkg/types"
)

// State is the pruner's single logical state.
type State string

const (
	StateIdle    State = "idle"
	StateWorking State = "working"
	StateFailed  State = "failed"
)

// DefaultBatchSize bounds how many versions' worth of rows a single pass
// deletes before yielding, so the write path is never starved for long.
const DefaultBatchSize = 256

// Config configures a Pruner.
type Config struct {
	// Window is how many of the most recent versions must remain fully
	// queryable; anything older is a pruning candidate.
	Window types.Version
	// BatchSize bounds, per pass, how many versions of ledger rows and how
	// many stale JMT node entries are deleted. Zero uses DefaultBatchSize.
	BatchSize int
	Logger    *log.Logger
}

// Pruner is a background worker. It holds no ledger state of its own:
// every pass re-reads the store's latest committed version, so it can
// never race ahead of or duplicate work across restarts.
type Pruner struct {
	store     *ledger.Store
	window    types.Version
	batchSize int
	logger    *log.Logger

	mu          sync.Mutex
	state       State
	pendingWake bool
	failure     error

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Pruner over store, idle until Start is called.
func New(store *ledger.Store, cfg Config) *Pruner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Pruner] ", log.LstdFlags)
	}
	return &Pruner{
		store:     store,
		window:    cfg.Window,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
		state:     StateIdle,
		wakeCh:    make(chan struct{}, 1),
	}
}

// Start launches the pruner's background loop. It runs until ctx is
// cancelled or Stop is called.
func (p *Pruner) Start(ctx context.Context) {
	p.mu.Lock()
	if p.stopCh != nil {
		p.mu.Unlock()
		return // already started
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop halts the background loop and waits for it to exit.
func (p *Pruner) Stop() {
	p.mu.Lock()
	stopCh := p.stopCh
	doneCh := p.doneCh
	p.mu.Unlock()
	if stopCh == nil {
		return
	}
	select {
	case <-stopCh:
	default:
		close(stopCh)
	}
	<-doneCh
}

// Wake notifies the pruner that the latest committed version has moved.
// It never blocks: if the pruner is already working, the wake is
// remembered in a single pending-wake bit so it immediately runs another
// pass once the current one finishes, rather than being lost.
func (p *Pruner) Wake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateFailed {
		return
	}
	if p.state == StateWorking {
		p.pendingWake = true
		return
	}
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// State returns the pruner's current state.
func (p *Pruner) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Failure returns the error that moved the pruner into StateFailed, or
// nil if it has not failed.
func (p *Pruner) Failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failure
}

func (p *Pruner) run(ctx context.Context) {
	defer close(p.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-p.wakeCh:
			p.work(ctx)
		}
	}
}

// work drives Idle->Working->Idle (or ->Failed), looping passes until the
// ledger is pruned up to the current retention boundary or a fatal error
// occurs, consuming any wake that arrives mid-pass instead of requiring a
// second external trigger.
func (p *Pruner) work(ctx context.Context) {
	p.mu.Lock()
	p.state = StateWorking
	p.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		done, err := p.pass()
		if err != nil {
			p.logger.Printf("prune pass failed: %v", err)
			p.mu.Lock()
			p.state = StateFailed
			p.failure = err
			p.mu.Unlock()
			return
		}
		if done {
			break
		}
		// Each pass's batch delete is itself a blocking KV write, which
		// yields the goroutine between batches so the write path is
		// never starved.
	}

	p.mu.Lock()
	wake := p.pendingWake
	p.pendingWake = false
	p.state = StateIdle
	p.mu.Unlock()
	if wake {
		p.work(ctx)
	}
}

// pass computes prune_upto from the store's latest committed version and
// performs a single bounded batch of deletions against both the ledger's
// content rows and the JMT's stale-node index, reporting whether
// everything below prune_upto is already pruned.
func (p *Pruner) pass() (done bool, err error) {
	latest, ok := p.store.LatestVersion()
	if !ok {
		return true, nil
	}
	var pruneUpto types.Version
	if latest > p.window {
		pruneUpto = latest - p.window
	}
	if pruneUpto == 0 {
		return true, nil
	}

	// Ledger content and JMT stale nodes are independently-bounded
	// subsystems with no shared state, so one pass prunes both at once.
	var g errgroup.Group
	var moreLedger, moreJMT bool
	g.Go(func() error {
		var err error
		_, moreLedger, err = p.store.PruneUpTo(pruneUpto, p.batchSize)
		if err != nil {
			return fmt.Errorf("pruner: prune ledger content: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		_, moreJMT, err = p.store.JMTTree().PruneStale(pruneUpto, p.batchSize)
		if err != nil {
			return fmt.Errorf("pruner: prune jmt stale nodes: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return false, err
	}
	return !moreLedger && !moreJMT, nil
}
