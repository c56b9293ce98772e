// Package node wires storage, the runtime and the RPC server into a
// runnable process.
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-runtime/config"
	klog "github.com/Klingon-tech/klingnet-runtime/internal/log"
	"github.com/Klingon-tech/klingnet-runtime/internal/metrics"
	"github.com/Klingon-tech/klingnet-runtime/internal/rpc"
	"github.com/Klingon-tech/klingnet-runtime/internal/runtime"
	"github.com/Klingon-tech/klingnet-runtime/internal/storage"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// Node is a fully-initialized runtime node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db storage.DB
	rt *runtime.Runtime

	// RPC
	rpcServer *rpc.Server

	// Dev block clock
	author types.Address

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, genesis, storage, runtime, RPC) but does NOT start background
// goroutines. Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/klingnet-runtime.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── 2. Genesis ──────────────────────────────────────────────────
	// Malformed rules are a configuration fault: refuse to start.
	genesis, err := loadGenesis(cfg)
	if err != nil {
		return nil, err
	}
	author, err := resolveAuthor(cfg.Dev.Author)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Uint32("native", uint32(genesis.Rules.Currency.Native)).
		Uint32("stable", uint32(genesis.Rules.Currency.Stable)).
		Msg("Starting Klingnet Runtime Node")

	// ── 3. Open storage ─────────────────────────────────────────────
	if err := os.MkdirAll(cfg.StateDir(), 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	db, err := storage.NewBadger(cfg.StateDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.StateDir(), err)
	}
	logger.Info().Str("path", cfg.StateDir()).Msg("Database opened")

	// ── 4. Metrics ──────────────────────────────────────────────────
	m := metrics.Noop()
	var registry *prometheus.Registry
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		if m, err = metrics.New(registry); err != nil {
			db.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	// ── 5. Runtime ──────────────────────────────────────────────────
	rt, err := runtime.New(db, genesis, runtime.Options{Metrics: m})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create runtime: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:     cfg,
		genesis: genesis,
		logger:  logger,
		db:      db,
		rt:      rt,
		author:  author,
		ctx:     ctx,
		cancel:  cancel,
	}

	// ── 6. RPC ──────────────────────────────────────────────────────
	if cfg.RPC.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpcServer = rpc.New(addr, rt, cfg.RPC)
		if registry != nil {
			n.rpcServer.EnableMetrics(registry)
		}
		if cfg.Dev.BlockInterval == 0 {
			n.rpcServer.EnableInstantSeal(author)
		}
		if err := n.rpcServer.Start(); err != nil {
			cancel()
			db.Close()
			return nil, fmt.Errorf("start rpc: %w", err)
		}
		logger.Info().
			Str("addr", n.rpcServer.Addr()).
			Bool("metrics", registry != nil).
			Bool("instant_seal", cfg.Dev.BlockInterval == 0).
			Msg("RPC server started")
	}

	return n, nil
}

// Start opens the next block. With a dev block interval the block clock
// advances blocks on a timer; otherwise every submitted transaction seals its
// own block.
func (n *Node) Start() error {
	if err := n.rt.InitializeBlock(n.rt.Height()+1, n.author); err != nil {
		return fmt.Errorf("open block: %w", err)
	}
	if n.cfg.Dev.BlockInterval > 0 {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.runBlockClock(n.cfg.Dev.BlockInterval)
		}()
	}

	n.logger.Info().
		Uint64("height", n.rt.Height()).
		Str("multiplier", n.rt.FeeMultiplier().String()).
		Dur("block_interval", n.cfg.Dev.BlockInterval).
		Msg("Node started successfully")

	return nil
}

// Stop shuts down background work and the RPC server, finalizes the open
// block and closes storage.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if _, err := n.rt.FinalizeBlock(); err != nil && !errors.Is(err, runtime.ErrNoOpenBlock) {
		n.logger.Warn().Err(err).Msg("Finalize on shutdown")
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Height returns the current block height.
func (n *Node) Height() uint64 {
	return n.rt.Height()
}

// Runtime returns the node's runtime.
func (n *Node) Runtime() *runtime.Runtime {
	return n.rt
}

// ── Block clock ─────────────────────────────────────────────────────

// runBlockClock advances to the next block on every tick.
func (n *Node) runBlockClock(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.rt.AdvanceBlock(n.author); err != nil {
				n.logger.Error().Err(err).Msg("Advance block failed")
			}
		}
	}
}
