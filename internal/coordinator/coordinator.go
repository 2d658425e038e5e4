// Package coordinator owns the one explicit instance of every component
// (Order Book Engine, Pending Transfer Registries, Signature Coordinators,
// Block Interleaver, Pipeline, Snapshot Store, Dividend Processor) that a
// running DEX coordinator node needs, wiring them together the way
// cmd/dexcoordd's main constructs it. There is no package-level singleton:
// every caller that needs coordinator state receives an explicit reference
// to this struct or one of its fields.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/dividend"
	"github.com/klingon-exchange/klingon-v2/internal/interleaver"
	"github.com/klingon-exchange/klingon-v2/internal/ledger"
	"github.com/klingon-exchange/klingon-v2/internal/orderbook"
	"github.com/klingon-exchange/klingon-v2/internal/p2pbus"
	"github.com/klingon-exchange/klingon-v2/internal/pipeline"
	"github.com/klingon-exchange/klingon-v2/internal/query"
	"github.com/klingon-exchange/klingon-v2/internal/registry"
	"github.com/klingon-exchange/klingon-v2/internal/scheduler"
	"github.com/klingon-exchange/klingon-v2/internal/sigcoord"
	"github.com/klingon-exchange/klingon-v2/internal/snapshot"
	"github.com/klingon-exchange/klingon-v2/internal/walletsig"
	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

// Coordinator is the single owning object for one running node: the base
// and quote chains it bridges, and every component built on top of them.
type Coordinator struct {
	cfg *config.Config

	member   *walletsig.MemberKey
	wallets  map[config.ChainID]*walletsig.MultisigWalletInfo
	adapters map[config.ChainID]ledger.Adapter

	book       *orderbook.Book
	registries map[config.ChainID]*registry.Registry
	sigcoords  map[config.ChainID]*sigcoord.Coordinator
	dividends  *dividend.Processor
	snapshots  *snapshot.Store
	forkwatch  *interleaver.ForkDetector
	interleave *interleaver.Interleaver
	queryServ  *query.Server

	bus p2pbus.Bus

	latestHeights sync.Map // config.ChainID -> uint64, fed to pipeline.Input

	log *logging.Logger
}

// Deps bundles the external collaborators New needs: the two Ledger
// Adapters, the P2P bus (shared by both chains' Signature Coordinators),
// and this node's own federation signing key.
type Deps struct {
	Adapters map[config.ChainID]ledger.Adapter
	Bus      p2pbus.Bus
	Member   *walletsig.MemberKey
}

// New constructs every component, loading each chain's MultisigWalletInfo
// from its Ledger Adapter and restoring the order book from the last
// persisted snapshot, if any.
func New(ctx context.Context, cfg *config.Config, deps Deps) (*Coordinator, error) {
	if len(cfg.Chains) != 2 {
		return nil, fmt.Errorf("coordinator: exactly two chains required, got %d", len(cfg.Chains))
	}

	c := &Coordinator{
		cfg:        cfg,
		member:     deps.Member,
		wallets:    make(map[config.ChainID]*walletsig.MultisigWalletInfo),
		adapters:   deps.Adapters,
		book:       orderbook.New(),
		registries: make(map[config.ChainID]*registry.Registry),
		sigcoords:  make(map[config.ChainID]*sigcoord.Coordinator),
		bus:        deps.Bus,
		log:        logging.GetDefault().Component("coordinator"),
	}

	sched := scheduler.New()
	for chainID, chainCfg := range cfg.Chains {
		adapter, ok := deps.Adapters[chainID]
		if !ok {
			return nil, fmt.Errorf("coordinator: no ledger adapter configured for chain %s", chainID)
		}
		wallet, err := walletsig.LoadWalletInfo(ctx, adapter, chainID, chainCfg.WalletAddress)
		if err != nil {
			return nil, fmt.Errorf("coordinator: %w", err)
		}
		c.wallets[chainID] = wallet

		reg := registry.New()
		c.registries[chainID] = reg
		c.sigcoords[chainID] = sigcoord.New(chainID, wallet, deps.Member, reg, deps.Bus, adapter, sched,
			cfg.SignatureBroadcastDelay, cfg.TransactionSubmitDelay, nowMillis)
	}

	store, err := snapshot.New(cfg.OrderBookSnapshotFilePath, cfg.OrderBookSnapshotBackupDirPath, cfg.OrderBookSnapshotBackupMaxCount)
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}
	c.snapshots = store
	if snap, ok, err := store.Load(); err != nil {
		return nil, fmt.Errorf("coordinator: load snapshot: %w", err)
	} else if ok {
		c.book.SetSnapshot(snap)
	}

	c.dividends = dividend.New(cfg, deps.Adapters, c.sigcoords, c.wallets, 64, nil)

	p := pipeline.New(cfg, deps.Adapters, c.book, c.sigcoords, c.dividends, store)

	c.forkwatch = interleaver.NewForkDetector(cfg.BaseChain, cfg.OtherChain(cfg.BaseChain))

	confirmations := make(map[config.ChainID]uint64)
	readMax := make(map[config.ChainID]int)
	for chainID, chainCfg := range cfg.Chains {
		confirmations[chainID] = chainCfg.RequiredConfirmations
		readMax[chainID] = chainCfg.ReadMaxBlocks
	}

	c.interleave = interleaver.New(interleaver.Config{
		Base:               cfg.BaseChain,
		Quote:              cfg.OtherChain(cfg.BaseChain),
		Adapters:           deps.Adapters,
		Confirmations:      confirmations,
		ReadMaxBlocks:      readMax,
		ForkWatcher:        c.forkwatch,
		Registry:           &multiRegistryClearer{registries: c.registries},
		Book:               &bookRestorer{book: c.book, store: store},
		Snapshots:          store,
		ReadBlocksInterval: cfg.ReadBlocksInterval,
		Pipeline:           c.runPipelineStep(p),
	})

	c.queryServ = query.New(cfg, c.book, c.registries)

	return c, nil
}

// runPipelineStep adapts pipeline.Pipeline.Process into the
// interleaver.PipelineFunc signature, tracking each chain's last-seen
// height so LatestChainHeights reflects both sides of the pair even
// though the interleaver only hands the adapter one chain's block at a
// time.
func (c *Coordinator) runPipelineStep(p *pipeline.Pipeline) interleaver.PipelineFunc {
	return func(ctx context.Context, mb interleaver.MergedBlock) error {
		c.latestHeights.Store(mb.Chain, mb.Block.Height)

		latest := make(map[config.ChainID]uint64)
		c.latestHeights.Range(func(k, v any) bool {
			latest[k.(config.ChainID)] = v.(uint64)
			return true
		})

		if err := p.Process(ctx, pipeline.Input{
			Chain:              mb.Chain,
			ChainHeight:        mb.Block.Height,
			LatestChainHeights: latest,
			IsLastBlock:        mb.IsLastBlock,
			BlockTimestamp:     mb.Block.Timestamp,
		}); err != nil {
			return err
		}
		c.queryServ.NotifyBookChanged(mb.Chain)
		return nil
	}
}

// Run drives every background task until ctx is cancelled: fork
// detection watchers, the block interleaver loop, the dividend
// processor's job queue, the signature-handler task reacting to incoming
// peer gossip, and the periodic multisig-expiry sweep.
func (c *Coordinator) Run(ctx context.Context) error {
	for chainID, adapter := range c.adapters {
		if err := c.forkwatch.Watch(ctx, chainID, adapter); err != nil {
			return fmt.Errorf("coordinator: watch %s for forks: %w", chainID, err)
		}
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.interleave.Run(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("interleaver stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.dividends.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runSignatureHandler(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runExpirySweep(ctx)
	}()

	<-ctx.Done()
	c.dividends.Close()
	wg.Wait()
	return ctx.Err()
}

// runSignatureHandler is the single task reacting to each inbound peer
// signature event (§5 "one signature-handler task reacts to each
// inbound peer event"), dispatching to the Signature Coordinator owning
// the transfer's target chain.
func (c *Coordinator) runSignatureHandler(ctx context.Context) {
	msgs, err := c.bus.Subscribe(ctx)
	if err != nil {
		c.log.Error("failed to subscribe to signature bus", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			coord, ok := c.sigcoords[config.ChainID(msg.TargetChain)]
			if !ok {
				continue
			}
			coord.OnPeerSignature(ctx, sigcoord.PeerSignature{
				TransferID: msg.TransferID,
				Signature:  msg.Signature,
				PublicKey:  msg.PublicKey,
			})
		}
	}
}

// runExpirySweep periodically scans every chain's registry for entries
// past multisigExpiry, per §4.3's head-scan expiry.
func (c *Coordinator) runExpirySweep(ctx context.Context) {
	interval := c.cfg.MultisigExpiryCheckInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := nowMillis()
			for chainID, reg := range c.registries {
				removed := reg.Expire(now, c.cfg.MultisigExpiry.Milliseconds())
				for _, id := range removed {
					c.log.Info("pending transfer expired", "chain", chainID, "id", id)
				}
			}
		}
	}
}

// QueryServer exposes the read-only Query API server for cmd/dexcoordd to
// start listening on.
func (c *Coordinator) QueryServer() *query.Server { return c.queryServ }

func nowMillis() int64 { return time.Now().UnixMilli() }

// multiRegistryClearer clears every chain's registry, satisfying
// interleaver.RegistryClearer for fork recovery.
type multiRegistryClearer struct {
	registries map[config.ChainID]*registry.Registry
}

func (m *multiRegistryClearer) Clear() {
	for _, reg := range m.registries {
		reg.Clear()
	}
}

// bookRestorer adapts the snapshot Store + order book into
// interleaver.BookRestorer.
type bookRestorer struct {
	book  *orderbook.Book
	store *snapshot.Store
}

func (b *bookRestorer) RestoreFromLastSnapshot() error {
	if snap, ok := b.store.LastSnapshot(); ok {
		b.book.SetSnapshot(snap)
		return nil
	}
	snap, ok, err := b.store.Load()
	if err != nil {
		return err
	}
	if ok {
		b.book.SetSnapshot(snap)
	}
	return nil
}
