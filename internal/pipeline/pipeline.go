// Package pipeline implements the nine-phase per-block workflow that the
// Block Interleaver drives for every merged block: rebroadcast sweep,
// dividend scheduling, outbound observation, inbound intent parsing,
// rejection refunds, expiry, close, match, and snapshot ticks.
package pipeline

import (
	"context"
	"fmt"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/intent"
	"github.com/klingon-exchange/klingon-v2/internal/ledger"
	"github.com/klingon-exchange/klingon-v2/internal/orderbook"
	"github.com/klingon-exchange/klingon-v2/internal/sigcoord"
	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

// Memo code prefixes used in outbound refund and payout transfers.
const (
	memoInvalidReject  = "r1"
	memoExpired        = "r2"
	memoClosed         = "r3"
	memoMarketResidual = "r4"
	memoMoved          = "r5"
	memoDisabled       = "r6"
	memoTakerPayout    = "t1"
	memoMakerPayout    = "t2"
)

// Input is one block's worth of work handed to the pipeline by the
// interleaver.
type Input struct {
	Chain              config.ChainID
	ChainHeight        uint64
	LatestChainHeights map[config.ChainID]uint64
	IsLastBlock        bool
	BlockTimestamp     int64
}

// DividendScheduler is the minimal surface the pipeline needs to enqueue
// a dividend job.
type DividendScheduler interface {
	ScheduleJob(ctx context.Context, chain config.ChainID, chainHeight, toHeight uint64) error
}

// SnapshotStore is the minimal surface the pipeline needs for phase 9.
type SnapshotStore interface {
	Save(snap orderbook.OrderBookSnapshot) error
	LastSnapshot() (orderbook.OrderBookSnapshot, bool)
}

// Pipeline wires one coordinator pair's components together.
type Pipeline struct {
	cfg *config.Config

	adapters map[config.ChainID]ledger.Adapter
	book     *orderbook.Book

	sigcoords map[config.ChainID]*sigcoord.Coordinator

	dividends DividendScheduler
	snapshots SnapshotStore

	log *logging.Logger
}

// New constructs a Pipeline.
func New(cfg *config.Config, adapters map[config.ChainID]ledger.Adapter, book *orderbook.Book, sigcoords map[config.ChainID]*sigcoord.Coordinator, dividends DividendScheduler, snapshots SnapshotStore) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		adapters:  adapters,
		book:      book,
		sigcoords: sigcoords,
		dividends: dividends,
		snapshots: snapshots,
		log:       logging.GetDefault().Component("pipeline"),
	}
}

// intentBookView adapts the shared book to intent.OrderBookView, letting
// market orders see the opposite side's best price.
type intentBookView struct{ book *orderbook.Book }

func (v intentBookView) PeekBids(n int) []*orderbook.Order { return v.book.PeekBids(n) }
func (v intentBookView) PeekAsks(n int) []*orderbook.Order { return v.book.PeekAsks(n) }

// Process runs all nine phases for one block in order.
func (p *Pipeline) Process(ctx context.Context, in Input) error {
	chainCfg, ok := p.cfg.Chain(in.Chain)
	if !ok {
		return fmt.Errorf("unknown chain %s", in.Chain)
	}

	// Phase 1: rebroadcast sweep.
	if in.IsLastBlock {
		if sc, ok := p.sigcoords[in.Chain]; ok {
			sc.RebroadcastSweep(ctx, in.ChainHeight, chainCfg.RebroadcastAfterHeight, chainCfg.RebroadcastUntilHeight)
		}
	}

	// Phase 2: dividend scheduling.
	if chainCfg.DividendHeightInterval > 0 && in.ChainHeight > chainCfg.DividendStartHeight+chainCfg.DividendHeightOffset {
		offsetHeight := in.ChainHeight - chainCfg.DividendHeightOffset
		if offsetHeight%chainCfg.DividendHeightInterval == 0 && p.dividends != nil {
			if err := p.dividends.ScheduleJob(ctx, in.Chain, in.ChainHeight, in.ChainHeight); err != nil {
				p.log.Warn("dividend scheduling failed", "chain", in.Chain, "height", in.ChainHeight, "error", err)
			}
		}
	}

	adapter := p.adapters[in.Chain]

	// Phase 3: observe outbound, remove matching registry entries.
	outbound, err := adapter.OutboundTransfers(ctx, in.ChainHeight)
	if err != nil {
		p.log.Warn("observe outbound failed", "chain", in.Chain, "height", in.ChainHeight, "error", err)
	} else {
		for _, t := range outbound {
			if sc, ok := p.sigcoords[in.Chain]; ok {
				sc.ObserveOutboundConfirmed(t.ID)
			}
		}
	}

	// Phase 4: parse inbound.
	inbound, err := adapter.InboundTransfers(ctx, in.ChainHeight)
	if err != nil {
		p.log.Warn("parse inbound fetch failed", "chain", in.Chain, "height", in.ChainHeight, "error", err)
		inbound = nil
	}

	var intents []intent.Intent
	for _, t := range inbound {
		parsed := intent.Parse(intent.Input{
			TransferID:    namespacedID(in.Chain, t.ID),
			SenderID:      t.SenderID,
			Amount:        t.Amount,
			TransferData:  t.TransferData,
			SourceChain:   in.Chain,
			CurrentHeight: in.ChainHeight,
		}, p.cfg, intentBookView{p.book}, func(id string) (*orderbook.Order, bool) { return p.book.GetOrder(id) })
		intents = append(intents, parsed)
	}

	// Phases 5-8 run serially, in declared order, over intents in their
	// inbound arrival order. All four mutate the Order Book Engine and/or
	// the Pending Transfer Registry; running them on a single goroutine in
	// a fixed sequence is what makes the book's price-time arrival
	// ordering (and therefore the outgoing transactions it produces)
	// reproducible across independently-run nodes fed the same block.

	// Phase 5: refund rejections (skipped in passive mode).
	if !p.cfg.PassiveMode {
		for _, it := range intents {
			switch it.Kind {
			case intent.KindInvalid, intent.KindOversized, intent.KindUndersized, intent.KindMoved, intent.KindDisabled:
				p.refundRejection(ctx, it, in.BlockTimestamp)
			}
		}
	}

	// Phase 6: expire orders.
	p.expireOrders(ctx, in, chainCfg)

	// Phase 7: close orders.
	for _, it := range intents {
		if it.Kind == intent.KindClose {
			p.closeOrder(ctx, it, in)
		}
	}

	// Phase 8: match orders.
	for _, it := range intents {
		if it.Kind == intent.KindLimit || it.Kind == intent.KindMarket {
			p.matchOrder(ctx, it, in)
		}
	}

	// Phase 9: snapshot tick.
	if p.cfg.IsBase(in.Chain) && p.cfg.OrderBookSnapshotFinality > 0 && in.ChainHeight%p.cfg.OrderBookSnapshotFinality == 0 {
		p.snapshotTick(ctx, in, chainCfg)
	}

	return nil
}

func namespacedID(chain config.ChainID, id string) string {
	return string(chain) + ":" + id
}
