package pipeline

import (
	"context"
	"fmt"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/orderbook"
	"github.com/klingon-exchange/klingon-v2/internal/sigcoord"
)

// snapshotTick is phase 9: on base-chain snapshot-finality heights,
// refund the prior snapshot's book if a disable height fell within its
// covered range, persist the prior snapshot, then capture a fresh one.
func (p *Pipeline) snapshotTick(ctx context.Context, in Input, chainCfg *config.ChainConfig) {
	if p.snapshots == nil {
		return
	}

	prior, hasPrior := p.snapshots.LastSnapshot()
	if hasPrior {
		if chainCfg.DexDisabledFromHeight != nil {
			disabledAt := *chainCfg.DexDisabledFromHeight
			if disabledAt > prior.BaseHeight && disabledAt <= in.ChainHeight {
				p.refundSnapshotBook(ctx, prior, chainCfg)
			}
		}
		if err := p.snapshots.Save(prior); err != nil {
			p.log.Warn("failed to persist prior snapshot", "error", err)
		}
	}

	newSnap := p.book.GetSnapshot(in.LatestChainHeights[p.cfg.BaseChain], in.LatestChainHeights[p.cfg.OtherChain(p.cfg.BaseChain)])
	if err := p.snapshots.Save(newSnap); err != nil {
		p.log.Warn("failed to persist new snapshot", "error", err)
	}
}

// refundSnapshotBook refunds every limit order captured in a snapshot
// with r6 (disabled) if a replacement address is not configured, or r5
// (moved) if one is.
func (p *Pipeline) refundSnapshotBook(ctx context.Context, snap orderbook.OrderBookSnapshot, chainCfg *config.ChainConfig) {
	code, reason := memoDisabled, "DEX has been disabled"
	if chainCfg.DexMovedToAddress != "" {
		code, reason = memoMoved, "DEX has moved"
	}

	refundOne := func(id, sourceChain, sourceWallet string, amount uint64, height uint64) {
		sc, ok := p.sigcoords[config.ChainID(sourceChain)]
		if !ok || amount == 0 {
			return
		}
		var memo string
		if code == memoMoved {
			memo = fmt.Sprintf("%s,%s,%s: %s", code, id, chainCfg.DexMovedToAddress, reason)
		} else {
			memo = fmt.Sprintf("%s,%s: %s", code, id, reason)
		}
		sc.AuthorOutgoing(ctx, refundID(id, memo), sigcoord.TransferRequest{
			Amount:    amount,
			Recipient: sourceWallet,
			Height:    height,
			Memo:      memo,
		})
	}

	for _, o := range snap.BidLimitOrders {
		refundOne(o.ID, o.SourceChain, o.SourceWalletAddress, o.ValueRemaining, o.Height)
	}
	for _, o := range snap.AskLimitOrders {
		refundOne(o.ID, o.SourceChain, o.SourceWalletAddress, o.SizeRemaining, o.Height)
	}
}
