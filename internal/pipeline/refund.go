package pipeline

import (
	"context"
	"fmt"
	"math/big"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/intent"
	"github.com/klingon-exchange/klingon-v2/internal/orderbook"
	"github.com/klingon-exchange/klingon-v2/internal/sigcoord"
)

// refundRejection authors an r1/r5/r6 refund for a classified rejection
// intent.
func (p *Pipeline) refundRejection(ctx context.Context, it intent.Intent, blockTimestamp int64) {
	sc, ok := p.sigcoords[it.SourceChain]
	if !ok {
		return
	}

	var memo string
	switch it.Kind {
	case intent.KindInvalid:
		memo = fmt.Sprintf("%s,%s: %s", memoInvalidReject, it.TransferID, it.Reason)
	case intent.KindOversized:
		memo = fmt.Sprintf("%s,%s: Oversized transfer", memoInvalidReject, it.TransferID)
	case intent.KindUndersized:
		memo = fmt.Sprintf("%s,%s: Undersized transfer", memoInvalidReject, it.TransferID)
	case intent.KindMoved:
		memo = fmt.Sprintf("%s,%s,%s: DEX has moved", memoMoved, it.TransferID, it.MovedToAddress)
	case intent.KindDisabled:
		memo = fmt.Sprintf("%s,%s: DEX has been disabled", memoDisabled, it.TransferID)
	default:
		return
	}

	if it.Amount == 0 {
		return
	}

	sc.AuthorOutgoing(ctx, refundID(it.TransferID, memo), sigcoord.TransferRequest{
		Amount:    it.Amount,
		Recipient: it.SourceWallet,
		Height:    it.Height,
		Timestamp: blockTimestamp,
		Memo:      memo,
	})
}

func refundID(transferID, memo string) string {
	return "refund:" + transferID + ":" + memo
}

// expireOrders runs expireBidOrders on the base chain and
// expireAskOrders on the quote chain, authoring an r2 refund per expired
// order at the correct historical timestamp.
func (p *Pipeline) expireOrders(ctx context.Context, in Input, chainCfg *config.ChainConfig) {
	var expired []*orderbook.Order
	if p.cfg.IsBase(in.Chain) {
		expired = p.book.ExpireBidOrders(in.ChainHeight)
	} else {
		expired = p.book.ExpireAskOrders(in.ChainHeight)
	}

	for _, o := range expired {
		ts := in.BlockTimestamp
		if o.ExpiryHeight != in.ChainHeight {
			if adapter, ok := p.adapters[config.ChainID(o.SourceChain)]; ok {
				if block, err := adapter.BlockAt(ctx, o.ExpiryHeight); err == nil {
					ts = block.Timestamp
				}
			}
		}

		sc, ok := p.sigcoords[config.ChainID(o.SourceChain)]
		if !ok {
			continue
		}
		memo := fmt.Sprintf("%s,%s: Expired order", memoExpired, o.ID)
		sc.AuthorOutgoing(ctx, refundID(o.ID, memo), sigcoord.TransferRequest{
			Amount:    o.Remaining(),
			Recipient: o.SourceWalletAddress,
			Height:    in.ChainHeight,
			Timestamp: ts,
			Memo:      memo,
		})
	}
}

// closeOrder handles one Close intent: removes the target order from the
// book and refunds its remainder plus the closer's own transfer amount.
func (p *Pipeline) closeOrder(ctx context.Context, it intent.Intent, in Input) {
	target, err := p.book.CloseOrder(it.OrderIDToClose)
	if err != nil {
		return
	}

	sc, ok := p.sigcoords[config.ChainID(target.SourceChain)]
	if !ok {
		return
	}
	memo := fmt.Sprintf("%s,%s,%s: Closed order", memoClosed, target.ID, it.TransferID)
	sc.AuthorOutgoing(ctx, refundID(target.ID, memo), sigcoord.TransferRequest{
		Amount:    target.Remaining() + it.Amount,
		Recipient: target.SourceWalletAddress,
		Height:    in.ChainHeight,
		Timestamp: in.BlockTimestamp,
		Memo:      memo,
	})
}

// matchOrder handles one Limit/Market intent: submits it to the book,
// then authors taker/maker settlement payouts and any market-order
// residual refund.
func (p *Pipeline) matchOrder(ctx context.Context, it intent.Intent, in Input) {
	side := orderbook.Bid
	if !p.cfg.IsBase(it.SourceChain) {
		side = orderbook.Ask
	}
	kind := orderbook.Limit
	if it.Kind == intent.KindMarket {
		kind = orderbook.Market
	}

	targetChain := p.cfg.OtherChain(it.SourceChain)

	o := &orderbook.Order{
		ID:                  it.TransferID,
		Side:                side,
		Kind:                kind,
		SourceChain:         string(it.SourceChain),
		SourceWalletAddress: it.SourceWallet,
		TargetChain:         string(targetChain),
		TargetWalletAddress: it.TargetWallet,
		Height:              it.Height,
		Timestamp:           in.BlockTimestamp,
		Price:               it.Price,
	}
	if side == orderbook.Bid {
		o.Value, o.ValueRemaining = it.Amount, it.Amount
		chainCfg, _ := p.cfg.Chain(it.SourceChain)
		o.ExpiryHeight = it.Height + chainCfg.OrderHeightExpiry
	} else {
		o.Size, o.SizeRemaining = it.Amount, it.Amount
		chainCfg, _ := p.cfg.Chain(it.SourceChain)
		o.ExpiryHeight = it.Height + chainCfg.OrderHeightExpiry
	}

	result := p.book.AddOrder(o)

	if result.TakeSize > 0 || result.TakeValue > 0 {
		p.authorTakerPayout(ctx, it, o, result)
		for _, m := range result.Makers {
			p.authorMakerPayout(ctx, it, m)
		}
	}

	if it.Kind == intent.KindMarket && o.Remaining() > 0 {
		sc, ok := p.sigcoords[it.SourceChain]
		if ok {
			memo := fmt.Sprintf("%s,%s: Unmatched market order part", memoMarketResidual, o.ID)
			sc.AuthorOutgoing(ctx, refundID(o.ID, memo), sigcoord.TransferRequest{
				Amount:    o.Remaining(),
				Recipient: o.SourceWalletAddress,
				Height:    in.ChainHeight,
				Timestamp: in.BlockTimestamp,
				Memo:      memo,
			})
		}
	}
}

func (p *Pipeline) authorTakerPayout(ctx context.Context, it intent.Intent, taker *orderbook.Order, result orderbook.MatchResult) {
	targetChain := config.ChainID(taker.TargetChain)
	targetCfg, ok := p.cfg.Chain(targetChain)
	if !ok {
		return
	}

	var baseAmount uint64
	if p.cfg.IsBase(targetChain) {
		baseAmount = result.TakeValue
	} else {
		baseAmount = result.TakeSize
	}

	payout := applyFee(baseAmount, targetCfg.ExchangeFeeRate, targetCfg.ExchangeFeeBase)
	if payout == 0 {
		return
	}

	sc, ok := p.sigcoords[targetChain]
	if !ok {
		return
	}
	memo := fmt.Sprintf("%s,%s,%s: Orders taken", memoTakerPayout, it.SourceChain, taker.ID)
	sc.AuthorOutgoing(ctx, refundID(taker.ID, memo), sigcoord.TransferRequest{
		Amount:    payout,
		Recipient: taker.TargetWalletAddress,
		Height:    taker.Height,
		Timestamp: taker.Timestamp + 1,
		Memo:      memo,
	})
}

func (p *Pipeline) authorMakerPayout(ctx context.Context, it intent.Intent, m orderbook.MakerFill) {
	maker := m.Order
	targetChain := config.ChainID(maker.TargetChain)
	targetCfg, ok := p.cfg.Chain(targetChain)
	if !ok {
		return
	}

	var baseAmount uint64
	if p.cfg.IsBase(targetChain) {
		baseAmount = m.LastValueTaken
	} else {
		baseAmount = m.LastSizeTaken
	}

	payout := applyFee(baseAmount, targetCfg.ExchangeFeeRate, targetCfg.ExchangeFeeBase)
	if payout == 0 {
		return
	}

	sc, ok := p.sigcoords[targetChain]
	if !ok {
		return
	}
	memo := fmt.Sprintf("%s,%s,%s,%s: Order made", memoMakerPayout, maker.SourceChain, maker.ID, it.TransferID)
	sc.AuthorOutgoing(ctx, refundID(maker.ID+":"+it.TransferID, memo), sigcoord.TransferRequest{
		Amount:    payout,
		Recipient: maker.TargetWalletAddress,
		Height:    maker.Height,
		Timestamp: maker.Timestamp + 1,
		Memo:      memo,
	})
}

// applyFee computes floor(amount*(1-rate) - base), clamped to 0.
func applyFee(amount uint64, rate float64, base uint64) uint64 {
	oneMinusRate := new(big.Rat).SetFloat64(1 - rate)
	if oneMinusRate == nil {
		oneMinusRate = big.NewRat(1, 1)
	}
	r := new(big.Rat).SetUint64(amount)
	r.Mul(r, oneMinusRate)
	q := new(big.Int).Quo(r.Num(), r.Denom())
	if q.Sign() < 0 {
		return 0
	}
	gross := q.Uint64()
	if gross <= base {
		return 0
	}
	return gross - base
}
