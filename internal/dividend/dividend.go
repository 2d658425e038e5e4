// Package dividend implements the Dividend Processor: a single-consumer
// bounded job queue that, on each scheduled tick, scans a height window
// of a chain's outbound trade settlements and pays every contributing
// federation member their share.
package dividend

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/ledger"
	"github.com/klingon-exchange/klingon-v2/internal/scheduler"
	"github.com/klingon-exchange/klingon-v2/internal/sigcoord"
	"github.com/klingon-exchange/klingon-v2/internal/walletsig"
	"github.com/klingon-exchange/klingon-v2/pkg/logging"
)

// tradeMemoPrefix marks an outbound transfer as a trade settlement
// (taker or maker payout) rather than a refund or prior dividend.
const tradeMemoPrefix = "t"

// Func computes one member's payout from their attributed contribution
// over the window. The default matches floor(contribution *
// dividendRate * exchangeFeeRate / memberCount).
type Func func(contribution uint64, dividendRate, exchangeFeeRate float64, memberCount int) uint64

// DefaultFunc is the Func used when a Processor is not given an
// override.
func DefaultFunc(contribution uint64, dividendRate, exchangeFeeRate float64, memberCount int) uint64 {
	if memberCount <= 0 {
		return 0
	}
	r := new(big.Rat).SetUint64(contribution)
	rate := new(big.Rat).SetFloat64(dividendRate)
	feeRate := new(big.Rat).SetFloat64(exchangeFeeRate)
	if rate == nil || feeRate == nil {
		return 0
	}
	r.Mul(r, rate)
	r.Mul(r, feeRate)
	r.Quo(r, big.NewRat(int64(memberCount), 1))
	q := new(big.Int).Quo(r.Num(), r.Denom())
	if q.Sign() < 0 {
		return 0
	}
	return q.Uint64()
}

type job struct {
	chain       config.ChainID
	chainHeight uint64
	toHeight    uint64
}

// Processor consumes dividend jobs scheduled by the pipeline and authors
// one d1 payout per contributing member for the covered height window.
type Processor struct {
	cfg       *config.Config
	adapters  map[config.ChainID]ledger.Adapter
	coords    map[config.ChainID]*sigcoord.Coordinator
	wallets   map[config.ChainID]*walletsig.MultisigWalletInfo
	queue     *scheduler.BoundedQueue
	dividendFn Func

	log *logging.Logger
}

// New constructs a Processor backed by a bounded queue of the given
// capacity.
func New(cfg *config.Config, adapters map[config.ChainID]ledger.Adapter, coords map[config.ChainID]*sigcoord.Coordinator, wallets map[config.ChainID]*walletsig.MultisigWalletInfo, queueCapacity int, dividendFn Func) *Processor {
	if dividendFn == nil {
		dividendFn = DefaultFunc
	}
	return &Processor{
		cfg:        cfg,
		adapters:   adapters,
		coords:     coords,
		wallets:    wallets,
		queue:      scheduler.NewBoundedQueue(queueCapacity),
		dividendFn: dividendFn,
		log:        logging.GetDefault().Component("dividend"),
	}
}

// ScheduleJob enqueues a dividend job, satisfying pipeline.DividendScheduler.
func (p *Processor) ScheduleJob(ctx context.Context, chain config.ChainID, chainHeight, toHeight uint64) error {
	j := job{chain: chain, chainHeight: chainHeight, toHeight: toHeight}
	return p.queue.Enqueue(ctx, func(ctx context.Context) error {
		return p.process(ctx, j)
	})
}

// Run drives the single-consumer queue loop until ctx is cancelled or
// the queue is closed.
func (p *Processor) Run(ctx context.Context) {
	p.queue.Run(ctx, func(err error) {
		p.log.Warn("dividend job failed", "error", err)
	})
}

// Close stops accepting new jobs.
func (p *Processor) Close() {
	p.queue.Close()
}

func (p *Processor) process(ctx context.Context, j job) error {
	chainCfg, ok := p.cfg.Chain(j.chain)
	if !ok {
		return fmt.Errorf("unknown chain %s", j.chain)
	}
	adapter, ok := p.adapters[j.chain]
	if !ok {
		return fmt.Errorf("no ledger adapter for chain %s", j.chain)
	}
	coord, ok := p.coords[j.chain]
	if !ok {
		return fmt.Errorf("no signature coordinator for chain %s", j.chain)
	}
	wallet, ok := p.wallets[j.chain]
	if !ok {
		return fmt.Errorf("no wallet info for chain %s", j.chain)
	}

	fromHeight := uint64(1)
	if j.toHeight > chainCfg.DividendHeightInterval {
		fromHeight = j.toHeight - chainCfg.DividendHeightInterval
	}

	contributions := make(map[walletsig.WalletAddress]uint64)
	for h := fromHeight + 1; h <= j.toHeight; h++ {
		outbound, err := adapter.OutboundTransfers(ctx, h)
		if err != nil {
			return fmt.Errorf("scan outbound at height %d: %w", h, err)
		}
		for _, t := range outbound {
			if !strings.HasPrefix(string(t.TransferData), tradeMemoPrefix) {
				continue
			}
			amountBeforeFee := floorDivRate(t.Amount, chainCfg.ExchangeFeeRate)
			for _, addr := range verifiedContributors(t, wallet) {
				contributions[addr] += amountBeforeFee
			}
		}
	}

	memberCount := wallet.MemberCount
	for addr, contribution := range contributions {
		payout := p.dividendFn(contribution, chainCfg.DividendRate, chainCfg.ExchangeFeeRate, memberCount)
		if payout == 0 {
			continue
		}
		memo := fmt.Sprintf("d1,%d,%d: Member dividend", fromHeight, j.toHeight)
		id := fmt.Sprintf("dividend:%s:%d:%d:%s", j.chain, fromHeight, j.toHeight, addr)
		coord.AuthorOutgoing(ctx, id, sigcoord.TransferRequest{
			Amount:    payout,
			Recipient: string(addr),
			Height:    j.chainHeight,
			Memo:      memo,
		})
	}

	return nil
}

// verifiedContributors returns the wallet address of every federation
// member whose signature verifies against t's canonical hash, per §4.9:
// attribution follows the transfer's own attached signatures rather than
// a submitter's private bookkeeping, so a trade this node only observed
// (and never itself authored) still credits its real signers.
func verifiedContributors(t ledger.Transfer, wallet *walletsig.MultisigWalletInfo) []walletsig.WalletAddress {
	if len(t.Signatures) == 0 || len(t.CanonicalEncoding) == 0 {
		return nil
	}
	hash := walletsig.TransferHash(t.CanonicalEncoding)
	var out []walletsig.WalletAddress
	for _, sig := range t.Signatures {
		for _, member := range wallet.Members {
			if walletsig.Verify(hash, sig, member) {
				out = append(out, wallet.AddressOf(member))
				break
			}
		}
	}
	return out
}

func floorDivRate(amount uint64, exchangeFeeRate float64) uint64 {
	oneMinusRate := new(big.Rat).SetFloat64(1 - exchangeFeeRate)
	if oneMinusRate == nil || oneMinusRate.Sign() <= 0 {
		return amount
	}
	r := new(big.Rat).SetUint64(amount)
	r.Quo(r, oneMinusRate)
	q := new(big.Int).Quo(r.Num(), r.Denom())
	if q.Sign() < 0 {
		return 0
	}
	return q.Uint64()
}
