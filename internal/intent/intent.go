// Package intent parses the memo attached to an inbound transfer into a
// tagged Intent variant, following a fixed decision table.
package intent

import (
	"math/big"
	"strings"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/orderbook"
)

// Kind tags which Intent case a parse produced.
type Kind int

const (
	KindLimit Kind = iota
	KindMarket
	KindClose
	KindInvalid
	KindOversized
	KindUndersized
	KindMoved
	KindDisabled
)

// MaxAmount is the 2^53-1 cutoff retained for determinism with legacy
// peers even though this node's own amounts are uint64.
const MaxAmount = (uint64(1) << 53) - 1

// Intent is the parsed form of one inbound transfer.
type Intent struct {
	Kind Kind

	TransferID  string
	SourceChain config.ChainID
	SourceWallet string
	Amount      uint64
	Height      uint64

	// Limit/Market
	Price        *big.Rat // Limit only
	TargetWallet string

	// Invalid
	Reason string

	// Close
	OrderIDToClose string

	// Moved
	MovedToAddress string
}

// OrderBookView is the minimal read surface the parser needs from the
// opposite book to evaluate market-order convertibility.
type OrderBookView interface {
	PeekBids(n int) []*orderbook.Order
	PeekAsks(n int) []*orderbook.Order
}

// Input bundles one inbound transfer with the context the decision table
// needs to evaluate.
type Input struct {
	TransferID   string
	SenderID     string
	Amount       uint64
	TransferData []byte
	SourceChain  config.ChainID
	CurrentHeight uint64
}

// Parse runs the decision table below, first match wins. cfg is the
// full node configuration; targetBook is the order book the new
// order would join (used to find the target chain's opposite-side best
// price for market-order convertibility checks); lookupOrder is used to
// resolve "close" intents against open orders.
func Parse(in Input, cfg *config.Config, targetBook OrderBookView, lookupOrder func(id string) (*orderbook.Order, bool)) Intent {
	base := Intent{
		TransferID:  in.TransferID,
		SourceChain: in.SourceChain,
		SourceWallet: in.SenderID,
		Amount:      in.Amount,
		Height:      in.CurrentHeight,
	}

	// Step 1: oversized.
	if in.Amount > MaxAmount {
		base.Kind = KindOversized
		return base
	}

	sourceCfg, ok := cfg.Chain(in.SourceChain)
	if !ok {
		base.Kind = KindInvalid
		base.Reason = "Invalid source chain"
		return base
	}

	// Step 2: administrative disable.
	if sourceCfg.IsDisabled(in.CurrentHeight) {
		if sourceCfg.DexMovedToAddress != "" {
			base.Kind = KindMoved
			base.MovedToAddress = sourceCfg.DexMovedToAddress
		} else {
			base.Kind = KindDisabled
		}
		return base
	}

	fields := strings.Split(string(in.TransferData), ",")
	field := func(i int) string {
		if i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}

	// Step 3: target chain must be the other supported chain.
	targetChain := config.ChainID(field(0))
	if targetChain == "" || targetChain == in.SourceChain || !isSupportedChain(cfg, targetChain) {
		base.Kind = KindInvalid
		base.Reason = "Invalid target chain"
		return base
	}
	targetCfg, _ := cfg.Chain(targetChain)

	op := field(1)

	// Step 4: undersized, only for limit/market.
	if (op == "limit" || op == "market") && in.Amount < sourceCfg.MinOrderAmount {
		base.Kind = KindUndersized
		return base
	}

	switch op {
	case "limit":
		return parseLimit(base, field, cfg, sourceCfg, targetCfg, targetChain)
	case "market":
		return parseMarket(base, field, cfg, targetBook, targetCfg, targetChain)
	case "close":
		return parseClose(base, field, lookupOrder)
	default:
		base.Kind = KindInvalid
		base.Reason = "Invalid operation"
		return base
	}
}

func isSupportedChain(cfg *config.Config, id config.ChainID) bool {
	_, ok := cfg.Chain(id)
	return ok
}

func parseLimit(base Intent, field func(int) string, cfg *config.Config, sourceCfg, targetCfg *config.ChainConfig, targetChain config.ChainID) Intent {
	priceStr := field(2)
	price, ok := parsePositiveFinite(priceStr)
	if !ok {
		base.Kind = KindInvalid
		base.Reason = "Invalid price"
		return base
	}
	wallet := field(3)
	if wallet == "" {
		base.Kind = KindInvalid
		base.Reason = "Invalid wallet address"
		return base
	}

	if convertedValue(base.Amount, price, cfg.IsBase(base.SourceChain)) <= targetCfg.ExchangeFeeBase {
		base.Kind = KindInvalid
		base.Reason = "Too small to convert"
		return base
	}

	base.Kind = KindLimit
	base.Price = price
	base.TargetWallet = wallet
	_ = sourceCfg
	_ = targetChain
	return base
}

func parseMarket(base Intent, field func(int) string, cfg *config.Config, targetBook OrderBookView, targetCfg *config.ChainConfig, targetChain config.ChainID) Intent {
	wallet := field(2)
	if wallet == "" {
		base.Kind = KindInvalid
		base.Reason = "Invalid wallet address"
		return base
	}

	bestPrice, ok := bestOppositePrice(targetBook, cfg.IsBase(base.SourceChain))
	if !ok {
		base.Kind = KindInvalid
		base.Reason = "Too small to convert"
		return base
	}

	if convertedValue(base.Amount, bestPrice, cfg.IsBase(base.SourceChain)) <= targetCfg.ExchangeFeeBase {
		base.Kind = KindInvalid
		base.Reason = "Too small to convert"
		return base
	}

	base.Kind = KindMarket
	base.TargetWallet = wallet
	return base
}

// convertedValue applies the threshold conversion rule: a base-side
// order's amount converts by floored division, a quote-side order's
// amount converts by floored multiplication.
func convertedValue(amount uint64, price *big.Rat, sourceIsBase bool) uint64 {
	if sourceIsBase {
		return floorDivUint(amount, price)
	}
	return floorMulUint(amount, price)
}

// bestOppositePrice finds the best price on the side a market order
// would actually cross into on arrival. A base-source order rests as a
// bid and crosses resting asks; a quote-source order rests as an ask and
// crosses resting bids — sourceIsBase selects which queue to check, the
// same mapping matchOrder uses to assign the resting order's side.
func bestOppositePrice(book OrderBookView, sourceIsBase bool) (*big.Rat, bool) {
	if sourceIsBase {
		asks := book.PeekAsks(1)
		if len(asks) > 0 && asks[0].Price != nil {
			return asks[0].Price, true
		}
		return nil, false
	}
	bids := book.PeekBids(1)
	if len(bids) > 0 && bids[0].Price != nil {
		return bids[0].Price, true
	}
	return nil, false
}

func parseClose(base Intent, field func(int) string, lookupOrder func(id string) (*orderbook.Order, bool)) Intent {
	orderID := field(2)
	if orderID == "" || lookupOrder == nil {
		base.Kind = KindInvalid
		base.Reason = "Invalid operation"
		return base
	}
	existing, ok := lookupOrder(orderID)
	if !ok {
		base.Kind = KindInvalid
		base.Reason = "Invalid operation"
		return base
	}
	if config.ChainID(existing.SourceChain) != base.SourceChain || existing.SourceWalletAddress != base.SourceWallet {
		base.Kind = KindInvalid
		base.Reason = "Invalid operation"
		return base
	}

	base.Kind = KindClose
	base.OrderIDToClose = orderID
	return base
}

func parsePositiveFinite(s string) (*big.Rat, bool) {
	if s == "" {
		return nil, false
	}
	f, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, false
	}
	if f.Sign() <= 0 {
		return nil, false
	}
	return f, true
}

func floorDivUint(amount uint64, price *big.Rat) uint64 {
	r := new(big.Rat).SetUint64(amount)
	r.Quo(r, price)
	return floorUint(r)
}

func floorMulUint(amount uint64, price *big.Rat) uint64 {
	r := new(big.Rat).SetUint64(amount)
	r.Mul(r, price)
	return floorUint(r)
}

func floorUint(r *big.Rat) uint64 {
	q := new(big.Int).Quo(r.Num(), r.Denom())
	if q.Sign() < 0 {
		return 0
	}
	return q.Uint64()
}
