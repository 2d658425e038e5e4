// Package query implements the read-only Query API: cursor pagination
// and filter/sort helpers backing getMarket, getBids, getAsks, getOrders,
// and getPendingTransfers, plus the JSON-RPC 2.0 server and WebSocket
// push channel that expose them.
package query

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/coreerrors"
	"github.com/klingon-exchange/klingon-v2/internal/orderbook"
	"github.com/klingon-exchange/klingon-v2/internal/registry"
)

// Page is a parsed pagination request: an opaque cursor (an offset into
// the sorted result set) plus a bounded limit.
type Page struct {
	Offset int
	Limit  int
}

// ParsePage decodes a cursor and validates a requested limit against the
// configured defaults and ceiling, returning a KindInvalidQuery error on
// violation.
func ParsePage(cfg *config.Config, cursor string, limit int) (Page, error) {
	offset := 0
	if cursor != "" {
		decoded, err := base64.RawURLEncoding.DecodeString(cursor)
		if err != nil {
			return Page{}, coreerrors.Wrap(coreerrors.KindInvalidQuery, "malformed cursor", err)
		}
		offset, err = strconv.Atoi(string(decoded))
		if err != nil || offset < 0 {
			return Page{}, coreerrors.New(coreerrors.KindInvalidQuery, "malformed cursor")
		}
	}

	if limit == 0 {
		limit = cfg.APIDefaultPageLimit
	}
	if limit <= 0 || limit > cfg.APIMaxPageLimit {
		return Page{}, coreerrors.New(coreerrors.KindInvalidQuery, fmt.Sprintf("limit must be between 1 and %d", cfg.APIMaxPageLimit))
	}

	return Page{Offset: offset, Limit: limit}, nil
}

// EncodeCursor produces the opaque cursor naming the next page's offset.
func EncodeCursor(offset int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

// ValidateFilterFields enforces the cap on how many filter fields a
// single query may supply.
func ValidateFilterFields(cfg *config.Config, filter map[string]string) error {
	if len(filter) > cfg.APIMaxFilterFields {
		return coreerrors.New(coreerrors.KindInvalidQuery, fmt.Sprintf("at most %d filter fields allowed, got %d", cfg.APIMaxFilterFields, len(filter)))
	}
	return nil
}

// MarketSummary is getMarket's result: the current best bid/ask.
type MarketSummary struct {
	BestBidPrice string `json:"bestBidPrice,omitempty"`
	BestAskPrice string `json:"bestAskPrice,omitempty"`
	BidDepth     int    `json:"bidDepth"`
	AskDepth     int    `json:"askDepth"`
}

// GetMarket summarizes the top of both sides of the book.
func GetMarket(book *orderbook.Book) MarketSummary {
	bids := book.GetBidIterator()
	asks := book.GetAskIterator()
	summary := MarketSummary{BidDepth: len(bids), AskDepth: len(asks)}
	if len(bids) > 0 {
		summary.BestBidPrice = bids[0].Price.RatString()
	}
	if len(asks) > 0 {
		summary.BestAskPrice = asks[0].Price.RatString()
	}
	return summary
}

// OrdersPage is a paginated slice of book orders plus the cursor for the
// next page, empty when exhausted.
type OrdersPage struct {
	Orders     []orderbook.Order `json:"orders"`
	NextCursor string            `json:"nextCursor,omitempty"`
}

// GetBids returns a page of resting bid orders, best price first,
// optionally restricted to one source wallet.
func GetBids(cfg *config.Config, book *orderbook.Book, page Page, sourceWallet string) OrdersPage {
	return pageOrders(cfg, book.GetBidIterator(), page, sourceWallet)
}

// GetAsks returns a page of resting ask orders, best price first,
// optionally restricted to one source wallet.
func GetAsks(cfg *config.Config, book *orderbook.Book, page Page, sourceWallet string) OrdersPage {
	return pageOrders(cfg, book.GetAskIterator(), page, sourceWallet)
}

func pageOrders(cfg *config.Config, orders []*orderbook.Order, page Page, sourceWallet string) OrdersPage {
	var filtered []*orderbook.Order
	for _, o := range orders {
		if sourceWallet != "" && o.SourceWalletAddress != sourceWallet {
			continue
		}
		filtered = append(filtered, o)
	}

	if page.Offset >= len(filtered) {
		return OrdersPage{}
	}
	end := page.Offset + page.Limit
	if end > len(filtered) {
		end = len(filtered)
	}

	out := make([]orderbook.Order, 0, end-page.Offset)
	for _, o := range filtered[page.Offset:end] {
		out = append(out, *o)
	}

	result := OrdersPage{Orders: out}
	if end < len(filtered) {
		result.NextCursor = EncodeCursor(end)
	}
	return result
}

// GetOrder looks up a single resting order by id.
func GetOrder(book *orderbook.Book, id string) (orderbook.Order, bool) {
	o, ok := book.GetOrder(id)
	if !ok {
		return orderbook.Order{}, false
	}
	return *o, true
}

// PendingTransferView is the read-only projection of a registry entry
// exposed over the Query API (raw signatures are never serialized).
type PendingTransferView struct {
	ID             string `json:"id"`
	TargetChain    string `json:"targetChain"`
	Amount         uint64 `json:"amount"`
	Recipient      string `json:"recipient"`
	Memo           string `json:"memo"`
	CreationHeight uint64 `json:"creationHeight"`
	SignatureCount int    `json:"signatureCount"`
	IsReady        bool   `json:"isReady"`
}

// PendingTransfersPage is a paginated slice of pending transfer views.
type PendingTransfersPage struct {
	Transfers  []PendingTransferView `json:"transfers"`
	NextCursor string                `json:"nextCursor,omitempty"`
}

// GetPendingTransfers returns a page of one chain's pending transfers,
// insertion order, oldest first.
func GetPendingTransfers(reg *registry.Registry, chain config.ChainID, page Page) PendingTransfersPage {
	all := reg.Values()
	sort.SliceStable(all, func(i, j int) bool { return all[i].InsertedAtMillis < all[j].InsertedAtMillis })

	var filtered []*registry.PendingTransfer
	for _, pt := range all {
		if pt.TargetChain != chain {
			continue
		}
		filtered = append(filtered, pt)
	}

	if page.Offset >= len(filtered) {
		return PendingTransfersPage{}
	}
	end := page.Offset + page.Limit
	if end > len(filtered) {
		end = len(filtered)
	}

	out := make([]PendingTransferView, 0, end-page.Offset)
	for _, pt := range filtered[page.Offset:end] {
		out = append(out, PendingTransferView{
			ID:             pt.Transaction.ID,
			TargetChain:    string(pt.TargetChain),
			Amount:         pt.Transaction.Amount,
			Recipient:      pt.Transaction.Recipient,
			Memo:           pt.Transaction.Memo,
			CreationHeight: pt.CreationHeight,
			SignatureCount: len(pt.Transaction.Signatures),
			IsReady:        pt.IsReady,
		})
	}

	result := PendingTransfersPage{Transfers: out}
	if end < len(filtered) {
		result.NextCursor = EncodeCursor(end)
	}
	return result
}

// chainFromString rejects an empty or unrecognized chain parameter,
// folded in here rather than in the HTTP layer so both the JSON-RPC
// server and any future transport share the same validation.
func chainFromString(cfg *config.Config, s string) (config.ChainID, error) {
	id := config.ChainID(strings.TrimSpace(s))
	if _, ok := cfg.Chain(id); !ok {
		return "", coreerrors.New(coreerrors.KindInvalidQuery, fmt.Sprintf("unknown chain %q", s))
	}
	return id, nil
}
