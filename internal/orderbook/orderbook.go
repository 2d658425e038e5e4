// Package orderbook implements the price-time priority limit order book.
// Price is represented as an exact rational (*big.Rat) rather than a
// float so that two independently-run nodes evaluating the same match
// sequence always reach bit-identical outgoing amounts.
package orderbook

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
)

// Side is which book an order rests on.
type Side int

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	if s == Bid {
		return "bid"
	}
	return "ask"
}

// OrderKind distinguishes limit orders (priced) from market orders.
type OrderKind int

const (
	Limit OrderKind = iota
	Market
)

// Order is one open trading intent. Ids are namespaced by source chain
// by callers (the pipeline) since the two underlying ledgers do not
// guarantee disjoint transfer ids.
type Order struct {
	ID                  string
	Side                Side
	Kind                OrderKind
	SourceChain         string
	SourceWalletAddress string
	TargetChain         string
	TargetWalletAddress string
	Height              uint64
	ExpiryHeight        uint64
	Timestamp           int64

	// Value/Size are mutually exclusive by side: bids carry Value in base
	// currency, asks carry Size in quote currency.
	Value          uint64
	ValueRemaining uint64
	Size           uint64
	SizeRemaining  uint64

	// Price is quote-per-base. Nil for market orders.
	Price *big.Rat

	// arrival is the monotonic sequence number used as the tie-break for
	// equal-price priority, arrival order ascending. Assigned by the book
	// on insertion.
	arrival uint64
}

// Remaining returns the order's remaining quantity in its own denomination
// (Value for bids, Size for asks).
func (o *Order) Remaining() uint64 {
	if o.Side == Bid {
		return o.ValueRemaining
	}
	return o.SizeRemaining
}

func (o *Order) setRemaining(v uint64) {
	if o.Side == Bid {
		o.ValueRemaining = v
	} else {
		o.SizeRemaining = v
	}
}

// MakerFill is one maker's slice of a single addOrder match call. Exactly
// one record is emitted per maker per fill: a maker touched twice within
// one match (impossible under strict price-time walking of one side, but
// kept explicit for clarity) would otherwise lose its first slice.
type MakerFill struct {
	Order          *Order
	LastSizeTaken  uint64
	LastValueTaken uint64
}

// MatchResult is addOrder's return value.
type MatchResult struct {
	Taker     *Order
	Makers    []MakerFill
	TakeSize  uint64
	TakeValue uint64
}

// OrderBookSnapshot is the serializable book state.
type OrderBookSnapshot struct {
	BidLimitOrders []Order
	AskLimitOrders []Order
	BaseHeight     uint64
	QuoteHeight    uint64
}

// Book is the two-sided price-time priority order book. All exported
// methods serialize under mu, the single logical owner of book state;
// callers on OS threads therefore never see interleaved matching/resting
// and always observe the same arrival ordering a single-threaded
// implementation would produce.
type Book struct {
	mu sync.Mutex

	bids []*Order // sorted: price descending, arrival ascending
	asks []*Order // sorted: price ascending, arrival ascending

	byID map[string]*Order

	bidExpiry map[uint64][]*Order
	askExpiry map[uint64][]*Order

	nextArrival uint64
}

// New creates an empty book.
func New() *Book {
	return &Book{
		byID:      make(map[string]*Order),
		bidExpiry: make(map[uint64][]*Order),
		askExpiry: make(map[uint64][]*Order),
	}
}

func (b *Book) sideSlice(s Side) *[]*Order {
	if s == Bid {
		return &b.bids
	}
	return &b.asks
}

func (b *Book) expiryIndex(s Side) map[uint64][]*Order {
	if s == Bid {
		return b.bidExpiry
	}
	return b.askExpiry
}

// less reports whether order a has strictly higher priority than b on
// their shared side.
func less(side Side, a, b *Order) bool {
	if a.Price == nil || b.Price == nil || a.Price.Cmp(b.Price) == 0 {
		return a.arrival < b.arrival
	}
	if side == Bid {
		return a.Price.Cmp(b.Price) > 0
	}
	return a.Price.Cmp(b.Price) < 0
}

func (b *Book) insertSorted(o *Order) {
	slice := b.sideSlice(o.Side)
	i := sort.Search(len(*slice), func(i int) bool {
		return less(o.Side, o, (*slice)[i])
	})
	*slice = append(*slice, nil)
	copy((*slice)[i+1:], (*slice)[i:])
	(*slice)[i] = o

	b.byID[o.ID] = o
	idx := b.expiryIndex(o.Side)
	idx[o.ExpiryHeight] = append(idx[o.ExpiryHeight], o)
}

func (b *Book) removeFromSide(o *Order) {
	slice := b.sideSlice(o.Side)
	for i, cur := range *slice {
		if cur == o {
			*slice = append((*slice)[:i], (*slice)[i+1:]...)
			break
		}
	}
	delete(b.byID, o.ID)

	idx := b.expiryIndex(o.Side)
	bucket := idx[o.ExpiryHeight]
	for i, cur := range bucket {
		if cur == o {
			idx[o.ExpiryHeight] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(idx[o.ExpiryHeight]) == 0 {
		delete(idx, o.ExpiryHeight)
	}
}

func oppositeSide(s Side) Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// crosses reports whether taker (at the given side) can trade against a
// resting order at restingPrice. Market takers always cross; limit
// takers cross only while price conditions hold.
func crosses(taker *Order, restingPrice *big.Rat) bool {
	if taker.Kind == Market {
		return true
	}
	if taker.Side == Bid {
		return taker.Price.Cmp(restingPrice) >= 0
	}
	return taker.Price.Cmp(restingPrice) <= 0
}

// AddOrder matches an incoming order against the opposite side in
// priority order, then rests any limit residual on its own side. Callers
// must present orders in a fixed, deterministic sequence (never fanned
// out across goroutines): arrival sequence numbers are assigned here and
// feed directly into the price-time tie-break, so two nodes given the
// same orders in the same order always reach the same book state.
func (b *Book) AddOrder(o *Order) MatchResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	result := MatchResult{Taker: o}
	opposite := b.sideSlice(oppositeSide(o.Side))

	for o.Remaining() > 0 && len(*opposite) > 0 {
		maker := (*opposite)[0]
		if !crosses(o, maker.Price) {
			break
		}

		takeSize, takeValue := fillAmounts(o, maker)
		if takeSize == 0 && takeValue == 0 {
			break
		}

		maker.setRemaining(maker.Remaining() - remainingDelta(maker, takeSize, takeValue))
		o.setRemaining(o.Remaining() - remainingDelta(o, takeSize, takeValue))

		result.Makers = append(result.Makers, MakerFill{
			Order:          maker,
			LastSizeTaken:  takeSize,
			LastValueTaken: takeValue,
		})
		result.TakeSize += takeSize
		result.TakeValue += takeValue

		if maker.Remaining() == 0 {
			b.removeFromSide(maker)
		}
	}

	if o.Remaining() > 0 && o.Kind == Limit {
		o.arrival = b.nextArrival
		b.nextArrival++
		b.insertSorted(o)
	}

	return result
}

// remainingDelta computes how much of order's own remaining quantity a
// fill of (takeSize, takeValue) consumes, in the order's own
// denomination.
func remainingDelta(order *Order, takeSize, takeValue uint64) uint64 {
	if order.Side == Bid {
		return takeValue
	}
	return takeSize
}

// fillAmounts computes the size/value exchanged in one fill step between
// taker and the best resting maker, using floor arithmetic on price
// conversions.
func fillAmounts(taker, maker *Order) (takeSize, takeValue uint64) {
	price := maker.Price

	if taker.Side == Bid {
		// taker is a bid (buys base, pays value); maker is an ask (sells
		// base, receives value from taker). maker.SizeRemaining is in
		// quote/base size units; taker.ValueRemaining is in base/value
		// units. Convert through price: size = floor(value / price).
		makerSize := maker.SizeRemaining
		takerMaxSize := floorDiv(taker.ValueRemaining, price)
		takeSize = minUint64(makerSize, takerMaxSize)
		if takeSize == 0 {
			return 0, 0
		}
		takeValue = floorMul(takeSize, price)
		if takeValue > taker.ValueRemaining {
			takeValue = taker.ValueRemaining
		}
		return takeSize, takeValue
	}

	// taker is an ask (sells base, wants value); maker is a bid.
	makerValue := maker.ValueRemaining
	takerMaxValue := floorMul(taker.SizeRemaining, price)
	takeValue = minUint64(makerValue, takerMaxValue)
	if takeValue == 0 {
		return 0, 0
	}
	takeSize = floorDiv(takeValue, price)
	if takeSize > taker.SizeRemaining {
		takeSize = taker.SizeRemaining
	}
	return takeSize, takeValue
}

func floorDiv(amount uint64, price *big.Rat) uint64 {
	// amount / price, floored.
	r := new(big.Rat).SetUint64(amount)
	r.Quo(r, price)
	return ratFloorUint64(r)
}

func floorMul(amount uint64, price *big.Rat) uint64 {
	r := new(big.Rat).SetUint64(amount)
	r.Mul(r, price)
	return ratFloorUint64(r)
}

func ratFloorUint64(r *big.Rat) uint64 {
	q := new(big.Int).Quo(r.Num(), r.Denom())
	if q.Sign() < 0 {
		return 0
	}
	return q.Uint64()
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// CloseOrder removes an order from the book and returns its remaining
// state.
func (b *Book) CloseOrder(id string) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.byID[id]
	if !ok {
		return nil, fmt.Errorf("order %s not open", id)
	}
	b.removeFromSide(o)
	return o.clone(), nil
}

// expireSide removes and returns all orders on side with
// ExpiryHeight <= h, in deterministic id order.
func (b *Book) expireSide(side Side, h uint64) []*Order {
	idx := b.expiryIndex(side)
	var expired []*Order
	for height, orders := range idx {
		if height <= h {
			expired = append(expired, orders...)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	for _, o := range expired {
		b.removeFromSide(o)
	}
	return expired
}

// ExpireBidOrders removes and returns all bids with ExpiryHeight <= h.
func (b *Book) ExpireBidOrders(h uint64) []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expireSide(Bid, h)
}

// ExpireAskOrders removes and returns all asks with ExpiryHeight <= h.
func (b *Book) ExpireAskOrders(h uint64) []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expireSide(Ask, h)
}

// GetOrder looks up an order by id, regardless of side. The returned
// order is a snapshot copy: it is never mutated by later matching, so it
// is safe to read after the call returns without holding any lock.
func (b *Book) GetOrder(id string) (*Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.byID[id]
	if !ok {
		return nil, false
	}
	return o.clone(), true
}

// PeekBids returns the top n resting bids in priority order without
// removing them.
func (b *Book) PeekBids(n int) []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return peek(b.bids, n)
}

// PeekAsks returns the top n resting asks in priority order without
// removing them.
func (b *Book) PeekAsks(n int) []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return peek(b.asks, n)
}

func peek(slice []*Order, n int) []*Order {
	if n <= 0 || n > len(slice) {
		n = len(slice)
	}
	out := make([]*Order, n)
	for i := 0; i < n; i++ {
		out[i] = slice[i].clone()
	}
	return out
}

// GetBidIterator returns all resting bids in priority order, as snapshot
// copies safe to read concurrently with further book mutations.
func (b *Book) GetBidIterator() []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneAll(b.bids)
}

// GetAskIterator returns all resting asks in priority order, as snapshot
// copies safe to read concurrently with further book mutations.
func (b *Book) GetAskIterator() []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cloneAll(b.asks)
}

// GetOrderIterator returns every resting order, bids then asks, as
// snapshot copies.
func (b *Book) GetOrderIterator() []*Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Order, 0, len(b.bids)+len(b.asks))
	out = append(out, cloneAll(b.bids)...)
	out = append(out, cloneAll(b.asks)...)
	return out
}

func cloneAll(slice []*Order) []*Order {
	out := make([]*Order, len(slice))
	for i, o := range slice {
		out[i] = o.clone()
	}
	return out
}

// clone returns an independent copy of o whose Price shares no mutable
// state with the original (big.Rat values are never mutated in place
// once an order is created, but the copy keeps the guarantee explicit).
func (o *Order) clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Price != nil {
		cp.Price = new(big.Rat).Set(o.Price)
	}
	return &cp
}

// Clear empties the book.
func (b *Book) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
}

func (b *Book) clearLocked() {
	b.bids = nil
	b.asks = nil
	b.byID = make(map[string]*Order)
	b.bidExpiry = make(map[uint64][]*Order)
	b.askExpiry = make(map[uint64][]*Order)
}

// GetSnapshot captures the book's observable state: bids
// price-descending/time-ascending, asks price-ascending/time-ascending,
// exactly the book's resting order.
func (b *Book) GetSnapshot(baseHeight, quoteHeight uint64) OrderBookSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := OrderBookSnapshot{BaseHeight: baseHeight, QuoteHeight: quoteHeight}
	for _, o := range b.bids {
		snap.BidLimitOrders = append(snap.BidLimitOrders, *o)
	}
	for _, o := range b.asks {
		snap.AskLimitOrders = append(snap.AskLimitOrders, *o)
	}
	return snap
}

// SetSnapshot restores the book from a snapshot, replacing all current
// state. Arrival sequence numbers are reassigned in snapshot order so
// later inserts still sort after restored orders.
func (b *Book) SetSnapshot(snap OrderBookSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.clearLocked()
	for i := range snap.BidLimitOrders {
		o := snap.BidLimitOrders[i]
		o.arrival = b.nextArrival
		b.nextArrival++
		cp := o
		b.insertSorted(&cp)
	}
	for i := range snap.AskLimitOrders {
		o := snap.AskLimitOrders[i]
		o.arrival = b.nextArrival
		b.nextArrival++
		cp := o
		b.insertSorted(&cp)
	}
}
