package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/ledger"
	"github.com/klingon-exchange/klingon-v2/internal/orderbook"
	"github.com/klingon-exchange/klingon-v2/internal/p2pbus"
	"github.com/klingon-exchange/klingon-v2/internal/registry"
	"github.com/klingon-exchange/klingon-v2/internal/scheduler"
	"github.com/klingon-exchange/klingon-v2/internal/sigcoord"
	"github.com/klingon-exchange/klingon-v2/internal/walletsig"
)

func newMember(t *testing.T) *walletsig.MemberKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return walletsig.NewMemberKey(priv)
}

func testCoordinators(t *testing.T, chains []config.ChainID) (map[config.ChainID]*sigcoord.Coordinator, map[config.ChainID]*ledger.MemoryAdapter) {
	t.Helper()
	coords := make(map[config.ChainID]*sigcoord.Coordinator)
	adapters := make(map[config.ChainID]*ledger.MemoryAdapter)
	for _, chain := range chains {
		self := newMember(t)
		wallet := &walletsig.MultisigWalletInfo{
			Members:                []walletsig.MemberPublicKey{self.PubKey},
			MemberAddresses:        map[walletsig.MemberPublicKey]walletsig.WalletAddress{self.PubKey: "self"},
			MemberCount:            1,
			RequiredSignatureCount: 1,
		}
		adapter := ledger.NewMemoryAdapter(chain, wallet)
		adapters[chain] = adapter
		reg := registry.New()
		bus := p2pbus.NewMemoryBus()
		sched := scheduler.New()
		coords[chain] = sigcoord.New(chain, wallet, self, reg, bus, adapter, sched, time.Millisecond, time.Millisecond, func() int64 { return 0 })
	}
	return coords, adapters
}

func testConfig() *config.Config {
	return &config.Config{
		BaseChain: "A",
		Chains: map[config.ChainID]*config.ChainConfig{
			"A": {MinOrderAmount: 1, OrderHeightExpiry: 1000},
			"B": {MinOrderAmount: 1, OrderHeightExpiry: 1000},
		},
		OrderBookSnapshotFinality: 0,
	}
}

func TestPipelineBasicMatch(t *testing.T) {
	cfg := testConfig()
	coords, adapters := testCoordinators(t, []config.ChainID{"A", "B"})
	book := orderbook.New()

	ledgerAdapters := map[config.ChainID]ledger.Adapter{"A": adapters["A"], "B": adapters["B"]}
	p := New(cfg, ledgerAdapters, book, coords, nil, nil)

	// ask1 inbound on B: sell 100 at price 2 targeting A (base).
	adapters["B"].AddBlock(ledger.Block{Height: 1, Timestamp: 10}, []ledger.Transfer{
		{ID: "ask1", SenderID: "wA-source", Amount: 100, TransferData: []byte("A,limit,2,wA")},
	}, nil)

	if err := p.Process(context.Background(), Input{Chain: "B", ChainHeight: 1, BlockTimestamp: 10, LatestChainHeights: map[config.ChainID]uint64{"A": 1, "B": 1}}); err != nil {
		t.Fatalf("process B block: %v", err)
	}

	if len(book.GetAskIterator()) != 1 {
		t.Fatalf("expected ask1 resting after B's block, got %d asks", len(book.GetAskIterator()))
	}

	// bid1 inbound on A: buy with value 200 at price 2 targeting B (quote).
	adapters["A"].AddBlock(ledger.Block{Height: 1, Timestamp: 11}, []ledger.Transfer{
		{ID: "bid1", SenderID: "wB-source", Amount: 200, TransferData: []byte("B,limit,2,wB")},
	}, nil)

	if err := p.Process(context.Background(), Input{Chain: "A", ChainHeight: 1, BlockTimestamp: 11, LatestChainHeights: map[config.ChainID]uint64{"A": 1, "B": 1}}); err != nil {
		t.Fatalf("process A block: %v", err)
	}

	if len(book.GetOrderIterator()) != 0 {
		t.Fatalf("expected book empty after full match, got %+v", book.GetOrderIterator())
	}

	coords["A"].Scheduler().Wait()
	coords["B"].Scheduler().Wait()
	time.Sleep(20 * time.Millisecond)

	postedB := adapters["B"].Posted()
	postedA := adapters["A"].Posted()
	if len(postedB) != 1 {
		t.Fatalf("expected one t1 payout posted on B, got %d", len(postedB))
	}
	if len(postedA) != 1 {
		t.Fatalf("expected one t2 payout posted on A, got %d", len(postedA))
	}
	if postedB[0].Amount != 100 {
		t.Errorf("expected taker payout of 100 on B, got %d", postedB[0].Amount)
	}
	if postedA[0].Amount != 200 {
		t.Errorf("expected maker payout of 200 on A, got %d", postedA[0].Amount)
	}
}
