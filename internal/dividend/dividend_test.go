package dividend

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/klingon-exchange/klingon-v2/internal/config"
	"github.com/klingon-exchange/klingon-v2/internal/ledger"
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

func TestProcessorAttributesAndPaysDividend(t *testing.T) {
	self := newMember(t)
	wallet := &walletsig.MultisigWalletInfo{
		Members:                []walletsig.MemberPublicKey{self.PubKey},
		MemberAddresses:        map[walletsig.MemberPublicKey]walletsig.WalletAddress{self.PubKey: "member-self"},
		MemberCount:            1,
		RequiredSignatureCount: 1,
	}
	adapter := ledger.NewMemoryAdapter("A", wallet)
	reg := registry.New()
	bus := p2pbus.NewMemoryBus()
	sched := scheduler.New()
	coord := sigcoord.New("A", wallet, self, reg, bus, adapter, sched, time.Millisecond, time.Millisecond, func() int64 { return 0 })

	// Author and submit a t1 payout, then observe it back as an on-chain
	// outbound transfer carrying its real canonical encoding and
	// signature, the way a production ledger adapter would report it.
	coord.AuthorOutgoing(context.Background(), "settle1", sigcoord.TransferRequest{Amount: 90, Recipient: "taker", Height: 1, Memo: "t1,A,order1: Orders taken"})
	sched.Wait()

	settled := adapter.Posted()
	if len(settled) != 1 {
		t.Fatalf("expected settle1 posted, got %+v", settled)
	}

	adapter.AddBlock(ledger.Block{Height: 5, Timestamp: 1}, nil, []ledger.Transfer{
		{
			ID:                "settle1",
			Amount:            90,
			TransferData:      []byte("t1,A,order1: Orders taken"),
			CanonicalEncoding: settled[0].CanonicalEncoding,
			Signatures:        settled[0].Signatures,
		},
	})

	cfg := &config.Config{
		Chains: map[config.ChainID]*config.ChainConfig{
			"A": {DividendHeightInterval: 10, DividendRate: 0.5, ExchangeFeeRate: 0.1},
		},
	}

	p := New(cfg, map[config.ChainID]ledger.Adapter{"A": adapter}, map[config.ChainID]*sigcoord.Coordinator{"A": coord}, map[config.ChainID]*walletsig.MultisigWalletInfo{"A": wallet}, 8, nil)

	if err := p.ScheduleJob(context.Background(), "A", 5, 5); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}

	go p.Run(context.Background())
	time.Sleep(20 * time.Millisecond)
	p.Close()
	sched.Wait()
	time.Sleep(20 * time.Millisecond)

	posted := adapter.Posted()
	var found bool
	for _, tx := range posted {
		if tx.Amount > 0 && tx.Recipient == "member-self" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a dividend payout to member-self, posted=%+v", posted)
	}
}

func TestProcessorAttributesObservedButNotSelfSubmittedTransfer(t *testing.T) {
	// A peer node authored and submitted this transfer entirely on its
	// own; this node only ever observed it on-chain. Attribution must
	// still credit the signing member because it verifies the attached
	// signature, not any local submission record.
	peer := newMember(t)
	wallet := &walletsig.MultisigWalletInfo{
		Members:                []walletsig.MemberPublicKey{peer.PubKey},
		MemberAddresses:        map[walletsig.MemberPublicKey]walletsig.WalletAddress{peer.PubKey: "member-peer"},
		MemberCount:            1,
		RequiredSignatureCount: 1,
	}
	adapter := ledger.NewMemoryAdapter("A", wallet)

	canonical := []byte("settle-by-peer|A|90|taker|1|0|t1,A,order9: Orders taken")
	hash := walletsig.TransferHash(canonical)
	sig := peer.Sign(hash)

	adapter.AddBlock(ledger.Block{Height: 5, Timestamp: 1}, nil, []ledger.Transfer{
		{
			ID:                "settle-by-peer",
			Amount:            90,
			TransferData:      []byte("t1,A,order9: Orders taken"),
			CanonicalEncoding: canonical,
			Signatures:        []walletsig.Signature{sig},
		},
	})

	reg := registry.New()
	bus := p2pbus.NewMemoryBus()
	sched := scheduler.New()
	self := newMember(t)
	coord := sigcoord.New("A", wallet, self, reg, bus, adapter, sched, time.Millisecond, time.Millisecond, func() int64 { return 0 })

	cfg := &config.Config{
		Chains: map[config.ChainID]*config.ChainConfig{
			"A": {DividendHeightInterval: 10, DividendRate: 0.5, ExchangeFeeRate: 0.1},
		},
	}
	p := New(cfg, map[config.ChainID]ledger.Adapter{"A": adapter}, map[config.ChainID]*sigcoord.Coordinator{"A": coord}, map[config.ChainID]*walletsig.MultisigWalletInfo{"A": wallet}, 8, nil)

	if err := p.ScheduleJob(context.Background(), "A", 5, 5); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}

	go p.Run(context.Background())
	time.Sleep(20 * time.Millisecond)
	p.Close()
	sched.Wait()
	time.Sleep(20 * time.Millisecond)

	var found bool
	for _, tx := range adapter.Posted() {
		if tx.Amount > 0 && tx.Recipient == "member-peer" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a dividend payout attributed to the peer signer, posted=%+v", adapter.Posted())
	}
}

func TestDefaultFuncFloorsToZeroBelowThreshold(t *testing.T) {
	got := DefaultFunc(1, 0.01, 0.01, 10)
	if got != 0 {
		t.Errorf("expected tiny contribution to floor to 0, got %d", got)
	}
}

func TestDefaultFuncComputesShare(t *testing.T) {
	// contribution=1000, dividendRate=0.5, exchangeFeeRate=0.1, memberCount=5
	// => floor(1000*0.5*0.1/5) = floor(10) = 10
	got := DefaultFunc(1000, 0.5, 0.1, 5)
	if got != 10 {
		t.Errorf("expected 10, got %d", got)
	}
}
